// Package hdwallet implements a hierarchical deterministic wallet engine
// for UTXO-based chains. It derives and persists BIP44 key trees, composes
// multi-signature wallets, reconciles unspent outputs against a blockchain
// provider, and creates, signs and submits transactions.
package hdwallet

import (
	"bytes"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hdwallet/chain"
	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/networks"
	"github.com/opd-ai/hdwallet/store"
)

// Key structure schemes supported by the engine.
const (
	SchemeBIP44    = "bip44"
	SchemeSingle   = "single"
	SchemeMultisig = "multisig"
)

// DefaultPurpose is the BIP44 purpose level used unless overridden.
const DefaultPurpose = 44

// Wallet is one wallet session. It owns a store handle and an optional
// blockchain service; all reads and writes of a session are serialized.
// Two concurrent sessions on the same wallet race at the store level,
// where the uniqueness constraints keep duplicate derivation harmless.
type Wallet struct {
	id                int64
	name              string
	owner             string
	scheme            string
	purpose           int
	network           *networks.Network
	sortKeys          bool
	multisigNRequired int
	parentID          int64
	mainKeyID         int64

	store   *store.Store
	service chain.Service
	log     *logrus.Entry

	mainKey  *WalletKey
	keyCache map[int64]*WalletKey
	cosigner []*Wallet
	balances map[string]int64
}

// CreateOptions carries the optional parameters of Create.
type CreateOptions struct {
	// Key is a master or account key to import, in any serialized form
	// keychain understands. Leave empty to generate a fresh master for
	// bip44 wallets.
	Key string
	// HDKey imports an already materialized key handle instead of Key.
	HDKey *keychain.HDKey
	// Network name; defaults to bitcoin or to the imported key's network.
	Network string
	// Owner is a free-form reference.
	Owner string
	// Purpose is the BIP44 purpose level, default 44.
	Purpose int
	// Scheme selects the key structure, default bip44.
	Scheme string
	// AccountID of the first account, default 0.
	AccountID int
	// SortKeys applies BIP67 ordering in multisig composition.
	SortKeys bool
	// parentID links a cosigner wallet to its multisig parent.
	parentID int64
}

// Create creates a new wallet, generating or importing its master key and
// materializing the initial BIP44 branches.
func Create(st *store.Store, svc chain.Service, name string, opts CreateOptions) (*Wallet, error) {
	exists, err := st.WalletNameExists(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	if opts.Scheme == "" {
		opts.Scheme = SchemeBIP44
	}
	if opts.Purpose == 0 {
		opts.Purpose = DefaultPurpose
	}

	key := opts.HDKey
	network, err := resolveNetwork(opts.Network, key)
	if err != nil {
		return nil, err
	}
	if key == nil && opts.Key != "" {
		if opts.Network == "" {
			// Detect the network from the serialization; raw public keys
			// carry none and fall back to the default network below.
			key, err = keychain.FromString(opts.Key, nil)
		}
		if key == nil {
			key, err = keychain.FromString(opts.Key, network)
		}
		if err != nil {
			return nil, err
		}
		if opts.Network == "" {
			network = key.Network()
		}
	}

	record := &store.Wallet{
		Name:        name,
		Owner:       opts.Owner,
		NetworkName: network.Name,
		Purpose:     opts.Purpose,
		Scheme:      opts.Scheme,
		SortKeys:    opts.SortKeys,
	}
	if opts.parentID != 0 {
		record.ParentID = sql.NullInt64{Int64: opts.parentID, Valid: true}
	}
	if err := st.InsertWallet(record); err != nil {
		return nil, err
	}
	log := logrus.WithField("wallet", name)
	log.WithField("scheme", opts.Scheme).Info("wallet created")

	switch opts.Scheme {
	case SchemeBIP44:
		if key == nil {
			key, err = keychain.GenerateMaster(network)
			if err != nil {
				return nil, err
			}
		}
		mk, err := storeDerivedKey(st, key, record.ID, keyParams{
			name: name, path: "m", accountID: opts.AccountID,
			purpose: opts.Purpose, keyType: string(keychain.TypeBIP32),
		}, network)
		if err != nil {
			return nil, err
		}
		if mk.Depth() > 4 {
			return nil, fmt.Errorf("%w: cannot use key of depth %d as main key",
				ErrDepthMismatch, mk.Depth())
		}
		if err := st.SetWalletMainKey(record.ID, mk.ID()); err != nil {
			return nil, err
		}
		w, err := openByID(st, svc, record.ID)
		if err != nil {
			return nil, err
		}
		if mk.Depth() == 0 {
			if _, err := w.NewAccount(NewAccountOptions{AccountID: &opts.AccountID}); err != nil {
				return nil, err
			}
		}
		return w, nil

	case SchemeSingle:
		if key == nil {
			return nil, fmt.Errorf("%w: single scheme requires a key", ErrUnsupportedScheme)
		}
		mk, err := storeDerivedKey(st, key, record.ID, keyParams{
			name: name, path: "m", accountID: opts.AccountID,
			purpose: opts.Purpose, keyType: string(keychain.TypeSingle),
		}, network)
		if err != nil {
			return nil, err
		}
		if err := st.SetWalletMainKey(record.ID, mk.ID()); err != nil {
			return nil, err
		}
		return openByID(st, svc, record.ID)

	case SchemeMultisig:
		// The parent of a multisig structure carries no main key; cosigner
		// wallets hold the key material.
		return openByID(st, svc, record.ID)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, opts.Scheme)
	}
}

// MultisigOptions carries the optional parameters of CreateMultisig.
type MultisigOptions struct {
	Network   string
	Owner     string
	Purpose   int
	AccountID int
	// SortKeys orders cosigner keys by raw public key bytes (BIP67) so
	// the resulting addresses are independent of key list order.
	SortKeys bool
}

// CreateMultisig creates a multisig wallet from a list of cosigner keys.
// For every key a cosigner child wallet is created, bip44 or single
// depending on the key type. sigsRequired of len(keyList) signatures
// validate a spend.
func CreateMultisig(st *store.Store, svc chain.Service, name string,
	keyList []string, sigsRequired int, opts MultisigOptions) (*Wallet, error) {

	if len(keyList) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 cosigner keys, got %d",
			ErrUnsupportedScheme, len(keyList))
	}
	if sigsRequired < 2 || sigsRequired > len(keyList) {
		return nil, fmt.Errorf("%w: %d signatures required of %d keys",
			ErrUnsupportedScheme, sigsRequired, len(keyList))
	}
	if opts.Purpose == 0 {
		opts.Purpose = DefaultPurpose
	}

	parent, err := Create(st, svc, name, CreateOptions{
		Network:   opts.Network,
		Owner:     opts.Owner,
		Purpose:   opts.Purpose,
		AccountID: opts.AccountID,
		Scheme:    SchemeMultisig,
		SortKeys:  opts.SortKeys,
	})
	if err != nil {
		return nil, err
	}

	keys := make([]*keychain.HDKey, 0, len(keyList))
	for _, serialized := range keyList {
		// Detect each cosigner key's network from its serialization so
		// cross-network keys are caught below.
		k, err := keychain.FromString(serialized, nil)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if opts.SortKeys {
		sortKeysByPublicBytes(keys)
	}

	for i, cokey := range keys {
		if cokey.Network().Name != parent.network.Name {
			return nil, fmt.Errorf("%w: cosigner key %d is for %s, wallet is for %s",
				ErrNetworkMismatch, i, cokey.Network().Name, parent.network.Name)
		}
		scheme := SchemeBIP44
		if cokey.Type() == keychain.TypeSingle {
			scheme = SchemeSingle
		}
		_, err := Create(st, svc, fmt.Sprintf("%s-cosigner-%d", name, i), CreateOptions{
			HDKey:     cokey,
			Network:   parent.network.Name,
			Owner:     opts.Owner,
			Purpose:   opts.Purpose,
			AccountID: opts.AccountID,
			Scheme:    scheme,
			parentID:  parent.id,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := st.SetWalletMultisig(parent.id, sigsRequired, opts.SortKeys); err != nil {
		return nil, err
	}
	return openByID(st, svc, parent.id)
}

// Open loads an existing wallet session by name.
func Open(st *store.Store, svc chain.Service, name string) (*Wallet, error) {
	record, err := st.WalletByName(name)
	if err != nil {
		return nil, fmt.Errorf("open wallet %q: %w", name, err)
	}
	return openRecord(st, svc, record)
}

// OpenID loads an existing wallet session by id.
func OpenID(st *store.Store, svc chain.Service, id int64) (*Wallet, error) {
	return openByID(st, svc, id)
}

func openByID(st *store.Store, svc chain.Service, id int64) (*Wallet, error) {
	record, err := st.WalletByID(id)
	if err != nil {
		return nil, fmt.Errorf("open wallet %d: %w", id, err)
	}
	return openRecord(st, svc, record)
}

func openRecord(st *store.Store, svc chain.Service, record *store.Wallet) (*Wallet, error) {
	network, err := networks.ByName(record.NetworkName)
	if err != nil {
		return nil, err
	}
	w := &Wallet{
		id:       record.ID,
		name:     record.Name,
		owner:    record.Owner,
		scheme:   record.Scheme,
		purpose:  record.Purpose,
		network:  network,
		sortKeys: record.SortKeys,
		store:    st,
		service:  svc,
		log:      logrus.WithField("wallet", record.Name),
		keyCache: map[int64]*WalletKey{},
		balances: map[string]int64{},
	}
	if record.MultisigNRequired.Valid {
		w.multisigNRequired = int(record.MultisigNRequired.Int64)
	}
	if record.ParentID.Valid {
		w.parentID = record.ParentID.Int64
	}
	if record.MainKeyID.Valid {
		w.mainKeyID = record.MainKeyID.Int64
		mk, err := w.keyByID(w.mainKeyID)
		if err != nil {
			return nil, err
		}
		w.mainKey = mk
	}
	return w, nil
}

func resolveNetwork(name string, key *keychain.HDKey) (*networks.Network, error) {
	if name != "" {
		return networks.ByName(name)
	}
	if key != nil {
		return key.Network(), nil
	}
	return networks.ByName("bitcoin")
}

// ID returns the wallet's row id.
func (w *Wallet) ID() int64 { return w.id }

// Name returns the wallet's unique name.
func (w *Wallet) Name() string { return w.name }

// Owner returns the wallet's owner reference.
func (w *Wallet) Owner() string { return w.owner }

// Scheme returns the wallet's key structure scheme.
func (w *Wallet) Scheme() string { return w.scheme }

// Purpose returns the wallet's BIP44 purpose level.
func (w *Wallet) Purpose() int { return w.purpose }

// Network returns the wallet's default network.
func (w *Wallet) Network() *networks.Network { return w.network }

// SortKeys reports whether multisig composition sorts cosigner keys.
func (w *Wallet) SortKeys() bool { return w.sortKeys }

// SigsRequired returns the multisig signature threshold, 0 for
// non-multisig wallets.
func (w *Wallet) SigsRequired() int { return w.multisigNRequired }

// MainKey returns the wallet's main key, nil for multisig parents.
func (w *Wallet) MainKey() *WalletKey { return w.mainKey }

// SetName renames the wallet. The new name must be unused.
func (w *Wallet) SetName(name string) error {
	exists, err := w.store.WalletNameExists(name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if err := w.store.UpdateWalletName(w.id, name); err != nil {
		return err
	}
	w.name = name
	w.log = logrus.WithField("wallet", name)
	return nil
}

// SetOwner updates the wallet's owner reference.
func (w *Wallet) SetOwner(owner string) error {
	if err := w.store.UpdateWalletOwner(w.id, owner); err != nil {
		return err
	}
	w.owner = owner
	return nil
}

// Balance returns the last computed wallet balance for a network. Run
// UpdateBalances first for fresh values.
func (w *Wallet) Balance(network string) int64 {
	if network == "" {
		network = w.network.Name
	}
	return w.balances[network]
}

// Cosigners returns the cosigner child wallet sessions of a multisig
// parent, ordered by name.
func (w *Wallet) Cosigners() ([]*Wallet, error) {
	if w.cosigner != nil {
		return w.cosigner, nil
	}
	children, err := w.store.ChildWallets(w.id)
	if err != nil {
		return nil, err
	}
	cosigners := make([]*Wallet, 0, len(children))
	for _, child := range children {
		cw, err := openRecord(w.store, w.service, child)
		if err != nil {
			return nil, err
		}
		cosigners = append(cosigners, cw)
	}
	w.cosigner = cosigners
	return cosigners, nil
}

// Accounts lists the account ids present for a network.
func (w *Wallet) Accounts(network string) ([]int, error) {
	if network == "" {
		network = w.network.Name
	}
	depth := 3
	rows, err := w.store.Keys(w.id, &store.KeyFilter{
		NetworkName: network, Purpose: &w.purpose, Depth: &depth,
	})
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var accounts []int
	for _, row := range rows {
		if !seen[row.AccountID] {
			seen[row.AccountID] = true
			accounts = append(accounts, row.AccountID)
		}
	}
	return accounts, nil
}

// AddressList returns the addresses of the wallet's keys matching the
// filter, at the scheme's canonical address depth by default.
func (w *Wallet) AddressList(filter *store.KeyFilter) ([]string, error) {
	if filter == nil {
		filter = &store.KeyFilter{}
	}
	if filter.Depth == nil {
		depth := w.addressDepth()
		filter.Depth = &depth
	}
	rows, err := w.store.Keys(w.id, filter)
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Address != "" {
			addresses = append(addresses, row.Address)
		}
	}
	return addresses, nil
}

// addressDepth is the path depth at which the scheme's spendable
// addresses live.
func (w *Wallet) addressDepth() int {
	if w.scheme == SchemeBIP44 {
		return 5
	}
	return 0
}

// defaultAccount resolves the network and account id defaults for an
// operation: the wallet network, and the first existing account.
func (w *Wallet) defaultAccount(network string, accountID *int) (string, int, error) {
	if network == "" {
		network = w.network.Name
	}
	if accountID != nil {
		return network, *accountID, nil
	}
	id, ok, err := w.store.FirstAccountID(w.id, w.purpose, network)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return network, 0, nil
	}
	return network, id, nil
}

// Dict returns a projection of the wallet for listings and the CLI.
func (w *Wallet) Dict() map[string]any {
	d := map[string]any{
		"id":      w.id,
		"name":    w.name,
		"owner":   w.owner,
		"scheme":  w.scheme,
		"network": w.network.Name,
		"purpose": w.purpose,
	}
	if w.scheme == SchemeMultisig {
		d["sigs_required"] = w.multisigNRequired
		d["sort_keys"] = w.sortKeys
	}
	if w.mainKey != nil {
		d["main_key"] = w.mainKey.Dict()
	}
	return d
}

// String implements fmt.Stringer.
func (w *Wallet) String() string {
	return "<Wallet(name=" + w.name + ", scheme=" + w.scheme +
		", network=" + w.network.Name + ", id=" + strconv.FormatInt(w.id, 10) + ")>"
}

func (w *Wallet) keyByID(id int64) (*WalletKey, error) {
	if wk, ok := w.keyCache[id]; ok {
		return wk, nil
	}
	record, err := w.store.KeyByID(id)
	if err != nil {
		return nil, err
	}
	wk, err := newWalletKey(record, nil)
	if err != nil {
		return nil, err
	}
	w.keyCache[id] = wk
	return wk, nil
}

func (w *Wallet) cacheKey(wk *WalletKey) {
	w.keyCache[wk.ID()] = wk
}

// sortKeysByPublicBytes applies BIP67 ordering: lexicographic on the raw
// compressed public keys.
func sortKeysByPublicBytes(keys []*keychain.HDKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, _ := keys[i].PublicBytes()
		b, _ := keys[j].PublicBytes()
		return bytes.Compare(a, b) < 0
	})
}
