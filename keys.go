package hdwallet

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/multisig"
	"github.com/opd-ai/hdwallet/networks"
	"github.com/opd-ai/hdwallet/store"
)

// NewAccountOptions carries the optional parameters of NewAccount.
type NewAccountOptions struct {
	// AccountID of the new account; defaults to the highest existing
	// account id on the network plus one.
	AccountID *int
	// Network name, defaults to the wallet network.
	Network string
	// Name of the account keys.
	Name string
}

// NewAccount creates a BIP44 account: the hardened account key at depth 3
// plus its payment (0) and change (1) branches. Only valid for bip44
// wallets holding a private master of depth 0.
func (w *Wallet) NewAccount(opts NewAccountOptions) (*WalletKey, error) {
	if w.scheme != SchemeBIP44 {
		return nil, fmt.Errorf("%w: new accounts need a bip44 wallet", ErrUnsupportedScheme)
	}
	if w.mainKey == nil || w.mainKey.Depth() != 0 || !w.mainKey.IsPrivate() {
		return nil, fmt.Errorf("%w: a private master key of depth 0 is required",
			ErrUnsupportedScheme)
	}

	network := opts.Network
	if network == "" {
		network = w.network.Name
	}
	nw := w.network
	if network != w.network.Name {
		var err error
		nw, err = networks.ByName(network)
		if err != nil {
			return nil, err
		}
	}

	accountID := 0
	if opts.AccountID != nil {
		accountID = *opts.AccountID
	} else {
		max, err := w.store.MaxAccountID(w.id, w.purpose, network)
		if err != nil {
			return nil, err
		}
		accountID = max + 1
	}
	if _, err := w.store.AccountKey(w.id, w.purpose, accountID, network); err == nil {
		return nil, fmt.Errorf("%w: account %d on %s", ErrDuplicateAccount, accountID, network)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("Account #%d", accountID)
	}

	ctx := materializeContext{name: name, accountID: accountID, network: nw}
	accountKey, err := w.materializeKeysFromPath(w.mainKey, []string{
		fmt.Sprintf("%d'", w.purpose),
		fmt.Sprintf("%d'", nw.BIP44CoinType),
		fmt.Sprintf("%d'", accountID),
	}, "m", ctx)
	if err != nil {
		return nil, err
	}

	ctx.name = name + " Payments"
	if _, err := w.materializeKeysFromPath(accountKey, []string{"0"}, accountKey.Path(), ctx); err != nil {
		return nil, err
	}
	ctx.name = name + " Change"
	ctx.change = 1
	if _, err := w.materializeKeysFromPath(accountKey, []string{"1"}, accountKey.Path(), ctx); err != nil {
		return nil, err
	}
	w.log.WithField("account", accountID).Info("account created")
	return accountKey, nil
}

// NewKeyOptions carries the optional parameters of NewKey.
type NewKeyOptions struct {
	Name      string
	AccountID *int
	Network   string
	Change    int
	// MaxDepth is the depth at which the next free address index is looked
	// up, default 5 per BIP44. New bip44 keys are always derived at
	// account/change/index.
	MaxDepth int
}

// NewKey derives the next key on an account branch. Single-key wallets
// return the main key; multisig wallets request one fresh child key from
// every cosigner wallet and compose a new P2SH multisig key from them.
func (w *Wallet) NewKey(opts NewKeyOptions) (*WalletKey, error) {
	if w.scheme == SchemeSingle {
		return w.mainKey, nil
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = 5
	}
	network, accountID, err := w.defaultAccount(opts.Network, opts.AccountID)
	if err != nil {
		return nil, err
	}

	switch w.scheme {
	case SchemeBIP44:
		return w.newBIP44Key(opts, network, accountID)
	case SchemeMultisig:
		return w.newMultisigKey(opts, network, accountID)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, w.scheme)
}

func (w *Wallet) newBIP44Key(opts NewKeyOptions, network string, accountID int) (*WalletKey, error) {
	accountRow, err := w.store.AccountKey(w.id, w.purpose, accountID, network)
	if errors.Is(err, store.ErrNotFound) {
		acc, aerr := w.NewAccount(NewAccountOptions{AccountID: &accountID, Network: network})
		if aerr != nil {
			return nil, aerr
		}
		accountRow, err = w.store.KeyByID(acc.ID())
	}
	if err != nil {
		return nil, err
	}
	accountKey, err := w.keyByID(accountRow.ID)
	if err != nil {
		return nil, err
	}

	addressIndex, err := w.store.NextAddressIndex(
		w.id, w.purpose, network, accountID, opts.Change, opts.MaxDepth)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		if opts.Change == 1 {
			name = fmt.Sprintf("Change %d", addressIndex)
		} else {
			name = fmt.Sprintf("Key %d", addressIndex)
		}
	}
	return w.materializeKeysFromPath(accountKey,
		[]string{strconv.Itoa(opts.Change), strconv.Itoa(addressIndex)},
		accountKey.Path(), materializeContext{
			name: name, accountID: accountID, change: opts.Change, network: w.network,
		})
}

func (w *Wallet) newMultisigKey(opts NewKeyOptions, network string, accountID int) (*WalletKey, error) {
	if network != w.network.Name {
		return nil, fmt.Errorf("%w: multisig wallets are single-network", ErrNetworkMismatch)
	}
	if w.multisigNRequired == 0 {
		return nil, fmt.Errorf("%w: signature threshold not set", ErrUnsupportedScheme)
	}
	cosigners, err := w.Cosigners()
	if err != nil {
		return nil, err
	}

	type childKey struct {
		id     int64
		public []byte
	}
	children := make([]childKey, 0, len(cosigners))
	var addressIndex int
	for i, cw := range cosigners {
		wk, err := cw.NewKey(NewKeyOptions{
			Change: opts.Change, MaxDepth: opts.MaxDepth, Network: network,
		})
		if err != nil {
			return nil, fmt.Errorf("cosigner %s: %w", cw.Name(), err)
		}
		key, err := wk.Key()
		if err != nil {
			return nil, err
		}
		public, err := key.PublicBytes()
		if err != nil {
			return nil, err
		}
		if i == 0 {
			addressIndex = wk.AddressIndex()
		}
		children = append(children, childKey{id: wk.ID(), public: public})
	}
	if w.sortKeys {
		sort.Slice(children, func(i, j int) bool {
			return bytes.Compare(children[i].public, children[j].public) < 0
		})
	}

	pubKeys := make([][]byte, len(children))
	childIDs := make([]int64, len(children))
	idStrings := make([]string, len(children))
	for i, c := range children {
		pubKeys[i] = c.public
		childIDs[i] = c.id
		idStrings[i] = strconv.FormatInt(c.id, 10)
	}

	script, err := multisig.Compose(pubKeys, w.multisigNRequired, false, w.network)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = "Multisig Key " + strings.Join(idStrings, "/")
	}
	record := &store.Key{
		WalletID:     w.id,
		Name:         name,
		Path:         fmt.Sprintf("multisig-%d-of-%s", w.multisigNRequired, strings.Join(idStrings, "/")),
		Purpose:      w.purpose,
		AccountID:    accountID,
		Change:       opts.Change,
		AddressIndex: addressIndex,
		NetworkName:  network,
		KeyType:      string(keychain.TypeMultisig),
		Public:       fmt.Sprintf("%x", script.RedeemScript),
		WIF:          "multisig-" + script.Address,
		Address:      script.Address,
		Compressed:   true,
	}
	inserted, err := w.store.InsertKey(record)
	if err != nil {
		return nil, err
	}
	if err := w.store.AddMultisigChildren(inserted.ID, childIDs); err != nil {
		return nil, err
	}
	w.log.WithField("address", script.Address).Info("multisig key created")
	wk, err := newWalletKey(inserted, nil)
	if err != nil {
		return nil, err
	}
	w.cacheKey(wk)
	return wk, nil
}

// NewKeyChange derives the next change key. Shorthand for NewKey with
// change set.
func (w *Wallet) NewKeyChange(opts NewKeyOptions) (*WalletKey, error) {
	opts.Change = 1
	return w.NewKey(opts)
}

// GetKeyOptions carries the optional parameters of GetKey and GetKeys.
type GetKeyOptions struct {
	AccountID    *int
	Network      string
	Change       int
	NumberOfKeys int
}

// GetKey returns the oldest unused key at the scheme's address depth,
// created after the last used key, deriving a new one when all are used.
func (w *Wallet) GetKey(opts GetKeyOptions) (*WalletKey, error) {
	keys, err := w.GetKeys(opts)
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

// GetKeys returns NumberOfKeys unused keys (default 1), deriving new ones
// as needed.
func (w *Wallet) GetKeys(opts GetKeyOptions) ([]*WalletKey, error) {
	if w.scheme == SchemeSingle {
		return []*WalletKey{w.mainKey}, nil
	}
	n := opts.NumberOfKeys
	if n == 0 {
		n = 1
	}
	network, accountID, err := w.defaultAccount(opts.Network, opts.AccountID)
	if err != nil {
		return nil, err
	}
	depth := w.addressDepth()

	lastUsedID, err := w.store.LastUsedKeyID(w.id, accountID, network, opts.Change, depth)
	if err != nil {
		return nil, err
	}
	unused, err := w.store.UnusedKeysAfter(w.id, accountID, network, opts.Change, depth, lastUsedID)
	if err != nil {
		return nil, err
	}

	keys := make([]*WalletKey, 0, n)
	for i := 0; i < n; i++ {
		if i < len(unused) {
			wk, err := w.keyByID(unused[i].ID)
			if err != nil {
				return nil, err
			}
			keys = append(keys, wk)
			continue
		}
		wk, err := w.NewKey(NewKeyOptions{
			AccountID: &accountID, Network: network, Change: opts.Change,
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, wk)
	}
	return keys, nil
}

// GetKeyChange returns the oldest unused change key, deriving one if
// needed.
func (w *Wallet) GetKeyChange(opts GetKeyOptions) (*WalletKey, error) {
	opts.Change = 1
	return w.GetKey(opts)
}

// Key resolves a key within this wallet by id, address, serialized key or
// name.
func (w *Wallet) Key(term string) (*WalletKey, error) {
	if id, err := strconv.ParseInt(term, 10, 64); err == nil {
		record, err := w.store.KeyByID(id)
		if err != nil {
			return nil, err
		}
		if record.WalletID != w.id {
			return nil, fmt.Errorf("%w: key %d belongs to another wallet", ErrNotFound, id)
		}
		return w.keyByID(id)
	}
	record, err := w.store.KeyBySearchTerm(w.id, term)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", term, err)
	}
	return w.keyByID(record.ID)
}

// Keys lists the wallet's keys matching the filter.
func (w *Wallet) Keys(filter *store.KeyFilter) ([]*WalletKey, error) {
	rows, err := w.store.Keys(w.id, filter)
	if err != nil {
		return nil, err
	}
	keys := make([]*WalletKey, 0, len(rows))
	for _, row := range rows {
		wk, err := newWalletKey(row, nil)
		if err != nil {
			return nil, err
		}
		keys = append(keys, wk)
	}
	return keys, nil
}

// ImportKeyOptions carries the optional parameters of ImportKey.
type ImportKeyOptions struct {
	Name      string
	AccountID int
	Network   string
	KeyType   string
}

// ImportKey adds an external key to the wallet. A depth-0 private master
// imported into a bip44 wallet whose main key is a depth-3 public account
// key upgrades the whole wallet via ImportMasterKey. Single keys get a
// synthetic sequential import path. Other BIP32 keys are stored at path m
// when of depth 0 and at the account path when of depth 3; keys of any
// other depth are rejected with ErrDepthMismatch.
func (w *Wallet) ImportKey(serialized string, opts ImportKeyOptions) (*WalletKey, error) {
	network := w.network
	if opts.Network != "" {
		var err error
		network, err = networks.ByName(opts.Network)
		if err != nil {
			return nil, err
		}
	}
	key, err := keychain.FromString(serialized, network)
	if err != nil {
		return nil, err
	}

	if w.scheme == SchemeBIP44 && w.mainKey != nil && w.mainKey.Depth() == 3 &&
		key.IsPrivate() && key.Depth() == 0 && key.Type() == keychain.TypeBIP32 {
		return w.ImportMasterKey(key, opts.Name)
	}

	keyType := opts.KeyType
	if keyType == "" {
		keyType = string(key.Type())
	}

	path := "m"
	name := opts.Name
	if keyType == string(keychain.TypeSingle) {
		lastPath, err := w.store.LastImportKeyPath(w.id)
		if err != nil {
			return nil, err
		}
		seq := 1
		if lastPath != "" {
			if n, err := strconv.Atoi(lastPath[len(lastPath)-5:]); err == nil {
				seq = n + 1
			}
		}
		path = fmt.Sprintf("import_key_%05d", seq)
		if name == "" {
			name = path
		}
	}

	return storeDerivedKey(w.store, key, w.id, keyParams{
		name: name, path: path, accountID: opts.AccountID,
		purpose: w.purpose, keyType: keyType,
	}, network)
}

// ImportMasterKey replaces a watch-only bip44 wallet's public account main
// key with the corresponding private master, and re-materializes the
// purpose and cointype levels under it.
func (w *Wallet) ImportMasterKey(master *keychain.HDKey, name string) (*WalletKey, error) {
	if name == "" {
		name = "Masterkey (imported)"
	}
	if !master.IsPrivate() || master.Depth() != 0 {
		return nil, fmt.Errorf("%w: need a private master of depth 0", ErrDepthMismatch)
	}
	if w.mainKey == nil || w.mainKey.Depth() != 3 || w.mainKey.IsPrivate() ||
		w.mainKey.KeyType() != string(keychain.TypeBIP32) {
		return nil, fmt.Errorf("%w: current main key is not a public account key",
			ErrUnsupportedScheme)
	}
	if master.Network().Name != w.network.Name {
		return nil, fmt.Errorf("%w: master key is for %s, wallet is for %s",
			ErrNetworkMismatch, master.Network().Name, w.network.Name)
	}

	accountID := w.mainKey.AccountID()
	accountKey, err := master.AccountKey(uint32(w.purpose), uint32(accountID))
	if err != nil {
		return nil, err
	}
	accountPub, err := accountKey.WIFPublic()
	if err != nil {
		return nil, err
	}
	if w.mainKey.WIF() != accountPub {
		return nil, fmt.Errorf("%w: master does not derive the current account key",
			ErrKeyMismatch)
	}

	mk, err := storeDerivedKey(w.store, master, w.id, keyParams{
		name: name, path: "m", accountID: accountID,
		purpose: w.purpose, keyType: string(keychain.TypeBIP32),
	}, w.network)
	if err != nil {
		return nil, err
	}
	if err := w.store.SetWalletMainKey(w.id, mk.ID()); err != nil {
		return nil, err
	}
	w.mainKey = mk
	w.mainKeyID = mk.ID()
	w.keyCache = map[int64]*WalletKey{mk.ID(): mk}

	_, err = w.materializeKeysFromPath(mk, []string{
		fmt.Sprintf("%d'", w.purpose),
		fmt.Sprintf("%d'", w.network.BIP44CoinType),
	}, "m", materializeContext{name: name, accountID: accountID, network: w.network})
	if err != nil {
		return nil, err
	}
	w.log.Info("master key imported")
	return mk, nil
}

// KeyAddPrivate upgrades a public-only wallet key with its private key.
// The private key must produce the same public bytes.
func (w *Wallet) KeyAddPrivate(wk *WalletKey, serialized string) (*WalletKey, error) {
	priv, err := keychain.FromString(serialized, wk.Network())
	if err != nil {
		return nil, err
	}
	if !priv.IsPrivate() {
		return nil, fmt.Errorf("%w: key is not private", ErrKeyMismatch)
	}
	public, err := priv.PublicHex()
	if err != nil {
		return nil, err
	}
	if public != wk.PublicHex() {
		return nil, fmt.Errorf("%w: private key does not match stored public key",
			ErrKeyMismatch)
	}
	if err := w.store.KeyAddPrivate(wk.ID(), priv.PrivateHex(), priv.WIF()); err != nil {
		return nil, err
	}
	delete(w.keyCache, wk.ID())
	return w.keyByID(wk.ID())
}

// maxScanRecursion caps gap-limit discovery so a pathological provider
// cannot drive unbounded key creation.
const maxScanRecursion = 10

// Scan generates scanDepth fresh keys per branch and checks them for
// unspent outputs, repeating while new outputs keep appearing. This is the
// BIP44 gap-limit style account discovery.
func (w *Wallet) Scan(scanDepth int) error {
	if w.scheme != SchemeBIP44 && w.scheme != SchemeMultisig {
		return fmt.Errorf("%w: scan needs a bip44 or multisig wallet", ErrUnsupportedScheme)
	}
	for change := 0; change <= 1; change++ {
		if err := w.scanBranch(scanDepth, change, 0); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wallet) scanBranch(scanDepth, change, recursion int) error {
	if recursion >= maxScanRecursion {
		return fmt.Errorf("utxo scan exceeded recursion depth %d", maxScanRecursion)
	}
	keys, err := w.GetKeys(GetKeyOptions{Change: change, NumberOfKeys: scanDepth})
	if err != nil {
		return err
	}
	newUTXOs := 0
	for _, wk := range keys {
		keyID := wk.ID()
		n, err := w.UpdateUTXOs(UpdateUTXOOptions{KeyID: &keyID, Change: &change})
		if err != nil {
			return err
		}
		newUTXOs += n
	}
	if newUTXOs > 0 {
		return w.scanBranch(scanDepth, change, recursion+1)
	}
	return nil
}
