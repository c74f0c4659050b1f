package hdwallet

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/networks"
	"github.com/opd-ai/hdwallet/store"
)

// WalletKey pairs a persisted key row with its derived key handle. The
// handle is materialized from the stored serialization on first
// cryptographic use; reads of metadata never touch key material.
type WalletKey struct {
	record  *store.Key
	network *networks.Network
	hdkey   *keychain.HDKey
}

func newWalletKey(record *store.Key, hdkey *keychain.HDKey) (*WalletKey, error) {
	network, err := networks.ByName(record.NetworkName)
	if err != nil {
		return nil, err
	}
	return &WalletKey{record: record, network: network, hdkey: hdkey}, nil
}

// ID returns the key row id.
func (wk *WalletKey) ID() int64 { return wk.record.ID }

// WalletID returns the owning wallet id.
func (wk *WalletKey) WalletID() int64 { return wk.record.WalletID }

// Name returns the key's display name.
func (wk *WalletKey) Name() string { return wk.record.Name }

// Path returns the key's derivation path within the wallet.
func (wk *WalletKey) Path() string { return wk.record.Path }

// Depth returns the persisted BIP32 depth.
func (wk *WalletKey) Depth() int { return wk.record.Depth }

// AccountID returns the BIP44 account index.
func (wk *WalletKey) AccountID() int { return wk.record.AccountID }

// Change reports whether this key is on the change branch.
func (wk *WalletKey) Change() int { return wk.record.Change }

// AddressIndex returns the BIP44 address index.
func (wk *WalletKey) AddressIndex() int { return wk.record.AddressIndex }

// Address returns the key's address.
func (wk *WalletKey) Address() string { return wk.record.Address }

// WIF returns the key's stored serialized form.
func (wk *WalletKey) WIF() string { return wk.record.WIF }

// PublicHex returns the stored public material: the compressed public key
// hex, or the redeem script hex for multisig keys.
func (wk *WalletKey) PublicHex() string { return wk.record.Public }

// KeyType returns the key's tag: bip32, single or multisig.
func (wk *WalletKey) KeyType() string { return wk.record.KeyType }

// IsPrivate reports whether private key material is stored.
func (wk *WalletKey) IsPrivate() bool { return wk.record.IsPrivate }

// Used reports whether the key has received funds.
func (wk *WalletKey) Used() bool { return wk.record.Used }

// Network returns the key's network.
func (wk *WalletKey) Network() *networks.Network { return wk.network }

// Balance returns the key's last computed unspent total in the smallest
// denomination.
func (wk *WalletKey) Balance() int64 { return wk.record.Balance }

// BalanceString returns the balance formatted as a currency string.
func (wk *WalletKey) BalanceString() string {
	return wk.network.PrintValue(wk.record.Balance)
}

// Key returns the derived key handle, materializing it from the stored
// serialization on first use. Multisig keys have no single key handle.
func (wk *WalletKey) Key() (*keychain.HDKey, error) {
	if wk.hdkey != nil {
		return wk.hdkey, nil
	}
	if wk.record.KeyType == string(keychain.TypeMultisig) {
		return nil, fmt.Errorf("multisig key %d has no single key handle", wk.record.ID)
	}
	k, err := keychain.FromString(wk.record.WIF, wk.network)
	if err != nil {
		return nil, fmt.Errorf("materialize key %d: %w", wk.record.ID, err)
	}
	wk.hdkey = k
	return k, nil
}

// FullPath composes the canonical BIP44 path levels for this key up to
// maxDepth levels, e.g. [m 44' 0' 0' 0 5].
func (wk *WalletKey) FullPath(maxDepth int) []string {
	root := "M"
	if wk.record.IsPrivate {
		root = "m"
	}
	levels := []string{
		root,
		strconv.Itoa(wk.record.Purpose) + "'",
		strconv.FormatUint(uint64(wk.network.BIP44CoinType), 10) + "'",
		strconv.Itoa(wk.record.AccountID) + "'",
		strconv.Itoa(wk.record.Change),
		strconv.Itoa(wk.record.AddressIndex),
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > len(levels) {
		maxDepth = len(levels)
	}
	return levels[:maxDepth]
}

// Dict returns the canonical projection of the key for listings and the
// CLI.
func (wk *WalletKey) Dict() map[string]any {
	return map[string]any{
		"id":            wk.record.ID,
		"key_type":      wk.record.KeyType,
		"is_private":    wk.record.IsPrivate,
		"name":          wk.record.Name,
		"public":        wk.record.Public,
		"wif":           wk.record.WIF,
		"account_id":    wk.record.AccountID,
		"parent_id":     wk.record.ParentID,
		"depth":         wk.record.Depth,
		"change":        wk.record.Change,
		"address_index": wk.record.AddressIndex,
		"address":       wk.record.Address,
		"path":          wk.record.Path,
		"balance":       wk.record.Balance,
		"balance_str":   wk.BalanceString(),
	}
}
