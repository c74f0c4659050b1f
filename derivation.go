package hdwallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/networks"
	"github.com/opd-ai/hdwallet/store"
)

// keyParams bundles the metadata persisted alongside a derived key.
type keyParams struct {
	name      string
	path      string
	accountID int
	change    int
	purpose   int
	parentID  int64
	keyType   string
}

// storeDerivedKey persists a derived or imported key. Insertion is
// idempotent: a key whose public material or serialization already exists
// in the wallet returns the existing row.
//
// For non-single keys the key's BIP32 depth must match the declared path
// depth, with one exception: a depth-3 account key imported at path "m"
// gets the implied path m/purpose'/cointype'/account' synthesized.
func storeDerivedKey(st *store.Store, k *keychain.HDKey, walletID int64,
	p keyParams, network *networks.Network) (*WalletKey, error) {

	path, err := keychain.NormalizePath(p.path)
	if err != nil {
		return nil, err
	}
	if p.keyType != string(keychain.TypeSingle) &&
		int(k.Depth()) != keychain.PathDepth(path) {
		if path == "m" && k.Depth() == 3 {
			path = fmt.Sprintf("m/%d'/%d'/%d'",
				p.purpose, network.BIP44CoinType, p.accountID)
		} else {
			return nil, fmt.Errorf("%w: key depth %d, path %q",
				ErrDepthMismatch, k.Depth(), path)
		}
	}

	public, err := k.PublicHex()
	if err != nil {
		return nil, err
	}
	// Encode the address with the target network's prefix; the derived key
	// handle may carry the parent network when accounts span networks.
	raw, err := k.PublicBytes()
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(raw), network.Params)
	if err != nil {
		return nil, err
	}
	address := addr.EncodeAddress()
	record := &store.Key{
		WalletID:     walletID,
		Name:         p.name,
		Path:         path,
		Depth:        int(k.Depth()),
		Purpose:      p.purpose,
		AccountID:    p.accountID,
		Change:       p.change,
		AddressIndex: int(k.ChildIndex()),
		NetworkName:  network.Name,
		ParentID:     p.parentID,
		KeyType:      p.keyType,
		IsPrivate:    k.IsPrivate(),
		Public:       public,
		Private:      k.PrivateHex(),
		WIF:          k.WIF(),
		Address:      address,
		Compressed:   k.Compressed(),
	}
	inserted, err := st.InsertKey(record)
	if err != nil {
		return nil, err
	}
	return newWalletKey(inserted, k)
}

// materializeContext carries the fixed parameters of one materialization.
type materializeContext struct {
	name      string
	accountID int
	change    int
	network   *networks.Network
}

// materializeKeysFromPath derives and persists every missing key between
// parent and parent's relative path relPath, returning the leaf.
//
// Before deriving it looks for the closest persisted ancestor of the
// target path by truncating one level at a time, and restarts derivation
// there, so only the missing tail is computed even across process
// restarts. Derivation of a hardened segment from a public-only ancestor
// fails; keys derived for the segments before it stay stored.
func (w *Wallet) materializeKeysFromPath(parent *WalletKey, relPath []string,
	basepath string, ctx materializeContext) (*WalletKey, error) {

	if len(relPath) == 0 {
		return parent, nil
	}
	if basepath != "" && !strings.HasSuffix(basepath, "/") {
		basepath += "/"
	}

	target := basepath + strings.Join(relPath, "/")
	ancestor, err := w.store.ClosestAncestor(w.id, target)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	node := parent
	if ancestor != nil {
		if ancestor.Path == target {
			return w.keyByID(ancestor.ID)
		}
		if ancestor.Path != strings.TrimSuffix(basepath, "/") {
			relPath = strings.Split(strings.TrimPrefix(target, ancestor.Path+"/"), "/")
			basepath = ancestor.Path + "/"
			node, err = w.keyByID(ancestor.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	key, err := node.Key()
	if err != nil {
		return nil, err
	}
	parentID := node.ID()
	for i, segment := range relPath {
		key, err = key.Subkey(segment)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", basepath+strings.Join(relPath[:i+1], "/"), err)
		}
		wk, err := storeDerivedKey(w.store, key, w.id, keyParams{
			name:      ctx.name,
			path:      basepath + strings.Join(relPath[:i+1], "/"),
			accountID: ctx.accountID,
			change:    ctx.change,
			purpose:   w.purpose,
			parentID:  parentID,
			keyType:   string(keychain.TypeBIP32),
		}, ctx.network)
		if err != nil {
			return nil, err
		}
		w.cacheKey(wk)
		parentID = wk.ID()
		node = wk
	}
	w.log.WithField("path", node.Path()).Debug("materialized key path")
	return node, nil
}

// KeyForPath creates or returns the key at an explicit path, materializing
// missing levels from the main key. Non-BIP44 paths can be created with
// checks disabled.
func (w *Wallet) KeyForPath(path string, name string, accountID, change int,
	enableChecks bool) (*WalletKey, error) {

	npath, err := keychain.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if enableChecks && npath != "m" && npath != "M" {
		dp, err := keychain.ParsePath(npath)
		if err != nil {
			return nil, err
		}
		if dp.Purpose != "" && dp.Purpose != fmt.Sprintf("%d'", w.purpose) {
			return nil, fmt.Errorf("%w: path purpose %s, wallet purpose %d",
				ErrInvalidPath, dp.Purpose, w.purpose)
		}
		if dp.CoinType != "" && dp.CoinType != fmt.Sprintf("%d'", w.network.BIP44CoinType) {
			return nil, fmt.Errorf("%w: path cointype %s not available in this wallet",
				ErrNetworkMismatch, dp.CoinType)
		}
	}
	if name == "" {
		name = w.name
	}

	existing, err := w.store.KeyByPath(w.id, npath)
	if err == nil {
		return w.keyByID(existing.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if w.mainKey == nil {
		return nil, fmt.Errorf("%w: wallet has no main key", ErrUnsupportedScheme)
	}

	relPath := strings.Split(npath, "/")
	if relPath[0] == "m" || relPath[0] == "M" {
		relPath = relPath[1:]
	}
	return w.materializeKeysFromPath(w.mainKey, relPath, "m", materializeContext{
		name: name, accountID: accountID, change: change, network: w.network,
	})
}
