// Package keychain wraps hierarchical deterministic key derivation for the
// wallet engine. It builds on btcutil/hdkeychain for BIP32 extended keys
// and also carries plain single keys imported from WIF, so callers deal
// with one key handle regardless of origin.
package keychain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/opd-ai/hdwallet/networks"
)

// KeyType tags the origin of a key. The wallet engine dispatches path and
// script handling on this tag.
type KeyType string

const (
	// TypeBIP32 is an extended key that supports child derivation
	TypeBIP32 KeyType = "bip32"
	// TypeSingle is a plain EC key without a chain code
	TypeSingle KeyType = "single"
	// TypeMultisig is a synthetic key whose public part is a redeem script
	TypeMultisig KeyType = "multisig"
)

var (
	// ErrHardenedFromPublic is returned when a hardened child is requested
	// from a public-only parent.
	ErrHardenedFromPublic = errors.New("cannot derive hardened child from public key")
	// ErrNotExtended is returned when child derivation is requested from a
	// single (non-BIP32) key.
	ErrNotExtended = errors.New("key does not support child derivation")
	// ErrUnknownKeyFormat is returned when a key string cannot be decoded.
	ErrUnknownKeyFormat = errors.New("unknown key format")
)

// HDKey is a derived or imported key bound to a network. Exactly one of
// ext or the priv/pub pair is set, selected by keyType.
type HDKey struct {
	ext     *hdkeychain.ExtendedKey
	priv    *btcec.PrivateKey
	pub     *btcec.PublicKey
	network *networks.Network
	keyType KeyType
}

// GenerateMaster creates a fresh BIP32 master key from a random seed of
// the recommended length.
func GenerateMaster(network *networks.Network) (*HDKey, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return FromSeed(seed, network)
}

// FromSeed creates a BIP32 master key from seed bytes.
func FromSeed(seed []byte, network *networks.Network) (*HDKey, error) {
	ext, err := hdkeychain.NewMaster(seed, network.Params)
	if err != nil {
		return nil, fmt.Errorf("master key from seed: %w", err)
	}
	return &HDKey{ext: ext, network: network, keyType: TypeBIP32}, nil
}

// FromMnemonic creates a BIP32 master key from a BIP39 mnemonic sentence.
func FromMnemonic(mnemonic, passphrase string, network *networks.Network) (*HDKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", err)
	}
	return FromSeed(seed, network)
}

// NewMnemonic generates a BIP39 mnemonic sentence with the given entropy
// size in bits (128..256, multiple of 32).
func NewMnemonic(entropyBits int) (string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromString imports a key from its serialized form: an extended private
// or public key (xprv/xpub family), or a WIF-encoded single key.
func FromString(s string, network *networks.Network) (*HDKey, error) {
	if ext, err := hdkeychain.NewKeyFromString(s); err == nil {
		if network == nil {
			var derr error
			network, derr = networkForExtendedKey(ext)
			if derr != nil {
				return nil, derr
			}
		}
		return &HDKey{ext: ext, network: network, keyType: TypeBIP32}, nil
	}
	if wif, err := btcutil.DecodeWIF(s); err == nil {
		if network == nil {
			nw, derr := networkForWIF(wif)
			if derr != nil {
				return nil, derr
			}
			network = nw
		}
		return &HDKey{
			priv:    wif.PrivKey,
			pub:     wif.PrivKey.PubKey(),
			network: network,
			keyType: TypeSingle,
		}, nil
	}
	if pub, err := parsePublicHex(s); err == nil {
		if network == nil {
			return nil, fmt.Errorf("%w: network required for raw public key", ErrUnknownKeyFormat)
		}
		return &HDKey{pub: pub, network: network, keyType: TypeSingle}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKeyFormat, abbreviate(s))
}

// FromPrivateKey wraps a plain EC private key as a single key.
func FromPrivateKey(priv *btcec.PrivateKey, network *networks.Network) *HDKey {
	return &HDKey{priv: priv, pub: priv.PubKey(), network: network, keyType: TypeSingle}
}

func parsePublicHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

func networkForExtendedKey(ext *hdkeychain.ExtendedKey) (*networks.Network, error) {
	for _, name := range networks.Names() {
		nw, _ := networks.ByName(name)
		if ext.IsForNet(nw.Params) {
			return nw, nil
		}
	}
	return nil, fmt.Errorf("%w: extended key version unknown", ErrUnknownKeyFormat)
}

func networkForWIF(wif *btcutil.WIF) (*networks.Network, error) {
	for _, name := range networks.Names() {
		nw, _ := networks.ByName(name)
		if wif.IsForNet(nw.Params) {
			return nw, nil
		}
	}
	return nil, fmt.Errorf("%w: WIF version byte unknown", ErrUnknownKeyFormat)
}

func abbreviate(s string) string {
	if len(s) > 12 {
		return s[:12] + "..."
	}
	return s
}

// Network returns the network this key is bound to.
func (k *HDKey) Network() *networks.Network { return k.network }

// Type returns the key's tag: bip32 or single.
func (k *HDKey) Type() KeyType { return k.keyType }

// IsPrivate reports whether the private key material is available.
func (k *HDKey) IsPrivate() bool {
	if k.ext != nil {
		return k.ext.IsPrivate()
	}
	return k.priv != nil
}

// Depth returns the BIP32 depth, 0 for a master key. Single keys report 0.
func (k *HDKey) Depth() uint8 {
	if k.ext != nil {
		return k.ext.Depth()
	}
	return 0
}

// ChildIndex returns the index this key was derived at, with the hardened
// offset stripped.
func (k *HDKey) ChildIndex() uint32 {
	if k.ext == nil {
		return 0
	}
	index := k.ext.ChildIndex()
	if index >= HardenedKeyStart {
		index -= HardenedKeyStart
	}
	return index
}

// Compressed reports whether the public key serializes compressed. Keys
// managed by this package always do.
func (k *HDKey) Compressed() bool { return true }

// PublicKey returns the EC public key.
func (k *HDKey) PublicKey() (*btcec.PublicKey, error) {
	if k.ext != nil {
		return k.ext.ECPubKey()
	}
	if k.pub == nil {
		return nil, errors.New("no public key material")
	}
	return k.pub, nil
}

// PublicBytes returns the compressed public key serialization.
func (k *HDKey) PublicBytes() ([]byte, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	return pub.SerializeCompressed(), nil
}

// PublicHex returns the compressed public key as hex.
func (k *HDKey) PublicHex() (string, error) {
	raw, err := k.PublicBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// PrivateKey returns the EC private key, if available.
func (k *HDKey) PrivateKey() (*btcec.PrivateKey, error) {
	if k.ext != nil {
		return k.ext.ECPrivKey()
	}
	if k.priv == nil {
		return nil, errors.New("no private key material")
	}
	return k.priv, nil
}

// PrivateHex returns the private key as hex, or "" for public-only keys.
func (k *HDKey) PrivateHex() string {
	priv, err := k.PrivateKey()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(priv.Serialize())
}

// WIF returns the canonical serialized form stored for this key: the
// extended key string for BIP32 keys, the WIF encoding for single private
// keys, and the public hex for public-only single keys.
func (k *HDKey) WIF() string {
	if k.ext != nil {
		return k.ext.String()
	}
	if k.priv != nil {
		wif, err := btcutil.NewWIF(k.priv, k.network.Params, true)
		if err != nil {
			return ""
		}
		return wif.String()
	}
	if k.pub != nil {
		return hex.EncodeToString(k.pub.SerializeCompressed())
	}
	return ""
}

// WIFPublic returns the serialized public form: the neutered extended key
// for BIP32 keys, or the public hex for single keys.
func (k *HDKey) WIFPublic() (string, error) {
	if k.ext != nil {
		pub, err := k.ext.Neuter()
		if err != nil {
			return "", err
		}
		return pub.String(), nil
	}
	return k.PublicHex()
}

// Neuter returns the public-only counterpart of this key.
func (k *HDKey) Neuter() (*HDKey, error) {
	if k.ext != nil {
		pub, err := k.ext.Neuter()
		if err != nil {
			return nil, err
		}
		return &HDKey{ext: pub, network: k.network, keyType: k.keyType}, nil
	}
	if k.pub == nil {
		return nil, errors.New("no public key material")
	}
	return &HDKey{pub: k.pub, network: k.network, keyType: k.keyType}, nil
}

// Subkey derives the child at one path segment, e.g. "44'" or "0".
//
// Hardened segments require a private parent; ErrHardenedFromPublic is
// returned otherwise. Single keys return ErrNotExtended.
func (k *HDKey) Subkey(segment string) (*HDKey, error) {
	if k.ext == nil {
		return nil, ErrNotExtended
	}
	index, err := ParseSegment(segment)
	if err != nil {
		return nil, err
	}
	if index >= HardenedKeyStart && !k.ext.IsPrivate() {
		return nil, ErrHardenedFromPublic
	}
	child, err := k.ext.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", segment, err)
	}
	return &HDKey{ext: child, network: k.network, keyType: TypeBIP32}, nil
}

// SubkeyForPath derives along a relative or absolute path such as
// "m/44'/0'/0'" or "0/5". A leading m or M level is skipped.
func (k *HDKey) SubkeyForPath(path string) (*HDKey, error) {
	npath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	key := k
	for _, segment := range strings.Split(npath, "/") {
		if segment == "m" || segment == "M" {
			continue
		}
		key, err = key.Subkey(segment)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// AccountKey derives the depth-3 account key m/purpose'/coin_type'/account'
// from a depth-0 master.
func (k *HDKey) AccountKey(purpose, account uint32) (*HDKey, error) {
	if k.ext == nil {
		return nil, ErrNotExtended
	}
	if k.Depth() != 0 {
		return nil, fmt.Errorf("account key requires a master key, got depth %d", k.Depth())
	}
	path := fmt.Sprintf("m/%d'/%d'/%d'", purpose, k.network.BIP44CoinType, account)
	return k.SubkeyForPath(path)
}

// Address returns the P2PKH address for this key's public key on its
// network.
func (k *HDKey) Address() (string, error) {
	raw, err := k.PublicBytes()
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(raw), k.network.Params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
