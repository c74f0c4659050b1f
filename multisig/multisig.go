// Package multisig builds multi-signature redeem scripts and their P2SH
// addresses. Composition is a pure function of the cosigner public keys,
// the signature threshold and the network, so the same inputs always
// produce the same address.
package multisig

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/opd-ai/hdwallet/networks"
)

// ErrInvalidThreshold is returned when the signature threshold does not
// fit the key list.
var ErrInvalidThreshold = errors.New("invalid multisig threshold")

// Script is the result of composing a multisig spend condition.
type Script struct {
	// RedeemScript is OP_M <pubkey...> OP_N OP_CHECKMULTISIG
	RedeemScript []byte
	// Address is the P2SH address committing to the redeem script
	Address string
	// PublicKeys are the compressed keys in redeem script order
	PublicKeys [][]byte
}

// Compose builds the redeem script and P2SH address for nRequired-of-N
// over the given compressed public keys. With sortKeys the keys are
// ordered lexicographically by their raw bytes first (BIP67), which makes
// the address independent of the order keys were supplied in.
func Compose(pubKeys [][]byte, nRequired int, sortKeys bool, network *networks.Network) (*Script, error) {
	if len(pubKeys) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 keys, got %d", ErrInvalidThreshold, len(pubKeys))
	}
	if nRequired < 1 || nRequired > len(pubKeys) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, nRequired, len(pubKeys))
	}

	ordered := make([][]byte, len(pubKeys))
	copy(ordered, pubKeys)
	if sortKeys {
		sort.Slice(ordered, func(i, j int) bool {
			return bytes.Compare(ordered[i], ordered[j]) < 0
		})
	}

	addrPubKeys := make([]*btcutil.AddressPubKey, 0, len(ordered))
	for i, raw := range ordered {
		addrPubKey, err := btcutil.NewAddressPubKey(raw, network.Params)
		if err != nil {
			return nil, fmt.Errorf("public key %d: %w", i, err)
		}
		addrPubKeys = append(addrPubKeys, addrPubKey)
	}

	redeemScript, err := txscript.MultiSigScript(addrPubKeys, nRequired)
	if err != nil {
		return nil, fmt.Errorf("build redeem script: %w", err)
	}

	scriptAddr, err := btcutil.NewAddressScriptHash(redeemScript, network.Params)
	if err != nil {
		return nil, fmt.Errorf("build p2sh address: %w", err)
	}

	return &Script{
		RedeemScript: redeemScript,
		Address:      scriptAddr.EncodeAddress(),
		PublicKeys:   ordered,
	}, nil
}

// DecodePublicKeys extracts the public keys committed to by a multisig
// redeem script, in script order.
func DecodePublicKeys(redeemScript []byte, network *networks.Network) ([][]byte, int, error) {
	scriptType, addrs, nRequired, err := txscript.ExtractPkScriptAddrs(redeemScript, network.Params)
	if err != nil {
		return nil, 0, err
	}
	if scriptType != txscript.MultiSigTy {
		return nil, 0, fmt.Errorf("not a multisig script: %v", scriptType)
	}
	keys := make([][]byte, 0, len(addrs))
	for _, addr := range addrs {
		pubKeyAddr, ok := addr.(*btcutil.AddressPubKey)
		if !ok {
			return nil, 0, fmt.Errorf("unexpected address type %T in multisig script", addr)
		}
		keys = append(keys, pubKeyAddr.PubKey().SerializeCompressed())
	}
	return keys, nRequired, nil
}
