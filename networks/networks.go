// Package networks provides the registry of supported UTXO chain networks
// and their parameters: BIP44 coin types, address version bytes, dust
// thresholds and currency formatting.
package networks

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network bundles the chain parameters the wallet engine needs for one
// network. Instances are shared and read-only.
type Network struct {
	// Name is the registry key, e.g. "bitcoin" or "testnet"
	Name string
	// Params are the btcd chain parameters for address encoding
	Params *chaincfg.Params
	// BIP44CoinType is the coin_type' level of the BIP44 derivation path
	BIP44CoinType uint32
	// DustThreshold is the minimum output value considered spendable,
	// in the smallest denomination (satoshi)
	DustThreshold int64
	// CurrencyCode is the ticker used when formatting values
	CurrencyCode string
	// Denominator converts the smallest denomination to whole units
	Denominator float64
}

// ErrUnknownNetwork is returned when a network name is not registered.
var ErrUnknownNetwork = errors.New("unknown network")

// litecoinParams mirrors the Litecoin mainnet parameters for the fields the
// wallet uses: address prefixes, WIF and HD extended key version bytes.
var litecoinParams = chaincfg.Params{
	Name:             "litecoin",
	Net:              wire.BitcoinNet(0xdbb6c0fb),
	PubKeyHashAddrID: 0x30,
	ScriptHashAddrID: 0x32,
	PrivateKeyID:     0xb0,
	HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4},
	HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e},
	HDCoinType:       2,
}

var registry = map[string]*Network{
	"bitcoin": {
		Name:          "bitcoin",
		Params:        &chaincfg.MainNetParams,
		BIP44CoinType: 0,
		DustThreshold: 546,
		CurrencyCode:  "BTC",
		Denominator:   1e8,
	},
	"testnet": {
		Name:          "testnet",
		Params:        &chaincfg.TestNet3Params,
		BIP44CoinType: 1,
		DustThreshold: 546,
		CurrencyCode:  "tBTC",
		Denominator:   1e8,
	},
	"litecoin": {
		Name:          "litecoin",
		Params:        &litecoinParams,
		BIP44CoinType: 2,
		DustThreshold: 5430,
		CurrencyCode:  "LTC",
		Denominator:   1e8,
	},
}

func init() {
	// Litecoin is not part of the btcd parameter tables; register it so
	// hdkeychain can map private to public extended key versions.
	if err := chaincfg.Register(&litecoinParams); err != nil &&
		!errors.Is(err, chaincfg.ErrDuplicateNet) {
		panic(err)
	}
}

// ByName looks up a network by its registry name.
//
// Returns ErrUnknownNetwork if the name is not registered.
func ByName(name string) (*Network, error) {
	nw, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return nw, nil
}

// Names returns the names of all registered networks in a stable order.
// Bitcoin comes first so networks sharing serialization version bytes
// resolve deterministically during key import.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		if name != "bitcoin" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{"bitcoin"}, names...)
}

// ByChainParams finds the registered network using the given chain
// parameters. Used to map an imported extended key back to a network.
func ByChainParams(params *chaincfg.Params) (*Network, error) {
	for _, nw := range registry {
		if nw.Params.Net == params.Net {
			return nw, nil
		}
	}
	return nil, fmt.Errorf("%w: net magic %#x", ErrUnknownNetwork, uint32(params.Net))
}

// PrintValue formats a value in the smallest denomination as a currency
// string, e.g. 8970937 -> "0.08970937 BTC".
func (n *Network) PrintValue(value int64) string {
	return fmt.Sprintf("%.8f %s", float64(value)/n.Denominator, n.CurrencyCode)
}
