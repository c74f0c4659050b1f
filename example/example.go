// Package main provides an example of driving the wallet engine as a
// library: creating a wallet, deriving receive addresses, ingesting
// unspent outputs and composing an offline transaction.
package main

import (
	"encoding/hex"
	"flag"
	"log"

	hdwallet "github.com/opd-ai/hdwallet"
	"github.com/opd-ai/hdwallet/chain"
	"github.com/opd-ai/hdwallet/keychain"
)

// Command-line flag for wallet seed initialization
var seed = flag.String("seed", "", "Hex-encoded seed for the wallet master key")

func main() {
	flag.Parse()

	session, err := hdwallet.ConstructSession(hdwallet.SessionConfig{
		DataDir: "./walletdata",
		Network: "bitcoin",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	opts := hdwallet.CreateOptions{Network: "bitcoin"}
	if *seed != "" {
		raw, err := hex.DecodeString(*seed)
		if err != nil {
			log.Fatal(err)
		}
		key, err := keychain.FromSeed(raw, session.Network())
		if err != nil {
			log.Fatal(err)
		}
		opts.HDKey = key
	}

	w, err := hdwallet.WalletCreateOrOpen(session.Store, session.Service, "example", opts)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("wallet %q on %s", w.Name(), w.Network().Name)

	receive, err := w.GetKey(hdwallet.GetKeyOptions{})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("receive address %s (path %s)", receive.Address(), receive.Path())

	// Ingest a known unspent output, as an offline node would.
	count, err := w.UpdateUTXOs(hdwallet.UpdateUTXOOptions{UTXOs: []chain.UTXO{{
		TxHash:        "9df91f89a3eb4259ce04af66ad4caf3c9a297feea5e0b3bc506898b6728c5003",
		OutputN:       1,
		Value:         8970937,
		Confirmations: 10,
		Address:       receive.Address(),
	}}})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%d new unspent outputs, balance %s", count,
		w.Network().PrintValue(w.Balance("")))

	// Compose and sign without submitting.
	change, err := w.GetKeyChange(hdwallet.GetKeyOptions{})
	if err != nil {
		log.Fatal(err)
	}
	fee := int64(10000)
	res := w.SendTo(change.Address(), 1000000, hdwallet.SendOptions{
		Fee:     &fee,
		Offline: true,
	})
	if res.Error != nil {
		log.Fatal(res.Error)
	}
	raw, err := res.Transaction.RawHex()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("signed transaction: %s", raw)
}
