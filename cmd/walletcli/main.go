// Package main provides the walletcli command line interface to the HD
// wallet engine: creating and listing wallets, deriving receive addresses,
// updating unspent outputs and sending transactions.
package main

import (
	"fmt"
	"os"

	"github.com/opd-ai/hdwallet/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
