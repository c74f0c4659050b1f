// Package cli implements the walletcli commands on top of the wallet
// engine.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opd-ai/hdwallet/chain"
	"github.com/opd-ai/hdwallet/networks"
	"github.com/opd-ai/hdwallet/store"
)

var (
	cfgFile string
	version = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:   "walletcli",
	Short: "HD wallet manager for UTXO chains",
	Long: `walletcli manages hierarchical deterministic wallets for
Bitcoin-family networks: BIP44 key trees, multi-signature wallets,
unspent output tracking and transaction composition.`,
	Version: version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.walletcli.yaml)")
	rootCmd.PersistentFlags().String("db", "", "wallet database path")
	rootCmd.PersistentFlags().String("network", "bitcoin", "network name")
	rootCmd.PersistentFlags().String("rpc-host", "", "blockchain node RPC host")
	rootCmd.PersistentFlags().String("rpc-user", "", "blockchain node RPC user")
	rootCmd.PersistentFlags().String("rpc-pass", "", "blockchain node RPC password")
	rootCmd.PersistentFlags().String("log-level", "warning", "log level (debug, info, warning, error)")

	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("network", rootCmd.PersistentFlags().Lookup("network"))
	viper.BindPFlag("rpc.host", rootCmd.PersistentFlags().Lookup("rpc-host"))
	viper.BindPFlag("rpc.user", rootCmd.PersistentFlags().Lookup("rpc-user"))
	viper.BindPFlag("rpc.pass", rootCmd.PersistentFlags().Lookup("rpc-pass"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".walletcli")
	}

	viper.SetEnvPrefix("WALLETCLI")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err == nil {
		logrus.SetLevel(level)
	}
}

// openStore opens the wallet database from config.
func openStore() (*store.Store, error) {
	path := viper.GetString("db")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".walletcli", "wallets.db")
	}
	return store.Open(store.Config{Path: path})
}

// openService connects the configured blockchain provider, or returns nil
// when no RPC host is configured so offline commands still work.
func openService() (chain.Service, error) {
	host := viper.GetString("rpc.host")
	if host == "" {
		return nil, nil
	}
	network, err := networks.ByName(viper.GetString("network"))
	if err != nil {
		return nil, err
	}
	return chain.NewRPCService(network, chain.RPCConfig{
		Host:       host,
		User:       viper.GetString("rpc.user"),
		Pass:       viper.GetString("rpc.pass"),
		DisableTLS: true,
	})
}
