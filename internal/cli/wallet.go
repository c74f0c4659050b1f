package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	hdwallet "github.com/opd-ai/hdwallet"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List wallets",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		wallets, err := hdwallet.WalletsList(st)
		if err != nil {
			return err
		}
		if len(wallets) == 0 {
			fmt.Println("No wallets")
			return nil
		}
		fmt.Printf("%-4s %-24s %-10s %-10s\n", "ID", "Name", "Scheme", "Network")
		for _, w := range wallets {
			fmt.Printf("%-4d %-24s %-10s %-10s\n", w.ID, w.Name, w.Scheme, w.NetworkName)
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create or open a wallet",
	Long: `Create a wallet with a freshly generated master key, or open it when
it already exists. Pass --key to import a master or account key instead of
generating one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		svc, err := openService()
		if err != nil {
			return err
		}

		key, _ := cmd.Flags().GetString("key")
		scheme, _ := cmd.Flags().GetString("scheme")
		w, err := hdwallet.WalletCreateOrOpen(st, svc, args[0], hdwallet.CreateOptions{
			Key:     key,
			Network: viper.GetString("network"),
			Scheme:  scheme,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Wallet %q (%s, %s) ready\n", w.Name(), w.Scheme(), w.Network().Name)
		if mk := w.MainKey(); mk != nil {
			fmt.Printf("Main key path %s, address %s\n", mk.Path(), mk.Address())
		}
		return nil
	},
}

var createMultisigCmd = &cobra.Command{
	Use:   "create-multisig <name> <key> <key> [key...]",
	Short: "Create or open a multisig wallet from cosigner keys",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		svc, err := openService()
		if err != nil {
			return err
		}

		sigsRequired, _ := cmd.Flags().GetInt("sigs-required")
		sortKeys, _ := cmd.Flags().GetBool("sort-keys")
		keyList := args[1:]
		if sigsRequired == 0 {
			sigsRequired = len(keyList)
		}
		w, err := hdwallet.WalletCreateOrOpenMultisig(st, svc, args[0], keyList,
			sigsRequired, hdwallet.MultisigOptions{
				Network:  viper.GetString("network"),
				SortKeys: sortKeys,
			})
		if err != nil {
			return err
		}
		fmt.Printf("Multisig wallet %q (%d-of-%d) ready\n",
			w.Name(), w.SigsRequired(), len(keyList))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a wallet and its keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		force, _ := cmd.Flags().GetBool("force")
		if err := hdwallet.WalletDelete(st, args[0], force); err != nil {
			return err
		}
		fmt.Printf("Wallet %q deleted\n", args[0])
		return nil
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive <wallet>",
	Short: "Show a fresh receive address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		svc, err := openService()
		if err != nil {
			return err
		}

		w, err := hdwallet.Open(st, svc, args[0])
		if err != nil {
			return err
		}
		key, err := w.GetKey(hdwallet.GetKeyOptions{})
		if err != nil {
			return err
		}
		fmt.Printf("%s  (path %s)\n", key.Address(), key.Path())
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <wallet>",
	Short: "Update unspent outputs and balances from the blockchain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		svc, err := openService()
		if err != nil {
			return err
		}

		w, err := hdwallet.Open(st, svc, args[0])
		if err != nil {
			return err
		}
		count, err := w.UpdateUTXOs(hdwallet.UpdateUTXOOptions{})
		if err != nil {
			return err
		}
		fmt.Printf("%d new unspent outputs\n", count)
		fmt.Printf("Balance: %s\n", w.Network().PrintValue(w.Balance("")))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <wallet> <address> <amount>",
	Short: "Send an amount (in the smallest denomination) to an address",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		svc, err := openService()
		if err != nil {
			return err
		}

		var amount int64
		if _, err := fmt.Sscanf(strings.TrimSpace(args[2]), "%d", &amount); err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[2], err)
		}

		w, err := hdwallet.Open(st, svc, args[0])
		if err != nil {
			return err
		}
		offline, _ := cmd.Flags().GetBool("offline")
		fee, _ := cmd.Flags().GetInt64("fee")
		opts := hdwallet.SendOptions{Offline: offline}
		if fee > 0 {
			opts.Fee = &fee
		}
		res := w.SendTo(args[1], amount, opts)
		if res.Error != nil {
			return res.Error
		}
		if offline {
			raw, err := res.Transaction.RawHex()
			if err != nil {
				return err
			}
			fmt.Printf("Signed transaction (not submitted):\n%s\n", raw)
			return nil
		}
		fmt.Printf("Transaction sent: %s\n", res.TxID)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep <wallet> <address>",
	Short: "Send all unspent outputs to one address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		svc, err := openService()
		if err != nil {
			return err
		}

		w, err := hdwallet.Open(st, svc, args[0])
		if err != nil {
			return err
		}
		offline, _ := cmd.Flags().GetBool("offline")
		res := w.Sweep(args[1], hdwallet.SendOptions{Offline: offline})
		if res.Error != nil {
			return res.Error
		}
		if offline {
			raw, err := res.Transaction.RawHex()
			if err != nil {
				return err
			}
			fmt.Printf("Signed transaction (not submitted):\n%s\n", raw)
			return nil
		}
		fmt.Printf("Transaction sent: %s\n", res.TxID)
		return nil
	},
}

func init() {
	createCmd.Flags().String("key", "", "master or account key to import")
	createCmd.Flags().String("scheme", "bip44", "key scheme (bip44, single)")
	createMultisigCmd.Flags().Int("sigs-required", 0, "signatures required (default: all keys)")
	createMultisigCmd.Flags().Bool("sort-keys", true, "sort cosigner keys (BIP67)")
	deleteCmd.Flags().Bool("force", false, "delete even with unspent outputs")
	sendCmd.Flags().Bool("offline", false, "sign but do not submit")
	sendCmd.Flags().Int64("fee", 0, "fee in the smallest denomination (default: estimate)")
	sweepCmd.Flags().Bool("offline", false, "sign but do not submit")

	rootCmd.AddCommand(listCmd, createCmd, createMultisigCmd, deleteCmd,
		receiveCmd, updateCmd, sendCmd, sweepCmd)
}
