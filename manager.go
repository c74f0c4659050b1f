package hdwallet

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hdwallet/chain"
	"github.com/opd-ai/hdwallet/store"
)

// WalletsList returns the persisted top-level wallets.
func WalletsList(st *store.Store) ([]*store.Wallet, error) {
	return st.Wallets()
}

// WalletExists reports whether a wallet with the given name or numeric id
// exists.
func WalletExists(st *store.Store, nameOrID string) (bool, error) {
	_, err := walletRecord(st, nameOrID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func walletRecord(st *store.Store, nameOrID string) (*store.Wallet, error) {
	if id, err := strconv.ParseInt(nameOrID, 10, 64); err == nil {
		return st.WalletByID(id)
	}
	return st.WalletByName(nameOrID)
}

// WalletCreateOrOpen opens the named wallet, creating it first when it
// does not exist.
func WalletCreateOrOpen(st *store.Store, svc chain.Service, name string,
	opts CreateOptions) (*Wallet, error) {

	exists, err := st.WalletNameExists(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return Open(st, svc, name)
	}
	return Create(st, svc, name, opts)
}

// WalletCreateOrOpenMultisig opens the named multisig wallet, creating it
// with the given cosigner keys when it does not exist.
func WalletCreateOrOpenMultisig(st *store.Store, svc chain.Service, name string,
	keyList []string, sigsRequired int, opts MultisigOptions) (*Wallet, error) {

	exists, err := st.WalletNameExists(name)
	if err != nil {
		return nil, err
	}
	if exists {
		return Open(st, svc, name)
	}
	return CreateMultisig(st, svc, name, keyList, sigsRequired, opts)
}

// WalletDelete removes a wallet, its keys and its cosigner child wallets.
// Without force it refuses when any key still holds a balance. Cosigner
// wallets are enumerated before any deletion so a failure partway cannot
// orphan them silently.
func WalletDelete(st *store.Store, nameOrID string, force bool) error {
	record, err := walletRecord(st, nameOrID)
	if err != nil {
		return fmt.Errorf("wallet %q: %w", nameOrID, err)
	}

	children, err := st.ChildWallets(record.ID)
	if err != nil {
		return err
	}

	if !force {
		hasBalance, err := st.WalletHasBalance(record.ID)
		if err != nil {
			return err
		}
		if hasBalance {
			return fmt.Errorf("%w: %q (use force to delete anyway)",
				ErrNonEmptyWallet, record.Name)
		}
		for _, child := range children {
			childHasBalance, err := st.WalletHasBalance(child.ID)
			if err != nil {
				return err
			}
			if childHasBalance {
				return fmt.Errorf("%w: cosigner %q (use force to delete anyway)",
					ErrNonEmptyWallet, child.Name)
			}
		}
	}

	for _, child := range children {
		if err := WalletDelete(st, strconv.FormatInt(child.ID, 10), force); err != nil {
			return err
		}
	}
	if err := st.DeleteWalletKeys(record.ID); err != nil {
		return err
	}
	if err := st.DeleteWallet(record.ID); err != nil {
		return err
	}
	logrus.WithField("wallet", record.Name).Info("wallet deleted")
	return nil
}

// WalletDeleteIfExists deletes the wallet when present and reports whether
// a deletion happened.
func WalletDeleteIfExists(st *store.Store, nameOrID string, force bool) (bool, error) {
	exists, err := WalletExists(st, nameOrID)
	if err != nil || !exists {
		return false, err
	}
	if err := WalletDelete(st, nameOrID, force); err != nil {
		return false, err
	}
	return true, nil
}
