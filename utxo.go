package hdwallet

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/opd-ai/hdwallet/chain"
	"github.com/opd-ai/hdwallet/store"
)

// UpdateUTXOOptions narrows a UTXO reconciliation run.
type UpdateUTXOOptions struct {
	AccountID *int
	Network   string
	KeyID     *int64
	Change    *int
	// Depth of keys to include; defaults to the scheme's address depth.
	Depth *int
	// UTXOs supplies provider results directly, e.g. for offline use. When
	// nil the wallet's chain service is queried.
	UTXOs []chain.UTXO
}

// UpdateUTXOs reconciles the provider's unspent outputs into the store:
// persisted outputs the provider no longer lists are marked spent, new
// outputs are ingested with their transactions, and key balances are
// recomputed. Returns the number of newly ingested outputs.
//
// The spent pass runs strictly before ingestion, so a failure in between
// can only under-report balances, never resurrect a spent output.
func (w *Wallet) UpdateUTXOs(opts UpdateUTXOOptions) (int, error) {
	network, accountID, err := w.defaultAccount(opts.Network, opts.AccountID)
	if err != nil {
		return 0, err
	}
	depth := w.addressDepth()
	if opts.Depth != nil {
		depth = *opts.Depth
	}

	utxos := opts.UTXOs
	// queried holds the addresses asked of the provider; the spent pass
	// only judges outputs of those addresses.
	var queried map[string]bool
	if utxos == nil {
		if w.service == nil {
			return 0, fmt.Errorf("%w: wallet has no chain service", ErrServiceUnavailable)
		}
		addresses, err := w.AddressList(&store.KeyFilter{
			AccountID: &accountID, NetworkName: network,
			KeyID: opts.KeyID, Change: opts.Change, Depth: &depth,
		})
		if err != nil {
			return 0, err
		}
		if len(addresses) == 0 {
			return 0, nil
		}
		queried = make(map[string]bool, len(addresses))
		for _, a := range addresses {
			queried[a] = true
		}
		utxos, err = w.service.GetUTXOs(addresses)
		if err != nil {
			return 0, fmt.Errorf("update utxos: %w", err)
		}
	}

	// Spent reconciliation: anything we hold as unspent that the provider
	// no longer lists has been spent elsewhere.
	current, err := w.store.UnspentOutputs(w.id, &store.UTXOFilter{
		AccountID: &accountID, NetworkName: network, KeyID: opts.KeyID,
	})
	if err != nil {
		return 0, err
	}
	listed := make(map[string]bool, len(utxos))
	for _, u := range utxos {
		listed[fmt.Sprintf("%s:%d", u.TxHash, u.OutputN)] = true
	}
	for _, cur := range current {
		if queried != nil && !queried[cur.Address] {
			continue
		}
		if !listed[fmt.Sprintf("%s:%d", cur.TxHash, cur.OutputN)] {
			if err := w.store.MarkOutputSpent(w.id, cur.TxHash, cur.OutputN); err != nil {
				return 0, err
			}
		}
	}

	// Ingest: insert unknown transactions and outputs, refresh known ones.
	count := 0
	for _, u := range utxos {
		key, err := w.store.KeyByAddress(w.id, u.Address)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if !key.Used {
			if err := w.store.MarkKeyUsed(key.ID); err != nil {
				return count, err
			}
		}

		txID, err := w.store.UpsertTransaction(w.id, u.TxHash, u.Confirmations)
		if err != nil {
			return count, err
		}
		existing, err := w.store.OutputByOutpoint(w.id, u.TxHash, u.OutputN)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := w.store.InsertOutput(&store.TxOutput{
				TransactionID: txID,
				OutputN:       u.OutputN,
				KeyID:         sql.NullInt64{Int64: key.ID, Valid: true},
				Value:         u.Value,
				Script:        u.Script,
			}); err != nil {
				return count, err
			}
			count++
		case err != nil:
			return count, err
		default:
			if !existing.KeyID.Valid {
				if err := w.store.BindOutputKey(existing.ID, key.ID); err != nil {
					return count, err
				}
				count++
			}
		}
	}

	if _, err := w.UpdateBalances(BalanceOptions{
		AccountID: &accountID, Network: network, KeyID: opts.KeyID, MinConfirms: 0,
	}); err != nil {
		return count, err
	}
	w.log.WithField("new_utxos", count).Info("utxo update complete")
	return count, nil
}

// updateUTXOsFromTransactions synthesizes spent flags for providers that
// do not report them: an output is spent when a stored input references
// its outpoint.
func (w *Wallet) updateUTXOsFromTransactions(keyIDs []int64) error {
	for _, keyID := range keyIDs {
		outputs, hashes, err := w.store.OutputsByKey(keyID)
		if err != nil {
			return err
		}
		for i, out := range outputs {
			if out.Spent {
				continue
			}
			spent, err := w.store.HasInputSpending(hashes[i], out.OutputN)
			if err != nil {
				return err
			}
			if spent {
				if err := w.store.SetOutputSpentByID(out.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// BalanceOptions narrows a balance recomputation.
type BalanceOptions struct {
	AccountID *int
	Network   string
	KeyID     *int64
	// MinConfirms is the minimum confirmations an output needs to count.
	// The zero value counts unconfirmed outputs too.
	MinConfirms int
}

// UpdateBalances recomputes key balances from unspent outputs, writes them
// to the store, and refreshes the wallet's per-network totals. Returns the
// wallet balance on its default network.
func (w *Wallet) UpdateBalances(opts BalanceOptions) (int64, error) {
	filter := &store.UTXOFilter{
		AccountID: opts.AccountID, NetworkName: opts.Network,
		KeyID: opts.KeyID, MinConfirms: opts.MinConfirms,
	}
	sums, err := w.store.SumUnspentByKey(w.id, filter)
	if err != nil {
		return 0, err
	}

	balances := make(map[int64]int64)
	networkTotals := make(map[string]int64)
	for _, sum := range sums {
		balances[sum.KeyID] = sum.Balance
		networkTotals[sum.NetworkName] += sum.Balance
	}

	// Keys without unspent outputs go back to zero.
	keyRows, err := w.store.Keys(w.id, &store.KeyFilter{
		AccountID: opts.AccountID, NetworkName: opts.Network, KeyID: opts.KeyID,
	})
	if err != nil {
		return 0, err
	}
	for _, row := range keyRows {
		if _, ok := balances[row.ID]; !ok {
			balances[row.ID] = 0
		}
	}

	if err := w.store.UpdateKeyBalances(balances); err != nil {
		return 0, err
	}
	if opts.KeyID == nil && opts.AccountID == nil {
		w.balances = networkTotals
	} else {
		// Filtered update: refresh totals for every network the filter
		// touched, including ones that dropped to zero.
		touched := map[string]bool{}
		for _, row := range keyRows {
			touched[row.NetworkName] = true
		}
		for network := range touched {
			w.balances[network] = networkTotals[network]
		}
	}

	// Cached keys hold stale balances now.
	for id := range balances {
		delete(w.keyCache, id)
	}
	if w.mainKey != nil {
		if mk, err := w.keyByID(w.mainKeyID); err == nil {
			w.mainKey = mk
		}
	}

	w.log.WithField("keys", len(balances)).Debug("balances updated")
	return w.balances[w.network.Name], nil
}

// UTXOs lists the wallet's unspent outputs with at least minConfirms
// confirmations.
func (w *Wallet) UTXOs(opts BalanceOptions) ([]*store.UTXO, error) {
	_, accountID, err := w.defaultAccount(opts.Network, opts.AccountID)
	if err != nil {
		return nil, err
	}
	network := opts.Network
	if network == "" {
		network = w.network.Name
	}
	return w.store.UnspentOutputs(w.id, &store.UTXOFilter{
		AccountID: &accountID, NetworkName: network,
		KeyID: opts.KeyID, MinConfirms: opts.MinConfirms,
	})
}

// UpdateTransactions ingests the full transaction history of the wallet's
// addresses from the provider, recording inputs and outputs so spent
// state can be derived even when the provider omits per-output flags.
func (w *Wallet) UpdateTransactions(opts UpdateUTXOOptions) error {
	network, accountID, err := w.defaultAccount(opts.Network, opts.AccountID)
	if err != nil {
		return err
	}
	if w.service == nil {
		return fmt.Errorf("%w: wallet has no chain service", ErrServiceUnavailable)
	}
	depth := w.addressDepth()
	if opts.Depth != nil {
		depth = *opts.Depth
	}
	addresses, err := w.AddressList(&store.KeyFilter{
		AccountID: &accountID, NetworkName: network,
		KeyID: opts.KeyID, Change: opts.Change, Depth: &depth,
	})
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return nil
	}
	records, err := w.service.GetTransactions(addresses)
	if err != nil {
		return fmt.Errorf("update transactions: %w", err)
	}

	var keyIDs []int64
	for _, rec := range records {
		txID, err := w.store.UpsertTransaction(w.id, rec.Hash, rec.Confirmations)
		if err != nil {
			return err
		}
		for _, in := range rec.Inputs {
			input := &store.TxInput{
				TransactionID: txID,
				InputN:        in.InputN,
				PrevHash:      in.PrevHash,
				Value:         in.Value,
			}
			if key, err := w.store.KeyByAddress(w.id, in.Address); err == nil {
				input.KeyID = sql.NullInt64{Int64: key.ID, Valid: true}
			}
			if err := w.store.InsertTxInput(input); err != nil {
				return err
			}
		}
		for _, out := range rec.Outputs {
			key, err := w.store.KeyByAddress(w.id, out.Address)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			keyIDs = append(keyIDs, key.ID)
			existing, err := w.store.OutputByOutpoint(w.id, rec.Hash, out.OutputN)
			if errors.Is(err, store.ErrNotFound) {
				spent := out.Spent != nil && *out.Spent
				if err := w.store.InsertOutput(&store.TxOutput{
					TransactionID: txID,
					OutputN:       out.OutputN,
					KeyID:         sql.NullInt64{Int64: key.ID, Valid: true},
					Value:         out.Value,
					Script:        out.Script,
					Spent:         spent,
				}); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if out.Spent != nil && *out.Spent && !existing.Spent {
				if err := w.store.SetOutputSpentByID(existing.ID); err != nil {
					return err
				}
			}
		}
	}
	return w.updateUTXOsFromTransactions(keyIDs)
}
