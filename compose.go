package hdwallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/store"
	"github.com/opd-ai/hdwallet/txbuilder"
)

// OutputSpec is one payment of a transaction under composition.
type OutputSpec struct {
	Address string
	Value   int64
}

// InputSpec references a UTXO to spend. KeyID and Value may be left zero
// to be filled from the store; unknown outpoints fail composition.
type InputSpec struct {
	PrevHash string
	OutputN  int
	KeyID    int64
	Value    int64
	// Signatures and UnlockingScript carry over partial signing state on
	// imported transactions.
	Signatures      map[string][]byte
	UnlockingScript []byte
}

// ComposeOptions carries the optional parameters of CreateTransaction.
type ComposeOptions struct {
	AccountID *int
	Network   string
	// Fee in the smallest denomination; nil estimates from the provider.
	Fee *int64
	// MinConfirms an input UTXO needs, default 1. Ignored for supplied
	// inputs.
	MinConfirms *int
	// MaxUTXOs caps input selection; 1 forbids composite selection.
	MaxUTXOs int
	// ImportOnly rebuilds a transaction without fee estimation or change
	// allocation, used when importing raw transactions.
	ImportOnly bool
}

// heuristic transaction size in bytes, used before the exact size is known
func estimateTxSize(nInputs, nOutputs int) int {
	return 100 + 150*nInputs + 50*(nOutputs+1)
}

// CreateTransaction composes an unsigned transaction paying the given
// outputs. Inputs are selected from the wallet's unspent outputs unless
// supplied. The fee is taken from opts, or estimated from the provider's
// fee rate and a size heuristic; change above the dust cutoff goes to a
// fresh change key.
func (w *Wallet) CreateTransaction(outputs []OutputSpec, inputs []InputSpec,
	opts ComposeOptions) (*txbuilder.Transaction, error) {

	if len(outputs) == 0 {
		return nil, errors.New("transaction needs at least one output")
	}
	if inputs != nil && opts.MaxUTXOs > 0 && len(inputs) > opts.MaxUTXOs {
		return nil, fmt.Errorf("%d inputs supplied but max_utxos is %d",
			len(inputs), opts.MaxUTXOs)
	}
	network, accountID, err := w.defaultAccount(opts.Network, opts.AccountID)
	if err != nil {
		return nil, err
	}
	minConfirms := 1
	if opts.MinConfirms != nil {
		minConfirms = *opts.MinConfirms
	}

	tx := txbuilder.New(w.network)
	var totalOut int64
	for _, out := range outputs {
		if err := tx.AddOutput(out.Value, out.Address); err != nil {
			return nil, err
		}
		totalOut += out.Value
	}

	// Fee determination. An explicit fee wins; otherwise estimate from the
	// provider rate and the size heuristic, assuming one input for now.
	var feePerOutput int64
	switch {
	case opts.ImportOnly:
		tx.Fee = 0
	case opts.Fee != nil:
		tx.Fee = *opts.Fee
	case inputs != nil:
		tx.Fee = 0
	default:
		if w.service == nil {
			return nil, fmt.Errorf("%w: cannot estimate fee without a chain service",
				ErrServiceUnavailable)
		}
		feePerKB, err := w.service.EstimateFee()
		if err != nil {
			return nil, fmt.Errorf("estimate fee: %w", err)
		}
		tx.FeePerKB = feePerKB
		tx.Fee = int64(float64(estimateTxSize(1, len(outputs))) / 1024.0 * float64(feePerKB))
		feePerOutput = int64(50.0 / 1024.0 * float64(feePerKB))
	}

	// Input selection.
	var totalIn int64
	if inputs == nil {
		utxos, err := w.store.UnspentOutputs(w.id, &store.UTXOFilter{
			AccountID: &accountID, NetworkName: network, MinConfirms: minConfirms,
		})
		if err != nil {
			return nil, err
		}
		if len(utxos) == 0 {
			return nil, fmt.Errorf("%w: no unspent outputs", ErrInsufficientFunds)
		}
		selected, err := selectInputs(totalOut+tx.Fee, utxos, opts.MaxUTXOs)
		if err != nil {
			return nil, err
		}
		for _, u := range selected {
			inputs = append(inputs, InputSpec{
				PrevHash: u.TxHash, OutputN: u.OutputN, KeyID: u.KeyID, Value: u.Value,
			})
			totalIn += u.Value
		}
	} else {
		for i := range inputs {
			if inputs[i].KeyID == 0 && inputs[i].Value == 0 {
				out, err := w.store.OutputByOutpoint(w.id, inputs[i].PrevHash, inputs[i].OutputN)
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("%w: %s:%d", ErrUnknownUTXO,
						inputs[i].PrevHash, inputs[i].OutputN)
				}
				if err != nil {
					return nil, err
				}
				if out.KeyID.Valid {
					inputs[i].KeyID = out.KeyID.Int64
				}
				inputs[i].Value = out.Value
			}
			totalIn += inputs[i].Value
		}
	}

	// Change handling. Dust change is absorbed into the fee rather than
	// creating an output that costs more than it is worth.
	if opts.ImportOnly {
		tx.Change = 0
	} else {
		tx.Change = totalIn - (totalOut + tx.Fee)
		if tx.Change < 0 {
			return nil, fmt.Errorf("%w: inputs %d, outputs %d, fee %d",
				ErrInsufficientFunds, totalIn, totalOut, tx.Fee)
		}
		if feePerOutput > 0 && tx.Change < feePerOutput {
			tx.Fee += tx.Change
			tx.Change = 0
		}
		if tx.Change > 0 {
			changeKey, err := w.GetKey(GetKeyOptions{
				AccountID: &accountID, Network: network, Change: 1,
			})
			if err != nil {
				return nil, err
			}
			if err := tx.AddOutput(tx.Change, changeKey.Address()); err != nil {
				return nil, err
			}
		}
	}

	// Assemble inputs with the script material of their owning keys.
	for _, spec := range inputs {
		if err := w.addTxInput(tx, spec); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// addTxInput attaches one input to the transaction, resolving the owning
// key's script type and, for multisig keys, its cosigner child keys.
func (w *Wallet) addTxInput(tx *txbuilder.Transaction, spec InputSpec) error {
	key, err := w.store.KeyByID(spec.KeyID)
	if err != nil {
		return fmt.Errorf("input key %d: %w", spec.KeyID, err)
	}

	options := txbuilder.InputOptions{
		Value:           spec.Value,
		Signatures:      spec.Signatures,
		UnlockingScript: spec.UnlockingScript,
	}
	switch key.KeyType {
	case string(keychain.TypeMultisig):
		childRows, err := w.store.MultisigChildKeys(key.ID)
		if err != nil {
			return err
		}
		keys := make([]*keychain.HDKey, 0, len(childRows))
		for _, row := range childRows {
			k, err := keychain.FromString(row.WIF, w.network)
			if err != nil {
				return err
			}
			keys = append(keys, k)
		}
		options.Keys = keys
		options.ScriptType = txbuilder.ScriptP2SHMultisig
		options.SigsRequired = w.multisigNRequired
		options.SortKeys = w.sortKeys
	case string(keychain.TypeBIP32), string(keychain.TypeSingle):
		k, err := keychain.FromString(key.WIF, w.network)
		if err != nil {
			return err
		}
		options.Keys = []*keychain.HDKey{k}
		options.ScriptType = txbuilder.ScriptP2PKH
	default:
		return fmt.Errorf("%w: input key type %q", ErrUnsupportedScheme, key.KeyType)
	}

	index, err := tx.AddInput(spec.PrevHash, spec.OutputN, options)
	if err != nil {
		return err
	}
	if tx.Inputs[index].Address != key.Address {
		return fmt.Errorf("%w: input %s, key %s (wrong multisig key order?)",
			ErrKeyMismatch, tx.Inputs[index].Address, key.Address)
	}
	return nil
}

// selectInputs picks unspent outputs covering amount. It prefers the
// smallest single UTXO that covers the whole amount; otherwise it
// accumulates the largest remaining outputs until the target is met,
// bounded by maxUTXOs (0 means no bound).
func selectInputs(amount int64, utxos []*store.UTXO, maxUTXOs int) ([]*store.UTXO, error) {
	var single *store.UTXO
	for _, u := range utxos {
		if u.Value >= amount && (single == nil || u.Value < single.Value) {
			single = u
		}
	}
	if single != nil {
		return []*store.UTXO{single}, nil
	}
	if maxUTXOs == 1 {
		return nil, fmt.Errorf("%w: no single output covers %d and max_utxos is 1",
			ErrInsufficientFunds, amount)
	}

	sorted := make([]*store.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })
	if maxUTXOs > 0 && len(sorted) > maxUTXOs {
		sorted = sorted[:maxUTXOs]
	}

	var selected []*store.UTXO
	var total int64
	for _, u := range sorted {
		if total >= amount {
			break
		}
		selected = append(selected, u)
		total += u.Value
	}
	if total < amount {
		return nil, fmt.Errorf("%w: need %d, have %d available", ErrInsufficientFunds,
			amount, total)
	}
	return selected, nil
}
