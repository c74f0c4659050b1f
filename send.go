package hdwallet

import (
	"errors"
	"fmt"

	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/store"
	"github.com/opd-ai/hdwallet/txbuilder"
)

// SignTransaction signs every input of a composed transaction. The
// candidate key set for each input is built from the keys attached to the
// input, the extra keys passed by the caller, and any cosigner wallet
// private key matching a required signer.
func (w *Wallet) SignTransaction(tx *txbuilder.Transaction, extraKeys []*keychain.HDKey) error {
	cosignerIDs, err := w.signerWalletIDs()
	if err != nil {
		return err
	}
	for index, in := range tx.Inputs {
		candidates := append([]*keychain.HDKey{}, extraKeys...)
		// Pull in cosigner private keys for multisig signers we only hold
		// the public half of.
		for _, key := range in.Keys {
			if key.IsPrivate() {
				continue
			}
			public, err := key.PublicHex()
			if err != nil {
				continue
			}
			row, err := w.store.PrivateKeyByPublic(cosignerIDs, public)
			if err != nil {
				continue
			}
			priv, err := keychain.FromString(row.WIF, w.network)
			if err != nil {
				continue
			}
			candidates = append(candidates, priv)
		}
		if err := tx.SignInput(index, candidates); err != nil {
			return err
		}
	}
	return nil
}

// signerWalletIDs lists this wallet plus its cosigner wallets, the places
// private keys for our inputs can live.
func (w *Wallet) signerWalletIDs() ([]int64, error) {
	ids := []int64{w.id}
	if w.scheme != SchemeMultisig {
		return ids, nil
	}
	cosigners, err := w.Cosigners()
	if err != nil {
		return nil, err
	}
	for _, cw := range cosigners {
		ids = append(ids, cw.id)
	}
	return ids, nil
}

// SendResult reports the outcome of a transaction submission.
type SendResult struct {
	// TxID is the network-assigned transaction id, empty for offline or
	// failed sends.
	TxID string
	// Transaction is the signed transaction, useful on failure or offline.
	Transaction *txbuilder.Transaction
	// Error holds the submission failure, nil on success or offline.
	Error error
}

// SendTransaction verifies a signed transaction and submits it. On
// success every spent input is marked spent in the store; submission
// failure leaves store state unchanged. With offline the verified
// transaction is returned without contacting the network.
func (w *Wallet) SendTransaction(tx *txbuilder.Transaction, offline bool) *SendResult {
	if !tx.Verify() {
		return &SendResult{
			Transaction: tx,
			Error:       fmt.Errorf("%w: refusing to submit", ErrVerifyFailed),
		}
	}
	if offline {
		return &SendResult{Transaction: tx}
	}
	if w.service == nil {
		return &SendResult{
			Transaction: tx,
			Error:       fmt.Errorf("%w: wallet has no chain service", ErrServiceUnavailable),
		}
	}

	rawHex, err := tx.RawHex()
	if err != nil {
		return &SendResult{Transaction: tx, Error: err}
	}
	txid, err := w.service.SendRawTransaction(rawHex)
	if err != nil {
		return &SendResult{Transaction: tx, Error: err}
	}

	// Only after the network accepted the transaction do the inputs
	// transition to spent.
	for _, in := range tx.Inputs {
		if err := w.store.MarkOutputSpent(w.id, in.PrevHash, in.OutputN); err != nil {
			return &SendResult{TxID: txid, Transaction: tx, Error: err}
		}
	}
	txRowID, err := w.store.UpsertTransaction(w.id, txid, 0)
	if err != nil {
		return &SendResult{TxID: txid, Transaction: tx, Error: err}
	}
	if err := w.store.SetTransactionFee(txRowID, tx.Fee); err != nil {
		return &SendResult{TxID: txid, Transaction: tx, Error: err}
	}
	w.log.WithField("txid", txid).Info("transaction sent")
	return &SendResult{TxID: txid, Transaction: tx}
}

// SendOptions carries the optional parameters of Send, SendTo and Sweep.
type SendOptions struct {
	AccountID *int
	Network   string
	// Fee in the smallest denomination; nil estimates and self-corrects.
	Fee *int64
	// MinConfirms an input needs before it is spendable, default 1.
	MinConfirms *int
	MaxUTXOs    int
	// PrivateKeys supplies extra signing keys not stored in the wallet.
	PrivateKeys []*keychain.HDKey
	// Offline composes and signs without submitting.
	Offline bool
}

// Send composes, signs and submits a transaction paying the given
// outputs. When the fee was estimated and the transaction has a change
// output, the heuristic estimate is compared against the exact fee for the
// signed size; a drift above 10% recomposes and re-signs with the exact
// fee. Transactions without change keep the heuristic fee.
func (w *Wallet) Send(outputs []OutputSpec, inputs []InputSpec, opts SendOptions) *SendResult {
	composeOpts := ComposeOptions{
		AccountID: opts.AccountID, Network: opts.Network, Fee: opts.Fee,
		MinConfirms: opts.MinConfirms, MaxUTXOs: opts.MaxUTXOs,
	}
	tx, err := w.CreateTransaction(outputs, inputs, composeOpts)
	if err != nil {
		return &SendResult{Error: err}
	}
	if err := w.SignTransaction(tx, opts.PrivateKeys); err != nil {
		return &SendResult{Transaction: tx, Error: err}
	}

	if opts.Fee == nil && tx.FeePerKB > 0 && tx.Change > 0 {
		exact := tx.EstimateFeeExact(tx.FeePerKB)
		if exact > 0 && ratioOff(tx.Fee, exact) > 0.10 {
			w.log.WithField("estimated", tx.Fee).WithField("exact", exact).
				Info("fee estimate off, recomposing")
			composeOpts.Fee = &exact
			tx, err = w.CreateTransaction(outputs, inputs, composeOpts)
			if err != nil {
				return &SendResult{Error: err}
			}
			if err := w.SignTransaction(tx, opts.PrivateKeys); err != nil {
				return &SendResult{Transaction: tx, Error: err}
			}
		}
	}
	return w.SendTransaction(tx, opts.Offline)
}

func ratioOff(estimated, exact int64) float64 {
	diff := estimated - exact
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(exact)
}

// SendTo pays a single address.
func (w *Wallet) SendTo(address string, amount int64, opts SendOptions) *SendResult {
	return w.Send([]OutputSpec{{Address: address, Value: amount}}, nil, opts)
}

// sweepSizePerInput is the per-input size estimate used for sweep fees.
const (
	sweepSizeBase     = 125
	sweepSizePerInput = 125
)

// Sweep sends all unspent outputs to one address, skipping outputs below
// the network's dust threshold. The fee is derived from the input count
// and subtracted from the swept total.
func (w *Wallet) Sweep(toAddress string, opts SendOptions) *SendResult {
	minConfirms := 1
	if opts.MinConfirms != nil {
		minConfirms = *opts.MinConfirms
	}
	utxos, err := w.UTXOs(BalanceOptions{
		AccountID: opts.AccountID, Network: opts.Network, MinConfirms: minConfirms,
	})
	if err != nil {
		return &SendResult{Error: err}
	}
	maxUTXOs := opts.MaxUTXOs
	if maxUTXOs == 0 {
		maxUTXOs = 999
	}
	if len(utxos) > maxUTXOs {
		utxos = utxos[:maxUTXOs]
	}

	var inputs []InputSpec
	var total int64
	for _, u := range utxos {
		if u.Value < w.network.DustThreshold {
			continue
		}
		inputs = append(inputs, InputSpec{
			PrevHash: u.TxHash, OutputN: u.OutputN, KeyID: u.KeyID, Value: u.Value,
		})
		total += u.Value
	}
	if len(inputs) == 0 {
		return &SendResult{Error: fmt.Errorf("%w: nothing to sweep", ErrInsufficientFunds)}
	}

	var feePerKB int64
	if opts.Fee != nil {
		feePerKB = 0
	} else {
		if w.service == nil {
			return &SendResult{Error: fmt.Errorf(
				"%w: cannot estimate sweep fee without a chain service", ErrServiceUnavailable)}
		}
		feePerKB, err = w.service.EstimateFee()
		if err != nil {
			return &SendResult{Error: err}
		}
	}
	fee := int64(0)
	if opts.Fee != nil {
		fee = *opts.Fee
	} else {
		size := sweepSizeBase + sweepSizePerInput*len(inputs)
		fee = int64(float64(size) / 1024.0 * float64(feePerKB))
	}
	if fee >= total {
		return &SendResult{Error: fmt.Errorf("%w: fee %d exceeds swept total %d",
			ErrInsufficientFunds, fee, total)}
	}

	return w.Send(
		[]OutputSpec{{Address: toAddress, Value: total - fee}},
		inputs,
		SendOptions{
			AccountID: opts.AccountID, Network: opts.Network, Fee: &fee,
			MinConfirms: opts.MinConfirms, PrivateKeys: opts.PrivateKeys,
			Offline: opts.Offline,
		})
}

// ImportTransaction parses a raw transaction and rebuilds it against this
// wallet, linking each input to the wallet key that owns the spent output.
// An input whose output is not stored with a known key fails the import.
// No fee estimation or change allocation happens on import.
func (w *Wallet) ImportTransaction(rawHex string) (*txbuilder.Transaction, error) {
	imported, err := txbuilder.ImportRaw(rawHex, w.network)
	if err != nil {
		return nil, err
	}
	outputs := make([]OutputSpec, 0, len(imported.Outputs))
	for _, out := range imported.Outputs {
		outputs = append(outputs, OutputSpec{Address: out.Address, Value: out.Value})
	}
	inputs := make([]InputSpec, 0, len(imported.Inputs))
	for _, in := range imported.Inputs {
		spec := InputSpec{
			PrevHash:        in.PrevHash,
			OutputN:         in.OutputN,
			UnlockingScript: in.UnlockingScript,
		}
		out, err := w.store.OutputByOutpoint(w.id, in.PrevHash, in.OutputN)
		if err == nil && out.KeyID.Valid {
			spec.KeyID = out.KeyID.Int64
			spec.Value = out.Value
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		inputs = append(inputs, spec)
	}
	return w.CreateTransaction(outputs, inputs, ComposeOptions{ImportOnly: true})
}
