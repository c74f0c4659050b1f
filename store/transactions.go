package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Transaction is the persisted transaction row. Hash is unique per wallet.
type Transaction struct {
	ID            int64
	WalletID      int64
	Hash          string
	Confirmations int
	BlockHeight   sql.NullInt64
	Date          sql.NullInt64
	Fee           sql.NullInt64
}

// TxInput is a persisted transaction input referencing a previous output.
type TxInput struct {
	ID            int64
	TransactionID int64
	InputN        int
	KeyID         sql.NullInt64
	PrevHash      string
	Value         int64
}

// TxOutput is a persisted transaction output. Spent transitions false to
// true exactly once; the key reference is nullable so deleting keys keeps
// transaction history intact.
type TxOutput struct {
	ID            int64
	TransactionID int64
	OutputN       int
	KeyID         sql.NullInt64
	Value         int64
	Script        string
	Spent         bool
}

// UTXO is the joined view of an unspent output used by the ledger and the
// transaction composer.
type UTXO struct {
	OutputID      int64
	TxHash        string
	OutputN       int
	KeyID         int64
	Value         int64
	Script        string
	Confirmations int
	Address       string
	NetworkName   string
}

// TransactionByHash fetches a wallet transaction by hash.
func (s *Store) TransactionByHash(walletID int64, hash string) (*Transaction, error) {
	var t Transaction
	err := s.db.QueryRow(
		`SELECT id, wallet_id, hash, confirmations, block_height, date, fee
		 FROM transactions WHERE wallet_id = ? AND hash = ?`,
		walletID, hash).Scan(&t.ID, &t.WalletID, &t.Hash, &t.Confirmations,
		&t.BlockHeight, &t.Date, &t.Fee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTransaction inserts the transaction row if its hash is new to the
// wallet, otherwise refreshes confirmations. The row id is returned.
func (s *Store) UpsertTransaction(walletID int64, hash string, confirmations int) (int64, error) {
	existing, err := s.TransactionByHash(walletID, hash)
	if err == nil {
		if existing.Confirmations != confirmations {
			_, err = s.db.Exec(
				`UPDATE transactions SET confirmations = ? WHERE id = ?`,
				confirmations, existing.ID)
		}
		return existing.ID, err
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	res, err := s.db.Exec(
		`INSERT INTO transactions (wallet_id, hash, confirmations) VALUES (?, ?, ?)`,
		walletID, hash, confirmations)
	if err != nil {
		return 0, fmt.Errorf("insert transaction %s: %w", hash, err)
	}
	return res.LastInsertId()
}

// SetTransactionFee records the fee paid by a wallet transaction.
func (s *Store) SetTransactionFee(txID, fee int64) error {
	_, err := s.db.Exec(`UPDATE transactions SET fee = ? WHERE id = ?`, fee, txID)
	return err
}

// OutputByOutpoint fetches the persisted output at (tx hash, output index)
// within a wallet.
func (s *Store) OutputByOutpoint(walletID int64, hash string, outputN int) (*TxOutput, error) {
	var o TxOutput
	err := s.db.QueryRow(
		`SELECT o.id, o.transaction_id, o.output_n, o.key_id, o.value, o.script, o.spent
		 FROM transaction_outputs o
		 JOIN transactions t ON t.id = o.transaction_id
		 WHERE t.wallet_id = ? AND t.hash = ? AND o.output_n = ?`,
		walletID, hash, outputN).Scan(&o.ID, &o.TransactionID, &o.OutputN,
		&o.KeyID, &o.Value, &o.Script, &o.Spent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// InsertOutput persists a new transaction output.
func (s *Store) InsertOutput(o *TxOutput) error {
	res, err := s.db.Exec(
		`INSERT INTO transaction_outputs (transaction_id, output_n, key_id, value, script, spent)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.TransactionID, o.OutputN, o.KeyID, o.Value, o.Script, o.Spent)
	if err != nil {
		return err
	}
	o.ID, err = res.LastInsertId()
	return err
}

// BindOutputKey attaches the owning key to an output that was ingested
// before its key was known.
func (s *Store) BindOutputKey(outputID, keyID int64) error {
	_, err := s.db.Exec(
		`UPDATE transaction_outputs SET key_id = ? WHERE id = ?`,
		keyID, outputID)
	return err
}

// MarkOutputSpent flags the output at (tx hash, output index) as spent.
// The transition is monotonic; an already spent output stays spent.
func (s *Store) MarkOutputSpent(walletID int64, hash string, outputN int) error {
	_, err := s.db.Exec(
		`UPDATE transaction_outputs SET spent = 1
		 WHERE output_n = ? AND transaction_id IN
			(SELECT id FROM transactions WHERE wallet_id = ? AND hash = ?)`,
		outputN, walletID, hash)
	return err
}

// UTXOFilter narrows unspent output queries.
type UTXOFilter struct {
	AccountID   *int
	NetworkName string
	KeyID       *int64
	MinConfirms int
}

func (f *UTXOFilter) apply(query string, args []any) (string, []any) {
	if f == nil {
		return query, args
	}
	if f.AccountID != nil {
		query += ` AND k.account_id = ?`
		args = append(args, *f.AccountID)
	}
	if f.NetworkName != "" {
		query += ` AND k.network_name = ?`
		args = append(args, f.NetworkName)
	}
	if f.KeyID != nil {
		query += ` AND k.id = ?`
		args = append(args, *f.KeyID)
	}
	query += ` AND t.confirmations >= ?`
	args = append(args, f.MinConfirms)
	return query, args
}

// UnspentOutputs lists the wallet's unspent outputs joined with their
// owning keys, most confirmed first.
func (s *Store) UnspentOutputs(walletID int64, filter *UTXOFilter) ([]*UTXO, error) {
	query := `SELECT o.id, t.hash, o.output_n, o.key_id, o.value, o.script,
			t.confirmations, k.address, k.network_name
		 FROM transaction_outputs o
		 JOIN transactions t ON t.id = o.transaction_id
		 JOIN keys k ON k.id = o.key_id
		 WHERE t.wallet_id = ? AND o.spent = 0`
	args := []any{walletID}
	query, args = filter.apply(query, args)
	query += ` ORDER BY t.confirmations DESC, o.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var utxos []*UTXO
	for rows.Next() {
		var u UTXO
		if err := rows.Scan(&u.OutputID, &u.TxHash, &u.OutputN, &u.KeyID,
			&u.Value, &u.Script, &u.Confirmations, &u.Address, &u.NetworkName); err != nil {
			return nil, err
		}
		utxos = append(utxos, &u)
	}
	return utxos, rows.Err()
}

// KeyBalance is a per-key unspent value aggregate.
type KeyBalance struct {
	KeyID       int64
	NetworkName string
	Balance     int64
}

// SumUnspentByKey aggregates unspent output values per key with at least
// minConfirms confirmations.
func (s *Store) SumUnspentByKey(walletID int64, filter *UTXOFilter) ([]*KeyBalance, error) {
	query := `SELECT o.key_id, k.network_name, SUM(o.value)
		 FROM transaction_outputs o
		 JOIN transactions t ON t.id = o.transaction_id
		 JOIN keys k ON k.id = o.key_id
		 WHERE t.wallet_id = ? AND o.spent = 0`
	args := []any{walletID}
	query, args = filter.apply(query, args)
	query += ` GROUP BY o.key_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []*KeyBalance
	for rows.Next() {
		var b KeyBalance
		if err := rows.Scan(&b.KeyID, &b.NetworkName, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, &b)
	}
	return balances, rows.Err()
}

// InsertTxInput persists a transaction input row. Re-ingesting the same
// input is a no-op.
func (s *Store) InsertTxInput(in *TxInput) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO transaction_inputs
		 (transaction_id, input_n, key_id, prev_hash, value)
		 VALUES (?, ?, ?, ?, ?)`,
		in.TransactionID, in.InputN, in.KeyID, in.PrevHash, in.Value)
	if err != nil {
		return err
	}
	in.ID, err = res.LastInsertId()
	return err
}

// HasInputSpending reports whether a stored input spends the outpoint
// (prevHash, inputN). Used to synthesize spent flags when the provider
// does not report them.
func (s *Store) HasInputSpending(prevHash string, outputN int) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM transaction_inputs WHERE prev_hash = ? AND input_n = ?`,
		prevHash, outputN).Scan(&n)
	return n > 0, err
}

// OutputsByKey lists all outputs bound to a key, spent or not.
func (s *Store) OutputsByKey(keyID int64) ([]*TxOutput, []string, error) {
	rows, err := s.db.Query(
		`SELECT o.id, o.transaction_id, o.output_n, o.key_id, o.value, o.script, o.spent, t.hash
		 FROM transaction_outputs o
		 JOIN transactions t ON t.id = o.transaction_id
		 WHERE o.key_id = ?`, keyID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var outputs []*TxOutput
	var hashes []string
	for rows.Next() {
		var o TxOutput
		var hash string
		if err := rows.Scan(&o.ID, &o.TransactionID, &o.OutputN, &o.KeyID,
			&o.Value, &o.Script, &o.Spent, &hash); err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, &o)
		hashes = append(hashes, hash)
	}
	return outputs, hashes, rows.Err()
}

// SetOutputSpentByID flags one output row as spent.
func (s *Store) SetOutputSpentByID(outputID int64) error {
	_, err := s.db.Exec(`UPDATE transaction_outputs SET spent = 1 WHERE id = ?`, outputID)
	return err
}

// Transactions lists a wallet's transactions, most confirmations first.
func (s *Store) Transactions(walletID int64) ([]*Transaction, error) {
	rows, err := s.db.Query(
		`SELECT id, wallet_id, hash, confirmations, block_height, date, fee
		 FROM transactions WHERE wallet_id = ? ORDER BY confirmations DESC, id`,
		walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Hash, &t.Confirmations,
			&t.BlockHeight, &t.Date, &t.Fee); err != nil {
			return nil, err
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}
