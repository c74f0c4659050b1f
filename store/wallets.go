package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Wallet is the persisted wallet row.
type Wallet struct {
	ID                int64
	Name              string
	Owner             string
	NetworkName       string
	Purpose           int
	Scheme            string
	MainKeyID         sql.NullInt64
	SortKeys          bool
	MultisigNRequired sql.NullInt64
	ParentID          sql.NullInt64
}

const walletColumns = `id, name, owner, network_name, purpose, scheme,
	main_key_id, sort_keys, multisig_n_required, parent_id`

func scanWallet(row interface{ Scan(...any) error }) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.Name, &w.Owner, &w.NetworkName, &w.Purpose, &w.Scheme,
		&w.MainKeyID, &w.SortKeys, &w.MultisigNRequired, &w.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertWallet persists a new wallet row and fills in its ID.
func (s *Store) InsertWallet(w *Wallet) error {
	res, err := s.db.Exec(`INSERT INTO wallets
		(name, owner, network_name, purpose, scheme, sort_keys, multisig_n_required, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Name, w.Owner, w.NetworkName, w.Purpose, w.Scheme, w.SortKeys,
		w.MultisigNRequired, w.ParentID)
	if err != nil {
		return fmt.Errorf("insert wallet %q: %w", w.Name, err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

// WalletByID fetches a wallet row by id.
func (s *Store) WalletByID(id int64) (*Wallet, error) {
	return scanWallet(s.db.QueryRow(
		`SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id))
}

// WalletByName fetches a wallet row by its unique name.
func (s *Store) WalletByName(name string) (*Wallet, error) {
	return scanWallet(s.db.QueryRow(
		`SELECT `+walletColumns+` FROM wallets WHERE name = ?`, name))
}

// WalletNameExists reports whether a wallet with this name exists.
func (s *Store) WalletNameExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM wallets WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

// Wallets lists all top-level wallets (cosigner child wallets excluded).
func (s *Store) Wallets() ([]*Wallet, error) {
	rows, err := s.db.Query(
		`SELECT ` + walletColumns + ` FROM wallets WHERE parent_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWallets(rows)
}

// ChildWallets lists cosigner wallets of a multisig parent, ordered by name
// so cosigner traversal is deterministic.
func (s *Store) ChildWallets(parentID int64) ([]*Wallet, error) {
	rows, err := s.db.Query(
		`SELECT `+walletColumns+` FROM wallets WHERE parent_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWallets(rows)
}

func collectWallets(rows *sql.Rows) ([]*Wallet, error) {
	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// UpdateWalletName renames a wallet.
func (s *Store) UpdateWalletName(id int64, name string) error {
	_, err := s.db.Exec(`UPDATE wallets SET name = ? WHERE id = ?`, name, id)
	return err
}

// UpdateWalletOwner sets the wallet owner field.
func (s *Store) UpdateWalletOwner(id int64, owner string) error {
	_, err := s.db.Exec(`UPDATE wallets SET owner = ? WHERE id = ?`, owner, id)
	return err
}

// SetWalletMainKey records the wallet's main key id.
func (s *Store) SetWalletMainKey(id, keyID int64) error {
	_, err := s.db.Exec(`UPDATE wallets SET main_key_id = ? WHERE id = ?`, keyID, id)
	return err
}

// SetWalletMultisig records the signature threshold on a multisig parent.
func (s *Store) SetWalletMultisig(id int64, nRequired int, sortKeys bool) error {
	_, err := s.db.Exec(
		`UPDATE wallets SET multisig_n_required = ?, sort_keys = ? WHERE id = ?`,
		nRequired, sortKeys, id)
	return err
}

// DeleteWallet removes a wallet row together with its transactions and
// their inputs and outputs. Keys must be deleted first via
// DeleteWalletKeys, and cosigner child wallets before their parent.
func (s *Store) DeleteWallet(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		txIDs := `SELECT id FROM transactions WHERE wallet_id = ?`
		for _, stmt := range []string{
			`DELETE FROM transaction_inputs WHERE transaction_id IN (` + txIDs + `)`,
			`DELETE FROM transaction_outputs WHERE transaction_id IN (` + txIDs + `)`,
			`DELETE FROM transactions WHERE wallet_id = ?`,
			`DELETE FROM wallets WHERE id = ?`,
		} {
			if _, err := tx.Exec(stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
}
