package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Key is the persisted key row. One row exists per (wallet, path); derived
// keys are immutable after insert except for used, balance and the private
// material added when upgrading a public-only key.
type Key struct {
	ID           int64
	WalletID     int64
	Name         string
	Path         string
	Depth        int
	Purpose      int
	AccountID    int
	Change       int
	AddressIndex int
	NetworkName  string
	ParentID     int64
	KeyType      string
	IsPrivate    bool
	Public       string
	Private      string
	WIF          string
	Address      string
	Compressed   bool
	Used         bool
	Balance      int64
}

const keyColumns = `id, wallet_id, name, path, depth, purpose, account_id,
	change, address_index, network_name, parent_id, key_type, is_private,
	public, private, wif, address, compressed, used, balance`

func scanKey(row interface{ Scan(...any) error }) (*Key, error) {
	var k Key
	err := row.Scan(&k.ID, &k.WalletID, &k.Name, &k.Path, &k.Depth, &k.Purpose,
		&k.AccountID, &k.Change, &k.AddressIndex, &k.NetworkName, &k.ParentID,
		&k.KeyType, &k.IsPrivate, &k.Public, &k.Private, &k.WIF, &k.Address,
		&k.Compressed, &k.Used, &k.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func collectKeys(rows *sql.Rows) ([]*Key, error) {
	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// InsertKey persists a key row, or returns the existing row when a key with
// the same public material or serialized form already exists in the wallet.
// This makes repeated derivation of the same path idempotent.
func (s *Store) InsertKey(k *Key) (*Key, error) {
	existing, err := s.keyByIdentity(k.WalletID, k.Public, k.WIF)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	res, err := s.db.Exec(`INSERT INTO keys
		(wallet_id, name, path, depth, purpose, account_id, change, address_index,
		 network_name, parent_id, key_type, is_private, public, private, wif,
		 address, compressed, used, balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.WalletID, k.Name, k.Path, k.Depth, k.Purpose, k.AccountID, k.Change,
		k.AddressIndex, k.NetworkName, k.ParentID, k.KeyType, k.IsPrivate,
		k.Public, k.Private, k.WIF, k.Address, k.Compressed, k.Used, k.Balance)
	if err != nil {
		return nil, fmt.Errorf("insert key %s: %w", k.Path, err)
	}
	k.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Store) keyByIdentity(walletID int64, public, wif string) (*Key, error) {
	if public == "" && wif == "" {
		return nil, ErrNotFound
	}
	return scanKey(s.db.QueryRow(
		`SELECT `+keyColumns+` FROM keys
		 WHERE wallet_id = ? AND ((public != '' AND public = ?) OR (wif != '' AND wif = ?))`,
		walletID, public, wif))
}

// KeyByID fetches a key row by id.
func (s *Store) KeyByID(id int64) (*Key, error) {
	return scanKey(s.db.QueryRow(`SELECT `+keyColumns+` FROM keys WHERE id = ?`, id))
}

// KeyByPath fetches the key at an exact path within a wallet.
func (s *Store) KeyByPath(walletID int64, path string) (*Key, error) {
	return scanKey(s.db.QueryRow(
		`SELECT `+keyColumns+` FROM keys WHERE wallet_id = ? AND path = ?`,
		walletID, path))
}

// KeyBySearchTerm resolves a key within a wallet by address, serialized key
// or name, in that order.
func (s *Store) KeyBySearchTerm(walletID int64, term string) (*Key, error) {
	for _, column := range []string{"address", "wif", "name"} {
		k, err := scanKey(s.db.QueryRow(
			`SELECT `+keyColumns+` FROM keys WHERE wallet_id = ? AND `+column+` = ?`,
			walletID, term))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return k, err
	}
	return nil, ErrNotFound
}

// KeyByAddress fetches the wallet key owning an address.
func (s *Store) KeyByAddress(walletID int64, address string) (*Key, error) {
	return scanKey(s.db.QueryRow(
		`SELECT `+keyColumns+` FROM keys WHERE wallet_id = ? AND address = ?`,
		walletID, address))
}

// ClosestAncestor walks up a derivation path one level at a time and
// returns the deepest key row that already exists, so derivation only has
// to materialize the missing tail.
func (s *Store) ClosestAncestor(walletID int64, path string) (*Key, error) {
	for path != "" {
		k, err := s.KeyByPath(walletID, path)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		idx := strings.LastIndex(path, "/")
		if idx < 0 {
			break
		}
		path = path[:idx]
	}
	return nil, ErrNotFound
}

// KeyFilter narrows key searches. Nil fields are not applied.
type KeyFilter struct {
	AccountID   *int
	NetworkName string
	Purpose     *int
	Depth       *int
	Change      *int
	Used        *bool
	KeyID       *int64
}

func (f *KeyFilter) where() (string, []any) {
	clauses := []string{"wallet_id = ?"}
	var args []any
	if f == nil {
		return strings.Join(clauses, " AND "), args
	}
	if f.AccountID != nil {
		clauses = append(clauses, "account_id = ?")
		args = append(args, *f.AccountID)
	}
	if f.NetworkName != "" {
		clauses = append(clauses, "network_name = ?")
		args = append(args, f.NetworkName)
	}
	if f.Purpose != nil {
		clauses = append(clauses, "purpose = ?")
		args = append(args, *f.Purpose)
	}
	if f.Depth != nil {
		clauses = append(clauses, "depth = ?")
		args = append(args, *f.Depth)
	}
	if f.Change != nil {
		clauses = append(clauses, "change = ?")
		args = append(args, *f.Change)
	}
	if f.Used != nil {
		clauses = append(clauses, "used = ?")
		args = append(args, *f.Used)
	}
	if f.KeyID != nil {
		clauses = append(clauses, "id = ?")
		args = append(args, *f.KeyID)
	}
	return strings.Join(clauses, " AND "), args
}

// Keys lists key rows of a wallet matching the filter, ordered by id.
func (s *Store) Keys(walletID int64, filter *KeyFilter) ([]*Key, error) {
	where, args := filter.where()
	rows, err := s.db.Query(
		`SELECT `+keyColumns+` FROM keys WHERE `+where+` ORDER BY id`,
		append([]any{walletID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// AccountKey fetches the depth-3 account key for (purpose, account,
// network) in a wallet.
func (s *Store) AccountKey(walletID int64, purpose, accountID int, network string) (*Key, error) {
	return scanKey(s.db.QueryRow(
		`SELECT `+keyColumns+` FROM keys
		 WHERE wallet_id = ? AND purpose = ? AND account_id = ? AND depth = 3
		   AND network_name = ?`,
		walletID, purpose, accountID, network))
}

// FirstAccountID returns the lowest account id present for the network, or
// 0 when no account key exists yet.
func (s *Store) FirstAccountID(walletID int64, purpose int, network string) (int, bool, error) {
	var accountID int
	err := s.db.QueryRow(
		`SELECT account_id FROM keys
		 WHERE wallet_id = ? AND purpose = ? AND depth = 3 AND network_name = ?
		 ORDER BY account_id LIMIT 1`,
		walletID, purpose, network).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return accountID, err == nil, err
}

// MaxAccountID returns the highest account id used on a network, or -1.
func (s *Store) MaxAccountID(walletID int64, purpose int, network string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(account_id) FROM keys
		 WHERE wallet_id = ? AND purpose = ? AND depth = 3 AND network_name = ?`,
		walletID, purpose, network).Scan(&max)
	if err != nil {
		return -1, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// NextAddressIndex returns one past the highest address index stored at the
// given depth, account and change branch, or 0 when there is none.
func (s *Store) NextAddressIndex(walletID int64, purpose int, network string,
	accountID, change, depth int) (int, error) {

	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(address_index) FROM keys
		 WHERE wallet_id = ? AND purpose = ? AND network_name = ?
		   AND account_id = ? AND change = ? AND depth = ?`,
		walletID, purpose, network, accountID, change, depth).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// LastUsedKeyID returns the id of the most recently created used key on a
// change branch, or 0 when none is used yet.
func (s *Store) LastUsedKeyID(walletID int64, accountID int, network string,
	change, depth int) (int64, error) {

	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM keys
		 WHERE wallet_id = ? AND account_id = ? AND network_name = ?
		   AND used = 1 AND change = ? AND depth = ?
		 ORDER BY id DESC LIMIT 1`,
		walletID, accountID, network, change, depth).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// UnusedKeysAfter lists unused keys on a change branch created after the
// given key id, oldest first.
func (s *Store) UnusedKeysAfter(walletID int64, accountID int, network string,
	change, depth int, afterID int64) ([]*Key, error) {

	rows, err := s.db.Query(
		`SELECT `+keyColumns+` FROM keys
		 WHERE wallet_id = ? AND account_id = ? AND network_name = ?
		   AND used = 0 AND change = ? AND depth = ? AND id > ?
		 ORDER BY id`,
		walletID, accountID, network, change, depth, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// LastImportKeyPath returns the highest synthetic import_key_NNNNN path in
// a wallet, or "" when no single key has been imported.
func (s *Store) LastImportKeyPath(walletID int64) (string, error) {
	var path string
	err := s.db.QueryRow(
		`SELECT path FROM keys WHERE wallet_id = ? AND path LIKE 'import_key_%'
		 ORDER BY path DESC LIMIT 1`, walletID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return path, err
}

// MarkKeyUsed flags a key as having received funds.
func (s *Store) MarkKeyUsed(keyID int64) error {
	_, err := s.db.Exec(`UPDATE keys SET used = 1 WHERE id = ?`, keyID)
	return err
}

// UpdateKeyBalances writes the given key balances in one transaction.
func (s *Store) UpdateKeyBalances(balances map[int64]int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		for keyID, balance := range balances {
			if _, err := tx.Exec(
				`UPDATE keys SET balance = ? WHERE id = ?`, balance, keyID); err != nil {
				return err
			}
		}
		return nil
	})
}

// KeyAddPrivate upgrades a public-only key row with private key material.
func (s *Store) KeyAddPrivate(keyID int64, privateHex, wif string) error {
	_, err := s.db.Exec(
		`UPDATE keys SET is_private = 1, private = ?, wif = ? WHERE id = ?`,
		privateHex, wif, keyID)
	return err
}

// ReplaceKeyWIF swaps a key's serialized form and private material in
// place.
func (s *Store) ReplaceKeyWIF(keyID int64, wif, privateHex, public string, isPrivate bool) error {
	_, err := s.db.Exec(
		`UPDATE keys SET wif = ?, private = ?, public = ?, is_private = ? WHERE id = ?`,
		wif, privateHex, public, isPrivate, keyID)
	return err
}

// WalletHasBalance reports whether any key of the wallet holds a nonzero
// balance.
func (s *Store) WalletHasBalance(walletID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM keys WHERE wallet_id = ? AND balance != 0`,
		walletID).Scan(&n)
	return n > 0, err
}

// DeleteWalletKeys removes every key of a wallet in one transaction,
// detaching transaction references and multisig links first so history
// survives key deletion.
func (s *Store) DeleteWalletKeys(walletID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		stmts := []string{
			`UPDATE transaction_outputs SET key_id = NULL WHERE key_id IN
				(SELECT id FROM keys WHERE wallet_id = ?)`,
			`UPDATE transaction_inputs SET key_id = NULL WHERE key_id IN
				(SELECT id FROM keys WHERE wallet_id = ?)`,
			`DELETE FROM key_multisig_children WHERE parent_id IN
				(SELECT id FROM keys WHERE wallet_id = ?)`,
			`DELETE FROM key_multisig_children WHERE child_id IN
				(SELECT id FROM keys WHERE wallet_id = ?)`,
			`DELETE FROM keys WHERE wallet_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt, walletID); err != nil {
				return err
			}
		}
		return nil
	})
}

// MultisigChild links a cosigner child key into a multisig key's redeem
// script at a fixed position.
type MultisigChild struct {
	ParentID int64
	ChildID  int64
	KeyOrder int
}

// AddMultisigChildren records the ordered cosigner links of a multisig key.
func (s *Store) AddMultisigChildren(parentID int64, childIDs []int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		for order, childID := range childIDs {
			if _, err := tx.Exec(
				`INSERT INTO key_multisig_children (parent_id, child_id, key_order)
				 VALUES (?, ?, ?)`, parentID, childID, order); err != nil {
				return err
			}
		}
		return nil
	})
}

// MultisigChildKeys returns the cosigner child keys of a multisig key in
// redeem script order.
func (s *Store) MultisigChildKeys(parentID int64) ([]*Key, error) {
	rows, err := s.db.Query(
		`SELECT keys.* FROM keys
		 JOIN key_multisig_children mc ON mc.child_id = keys.id
		 WHERE mc.parent_id = ? ORDER BY mc.key_order`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// PrivateKeyByPublic searches the given wallets for a private key matching
// a public key hex. Used to collect cosigner signatures.
func (s *Store) PrivateKeyByPublic(walletIDs []int64, publicHex string) (*Key, error) {
	if len(walletIDs) == 0 {
		return nil, ErrNotFound
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(walletIDs)), ",")
	args := make([]any, 0, len(walletIDs)+1)
	args = append(args, publicHex)
	for _, id := range walletIDs {
		args = append(args, id)
	}
	return scanKey(s.db.QueryRow(
		`SELECT `+keyColumns+` FROM keys
		 WHERE public = ? AND is_private = 1 AND wallet_id IN (`+placeholders+`)
		 LIMIT 1`, args...))
}
