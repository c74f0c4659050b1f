// Package store provides persistent storage for the wallet engine using
// SQLite. One Store owns one database handle; every wallet session threads
// a Store through its operations.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database holding wallets, keys and transactions.
type Store struct {
	db   *sql.DB
	path string
}

// Config holds store configuration.
type Config struct {
	// Path of the database file. Use ":memory:" for an ephemeral store.
	Path string
}

// Open opens or creates the wallet database and initializes the schema.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = "wallets.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates all database tables.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL DEFAULT '',
		network_name TEXT NOT NULL,
		purpose INTEGER NOT NULL DEFAULT 44,
		scheme TEXT NOT NULL,
		main_key_id INTEGER,
		sort_keys INTEGER NOT NULL DEFAULT 0,
		multisig_n_required INTEGER,
		parent_id INTEGER REFERENCES wallets(id)
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_parent ON wallets(parent_id);

	CREATE TABLE IF NOT EXISTS keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id INTEGER NOT NULL REFERENCES wallets(id),
		name TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		depth INTEGER NOT NULL DEFAULT 0,
		purpose INTEGER NOT NULL DEFAULT 44,
		account_id INTEGER NOT NULL DEFAULT 0,
		change INTEGER NOT NULL DEFAULT 0,
		address_index INTEGER NOT NULL DEFAULT 0,
		network_name TEXT NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		key_type TEXT NOT NULL DEFAULT 'bip32',
		is_private INTEGER NOT NULL DEFAULT 0,
		public TEXT NOT NULL DEFAULT '',
		private TEXT NOT NULL DEFAULT '',
		wif TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		compressed INTEGER NOT NULL DEFAULT 1,
		used INTEGER NOT NULL DEFAULT 0,
		balance INTEGER NOT NULL DEFAULT 0,
		UNIQUE(wallet_id, path),
		UNIQUE(wallet_id, wif)
	);

	CREATE INDEX IF NOT EXISTS idx_keys_wallet ON keys(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_keys_address ON keys(address);
	CREATE INDEX IF NOT EXISTS idx_keys_depth ON keys(wallet_id, depth, change);

	CREATE TABLE IF NOT EXISTS key_multisig_children (
		parent_id INTEGER NOT NULL REFERENCES keys(id),
		child_id INTEGER NOT NULL REFERENCES keys(id),
		key_order INTEGER NOT NULL,
		UNIQUE(parent_id, key_order)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id INTEGER NOT NULL REFERENCES wallets(id),
		hash TEXT NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		block_height INTEGER,
		date INTEGER,
		fee INTEGER,
		UNIQUE(wallet_id, hash)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_id);

	CREATE TABLE IF NOT EXISTS transaction_inputs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		input_n INTEGER NOT NULL,
		key_id INTEGER REFERENCES keys(id),
		prev_hash TEXT NOT NULL,
		value INTEGER NOT NULL DEFAULT 0,
		UNIQUE(transaction_id, input_n)
	);

	CREATE INDEX IF NOT EXISTS idx_inputs_prev ON transaction_inputs(prev_hash, input_n);

	CREATE TABLE IF NOT EXISTS transaction_outputs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		output_n INTEGER NOT NULL,
		key_id INTEGER REFERENCES keys(id),
		value INTEGER NOT NULL DEFAULT 0,
		script TEXT NOT NULL DEFAULT '',
		spent INTEGER NOT NULL DEFAULT 0,
		UNIQUE(transaction_id, output_n)
	);

	CREATE INDEX IF NOT EXISTS idx_outputs_key ON transaction_outputs(key_id);
	CREATE INDEX IF NOT EXISTS idx_outputs_spent ON transaction_outputs(spent);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
