package store

import (
	"database/sql"
	"errors"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWallet(t *testing.T, s *Store, name string) *Wallet {
	t.Helper()
	w := &Wallet{Name: name, NetworkName: "bitcoin", Purpose: 44, Scheme: "bip44"}
	if err := s.InsertWallet(w); err != nil {
		t.Fatalf("InsertWallet failed: %v", err)
	}
	return w
}

func testKey(walletID int64, path, public, wif, address string) *Key {
	return &Key{
		WalletID: walletID, Path: path, Depth: len(path) - 1, Purpose: 44,
		NetworkName: "bitcoin", KeyType: "bip32",
		Public: public, WIF: wif, Address: address, Compressed: true,
	}
}

func TestInsertWalletUniqueName(t *testing.T) {
	s := testStore(t)
	testWallet(t, s, "alpha")

	dup := &Wallet{Name: "alpha", NetworkName: "bitcoin", Scheme: "bip44"}
	if err := s.InsertWallet(dup); err == nil {
		t.Error("expected unique constraint violation for duplicate name")
	}
}

func TestWalletLookups(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")

	byName, err := s.WalletByName("alpha")
	if err != nil {
		t.Fatalf("WalletByName failed: %v", err)
	}
	byID, err := s.WalletByID(w.ID)
	if err != nil {
		t.Fatalf("WalletByID failed: %v", err)
	}
	if byName.ID != byID.ID {
		t.Error("lookups disagree")
	}

	if _, err := s.WalletByName("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	exists, err := s.WalletNameExists("alpha")
	if err != nil || !exists {
		t.Errorf("WalletNameExists(alpha) = %v, %v", exists, err)
	}
}

func TestChildWalletsOrdered(t *testing.T) {
	s := testStore(t)
	parent := testWallet(t, s, "parent")
	for _, name := range []string{"parent-cosigner-1", "parent-cosigner-0", "parent-cosigner-2"} {
		child := &Wallet{Name: name, NetworkName: "bitcoin", Scheme: "bip44",
			ParentID: sql.NullInt64{Int64: parent.ID, Valid: true}}
		if err := s.InsertWallet(child); err != nil {
			t.Fatalf("InsertWallet failed: %v", err)
		}
	}
	children, err := s.ChildWallets(parent.ID)
	if err != nil {
		t.Fatalf("ChildWallets failed: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("got %d children, want 3", len(children))
	}
	for i, want := range []string{"parent-cosigner-0", "parent-cosigner-1", "parent-cosigner-2"} {
		if children[i].Name != want {
			t.Errorf("child %d = %s, want %s", i, children[i].Name, want)
		}
	}

	// Top-level listing excludes children.
	wallets, err := s.Wallets()
	if err != nil {
		t.Fatalf("Wallets failed: %v", err)
	}
	if len(wallets) != 1 || wallets[0].Name != "parent" {
		t.Errorf("Wallets() should list only the parent, got %d", len(wallets))
	}
}

func TestInsertKeyIdempotent(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")

	first, err := s.InsertKey(testKey(w.ID, "m", "02aa", "xprv-master", "1addr"))
	if err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	// Same public material at a different path returns the existing row.
	again, err := s.InsertKey(testKey(w.ID, "m/0", "02aa", "xprv-master", "1addr"))
	if err != nil {
		t.Fatalf("second InsertKey failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("idempotent insert returned new row %d, want %d", again.ID, first.ID)
	}

	keys, err := s.Keys(w.ID, nil)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("got %d key rows, want 1", len(keys))
	}

	// A different wallet may hold the same key.
	other := testWallet(t, s, "beta")
	if _, err := s.InsertKey(testKey(other.ID, "m", "02aa", "xprv-master", "1addr")); err != nil {
		t.Errorf("same key in another wallet should insert: %v", err)
	}
}

func TestClosestAncestor(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")

	paths := []string{"m", "m/44'", "m/44'/0'"}
	for i, path := range paths {
		k := testKey(w.ID, path, "", "wif-"+path, "addr-"+path)
		k.Depth = i
		if _, err := s.InsertKey(k); err != nil {
			t.Fatalf("InsertKey(%s) failed: %v", path, err)
		}
	}

	t.Run("PartialPath", func(t *testing.T) {
		ancestor, err := s.ClosestAncestor(w.ID, "m/44'/0'/0'/0/5")
		if err != nil {
			t.Fatalf("ClosestAncestor failed: %v", err)
		}
		if ancestor.Path != "m/44'/0'" {
			t.Errorf("ancestor = %s, want m/44'/0'", ancestor.Path)
		}
	})

	t.Run("ExactMatch", func(t *testing.T) {
		ancestor, err := s.ClosestAncestor(w.ID, "m/44'")
		if err != nil {
			t.Fatalf("ClosestAncestor failed: %v", err)
		}
		if ancestor.Path != "m/44'" {
			t.Errorf("ancestor = %s, want m/44'", ancestor.Path)
		}
	})

	t.Run("NoAncestor", func(t *testing.T) {
		other := testWallet(t, s, "empty")
		if _, err := s.ClosestAncestor(other.ID, "m/44'/0'"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestKeyBySearchTerm(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")
	k := testKey(w.ID, "m/44'/0'/0'/0/0", "02bb", "xprv-leaf", "1leafaddr")
	k.Name = "Key 0"
	inserted, err := s.InsertKey(k)
	if err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	for _, term := range []string{"1leafaddr", "xprv-leaf", "Key 0"} {
		found, err := s.KeyBySearchTerm(w.ID, term)
		if err != nil {
			t.Errorf("KeyBySearchTerm(%q) failed: %v", term, err)
			continue
		}
		if found.ID != inserted.ID {
			t.Errorf("KeyBySearchTerm(%q) = key %d, want %d", term, found.ID, inserted.ID)
		}
	}
	if _, err := s.KeyBySearchTerm(w.ID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNextAddressIndex(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")

	index, err := s.NextAddressIndex(w.ID, 44, "bitcoin", 0, 0, 5)
	if err != nil {
		t.Fatalf("NextAddressIndex failed: %v", err)
	}
	if index != 0 {
		t.Errorf("first index = %d, want 0", index)
	}

	k := testKey(w.ID, "m/44'/0'/0'/0/0", "02cc", "wif0", "addr0")
	k.Depth = 5
	k.AddressIndex = 0
	if _, err := s.InsertKey(k); err != nil {
		t.Fatal(err)
	}
	k2 := testKey(w.ID, "m/44'/0'/0'/0/7", "02dd", "wif7", "addr7")
	k2.Depth = 5
	k2.AddressIndex = 7
	if _, err := s.InsertKey(k2); err != nil {
		t.Fatal(err)
	}

	index, err = s.NextAddressIndex(w.ID, 44, "bitcoin", 0, 0, 5)
	if err != nil {
		t.Fatalf("NextAddressIndex failed: %v", err)
	}
	if index != 8 {
		t.Errorf("next index = %d, want 8", index)
	}
}

func TestTransactionsAndOutputs(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")
	k, err := s.InsertKey(testKey(w.ID, "m/44'/0'/0'/0/0", "02ee", "wif", "addr"))
	if err != nil {
		t.Fatal(err)
	}

	txID, err := s.UpsertTransaction(w.ID, "aabb", 10)
	if err != nil {
		t.Fatalf("UpsertTransaction failed: %v", err)
	}

	// Upserting the same hash updates confirmations in place.
	txID2, err := s.UpsertTransaction(w.ID, "aabb", 12)
	if err != nil {
		t.Fatalf("second UpsertTransaction failed: %v", err)
	}
	if txID != txID2 {
		t.Errorf("upsert created a new row %d, want %d", txID2, txID)
	}
	tx, err := s.TransactionByHash(w.ID, "aabb")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Confirmations != 12 {
		t.Errorf("confirmations = %d, want 12", tx.Confirmations)
	}

	out := &TxOutput{
		TransactionID: txID, OutputN: 0,
		KeyID: sql.NullInt64{Int64: k.ID, Valid: true},
		Value: 8970937, Script: "76a914",
	}
	if err := s.InsertOutput(out); err != nil {
		t.Fatalf("InsertOutput failed: %v", err)
	}

	utxos, err := s.UnspentOutputs(w.ID, &UTXOFilter{MinConfirms: 1})
	if err != nil {
		t.Fatalf("UnspentOutputs failed: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Value != 8970937 || utxos[0].Address != "addr" {
		t.Errorf("unexpected utxos: %+v", utxos)
	}

	// Confirmations filter.
	none, err := s.UnspentOutputs(w.ID, &UTXOFilter{MinConfirms: 13})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no utxos above 13 confirmations, got %d", len(none))
	}

	sums, err := s.SumUnspentByKey(w.ID, &UTXOFilter{MinConfirms: 0})
	if err != nil {
		t.Fatalf("SumUnspentByKey failed: %v", err)
	}
	if len(sums) != 1 || sums[0].Balance != 8970937 || sums[0].KeyID != k.ID {
		t.Errorf("unexpected sums: %+v", sums)
	}

	// Spent transition is monotonic: marking twice keeps it spent.
	if err := s.MarkOutputSpent(w.ID, "aabb", 0); err != nil {
		t.Fatalf("MarkOutputSpent failed: %v", err)
	}
	if err := s.MarkOutputSpent(w.ID, "aabb", 0); err != nil {
		t.Fatalf("second MarkOutputSpent failed: %v", err)
	}
	after, err := s.UnspentOutputs(w.ID, &UTXOFilter{MinConfirms: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Error("output still listed as unspent after MarkOutputSpent")
	}
	stored, err := s.OutputByOutpoint(w.ID, "aabb", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Spent {
		t.Error("output row not flagged spent")
	}
}

func TestHasInputSpending(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")
	txID, err := s.UpsertTransaction(w.ID, "ccdd", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertTxInput(&TxInput{
		TransactionID: txID, InputN: 0, PrevHash: "aabb", Value: 5000,
	}); err != nil {
		t.Fatalf("InsertTxInput failed: %v", err)
	}

	spent, err := s.HasInputSpending("aabb", 0)
	if err != nil || !spent {
		t.Errorf("HasInputSpending(aabb, 0) = %v, %v; want true", spent, err)
	}
	spent, err = s.HasInputSpending("aabb", 1)
	if err != nil || spent {
		t.Errorf("HasInputSpending(aabb, 1) = %v, %v; want false", spent, err)
	}
}

func TestDeleteWalletKeys(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")
	k, err := s.InsertKey(testKey(w.ID, "m", "02ff", "wif", "addr"))
	if err != nil {
		t.Fatal(err)
	}
	txID, err := s.UpsertTransaction(w.ID, "eeff", 3)
	if err != nil {
		t.Fatal(err)
	}
	out := &TxOutput{
		TransactionID: txID, OutputN: 0,
		KeyID: sql.NullInt64{Int64: k.ID, Valid: true}, Value: 100,
	}
	if err := s.InsertOutput(out); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteWalletKeys(w.ID); err != nil {
		t.Fatalf("DeleteWalletKeys failed: %v", err)
	}

	keys, err := s.Keys(w.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("keys remain after delete: %d", len(keys))
	}

	// Transaction history survives with the key reference detached.
	stored, err := s.OutputByOutpoint(w.ID, "eeff", 0)
	if err != nil {
		t.Fatalf("output lost after key delete: %v", err)
	}
	if stored.KeyID.Valid {
		t.Error("output still references a deleted key")
	}
}

func TestKeyBalancesAndPrivateUpgrade(t *testing.T) {
	s := testStore(t)
	w := testWallet(t, s, "alpha")
	k := testKey(w.ID, "m/44'/0'/0'/0/0", "02ab", "xpub-only", "addr")
	k.IsPrivate = false
	inserted, err := s.InsertKey(k)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateKeyBalances(map[int64]int64{inserted.ID: 12345}); err != nil {
		t.Fatalf("UpdateKeyBalances failed: %v", err)
	}
	if err := s.KeyAddPrivate(inserted.ID, "deadbeef", "xprv-now"); err != nil {
		t.Fatalf("KeyAddPrivate failed: %v", err)
	}

	row, err := s.KeyByID(inserted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Balance != 12345 || !row.IsPrivate || row.WIF != "xprv-now" {
		t.Errorf("unexpected row after updates: %+v", row)
	}

	has, err := s.WalletHasBalance(w.ID)
	if err != nil || !has {
		t.Errorf("WalletHasBalance = %v, %v; want true", has, err)
	}
}
