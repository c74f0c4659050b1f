package txbuilder

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/networks"
)

func bitcoin(t *testing.T) *networks.Network {
	t.Helper()
	nw, err := networks.ByName("bitcoin")
	if err != nil {
		t.Fatal(err)
	}
	return nw
}

func singleKey(t *testing.T) *keychain.HDKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return keychain.FromPrivateKey(priv, bitcoin(t))
}

const prevHash = "9df91f89a3eb4259ce04af66ad4caf3c9a297feea5e0b3bc506898b6728c5003"

func TestP2PKHSignAndVerify(t *testing.T) {
	nw := bitcoin(t)
	key := singleKey(t)
	dest := singleKey(t)
	destAddr, err := dest.Address()
	if err != nil {
		t.Fatal(err)
	}

	tx := New(nw)
	index, err := tx.AddInput(prevHash, 0, InputOptions{
		Value: 100000, Keys: []*keychain.HDKey{key}, ScriptType: ScriptP2PKH,
	})
	if err != nil {
		t.Fatalf("AddInput failed: %v", err)
	}
	if err := tx.AddOutput(90000, destAddr); err != nil {
		t.Fatalf("AddOutput failed: %v", err)
	}

	if tx.Verify() {
		t.Error("unsigned transaction must not verify")
	}
	if err := tx.SignInput(index, nil); err != nil {
		t.Fatalf("SignInput failed: %v", err)
	}
	if !tx.Verify() {
		t.Error("signed transaction must verify")
	}

	keyAddr, _ := key.Address()
	if tx.Inputs[index].Address != keyAddr {
		t.Errorf("input address %s, want %s", tx.Inputs[index].Address, keyAddr)
	}
}

func TestP2PKHSignWithCandidateKey(t *testing.T) {
	nw := bitcoin(t)
	key := singleKey(t)
	pub, err := key.Neuter()
	if err != nil {
		t.Fatal(err)
	}
	dest := singleKey(t)
	destAddr, _ := dest.Address()

	// The input only knows the public key; the private key arrives as a
	// signing candidate.
	tx := New(nw)
	index, err := tx.AddInput(prevHash, 0, InputOptions{
		Value: 50000, Keys: []*keychain.HDKey{pub}, ScriptType: ScriptP2PKH,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.AddOutput(40000, destAddr); err != nil {
		t.Fatal(err)
	}

	if err := tx.SignInput(index, nil); err == nil {
		t.Error("expected ErrSignatureIncomplete without a private key")
	}
	if err := tx.SignInput(index, []*keychain.HDKey{key}); err != nil {
		t.Fatalf("SignInput with candidate failed: %v", err)
	}
	if !tx.Verify() {
		t.Error("transaction must verify after candidate signing")
	}
}

func TestMultisigSignAndVerify(t *testing.T) {
	nw := bitcoin(t)
	keys := []*keychain.HDKey{singleKey(t), singleKey(t), singleKey(t)}
	dest := singleKey(t)
	destAddr, _ := dest.Address()

	tx := New(nw)
	index, err := tx.AddInput(prevHash, 1, InputOptions{
		Value: 200000, Keys: keys, ScriptType: ScriptP2SHMultisig,
		SigsRequired: 2, SortKeys: true,
	})
	if err != nil {
		t.Fatalf("AddInput failed: %v", err)
	}
	if !strings.HasPrefix(tx.Inputs[index].Address, "3") {
		t.Errorf("expected P2SH input address, got %s", tx.Inputs[index].Address)
	}
	if err := tx.AddOutput(190000, destAddr); err != nil {
		t.Fatal(err)
	}

	if err := tx.SignInput(index, nil); err != nil {
		t.Fatalf("SignInput failed: %v", err)
	}
	if !tx.Verify() {
		t.Error("2-of-3 multisig spend must verify")
	}
}

func TestMultisigIncompleteSignatures(t *testing.T) {
	nw := bitcoin(t)
	full := []*keychain.HDKey{singleKey(t), singleKey(t), singleKey(t)}
	// Neuter two of the three keys; one signature cannot meet a 2-of-3
	// threshold.
	partial := make([]*keychain.HDKey, 3)
	for i, k := range full {
		if i == 0 {
			partial[i] = k
			continue
		}
		pub, err := k.Neuter()
		if err != nil {
			t.Fatal(err)
		}
		partial[i] = pub
	}
	dest := singleKey(t)
	destAddr, _ := dest.Address()

	tx := New(nw)
	index, err := tx.AddInput(prevHash, 0, InputOptions{
		Value: 200000, Keys: partial, ScriptType: ScriptP2SHMultisig,
		SigsRequired: 2, SortKeys: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.AddOutput(190000, destAddr); err != nil {
		t.Fatal(err)
	}

	err = tx.SignInput(index, nil)
	if err == nil {
		t.Fatal("expected incomplete signature error")
	}
	// Supplying the second private key as a candidate completes signing.
	if err := tx.SignInput(index, []*keychain.HDKey{full[1]}); err != nil {
		t.Fatalf("SignInput with candidate failed: %v", err)
	}
	if !tx.Verify() {
		t.Error("completed multisig spend must verify")
	}
}

func TestRawHexRoundTrip(t *testing.T) {
	nw := bitcoin(t)
	key := singleKey(t)
	dest := singleKey(t)
	destAddr, _ := dest.Address()

	tx := New(nw)
	index, err := tx.AddInput(prevHash, 0, InputOptions{
		Value: 75000, Keys: []*keychain.HDKey{key}, ScriptType: ScriptP2PKH,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.AddOutput(70000, destAddr); err != nil {
		t.Fatal(err)
	}
	if err := tx.SignInput(index, nil); err != nil {
		t.Fatal(err)
	}

	raw, err := tx.RawHex()
	if err != nil {
		t.Fatalf("RawHex failed: %v", err)
	}

	imported, err := ImportRaw(raw, nw)
	if err != nil {
		t.Fatalf("ImportRaw failed: %v", err)
	}
	if len(imported.Inputs) != 1 || len(imported.Outputs) != 1 {
		t.Fatalf("imported %d inputs, %d outputs", len(imported.Inputs), len(imported.Outputs))
	}
	if imported.Inputs[0].PrevHash != prevHash {
		t.Errorf("prev hash = %s, want %s", imported.Inputs[0].PrevHash, prevHash)
	}
	if imported.Outputs[0].Value != 70000 || imported.Outputs[0].Address != destAddr {
		t.Errorf("output = %d to %s, want 70000 to %s",
			imported.Outputs[0].Value, imported.Outputs[0].Address, destAddr)
	}
	if len(imported.Inputs[0].UnlockingScript) == 0 {
		t.Error("unlocking script lost in round trip")
	}

	reRaw, err := imported.RawHex()
	if err != nil {
		t.Fatal(err)
	}
	if reRaw != raw {
		t.Error("raw hex round trip is not stable")
	}
}

func TestEstimateFeeExact(t *testing.T) {
	nw := bitcoin(t)
	key := singleKey(t)
	dest := singleKey(t)
	destAddr, _ := dest.Address()

	tx := New(nw)
	if _, err := tx.AddInput(prevHash, 0, InputOptions{
		Value: 75000, Keys: []*keychain.HDKey{key}, ScriptType: ScriptP2PKH,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.AddOutput(70000, destAddr); err != nil {
		t.Fatal(err)
	}
	if err := tx.SignInput(0, nil); err != nil {
		t.Fatal(err)
	}

	size := tx.SerializeSize()
	if size < 150 || size > 400 {
		t.Errorf("unexpected 1-in 1-out size %d", size)
	}
	fee := tx.EstimateFeeExact(100000)
	want := int64(float64(size) / 1024.0 * 100000)
	if fee != want {
		t.Errorf("fee = %d, want %d", fee, want)
	}
}
