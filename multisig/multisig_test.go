package multisig

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/opd-ai/hdwallet/networks"
)

func testPubKeys(t *testing.T, n int) [][]byte {
	t.Helper()
	keys := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys = append(keys, priv.PubKey().SerializeCompressed())
	}
	return keys
}

func bitcoin(t *testing.T) *networks.Network {
	t.Helper()
	nw, err := networks.ByName("bitcoin")
	if err != nil {
		t.Fatal(err)
	}
	return nw
}

func TestComposeDeterministic(t *testing.T) {
	nw := bitcoin(t)
	pubKeys := testPubKeys(t, 3)

	first, err := Compose(pubKeys, 2, false, nw)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	second, err := Compose(pubKeys, 2, false, nw)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if first.Address != second.Address {
		t.Error("same inputs produced different addresses")
	}
	if !bytes.Equal(first.RedeemScript, second.RedeemScript) {
		t.Error("same inputs produced different redeem scripts")
	}
	if first.Address[0] != '3' {
		t.Errorf("expected mainnet P2SH address starting with 3, got %q", first.Address)
	}
}

// With sorting enabled the address must not depend on input order.
func TestComposeSortInvariance(t *testing.T) {
	nw := bitcoin(t)
	pubKeys := testPubKeys(t, 3)
	reversed := [][]byte{pubKeys[2], pubKeys[1], pubKeys[0]}

	sorted, err := Compose(pubKeys, 2, true, nw)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	sortedReversed, err := Compose(reversed, 2, true, nw)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if sorted.Address != sortedReversed.Address {
		t.Error("sorted composition depends on input order")
	}

	// Without sorting, reversing the keys changes the script.
	unsorted, err := Compose(pubKeys, 2, false, nw)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	unsortedReversed, err := Compose(reversed, 2, false, nw)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if unsorted.Address == unsortedReversed.Address {
		t.Error("unsorted composition should depend on input order")
	}
}

// The redeem script decodes back to exactly the composed keys in order,
// and the threshold survives the round trip.
func TestComposeDecodeRoundTrip(t *testing.T) {
	nw := bitcoin(t)
	pubKeys := testPubKeys(t, 3)

	script, err := Compose(pubKeys, 2, true, nw)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	decoded, nRequired, err := DecodePublicKeys(script.RedeemScript, nw)
	if err != nil {
		t.Fatalf("DecodePublicKeys failed: %v", err)
	}
	if nRequired != 2 {
		t.Errorf("decoded threshold = %d, want 2", nRequired)
	}
	if len(decoded) != len(script.PublicKeys) {
		t.Fatalf("decoded %d keys, want %d", len(decoded), len(script.PublicKeys))
	}
	for i := range decoded {
		if !bytes.Equal(decoded[i], script.PublicKeys[i]) {
			t.Errorf("key %d does not round-trip", i)
		}
	}
}

func TestComposeThresholds(t *testing.T) {
	nw := bitcoin(t)
	pubKeys := testPubKeys(t, 3)

	tests := []struct {
		name      string
		keys      [][]byte
		nRequired int
	}{
		{name: "TooFewKeys", keys: pubKeys[:1], nRequired: 1},
		{name: "ZeroRequired", keys: pubKeys, nRequired: 0},
		{name: "RequiredAboveKeys", keys: pubKeys, nRequired: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compose(tt.keys, tt.nRequired, false, nw); !errors.Is(err, ErrInvalidThreshold) {
				t.Errorf("expected ErrInvalidThreshold, got %v", err)
			}
		})
	}
}
