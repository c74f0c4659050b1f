package keychain

import (
	"encoding/hex"
	"testing"

	"github.com/opd-ai/hdwallet/networks"
)

// BIP32 test vector 1 seed.
const testVectorSeed = "000102030405060708090a0b0c0d0e0f"

const testVectorMasterXprv = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

func bitcoinNetwork(t *testing.T) *networks.Network {
	t.Helper()
	nw, err := networks.ByName("bitcoin")
	if err != nil {
		t.Fatalf("ByName(bitcoin) failed: %v", err)
	}
	return nw
}

func masterFromVector(t *testing.T) *HDKey {
	t.Helper()
	seed, err := hex.DecodeString(testVectorSeed)
	if err != nil {
		t.Fatalf("decode seed: %v", err)
	}
	key, err := FromSeed(seed, bitcoinNetwork(t))
	if err != nil {
		t.Fatalf("FromSeed failed: %v", err)
	}
	return key
}

func TestFromSeedVector(t *testing.T) {
	key := masterFromVector(t)
	if key.WIF() != testVectorMasterXprv {
		t.Errorf("master key mismatch:\ngot  %s\nwant %s", key.WIF(), testVectorMasterXprv)
	}
	if key.Depth() != 0 {
		t.Errorf("master depth = %d, want 0", key.Depth())
	}
	if !key.IsPrivate() {
		t.Error("master key should be private")
	}
	if key.Type() != TypeBIP32 {
		t.Errorf("key type = %s, want bip32", key.Type())
	}
}

func TestFromStringRoundTrip(t *testing.T) {
	key := masterFromVector(t)

	t.Run("ExtendedPrivate", func(t *testing.T) {
		parsed, err := FromString(key.WIF(), nil)
		if err != nil {
			t.Fatalf("FromString failed: %v", err)
		}
		if parsed.WIF() != key.WIF() {
			t.Error("extended key did not round-trip")
		}
		if parsed.Network().Name != "bitcoin" {
			t.Errorf("detected network %s, want bitcoin", parsed.Network().Name)
		}
	})

	t.Run("ExtendedPublic", func(t *testing.T) {
		pub, err := key.WIFPublic()
		if err != nil {
			t.Fatalf("WIFPublic failed: %v", err)
		}
		parsed, err := FromString(pub, nil)
		if err != nil {
			t.Fatalf("FromString failed: %v", err)
		}
		if parsed.IsPrivate() {
			t.Error("neutered key should not be private")
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		if _, err := FromString("not-a-key", nil); err == nil {
			t.Error("expected error for garbage input")
		}
	})
}

func TestSubkeyDerivation(t *testing.T) {
	key := masterFromVector(t)

	t.Run("HardenedChain", func(t *testing.T) {
		account, err := key.SubkeyForPath("m/44'/0'/0'")
		if err != nil {
			t.Fatalf("SubkeyForPath failed: %v", err)
		}
		if account.Depth() != 3 {
			t.Errorf("account depth = %d, want 3", account.Depth())
		}
		if account.ChildIndex() != 0 {
			t.Errorf("account child index = %d, want 0", account.ChildIndex())
		}
	})

	t.Run("MatchesSegmentBySegment", func(t *testing.T) {
		byPath, err := key.SubkeyForPath("m/44'/0'/0'/0/0")
		if err != nil {
			t.Fatalf("SubkeyForPath failed: %v", err)
		}
		step := key
		for _, segment := range []string{"44'", "0'", "0'", "0", "0"} {
			step, err = step.Subkey(segment)
			if err != nil {
				t.Fatalf("Subkey(%s) failed: %v", segment, err)
			}
		}
		if byPath.WIF() != step.WIF() {
			t.Error("path derivation differs from stepwise derivation")
		}
	})

	t.Run("HardenedFromPublic", func(t *testing.T) {
		pub, err := key.Neuter()
		if err != nil {
			t.Fatalf("Neuter failed: %v", err)
		}
		if _, err := pub.Subkey("0'"); err == nil {
			t.Error("expected error deriving hardened child from public key")
		}
	})

	t.Run("NormalFromPublic", func(t *testing.T) {
		// Public derivation of non-hardened children must agree with the
		// neutered private derivation.
		branch, err := key.SubkeyForPath("m/44'/0'/0'")
		if err != nil {
			t.Fatalf("SubkeyForPath failed: %v", err)
		}
		branchPub, err := branch.Neuter()
		if err != nil {
			t.Fatalf("Neuter failed: %v", err)
		}
		fromPub, err := branchPub.SubkeyForPath("0/0")
		if err != nil {
			t.Fatalf("public derivation failed: %v", err)
		}
		fromPriv, err := branch.SubkeyForPath("0/0")
		if err != nil {
			t.Fatalf("private derivation failed: %v", err)
		}
		pubA, _ := fromPub.PublicHex()
		pubB, _ := fromPriv.PublicHex()
		if pubA != pubB {
			t.Error("public and private derivation disagree")
		}
	})
}

func TestAccountKey(t *testing.T) {
	key := masterFromVector(t)
	account, err := key.AccountKey(44, 0)
	if err != nil {
		t.Fatalf("AccountKey failed: %v", err)
	}
	direct, err := key.SubkeyForPath("m/44'/0'/0'")
	if err != nil {
		t.Fatalf("SubkeyForPath failed: %v", err)
	}
	if account.WIF() != direct.WIF() {
		t.Error("AccountKey differs from direct derivation")
	}

	if _, err := account.AccountKey(44, 0); err == nil {
		t.Error("expected error for AccountKey on non-master")
	}
}

func TestAddress(t *testing.T) {
	key := masterFromVector(t)
	leaf, err := key.SubkeyForPath("m/44'/0'/0'/0/0")
	if err != nil {
		t.Fatalf("SubkeyForPath failed: %v", err)
	}
	addr, err := leaf.Address()
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	if len(addr) == 0 || addr[0] != '1' {
		t.Errorf("expected mainnet P2PKH address starting with 1, got %q", addr)
	}

	// Address is a function of the public key only.
	pub, err := leaf.Neuter()
	if err != nil {
		t.Fatalf("Neuter failed: %v", err)
	}
	pubAddr, err := pub.Address()
	if err != nil {
		t.Fatalf("Address failed: %v", err)
	}
	if addr != pubAddr {
		t.Errorf("private and public address differ: %s vs %s", addr, pubAddr)
	}
}

func TestFromMnemonic(t *testing.T) {
	mnemonic, err := NewMnemonic(128)
	if err != nil {
		t.Fatalf("NewMnemonic failed: %v", err)
	}
	key, err := FromMnemonic(mnemonic, "", bitcoinNetwork(t))
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	if key.Depth() != 0 || !key.IsPrivate() {
		t.Error("mnemonic should produce a private master key")
	}

	// Same mnemonic, same key; different passphrase, different key.
	again, err := FromMnemonic(mnemonic, "", bitcoinNetwork(t))
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	if key.WIF() != again.WIF() {
		t.Error("mnemonic derivation is not deterministic")
	}
	other, err := FromMnemonic(mnemonic, "pass", bitcoinNetwork(t))
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	if key.WIF() == other.WIF() {
		t.Error("passphrase should change the derived key")
	}

	if _, err := FromMnemonic("not a valid mnemonic sentence at all", "", bitcoinNetwork(t)); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestSingleKeyWIF(t *testing.T) {
	master := masterFromVector(t)
	leaf, err := master.SubkeyForPath("m/44'/0'/0'/0/0")
	if err != nil {
		t.Fatalf("SubkeyForPath failed: %v", err)
	}
	priv, err := leaf.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey failed: %v", err)
	}
	single := FromPrivateKey(priv, bitcoinNetwork(t))
	if single.Type() != TypeSingle {
		t.Errorf("type = %s, want single", single.Type())
	}

	parsed, err := FromString(single.WIF(), nil)
	if err != nil {
		t.Fatalf("FromString(WIF) failed: %v", err)
	}
	gotPub, _ := parsed.PublicHex()
	wantPub, _ := single.PublicHex()
	if gotPub != wantPub {
		t.Error("WIF round-trip changed the key")
	}
	addrA, _ := single.Address()
	addrB, _ := leaf.Address()
	if addrA != addrB {
		t.Error("single key address differs from extended key address")
	}
}
