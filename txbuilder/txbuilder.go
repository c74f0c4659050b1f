// Package txbuilder assembles, signs and verifies raw Bitcoin-family
// transactions for the wallet engine. It wraps wire.MsgTx with the key and
// script metadata needed to sign P2PKH and P2SH multisig inputs.
package txbuilder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/multisig"
	"github.com/opd-ai/hdwallet/networks"
)

// ScriptType selects the unlocking script construction for an input.
type ScriptType string

const (
	// ScriptP2PKH spends a pay-to-public-key-hash output
	ScriptP2PKH ScriptType = "p2pkh"
	// ScriptP2SHMultisig spends a pay-to-script-hash multisig output
	ScriptP2SHMultisig ScriptType = "p2sh_multisig"
)

var (
	// ErrSignatureIncomplete is returned when an input lacks the required
	// number of signatures.
	ErrSignatureIncomplete = errors.New("input signatures incomplete")
	// ErrVerifyFailed is returned when script verification rejects an input.
	ErrVerifyFailed = errors.New("transaction verification failed")
)

// Input is one transaction input together with the material needed to
// sign and verify it.
type Input struct {
	PrevHash     string
	OutputN      int
	Value        int64
	ScriptType   ScriptType
	Keys         []*keychain.HDKey
	SigsRequired int
	// Address derived from the input's keys; callers compare it against
	// the stored key to catch key order mistakes
	Address string
	// redeemScript is set for p2sh_multisig inputs
	redeemScript []byte
	// signatures maps compressed public key hex to a DER signature
	signatures map[string][]byte
	// UnlockingScript is the final scriptSig, set after signing or import
	UnlockingScript []byte
}

// Output is one transaction output.
type Output struct {
	Address  string
	Value    int64
	PkScript []byte
}

// Transaction is a transaction under construction.
type Transaction struct {
	Network  *networks.Network
	Inputs   []*Input
	Outputs  []*Output
	Fee      int64
	FeePerKB int64
	Change   int64

	msg *wire.MsgTx
}

// New creates an empty transaction for a network.
func New(network *networks.Network) *Transaction {
	return &Transaction{
		Network: network,
		msg:     wire.NewMsgTx(wire.TxVersion),
	}
}

// InputOptions carries the optional parts of AddInput.
type InputOptions struct {
	Value        int64
	Keys         []*keychain.HDKey
	ScriptType   ScriptType
	SigsRequired int
	// SortKeys applies BIP67 ordering to multisig keys
	SortKeys bool
	// Signatures and UnlockingScript pre-populate a partially signed input
	Signatures      map[string][]byte
	UnlockingScript []byte
}

// AddInput appends an input spending the outpoint (prevHash, outputN) and
// returns its index. The input address is derived from the supplied keys
// so the caller can detect mismatches against its records.
func (t *Transaction) AddInput(prevHash string, outputN int, opts InputOptions) (int, error) {
	hash, err := chainhash.NewHashFromStr(prevHash)
	if err != nil {
		return 0, fmt.Errorf("parse prev hash %s: %w", prevHash, err)
	}

	in := &Input{
		PrevHash:        prevHash,
		OutputN:         outputN,
		Value:           opts.Value,
		Keys:            opts.Keys,
		ScriptType:      opts.ScriptType,
		SigsRequired:    opts.SigsRequired,
		signatures:      map[string][]byte{},
		UnlockingScript: opts.UnlockingScript,
	}
	for pub, sig := range opts.Signatures {
		in.signatures[pub] = sig
	}
	if in.ScriptType == "" {
		in.ScriptType = ScriptP2PKH
	}

	switch in.ScriptType {
	case ScriptP2PKH:
		if len(in.Keys) != 1 {
			return 0, fmt.Errorf("p2pkh input needs exactly one key, got %d", len(in.Keys))
		}
		in.Address, err = in.Keys[0].Address()
		if err != nil {
			return 0, err
		}
	case ScriptP2SHMultisig:
		pubKeys := make([][]byte, 0, len(in.Keys))
		keysByPub := make(map[string]*keychain.HDKey, len(in.Keys))
		for _, k := range in.Keys {
			raw, err := k.PublicBytes()
			if err != nil {
				return 0, err
			}
			pubKeys = append(pubKeys, raw)
			keysByPub[string(raw)] = k
		}
		script, err := multisig.Compose(pubKeys, in.SigsRequired, opts.SortKeys, t.Network)
		if err != nil {
			return 0, err
		}
		in.redeemScript = script.RedeemScript
		in.Address = script.Address
		// Keep the key list in redeem script order; signature assembly
		// depends on it.
		ordered := make([]*keychain.HDKey, 0, len(script.PublicKeys))
		for _, raw := range script.PublicKeys {
			ordered = append(ordered, keysByPub[string(raw)])
		}
		in.Keys = ordered
	default:
		return 0, fmt.Errorf("unsupported script type %q", in.ScriptType)
	}

	t.msg.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, uint32(outputN)), nil, nil))
	t.Inputs = append(t.Inputs, in)
	return len(t.Inputs) - 1, nil
}

// AddOutput appends an output paying value to address.
func (t *Transaction) AddOutput(value int64, address string) error {
	addr, err := btcutil.DecodeAddress(address, t.Network.Params)
	if err != nil {
		return fmt.Errorf("decode address %s: %w", address, err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}
	t.msg.AddTxOut(wire.NewTxOut(value, pkScript))
	t.Outputs = append(t.Outputs, &Output{Address: address, Value: value, PkScript: pkScript})
	return nil
}

// prevPkScript reconstructs the locking script of the output an input
// spends, from the input's derived address.
func (in *Input) prevPkScript(network *networks.Network) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(in.Address, network.Params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// SignInput signs one input with every private key in the candidate set
// that is relevant to the input, then assembles the unlocking script when
// enough signatures are present.
func (t *Transaction) SignInput(index int, candidates []*keychain.HDKey) error {
	if index < 0 || index >= len(t.Inputs) {
		return fmt.Errorf("input index %d out of range", index)
	}
	in := t.Inputs[index]

	switch in.ScriptType {
	case ScriptP2PKH:
		return t.signP2PKH(index, in, candidates)
	case ScriptP2SHMultisig:
		return t.signMultisig(index, in, candidates)
	}
	return fmt.Errorf("unsupported script type %q", in.ScriptType)
}

func firstPrivate(keys []*keychain.HDKey) (*btcec.PrivateKey, bool) {
	for _, k := range keys {
		if k != nil && k.IsPrivate() {
			if priv, err := k.PrivateKey(); err == nil {
				return priv, true
			}
		}
	}
	return nil, false
}

func (t *Transaction) signP2PKH(index int, in *Input, candidates []*keychain.HDKey) error {
	priv, ok := firstPrivate(append(in.Keys, candidates...))
	if !ok {
		return fmt.Errorf("%w: no private key for input %d", ErrSignatureIncomplete, index)
	}
	pkScript, err := in.prevPkScript(t.Network)
	if err != nil {
		return err
	}
	sigScript, err := txscript.SignatureScript(
		t.msg, index, pkScript, txscript.SigHashAll, priv, true)
	if err != nil {
		return fmt.Errorf("sign input %d: %w", index, err)
	}
	in.UnlockingScript = sigScript
	t.msg.TxIn[index].SignatureScript = sigScript
	return nil
}

func (t *Transaction) signMultisig(index int, in *Input, candidates []*keychain.HDKey) error {
	requiredPubs := make([]string, 0, len(in.Keys))
	for _, k := range in.Keys {
		pub, err := k.PublicHex()
		if err != nil {
			return err
		}
		requiredPubs = append(requiredPubs, pub)
	}

	// Collect a signature from every available private key that is one of
	// the redeem script's signers.
	for _, k := range append(in.Keys, candidates...) {
		if k == nil || !k.IsPrivate() {
			continue
		}
		pub, err := k.PublicHex()
		if err != nil {
			continue
		}
		if !contains(requiredPubs, pub) {
			continue
		}
		if _, done := in.signatures[pub]; done {
			continue
		}
		priv, err := k.PrivateKey()
		if err != nil {
			continue
		}
		sig, err := txscript.RawTxInSignature(
			t.msg, index, in.redeemScript, txscript.SigHashAll, priv)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", index, err)
		}
		in.signatures[pub] = sig
	}

	if len(in.signatures) < in.SigsRequired {
		return fmt.Errorf("%w: input %d has %d of %d signatures",
			ErrSignatureIncomplete, index, len(in.signatures), in.SigsRequired)
	}

	// Assemble OP_0 <sig...> <redeemScript> with signatures in redeem
	// script key order.
	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_FALSE)
	added := 0
	for _, pub := range requiredPubs {
		if added == in.SigsRequired {
			break
		}
		if sig, ok := in.signatures[pub]; ok {
			builder.AddData(sig)
			added++
		}
	}
	builder.AddData(in.redeemScript)
	sigScript, err := builder.Script()
	if err != nil {
		return err
	}
	in.UnlockingScript = sigScript
	t.msg.TxIn[index].SignatureScript = sigScript
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Verify executes every input script against its locking script and
// reports whether the whole transaction validates.
func (t *Transaction) Verify() bool {
	for index, in := range t.Inputs {
		if len(t.msg.TxIn[index].SignatureScript) == 0 {
			return false
		}
		pkScript, err := in.prevPkScript(t.Network)
		if err != nil {
			return false
		}
		fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, in.Value)
		vm, err := txscript.NewEngine(pkScript, t.msg, index,
			txscript.StandardVerifyFlags, nil,
			txscript.NewTxSigHashes(t.msg, fetcher), in.Value, fetcher)
		if err != nil {
			return false
		}
		if err := vm.Execute(); err != nil {
			return false
		}
	}
	return true
}

// SerializeSize returns the current serialized transaction size in bytes.
func (t *Transaction) SerializeSize() int {
	return t.msg.SerializeSize()
}

// EstimateFeeExact computes the fee for the transaction's actual
// serialized size at the given rate in satoshi per kilobyte.
func (t *Transaction) EstimateFeeExact(feePerKB int64) int64 {
	return int64(float64(t.SerializeSize()) / 1024.0 * float64(feePerKB))
}

// TotalInputValue sums the known input values.
func (t *Transaction) TotalInputValue() int64 {
	var total int64
	for _, in := range t.Inputs {
		total += in.Value
	}
	return total
}

// TotalOutputValue sums the output values.
func (t *Transaction) TotalOutputValue() int64 {
	var total int64
	for _, out := range t.Outputs {
		total += out.Value
	}
	return total
}

// RawHex serializes the transaction to hex.
func (t *Transaction) RawHex() (string, error) {
	var buf bytes.Buffer
	if err := t.msg.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// TxID returns the transaction hash in display order. Only meaningful once
// all inputs are signed.
func (t *Transaction) TxID() string {
	return t.msg.TxHash().String()
}

// ImportRaw parses a serialized transaction. Inputs carry their outpoints
// and unlocking scripts; key material has to be rebound by the caller.
func ImportRaw(rawHex string, network *networks.Network) (*Transaction, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize raw transaction: %w", err)
	}
	t := &Transaction{Network: network, msg: &msg}
	for _, txIn := range msg.TxIn {
		t.Inputs = append(t.Inputs, &Input{
			PrevHash:        txIn.PreviousOutPoint.Hash.String(),
			OutputN:         int(txIn.PreviousOutPoint.Index),
			UnlockingScript: txIn.SignatureScript,
			signatures:      map[string][]byte{},
		})
	}
	for _, txOut := range msg.TxOut {
		out := &Output{Value: txOut.Value, PkScript: txOut.PkScript}
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, network.Params)
		if err == nil && len(addrs) > 0 {
			out.Address = addrs[0].EncodeAddress()
		}
		t.Outputs = append(t.Outputs, out)
	}
	return t, nil
}
