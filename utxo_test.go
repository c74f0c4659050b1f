package hdwallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hdwallet/chain"
)

func TestUpdateUTXOsIngest(t *testing.T) {
	st := testStore(t)
	w := testWallet(t, st, nil, "w")
	key, err := w.NewKey(NewKeyOptions{})
	require.NoError(t, err)

	utxo := chain.UTXO{
		TxHash:        "9df91f89a3eb4259ce04af66ad4caf3c9a297feea5e0b3bc506898b6728c5003",
		OutputN:       0,
		Value:         8970937,
		Confirmations: 10,
		Address:       key.Address(),
	}
	count, err := w.UpdateUTXOs(UpdateUTXOOptions{UTXOs: []chain.UTXO{utxo}})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Balance lands on the key and on the wallet's network total.
	refreshed, err := w.Key(key.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(8970937), refreshed.Balance())
	assert.True(t, refreshed.Used())
	assert.Equal(t, int64(8970937), w.Balance("bitcoin"))

	// Ingesting the same output again adds nothing.
	count, err = w.UpdateUTXOs(UpdateUTXOOptions{UTXOs: []chain.UTXO{utxo}})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	utxos, err := w.UTXOs(BalanceOptions{})
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, utxo.TxHash, utxos[0].TxHash)
}

func TestUpdateUTXOsSpentReconciliation(t *testing.T) {
	st := testStore(t)
	w := testWallet(t, st, nil, "w")
	key, err := w.NewKey(NewKeyOptions{})
	require.NoError(t, err)

	utxo := chain.UTXO{
		TxHash: "11aa", OutputN: 0, Value: 5000, Confirmations: 2, Address: key.Address(),
	}
	_, err = w.UpdateUTXOs(UpdateUTXOOptions{UTXOs: []chain.UTXO{utxo}})
	require.NoError(t, err)

	// The provider stops listing the output: it must flip to spent and the
	// balance must drop to zero.
	_, err = w.UpdateUTXOs(UpdateUTXOOptions{UTXOs: []chain.UTXO{}})
	require.NoError(t, err)

	utxos, err := w.UTXOs(BalanceOptions{})
	require.NoError(t, err)
	assert.Empty(t, utxos)
	refreshed, err := w.Key(key.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(0), refreshed.Balance())

	// Spent never transitions back even if the provider re-lists it.
	_, err = w.UpdateUTXOs(UpdateUTXOOptions{UTXOs: []chain.UTXO{utxo}})
	require.NoError(t, err)
	out, err := st.OutputByOutpoint(w.ID(), "11aa", 0)
	require.NoError(t, err)
	assert.True(t, out.Spent, "spent flag must be monotonic")
}

func TestUpdateUTXOsFromService(t *testing.T) {
	st := testStore(t)
	svc := &fakeService{}
	w := testWallet(t, st, svc, "w")
	key, err := w.NewKey(NewKeyOptions{})
	require.NoError(t, err)
	svc.utxos = []chain.UTXO{{
		TxHash: "22bb", OutputN: 1, Value: 70000, Confirmations: 4, Address: key.Address(),
	}}

	count, err := w.UpdateUTXOs(UpdateUTXOOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(70000), w.Balance(""))
}

func TestUpdateUTXOsNoService(t *testing.T) {
	st := testStore(t)
	w := testWallet(t, st, nil, "w")
	_, err := w.NewKey(NewKeyOptions{})
	require.NoError(t, err)

	_, err = w.UpdateUTXOs(UpdateUTXOOptions{})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

// Wallet balance equals the sum of key balances, which equals the sum of
// unspent output values.
func TestBalanceAggregation(t *testing.T) {
	st := testStore(t)
	w := testWallet(t, st, nil, "w")
	keys, err := w.GetKeys(GetKeyOptions{NumberOfKeys: 3})
	require.NoError(t, err)

	_, err = w.UpdateUTXOs(UpdateUTXOOptions{UTXOs: []chain.UTXO{
		{TxHash: "aa01", OutputN: 0, Value: 1000, Confirmations: 1, Address: keys[0].Address()},
		{TxHash: "aa02", OutputN: 0, Value: 2000, Confirmations: 1, Address: keys[1].Address()},
		{TxHash: "aa03", OutputN: 1, Value: 4000, Confirmations: 1, Address: keys[2].Address()},
	}})
	require.NoError(t, err)

	var keyTotal int64
	all, err := w.Keys(nil)
	require.NoError(t, err)
	for _, k := range all {
		keyTotal += k.Balance()
	}
	assert.Equal(t, int64(7000), keyTotal)
	assert.Equal(t, int64(7000), w.Balance(""))

	utxos, err := w.UTXOs(BalanceOptions{})
	require.NoError(t, err)
	var utxoTotal int64
	for _, u := range utxos {
		utxoTotal += u.Value
	}
	assert.Equal(t, keyTotal, utxoTotal)
}

func TestBalanceMinConfirms(t *testing.T) {
	st := testStore(t)
	w := testWallet(t, st, nil, "w")
	key, err := w.NewKey(NewKeyOptions{})
	require.NoError(t, err)

	_, err = w.UpdateUTXOs(UpdateUTXOOptions{UTXOs: []chain.UTXO{{
		TxHash: "bb01", OutputN: 0, Value: 9000, Confirmations: 0, Address: key.Address(),
	}}})
	require.NoError(t, err)

	// With min_confirms=1 the unconfirmed output is excluded.
	balance, err := w.UpdateBalances(BalanceOptions{MinConfirms: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	balance, err = w.UpdateBalances(BalanceOptions{MinConfirms: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(9000), balance)
}

func TestUpdateTransactionsSynthesizesSpent(t *testing.T) {
	st := testStore(t)
	svc := &fakeService{}
	w := testWallet(t, st, svc, "w")
	key, err := w.NewKey(NewKeyOptions{})
	require.NoError(t, err)

	// The provider reports a funding transaction and a later transaction
	// spending its output, without per-output spent flags.
	svc.txs = []chain.TxRecord{
		{
			Hash: "fund01", Confirmations: 6,
			Outputs: []chain.TxOutputRecord{
				{OutputN: 0, Address: key.Address(), Value: 50000},
			},
		},
		{
			Hash: "spend01", Confirmations: 2,
			Inputs: []chain.TxInputRecord{
				{PrevHash: "fund01", InputN: 0, Address: key.Address(), Value: 50000},
			},
		},
	}
	require.NoError(t, w.UpdateTransactions(UpdateUTXOOptions{}))

	out, err := st.OutputByOutpoint(w.ID(), "fund01", 0)
	require.NoError(t, err)
	assert.True(t, out.Spent, "spend should be synthesized from stored inputs")
}

func TestScan(t *testing.T) {
	st := testStore(t)
	svc := &fakeService{}
	w := testWallet(t, st, svc, "w")

	// Fund the address the 4th payment key will have; scan must walk past
	// the three empty keys, find it, and keep scanning until dry.
	leaf, err := seedKey(t, testSeedHex).SubkeyForPath("m/44'/0'/0'/0/3")
	require.NoError(t, err)
	addr, err := leaf.Address()
	require.NoError(t, err)
	svc.utxos = []chain.UTXO{{
		TxHash: "cc01", OutputN: 0, Value: 1234, Confirmations: 9, Address: addr,
	}}

	require.NoError(t, w.Scan(5))

	found, err := w.Key(addr)
	require.NoError(t, err)
	assert.Equal(t, "m/44'/0'/0'/0/3", found.Path())
	assert.Equal(t, int64(1234), found.Balance())
}
