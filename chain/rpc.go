package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hdwallet/networks"
)

// RPCConfig configures the node-backed provider.
type RPCConfig struct {
	// Host is the node address, host:port. Leave empty to use localhost
	// on port 18332 for testnet and 8332 for every other network.
	Host string
	// User and Pass are the RPC credentials.
	User string
	Pass string
	// DisableTLS uses plain HTTP POST mode.
	DisableTLS bool
	// RequestsPerSecond caps outgoing provider calls. Public endpoints
	// rate-limit aggressively; default is 5.
	RequestsPerSecond uint64
}

// RPCService implements Service over a Bitcoin node's JSON-RPC interface.
// The node must run with an address index (txindex/addrindex) for address
// queries to work.
type RPCService struct {
	client  *rpcclient.Client
	network *networks.Network
	limiter limiter.Store
	log     *logrus.Entry
}

// NewRPCService connects to the configured node.
func NewRPCService(network *networks.Network, cfg RPCConfig) (*RPCService, error) {
	host := cfg.Host
	if host == "" {
		port := "8332"
		if network.Name == "testnet" {
			port = "18332"
		}
		host = "localhost:" + port
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrServiceUnavailable, host, err)
	}

	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 5
	}
	lim, err := memorystore.New(&memorystore.Config{
		Tokens:   rps,
		Interval: time.Second,
	})
	if err != nil {
		return nil, err
	}

	return &RPCService{
		client:  client,
		network: network,
		limiter: lim,
		log:     logrus.WithField("component", "chain").WithField("network", network.Name),
	}, nil
}

// Close shuts down the RPC client.
func (s *RPCService) Close() {
	s.client.Shutdown()
}

func (s *RPCService) throttle() {
	for {
		_, _, reset, ok, err := s.limiter.Take(context.Background(), "rpc")
		if err != nil || ok {
			return
		}
		wait := time.Until(time.Unix(0, int64(reset)))
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

func (s *RPCService) decodeAddresses(addresses []string) ([]btcutil.Address, error) {
	decoded := make([]btcutil.Address, 0, len(addresses))
	for _, addr := range addresses {
		a, err := btcutil.DecodeAddress(addr, s.network.Params)
		if err != nil {
			return nil, fmt.Errorf("decode address %s: %w", addr, err)
		}
		decoded = append(decoded, a)
	}
	return decoded, nil
}

// GetUTXOs implements Service.
func (s *RPCService) GetUTXOs(addresses []string) ([]UTXO, error) {
	decoded, err := s.decodeAddresses(addresses)
	if err != nil {
		return nil, err
	}
	s.throttle()
	results, err := s.client.ListUnspentMinMaxAddresses(0, 9999999, decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: listunspent: %v", ErrServiceUnavailable, err)
	}
	utxos := make([]UTXO, 0, len(results))
	for _, r := range results {
		utxos = append(utxos, UTXO{
			TxHash:        r.TxID,
			OutputN:       int(r.Vout),
			Value:         int64(r.Amount * 1e8),
			Script:        r.ScriptPubKey,
			Confirmations: int(r.Confirmations),
			Address:       r.Address,
		})
	}
	s.log.WithField("utxos", len(utxos)).Debug("fetched unspent outputs")
	return utxos, nil
}

// GetTransactions implements Service.
func (s *RPCService) GetTransactions(addresses []string) ([]TxRecord, error) {
	decoded, err := s.decodeAddresses(addresses)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var records []TxRecord
	for _, addr := range decoded {
		s.throttle()
		results, err := s.client.SearchRawTransactionsVerbose(
			addr, 0, 100, true, false, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: searchrawtransactions: %v", ErrServiceUnavailable, err)
		}
		for _, r := range results {
			if seen[r.Txid] {
				continue
			}
			seen[r.Txid] = true
			records = append(records, convertVerboseTx(r))
		}
	}
	return records, nil
}

func convertVerboseTx(r *btcjson.SearchRawTransactionsResult) TxRecord {
	rec := TxRecord{
		Hash:          r.Txid,
		Confirmations: int(r.Confirmations),
	}
	for n, vin := range r.Vin {
		in := TxInputRecord{PrevHash: vin.Txid, InputN: n}
		if vin.PrevOut != nil {
			if len(vin.PrevOut.Addresses) > 0 {
				in.Address = vin.PrevOut.Addresses[0]
			}
			in.Value = int64(vin.PrevOut.Value * 1e8)
		}
		rec.Inputs = append(rec.Inputs, in)
	}
	for _, vout := range r.Vout {
		out := TxOutputRecord{
			OutputN: int(vout.N),
			Value:   int64(vout.Value * 1e8),
			Script:  vout.ScriptPubKey.Hex,
		}
		if len(vout.ScriptPubKey.Addresses) > 0 {
			out.Address = vout.ScriptPubKey.Addresses[0]
		}
		rec.Outputs = append(rec.Outputs, out)
	}
	return rec
}

// EstimateFee implements Service. The node's smart fee estimate for a
// 2-block target is converted to satoshi per kilobyte.
func (s *RPCService) EstimateFee() (int64, error) {
	s.throttle()
	mode := btcjson.EstimateModeConservative
	res, err := s.client.EstimateSmartFee(2, &mode)
	if err != nil {
		return 0, fmt.Errorf("%w: estimatesmartfee: %v", ErrServiceUnavailable, err)
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return 0, fmt.Errorf("%w: no fee estimate available", ErrServiceUnavailable)
	}
	return int64(*res.FeeRate * 1e8), nil
}

// GetBalance implements Service by summing unspent outputs.
func (s *RPCService) GetBalance(addresses []string) (int64, error) {
	utxos, err := s.GetUTXOs(addresses)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// SendRawTransaction implements Service.
func (s *RPCService) SendRawTransaction(rawHex string) (string, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", fmt.Errorf("decode raw transaction: %w", err)
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("deserialize raw transaction: %w", err)
	}
	s.throttle()
	hash, err := s.client.SendRawTransaction(&msg, false)
	if err != nil {
		return "", fmt.Errorf("%w: sendrawtransaction: %v", ErrServiceUnavailable, err)
	}
	s.log.WithField("txid", hash.String()).Info("transaction submitted")
	return hash.String(), nil
}
