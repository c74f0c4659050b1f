package hdwallet

import (
	"path/filepath"

	"github.com/opd-ai/hdwallet/chain"
	"github.com/opd-ai/hdwallet/networks"
	"github.com/opd-ai/hdwallet/store"
)

// SessionConfig configures ConstructSession.
type SessionConfig struct {
	// DataDir holds the wallet database. Default "./walletdata".
	DataDir string
	// Network name, default bitcoin.
	Network string
	// RPC connects a blockchain provider. Leave the host empty to run
	// offline; operations that need the chain then return
	// ErrServiceUnavailable.
	RPC chain.RPCConfig
}

// Session bundles the scoped resources of a wallet session: the store
// handle acquired on open, and the optional chain service. Close releases
// both; callers should defer it on every path.
type Session struct {
	Store   *store.Store
	Service chain.Service
	network *networks.Network
}

// ConstructSession opens the wallet database and, when an RPC host is
// configured, connects the blockchain provider.
func ConstructSession(cfg SessionConfig) (*Session, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./walletdata"
	}
	networkName := cfg.Network
	if networkName == "" {
		networkName = "bitcoin"
	}
	network, err := networks.ByName(networkName)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{Path: filepath.Join(dataDir, "wallets.db")})
	if err != nil {
		return nil, err
	}

	var svc chain.Service
	if cfg.RPC.Host != "" {
		rpc, err := chain.NewRPCService(network, cfg.RPC)
		if err != nil {
			st.Close()
			return nil, err
		}
		svc = rpc
	}
	return &Session{Store: st, Service: svc, network: network}, nil
}

// Network returns the session's network.
func (s *Session) Network() *networks.Network { return s.network }

// OpenWallet opens the named wallet, creating a bip44 wallet with a fresh
// master key when it does not exist yet.
func (s *Session) OpenWallet(name string) (*Wallet, error) {
	return WalletCreateOrOpen(s.Store, s.Service, name, CreateOptions{
		Network: s.network.Name,
	})
}

// Close releases the session's store connection and shuts down the chain
// service.
func (s *Session) Close() error {
	if rpc, ok := s.Service.(*chain.RPCService); ok {
		rpc.Close()
	}
	return s.Store.Close()
}
