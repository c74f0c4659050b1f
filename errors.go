package hdwallet

import (
	"errors"

	"github.com/opd-ai/hdwallet/chain"
	"github.com/opd-ai/hdwallet/keychain"
	"github.com/opd-ai/hdwallet/store"
	"github.com/opd-ai/hdwallet/txbuilder"
)

// Error kinds surfaced by the wallet engine. Callers discriminate with
// errors.Is; operations wrap these with context.
var (
	// ErrDuplicateName is returned when a wallet name is already taken.
	ErrDuplicateName = errors.New("wallet name already exists")
	// ErrDuplicateAccount is returned when an account id already exists
	// for the network.
	ErrDuplicateAccount = errors.New("account already exists")
	// ErrNotFound is returned when a wallet, key or output is missing.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidPath is returned for malformed derivation paths.
	ErrInvalidPath = keychain.ErrInvalidPath
	// ErrDepthMismatch is returned when an imported key's BIP32 depth does
	// not match its declared path.
	ErrDepthMismatch = errors.New("key depth does not match path length")
	// ErrUnsupportedScheme is returned for operations invalid on the
	// wallet's key scheme.
	ErrUnsupportedScheme = errors.New("operation not supported for wallet scheme")
	// ErrNetworkMismatch is returned when keys or wallets on different
	// networks are combined.
	ErrNetworkMismatch = errors.New("network mismatch")
	// ErrKeyMismatch is returned when a derived input address differs from
	// the stored key's address.
	ErrKeyMismatch = errors.New("input address does not match key address")
	// ErrNonEmptyWallet is returned when deleting a wallet that still
	// holds unspent outputs without force.
	ErrNonEmptyWallet = errors.New("wallet still has unspent outputs")
	// ErrInsufficientFunds is returned when input selection cannot cover
	// the requested amount plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnknownUTXO is returned when an externally supplied input is not
	// in the store.
	ErrUnknownUTXO = errors.New("unspent output not found in wallet")
	// ErrServiceUnavailable is returned when no blockchain provider could
	// answer.
	ErrServiceUnavailable = chain.ErrServiceUnavailable
	// ErrSignatureIncomplete is returned when signing leaves an input
	// without enough signatures.
	ErrSignatureIncomplete = txbuilder.ErrSignatureIncomplete
	// ErrVerifyFailed is returned when a composed transaction fails script
	// verification.
	ErrVerifyFailed = txbuilder.ErrVerifyFailed
)
