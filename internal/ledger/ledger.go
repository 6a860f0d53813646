package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Commitment is the finality level used for ledger reads and writes.
type Commitment string

const (
	// CommitmentConfirmed is used uniformly. Finalized is deliberately not used.
	CommitmentConfirmed Commitment = "confirmed"

	// DefaultValidityWindow is the number of blocks a fetched blockhash stays usable.
	DefaultValidityWindow uint64 = 150
)

var (
	// ErrNotFound is returned when the ledger has no record of a transaction.
	ErrNotFound = errors.New("not found")

	// ErrBlockhashExpired means the block height passed the last valid height of
	// the blockhash a transaction was submitted against.
	ErrBlockhashExpired = errors.New("blockhash expired")
)

// Blockhash anchors a transaction to a recent block.
type Blockhash struct {
	Hash            common.Hash
	Height          uint64
	LastValidHeight uint64
}

// Fee is the ledger's quote for executing a message.
type Fee struct {
	Gas    uint64
	TipCap *big.Int
	FeeCap *big.Int
	Total  *big.Int
}

// RevertError carries the reason a simulation or execution was rejected.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// Client is the thin adapter over the ledger RPC connection.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	BlockHeight(ctx context.Context) (uint64, error)
	// Nonce is the next nonce including pending transactions.
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	// ConfirmedNonce is the next nonce as of the latest block.
	ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error)
	EstimateFee(ctx context.Context, msg ethereum.CallMsg) (Fee, error)
	// Simulate runs msg without committing it; atBlock nil means the latest block.
	Simulate(ctx context.Context, msg ethereum.CallMsg, atBlock *big.Int) error
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// ConfirmTransaction polls until the transaction reaches the confirmed
	// commitment, the height passes lastValidHeight, or ctx is done.
	ConfirmTransaction(ctx context.Context, sig common.Hash, lastValidHeight uint64) (*types.Receipt, error)
	TransactionReceipt(ctx context.Context, sig common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, sig common.Hash) (*types.Transaction, error)
}

// HealthChecker is implemented by clients that can check their connection.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ParseSignature validates and decodes a transaction signature.
func ParseSignature(sig string) (common.Hash, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid signature %q", sig)
	}
	return common.BytesToHash(raw), nil
}
