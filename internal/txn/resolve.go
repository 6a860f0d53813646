package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"

	"gigledger/internal/ledger"
)

// Outcome is what became of a transaction sent earlier.
type Outcome int

const (
	// OutcomeUnknown means the transaction may still land.
	OutcomeUnknown Outcome = iota
	// OutcomeLanded means a receipt exists; it may record a revert.
	OutcomeLanded
	// OutcomeDropped means another transaction used the nonce.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLanded:
		return "landed"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Resolve looks up a transaction by signature. A transaction the node no
// longer knows about stays unknown: without its nonce nothing proves it
// cannot land.
func Resolve(ctx context.Context, client ledger.Client, sig string) (Outcome, *types.Receipt, error) {
	hash, err := ledger.ParseSignature(sig)
	if err != nil {
		return OutcomeUnknown, nil, err
	}
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err == nil {
		return OutcomeLanded, receipt, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return OutcomeUnknown, nil, err
	}

	tx, err := client.TransactionByHash(ctx, hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return OutcomeUnknown, nil, nil
	}
	if err != nil {
		return OutcomeUnknown, nil, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return OutcomeUnknown, nil, fmt.Errorf("recover sender of %s: %w", sig, err)
	}
	next, err := client.ConfirmedNonce(ctx, from)
	if err != nil {
		return OutcomeUnknown, nil, err
	}
	if next <= tx.Nonce() {
		return OutcomeUnknown, nil, nil
	}

	// The nonce is spent; read the receipt again in case this was the
	// transaction that spent it.
	receipt, err = client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		return OutcomeLanded, receipt, nil
	case errors.Is(err, ledger.ErrNotFound):
		return OutcomeDropped, nil, nil
	default:
		return OutcomeUnknown, nil, err
	}
}
