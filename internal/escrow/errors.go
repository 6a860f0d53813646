package escrow

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid escrow request")
	ErrOrderNotEligible     = errors.New("order not eligible")
	ErrInsufficientBalance  = errors.New("insufficient wallet balance")
	ErrWalletInactive       = errors.New("wallet not active")
	ErrEscrowExists         = errors.New("order already has an active escrow")
	ErrEscrowNotLocked      = errors.New("escrow is not locked")
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrSignatureMismatch    = errors.New("transaction signature does not match the request")
	ErrConcurrentTransition = errors.New("escrow changed concurrently")
	// ErrOutcomePending means an earlier transaction for the order may still land.
	ErrOutcomePending = errors.New("earlier escrow transaction still pending on the ledger")
)
