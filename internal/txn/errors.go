package txn

import (
	"errors"
	"fmt"
)

var (
	// Validation errors are caller-correctable and never retried automatically.
	ErrInvalidSigners   = errors.New("invalid signers")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrFeeTooHigh       = errors.New("fee too high")
	ErrValidationFailed = errors.New("transaction validation failed")

	ErrSubmissionFailed   = errors.New("transaction submission failed")
	ErrConfirmationFailed = errors.New("transaction confirmation failed")
	ErrOnChain            = errors.New("transaction rejected on chain")
)

// OnChainError is a simulation or execution rejection. Reason is the ledger's
// message, kept verbatim.
type OnChainError struct {
	Signature string
	Reason    string
}

func (e *OnChainError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("%s: %s", ErrOnChain, e.Reason)
	}
	return fmt.Sprintf("%s: %s (signature %s)", ErrOnChain, e.Reason, e.Signature)
}

func (e *OnChainError) Is(target error) bool {
	return target == ErrOnChain
}

// ConfirmationError is returned when a sent transaction could not be confirmed.
// Expired means the blockhash window closed and another transaction now holds
// its nonce, so it can never land. Otherwise the outcome is unknown and the
// signature must be reconciled later.
type ConfirmationError struct {
	Signature string
	Expired   bool
	Err       error
}

func (e *ConfirmationError) Error() string {
	if e.Expired {
		return fmt.Sprintf("%s: signature %s expired", ErrConfirmationFailed, e.Signature)
	}
	return fmt.Sprintf("%s: signature %s: %v", ErrConfirmationFailed, e.Signature, e.Err)
}

func (e *ConfirmationError) Is(target error) bool {
	return target == ErrConfirmationFailed
}

func (e *ConfirmationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err means the caller's input was invalid.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}

// IsLedgerRejection reports whether the network or the ledger refused the transaction.
func IsLedgerRejection(err error) bool {
	return errors.Is(err, ErrOnChain) || errors.Is(err, ErrSubmissionFailed)
}

// SignatureOf returns the ledger signature carried by err, if any.
func SignatureOf(err error) string {
	var onChain *OnChainError
	if errors.As(err, &onChain) {
		return onChain.Signature
	}
	var confirm *ConfirmationError
	if errors.As(err, &confirm) {
		return confirm.Signature
	}
	return ""
}

// Reason returns the ledger's rejection reason, or the error text.
func Reason(err error) string {
	var onChain *OnChainError
	if errors.As(err, &onChain) {
		return onChain.Reason
	}
	return err.Error()
}
