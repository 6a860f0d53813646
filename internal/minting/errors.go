package minting

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid mint input")
	ErrNotFound     = errors.New("asset not found")
	// ErrStagingFailed means the metadata document could not be published. The
	// asset stays pending and can be resumed.
	ErrStagingFailed = errors.New("metadata staging failed")
	// ErrMintInProgress is returned while a mint's ledger outcome is unknown.
	ErrMintInProgress = errors.New("mint in progress")
	ErrNotRetryable   = errors.New("only failed assets can be retried")
	ErrAlreadyRetried = errors.New("asset already retried")
	ErrNotVerifiable  = errors.New("asset has no collection to verify")
	ErrMintFailed     = errors.New("mint failed")
)

// MintError is a mint the ledger did not complete. Reason is the ledger's
// message when it gave one.
type MintError struct {
	Signature string
	Reason    string
	Err       error
}

func (e *MintError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("%s: %s", ErrMintFailed, e.Reason)
	}
	return fmt.Sprintf("%s: %s (signature %s)", ErrMintFailed, e.Reason, e.Signature)
}

func (e *MintError) Is(target error) bool {
	return target == ErrMintFailed
}

func (e *MintError) Unwrap() error {
	return e.Err
}
