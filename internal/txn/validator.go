package txn

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"gigledger/internal/ledger"
)

// MaxPayloadSize is the protocol ceiling for a serialized, signed transaction.
const MaxPayloadSize = 1232

// Validator runs the checks a transaction must pass before anything is sent.
// It has no side effects.
type Validator struct {
	client     ledger.Client
	feeCeiling *big.Int
}

// NewValidator builds a validator rejecting fees above feeCeiling base units.
func NewValidator(client ledger.Client, feeCeiling *big.Int) *Validator {
	return &Validator{client: client, feeCeiling: new(big.Int).Set(feeCeiling)}
}

// FeeCeiling returns the configured ceiling in base units.
func (v *Validator) FeeCeiling() *big.Int {
	return new(big.Int).Set(v.feeCeiling)
}

// Validate checks signer integrity and the serialized size of tx.
// The ledger carries exactly one sender signature per transaction, so signers
// must hold a single entry; a list of several signers is rejected rather than
// partially applied.
func (v *Validator) Validate(tx *Transaction, signers []Signer) error {
	if err := validateSigners(signers); err != nil {
		return err
	}
	size, err := EncodedSize(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	return checkSize(size)
}

// ValidateSigned checks the exact wire size of a signed transaction.
func (v *Validator) ValidateSigned(signed *types.Transaction) error {
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	return checkSize(len(raw))
}

func checkSize(size int) error {
	if size > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, size, MaxPayloadSize)
	}
	return nil
}

// ValidateFee asks the ledger for the fee of tx and rejects it above the ceiling.
func (v *Validator) ValidateFee(ctx context.Context, tx *Transaction) (ledger.Fee, error) {
	fee, err := v.client.EstimateFee(ctx, tx.Message())
	if err != nil {
		return ledger.Fee{}, err
	}
	if fee.Total.Cmp(v.feeCeiling) > 0 {
		return fee, fmt.Errorf("%w: %s exceeds ceiling %s",
			ErrFeeTooHigh, ledger.FromBaseUnits(fee.Total), ledger.FromBaseUnits(v.feeCeiling))
	}
	return fee, nil
}

func validateSigners(signers []Signer) error {
	if len(signers) == 0 {
		return fmt.Errorf("%w: no signers", ErrInvalidSigners)
	}
	// One sender signature per transaction on this ledger.
	if len(signers) > 1 {
		return fmt.Errorf("%w: %d signers, ledger accepts one", ErrInvalidSigners, len(signers))
	}
	for i, s := range signers {
		if s.Key == nil || s.Address == (common.Address{}) {
			return fmt.Errorf("%w: signer %d lacks a key component", ErrInvalidSigners, i)
		}
		if crypto.PubkeyToAddress(s.Key.PublicKey) != s.Address {
			return fmt.Errorf("%w: signer %d address does not match its key", ErrInvalidSigners, i)
		}
	}
	return nil
}
