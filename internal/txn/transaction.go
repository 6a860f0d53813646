package txn

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"gigledger/internal/ledger"
)

// Transaction is an unsigned ledger call. FeePayer and Blockhash are attached
// by the Submitter immediately before signing.
type Transaction struct {
	To    common.Address
	Value *big.Int
	Data  []byte

	FeePayer  common.Address
	Blockhash ledger.Blockhash

	// OnSigned runs once the signature is known and before the first
	// broadcast. An error aborts the submission with nothing sent.
	OnSigned func(ctx context.Context, sig string) error
}

// Message is the call the ledger would execute for tx.
func (t *Transaction) Message() ethereum.CallMsg {
	to := t.To
	return ethereum.CallMsg{
		From:  t.FeePayer,
		To:    &to,
		Value: t.value(),
		Data:  t.Data,
	}
}

func (t *Transaction) value() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return t.Value
}

// EncodedSize is a lower bound of the signed wire size of tx: the fields the
// submitter fills in later are sized at their smallest. The exact size is
// checked again after signing.
func EncodedSize(tx *Transaction) (int, error) {
	to := tx.To
	envelope := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int),
		GasTipCap: new(big.Int),
		GasFeeCap: new(big.Int),
		To:        &to,
		Value:     tx.value(),
		Data:      tx.Data,
		V:         new(big.Int),
		R:         new(big.Int),
		S:         new(big.Int),
	})
	raw, err := envelope.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// Signer holds both halves of a key pair.
type Signer struct {
	Address common.Address
	Key     *ecdsa.PrivateKey
}

// NewSigner parses a hex-encoded private key.
func NewSigner(hexKey string) (Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return Signer{}, fmt.Errorf("parse private key: %w", err)
	}
	return Signer{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}, nil
}
