package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"gigledger/internal/custody"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is a uniqueness violation: a second wallet for a user, a
	// second active escrow for an order, a reused confirmed signature.
	ErrConflict = errors.New("record conflict")
	// ErrStaleStatus means a compare-and-swap found a different status than expected.
	ErrStaleStatus = errors.New("status changed concurrently")
	// ErrInvalidTransition is an update the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Settlement closes a pending transaction record. An empty Signature keeps
// the one recorded at broadcast.
type Settlement struct {
	TransactionID string
	Status        custody.TransactionStatus
	Signature     string
	FailureReason string
	At            time.Time
}

// EscrowMove is a status compare-and-swap on the active escrow of an order.
type EscrowMove struct {
	OrderID   string
	From      custody.EscrowStatus
	To        custody.EscrowStatus
	Signature string
	At        time.Time
}

// AssetFilter selects assets. Zero fields do not filter.
type AssetFilter struct {
	Status            custody.AssetStatus
	UpdatedSince      time.Time
	MintingBefore     time.Time
	NeedsVerification bool
	Limit             int
}

// Store persists wallets, escrows, transactions, assets and staged metadata.
// Every multi-row write is atomic.
type Store interface {
	CreateWallet(ctx context.Context, w custody.Wallet) error
	// GetWallet returns the wallet with its escrow accounts and transactions embedded.
	GetWallet(ctx context.Context, userID string) (custody.Wallet, error)
	SyncWalletBalance(ctx context.Context, userID string, balance decimal.Decimal, at time.Time) error
	SetWalletStatus(ctx context.Context, userID string, status custody.WalletStatus) error

	// ActiveEscrow returns the pending or locked escrow of an order.
	ActiveEscrow(ctx context.Context, orderID string) (custody.EscrowAccount, error)
	ListEscrows(ctx context.Context, orderID string) ([]custody.EscrowAccount, error)

	AppendTransaction(ctx context.Context, tx custody.Transaction) error
	// RecordSignature attaches the ledger signature to a pending transaction.
	RecordSignature(ctx context.Context, txID, sig string) error
	SettleTransaction(ctx context.Context, s Settlement) error
	ListTransactions(ctx context.Context, orderID string) ([]custody.Transaction, error)
	// ListPendingTransactions returns pending transactions created before t, oldest first.
	ListPendingTransactions(ctx context.Context, before time.Time) ([]custody.Transaction, error)

	// CommitLock stores a locked escrow and confirms its lock transaction.
	CommitLock(ctx context.Context, esc custody.EscrowAccount, s Settlement) error
	// CommitEscrowMove swaps the escrow status and confirms the settling
	// transaction. ErrStaleStatus leaves both untouched.
	CommitEscrowMove(ctx context.Context, m EscrowMove, s Settlement) error

	CreateAsset(ctx context.Context, a custody.MintableAsset) error
	GetAsset(ctx context.Context, id string) (custody.MintableAsset, error)
	// UpdateAsset writes a only when the stored status still equals expected.
	UpdateAsset(ctx context.Context, a custody.MintableAsset, expected custody.AssetStatus) error
	ListAssets(ctx context.Context, f AssetFilter) ([]custody.MintableAsset, error)
	CountAssets(ctx context.Context, status custody.AssetStatus, since time.Time) (int, error)

	PutMetadata(ctx context.Context, hash string, doc []byte) error
	GetMetadata(ctx context.Context, hash string) ([]byte, error)
}

func checkSettlement(current custody.TransactionStatus, s Settlement) error {
	if !custody.CanSettle(current, s.Status) {
		return ErrInvalidTransition
	}
	if s.Status == custody.TxConfirmed && s.Signature == "" {
		return errors.New("confirmed transaction needs a signature")
	}
	return nil
}
