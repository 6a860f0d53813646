package custody

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletSuspended WalletStatus = "suspended"
	WalletDeleted   WalletStatus = "deleted"
)

func (s WalletStatus) Valid() bool {
	switch s {
	case WalletActive, WalletSuspended, WalletDeleted:
		return true
	}
	return false
}

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Active escrows block a second escrow for the same order.
func (s EscrowStatus) Active() bool {
	return s == EscrowPending || s == EscrowLocked
}

// CanTransition reports whether an escrow may move from one status to another.
// released and refunded are terminal and exclusive.
func CanTransition(from, to EscrowStatus) bool {
	switch from {
	case EscrowPending:
		return to == EscrowLocked
	case EscrowLocked:
		return to == EscrowReleased || to == EscrowRefunded
	}
	return false
}

type TransactionKind string

const (
	KindDeposit       TransactionKind = "deposit"
	KindWithdrawal    TransactionKind = "withdrawal"
	KindEscrowLock    TransactionKind = "escrow_lock"
	KindEscrowRelease TransactionKind = "escrow_release"
	KindEscrowRefund  TransactionKind = "escrow_refund"
	KindPayment       TransactionKind = "payment"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

// CanSettle reports whether a transaction record may move from one status to another.
func CanSettle(from, to TransactionStatus) bool {
	return from == TxPending && (to == TxConfirmed || to == TxFailed)
}

// Wallet is a user's custody account. Balance is a cache of the ledger balance.
type Wallet struct {
	UserID         string          `json:"userId"`
	Address        string          `json:"address"`
	Balance        decimal.Decimal `json:"balance"`
	Status         WalletStatus    `json:"status"`
	LastSyncedAt   *time.Time      `json:"lastSyncedAt,omitempty"`
	EscrowAccounts []EscrowAccount `json:"escrowAccounts"`
	Transactions   []Transaction   `json:"transactions"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// EscrowAccount holds the funds of one order. It is never deleted; a settled
// escrow stays in released or refunded.
type EscrowAccount struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	OrderID         string          `json:"orderId"`
	EscrowAddress   string          `json:"escrowAddress"`
	Amount          decimal.Decimal `json:"amount"`
	Status          EscrowStatus    `json:"status"`
	LockSignature   string          `json:"lockSignature,omitempty"`
	SettleSignature string          `json:"settleSignature,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Transaction is an append-only record of one money movement.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Kind          TransactionKind   `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	Status        TransactionStatus `json:"status"`
	Signature     string            `json:"signature,omitempty"`
	OrderID       string            `json:"orderId,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	SettledAt     *time.Time        `json:"settledAt,omitempty"`
}

type AssetStatus string

const (
	AssetPending AssetStatus = "pending"
	AssetMinting AssetStatus = "minting"
	AssetMinted  AssetStatus = "minted"
	AssetFailed  AssetStatus = "failed"
)

type AssetKind string

const (
	ReviewBadgeKind      AssetKind = "review_badge"
	AchievementBadgeKind AssetKind = "achievement_badge"
)

// CollectionMembership binds a minted asset to a collection.
type CollectionMembership struct {
	Address        string     `json:"address"`
	Verified       bool       `json:"verified"`
	VerifyAttempts int        `json:"verifyAttempts"`
	VerifiedAt     *time.Time `json:"verifiedAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

// Transfer is one ownership change of a minted asset.
type Transfer struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Signature string    `json:"signature"`
	At        time.Time `json:"at"`
}

// MintableAsset is a badge moving through the minting pipeline. A failed asset
// is never minted again; a retry is a new record pointing at it through RetryOf.
type MintableAsset struct {
	ID               string                `json:"id"`
	OwnerID          string                `json:"ownerId"`
	OwnerAddress     string                `json:"ownerAddress"`
	ReviewID         string                `json:"reviewId,omitempty"`
	Kind             AssetKind             `json:"kind"`
	Metadata         Metadata              `json:"metadata"`
	MetadataURI      string                `json:"metadataUri,omitempty"`
	Status           AssetStatus           `json:"status"`
	MintAddress      string                `json:"mintAddress,omitempty"`
	TokenID          string                `json:"tokenId,omitempty"`
	MintSignature    string                `json:"mintSignature,omitempty"`
	PendingSignature string                `json:"pendingSignature,omitempty"`
	Collection       *CollectionMembership `json:"collection,omitempty"`
	LastError        string                `json:"lastError,omitempty"`
	Attempt          int                   `json:"attempt"`
	RetryOf          string                `json:"retryOf,omitempty"`
	Transfers        []Transfer            `json:"transfers"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
	MintingStartedAt *time.Time            `json:"mintingStartedAt,omitempty"`
}

var ErrMintAddressState = errors.New("mint address must be set exactly when minted")

// Validate checks the record invariants every store write must hold.
func (a *MintableAsset) Validate() error {
	if (a.MintAddress != "") != (a.Status == AssetMinted) {
		return ErrMintAddressState
	}
	return nil
}

// NeedsVerification reports whether a minted asset still awaits collection verification.
func (a *MintableAsset) NeedsVerification() bool {
	return a.Status == AssetMinted && a.Collection != nil && !a.Collection.Verified
}
