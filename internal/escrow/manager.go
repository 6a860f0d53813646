package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gigledger/internal/contracts"
	"gigledger/internal/custody"
	"gigledger/internal/ledger"
	"gigledger/internal/locks"
	"gigledger/internal/metrics"
	"gigledger/internal/orders"
	"gigledger/internal/store"
	"gigledger/internal/txn"
)

// Submitter is the write path to the ledger.
type Submitter interface {
	Submit(ctx context.Context, tx *txn.Transaction, signers []txn.Signer) (txn.Submission, error)
}

type Config struct {
	Contract common.Address
	// LockTTL must outlive a full submission including confirmation.
	LockTTL  time.Duration
	LockWait time.Duration
}

// Manager runs the escrow state machine of each order: pending -> locked ->
// released | refunded. Every transition holds the order's lock from the
// eligibility check until the store commit.
type Manager struct {
	store     store.Store
	orders    orders.Source
	client    ledger.Client
	submitter Submitter
	locker    locks.Locker
	operator  txn.Signer
	cfg       Config
	metrics   *metrics.Registry
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(s store.Store, src orders.Source, client ledger.Client, sub Submitter, locker locks.Locker,
	operator txn.Signer, cfg Config, m *metrics.Registry, logger *slog.Logger) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	return &Manager{
		store:     s,
		orders:    src,
		client:    client,
		submitter: sub,
		locker:    locker,
		operator:  operator,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	OrderID       string
	Amount        decimal.Decimal
	EscrowAddress string
	// TxSignature references a lock the buyer submitted directly. When set the
	// manager verifies it on the ledger instead of submitting one.
	TxSignature string
}

// CreateEscrow locks the order amount and returns the buyer's wallet.
func (m *Manager) CreateEscrow(ctx context.Context, in CreateInput) (custody.Wallet, error) {
	if in.OrderID == "" {
		return custody.Wallet{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return custody.Wallet{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if in.EscrowAddress != "" && (!common.IsHexAddress(in.EscrowAddress) || common.HexToAddress(in.EscrowAddress) != m.cfg.Contract) {
		return custody.Wallet{}, fmt.Errorf("%w: unknown escrow address %s", ErrInvalidInput, in.EscrowAddress)
	}
	value, err := ledger.ToBaseUnits(in.Amount)
	if err != nil {
		return custody.Wallet{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	release, err := m.lockOrder(ctx, in.OrderID)
	if err != nil {
		return custody.Wallet{}, err
	}
	defer release()

	order, err := m.orders.Get(ctx, in.OrderID)
	if err != nil {
		return custody.Wallet{}, m.orderErr(err)
	}
	if order.PaymentStatus != orders.PaymentUnpaid || order.Status == orders.StatusCancelled || order.Status == orders.StatusCompleted {
		return custody.Wallet{}, fmt.Errorf("%w: order %s is %s/%s", ErrOrderNotEligible, order.ID, order.Status, order.PaymentStatus)
	}

	buyer, err := m.store.GetWallet(ctx, order.BuyerID)
	if err != nil {
		return custody.Wallet{}, m.walletErr(err, order.BuyerID)
	}
	if buyer.Status != custody.WalletActive {
		return custody.Wallet{}, fmt.Errorf("%w: buyer wallet is %s", ErrWalletInactive, buyer.Status)
	}
	seller, err := m.store.GetWallet(ctx, order.SellerID)
	if err != nil {
		return custody.Wallet{}, m.walletErr(err, order.SellerID)
	}
	if seller.Status == custody.WalletDeleted {
		return custody.Wallet{}, fmt.Errorf("%w: seller wallet is deleted", ErrWalletInactive)
	}

	if _, err := m.store.ActiveEscrow(ctx, order.ID); err == nil {
		return custody.Wallet{}, ErrEscrowExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return custody.Wallet{}, err
	}

	// A lock from an earlier attempt may have landed after its caller gave up.
	if record, sub, ok, err := m.resumePending(ctx, order.ID, custody.KindEscrowLock); err != nil {
		return custody.Wallet{}, err
	} else if ok {
		persist := context.WithoutCancel(ctx)
		if err := m.commitLock(persist, record, sub.Signature); err != nil {
			return custody.Wallet{}, err
		}
		if in.TxSignature != "" && in.TxSignature != sub.Signature {
			return custody.Wallet{}, fmt.Errorf("%w: order %s was locked by %s", ErrEscrowExists, order.ID, sub.Signature)
		}
		return m.store.GetWallet(persist, buyer.UserID)
	}

	if buyer.Balance.LessThan(in.Amount) {
		return custody.Wallet{}, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance, buyer.Balance, in.Amount)
	}

	buyerAddr, sellerAddr := common.HexToAddress(buyer.Address), common.HexToAddress(seller.Address)
	key := contracts.OrderKey(order.ID)
	data, err := contracts.Escrow.Pack("lock", key, buyerAddr, sellerAddr)
	if err != nil {
		return custody.Wallet{}, fmt.Errorf("pack lock call: %w", err)
	}
	record, err := m.appendPending(ctx, buyer.UserID, order.ID, custody.KindEscrowLock, in.Amount, in.TxSignature)
	if err != nil {
		return custody.Wallet{}, err
	}

	persist := context.WithoutCancel(ctx)
	var sub txn.Submission
	if in.TxSignature != "" {
		sub, err = m.verifyExternal(ctx, in.TxSignature, "lock", value, key, buyerAddr, sellerAddr)
	} else {
		sub, err = m.submitter.Submit(ctx, m.transaction(persist, record, value, data), []txn.Signer{m.operator})
	}
	if err != nil {
		m.settleFailed(persist, record, err)
		return custody.Wallet{}, fmt.Errorf("lock escrow for order %s: %w", order.ID, err)
	}
	if err := m.commitLock(persist, record, sub.Signature); err != nil {
		return custody.Wallet{}, err
	}
	return m.store.GetWallet(persist, buyer.UserID)
}

// commitLock records a lock that landed on the ledger.
func (m *Manager) commitLock(ctx context.Context, record custody.Transaction, sig string) error {
	now := m.now()
	esc := custody.EscrowAccount{
		ID:            uuid.NewString(),
		UserID:        record.UserID,
		OrderID:       record.OrderID,
		EscrowAddress: m.cfg.Contract.Hex(),
		Amount:        record.Amount,
		Status:        custody.EscrowLocked,
		LockSignature: sig,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	confirmed := store.Settlement{TransactionID: record.ID, Status: custody.TxConfirmed, Signature: sig, At: now}
	if err := m.store.CommitLock(ctx, esc, confirmed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if _, activeErr := m.store.ActiveEscrow(ctx, record.OrderID); activeErr != nil {
				// The active escrow is absent, so the conflict is the signature.
				reused := fmt.Errorf("%w: signature %s already recorded", ErrSignatureMismatch, sig)
				m.settleFailed(ctx, record, reused)
				return reused
			}
			m.settleConfirmed(ctx, confirmed)
			return fmt.Errorf("%w: lock %s landed but order %s already has an escrow", ErrConcurrentTransition, sig, record.OrderID)
		}
		return fmt.Errorf("commit escrow lock: %w", err)
	}

	if err := m.orders.SetPaymentStatus(ctx, record.OrderID, orders.PaymentUnpaid, orders.PaymentPaid); err != nil {
		m.logger.Error("mark order paid failed", slog.String("order_id", record.OrderID), slog.Any("error", err))
	}
	m.metrics.IncEscrow(string(custody.EscrowLocked))
	m.logger.Info("escrow locked",
		slog.String("order_id", record.OrderID),
		slog.String("amount", record.Amount.String()),
		slog.String("signature", sig))
	return nil
}

// Release pays a completed order's escrow out to the seller.
func (m *Manager) Release(ctx context.Context, orderID, txSignature string) (custody.Wallet, error) {
	return m.settle(ctx, orderID, txSignature, releaseOp)
}

// Refund returns a cancelled order's escrow to the buyer.
func (m *Manager) Refund(ctx context.Context, orderID, txSignature string) (custody.Wallet, error) {
	return m.settle(ctx, orderID, txSignature, refundOp)
}

type settlement struct {
	method      string
	to          custody.EscrowStatus
	kind        custody.TransactionKind
	orderStatus orders.Status
	payment     orders.PaymentStatus
}

var (
	releaseOp = settlement{
		method:      "release",
		to:          custody.EscrowReleased,
		kind:        custody.KindEscrowRelease,
		orderStatus: orders.StatusCompleted,
		payment:     orders.PaymentReleased,
	}
	refundOp = settlement{
		method:      "refund",
		to:          custody.EscrowRefunded,
		kind:        custody.KindEscrowRefund,
		orderStatus: orders.StatusCancelled,
		payment:     orders.PaymentRefunded,
	}
)

func (m *Manager) settle(ctx context.Context, orderID, txSignature string, op settlement) (custody.Wallet, error) {
	if orderID == "" {
		return custody.Wallet{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	release, err := m.lockOrder(ctx, orderID)
	if err != nil {
		return custody.Wallet{}, err
	}
	defer release()

	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return custody.Wallet{}, m.orderErr(err)
	}
	if order.Status != op.orderStatus {
		return custody.Wallet{}, fmt.Errorf("%w: %s needs order %s, order is %s", ErrOrderNotEligible, op.method, op.orderStatus, order.Status)
	}

	esc, err := m.lockedEscrow(ctx, orderID)
	if err != nil {
		return custody.Wallet{}, err
	}

	if record, sub, ok, err := m.resumePending(ctx, orderID, op.kind); err != nil {
		return custody.Wallet{}, err
	} else if ok {
		persist := context.WithoutCancel(ctx)
		if err := m.commitMove(persist, record, sub.Signature, op); err != nil {
			return custody.Wallet{}, err
		}
		if txSignature != "" && txSignature != sub.Signature {
			return custody.Wallet{}, fmt.Errorf("%w: %s of order %s landed as %s", ErrEscrowNotLocked, op.method, orderID, sub.Signature)
		}
		return m.store.GetWallet(persist, esc.UserID)
	}

	key := contracts.OrderKey(orderID)
	data, err := contracts.Escrow.Pack(op.method, key)
	if err != nil {
		return custody.Wallet{}, fmt.Errorf("pack %s call: %w", op.method, err)
	}
	record, err := m.appendPending(ctx, esc.UserID, orderID, op.kind, esc.Amount, txSignature)
	if err != nil {
		return custody.Wallet{}, err
	}

	persist := context.WithoutCancel(ctx)
	var sub txn.Submission
	if txSignature != "" {
		sub, err = m.verifyExternal(ctx, txSignature, op.method, big.NewInt(0), key)
	} else {
		sub, err = m.submitter.Submit(ctx, m.transaction(persist, record, nil, data), []txn.Signer{m.operator})
	}
	if err != nil {
		m.settleFailed(persist, record, err)
		return custody.Wallet{}, fmt.Errorf("%s escrow for order %s: %w", op.method, orderID, err)
	}
	if err := m.commitMove(persist, record, sub.Signature, op); err != nil {
		return custody.Wallet{}, err
	}
	return m.store.GetWallet(persist, esc.UserID)
}

// commitMove records a release or refund that landed on the ledger.
func (m *Manager) commitMove(ctx context.Context, record custody.Transaction, sig string, op settlement) error {
	now := m.now()
	confirmed := store.Settlement{TransactionID: record.ID, Status: custody.TxConfirmed, Signature: sig, At: now}
	move := store.EscrowMove{OrderID: record.OrderID, From: custody.EscrowLocked, To: op.to, Signature: sig, At: now}
	if err := m.store.CommitEscrowMove(ctx, move, confirmed); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			m.settleConfirmed(ctx, confirmed)
			return fmt.Errorf("%w: %s %s landed but escrow of order %s moved", ErrConcurrentTransition, op.method, sig, record.OrderID)
		}
		return fmt.Errorf("commit escrow %s: %w", op.method, err)
	}

	if err := m.orders.SetPaymentStatus(ctx, record.OrderID, orders.PaymentPaid, op.payment); err != nil {
		m.logger.Error("update order payment status failed",
			slog.String("order_id", record.OrderID), slog.String("payment_status", string(op.payment)), slog.Any("error", err))
	}
	m.metrics.IncEscrow(string(op.to))
	m.logger.Info("escrow settled",
		slog.String("order_id", record.OrderID),
		slog.String("status", string(op.to)),
		slog.String("signature", sig))
	return nil
}

// transaction builds an escrow call whose signature is stored on record
// before it is broadcast.
func (m *Manager) transaction(persist context.Context, record custody.Transaction, value *big.Int, data []byte) *txn.Transaction {
	return &txn.Transaction{
		To:    m.cfg.Contract,
		Value: value,
		Data:  data,
		OnSigned: func(_ context.Context, sig string) error {
			return m.store.RecordSignature(persist, record.ID, sig)
		},
	}
}

func (m *Manager) lockedEscrow(ctx context.Context, orderID string) (custody.EscrowAccount, error) {
	esc, err := m.store.ActiveEscrow(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		history, listErr := m.store.ListEscrows(ctx, orderID)
		if listErr != nil {
			return custody.EscrowAccount{}, listErr
		}
		if len(history) > 0 {
			last := history[len(history)-1]
			return custody.EscrowAccount{}, fmt.Errorf("%w: escrow of order %s is %s", ErrEscrowNotLocked, orderID, last.Status)
		}
		return custody.EscrowAccount{}, fmt.Errorf("%w: order %s", ErrEscrowNotFound, orderID)
	}
	if err != nil {
		return custody.EscrowAccount{}, err
	}
	if esc.Status != custody.EscrowLocked {
		return custody.EscrowAccount{}, fmt.Errorf("%w: escrow of order %s is %s", ErrEscrowNotLocked, orderID, esc.Status)
	}
	return esc, nil
}

func (m *Manager) lockOrder(ctx context.Context, orderID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()
	lease, err := locks.Lock(waitCtx, m.locker, "escrow:"+orderID, m.cfg.LockTTL, 0)
	if errors.Is(err, locks.ErrLocked) {
		return nil, fmt.Errorf("%w: order %s is being processed", ErrConcurrentTransition, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire order lock: %w", err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			m.logger.Warn("release order lock failed", slog.String("order_id", orderID), slog.Any("error", err))
		}
	}, nil
}

func (m *Manager) appendPending(ctx context.Context, userID, orderID string, kind custody.TransactionKind, amount decimal.Decimal, sig string) (custody.Transaction, error) {
	record := custody.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Status:    custody.TxPending,
		Signature: sig,
		OrderID:   orderID,
		CreatedAt: m.now(),
	}
	if err := m.store.AppendTransaction(ctx, record); err != nil {
		return custody.Transaction{}, fmt.Errorf("append %s transaction: %w", kind, err)
	}
	return record, nil
}

// settleFailed closes the pending record of a movement that did not happen.
// When the ledger outcome is unknown the record stays pending with its
// signature for resumePending and the monitor.
func (m *Manager) settleFailed(ctx context.Context, record custody.Transaction, cause error) {
	var confirm *txn.ConfirmationError
	if errors.As(cause, &confirm) && !confirm.Expired {
		m.logger.Warn("escrow transaction outcome unknown",
			slog.String("order_id", record.OrderID),
			slog.String("transaction_id", record.ID),
			slog.String("signature", confirm.Signature),
			slog.Any("error", cause))
		return
	}
	s := store.Settlement{
		TransactionID: record.ID,
		Status:        custody.TxFailed,
		Signature:     txn.SignatureOf(cause),
		FailureReason: txn.Reason(cause),
		At:            m.now(),
	}
	if err := m.store.SettleTransaction(ctx, s); err != nil {
		m.logger.Error("settle failed transaction", slog.String("transaction_id", record.ID), slog.Any("error", err))
	}
}

func (m *Manager) settleConfirmed(ctx context.Context, s store.Settlement) {
	if err := m.store.SettleTransaction(ctx, s); err != nil {
		m.logger.Error("settle confirmed transaction", slog.String("transaction_id", s.TransactionID), slog.Any("error", err))
	}
}

// verifyExternal checks that sig is a successful call of method on the escrow
// contract carrying value, with exactly the expected arguments.
func (m *Manager) verifyExternal(ctx context.Context, sig, method string, value *big.Int, want ...any) (txn.Submission, error) {
	hash, err := ledger.ParseSignature(sig)
	if err != nil {
		return txn.Submission{}, fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}
	tx, err := m.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return txn.Submission{}, fmt.Errorf("%w: %s is unknown to the ledger", ErrSignatureMismatch, sig)
	}
	if err != nil {
		return txn.Submission{}, fmt.Errorf("%w: lookup %s: %w", txn.ErrSubmissionFailed, sig, err)
	}

	if tx.To() == nil || *tx.To() != m.cfg.Contract {
		return txn.Submission{}, fmt.Errorf("%w: %s does not call the escrow contract", ErrSignatureMismatch, sig)
	}
	data := tx.Data()
	if len(data) < 4 {
		return txn.Submission{}, fmt.Errorf("%w: %s has no call data", ErrSignatureMismatch, sig)
	}
	called, err := contracts.Escrow.MethodById(data[:4])
	if err != nil || called.Name != method {
		return txn.Submission{}, fmt.Errorf("%w: %s is not a %s call", ErrSignatureMismatch, sig, method)
	}
	args, err := called.Inputs.Unpack(data[4:])
	if err != nil || len(args) != len(want) {
		return txn.Submission{}, fmt.Errorf("%w: %s has malformed arguments", ErrSignatureMismatch, sig)
	}
	for i, arg := range args {
		if arg != want[i] {
			return txn.Submission{}, fmt.Errorf("%w: %s argument %s is %v, expected %v",
				ErrSignatureMismatch, sig, called.Inputs[i].Name, arg, want[i])
		}
	}
	if tx.Value().Cmp(value) != 0 {
		return txn.Submission{}, fmt.Errorf("%w: %s moves %s, expected %s", ErrSignatureMismatch, sig,
			ledger.FromBaseUnits(tx.Value()), ledger.FromBaseUnits(value))
	}

	outcome, receipt, err := txn.Resolve(ctx, m.client, hash.Hex())
	switch {
	case err != nil:
		return txn.Submission{}, &txn.ConfirmationError{Signature: hash.Hex(), Err: err}
	case outcome == txn.OutcomeUnknown:
		return txn.Submission{}, &txn.ConfirmationError{Signature: hash.Hex(), Err: ledger.ErrNotFound}
	case outcome == txn.OutcomeDropped:
		return txn.Submission{}, &txn.OnChainError{Signature: hash.Hex(), Reason: "replaced before landing"}
	case receipt.Status != types.ReceiptStatusSuccessful:
		return txn.Submission{}, &txn.OnChainError{Signature: hash.Hex(), Reason: "execution reverted"}
	}
	return txn.Submission{Signature: hash.Hex(), Receipt: receipt}, nil
}

func (m *Manager) orderErr(err error) error {
	if errors.Is(err, orders.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrOrderNotEligible, err)
	}
	return err
}

func (m *Manager) walletErr(err error, userID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: user %s has no wallet", ErrWalletInactive, userID)
	}
	return err
}
