package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"gigledger/internal/alerts"
	"gigledger/internal/custody"
	"gigledger/internal/escrow"
	"gigledger/internal/ledger"
	"gigledger/internal/locks"
	"gigledger/internal/metrics"
	"gigledger/internal/minting"
	"gigledger/internal/store"
)

// Minter is the part of the minting service the monitor drives.
type Minter interface {
	Reconcile(ctx context.Context, assetID string) (custody.MintableAsset, error)
	VerifyCollection(ctx context.Context, assetID string) (custody.MintableAsset, error)
	CollectionVerified(ctx context.Context, a custody.MintableAsset) (bool, error)
	MarkVerified(ctx context.Context, a custody.MintableAsset) (custody.MintableAsset, error)
}

// Escrows settles escrow transactions left pending by an unknown outcome.
type Escrows interface {
	ReconcileTransaction(ctx context.Context, record custody.Transaction) error
}

type Config struct {
	Interval          time.Duration
	StuckAfter        time.Duration
	FailureWindow     time.Duration
	FailureThreshold  int
	MaxVerifyAttempts int
	// FeeCeiling is in base units.
	FeeCeiling *big.Int
	// FeeAccount is the account whose plain transfer prices the fee check.
	FeeAccount common.Address
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 5 * time.Minute
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Hour
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.MaxVerifyAttempts <= 0 {
		c.MaxVerifyAttempts = 3
	}
}

const cycleKey = "monitor:cycle"

// Monitor periodically reconciles the minting pipeline and pending escrow
// transactions, and raises alerts.
type Monitor struct {
	store   store.Store
	minter  Minter
	escrows Escrows
	client  ledger.Client
	locker  locks.Locker
	sink    alerts.Sink
	cfg     Config
	metrics *metrics.Registry
	logger  *slog.Logger
	now     func() time.Time
}

func New(s store.Store, minter Minter, escrows Escrows, client ledger.Client, locker locks.Locker, sink alerts.Sink,
	cfg Config, m *metrics.Registry, logger *slog.Logger) *Monitor {
	cfg.withDefaults()
	return &Monitor{
		store:   s,
		minter:  minter,
		escrows: escrows,
		client:  client,
		locker:  locker,
		sink:    sink,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run runs a cycle now and then every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := m.RunCycle(ctx); err != nil {
			m.logger.Error("monitor cycle failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle runs every check once when this instance holds the cycle lease.
// A cycle another instance is running is skipped without error.
func (m *Monitor) RunCycle(ctx context.Context) error {
	lease, err := m.locker.TryLock(ctx, cycleKey, m.cfg.Interval)
	if errors.Is(err, locks.ErrLocked) {
		m.logger.Debug("monitor cycle held elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire cycle lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			m.logger.Warn("release cycle lease", slog.Any("error", err))
		}
	}()

	start := time.Now()
	m.check(ctx, "stuck_mints", m.checkStuckMints)
	m.check(ctx, "pending_transactions", m.checkPendingTransactions)
	m.check(ctx, "failure_rate", m.checkFailureRate)
	m.check(ctx, "fees", m.checkFees)
	m.check(ctx, "collections", m.checkCollections)
	m.metrics.ObserveCycle(time.Since(start))
	return nil
}

// check runs one check; its error or panic becomes a monitoring:error alert.
func (m *Monitor) check(ctx context.Context, name string, fn func(context.Context) error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	if err == nil {
		return
	}
	m.logger.Error("monitor check failed", slog.String("check", name), slog.Any("error", err))
	m.emit(ctx, alerts.Alert{
		Event:    alerts.MonitoringError,
		Severity: alerts.SeverityWarning,
		Message:  fmt.Sprintf("monitor check %s failed", name),
		Fields:   map[string]string{"check": name, "error": err.Error()},
	})
}

func (m *Monitor) checkStuckMints(ctx context.Context) error {
	stuck, err := m.store.ListAssets(ctx, store.AssetFilter{
		Status:        custody.AssetMinting,
		MintingBefore: m.now().Add(-m.cfg.StuckAfter),
	})
	if err != nil {
		return fmt.Errorf("list stuck mints: %w", err)
	}
	var errs []error
	for _, a := range stuck {
		m.emit(ctx, alerts.Alert{
			Event:    alerts.MintingDelayed,
			Severity: alerts.SeverityWarning,
			Message:  fmt.Sprintf("asset %s has been minting since %s", a.ID, a.MintingStartedAt.Format(time.RFC3339)),
			Fields:   map[string]string{"asset_id": a.ID, "signature": a.PendingSignature},
		})
		resolved, err := m.minter.Reconcile(ctx, a.ID)
		switch {
		case err == nil:
			m.logger.Info("stuck mint reconciled", slog.String("asset_id", a.ID), slog.String("status", string(resolved.Status)))
		case errors.Is(err, minting.ErrMintFailed):
			m.logger.Warn("stuck mint failed on ledger", slog.String("asset_id", a.ID), slog.Any("error", err))
		case errors.Is(err, minting.ErrMintInProgress):
		default:
			errs = append(errs, fmt.Errorf("reconcile %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) checkPendingTransactions(ctx context.Context) error {
	pending, err := m.store.ListPendingTransactions(ctx, m.now().Add(-m.cfg.StuckAfter))
	if err != nil {
		return fmt.Errorf("list pending transactions: %w", err)
	}
	var errs []error
	for _, tx := range pending {
		switch tx.Kind {
		case custody.KindEscrowLock, custody.KindEscrowRelease, custody.KindEscrowRefund:
		default:
			continue
		}
		err := m.escrows.ReconcileTransaction(ctx, tx)
		switch {
		case err == nil:
			m.logger.Info("pending transaction reconciled", slog.String("transaction_id", tx.ID), slog.String("order_id", tx.OrderID))
			continue
		case errors.Is(err, escrow.ErrOutcomePending), errors.Is(err, escrow.ErrConcurrentTransition):
		default:
			errs = append(errs, fmt.Errorf("reconcile transaction %s: %w", tx.ID, err))
		}
		m.emit(ctx, alerts.Alert{
			Event:    alerts.TransactionDelayed,
			Severity: alerts.SeverityWarning,
			Message:  fmt.Sprintf("%s of order %s pending since %s", tx.Kind, tx.OrderID, tx.CreatedAt.Format(time.RFC3339)),
			Fields:   map[string]string{"transaction_id": tx.ID, "order_id": tx.OrderID, "signature": tx.Signature},
		})
	}
	return errors.Join(errs...)
}

func (m *Monitor) checkFailureRate(ctx context.Context) error {
	failed, err := m.store.CountAssets(ctx, custody.AssetFailed, m.now().Add(-m.cfg.FailureWindow))
	if err != nil {
		return fmt.Errorf("count failed mints: %w", err)
	}
	if failed < m.cfg.FailureThreshold {
		return nil
	}
	m.emit(ctx, alerts.Alert{
		Event:    alerts.MintingHighFailureRate,
		Severity: alerts.SeverityCritical,
		Message:  fmt.Sprintf("%d mints failed in the last %s", failed, m.cfg.FailureWindow),
		Fields:   map[string]string{"failed": strconv.Itoa(failed), "threshold": strconv.Itoa(m.cfg.FailureThreshold)},
	})
	return nil
}

func (m *Monitor) checkFees(ctx context.Context) error {
	if m.cfg.FeeCeiling == nil {
		return nil
	}
	from := m.cfg.FeeAccount
	fee, err := m.client.EstimateFee(ctx, ethereum.CallMsg{From: from, To: &from, Value: big.NewInt(1)})
	if err != nil {
		return fmt.Errorf("estimate fee: %w", err)
	}
	native := ledger.FromBaseUnits(fee.Total)
	m.metrics.SetFeeEstimate(native.InexactFloat64())
	if fee.Total.Cmp(m.cfg.FeeCeiling) <= 0 {
		return nil
	}
	m.emit(ctx, alerts.Alert{
		Event:    alerts.TransactionHighFees,
		Severity: alerts.SeverityWarning,
		Message:  fmt.Sprintf("transfer fee %s exceeds ceiling %s", native, ledger.FromBaseUnits(m.cfg.FeeCeiling)),
		Fields:   map[string]string{"fee": native.String(), "ceiling": ledger.FromBaseUnits(m.cfg.FeeCeiling).String()},
	})
	return nil
}

func (m *Monitor) checkCollections(ctx context.Context) error {
	pending, err := m.store.ListAssets(ctx, store.AssetFilter{NeedsVerification: true})
	if err != nil {
		return fmt.Errorf("list unverified assets: %w", err)
	}

	byCollection := make(map[string][]custody.MintableAsset)
	for _, a := range pending {
		byCollection[a.Collection.Address] = append(byCollection[a.Collection.Address], a)
	}
	collections := make([]string, 0, len(byCollection))
	for c := range byCollection {
		collections = append(collections, c)
	}
	sort.Strings(collections)

	var errs []error
	for _, collection := range collections {
		var exhausted []string
		for _, a := range byCollection[collection] {
			verified, err := m.minter.CollectionVerified(ctx, a)
			if err != nil {
				errs = append(errs, fmt.Errorf("read verification of %s: %w", a.ID, err))
				continue
			}
			if verified {
				if _, err := m.minter.MarkVerified(ctx, a); err != nil {
					errs = append(errs, fmt.Errorf("mark %s verified: %w", a.ID, err))
				} else {
					m.logger.Info("collection verification corrected", slog.String("asset_id", a.ID))
				}
				continue
			}
			if a.Collection.VerifyAttempts < m.cfg.MaxVerifyAttempts {
				updated, err := m.minter.VerifyCollection(ctx, a.ID)
				if err == nil {
					continue
				}
				if updated.Collection != nil {
					a = updated
				}
			}
			if a.Collection.VerifyAttempts >= m.cfg.MaxVerifyAttempts {
				exhausted = append(exhausted, a.ID)
			}
		}
		if len(exhausted) == 0 {
			continue
		}
		m.emit(ctx, alerts.Alert{
			Event:    alerts.CollectionVerificationFailed,
			Severity: alerts.SeverityCritical,
			Message:  fmt.Sprintf("%d assets of collection %s failed verification", len(exhausted), collection),
			Fields:   map[string]string{"collection": collection, "asset_ids": strings.Join(exhausted, ",")},
		})
	}
	return errors.Join(errs...)
}

func (m *Monitor) emit(ctx context.Context, a alerts.Alert) {
	if a.At.IsZero() {
		a.At = m.now()
	}
	m.metrics.IncAlert(a.Event)
	if err := m.sink.Emit(ctx, a); err != nil {
		m.logger.Error("emit alert failed", slog.String("event", a.Event), slog.Any("error", err))
	}
}
