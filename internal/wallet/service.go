package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"gigledger/internal/custody"
	"gigledger/internal/ledger"
	"gigledger/internal/store"
)

var (
	ErrNotFound       = errors.New("wallet not found")
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrInvalidStatus  = errors.New("invalid wallet status")
	ErrDeleted        = errors.New("wallet deleted")
)

// Service provisions wallets and refreshes their cached balance from the ledger.
type Service struct {
	store  store.Store
	client ledger.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewService(s store.Store, client ledger.Client, logger *slog.Logger) *Service {
	return &Service{store: s, client: client, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Ensure returns the user's wallet, creating it for address when missing.
func (s *Service) Ensure(ctx context.Context, userID, address string) (custody.Wallet, error) {
	if !common.IsHexAddress(address) {
		return custody.Wallet{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err == nil {
		if !sameAddress(w.Address, address) {
			return custody.Wallet{}, fmt.Errorf("%w: user already bound to %s", ErrInvalidAddress, w.Address)
		}
		return w, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return custody.Wallet{}, err
	}

	now := s.now()
	w = custody.Wallet{
		UserID:    userID,
		Address:   common.HexToAddress(address).Hex(),
		Balance:   decimal.Zero,
		Status:    custody.WalletActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return custody.Wallet{}, fmt.Errorf("%w: address already bound to another user", ErrInvalidAddress)
		}
		return custody.Wallet{}, err
	}
	s.logger.Info("wallet created", slog.String("user_id", userID), slog.String("address", w.Address))
	return s.store.GetWallet(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID string) (custody.Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return custody.Wallet{}, ErrNotFound
	}
	return w, err
}

// Sync reads the authoritative balance from the ledger into the wallet cache.
func (s *Service) Sync(ctx context.Context, userID string) (custody.Wallet, error) {
	w, err := s.Get(ctx, userID)
	if err != nil {
		return custody.Wallet{}, err
	}
	if w.Status == custody.WalletDeleted {
		return custody.Wallet{}, ErrDeleted
	}
	wei, err := s.client.Balance(ctx, common.HexToAddress(w.Address))
	if err != nil {
		return custody.Wallet{}, fmt.Errorf("read ledger balance: %w", err)
	}
	balance := ledger.FromBaseUnits(wei)
	if err := s.store.SyncWalletBalance(ctx, userID, balance, s.now()); err != nil {
		return custody.Wallet{}, err
	}
	if !balance.Equal(w.Balance) {
		s.logger.Info("wallet balance synced",
			slog.String("user_id", userID),
			slog.String("previous", w.Balance.String()),
			slog.String("balance", balance.String()))
	}
	return s.Get(ctx, userID)
}

// SetStatus changes the wallet lifecycle status. deleted is terminal.
func (s *Service) SetStatus(ctx context.Context, userID string, status custody.WalletStatus) (custody.Wallet, error) {
	if !status.Valid() {
		return custody.Wallet{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	w, err := s.Get(ctx, userID)
	if err != nil {
		return custody.Wallet{}, err
	}
	if w.Status == status {
		return w, nil
	}
	if w.Status == custody.WalletDeleted {
		return custody.Wallet{}, ErrDeleted
	}
	if err := s.store.SetWalletStatus(ctx, userID, status); err != nil {
		return custody.Wallet{}, err
	}
	s.logger.Info("wallet status changed", slog.String("user_id", userID), slog.String("status", string(status)))
	return s.Get(ctx, userID)
}

func sameAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}
