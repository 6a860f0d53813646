package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gigledger/internal/custody"
)

// MemoryStore keeps everything in maps. Used by tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	wallets  map[string]custody.Wallet
	escrows  []custody.EscrowAccount
	txs      []custody.Transaction
	assets   map[string]custody.MintableAsset
	metadata map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]custody.Wallet),
		assets:   make(map[string]custody.MintableAsset),
		metadata: make(map[string][]byte),
	}
}

func (m *MemoryStore) CreateWallet(_ context.Context, w custody.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.UserID]; ok {
		return ErrConflict
	}
	for _, other := range m.wallets {
		if other.Address == w.Address {
			return ErrConflict
		}
	}
	w.EscrowAccounts, w.Transactions = nil, nil
	m.wallets[w.UserID] = w
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (custody.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return custody.Wallet{}, ErrNotFound
	}
	w.EscrowAccounts = []custody.EscrowAccount{}
	for _, e := range m.escrows {
		if e.UserID == userID {
			w.EscrowAccounts = append(w.EscrowAccounts, e)
		}
	}
	w.Transactions = []custody.Transaction{}
	for _, tx := range m.txs {
		if tx.UserID == userID {
			w.Transactions = append(w.Transactions, tx)
		}
	}
	return w, nil
}

func (m *MemoryStore) SyncWalletBalance(_ context.Context, userID string, balance decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	w.Balance = balance
	w.LastSyncedAt = &at
	w.UpdatedAt = at
	m.wallets[userID] = w
	return nil
}

func (m *MemoryStore) SetWalletStatus(_ context.Context, userID string, status custody.WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	m.wallets[userID] = w
	return nil
}

func (m *MemoryStore) ActiveEscrow(_ context.Context, orderID string) (custody.EscrowAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.activeEscrow(orderID); i >= 0 {
		return m.escrows[i], nil
	}
	return custody.EscrowAccount{}, ErrNotFound
}

func (m *MemoryStore) activeEscrow(orderID string) int {
	for i, e := range m.escrows {
		if e.OrderID == orderID && e.Status.Active() {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) ListEscrows(_ context.Context, orderID string) ([]custody.EscrowAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []custody.EscrowAccount
	for _, e := range m.escrows {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendTransaction(_ context.Context, tx custody.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txs {
		if existing.ID == tx.ID {
			return ErrConflict
		}
	}
	if tx.Status == custody.TxConfirmed && m.signatureTaken(tx.Signature, tx.ID) {
		return ErrConflict
	}
	m.txs = append(m.txs, tx)
	return nil
}

func (m *MemoryStore) RecordSignature(_ context.Context, txID, sig string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tx := range m.txs {
		if tx.ID != txID {
			continue
		}
		if tx.Status != custody.TxPending {
			return ErrInvalidTransition
		}
		m.txs[i].Signature = sig
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) SettleTransaction(_ context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settle(s)
}

func (m *MemoryStore) settle(s Settlement) error {
	i, err := m.checkSettle(s)
	if err != nil {
		return err
	}
	m.applySettle(i, s)
	return nil
}

func (m *MemoryStore) checkSettle(s Settlement) (int, error) {
	for i, tx := range m.txs {
		if tx.ID != s.TransactionID {
			continue
		}
		if err := checkSettlement(tx.Status, s); err != nil {
			return -1, err
		}
		if s.Status == custody.TxConfirmed && m.signatureTaken(s.Signature, tx.ID) {
			return -1, ErrConflict
		}
		return i, nil
	}
	return -1, ErrNotFound
}

func (m *MemoryStore) applySettle(i int, s Settlement) {
	at := s.At
	m.txs[i].Status = s.Status
	if s.Signature != "" {
		m.txs[i].Signature = s.Signature
	}
	m.txs[i].FailureReason = s.FailureReason
	m.txs[i].SettledAt = &at
}

func (m *MemoryStore) signatureTaken(sig, exceptID string) bool {
	if sig == "" {
		return false
	}
	for _, tx := range m.txs {
		if tx.ID != exceptID && tx.Status == custody.TxConfirmed && tx.Signature == sig {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListTransactions(_ context.Context, orderID string) ([]custody.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []custody.Transaction
	for _, tx := range m.txs {
		if tx.OrderID == orderID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingTransactions(_ context.Context, before time.Time) ([]custody.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []custody.Transaction
	for _, tx := range m.txs {
		if tx.Status == custody.TxPending && tx.CreatedAt.Before(before) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CommitLock(_ context.Context, esc custody.EscrowAccount, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if esc.Status != custody.EscrowLocked {
		return ErrInvalidTransition
	}
	if m.activeEscrow(esc.OrderID) >= 0 {
		return ErrConflict
	}
	i, err := m.checkSettle(s)
	if err != nil {
		return err
	}
	m.escrows = append(m.escrows, esc)
	m.applySettle(i, s)
	return nil
}

func (m *MemoryStore) CommitEscrowMove(_ context.Context, mv EscrowMove, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !custody.CanTransition(mv.From, mv.To) {
		return ErrInvalidTransition
	}
	ei := m.activeEscrow(mv.OrderID)
	if ei < 0 || m.escrows[ei].Status != mv.From {
		return ErrStaleStatus
	}
	ti, err := m.checkSettle(s)
	if err != nil {
		return err
	}
	m.escrows[ei].Status = mv.To
	m.escrows[ei].SettleSignature = mv.Signature
	m.escrows[ei].UpdatedAt = mv.At
	m.applySettle(ti, s)
	return nil
}

func (m *MemoryStore) CreateAsset(_ context.Context, a custody.MintableAsset) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.ID]; ok {
		return ErrConflict
	}
	m.assets[a.ID] = cloneAsset(a)
	return nil
}

func (m *MemoryStore) GetAsset(_ context.Context, id string) (custody.MintableAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return custody.MintableAsset{}, ErrNotFound
	}
	return cloneAsset(a), nil
}

func (m *MemoryStore) UpdateAsset(_ context.Context, a custody.MintableAsset, expected custody.AssetStatus) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.assets[a.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	if current.MintAddress != "" && a.MintAddress != current.MintAddress {
		return ErrInvalidTransition
	}
	if a.MintAddress != "" {
		for id, other := range m.assets {
			if id != a.ID && other.MintAddress == a.MintAddress {
				return ErrConflict
			}
		}
	}
	m.assets[a.ID] = cloneAsset(a)
	return nil
}

func (m *MemoryStore) ListAssets(_ context.Context, f AssetFilter) ([]custody.MintableAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []custody.MintableAsset
	for _, a := range m.assets {
		if matches(a, f) {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(a custody.MintableAsset, f AssetFilter) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.UpdatedSince.IsZero() && a.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	if !f.MintingBefore.IsZero() && (a.MintingStartedAt == nil || !a.MintingStartedAt.Before(f.MintingBefore)) {
		return false
	}
	if f.NeedsVerification && !a.NeedsVerification() {
		return false
	}
	return true
}

func (m *MemoryStore) CountAssets(ctx context.Context, status custody.AssetStatus, since time.Time) (int, error) {
	list, err := m.ListAssets(ctx, AssetFilter{Status: status, UpdatedSince: since})
	return len(list), err
}

func (m *MemoryStore) PutMetadata(_ context.Context, hash string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[hash] = append([]byte(nil), doc...)
	return nil
}

func (m *MemoryStore) GetMetadata(_ context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.metadata[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// cloneAsset detaches the pointer and slice fields so callers cannot mutate
// stored state without going through UpdateAsset.
func cloneAsset(a custody.MintableAsset) custody.MintableAsset {
	if a.Collection != nil {
		c := *a.Collection
		a.Collection = &c
	}
	if a.MintingStartedAt != nil {
		t := *a.MintingStartedAt
		a.MintingStartedAt = &t
	}
	a.Transfers = append([]custody.Transfer(nil), a.Transfers...)
	a.Metadata.Attributes = append([]custody.Attribute(nil), a.Metadata.Attributes...)
	return a
}
