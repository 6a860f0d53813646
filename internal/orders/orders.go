package orders

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrPaymentStatus = errors.New("order payment status changed concurrently")
)

// Order is the slice of a marketplace order the custody pipeline reads.
type Order struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
}

// Source is the boundary to the marketplace order records.
type Source interface {
	Get(ctx context.Context, id string) (Order, error)
	// SetPaymentStatus moves the payment status only if it still equals from.
	SetPaymentStatus(ctx context.Context, id string, from, to PaymentStatus) error
}

// MemorySource is an in-process Source for tests and local development.
type MemorySource struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewMemorySource() *MemorySource {
	return &MemorySource{orders: make(map[string]Order)}
}

// Put inserts or replaces an order.
func (m *MemorySource) Put(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

// SetStatus mirrors the marketplace moving an order through its work states.
func (m *MemorySource) SetStatus(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		o.Status = status
		m.orders[id] = o
	}
}

func (m *MemorySource) Get(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemorySource) SetPaymentStatus(_ context.Context, id string, from, to PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.PaymentStatus != from {
		return ErrPaymentStatus
	}
	o.PaymentStatus = to
	m.orders[id] = o
	return nil
}
