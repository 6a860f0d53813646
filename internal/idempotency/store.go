package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Record holds the response of a completed request.
type Record struct {
	StatusCode int    `json:"statusCode"`
	Response   []byte `json:"response"`
	// RequestHash identifies the payload the key was first used with.
	RequestHash string    `json:"requestHash"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. Get returns nil for missing or
// expired keys. Save never replaces a live record.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Pruner is implemented by stores whose expired records are not evicted on
// their own.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// RequestHash fingerprints a request by route and body.
func RequestHash(route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; ok && time.Now().Before(cur.ExpiresAt) {
		return nil
	}
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Prune(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for key, rec := range m.data {
		if !now.Before(rec.ExpiresAt) {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}
