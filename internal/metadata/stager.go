package metadata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gigledger/internal/custody"
	"gigledger/internal/store"
)

// Stager publishes the off-chain document of a badge and returns the URI the
// token will point at.
type Stager interface {
	Stage(ctx context.Context, m custody.Metadata) (string, error)
}

var ErrUnavailable = errors.New("metadata host unavailable")

// HTTPStager POSTs the document to a pinning endpoint that answers {"uri": "..."}.
type HTTPStager struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPStager(endpoint, token string, timeout time.Duration) *HTTPStager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStager{endpoint: endpoint, token: token, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPStager) Stage(ctx context.Context, m custody.Metadata) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(m.Document())
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	if out.URI == "" {
		return "", fmt.Errorf("%w: empty uri", ErrUnavailable)
	}
	return out.URI, nil
}

// StoreStager keeps documents content-addressed in the store. The URI is
// served by the API's metadata route.
type StoreStager struct {
	store   store.Store
	baseURL string
}

func NewStoreStager(s store.Store, baseURL string) *StoreStager {
	return &StoreStager{store: s, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *StoreStager) Stage(ctx context.Context, m custody.Metadata) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(m.Document())
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	hash := Hash(body)
	if err := s.store.PutMetadata(ctx, hash, body); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return s.baseURL + "/api/v1/metadata/" + hash, nil
}

// Hash is the content address of a document.
func Hash(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
