package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gigledger/internal/custody"
	"gigledger/internal/store"
)

func testBadge(t *testing.T) custody.Metadata {
	t.Helper()
	m, err := custody.NewReviewBadge("Five Star Seller", "Earned for a 5-star review", "ipfs://badge.png",
		custody.ReviewBadge{ReviewID: "review-1", Rating: 5})
	if err != nil {
		t.Fatalf("new badge: %v", err)
	}
	return m
}

func TestHTTPStagerPostsDocument(t *testing.T) {
	var got custody.Document
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"uri": "ipfs://doc"})
	}))
	defer srv.Close()

	uri, err := NewHTTPStager(srv.URL, "secret", time.Second).Stage(context.Background(), testBadge(t))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if uri != "ipfs://doc" {
		t.Fatalf("unexpected uri %q", uri)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got.Name != "Five Star Seller" || got.Symbol != custody.BadgeSymbol || len(got.Attributes) != 2 {
		t.Fatalf("unexpected document %+v", got)
	}
}

func TestHTTPStagerFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pin service down", http.StatusServiceUnavailable)
		},
		"empty uri": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := NewHTTPStager(srv.URL, "", time.Second).Stage(context.Background(), testBadge(t))
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

func TestHTTPStagerRejectsInvalidMetadata(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	m := testBadge(t)
	m.Name = strings.Repeat("n", custody.MaxNameLen+1)
	if _, err := NewHTTPStager(srv.URL, "", time.Second).Stage(context.Background(), m); !errors.Is(err, custody.ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("invalid metadata must not be posted")
	}
}

func TestStoreStagerIsContentAddressed(t *testing.T) {
	st := store.NewMemoryStore()
	stager := NewStoreStager(st, "https://api.example.test/")

	first, err := stager.Stage(context.Background(), testBadge(t))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	second, err := stager.Stage(context.Background(), testBadge(t))
	if err != nil {
		t.Fatalf("stage again: %v", err)
	}
	if first != second {
		t.Fatalf("same document staged at %s and %s", first, second)
	}
	if !strings.HasPrefix(first, "https://api.example.test/api/v1/metadata/") {
		t.Fatalf("unexpected uri %s", first)
	}

	hash := first[strings.LastIndex(first, "/")+1:]
	doc, err := st.GetMetadata(context.Background(), hash)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if Hash(doc) != hash {
		t.Fatalf("stored document does not match its address")
	}
}
