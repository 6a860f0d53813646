package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"gigledger/internal/config"
	"gigledger/internal/custody"
	"gigledger/internal/escrow"
	"gigledger/internal/hmacauth"
	"gigledger/internal/idempotency"
	"gigledger/internal/locks"
	"gigledger/internal/metrics"
	"gigledger/internal/minting"
)

const (
	HeaderRequestID      = "X-Request-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	// accepted from older marketplace clients
	legacyIdempotencyKey = "X-Idempotency-Key"
)

type Escrows interface {
	CreateEscrow(ctx context.Context, in escrow.CreateInput) (custody.Wallet, error)
	Release(ctx context.Context, orderID, txSignature string) (custody.Wallet, error)
	Refund(ctx context.Context, orderID, txSignature string) (custody.Wallet, error)
}

type Wallets interface {
	Ensure(ctx context.Context, userID, address string) (custody.Wallet, error)
	Get(ctx context.Context, userID string) (custody.Wallet, error)
	Sync(ctx context.Context, userID string) (custody.Wallet, error)
	SetStatus(ctx context.Context, userID string, status custody.WalletStatus) (custody.Wallet, error)
}

type Minter interface {
	MintBadge(ctx context.Context, in minting.MintInput) (custody.MintableAsset, error)
	Get(ctx context.Context, assetID string) (custody.MintableAsset, error)
	Retry(ctx context.Context, assetID string) (custody.MintableAsset, error)
	Resume(ctx context.Context, assetID string) (custody.MintableAsset, error)
}

type MetadataReader interface {
	GetMetadata(ctx context.Context, hash string) ([]byte, error)
}

// Pinger is implemented by dependencies that report on /api/v1/health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Escrows     Escrows
	Wallets     Wallets
	Minter      Minter
	Metadata    MetadataReader
	Idempotency idempotency.Store
	Locker      locks.Locker
	Metrics     *metrics.Registry
	Logger      *slog.Logger
	// Health lists the checks reported by /api/v1/health, by component name.
	Health map[string]Pinger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	hmac       *hmacauth.Verifier
	router     *mux.Router
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = locks.NewLocalLocker()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			s.writeJSONError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		},
	}

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.Handle("/api/v1/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metadata/{hash}", s.handleMetadata).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.hmac.Middleware)
	api.Handle("/escrows", s.idempotent(s.handleCreateEscrow)).Methods(http.MethodPost)
	api.Handle("/escrows/{orderId}/release", s.idempotent(s.handleRelease)).Methods(http.MethodPost)
	api.Handle("/escrows/{orderId}/refund", s.idempotent(s.handleRefund)).Methods(http.MethodPost)
	api.Handle("/wallets/{userId}/sync", s.idempotent(s.handleSyncWallet)).Methods(http.MethodPost)
	api.Handle("/wallets/{userId}", s.idempotent(s.handlePutWallet)).Methods(http.MethodPut)
	api.HandleFunc("/wallets/{userId}", s.handleGetWallet).Methods(http.MethodGet)
	api.Handle("/badges", s.idempotent(s.handleMintBadge)).Methods(http.MethodPost)
	api.HandleFunc("/assets/{assetId}", s.handleGetAsset).Methods(http.MethodGet)
	api.Handle("/assets/{assetId}/retry", s.idempotent(s.handleRetryAsset)).Methods(http.MethodPost)
	api.Handle("/assets/{assetId}/resume", s.idempotent(s.handleResumeAsset)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSONError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler is the full middleware chain, exposed for tests.
func (s *Server) Handler() http.Handler {
	return requestIDMiddleware(s.router)
}

func (s *Server) Start() error {
	s.logger.Info("API listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := make(map[string]componentHealth, len(s.deps.Health))
	for name, p := range s.deps.Health {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = componentHealth{Error: err.Error()}
			continue
		}
		components[name] = componentHealth{
			Connected: true,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status     string                     `json:"status"`
		Components map[string]componentHealth `json:"components"`
	}{status, components})
}

// instrument counts requests by route template so ids do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.IncRequest(r.Method, route, sw.status)
		if sw.status >= http.StatusInternalServerError {
			s.logger.Warn("request failed",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", sw.status),
				slog.String("request_id", r.Header.Get(HeaderRequestID)))
		}
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
