package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gigledger/internal/idempotency"
	"gigledger/internal/locks"
)

const (
	HeaderReplayed = "Idempotent-Replayed"

	inFlightWait = 2 * time.Second
)

// idempotent replays the stored response for a key seen before. Concurrent
// requests with the same key are serialized so the handler runs once.
func (s *Server) idempotent(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			key = strings.TrimSpace(r.Header.Get(legacyIdempotencyKey))
		}
		if key == "" {
			s.writeError(w, r, errMissingIdempotencyKey)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeJSONError(w, r, http.StatusBadRequest, "validation", "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := idempotency.RequestHash(r.Method+" "+r.URL.Path, body)

		ctx := r.Context()
		waitCtx, cancel := context.WithTimeout(ctx, inFlightWait)
		lease, err := locks.Lock(waitCtx, s.deps.Locker, "idem:"+key, s.cfg.Retry.ConfirmTimeout+time.Minute, 0)
		cancel()
		if err != nil {
			s.writeError(w, r, errRequestInFlight)
			return
		}
		defer func() {
			_ = lease.Release(context.WithoutCancel(ctx))
		}()

		existing, err := s.deps.Idempotency.Get(ctx, key)
		if err != nil {
			s.logger.Warn("idempotency lookup failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		if existing != nil {
			if existing.RequestHash != "" && existing.RequestHash != hash {
				s.writeError(w, r, errIdempotencyKeyReused)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		// Outcomes that may change on retry are not stored: server faults and
		// unconfirmed submissions.
		if rec.status >= http.StatusInternalServerError && rec.status != http.StatusBadGateway {
			return
		}
		now := s.now()
		record := idempotency.Record{
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			RequestHash: hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.deps.Idempotency.Save(context.WithoutCancel(ctx), key, record); err != nil {
			s.logger.Warn("idempotency save failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	})
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
