package server

import (
	"errors"
	"log/slog"
	"net/http"

	"gigledger/internal/escrow"
	"gigledger/internal/metadata"
	"gigledger/internal/minting"
	"gigledger/internal/store"
	"gigledger/internal/txn"
	"gigledger/internal/wallet"
)

var (
	errMissingIdempotencyKey = errors.New("missing Idempotency-Key header")
	errIdempotencyKeyReused  = errors.New("idempotency key reused with a different request")
	errRequestInFlight       = errors.New("a request with this idempotency key is in progress")
	errInvalidBody           = errors.New("invalid request body")
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

// classify maps a service error to its HTTP status and stable error code.
// Order matters: a MintError wraps the submitter error that caused it.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, txn.ErrConfirmationFailed):
		return http.StatusGatewayTimeout, "confirmation_timeout"
	case txn.IsValidation(err):
		return http.StatusUnprocessableEntity, "transaction_invalid"
	case txn.IsLedgerRejection(err), errors.Is(err, minting.ErrMintFailed):
		return http.StatusBadGateway, "ledger_rejected"
	case errors.Is(err, minting.ErrStagingFailed), errors.Is(err, metadata.ErrUnavailable):
		return http.StatusServiceUnavailable, "staging_unavailable"

	case errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, minting.ErrNotFound),
		errors.Is(err, wallet.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, minting.ErrInvalidInput),
		errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, wallet.ErrInvalidStatus),
		errors.Is(err, errMissingIdempotencyKey),
		errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, "validation"

	case errors.Is(err, escrow.ErrEscrowExists),
		errors.Is(err, escrow.ErrEscrowNotLocked),
		errors.Is(err, escrow.ErrSignatureMismatch),
		errors.Is(err, escrow.ErrConcurrentTransition),
		errors.Is(err, escrow.ErrOutcomePending),
		errors.Is(err, minting.ErrMintInProgress),
		errors.Is(err, minting.ErrAlreadyRetried),
		errors.Is(err, minting.ErrNotRetryable),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, errIdempotencyKeyReused),
		errors.Is(err, errRequestInFlight):
		return http.StatusConflict, "conflict"

	case errors.Is(err, escrow.ErrOrderNotEligible),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrWalletInactive),
		errors.Is(err, wallet.ErrDeleted),
		errors.Is(err, minting.ErrNotVerifiable):
		return http.StatusUnprocessableEntity, "not_eligible"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request error",
			slog.String("path", r.URL.Path),
			slog.String("request_id", r.Header.Get(HeaderRequestID)),
			slog.String("error", msg))
		msg = "internal error"
	}
	s.writeJSONError(w, r, status, code, msg)
}

func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Code:    code,
		Message: msg,
		TraceID: r.Header.Get(HeaderRequestID),
	})
}
