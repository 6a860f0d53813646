package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"gigledger/internal/custody"
	"gigledger/internal/escrow"
	"gigledger/internal/minting"
	"gigledger/internal/store"
)

type createEscrowRequest struct {
	OrderID       string `json:"orderId"`
	Amount        string `json:"amount"`
	EscrowAddress string `json:"escrowAddress"`
	TxSignature   string `json:"txSignature"`
}

type settleEscrowRequest struct {
	TxSignature string `json:"txSignature"`
}

type putWalletRequest struct {
	Address string `json:"address"`
	Status  string `json:"status"`
}

type mintBadgeRequest struct {
	OwnerID    string           `json:"ownerId"`
	ReviewID   string           `json:"reviewId"`
	Collection string           `json:"collection"`
	Metadata   custody.Metadata `json:"metadata"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var payload createEscrowRequest
	if err := decodeBody(r, &payload, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(payload.Amount) == "" {
		s.writeError(w, r, fmt.Errorf("%w: amount is required", escrow.ErrInvalidInput))
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: amount %q is not a decimal", escrow.ErrInvalidInput, payload.Amount))
		return
	}

	wallet, err := s.deps.Escrows.CreateEscrow(r.Context(), escrow.CreateInput{
		OrderID:       payload.OrderID,
		Amount:        amount,
		EscrowAddress: payload.EscrowAddress,
		TxSignature:   payload.TxSignature,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.settleEscrow(w, r, s.deps.Escrows.Release)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.settleEscrow(w, r, s.deps.Escrows.Refund)
}

func (s *Server) settleEscrow(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, orderID, txSignature string) (custody.Wallet, error)) {
	var payload settleEscrowRequest
	if err := decodeBody(r, &payload, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := op(r.Context(), mux.Vars(r)["orderId"], payload.TxSignature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleSyncWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.deps.Wallets.Sync(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// handlePutWallet provisions the user's wallet and optionally moves its status.
func (s *Server) handlePutWallet(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var payload putWalletRequest
	if err := decodeBody(r, &payload, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if payload.Address == "" && payload.Status == "" {
		s.writeError(w, r, fmt.Errorf("%w: address or status is required", errInvalidBody))
		return
	}

	ctx := r.Context()
	var (
		wallet custody.Wallet
		err    error
	)
	if payload.Address != "" {
		if wallet, err = s.deps.Wallets.Ensure(ctx, userID, payload.Address); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if payload.Status != "" {
		if wallet, err = s.deps.Wallets.SetStatus(ctx, userID, custody.WalletStatus(payload.Status)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.deps.Wallets.Get(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleMintBadge(w http.ResponseWriter, r *http.Request) {
	var payload mintBadgeRequest
	if err := decodeBody(r, &payload, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if payload.Metadata.Symbol == "" {
		payload.Metadata.Symbol = custody.BadgeSymbol
	}

	asset, err := s.deps.Minter.MintBadge(r.Context(), minting.MintInput{
		OwnerID:    payload.OwnerID,
		ReviewID:   payload.ReviewID,
		Metadata:   payload.Metadata,
		Collection: payload.Collection,
	})
	s.writeAsset(w, r, http.StatusCreated, asset, err)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.deps.Minter.Get(r.Context(), mux.Vars(r)["assetId"])
	s.writeAsset(w, r, http.StatusOK, asset, err)
}

func (s *Server) handleRetryAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.deps.Minter.Retry(r.Context(), mux.Vars(r)["assetId"])
	s.writeAsset(w, r, http.StatusCreated, asset, err)
}

func (s *Server) handleResumeAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.deps.Minter.Resume(r.Context(), mux.Vars(r)["assetId"])
	s.writeAsset(w, r, http.StatusOK, asset, err)
}

// writeAsset points the caller at the persisted asset even when the pipeline
// stopped with an error, so it can be polled or retried.
func (s *Server) writeAsset(w http.ResponseWriter, r *http.Request, status int, asset custody.MintableAsset, err error) {
	if asset.ID != "" {
		w.Header().Set("Location", "/api/v1/assets/"+asset.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, asset)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metadata == nil {
		s.writeJSONError(w, r, http.StatusNotFound, "not_found", "metadata is not served by this instance")
		return
	}
	doc, err := s.deps.Metadata.GetMetadata(r.Context(), mux.Vars(r)["hash"])
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, r, http.StatusNotFound, "not_found", "metadata not found")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(doc)
}

// decodeBody decodes a JSON body. Unknown fields are rejected; an empty body
// is only accepted when required is false.
func decodeBody(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}
