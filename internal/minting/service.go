package minting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"gigledger/internal/contracts"
	"gigledger/internal/custody"
	"gigledger/internal/ledger"
	"gigledger/internal/metadata"
	"gigledger/internal/metrics"
	"gigledger/internal/store"
	"gigledger/internal/txn"
)

type Submitter interface {
	Submit(ctx context.Context, tx *txn.Transaction, signers []txn.Signer) (txn.Submission, error)
}

type Config struct {
	Badge common.Address
}

// Service takes a badge from metadata to a verified token: stage, mint,
// verify. Each stage persists before the next starts, so an interrupted
// pipeline can be resumed from the stored status.
type Service struct {
	store     store.Store
	stager    metadata.Stager
	client    ledger.Client
	submitter Submitter
	minter    txn.Signer
	cfg       Config
	metrics   *metrics.Registry
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(s store.Store, stager metadata.Stager, client ledger.Client, sub Submitter, minter txn.Signer,
	cfg Config, m *metrics.Registry, logger *slog.Logger) *Service {
	return &Service{
		store:     s,
		stager:    stager,
		client:    client,
		submitter: sub,
		minter:    minter,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type MintInput struct {
	OwnerID  string
	ReviewID string
	Metadata custody.Metadata
	// Collection is the collection address the badge joins, if any.
	Collection string
}

// MintBadge creates an asset for the owner and runs the pipeline. The returned
// asset reflects the last persisted stage even when err is set.
func (s *Service) MintBadge(ctx context.Context, in MintInput) (custody.MintableAsset, error) {
	if in.OwnerID == "" {
		return custody.MintableAsset{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if err := in.Metadata.Validate(); err != nil {
		return custody.MintableAsset{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if in.Collection != "" && !common.IsHexAddress(in.Collection) {
		return custody.MintableAsset{}, fmt.Errorf("%w: invalid collection address %q", ErrInvalidInput, in.Collection)
	}
	owner, err := s.store.GetWallet(ctx, in.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return custody.MintableAsset{}, fmt.Errorf("%w: user %s has no wallet", ErrInvalidInput, in.OwnerID)
	}
	if err != nil {
		return custody.MintableAsset{}, err
	}
	if owner.Status == custody.WalletDeleted {
		return custody.MintableAsset{}, fmt.Errorf("%w: wallet of %s is deleted", ErrInvalidInput, in.OwnerID)
	}

	now := s.now()
	a := custody.MintableAsset{
		ID:           uuid.NewString(),
		OwnerID:      in.OwnerID,
		OwnerAddress: owner.Address,
		ReviewID:     in.ReviewID,
		Kind:         in.Metadata.Kind,
		Metadata:     in.Metadata,
		Status:       custody.AssetPending,
		Attempt:      1,
		Transfers:    []custody.Transfer{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Collection != "" {
		a.Collection = &custody.CollectionMembership{Address: common.HexToAddress(in.Collection).Hex()}
	}
	if err := s.store.CreateAsset(ctx, a); err != nil {
		return custody.MintableAsset{}, fmt.Errorf("create asset: %w", err)
	}
	s.logger.Info("badge mint requested",
		slog.String("asset_id", a.ID),
		slog.String("owner_id", a.OwnerID),
		slog.String("kind", string(a.Kind)))

	return s.run(ctx, a)
}

func (s *Service) Get(ctx context.Context, assetID string) (custody.MintableAsset, error) {
	a, err := s.store.GetAsset(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return custody.MintableAsset{}, fmt.Errorf("%w: %s", ErrNotFound, assetID)
	}
	return a, err
}

// Resume continues the pipeline of an asset from its stored stage.
func (s *Service) Resume(ctx context.Context, assetID string) (custody.MintableAsset, error) {
	a, err := s.Get(ctx, assetID)
	if err != nil {
		return custody.MintableAsset{}, err
	}
	return s.run(ctx, a)
}

// Retry starts a new attempt for a failed asset. A failed asset is retried at
// most once; further retries go through the newest attempt.
func (s *Service) Retry(ctx context.Context, assetID string) (custody.MintableAsset, error) {
	failed, err := s.Get(ctx, assetID)
	if err != nil {
		return custody.MintableAsset{}, err
	}
	if failed.Status != custody.AssetFailed {
		return failed, fmt.Errorf("%w: asset %s is %s", ErrNotRetryable, failed.ID, failed.Status)
	}

	now := s.now()
	next := custody.MintableAsset{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("retry:"+failed.ID)).String(),
		OwnerID:      failed.OwnerID,
		OwnerAddress: failed.OwnerAddress,
		ReviewID:     failed.ReviewID,
		Kind:         failed.Kind,
		Metadata:     failed.Metadata,
		MetadataURI:  failed.MetadataURI,
		Status:       custody.AssetPending,
		Attempt:      failed.Attempt + 1,
		RetryOf:      failed.ID,
		Transfers:    []custody.Transfer{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if failed.Collection != nil {
		next.Collection = &custody.CollectionMembership{Address: failed.Collection.Address}
	}
	if err := s.store.CreateAsset(ctx, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return custody.MintableAsset{}, fmt.Errorf("%w: %s", ErrAlreadyRetried, failed.ID)
		}
		return custody.MintableAsset{}, fmt.Errorf("create retry asset: %w", err)
	}
	s.logger.Info("badge mint retried",
		slog.String("asset_id", next.ID),
		slog.String("retry_of", failed.ID),
		slog.Int("attempt", next.Attempt))

	return s.run(ctx, next)
}

func (s *Service) run(ctx context.Context, a custody.MintableAsset) (custody.MintableAsset, error) {
	var err error
	switch a.Status {
	case custody.AssetFailed:
		return a, &MintError{Signature: a.MintSignature, Reason: a.LastError}
	case custody.AssetMinting:
		if a.PendingSignature == "" {
			return a, fmt.Errorf("%w: asset %s", ErrMintInProgress, a.ID)
		}
		return s.reconcile(ctx, a)
	case custody.AssetPending:
		if a.MetadataURI == "" {
			if a, err = s.stage(ctx, a); err != nil {
				return a, err
			}
		}
		if a, err = s.mint(ctx, a); err != nil {
			return a, err
		}
	}
	if a.NeedsVerification() {
		// Verification failures leave the asset minted; the monitor retries them.
		a, _ = s.verify(ctx, a)
	}
	return a, nil
}

func (s *Service) stage(ctx context.Context, a custody.MintableAsset) (custody.MintableAsset, error) {
	uri, err := s.stager.Stage(ctx, a.Metadata)
	if err != nil {
		s.logger.Warn("metadata staging failed", slog.String("asset_id", a.ID), slog.Any("error", err))
		a.LastError = err.Error()
		if saved, saveErr := s.save(ctx, a, custody.AssetPending); saveErr == nil {
			a = saved
		}
		return a, fmt.Errorf("%w: %w", ErrStagingFailed, err)
	}
	a.MetadataURI = uri
	a.LastError = ""
	return s.save(ctx, a, custody.AssetPending)
}

func (s *Service) mint(ctx context.Context, a custody.MintableAsset) (custody.MintableAsset, error) {
	started := s.now()
	a.Status = custody.AssetMinting
	a.MintingStartedAt = &started
	a, err := s.save(ctx, a, custody.AssetPending)
	if errors.Is(err, store.ErrStaleStatus) {
		current, getErr := s.store.GetAsset(ctx, a.ID)
		if getErr != nil {
			return a, getErr
		}
		return current, fmt.Errorf("%w: asset %s is %s", ErrMintInProgress, a.ID, current.Status)
	}
	if err != nil {
		return a, err
	}

	data, err := s.mintCall(a)
	if err != nil {
		return s.fail(ctx, a, "", err.Error(), err)
	}

	// From signing on, the mint may be on the ledger: record it even if the
	// caller goes away.
	persist := context.WithoutCancel(ctx)
	tx := &txn.Transaction{
		To:   s.cfg.Badge,
		Data: data,
		OnSigned: func(_ context.Context, sig string) error {
			a.PendingSignature = sig
			saved, err := s.save(persist, a, custody.AssetMinting)
			if err != nil {
				a.PendingSignature = ""
				return err
			}
			a = saved
			return nil
		},
	}
	sub, err := s.submitter.Submit(ctx, tx, []txn.Signer{s.minter})
	if err != nil {
		var confirm *txn.ConfirmationError
		if errors.As(err, &confirm) && !confirm.Expired {
			a.PendingSignature = confirm.Signature
			a.LastError = err.Error()
			if saved, saveErr := s.save(persist, a, custody.AssetMinting); saveErr == nil {
				a = saved
			}
			s.logger.Warn("badge mint outcome unknown",
				slog.String("asset_id", a.ID),
				slog.String("signature", confirm.Signature),
				slog.Any("error", err))
			return a, fmt.Errorf("%w: asset %s: %w", ErrMintInProgress, a.ID, err)
		}
		return s.fail(persist, a, txn.SignatureOf(err), txn.Reason(err), err)
	}
	return s.finish(persist, a, sub.Signature, sub.Receipt)
}

// finish records a mint whose receipt succeeded.
func (s *Service) finish(ctx context.Context, a custody.MintableAsset, sig string, receipt *types.Receipt) (custody.MintableAsset, error) {
	tokenID, err := contracts.MintedTokenID(receipt.Logs, s.cfg.Badge)
	if err != nil {
		return s.fail(ctx, a, sig, err.Error(), err)
	}
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		// The mint landed; leave it for reconciliation rather than failing it.
		a.PendingSignature = sig
		if saved, saveErr := s.save(ctx, a, custody.AssetMinting); saveErr == nil {
			a = saved
		}
		return a, fmt.Errorf("%w: chain id: %w", ErrMintInProgress, err)
	}

	now := s.now()
	a.Status = custody.AssetMinted
	a.MintAddress = MintAddress(chainID, s.cfg.Badge, tokenID)
	a.TokenID = tokenID.String()
	a.MintSignature = sig
	a.PendingSignature = ""
	a.LastError = ""
	a.Transfers = append(a.Transfers, custody.Transfer{
		From:      common.Address{}.Hex(),
		To:        a.OwnerAddress,
		Signature: sig,
		At:        now,
	})
	a, err = s.save(ctx, a, custody.AssetMinting)
	if err != nil {
		return a, fmt.Errorf("record mint %s: %w", sig, err)
	}
	s.metrics.IncMint(string(custody.AssetMinted))
	s.logger.Info("badge minted",
		slog.String("asset_id", a.ID),
		slog.String("mint_address", a.MintAddress),
		slog.String("signature", sig))
	return a, nil
}

func (s *Service) fail(ctx context.Context, a custody.MintableAsset, sig, reason string, cause error) (custody.MintableAsset, error) {
	a.Status = custody.AssetFailed
	a.MintSignature = sig
	a.PendingSignature = ""
	a.LastError = reason
	if saved, err := s.save(ctx, a, custody.AssetMinting); err != nil {
		s.logger.Error("record mint failure", slog.String("asset_id", a.ID), slog.Any("error", err))
	} else {
		a = saved
	}
	s.metrics.IncMint(string(custody.AssetFailed))
	s.logger.Warn("badge mint failed",
		slog.String("asset_id", a.ID),
		slog.String("signature", sig),
		slog.String("reason", reason))
	return a, &MintError{Signature: sig, Reason: reason, Err: cause}
}

// Reconcile resolves a mint whose outcome was unknown. A minting asset without
// a signature was never broadcast and is failed so it can be retried.
func (s *Service) Reconcile(ctx context.Context, assetID string) (custody.MintableAsset, error) {
	a, err := s.Get(ctx, assetID)
	if err != nil {
		return custody.MintableAsset{}, err
	}
	if a.Status != custody.AssetMinting {
		return a, nil
	}
	if a.PendingSignature == "" {
		return s.fail(context.WithoutCancel(ctx), a, "", "mint was never broadcast", nil)
	}
	return s.reconcile(ctx, a)
}

func (s *Service) reconcile(ctx context.Context, a custody.MintableAsset) (custody.MintableAsset, error) {
	persist := context.WithoutCancel(ctx)
	sig := a.PendingSignature
	if _, err := ledger.ParseSignature(sig); err != nil {
		return s.fail(persist, a, "", "unreadable pending signature", err)
	}
	outcome, receipt, err := txn.Resolve(ctx, s.client, sig)
	if err != nil {
		return a, fmt.Errorf("resolve %s: %w", sig, err)
	}
	switch outcome {
	case txn.OutcomeUnknown:
		return a, fmt.Errorf("%w: %s not yet on the ledger", ErrMintInProgress, sig)
	case txn.OutcomeDropped:
		return s.fail(persist, a, sig, "mint transaction replaced before landing", nil)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return s.fail(persist, a, sig, s.revertReason(ctx, a, receipt), nil)
	}
	a, err = s.finish(persist, a, sig, receipt)
	if err != nil {
		return a, err
	}
	if a.NeedsVerification() {
		a, _ = s.verify(ctx, a)
	}
	return a, nil
}

func (s *Service) revertReason(ctx context.Context, a custody.MintableAsset, receipt *types.Receipt) string {
	data, err := s.mintCall(a)
	if err == nil {
		to := s.cfg.Badge
		msg := ethereum.CallMsg{From: s.minter.Address, To: &to, Data: data}
		var revert *ledger.RevertError
		if errors.As(s.client.Simulate(ctx, msg, receipt.BlockNumber), &revert) && revert.Reason != "" {
			return revert.Reason
		}
	}
	return fmt.Sprintf("execution reverted in block %d", receipt.BlockNumber.Uint64())
}

// VerifyCollection confirms a minted asset's collection membership on the ledger.
func (s *Service) VerifyCollection(ctx context.Context, assetID string) (custody.MintableAsset, error) {
	a, err := s.Get(ctx, assetID)
	if err != nil {
		return custody.MintableAsset{}, err
	}
	if a.Status != custody.AssetMinted || a.Collection == nil {
		return a, fmt.Errorf("%w: asset %s", ErrNotVerifiable, a.ID)
	}
	if a.Collection.Verified {
		return a, nil
	}
	return s.verify(ctx, a)
}

// CollectionVerified reads the membership flag of a minted asset from the badge contract.
func (s *Service) CollectionVerified(ctx context.Context, a custody.MintableAsset) (bool, error) {
	if a.Collection == nil || a.TokenID == "" {
		return false, fmt.Errorf("%w: asset %s", ErrNotVerifiable, a.ID)
	}
	tokenID, ok := new(big.Int).SetString(a.TokenID, 10)
	if !ok {
		return false, fmt.Errorf("asset %s has malformed token id %q", a.ID, a.TokenID)
	}
	data, err := contracts.Badge.Pack("isCollectionVerified", tokenID, common.HexToAddress(a.Collection.Address))
	if err != nil {
		return false, fmt.Errorf("pack isCollectionVerified: %w", err)
	}
	to := s.cfg.Badge
	out, err := s.client.Call(ctx, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return false, err
	}
	res, err := contracts.Badge.Unpack("isCollectionVerified", out)
	if err != nil || len(res) != 1 {
		return false, fmt.Errorf("unpack isCollectionVerified: %w", err)
	}
	verified, _ := res[0].(bool)
	return verified, nil
}

// MarkVerified records a membership the ledger already confirms.
func (s *Service) MarkVerified(ctx context.Context, a custody.MintableAsset) (custody.MintableAsset, error) {
	now := s.now()
	a.Collection.Verified = true
	a.Collection.VerifiedAt = &now
	a.Collection.LastError = ""
	return s.save(ctx, a, custody.AssetMinted)
}

func (s *Service) verify(ctx context.Context, a custody.MintableAsset) (custody.MintableAsset, error) {
	tokenID, ok := new(big.Int).SetString(a.TokenID, 10)
	if !ok {
		return a, fmt.Errorf("asset %s has malformed token id %q", a.ID, a.TokenID)
	}
	data, err := contracts.Badge.Pack("verifyCollection", tokenID, common.HexToAddress(a.Collection.Address))
	if err != nil {
		return a, fmt.Errorf("pack verifyCollection: %w", err)
	}

	_, err = s.submitter.Submit(ctx, &txn.Transaction{To: s.cfg.Badge, Data: data}, []txn.Signer{s.minter})
	persist := context.WithoutCancel(ctx)
	if err != nil {
		a.Collection.VerifyAttempts++
		a.Collection.LastError = txn.Reason(err)
		if saved, saveErr := s.save(persist, a, custody.AssetMinted); saveErr == nil {
			a = saved
		}
		s.logger.Warn("collection verification failed",
			slog.String("asset_id", a.ID),
			slog.String("collection", a.Collection.Address),
			slog.Int("attempts", a.Collection.VerifyAttempts),
			slog.Any("error", err))
		return a, fmt.Errorf("verify collection of asset %s: %w", a.ID, err)
	}

	a.Collection.VerifyAttempts++
	a, err = s.MarkVerified(persist, a)
	if err != nil {
		return a, err
	}
	s.logger.Info("collection verified",
		slog.String("asset_id", a.ID),
		slog.String("collection", a.Collection.Address))
	return a, nil
}

func (s *Service) mintCall(a custody.MintableAsset) ([]byte, error) {
	if !common.IsHexAddress(a.OwnerAddress) {
		return nil, fmt.Errorf("owner address %q is not a ledger address", a.OwnerAddress)
	}
	// Badges are non-commercial: no resale royalty.
	return contracts.Badge.Pack("mint", common.HexToAddress(a.OwnerAddress), a.MetadataURI, new(big.Int))
}

// save writes a when the stored status still equals expected and returns the stored copy.
func (s *Service) save(ctx context.Context, a custody.MintableAsset, expected custody.AssetStatus) (custody.MintableAsset, error) {
	a.UpdatedAt = s.now()
	if err := s.store.UpdateAsset(ctx, a, expected); err != nil {
		return a, err
	}
	return a, nil
}

// MintAddress is the CAIP-19 identifier of a badge token.
func MintAddress(chainID *big.Int, badge common.Address, tokenID *big.Int) string {
	return fmt.Sprintf("eip155:%s/erc721:%s/%s", chainID, badge.Hex(), tokenID)
}
