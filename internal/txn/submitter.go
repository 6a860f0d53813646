package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"gigledger/internal/ledger"
	"gigledger/internal/metrics"
)

// Submission is a confirmed ledger transaction.
type Submission struct {
	Signature string
	Receipt   *types.Receipt
	Fee       ledger.Fee
	Blockhash ledger.Blockhash
}

type SubmitterConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	ConfirmTimeout    time.Duration
}

// Submitter is the single write path to the ledger.
type Submitter struct {
	client    ledger.Client
	validator *Validator
	cfg       SubmitterConfig
	metrics   *metrics.Registry
	logger    *slog.Logger

	mu     sync.Mutex
	payers map[common.Address]*sync.Mutex
}

func NewSubmitter(client ledger.Client, validator *Validator, cfg SubmitterConfig, m *metrics.Registry, logger *slog.Logger) *Submitter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Submitter{
		client:    client,
		validator: validator,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		payers:    make(map[common.Address]*sync.Mutex),
	}
}

// Submit validates, signs, sends and confirms tx. The first signer pays the fee.
func (s *Submitter) Submit(ctx context.Context, tx *Transaction, signers []Signer) (Submission, error) {
	start := time.Now()
	sub, err := s.submit(ctx, tx, signers)
	s.metrics.ObserveSubmission(outcome(err), time.Since(start))
	if err != nil {
		s.logger.Warn("ledger submission failed",
			slog.String("to", tx.To.Hex()),
			slog.String("signature", SignatureOf(err)),
			slog.Any("error", err))
		return Submission{}, err
	}
	s.logger.Info("ledger submission confirmed",
		slog.String("to", tx.To.Hex()),
		slog.String("signature", sub.Signature),
		slog.Uint64("block", sub.Receipt.BlockNumber.Uint64()))
	return sub, nil
}

func (s *Submitter) submit(ctx context.Context, tx *Transaction, signers []Signer) (Submission, error) {
	if err := s.validator.Validate(tx, signers); err != nil {
		return Submission{}, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	payer := signers[0]
	tx.FeePayer = payer.Address

	fee, err := s.validator.ValidateFee(ctx, tx)
	if err != nil {
		var revert *ledger.RevertError
		switch {
		case errors.Is(err, ErrFeeTooHigh):
			return Submission{}, fmt.Errorf("%w: %w", ErrValidationFailed, err)
		case errors.As(err, &revert):
			return Submission{}, &OnChainError{Reason: revert.Reason}
		default:
			return Submission{}, fmt.Errorf("%w: estimate fee: %w", ErrSubmissionFailed, err)
		}
	}

	signed, err := s.signAndSend(ctx, tx, payer, fee)
	if err != nil {
		return Submission{}, err
	}
	sig := signed.Hash().Hex()

	confirmCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := s.client.ConfirmTransaction(confirmCtx, signed.Hash(), tx.Blockhash.LastValidHeight)
	if errors.Is(err, ledger.ErrBlockhashExpired) {
		receipt, err = s.cancelExpired(ctx, payer, signed)
	}
	if err != nil {
		var confirm *ConfirmationError
		if errors.As(err, &confirm) {
			return Submission{}, err
		}
		return Submission{}, &ConfirmationError{Signature: sig, Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return Submission{}, &OnChainError{Signature: sig, Reason: s.revertReason(ctx, tx, receipt)}
	}

	return Submission{Signature: sig, Receipt: receipt, Fee: fee, Blockhash: tx.Blockhash}, nil
}

// signAndSend holds the fee payer's lock from nonce assignment until the
// transaction is accepted, so concurrent submissions never share a nonce.
func (s *Submitter) signAndSend(ctx context.Context, tx *Transaction, payer Signer, fee ledger.Fee) (*types.Transaction, error) {
	lock := s.payerLock(payer.Address)
	lock.Lock()
	defer lock.Unlock()

	bh, err := s.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch blockhash: %w", ErrSubmissionFailed, err)
	}
	tx.Blockhash = bh

	nonce, err := s.client.Nonce(ctx, payer.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch nonce: %w", ErrSubmissionFailed, err)
	}
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %w", ErrSubmissionFailed, err)
	}

	to := tx.To
	signed, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fee.TipCap,
		GasFeeCap: fee.FeeCap,
		Gas:       fee.Gas,
		To:        &to,
		Value:     tx.value(),
		Data:      tx.Data,
	}), types.LatestSignerForChainID(chainID), payer.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %w", ErrSubmissionFailed, err)
	}
	if err := s.validator.ValidateSigned(signed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	if err := s.client.Simulate(ctx, tx.Message(), nil); err != nil {
		var revert *ledger.RevertError
		if errors.As(err, &revert) {
			return nil, &OnChainError{Reason: revert.Reason}
		}
		return nil, fmt.Errorf("%w: preflight: %w", ErrSubmissionFailed, err)
	}

	if tx.OnSigned != nil {
		if err := tx.OnSigned(ctx, signed.Hash().Hex()); err != nil {
			return nil, fmt.Errorf("record signature %s: %w", signed.Hash().Hex(), err)
		}
	}

	if err := s.sendWithRetry(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (s *Submitter) sendWithRetry(ctx context.Context, signed *types.Transaction) error {
	backoff := s.cfg.InitialBackoff
	for i := 1; i <= s.cfg.MaxAttempts; i++ {
		err := s.client.SendTransaction(ctx, signed)
		if err == nil || alreadyAccepted(err, i) {
			return nil
		}
		if !isRetryable(err) || i == s.cfg.MaxAttempts {
			return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
		}

		s.logger.Debug("retrying ledger send",
			slog.String("signature", signed.Hash().Hex()),
			slog.Int("attempt", i),
			slog.Any("error", err))

		sleep := backoff
		if s.cfg.MaxBackoff > 0 && sleep > s.cfg.MaxBackoff {
			sleep = s.cfg.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrSubmissionFailed, ctx.Err())
		}
		if s.cfg.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(s.cfg.BackoffMultiplier)
		}
	}
	return fmt.Errorf("%w: exhausted retries", ErrSubmissionFailed)
}

// cancelExpired takes the nonce of a transaction whose blockhash window has
// closed. The ledger keeps a signed transaction valid until its nonce is used,
// so it is only reported expired once an empty self-transfer at the same nonce
// has confirmed. If the original lands first its receipt is returned.
func (s *Submitter) cancelExpired(ctx context.Context, payer Signer, expired *types.Transaction) (*types.Receipt, error) {
	sig := expired.Hash().Hex()

	lock := s.payerLock(payer.Address)
	lock.Lock()
	replacement, bh, err := s.signReplacement(ctx, payer, expired)
	if err == nil {
		err = s.sendWithRetry(ctx, replacement)
	}
	lock.Unlock()

	if err == nil {
		s.logger.Warn("replacing expired ledger transaction",
			slog.String("signature", sig),
			slog.String("replacement", replacement.Hash().Hex()),
			slog.Uint64("nonce", expired.Nonce()))

		confirmCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
		_, err = s.client.ConfirmTransaction(confirmCtx, replacement.Hash(), bh.LastValidHeight)
		cancel()
		if err == nil {
			return nil, &ConfirmationError{Signature: sig, Expired: true, Err: ledger.ErrBlockhashExpired}
		}
		err = fmt.Errorf("replacement %s unconfirmed: %v", replacement.Hash().Hex(), err)
	} else {
		err = fmt.Errorf("replace nonce %d: %v", expired.Nonce(), err)
	}

	// The nonce may have gone to the original after all.
	receipt, rerr := s.client.TransactionReceipt(ctx, expired.Hash())
	if rerr == nil {
		return receipt, nil
	}
	return nil, &ConfirmationError{Signature: sig, Err: err}
}

// signReplacement builds a zero-value transfer to the payer at the nonce of
// expired, with fees bumped enough for the node to accept the swap.
func (s *Submitter) signReplacement(ctx context.Context, payer Signer, expired *types.Transaction) (*types.Transaction, ledger.Blockhash, error) {
	bh, err := s.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, ledger.Blockhash{}, fmt.Errorf("fetch blockhash: %w", err)
	}

	to := payer.Address
	tip, feeCap := bumpFee(expired.GasTipCap()), bumpFee(expired.GasFeeCap())
	if quote, err := s.client.EstimateFee(ctx, ethereum.CallMsg{From: payer.Address, To: &to}); err == nil {
		if quote.TipCap.Cmp(tip) > 0 {
			tip = quote.TipCap
		}
		if quote.FeeCap.Cmp(feeCap) > 0 {
			feeCap = quote.FeeCap
		}
	}

	chainID := expired.ChainId()
	signed, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     expired.Nonce(),
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       params.TxGas,
		To:        &to,
		Value:     new(big.Int),
	}), types.LatestSignerForChainID(chainID), payer.Key)
	if err != nil {
		return nil, ledger.Blockhash{}, fmt.Errorf("sign: %w", err)
	}
	return signed, bh, nil
}

// bumpFee raises a fee by 12.5%, above the 10% nodes require to replace a
// pending transaction.
func bumpFee(v *big.Int) *big.Int {
	bumped := new(big.Int).Mul(v, big.NewInt(9))
	bumped.Div(bumped, big.NewInt(8))
	return bumped.Add(bumped, big.NewInt(1))
}

// revertReason replays a failed transaction at its block to recover the reason.
func (s *Submitter) revertReason(ctx context.Context, tx *Transaction, receipt *types.Receipt) string {
	err := s.client.Simulate(ctx, tx.Message(), receipt.BlockNumber)
	var revert *ledger.RevertError
	if errors.As(err, &revert) && revert.Reason != "" {
		return revert.Reason
	}
	return fmt.Sprintf("execution reverted in block %d", receipt.BlockNumber.Uint64())
}

func (s *Submitter) payerLock(addr common.Address) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.payers[addr]
	if !ok {
		l = &sync.Mutex{}
		s.payers[addr] = l
	}
	return l
}

// alreadyAccepted treats a resend of identical signed bytes as delivered.
func alreadyAccepted(err error, attempt int) bool {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return true
	}
	return attempt > 1 && strings.Contains(msg, "nonce too low")
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, permanent := range []string{
		"nonce too low",
		"insufficient funds",
		"underpriced",
		"exceeds block gas limit",
		"invalid",
		"execution reverted",
	} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}

func outcome(err error) string {
	var confirm *ConfirmationError
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrValidationFailed):
		return "invalid"
	case errors.Is(err, ErrOnChain):
		return "rejected"
	case errors.As(err, &confirm) && confirm.Expired:
		return "expired"
	case errors.As(err, &confirm):
		return "unconfirmed"
	default:
		return "failed"
	}
}
