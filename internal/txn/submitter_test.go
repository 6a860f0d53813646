package txn

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gigledger/internal/ledger"
	"gigledger/internal/logging"
)

func newTestSubmitter(client *ledger.FakeClient) *Submitter {
	cfg := SubmitterConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
		ConfirmTimeout:    time.Second,
	}
	return NewSubmitter(client, NewValidator(client, feeCeiling), cfg, nil, logging.Discard())
}

func testTransaction() *Transaction {
	return &Transaction{To: common.HexToAddress("0x2000000000000000000000000000000000000002"), Value: big.NewInt(5), Data: []byte{0xde, 0xad, 0xbe, 0xef}}
}

func TestSubmitConfirmsTransaction(t *testing.T) {
	client := ledger.NewFakeClient()
	sub := newTestSubmitter(client)
	signer := newTestSigner(t)

	res, err := sub.Submit(context.Background(), testTransaction(), []Signer{signer})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if client.SendCalls != 1 || len(client.Sent) != 1 {
		t.Fatalf("expected one send, got %d", client.SendCalls)
	}
	if res.Signature != client.Sent[0].Hash().Hex() {
		t.Fatalf("signature %s does not match sent tx", res.Signature)
	}
	if res.Blockhash.LastValidHeight != res.Blockhash.Height+ledger.DefaultValidityWindow {
		t.Fatalf("unexpected blockhash window %+v", res.Blockhash)
	}
	if client.Sent[0].Value().Int64() != 5 {
		t.Fatalf("expected value 5 got %v", client.Sent[0].Value())
	}
}

func TestSubmitRejectsInvalidInputWithoutSending(t *testing.T) {
	client := ledger.NewFakeClient()
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), nil)
	if !errors.Is(err, ErrValidationFailed) || !errors.Is(err, ErrInvalidSigners) {
		t.Fatalf("expected validation failure got %v", err)
	}
	if !IsValidation(err) || IsLedgerRejection(err) {
		t.Fatalf("misclassified %v", err)
	}
	if client.SendCalls != 0 {
		t.Fatalf("expected no send, got %d", client.SendCalls)
	}
}

func TestSubmitFeeSpikeIsValidationError(t *testing.T) {
	client := ledger.NewFakeClient()
	client.Gas = 1
	client.FeeCap = big.NewInt(200_000_000_000_000_000)
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)})
	if !errors.Is(err, ErrFeeTooHigh) || !IsValidation(err) {
		t.Fatalf("expected fee validation failure got %v", err)
	}
	if client.SendCalls != 0 {
		t.Fatalf("expected no send, got %d", client.SendCalls)
	}
}

func TestSubmitPreflightRejection(t *testing.T) {
	client := ledger.NewFakeClient()
	client.SimulateErr = &ledger.RevertError{Reason: "escrow: already locked"}
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)})
	var onChain *OnChainError
	if !errors.As(err, &onChain) {
		t.Fatalf("expected OnChainError got %v", err)
	}
	if onChain.Reason != "escrow: already locked" {
		t.Fatalf("reason not preserved: %q", onChain.Reason)
	}
	if client.SendCalls != 0 {
		t.Fatalf("preflight failure must not send")
	}
}

func TestSubmitExecutionRevertKeepsReason(t *testing.T) {
	client := ledger.NewFakeClient()
	client.RevertReason = "badge: caller is not minter"
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)})
	var onChain *OnChainError
	if !errors.As(err, &onChain) {
		t.Fatalf("expected OnChainError got %v", err)
	}
	if onChain.Reason != client.RevertReason {
		t.Fatalf("expected reason %q got %q", client.RevertReason, onChain.Reason)
	}
	if onChain.Signature == "" || onChain.Signature != client.Sent[0].Hash().Hex() {
		t.Fatalf("expected signature of the mined tx, got %q", onChain.Signature)
	}
	if !IsLedgerRejection(err) {
		t.Fatalf("expected ledger rejection classification")
	}
}

func TestSubmitRetriesTransientSendErrors(t *testing.T) {
	client := ledger.NewFakeClient()
	client.SendErrs = []error{errors.New("connection reset by peer"), errors.New("i/o timeout")}
	sub := newTestSubmitter(client)

	if _, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if client.SendCalls != 3 {
		t.Fatalf("expected 3 send attempts got %d", client.SendCalls)
	}
}

func TestSubmitStopsOnPermanentSendError(t *testing.T) {
	client := ledger.NewFakeClient()
	client.SendErrs = []error{errors.New("insufficient funds for gas * price + value")}
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)})
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed got %v", err)
	}
	if client.SendCalls != 1 {
		t.Fatalf("expected a single attempt got %d", client.SendCalls)
	}
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	client := ledger.NewFakeClient()
	flaky := errors.New("503 service unavailable")
	client.SendErrs = []error{flaky, flaky, flaky, flaky}
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)})
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed got %v", err)
	}
	if client.SendCalls != 3 {
		t.Fatalf("expected 3 attempts got %d", client.SendCalls)
	}
}

func TestSubmitExpiredBlockhashReplacesNonce(t *testing.T) {
	client := ledger.NewFakeClient()
	client.Hold = func(tx *types.Transaction) bool { return len(tx.Data()) > 0 }
	sub := newTestSubmitter(client)
	signer := newTestSigner(t)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{signer})
	var confirm *ConfirmationError
	if !errors.As(err, &confirm) || !confirm.Expired {
		t.Fatalf("expected expired ConfirmationError got %v", err)
	}
	if !errors.Is(err, ledger.ErrBlockhashExpired) {
		t.Fatalf("expected cause to unwrap to ErrBlockhashExpired")
	}
	if len(client.Sent) != 2 {
		t.Fatalf("expected original and replacement, got %d sends", len(client.Sent))
	}
	original, replacement := client.Sent[0], client.Sent[1]
	if confirm.Signature != original.Hash().Hex() {
		t.Fatalf("expected signature of the original on confirmation error")
	}
	if replacement.Nonce() != original.Nonce() || *replacement.To() != signer.Address || replacement.Value().Sign() != 0 {
		t.Fatalf("replacement is not an empty self-transfer at nonce %d: %+v", original.Nonce(), replacement)
	}
	if replacement.GasTipCap().Cmp(original.GasTipCap()) <= 0 || replacement.GasFeeCap().Cmp(original.GasFeeCap()) <= 0 {
		t.Fatalf("replacement fees not bumped")
	}

	// The original can no longer land.
	if client.Mine(original.Hash(), nil) {
		t.Fatalf("original mined after its nonce was replaced")
	}
	out, _, err := Resolve(context.Background(), client, confirm.Signature)
	if err != nil || out != OutcomeDropped {
		t.Fatalf("expected dropped, got %v (%v)", out, err)
	}
}

func TestSubmitExpiredBlockhashUnreplacedStaysUnknown(t *testing.T) {
	client := ledger.NewFakeClient()
	client.Unconfirmed = true
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)})
	var confirm *ConfirmationError
	if !errors.As(err, &confirm) || confirm.Expired {
		t.Fatalf("expected unknown ConfirmationError got %v", err)
	}
	if confirm.Signature != client.Sent[0].Hash().Hex() {
		t.Fatalf("expected signature of the original on confirmation error")
	}

	// Nothing holds the nonce yet, so the original may still land.
	out, _, err := Resolve(context.Background(), client, confirm.Signature)
	if err != nil || out != OutcomeUnknown {
		t.Fatalf("expected unknown, got %v (%v)", out, err)
	}
	if !client.Mine(client.Sent[0].Hash(), nil) {
		t.Fatalf("expected original to mine")
	}
	out, receipt, err := Resolve(context.Background(), client, confirm.Signature)
	if err != nil || out != OutcomeLanded || receipt == nil {
		t.Fatalf("expected landed, got %v (%v)", out, err)
	}
}

func TestSubmitRecordsSignatureBeforeSend(t *testing.T) {
	client := ledger.NewFakeClient()
	sub := newTestSubmitter(client)

	var recorded string
	sendsAtSign := -1
	tx := testTransaction()
	tx.OnSigned = func(_ context.Context, sig string) error {
		recorded = sig
		sendsAtSign = client.SendCalls
		return nil
	}
	res, err := sub.Submit(context.Background(), tx, []Signer{newTestSigner(t)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if recorded != res.Signature || sendsAtSign != 0 {
		t.Fatalf("expected %s recorded before any send, got %q after %d sends", res.Signature, recorded, sendsAtSign)
	}
}

func TestSubmitOnSignedErrorSendsNothing(t *testing.T) {
	client := ledger.NewFakeClient()
	sub := newTestSubmitter(client)

	tx := testTransaction()
	tx.OnSigned = func(context.Context, string) error { return errors.New("db down") }
	_, err := sub.Submit(context.Background(), tx, []Signer{newTestSigner(t)})
	if err == nil || IsValidation(err) || IsLedgerRejection(err) {
		t.Fatalf("expected internal error got %v", err)
	}
	if client.SendCalls != 0 {
		t.Fatalf("expected no send, got %d", client.SendCalls)
	}
}

func TestSubmitRejectsOversizedSignedTransaction(t *testing.T) {
	client := ledger.NewFakeClient()
	sub := newTestSubmitter(client)

	// Passes the pre-signing bound, but real fees and signature push it over.
	_, err := sub.Submit(context.Background(), sizedTransaction(t, MaxPayloadSize), []Signer{newTestSigner(t)})
	if !errors.Is(err, ErrPayloadTooLarge) || !IsValidation(err) {
		t.Fatalf("expected ErrPayloadTooLarge got %v", err)
	}
	if client.SendCalls != 0 {
		t.Fatalf("expected no send, got %d", client.SendCalls)
	}
}

func TestSubmitUnknownOutcome(t *testing.T) {
	client := ledger.NewFakeClient()
	client.ConfirmErr = context.DeadlineExceeded
	sub := newTestSubmitter(client)

	_, err := sub.Submit(context.Background(), testTransaction(), []Signer{newTestSigner(t)})
	var confirm *ConfirmationError
	if !errors.As(err, &confirm) || confirm.Expired {
		t.Fatalf("expected non-expired ConfirmationError got %v", err)
	}
	if SignatureOf(err) == "" {
		t.Fatalf("expected signature for later reconciliation")
	}
}

func TestSubmitSerializesNoncesPerPayer(t *testing.T) {
	client := ledger.NewFakeClient()
	sub := newTestSubmitter(client)
	signer := newTestSigner(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sub.Submit(context.Background(), testTransaction(), []Signer{signer})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	seen := make(map[uint64]bool)
	for _, tx := range client.Sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d used twice", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct nonces got %d", n, len(seen))
	}
}
