package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gigledger/internal/custody"
)

func TestMemoryStoreEscrowLifecycle(t *testing.T) {
	exerciseEscrowLifecycle(t, NewMemoryStore())
}

func TestMemoryStoreAssetInvariants(t *testing.T) {
	exerciseAssetInvariants(t, NewMemoryStore())
}

func TestMemoryStorePendingSignatures(t *testing.T) {
	exercisePendingSignatures(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	exerciseEscrowLifecycle(t, s)
	exerciseAssetInvariants(t, s)
	exercisePendingSignatures(t, s)

	if err := s.PutMetadata(ctx, "h-"+uuid.NewString(), []byte(`{"name":"x"}`)); err != nil {
		t.Fatalf("put metadata: %v", err)
	}
}

func seedWallet(t *testing.T, s Store) custody.Wallet {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	w := custody.Wallet{
		UserID:    "user-" + uuid.NewString(),
		Address:   "0x" + uuid.NewString(),
		Balance:   decimal.RequireFromString("10"),
		Status:    custody.WalletActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func pendingTx(userID, orderID string, kind custody.TransactionKind, amount decimal.Decimal) custody.Transaction {
	return custody.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Status:    custody.TxPending,
		OrderID:   orderID,
		CreatedAt: time.Now().UTC(),
	}
}

func exercisePendingSignatures(t *testing.T, s Store) {
	ctx := context.Background()
	w := seedWallet(t, s)
	orderID := "order-" + uuid.NewString()

	tx := pendingTx(w.UserID, orderID, custody.KindEscrowLock, decimal.RequireFromString("1"))
	tx.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := s.AppendTransaction(ctx, tx); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.RecordSignature(ctx, tx.ID, "0xsig-"+orderID); err != nil {
		t.Fatalf("record signature: %v", err)
	}
	if err := s.RecordSignature(ctx, uuid.NewString(), "0xnone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	pending, err := s.ListPendingTransactions(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	var found *custody.Transaction
	for i := range pending {
		if pending[i].ID == tx.ID {
			found = &pending[i]
		}
	}
	if found == nil || found.Signature != "0xsig-"+orderID {
		t.Fatalf("expected pending tx with recorded signature, got %+v", found)
	}
	recent, err := s.ListPendingTransactions(ctx, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, p := range recent {
		if p.ID == tx.ID {
			t.Fatalf("tx created after the cutoff was listed")
		}
	}

	// A failure without a signature keeps the recorded one.
	if err := s.SettleTransaction(ctx, Settlement{TransactionID: tx.ID, Status: custody.TxFailed, FailureReason: "dropped", At: time.Now().UTC()}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	txs, err := s.ListTransactions(ctx, orderID)
	if err != nil || len(txs) != 1 {
		t.Fatalf("list transactions: %v %v", txs, err)
	}
	if txs[0].Signature != "0xsig-"+orderID || txs[0].Status != custody.TxFailed {
		t.Fatalf("unexpected settled tx %+v", txs[0])
	}
	if err := s.RecordSignature(ctx, tx.ID, "0xlater"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on settled tx got %v", err)
	}
}

func exerciseEscrowLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	w := seedWallet(t, s)
	if err := s.CreateWallet(ctx, w); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate wallet got %v", err)
	}

	orderID := "order-" + uuid.NewString()
	amount := decimal.RequireFromString("1.5")
	now := time.Now().UTC()

	lockTx := pendingTx(w.UserID, orderID, custody.KindEscrowLock, amount)
	if err := s.AppendTransaction(ctx, lockTx); err != nil {
		t.Fatalf("append: %v", err)
	}
	esc := custody.EscrowAccount{
		ID: uuid.NewString(), UserID: w.UserID, OrderID: orderID, EscrowAddress: "0xe5",
		Amount: amount, Status: custody.EscrowLocked, LockSignature: "0xlock-" + orderID,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CommitLock(ctx, esc, Settlement{TransactionID: lockTx.ID, Status: custody.TxConfirmed, Signature: esc.LockSignature, At: now}); err != nil {
		t.Fatalf("commit lock: %v", err)
	}

	second := esc
	second.ID = uuid.NewString()
	otherTx := pendingTx(w.UserID, orderID, custody.KindEscrowLock, amount)
	if err := s.AppendTransaction(ctx, otherTx); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.CommitLock(ctx, second, Settlement{TransactionID: otherTx.ID, Status: custody.TxConfirmed, Signature: "0xother-" + orderID, At: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second active escrow got %v", err)
	}
	if err := s.SettleTransaction(ctx, Settlement{TransactionID: otherTx.ID, Status: custody.TxFailed, FailureReason: "duplicate", At: now}); err != nil {
		t.Fatalf("settle failed tx: %v", err)
	}
	if err := s.SettleTransaction(ctx, Settlement{TransactionID: otherTx.ID, Status: custody.TxConfirmed, Signature: "0xlate", At: now}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for settled tx got %v", err)
	}

	// Two concurrent releases: exactly one commit wins.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		stale   int
	)
	for i := 0; i < 2; i++ {
		tx := pendingTx(w.UserID, orderID, custody.KindEscrowRelease, amount)
		if err := s.AppendTransaction(ctx, tx); err != nil {
			t.Fatalf("append: %v", err)
		}
		wg.Add(1)
		go func(i int, tx custody.Transaction) {
			defer wg.Done()
			sig := uuid.NewString()
			err := s.CommitEscrowMove(ctx,
				EscrowMove{OrderID: orderID, From: custody.EscrowLocked, To: custody.EscrowReleased, Signature: sig, At: now},
				Settlement{TransactionID: tx.ID, Status: custody.TxConfirmed, Signature: sig, At: now})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrStaleStatus):
				stale++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i, tx)
	}
	wg.Wait()
	if success != 1 || stale != 1 {
		t.Fatalf("expected one winner and one stale, got %d/%d", success, stale)
	}

	if _, err := s.ActiveEscrow(ctx, orderID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active escrow after release got %v", err)
	}
	got, err := s.GetWallet(ctx, w.UserID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if len(got.EscrowAccounts) != 1 || got.EscrowAccounts[0].Status != custody.EscrowReleased {
		t.Fatalf("unexpected escrows %+v", got.EscrowAccounts)
	}
	if !got.EscrowAccounts[0].Amount.Equal(amount) {
		t.Fatalf("amount changed: %s", got.EscrowAccounts[0].Amount)
	}
	if err := s.CommitEscrowMove(ctx, EscrowMove{OrderID: orderID, From: custody.EscrowReleased, To: custody.EscrowRefunded}, Settlement{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for released->refunded got %v", err)
	}
}

func exerciseAssetInvariants(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	meta, err := custody.NewReviewBadge("Five Star", "", "", custody.ReviewBadge{ReviewID: "r-1", Rating: 5})
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	a := custody.MintableAsset{
		ID: uuid.NewString(), OwnerID: "seller", OwnerAddress: "0x01", Kind: custody.ReviewBadgeKind,
		Metadata: meta, Status: custody.AssetPending, Attempt: 1,
		Collection: &custody.CollectionMembership{Address: "0xc0"},
		CreatedAt:  now, UpdatedAt: now,
	}
	if err := s.CreateAsset(ctx, a); err != nil {
		t.Fatalf("create asset: %v", err)
	}

	bad := a
	bad.MintAddress = "eip155:1/erc721:0x01/1"
	if err := s.UpdateAsset(ctx, bad, custody.AssetPending); !errors.Is(err, custody.ErrMintAddressState) {
		t.Fatalf("expected mint address invariant error got %v", err)
	}

	minting := a
	minting.Status = custody.AssetMinting
	minting.MintingStartedAt = &now
	if err := s.UpdateAsset(ctx, minting, custody.AssetPending); err != nil {
		t.Fatalf("pending->minting: %v", err)
	}
	if err := s.UpdateAsset(ctx, minting, custody.AssetPending); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus got %v", err)
	}

	minted := minting
	minted.Status = custody.AssetMinted
	minted.MintAddress = "eip155:1337/erc721:0xb0/" + a.ID
	if err := s.UpdateAsset(ctx, minted, custody.AssetMinting); err != nil {
		t.Fatalf("minting->minted: %v", err)
	}

	list, err := s.ListAssets(ctx, AssetFilter{NeedsVerification: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, l := range list {
		if l.ID == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected minted unverified asset in verification list")
	}

	got, err := s.GetAsset(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Collection.VerifyAttempts = 99
	again, _ := s.GetAsset(ctx, a.ID)
	if again.Collection.VerifyAttempts != 0 {
		t.Fatalf("stored asset mutated through a read copy")
	}
}
