package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"gigledger/internal/contracts"
	"gigledger/internal/custody"
	"gigledger/internal/ledger"
	"gigledger/internal/locks"
	"gigledger/internal/logging"
	"gigledger/internal/orders"
	"gigledger/internal/store"
	"gigledger/internal/txn"
)

var escrowContract = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

type harness struct {
	manager  *Manager
	store    *store.MemoryStore
	orders   *orders.MemorySource
	client   *ledger.FakeClient
	operator txn.Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	operator := txn.Signer{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}

	client := ledger.NewFakeClient()
	st := store.NewMemoryStore()
	src := orders.NewMemorySource()

	ctx := context.Background()
	now := time.Now().UTC()
	for _, w := range []custody.Wallet{
		{UserID: "buyer", Address: common.HexToAddress("0xb0").Hex(), Balance: decimal.RequireFromString("10"), Status: custody.WalletActive, CreatedAt: now, UpdatedAt: now},
		{UserID: "seller", Address: common.HexToAddress("0x5e").Hex(), Status: custody.WalletActive, CreatedAt: now, UpdatedAt: now},
	} {
		if err := st.CreateWallet(ctx, w); err != nil {
			t.Fatalf("create wallet: %v", err)
		}
	}
	src.Put(orders.Order{
		ID:            "order-1",
		BuyerID:       "buyer",
		SellerID:      "seller",
		Amount:        decimal.RequireFromString("2.5"),
		Status:        orders.StatusInProgress,
		PaymentStatus: orders.PaymentUnpaid,
	})
	h := &harness{store: st, orders: src, client: client, operator: operator}
	h.wire(client, st)
	return h
}

// wire rebuilds the manager over client and st, which may wrap the harness fakes.
func (h *harness) wire(client ledger.Client, st store.Store) {
	sub := txn.NewSubmitter(client, txn.NewValidator(client, big.NewInt(100_000_000_000_000_000)), txn.SubmitterConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		ConfirmTimeout: time.Second,
	}, nil, logging.Discard())
	h.manager = NewManager(st, h.orders, client, sub, locks.NewLocalLocker(), h.operator, Config{Contract: escrowContract}, nil, logging.Discard())
}

func (h *harness) lock(t *testing.T) {
	t.Helper()
	if _, err := h.manager.CreateEscrow(context.Background(), CreateInput{OrderID: "order-1", Amount: decimal.RequireFromString("2.5")}); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
}

func (h *harness) transactions(t *testing.T, kind custody.TransactionKind) []custody.Transaction {
	t.Helper()
	all, err := h.store.ListTransactions(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	var out []custody.Transaction
	for _, tx := range all {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

func TestLockThenRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.RequireFromString("2.5")})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if len(w.EscrowAccounts) != 1 || w.EscrowAccounts[0].Status != custody.EscrowLocked {
		t.Fatalf("expected one locked escrow, got %+v", w.EscrowAccounts)
	}
	if w.EscrowAccounts[0].EscrowAddress != escrowContract.Hex() {
		t.Fatalf("unexpected escrow address %s", w.EscrowAccounts[0].EscrowAddress)
	}
	if got := h.client.Sent[0].Value(); got.Cmp(big.NewInt(2_500_000_000_000_000_000)) != 0 {
		t.Fatalf("expected 2.5 native locked, got %s wei", got)
	}
	order, _ := h.orders.Get(ctx, "order-1")
	if order.PaymentStatus != orders.PaymentPaid {
		t.Fatalf("expected order paid, got %s", order.PaymentStatus)
	}

	h.orders.SetStatus("order-1", orders.StatusCompleted)
	w, err = h.manager.Release(ctx, "order-1", "")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if w.EscrowAccounts[0].Status != custody.EscrowReleased {
		t.Fatalf("expected released, got %s", w.EscrowAccounts[0].Status)
	}

	locked := h.transactions(t, custody.KindEscrowLock)
	released := h.transactions(t, custody.KindEscrowRelease)
	if len(locked) != 1 || len(released) != 1 {
		t.Fatalf("expected one lock and one release record, got %d and %d", len(locked), len(released))
	}
	for _, tx := range append(locked, released...) {
		if tx.Status != custody.TxConfirmed || tx.Signature == "" || !tx.Amount.Equal(decimal.RequireFromString("2.5")) {
			t.Fatalf("unexpected record %+v", tx)
		}
	}
	if locked[0].Signature == released[0].Signature {
		t.Fatalf("lock and release share a signature")
	}
	order, _ = h.orders.Get(ctx, "order-1")
	if order.PaymentStatus != orders.PaymentReleased {
		t.Fatalf("expected order released, got %s", order.PaymentStatus)
	}

	_, err = h.manager.Release(ctx, "order-1", "")
	if !errors.Is(err, ErrEscrowNotLocked) {
		t.Fatalf("expected ErrEscrowNotLocked on second release, got %v", err)
	}
	if len(h.client.Sent) != 2 {
		t.Fatalf("second release must not reach the ledger, sent %d", len(h.client.Sent))
	}
}

func TestRefundCancelledOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.lock(t)

	if _, err := h.manager.Refund(ctx, "order-1", ""); !errors.Is(err, ErrOrderNotEligible) {
		t.Fatalf("expected ErrOrderNotEligible before cancellation, got %v", err)
	}

	h.orders.SetStatus("order-1", orders.StatusCancelled)
	w, err := h.manager.Refund(ctx, "order-1", "")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if w.EscrowAccounts[0].Status != custody.EscrowRefunded {
		t.Fatalf("expected refunded, got %s", w.EscrowAccounts[0].Status)
	}
	if _, err := h.manager.Release(ctx, "order-1", ""); !errors.Is(err, ErrOrderNotEligible) && !errors.Is(err, ErrEscrowNotLocked) {
		t.Fatalf("expected refunded escrow to stay terminal, got %v", err)
	}
	if len(h.transactions(t, custody.KindEscrowRefund)) != 1 {
		t.Fatalf("expected one refund record")
	}
}

func TestCreateEscrowRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid amount", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.Zero})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("foreign escrow address", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1), EscrowAddress: common.HexToAddress("0x1").Hex()})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "missing", Amount: decimal.NewFromInt(1)})
		if !errors.Is(err, ErrOrderNotEligible) {
			t.Fatalf("expected ErrOrderNotEligible, got %v", err)
		}
	})

	t.Run("cancelled order", func(t *testing.T) {
		h := newHarness(t)
		h.orders.SetStatus("order-1", orders.StatusCancelled)
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1)})
		if !errors.Is(err, ErrOrderNotEligible) {
			t.Fatalf("expected ErrOrderNotEligible, got %v", err)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(11)})
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		if h.client.SendCalls != 0 {
			t.Fatalf("ledger must not be called")
		}
	})

	t.Run("suspended buyer", func(t *testing.T) {
		h := newHarness(t)
		if err := h.store.SetWalletStatus(ctx, "buyer", custody.WalletSuspended); err != nil {
			t.Fatalf("set status: %v", err)
		}
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1)})
		if !errors.Is(err, ErrWalletInactive) {
			t.Fatalf("expected ErrWalletInactive, got %v", err)
		}
	})

	t.Run("escrow exists", func(t *testing.T) {
		h := newHarness(t)
		h.lock(t)
		// Payment status moved to paid; reset it to reach the escrow check.
		if err := h.orders.SetPaymentStatus(ctx, "order-1", orders.PaymentPaid, orders.PaymentUnpaid); err != nil {
			t.Fatalf("reset payment status: %v", err)
		}
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1)})
		if !errors.Is(err, ErrEscrowExists) {
			t.Fatalf("expected ErrEscrowExists, got %v", err)
		}
	})
}

func TestCreateEscrowRevertRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.client.RevertReason = "execution reverted: order already locked"

	_, err := h.manager.CreateEscrow(context.Background(), CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, txn.ErrOnChain) {
		t.Fatalf("expected on-chain error, got %v", err)
	}
	if _, err := h.store.ActiveEscrow(context.Background(), "order-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no escrow after revert, got %v", err)
	}
	records := h.transactions(t, custody.KindEscrowLock)
	if len(records) != 1 {
		t.Fatalf("expected one lock record, got %d", len(records))
	}
	if records[0].Status != custody.TxFailed || records[0].FailureReason != "execution reverted: order already locked" {
		t.Fatalf("unexpected failed record %+v", records[0])
	}
	if records[0].Signature != h.client.Sent[0].Hash().Hex() {
		t.Fatalf("failed record should keep the signature")
	}
	order, _ := h.orders.Get(context.Background(), "order-1")
	if order.PaymentStatus != orders.PaymentUnpaid {
		t.Fatalf("order must stay unpaid, got %s", order.PaymentStatus)
	}
}

func TestCreateEscrowUnknownOutcomeStaysPending(t *testing.T) {
	h := newHarness(t)
	h.client.ConfirmErr = errors.New("rpc timeout")

	_, err := h.manager.CreateEscrow(context.Background(), CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, txn.ErrConfirmationFailed) {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	records := h.transactions(t, custody.KindEscrowLock)
	if len(records) != 1 || records[0].Status != custody.TxPending {
		t.Fatalf("expected one pending record, got %+v", records)
	}
	if records[0].Signature != h.client.Sent[0].Hash().Hex() {
		t.Fatalf("pending record should carry the broadcast signature, got %q", records[0].Signature)
	}
}

var (
	buyerAddress  = common.HexToAddress("0xb0")
	sellerAddress = common.HexToAddress("0x5e")
)

// externalLock signs a lock call from the buyer's own key and mines it.
func externalLock(t *testing.T, h *harness, orderID string, value *big.Int, status uint64) string {
	t.Helper()
	return externalLockBetween(t, h, orderID, buyerAddress, sellerAddress, value, status)
}

func externalLockBetween(t *testing.T, h *harness, orderID string, buyer, seller common.Address, value *big.Int, status uint64) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	data, err := contracts.Escrow.Pack("lock", contracts.OrderKey(orderID), buyer, seller)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	chainID, _ := h.client.ChainID(context.Background())
	to := escrowContract
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Gas:       90_000,
		GasFeeCap: big.NewInt(1),
		GasTipCap: big.NewInt(1),
		To:        &to,
		Value:     value,
		Data:      data,
	}), types.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	h.client.SetReceipt(&types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(2)}, tx)
	return tx.Hash().Hex()
}

func TestCreateEscrowVerifiesExternalSignature(t *testing.T) {
	ctx := context.Background()
	oneNative := big.NewInt(1_000_000_000_000_000_000)

	t.Run("matching lock", func(t *testing.T) {
		h := newHarness(t)
		sig := externalLock(t, h, "order-1", oneNative, types.ReceiptStatusSuccessful)
		w, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1), TxSignature: sig})
		if err != nil {
			t.Fatalf("create escrow: %v", err)
		}
		if w.EscrowAccounts[0].LockSignature != sig {
			t.Fatalf("expected lock signature %s got %s", sig, w.EscrowAccounts[0].LockSignature)
		}
		if h.client.SendCalls != 0 {
			t.Fatalf("verified lock must not submit a transaction")
		}
	})

	stranger := common.HexToAddress("0x0bad")
	cases := []struct {
		name    string
		orderID string
		buyer   common.Address
		seller  common.Address
		value   *big.Int
		status  uint64
		want    error
	}{
		{"other order", "order-2", buyerAddress, sellerAddress, oneNative, types.ReceiptStatusSuccessful, ErrSignatureMismatch},
		{"wrong amount", "order-1", buyerAddress, sellerAddress, big.NewInt(1), types.ReceiptStatusSuccessful, ErrSignatureMismatch},
		{"other buyer", "order-1", stranger, sellerAddress, oneNative, types.ReceiptStatusSuccessful, ErrSignatureMismatch},
		{"other seller", "order-1", buyerAddress, stranger, oneNative, types.ReceiptStatusSuccessful, ErrSignatureMismatch},
		{"reverted", "order-1", buyerAddress, sellerAddress, oneNative, types.ReceiptStatusFailed, txn.ErrOnChain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			sig := externalLockBetween(t, h, tc.orderID, tc.buyer, tc.seller, tc.value, tc.status)
			_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1), TxSignature: sig})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if _, err := h.store.ActiveEscrow(ctx, "order-1"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected no escrow, got %v", err)
			}
			records := h.transactions(t, custody.KindEscrowLock)
			if len(records) != 1 || records[0].Status != custody.TxFailed {
				t.Fatalf("expected one failed lock record, got %+v", records)
			}
		})
	}

	t.Run("unknown signature", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.CreateEscrow(ctx, CreateInput{OrderID: "order-1", Amount: decimal.NewFromInt(1), TxSignature: common.HexToHash("0xabc").Hex()})
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("expected ErrSignatureMismatch, got %v", err)
		}
	})
}

func TestConcurrentReleasesSettleOnce(t *testing.T) {
	h := newHarness(t)
	h.lock(t)
	h.orders.SetStatus("order-1", orders.StatusCompleted)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.Release(context.Background(), "order-1", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one release, got %d (errors %v)", successes, failures)
	}
	for _, err := range failures {
		if !errors.Is(err, ErrEscrowNotLocked) && !errors.Is(err, ErrConcurrentTransition) {
			t.Fatalf("unexpected release error %v", err)
		}
	}
	if got := len(h.transactions(t, custody.KindEscrowRelease)); got != 1 {
		t.Fatalf("expected one release record, got %d", got)
	}
}
