package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/core/types"

	"gigledger/internal/custody"
	"gigledger/internal/txn"
)

// settlementFor maps a pending release or refund record back to its transition.
func settlementFor(kind custody.TransactionKind) (settlement, bool) {
	switch kind {
	case releaseOp.kind:
		return releaseOp, true
	case refundOp.kind:
		return refundOp, true
	}
	return settlement{}, false
}

// resumePending resolves the pending records of kind left behind for orderID
// by earlier attempts. It returns the record whose transaction landed, if any.
// Records that can no longer land are failed. The caller holds the order lock.
func (m *Manager) resumePending(ctx context.Context, orderID string, kind custody.TransactionKind) (custody.Transaction, txn.Submission, bool, error) {
	txs, err := m.store.ListTransactions(ctx, orderID)
	if err != nil {
		return custody.Transaction{}, txn.Submission{}, false, err
	}
	for _, record := range txs {
		if record.Kind != kind || record.Status != custody.TxPending {
			continue
		}
		sub, landed, err := m.resolve(ctx, record)
		if err != nil {
			return custody.Transaction{}, txn.Submission{}, false, err
		}
		if landed {
			return record, sub, true, nil
		}
	}
	return custody.Transaction{}, txn.Submission{}, false, nil
}

// resolve looks up the ledger outcome of a pending record. A record that can
// no longer land is settled failed; one that still may is ErrOutcomePending.
func (m *Manager) resolve(ctx context.Context, record custody.Transaction) (txn.Submission, bool, error) {
	persist := context.WithoutCancel(ctx)
	if record.Signature == "" {
		m.settleFailed(persist, record, errors.New("transaction was never broadcast"))
		return txn.Submission{}, false, nil
	}

	outcome, receipt, err := txn.Resolve(ctx, m.client, record.Signature)
	if err != nil {
		return txn.Submission{}, false, fmt.Errorf("resolve %s: %w", record.Signature, err)
	}
	switch outcome {
	case txn.OutcomeUnknown:
		return txn.Submission{}, false, fmt.Errorf("%w: %s %s of order %s", ErrOutcomePending, record.Kind, record.Signature, record.OrderID)
	case txn.OutcomeDropped:
		m.settleFailed(persist, record, &txn.OnChainError{Signature: record.Signature, Reason: "replaced before landing"})
		return txn.Submission{}, false, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		m.settleFailed(persist, record, &txn.OnChainError{Signature: record.Signature, Reason: "execution reverted"})
		return txn.Submission{}, false, nil
	}
	m.logger.Info("escrow transaction resolved",
		slog.String("order_id", record.OrderID),
		slog.String("transaction_id", record.ID),
		slog.String("signature", record.Signature))
	return txn.Submission{Signature: record.Signature, Receipt: receipt}, true, nil
}

// ReconcileTransaction settles a pending escrow record from its ledger outcome
// and applies the escrow transition when it landed. It returns
// ErrOutcomePending while the transaction may still land.
func (m *Manager) ReconcileTransaction(ctx context.Context, record custody.Transaction) error {
	op, isMove := settlementFor(record.Kind)
	if record.Kind != custody.KindEscrowLock && !isMove {
		return fmt.Errorf("%w: %s is not an escrow transaction", ErrInvalidInput, record.Kind)
	}

	release, err := m.lockOrder(ctx, record.OrderID)
	if err != nil {
		return err
	}
	defer release()

	// Re-read under the lock: a request may have settled it meanwhile.
	current, err := m.pendingRecord(ctx, record)
	if err != nil || current.ID == "" {
		return err
	}
	sub, landed, err := m.resolve(ctx, current)
	if err != nil || !landed {
		return err
	}

	persist := context.WithoutCancel(ctx)
	if isMove {
		return m.commitMove(persist, current, sub.Signature, op)
	}
	return m.commitLock(persist, current, sub.Signature)
}

func (m *Manager) pendingRecord(ctx context.Context, record custody.Transaction) (custody.Transaction, error) {
	txs, err := m.store.ListTransactions(ctx, record.OrderID)
	if err != nil {
		return custody.Transaction{}, err
	}
	for _, tx := range txs {
		if tx.ID == record.ID && tx.Status == custody.TxPending {
			return tx, nil
		}
	}
	return custody.Transaction{}, nil
}
