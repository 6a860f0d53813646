package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"gigledger/internal/custody"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists state in PostgreSQL. Uniqueness and the mint address
// invariant are enforced by the schema as well as by the queries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Pool exposes the connection pool to components sharing the database.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w custody.Wallet) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO wallets (user_id, address, balance, status, last_synced_at, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
`, w.UserID, w.Address, w.Balance.String(), string(w.Status), w.LastSyncedAt, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (custody.Wallet, error) {
	var (
		w       custody.Wallet
		balance string
		status  string
	)
	err := p.pool.QueryRow(ctx, `
SELECT user_id, address, balance::text, status, last_synced_at, created_at, updated_at
FROM wallets WHERE user_id = $1
`, userID).Scan(&w.UserID, &w.Address, &balance, &status, &w.LastSyncedAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return custody.Wallet{}, ErrNotFound
	}
	if err != nil {
		return custody.Wallet{}, err
	}
	w.Status = custody.WalletStatus(status)
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return custody.Wallet{}, err
	}

	if w.EscrowAccounts, err = p.queryEscrows(ctx, `WHERE user_id = $1`, userID); err != nil {
		return custody.Wallet{}, err
	}
	if w.Transactions, err = p.queryTransactions(ctx, `WHERE user_id = $1`, userID); err != nil {
		return custody.Wallet{}, err
	}
	return w, nil
}

func (p *PostgresStore) SyncWalletBalance(ctx context.Context, userID string, balance decimal.Decimal, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE wallets SET balance = $2::numeric, last_synced_at = $3, updated_at = $3 WHERE user_id = $1
`, userID, balance.String(), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetWalletStatus(ctx context.Context, userID string, status custody.WalletStatus) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE wallets SET status = $2, updated_at = now() WHERE user_id = $1
`, userID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const escrowColumns = `id, user_id, order_id, escrow_address, amount::text, status, lock_signature, settle_signature, created_at, updated_at`

func (p *PostgresStore) queryEscrows(ctx context.Context, where string, args ...any) ([]custody.EscrowAccount, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []custody.EscrowAccount{}
	for rows.Next() {
		var (
			e      custody.EscrowAccount
			amount string
			status string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &e.EscrowAddress, &amount, &status,
			&e.LockSignature, &e.SettleSignature, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = custody.EscrowStatus(status)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveEscrow(ctx context.Context, orderID string) (custody.EscrowAccount, error) {
	list, err := p.queryEscrows(ctx, `WHERE order_id = $1 AND status IN ('pending', 'locked')`, orderID)
	if err != nil {
		return custody.EscrowAccount{}, err
	}
	if len(list) == 0 {
		return custody.EscrowAccount{}, ErrNotFound
	}
	return list[0], nil
}

func (p *PostgresStore) ListEscrows(ctx context.Context, orderID string) ([]custody.EscrowAccount, error) {
	return p.queryEscrows(ctx, `WHERE order_id = $1`, orderID)
}

const transactionColumns = `id, user_id, kind, amount::text, status, signature, order_id, failure_reason, created_at, settled_at`

func (p *PostgresStore) queryTransactions(ctx context.Context, where string, args ...any) ([]custody.Transaction, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+transactionColumns+` FROM wallet_transactions `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []custody.Transaction{}
	for rows.Next() {
		var (
			tx           custody.Transaction
			kind, status string
			amount       string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &kind, &amount, &status, &tx.Signature,
			&tx.OrderID, &tx.FailureReason, &tx.CreatedAt, &tx.SettledAt); err != nil {
			return nil, err
		}
		tx.Kind = custody.TransactionKind(kind)
		tx.Status = custody.TransactionStatus(status)
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendTransaction(ctx context.Context, tx custody.Transaction) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO wallet_transactions (id, user_id, kind, amount, status, signature, order_id, failure_reason, created_at, settled_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
`, tx.ID, tx.UserID, string(tx.Kind), tx.Amount.String(), string(tx.Status), tx.Signature,
		tx.OrderID, tx.FailureReason, tx.CreatedAt, tx.SettledAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, orderID string) ([]custody.Transaction, error) {
	return p.queryTransactions(ctx, `WHERE order_id = $1`, orderID)
}

func (p *PostgresStore) RecordSignature(ctx context.Context, txID, sig string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM wallet_transactions WHERE id = $1 FOR UPDATE`, txID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if custody.TransactionStatus(current) != custody.TxPending {
			return ErrInvalidTransition
		}
		_, err = tx.Exec(ctx, `UPDATE wallet_transactions SET signature = $2 WHERE id = $1`, txID, sig)
		return err
	})
}

func (p *PostgresStore) ListPendingTransactions(ctx context.Context, before time.Time) ([]custody.Transaction, error) {
	return p.queryTransactions(ctx, `WHERE status = 'pending' AND created_at < $1`, before)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func settleIn(ctx context.Context, db execer, s Settlement) error {
	var current string
	err := db.QueryRow(ctx, `SELECT status FROM wallet_transactions WHERE id = $1 FOR UPDATE`, s.TransactionID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := checkSettlement(custody.TransactionStatus(current), s); err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
UPDATE wallet_transactions
SET status = $2, signature = COALESCE(NULLIF($3, ''), signature), failure_reason = $4, settled_at = $5
WHERE id = $1 AND status = 'pending'
`, s.TransactionID, string(s.Status), s.Signature, s.FailureReason, s.At)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) SettleTransaction(ctx context.Context, s Settlement) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		return settleIn(ctx, tx, s)
	})
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) CommitLock(ctx context.Context, esc custody.EscrowAccount, s Settlement) error {
	if esc.Status != custody.EscrowLocked {
		return ErrInvalidTransition
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO escrow_accounts (id, user_id, order_id, escrow_address, amount, status, lock_signature, settle_signature, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
`, esc.ID, esc.UserID, esc.OrderID, esc.EscrowAddress, esc.Amount.String(), string(esc.Status),
			esc.LockSignature, esc.SettleSignature, esc.CreatedAt, esc.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		return settleIn(ctx, tx, s)
	})
}

func (p *PostgresStore) CommitEscrowMove(ctx context.Context, m EscrowMove, s Settlement) error {
	if !custody.CanTransition(m.From, m.To) {
		return ErrInvalidTransition
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE escrow_accounts SET status = $3, settle_signature = $4, updated_at = $5
WHERE order_id = $1 AND status = $2
`, m.OrderID, string(m.From), string(m.To), m.Signature, m.At)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleStatus
		}
		return settleIn(ctx, tx, s)
	})
}

type assetRow struct {
	metadata, collection, transfers []byte
	kind, status                    string
	mintAddress                     *string
}

func encodeAsset(a custody.MintableAsset) (assetRow, error) {
	var r assetRow
	var err error
	if r.metadata, err = json.Marshal(a.Metadata); err != nil {
		return r, err
	}
	if a.Collection != nil {
		if r.collection, err = json.Marshal(a.Collection); err != nil {
			return r, err
		}
	}
	transfers := a.Transfers
	if transfers == nil {
		transfers = []custody.Transfer{}
	}
	if r.transfers, err = json.Marshal(transfers); err != nil {
		return r, err
	}
	if a.MintAddress != "" {
		addr := a.MintAddress
		r.mintAddress = &addr
	}
	return r, nil
}

func (p *PostgresStore) CreateAsset(ctx context.Context, a custody.MintableAsset) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r, err := encodeAsset(a)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO assets (id, owner_id, owner_address, review_id, kind, metadata, metadata_uri, status, mint_address,
    token_id, mint_signature, pending_signature, collection, last_error, attempt, retry_of, transfers,
    created_at, updated_at, minting_started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`, a.ID, a.OwnerID, a.OwnerAddress, a.ReviewID, string(a.Kind), r.metadata, a.MetadataURI, string(a.Status),
		r.mintAddress, a.TokenID, a.MintSignature, a.PendingSignature, r.collection, a.LastError, a.Attempt,
		a.RetryOf, r.transfers, a.CreatedAt, a.UpdatedAt, a.MintingStartedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const assetColumns = `id, owner_id, owner_address, review_id, kind, metadata, metadata_uri, status, mint_address,
    token_id, mint_signature, pending_signature, collection, last_error, attempt, retry_of, transfers,
    created_at, updated_at, minting_started_at`

func scanAsset(row pgx.Row) (custody.MintableAsset, error) {
	var (
		a custody.MintableAsset
		r assetRow
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.OwnerAddress, &a.ReviewID, &r.kind, &r.metadata, &a.MetadataURI,
		&r.status, &r.mintAddress, &a.TokenID, &a.MintSignature, &a.PendingSignature, &r.collection,
		&a.LastError, &a.Attempt, &a.RetryOf, &r.transfers, &a.CreatedAt, &a.UpdatedAt, &a.MintingStartedAt); err != nil {
		return a, err
	}
	a.Kind = custody.AssetKind(r.kind)
	a.Status = custody.AssetStatus(r.status)
	if r.mintAddress != nil {
		a.MintAddress = *r.mintAddress
	}
	if err := json.Unmarshal(r.metadata, &a.Metadata); err != nil {
		return a, err
	}
	if len(r.collection) > 0 {
		a.Collection = &custody.CollectionMembership{}
		if err := json.Unmarshal(r.collection, a.Collection); err != nil {
			return a, err
		}
	}
	if err := json.Unmarshal(r.transfers, &a.Transfers); err != nil {
		return a, err
	}
	return a, nil
}

func (p *PostgresStore) GetAsset(ctx context.Context, id string) (custody.MintableAsset, error) {
	a, err := scanAsset(p.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return custody.MintableAsset{}, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) UpdateAsset(ctx context.Context, a custody.MintableAsset, expected custody.AssetStatus) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r, err := encodeAsset(a)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
UPDATE assets SET metadata_uri = $3, status = $4, mint_address = $5, token_id = $6, mint_signature = $7,
    pending_signature = $8, collection = $9, last_error = $10, transfers = $11, updated_at = $12,
    minting_started_at = $13
WHERE id = $1 AND status = $2 AND (mint_address IS NULL OR mint_address = $5)
`, a.ID, string(expected), a.MetadataURI, string(a.Status), r.mintAddress, a.TokenID, a.MintSignature,
		a.PendingSignature, r.collection, a.LastError, r.transfers, a.UpdatedAt, a.MintingStartedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := p.GetAsset(ctx, a.ID)
	if err != nil {
		return err
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	return ErrInvalidTransition
}

func (p *PostgresStore) ListAssets(ctx context.Context, f AssetFilter) ([]custody.MintableAsset, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.UpdatedSince.IsZero() {
		add("updated_at >= $%d", f.UpdatedSince)
	}
	if !f.MintingBefore.IsZero() {
		add("minting_started_at < $%d", f.MintingBefore)
	}
	if f.NeedsVerification {
		conds = append(conds, "status = 'minted' AND collection IS NOT NULL AND NOT (collection->>'verified')::boolean")
	}

	query := `SELECT ` + assetColumns + ` FROM assets`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []custody.MintableAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountAssets(ctx context.Context, status custody.AssetStatus, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM assets WHERE status = $1 AND updated_at >= $2`,
		string(status), since).Scan(&n)
	return n, err
}

func (p *PostgresStore) PutMetadata(ctx context.Context, hash string, doc []byte) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO asset_metadata (hash, document) VALUES ($1, $2)
ON CONFLICT (hash) DO NOTHING
`, hash, doc)
	return err
}

func (p *PostgresStore) GetMetadata(ctx context.Context, hash string) ([]byte, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT document FROM asset_metadata WHERE hash = $1`, hash).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}
