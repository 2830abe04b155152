package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/domain/reward"
	"github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/domain/wallet"
	"github.com/aria-network/reward-engine/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.RecordStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.WalletStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema creates the engine tables when they do not exist yet.
const Schema = `
CREATE TABLE IF NOT EXISTS reward_items (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	item_type    TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	collected_at TIMESTAMPTZ NOT NULL,
	sync_state   TEXT NOT NULL,
	reward       DOUBLE PRECISION NOT NULL DEFAULT 0,
	credited_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS reward_credits (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	item_type  TEXT NOT NULL,
	amount     DOUBLE PRECISION NOT NULL,
	issued_at  TIMESTAMPTZ NOT NULL,
	batch_id   TEXT,
	settled_at TIMESTAMPTZ,
	UNIQUE (user_id, item_id)
);

CREATE TABLE IF NOT EXISTS settlement_batches (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	wallet_address TEXT NOT NULL,
	credit_ids     TEXT[] NOT NULL,
	total_amount   DOUBLE PRECISION NOT NULL,
	state          TEXT NOT NULL,
	tx_ref         TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	submitted_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS wallets (
	user_id    TEXT PRIMARY KEY,
	address    TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	batch_id     TEXT NOT NULL DEFAULT '',
	amount       DOUBLE PRECISION NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	tx_type      TEXT NOT NULL,
	status       TEXT NOT NULL,
	from_address TEXT NOT NULL DEFAULT '',
	to_address   TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT ''
);
`

// EnsureSchema applies the schema idempotently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// --- RecordStore ------------------------------------------------------------

func (s *Store) SaveItem(ctx context.Context, item record.Item) (record.Item, error) {
	if item.UserID == "" {
		return record.Item{}, errors.New("user_id required")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.SyncState == "" {
		item.SyncState = record.StateUnsynced
	}
	if item.CollectedAt.IsZero() {
		item.CollectedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_items (id, user_id, item_type, content, collected_at, sync_state, reward, credited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.UserID, item.Type, item.Content, item.CollectedAt, item.SyncState, item.Reward, nullTime(item.CreditedAt))
	if err != nil {
		return record.Item{}, err
	}
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (record.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, item_type, content, collected_at, sync_state, reward, credited_at
		FROM reward_items
		WHERE id = $1
	`, id)
	return scanItem(row)
}

func (s *Store) ListUnsynced(ctx context.Context, userID string, limit int) ([]record.Item, error) {
	query := `
		SELECT id, user_id, item_type, content, collected_at, sync_state, reward, credited_at
		FROM reward_items
		WHERE user_id = $1 AND sync_state = $2
		ORDER BY collected_at
	`
	args := []interface{}{userID, record.StateUnsynced}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []record.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *Store) MarkCredited(ctx context.Context, id string, amount float64, creditedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reward_items
		SET sync_state = $2, reward = $3, credited_at = $4
		WHERE id = $1 AND sync_state <> $2
	`, id, record.StateCredited, amount, creditedAt.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Already credited or unknown; credited items stay untouched.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reward_items WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return sql.ErrNoRows
		}
	}
	return nil
}

func (s *Store) CountItems(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reward_items WHERE user_id = $1
	`, userID).Scan(&count)
	return count, err
}

func (s *Store) SumRewards(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(reward), 0) FROM reward_items
		WHERE user_id = $1 AND sync_state = $2
	`, userID, record.StateCredited).Scan(&total)
	return total, err
}

// --- RewardStore ------------------------------------------------------------

func (s *Store) InsertCredit(ctx context.Context, cr reward.Credit) (reward.Credit, bool, error) {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	if cr.IssuedAt.IsZero() {
		cr.IssuedAt = time.Now().UTC()
	}

	// The unique index on (user_id, item_id) makes this the dedupe point.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_credits (id, user_id, item_id, item_type, amount, issued_at, batch_id, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (user_id, item_id) DO NOTHING
	`, cr.ID, cr.UserID, cr.ItemID, cr.ItemType, cr.Amount, cr.IssuedAt, cr.BatchID, nullTime(cr.SettledAt))
	if err != nil {
		return reward.Credit{}, false, err
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return cr, true, nil
	}

	existing, err := s.GetCredit(ctx, cr.UserID, cr.ItemID)
	if err != nil {
		return reward.Credit{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetCredit(ctx context.Context, userID, itemID string) (reward.Credit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, item_id, item_type, amount, issued_at, COALESCE(batch_id, ''), settled_at
		FROM reward_credits
		WHERE user_id = $1 AND item_id = $2
	`, userID, itemID)
	return scanCredit(row)
}

func (s *Store) ListCredits(ctx context.Context, userID string) ([]reward.Credit, error) {
	return s.queryCredits(ctx, `
		SELECT id, user_id, item_id, item_type, amount, issued_at, COALESCE(batch_id, ''), settled_at
		FROM reward_credits
		WHERE user_id = $1
		ORDER BY issued_at
	`, userID)
}

func (s *Store) TotalCredited(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM reward_credits WHERE user_id = $1
	`, userID).Scan(&total)
	return total, err
}

func (s *Store) CountSettled(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reward_credits
		WHERE user_id = $1 AND settled_at IS NOT NULL
	`, userID).Scan(&count)
	return count, err
}

func (s *Store) ListUnsettled(ctx context.Context, userID string) ([]reward.Credit, error) {
	return s.queryCredits(ctx, `
		SELECT id, user_id, item_id, item_type, amount, issued_at, COALESCE(batch_id, ''), settled_at
		FROM reward_credits
		WHERE user_id = $1 AND batch_id IS NULL
		ORDER BY issued_at
	`, userID)
}

func (s *Store) ClaimCredits(ctx context.Context, userID, batchID string, creditIDs []string) (int, error) {
	if len(creditIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE reward_credits
		SET batch_id = $1
		WHERE user_id = $2 AND batch_id IS NULL AND id = ANY($3)
	`, batchID, userID, pq.Array(creditIDs))
	if err != nil {
		return 0, err
	}

	// Claims are all-or-nothing; losing any credit to a concurrent cycle
	// aborts the whole claim.
	rows, _ := result.RowsAffected()
	if int(rows) != len(creditIDs) {
		return 0, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(creditIDs), nil
}

func (s *Store) ReleaseCredits(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_credits
		SET batch_id = NULL
		WHERE batch_id = $1 AND settled_at IS NULL
	`, batchID)
	return err
}

func (s *Store) MarkSettled(ctx context.Context, batchID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_credits
		SET settled_at = $2
		WHERE batch_id = $1
	`, batchID, at.UTC())
	return err
}

func (s *Store) ListClaimedBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT batch_id FROM reward_credits
		WHERE batch_id IS NOT NULL AND settled_at IS NULL
		ORDER BY batch_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error) {
	if b.UserID == "" {
		return settlement.Batch{}, errors.New("user_id required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_batches (id, user_id, wallet_address, credit_ids, total_amount, state, tx_ref, attempts, last_error, created_at, updated_at, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, b.ID, b.UserID, b.WalletAddress, pq.Array(b.CreditIDs), b.TotalAmount, b.State, b.TxRef, b.Attempts, b.LastError, b.CreatedAt, b.UpdatedAt, nullTime(b.SubmittedAt))
	if err != nil {
		return settlement.Batch{}, err
	}
	return b, nil
}

func (s *Store) UpdateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error) {
	b.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_batches
		SET state = $2, tx_ref = $3, attempts = $4, last_error = $5, updated_at = $6, submitted_at = $7
		WHERE id = $1 AND state NOT IN ($8, $9)
	`, b.ID, b.State, b.TxRef, b.Attempts, b.LastError, b.UpdatedAt, nullTime(b.SubmittedAt),
		settlement.StateConfirmed, settlement.StateFailed)
	if err != nil {
		return settlement.Batch{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return settlement.Batch{}, sql.ErrNoRows
	}
	return b, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (settlement.Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, wallet_address, credit_ids, total_amount, state, tx_ref, attempts, last_error, created_at, updated_at, submitted_at
		FROM settlement_batches
		WHERE id = $1
	`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Batch{}, fmt.Errorf("batch %s: %w", id, settlement.ErrBatchNotFound)
	}
	return b, err
}

func (s *Store) ListBatches(ctx context.Context, userID string) ([]settlement.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT id, user_id, wallet_address, credit_ids, total_amount, state, tx_ref, attempts, last_error, created_at, updated_at, submitted_at
		FROM settlement_batches
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
}

func (s *Store) ListBatchesInState(ctx context.Context, state settlement.State) ([]settlement.Batch, error) {
	return s.queryBatches(ctx, `
		SELECT id, user_id, wallet_address, credit_ids, total_amount, state, tx_ref, attempts, last_error, created_at, updated_at, submitted_at
		FROM settlement_batches
		WHERE state = $1
		ORDER BY created_at
	`, state)
}

// --- WalletStore ------------------------------------------------------------

func (s *Store) SaveWallet(ctx context.Context, w wallet.Wallet) (wallet.Wallet, error) {
	w.Address = strings.TrimSpace(w.Address)
	if w.UserID == "" || w.Address == "" {
		return wallet.Wallet{}, errors.New("wallet requires user id and address")
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET address = EXCLUDED.address, updated_at = EXCLUDED.updated_at
	`, w.UserID, w.Address, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return wallet.Wallet{}, err
	}
	return w, nil
}

func (s *Store) GetWalletByUser(ctx context.Context, userID string) (wallet.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, address, created_at, updated_at FROM wallets WHERE user_id = $1
	`, userID)
	var w wallet.Wallet
	if err := row.Scan(&w.UserID, &w.Address, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return wallet.Wallet{}, err
	}
	return w, nil
}

func (s *Store) GetWalletByAddress(ctx context.Context, address string) (wallet.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, address, created_at, updated_at FROM wallets WHERE LOWER(address) = LOWER($1)
	`, strings.TrimSpace(address))
	var w wallet.Wallet
	if err := row.Scan(&w.UserID, &w.Address, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return wallet.Wallet{}, err
	}
	return w, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx wallet.TransactionRecord) (wallet.TransactionRecord, error) {
	if tx.ID == "" {
		return wallet.TransactionRecord{}, errors.New("transaction id required")
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, batch_id, amount, ts, tx_type, status, from_address, to_address, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, tx.UserID, tx.BatchID, tx.Amount, tx.Timestamp, tx.Type, tx.Status, tx.FromAddress, tx.ToAddress, tx.Description)
	if err != nil {
		return wallet.TransactionRecord{}, err
	}
	return tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx wallet.TransactionRecord) (wallet.TransactionRecord, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallet_transactions
		SET status = $2, description = $3
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, tx.ID, tx.Status, tx.Description, wallet.StatusCompleted, wallet.StatusFailed)
	if err != nil {
		return wallet.TransactionRecord{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return wallet.TransactionRecord{}, sql.ErrNoRows
	}
	return s.GetTransaction(ctx, tx.ID)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (wallet.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, batch_id, amount, ts, tx_type, status, from_address, to_address, description
		FROM wallet_transactions
		WHERE id = $1
	`, id)
	return scanWalletTx(row)
}

func (s *Store) ListTransactions(ctx context.Context, userID string) ([]wallet.TransactionRecord, error) {
	return s.queryWalletTxs(ctx, `
		SELECT id, user_id, batch_id, amount, ts, tx_type, status, from_address, to_address, description
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY ts
	`, userID)
}

func (s *Store) ListTransactionsByAddress(ctx context.Context, address string) ([]wallet.TransactionRecord, error) {
	return s.queryWalletTxs(ctx, `
		SELECT id, user_id, batch_id, amount, ts, tx_type, status, from_address, to_address, description
		FROM wallet_transactions
		WHERE LOWER(to_address) = LOWER($1) OR LOWER(from_address) = LOWER($1)
		ORDER BY ts
	`, strings.TrimSpace(address))
}

func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]wallet.TransactionRecord, error) {
	return s.queryWalletTxs(ctx, `
		SELECT id, user_id, batch_id, amount, ts, tx_type, status, from_address, to_address, description
		FROM wallet_transactions
		WHERE status = $1 AND ts < $2
		ORDER BY ts
	`, wallet.StatusPending, cutoff.UTC())
}

// --- scan helpers -----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (record.Item, error) {
	var (
		item     record.Item
		credited sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.UserID, &item.Type, &item.Content, &item.CollectedAt, &item.SyncState, &item.Reward, &credited); err != nil {
		return record.Item{}, err
	}
	if credited.Valid {
		item.CreditedAt = credited.Time
	}
	return item, nil
}

func scanCredit(row rowScanner) (reward.Credit, error) {
	var (
		cr      reward.Credit
		settled sql.NullTime
	)
	if err := row.Scan(&cr.ID, &cr.UserID, &cr.ItemID, &cr.ItemType, &cr.Amount, &cr.IssuedAt, &cr.BatchID, &settled); err != nil {
		return reward.Credit{}, err
	}
	if settled.Valid {
		cr.SettledAt = settled.Time
	}
	return cr, nil
}

func scanBatch(row rowScanner) (settlement.Batch, error) {
	var (
		b         settlement.Batch
		creditIDs pq.StringArray
		submitted sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.UserID, &b.WalletAddress, &creditIDs, &b.TotalAmount, &b.State, &b.TxRef, &b.Attempts, &b.LastError, &b.CreatedAt, &b.UpdatedAt, &submitted); err != nil {
		return settlement.Batch{}, err
	}
	b.CreditIDs = []string(creditIDs)
	if submitted.Valid {
		b.SubmittedAt = submitted.Time
	}
	return b, nil
}

func scanWalletTx(row rowScanner) (wallet.TransactionRecord, error) {
	var tx wallet.TransactionRecord
	if err := row.Scan(&tx.ID, &tx.UserID, &tx.BatchID, &tx.Amount, &tx.Timestamp, &tx.Type, &tx.Status, &tx.FromAddress, &tx.ToAddress, &tx.Description); err != nil {
		return wallet.TransactionRecord{}, err
	}
	return tx, nil
}

func (s *Store) queryCredits(ctx context.Context, query string, args ...interface{}) ([]reward.Credit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reward.Credit
	for rows.Next() {
		cr, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cr)
	}
	return result, rows.Err()
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...interface{}) ([]settlement.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) queryWalletTxs(ctx context.Context, query string, args ...interface{}) ([]wallet.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []wallet.TransactionRecord
	for rows.Next() {
		tx, err := scanWalletTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
