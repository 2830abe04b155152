package storage

import (
	"context"
	"time"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/domain/reward"
	"github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/domain/wallet"
)

// RecordStore persists collected items and their sync outcome. On the server
// it backs the ledger's item bookkeeping; on the client it is the local
// database the batch submitter drains.
type RecordStore interface {
	SaveItem(ctx context.Context, item record.Item) (record.Item, error)
	GetItem(ctx context.Context, id string) (record.Item, error)
	// ListUnsynced returns up to limit unsynced items for the user in
	// collection order. limit <= 0 means no bound.
	ListUnsynced(ctx context.Context, userID string, limit int) ([]record.Item, error)
	// MarkCredited transitions an item to credited with the server-assigned
	// reward. Credited items never transition back.
	MarkCredited(ctx context.Context, id string, amount float64, creditedAt time.Time) error
	CountItems(ctx context.Context, userID string) (int, error)
	// SumRewards totals credited rewards, the local fallback for balance
	// reconciliation.
	SumRewards(ctx context.Context, userID string) (float64, error)
}

// RewardStore persists reward credits. InsertCredit is the dedupe authority:
// it must be atomic per (userID, itemID).
type RewardStore interface {
	// InsertCredit stores the credit if no credit exists for its
	// (UserID, ItemID) pair. It returns the stored credit and true when a
	// new credit was created, or the pre-existing credit and false.
	InsertCredit(ctx context.Context, cr reward.Credit) (reward.Credit, bool, error)
	GetCredit(ctx context.Context, userID, itemID string) (reward.Credit, error)
	ListCredits(ctx context.Context, userID string) ([]reward.Credit, error)
	TotalCredited(ctx context.Context, userID string) (float64, error)
	CountSettled(ctx context.Context, userID string) (int, error)

	// ListUnsettled returns credits with no claiming batch.
	ListUnsettled(ctx context.Context, userID string) ([]reward.Credit, error)
	// ClaimCredits atomically assigns batchID to the given credits. It
	// claims either all of them or none: if any credit is already claimed
	// or missing, no credit is modified and claimed is 0.
	ClaimCredits(ctx context.Context, userID, batchID string, creditIDs []string) (claimed int, err error)
	// ReleaseCredits returns a batch's credits to the unsettled pool.
	ReleaseCredits(ctx context.Context, batchID string) error
	// MarkSettled stamps SettledAt on a batch's credits.
	MarkSettled(ctx context.Context, batchID string, at time.Time) error
	// ListClaimedBatchIDs returns the distinct batch IDs currently holding
	// unsettled claims, for stale-claim reconciliation.
	ListClaimedBatchIDs(ctx context.Context) ([]string, error)
}

// SettlementStore persists settlement batches.
type SettlementStore interface {
	CreateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error)
	UpdateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error)
	GetBatch(ctx context.Context, id string) (settlement.Batch, error)
	ListBatches(ctx context.Context, userID string) ([]settlement.Batch, error)
	ListBatchesInState(ctx context.Context, state settlement.State) ([]settlement.Batch, error)
}

// WalletStore persists wallet registrations and transfer records.
type WalletStore interface {
	SaveWallet(ctx context.Context, w wallet.Wallet) (wallet.Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (wallet.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (wallet.Wallet, error)

	CreateTransaction(ctx context.Context, tx wallet.TransactionRecord) (wallet.TransactionRecord, error)
	// UpdateTransaction rejects transitions out of a terminal status.
	UpdateTransaction(ctx context.Context, tx wallet.TransactionRecord) (wallet.TransactionRecord, error)
	GetTransaction(ctx context.Context, id string) (wallet.TransactionRecord, error)
	ListTransactions(ctx context.Context, userID string) ([]wallet.TransactionRecord, error)
	ListTransactionsByAddress(ctx context.Context, address string) ([]wallet.TransactionRecord, error)
	// ListPendingOlderThan returns pending records whose timestamp is
	// before the cutoff, the candidates for reconciliation.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]wallet.TransactionRecord, error)
}
