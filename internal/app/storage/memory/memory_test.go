package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/domain/reward"
	"github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/domain/wallet"
)

func seedCredits(t *testing.T, store *Store, userID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		cr, created, err := store.InsertCredit(context.Background(), reward.Credit{
			ID:       uuid.NewString(),
			UserID:   userID,
			ItemID:   uuid.NewString(),
			ItemType: "other",
			Amount:   0.1,
			IssuedAt: time.Now().UTC(),
		})
		if err != nil || !created {
			t.Fatalf("seed credit: created=%v err=%v", created, err)
		}
		ids = append(ids, cr.ID)
	}
	return ids
}

func TestStore_InsertCreditDedupes(t *testing.T) {
	store := New()

	cr := reward.Credit{ID: "c1", UserID: "u1", ItemID: "i1", Amount: 0.5}
	first, created, err := store.InsertCredit(context.Background(), cr)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	dup := reward.Credit{ID: "c2", UserID: "u1", ItemID: "i1", Amount: 0.9}
	second, created, err := store.InsertCredit(context.Background(), dup)
	if err != nil {
		t.Fatalf("dup insert: %v", err)
	}
	if created {
		t.Fatalf("same (user, item) pair must not create a second credit")
	}
	if second.ID != first.ID || second.Amount != first.Amount {
		t.Fatalf("dup insert must return the original: %+v", second)
	}

	// A different user may credit the same item id.
	_, created, err = store.InsertCredit(context.Background(), reward.Credit{ID: "c3", UserID: "u2", ItemID: "i1"})
	if err != nil || !created {
		t.Fatalf("other user insert: created=%v err=%v", created, err)
	}
}

func TestStore_ClaimCreditsAllOrNothing(t *testing.T) {
	store := New()
	ids := seedCredits(t, store, "u1", 3)

	claimed, err := store.ClaimCredits(context.Background(), "u1", "batch-1", ids)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 3 {
		t.Fatalf("claimed %d of 3", claimed)
	}

	// A second claim overlapping the first settles nothing.
	claimed, err = store.ClaimCredits(context.Background(), "u1", "batch-2", ids[:1])
	if err != nil {
		t.Fatalf("conflicting claim: %v", err)
	}
	if claimed != 0 {
		t.Fatalf("overlapping claim must claim nothing, got %d", claimed)
	}

	if err := store.ReleaseCredits(context.Background(), "batch-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	unsettled, err := store.ListUnsettled(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 3 {
		t.Fatalf("release should restore the pool: %d", len(unsettled))
	}
}

func TestStore_ClaimCreditsConcurrentDisjoint(t *testing.T) {
	store := New()
	ids := seedCredits(t, store, "u1", 5)

	const claimers = 8
	wins := make([]int, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := store.ClaimCredits(context.Background(), "u1", uuid.NewString(), ids)
			if err != nil {
				t.Errorf("claim %d: %v", n, err)
				return
			}
			wins[n] = claimed
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, claimed := range wins {
		switch claimed {
		case 0:
		case len(ids):
			winners++
		default:
			t.Fatalf("partial claim observed: %d", claimed)
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one claimer must win, got %d", winners)
	}
}

func TestStore_MarkSettled(t *testing.T) {
	store := New()
	ids := seedCredits(t, store, "u1", 2)

	if _, err := store.ClaimCredits(context.Background(), "u1", "batch-1", ids); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSettled(context.Background(), "batch-1", time.Now().UTC()); err != nil {
		t.Fatalf("mark settled: %v", err)
	}

	settled, err := store.CountSettled(context.Background(), "u1")
	if err != nil {
		t.Fatalf("count settled: %v", err)
	}
	if settled != 2 {
		t.Fatalf("settled count: %d", settled)
	}

	// Settled credits never return to the pool.
	if err := store.ReleaseCredits(context.Background(), "batch-1"); err != nil {
		t.Fatalf("release settled: %v", err)
	}
	unsettled, err := store.ListUnsettled(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 0 {
		t.Fatalf("settled credits must stay settled: %d", len(unsettled))
	}
}

func TestStore_UpdateBatchTerminalGuard(t *testing.T) {
	store := New()

	batch, err := store.CreateBatch(context.Background(), settlement.Batch{
		ID:     "b1",
		UserID: "u1",
		State:  settlement.StatePending,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	batch.State = settlement.StateConfirmed
	if _, err := store.UpdateBatch(context.Background(), batch); err != nil {
		t.Fatalf("confirm batch: %v", err)
	}

	batch.State = settlement.StatePending
	if _, err := store.UpdateBatch(context.Background(), batch); err == nil {
		t.Fatalf("terminal batches must be immutable")
	}
}

func TestStore_GetBatchNotFoundSentinel(t *testing.T) {
	store := New()
	if _, err := store.GetBatch(context.Background(), "missing"); !errors.Is(err, settlement.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestStore_UpdateTransactionTerminalGuard(t *testing.T) {
	store := New()

	tx, err := store.CreateTransaction(context.Background(), wallet.TransactionRecord{
		ID:     "tx-1",
		UserID: "u1",
		Type:   wallet.TypeReward,
		Status: wallet.StatusPending,
	})
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}

	tx.Status = wallet.StatusFailed
	if _, err := store.UpdateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("fail tx: %v", err)
	}

	tx.Status = wallet.StatusCompleted
	if _, err := store.UpdateTransaction(context.Background(), tx); err == nil {
		t.Fatalf("terminal transactions must be immutable")
	}
}

func TestStore_ItemLifecycle(t *testing.T) {
	store := New()

	item, err := store.SaveItem(context.Background(), record.Item{Type: record.TypeLocation, UserID: "u1"})
	if err != nil {
		t.Fatalf("save item: %v", err)
	}
	if item.ID == "" {
		t.Fatalf("store must assign an id")
	}
	if item.SyncState != record.StateUnsynced {
		t.Fatalf("fresh item state: %s", item.SyncState)
	}

	if err := store.MarkCredited(context.Background(), item.ID, 0.2, time.Now().UTC()); err != nil {
		t.Fatalf("mark credited: %v", err)
	}
	got, err := store.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !got.Credited() || got.Reward != 0.2 {
		t.Fatalf("credited item: %+v", got)
	}

	unsynced, err := store.ListUnsynced(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("list unsynced: %v", err)
	}
	if len(unsynced) != 0 {
		t.Fatalf("credited item listed as unsynced")
	}

	// Saving the same id again keeps the credited row.
	saved, err := store.SaveItem(context.Background(), record.Item{ID: item.ID, UserID: "u1", Type: record.TypeLocation})
	if err != nil {
		t.Fatalf("resave item: %v", err)
	}
	if !saved.Credited() || saved.Reward != 0.2 {
		t.Fatalf("resave must return the existing credited item: %+v", saved)
	}
}

func TestStore_ListPendingOlderThan(t *testing.T) {
	store := New()

	old := time.Now().Add(-time.Hour)
	if _, err := store.CreateTransaction(context.Background(), wallet.TransactionRecord{
		ID: "tx-old", UserID: "u1", Status: wallet.StatusPending, Timestamp: old,
	}); err != nil {
		t.Fatalf("create old tx: %v", err)
	}
	if _, err := store.CreateTransaction(context.Background(), wallet.TransactionRecord{
		ID: "tx-new", UserID: "u1", Status: wallet.StatusPending, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("create new tx: %v", err)
	}

	stale, err := store.ListPendingOlderThan(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "tx-old" {
		t.Fatalf("stale listing: %+v", stale)
	}
}
