package wallet

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/aria-network/reward-engine/internal/app/domain/reward"
	domain "github.com/aria-network/reward-engine/internal/app/domain/wallet"
	"github.com/aria-network/reward-engine/internal/app/services/settlement"
	"github.com/aria-network/reward-engine/internal/app/storage/memory"
	"github.com/aria-network/reward-engine/pkg/testutil"
)

func TestService_Register(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil)

	w, err := svc.Register(context.Background(), "user-1", " addr-1 ")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.Address != "addr-1" {
		t.Fatalf("address not normalised: %q", w.Address)
	}

	if _, err := svc.Register(context.Background(), "user-1", ""); err == nil {
		t.Fatalf("empty address should be rejected")
	}
}

func TestService_ReconcilePrefersChainBalance(t *testing.T) {
	store := memory.New()
	chain := testutil.NewMockChain()
	chain.SetBalance("addr-1", 12.5)
	svc := New(store, chain, chain, nil)

	if _, err := svc.Register(context.Background(), "user-1", "addr-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	summary, err := svc.Reconcile(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.BalanceSource != domain.SourceChain {
		t.Fatalf("expected chain source, got %s", summary.BalanceSource)
	}
	if math.Abs(summary.Balance-12.5) > 1e-9 {
		t.Fatalf("balance: %v", summary.Balance)
	}
}

func TestService_ReconcileFallsBackToLocalSum(t *testing.T) {
	store := memory.New()
	chain := testutil.NewMockChain()
	chain.BalanceErr = errors.New("rpc down")
	svc := New(store, chain, chain, nil)

	if _, err := svc.Register(context.Background(), "user-1", "addr-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i, amount := range []float64{1.0, 2.0} {
		if _, err := store.CreateTransaction(context.Background(), domain.TransactionRecord{
			ID:        "tx-" + string(rune('a'+i)),
			UserID:    "user-1",
			Amount:    amount,
			Type:      domain.TypeReward,
			Status:    domain.StatusCompleted,
			ToAddress: "addr-1",
			Timestamp: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed tx: %v", err)
		}
	}
	// Pending and failed records never count toward the local balance.
	if _, err := store.CreateTransaction(context.Background(), domain.TransactionRecord{
		ID:     "tx-pending",
		UserID: "user-1",
		Amount: 9.0,
		Type:   domain.TypeReward,
		Status: domain.StatusPending,
	}); err != nil {
		t.Fatalf("seed pending tx: %v", err)
	}

	summary, err := svc.Reconcile(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.BalanceSource != domain.SourceLocal {
		t.Fatalf("expected local source, got %s", summary.BalanceSource)
	}
	if math.Abs(summary.Balance-3.0) > 1e-9 {
		t.Fatalf("local balance: %v", summary.Balance)
	}
}

func TestService_ReconcileFinalisesStalePending(t *testing.T) {
	store := memory.New()
	chain := testutil.NewMockChain()
	chain.SetBalance("addr-1", 0)
	svc := New(store, chain, chain, nil).WithPendingTimeout(time.Millisecond)

	if _, err := svc.Register(context.Background(), "user-1", "addr-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	stale := time.Now().Add(-time.Minute)
	seed := []struct {
		id      string
		resolve bool
		success bool
	}{
		{"tx-complete", true, true},
		{"tx-reject", true, false},
		{"tx-limbo", false, false},
	}
	for _, s := range seed {
		if _, err := store.CreateTransaction(context.Background(), domain.TransactionRecord{
			ID:        s.id,
			UserID:    "user-1",
			Amount:    1.0,
			Type:      domain.TypeReward,
			Status:    domain.StatusPending,
			Timestamp: stale,
		}); err != nil {
			t.Fatalf("seed %s: %v", s.id, err)
		}
		if s.resolve {
			chain.Resolve(s.id, s.success)
		}
	}

	summary, err := svc.Reconcile(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 1 || summary.StillPending != 1 {
		t.Fatalf("finalisation counts: %+v", summary)
	}

	// The unresolved transfer stays pending: an unanswered chain is never
	// read as failure.
	limbo, err := store.GetTransaction(context.Background(), "tx-limbo")
	if err != nil {
		t.Fatalf("get limbo tx: %v", err)
	}
	if limbo.Status != domain.StatusPending {
		t.Fatalf("limbo tx must stay pending: %s", limbo.Status)
	}
}

func TestService_InfoAndHistory(t *testing.T) {
	store := memory.New()
	chain := testutil.NewMockChain()
	chain.SetBalance("addr-1", 4.2)
	svc := New(store, chain, chain, nil)

	if _, err := svc.Register(context.Background(), "user-1", "addr-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := store.CreateTransaction(context.Background(), domain.TransactionRecord{
		ID:        "tx-1",
		UserID:    "user-1",
		Amount:    4.2,
		Type:      domain.TypeReward,
		Status:    domain.StatusCompleted,
		ToAddress: "addr-1",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed tx: %v", err)
	}

	info, err := svc.Info(context.Background(), "addr-1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Balance != 4.2 || info.Source != domain.SourceChain {
		t.Fatalf("info balance: %+v", info)
	}
	if len(info.Transactions) != 1 {
		t.Fatalf("info transactions: %d", len(info.Transactions))
	}

	if _, err := svc.Info(context.Background(), "nope"); err == nil {
		t.Fatalf("unknown address should error")
	}

	history, err := svc.History(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length: %d", len(history))
	}
}

func TestService_RequestReward(t *testing.T) {
	store := memory.New()
	chain := testutil.NewMockChain()
	svc := New(store, chain, chain, nil)
	svc.AttachSettler(settlement.New(store, store, store, chain, nil))

	if _, err := svc.Register(context.Background(), "user-1", "addr-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, created, err := store.InsertCredit(context.Background(), reward.Credit{
		ID:       "credit-1",
		UserID:   "user-1",
		ItemID:   "item-1",
		ItemType: "other",
		Amount:   0.9,
		IssuedAt: time.Now().UTC(),
	}); err != nil || !created {
		t.Fatalf("seed credit: created=%v err=%v", created, err)
	}

	tx, err := svc.RequestReward(context.Background(), "addr-1")
	if err != nil {
		t.Fatalf("request reward: %v", err)
	}
	if tx.Status != domain.StatusPending {
		t.Fatalf("fresh settlement should be pending: %s", tx.Status)
	}
	if math.Abs(tx.Amount-0.9) > 1e-9 {
		t.Fatalf("tx amount: %v", tx.Amount)
	}
	if len(chain.Submissions()) != 1 {
		t.Fatalf("expected one chain submission, got %d", len(chain.Submissions()))
	}

	if _, err := svc.RequestReward(context.Background(), "addr-1"); err == nil {
		t.Fatalf("second request with nothing unsettled should error")
	}
}

func TestService_RequestRewardPendingOnSubmitFailure(t *testing.T) {
	store := memory.New()
	chain := testutil.NewMockChain()
	chain.SubmitErr = errors.New("chain unavailable")
	settler := settlement.New(store, store, store, chain, nil)
	svc := New(store, chain, chain, nil)
	svc.AttachSettler(settler)

	if _, err := svc.Register(context.Background(), "user-1", "addr-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, created, err := store.InsertCredit(context.Background(), reward.Credit{
		ID:       "credit-1",
		UserID:   "user-1",
		ItemID:   "item-1",
		ItemType: "other",
		Amount:   0.4,
		IssuedAt: time.Now().UTC(),
	}); err != nil || !created {
		t.Fatalf("seed credit: created=%v err=%v", created, err)
	}

	// The first submit attempt fails but the batch stays queued for the
	// poller, so the caller sees a pending settlement, not an error.
	tx, err := svc.RequestReward(context.Background(), "addr-1")
	if err != nil {
		t.Fatalf("request reward: %v", err)
	}
	if tx.Status != domain.StatusPending {
		t.Fatalf("deferred settlement should be pending: %s", tx.Status)
	}
	if tx.BatchID == "" {
		t.Fatalf("pending record must carry the batch id")
	}
	if math.Abs(tx.Amount-0.4) > 1e-9 {
		t.Fatalf("tx amount: %v", tx.Amount)
	}

	// The retry settles once the chain recovers.
	chain.SubmitErr = nil
	batch, err := settler.Batches(context.Background(), "user-1")
	if err != nil || len(batch) != 1 {
		t.Fatalf("batches: n=%d err=%v", len(batch), err)
	}
	if _, err := settler.Submit(context.Background(), batch[0]); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if len(chain.Submissions()) != 1 {
		t.Fatalf("expected one chain submission, got %d", len(chain.Submissions()))
	}
}

func TestService_RequestRewardRequiresSettler(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil)

	if _, err := svc.RequestReward(context.Background(), "addr-1"); err == nil {
		t.Fatalf("missing settler should error")
	}
}
