package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aria-network/reward-engine/internal/app/domain/reward"
	domain "github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/domain/wallet"
	"github.com/aria-network/reward-engine/internal/app/storage/memory"
)

type fakeChain struct {
	mu         sync.Mutex
	submitErr  error
	confirmErr error
	outcomes   map[string]struct{ done, success bool }
	submits    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{outcomes: map[string]struct{ done, success bool }{}}
}

func (f *fakeChain) SubmitTransfer(_ context.Context, _ string, _ float64, _ string) (TransferReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return TransferReceipt{}, f.submitErr
	}
	f.submits++
	return TransferReceipt{TxRef: fmt.Sprintf("tx-%d", f.submits), FromAddress: "treasury"}, nil
}

func (f *fakeChain) ConfirmTransfer(_ context.Context, txRef string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return false, false, f.confirmErr
	}
	o := f.outcomes[txRef]
	return o.done, o.success, nil
}

func (f *fakeChain) resolve(txRef string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[txRef] = struct{ done, success bool }{true, success}
}

func seedCredits(t *testing.T, store *memory.Store, userID string, amounts ...float64) []string {
	t.Helper()
	ids := make([]string, 0, len(amounts))
	for _, amount := range amounts {
		cr, created, err := store.InsertCredit(context.Background(), reward.Credit{
			ID:       uuid.NewString(),
			UserID:   userID,
			ItemID:   uuid.NewString(),
			ItemType: "other",
			Amount:   amount,
			IssuedAt: time.Now().UTC(),
		})
		if err != nil || !created {
			t.Fatalf("seed credit: created=%v err=%v", created, err)
		}
		ids = append(ids, cr.ID)
	}
	return ids
}

func registerWallet(t *testing.T, store *memory.Store, userID, address string) {
	t.Helper()
	if _, err := store.SaveWallet(context.Background(), wallet.Wallet{UserID: userID, Address: address}); err != nil {
		t.Fatalf("save wallet: %v", err)
	}
}

func TestService_DispatchSubmitConfirm(t *testing.T) {
	store := memory.New()
	chain := newFakeChain()
	svc := New(store, store, store, chain, nil)

	registerWallet(t, store, "user-1", "addr-1")
	seedCredits(t, store, "user-1", 0.2, 0.3)

	batch, err := svc.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if batch.State != domain.StateSubmitted {
		t.Fatalf("expected submitted state, got %s", batch.State)
	}
	if math.Abs(batch.TotalAmount-0.5) > 1e-9 {
		t.Fatalf("batch total: %v", batch.TotalAmount)
	}
	if batch.Attempts != 1 {
		t.Fatalf("attempts: %d", batch.Attempts)
	}

	// The claim empties the unsettled pool while the batch is in flight.
	unsettled, err := store.ListUnsettled(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 0 {
		t.Fatalf("claimed credits still unsettled: %d", len(unsettled))
	}

	chain.resolve(batch.TxRef, true)
	confirmed, terminal, err := svc.Confirm(context.Background(), batch)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !terminal || confirmed.State != domain.StateConfirmed {
		t.Fatalf("expected confirmed terminal batch, got %s terminal=%v", confirmed.State, terminal)
	}

	settled, err := store.CountSettled(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count settled: %v", err)
	}
	if settled != 2 {
		t.Fatalf("credits not settled: %d", settled)
	}

	tx, err := store.GetTransaction(context.Background(), batch.TxRef)
	if err != nil {
		t.Fatalf("get wallet tx: %v", err)
	}
	if tx.Status != wallet.StatusCompleted {
		t.Fatalf("wallet tx status: %s", tx.Status)
	}
}

func TestService_DispatchRequiresWallet(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, newFakeChain(), nil)

	seedCredits(t, store, "user-1", 0.2)
	if _, err := svc.Dispatch(context.Background(), "user-1"); !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet, got %v", err)
	}
}

func TestService_DispatchRequiresCredits(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, newFakeChain(), nil)

	registerWallet(t, store, "user-1", "addr-1")
	if _, err := svc.Dispatch(context.Background(), "user-1"); !errors.Is(err, domain.ErrNoCredits) {
		t.Fatalf("expected ErrNoCredits, got %v", err)
	}
}

func TestService_SubmitExhaustionReleasesCredits(t *testing.T) {
	store := memory.New()
	chain := newFakeChain()
	chain.submitErr = errors.New("chain unavailable")
	svc := New(store, store, store, chain, nil).WithMaxAttempts(3)

	registerWallet(t, store, "user-1", "addr-1")
	seedCredits(t, store, "user-1", 1.0)

	batch, err := svc.Dispatch(context.Background(), "user-1")
	if err == nil {
		t.Fatalf("dispatch should report submit failure")
	}
	if batch.State != domain.StatePending || batch.Attempts != 1 {
		t.Fatalf("after first failure: state=%s attempts=%d", batch.State, batch.Attempts)
	}

	batch, err = svc.Submit(context.Background(), batch)
	if err == nil || batch.Attempts != 2 {
		t.Fatalf("second attempt: err=%v attempts=%d", err, batch.Attempts)
	}

	batch, err = svc.Submit(context.Background(), batch)
	if !errors.Is(err, domain.ErrExhausted) {
		t.Fatalf("third attempt should exhaust the batch, got %v", err)
	}
	if batch.State != domain.StateFailed {
		t.Fatalf("expected failed batch, got %s", batch.State)
	}

	// Failed settlements never lose money: the credits return to the pool
	// and a later dispatch claims them into a fresh batch.
	unsettled, err := store.ListUnsettled(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 1 {
		t.Fatalf("credits not released: %d", len(unsettled))
	}

	// Exactly one visibility record for the failure.
	history, err := store.ListTransactions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(history) != 1 || history[0].Status != wallet.StatusFailed {
		t.Fatalf("expected one failed visibility record, got %+v", history)
	}

	chain.mu.Lock()
	chain.submitErr = nil
	chain.mu.Unlock()

	retried, err := svc.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}
	if retried.ID == batch.ID {
		t.Fatalf("re-dispatch must use a fresh batch")
	}
	chain.resolve(retried.TxRef, true)
	if _, _, err := svc.Confirm(context.Background(), retried); err != nil {
		t.Fatalf("confirm retried batch: %v", err)
	}

	settled, err := store.CountSettled(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count settled: %v", err)
	}
	if settled != 1 {
		t.Fatalf("credit settled %d times", settled)
	}
}

func TestService_ConfirmRejectionRewinds(t *testing.T) {
	store := memory.New()
	chain := newFakeChain()
	svc := New(store, store, store, chain, nil).WithMaxAttempts(3)

	registerWallet(t, store, "user-1", "addr-1")
	seedCredits(t, store, "user-1", 0.4)

	batch, err := svc.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	txRef := batch.TxRef

	chain.resolve(txRef, false)
	rewound, terminal, err := svc.Confirm(context.Background(), batch)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if terminal {
		t.Fatalf("rejected batch with attempts left must not be terminal")
	}
	if rewound.State != domain.StatePending || rewound.TxRef != "" {
		t.Fatalf("rewind state: %s txRef=%q", rewound.State, rewound.TxRef)
	}

	tx, err := store.GetTransaction(context.Background(), txRef)
	if err != nil {
		t.Fatalf("get wallet tx: %v", err)
	}
	if tx.Status != wallet.StatusFailed {
		t.Fatalf("rejected transfer record: %s", tx.Status)
	}

	// The next submit gets a fresh transaction reference.
	resubmitted, err := svc.Submit(context.Background(), rewound)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.TxRef == "" || resubmitted.TxRef == txRef {
		t.Fatalf("expected fresh tx ref, got %q", resubmitted.TxRef)
	}
}

func TestService_ConfirmTimeoutRewinds(t *testing.T) {
	store := memory.New()
	chain := newFakeChain()
	svc := New(store, store, store, chain, nil).
		WithMaxAttempts(3).
		WithConfirmTimeout(time.Nanosecond)

	registerWallet(t, store, "user-1", "addr-1")
	seedCredits(t, store, "user-1", 0.4)

	batch, err := svc.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Nothing resolved on chain: confirmation stays pending past the
	// timeout, so the batch goes back for another submission.
	rewound, terminal, err := svc.Confirm(context.Background(), batch)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if terminal || rewound.State != domain.StatePending {
		t.Fatalf("timeout should rewind, got state=%s terminal=%v", rewound.State, terminal)
	}
}

func TestService_ConfirmTransientErrorChangesNothing(t *testing.T) {
	store := memory.New()
	chain := newFakeChain()
	svc := New(store, store, store, chain, nil)

	registerWallet(t, store, "user-1", "addr-1")
	seedCredits(t, store, "user-1", 0.4)

	batch, err := svc.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	chain.mu.Lock()
	chain.confirmErr = errors.New("rpc timeout")
	chain.mu.Unlock()

	same, terminal, err := svc.Confirm(context.Background(), batch)
	if err == nil {
		t.Fatalf("transient confirm error should surface")
	}
	if terminal || same.State != domain.StateSubmitted {
		t.Fatalf("a failed status query must not fail the batch: %s", same.State)
	}
}

func TestService_ReleaseStaleClaims(t *testing.T) {
	store := memory.New()
	svc := New(store, store, store, newFakeChain(), nil)

	ids := seedCredits(t, store, "user-1", 0.2, 0.3)

	// Simulate a crash between claim and batch creation.
	orphanBatch := uuid.NewString()
	claimed, err := store.ClaimCredits(context.Background(), "user-1", orphanBatch, ids)
	if err != nil || claimed != 2 {
		t.Fatalf("claim: n=%d err=%v", claimed, err)
	}

	if err := svc.ReleaseStaleClaims(context.Background()); err != nil {
		t.Fatalf("release stale claims: %v", err)
	}

	unsettled, err := store.ListUnsettled(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 2 {
		t.Fatalf("orphaned claim not released: %d", len(unsettled))
	}
}

type flakyBatchStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyBatchStore) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return domain.Batch{}, errors.New("read batch: connection reset by peer")
	}
	return f.Store.GetBatch(ctx, id)
}

func TestService_ReleaseStaleClaimsKeepsClaimOnReadFailure(t *testing.T) {
	store := memory.New()
	batches := &flakyBatchStore{Store: store, failures: 1}
	chain := newFakeChain()
	svc := New(store, batches, store, chain, nil)

	registerWallet(t, store, "user-1", "addr-1")
	seedCredits(t, store, "user-1", 0.7, 0.8)

	batch, err := svc.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if batch.State != domain.StateSubmitted {
		t.Fatalf("batch state: %s", batch.State)
	}

	// A flaky read of a live batch must not free its credits.
	if err := svc.ReleaseStaleClaims(context.Background()); err != nil {
		t.Fatalf("release stale claims: %v", err)
	}
	unsettled, err := store.ListUnsettled(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(unsettled) != 0 {
		t.Fatalf("claim released behind a submitted batch: %d credits freed", len(unsettled))
	}
	if _, err := svc.Dispatch(context.Background(), "user-1"); !errors.Is(err, domain.ErrNoCredits) {
		t.Fatalf("second dispatch must find nothing to settle, got %v", err)
	}

	// With the store healthy again the submitted batch still holds its claim.
	if err := svc.ReleaseStaleClaims(context.Background()); err != nil {
		t.Fatalf("release stale claims: %v", err)
	}
	chain.resolve(batch.TxRef, true)
	confirmed, terminal, err := svc.Confirm(context.Background(), batch)
	if err != nil || !terminal || confirmed.State != domain.StateConfirmed {
		t.Fatalf("confirm: state=%s terminal=%v err=%v", confirmed.State, terminal, err)
	}
	if chain.submits != 1 {
		t.Fatalf("expected a single submission, got %d", chain.submits)
	}
}
