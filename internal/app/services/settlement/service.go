package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/domain/wallet"
	"github.com/aria-network/reward-engine/internal/app/metrics"
	"github.com/aria-network/reward-engine/internal/app/storage"
	"github.com/aria-network/reward-engine/pkg/logger"
)

// TransferReceipt is the chain's acknowledgement of a submitted transfer.
type TransferReceipt struct {
	TxRef       string
	FromAddress string
}

// ChainSubmitter submits an aggregate token transfer to the external ledger
// service.
type ChainSubmitter interface {
	SubmitTransfer(ctx context.Context, toAddress string, amount float64, memo string) (TransferReceipt, error)
}

// ChainConfirmer reports whether a submitted transfer reached finality.
type ChainConfirmer interface {
	ConfirmTransfer(ctx context.Context, txRef string) (done bool, success bool, err error)
}

// ChainClient bundles the chain operations the dispatcher needs.
type ChainClient interface {
	ChainSubmitter
	ChainConfirmer
}

// ErrNoWallet marks a dispatch attempt for a user without a registered
// wallet. This is user-visible and requires action.
var ErrNoWallet = errors.New("no wallet configured")

// Service owns the settlement batch lifecycle: claiming credits, submitting
// the aggregate on-chain transfer, and confirming or retrying it.
type Service struct {
	rewards        storage.RewardStore
	batches        storage.SettlementStore
	wallets        storage.WalletStore
	chain          ChainClient
	maxAttempts    int
	confirmTimeout time.Duration
	log            *logger.Logger
}

// New constructs a settlement service.
func New(rewards storage.RewardStore, batches storage.SettlementStore, wallets storage.WalletStore, chain ChainClient, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Service{
		rewards:        rewards,
		batches:        batches,
		wallets:        wallets,
		chain:          chain,
		maxAttempts:    3,
		confirmTimeout: 2 * time.Minute,
		log:            log,
	}
}

// WithMaxAttempts bounds submit retries per batch.
func (s *Service) WithMaxAttempts(n int) *Service {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// WithConfirmTimeout bounds how long a submitted batch may wait for
// confirmation before the transfer is treated as failed.
func (s *Service) WithConfirmTimeout(d time.Duration) *Service {
	if d > 0 {
		s.confirmTimeout = d
	}
	return s
}

// Dispatch gathers the user's unsettled credits into a new batch, claims
// them, and makes one submit attempt. The claim happens before the batch
// row exists, so concurrent dispatch cycles for the same user are disjoint:
// the loser gets ErrClaimConflict and settles nothing.
func (s *Service) Dispatch(ctx context.Context, userID string) (domain.Batch, error) {
	w, err := s.wallets.GetWalletByUser(ctx, userID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("%w for user %s", ErrNoWallet, userID)
	}

	credits, err := s.rewards.ListUnsettled(ctx, userID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("list unsettled credits: %w", err)
	}
	if len(credits) == 0 {
		return domain.Batch{}, domain.ErrNoCredits
	}

	batchID := uuid.NewString()
	creditIDs := make([]string, 0, len(credits))
	total := 0.0
	for _, cr := range credits {
		creditIDs = append(creditIDs, cr.ID)
		total += cr.Amount
	}

	claimed, err := s.rewards.ClaimCredits(ctx, userID, batchID, creditIDs)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("claim credits: %w", err)
	}
	if claimed == 0 {
		return domain.Batch{}, domain.ErrClaimConflict
	}

	batch := domain.Batch{
		ID:            batchID,
		UserID:        userID,
		WalletAddress: w.Address,
		CreditIDs:     creditIDs,
		TotalAmount:   total,
		State:         domain.StatePending,
	}
	batch, err = s.batches.CreateBatch(ctx, batch)
	if err != nil {
		// The claim must not outlive a batch that was never recorded.
		_ = s.rewards.ReleaseCredits(ctx, batchID)
		return domain.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	metrics.BatchTransition(string(domain.StatePending))
	s.log.WithField("batch_id", batch.ID).
		WithField("user_id", userID).
		WithField("amount", total).
		WithField("credits", len(creditIDs)).
		Info("settlement batch created")

	return s.Submit(ctx, batch)
}

// Submit makes one on-chain submission attempt for a pending batch. On
// transport failure the batch stays pending for the poller to retry until
// attempts are exhausted.
func (s *Service) Submit(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	if batch.State != domain.StatePending {
		return batch, nil
	}

	batch.Attempts++
	memo := fmt.Sprintf("reward settlement %s", batch.ID)
	receipt, err := s.chain.SubmitTransfer(ctx, batch.WalletAddress, batch.TotalAmount, memo)
	if err != nil {
		batch.LastError = err.Error()
		if batch.Attempts >= s.maxAttempts {
			return s.fail(ctx, batch, fmt.Sprintf("submit failed after %d attempts: %v", batch.Attempts, err))
		}
		updated, uerr := s.batches.UpdateBatch(ctx, batch)
		if uerr != nil {
			return batch, fmt.Errorf("record submit failure: %w", uerr)
		}
		s.log.WithError(err).WithField("batch_id", batch.ID).
			Warnf("chain submit failed (attempt %d/%d)", batch.Attempts, s.maxAttempts)
		return updated, fmt.Errorf("submit transfer: %w", err)
	}

	batch.State = domain.StateSubmitted
	batch.TxRef = receipt.TxRef
	batch.LastError = ""
	batch.SubmittedAt = time.Now().UTC()
	updated, err := s.batches.UpdateBatch(ctx, batch)
	if err != nil {
		return batch, fmt.Errorf("record submission: %w", err)
	}
	metrics.BatchTransition(string(domain.StateSubmitted))

	_, err = s.wallets.CreateTransaction(ctx, wallet.TransactionRecord{
		ID:          receipt.TxRef,
		UserID:      batch.UserID,
		BatchID:     batch.ID,
		Amount:      batch.TotalAmount,
		Timestamp:   batch.SubmittedAt,
		Type:        wallet.TypeReward,
		Status:      wallet.StatusPending,
		FromAddress: receipt.FromAddress,
		ToAddress:   batch.WalletAddress,
		Description: memo,
	})
	if err != nil {
		s.log.WithError(err).WithField("batch_id", batch.ID).Warn("record wallet transaction failed")
	}

	s.log.WithField("batch_id", batch.ID).
		WithField("tx_ref", receipt.TxRef).
		Info("settlement batch submitted")
	return updated, nil
}

// Confirm polls the chain for a submitted batch. Confirmation success makes
// the batch terminal and stamps its credits settled; rejection or a confirm
// timeout sends the batch back to pending for another submit attempt.
func (s *Service) Confirm(ctx context.Context, batch domain.Batch) (domain.Batch, bool, error) {
	if batch.State != domain.StateSubmitted {
		return batch, batch.State.Terminal(), nil
	}

	done, success, err := s.chain.ConfirmTransfer(ctx, batch.TxRef)
	if err != nil {
		// Transient: the transfer may well be in flight. Never assume
		// failure from a failed status query.
		return batch, false, fmt.Errorf("confirm transfer: %w", err)
	}

	if !done {
		if time.Since(batch.SubmittedAt) < s.confirmTimeout {
			return batch, false, nil
		}
		s.log.WithField("batch_id", batch.ID).
			WithField("tx_ref", batch.TxRef).
			Warn("confirmation timeout; retrying submission")
		return s.rewind(ctx, batch, "confirmation timeout")
	}

	if !success {
		return s.rewind(ctx, batch, "transfer rejected by chain")
	}

	now := time.Now().UTC()
	batch.State = domain.StateConfirmed
	updated, err := s.batches.UpdateBatch(ctx, batch)
	if err != nil {
		return batch, false, fmt.Errorf("record confirmation: %w", err)
	}
	if err := s.rewards.MarkSettled(ctx, batch.ID, now); err != nil {
		return updated, true, fmt.Errorf("mark credits settled: %w", err)
	}
	s.finishWalletTx(ctx, batch.TxRef, wallet.StatusCompleted, "")
	metrics.BatchTransition(string(domain.StateConfirmed))
	metrics.AmountSettled(batch.TotalAmount)

	s.log.WithField("batch_id", batch.ID).
		WithField("tx_ref", batch.TxRef).
		WithField("amount", batch.TotalAmount).
		Info("settlement confirmed")
	return updated, true, nil
}

// rewind returns a submitted batch to pending after a failed or timed-out
// confirmation, failing it outright once attempts are exhausted.
func (s *Service) rewind(ctx context.Context, batch domain.Batch, reason string) (domain.Batch, bool, error) {
	s.finishWalletTx(ctx, batch.TxRef, wallet.StatusFailed, reason)

	if batch.Attempts >= s.maxAttempts {
		failed, err := s.fail(ctx, batch, reason)
		if err != nil && !errors.Is(err, domain.ErrExhausted) {
			return batch, false, err
		}
		return failed, true, nil
	}

	batch.State = domain.StatePending
	batch.TxRef = ""
	batch.SubmittedAt = time.Time{}
	batch.LastError = reason
	updated, err := s.batches.UpdateBatch(ctx, batch)
	if err != nil {
		return batch, false, fmt.Errorf("rewind batch: %w", err)
	}
	metrics.BatchTransition(string(domain.StatePending))
	return updated, false, nil
}

// fail makes the batch terminal and releases its credits back to the
// unsettled pool: money is never silently lost, a later dispatch can claim
// the same credits into a fresh batch.
func (s *Service) fail(ctx context.Context, batch domain.Batch, reason string) (domain.Batch, error) {
	batch.State = domain.StateFailed
	batch.LastError = reason
	updated, err := s.batches.UpdateBatch(ctx, batch)
	if err != nil {
		return batch, fmt.Errorf("record batch failure: %w", err)
	}
	if err := s.rewards.ReleaseCredits(ctx, batch.ID); err != nil {
		return updated, fmt.Errorf("release credits: %w", err)
	}
	metrics.BatchTransition(string(domain.StateFailed))

	// Keep the failure visible even when the batch never reached the
	// chain and so has no transaction reference.
	if batch.TxRef == "" {
		_, cerr := s.wallets.CreateTransaction(ctx, wallet.TransactionRecord{
			ID:          "batch-" + batch.ID,
			UserID:      batch.UserID,
			BatchID:     batch.ID,
			Amount:      batch.TotalAmount,
			Type:        wallet.TypeReward,
			Status:      wallet.StatusFailed,
			ToAddress:   batch.WalletAddress,
			Description: reason,
		})
		if cerr != nil {
			s.log.WithError(cerr).WithField("batch_id", batch.ID).Warn("record failed settlement visibility entry")
		}
	}

	s.log.WithField("batch_id", batch.ID).
		WithField("reason", reason).
		Warn("settlement batch failed; credits released")
	return updated, fmt.Errorf("%w: %s", domain.ErrExhausted, reason)
}

func (s *Service) finishWalletTx(ctx context.Context, txRef string, status wallet.Status, note string) {
	if txRef == "" {
		return
	}
	tx, err := s.wallets.GetTransaction(ctx, txRef)
	if err != nil {
		return
	}
	if tx.Status.Terminal() {
		return
	}
	tx.Status = status
	if note != "" {
		tx.Description = note
	}
	if _, err := s.wallets.UpdateTransaction(ctx, tx); err != nil {
		s.log.WithError(err).WithField("tx_ref", txRef).Warn("finalize wallet transaction failed")
	}
}

// ReleaseStaleClaims frees credits claimed by batches that no longer hold
// them legitimately: a batch row that was never written (crash between claim
// and create) or one that already failed. Runs on every poller tick so no
// credit is stranded.
func (s *Service) ReleaseStaleClaims(ctx context.Context) error {
	batchIDs, err := s.rewards.ListClaimedBatchIDs(ctx)
	if err != nil {
		return fmt.Errorf("list claimed batches: %w", err)
	}
	for _, id := range batchIDs {
		batch, err := s.batches.GetBatch(ctx, id)
		if errors.Is(err, domain.ErrBatchNotFound) {
			s.log.WithField("batch_id", id).Warn("releasing claim for unknown batch")
			if rerr := s.rewards.ReleaseCredits(ctx, id); rerr != nil {
				return fmt.Errorf("release orphaned claim %s: %w", id, rerr)
			}
			continue
		}
		if err != nil {
			// Could be a live submitted batch behind a flaky read. Leave
			// the claim alone until the store answers.
			s.log.WithError(err).WithField("batch_id", id).Warn("claimed batch read failed; skipping")
			continue
		}
		if batch.State == domain.StateFailed {
			if rerr := s.rewards.ReleaseCredits(ctx, id); rerr != nil {
				return fmt.Errorf("release failed batch %s: %w", id, rerr)
			}
		}
	}
	return nil
}

// Batches lists a user's settlement batches.
func (s *Service) Batches(ctx context.Context, userID string) ([]domain.Batch, error) {
	return s.batches.ListBatches(ctx, userID)
}
