package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	settlement "github.com/aria-network/reward-engine/internal/app/domain/settlement"
	domain "github.com/aria-network/reward-engine/internal/app/domain/wallet"
	settlementsvc "github.com/aria-network/reward-engine/internal/app/services/settlement"
	"github.com/aria-network/reward-engine/internal/app/storage"
	"github.com/aria-network/reward-engine/pkg/logger"
)

// BalanceReader queries the confirmed on-chain balance of an address.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (float64, error)
}

// Info is the wallet query response: reconciled balance plus history.
type Info struct {
	Address      string                     `json:"address"`
	Balance      float64                    `json:"balance"`
	Source       domain.BalanceSource       `json:"balanceSource"`
	Transactions []domain.TransactionRecord `json:"transactions"`
}

// Service is the wallet ledger: the durable record of transfer attempts and
// the reconciliation point after crashes or timeouts.
type Service struct {
	store          storage.WalletStore
	chain          BalanceReader
	confirmer      settlementsvc.ChainConfirmer
	settler        *settlementsvc.Service
	pendingTimeout time.Duration
	log            *logger.Logger
}

// New constructs a wallet service. chain and confirmer may be nil in which
// case reconciliation works purely from local records.
func New(store storage.WalletStore, chain BalanceReader, confirmer settlementsvc.ChainConfirmer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	return &Service{
		store:          store,
		chain:          chain,
		confirmer:      confirmer,
		pendingTimeout: 5 * time.Minute,
		log:            log,
	}
}

// AttachSettler wires the settlement service used by RequestReward.
func (s *Service) AttachSettler(settler *settlementsvc.Service) { s.settler = settler }

// WithPendingTimeout overrides how old a pending record must be before
// reconciliation re-queries its chain status.
func (s *Service) WithPendingTimeout(d time.Duration) *Service {
	if d > 0 {
		s.pendingTimeout = d
	}
	return s
}

// Register links a wallet address to a user.
func (s *Service) Register(ctx context.Context, userID, address string) (domain.Wallet, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return domain.Wallet{}, fmt.Errorf("wallet address is required")
	}
	w, err := s.store.SaveWallet(ctx, domain.Wallet{UserID: userID, Address: address})
	if err != nil {
		return domain.Wallet{}, err
	}
	s.log.WithField("user_id", userID).WithField("address", address).Info("wallet registered")
	return w, nil
}

// RequestReward triggers an on-demand settlement of the caller's unsettled
// credits to the given wallet address.
func (s *Service) RequestReward(ctx context.Context, address string) (domain.TransactionRecord, error) {
	if s.settler == nil {
		return domain.TransactionRecord{}, fmt.Errorf("settlement service not configured")
	}
	w, err := s.store.GetWalletByAddress(ctx, address)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("unknown wallet %s: %w", address, err)
	}

	batch, err := s.settler.Dispatch(ctx, w.UserID)
	if err != nil {
		if batch.ID == "" || batch.State != settlement.StatePending {
			return domain.TransactionRecord{}, err
		}
		// Non-terminal submit failure: the batch is queued and the poller
		// retries it, so the caller sees a pending settlement.
		s.log.WithError(err).WithField("batch_id", batch.ID).Warn("reward submission deferred for retry")
	}
	if batch.TxRef == "" {
		// Submission did not land yet; the poller will retry it.
		return domain.TransactionRecord{
			ID:        "batch-" + batch.ID,
			UserID:    batch.UserID,
			BatchID:   batch.ID,
			Amount:    batch.TotalAmount,
			Type:      domain.TypeReward,
			Status:    domain.StatusPending,
			ToAddress: batch.WalletAddress,
		}, nil
	}
	return s.store.GetTransaction(ctx, batch.TxRef)
}

// Reconcile re-derives the user's wallet state. It prefers the confirmed
// on-chain balance and falls back to the locally summed ledger, recording
// which source was used, and finalises pending records older than the
// timeout by re-querying their chain status.
func (s *Service) Reconcile(ctx context.Context, userID string) (domain.Summary, error) {
	w, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("wallet for user %s: %w", userID, err)
	}

	summary := domain.Summary{UserID: userID, Address: w.Address}

	cutoff := time.Now().Add(-s.pendingTimeout)
	pending, err := s.store.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("list pending transactions: %w", err)
	}
	for _, tx := range pending {
		if tx.UserID != userID {
			continue
		}
		switch s.finalize(ctx, tx) {
		case domain.StatusCompleted:
			summary.Completed++
		case domain.StatusFailed:
			summary.Failed++
		default:
			summary.StillPending++
		}
	}

	summary.Balance, summary.BalanceSource = s.balance(ctx, userID, w.Address)
	return summary, nil
}

// finalize re-queries one stale pending record and returns its resulting
// status. Cancellation mid-settlement must not be read as failure: a record
// stays pending until the chain reports a definite outcome.
func (s *Service) finalize(ctx context.Context, tx domain.TransactionRecord) domain.Status {
	if s.confirmer == nil {
		return tx.Status
	}
	done, success, err := s.confirmer.ConfirmTransfer(ctx, tx.ID)
	if err != nil || !done {
		return tx.Status
	}

	if success {
		tx.Status = domain.StatusCompleted
	} else {
		tx.Status = domain.StatusFailed
	}
	if _, err := s.store.UpdateTransaction(ctx, tx); err != nil {
		s.log.WithError(err).WithField("tx_id", tx.ID).Warn("finalize stale transaction failed")
		return domain.StatusPending
	}
	s.log.WithField("tx_id", tx.ID).WithField("status", tx.Status).Info("stale transaction reconciled")
	return tx.Status
}

func (s *Service) balance(ctx context.Context, userID, address string) (float64, domain.BalanceSource) {
	if s.chain != nil {
		if balance, err := s.chain.Balance(ctx, address); err == nil {
			return balance, domain.SourceChain
		} else {
			s.log.WithError(err).WithField("address", address).Warn("chain balance unavailable; using local ledger")
		}
	}

	txs, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return 0, domain.SourceLocal
	}
	total := 0.0
	for _, tx := range txs {
		if tx.Type == domain.TypeReward && tx.Status == domain.StatusCompleted {
			total += tx.Amount
		}
	}
	return total, domain.SourceLocal
}

// Info returns the reconciled balance and history for a wallet address.
func (s *Service) Info(ctx context.Context, address string) (Info, error) {
	w, err := s.store.GetWalletByAddress(ctx, address)
	if err != nil {
		return Info{}, fmt.Errorf("unknown wallet %s: %w", address, err)
	}
	balance, source := s.balance(ctx, w.UserID, w.Address)
	txs, err := s.store.ListTransactionsByAddress(ctx, w.Address)
	if err != nil {
		return Info{}, err
	}
	return Info{Address: w.Address, Balance: balance, Source: source, Transactions: txs}, nil
}

// History returns the user's transaction records. It never mutates state.
func (s *Service) History(ctx context.Context, userID string) ([]domain.TransactionRecord, error) {
	return s.store.ListTransactions(ctx, userID)
}
