package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/domain/reward"
	"github.com/aria-network/reward-engine/internal/app/metrics"
	"github.com/aria-network/reward-engine/internal/app/storage"
	"github.com/aria-network/reward-engine/pkg/logger"
)

// ItemAck is the per-item verdict returned to submitting clients. Items
// absent from the acknowledgement stay unsynced and are retried later.
type ItemAck struct {
	ID     string  `json:"id"`
	Reward float64 `json:"reward"`
}

// Service is the dedupe-and-credit authority. It issues at most one credit
// per (user, item) pair no matter how often an item is resubmitted.
type Service struct {
	rewards storage.RewardStore
	records storage.RecordStore
	policy  Policy
	min     float64
	max     float64
	log     *logger.Logger
}

// New constructs a reward ledger with the default base-rate policy and
// reward bounds.
func New(rewards storage.RewardStore, records storage.RecordStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		rewards: rewards,
		records: records,
		policy:  NewBaseRatePolicy(nil),
		min:     0.01,
		max:     5.0,
		log:     log,
	}
}

// WithPolicy overrides the reward policy.
func (s *Service) WithPolicy(p Policy) *Service {
	if p != nil {
		s.policy = p
	}
	return s
}

// WithBounds overrides the [min, max] clamp applied to policy output.
func (s *Service) WithBounds(min, max float64) *Service {
	if min > 0 && max >= min {
		s.min = min
		s.max = max
	}
	return s
}

// Credit issues the reward credit for one item, or returns the existing
// credit unchanged when the (user, item) pair was credited before. The
// second return value reports whether a new credit was created.
func (s *Service) Credit(ctx context.Context, userID string, item record.Item) (reward.Credit, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return reward.Credit{}, false, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(item.ID) == "" {
		return reward.Credit{}, false, fmt.Errorf("item id is required")
	}

	amount, err := s.policy.Amount(item.Type, item.Content)
	if err != nil {
		return reward.Credit{}, false, &reward.PolicyError{ItemID: item.ID, Err: err}
	}
	if amount < s.min {
		amount = s.min
	}
	if amount > s.max {
		amount = s.max
	}

	cr := reward.Credit{
		ID:       uuid.NewString(),
		UserID:   userID,
		ItemID:   item.ID,
		ItemType: item.Type,
		Amount:   amount,
		IssuedAt: time.Now().UTC(),
	}
	stored, created, err := s.rewards.InsertCredit(ctx, cr)
	if err != nil {
		return reward.Credit{}, false, fmt.Errorf("insert credit: %w", err)
	}
	if created {
		metrics.CreditIssued(item.Type, stored.Amount)
		s.log.WithField("user_id", userID).
			WithField("item_id", item.ID).
			WithField("amount", stored.Amount).
			Info("credit issued")
	} else {
		metrics.DuplicateCredit()
	}
	return stored, created, nil
}

// CreditBatch processes one submitted batch and returns per-item
// acknowledgements. Items whose policy evaluation fails are skipped, not
// acknowledged, and surface again on the client's next sync cycle.
func (s *Service) CreditBatch(ctx context.Context, userID string, items []record.Item) ([]ItemAck, error) {
	if len(items) == 0 {
		return nil, nil
	}

	acks := make([]ItemAck, 0, len(items))
	for _, item := range items {
		item.UserID = userID
		if s.records != nil {
			// New items land as submitted until a credit confirms them;
			// the store keeps any already-credited row untouched.
			item.SyncState = record.StateSubmitted
			if _, err := s.records.SaveItem(ctx, item); err != nil {
				s.log.WithError(err).WithField("item_id", item.ID).Warn("persist submitted item failed")
				continue
			}
		}

		cr, _, err := s.Credit(ctx, userID, item)
		if err != nil {
			s.log.WithError(err).WithField("item_id", item.ID).Warn("credit item failed")
			continue
		}

		if s.records != nil {
			if err := s.records.MarkCredited(ctx, item.ID, cr.Amount, cr.IssuedAt); err != nil {
				s.log.WithError(err).WithField("item_id", item.ID).Warn("mark item credited failed")
			}
		}
		acks = append(acks, ItemAck{ID: cr.ItemID, Reward: cr.Amount})
	}
	return acks, nil
}

// TotalCreditedForUser sums every credit ever issued to the user.
func (s *Service) TotalCreditedForUser(ctx context.Context, userID string) (float64, error) {
	return s.rewards.TotalCredited(ctx, userID)
}

// Stats reports the user's reward activity for the stats endpoint.
func (s *Service) Stats(ctx context.Context, userID string) (reward.Stats, error) {
	total, err := s.rewards.TotalCredited(ctx, userID)
	if err != nil {
		return reward.Stats{}, err
	}
	credits, err := s.rewards.ListCredits(ctx, userID)
	if err != nil {
		return reward.Stats{}, err
	}
	settled, err := s.rewards.CountSettled(ctx, userID)
	if err != nil {
		return reward.Stats{}, err
	}
	return reward.Stats{
		TotalRewards:  total,
		DataCollected: len(credits),
		DataProcessed: settled,
	}, nil
}

// Credits lists the user's credits in issue order.
func (s *Service) Credits(ctx context.Context, userID string) ([]reward.Credit, error) {
	return s.rewards.ListCredits(ctx, userID)
}
