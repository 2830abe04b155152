package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/storage"
	"github.com/aria-network/reward-engine/pkg/logger"
)

// ItemAck is the server's per-item verdict. Items missing from the
// acknowledgement were not credited and stay eligible for the next cycle.
type ItemAck struct {
	ID     string  `json:"id"`
	Reward float64 `json:"reward"`
}

// SubmitClient sends one bounded batch to the server. A transport error
// means no acknowledgement was observed; the caller must leave every item
// unsynced and retry later.
type SubmitClient interface {
	Submit(ctx context.Context, items []record.Item) ([]ItemAck, error)
}

// StatsClient fetches the authoritative reward totals from the server.
type StatsClient interface {
	TotalRewards(ctx context.Context) (float64, error)
}

// Result summarises one sync cycle.
type Result struct {
	Submitted int
	Credited  int
	Rewarded  float64
}

// RewardsSummary is the two-source total: the authoritative remote value
// when reachable, the locally summed ledger otherwise.
type RewardsSummary struct {
	Total  float64
	Source string // "remote" or "local"
}

// Submitter drains unsynced items from the local record store in bounded
// batches and applies the server's verdicts. Resubmission is safe: item IDs
// are stable and the server dedupes by them.
type Submitter struct {
	store     storage.RecordStore
	client    SubmitClient
	stats     StatsClient
	batchSize int
	log       *logger.Logger
}

// NewSubmitter constructs a batch submitter. batchSize bounds the request
// size and the retry blast radius; it defaults to 50.
func NewSubmitter(store storage.RecordStore, client SubmitClient, log *logger.Logger) *Submitter {
	if log == nil {
		log = logger.NewDefault("syncer")
	}
	return &Submitter{
		store:     store,
		client:    client,
		batchSize: 50,
		log:       log,
	}
}

// WithBatchSize overrides the batch bound.
func (s *Submitter) WithBatchSize(n int) *Submitter {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithStatsClient wires the remote stats source for TotalRewards.
func (s *Submitter) WithStatsClient(c StatsClient) *Submitter {
	s.stats = c
	return s
}

// SyncOnce submits one batch of unsynced items. On transport failure no
// local state changes; on partial acknowledgement only acknowledged items
// move to credited and the rest remain eligible for the next cycle.
func (s *Submitter) SyncOnce(ctx context.Context) (Result, error) {
	items, err := s.store.ListUnsynced(ctx, "", s.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list unsynced items: %w", err)
	}
	if len(items) == 0 {
		return Result{}, nil
	}

	acks, err := s.client.Submit(ctx, items)
	if err != nil {
		// No acknowledgement was observed, so nothing may change
		// locally. The items stay unsynced and the retry is safe.
		return Result{Submitted: len(items)}, fmt.Errorf("submit batch: %w", err)
	}

	result := Result{Submitted: len(items)}
	for _, ack := range acks {
		item, err := s.store.GetItem(ctx, ack.ID)
		if err != nil {
			s.log.WithError(err).WithField("item_id", ack.ID).Warn("acknowledged unknown item")
			continue
		}
		if item.Credited() {
			continue
		}
		if err := s.store.MarkCredited(ctx, ack.ID, ack.Reward, time.Now().UTC()); err != nil {
			s.log.WithError(err).WithField("item_id", ack.ID).Warn("mark credited failed")
			continue
		}
		result.Credited++
		result.Rewarded += ack.Reward
	}

	s.log.WithField("submitted", result.Submitted).
		WithField("credited", result.Credited).
		Infof("sync cycle complete")
	return result, nil
}

// TotalRewards resolves the user's reward total from the server when
// reachable, otherwise from the locally summed ledger. The summary records
// which source answered.
func (s *Submitter) TotalRewards(ctx context.Context) (RewardsSummary, error) {
	if s.stats != nil {
		if total, err := s.stats.TotalRewards(ctx); err == nil {
			return RewardsSummary{Total: total, Source: "remote"}, nil
		} else {
			s.log.WithError(err).Warn("remote stats unavailable; using local sum")
		}
	}
	total, err := s.store.SumRewards(ctx, "")
	if err != nil {
		return RewardsSummary{}, fmt.Errorf("sum local rewards: %w", err)
	}
	return RewardsSummary{Total: total, Source: "local"}, nil
}
