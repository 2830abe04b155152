package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	domain "github.com/aria-network/reward-engine/internal/app/domain/settlement"
	"github.com/aria-network/reward-engine/internal/app/storage"
	"github.com/aria-network/reward-engine/internal/app/system"
	"github.com/aria-network/reward-engine/pkg/logger"
)

// Poller drives the settlement state machine in the background: it retries
// pending batches, polls submitted batches for confirmation, and releases
// stale credit claims left behind by crashes.
type Poller struct {
	batches  storage.SettlementStore
	service  *Service
	schedule cron.Schedule
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*Poller)(nil)

// NewPoller constructs a lifecycle-managed settlement poller. The schedule
// uses cron syntax; it defaults to every 30 seconds.
func NewPoller(batches storage.SettlementStore, service *Service, scheduleSpec string, log *logger.Logger) (*Poller, error) {
	if log == nil {
		log = logger.NewDefault("settlement-poller")
	}
	if scheduleSpec == "" {
		scheduleSpec = "@every 30s"
	}
	schedule, err := cron.ParseStandard(scheduleSpec)
	if err != nil {
		return nil, err
	}
	return &Poller{
		batches:     batches,
		service:     service,
		schedule:    schedule,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}, nil
}

func (p *Poller) Name() string { return "settlement-poller" }

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(time.Until(p.schedule.Next(time.Now())))
		defer timer.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-timer.C:
				p.tick(runCtx)
				timer.Reset(time.Until(p.schedule.Next(time.Now())))
			}
		}
	}()

	p.log.Info("settlement poller started")
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (p *Poller) tick(ctx context.Context) {
	if err := p.service.ReleaseStaleClaims(ctx); err != nil {
		p.log.WithError(err).Warn("release stale claims failed")
	}

	now := time.Now()

	pending, err := p.batches.ListBatchesInState(ctx, domain.StatePending)
	if err != nil {
		p.log.WithError(err).Warn("list pending batches failed")
		return
	}
	for _, batch := range pending {
		if !p.shouldAttempt(batch.ID, now) {
			continue
		}
		if _, err := p.service.Submit(ctx, batch); err != nil {
			p.scheduleNext(batch.ID, p.backoff(batch.Attempts))
			continue
		}
		p.clearSchedule(batch.ID)
	}

	submitted, err := p.batches.ListBatchesInState(ctx, domain.StateSubmitted)
	if err != nil {
		p.log.WithError(err).Warn("list submitted batches failed")
		return
	}
	for _, batch := range submitted {
		if !p.shouldAttempt(batch.ID, now) {
			continue
		}
		_, done, err := p.service.Confirm(ctx, batch)
		if err != nil || !done {
			p.scheduleNext(batch.ID, p.backoff(batch.Attempts))
			continue
		}
		p.clearSchedule(batch.ID)
	}
}

// backoff grows with the attempt count so a flapping chain endpoint is not
// hammered on every tick.
func (p *Poller) backoff(attempts int) time.Duration {
	d := 10 * time.Second
	for i := 1; i < attempts && d < 2*time.Minute; i++ {
		d *= 2
	}
	return d
}

func (p *Poller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	if !ok || now.After(next) {
		return true
	}
	return false
}

func (p *Poller) scheduleNext(id string, after time.Duration) {
	p.mu.Lock()
	p.nextAttempt[id] = time.Now().Add(after)
	p.mu.Unlock()
}

func (p *Poller) clearSchedule(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	p.mu.Unlock()
}
