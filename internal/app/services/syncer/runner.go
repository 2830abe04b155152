package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/aria-network/reward-engine/pkg/logger"
)

// Runner drives the submitter on an interval in the background. Transport
// failures are retried silently with a growing delay; a successful cycle
// resets the delay.
type Runner struct {
	submitter *Submitter
	interval  time.Duration
	log       *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewRunner(submitter *Submitter, interval time.Duration, log *logger.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.NewDefault("syncer")
	}
	return &Runner{submitter: submitter, interval: interval, log: log}
}

func (r *Runner) Name() string { return "sync-runner" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true
	go r.loop(runCtx)
	r.log.WithField("interval", r.interval.String()).Info("sync runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	done := r.done
	r.started = false
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	delay := r.interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := r.submitter.SyncOnce(ctx); err != nil {
			r.log.WithError(err).Warn("sync cycle failed")
			delay = delay * 2
			if max := 8 * r.interval; delay > max {
				delay = max
			}
		} else {
			delay = r.interval
		}
		timer.Reset(delay)
	}
}
