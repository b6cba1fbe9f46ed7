package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Drainer drains the pending messages of a source key.
type Drainer interface {
	DrainPending(ctx context.Context, key string) error
}

// Scheduler is the background loop of one polling source key.
// It drains the key, then waits for a listener trigger or the polling interval, whichever comes first.
type Scheduler struct {
	key      string
	drainer  Drainer
	listener *Listener
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *Metrics
}

// SchedulerOption is a function that configures a Scheduler instance.
type SchedulerOption func(*Scheduler)

// WithSchedulerInterval sets the time between drains when no trigger arrives.
// Default is 5 minutes. Must be positive.
func WithSchedulerInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSchedulerClock sets the clock used for the polling interval.
func WithSchedulerClock(clock clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSchedulerLogger sets the logger used by the scheduler.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerMetrics sets the metrics recorded by the scheduler.
func WithSchedulerMetrics(metrics *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// NewScheduler creates a Scheduler for key. A nil listener disables trigger wake-ups.
func NewScheduler(key string, drainer Drainer, listener *Listener, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		key:      key,
		drainer:  drainer,
		listener: listener,
		interval: defaultPollingInterval,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run loops until ctx is cancelled. Drain failures are logged and the loop goes on,
// so a broken store only delays this key. Run returns nil on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	signal, err := s.listener.signal(s.key)
	if err != nil {
		return err
	}

	s.logger.Debug("scheduler started", "key", s.key, "interval", s.interval)
	defer s.logger.Debug("scheduler stopped", "key", s.key)

	for {
		if err := s.drainer.DrainPending(ctx, s.key); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.metrics.drainFailed(s.key)
			s.logger.Error("draining pending messages", "key", s.key, "error", err)
		}

		if ctx.Err() != nil {
			return nil
		}

		timer := s.clock.NewTimer(s.interval)
		select {
		case <-signal:
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
		timer.Stop()
	}
}
