package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oagudo/outboxkit/internal/delay"
)

// PushStore is a store with a change feed.
// Its batches need no per-batch claim since a push run holds the source distributed lock.
type PushStore interface {
	BatchFetcher

	// WaitForInserts blocks until messages are inserted after the last fetch or ctx is done.
	WaitForInserts(ctx context.Context) error
}

// Lock is a held distributed lock.
type Lock interface {
	// Release stops the lease renewal and gives the lock up. Failures are not reported,
	// the lease expires on its own.
	Release(ctx context.Context)
}

// Locker acquires the distributed lock guarding a push source.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done.
	// onLost is called at most once if the lock is lost while held.
	Acquire(ctx context.Context, onLost func()) (Lock, error)
}

// PushProducer drains a push store, then waits on its change feed.
type PushProducer struct {
	key      string
	store    PushStore
	producer *Producer
	listener *Listener
	maxWait  time.Duration
	clock    clockwork.Clock
}

// NewPushProducer creates a PushProducer for key.
// Wait rounds are bounded by maxWait so missed feed events only delay delivery.
// A non nil listener also ends a wait round when key is triggered.
func NewPushProducer(key string, store PushStore, dispatcher Dispatcher, listener *Listener, maxWait time.Duration, clock clockwork.Clock, opts ...ProducerOption) *PushProducer {
	if maxWait <= 0 {
		maxWait = defaultPushMaxWait
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PushProducer{
		key:      key,
		store:    store,
		producer: NewProducer(map[string]BatchFetcher{key: store}, dispatcher, opts...),
		listener: listener,
		maxWait:  maxWait,
		clock:    clock,
	}
}

// Run drains and waits until ctx is done or an operation fails.
// It returns ctx.Err() on cancellation.
func (p *PushProducer) Run(ctx context.Context) error {
	signal, err := p.listener.signal(p.key)
	if err != nil {
		return err
	}

	for {
		if err := p.producer.DrainPending(ctx, p.key); err != nil {
			return err
		}
		if err := p.waitForInserts(ctx, signal); err != nil {
			return err
		}
	}
}

func (p *PushProducer) waitForInserts(ctx context.Context, signal <-chan struct{}) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.store.WaitForInserts(waitCtx)
	}()

	timer := p.clock.NewTimer(p.maxWait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return ctx.Err()
	case <-signal:
	case <-timer.Chan():
	case <-ctx.Done():
	}

	cancel()
	<-done
	return ctx.Err()
}

// PushService keeps a PushProducer running while holding the source distributed lock.
//
// Losing the lock cancels the run and the service goes back to acquiring it.
// Other failures are logged and retried with an exponential backoff.
type PushService struct {
	key      string
	locker   Locker
	producer *PushProducer
	backoff  delay.Func
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *Metrics

	releaseTimeout time.Duration
}

// NewPushService creates a PushService running producer under locks acquired from locker.
func NewPushService(key string, locker Locker, producer *PushProducer, logger *slog.Logger, metrics *Metrics) *PushService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushService{
		key:            key,
		locker:         locker,
		producer:       producer,
		backoff:        delay.Exponential(time.Second, time.Minute),
		clock:          producer.clock,
		logger:         logger,
		metrics:        metrics,
		releaseTimeout: 10 * time.Second,
	}
}

// Run loops until ctx is cancelled and returns nil on shutdown.
func (s *PushService) Run(ctx context.Context) error {
	s.logger.Debug("push service started", "key", s.key)
	defer s.logger.Debug("push service stopped", "key", s.key)

	attempt := 0
	for {
		err := s.runLocked(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrLockLost) {
			s.metrics.lockLost(s.key)
			s.logger.Warn("distributed lock lost, acquiring again", "key", s.key)
			attempt = 0
			continue
		}

		wait := s.backoff(attempt)
		attempt++
		s.metrics.drainFailed(s.key)
		s.logger.Error("producing pushed messages", "key", s.key, "error", err, "retry_in", wait)

		if err := delay.Wait(ctx, s.clock, wait); err != nil {
			return nil
		}
	}
}

func (s *PushService) runLocked(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	lock, err := s.locker.Acquire(ctx, func() {
		cancel(ErrLockLost)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("distributed lock acquired", "key", s.key)

	defer func() {
		releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout)
		defer cancelRelease()
		lock.Release(releaseCtx)
	}()

	err = s.producer.Run(runCtx)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLockLost) {
		return ErrLockLost
	}
	if err == nil {
		err = errors.New("push producer stopped")
	}
	return err
}
