package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollingInterval = 5 * time.Minute
	defaultPushMaxWait     = 5 * time.Minute
)

// Triggerer wakes the background processing of a source key.
// Engine, Listener and remote trigger publishers implement it.
type Triggerer interface {
	Trigger(key string) error
}

type source struct {
	key      string
	fetcher  BatchFetcher
	locker   Locker
	store    PushStore
	settings sourceSettings
}

type sourceSettings struct {
	pollingInterval time.Duration
	maxWait         time.Duration
}

// SourceOption is a function that configures a single source.
type SourceOption func(*sourceSettings)

// WithPollingInterval sets the time between drains of a polling source when no trigger arrives.
// Default is 5 minutes.
func WithPollingInterval(interval time.Duration) SourceOption {
	return func(s *sourceSettings) {
		s.pollingInterval = interval
	}
}

// WithMaxWait bounds how long a push source waits on its change feed before draining again.
// Default is 5 minutes.
func WithMaxWait(maxWait time.Duration) SourceOption {
	return func(s *sourceSettings) {
		s.maxWait = maxWait
	}
}

// Engine runs one background task per configured source key and supervises them.
type Engine struct {
	sources           []source
	registry          *TargetRegistry
	batchProducer     BatchProducer
	logger            *slog.Logger
	clock             clockwork.Clock
	metrics           *Metrics
	completionTimeout time.Duration
	configErrs        []error

	listener *Listener
	tasks    []func(ctx context.Context) error

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option is a function that configures an Engine instance.
type Option func(*Engine)

// WithPollingSource adds a source key drained by a polling scheduler.
func WithPollingSource(key string, fetcher BatchFetcher, opts ...SourceOption) Option {
	return func(e *Engine) {
		s := source{key: key, fetcher: fetcher, settings: defaultSourceSettings()}
		for _, opt := range opts {
			opt(&s.settings)
		}
		e.sources = append(e.sources, s)
	}
}

// WithPushSource adds a source key fed by a change feed under a distributed lock.
func WithPushSource(key string, locker Locker, store PushStore, opts ...SourceOption) Option {
	return func(e *Engine) {
		s := source{key: key, locker: locker, store: store, settings: defaultSourceSettings()}
		for _, opt := range opts {
			opt(&s.settings)
		}
		e.sources = append(e.sources, s)
	}
}

// WithTargetProducer routes messages with the given target to producer.
// It cannot be combined with WithBatchProducer.
func WithTargetProducer(target string, producer TargetProducer) Option {
	return func(e *Engine) {
		if e.registry == nil {
			e.registry = NewTargetRegistry()
		}
		if err := e.registry.Register(target, producer); err != nil {
			e.configErrs = append(e.configErrs, err)
		}
	}
}

// WithBatchProducer sends every batch to producer.
// It cannot be combined with WithTargetProducer.
func WithBatchProducer(producer BatchProducer) Option {
	return func(e *Engine) {
		e.batchProducer = producer
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the clock driving intervals and backoffs. Default is the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMetrics sets the metrics recorded by the engine.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithBatchCompletionTimeout sets the timeout for completing a batch.
// Default is 30 seconds.
func WithBatchCompletionTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.completionTimeout = timeout
	}
}

func defaultSourceSettings() sourceSettings {
	return sourceSettings{
		pollingInterval: defaultPollingInterval,
		maxWait:         defaultPushMaxWait,
	}
}

// NewEngine creates an Engine from the given options.
// Configuration mistakes are reported here rather than at first use.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:            slog.Default(),
		clock:             clockwork.NewRealClock(),
		completionTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.validate(); err != nil {
		return nil, err
	}

	dispatcher := e.dispatcher()
	producerOpts := []ProducerOption{
		WithProducerLogger(e.logger),
		WithProducerMetrics(e.metrics),
		WithCompletionTimeout(e.completionTimeout),
	}

	keys := make([]string, 0, len(e.sources))
	for _, s := range e.sources {
		keys = append(keys, s.key)
	}
	e.listener = NewListener(keys...)

	fetchers := map[string]BatchFetcher{}
	for _, s := range e.sources {
		if s.fetcher != nil {
			fetchers[s.key] = s.fetcher
		}
	}
	producer := NewProducer(fetchers, dispatcher, producerOpts...)

	for _, s := range e.sources {
		logger := e.logger.With("key", s.key)
		if s.fetcher != nil {
			scheduler := NewScheduler(s.key, producer, e.listener,
				WithSchedulerInterval(s.settings.pollingInterval),
				WithSchedulerClock(e.clock),
				WithSchedulerLogger(logger),
				WithSchedulerMetrics(e.metrics),
			)
			e.tasks = append(e.tasks, scheduler.Run)
			continue
		}

		pushProducer := NewPushProducer(s.key, s.store, dispatcher, e.listener, s.settings.maxWait, e.clock, producerOpts...)
		service := NewPushService(s.key, s.locker, pushProducer, logger, e.metrics)
		e.tasks = append(e.tasks, service.Run)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.group = new(errgroup.Group)
	return e, nil
}

func (e *Engine) validate() error {
	errs := append([]error(nil), e.configErrs...)

	if len(e.sources) == 0 {
		errs = append(errs, errors.New("no source configured"))
	}

	hasTargets := e.registry != nil && e.registry.Len() > 0
	switch {
	case hasTargets && e.batchProducer != nil:
		errs = append(errs, errors.New("target producers and a batch producer are mutually exclusive"))
	case !hasTargets && e.batchProducer == nil:
		errs = append(errs, errors.New("no target producer or batch producer configured"))
	}

	if e.completionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid batch completion timeout %s", e.completionTimeout))
	}

	seen := map[string]bool{}
	for _, s := range e.sources {
		if seen[s.key] {
			errs = append(errs, fmt.Errorf("duplicate source key %q", s.key))
		}
		seen[s.key] = true

		if s.fetcher == nil && (s.locker == nil || s.store == nil) {
			errs = append(errs, fmt.Errorf("source %q: missing fetcher, locker or push store", s.key))
		}
		if s.settings.pollingInterval <= 0 {
			errs = append(errs, fmt.Errorf("source %q: invalid polling interval %s", s.key, s.settings.pollingInterval))
		}
		if s.settings.maxWait <= 0 {
			errs = append(errs, fmt.Errorf("source %q: invalid max wait %s", s.key, s.settings.maxWait))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid outbox configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (e *Engine) dispatcher() Dispatcher {
	if e.batchProducer != nil {
		return DispatchToBatchProducer(e.batchProducer)
	}
	return e.registry
}

// Start runs the background task of every source.
// If Start is called multiple times, only the first call has an effect.
func (e *Engine) Start() {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return
	}

	for _, task := range e.tasks {
		task := task
		e.group.Go(func() error {
			return task(e.ctx)
		})
	}
	e.logger.Info("outbox engine started", "sources", len(e.tasks))
}

// Stop cancels every background task and waits for them to finish their current step.
// The provided context controls how long to wait before giving up.
//
// If the context expires first, Stop returns the context's error.
// Calling Stop multiple times is safe and only the first call has an effect.
func (e *Engine) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}

	e.cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.group.Wait()
	}()

	select {
	case err := <-done:
		e.logger.Info("outbox engine stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger wakes the task of key without waiting for its next polling round.
func (e *Engine) Trigger(key string) error {
	return e.listener.Trigger(key)
}

// Listener returns the listener shared by the engine tasks.
func (e *Engine) Listener() *Listener {
	return e.listener
}
