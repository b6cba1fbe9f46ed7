package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Producer drains claimed batches of each source key through a Dispatcher.
//
// Batches of one key are processed strictly one after the other. Callers must not run
// DrainPending concurrently for the same key.
type Producer struct {
	fetchers          map[string]BatchFetcher
	dispatcher        Dispatcher
	logger            *slog.Logger
	metrics           *Metrics
	completionTimeout time.Duration
}

// ProducerOption is a function that configures a Producer instance.
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger used by the producer.
// Default is slog.Default().
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProducerMetrics sets the metrics recorded by the producer.
func WithProducerMetrics(metrics *Metrics) ProducerOption {
	return func(p *Producer) {
		p.metrics = metrics
	}
}

// WithCompletionTimeout sets the timeout for completing a batch.
// Completion ignores the caller cancellation and is only bounded by this timeout.
// Default is 30 seconds. Must be positive.
func WithCompletionTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		if timeout > 0 {
			p.completionTimeout = timeout
		}
	}
}

// NewProducer creates a Producer for the given fetchers, keyed by source key.
func NewProducer(fetchers map[string]BatchFetcher, dispatcher Dispatcher, opts ...ProducerOption) *Producer {
	p := &Producer{
		fetchers:          fetchers,
		dispatcher:        dispatcher,
		logger:            slog.Default(),
		completionTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// DrainPending produces batches of key until the store reports no more work,
// a batch fails or ctx is cancelled.
//
// A batch in which no message was delivered also ends the drain, even if the store reports
// more messages, so an unavailable target is retried at the next trigger or interval rather
// than in a tight loop.
func (p *Producer) DrainPending(ctx context.Context, key string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		more, err := p.ProduceOneBatch(ctx, key)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// ProduceOneBatch claims one batch of key, dispatches it and completes it with the delivered subset.
// It reports whether another batch should be requested right away.
//
// The batch is completed even when dispatch fails, so work delivered before the failure is
// not delivered again. A batch where nothing was delivered reports false regardless of
// the batch HasNext.
func (p *Producer) ProduceOneBatch(ctx context.Context, key string) (bool, error) {
	fetcher, ok := p.fetchers[key]
	if !ok {
		return false, fmt.Errorf("producing %q: %w", key, ErrUnknownSourceKey)
	}

	batch, err := fetcher.FetchAndHold(ctx)
	if err != nil {
		return false, &FetchError{Key: key, Err: err}
	}
	if IsEmpty(batch) {
		return false, nil
	}
	defer func() {
		if err := batch.Close(); err != nil {
			p.logger.Warn("closing batch", "key", key, "error", err)
		}
	}()

	msgs := batch.Messages()
	delivered, dispatchErr := p.dispatcher.Dispatch(ctx, key, msgs)

	// Do not use the caller ctx, dispatched messages must be acknowledged on shutdown too
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.completionTimeout)
	defer cancel()
	completeErr := batch.Complete(completeCtx, delivered)

	p.metrics.batchProduced(key, len(msgs), len(delivered))
	p.logger.Debug("batch produced", "key", key, "batch_size", len(msgs), "ok", len(delivered))

	var errs []error
	if dispatchErr != nil {
		errs = append(errs, &DispatchError{Key: key, Delivered: len(delivered), Err: dispatchErr})
	}
	if completeErr != nil {
		errs = append(errs, &CompleteError{Key: key, Err: completeErr})
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}

	if len(delivered) == 0 {
		return false, nil
	}
	return batch.HasNext(), nil
}
