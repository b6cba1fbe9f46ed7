package outbox

import "context"

// BatchFetcher claims batches of undelivered messages from a backing store.
type BatchFetcher interface {
	// FetchAndHold claims up to the configured batch size of messages.
	// While the returned batch is held no other fetcher can observe or claim the same messages.
	// It returns EmptyBatch when nothing is available or another holder has everything claimed.
	FetchAndHold(ctx context.Context) (Batch, error)
}

// BatchFetcherFunc adapts a function to the BatchFetcher interface.
type BatchFetcherFunc func(ctx context.Context) (Batch, error)

// FetchAndHold calls f(ctx).
func (f BatchFetcherFunc) FetchAndHold(ctx context.Context) (Batch, error) {
	return f(ctx)
}

// Batch is a bounded ordered sequence of claimed messages.
//
// A batch must be completed or closed exactly once. Closing a batch that was not completed
// releases every claim, which is equivalent to completing it with nothing acknowledged.
type Batch interface {
	// Messages returns the claimed messages in store order.
	Messages() []*Message

	// HasNext reports whether more messages were pending when the batch was claimed.
	HasNext() bool

	// Complete permanently removes the ok messages and releases the claim on the rest.
	// Callers should pass a context that survives their own cancellation so dispatched
	// work is not lost on shutdown.
	Complete(ctx context.Context, ok []*Message) error

	// Close releases the batch resources. It is a no-op after a successful Complete.
	Close() error
}

type emptyBatch struct{}

func (emptyBatch) Messages() []*Message                           { return nil }
func (emptyBatch) HasNext() bool                                  { return false }
func (emptyBatch) Complete(_ context.Context, _ []*Message) error { return nil }
func (emptyBatch) Close() error                                   { return nil }

// EmptyBatch is returned by fetchers when there is nothing to claim.
var EmptyBatch Batch = emptyBatch{}

// IsEmpty reports whether b holds no messages.
func IsEmpty(b Batch) bool {
	return b == nil || len(b.Messages()) == 0
}
