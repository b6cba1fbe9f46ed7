package outbox

import (
	"context"
	"fmt"
)

// TargetProducer delivers messages routed to a single target.
type TargetProducer interface {
	// Produce delivers msgs and returns the subset that was delivered.
	// It should only fail for total or infrastructure failures and may be called
	// again with the same messages.
	Produce(ctx context.Context, msgs []*Message) ([]*Message, error)
}

// TargetProducerFunc adapts a function to the TargetProducer interface.
type TargetProducerFunc func(ctx context.Context, msgs []*Message) ([]*Message, error)

// Produce calls f(ctx, msgs).
func (f TargetProducerFunc) Produce(ctx context.Context, msgs []*Message) ([]*Message, error) {
	return f(ctx, msgs)
}

// BatchProducer receives every batch of a source, whatever the message targets.
type BatchProducer interface {
	ProduceBatch(ctx context.Context, key string, msgs []*Message) ([]*Message, error)
}

// BatchProducerFunc adapts a function to the BatchProducer interface.
type BatchProducerFunc func(ctx context.Context, key string, msgs []*Message) ([]*Message, error)

// ProduceBatch calls f(ctx, key, msgs).
func (f BatchProducerFunc) ProduceBatch(ctx context.Context, key string, msgs []*Message) ([]*Message, error) {
	return f(ctx, key, msgs)
}

// Dispatcher hands a claimed batch to the downstream producers and reports what was delivered.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, msgs []*Message) ([]*Message, error)
}

// TargetRegistry maps routing keys to target producers.
// It is built once at startup and is read-only afterwards.
type TargetRegistry struct {
	producers map[string]TargetProducer
}

// NewTargetRegistry creates an empty registry.
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{producers: map[string]TargetProducer{}}
}

// Register binds producer to target. Registering the same target twice is an error.
func (r *TargetRegistry) Register(target string, producer TargetProducer) error {
	if producer == nil {
		return fmt.Errorf("registering target %q: nil producer", target)
	}
	if _, ok := r.producers[target]; ok {
		return fmt.Errorf("registering target %q: already registered", target)
	}
	r.producers[target] = producer
	return nil
}

// Producer returns the producer registered for target.
func (r *TargetRegistry) Producer(target string) (TargetProducer, error) {
	producer, ok := r.producers[target]
	if !ok {
		return nil, &UnknownTargetError{Target: target}
	}
	return producer, nil
}

// Len returns the number of registered targets.
func (r *TargetRegistry) Len() int {
	return len(r.producers)
}

// Dispatch groups msgs by target in order of first appearance and calls each target producer
// with its own subset. It stops at the first failing group and returns what was delivered so far
// together with the error.
func (r *TargetRegistry) Dispatch(ctx context.Context, _ string, msgs []*Message) ([]*Message, error) {
	var order []string
	groups := map[string][]*Message{}
	for _, msg := range msgs {
		if _, ok := groups[msg.Target]; !ok {
			order = append(order, msg.Target)
		}
		groups[msg.Target] = append(groups[msg.Target], msg)
	}

	delivered := make([]*Message, 0, len(msgs))
	for _, target := range order {
		producer, err := r.Producer(target)
		if err != nil {
			return delivered, err
		}

		ok, err := producer.Produce(ctx, groups[target])
		delivered = append(delivered, ok...)
		if err != nil {
			return delivered, fmt.Errorf("producing to target %q: %w", target, err)
		}
	}
	return delivered, nil
}

type batchDispatcher struct {
	producer BatchProducer
}

// DispatchToBatchProducer returns a Dispatcher passing whole batches to producer.
func DispatchToBatchProducer(producer BatchProducer) Dispatcher {
	return &batchDispatcher{producer: producer}
}

func (d *batchDispatcher) Dispatch(ctx context.Context, key string, msgs []*Message) ([]*Message, error) {
	return d.producer.ProduceBatch(ctx, key, msgs)
}
