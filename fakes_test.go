package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// memStore is an in-memory BatchFetcher claiming messages in insertion order.
type memStore struct {
	mu          sync.Mutex
	pending     []*Message
	held        bool
	batchSize   int
	fetchErr    error
	completeErr error
	fetches     int
	completions [][]*Message
	completeCtx []error
}

func newMemStore(batchSize int, count int) *memStore {
	s := &memStore{batchSize: batchSize}
	for i := 1; i <= count; i++ {
		s.pending = append(s.pending, &Message{ID: i, Target: "orders", Payload: []byte(fmt.Sprintf("msg-%d", i))})
	}
	return s
}

func (s *memStore) FetchAndHold(_ context.Context) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.held || len(s.pending) == 0 {
		return EmptyBatch, nil
	}

	n := min(s.batchSize, len(s.pending))
	s.held = true
	return &memBatch{
		store:   s,
		msgs:    slices.Clone(s.pending[:n]),
		hasNext: len(s.pending) > n,
	}, nil
}

func (s *memStore) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *memStore) completed() [][]*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.completions)
}

type memBatch struct {
	store   *memStore
	msgs    []*Message
	hasNext bool
	done    bool
}

func (b *memBatch) Messages() []*Message { return b.msgs }
func (b *memBatch) HasNext() bool        { return b.hasNext }

func (b *memBatch) Complete(ctx context.Context, ok []*Message) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.done {
		return ErrBatchCompleted
	}
	b.done = true
	s.held = false
	s.completions = append(s.completions, slices.Clone(ok))
	s.completeCtx = append(s.completeCtx, ctx.Err())
	if s.completeErr != nil {
		return s.completeErr
	}

	s.pending = slices.DeleteFunc(s.pending, func(m *Message) bool {
		return slices.Contains(ok, m)
	})
	return nil
}

func (b *memBatch) Close() error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if !b.done {
		b.done = true
		s.held = false
	}
	return nil
}

// deliverAll is a target producer acknowledging everything it receives.
func deliverAll(_ context.Context, msgs []*Message) ([]*Message, error) {
	return msgs, nil
}

func registryWith(t interface{ Fatalf(string, ...any) }, producers map[string]TargetProducer) *TargetRegistry {
	r := NewTargetRegistry()
	for target, p := range producers {
		if err := r.Register(target, p); err != nil {
			t.Fatalf("registering %q: %v", target, err)
		}
	}
	return r
}
