package outbox

import (
	"context"
	"fmt"
)

// Listener wakes background schedulers when new messages are written.
//
// Each source key owns a single-slot signal: triggers issued before a wait collapse into one
// wake-up, and a wait observing the signal clears it. When at most one key is configured
// a single shared slot is used and every key maps to it.
type Listener struct {
	shared chan struct{}
	slots  map[string]chan struct{}
}

// NewListener creates a Listener for the given source keys.
func NewListener(keys ...string) *Listener {
	l := &Listener{}
	if len(keys) <= 1 {
		l.shared = make(chan struct{}, 1)
		return l
	}

	l.slots = make(map[string]chan struct{}, len(keys))
	for _, key := range keys {
		l.slots[key] = make(chan struct{}, 1)
	}
	return l
}

// Trigger signals the slot of key. It never blocks.
func (l *Listener) Trigger(key string) error {
	slot, err := l.slot(key)
	if err != nil {
		return fmt.Errorf("triggering %q: %w", key, err)
	}

	select {
	case slot <- struct{}{}:
	default:
		// already pending
	}
	return nil
}

// Wait blocks until the slot of key is signaled or ctx is done.
func (l *Listener) Wait(ctx context.Context, key string) error {
	slot, err := l.slot(key)
	if err != nil {
		return fmt.Errorf("waiting for %q: %w", key, err)
	}

	select {
	case <-slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) slot(key string) (chan struct{}, error) {
	if l.shared != nil {
		return l.shared, nil
	}
	slot, ok := l.slots[key]
	if !ok {
		return nil, ErrUnknownSourceKey
	}
	return slot, nil
}

// signal returns the receive side of the slot of key so schedulers can select on it.
// A nil listener never fires.
func (l *Listener) signal(key string) (<-chan struct{}, error) {
	if l == nil {
		return nil, nil
	}
	slot, err := l.slot(key)
	if err != nil {
		return nil, err
	}
	return slot, nil
}
