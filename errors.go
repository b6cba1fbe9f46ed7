package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSourceKey is returned when a trigger, wait or drain references a source key
	// that was never configured.
	ErrUnknownSourceKey = errors.New("outbox: unknown source key")

	// ErrNoTargetProducer is returned when a message is routed to a target without a registered producer.
	ErrNoTargetProducer = errors.New("outbox: no producer registered for target")

	// ErrBatchCompleted is returned when Complete is called on a batch that was already completed or closed.
	ErrBatchCompleted = errors.New("outbox: batch already completed")

	// ErrLockLost is the cancellation cause of a push run whose distributed lock was lost, and is
	// returned when completing a batch whose lease expired while it was out.
	ErrLockLost = errors.New("outbox: distributed lock lost")
)

// UnknownTargetError indicates that a batch contained messages for a target
// with no registered producer.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("no producer registered for target %q", e.Target)
}
func (e *UnknownTargetError) Unwrap() error { return ErrNoTargetProducer }

// FetchError indicates an error when claiming a batch from the store.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching batch for source %q: %v", e.Key, e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }

// DispatchError indicates that a target producer failed while delivering a batch.
// Delivered is the number of messages acknowledged before the failure.
type DispatchError struct {
	Key       string
	Delivered int
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching batch for source %q (%d delivered): %v", e.Key, e.Delivered, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }

// CompleteError indicates that the store could not complete a batch.
// Messages of a batch that failed to complete are delivered again later.
type CompleteError struct {
	Key string
	Err error
}

func (e *CompleteError) Error() string {
	return fmt.Sprintf("completing batch for source %q: %v", e.Key, e.Err)
}
func (e *CompleteError) Unwrap() error { return e.Err }

// AckMismatchError is returned by store adapters when acknowledging a batch
// removed a different number of messages than requested.
type AckMismatchError struct {
	Expected int64
	Affected int64
}

func (e *AckMismatchError) Error() string {
	return fmt.Sprintf("acknowledging messages: expected %d removed, got %d", e.Expected, e.Affected)
}
