package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageOption is a function that can be used to configure a Message.
type MessageOption func(*Message)

// Message is an outbox record as seen by the engine.
// Store adapters build messages when a batch is claimed and own the ID they put in it.
type Message struct {
	// ID is the store specific identity of the message (auto-increment integer, object id, ...).
	// It is set by the store adapter and only interpreted by it.
	ID any

	// Target is the routing key used to pick a target producer.
	// It may be empty when the whole batch goes to a single batch producer.
	Target string

	// Type is an optional message type forwarded to the target.
	Type string

	// Payload contains the message data, typically JSON serialized.
	Payload []byte

	// ObservabilityContext carries propagated trace context, such as trace ids or correlation ids.
	// It is stored as a JSON object of string values and attached as headers by the targets.
	ObservabilityContext []byte

	// CreatedAt is the time the message was written to the outbox.
	CreatedAt time.Time
}

// WithType sets the message type.
func WithType(typ string) MessageOption {
	return func(m *Message) {
		m.Type = typ
	}
}

// WithCreatedAt sets the time the message was created.
// If not provided, the current time will be used.
func WithCreatedAt(createdAt time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = createdAt
	}
}

// WithObservabilityContext attaches raw observability context to the message.
func WithObservabilityContext(observabilityCtx []byte) MessageOption {
	return func(m *Message) {
		m.ObservabilityContext = observabilityCtx
	}
}

// WithHeaders encodes headers (trace_id, correlation_id, ...) as the message observability context.
// Headers that cannot be encoded are ignored.
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *Message) {
		if len(headers) == 0 {
			return
		}
		encoded, err := json.Marshal(headers)
		if err != nil {
			return
		}
		m.ObservabilityContext = encoded
	}
}

// NewMessage creates a new Message routed to target with the given payload.
func NewMessage(target string, payload []byte, opts ...MessageOption) *Message {
	m := &Message{
		Target:    target,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Headers decodes the observability context into a header map.
// A message without observability context yields an empty map.
func (m *Message) Headers() (map[string]string, error) {
	headers := map[string]string{}
	if len(m.ObservabilityContext) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(m.ObservabilityContext, &headers); err != nil {
		return nil, fmt.Errorf("decoding observability context: %w", err)
	}
	return headers, nil
}
