package targets

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	outbox "github.com/oagudo/outboxkit"
)

// NATSPublisher is the part of *nats.Conn used by NATS.
type NATSPublisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATS publishes messages on a NATS subject.
//
// Core NATS publishing is fire and forget: a batch counts as delivered once the server has
// acknowledged a flush after the last message.
type NATS struct {
	conn    NATSPublisher
	subject string
}

// NewNATS creates a NATS producer publishing on subject. An empty subject publishes each
// message on the subject named after its target.
func NewNATS(conn NATSPublisher, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

// Produce implements outbox.TargetProducer.
func (n *NATS) Produce(ctx context.Context, msgs []*outbox.Message) ([]*outbox.Message, error) {
	published := len(msgs)
	var publishErr error
	for i, msg := range msgs {
		if err := n.publish(msg); err != nil {
			published, publishErr = i, err
			break
		}
	}

	if published == 0 {
		return nil, publishErr
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return nil, fmt.Errorf("flushing nats connection: %w", err)
	}
	return msgs[:published], publishErr
}

func (n *NATS) publish(msg *outbox.Message) error {
	h, err := headers(msg)
	if err != nil {
		return err
	}

	subject := n.subject
	if subject == "" {
		subject = msg.Target
	}

	natsMsg := &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  make(nats.Header, len(h)),
	}
	for name, value := range h {
		natsMsg.Header.Set(name, value)
	}

	if err := n.conn.PublishMsg(natsMsg); err != nil {
		return fmt.Errorf("publishing message %v: %w", msg.ID, err)
	}
	return nil
}
