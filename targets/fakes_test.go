package targets

import (
	"context"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// fakeKafkaWriter fails message failAt (1-based) with kafka.WriteErrors, like kafka-go does
// for partially written batches.
type fakeKafkaWriter struct {
	failAt  int
	written []kafka.Message
	err     error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	if w.failAt == 0 || w.failAt > len(msgs) {
		w.written = append(w.written, msgs...)
		return nil
	}

	errs := make(kafka.WriteErrors, len(msgs))
	for i := w.failAt - 1; i < len(msgs); i++ {
		errs[i] = errBroker
	}
	w.written = append(w.written, msgs[:w.failAt-1]...)
	return errs
}

type amqpPublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeAMQPChannel struct {
	failAt    int
	published []amqpPublish
}

func (c *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.failAt == len(c.published)+1 {
		return errBroker
	}
	c.published = append(c.published, amqpPublish{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeNATSConn struct {
	failAt    int
	flushErr  error
	published []*nats.Msg
	flushes   int
}

func (c *fakeNATSConn) PublishMsg(m *nats.Msg) error {
	if c.failAt == len(c.published)+1 {
		return errBroker
	}
	c.published = append(c.published, m)
	return nil
}

func (c *fakeNATSConn) FlushWithContext(_ context.Context) error {
	c.flushes++
	return c.flushErr
}
