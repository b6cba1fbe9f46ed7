package targets

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	outbox "github.com/oagudo/outboxkit"
)

// AMQPPublisher is the part of *amqp.Channel used by RabbitMQ.
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQ publishes persistent messages to an exchange.
type RabbitMQ struct {
	channel     AMQPPublisher
	exchange    string
	routingKey  string
	contentType string
}

// RabbitMQOption is a function that configures a RabbitMQ producer.
type RabbitMQOption func(*RabbitMQ)

// WithRoutingKey sets the routing key of every message. Default is the message target,
// which with the default exchange routes to the queue named after the target.
func WithRoutingKey(key string) RabbitMQOption {
	return func(r *RabbitMQ) {
		r.routingKey = key
	}
}

// WithContentType sets the content type of published messages. Default is "application/json".
func WithContentType(contentType string) RabbitMQOption {
	return func(r *RabbitMQ) {
		r.contentType = contentType
	}
}

// NewRabbitMQ creates a RabbitMQ producer publishing on channel to exchange.
// An empty exchange is the AMQP default exchange.
func NewRabbitMQ(channel AMQPPublisher, exchange string, opts ...RabbitMQOption) *RabbitMQ {
	r := &RabbitMQ{
		channel:     channel,
		exchange:    exchange,
		contentType: "application/json",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Produce implements outbox.TargetProducer.
func (r *RabbitMQ) Produce(ctx context.Context, msgs []*outbox.Message) ([]*outbox.Message, error) {
	for i, msg := range msgs {
		if err := r.publish(ctx, msg); err != nil {
			return msgs[:i], err
		}
	}
	return msgs, nil
}

func (r *RabbitMQ) publish(ctx context.Context, msg *outbox.Message) error {
	h, err := headers(msg)
	if err != nil {
		return err
	}

	table := make(amqp.Table, len(h))
	for name, value := range h {
		table[name] = value
	}

	routingKey := r.routingKey
	if routingKey == "" {
		routingKey = msg.Target
	}

	err = r.channel.PublishWithContext(ctx, r.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  r.contentType,
		Body:         msg.Payload,
		MessageId:    h[HeaderMessageID],
		Type:         msg.Type,
		Timestamp:    msg.CreatedAt,
		Headers:      table,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("publishing message %v: %w", msg.ID, err)
	}
	return nil
}
