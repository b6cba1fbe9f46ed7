package targets

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	outbox "github.com/oagudo/outboxkit"
)

// KafkaWriter is the part of *kafka.Writer used by Kafka.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka produces messages to a Kafka topic.
type Kafka struct {
	writer          KafkaWriter
	topicFromTarget bool
}

// KafkaOption is a function that configures a Kafka producer.
type KafkaOption func(*Kafka)

// WithTopicFromTarget publishes each message to the topic named after its target.
// The writer must then have no topic of its own, kafka-go rejects messages carrying a topic otherwise.
func WithTopicFromTarget() KafkaOption {
	return func(k *Kafka) {
		k.topicFromTarget = true
	}
}

// NewKafka creates a Kafka producer writing with writer.
func NewKafka(writer KafkaWriter, opts ...KafkaOption) *Kafka {
	k := &Kafka{writer: writer}

	for _, opt := range opts {
		opt(k)
	}

	return k
}

// NewKafkaWriter returns a synchronous *kafka.Writer for brokers hashing message keys to partitions.
// An empty topic leaves the choice to each message.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Produce implements outbox.TargetProducer. Messages are written in one call; when kafka-go
// reports per message errors the delivered prefix is the messages before the first failure.
func (k *Kafka) Produce(ctx context.Context, msgs []*outbox.Message) ([]*outbox.Message, error) {
	records := make([]kafka.Message, 0, len(msgs))
	var encodeErr error
	for _, msg := range msgs {
		record, err := k.record(msg)
		if err != nil {
			encodeErr = err
			break
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, encodeErr
	}

	err := k.writer.WriteMessages(ctx, records...)
	if err == nil {
		return msgs[:len(records)], encodeErr
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for i, werr := range writeErrs {
			if werr != nil {
				return msgs[:i], fmt.Errorf("writing kafka message %v: %w", msgs[i].ID, werr)
			}
		}
	}
	return nil, fmt.Errorf("writing kafka messages: %w", err)
}

func (k *Kafka) record(msg *outbox.Message) (kafka.Message, error) {
	h, err := headers(msg)
	if err != nil {
		return kafka.Message{}, err
	}

	record := kafka.Message{
		Key:   []byte(h[HeaderMessageID]),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
	}
	if k.topicFromTarget {
		record.Topic = msg.Target
	}

	for _, name := range sortedNames(h) {
		record.Headers = append(record.Headers, kafka.Header{Key: name, Value: []byte(h[name])})
	}
	return record, nil
}
