// Package redistrigger fans outbox triggers out across processes over Redis pub/sub.
//
// Writers running outside the relay call [Publisher.Trigger] after committing; every relay
// running a [Subscriber] triggers its engine with the published source key.
package redistrigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	outbox "github.com/oagudo/outboxkit"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "outboxkit:trigger"

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher publishes source keys. It satisfies outbox.Triggerer.
type Publisher struct {
	client  publisher
	channel string
	timeout time.Duration
}

// PublisherOption is a function that configures a Publisher instance.
type PublisherOption func(*Publisher)

// WithPublishChannel sets the channel. Default is DefaultChannel.
func WithPublishChannel(channel string) PublisherOption {
	return func(p *Publisher) {
		if channel != "" {
			p.channel = channel
		}
	}
}

// WithPublishTimeout bounds each publish. Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewPublisher creates a Publisher on client.
func NewPublisher(client redis.UniversalClient, opts ...PublisherOption) *Publisher {
	return newPublisher(client, opts...)
}

func newPublisher(client publisher, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		client:  client,
		channel: DefaultChannel,
		timeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Trigger publishes key. Having no subscriber is not an error.
func (p *Publisher) Trigger(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, key).Err(); err != nil {
		return fmt.Errorf("publishing trigger %q: %w", key, err)
	}
	return nil
}

// Subscriber forwards published source keys to a local Triggerer.
type Subscriber struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// SubscriberOption is a function that configures a Subscriber instance.
type SubscriberOption func(*Subscriber)

// WithSubscribeChannel sets the channel. Default is DefaultChannel.
func WithSubscribeChannel(channel string) SubscriberOption {
	return func(s *Subscriber) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubscriber creates a Subscriber on client.
func NewSubscriber(client redis.UniversalClient, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		client:  client,
		channel: DefaultChannel,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run subscribes and triggers target with every received key until ctx is done.
// It returns nil on shutdown.
func (s *Subscriber) Run(ctx context.Context, target outbox.Triggerer) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer func() {
		_ = pubsub.Close()
	}()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribing to %q: %w", s.channel, err)
	}
	s.logger.Debug("trigger subscription started", "channel", s.channel)

	return s.forward(ctx, pubsub.Channel(), target)
}

func (s *Subscriber) forward(ctx context.Context, messages <-chan *redis.Message, target outbox.Triggerer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription to %q closed", s.channel)
			}

			err := target.Trigger(msg.Payload)
			switch {
			case err == nil:
			case errors.Is(err, outbox.ErrUnknownSourceKey):
				// keys of sources hosted by other relays
				s.logger.Debug("ignoring trigger", "key", msg.Payload)
			default:
				s.logger.Warn("forwarding trigger", "key", msg.Payload, "error", err)
			}
		}
	}
}
