package relay

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"

	outbox "github.com/oagudo/outboxkit"
	"github.com/oagudo/outboxkit/internal/config"
	"github.com/oagudo/outboxkit/targets"
)

func (r *Relay) buildTarget(_ context.Context, tgt config.Target) (outbox.TargetProducer, error) {
	switch tgt.Kind {
	case config.KindKafka:
		writer := targets.NewKafkaWriter(tgt.Brokers, tgt.Topic)
		r.onClose(tgt.Name+" kafka writer", func(context.Context) error { return writer.Close() })

		var opts []targets.KafkaOption
		if tgt.TopicFromTarget {
			opts = append(opts, targets.WithTopicFromTarget())
		}
		return targets.NewKafka(writer, opts...), nil

	case config.KindRabbitMQ:
		conn, err := amqp.Dial(tgt.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		r.onClose(tgt.Name+" rabbitmq connection", func(context.Context) error { return conn.Close() })

		channel, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
		}
		r.onClose(tgt.Name+" rabbitmq channel", func(context.Context) error { return channel.Close() })

		var opts []targets.RabbitMQOption
		if tgt.RoutingKey != "" {
			opts = append(opts, targets.WithRoutingKey(tgt.RoutingKey))
		}
		return targets.NewRabbitMQ(channel, tgt.Exchange, opts...), nil

	case config.KindNATS:
		conn, err := nats.Connect(tgt.URL, nats.Name("outboxkit-relay"))
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		r.onClose(tgt.Name+" nats connection", func(context.Context) error { return conn.Drain() })

		return targets.NewNATS(conn, tgt.Subject), nil

	default:
		return nil, fmt.Errorf("unknown kind %q", tgt.Kind)
	}
}
