// Package relay hosts an outbox engine built from configuration, with an admin HTTP surface.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	outbox "github.com/oagudo/outboxkit"
	"github.com/oagudo/outboxkit/internal/config"
	"github.com/oagudo/outboxkit/redistrigger"
)

const shutdownTimeout = 30 * time.Second

// Relay runs an engine, the admin HTTP server and, when configured, the Redis trigger subscription.
type Relay struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *outbox.Engine
	registry   *prometheus.Registry
	handler    http.Handler
	subscriber *redistrigger.Subscriber

	closers []closer
}

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// Build connects every configured source and target and creates the engine.
// Connections opened before a failure are closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := r.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return nil, errors.Join(err, r.Close(closeCtx))
	}
	return r, nil
}

func (r *Relay) build(ctx context.Context) error {
	opts := []outbox.Option{
		outbox.WithLogger(r.logger),
		outbox.WithMetrics(outbox.NewMetrics(r.registry)),
		outbox.WithBatchCompletionTimeout(r.cfg.Engine.CompletionTimeout),
	}

	for _, src := range r.cfg.Sources {
		opt, err := r.buildSource(ctx, src)
		if err != nil {
			return fmt.Errorf("source %q: %w", src.Key, err)
		}
		opts = append(opts, opt)
	}

	for _, tgt := range r.cfg.Targets {
		producer, err := r.buildTarget(ctx, tgt)
		if err != nil {
			return fmt.Errorf("target %q: %w", tgt.Name, err)
		}
		opts = append(opts, outbox.WithTargetProducer(tgt.Name, producer))
	}

	engine, err := outbox.NewEngine(opts...)
	if err != nil {
		return err
	}
	r.engine = engine

	if r.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     r.cfg.Redis.Addr,
			Password: r.cfg.Redis.Password,
			DB:       r.cfg.Redis.DB,
		})
		r.onClose("redis", func(context.Context) error { return client.Close() })

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
		r.subscriber = redistrigger.NewSubscriber(client,
			redistrigger.WithSubscribeChannel(r.cfg.Redis.Channel),
			redistrigger.WithLogger(r.logger),
		)
	}

	r.handler = newRouter(r.engine, r.registry, r.logger)
	return nil
}

func (r *Relay) onClose(name string, fn func(ctx context.Context) error) {
	r.closers = append(r.closers, closer{name: name, close: fn})
}

// Engine returns the engine of the relay.
func (r *Relay) Engine() *outbox.Engine {
	return r.engine
}

// Handler returns the admin HTTP handler.
func (r *Relay) Handler() http.Handler {
	return r.handler
}

// Run starts the engine and serves the admin API on the configured address until ctx is done.
// Connections are closed before returning.
func (r *Relay) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", r.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", r.cfg.HTTP.Addr, err)
	}
	return r.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (r *Relay) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.engine.Start()
	r.logger.Info("relay started", "addr", lis.Addr().String(), "sources", len(r.cfg.Sources), "targets", len(r.cfg.Targets))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving admin api: %w", err)
		}
		return nil
	})
	if r.subscriber != nil {
		g.Go(func() error {
			return r.subscriber.Run(gctx, r.engine)
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), r.engine.Stop(shutdownCtx))
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err = errors.Join(err, r.Close(closeCtx))

	r.logger.Info("relay stopped")
	return err
}

// Close closes the connections of the relay in reverse opening order.
func (r *Relay) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
