package mongostore

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/mongo"

	outbox "github.com/oagudo/outboxkit"
)

// Writer stores messages in the outbox collection within MongoDB transactions.
type Writer struct {
	client     *mongo.Client
	collection string
	messages   messageStore

	trigger    outbox.Triggerer
	triggerKey string
	logger     *slog.Logger
}

// WorkFunc is the user supplied callback for [Writer.Write]. Operations issued with sc and
// the messages stored with msgWriter commit together.
type WorkFunc func(sc mongo.SessionContext, msgWriter MessageWriter) error

// MessageWriter stores messages within a managed transaction.
type MessageWriter interface {
	Store(ctx context.Context, msgs ...*outbox.Message) error
}

// WriterOption is a function that configures a Writer instance.
type WriterOption func(*Writer)

// WithTrigger makes the Writer call trigger.Trigger(key) after committing a transaction
// that stored at least one message. A failed trigger is logged only.
func WithTrigger(trigger outbox.Triggerer, key string) WriterOption {
	return func(w *Writer) {
		w.trigger = trigger
		w.triggerKey = key
	}
}

// WithWriterLogger sets the logger used to report failed triggers. Default is slog.Default().
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWriterCollection sets the outbox collection. Default is "outbox".
func WithWriterCollection(name string) WriterOption {
	return func(w *Writer) {
		if name != "" {
			w.collection = name
		}
	}
}

// NewWriter creates a Writer storing messages in the outbox collection of db.
func NewWriter(db *mongo.Database, opts ...WriterOption) *Writer {
	w := &Writer{
		client:     db.Client(),
		collection: defaultMessageCollection,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(w)
	}

	w.messages = newMongoMessageStore(db, w.collection)
	return w
}

// Write runs fn in a transaction and commits the messages it stored together with its own operations.
// Transactions require a replica set.
func (w *Writer) Write(ctx context.Context, fn WorkFunc) error {
	var stored int

	err := w.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		_, err := sc.WithTransaction(sc, func(sc mongo.SessionContext) (any, error) {
			msgWriter := &messageWriter{messages: w.messages}
			if err := fn(sc, msgWriter); err != nil {
				return nil, err
			}
			stored = msgWriter.stored
			return nil, nil
		})
		return err
	})
	if err != nil {
		return err
	}

	if stored > 0 && w.trigger != nil {
		if err := w.trigger.Trigger(w.triggerKey); err != nil {
			w.logger.Warn("triggering outbox after commit", "key", w.triggerKey, "error", err)
		}
	}
	return nil
}

// Store inserts msgs with ctx. Pass a mongo.SessionContext to make the insert part of a
// transaction managed by the caller.
func (w *Writer) Store(ctx context.Context, msgs ...*outbox.Message) error {
	return storeMessages(ctx, w.messages, msgs)
}

type messageWriter struct {
	messages messageStore
	stored   int
}

func (m *messageWriter) Store(ctx context.Context, msgs ...*outbox.Message) error {
	if err := storeMessages(ctx, m.messages, msgs); err != nil {
		return err
	}
	m.stored += len(msgs)
	return nil
}

// storeMessages assigns an ObjectID to messages without one.
func storeMessages(ctx context.Context, messages messageStore, msgs []*outbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	docs := make([]messageDocument, 0, len(msgs))
	for _, msg := range msgs {
		doc, err := newMessageDocument(msg)
		if err != nil {
			return fmt.Errorf("storing message in outbox: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := messages.insert(ctx, docs); err != nil {
		return err
	}
	for i, msg := range msgs {
		msg.ID = docs[i].ID
	}
	return nil
}
