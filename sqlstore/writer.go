package sqlstore

import (
	"context"
	"fmt"
	"log/slog"

	outbox "github.com/oagudo/outboxkit"
)

// Writer handles storing messages in the outbox table as part of user-defined queries within a database transaction.
// It optionally triggers the background engine once the transaction is committed, so messages
// are delivered without waiting for the next polling round.
type Writer struct {
	dbCtx           *DBContext
	unmanagedWriter *UnmanagedWriter

	trigger    outbox.Triggerer
	triggerKey string
	logger     *slog.Logger
}

// UnmanagedWriter provides low-level access to outbox table persistence.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback
// transactions, nor does it trigger the engine.
// It is intended for users who want to manage the transaction lifecycle
// themselves and only need to persist outbox messages.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged() function.
type UnmanagedWriter struct {
	dbCtx *DBContext
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
// It executes user defined queries within the same transaction that stores the given outbox message.
// The Writer commits or rolls back the transaction once the callback completes.
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// OutboxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and stores messages in the outbox table within the same transaction.
// The Writer commits or rolls back the transaction once the callback completes.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, msgWriter MessageWriter) error

// MessageWriter allows storing messages within a managed transaction.
type MessageWriter interface {
	// Store persists a message in the outbox table.
	// The message is committed when the enclosing transaction commits.
	Store(ctx context.Context, msg *outbox.Message) error
}

// WriterOption is a function that configures a Writer instance.
type WriterOption func(*Writer)

// WithTrigger makes the Writer call trigger.Trigger(key) after committing a transaction
// that stored at least one message.
//
// Triggering is an optimization only: a failed trigger is logged and the message is
// picked up at the next polling round.
func WithTrigger(trigger outbox.Triggerer, key string) WriterOption {
	return func(w *Writer) {
		w.trigger = trigger
		w.triggerKey = key
	}
}

// WithWriterLogger sets the logger used to report failed triggers.
// Default is slog.Default().
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter creates a new outbox Writer with the given database context and options.
func NewWriter(dbCtx *DBContext, opts ...WriterOption) *Writer {
	w := &Writer{
		dbCtx:           dbCtx,
		unmanagedWriter: &UnmanagedWriter{dbCtx: dbCtx},
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write executes user defined queries and stores messages in the outbox table within the same managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics. Messages are committed atomically with your database changes.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx sqlstore.TxQueryer, msgWriter sqlstore.MessageWriter) error {
//	    result, err := tx.ExecContext(ctx,
//	        "UPDATE inventory SET quantity = quantity - $1 WHERE product_id = $2 AND quantity >= $1",
//	        order.Quantity, order.ProductID)
//	    if err != nil {
//	        return err
//	    }
//
//	    rows, _ := result.RowsAffected()
//	    if rows == 0 {
//	        return ErrInsufficientInventory // no message emitted, transaction rolled back
//	    }
//
//	    return msgWriter.Store(ctx, outbox.NewMessage("inventory", orderPayload))
//	})
func (w *Writer) Write(ctx context.Context, fn OutboxWorkFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	msgWriter := &messageWriter{
		dbCtx: w.dbCtx,
		tx:    tx,
	}

	err = fn(ctx, tx, msgWriter)
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	if msgWriter.stored > 0 {
		w.notify()
	}

	return nil
}

// WriteOne executes the provided callback and stores a message in the outbox table
// as part of a managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it returns an error or
// panics.
//
// For conditional or multiple messages use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, msg *outbox.Message, fn TxWorkFunc) error {
	return w.Write(ctx, func(ctx context.Context, tx TxQueryer, msgWriter MessageWriter) error {
		err := fn(ctx, tx)
		if err != nil {
			return err
		}

		return msgWriter.Store(ctx, msg)
	})
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction lifecycle.
// Messages stored via Unmanaged are delivered at the next polling round unless the caller
// triggers the engine itself.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanagedWriter
}

func (w *Writer) notify() {
	if w.trigger == nil {
		return
	}
	if err := w.trigger.Trigger(w.triggerKey); err != nil {
		w.logger.Warn("triggering outbox engine", "key", w.triggerKey, "error", err)
	}
}

// Store persists a message into the outbox table using a user provided transaction.
//
// Store only writes the message if the provided transaction is committed successfully.
// It is the responsibility of the user to commit or rollback the transaction.
func (w *UnmanagedWriter) Store(ctx context.Context, tx TxQueryer, msg *outbox.Message) error {
	return insertOutboxMessage(ctx, w.dbCtx, tx, msg)
}

type messageWriter struct {
	dbCtx  *DBContext
	tx     TxQueryer
	stored int
}

func (w *messageWriter) Store(ctx context.Context, msg *outbox.Message) error {
	err := insertOutboxMessage(ctx, w.dbCtx, w.tx, msg)
	if err != nil {
		return err
	}
	w.stored++
	return nil
}

func insertOutboxMessage(ctx context.Context, dbCtx *DBContext, tx TxQueryer, msg *outbox.Message) error {
	_, err := tx.ExecContext(ctx, dbCtx.buildInsertQuery(),
		msg.Target, msg.Type, msg.Payload, msg.ObservabilityContext, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("storing message in outbox: %w", err)
	}
	return nil
}
