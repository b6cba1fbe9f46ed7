package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	outbox "github.com/oagudo/outboxkit"
)

// Fetcher claims batches of outbox rows inside a database transaction.
//
// The rows of a batch stay locked until the batch is completed or closed, so concurrent
// fetchers never observe the same messages. Fetchers blocked behind a held batch either wait
// for it or, when the database gives up on the lock, report an empty batch.
//
// SQLite has no row locks: open the database with _txlock=immediate so each claim takes the
// database write lock, and _busy_timeout so concurrent claims wait for it.
type Fetcher struct {
	dbCtx     *DBContext
	batchSize int
}

// FetcherOption is a function that configures a Fetcher instance.
type FetcherOption func(*Fetcher)

// WithBatchSize sets the maximum number of messages in a batch.
// Default is 100 messages. Must be positive.
func WithBatchSize(batchSize int) FetcherOption {
	return func(f *Fetcher) {
		if batchSize > 0 {
			f.batchSize = batchSize
		}
	}
}

// NewFetcher creates a Fetcher over the outbox table of dbCtx.
func NewFetcher(dbCtx *DBContext, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		dbCtx:     dbCtx,
		batchSize: 100,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FetchAndHold implements outbox.BatchFetcher.
// One extra row is read to tell whether more messages are pending.
//
// Only the claim query observes ctx. The transaction outlives its cancellation so a batch
// dispatched during shutdown can still be completed.
func (f *Fetcher) FetchAndHold(ctx context.Context) (outbox.Batch, error) {
	tx, err := f.dbCtx.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		if isLockContention(err) {
			return outbox.EmptyBatch, nil
		}
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	msgs, err := f.claim(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		if isLockContention(err) {
			return outbox.EmptyBatch, nil
		}
		return nil, err
	}

	if len(msgs) == 0 {
		_ = tx.Rollback()
		return outbox.EmptyBatch, nil
	}

	hasNext := len(msgs) > f.batchSize
	if hasNext {
		msgs = msgs[:f.batchSize]
	}

	return &batch{
		dbCtx:   f.dbCtx,
		tx:      tx,
		msgs:    msgs,
		hasNext: hasNext,
	}, nil
}

func (f *Fetcher) claim(ctx context.Context, tx Tx) ([]*outbox.Message, error) {
	// nolint:gosec
	rows, err := tx.QueryContext(ctx, f.dbCtx.buildClaimQuery(), f.batchSize+1)
	if err != nil {
		return nil, fmt.Errorf("querying outbox messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	msgs := make([]*outbox.Message, 0, f.batchSize+1)
	for rows.Next() {
		var (
			id     int64
			target sql.NullString
			typ    sql.NullString
			msg    outbox.Message
		)
		if err := rows.Scan(&id, &target, &typ, &msg.Payload, &msg.ObservabilityContext, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox message: %w", err)
		}
		msg.ID = id
		msg.Target = target.String
		msg.Type = typ.String
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}
	return msgs, nil
}

// batch is a claimed set of rows whose locks live as long as tx.
type batch struct {
	dbCtx   *DBContext
	tx      Tx
	msgs    []*outbox.Message
	hasNext bool

	mu   sync.Mutex
	done bool
}

func (b *batch) Messages() []*outbox.Message { return b.msgs }
func (b *batch) HasNext() bool               { return b.hasNext }

// Complete deletes the ok rows and commits. Rows not in ok are released by the commit.
// If the delete does not remove exactly the ok rows the transaction is rolled back.
func (b *batch) Complete(ctx context.Context, ok []*outbox.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return outbox.ErrBatchCompleted
	}
	b.done = true

	if len(ok) == 0 {
		if err := b.tx.Rollback(); err != nil {
			return fmt.Errorf("releasing batch: %w", err)
		}
		return nil
	}

	ids, err := b.ids(ok)
	if err != nil {
		_ = b.tx.Rollback()
		return err
	}

	res, err := b.tx.ExecContext(ctx, b.dbCtx.buildDeleteQuery(len(ids)), ids...)
	if err != nil {
		_ = b.tx.Rollback()
		return fmt.Errorf("deleting acknowledged messages: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		_ = b.tx.Rollback()
		return fmt.Errorf("counting deleted messages: %w", err)
	}
	if affected != int64(len(ids)) {
		_ = b.tx.Rollback()
		return &outbox.AckMismatchError{Expected: int64(len(ids)), Affected: affected}
	}

	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// Close rolls back a batch that was not completed.
func (b *batch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil
	}
	b.done = true

	if err := b.tx.Rollback(); err != nil {
		return fmt.Errorf("releasing batch: %w", err)
	}
	return nil
}

// ids returns the distinct ids of ok, which must all belong to the batch.
func (b *batch) ids(ok []*outbox.Message) ([]any, error) {
	claimed := make(map[any]bool, len(b.msgs))
	for _, msg := range b.msgs {
		claimed[msg.ID] = true
	}

	seen := make(map[any]bool, len(ok))
	ids := make([]any, 0, len(ok))
	for _, msg := range ok {
		if !claimed[msg.ID] {
			return nil, fmt.Errorf("acknowledging message %v: not part of the batch", msg.ID)
		}
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		ids = append(ids, msg.ID)
	}
	return ids, nil
}
