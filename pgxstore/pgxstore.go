// Package pgxstore claims outbox batches from PostgreSQL through a pgx connection pool.
//
// Claims use FOR UPDATE SKIP LOCKED, so relay replicas sharing a table take disjoint batches
// instead of queueing behind each other. The table layout is the one of the sqlstore package.
package pgxstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	outbox "github.com/oagudo/outboxkit"
	"github.com/oagudo/outboxkit/sqlstore"
)

// Beginner starts transactions. *pgxpool.Pool and *pgx.Conn implement it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Executor runs a statement. pgx.Tx, *pgxpool.Pool and *pgx.Conn implement it.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type options struct {
	tableName      string
	batchSize      int
	releaseTimeout time.Duration
	skipLocked     bool
}

// Option is a function that configures the fetcher and the writer.
type Option func(*options)

// WithTableName sets the outbox table name. Default is "outbox".
func WithTableName(tableName string) Option {
	return func(o *options) {
		o.tableName = tableName
	}
}

// WithBatchSize sets the maximum number of messages in a batch.
// Default is 100 messages. Must be positive.
func WithBatchSize(batchSize int) Option {
	return func(o *options) {
		if batchSize > 0 {
			o.batchSize = batchSize
		}
	}
}

// WithoutSkipLocked makes concurrent claims wait for held batches instead of skipping their rows.
func WithoutSkipLocked() Option {
	return func(o *options) {
		o.skipLocked = false
	}
}

func newOptions(opts []Option) (options, error) {
	o := options{
		tableName:      "outbox",
		batchSize:      100,
		releaseTimeout: 5 * time.Second,
		skipLocked:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := sqlstore.ValidateTableName(o.tableName); err != nil {
		return o, err
	}
	return o, nil
}

// Fetcher implements outbox.BatchFetcher over a PostgreSQL outbox table.
type Fetcher struct {
	db   Beginner
	opts options
}

// NewFetcher creates a Fetcher claiming batches through db.
func NewFetcher(db Beginner, opts ...Option) (*Fetcher, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Fetcher{db: db, opts: o}, nil
}

func (f *Fetcher) claimQuery() string {
	lock := "FOR UPDATE"
	if f.opts.skipLocked {
		lock += " SKIP LOCKED"
	}
	// nolint:gosec
	return fmt.Sprintf(`SELECT id, COALESCE(target, ''), COALESCE(message_type, ''), payload, observability_context, created_at
		FROM %s
		ORDER BY id
		LIMIT $1
		%s`, f.opts.tableName, lock)
}

func (f *Fetcher) deleteQuery() string {
	// nolint:gosec
	return fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", f.opts.tableName)
}

// FetchAndHold implements outbox.BatchFetcher.
func (f *Fetcher) FetchAndHold(ctx context.Context) (outbox.Batch, error) {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	rows, err := tx.Query(ctx, f.claimQuery(), f.opts.batchSize+1)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("querying outbox messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	if len(msgs) == 0 {
		_ = tx.Rollback(ctx)
		return outbox.EmptyBatch, nil
	}

	hasNext := len(msgs) > f.opts.batchSize
	if hasNext {
		msgs = msgs[:f.opts.batchSize]
	}
	return &batch{fetcher: f, tx: tx, msgs: msgs, hasNext: hasNext}, nil
}

func scanMessage(row pgx.CollectableRow) (*outbox.Message, error) {
	var (
		id  int64
		msg outbox.Message
	)
	if err := row.Scan(&id, &msg.Target, &msg.Type, &msg.Payload, &msg.ObservabilityContext, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.ID = id
	return &msg, nil
}

type batch struct {
	fetcher *Fetcher
	tx      pgx.Tx
	msgs    []*outbox.Message
	hasNext bool

	mu   sync.Mutex
	done bool
}

func (b *batch) Messages() []*outbox.Message { return b.msgs }
func (b *batch) HasNext() bool               { return b.hasNext }

func (b *batch) Complete(ctx context.Context, ok []*outbox.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return outbox.ErrBatchCompleted
	}
	b.done = true

	if len(ok) == 0 {
		if err := b.tx.Rollback(ctx); err != nil {
			return fmt.Errorf("releasing batch: %w", err)
		}
		return nil
	}

	ids, err := ackIDs(b.msgs, ok)
	if err != nil {
		_ = b.tx.Rollback(ctx)
		return err
	}

	tag, err := b.tx.Exec(ctx, b.fetcher.deleteQuery(), ids)
	if err != nil {
		_ = b.tx.Rollback(ctx)
		return fmt.Errorf("deleting acknowledged messages: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		_ = b.tx.Rollback(ctx)
		return &outbox.AckMismatchError{Expected: int64(len(ids)), Affected: tag.RowsAffected()}
	}

	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func (b *batch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil
	}
	b.done = true

	ctx, cancel := context.WithTimeout(context.Background(), b.fetcher.opts.releaseTimeout)
	defer cancel()
	if err := b.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("releasing batch: %w", err)
	}
	return nil
}

// ackIDs returns the distinct ids of ok, which must all be claimed.
func ackIDs(claimed, ok []*outbox.Message) ([]int64, error) {
	inBatch := make(map[any]bool, len(claimed))
	for _, msg := range claimed {
		inBatch[msg.ID] = true
	}

	seen := make(map[int64]bool, len(ok))
	ids := make([]int64, 0, len(ok))
	for _, msg := range ok {
		id, isInt := msg.ID.(int64)
		if !isInt || !inBatch[msg.ID] {
			return nil, fmt.Errorf("acknowledging message %v: not part of the batch", msg.ID)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// Writer stores outbox messages with a caller provided executor, usually the pgx.Tx of the
// business transaction.
type Writer struct {
	opts options
}

// NewWriter creates a Writer for the configured outbox table.
func NewWriter(opts ...Option) (*Writer, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Writer{opts: o}, nil
}

// Store inserts msg using executor.
func (w *Writer) Store(ctx context.Context, executor Executor, msg *outbox.Message) error {
	// nolint:gosec
	query := fmt.Sprintf(`INSERT INTO %s (target, message_type, payload, observability_context, created_at)
		VALUES ($1, $2, $3, $4, $5)`, w.opts.tableName)

	_, err := executor.Exec(ctx, query, msg.Target, msg.Type, msg.Payload, msg.ObservabilityContext, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}
