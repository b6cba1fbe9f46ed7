package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	outbox "github.com/oagudo/outboxkit"
)

const defaultBatchSize = 100

// FetcherOption is a function that configures a Fetcher or a PushStore.
type FetcherOption func(*fetcherOptions)

type fetcherOptions struct {
	collection     string
	batchSize      int
	releaseTimeout time.Duration
	maxAwait       time.Duration
	atomicComplete bool
}

func newFetcherOptions(opts []FetcherOption) fetcherOptions {
	o := fetcherOptions{
		collection:     defaultMessageCollection,
		batchSize:      defaultBatchSize,
		releaseTimeout: defaultReleaseTimeout,
		atomicComplete: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMessageCollection sets the outbox collection. Default is "outbox".
func WithMessageCollection(name string) FetcherOption {
	return func(o *fetcherOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithBatchSize sets the maximum number of messages in a batch. Default is 100.
func WithBatchSize(n int) FetcherOption {
	return func(o *fetcherOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithMaxAwaitTime bounds how long the server holds a change stream read open.
// Only used by PushStore.
func WithMaxAwaitTime(d time.Duration) FetcherOption {
	return func(o *fetcherOptions) {
		if d > 0 {
			o.maxAwait = d
		}
	}
}

// WithoutTransactionalComplete deletes acknowledged documents outside a transaction, for
// standalone servers. An ack mismatch then still returns *outbox.AckMismatchError but the
// documents already deleted stay deleted.
func WithoutTransactionalComplete() FetcherOption {
	return func(o *fetcherOptions) {
		o.atomicComplete = false
	}
}

// Fetcher claims batches from a MongoDB outbox collection for polling sources.
//
// MongoDB has no row locks, so a batch is claimed by holding the Locker lease for as long as
// the batch lives. A fetcher that cannot take the lease reports an empty batch. When the lease
// is lost while a batch is out, completing the batch still deletes the acknowledged documents
// and returns outbox.ErrLockLost.
type Fetcher struct {
	locker   *Locker
	messages messageStore
	opts     fetcherOptions
}

// NewFetcher creates a Fetcher reading from db and claiming batches with locker.
// The locker should not be shared with a push source.
func NewFetcher(db *mongo.Database, locker *Locker, opts ...FetcherOption) *Fetcher {
	o := newFetcherOptions(opts)
	return &Fetcher{
		locker:   locker,
		messages: newMongoMessageStore(db, o.collection),
		opts:     o,
	}
}

// FetchAndHold implements outbox.BatchFetcher.
func (f *Fetcher) FetchAndHold(ctx context.Context) (outbox.Batch, error) {
	lock, err := f.locker.TryAcquire(ctx, nil)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return outbox.EmptyBatch, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.releaseTimeout)
		defer cancel()
		lock.Release(ctx)
	}

	docs, _, err := f.messages.find(ctx, f.opts.batchSize+1)
	if err != nil {
		release()
		return nil, err
	}
	if len(docs) == 0 {
		release()
		return outbox.EmptyBatch, nil
	}

	b := newBatch(f.messages, docs, f.opts, release)
	b.lost = lock.Lost
	return b, nil
}

// PushStore is an outbox.PushStore over a MongoDB outbox collection.
//
// Its batches are not claimed: the push source lock guarantees a single reader.
// WaitForInserts watches the collection change stream from the time of the last fetch, so
// documents inserted between a fetch and the next wait are not missed.
type PushStore struct {
	messages messageStore
	opts     fetcherOptions

	mu        sync.Mutex
	lastFetch *primitive.Timestamp
}

// NewPushStore creates a PushStore over db. Change streams require a replica set.
func NewPushStore(db *mongo.Database, opts ...FetcherOption) *PushStore {
	o := newFetcherOptions(opts)
	return &PushStore{
		messages: newMongoMessageStore(db, o.collection),
		opts:     o,
	}
}

// FetchAndHold implements outbox.BatchFetcher.
func (s *PushStore) FetchAndHold(ctx context.Context) (outbox.Batch, error) {
	docs, opTime, err := s.messages.find(ctx, s.opts.batchSize+1)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if opTime != nil {
		s.lastFetch = opTime
	}
	s.mu.Unlock()

	if len(docs) == 0 {
		return outbox.EmptyBatch, nil
	}
	return newBatch(s.messages, docs, s.opts, nil), nil
}

// WaitForInserts implements outbox.PushStore.
func (s *PushStore) WaitForInserts(ctx context.Context) error {
	s.mu.Lock()
	since := s.lastFetch
	s.mu.Unlock()

	return s.messages.waitForInserts(ctx, since, s.opts.maxAwait)
}

// batch is a set of fetched documents. release, if set, runs once when the batch ends.
// lost, if set, reports whether the lease guarding the batch was lost.
type batch struct {
	messages messageStore
	msgs     []*outbox.Message
	hasNext  bool
	atomic   bool
	release  func()
	lost     func() bool

	mu   sync.Mutex
	done bool
}

func newBatch(messages messageStore, docs []messageDocument, opts fetcherOptions, release func()) *batch {
	hasNext := len(docs) > opts.batchSize
	if hasNext {
		docs = docs[:opts.batchSize]
	}

	msgs := make([]*outbox.Message, 0, len(docs))
	for i := range docs {
		msgs = append(msgs, docs[i].message())
	}

	return &batch{
		messages: messages,
		msgs:     msgs,
		hasNext:  hasNext,
		atomic:   opts.atomicComplete,
		release:  release,
	}
}

func (b *batch) Messages() []*outbox.Message { return b.msgs }
func (b *batch) HasNext() bool               { return b.hasNext }

// Complete deletes the ok documents in one transaction, which is aborted when fewer documents
// than requested are found.
func (b *batch) Complete(ctx context.Context, ok []*outbox.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return outbox.ErrBatchCompleted
	}
	b.done = true
	defer b.end()

	err := b.remove(ctx, ok)
	if b.lost != nil && b.lost() {
		return errors.Join(err, outbox.ErrLockLost)
	}
	return err
}

func (b *batch) remove(ctx context.Context, ok []*outbox.Message) error {
	if len(ok) == 0 {
		return nil
	}

	ids, err := b.ids(ok)
	if err != nil {
		return err
	}

	deleted, err := b.messages.remove(ctx, ids, b.atomic)
	if err != nil {
		return err
	}
	if deleted != int64(len(ids)) {
		return &outbox.AckMismatchError{Expected: int64(len(ids)), Affected: deleted}
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
	b.end()
	return nil
}

func (b *batch) end() {
	if b.release != nil {
		b.release()
	}
}

func (b *batch) ids(ok []*outbox.Message) ([]primitive.ObjectID, error) {
	claimed := make(map[primitive.ObjectID]bool, len(b.msgs))
	for _, msg := range b.msgs {
		claimed[msg.ID.(primitive.ObjectID)] = true
	}

	seen := make(map[primitive.ObjectID]bool, len(ok))
	ids := make([]primitive.ObjectID, 0, len(ok))
	for _, msg := range ok {
		id, isObjectID := msg.ID.(primitive.ObjectID)
		if !isObjectID || !claimed[id] {
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
