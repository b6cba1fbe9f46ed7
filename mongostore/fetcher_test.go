package mongostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	outbox "github.com/oagudo/outboxkit"
)

func seedMessages(t *testing.T, store *memMessageStore, n int) []*outbox.Message {
	t.Helper()

	msgs := make([]*outbox.Message, 0, n)
	for i := 1; i <= n; i++ {
		msgs = append(msgs, outbox.NewMessage("orders", []byte(fmt.Sprintf("msg-%d", i)), outbox.WithType("OrderCreated")))
	}
	require.NoError(t, storeMessages(context.Background(), store, msgs))
	return msgs
}

func newTestFetcher(messages messageStore, locks lockStore, owner string, batchSize int) *Fetcher {
	return &Fetcher{
		locker:   newTestLocker(locks, clockwork.NewFakeClock(), owner),
		messages: messages,
		opts:     newFetcherOptions([]FetcherOption{WithBatchSize(batchSize)}),
	}
}

func TestStoreMessagesAssignsIDs(t *testing.T) {
	store := newMemMessageStore()
	msgs := seedMessages(t, store, 2)

	for _, msg := range msgs {
		id, ok := msg.ID.(primitive.ObjectID)
		require.True(t, ok)
		assert.False(t, id.IsZero())
	}

	msg := outbox.NewMessage("orders", nil)
	msg.ID = 42
	assert.Error(t, storeMessages(context.Background(), store, []*outbox.Message{msg}))
}

func TestFetcherHoldsLockForBatch(t *testing.T) {
	ctx := context.Background()
	messages := newMemMessageStore()
	locks := newMemLockStore()
	seeded := seedMessages(t, messages, 5)

	first := newTestFetcher(messages, locks, "a", 2)
	second := newTestFetcher(messages, locks, "b", 2)

	batch, err := first.FetchAndHold(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Messages(), 2)
	assert.True(t, batch.HasNext())
	assert.Equal(t, seeded[0].ID, batch.Messages()[0].ID)
	assert.Equal(t, seeded[1].ID, batch.Messages()[1].ID)
	assert.Equal(t, "orders", batch.Messages()[0].Target)
	assert.Equal(t, "OrderCreated", batch.Messages()[0].Type)
	assert.Equal(t, []byte("msg-1"), batch.Messages()[0].Payload)

	doc, found := locks.get(defaultLockID)
	require.True(t, found)
	assert.Equal(t, "a", doc.Owner)

	other, err := second.FetchAndHold(ctx)
	require.NoError(t, err)
	assert.True(t, outbox.IsEmpty(other))

	require.NoError(t, batch.Complete(ctx, batch.Messages()))
	assert.Equal(t, 3, messages.count())
	_, found = locks.get(defaultLockID)
	assert.False(t, found, "completing releases the lock")

	other, err = second.FetchAndHold(ctx)
	require.NoError(t, err)
	require.Len(t, other.Messages(), 2)
	assert.Equal(t, seeded[2].ID, other.Messages()[0].ID)
	require.NoError(t, other.Close())
}

func TestFetcherEmptyCollection(t *testing.T) {
	locks := newMemLockStore()
	f := newTestFetcher(newMemMessageStore(), locks, "a", 10)

	batch, err := f.FetchAndHold(context.Background())
	require.NoError(t, err)
	assert.True(t, outbox.IsEmpty(batch))
	assert.False(t, batch.HasNext())

	_, found := locks.get(defaultLockID)
	assert.False(t, found)
}

func TestFetcherFindError(t *testing.T) {
	messages := newMemMessageStore()
	messages.findErr = errStore
	locks := newMemLockStore()
	f := newTestFetcher(messages, locks, "a", 10)

	_, err := f.FetchAndHold(context.Background())
	assert.ErrorIs(t, err, errStore)

	_, found := locks.get(defaultLockID)
	assert.False(t, found)
}

func TestFetcherLockError(t *testing.T) {
	locks := newMemLockStore()
	locks.upsertErr = errStore
	f := newTestFetcher(newMemMessageStore(), locks, "a", 10)

	_, err := f.FetchAndHold(context.Background())
	assert.ErrorIs(t, err, errStore)
}

func TestBatchExactSizeHasNoNext(t *testing.T) {
	messages := newMemMessageStore()
	seedMessages(t, messages, 3)
	f := newTestFetcher(messages, newMemLockStore(), "a", 3)

	batch, err := f.FetchAndHold(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch.Messages(), 3)
	assert.False(t, batch.HasNext())
	require.NoError(t, batch.Close())
}

func TestBatchCloseKeepsMessages(t *testing.T) {
	messages := newMemMessageStore()
	seedMessages(t, messages, 3)
	locks := newMemLockStore()
	f := newTestFetcher(messages, locks, "a", 10)

	batch, err := f.FetchAndHold(context.Background())
	require.NoError(t, err)
	require.NoError(t, batch.Close())
	require.NoError(t, batch.Close())

	assert.Equal(t, 3, messages.count())
	_, found := locks.get(defaultLockID)
	assert.False(t, found)
}

func TestBatchComplete(t *testing.T) {
	tests := []struct {
		name      string
		ack       func(msgs []*outbox.Message) []*outbox.Message
		wantLeft  int
		wantError bool
	}{
		{
			name:     "all",
			ack:      func(msgs []*outbox.Message) []*outbox.Message { return msgs },
			wantLeft: 0,
		},
		{
			name:     "prefix",
			ack:      func(msgs []*outbox.Message) []*outbox.Message { return msgs[:2] },
			wantLeft: 2,
		},
		{
			name:     "none",
			ack:      func([]*outbox.Message) []*outbox.Message { return nil },
			wantLeft: 4,
		},
		{
			name: "duplicates",
			ack: func(msgs []*outbox.Message) []*outbox.Message {
				return []*outbox.Message{msgs[0], msgs[0], msgs[1]}
			},
			wantLeft: 2,
		},
		{
			name: "foreign message",
			ack: func([]*outbox.Message) []*outbox.Message {
				return []*outbox.Message{{ID: primitive.NewObjectID()}}
			},
			wantLeft:  4,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			messages := newMemMessageStore()
			seedMessages(t, messages, 4)
			locks := newMemLockStore()
			f := newTestFetcher(messages, locks, "a", 10)

			batch, err := f.FetchAndHold(ctx)
			require.NoError(t, err)

			err = batch.Complete(ctx, tt.ack(batch.Messages()))
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantLeft, messages.count())
			assert.ErrorIs(t, batch.Complete(ctx, nil), outbox.ErrBatchCompleted)

			_, found := locks.get(defaultLockID)
			assert.False(t, found)
		})
	}
}

func TestBatchCompleteMismatch(t *testing.T) {
	tests := []struct {
		name     string
		opts     []FetcherOption
		wantLeft int
	}{
		{
			name:     "transactional rolls back",
			wantLeft: 3,
		},
		{
			name:     "standalone keeps deletes",
			opts:     []FetcherOption{WithoutTransactionalComplete()},
			wantLeft: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			messages := newMemMessageStore()
			seedMessages(t, messages, 3)
			f := newTestFetcher(messages, newMemLockStore(), "a", 10)
			f.opts = newFetcherOptions(append([]FetcherOption{WithBatchSize(10)}, tt.opts...))

			batch, err := f.FetchAndHold(ctx)
			require.NoError(t, err)

			messages.mu.Lock()
			messages.skipRemove = 1
			messages.mu.Unlock()

			err = batch.Complete(ctx, batch.Messages())
			var mismatch *outbox.AckMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, int64(3), mismatch.Expected)
			assert.Equal(t, int64(2), mismatch.Affected)
			assert.Equal(t, tt.wantLeft, messages.count())
		})
	}
}

func TestBatchCompleteAfterLeaseLoss(t *testing.T) {
	ctx := context.Background()
	messages := newMemMessageStore()
	seedMessages(t, messages, 3)
	locks := newMemLockStore()
	clock := clockwork.NewFakeClock()
	f := &Fetcher{
		locker:   newTestLocker(locks, clock, "a"),
		messages: messages,
		opts:     newFetcherOptions(nil),
	}

	fetched, err := f.FetchAndHold(ctx)
	require.NoError(t, err)
	require.Len(t, fetched.Messages(), 3)

	// another relay takes over while the batch is being dispatched
	clock.BlockUntil(1)
	locks.set(lockDocument{ID: defaultLockID, Owner: "b", ExpiresAt: clock.Now().Add(time.Hour).UnixMilli()})
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return fetched.(*batch).lost()
	}, time.Second, 5*time.Millisecond)

	err = fetched.Complete(ctx, fetched.Messages())
	assert.ErrorIs(t, err, outbox.ErrLockLost)
	assert.Equal(t, 0, messages.count(), "delivered documents are still acknowledged")

	doc, found := locks.get(defaultLockID)
	require.True(t, found)
	assert.Equal(t, "b", doc.Owner)
}

func TestBatchCompleteRemoveError(t *testing.T) {
	ctx := context.Background()
	messages := newMemMessageStore()
	seedMessages(t, messages, 2)
	f := newTestFetcher(messages, newMemLockStore(), "a", 10)

	batch, err := f.FetchAndHold(ctx)
	require.NoError(t, err)

	messages.mu.Lock()
	messages.removeErr = errStore
	messages.mu.Unlock()

	assert.ErrorIs(t, batch.Complete(ctx, batch.Messages()), errStore)
}

func TestProducerDrainsMongoFetcher(t *testing.T) {
	ctx := context.Background()
	messages := newMemMessageStore()
	seedMessages(t, messages, 5)
	f := newTestFetcher(messages, newMemLockStore(), "a", 2)

	var batches [][]*outbox.Message
	dispatcher := outbox.DispatchToBatchProducer(outbox.BatchProducerFunc(
		func(_ context.Context, _ string, msgs []*outbox.Message) ([]*outbox.Message, error) {
			batches = append(batches, msgs)
			return msgs, nil
		}))

	producer := outbox.NewProducer(map[string]outbox.BatchFetcher{"mongo": f}, dispatcher)
	require.NoError(t, producer.DrainPending(ctx, "mongo"))

	assert.Equal(t, 0, messages.count())
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
}

func TestPushStoreWaitsFromLastFetch(t *testing.T) {
	ctx := context.Background()
	messages := newMemMessageStore()
	store := &PushStore{messages: messages, opts: newFetcherOptions([]FetcherOption{WithBatchSize(10), WithMaxAwaitTime(time.Second)})}

	batch, err := store.FetchAndHold(ctx)
	require.NoError(t, err)
	assert.True(t, outbox.IsEmpty(batch))

	seedMessages(t, messages, 1)
	require.NoError(t, store.WaitForInserts(ctx))

	messages.mu.Lock()
	since := messages.since
	messages.mu.Unlock()
	require.Len(t, since, 1)
	assert.Equal(t, &primitive.Timestamp{T: 1}, since[0])

	batch, err = store.FetchAndHold(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Messages(), 1)
	require.NoError(t, batch.Complete(ctx, batch.Messages()))
	assert.Equal(t, 0, messages.count())
}

func TestPushStoreWaitStopsOnCancel(t *testing.T) {
	store := &PushStore{messages: newMemMessageStore(), opts: newFetcherOptions(nil)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, store.WaitForInserts(ctx), context.DeadlineExceeded)
}

func TestPushProducerOverMongoStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := newMemMessageStore()
	store := &PushStore{messages: messages, opts: newFetcherOptions([]FetcherOption{WithBatchSize(2)})}

	delivered := make(chan *outbox.Message, 10)
	dispatcher := outbox.DispatchToBatchProducer(outbox.BatchProducerFunc(
		func(_ context.Context, _ string, msgs []*outbox.Message) ([]*outbox.Message, error) {
			for _, msg := range msgs {
				delivered <- msg
			}
			return msgs, nil
		}))

	clock := clockwork.NewFakeClock()
	producer := outbox.NewPushProducer("mongo", store, dispatcher, nil, time.Hour, clock)

	done := make(chan error, 1)
	go func() { done <- producer.Run(ctx) }()

	clock.BlockUntil(1)
	seedMessages(t, messages, 3)

	for i := 0; i < 3; i++ {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatal("message was not delivered")
		}
	}
	require.Eventually(t, func() bool { return messages.count() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
