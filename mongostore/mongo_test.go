package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outbox "github.com/oagudo/outboxkit"
)

// mongoDatabase connects to the replica set named by OUTBOXKIT_MONGO_URI, skipping the test when unset.
func mongoDatabase(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv("OUTBOXKIT_MONGO_URI")
	if uri == "" {
		t.Skip("OUTBOXKIT_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	db := client.Database("outboxkit_test")
	require.NoError(t, db.Drop(ctx))
	return db
}

func TestMongoLockerContention(t *testing.T) {
	db := mongoDatabase(t)
	ctx := context.Background()

	a := NewLocker(db, WithOwner("a"), WithLockDuration(2*time.Second))
	b := NewLocker(db, WithOwner("b"), WithLockDuration(2*time.Second), WithChangeStreams(true))

	lockA, err := a.TryAcquire(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, lockA)

	lockB, err := b.TryAcquire(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, lockB)

	acquired := make(chan outbox.Lock, 1)
	go func() {
		lock, err := b.Acquire(ctx, nil)
		if err == nil {
			acquired <- lock
		}
	}()

	time.Sleep(200 * time.Millisecond)
	lockA.Release(ctx)

	select {
	case lock := <-acquired:
		lock.Release(ctx)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting locker did not acquire the released lock")
	}
}

func TestMongoWriteFetchComplete(t *testing.T) {
	db := mongoDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.CreateCollection(ctx, defaultMessageCollection))

	writer := NewWriter(db)
	err := writer.Write(ctx, func(sc mongo.SessionContext, msgWriter MessageWriter) error {
		if _, err := db.Collection("orders").InsertOne(sc, bson.M{"status": "created"}); err != nil {
			return err
		}
		return msgWriter.Store(sc,
			outbox.NewMessage("orders", []byte("first")),
			outbox.NewMessage("orders", []byte("second")),
			outbox.NewMessage("orders", []byte("third")),
		)
	})
	require.NoError(t, err)

	fetcher := NewFetcher(db, NewLocker(db), WithBatchSize(2))
	batch, err := fetcher.FetchAndHold(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Messages(), 2)
	assert.True(t, batch.HasNext())
	assert.Equal(t, []byte("first"), batch.Messages()[0].Payload)
	require.NoError(t, batch.Complete(ctx, batch.Messages()))

	count, err := db.Collection(defaultMessageCollection).CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMongoPushStoreSeesInsertsAfterFetch(t *testing.T) {
	db := mongoDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.CreateCollection(ctx, defaultMessageCollection))

	store := NewPushStore(db, WithMaxAwaitTime(time.Second))
	batch, err := store.FetchAndHold(ctx)
	require.NoError(t, err)
	assert.True(t, outbox.IsEmpty(batch))

	// inserted before the wait starts, still seen from the fetch time
	require.NoError(t, NewWriter(db).Store(ctx, outbox.NewMessage("orders", []byte("late"))))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, store.WaitForInserts(waitCtx))
}
