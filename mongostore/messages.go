package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outbox "github.com/oagudo/outboxkit"
)

const defaultMessageCollection = "outbox"

// messageDocument is the stored shape of an outbox message.
// Documents are fetched in _id order, which follows insertion order for generated ids.
type messageDocument struct {
	ID                   primitive.ObjectID `bson:"_id,omitempty"`
	Target               string             `bson:"target,omitempty"`
	Type                 string             `bson:"type,omitempty"`
	Payload              []byte             `bson:"payload"`
	ObservabilityContext []byte             `bson:"observabilityContext,omitempty"`
	CreatedAt            time.Time          `bson:"createdAt"`
}

func newMessageDocument(msg *outbox.Message) (messageDocument, error) {
	doc := messageDocument{
		Target:               msg.Target,
		Type:                 msg.Type,
		Payload:              msg.Payload,
		ObservabilityContext: msg.ObservabilityContext,
		CreatedAt:            msg.CreatedAt,
	}

	switch id := msg.ID.(type) {
	case nil:
		doc.ID = primitive.NewObjectID()
	case primitive.ObjectID:
		doc.ID = id
	default:
		return messageDocument{}, fmt.Errorf("message id %v: expected a primitive.ObjectID, got %T", id, id)
	}
	return doc, nil
}

func (d *messageDocument) message() *outbox.Message {
	return &outbox.Message{
		ID:                   d.ID,
		Target:               d.Target,
		Type:                 d.Type,
		Payload:              d.Payload,
		ObservabilityContext: d.ObservabilityContext,
		CreatedAt:            d.CreatedAt,
	}
}

// messageStore reads and removes outbox documents.
type messageStore interface {
	// find returns up to limit documents in _id order and the operation time of the read,
	// nil when the deployment does not report one.
	find(ctx context.Context, limit int) ([]messageDocument, *primitive.Timestamp, error)

	// remove deletes the documents with the given ids and returns how many were deleted.
	// With atomic set nothing is deleted unless every id is, and a shortfall is reported as
	// *outbox.AckMismatchError.
	remove(ctx context.Context, ids []primitive.ObjectID, atomic bool) (int64, error)

	// insert stores documents. A mongo.SessionContext ctx makes the insert part of its transaction.
	insert(ctx context.Context, docs []messageDocument) error

	// waitForInserts blocks until a document is inserted after since, or ctx is done.
	// A nil since watches from now on.
	waitForInserts(ctx context.Context, since *primitive.Timestamp, maxAwait time.Duration) error
}

type mongoMessageStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func newMongoMessageStore(db *mongo.Database, collection string) *mongoMessageStore {
	if collection == "" {
		collection = defaultMessageCollection
	}
	return &mongoMessageStore{
		client: db.Client(),
		coll:   db.Collection(collection),
	}
}

func (s *mongoMessageStore) find(ctx context.Context, limit int) ([]messageDocument, *primitive.Timestamp, error) {
	var (
		docs   []messageDocument
		opTime *primitive.Timestamp
	)

	// a session exposes the cluster time of the read, which is where change streams resume
	err := s.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
		cursor, err := s.coll.Find(sc, bson.D{}, opts)
		if err != nil {
			return err
		}
		if err := cursor.All(sc, &docs); err != nil {
			return err
		}
		opTime = sc.OperationTime()
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("finding outbox messages: %w", err)
	}
	return docs, opTime, nil
}

func (s *mongoMessageStore) remove(ctx context.Context, ids []primitive.ObjectID, atomic bool) (int64, error) {
	if !atomic {
		return s.deleteMany(ctx, ids)
	}

	var deleted int64
	err := s.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		_, err := sc.WithTransaction(sc, func(sc mongo.SessionContext) (any, error) {
			n, err := s.deleteMany(sc, ids)
			if err != nil {
				return nil, err
			}
			deleted = n
			// aborts the transaction
			if n != int64(len(ids)) {
				return nil, &outbox.AckMismatchError{Expected: int64(len(ids)), Affected: n}
			}
			return nil, nil
		})
		return err
	})
	return deleted, err
}

func (s *mongoMessageStore) deleteMany(ctx context.Context, ids []primitive.ObjectID) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("deleting acknowledged messages: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *mongoMessageStore) insert(ctx context.Context, docs []messageDocument) error {
	items := make([]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc)
	}
	if _, err := s.coll.InsertMany(ctx, items); err != nil {
		return fmt.Errorf("storing messages in outbox: %w", err)
	}
	return nil
}

func (s *mongoMessageStore) waitForInserts(ctx context.Context, since *primitive.Timestamp, maxAwait time.Duration) error {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}}}
	opts := options.ChangeStream()
	if since != nil {
		opts.SetStartAtOperationTime(since)
	}
	if maxAwait > 0 {
		opts.SetMaxAwaitTime(maxAwait)
	}

	stream, err := s.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return fmt.Errorf("watching outbox inserts: %w", err)
	}
	defer func() {
		_ = stream.Close(context.WithoutCancel(ctx))
	}()

	if stream.Next(ctx) {
		return nil
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watching outbox inserts: %w", err)
	}
	return ctx.Err()
}
