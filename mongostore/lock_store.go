package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// lockDocument is the stored shape of a lease: {_id, owner, expiresAt}.
// expiresAt is a unix time in milliseconds.
type lockDocument struct {
	ID        string `bson:"_id"`
	Owner     string `bson:"owner"`
	ExpiresAt int64  `bson:"expiresAt"`
}

// lockStore persists leases.
type lockStore interface {
	// upsert writes the lease if it is absent, owned by doc.Owner or expired at now.
	// It reports false when another owner holds an unexpired lease.
	upsert(ctx context.Context, doc lockDocument, now int64) (bool, error)

	// find returns the current lease of id, nil when there is none.
	find(ctx context.Context, id string) (*lockDocument, error)

	// remove deletes the lease of id if it is still owned by owner.
	remove(ctx context.Context, id, owner string) error

	// waitForChange blocks until the lease of id changes or ctx is done.
	// With deletesOnly only deletions count.
	waitForChange(ctx context.Context, id string, deletesOnly bool) error
}

type mongoLockStore struct {
	coll *mongo.Collection
}

func (s *mongoLockStore) upsert(ctx context.Context, doc lockDocument, now int64) (bool, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"_id": doc.ID, "owner": doc.Owner},
		bson.M{"_id": doc.ID, "expiresAt": bson.M{"$lt": now}},
	}}

	_, err := s.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		// the upsert tried to insert an _id held by someone else
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("upserting lock %q: %w", doc.ID, err)
	}
	return true, nil
}

func (s *mongoLockStore) find(ctx context.Context, id string) (*lockDocument, error) {
	var doc lockDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding lock %q: %w", id, err)
	}
	return &doc, nil
}

func (s *mongoLockStore) remove(ctx context.Context, id, owner string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id, "owner": owner})
	if err != nil {
		return fmt.Errorf("deleting lock %q: %w", id, err)
	}
	return nil
}

func (s *mongoLockStore) waitForChange(ctx context.Context, id string, deletesOnly bool) error {
	match := bson.D{{Key: "documentKey._id", Value: id}}
	if deletesOnly {
		match = append(match, bson.E{Key: "operationType", Value: "delete"})
	}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}

	stream, err := s.coll.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("watching lock %q: %w", id, err)
	}
	defer func() {
		_ = stream.Close(context.WithoutCancel(ctx))
	}()

	if stream.Next(ctx) {
		return nil
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watching lock %q: %w", id, err)
	}
	return ctx.Err()
}
