package relay

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outbox "github.com/oagudo/outboxkit"
	"github.com/oagudo/outboxkit/internal/config"
	"github.com/oagudo/outboxkit/mongostore"
	"github.com/oagudo/outboxkit/pgxstore"
	"github.com/oagudo/outboxkit/sqlstore"
)

func (r *Relay) buildSource(ctx context.Context, src config.Source) (outbox.Option, error) {
	switch src.Kind {
	case config.KindSQL:
		return r.sqlSource(src)
	case config.KindPgx:
		return r.pgxSource(ctx, src)
	case config.KindMongo:
		return r.mongoSource(ctx, src)
	default:
		return nil, fmt.Errorf("unknown kind %q", src.Kind)
	}
}

func (r *Relay) sqlSource(src config.Source) (outbox.Option, error) {
	dialect, err := sqlstore.ParseDialect(src.Dialect)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(src.Driver, src.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	r.onClose(src.Key+" database", func(context.Context) error { return db.Close() })

	var dbOpts []sqlstore.DBContextOption
	if src.Table != "" {
		dbOpts = append(dbOpts, sqlstore.WithTableName(src.Table))
	}
	dbCtx, err := sqlstore.NewDBContext(db, dialect, dbOpts...)
	if err != nil {
		return nil, err
	}

	fetcher := sqlstore.NewFetcher(dbCtx, sqlstore.WithBatchSize(src.BatchSize))
	return outbox.WithPollingSource(src.Key, fetcher, outbox.WithPollingInterval(src.PollingInterval)), nil
}

func (r *Relay) pgxSource(ctx context.Context, src config.Source) (outbox.Option, error) {
	pool, err := pgxpool.New(ctx, src.DSN)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	r.onClose(src.Key+" pool", func(context.Context) error {
		pool.Close()
		return nil
	})

	opts := []pgxstore.Option{pgxstore.WithBatchSize(src.BatchSize)}
	if src.Table != "" {
		opts = append(opts, pgxstore.WithTableName(src.Table))
	}
	fetcher, err := pgxstore.NewFetcher(pool, opts...)
	if err != nil {
		return nil, err
	}
	return outbox.WithPollingSource(src.Key, fetcher, outbox.WithPollingInterval(src.PollingInterval)), nil
}

func (r *Relay) mongoSource(ctx context.Context, src config.Source) (outbox.Option, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(src.DSN))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	r.onClose(src.Key+" mongo client", client.Disconnect)

	db := client.Database(src.Database)

	locker := mongostore.NewLocker(db,
		mongostore.WithLockCollection(src.Lock.Collection),
		mongostore.WithLockID(lockID(src)),
		mongostore.WithLockDuration(src.Lock.Duration),
		mongostore.WithMaxAcquirePollInterval(src.Lock.MaxPollInterval),
		mongostore.WithChangeStreams(src.Lock.ChangeStreams != nil && *src.Lock.ChangeStreams),
		mongostore.WithLockerLogger(r.logger.With("key", src.Key)),
	)

	fetchOpts := []mongostore.FetcherOption{
		mongostore.WithMessageCollection(src.Table),
		mongostore.WithBatchSize(src.BatchSize),
	}
	if src.Standalone {
		fetchOpts = append(fetchOpts, mongostore.WithoutTransactionalComplete())
	}

	if src.Mode == config.ModePush {
		store := mongostore.NewPushStore(db, append(fetchOpts, mongostore.WithMaxAwaitTime(src.MaxWait))...)
		return outbox.WithPushSource(src.Key, locker, store, outbox.WithMaxWait(src.MaxWait)), nil
	}

	fetcher := mongostore.NewFetcher(db, locker, fetchOpts...)
	return outbox.WithPollingSource(src.Key, fetcher, outbox.WithPollingInterval(src.PollingInterval)), nil
}

// lockID defaults to one lock per source key, so several sources can share a lock collection.
func lockID(src config.Source) string {
	if src.Lock.ID != "" {
		return src.Lock.ID
	}
	return "outbox_lock_" + src.Key
}
