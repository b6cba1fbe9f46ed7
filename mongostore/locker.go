package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/mongo"

	outbox "github.com/oagudo/outboxkit"
	"github.com/oagudo/outboxkit/internal/delay"
)

const (
	defaultLockCollection  = "outbox_locks"
	defaultLockID          = "outbox_lock"
	defaultLockDuration    = 5 * time.Minute
	defaultMaxPollInterval = 5 * time.Minute
	defaultReleaseTimeout  = 10 * time.Second
)

// Locker is a lease based distributed lock stored in a MongoDB collection.
//
// A held lease is renewed every half lease duration. A holder that stops renewing, for example
// because its process died, loses the lease once it expires. Expiry is decided by comparing
// the stored expiry with the clock of the contender, so hosts must keep their clocks in sync.
type Locker struct {
	store lockStore

	collection      string
	lockID          string
	owner           string
	duration        time.Duration
	maxPollInterval time.Duration
	changeStreams   bool
	clock           clockwork.Clock
	logger          *slog.Logger
}

// LockerOption is a function that configures a Locker instance.
type LockerOption func(*Locker)

// WithLockCollection sets the collection storing leases. Default is "outbox_locks".
func WithLockCollection(name string) LockerOption {
	return func(l *Locker) {
		if name != "" {
			l.collection = name
		}
	}
}

// WithLockID sets the id of the lease document. Default is "outbox_lock".
// Lockers guarding different sources in the same collection need different ids.
func WithLockID(id string) LockerOption {
	return func(l *Locker) {
		if id != "" {
			l.lockID = id
		}
	}
}

// WithOwner sets the identity written in held leases.
// Default is the host name followed by a random suffix.
func WithOwner(owner string) LockerOption {
	return func(l *Locker) {
		if owner != "" {
			l.owner = owner
		}
	}
}

// WithLockDuration sets how long a lease lasts without renewal. Default is 5 minutes.
func WithLockDuration(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.duration = d
		}
	}
}

// WithMaxAcquirePollInterval bounds the wait between two acquisition attempts. Default is 5 minutes.
func WithMaxAcquirePollInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.maxPollInterval = d
		}
	}
}

// WithChangeStreams makes waiting contenders and holders watch the lease document so a release
// or a takeover is noticed before the next poll. It requires a replica set.
func WithChangeStreams(enabled bool) LockerOption {
	return func(l *Locker) {
		l.changeStreams = enabled
	}
}

// WithLockerClock sets the clock used for lease expiry and renewal. Default is the real clock.
func WithLockerClock(clock clockwork.Clock) LockerOption {
	return func(l *Locker) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLockerLogger sets the logger. Default is slog.Default().
func WithLockerLogger(logger *slog.Logger) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker creates a Locker storing leases in db.
func NewLocker(db *mongo.Database, opts ...LockerOption) *Locker {
	l := newLocker(nil, opts...)
	l.store = &mongoLockStore{coll: db.Collection(l.collection)}
	return l
}

func newLocker(store lockStore, opts ...LockerOption) *Locker {
	l := &Locker{
		store:           store,
		collection:      defaultLockCollection,
		lockID:          defaultLockID,
		owner:           defaultOwner(),
		duration:        defaultLockDuration,
		maxPollInterval: defaultMaxPollInterval,
		clock:           clockwork.NewRealClock(),
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}

// Owner returns the identity written in held leases.
func (l *Locker) Owner() string {
	return l.owner
}

// Acquire implements outbox.Locker. It blocks until the lease is held or ctx is done.
// Failing store operations are returned without retrying.
func (l *Locker) Acquire(ctx context.Context, onLost func()) (outbox.Lock, error) {
	for {
		lock, err := l.TryAcquire(ctx, onLost)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}

		if err := l.waitForRetry(ctx); err != nil {
			return nil, err
		}
	}
}

// TryAcquire takes the lease if it is free, expired or already ours.
// It returns a nil Lock when another owner holds an unexpired lease.
func (l *Locker) TryAcquire(ctx context.Context, onLost func()) (*Lock, error) {
	expiresAt, ok, err := l.renew(ctx)
	if err != nil || !ok {
		return nil, err
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	lock := &Lock{
		locker:    l,
		onLost:    onLost,
		cancel:    cancel,
		done:      make(chan struct{}),
		expiresAt: expiresAt,
	}
	go lock.keepAlive(keepAliveCtx)

	l.logger.Debug("outbox lock acquired", "lock", l.lockID, "owner", l.owner, "expires_at", expiresAt)
	return lock, nil
}

func (l *Locker) renew(ctx context.Context) (time.Time, bool, error) {
	now := l.clock.Now()
	expiresAt := now.Add(l.duration)

	ok, err := l.store.upsert(ctx, lockDocument{
		ID:        l.lockID,
		Owner:     l.owner,
		ExpiresAt: expiresAt.UnixMilli(),
	}, now.UnixMilli())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("acquiring outbox lock: %w", err)
	}
	return expiresAt, ok, nil
}

// retryDelay is the time left until the current lease expires, bounded by the max poll interval.
func (l *Locker) retryDelay(ctx context.Context) (time.Duration, error) {
	doc, err := l.store.find(ctx, l.lockID)
	if err != nil {
		return 0, fmt.Errorf("reading outbox lock: %w", err)
	}
	if doc == nil {
		return 0, nil
	}

	remaining := time.UnixMilli(doc.ExpiresAt).Add(time.Millisecond).Sub(l.clock.Now())
	return max(0, min(remaining, l.maxPollInterval)), nil
}

func (l *Locker) waitForRetry(ctx context.Context) error {
	wait, err := l.retryDelay(ctx)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return ctx.Err()
	}

	if !l.changeStreams {
		return delay.Wait(ctx, l.clock, wait)
	}
	return l.waitOrWatch(ctx, wait, true)
}

// waitOrWatch waits for d or until the lease document changes, whichever comes first.
// A failing watch falls back to waiting for d.
func (l *Locker) waitOrWatch(ctx context.Context, d time.Duration, deletesOnly bool) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() {
		_ = delay.Wait(raceCtx, l.clock, d)
		done <- struct{}{}
	}()
	go func() {
		err := l.store.waitForChange(raceCtx, l.lockID, deletesOnly)
		if err != nil && raceCtx.Err() == nil {
			l.logger.Warn("watching outbox lock", "lock", l.lockID, "error", err)
			<-raceCtx.Done()
		}
		done <- struct{}{}
	}()

	<-done
	cancel()
	<-done

	return ctx.Err()
}

// Lock is a held lease. It is renewed in the background until released or lost.
type Lock struct {
	locker *Locker
	onLost func()
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	expiresAt time.Time
	lost      bool

	releaseOnce sync.Once
}

// ExpiresAt returns the expiry of the last successful renewal.
func (k *Lock) ExpiresAt() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.expiresAt
}

// Lost reports whether a renewal failed.
func (k *Lock) Lost() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lost
}

// Release implements outbox.Lock. It stops renewing and deletes the lease if still ours.
func (k *Lock) Release(ctx context.Context) {
	k.releaseOnce.Do(func() {
		k.cancel()
		<-k.done

		l := k.locker
		if err := l.store.remove(ctx, l.lockID, l.owner); err != nil {
			l.logger.Warn("releasing outbox lock", "lock", l.lockID, "owner", l.owner, "error", err)
			return
		}
		l.logger.Debug("outbox lock released", "lock", l.lockID, "owner", l.owner)
	})
}

func (k *Lock) keepAlive(ctx context.Context) {
	defer close(k.done)

	l := k.locker
	interval := l.duration / 2

	for {
		var err error
		if l.changeStreams {
			err = l.waitOrWatch(ctx, interval, false)
		} else {
			err = delay.Wait(ctx, l.clock, interval)
		}
		if err != nil {
			return
		}

		expiresAt, ok, err := l.renew(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil || !ok {
			l.logger.Warn("outbox lock lost", "lock", l.lockID, "owner", l.owner, "error", err)
			k.mu.Lock()
			k.lost = true
			k.mu.Unlock()
			if k.onLost != nil {
				k.onLost()
			}
			return
		}

		k.mu.Lock()
		k.expiresAt = expiresAt
		k.mu.Unlock()
	}
}
