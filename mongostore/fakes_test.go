package mongostore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	outbox "github.com/oagudo/outboxkit"
)

// memLockStore mimics the conditional upsert of mongoLockStore.
type memLockStore struct {
	mu        sync.Mutex
	docs      map[string]lockDocument
	watchers  []*lockWatcher
	upsertErr error
	removeErr error
	upserts   int
}

type lockWatcher struct {
	id          string
	deletesOnly bool
	ch          chan struct{}
}

func newMemLockStore() *memLockStore {
	return &memLockStore{docs: make(map[string]lockDocument)}
}

func (s *memLockStore) upsert(_ context.Context, doc lockDocument, now int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upserts++
	if s.upsertErr != nil {
		return false, s.upsertErr
	}

	current, found := s.docs[doc.ID]
	if found && current.Owner != doc.Owner && current.ExpiresAt >= now {
		return false, nil
	}
	s.docs[doc.ID] = doc
	s.notify(doc.ID, false)
	return true, nil
}

func (s *memLockStore) find(_ context.Context, id string) (*lockDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, found := s.docs[id]
	if !found {
		return nil, nil
	}
	return &doc, nil
}

func (s *memLockStore) remove(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeErr != nil {
		return s.removeErr
	}
	if doc, found := s.docs[id]; found && doc.Owner == owner {
		delete(s.docs, id)
		s.notify(id, true)
	}
	return nil
}

func (s *memLockStore) waitForChange(ctx context.Context, id string, deletesOnly bool) error {
	w := &lockWatcher{id: id, deletesOnly: deletesOnly, ch: make(chan struct{})}

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, other := range s.watchers {
			if other == w {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
	}()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify must be called with mu held.
func (s *memLockStore) notify(id string, deleted bool) {
	kept := s.watchers[:0]
	for _, w := range s.watchers {
		if w.id == id && (deleted || !w.deletesOnly) {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	s.watchers = kept
}

func (s *memLockStore) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *memLockStore) get(id string) (lockDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, found := s.docs[id]
	return doc, found
}

func (s *memLockStore) set(doc lockDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
}

// memMessageStore keeps documents sorted by _id.
type memMessageStore struct {
	mu        sync.Mutex
	docs      []messageDocument
	opTime    uint32
	findErr   error
	removeErr error
	// skipRemove makes remove report success without deleting, to simulate concurrent deletes
	skipRemove int

	inserted chan struct{}
	since    []*primitive.Timestamp
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{inserted: make(chan struct{}, 16)}
}

func (s *memMessageStore) find(_ context.Context, limit int) ([]messageDocument, *primitive.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return nil, nil, s.findErr
	}
	s.opTime++
	n := min(limit, len(s.docs))
	out := make([]messageDocument, n)
	copy(out, s.docs[:n])
	return out, &primitive.Timestamp{T: s.opTime}, nil
}

func (s *memMessageStore) remove(_ context.Context, ids []primitive.ObjectID, atomic bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeErr != nil {
		return 0, s.removeErr
	}

	drop := make(map[primitive.ObjectID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	var deleted int64
	kept := make([]messageDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		if drop[doc.ID] {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	deleted -= int64(s.skipRemove)

	if atomic && deleted != int64(len(ids)) {
		return deleted, &outbox.AckMismatchError{Expected: int64(len(ids)), Affected: deleted}
	}
	s.docs = kept
	return deleted, nil
}

func (s *memMessageStore) insert(_ context.Context, docs []messageDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs = append(s.docs, docs...)
	sort.Slice(s.docs, func(i, j int) bool {
		return s.docs[i].ID.Hex() < s.docs[j].ID.Hex()
	})
	for range docs {
		select {
		case s.inserted <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *memMessageStore) waitForInserts(ctx context.Context, since *primitive.Timestamp, _ time.Duration) error {
	s.mu.Lock()
	s.since = append(s.since, since)
	s.mu.Unlock()

	select {
	case <-s.inserted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memMessageStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

var errStore = errors.New("store unavailable")
