package replica

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ndibernardo/chat-service/pkg/model"
)

const stripes = 64

type entry struct {
	user    model.User
	deleted bool
}

type stripe struct {
	mu    sync.RWMutex
	users map[string]entry
}

// MemoryStore keeps the replica in process. Writes for one user serialize on
// that user's stripe; readers only take a read lock.
type MemoryStore struct {
	stripes [stripes]stripe
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
	for i := range s.stripes {
		s.stripes[i].users = make(map[string]entry)
	}
	return s
}

func (s *MemoryStore) stripe(userID string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.stripes[h.Sum32()%stripes]
}

func (s *MemoryStore) Get(_ context.Context, userID string) (model.User, error) {
	st := s.stripe(userID)
	st.mu.RLock()
	e, ok := st.users[userID]
	st.mu.RUnlock()
	if !ok || e.deleted {
		return model.User{}, ErrNotFound
	}
	return e.user, nil
}

func (s *MemoryStore) Upsert(_ context.Context, u model.User) (bool, error) {
	st := s.stripe(u.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.users[u.ID]
	if ok && !wins(e.user.UpdatedAt, e.deleted, u.UpdatedAt) {
		return false, nil
	}
	if ok && !e.deleted && !e.user.CreatedAt.IsZero() {
		u.CreatedAt = e.user.CreatedAt
	}
	u.SyncedAt = s.now()
	st.users[u.ID] = entry{user: u}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string, at time.Time) error {
	st := s.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	e := st.users[userID]
	if at.After(e.user.UpdatedAt) {
		e.user.UpdatedAt = at
	}
	e.user.ID = userID
	e.user.SyncedAt = s.now()
	e.deleted = true
	st.users[userID] = e
	return nil
}

func (s *MemoryStore) Backfill(_ context.Context, u model.User) error {
	st := s.stripe(u.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.users[u.ID]; ok {
		return nil
	}
	u.SyncedAt = s.now()
	st.users[u.ID] = entry{user: u}
	return nil
}

// Len counts live users. Tombstones are excluded.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for _, e := range st.users {
			if !e.deleted {
				n++
			}
		}
		st.mu.RUnlock()
	}
	return n
}
