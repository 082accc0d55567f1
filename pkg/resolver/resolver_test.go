package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ndibernardo/chat-service/pkg/lookup"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/replica"
)

type fakeLookup struct {
	calls   atomic.Int32
	users   map[string]string
	err     error
	release chan struct{} // when set, Lookup waits for it
	hang    bool          // ignore ctx entirely
}

func (f *fakeLookup) Lookup(ctx context.Context, userID string) (string, error) {
	f.calls.Add(1)
	if f.hang {
		select {}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	name, ok := f.users[userID]
	if !ok {
		return "", lookup.ErrUserNotFound
	}
	return name, nil
}

func newResolver(t *testing.T, store replica.Store, remote Lookup, cfg Config) *Resolver {
	t.Helper()
	r := New(store, remote, cfg)
	t.Cleanup(r.Close)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUsernameString(t *testing.T) {
	if got := (Username{}).String(); got != "unknown" {
		t.Fatalf("unknown renders %q", got)
	}
	if got := (Username{Name: "alice", Known: true}).String(); got != "alice" {
		t.Fatalf("known renders %q", got)
	}
}

func TestReplicaHitDoesNoNetworkIO(t *testing.T) {
	store := replica.NewMemoryStore()
	if _, err := store.Upsert(context.Background(), model.User{ID: "U1", Username: "alice", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	remote := &fakeLookup{hang: true}
	m := metrics.Discard()
	r := newResolver(t, store, remote, Config{Metrics: m})

	got := r.ResolveUsername(context.Background(), "U1")
	if !got.Known || got.Name != "alice" {
		t.Fatalf("got %+v", got)
	}
	if remote.calls.Load() != 0 {
		t.Fatalf("remote lookup called %d times on a replica hit", remote.calls.Load())
	}
	if testutil.ToFloat64(m.ResolverLookups.WithLabelValues("hit")) != 1 {
		t.Fatal("hit not counted")
	}
}

func TestMissFallsBackAndBackfills(t *testing.T) {
	store := replica.NewMemoryStore()
	remote := &fakeLookup{users: map[string]string{"U2": "bob"}}
	r := newResolver(t, store, remote, Config{})

	got := r.ResolveUsername(context.Background(), "U2")
	if !got.Known || got.Name != "bob" {
		t.Fatalf("got %+v", got)
	}
	waitFor(t, "backfill", func() bool {
		u, err := store.Get(context.Background(), "U2")
		return err == nil && u.Username == "bob"
	})

	// Second resolution is served by the replica.
	r.ResolveUsername(context.Background(), "U2")
	if remote.calls.Load() != 1 {
		t.Fatalf("remote calls = %d, want 1", remote.calls.Load())
	}
}

func TestBackfillYieldsToLifecycleEvents(t *testing.T) {
	store := replica.NewMemoryStore()
	remote := &fakeLookup{users: map[string]string{"U2": "bob"}}
	r := newResolver(t, store, remote, Config{})
	r.ResolveUsername(context.Background(), "U2")
	waitFor(t, "backfill", func() bool {
		_, err := store.Get(context.Background(), "U2")
		return err == nil
	})

	applied, err := store.Upsert(context.Background(), model.User{ID: "U2", Username: "bobby", UpdatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil || !applied {
		t.Fatalf("event after backfill applied=%v err=%v", applied, err)
	}
}

func TestHangingLookupReturnsUnknownWithinTimeout(t *testing.T) {
	remote := &fakeLookup{hang: true}
	r := newResolver(t, replica.NewMemoryStore(), remote, Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	got := r.ResolveUsername(context.Background(), "U2")
	elapsed := time.Since(start)
	if got.Known || got.String() != "unknown" {
		t.Fatalf("got %+v", got)
	}
	if elapsed > 300*time.Millisecond {
		t.Fatalf("resolution took %v with a 50ms timeout", elapsed)
	}
}

func TestDefaultTimeoutBound(t *testing.T) {
	remote := &fakeLookup{hang: true}
	r := newResolver(t, replica.NewMemoryStore(), remote, Config{})

	start := time.Now()
	got := r.ResolveUsername(context.Background(), "U9")
	if got.Known {
		t.Fatalf("got %+v", got)
	}
	if elapsed := time.Since(start); elapsed > DefaultTimeout+200*time.Millisecond {
		t.Fatalf("resolution took %v, bound is %v", elapsed, DefaultTimeout)
	}
}

func TestNotFoundAndFailureAreUnknown(t *testing.T) {
	for name, remote := range map[string]*fakeLookup{
		"not found": {users: map[string]string{}},
		"failure":   {err: errors.New("unavailable")},
	} {
		t.Run(name, func(t *testing.T) {
			store := replica.NewMemoryStore()
			r := newResolver(t, store, remote, Config{})
			if got := r.ResolveUsername(context.Background(), "U3"); got.Known {
				t.Fatalf("got %+v", got)
			}
			time.Sleep(20 * time.Millisecond)
			if _, err := store.Get(context.Background(), "U3"); !errors.Is(err, replica.ErrNotFound) {
				t.Fatalf("unexpected backfill: %v", err)
			}
		})
	}
}

func TestConcurrentMissesShareOneLookup(t *testing.T) {
	remote := &fakeLookup{users: map[string]string{"U4": "dora"}, release: make(chan struct{})}
	r := newResolver(t, replica.NewMemoryStore(), remote, Config{Timeout: 2 * time.Second})

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan Username, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.ResolveUsername(context.Background(), "U4")
		}()
	}

	waitFor(t, "callers to join", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		c, ok := r.inflight["U4"]
		return ok && c.waiters == callers
	})
	close(remote.release)
	wg.Wait()
	close(results)

	for got := range results {
		if !got.Known || got.Name != "dora" {
			t.Fatalf("got %+v", got)
		}
	}
	if n := remote.calls.Load(); n != 1 {
		t.Fatalf("remote calls = %d, want 1", n)
	}
}

type blockingBackfillStore struct {
	*replica.MemoryStore
}

func (s blockingBackfillStore) Backfill(ctx context.Context, _ model.User) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFullBackfillQueueDrops(t *testing.T) {
	users := map[string]string{}
	for i := 0; i < 3; i++ {
		users[fmt.Sprintf("U%d", i)] = fmt.Sprintf("user%d", i)
	}
	m := metrics.Discard()
	r := New(blockingBackfillStore{replica.NewMemoryStore()}, &fakeLookup{users: users}, Config{BackfillQueue: 1, BackfillWorkers: 1, Metrics: m})

	for i := 0; i < 3; i++ {
		if got := r.ResolveUsername(context.Background(), fmt.Sprintf("U%d", i)); !got.Known {
			t.Fatalf("U%d not resolved", i)
		}
	}
	if dropped := testutil.ToFloat64(m.BackfillDropped); dropped < 1 {
		t.Fatalf("dropped = %v, want at least 1", dropped)
	}
}
