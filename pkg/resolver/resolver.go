// Package resolver answers "which username belongs to this user id" for
// message enrichment: replica first, then the authoritative lookup under a
// deadline, then "unknown".
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/lookup"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/replica"
)

const (
	DefaultTimeout  = 500 * time.Millisecond
	backfillTimeout = 5 * time.Second
)

// Lookup is the authoritative identity service.
type Lookup interface {
	Lookup(ctx context.Context, userID string) (string, error)
}

// Username is a resolution result. An unknown username is a valid outcome and
// renders as "unknown".
type Username struct {
	Name  string
	Known bool
}

func (u Username) String() string {
	if !u.Known {
		return "unknown"
	}
	return u.Name
}

type Config struct {
	Timeout         time.Duration
	BackfillQueue   int
	BackfillWorkers int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

type call struct {
	done    chan struct{}
	result  Username
	waiters int
}

type Resolver struct {
	store   replica.Store
	remote  Lookup
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*call

	backfills chan model.User
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func New(store replica.Store, remote Lookup, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BackfillQueue <= 0 {
		cfg.BackfillQueue = 1024
	}
	if cfg.BackfillWorkers <= 0 {
		cfg.BackfillWorkers = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	r := &Resolver{
		store:     store,
		remote:    remote,
		timeout:   cfg.Timeout,
		logger:    logging.Component(cfg.Logger, "resolver"),
		metrics:   cfg.Metrics,
		inflight:  make(map[string]*call),
		backfills: make(chan model.User, cfg.BackfillQueue),
		stop:      make(chan struct{}),
	}
	for i := 0; i < cfg.BackfillWorkers; i++ {
		r.wg.Add(1)
		go r.backfillWorker()
	}
	return r
}

// ResolveUsername never fails and returns within the configured timeout even
// if the authoritative lookup hangs.
func (r *Resolver) ResolveUsername(ctx context.Context, userID string) Username {
	if userID == "" {
		return Username{}
	}

	u, err := r.store.Get(ctx, userID)
	if err == nil {
		r.metrics.ResolverLookups.WithLabelValues("hit").Inc()
		return Username{Name: u.Username, Known: true}
	}
	if !errors.Is(err, replica.ErrNotFound) {
		r.logger.Warn("replica read failed, falling back to lookup", "user_id", userID, "error", err)
	}

	c := r.join(ctx, userID)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		if c.result.Known {
			r.metrics.ResolverLookups.WithLabelValues("remote").Inc()
		} else {
			r.metrics.ResolverLookups.WithLabelValues("unknown").Inc()
		}
		return c.result
	case <-timer.C:
	case <-ctx.Done():
	}
	r.metrics.ResolverLookups.WithLabelValues("unknown").Inc()
	return Username{}
}

// join attaches the caller to the in-flight lookup for userID, starting one
// if none is running.
func (r *Resolver) join(ctx context.Context, userID string) *call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.inflight[userID]; ok {
		c.waiters++
		return c
	}
	c := &call{done: make(chan struct{}), waiters: 1}
	r.inflight[userID] = c

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	go func() {
		defer cancel()
		c.result = r.lookup(lctx, userID)

		r.mu.Lock()
		delete(r.inflight, userID)
		r.mu.Unlock()
		close(c.done)
	}()
	return c
}

func (r *Resolver) lookup(ctx context.Context, userID string) Username {
	start := time.Now()
	name, err := r.remote.Lookup(ctx, userID)
	r.metrics.ResolverRemoteDuration.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, lookup.ErrUserNotFound):
		r.logger.Debug("user unknown to authoritative lookup", "user_id", userID)
		return Username{}
	case err != nil:
		r.logger.Warn("authoritative lookup failed", "user_id", userID, "error", err)
		return Username{}
	}

	// A zero UpdatedAt lets any lifecycle event supersede the backfill.
	r.enqueueBackfill(model.User{ID: userID, Username: name, CreatedAt: time.Now().UTC()})
	return Username{Name: name, Known: true}
}

func (r *Resolver) enqueueBackfill(u model.User) {
	select {
	case r.backfills <- u:
	default:
		r.metrics.BackfillDropped.Inc()
		r.logger.Debug("backfill queue full, dropping", "user_id", u.ID)
	}
}

func (r *Resolver) backfillWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case u := <-r.backfills:
			ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
			if err := r.store.Backfill(ctx, u); err != nil {
				r.logger.Warn("replica backfill failed", "user_id", u.ID, "error", err)
			}
			cancel()
		}
	}
}

// Close stops the backfill workers. Queued backfills are dropped.
func (r *Resolver) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
