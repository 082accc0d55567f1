// Package dispatch fans channel notifications out to the live connections of
// this gateway instance.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndibernardo/chat-service/pkg/backoff"
	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/protocol"
	"github.com/ndibernardo/chat-service/pkg/registry"
	"github.com/ndibernardo/chat-service/pkg/resolver"
	"github.com/ndibernardo/chat-service/pkg/stream"
)

const commitTimeout = 10 * time.Second

type Resolver interface {
	ResolveUsername(ctx context.Context, userID string) resolver.Username
}

type Subscribers interface {
	Snapshot(channelID string) []registry.Subscriber
}

type Config struct {
	DedupeTTL time.Duration
	DedupeMax int
	// MaxAttempts bounds checkpoint retries before the lane is flagged as
	// stalled. The lane keeps retrying at Backoff.MaxMs.
	MaxAttempts int
	Backoff     backoff.Policy
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type Dispatcher struct {
	subs        Subscribers
	names       Resolver
	seen        *dedupeCache
	policy      backoff.Policy
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(subs Subscribers, names Resolver, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.InitialMs <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.DedupeMax <= 0 {
		cfg.DedupeMax = 100000
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return &Dispatcher{
		subs:        subs,
		names:       names,
		seen:        newDedupeCache(cfg.DedupeTTL, cfg.DedupeMax),
		policy:      cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		logger:      logging.Component(cfg.Logger, "dispatch"),
		metrics:     cfg.Metrics,
	}
}

// Dispatch delivers n to every current subscriber of its channel and returns
// how many connections accepted the frame. A notification whose event id was
// already dispatched within the dedupe window is skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, n model.Notification) int {
	if d.seen.IsDuplicate(n.EventID) {
		d.metrics.DispatchDuplicates.Inc()
		d.logger.Debug("duplicate notification skipped", "event_id", n.EventID, "channel_id", n.ChannelID)
		return 0
	}

	subs := d.subs.Snapshot(n.ChannelID)
	if len(subs) == 0 {
		return 0
	}

	var frame []byte
	switch n.Kind {
	case model.KindMessageSent:
		name := d.names.ResolveUsername(ctx, n.UserID)
		frame = protocol.Encode(protocol.NewMessage{
			Type:      protocol.TypeNewMessage,
			ID:        n.MessageID,
			ChannelID: n.ChannelID,
			UserID:    n.UserID,
			Username:  name.String(),
			Content:   n.Content,
			Timestamp: n.Timestamp,
		})
	case model.KindMessageDeleted:
		frame = protocol.Encode(protocol.MessageDeleted{
			Type:      protocol.TypeMessageDeleted,
			ID:        n.MessageID,
			ChannelID: n.ChannelID,
		})
	default:
		return 0
	}

	delivered := 0
	for _, sub := range subs {
		err := sub.Enqueue(frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, registry.ErrQueueFull):
			d.metrics.SlowDisconnects.Inc()
			d.logger.Warn("send queue full, disconnecting subscriber",
				"conn_id", sub.ID(), "user_id", sub.UserID(), "channel_id", n.ChannelID)
			sub.Disconnect(websocket.CloseTryAgainLater, "send queue full")
		default:
			// Connection went away after the snapshot.
		}
	}
	d.metrics.Dispatched.WithLabelValues(string(n.Kind)).Add(float64(delivered))
	return delivered
}

// Run starts one lane per shard source and blocks until ctx is cancelled and
// every lane has committed its in-flight notification.
func (d *Dispatcher) Run(ctx context.Context, sources []stream.Source) error {
	if len(sources) == 0 {
		return errors.New("dispatch: no sources")
	}
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src stream.Source) {
			defer wg.Done()
			defer src.Close()
			d.lane(ctx, src)
		}(src)
	}
	d.logger.Info("dispatcher started", "lanes", len(sources))
	wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) lane(ctx context.Context, src stream.Source) {
	fetchAttempt := 0
	for {
		rec, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return
			}
			fetchAttempt++
			d.logger.Warn("fetch failed", "attempt", fetchAttempt, "error", err)
			if backoff.Sleep(ctx, backoff.Compute(d.policy, fetchAttempt)) != nil {
				return
			}
			continue
		}
		fetchAttempt = 0

		work := context.WithoutCancel(ctx)
		d.handle(work, rec)
		if err := d.commit(ctx, work, src, rec); err != nil {
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, rec stream.Record) {
	var n model.Notification
	if err := json.Unmarshal(rec.Value, &n); err != nil {
		d.logger.Warn("skipping malformed notification",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		return
	}
	if err := n.Validate(); err != nil {
		d.logger.Warn("skipping invalid notification",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		return
	}
	d.Dispatch(ctx, n)
}

func (d *Dispatcher) commit(ctx, work context.Context, src stream.Source, rec stream.Record) error {
	lane := fmt.Sprintf("%s/%d", rec.Topic, rec.Partition)
	attempt := func(int) error {
		cctx, cancel := context.WithTimeout(work, commitTimeout)
		defer cancel()
		return src.Commit(cctx, rec)
	}

	// Attempts run on work so the checkpoint of a delivered notification is
	// still written once shutdown has begun; only the waits observe ctx.
	var err error
	for n := 1; n <= d.maxAttempts; n++ {
		if err = attempt(n); err == nil {
			return nil
		}
		d.logger.Warn("checkpoint commit failed", "lane", lane, "offset", rec.Offset, "attempt", n, "error", err)
		if n < d.maxAttempts {
			if serr := backoff.Sleep(ctx, backoff.Compute(d.policy, n)); serr != nil {
				return serr
			}
		}
	}

	d.metrics.RetryExhausted.WithLabelValues("dispatch").Inc()
	d.metrics.LaneStalled.WithLabelValues("dispatch", lane).Set(1)
	defer d.metrics.LaneStalled.WithLabelValues("dispatch", lane).Set(0)
	d.logger.Error("lane stalled: checkpoint commit keeps failing", "lane", lane, "offset", rec.Offset, "error", err)
	for n := d.maxAttempts + 1; ; n++ {
		if err := backoff.Sleep(ctx, d.policy.Max()); err != nil {
			return err
		}
		if err := attempt(n); err == nil {
			d.logger.Info("lane recovered", "lane", lane, "offset", rec.Offset)
			return nil
		}
	}
}
