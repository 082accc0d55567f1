// Package ingest applies the user lifecycle stream to the replica.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ndibernardo/chat-service/pkg/backoff"
	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/replica"
	"github.com/ndibernardo/chat-service/pkg/stream"
)

const commitTimeout = 10 * time.Second

type Config struct {
	// MaxAttempts bounds store retries before the lane raises an alert. The
	// lane then keeps retrying at Backoff.MaxMs.
	MaxAttempts int
	Backoff     backoff.Policy
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type Ingestor struct {
	store       replica.Store
	policy      backoff.Policy
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(store replica.Store, cfg Config) *Ingestor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.InitialMs <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return &Ingestor{
		store:       store,
		policy:      cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		logger:      logging.Component(cfg.Logger, "ingest"),
		metrics:     cfg.Metrics,
	}
}

type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeStale     outcome = "stale"
	outcomeDeleted   outcome = "deleted"
	outcomeMalformed outcome = "malformed"
)

// Apply folds one lifecycle event into the replica. Stale events are not
// errors. Any error returned is a store failure and is safe to retry.
func (i *Ingestor) Apply(ctx context.Context, ev model.LifecycleEvent) error {
	_, err := i.apply(ctx, ev)
	return err
}

func (i *Ingestor) apply(ctx context.Context, ev model.LifecycleEvent) (outcome, error) {
	switch ev.Kind {
	case model.UserCreated, model.UserUpdated:
		applied, err := i.store.Upsert(ctx, model.User{
			ID:        ev.UserID,
			Username:  ev.Username,
			CreatedAt: ev.Timestamp,
			UpdatedAt: ev.Timestamp,
		})
		if err != nil {
			return "", err
		}
		if !applied {
			i.logger.Debug("stale lifecycle event ignored",
				"event_id", ev.EventID, "user_id", ev.UserID, "kind", ev.Kind, "updated_at", ev.Timestamp)
			return outcomeStale, nil
		}
		return outcomeApplied, nil
	case model.UserDeleted:
		if err := i.store.Delete(ctx, ev.UserID, ev.Timestamp); err != nil {
			return "", err
		}
		return outcomeDeleted, nil
	default:
		return outcomeMalformed, model.Validationf("ingest.apply", "unknown lifecycle kind %q", ev.Kind)
	}
}

// Run starts one lane per source and blocks until ctx is cancelled and every
// lane has finished its in-flight record. Sources are closed on return.
func (i *Ingestor) Run(ctx context.Context, sources []stream.Source) error {
	if len(sources) == 0 {
		return errors.New("ingest: no sources")
	}
	var wg sync.WaitGroup
	for n, src := range sources {
		wg.Add(1)
		go func(n int, src stream.Source) {
			defer wg.Done()
			defer src.Close()
			i.lane(ctx, n, src)
		}(n, src)
	}
	i.logger.Info("ingestor started", "lanes", len(sources))
	wg.Wait()
	i.logger.Info("ingestor stopped")
	return nil
}

func (i *Ingestor) lane(ctx context.Context, n int, src stream.Source) {
	fetchAttempt := 0
	for {
		rec, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return
			}
			fetchAttempt++
			i.logger.Warn("fetch failed", "lane", n, "attempt", fetchAttempt, "error", err)
			if backoff.Sleep(ctx, backoff.Compute(i.policy, fetchAttempt)) != nil {
				return
			}
			continue
		}
		fetchAttempt = 0

		// The in-flight record finishes even when shutdown starts; only the
		// waits between retries observe ctx.
		work := context.WithoutCancel(ctx)
		if err := i.handle(ctx, work, rec); err != nil {
			i.logger.Info("lane stopping before checkpoint", "lane", n, "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
			return
		}
		if err := i.commit(ctx, work, src, rec); err != nil {
			return
		}
	}
}

// handle returns an error only when ctx ended before the record was applied.
func (i *Ingestor) handle(ctx, work context.Context, rec stream.Record) error {
	ev, err := model.ParseLifecycleEvent(rec.Value)
	if err != nil {
		i.metrics.IngestEvents.WithLabelValues(string(outcomeMalformed)).Inc()
		i.logger.Warn("skipping malformed lifecycle event",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		return nil
	}

	lane := laneLabel(rec)
	var result outcome
	attempt := func(int) error {
		var err error
		result, err = i.apply(work, ev)
		return err
	}

	err = backoff.Retry(ctx, i.policy, i.maxAttempts, attempt)
	if err != nil && errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
		err = i.stall(ctx, lane, ev, err, attempt)
	}
	if err != nil {
		if model.KindOf(err) == model.KindValidation {
			i.metrics.IngestEvents.WithLabelValues(string(outcomeMalformed)).Inc()
			i.logger.Warn("skipping unprocessable lifecycle event", "event_id", ev.EventID, "error", err)
			return nil
		}
		return err
	}
	i.metrics.IngestEvents.WithLabelValues(string(result)).Inc()
	return nil
}

// stall raises the alert for an exhausted lane and keeps retrying at the
// maximum backoff until the store recovers or ctx ends.
func (i *Ingestor) stall(ctx context.Context, lane string, ev model.LifecycleEvent, cause error, attempt func(int) error) error {
	if model.KindOf(cause) == model.KindValidation {
		return cause
	}
	i.metrics.RetryExhausted.WithLabelValues("ingest").Inc()
	i.metrics.LaneStalled.WithLabelValues("ingest", lane).Set(1)
	defer i.metrics.LaneStalled.WithLabelValues("ingest", lane).Set(0)
	i.logger.Error("lane stalled: replica write keeps failing",
		"lane", lane, "event_id", ev.EventID, "user_id", ev.UserID, "attempts", i.maxAttempts, "error", cause)

	for n := i.maxAttempts + 1; ; n++ {
		if err := backoff.Sleep(ctx, i.policy.Max()); err != nil {
			return err
		}
		err := attempt(n)
		if err == nil {
			i.logger.Info("lane recovered", "lane", lane, "event_id", ev.EventID, "attempts", n)
			return nil
		}
		i.logger.Error("lane still stalled", "lane", lane, "event_id", ev.EventID, "attempt", n, "error", err)
	}
}

func (i *Ingestor) commit(ctx, work context.Context, src stream.Source, rec stream.Record) error {
	for n := 1; ; n++ {
		cctx, cancel := context.WithTimeout(work, commitTimeout)
		err := src.Commit(cctx, rec)
		cancel()
		if err == nil {
			return nil
		}
		i.logger.Warn("checkpoint commit failed", "lane", laneLabel(rec), "offset", rec.Offset, "attempt", n, "error", err)
		if err := backoff.Sleep(ctx, backoff.Compute(i.policy, n)); err != nil {
			return err
		}
	}
}

func laneLabel(rec stream.Record) string {
	return fmt.Sprintf("%s/%d", rec.Topic, rec.Partition)
}
