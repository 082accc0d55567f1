// Package publish accepts chat messages: validate, assign an id, persist, then
// announce the message on its channel's shard topic.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ndibernardo/chat-service/pkg/backoff"
	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/shard"
	"github.com/ndibernardo/chat-service/pkg/snowflake"
	"github.com/ndibernardo/chat-service/pkg/stream"
)

// ErrNotAuthor rejects a delete issued by someone other than the author.
var ErrNotAuthor = &model.Error{Kind: model.KindValidation, Op: "publish.delete", Msg: "only the author may delete a message"}

// MessageStore is the durable range store.
type MessageStore interface {
	Append(ctx context.Context, m model.Message) error
	Get(ctx context.Context, channelID string, id int64) (model.Message, error)
	SoftDelete(ctx context.Context, channelID string, id int64) error
}

type ChannelStore interface {
	Exists(ctx context.Context, channelID string) (bool, error)
}

type Config struct {
	Shards          int
	StoreTimeout    time.Duration
	EmitTimeout     time.Duration
	RedeliveryQueue int
	Backoff         backoff.Policy
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

const (
	channelLocks = 64
	// idAttempts bounds how often an id already taken in the store is
	// replaced by a fresh one.
	idAttempts = 3
)

var (
	ErrClosed      = errors.New("publisher closed")
	ErrBacklogFull = errors.New("notification backlog full")
)

type delivery struct {
	topic     string
	channelID string
	eventID   string
	key       []byte
	value     []byte
}

type Publisher struct {
	messages     MessageStore
	channels     ChannelStore
	sink         stream.Sink
	node         *snowflake.Node
	shards       int
	storeTimeout time.Duration
	emitTimeout  time.Duration
	policy       backoff.Policy
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	// A channel's publishes hold its lock from id assignment through emit,
	// so notifications leave this node in id order.
	locks [channelLocks]sync.Mutex

	// backlog counts queued deliveries per channel. While a channel has a
	// backlog its new notifications queue behind it to keep channel order.
	mu      sync.Mutex
	backlog map[string]int
	closing bool

	// slots holds one token per notification between reserve and the end of
	// its delivery. It never exceeds cap(queue), so enqueue cannot block.
	slots    chan struct{}
	inflight sync.WaitGroup
	lost     atomic.Int64

	queue     chan delivery
	runCtx    context.Context
	cancelRun context.CancelFunc
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func New(messages MessageStore, channels ChannelStore, sink stream.Sink, node *snowflake.Node, cfg Config) *Publisher {
	if cfg.Shards <= 0 {
		cfg.Shards = shard.DefaultCount
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 5 * time.Second
	}
	if cfg.RedeliveryQueue <= 0 {
		cfg.RedeliveryQueue = 4096
	}
	if cfg.Backoff.InitialMs <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		messages:     messages,
		channels:     channels,
		sink:         sink,
		node:         node,
		shards:       cfg.Shards,
		storeTimeout: cfg.StoreTimeout,
		emitTimeout:  cfg.EmitTimeout,
		policy:       cfg.Backoff,
		logger:       logging.Component(cfg.Logger, "publish"),
		metrics:      cfg.Metrics,
		now:          func() time.Time { return time.Now().UTC() },
		backlog:      make(map[string]int),
		slots:        make(chan struct{}, cfg.RedeliveryQueue),
		queue:        make(chan delivery, cfg.RedeliveryQueue),
		runCtx:       runCtx,
		cancelRun:    cancel,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.redeliver()
	return p
}

// Publish validates, persists and announces a message. A returned error means
// nothing was stored and nothing was emitted. Once stored, the notification is
// delivered eventually even if the first emit fails: queue room for it is
// reserved before the write.
func (p *Publisher) Publish(ctx context.Context, channelID, userID, content string) (model.Message, error) {
	msg, err := p.publish(ctx, channelID, userID, content)
	p.metrics.Publishes.WithLabelValues(outcome(err)).Inc()
	return msg, err
}

func (p *Publisher) publish(ctx context.Context, channelID, userID, content string) (model.Message, error) {
	if err := validate(channelID, userID, content); err != nil {
		return model.Message{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	ok, err := p.channels.Exists(sctx, channelID)
	if err != nil {
		return model.Message{}, asTransient("publish.channel", err)
	}
	if !ok {
		return model.Message{}, model.NotFoundf("publish", "channel %s not found", channelID)
	}

	unlock := p.lockChannel(channelID)
	defer unlock()

	if err := p.reserve("publish"); err != nil {
		return model.Message{}, err
	}

	var msg model.Message
	for attempt := 1; ; attempt++ {
		id := p.node.Generate()
		msg = model.Message{
			ID:        id,
			ChannelID: channelID,
			UserID:    userID,
			Content:   content,
			Timestamp: snowflake.Time(id),
		}
		err = p.messages.Append(sctx, msg)
		if model.KindOf(err) != model.KindConflict || attempt == idAttempts {
			break
		}
		p.logger.Warn("message id already taken, regenerating", "channel_id", channelID, "id", id)
	}
	if err != nil {
		p.unreserve()
		p.logger.Warn("message not stored", "channel_id", channelID, "user_id", userID, "error", err)
		if model.KindOf(err) == model.KindConflict {
			return model.Message{}, model.Transient("publish.store", err)
		}
		return model.Message{}, asTransient("publish.store", err)
	}

	p.emit(model.Notification{
		EventID:   uuid.NewString(),
		Kind:      model.KindMessageSent,
		MessageID: msg.IDString(),
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	return msg, nil
}

// Delete soft-deletes a message and announces the deletion. Deleting an
// already deleted message is a no-op.
func (p *Publisher) Delete(ctx context.Context, channelID string, messageID int64, userID string) error {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	unlock := p.lockChannel(channelID)
	defer unlock()

	msg, err := p.messages.Get(sctx, channelID, messageID)
	if err != nil {
		return asTransient("publish.delete", err)
	}
	if msg.UserID != userID {
		return ErrNotAuthor
	}
	if msg.Deleted {
		return nil
	}
	if err := p.reserve("publish.delete"); err != nil {
		return err
	}
	if err := p.messages.SoftDelete(sctx, channelID, messageID); err != nil {
		p.unreserve()
		return asTransient("publish.delete", err)
	}

	p.emit(model.Notification{
		EventID:   uuid.NewString(),
		Kind:      model.KindMessageDeleted,
		MessageID: msg.IDString(),
		ChannelID: channelID,
		UserID:    userID,
		Timestamp: p.now(),
	})
	return nil
}

func (p *Publisher) lockChannel(channelID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(shard.Canonicalize(channelID)))
	mu := &p.locks[h.Sum32()%channelLocks]
	mu.Lock()
	return mu.Unlock
}

func validate(channelID, userID, content string) error {
	if strings.TrimSpace(channelID) == "" {
		return model.Validationf("publish", "channel_id is required")
	}
	if userID == "" {
		return model.Validationf("publish", "user_id is required")
	}
	if strings.TrimSpace(content) == "" {
		return model.Validationf("publish", "content is empty")
	}
	if len(content) > model.MaxContentLength {
		return model.Validationf("publish", "content exceeds %d bytes", model.MaxContentLength)
	}
	return nil
}

// reserve claims room for one notification. It fails with a transient error
// when the publisher is closing or every slot is owed to an undelivered
// notification. A successful reserve must be followed by emit or unreserve.
func (p *Publisher) reserve(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return model.Transient(op, ErrClosed)
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.logger.Warn("notification backlog full, rejecting write", "pending", len(p.slots))
		return model.Transient(op, ErrBacklogFull)
	}
	p.inflight.Add(1)
	return nil
}

func (p *Publisher) unreserve() {
	<-p.slots
	p.inflight.Done()
}

// emit sends n, or queues it for redelivery when the sink fails or the
// channel already has a backlog. The caller holds a reservation.
func (p *Publisher) emit(n model.Notification) {
	defer p.inflight.Done()

	value, err := json.Marshal(n)
	if err != nil {
		<-p.slots
		p.logger.Error("encode notification", "event_id", n.EventID, "error", err)
		return
	}
	d := delivery{
		topic:     shard.TopicFor(n.ChannelID, p.shards),
		channelID: shard.Canonicalize(n.ChannelID),
		eventID:   n.EventID,
		key:       []byte(shard.Canonicalize(n.ChannelID)),
		value:     value,
	}

	if !p.queued(d.channelID) {
		ectx, cancel := context.WithTimeout(p.runCtx, p.emitTimeout)
		err = p.sink.Publish(ectx, d.topic, d.key, d.value)
		cancel()
		if err == nil {
			<-p.slots
			return
		}
		p.logger.Warn("notification emit failed, queued for redelivery",
			"event_id", n.EventID, "channel_id", n.ChannelID, "topic", d.topic, "error", err)
	}
	p.enqueue(d)
}

func (p *Publisher) queued(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog[channelID] > 0
}

// enqueue hands d to the redelivery loop. The reservation held for d
// guarantees queue room.
func (p *Publisher) enqueue(d delivery) {
	p.mu.Lock()
	p.backlog[d.channelID]++
	p.mu.Unlock()
	p.metrics.RedeliveryPending.Inc()
	p.queue <- d
}

func (p *Publisher) release(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backlog[channelID]--; p.backlog[channelID] <= 0 {
		delete(p.backlog, channelID)
	}
}

func (p *Publisher) redeliver() {
	defer close(p.done)
	for {
		select {
		case d := <-p.queue:
			p.deliver(d)
		case <-p.stop:
			for {
				select {
				case d := <-p.queue:
					p.deliver(d)
				default:
					return
				}
			}
		}
	}
}

// deliver retries d with backoff until the sink accepts it or the publisher is
// torn down.
func (p *Publisher) deliver(d delivery) {
	defer func() { <-p.slots }()
	defer p.metrics.RedeliveryPending.Dec()
	defer p.release(d.channelID)

	for attempt := 1; ; attempt++ {
		ectx, cancel := context.WithTimeout(p.runCtx, p.emitTimeout)
		err := p.sink.Publish(ectx, d.topic, d.key, d.value)
		cancel()
		if err == nil {
			p.metrics.NotificationsRedelivered.Inc()
			p.logger.Info("notification redelivered", "event_id", d.eventID, "topic", d.topic, "attempts", attempt)
			return
		}
		if attempt%10 == 0 {
			p.logger.Error("notification redelivery still failing", "event_id", d.eventID, "topic", d.topic, "attempts", attempt, "error", err)
		}
		if err := backoff.Sleep(p.runCtx, backoff.Compute(p.policy, attempt)); err != nil {
			p.lost.Add(1)
			p.logger.Error("notification undelivered at shutdown", "event_id", d.eventID, "topic", d.topic)
			return
		}
	}
}

// Close rejects new writes, waits for writes already holding a reservation,
// then keeps redelivering until the queue is empty or ctx ends. An error
// reports notifications that were still undelivered when ctx ended.
func (p *Publisher) Close(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()
		p.inflight.Wait()
		close(p.stop)
	})
	select {
	case <-p.done:
		p.cancelRun()
		return nil
	case <-ctx.Done():
		p.cancelRun()
		<-p.done
		return fmt.Errorf("publish: %d notifications undelivered: %w", p.lost.Load(), ctx.Err())
	}
}

func asTransient(op string, err error) error {
	if model.KindOf(err) != model.KindUnknown {
		return err
	}
	return model.Transient(op, err)
}

func outcome(err error) string {
	switch model.KindOf(err) {
	case model.KindUnknown:
		if err == nil {
			return "accepted"
		}
		return "transient"
	case model.KindValidation:
		return "validation"
	case model.KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}
