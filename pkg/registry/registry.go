// Package registry tracks which live connections are subscribed to which
// channels.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/ndibernardo/chat-service/pkg/shard"
)

const stripes = 64

var (
	ErrQueueFull = errors.New("registry: send queue full")
	ErrClosed    = errors.New("registry: connection closed")
)

// Subscriber is a live connection that can receive frames.
type Subscriber interface {
	ID() string
	UserID() string
	// Enqueue hands a frame to the connection's send queue without blocking.
	// It fails with ErrQueueFull or ErrClosed.
	Enqueue(frame []byte) error
	// Disconnect closes the connection with a websocket close code.
	Disconnect(code int, reason string)
}

// Hooks observe presence changes: Join fires when a user's first connection
// subscribes to a channel, Leave when their last one goes away. Hooks run
// outside the registry locks, in the order the changes were made for any
// given channel.
type Hooks struct {
	Join  func(channelID, userID string)
	Leave func(channelID, userID string)
}

type stripe struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber
	users    map[string]map[string]int
	// pending holds presence events in mutation order until a caller holding
	// hookMu fires them.
	pending []presenceEvent
	hookMu  sync.Mutex
}

type connStripe struct {
	mu    sync.Mutex
	conns map[string]*conn
}

// conn.mu is taken before any channel stripe lock.
type conn struct {
	sub      Subscriber
	mu       sync.Mutex
	channels map[string]struct{}
	removed  bool
}

type Registry struct {
	stripes [stripes]stripe
	conns   [stripes]connStripe
	hooks   Hooks
}

func New(hooks Hooks) *Registry {
	r := &Registry{hooks: hooks}
	for i := range r.stripes {
		r.stripes[i].channels = make(map[string]map[string]Subscriber)
		r.stripes[i].users = make(map[string]map[string]int)
		r.conns[i].conns = make(map[string]*conn)
	}
	return r
}

func stripeIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % stripes
}

func (r *Registry) stripe(channelID string) *stripe {
	return &r.stripes[stripeIndex(channelID)]
}

func (r *Registry) connStripe(connID string) *connStripe {
	return &r.conns[stripeIndex(connID)]
}

// lookup returns the entry for connID, creating it for sub when create is set.
func (r *Registry) lookup(connID string, sub Subscriber) *conn {
	cs := r.connStripe(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.conns[connID]
	if !ok && sub != nil {
		c = &conn{sub: sub, channels: make(map[string]struct{})}
		cs.conns[connID] = c
	}
	return c
}

type presenceEvent struct {
	channelID string
	userID    string
	join      bool
}

// Subscribe adds sub to channelID. Subscribing twice is a no-op.
func (r *Registry) Subscribe(sub Subscriber, channelID string) {
	channelID = shard.Canonicalize(channelID)
	for {
		c := r.lookup(sub.ID(), sub)
		c.mu.Lock()
		if c.removed {
			// Lost a race with RemoveConnection for a reused id; start over
			// with a fresh entry.
			c.mu.Unlock()
			continue
		}
		if _, dup := c.channels[channelID]; !dup {
			c.channels[channelID] = struct{}{}
			r.add(sub, channelID)
		}
		c.mu.Unlock()
		r.drain(r.stripe(channelID))
		return
	}
}

// Unsubscribe removes one connection from one channel.
func (r *Registry) Unsubscribe(connID, channelID string) {
	channelID = shard.Canonicalize(channelID)
	c := r.lookup(connID, nil)
	if c == nil {
		return
	}
	c.mu.Lock()
	if _, member := c.channels[channelID]; member && !c.removed {
		delete(c.channels, channelID)
		r.remove(c.sub, channelID)
	}
	c.mu.Unlock()
	r.drain(r.stripe(channelID))
}

// RemoveConnection drops connID from every channel it joined and returns
// those channels.
func (r *Registry) RemoveConnection(connID string) []string {
	cs := r.connStripe(connID)
	cs.mu.Lock()
	c, ok := cs.conns[connID]
	delete(cs.conns, connID)
	cs.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	c.removed = true
	left := make([]string, 0, len(c.channels))
	for channelID := range c.channels {
		left = append(left, channelID)
		r.remove(c.sub, channelID)
	}
	c.channels = nil
	c.mu.Unlock()

	for _, channelID := range left {
		r.drain(r.stripe(channelID))
	}
	return left
}

// Snapshot copies the current subscribers of channelID. Callers iterate the
// copy without holding any registry lock.
func (r *Registry) Snapshot(channelID string) []Subscriber {
	channelID = shard.Canonicalize(channelID)
	s := r.stripe(channelID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.channels[channelID]
	out := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

func (r *Registry) Count(channelID string) int {
	channelID = shard.Canonicalize(channelID)
	s := r.stripe(channelID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channelID])
}

// Total reports the number of connections registered through Subscribe and
// not yet removed.
func (r *Registry) Total() int {
	n := 0
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.Lock()
		n += len(cs.conns)
		cs.mu.Unlock()
	}
	return n
}

// Channels lists the channels connID is subscribed to.
func (r *Registry) Channels(connID string) []string {
	c := r.lookup(connID, nil)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// add records sub in channelID and queues a join when it is its user's first
// connection there.
func (r *Registry) add(sub Subscriber, channelID string) {
	s := r.stripe(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.channels[channelID]
	if !ok {
		subs = make(map[string]Subscriber)
		s.channels[channelID] = subs
		s.users[channelID] = make(map[string]int)
	}
	subs[sub.ID()] = sub
	users := s.users[channelID]
	users[sub.UserID()]++
	if users[sub.UserID()] == 1 {
		s.pending = append(s.pending, presenceEvent{channelID: channelID, userID: sub.UserID(), join: true})
	}
}

// remove drops sub from channelID and queues a leave when it was its user's
// last connection there.
func (r *Registry) remove(sub Subscriber, channelID string) {
	s := r.stripe(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.channels[channelID]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID()]; !ok {
		return
	}
	delete(subs, sub.ID())
	users := s.users[channelID]
	users[sub.UserID()]--
	if users[sub.UserID()] <= 0 {
		delete(users, sub.UserID())
		s.pending = append(s.pending, presenceEvent{channelID: channelID, userID: sub.UserID()})
	}
	if len(subs) == 0 {
		delete(s.channels, channelID)
		delete(s.users, channelID)
	}
}

// drain fires the stripe's pending presence events in order. hookMu keeps
// one caller firing at a time, and a caller returns only after the events it
// queued have fired.
func (r *Registry) drain(s *stripe) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	for {
		s.mu.Lock()
		events := s.pending
		s.pending = nil
		s.mu.Unlock()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			r.fire(ev)
		}
	}
}

func (r *Registry) fire(ev presenceEvent) {
	if ev.join && r.hooks.Join != nil {
		r.hooks.Join(ev.channelID, ev.userID)
	}
	if !ev.join && r.hooks.Leave != nil {
		r.hooks.Leave(ev.channelID, ev.userID)
	}
}
