package stream

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process broker with the same contract as the Kafka
// adapters: keyed partitioning, per-partition order, per-group checkpoints.
type Memory struct {
	mu         sync.Mutex
	partitions int
	logs       map[string][][]Record
	committed  map[string]int64
	notify     chan struct{}
	closed     bool
}

func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	return &Memory{
		partitions: partitions,
		logs:       make(map[string][][]Record),
		committed:  make(map[string]int64),
		notify:     make(chan struct{}),
	}
}

func (m *Memory) Partitions() int { return m.partitions }

// PartitionFor reports where key lands on any topic.
func (m *Memory) PartitionFor(key []byte) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(m.partitions))
}

func (m *Memory) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	parts := m.topic(topic)
	p := m.PartitionFor(key)
	rec := Record{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(parts[p])),
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Time:      time.Now().UTC(),
	}
	parts[p] = append(parts[p], rec)
	m.wake()
	return nil
}

// Close stops the broker. Pending Fetch calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wake()
	}
	return nil
}

// Records returns a copy of one partition's log.
func (m *Memory) Records(topic string, partition int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.topic(topic)[partition]...)
}

// Committed returns the next offset group will read on topic/partition.
func (m *Memory) Committed(group, topic string, partition int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[checkpointKey(group, topic, partition)]
}

// Source opens a reader of topic/partition for group, resuming after the
// group's last commit.
func (m *Memory) Source(group, topic string, partition int) Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic(topic)
	return &memorySource{
		broker:    m,
		group:     group,
		topic:     topic,
		partition: partition,
		next:      m.committed[checkpointKey(group, topic, partition)],
	}
}

// Sources opens one Source per partition of topic.
func (m *Memory) Sources(group, topic string) []Source {
	out := make([]Source, m.partitions)
	for p := range out {
		out[p] = m.Source(group, topic, p)
	}
	return out
}

func (m *Memory) topic(name string) [][]Record {
	parts, ok := m.logs[name]
	if !ok {
		parts = make([][]Record, m.partitions)
		m.logs[name] = parts
	}
	return parts
}

// wake releases every waiter. Callers hold m.mu.
func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func checkpointKey(group, topic string, partition int) string {
	return group + "/" + topic + "/" + strconv.Itoa(partition)
}

type memorySource struct {
	broker    *Memory
	group     string
	topic     string
	partition int

	mu     sync.Mutex
	next   int64
	closed bool
}

func (s *memorySource) Fetch(ctx context.Context) (Record, error) {
	for {
		s.broker.mu.Lock()
		s.mu.Lock()
		closed := s.closed || s.broker.closed
		entries := s.broker.logs[s.topic][s.partition]
		next := s.next
		if !closed && next < int64(len(entries)) {
			rec := entries[next]
			s.next++
			s.mu.Unlock()
			s.broker.mu.Unlock()
			return rec, nil
		}
		wait := s.broker.notify
		s.mu.Unlock()
		s.broker.mu.Unlock()

		if closed {
			return Record{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memorySource) Commit(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	key := checkpointKey(s.group, s.topic, s.partition)
	if rec.Offset+1 > s.broker.committed[key] {
		s.broker.committed[key] = rec.Offset + 1
	}
	return nil
}

func (s *memorySource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.broker.mu.Lock()
	s.broker.wake()
	s.broker.mu.Unlock()
	return nil
}
