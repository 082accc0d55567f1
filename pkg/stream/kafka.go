package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaSourceConfig struct {
	Brokers   []string
	Topic     string
	Partition int
	// GroupID owns the checkpoint. Offsets are committed on the group
	// coordinator without joining the group, so lanes own their partition
	// statically.
	GroupID string
	// StartOffset applies when the group has no checkpoint yet:
	// kafka.FirstOffset or kafka.LastOffset.
	StartOffset int64
}

type KafkaSource struct {
	reader    *kafka.Reader
	client    *kafka.Client
	group     string
	topic     string
	partition int
}

// OpenKafkaSource positions a partition reader right after the group's
// committed offset.
func OpenKafkaSource(ctx context.Context, cfg KafkaSourceConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("stream: no kafka brokers configured")
	}
	client := &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: 10 * time.Second}

	offset, err := committedOffset(ctx, client, cfg.GroupID, cfg.Topic, cfg.Partition)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = cfg.StartOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: cfg.Partition,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   500 * time.Millisecond,
	})
	if err := reader.SetOffset(offset); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("stream: seek %s/%d to %d: %w", cfg.Topic, cfg.Partition, offset, err)
	}

	return &KafkaSource{
		reader:    reader,
		client:    client,
		group:     cfg.GroupID,
		topic:     cfg.Topic,
		partition: cfg.Partition,
	}, nil
}

func (s *KafkaSource) Fetch(ctx context.Context) (Record, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("stream: fetch %s/%d: %w", s.topic, s.partition, err)
	}
	return Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}, nil
}

func (s *KafkaSource) Commit(ctx context.Context, rec Record) error {
	resp, err := s.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      s.group,
		GenerationID: -1,
		Topics: map[string][]kafka.OffsetCommit{
			s.topic: {{Partition: s.partition, Offset: rec.Offset + 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("stream: commit %s/%d@%d: %w", s.topic, s.partition, rec.Offset, err)
	}
	for _, p := range resp.Topics[s.topic] {
		if p.Error != nil {
			return fmt.Errorf("stream: commit %s/%d@%d: %w", s.topic, p.Partition, rec.Offset, p.Error)
		}
	}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

func committedOffset(ctx context.Context, client *kafka.Client, group, topic string, partition int) (int64, error) {
	resp, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: group,
		Topics:  map[string][]int{topic: {partition}},
	})
	if err != nil {
		return 0, fmt.Errorf("stream: fetch checkpoint %s/%d for %s: %w", topic, partition, group, err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("stream: fetch checkpoint %s/%d for %s: %w", topic, partition, group, resp.Error)
	}
	for _, p := range resp.Topics[topic] {
		if p.Partition != partition {
			continue
		}
		if p.Error != nil {
			return 0, fmt.Errorf("stream: fetch checkpoint %s/%d for %s: %w", topic, partition, group, p.Error)
		}
		return p.CommittedOffset, nil
	}
	return -1, nil
}

// Partitions lists the partition ids of topic, asking each broker in turn.
func Partitions(ctx context.Context, brokers []string, topic string) ([]int, error) {
	var errs []error
	for _, broker := range brokers {
		parts, err := kafka.LookupPartitions(ctx, "tcp", broker, topic)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids := make([]int, len(parts))
		for i, p := range parts {
			ids[i] = p.ID
		}
		return ids, nil
	}
	return nil, fmt.Errorf("stream: list partitions of %s: %w", topic, errors.Join(errs...))
}

// OpenKafkaSources opens one Source per partition of every topic. On error the
// sources already opened are closed.
func OpenKafkaSources(ctx context.Context, brokers []string, group string, start int64, topics ...string) ([]Source, error) {
	var out []Source
	for _, topic := range topics {
		parts, err := Partitions(ctx, brokers, topic)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		for _, p := range parts {
			src, err := OpenKafkaSource(ctx, KafkaSourceConfig{
				Brokers:     brokers,
				Topic:       topic,
				Partition:   p,
				GroupID:     group,
				StartOffset: start,
			})
			if err != nil {
				closeAll(out)
				return nil, err
			}
			out = append(out, src)
		}
	}
	return out, nil
}

func closeAll(sources []Source) {
	for _, s := range sources {
		_ = s.Close()
	}
}

type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink hashes record keys onto partitions so every record of a key
// keeps its relative order.
func NewKafkaSink(brokers []string, writeTimeout time.Duration) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           writeTimeout,
		BatchTimeout:           5 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Publish(ctx context.Context, topic string, key, value []byte) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("stream: publish to %s: %w", topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
