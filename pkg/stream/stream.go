// Package stream defines the partitioned event transport used by the ingestor,
// the publisher and the dispatcher, with Kafka and in-memory adapters.
package stream

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("stream: closed")

type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Source is the ordered feed of a single partition. Commit records that rec
// and everything before it on the partition has been processed.
type Source interface {
	Fetch(ctx context.Context) (Record, error)
	Commit(ctx context.Context, rec Record) error
	Close() error
}

// Sink appends keyed records. Records with the same key on the same topic
// land on the same partition.
type Sink interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}
