package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/gocql/gocql"

	"github.com/ndibernardo/chat-service/pkg/config"
	"github.com/ndibernardo/chat-service/pkg/model"
)

var keyspaceName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

// messagesTable is the durable range store for channel messages. Rows are
// clustered newest first so a history page is a single partition slice.
const messagesTable = `
CREATE TABLE IF NOT EXISTS %s.messages (
	channel_id text,
	id bigint,
	user_id text,
	content text,
	timestamp timestamp,
	deleted boolean,
	PRIMARY KEY (channel_id, id)
) WITH CLUSTERING ORDER BY (id DESC)`

type Session struct {
	*gocql.Session
}

func newCluster(cfg config.CassandraConfig) (*gocql.ClusterConfig, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	consistency := gocql.Quorum
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, fmt.Errorf("db: cassandra consistency: %w", err)
		}
		consistency = c
	}
	cluster.Consistency = consistency
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster, nil
}

func NewSession(cfg config.CassandraConfig, logger *slog.Logger) (*Session, error) {
	cluster, err := newCluster(cfg)
	if err != nil {
		return nil, err
	}
	cluster.Keyspace = cfg.Keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("db: connect cassandra %v: %w", cfg.Hosts, err)
	}

	if logger != nil {
		logger.Info("connected to cassandra", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	}
	return &Session{Session: session}, nil
}

// CreateSchema creates the keyspace and the messages table. It connects
// without a keyspace since the keyspace may not exist yet.
func CreateSchema(ctx context.Context, cfg config.CassandraConfig, replication int) error {
	if !keyspaceName.MatchString(cfg.Keyspace) {
		return fmt.Errorf("db: invalid keyspace name %q", cfg.Keyspace)
	}
	if replication < 1 {
		replication = 1
	}
	cluster, err := newCluster(cfg)
	if err != nil {
		return err
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("db: connect cassandra %v: %w", cfg.Hosts, err)
	}
	defer session.Close()

	keyspace := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`, cfg.Keyspace, replication)
	if err := session.Query(keyspace).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("db: create keyspace %s: %w", cfg.Keyspace, err)
	}
	if err := session.Query(fmt.Sprintf(messagesTable, cfg.Keyspace)).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("db: create messages table: %w", err)
	}
	return nil
}

// MessageStore reads and writes channel messages in Cassandra.
type MessageStore struct {
	session *gocql.Session
}

func NewMessageStore(s *Session) *MessageStore {
	return &MessageStore{session: s.Session}
}

// Append inserts m unless its id is already taken in the channel, in which
// case the stored row is left alone and a Conflict error is returned.
func (s *MessageStore) Append(ctx context.Context, m model.Message) error {
	existing := make(map[string]interface{})
	applied, err := s.session.Query(
		`INSERT INTO messages (channel_id, id, user_id, content, timestamp, deleted) VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		m.ChannelID, m.ID, m.UserID, m.Content, m.Timestamp, false,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return model.Transient("messages.append", err)
	}
	if !applied {
		return model.Conflictf("messages.append", "message id %d already taken in channel %s", m.ID, m.ChannelID)
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, channelID string, id int64) (model.Message, error) {
	m := model.Message{ChannelID: channelID, ID: id}
	err := s.session.Query(
		`SELECT user_id, content, timestamp, deleted FROM messages WHERE channel_id = ? AND id = ?`,
		channelID, id,
	).WithContext(ctx).Scan(&m.UserID, &m.Content, &m.Timestamp, &m.Deleted)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Message{}, model.NotFoundf("messages.get", "message %d not found in channel %s", id, channelID)
	}
	if err != nil {
		return model.Message{}, model.Transient("messages.get", err)
	}
	return m, nil
}

// Query returns up to limit messages older than before, newest first. A
// before of zero starts from the latest message. Deleted messages are
// returned with their content cleared so pagination stays stable.
func (s *MessageStore) Query(ctx context.Context, channelID string, before int64, limit int) ([]model.Message, error) {
	if before <= 0 {
		before = math.MaxInt64
	}
	iter := s.session.Query(
		`SELECT id, user_id, content, timestamp, deleted FROM messages WHERE channel_id = ? AND id < ? LIMIT ?`,
		channelID, before, limit,
	).WithContext(ctx).Iter()

	messages := make([]model.Message, 0, limit)
	var (
		id        int64
		userID    string
		content   string
		timestamp time.Time
		deleted   bool
	)
	for iter.Scan(&id, &userID, &content, &timestamp, &deleted) {
		m := model.Message{
			ID:        id,
			ChannelID: channelID,
			UserID:    userID,
			Content:   content,
			Timestamp: timestamp.UTC(),
			Deleted:   deleted,
		}
		if deleted {
			m.Content = ""
		}
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, model.Transient("messages.query", err)
	}
	return messages, nil
}

// SoftDelete marks the message deleted. The lightweight transaction keeps a
// delete from resurrecting a row that never existed.
func (s *MessageStore) SoftDelete(ctx context.Context, channelID string, id int64) error {
	applied, err := s.session.Query(
		`UPDATE messages SET deleted = true, content = '' WHERE channel_id = ? AND id = ? IF EXISTS`,
		channelID, id,
	).WithContext(ctx).ScanCAS()
	if err != nil {
		return model.Transient("messages.delete", err)
	}
	if !applied {
		return model.NotFoundf("messages.delete", "message %d not found in channel %s", id, channelID)
	}
	return nil
}
