// Package channel stores chat channels in the relational database.
package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ndibernardo/chat-service/pkg/model"
)

var (
	ErrNotFound  = &model.Error{Kind: model.KindNotFound, Op: "channel", Msg: "channel not found"}
	ErrNameTaken = &model.Error{Kind: model.KindConflict, Op: "channel", Msg: "channel name already taken"}
)

// Schema creates the channels table. Names are unique among public and
// private channels; direct channels may repeat.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	created_by  TEXT NOT NULL,
	created_at  BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS channels_name_uidx ON channels (name) WHERE kind <> 'direct';
CREATE INDEX IF NOT EXISTS channels_kind_idx ON channels (kind, created_at);
`

const (
	insertChannel = `INSERT INTO channels (id, name, description, kind, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	selectChannel = `SELECT id, name, description, kind, created_by, created_at FROM channels WHERE id = $1`
	existsChannel = `SELECT 1 FROM channels WHERE id = $1`
	listPublic    = `SELECT id, name, description, kind, created_by, created_at FROM channels
WHERE kind = 'public' ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`
)

type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("channel: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, ch model.Channel) (model.Channel, error) {
	ch.Name = strings.TrimSpace(ch.Name)
	if err := ch.Validate(); err != nil {
		return model.Channel{}, err
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, insertChannel,
		ch.ID, ch.Name, ch.Description, string(ch.Kind), ch.CreatedBy, ch.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return model.Channel{}, ErrNameTaken
		}
		return model.Channel{}, model.Transient("channel.create", err)
	}
	return ch, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (model.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, selectChannel, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, ErrNotFound
	}
	if err != nil {
		return model.Channel{}, model.Transient("channel.get", err)
	}
	return ch, nil
}

func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, existsChannel, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, model.Transient("channel.exists", err)
	}
	return true, nil
}

func (s *SQLStore) ListPublic(ctx context.Context, limit, offset int) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, listPublic, limit, offset)
	if err != nil {
		return nil, model.Transient("channel.list", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, model.Transient("channel.list", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transient("channel.list", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (model.Channel, error) {
	var ch model.Channel
	var kind string
	var created int64
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Description, &kind, &ch.CreatedBy, &created); err != nil {
		return model.Channel{}, err
	}
	ch.Kind = model.ChannelKind(kind)
	ch.CreatedAt = time.Unix(0, created).UTC()
	return ch, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
