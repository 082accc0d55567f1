package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ndibernardo/chat-service/pkg/model"
)

// Schema creates the replica table. Timestamps are unix nanoseconds so the
// same statements run on PostgreSQL and SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS user_replica (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	synced_at  BIGINT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS user_replica_username_idx ON user_replica (username);
`

const (
	selectUser = `SELECT id, username, created_at, updated_at, synced_at
FROM user_replica WHERE id = $1 AND deleted = FALSE`

	upsertUser = `INSERT INTO user_replica (id, username, created_at, updated_at, synced_at, deleted)
VALUES ($1, $2, $3, $4, $5, FALSE)
ON CONFLICT (id) DO UPDATE SET
	username = excluded.username,
	created_at = CASE WHEN user_replica.deleted THEN excluded.created_at ELSE user_replica.created_at END,
	updated_at = excluded.updated_at,
	synced_at = excluded.synced_at,
	deleted = FALSE
WHERE (user_replica.deleted = FALSE AND user_replica.updated_at <= excluded.updated_at)
   OR (user_replica.deleted = TRUE AND user_replica.updated_at < excluded.updated_at)`

	deleteUser = `INSERT INTO user_replica (id, username, created_at, updated_at, synced_at, deleted)
VALUES ($1, '', $2, $2, $3, TRUE)
ON CONFLICT (id) DO UPDATE SET
	deleted = TRUE,
	updated_at = CASE WHEN user_replica.updated_at > excluded.updated_at THEN user_replica.updated_at ELSE excluded.updated_at END,
	synced_at = excluded.synced_at`

	backfillUser = `INSERT INTO user_replica (id, username, created_at, updated_at, synced_at, deleted)
VALUES ($1, $2, $3, $4, $5, FALSE)
ON CONFLICT (id) DO NOTHING`
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
		return fmt.Errorf("replica: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	var created, updated, syncedAt int64
	err := s.db.QueryRowContext(ctx, selectUser, userID).Scan(&u.ID, &u.Username, &created, &updated, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, model.Transient("replica.get", err)
	}
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	u.SyncedAt = fromNanos(syncedAt)
	return u, nil
}

func (s *SQLStore) Upsert(ctx context.Context, u model.User) (bool, error) {
	res, err := s.db.ExecContext(ctx, upsertUser,
		u.ID, u.Username, toNanos(u.CreatedAt), toNanos(u.UpdatedAt), toNanos(s.now()))
	if err != nil {
		return false, model.Transient("replica.upsert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, model.Transient("replica.upsert", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, userID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, deleteUser, userID, toNanos(at), toNanos(s.now())); err != nil {
		return model.Transient("replica.delete", err)
	}
	return nil
}

func (s *SQLStore) Backfill(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx, backfillUser,
		u.ID, u.Username, toNanos(u.CreatedAt), toNanos(u.UpdatedAt), toNanos(s.now()))
	if err != nil {
		return model.Transient("replica.backfill", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
