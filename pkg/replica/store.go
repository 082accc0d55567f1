// Package replica holds the local, eventually-consistent copy of upstream
// user identity data.
package replica

import (
	"context"
	"time"

	"github.com/ndibernardo/chat-service/pkg/model"
)

var ErrNotFound = &model.Error{Kind: model.KindNotFound, Op: "replica", Msg: "user not found"}

// Store is the replica port. Implementations never call the network on Get
// beyond their own storage.
//
// Ordering rules:
//   - Upsert applies when the incoming UpdatedAt is not older than the stored
//     one. A tombstone is only overwritten by a strictly newer record.
//   - Delete tombstones unconditionally; repeating it is a no-op.
//   - Backfill inserts only when the user has never been seen, so it cannot
//     resurrect a deleted user or overwrite event-sourced state.
type Store interface {
	Get(ctx context.Context, userID string) (model.User, error)
	Upsert(ctx context.Context, u model.User) (applied bool, err error)
	Delete(ctx context.Context, userID string, at time.Time) error
	Backfill(ctx context.Context, u model.User) error
}

// wins reports whether an incoming write at ts replaces stored state.
func wins(storedAt time.Time, tombstoned bool, ts time.Time) bool {
	if tombstoned {
		return ts.After(storedAt)
	}
	return !ts.Before(storedAt)
}
