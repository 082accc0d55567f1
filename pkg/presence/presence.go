// Package presence keeps the set of users subscribed to each channel in Redis.
// Each gateway instance adds its own member per user, so a user stays present
// while any instance still holds one of their connections.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/registry"
	"github.com/ndibernardo/chat-service/pkg/shard"
)

const (
	defaultTimeout = time.Second
	sep            = "@"
)

func Key(channelID string) string {
	return "channel:" + shard.Canonicalize(channelID) + ":users"
}

type Tracker struct {
	rdb      redis.UniversalClient
	instance string
	timeout  time.Duration
	logger   *slog.Logger
}

// New returns a tracker that records memberships on behalf of instance,
// usually the gateway's hostname.
func New(rdb redis.UniversalClient, instance string, logger *slog.Logger) *Tracker {
	return &Tracker{rdb: rdb, instance: instance, timeout: defaultTimeout, logger: logging.Component(logger, "presence")}
}

func (t *Tracker) member(userID string) string {
	return userID + sep + t.instance
}

func (t *Tracker) Join(ctx context.Context, channelID, userID string) error {
	if err := t.rdb.SAdd(ctx, Key(channelID), t.member(userID)).Err(); err != nil {
		return fmt.Errorf("presence: join %s: %w", channelID, err)
	}
	return nil
}

func (t *Tracker) Leave(ctx context.Context, channelID, userID string) error {
	if err := t.rdb.SRem(ctx, Key(channelID), t.member(userID)).Err(); err != nil {
		return fmt.Errorf("presence: leave %s: %w", channelID, err)
	}
	return nil
}

// Members lists the users present in channelID on any instance, sorted.
func (t *Tracker) Members(ctx context.Context, channelID string) ([]string, error) {
	members, err := t.rdb.SMembers(ctx, Key(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: members %s: %w", channelID, err)
	}
	return usersOf(members), nil
}

// Hooks adapts the tracker to registry events. Presence is best effort:
// failures are logged and never block a subscription.
func (t *Tracker) Hooks() registry.Hooks {
	return registry.Hooks{
		Join: func(channelID, userID string) {
			ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
			defer cancel()
			if err := t.Join(ctx, channelID, userID); err != nil {
				t.logger.Warn("presence join failed", "channel_id", channelID, "user_id", userID, "error", err)
			}
		},
		Leave: func(channelID, userID string) {
			ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
			defer cancel()
			if err := t.Leave(ctx, channelID, userID); err != nil {
				t.logger.Warn("presence leave failed", "channel_id", channelID, "user_id", userID, "error", err)
			}
		},
	}
}

// usersOf strips the instance suffix from set members and dedupes.
func usersOf(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for _, m := range members {
		if i := strings.LastIndex(m, sep); i >= 0 {
			m = m[:i]
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		users = append(users, m)
	}
	sort.Strings(users)
	return users
}
