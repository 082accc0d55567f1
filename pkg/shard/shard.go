package shard

import (
	"fmt"
	"hash/fnv"
	"strings"
)

const (
	DefaultCount = 16
	TopicPrefix  = "chat.messages."
)

// Canonicalize normalizes a channel id before hashing so that the same channel
// always lands on the same shard regardless of case or padding.
func Canonicalize(channelID string) string {
	return strings.ToLower(strings.TrimSpace(channelID))
}

// For returns the shard carrying every notification of channelID.
func For(channelID string, count int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(Canonicalize(channelID)))
	return int(h.Sum64() % uint64(count))
}

func Topic(shard int) string {
	return fmt.Sprintf("%s%d", TopicPrefix, shard)
}

func TopicFor(channelID string, count int) string {
	return Topic(For(channelID, count))
}

func AllTopics(count int) []string {
	topics := make([]string, count)
	for i := range topics {
		topics[i] = Topic(i)
	}
	return topics
}

// Validate rejects shard counts that are not a positive power of two. The
// count is fixed for the lifetime of a deployment.
func Validate(count int) error {
	if count <= 0 || count&(count-1) != 0 {
		return fmt.Errorf("shard count must be a positive power of two, got %d", count)
	}
	return nil
}
