package shard

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestForDeterministic(t *testing.T) {
	keys := []string{"general", "  General ", "550e8400-e29b-41d4-a716-446655440000", ""}
	for _, key := range keys {
		a := For(key, DefaultCount)
		b := For(key, DefaultCount)
		if a != b {
			t.Fatalf("shard should be deterministic for %q", key)
		}
		if a < 0 || a >= DefaultCount {
			t.Fatalf("shard out of range for %q: %d", key, a)
		}
	}
	if For("General", DefaultCount) != For(" general ", DefaultCount) {
		t.Fatal("canonical forms must share a shard")
	}
}

func TestForRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string) bool {
		p := For(s, DefaultCount)
		return p >= 0 && p < DefaultCount && TopicFor(s, DefaultCount) == Topic(p)
	}, cfg); err != nil {
		t.Fatalf("shard property failed: %v", err)
	}
}

func TestTopics(t *testing.T) {
	if got := Topic(3); got != "chat.messages.3" {
		t.Fatalf("Topic(3) = %q", got)
	}
	all := AllTopics(4)
	if len(all) != 4 || all[0] != "chat.messages.0" || all[3] != "chat.messages.3" {
		t.Fatalf("AllTopics(4) = %v", all)
	}
}

func TestValidate(t *testing.T) {
	for _, n := range []int{1, 2, 16, 64} {
		if err := Validate(n); err != nil {
			t.Fatalf("Validate(%d): %v", n, err)
		}
	}
	for _, n := range []int{0, -4, 3, 12} {
		if err := Validate(n); err == nil {
			t.Fatalf("Validate(%d) should fail", n)
		}
	}
}
