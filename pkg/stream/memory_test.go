package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKeyOrderAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4)
	key := []byte("channel-1")
	for _, v := range []string{"a", "b", "c"} {
		if err := m.Publish(ctx, "t", key, []byte(v)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	p := m.PartitionFor(key)
	src := m.Source("g", "t", p)
	first, err := src.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(first.Value) != "a" || first.Offset != 0 {
		t.Fatalf("first = %+v", first)
	}
	if err := src.Commit(ctx, first); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := m.Committed("g", "t", p); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}

	// An uncommitted record is redelivered to the next reader of the group.
	if _, err := src.Fetch(ctx); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	_ = src.Close()

	again := m.Source("g", "t", p)
	rec, err := again.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(rec.Value) != "b" {
		t.Fatalf("expected redelivery of b, got %q", rec.Value)
	}
}

func TestMemoryFetchBlocksUntilPublish(t *testing.T) {
	m := NewMemory(1)
	src := m.Source("g", "t", 0)

	got := make(chan Record, 1)
	go func() {
		rec, err := src.Fetch(context.Background())
		if err == nil {
			got <- rec
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.Publish(context.Background(), "t", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case rec := <-got:
		if string(rec.Value) != "v" {
			t.Fatalf("value = %q", rec.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not wake on publish")
	}
}

func TestMemoryFetchHonoursContextAndClose(t *testing.T) {
	m := NewMemory(1)
	src := m.Source("g", "t", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.Fetch(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	_ = m.Close()
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Publish(context.Background(), "t", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on publish, got %v", err)
	}
}
