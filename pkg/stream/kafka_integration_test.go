package stream

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Requires Docker and CHAT_KAFKA_IT=1. Redpanda advertises 127.0.0.1:9092, so
// the host port must be free for the mapped listener to match.
func TestKafkaRoundTripIntegration(t *testing.T) {
	if os.Getenv("CHAT_KAFKA_IT") == "" {
		t.Skip("set CHAT_KAFKA_IT=1 to run against a redpanda container")
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092:9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	brokers := []string{fmt.Sprintf("%s:%s", host, port.Port())}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	err = conn.CreateTopics(kafka.TopicConfig{Topic: "chat.messages.0", NumPartitions: 1, ReplicationFactor: 1})
	_ = conn.Close()
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}

	sink := NewKafkaSink(brokers, 5*time.Second)
	defer sink.Close()

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	for _, v := range []string{"one", "two"} {
		if err := sink.Publish(runCtx, "chat.messages.0", []byte("general"), []byte(v)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	sources, err := OpenKafkaSources(runCtx, brokers, "chat-it", kafka.FirstOffset, "chat.messages.0")
	if err != nil {
		t.Fatalf("open sources: %v", err)
	}
	src := sources[0]
	first, err := src.Fetch(runCtx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(first.Value) != "one" {
		t.Fatalf("first = %q", first.Value)
	}
	if err := src.Commit(runCtx, first); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = src.Close()

	resumed, err := OpenKafkaSource(runCtx, KafkaSourceConfig{Brokers: brokers, Topic: "chat.messages.0", GroupID: "chat-it", StartOffset: kafka.FirstOffset})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer resumed.Close()
	next, err := resumed.Fetch(runCtx)
	if err != nil {
		t.Fatalf("fetch after resume: %v", err)
	}
	if string(next.Value) != "two" {
		t.Fatalf("expected to resume after checkpoint, got %q", next.Value)
	}
}
