package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("CHAT_KAFKA_SHARDS", "32")
	t.Setenv("CHAT_JWT_SECRET", "from-env")

	path := filepath.Join(t.TempDir(), "chat.yaml")
	content := []byte(`
server:
  node_id: 12
kafka:
  brokers: ["k1:9092", "k2:9092"]
  shards: 8
database:
  driver: sqlite
  dsn: file:replica.db
resolver:
  timeout: 250ms
ingest:
  backoff:
    initial_ms: 50
    max_ms: 1000
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Kafka.Shards != 32 {
		t.Fatalf("expected env override of shards, got %d", cfg.Kafka.Shards)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Fatalf("jwt secret = %q", cfg.JWT.Secret)
	}
	if cfg.Server.NodeID != 12 || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Resolver.Timeout != 250*time.Millisecond {
		t.Fatalf("resolver timeout = %v", cfg.Resolver.Timeout)
	}
	if cfg.Ingest.Backoff.InitialMs != 50 || cfg.Ingest.Backoff.Factor != 2 {
		t.Fatalf("ingest backoff = %+v", cfg.Ingest.Backoff)
	}
}

func TestLoadTOML(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "s")
	path := filepath.Join(t.TempDir(), "chat.toml")
	content := []byte(`
[server]
node_id = 3

[cassandra]
hosts = ["scylla:9042"]
keyspace = "chat_test"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Cassandra.Keyspace != "chat_test" || cfg.Cassandra.Hosts[0] != "scylla:9042" {
		t.Fatalf("cassandra = %+v", cfg.Cassandra)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kafka.Shards != 16 || cfg.Resolver.Timeout != 500*time.Millisecond {
		t.Fatalf("unexpected defaults: shards=%d timeout=%v", cfg.Kafka.Shards, cfg.Resolver.Timeout)
	}
	if cfg.Server.SendQueue != 256 || cfg.Kafka.UserEventsTopic != "user-events" {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "s")
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"shards not power of two", func(c *Config) { c.Kafka.Shards = 12 }, "kafka.shards"},
		{"node id out of range", func(c *Config) { c.Server.NodeID = 2048 }, "server.node_id"},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"missing secret", func(c *Config) { c.JWT.Secret = "" }, "jwt.secret"},
		{"bad backoff", func(c *Config) { c.Publish.Backoff.Factor = 0.5 }, "publish.backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Kafka.Brokers = append([]string(nil), base.Kafka.Brokers...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestNodeIDMustBeExplicit(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.NodeID != UnsetNodeID {
		t.Fatalf("node id defaulted to %d", cfg.Server.NodeID)
	}
	if err := cfg.Server.RequireNodeID(); err == nil || !strings.Contains(err.Error(), "server.node_id") {
		t.Fatalf("RequireNodeID() = %v", err)
	}

	t.Setenv("CHAT_SERVER_NODE_ID", "7")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.NodeID != 7 || cfg.Server.RequireNodeID() != nil {
		t.Fatalf("node id = %d", cfg.Server.NodeID)
	}

	cfg.Server.NodeID = -5
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "server.node_id") {
		t.Fatalf("Validate() = %v", err)
	}
}
