package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ndibernardo/chat-service/pkg/config"
)

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "mysql", "root@/chat")
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported driver error, got %v", err)
	}
}

func TestOpenSQLite(t *testing.T) {
	conn, err := OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer conn.Close()

	var n int
	if err := conn.QueryRow(`SELECT $1 + $2`, 2, 3).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d", n)
	}
}

func TestClusterConsistency(t *testing.T) {
	c, err := newCluster(config.CassandraConfig{Hosts: []string{"localhost"}, Consistency: "LOCAL_QUORUM"})
	if err != nil {
		t.Fatalf("newCluster: %v", err)
	}
	if c.Consistency.String() != "LOCAL_QUORUM" {
		t.Fatalf("consistency = %s", c.Consistency)
	}
	if c.Timeout <= 0 {
		t.Fatal("default timeout not applied")
	}
	if _, err := newCluster(config.CassandraConfig{Consistency: "MOSTLY"}); err == nil {
		t.Fatal("expected error for unknown consistency")
	}
}

func TestCreateSchemaRejectsBadKeyspace(t *testing.T) {
	err := CreateSchema(context.Background(), config.CassandraConfig{Keyspace: "chat; DROP"}, 1)
	if err == nil || !strings.Contains(err.Error(), "invalid keyspace") {
		t.Fatalf("got %v", err)
	}
}
