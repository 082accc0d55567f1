// Command replicator keeps the shared SQL user replica in step with the user
// lifecycle topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/segmentio/kafka-go"

	"github.com/ndibernardo/chat-service/pkg/config"
	"github.com/ndibernardo/chat-service/pkg/db"
	"github.com/ndibernardo/chat-service/pkg/ingest"
	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/replica"
	"github.com/ndibernardo/chat-service/pkg/stream"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHAT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "replicator: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "replicator")

	if err := run(cfg, logger); err != nil {
		logger.Error("replicator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	sqlDB, err := db.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store := replica.NewSQLStore(sqlDB)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// The group checkpoint makes restarts resume where the last run stopped;
	// a fresh group replays the topic from the beginning.
	sources, err := stream.OpenKafkaSources(ctx, cfg.Kafka.Brokers, cfg.Kafka.IngestGroup, kafka.FirstOffset, cfg.Kafka.UserEventsTopic)
	if err != nil {
		return fmt.Errorf("open user event sources: %w", err)
	}

	ingestor := ingest.New(store, ingest.Config{
		MaxAttempts: cfg.Ingest.MaxAttempts,
		Backoff:     cfg.Ingest.Backoff,
		Logger:      logger,
		Metrics:     m,
	})

	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metrics.Handler(promReg)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("replicating user events", "topic", cfg.Kafka.UserEventsTopic, "lanes", len(sources), "group", cfg.Kafka.IngestGroup)
	runErr := ingestor.Run(ctx, sources)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return runErr
}
