package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/ndibernardo/chat-service/pkg/auth"
	"github.com/ndibernardo/chat-service/pkg/channel"
	"github.com/ndibernardo/chat-service/pkg/config"
	"github.com/ndibernardo/chat-service/pkg/db"
	"github.com/ndibernardo/chat-service/pkg/dispatch"
	"github.com/ndibernardo/chat-service/pkg/ingest"
	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/lookup"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/presence"
	"github.com/ndibernardo/chat-service/pkg/publish"
	"github.com/ndibernardo/chat-service/pkg/registry"
	"github.com/ndibernardo/chat-service/pkg/replica"
	"github.com/ndibernardo/chat-service/pkg/resolver"
	"github.com/ndibernardo/chat-service/pkg/shard"
	"github.com/ndibernardo/chat-service/pkg/snowflake"
	"github.com/ndibernardo/chat-service/pkg/stream"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHAT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "gateway")

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Server.RequireNodeID(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	session, err := db.NewSession(cfg.Cassandra, logger)
	if err != nil {
		return fmt.Errorf("connect to cassandra: %w", err)
	}
	defer session.Close()

	sqlDB, err := db.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	channels := channel.NewSQLStore(sqlDB)

	issuer, err := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.TTL)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	var lanes sync.WaitGroup

	// Replica: either the shared SQL table maintained by the replicator, or
	// an in-memory copy rebuilt from the start of the user stream on boot.
	var store replica.Store
	if cfg.Ingest.Embedded || cfg.Ingest.Replica == "memory" {
		mem := replica.NewMemoryStore()
		group := fmt.Sprintf("%s-%s-%d", cfg.Kafka.IngestGroup, hostname, time.Now().UnixNano())
		sources, err := stream.OpenKafkaSources(ctx, cfg.Kafka.Brokers, group, kafka.FirstOffset, cfg.Kafka.UserEventsTopic)
		if err != nil {
			return fmt.Errorf("open user event sources: %w", err)
		}
		ing := ingest.New(mem, ingest.Config{
			MaxAttempts: cfg.Ingest.MaxAttempts,
			Backoff:     cfg.Ingest.Backoff,
			Logger:      logger,
			Metrics:     m,
		})
		lanes.Add(1)
		go func() {
			defer lanes.Done()
			if err := ing.Run(ctx, sources); err != nil {
				logger.Error("embedded ingestor failed", "error", err)
			}
		}()
		store = mem
	} else {
		store = replica.NewSQLStore(sqlDB)
	}

	users, err := lookup.Dial(cfg.Lookup.Addr)
	if err != nil {
		return err
	}
	defer users.Close()

	names := resolver.New(store, users, resolver.Config{
		Timeout:         cfg.Resolver.Timeout,
		BackfillQueue:   cfg.Resolver.BackfillQueue,
		BackfillWorkers: cfg.Resolver.BackfillWorkers,
		Logger:          logger,
		Metrics:         m,
	})
	defer names.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	reg := registry.New(presence.New(rdb, hostname, logger).Hooks())

	// Every gateway instance sees every notification, so each one owns a
	// checkpoint group and starts from the live end of the shard topics.
	dispatchSources, err := stream.OpenKafkaSources(ctx, cfg.Kafka.Brokers,
		cfg.Kafka.DispatchGroup+"-"+hostname, kafka.LastOffset, shard.AllTopics(cfg.Kafka.Shards)...)
	if err != nil {
		return fmt.Errorf("open notification sources: %w", err)
	}
	dispatcher := dispatch.New(reg, names, dispatch.Config{
		DedupeTTL:   cfg.Dispatch.DedupeTTL,
		DedupeMax:   cfg.Dispatch.DedupeMax,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Backoff:     cfg.Dispatch.Backoff,
		Logger:      logger,
		Metrics:     m,
	})
	lanes.Add(1)
	go func() {
		defer lanes.Done()
		if err := dispatcher.Run(ctx, dispatchSources); err != nil {
			logger.Error("dispatcher failed", "error", err)
		}
	}()

	node, err := snowflake.NewNode(cfg.Server.NodeID)
	if err != nil {
		return err
	}
	sink := stream.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout)
	defer sink.Close()
	pub := publish.New(db.NewMessageStore(session), channels, sink, node, publish.Config{
		Shards:          cfg.Kafka.Shards,
		StoreTimeout:    cfg.Publish.StoreTimeout,
		EmitTimeout:     cfg.Publish.EmitTimeout,
		RedeliveryQueue: cfg.Publish.RedeliveryQueue,
		Backoff:         cfg.Publish.Backoff,
		Logger:          logger,
		Metrics:         m,
	})

	srv := NewServer(Options{
		Issuer:         issuer,
		Registry:       reg,
		Publisher:      pub,
		Channels:       channels,
		SendQueue:      cfg.Server.SendQueue,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		LookupTimeout:  cfg.Publish.StoreTimeout,
		Logger:         logger,
		Metrics:        m,
	})

	httpServer := &http.Server{Addr: cfg.Server.GatewayAddr, Handler: srv.Router()}
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metrics.Handler(promReg)}

	errc := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.GatewayAddr, "node_id", cfg.Server.NodeID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket drain incomplete", "error", err)
	}
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	lanes.Wait()
	if err := pub.Close(shutdownCtx); err != nil {
		logger.Warn("redelivery queue not drained", "error", err)
	}
	return runErr
}
