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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ndibernardo/chat-service/pkg/auth"
	"github.com/ndibernardo/chat-service/pkg/channel"
	"github.com/ndibernardo/chat-service/pkg/config"
	"github.com/ndibernardo/chat-service/pkg/db"
	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/lookup"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/presence"
	"github.com/ndibernardo/chat-service/pkg/publish"
	"github.com/ndibernardo/chat-service/pkg/replica"
	"github.com/ndibernardo/chat-service/pkg/resolver"
	"github.com/ndibernardo/chat-service/pkg/snowflake"
	"github.com/ndibernardo/chat-service/pkg/stream"
)

// NewRouter mounts the REST API. /login and /metrics are public; everything
// under /api requires a bearer token.
func NewRouter(h *Handlers, m *metrics.Metrics, gatherer prometheus.Gatherer, origins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware(m))

	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler(gatherer)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(h.Issuer, h.Logger))
	api.HandleFunc("/channels", h.CreateChannel).Methods(http.MethodPost)
	api.HandleFunc("/channels", h.ListChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}", h.GetChannel).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/messages", h.PostMessage).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/messages/{messageId}", h.DeleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/channels/{id}/users", h.ListPresence).Methods(http.MethodGet)

	// CORS wraps the router so preflight requests answer before route matching.
	return CORSMiddleware(origins)(r)
}

func main() {
	cfg, err := config.Load(os.Getenv("CHAT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "api")

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
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
	messages := db.NewMessageStore(session)

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

	users, err := lookup.Dial(cfg.Lookup.Addr)
	if err != nil {
		return err
	}
	defer users.Close()
	names := resolver.New(replica.NewSQLStore(sqlDB), users, resolver.Config{
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

	node, err := snowflake.NewNode(cfg.Server.NodeID)
	if err != nil {
		return err
	}
	sink := stream.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout)
	defer sink.Close()
	pub := publish.New(messages, channels, sink, node, publish.Config{
		Shards:          cfg.Kafka.Shards,
		StoreTimeout:    cfg.Publish.StoreTimeout,
		EmitTimeout:     cfg.Publish.EmitTimeout,
		RedeliveryQueue: cfg.Publish.RedeliveryQueue,
		Backoff:         cfg.Publish.Backoff,
		Logger:          logger,
		Metrics:         m,
	})

	h := &Handlers{
		Issuer:    issuer,
		Channels:  channels,
		History:   messages,
		Publisher: pub,
		Names:     names,
		Presence:  presence.New(rdb, "", logger),
		Timeout:   cfg.Publish.StoreTimeout,
		Logger:    logging.Component(logger, "http"),
	}
	server := &http.Server{Addr: cfg.Server.APIAddr, Handler: NewRouter(h, m, promReg, cfg.Server.AllowedOrigins)}

	errc := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Server.APIAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := pub.Close(shutdownCtx); err != nil {
		logger.Warn("redelivery queue not drained", "error", err)
	}
	return runErr
}
