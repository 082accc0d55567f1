package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ndibernardo/chat-service/pkg/auth"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/protocol"
	"github.com/ndibernardo/chat-service/pkg/registry"
)

// Publisher is the synchronous message ingestion path.
type Publisher interface {
	Publish(ctx context.Context, channelID, userID, content string) (model.Message, error)
}

type ChannelChecker interface {
	Exists(ctx context.Context, channelID string) (bool, error)
}

type Options struct {
	Issuer         *auth.Issuer
	Registry       *registry.Registry
	Publisher      Publisher
	Channels       ChannelChecker
	SendQueue      int
	AllowedOrigins []string
	// LookupTimeout bounds the channel existence check on subscribe.
	LookupTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Server accepts websocket connections and routes their frames.
type Server struct {
	issuer        *auth.Issuer
	registry      *registry.Registry
	publisher     Publisher
	channels      ChannelChecker
	sendQueue     int
	lookupTimeout time.Duration
	upgrader      websocket.Upgrader
	logger        *slog.Logger
	metrics       *metrics.Metrics

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 3 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	s := &Server{
		issuer:        opts.Issuer,
		registry:      opts.Registry,
		publisher:     opts.Publisher,
		channels:      opts.Channels,
		sendQueue:     opts.SendQueue,
		lookupTimeout: opts.LookupTimeout,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		clients:       make(map[*Client]struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/ws/{channelID}", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// serveWs handles websocket requests from the peer. /ws/{channelID}
// subscribes the connection to that channel right away.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	tokenString := auth.TokenFromRequest(r)
	if tokenString == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := s.issuer.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("rejected websocket token", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := mux.Vars(r)["channelID"]
	if channelID != "" {
		if err := s.checkChannel(r.Context(), channelID); err != nil {
			http.Error(w, errorMessage(err), statusFor(err))
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(s, conn, uuid.NewString(), claims.UserID, s.sendQueue)
	if !s.register(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client.reply(protocol.Encode(protocol.Status{Type: protocol.TypeConnected, ChannelID: channelID, UserID: claims.UserID}))
	if channelID != "" {
		s.registry.Subscribe(client, channelID)
	}

	go client.writePump()
	go client.readPump()
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.metrics.ActiveConnections.Inc()
	c.logger.Info("client connected")
	return true
}

func (s *Server) unregister(c *Client) {
	channels := s.registry.RemoveConnection(c.id)
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.ActiveConnections.Dec()
	c.logger.Info("client disconnected", "channels", len(channels))
	s.wg.Done()
}

func (s *Server) subscribe(ctx context.Context, c *Client, channelID string) error {
	if err := s.checkChannel(ctx, channelID); err != nil {
		return err
	}
	s.registry.Subscribe(c, channelID)
	return nil
}

func (s *Server) checkChannel(ctx context.Context, channelID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	ok, err := s.channels.Exists(ctx, channelID)
	if err != nil {
		return model.Transient("gateway.subscribe", err)
	}
	if !ok {
		return model.NotFoundf("gateway.subscribe", "channel %s not found", channelID)
	}
	return nil
}

// Shutdown sends every open socket a going-away close frame and waits for
// the connections to wind down or ctx to expire. New upgrades are refused.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
