package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndibernardo/chat-service/pkg/auth"
	"github.com/ndibernardo/chat-service/pkg/logging"
	"github.com/ndibernardo/chat-service/pkg/metrics"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/protocol"
	"github.com/ndibernardo/chat-service/pkg/registry"
)

type published struct {
	channelID, userID, content string
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
}

func (p *fakePublisher) Publish(_ context.Context, channelID, userID, content string) (model.Message, error) {
	if content == "fail" {
		return model.Message{}, model.Transient("publish.store", errors.New("cassandra down"))
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, model.Validationf("publish", "content is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{channelID, userID, content})
	return model.Message{ID: int64(len(p.calls)), ChannelID: channelID, UserID: userID, Content: content}, nil
}

func (p *fakePublisher) last() (published, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return published{}, 0
	}
	return p.calls[len(p.calls)-1], len(p.calls)
}

type channelSet map[string]bool

func (s channelSet) Exists(_ context.Context, id string) (bool, error) {
	if id == "broken" {
		return false, errors.New("db down")
	}
	return s[id], nil
}

type harness struct {
	srv    *Server
	reg    *registry.Registry
	pub    *fakePublisher
	issuer *auth.Issuer
	ts     *httptest.Server
	m      *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		reg:    registry.New(registry.Hooks{}),
		pub:    &fakePublisher{},
		issuer: issuer,
		m:      metrics.Discard(),
	}
	h.srv = NewServer(Options{
		Issuer:    issuer,
		Registry:  h.reg,
		Publisher: h.pub,
		Channels:  channelSet{"general": true, "random": true},
		SendQueue: 16,
		Logger:    logging.Discard(),
		Metrics:   h.m,
	})
	h.ts = httptest.NewServer(h.srv.Router())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) dial(t *testing.T, path, userID string) *websocket.Conn {
	t.Helper()
	token, err := h.issuer.GenerateToken(userID)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + path + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out protocol.Outbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return out
}

func send(t *testing.T, conn *websocket.Conn, frame protocol.Inbound) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestUpgradeRequiresValidToken(t *testing.T) {
	h := newHarness(t)
	base := "ws" + strings.TrimPrefix(h.ts.URL, "http")

	for _, url := range []string{base + "/ws", base + "/ws?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("%s: dial succeeded", url)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: resp = %+v", url, resp)
		}
	}
}

func TestUnknownPathChannelIsRejected(t *testing.T) {
	h := newHarness(t)
	token, _ := h.issuer.GenerateToken("U1")
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/nope?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v resp = %+v", err, resp)
	}
}

func TestConnectedGreetingAndPathSubscription(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws/general", "U1")

	got := read(t, conn)
	if got.Type != protocol.TypeConnected || got.ChannelID != "general" || got.UserID != "U1" {
		t.Fatalf("greeting = %+v", got)
	}
	if n := h.reg.Count("general"); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
}

func TestSubscribeUnsubscribeAndPing(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws", "U1")
	read(t, conn)

	send(t, conn, protocol.Inbound{Type: protocol.TypeSubscribe, ChannelID: "random"})
	if got := read(t, conn); got.Type != protocol.TypeSubscribed || got.ChannelID != "random" {
		t.Fatalf("subscribe reply = %+v", got)
	}
	if h.reg.Count("random") != 1 {
		t.Fatal("not registered")
	}

	send(t, conn, protocol.Inbound{Type: protocol.TypeSubscribe, ChannelID: "missing"})
	if got := read(t, conn); got.Type != protocol.TypeError || !strings.Contains(got.Message, "not found") {
		t.Fatalf("missing channel reply = %+v", got)
	}

	send(t, conn, protocol.Inbound{Type: protocol.TypePing})
	if got := read(t, conn); got.Type != protocol.TypePong {
		t.Fatalf("ping reply = %+v", got)
	}

	send(t, conn, protocol.Inbound{Type: protocol.TypeUnsubscribe, ChannelID: "random"})
	if got := read(t, conn); got.Type != protocol.TypeUnsubscribed {
		t.Fatalf("unsubscribe reply = %+v", got)
	}
	if h.reg.Count("random") != 0 {
		t.Fatal("still registered")
	}
}

func TestMalformedFrameGetsErrorFrame(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws", "U1")
	read(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatal(err)
	}
	if got := read(t, conn); got.Type != protocol.TypeError {
		t.Fatalf("reply = %+v", got)
	}
	// The connection stays usable.
	send(t, conn, protocol.Inbound{Type: protocol.TypePing})
	if got := read(t, conn); got.Type != protocol.TypePong {
		t.Fatalf("reply = %+v", got)
	}
}

func TestSendMessagePublishesAsAuthenticatedUser(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws", "U42")
	read(t, conn)

	send(t, conn, protocol.Inbound{Type: protocol.TypeSendMessage, ChannelID: "general", Content: "hello"})
	send(t, conn, protocol.Inbound{Type: protocol.TypePing})
	if got := read(t, conn); got.Type != protocol.TypePong {
		t.Fatalf("reply = %+v", got)
	}
	call, n := h.pub.last()
	if n != 1 || call != (published{"general", "U42", "hello"}) {
		t.Fatalf("publish calls = %d, last = %+v", n, call)
	}

	send(t, conn, protocol.Inbound{Type: protocol.TypeSendMessage, ChannelID: "general", Content: "fail"})
	if got := read(t, conn); got.Type != protocol.TypeError || strings.Contains(got.Message, "cassandra") {
		t.Fatalf("transient failure reply = %+v", got)
	}
	send(t, conn, protocol.Inbound{Type: protocol.TypeSendMessage, ChannelID: "general", Content: "   "})
	if got := read(t, conn); got.Type != protocol.TypeError || got.Message != "content is empty" {
		t.Fatalf("validation reply = %+v", got)
	}
}

func TestRegistryFramesReachSocket(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws/general", "U1")
	read(t, conn)

	frame := protocol.Encode(protocol.MessageDeleted{Type: protocol.TypeMessageDeleted, ID: "9", ChannelID: "general"})
	subs := h.reg.Snapshot("general")
	if len(subs) != 1 {
		t.Fatalf("snapshot = %d", len(subs))
	}
	if err := subs[0].Enqueue(frame); err != nil {
		t.Fatal(err)
	}
	if got := read(t, conn); got.Type != protocol.TypeMessageDeleted || got.ID != "9" {
		t.Fatalf("frame = %+v", got)
	}
}

func TestShutdownSendsGoingAway(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws/general", "U1")
	read(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- h.srv.Shutdown(ctx) }()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read err = %v", err)
	}
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.reg.Total() != 0 {
		t.Fatal("connection still registered")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Fatal("request without origin rejected")
	}
	req.Header.Set("Origin", "https://chat.example.com")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatal("foreign origin accepted")
	}
	if !originChecker([]string{"*"})(req) {
		t.Fatal("wildcard rejected")
	}
}
