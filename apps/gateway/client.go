package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/protocol"
	"github.com/ndibernardo/chat-service/pkg/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Client is a middleman between the websocket connection and the registry.
// It implements registry.Subscriber.
type Client struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	id     string
	userID string

	// Buffered channel of outbound frames. Never closed; done signals the
	// writer instead so Enqueue cannot race a close.
	send chan []byte

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}
}

func newClient(srv *Server, conn *websocket.Conn, id, userID string, queue int) *Client {
	return &Client{
		srv:    srv,
		conn:   conn,
		logger: srv.logger.With("conn_id", id, "user_id", userID),
		id:     id,
		userID: userID,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return registry.ErrQueueFull
	}
}

// Disconnect asks the writer to send a close frame and tear the socket down.
// Only the first call has an effect.
func (c *Client) Disconnect(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode, c.closeReason = code, reason
	close(c.done)
}

// reply queues a frame for this client, closing it if it cannot keep up.
func (c *Client) reply(frame []byte) {
	if err := c.Enqueue(frame); errors.Is(err, registry.ErrQueueFull) {
		c.srv.metrics.SlowDisconnects.Inc()
		c.Disconnect(websocket.CloseTryAgainLater, "send queue full")
	}
}

// readPump pumps frames from the websocket connection to the server.
func (c *Client) readPump() {
	defer func() {
		c.srv.unregister(c)
		c.Disconnect(websocket.CloseNormalClosure, "")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		// Any inbound frame is proof of life.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		in, err := protocol.ParseInbound(message)
		if err != nil {
			c.reply(protocol.ErrorFrame(err.Error()))
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in protocol.Inbound) {
	switch in.Type {
	case protocol.TypePing:
		c.reply(protocol.Encode(protocol.Status{Type: protocol.TypePong}))

	case protocol.TypeSubscribe:
		if err := c.srv.subscribe(context.Background(), c, in.ChannelID); err != nil {
			c.reply(protocol.ErrorFrame(errorMessage(err)))
			return
		}
		c.reply(protocol.Encode(protocol.Status{Type: protocol.TypeSubscribed, ChannelID: in.ChannelID}))

	case protocol.TypeUnsubscribe:
		c.srv.registry.Unsubscribe(c.id, in.ChannelID)
		c.reply(protocol.Encode(protocol.Status{Type: protocol.TypeUnsubscribed, ChannelID: in.ChannelID}))

	case protocol.TypeSendMessage:
		// The sender receives its own message through dispatch like everyone
		// else, so there is no acknowledgement frame.
		if _, err := c.srv.publisher.Publish(context.Background(), in.ChannelID, c.userID, in.Content); err != nil {
			c.logger.Debug("publish rejected", "channel_id", in.ChannelID, "error", err)
			c.reply(protocol.ErrorFrame(errorMessage(err)))
		}
	}
}

// writePump pumps frames from the send queue to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Disconnect(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Disconnect(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(code, reason)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}

// errorMessage is the text sent to the client in an error frame.
func errorMessage(err error) string {
	var e *model.Error
	switch model.KindOf(err) {
	case model.KindValidation, model.KindNotFound, model.KindConflict:
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return err.Error()
	case model.KindTransient:
		return "temporarily unavailable, try again"
	default:
		return "internal error"
	}
}
