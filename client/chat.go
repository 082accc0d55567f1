package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndibernardo/chat-service/pkg/protocol"
)

// parseLine turns one line of user input into a frame. /join, /leave and
// /switch change channels; anything else is sent to current. quit reports
// /quit.
func parseLine(line, current string) (frame *protocol.Inbound, next string, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, current, false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return nil, current, true
	case "/ping":
		return &protocol.Inbound{Type: protocol.TypePing}, current, false
	case "/join":
		if arg == "" {
			return nil, current, false
		}
		return &protocol.Inbound{Type: protocol.TypeSubscribe, ChannelID: arg}, arg, false
	case "/leave":
		if arg == "" {
			arg = current
		}
		return &protocol.Inbound{Type: protocol.TypeUnsubscribe, ChannelID: arg}, current, false
	case "/switch":
		if arg == "" {
			return nil, current, false
		}
		return nil, arg, false
	}
	return &protocol.Inbound{Type: protocol.TypeSendMessage, ChannelID: current, Content: line}, current, false
}

// render formats a server frame for the terminal. Empty means print nothing.
func render(out protocol.Outbound) string {
	switch out.Type {
	case protocol.TypeNewMessage:
		return fmt.Sprintf("[%s] #%s %s: %s", out.Timestamp.Local().Format("15:04:05"), out.ChannelID, out.Username, out.Content)
	case protocol.TypeMessageDeleted:
		return fmt.Sprintf("#%s message %s was deleted", out.ChannelID, out.ID)
	case protocol.TypeConnected:
		if out.ChannelID != "" {
			return fmt.Sprintf("connected as %s to #%s", out.UserID, out.ChannelID)
		}
		return fmt.Sprintf("connected as %s", out.UserID)
	case protocol.TypeSubscribed:
		return "joined #" + out.ChannelID
	case protocol.TypeUnsubscribed:
		return "left #" + out.ChannelID
	case protocol.TypePong:
		return "pong"
	case protocol.TypeError:
		return "error: " + out.Message
	}
	return ""
}

func chat(ctx context.Context, opts *options, channelID string, in io.Reader, w io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	log.Printf("Logging in as %s...", opts.userID)
	token, err := login(opts.apiAddr, opts.userID)
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: opts.gatewayAddr, Path: "/ws/" + channelID}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer c.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			var out protocol.Outbound
			if err := c.ReadJSON(&out); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Println("read:", err)
				}
				return
			}
			if line := render(out); line != "" {
				fmt.Fprintf(w, "\r%s\n> ", line)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	current := channelID
	fmt.Fprint(w, "> ")
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return closeConn(c, done)
		case line, ok := <-lines:
			if !ok {
				return closeConn(c, done)
			}
			frame, next, quit := parseLine(line, current)
			if quit {
				return closeConn(c, done)
			}
			current = next
			if frame == nil {
				fmt.Fprint(w, "> ")
				continue
			}
			payload, _ := json.Marshal(frame)
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// closeConn sends a close frame and waits, with a timeout, for the server to
// close the connection.
func closeConn(c *websocket.Conn, done <-chan struct{}) error {
	err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return fmt.Errorf("write close: %w", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
