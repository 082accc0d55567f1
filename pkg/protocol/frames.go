// Package protocol defines the JSON frames exchanged over the chat websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server to client.
const (
	TypeConnected      = "connected"
	TypeSubscribed     = "subscribed"
	TypeUnsubscribed   = "unsubscribed"
	TypeNewMessage     = "new_message"
	TypeMessageDeleted = "message_deleted"
	TypeError          = "error"
	TypePong           = "pong"
)

// Inbound is any client frame. Fields not used by Type are empty.
type Inbound struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("malformed frame: %w", err)
	}
	switch in.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeSendMessage:
		if in.ChannelID == "" {
			return Inbound{}, fmt.Errorf("%s requires channel_id", in.Type)
		}
	case TypePing:
	case "":
		return Inbound{}, fmt.Errorf("frame type is required")
	default:
		return Inbound{}, fmt.Errorf("unknown frame type %q", in.Type)
	}
	return in, nil
}

type NewMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageDeleted struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// Status covers connected, subscribed, unsubscribed and pong.
type Status struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Outbound is the union a client decodes before switching on Type.
type Outbound struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func Encode(frame any) []byte {
	b, err := json.Marshal(frame)
	if err != nil {
		// Frames are plain structs; Marshal cannot fail on them.
		panic(fmt.Sprintf("protocol: encode %T: %v", frame, err))
	}
	return b
}

func ErrorFrame(msg string) []byte {
	return Encode(Error{Type: TypeError, Message: msg})
}
