package model

import (
	"strconv"
	"time"
)

// MaxContentLength is the largest message body accepted, in bytes.
const MaxContentLength = 4000

type Message struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// IDString renders the message id the way it travels on the wire.
func (m Message) IDString() string {
	return strconv.FormatInt(m.ID, 10)
}

type NotificationKind string

const (
	KindMessageSent    NotificationKind = "message_sent"
	KindMessageDeleted NotificationKind = "message_deleted"
)

// Notification is the envelope written to the channel's shard topic after a
// storage mutation succeeded.
type Notification struct {
	EventID   string           `json:"event_id"`
	Kind      NotificationKind `json:"event_type"`
	MessageID string           `json:"message_id"`
	ChannelID string           `json:"channel_id"`
	UserID    string           `json:"user_id"`
	Content   string           `json:"content,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func (n Notification) Validate() error {
	switch n.Kind {
	case KindMessageSent, KindMessageDeleted:
	default:
		return Validationf("notification", "unknown event_type %q", n.Kind)
	}
	if n.EventID == "" {
		return Validationf("notification", "event_id is required")
	}
	if n.ChannelID == "" {
		return Validationf("notification", "channel_id is required")
	}
	if n.MessageID == "" {
		return Validationf("notification", "message_id is required")
	}
	return nil
}
