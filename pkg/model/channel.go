package model

import (
	"strings"
	"time"
)

const maxChannelNameLength = 100

type ChannelKind string

const (
	ChannelPublic  ChannelKind = "public"
	ChannelPrivate ChannelKind = "private"
	ChannelDirect  ChannelKind = "direct"
)

func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelPublic, ChannelPrivate, ChannelDirect:
		return true
	}
	return false
}

type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Kind        ChannelKind `json:"kind"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (c Channel) Validate() error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Validationf("channel", "name is required")
	}
	if len(name) > maxChannelNameLength {
		return Validationf("channel", "name exceeds %d bytes", maxChannelNameLength)
	}
	if !c.Kind.Valid() {
		return Validationf("channel", "unknown kind %q", c.Kind)
	}
	if c.CreatedBy == "" {
		return Validationf("channel", "created_by is required")
	}
	return nil
}
