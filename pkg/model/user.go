package model

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 32
)

// User is the denormalized replica record for one upstream user.
type User struct {
	ID        string    `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncedAt  time.Time `json:"synced_at"`
}

func ValidateUsername(name string) error {
	if len(name) < minUsernameLength || len(name) > maxUsernameLength {
		return Validationf("username", "length must be between %d and %d, got %d", minUsernameLength, maxUsernameLength, len(name))
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return Validationf("username", "invalid character %q", r)
		}
	}
	return nil
}

type LifecycleKind string

const (
	UserCreated LifecycleKind = "user_created"
	UserUpdated LifecycleKind = "user_updated"
	UserDeleted LifecycleKind = "user_deleted"
)

// LifecycleEvent is one entry of the user-service event stream.
type LifecycleEvent struct {
	EventID   string
	Kind      LifecycleKind
	UserID    string
	Username  string
	Timestamp time.Time
}

type lifecycleEnvelope struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DeletedAt time.Time `json:"deleted_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseLifecycleEvent decodes and validates one user-events record. Any error
// it returns is a validation error: the record can never be applied.
func ParseLifecycleEvent(payload []byte) (LifecycleEvent, error) {
	var in lifecycleEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return LifecycleEvent{}, &Error{Kind: KindValidation, Op: "lifecycle", Msg: "decode envelope", Err: err}
	}

	ev := LifecycleEvent{
		EventID:  strings.TrimSpace(in.EventID),
		UserID:   strings.TrimSpace(in.UserID),
		Username: in.Username,
	}
	switch strings.ToLower(strings.TrimSpace(in.EventType)) {
	case "user_created", "created":
		ev.Kind = UserCreated
		ev.Timestamp = firstNonZero(in.CreatedAt, in.UpdatedAt, in.Timestamp)
	case "user_updated", "updated":
		ev.Kind = UserUpdated
		ev.Timestamp = firstNonZero(in.UpdatedAt, in.Timestamp)
	case "user_deleted", "deleted":
		ev.Kind = UserDeleted
		ev.Timestamp = firstNonZero(in.DeletedAt, in.Timestamp)
	default:
		return LifecycleEvent{}, Validationf("lifecycle", "unknown event_type %q", in.EventType)
	}

	if ev.EventID == "" {
		return LifecycleEvent{}, Validationf("lifecycle", "event_id is required")
	}
	if ev.UserID == "" {
		return LifecycleEvent{}, Validationf("lifecycle", "user_id is required")
	}
	if ev.Timestamp.IsZero() {
		return LifecycleEvent{}, Validationf("lifecycle", "event %s has no timestamp", ev.EventID)
	}
	if ev.Kind != UserDeleted {
		if err := ValidateUsername(ev.Username); err != nil {
			return LifecycleEvent{}, err
		}
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
