package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ndibernardo/chat-service/pkg/auth"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/publish"
	"github.com/ndibernardo/chat-service/pkg/resolver"
	"github.com/ndibernardo/chat-service/pkg/snowflake"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

type ChannelStore interface {
	Create(ctx context.Context, ch model.Channel) (model.Channel, error)
	Get(ctx context.Context, id string) (model.Channel, error)
	ListPublic(ctx context.Context, limit, offset int) ([]model.Channel, error)
}

type History interface {
	Query(ctx context.Context, channelID string, before int64, limit int) ([]model.Message, error)
}

type Publisher interface {
	Publish(ctx context.Context, channelID, userID, content string) (model.Message, error)
	Delete(ctx context.Context, channelID string, messageID int64, userID string) error
}

type Names interface {
	ResolveUsername(ctx context.Context, userID string) resolver.Username
}

type Presence interface {
	Members(ctx context.Context, channelID string) ([]string, error)
}

type Handlers struct {
	Issuer    *auth.Issuer
	Channels  ChannelStore
	History   History
	Publisher Publisher
	Names     Names
	Presence  Presence
	// Timeout bounds every store call made on behalf of a request.
	Timeout time.Duration
	Logger  *slog.Logger
}

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type CreateChannelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

// MessageView is a stored message as the API renders it. Ids are strings so
// JavaScript clients keep full precision.
type MessageView struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"deleted,omitempty"`
}

type PresenceResponse struct {
	ChannelID string   `json:"channel_id"`
	Users     []string `json:"users"`
}

// Login issues a token for any user id. Development helper.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	token, err := h.Issuer.GenerateToken(req.UserID)
	if err != nil {
		h.Logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func (h *Handlers) CreateChannel(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = string(model.ChannelPublic)
	}

	ctx, cancel := h.storeContext(r)
	defer cancel()
	ch, err := h.Channels.Create(ctx, model.Channel{
		Name:        req.Name,
		Description: req.Description,
		Kind:        model.ChannelKind(req.Kind),
		CreatedBy:   userID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			h.fail(w, r, model.Validationf("api.channels", "offset must be a non-negative integer"))
			return
		}
	}

	ctx, cancel := h.storeContext(r)
	defer cancel()
	channels, err := h.Channels.ListPublic(ctx, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if channels == nil {
		channels = []model.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (h *Handlers) GetChannel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.storeContext(r)
	defer cancel()
	ch, err := h.Channels.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// ListMessages returns a page of messages newest first. before is a message id or
// an RFC3339 timestamp; the page holds messages strictly older than it.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	before, err := parseBefore(q.Get("before"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := h.storeContext(r)
	defer cancel()
	if _, err := h.Channels.Get(ctx, channelID); err != nil {
		h.fail(w, r, err)
		return
	}

	out := []MessageView{}
	if before != noneBefore {
		messages, err := h.History.Query(ctx, channelID, before, limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = h.render(r.Context(), messages)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.Publisher.Publish(r.Context(), mux.Vars(r)["id"], userID, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := h.render(r.Context(), []model.Message{msg})
	writeJSON(w, http.StatusCreated, views[0])
}

func (h *Handlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())
	vars := mux.Vars(r)
	messageID, err := strconv.ParseInt(vars["messageId"], 10, 64)
	if err != nil || messageID <= 0 {
		h.fail(w, r, model.Validationf("api.delete", "invalid message id %q", vars["messageId"]))
		return
	}

	if err := h.Publisher.Delete(r.Context(), vars["id"], messageID, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListPresence(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]

	ctx, cancel := h.storeContext(r)
	defer cancel()
	users, err := h.Presence.Members(ctx, channelID)
	if err != nil {
		h.fail(w, r, model.Transient("api.presence", err))
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, PresenceResponse{ChannelID: channelID, Users: users})
}

// render resolves each distinct author once.
func (h *Handlers) render(ctx context.Context, messages []model.Message) []MessageView {
	names := make(map[string]string)
	out := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		name, ok := names[m.UserID]
		if !ok {
			name = h.Names.ResolveUsername(ctx, m.UserID).String()
			names[m.UserID] = name
		}
		out = append(out, MessageView{
			ID:        m.IDString(),
			ChannelID: m.ChannelID,
			UserID:    m.UserID,
			Username:  name,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Deleted:   m.Deleted,
		})
	}
	return out
}

func (h *Handlers) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.Timeout)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, publicMessage(err))
}

// noneBefore marks a cursor earlier than any message id.
const noneBefore int64 = -1

func parseBefore(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if id <= 0 {
			return 0, model.Validationf("api.history", "before must be a positive message id")
		}
		return id, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, model.Validationf("api.history", "before must be a message id or an RFC3339 timestamp")
	}
	floor := snowflake.Floor(t)
	if floor == 0 {
		return noneBefore, nil
	}
	return floor, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, model.Validationf("api", "limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func statusFor(err error) int {
	if errors.Is(err, publish.ErrNotAuthor) {
		return http.StatusForbidden
	}
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

func publicMessage(err error) string {
	var e *model.Error
	switch model.KindOf(err) {
	case model.KindValidation, model.KindNotFound, model.KindConflict:
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return err.Error()
	case model.KindTransient:
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
