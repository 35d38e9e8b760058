package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maestro-chat/server/internal/agent/model"
	"github.com/maestro-chat/server/internal/agent/relay"
	"github.com/maestro-chat/server/internal/agent/session"
	errx "github.com/maestro-chat/server/internal/core/error"
	logx "github.com/maestro-chat/server/pkg/logger"
)

// maxRequestBodySize bounds a submitted message body (64KB).
const maxRequestBodySize = 64 << 10

// Factory creates the conversation backing a new session.
type Factory func(id string) (*session.Conversation, error)

type entry struct {
	conv   *session.Conversation
	ctx    context.Context // done when the session is dropped
	cancel context.CancelFunc
	// relayDone is closed once the relay has flushed and detached; nil
	// without a relay.
	relayDone chan struct{}
}

// Handler exposes conversations over HTTP. Each session owns exactly one
// conversation; the registry lives in memory.
type Handler struct {
	newConversation Factory
	relay           *relay.Relay

	mu       sync.RWMutex
	sessions map[string]*entry
	log      zerolog.Logger
}

type Option func(*Handler)

// WithRelay mirrors every session into Redis.
func WithRelay(r *relay.Relay) Option {
	return func(h *Handler) { h.relay = r }
}

func NewHandler(factory Factory, opts ...Option) *Handler {
	h := &Handler{
		newConversation: factory,
		sessions:        make(map[string]*entry),
		log:             logx.Component("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/messages", h.SubmitMessage)
			r.Delete("/error", h.DismissError)
			r.Post("/reset", h.ResetSession)
			r.Get("/events", h.StreamEvents)
			r.Get("/transcript", h.GetTranscript)
		})
	})
}

// CreateSession starts a conversation seeded with the persona greeting.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	conv, err := h.newConversation(id)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to create conversation")
		Error(w, http.StatusInternalServerError, errx.SystemErrorMessage)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{conv: conv, ctx: ctx, cancel: cancel}

	if h.relay != nil {
		e.relayDone = make(chan struct{})
		go func() {
			defer close(e.relayDone)
			h.relay.Run(ctx, conv)
		}()
	}

	h.mu.Lock()
	h.sessions[conv.ID()] = e
	h.mu.Unlock()

	h.log.Info().Str("conversation_id", conv.ID()).Msg("session created")
	JSON(w, http.StatusCreated, conv.Snapshot())
}

// GetSession returns the current snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, e.conv.Snapshot())
}

// DeleteSession drops the session. Exchanges in flight still complete but
// nothing observes them anymore.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	e, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if !ok {
		Error(w, http.StatusNotFound, errx.SessionNotFoundMessage)
		return
	}
	e.cancel()
	h.log.Info().Str("conversation_id", id).Msg("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	Accepted bool           `json:"accepted"`
	Session  model.Snapshot `json:"session"`
}

// SubmitMessage queues a user turn. Blank text is acknowledged with 200
// and leaves the conversation unchanged; accepted text returns 202 while
// the reply is produced in the background.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accepted := e.conv.Submit(r.Context(), req.Text)
	status := http.StatusOK
	if accepted {
		status = http.StatusAccepted
	}
	JSON(w, status, submitResponse{Accepted: accepted, Session: e.conv.Snapshot()})
}

// DismissError clears the error banner.
func (h *Handler) DismissError(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	e.conv.DismissError()
	JSON(w, http.StatusOK, e.conv.Snapshot())
}

// ResetSession restores the greeting-only history.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	e.conv.Reset()
	JSON(w, http.StatusOK, e.conv.Snapshot())
}

// GetTranscript reads the history mirrored in Redis. It is served even for
// sessions this process no longer holds.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		Error(w, http.StatusNotFound, "relay disabled")
		return
	}
	id := chi.URLParam(r, "id")
	msgs, err := h.relay.Transcript(r.Context(), id)
	if err != nil {
		var appErr *errx.AppError
		if errors.As(err, &appErr) {
			Error(w, appErr.Status, appErr.Message)
			return
		}
		Error(w, http.StatusInternalServerError, errx.SystemErrorMessage)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"messages":        msgs,
	})
}

// Close drops every session and waits for in-flight exchanges until ctx
// is done. Relays are stopped only after that, and Close returns once each
// has flushed the final state, so the Redis client can be closed next.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	entries := make([]*entry, 0, len(h.sessions))
	for id, e := range h.sessions {
		entries = append(entries, e)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		defer close(idle)
		for _, e := range entries {
			e.conv.Wait()
		}
	}()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, e := range entries {
		e.cancel()
	}
	// relay writes are bounded by their own timeout
	for _, e := range entries {
		if e.relayDone != nil {
			<-e.relayDone
		}
	}
	return err
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*entry, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	h.mu.RLock()
	e, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		Error(w, http.StatusNotFound, errx.SessionNotFoundMessage)
		return nil, false
	}
	return e, true
}
