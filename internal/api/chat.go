package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/montana-relay/internal/chat"
	"github.com/ashureev/montana-relay/internal/conversation"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/identity"
)

const maxMessageBody = 64 << 10

// ChatHandler serves conversations, messages and the usage gate.
type ChatHandler struct {
	svc    *chat.Service
	logger *slog.Logger
}

// NewChatHandler creates a chat handler. A nil logger uses slog.Default().
func NewChatHandler(svc *chat.Service, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the chat API routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", h.CreateConversation)
		r.Get("/{id}", h.GetConversation)
		r.Post("/{id}/messages", h.PostMessage)
	})
	r.Get("/api/gate", h.GateStatus)
	r.Post("/api/gate/unlock", h.Unlock)
}

// CreateConversation starts a conversation for the calling client.
func (h *ChatHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	conv := h.svc.StartConversation(identity.ClientIDFromContext(r.Context()))
	JSON(w, http.StatusCreated, conv)
}

// GetConversation returns one conversation of the calling client.
func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Conversation(identity.ClientIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	JSON(w, http.StatusOK, conv)
}

type messageRequest struct {
	Text string `json:"text"`
}

type sendErrorResponse struct {
	Error string       `json:"error"`
	Gate  *gate.Status `json:"gate,omitempty"`
}

// PostMessage sends a message and returns the reply. Clients asking for
// text/event-stream (or ?stream=true) get "delta" events followed by a
// final "message" event.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := identity.ClientIDFromContext(ctx)
	convID := chi.URLParam(r, "id")

	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if wantsStream(r) {
		h.streamMessage(w, r, clientID, convID, req.Text)
		return
	}

	reply, err := h.svc.Send(ctx, clientID, convID, req.Text, nil)
	if err != nil {
		h.sendError(w, err, reply)
		return
	}
	JSON(w, http.StatusOK, reply)
}

func (h *ChatHandler) streamMessage(w http.ResponseWriter, r *http.Request, clientID, convID, text string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Headers are sent with the first event so that rejections before the
	// upstream call still get a plain status code.
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}
	event := func(name string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			h.logger.Warn("failed to serialize SSE event", "event", name, "error", err)
			return
		}
		start()
		if err := writeSSE(w, name, string(data)); err != nil {
			h.logger.Debug("failed to write SSE event", "event", name, "error", err)
			return
		}
		flusher.Flush()
	}

	reply, err := h.svc.Send(r.Context(), clientID, convID, text, func(delta string) {
		event("delta", map[string]string{"text": delta})
	})
	if err != nil {
		if !started {
			h.sendError(w, err, reply)
			return
		}
		h.logger.Error("chat send failed mid-stream", "client_id", clientID, "error", err)
		event("error", sendErrorResponse{Error: err.Error()})
		return
	}
	event("message", reply)
}

func (h *ChatHandler) sendError(w http.ResponseWriter, err error, reply chat.Reply) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrBlocked):
		JSON(w, http.StatusTooManyRequests, sendErrorResponse{Error: err.Error(), Gate: &reply.Gate})
	case errors.Is(err, chat.ErrBusy):
		JSON(w, http.StatusConflict, sendErrorResponse{Error: err.Error(), Gate: &reply.Gate})
	default:
		h.logger.Error("chat send failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to send message")
	}
}

// GateStatus reports the usage gate of the calling client.
func (h *ChatHandler) GateStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), identity.ClientIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("gate status failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load gate status")
		return
	}
	JSON(w, http.StatusOK, status)
}

type unlockRequest struct {
	Secret string `json:"secret"`
}

// Unlock lifts the usage gate of the calling client.
func (h *ChatHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := h.svc.Unlock(r.Context(), identity.ClientIDFromContext(r.Context()), req.Secret)
	if errors.Is(err, gate.ErrInvalidSecret) {
		JSON(w, http.StatusForbidden, sendErrorResponse{Error: err.Error(), Gate: &status})
		return
	}
	if err != nil {
		h.logger.Error("gate unlock failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to unlock")
		return
	}
	JSON(w, http.StatusOK, status)
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
