package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/montana-relay/internal/chat"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/identity"
)

// Client frame types.
const (
	frameSend   = "send"
	frameUnlock = "unlock"
	frameStatus = "status"
)

// Server frame types.
const (
	frameDelta   = "delta"
	frameMessage = "message"
	frameError   = "error"
)

type wsClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

type wsServerFrame struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Text           string       `json:"text,omitempty"`
	Reply          *chat.Reply  `json:"reply,omitempty"`
	Gate           *gate.Status `json:"gate,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// WebSocketHandler serves /ws/chat. Each send runs concurrently so that a
// second send to a conversation with a reply outstanding is rejected
// rather than queued.
type WebSocketHandler struct {
	svc            *chat.Service
	originPatterns []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a websocket handler. allowedOrigins may be
// full origins ("https://app.example") or host patterns; "*" allows any.
func NewWebSocketHandler(svc *chat.Service, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if strings.Contains(o, "://") {
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				o = u.Host
			}
		}
		patterns = append(patterns, o)
	}
	return &WebSocketHandler{svc: svc, originPatterns: patterns, logger: logger}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var frame wsClientFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "client_id", clientID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "client_id", clientID)
			}
			return
		}

		switch frame.Type {
		case frameSend:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.send(ctx, ws, clientID, frame)
			}()
		case frameUnlock:
			status, err := h.svc.Unlock(ctx, clientID, frame.Secret)
			if err != nil {
				h.write(ctx, ws, wsServerFrame{Type: frameError, Error: err.Error(), Gate: &status})
				continue
			}
			h.write(ctx, ws, wsServerFrame{Type: frameStatus, Gate: &status})
		case frameStatus:
			status, err := h.svc.Status(ctx, clientID)
			if err != nil {
				h.write(ctx, ws, wsServerFrame{Type: frameError, Error: "failed to load gate status"})
				continue
			}
			h.write(ctx, ws, wsServerFrame{Type: frameStatus, Gate: &status})
		default:
			h.write(ctx, ws, wsServerFrame{Type: frameError, Error: "unknown frame type " + frame.Type})
		}
	}
}

func (h *WebSocketHandler) send(ctx context.Context, ws *websocket.Conn, clientID string, frame wsClientFrame) {
	convID := frame.ConversationID
	reply, err := h.svc.Send(ctx, clientID, convID, frame.Text, func(delta string) {
		h.write(ctx, ws, wsServerFrame{Type: frameDelta, ConversationID: convID, Text: delta})
	})
	if err != nil {
		out := wsServerFrame{Type: frameError, ConversationID: convID, Error: err.Error()}
		if errors.Is(err, chat.ErrBlocked) || errors.Is(err, chat.ErrBusy) {
			out.Gate = &reply.Gate
		}
		h.write(ctx, ws, out)
		return
	}
	h.write(ctx, ws, wsServerFrame{Type: frameMessage, ConversationID: convID, Reply: &reply})
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, frame wsServerFrame) {
	if err := wsjson.Write(ctx, ws, frame); err != nil {
		h.logger.Debug("WebSocket write failed", "type", frame.Type, "error", err)
	}
}
