// Package proxy implements the /api/chat relay: it forwards a message list
// to the completion endpoint with the persona prompt prepended and returns
// either a {success,data} envelope or the upstream event stream unchanged.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/montana-relay/internal/aggregate"
	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/domain"
	"github.com/ashureev/montana-relay/internal/metrics"
)

// Upstream is the completion endpoint the relay forwards to.
type Upstream interface {
	Complete(ctx context.Context, req completion.Request) (*http.Response, error)
	HasCredentials() bool
}

// Options shapes relayed requests.
type Options struct {
	Model          string
	SystemPrompt   string
	Temperature    *float64
	MaxTokens      int
	MaxRequestBody int64
}

// Request is the body accepted by the relay.
type Request struct {
	Messages []completion.Message `json:"messages"`
	Stream   bool                 `json:"stream,omitempty"`
}

// Envelope is the buffered relay response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Relay handles POST /api/chat.
type Relay struct {
	upstream Upstream
	agg      *aggregate.Aggregator
	opts     Options
	logger   *slog.Logger
}

// New creates a relay. A nil logger uses slog.Default().
func New(upstream Upstream, opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRequestBody <= 0 {
		opts.MaxRequestBody = 1 << 20
	}
	return &Relay{
		upstream: upstream,
		agg:      aggregate.New(logger),
		opts:     opts,
		logger:   logger,
	}
}

func (h *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reply(w, "buffered", http.StatusMethodNotAllowed, Envelope{Error: "method not allowed, use POST"})
		return
	}
	if !h.upstream.HasCredentials() {
		h.logger.Error("relay called without an upstream API key")
		h.reply(w, "buffered", http.StatusInternalServerError, Envelope{Error: "server misconfigured: API key not set"})
		return
	}

	req, err := h.decode(w, r)
	if err != nil {
		h.reply(w, "buffered", http.StatusBadRequest, Envelope{Error: err.Error()})
		return
	}

	upstreamReq := completion.Request{
		Model:       h.opts.Model,
		Messages:    h.withSystemPrompt(req.Messages),
		Temperature: h.opts.Temperature,
		MaxTokens:   h.opts.MaxTokens,
		Stream:      req.Stream,
	}
	resp, err := h.upstream.Complete(r.Context(), upstreamReq)
	if err != nil {
		h.logger.Warn("relay upstream call failed", "error", err)
		h.reply(w, mode(req.Stream), http.StatusBadGateway, Envelope{Error: domain.TransportFailText})
		return
	}

	if req.Stream && resp.StatusCode < 300 && aggregate.IsEventStream(resp.Header.Get("Content-Type")) {
		h.passthrough(w, resp)
		return
	}
	h.buffered(w, mode(req.Stream), resp)
}

var (
	errInvalidBody     = errors.New("invalid request body or missing messages array")
	errEmptyMessages   = errors.New("messages must not be empty")
	errRequestTooLarge = errors.New("request body too large")
)

func (h *Relay) decode(w http.ResponseWriter, r *http.Request) (Request, error) {
	var raw struct {
		Messages json.RawMessage `json:"messages"`
		Stream   bool            `json:"stream"`
	}
	body := http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBody)
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Request{}, errRequestTooLarge
		}
		return Request{}, errInvalidBody
	}

	var msgs []completion.Message
	if len(raw.Messages) == 0 || raw.Messages[0] != '[' {
		return Request{}, errInvalidBody
	}
	if err := json.Unmarshal(raw.Messages, &msgs); err != nil {
		return Request{}, errInvalidBody
	}
	if len(msgs) == 0 {
		return Request{}, errEmptyMessages
	}
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		default:
			return Request{}, errors.New("unsupported message role " + strconv.Quote(string(m.Role)))
		}
	}
	return Request{Messages: msgs, Stream: raw.Stream}, nil
}

func (h *Relay) withSystemPrompt(msgs []completion.Message) []completion.Message {
	if h.opts.SystemPrompt == "" {
		return msgs
	}
	out := make([]completion.Message, 0, len(msgs)+1)
	out = append(out, completion.Message{Role: domain.RoleSystem, Content: h.opts.SystemPrompt})
	return append(out, msgs...)
}

func (h *Relay) buffered(w http.ResponseWriter, mode string, resp *http.Response) {
	status := resp.StatusCode
	result := h.agg.Aggregate(resp, nil)
	if result.Success {
		h.reply(w, mode, http.StatusOK, Envelope{Success: true, Data: result.Text})
		return
	}
	if status < 300 {
		status = http.StatusBadGateway
	}
	h.reply(w, mode, status, Envelope{Error: result.Text})
}

// passthrough copies the upstream event stream to the client, flushing
// after every read.
func (h *Relay) passthrough(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.reply(w, "stream", http.StatusInternalServerError, Envelope{Error: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", aggregate.EventStreamType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	metrics.RelayRequests.WithLabelValues("stream", "200").Inc()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				h.logger.Warn("relay client went away", "error", writeErr)
				return
			}
			flusher.Flush()
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			h.logger.Warn("relay upstream stream interrupted", "error", err)
			return
		}
	}
}

func (h *Relay) reply(w http.ResponseWriter, mode string, status int, env Envelope) {
	metrics.RelayRequests.WithLabelValues(mode, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Warn("failed to encode relay response", "error", err)
	}
}

func mode(stream bool) string {
	if stream {
		return "stream"
	}
	return "buffered"
}
