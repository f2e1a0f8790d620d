// Package completion implements the client for an OpenAI-compatible chat
// completion endpoint. It returns the raw HTTP response so callers can
// aggregate buffered and streamed bodies alike.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/montana-relay/internal/domain"
)

// Defaults applied when the configuration leaves a value unset.
const (
	DefaultBaseURL   = "https://api.deepseek.com"
	DefaultModel     = "deepseek-chat"
	DefaultMaxTokens = 1024
	DefaultTimeout   = 60 * time.Second
)

// Message is one turn in the request history.
type Message struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// Request is the body posted to the completion endpoint.
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Config holds the endpoint location and credentials.
type Config struct {
	// URL is the full endpoint URL. When empty it is derived from BaseURL.
	URL     string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client posts chat requests to the configured endpoint.
type Client struct {
	url    string
	apiKey string
	hc     *http.Client
}

// New creates a client. The timeout bounds the whole exchange including
// reading a streamed body.
func New(cfg Config) *Client {
	url := cfg.URL
	if url == "" {
		base := cfg.BaseURL
		if base == "" {
			base = DefaultBaseURL
		}
		url = strings.TrimRight(base, "/") + "/chat/completions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:    url,
		apiKey: cfg.APIKey,
		hc:     &http.Client{Timeout: timeout},
	}
}

// HasCredentials reports whether an API key is configured.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Complete sends req and returns the response unread. The caller must close the body.
// Non-2xx statuses are not errors here; only transport failures are.
func (c *Client) Complete(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send completion request: %w", err)
	}
	return resp, nil
}

// FromHistory maps stored messages to neutral-role turns, optionally led by a system prompt,
// and appends the new user text.
func FromHistory(systemPrompt string, history []domain.Message, text string) []Message {
	msgs := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: domain.RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, Message{Role: m.Role(), Content: m.Text})
	}
	return append(msgs, Message{Role: domain.RoleUser, Content: text})
}
