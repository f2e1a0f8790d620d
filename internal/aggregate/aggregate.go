// Package aggregate turns a raw completion endpoint response into a single
// logical reply. It understands buffered JSON bodies, the relay's
// {success,data} envelope, and text/event-stream bodies made of
// "data: {...}" records terminated by "data: [DONE]".
package aggregate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/montana-relay/internal/domain"
	"github.com/ashureev/montana-relay/internal/metrics"
)

const (
	// EventStreamType is the content type of incremental replies.
	EventStreamType = "text/event-stream"
	// DoneSentinel terminates an event stream.
	DoneSentinel = "[DONE]"

	dataPrefix = "data:"

	// maxErrorDetail bounds raw error bodies echoed into user-visible text.
	maxErrorDetail = 100
	// maxBodySize bounds buffered reads.
	maxBodySize = 4 << 20
)

// DeltaFunc receives reply text as it is reassembled, in arrival order.
type DeltaFunc func(delta string)

// Aggregator reads completion responses.
type Aggregator struct {
	logger *slog.Logger
}

// New creates an aggregator. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger}
}

// IsEventStream reports whether a Content-Type header marks an event stream.
func IsEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), EventStreamType)
}

// Aggregate consumes and closes resp.Body exactly once and returns the normalized result.
// onDelta may be nil.
func (a *Aggregator) Aggregate(resp *http.Response, onDelta DeltaFunc) domain.CompletionResult {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return a.upstreamError(resp)
	}
	if IsEventStream(resp.Header.Get("Content-Type")) {
		return a.stream(resp.Body, onDelta)
	}
	return a.buffered(resp.Body, onDelta)
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type completionBody struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`

	// Relay envelope.
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

func (a *Aggregator) stream(body io.Reader, onDelta DeltaFunc) domain.CompletionResult {
	r := bufio.NewReader(body)
	var reply strings.Builder
	deltas := 0

	for {
		line, err := r.ReadString('\n')
		if line != "" {
			delta, done := a.record(line)
			if done {
				break
			}
			if delta != "" {
				deltas++
				reply.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.logger.Warn("event stream read failed", "error", err, "deltas", deltas)
			return domain.Failed(domain.ErrorKindTransport, domain.TransportFailText)
		}
	}

	metrics.StreamDeltas.Add(float64(deltas))
	return domain.Succeeded(reply.String())
}

// record extracts the text delta of one stream line. Lines that are not data
// records and malformed payloads yield an empty delta; done reports the
// terminating sentinel.
func (a *Aggregator) record(line string) (delta string, done bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if data == DoneSentinel {
		return "", true
	}
	if data == "" {
		return "", false
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		metrics.StreamRecordsSkipped.Inc()
		a.logger.Warn("skipping malformed stream record", "error", err, "record", truncate(data, maxErrorDetail))
		return "", false
	}
	if chunk.Error != nil {
		metrics.StreamRecordsSkipped.Inc()
		a.logger.Warn("stream record carried an error", "message", chunk.Error.Message, "type", chunk.Error.Type)
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, false
}

func (a *Aggregator) buffered(body io.Reader, onDelta DeltaFunc) domain.CompletionResult {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodySize))
	if err != nil {
		a.logger.Warn("completion body read failed", "error", err)
		return domain.Failed(domain.ErrorKindTransport, domain.TransportFailText)
	}

	var parsed completionBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		a.logger.Warn("completion body is not valid JSON", "error", err, "body", truncate(string(raw), maxErrorDetail))
		return domain.Failed(domain.ErrorKindAggregation, domain.AggregationFailText)
	}

	var text string
	switch {
	case parsed.Choices == nil && parsed.Success != nil:
		if !*parsed.Success {
			detail := truncate(errorDetail(parsed.Error), maxErrorDetail)
			if detail == "" {
				detail = "request failed"
			}
			return domain.Failed(domain.ErrorKindUpstream, detail)
		}
		if len(parsed.Data) > 0 && string(parsed.Data) != "null" {
			if err := json.Unmarshal(parsed.Data, &text); err != nil {
				a.logger.Warn("relay envelope data is not a string", "error", err)
				return domain.Failed(domain.ErrorKindAggregation, domain.AggregationFailText)
			}
		}
	case len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != nil:
		text = *parsed.Choices[0].Message.Content
	}

	if text != "" && onDelta != nil {
		onDelta(text)
	}
	return domain.Succeeded(text)
}

func (a *Aggregator) upstreamError(resp *http.Response) domain.CompletionResult {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		a.logger.Warn("error body read failed", "status", resp.StatusCode, "error", err)
	}

	detail := truncate(providerMessage(raw), maxErrorDetail)
	if detail == "" {
		detail = truncate(strings.TrimSpace(string(raw)), maxErrorDetail)
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	a.logger.Warn("completion endpoint returned an error", "status", resp.StatusCode, "detail", detail)
	return domain.Failed(domain.ErrorKindUpstream, fmt.Sprintf("Error %d: %s", resp.StatusCode, detail))
}

// providerMessage extracts a message from {"error":{"message":...}},
// {"error":"..."} or {"message":"..."}.
func providerMessage(raw []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if msg := errorDetail(body.Error); msg != "" {
		return msg
	}
	return body.Message
}

func errorDetail(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj apiError
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
