// Package chat composes the usage gate, the completion client and the
// response aggregator into the request lifecycle of one chat message.
package chat

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/montana-relay/internal/aggregate"
	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/domain"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/metrics"
)

// Completer performs the network call to the completion endpoint.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*http.Response, error)
}

// Options shapes every request the orchestrator sends.
type Options struct {
	Model        string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	Stream       bool
	// Timeout bounds one call including body consumption. Zero disables it.
	Timeout time.Duration
}

// SendRequest is one user message for a conversation.
type SendRequest struct {
	ConversationID string
	History        []domain.Message
	Text           string
	// OnDelta, when set, receives reply text as it arrives.
	OnDelta aggregate.DeltaFunc
}

// Orchestrator runs gated completion calls. It allows at most one call in
// flight per conversation.
type Orchestrator struct {
	completer Completer
	agg       *aggregate.Aggregator
	gate      *gate.Gate
	opts      Options
	logger    *slog.Logger

	inflight sync.Map // conversation ID -> struct{}
}

// NewOrchestrator creates an orchestrator. A nil logger uses slog.Default().
func NewOrchestrator(completer Completer, g *gate.Gate, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if g == nil {
		g = gate.New(gate.DefaultLimit, gate.DefaultCooldown)
	}
	return &Orchestrator{
		completer: completer,
		agg:       aggregate.New(logger),
		gate:      g,
		opts:      opts,
		logger:    logger,
	}
}

// Gate returns the gate parameters used by the orchestrator.
func (o *Orchestrator) Gate() *gate.Gate {
	return o.gate
}

// Send runs one call for req against the gate state and returns the result
// together with the state the caller should persist.
//
// A gated client or a conversation with a call already outstanding gets a
// Blocked result with no network call and an unchanged state. Any other
// path, including transport failures and timeouts, counts as an attempt.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest, state gate.State, now time.Time) (result domain.CompletionResult, next gate.State) {
	if o.gate.IsBlocked(state, now) {
		metrics.Rejections.WithLabelValues("gated").Inc()
		return domain.Failed(domain.ErrorKindBlocked, domain.BlockedText), state
	}
	if _, busy := o.inflight.LoadOrStore(req.ConversationID, struct{}{}); busy {
		metrics.Rejections.WithLabelValues("busy").Inc()
		o.logger.Info("send rejected, reply already in flight", "conversation_id", req.ConversationID)
		return domain.Failed(domain.ErrorKindBlocked, domain.BusyText), state
	}

	metrics.InFlight.Inc()
	defer func() {
		metrics.InFlight.Dec()
		o.inflight.Delete(req.ConversationID)
		next = o.gate.RecordAttempt(state, now)
		metrics.Attempts.WithLabelValues(outcome(result)).Inc()
	}()

	return o.call(ctx, req), state
}

func (o *Orchestrator) call(ctx context.Context, req SendRequest) domain.CompletionResult {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	resp, err := o.completer.Complete(ctx, completion.Request{
		Model:       o.opts.Model,
		Messages:    completion.FromHistory(o.opts.SystemPrompt, req.History, req.Text),
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
		Stream:      o.opts.Stream,
	})
	if err != nil {
		o.logger.Warn("completion call failed", "conversation_id", req.ConversationID, "error", err)
		return domain.Failed(domain.ErrorKindTransport, domain.TransportFailText)
	}

	result := o.agg.Aggregate(resp, req.OnDelta)
	if !result.Success && ctx.Err() != nil {
		o.logger.Warn("completion call timed out", "conversation_id", req.ConversationID, "error", ctx.Err())
		return domain.Failed(domain.ErrorKindTransport, domain.TransportFailText)
	}
	return result
}

func outcome(r domain.CompletionResult) string {
	if r.Success {
		return "success"
	}
	return string(r.Kind)
}
