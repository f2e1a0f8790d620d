package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/montana-relay/internal/aggregate"
	"github.com/ashureev/montana-relay/internal/conversation"
	"github.com/ashureev/montana-relay/internal/domain"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/metrics"
	"github.com/ashureev/montana-relay/internal/store"
)

var (
	// ErrBlocked is returned while the client's gate is in cooldown.
	ErrBlocked = errors.New("message limit reached")
	// ErrBusy is returned while a reply is outstanding for the conversation.
	ErrBusy = errors.New("reply already in progress")
	// ErrEmptyMessage is returned for blank message text.
	ErrEmptyMessage = errors.New("message text is empty")
)

// Conversations is the conversation storage the service needs.
type Conversations interface {
	Create(owner string) conversation.Conversation
	Get(owner, id string) (conversation.Conversation, error)
	Append(owner, id string, msgs ...domain.Message) error
}

// Reply is the outcome of one accepted message.
type Reply struct {
	UserMessage domain.Message          `json:"user_message"`
	Message     domain.Message          `json:"reply"`
	Result      domain.CompletionResult `json:"result"`
	Gate        gate.Status             `json:"gate"`
}

// Service runs the chat lifecycle for identified clients: gate state comes
// from a repository and histories from a conversation store.
type Service struct {
	orch         *Orchestrator
	gates        store.Repository
	convs        Conversations
	unlockSecret string
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a Service. An empty unlockSecret disables unlocking.
func NewService(orch *Orchestrator, gates store.Repository, convs Conversations, unlockSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orch:         orch,
		gates:        gates,
		convs:        convs,
		unlockSecret: unlockSecret,
		logger:       logger,
		now:          time.Now,
	}
}

// StartConversation creates a conversation owned by clientID.
func (s *Service) StartConversation(clientID string) conversation.Conversation {
	return s.convs.Create(clientID)
}

// Conversation returns a conversation owned by clientID.
func (s *Service) Conversation(clientID, convID string) (conversation.Conversation, error) {
	return s.convs.Get(clientID, convID)
}

// Send posts text to a conversation and waits for the reply. Failed
// completions are not errors: they come back as an error-flagged message
// that is stored in the history like any other reply.
func (s *Service) Send(ctx context.Context, clientID, convID, text string, onDelta aggregate.DeltaFunc) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}

	conv, err := s.convs.Get(clientID, convID)
	if err != nil {
		return Reply{}, err
	}
	state, err := s.gates.GetGate(ctx, clientID)
	if err != nil {
		return Reply{}, fmt.Errorf("load gate: %w", err)
	}

	g := s.orch.Gate()
	now := s.now()
	if g.IsBlocked(state, now) {
		metrics.Rejections.WithLabelValues("gated").Inc()
		return Reply{Gate: g.Status(state, now)}, ErrBlocked
	}

	userMsg := domain.NewUserMessage(text, now)
	result, _ := s.orch.Send(ctx, SendRequest{
		ConversationID: convID,
		History:        conv.Messages,
		Text:           text,
		OnDelta:        onDelta,
	}, state, now)
	if result.Kind == domain.ErrorKindBlocked {
		return Reply{Gate: g.Status(state, now)}, ErrBusy
	}

	// Other conversations of this client may have recorded attempts while the
	// call was in flight, so the attempt is applied to the stored state.
	next, err := s.gates.UpdateGate(context.WithoutCancel(ctx), clientID, func(cur gate.State) (gate.State, error) {
		return g.RecordAttempt(cur, now), nil
	})
	if err != nil {
		s.logger.Error("failed to record attempt", "client_id", clientID, "error", err)
		next = g.RecordAttempt(state, now)
	}

	replyAt := s.now()
	if replyAt.UnixMilli() <= userMsg.Timestamp {
		replyAt = userMsg.Time().Add(time.Millisecond)
	}
	aiMsg := result.Message(replyAt)
	if err := s.convs.Append(clientID, convID, userMsg, aiMsg); err != nil {
		return Reply{}, fmt.Errorf("append messages: %w", err)
	}

	s.logger.Info("chat message handled",
		"client_id", clientID,
		"conversation_id", convID,
		"success", result.Success,
		"error_kind", result.Kind,
		"attempts", next.Count)

	return Reply{
		UserMessage: userMsg,
		Message:     aiMsg,
		Result:      result,
		Gate:        g.Status(next, replyAt),
	}, nil
}

// Status returns the gate status of clientID.
func (s *Service) Status(ctx context.Context, clientID string) (gate.Status, error) {
	state, err := s.gates.GetGate(ctx, clientID)
	if err != nil {
		return gate.Status{}, fmt.Errorf("load gate: %w", err)
	}
	return s.orch.Gate().Status(state, s.now()), nil
}

// Unlock lifts the gate of clientID when secret matches the configured
// unlock secret. A mismatch returns gate.ErrInvalidSecret and leaves the
// stored state untouched.
func (s *Service) Unlock(ctx context.Context, clientID, secret string) (gate.Status, error) {
	g := s.orch.Gate()
	next, err := s.gates.UpdateGate(ctx, clientID, func(cur gate.State) (gate.State, error) {
		return g.Unlock(cur, secret, s.unlockSecret)
	})
	if errors.Is(err, gate.ErrInvalidSecret) {
		metrics.Unlocks.WithLabelValues("rejected").Inc()
		s.logger.Warn("gate unlock rejected", "client_id", clientID)
		status, statusErr := s.Status(ctx, clientID)
		if statusErr != nil {
			return gate.Status{}, statusErr
		}
		return status, err
	}
	if err != nil {
		return gate.Status{}, fmt.Errorf("unlock gate: %w", err)
	}

	metrics.Unlocks.WithLabelValues("accepted").Inc()
	s.logger.Info("gate unlocked", "client_id", clientID)
	return g.Status(next, s.now()), nil
}
