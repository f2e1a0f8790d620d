package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ashureev/montana-relay/internal/chat"
	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/conversation"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/persona"
	"github.com/ashureev/montana-relay/internal/store"
)

// localClientID keys the gate record of the terminal user.
const localClientID = "local"

// session is one terminal conversation.
type session struct {
	svc     *chat.Service
	repo    *store.SQLiteStore
	conv    conversation.Conversation
	persona persona.Persona
	out     io.Writer
}

func openSession(s settings, out, errOut io.Writer) (*session, error) {
	p, err := persona.Load(s.PersonaPath)
	if err != nil {
		return nil, err
	}

	repo, err := store.NewSQLite(s.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening gate state: %w", err)
	}

	level := slog.LevelError
	if s.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	// A relay prepends the persona itself.
	system := ""
	if s.Direct() {
		system = p.System
	}

	client := completion.New(completion.Config{URL: s.Endpoint, APIKey: s.Token, Timeout: s.Timeout})
	orch := chat.NewOrchestrator(client, gate.New(s.GateLimit, s.GateCooldown), chat.Options{
		Model:        s.Model,
		SystemPrompt: system,
		MaxTokens:    s.MaxTokens,
		Stream:       s.Stream,
		Timeout:      s.Timeout,
	}, logger)
	svc := chat.NewService(orch, repo, conversation.NewStore(p.Greeting), s.UnlockSecret, logger)

	return &session{
		svc:     svc,
		repo:    repo,
		conv:    svc.StartConversation(localClientID),
		persona: p,
		out:     out,
	}, nil
}

func (s *session) Close() error {
	return s.repo.Close()
}

// Greeting returns the opening assistant message, if any.
func (s *session) Greeting() string {
	if len(s.conv.Messages) == 0 {
		return ""
	}
	return s.conv.Messages[0].Text
}

// Send prints the reply to text as it arrives, preceded by prefix. Gate
// rejections and failed completions are returned as errors.
func (s *session) Send(ctx context.Context, text, prefix string) error {
	printed := false
	reply, err := s.svc.Send(ctx, localClientID, s.conv.ID, text, func(delta string) {
		if !printed {
			fmt.Fprint(s.out, prefix)
			printed = true
		}
		fmt.Fprint(s.out, delta)
	})
	switch {
	case errors.Is(err, chat.ErrBlocked):
		return fmt.Errorf("message limit reached, try again in %s", gate.FormatRemaining(reply.Gate.SecondsRemaining))
	case err != nil:
		return err
	}

	if reply.Message.IsError {
		if printed {
			fmt.Fprintln(s.out)
		}
		return errors.New(reply.Message.Text)
	}
	if !printed {
		fmt.Fprint(s.out, prefix+reply.Message.Text)
	}
	fmt.Fprintln(s.out)
	return nil
}

func (s *session) Status(ctx context.Context) (gate.Status, error) {
	return s.svc.Status(ctx, localClientID)
}

func (s *session) Unlock(ctx context.Context, secret string) error {
	status, err := s.svc.Unlock(ctx, localClientID, secret)
	if errors.Is(err, gate.ErrInvalidSecret) {
		return errors.New("invalid unlock secret")
	}
	if err != nil {
		return err
	}
	printStatus(s.out, status)
	return nil
}

func printStatus(w io.Writer, st gate.Status) {
	switch {
	case st.Unlocked:
		fmt.Fprintln(w, "Unlocked: no message limit.")
	case st.Blocked:
		fmt.Fprintf(w, "Message limit reached. Try again in %s.\n", gate.FormatRemaining(st.SecondsRemaining))
	default:
		fmt.Fprintf(w, "Messages: %d of %d used, %d remaining.\n", st.Count, st.Limit, st.Remaining)
	}
}
