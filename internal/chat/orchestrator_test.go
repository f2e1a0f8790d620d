package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/domain"
	"github.com/ashureev/montana-relay/internal/gate"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCompleter answers every call through fn and counts calls.
type fakeCompleter struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  completion.Request
	fn    func(ctx context.Context) (*http.Response, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, req completion.Request) (*http.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return f.fn(ctx)
}

func jsonReply(text string) func(context.Context) (*http.Response, error) {
	return func(context.Context) (*http.Response, error) {
		h := make(http.Header)
		h.Set("Content-Type", "application/json")
		body := `{"choices":[{"message":{"content":"` + text + `"}}]}`
		return &http.Response{StatusCode: http.StatusOK, Header: h, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

func newOrchestrator(c Completer, opts Options) *Orchestrator {
	return NewOrchestrator(c, gate.New(gate.DefaultLimit, gate.DefaultCooldown), opts, quietLogger())
}

func TestSendSuccessRecordsAttempt(t *testing.T) {
	fc := &fakeCompleter{fn: jsonReply("hola")}
	o := newOrchestrator(fc, Options{Model: "m", SystemPrompt: "sys", MaxTokens: 10})

	history := []domain.Message{{Sender: domain.SenderAI, Text: "greeting"}}
	got, next := o.Send(context.Background(), SendRequest{ConversationID: "c1", History: history, Text: "hi"}, gate.State{}, t0)
	if !got.Success || got.Text != "hola" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if next.Count != 1 {
		t.Errorf("Count = %d, want 1", next.Count)
	}

	msgs := fc.last.Messages
	if len(msgs) != 3 || msgs[0].Role != domain.RoleSystem || msgs[1].Role != domain.RoleAssistant || msgs[2].Content != "hi" {
		t.Errorf("unexpected outgoing messages: %+v", msgs)
	}
	if fc.last.Model != "m" || fc.last.MaxTokens != 10 {
		t.Errorf("options not applied: %+v", fc.last)
	}
}

func TestSendBlockedMakesNoCall(t *testing.T) {
	fc := &fakeCompleter{fn: jsonReply("x")}
	o := newOrchestrator(fc, Options{})

	blocked := gate.State{Count: 5, CooldownUntil: t0.Add(10 * time.Minute)}
	got, next := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, blocked, t0)
	if got.Success || got.Kind != domain.ErrorKindBlocked {
		t.Fatalf("unexpected result: %+v", got)
	}
	if next != blocked {
		t.Errorf("state changed on blocked send: %+v", next)
	}
	if fc.calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", fc.calls.Load())
	}
}

func TestSendFifthAttemptStartsCooldown(t *testing.T) {
	fc := &fakeCompleter{fn: jsonReply("x")}
	o := newOrchestrator(fc, Options{})

	state := gate.State{}
	for i := 0; i < gate.DefaultLimit; i++ {
		_, state = o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, state, t0)
	}
	if !o.Gate().IsBlocked(state, t0) {
		t.Fatalf("expected blocked after %d attempts: %+v", gate.DefaultLimit, state)
	}

	got, _ := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, state, t0.Add(time.Minute))
	if got.Kind != domain.ErrorKindBlocked {
		t.Errorf("sixth send = %+v, want blocked", got)
	}
	if fc.calls.Load() != gate.DefaultLimit {
		t.Errorf("calls = %d, want %d", fc.calls.Load(), gate.DefaultLimit)
	}
}

func TestSendRejectsConcurrentCallForSameConversation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fc := &fakeCompleter{}
	fc.fn = func(ctx context.Context) (*http.Response, error) {
		close(started)
		<-release
		return jsonReply("first")(ctx)
	}
	o := newOrchestrator(fc, Options{})

	done := make(chan domain.CompletionResult)
	go func() {
		got, _ := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "one"}, gate.State{}, t0)
		done <- got
	}()
	<-started

	got, next := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "two"}, gate.State{}, t0)
	if got.Kind != domain.ErrorKindBlocked || got.Text != domain.BusyText {
		t.Errorf("concurrent send = %+v, want busy", got)
	}
	if next.Count != 0 {
		t.Errorf("busy rejection recorded an attempt: %+v", next)
	}

	close(release)
	if first := <-done; !first.Success || first.Text != "first" {
		t.Errorf("first send = %+v", first)
	}
	if fc.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", fc.calls.Load())
	}

	fc.fn = jsonReply("again")
	if got, _ := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "three"}, gate.State{}, t0); !got.Success {
		t.Errorf("send after completion = %+v, want success", got)
	}
}

func TestSendAllowsParallelConversations(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fc := &fakeCompleter{}
	fc.fn = func(ctx context.Context) (*http.Response, error) {
		started <- struct{}{}
		<-release
		return jsonReply("ok")(ctx)
	}
	o := newOrchestrator(fc, Options{})

	var wg sync.WaitGroup
	results := make([]domain.CompletionResult, 2)
	for i, id := range []string{"a", "b"} {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = o.Send(context.Background(), SendRequest{ConversationID: id, Text: "hi"}, gate.State{}, t0)
		}()
	}
	<-started
	<-started
	close(release)
	wg.Wait()

	for i, r := range results {
		if !r.Success {
			t.Errorf("result[%d] = %+v", i, r)
		}
	}
}

func TestSendTransportErrorCountsAttempt(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	o := newOrchestrator(fc, Options{})

	got, next := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, gate.State{Count: 2}, t0)
	if got.Success || got.Kind != domain.ErrorKindTransport || got.Text != domain.TransportFailText {
		t.Fatalf("unexpected result: %+v", got)
	}
	if next.Count != 3 {
		t.Errorf("Count = %d, want 3", next.Count)
	}
}

func TestSendTimeoutClearsInFlight(t *testing.T) {
	fc := &fakeCompleter{fn: func(ctx context.Context) (*http.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newOrchestrator(fc, Options{Timeout: 20 * time.Millisecond})

	got, next := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, gate.State{}, t0)
	if got.Kind != domain.ErrorKindTransport {
		t.Fatalf("unexpected result: %+v", got)
	}
	if next.Count != 1 {
		t.Errorf("Count = %d, want 1", next.Count)
	}

	fc.fn = jsonReply("recovered")
	if got, _ := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, next, t0); !got.Success {
		t.Errorf("send after timeout = %+v, want success", got)
	}
}

func TestSendTimeoutDuringStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	o := newOrchestrator(completion.New(completion.Config{URL: srv.URL}), Options{Stream: true, Timeout: 100 * time.Millisecond})

	var deltas []string
	got, _ := o.Send(context.Background(), SendRequest{
		ConversationID: "c1",
		Text:           "hi",
		OnDelta:        func(d string) { deltas = append(deltas, d) },
	}, gate.State{}, t0)
	if got.Kind != domain.ErrorKindTransport {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(deltas) != 1 || deltas[0] != "par" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestSendStreamHeldOpenAfterDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"full\"}}]}\n\ndata: [DONE]\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	o := newOrchestrator(completion.New(completion.Config{URL: srv.URL}), Options{Stream: true, Timeout: 200 * time.Millisecond})

	got, next := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, gate.State{}, t0)
	if !got.Success || got.Text != "full" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if next.Count != 1 {
		t.Errorf("Count = %d, want 1", next.Count)
	}
}

func TestSendUpstreamErrorCountsAttempt(t *testing.T) {
	fc := &fakeCompleter{fn: func(context.Context) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"quota exceeded"}}`)),
		}, nil
	}}
	o := newOrchestrator(fc, Options{})

	got, next := o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, gate.State{}, t0)
	if got.Kind != domain.ErrorKindUpstream || !strings.Contains(got.Text, "quota exceeded") {
		t.Fatalf("unexpected result: %+v", got)
	}
	if next.Count != 1 {
		t.Errorf("Count = %d, want 1", next.Count)
	}
}

func TestSendUnlockedNeverBlocks(t *testing.T) {
	fc := &fakeCompleter{fn: jsonReply("ok")}
	o := newOrchestrator(fc, Options{})

	state := gate.State{Unlocked: true}
	for i := 0; i < gate.DefaultLimit*2; i++ {
		var got domain.CompletionResult
		got, state = o.Send(context.Background(), SendRequest{ConversationID: "c1", Text: "hi"}, state, t0)
		if !got.Success {
			t.Fatalf("send %d = %+v", i, got)
		}
	}
	if state.Count != 0 || !state.Unlocked {
		t.Errorf("unexpected state: %+v", state)
	}
}
