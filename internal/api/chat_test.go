package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/montana-relay/internal/chat"
	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/conversation"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/identity"
	"github.com/ashureev/montana-relay/internal/store"
)

const upstreamStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hola\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" mundo\"}}]}\n\n" +
	"data: [DONE]\n\n"

type apiFixture struct {
	srv    *httptest.Server
	client *http.Client
}

func newAPIFixture(t *testing.T, limit int) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, upstreamStream)
	}))
	t.Cleanup(upstream.Close)

	orch := chat.NewOrchestrator(
		completion.New(completion.Config{URL: upstream.URL, APIKey: "sk"}),
		gate.New(limit, time.Hour),
		chat.Options{SystemPrompt: "sys", Stream: true, Timeout: 5 * time.Second},
		logger,
	)
	svc := chat.NewService(orch, store.NewMemory(), conversation.NewStore("¡Hola!"), "secret", logger)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewChatHandler(svc, logger).RegisterRoutes(r)
	r.Get("/ws/chat", NewWebSocketHandler(svc, []string{"*"}, logger).ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &apiFixture{srv: srv, client: &http.Client{Jar: jar}}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (f *apiFixture) createConversation(t *testing.T) conversation.Conversation {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/conversations", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	return decode[conversation.Conversation](t, resp)
}

func TestConversationLifecycle(t *testing.T) {
	f := newAPIFixture(t, 5)
	conv := f.createConversation(t)
	if len(conv.Messages) != 1 || conv.Messages[0].Text != "¡Hola!" {
		t.Fatalf("unexpected greeting: %+v", conv.Messages)
	}

	resp := f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	// A request without the identity cookie is a different client.
	other, err := http.Get(f.srv.URL + "/api/conversations/" + conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Body.Close()
	if other.StatusCode != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", other.StatusCode)
	}
}

func TestPostMessageJSON(t *testing.T) {
	f := newAPIFixture(t, 5)
	conv := f.createConversation(t)

	resp := f.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", `{"text":"hola"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	reply := decode[chat.Reply](t, resp)
	if reply.Message.Text != "Hola mundo" || reply.Message.IsError || reply.UserMessage.Text != "hola" {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if reply.Gate.Count != 1 || reply.Gate.Remaining != 4 {
		t.Errorf("unexpected gate: %+v", reply.Gate)
	}

	stored := decode[conversation.Conversation](t, f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, ""))
	if len(stored.Messages) != 3 {
		t.Errorf("history length = %d, want 3", len(stored.Messages))
	}
}

func TestPostMessageSSE(t *testing.T) {
	f := newAPIFixture(t, 5)
	conv := f.createConversation(t)

	resp := f.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", `{"text":"hola"}`,
		"Accept", "text/event-stream")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var events []string
	var deltas []string
	var final chat.Reply
	sc := bufio.NewScanner(resp.Body)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			events = append(events, event)
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "delta":
				var d map[string]string
				if err := json.Unmarshal([]byte(data), &d); err != nil {
					t.Fatal(err)
				}
				deltas = append(deltas, d["text"])
			case "message":
				if err := json.Unmarshal([]byte(data), &final); err != nil {
					t.Fatal(err)
				}
			}
		}
	}

	if strings.Join(events, ",") != "delta,delta,message" {
		t.Errorf("events = %v", events)
	}
	if strings.Join(deltas, "") != "Hola mundo" || final.Message.Text != "Hola mundo" {
		t.Errorf("deltas = %v, final = %+v", deltas, final.Message)
	}
}

func TestPostMessageErrors(t *testing.T) {
	f := newAPIFixture(t, 5)
	conv := f.createConversation(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"empty text", "/api/conversations/" + conv.ID + "/messages", `{"text":"  "}`, http.StatusBadRequest},
		{"bad body", "/api/conversations/" + conv.ID + "/messages", `nope`, http.StatusBadRequest},
		{"unknown conversation", "/api/conversations/missing/messages", `{"text":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := f.do(t, http.MethodPost, tt.path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGateBlocksAndUnlocks(t *testing.T) {
	f := newAPIFixture(t, 2)
	conv := f.createConversation(t)
	path := "/api/conversations/" + conv.ID + "/messages"

	for i := 0; i < 2; i++ {
		if resp := f.do(t, http.MethodPost, path, `{"text":"hi"}`); resp.StatusCode != http.StatusOK {
			t.Fatalf("send %d status = %d", i, resp.StatusCode)
		}
	}

	resp := f.do(t, http.MethodPost, path, `{"text":"hi"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("gated status = %d, want 429", resp.StatusCode)
	}
	body := decode[sendErrorResponse](t, resp)
	if body.Gate == nil || !body.Gate.Blocked || body.Gate.SecondsRemaining != 3600 {
		t.Errorf("unexpected gate in 429: %+v", body.Gate)
	}

	status := decode[gate.Status](t, f.do(t, http.MethodGet, "/api/gate", ""))
	if !status.Blocked || status.Count != 2 || status.Limit != 2 {
		t.Errorf("gate status = %+v", status)
	}

	if resp := f.do(t, http.MethodPost, "/api/gate/unlock", `{"secret":"wrong"}`); resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong secret status = %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/gate/unlock", `{"secret":"secret"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlock status = %d", resp.StatusCode)
	}
	if status := decode[gate.Status](t, resp); !status.Unlocked || status.Blocked {
		t.Errorf("status after unlock = %+v", status)
	}

	if resp := f.do(t, http.MethodPost, path, `{"text":"hi"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("send after unlock status = %d", resp.StatusCode)
	}
}

func TestWebSocketChat(t *testing.T) {
	f := newAPIFixture(t, 5)
	conv := f.createConversation(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/chat"
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: f.client})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, ws, wsClientFrame{Type: frameSend, ConversationID: conv.ID, Text: "hola"}); err != nil {
		t.Fatal(err)
	}

	var deltas []string
	for {
		var frame wsServerFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Type == frameDelta {
			deltas = append(deltas, frame.Text)
			continue
		}
		if frame.Type != frameMessage || frame.Reply == nil {
			t.Fatalf("unexpected frame: %+v", frame)
		}
		if frame.Reply.Message.Text != "Hola mundo" {
			t.Errorf("reply = %+v", frame.Reply.Message)
		}
		break
	}
	if strings.Join(deltas, "") != "Hola mundo" {
		t.Errorf("deltas = %v", deltas)
	}

	if err := wsjson.Write(ctx, ws, wsClientFrame{Type: frameStatus}); err != nil {
		t.Fatal(err)
	}
	var status wsServerFrame
	if err := wsjson.Read(ctx, ws, &status); err != nil {
		t.Fatal(err)
	}
	if status.Type != frameStatus || status.Gate == nil || status.Gate.Count != 1 {
		t.Errorf("status frame = %+v", status)
	}

	if err := wsjson.Write(ctx, ws, wsClientFrame{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	var bad wsServerFrame
	if err := wsjson.Read(ctx, ws, &bad); err != nil {
		t.Fatal(err)
	}
	if bad.Type != frameError {
		t.Errorf("bogus frame answered with %+v", bad)
	}
}
