package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"voice-bridge/internal/resilience"

	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testPolicy() *resilience.Policy {
	cfg := resilience.ModelRetry()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	cfg.Jitter = 0
	return &resilience.Policy{Name: resilience.Model, Retry: cfg}
}

func newTestClient(t *testing.T, base, rt string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: base, RealtimeURL: rt}, testPolicy(), discardLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClient_AcceptRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/calls/rtc_1/accept" || r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "ws://unused")
	err := c.Accept(context.Background(), "rtc_1", SessionConfig{
		Model: "gpt-realtime", Voice: "alloy", Instructions: "be brief", Tools: []Tool{HandoffTool("transfer_to_human")},
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if body["type"] != "realtime" || body["model"] != "gpt-realtime" {
		t.Fatalf("unexpected accept body %v", body)
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected hand-off tool in body, got %v", body["tools"])
	}
}

func TestClient_HangupTreatsNotFoundAsEnded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "ws://unused")
	if err := c.Hangup(context.Background(), "rtc_gone"); err != nil {
		t.Fatalf("expected nil for unknown call, got %v", err)
	}
}

func TestClient_AcceptPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "ws://unused")
	if err := c.Accept(context.Background(), "rtc_1", SessionConfig{}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry on 400, got %d attempts", calls.Load())
	}
}

func TestSession_StreamsEventsAndSendsInstruction(t *testing.T) {
	received := make(chan map[string]any, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("call_id") != "rtc_1" || r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg

		for _, ev := range []string{
			`{"type":"session.created"}`,
			`{"type":"conversation.item.done","item":{"type":"message","role":"assistant","content":[{"type":"output_audio","transcript":"Hello, how can I help?"}]}}`,
			`{"type":"conversation.item.done","item":{"type":"message","role":"user","content":[{"type":"input_audio","transcript":"I need a person"}]}}`,
			`{"type":"conversation.item.input_audio_transcription.completed","transcript":"I need a person"}`,
			`{"type":"response.function_call_arguments.done","name":"lookup_order","call_id":"fc_0","arguments":"{}"}`,
			`{"type":"response.function_call_arguments.done","name":"transfer_to_human","call_id":"fc_1","arguments":"{\"reason\":\"asked\"}"}`,
			`{"type":"error","error":{"message":"bad"}}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(ev))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, "http://unused", "ws"+strings.TrimPrefix(srv.URL, "http"))
	s := c.Session("rtc_1", "transfer_to_human")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.SendInstruction(ctx, "Greet the caller."); err != nil {
		t.Fatalf("send instruction: %v", err)
	}

	select {
	case msg := <-received:
		resp, _ := msg["response"].(map[string]any)
		if msg["type"] != "response.create" || resp["instructions"] != "Greet the caller." {
			t.Fatalf("unexpected instruction message %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("server never received instruction")
	}

	var kinds []EventKind
	var texts []string
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
		switch ev.Kind {
		case EventHistoryAdded:
			texts = append(texts, ev.Role+":"+ev.Text)
		case EventAgentHandoff:
			if ev.ToolCallID != "fc_1" || !strings.Contains(string(ev.Arguments), "asked") {
				t.Fatalf("unexpected hand-off event %+v", ev)
			}
		case EventDisconnected:
			if ev.Err != nil {
				t.Fatalf("expected clean disconnect, got %v", ev.Err)
			}
		}
	}

	want := []EventKind{EventHistoryAdded, EventHistoryAdded, EventAgentHandoff, EventError, EventDisconnected}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if texts[0] != "assistant:Hello, how can I help?" || texts[1] != "user:I need a person" {
		t.Fatalf("unexpected transcript %v", texts)
	}
}

func TestSession_SendBeforeConnect(t *testing.T) {
	c := newTestClient(t, "http://unused", "ws://unused")
	s := c.Session("rtc_1", "transfer_to_human")
	if err := s.SendInstruction(context.Background(), "hi"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close unconnected session: %v", err)
	}
}
