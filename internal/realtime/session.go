package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type EventKind string

const (
	EventHistoryAdded EventKind = "history_added"
	EventAgentHandoff EventKind = "agent_handoff"
	EventError        EventKind = "error"
	EventDisconnected EventKind = "disconnected"
)

// Event is one item on a session's event stream.
type Event struct {
	Kind EventKind

	// history_added
	Role string
	Text string

	// agent_handoff
	ToolCallID string
	Arguments  json.RawMessage

	// error, disconnected
	Err error
}

var ErrNotConnected = errors.New("realtime: session not connected")

// Session is one websocket attached to an accepted call. Events are delivered in
// the order the provider sent them; the stream ends with a single disconnected
// event and is then closed.
type Session struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	handoffTool string
	log         *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(u string, header http.Header, dialer *websocket.Dialer, handoffTool string, log *slog.Logger) *Session {
	return &Session{
		url:         u,
		header:      header,
		dialer:      dialer,
		handoffTool: handoffTool,
		log:         log,
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
	}
}

// Connect dials the provider and starts reading events.
func (s *Session) Connect(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime: dial session: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("realtime: dial session: %w", err)
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	go s.readLoop(conn)
	return nil
}

func (s *Session) Events() <-chan Event { return s.events }

// SendInstruction asks the model to speak a response following text.
func (s *Session) SendInstruction(ctx context.Context, text string) error {
	return s.write(ctx, map[string]any{
		"type":     "response.create",
		"response": map[string]any{"instructions": text},
	})
}

// SendToolResult answers a function call so the model can continue the turn.
func (s *Session) SendToolResult(ctx context.Context, toolCallID, output string) error {
	return s.write(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{"type": "function_call_output", "call_id": toolCallID, "output": output},
	})
}

func (s *Session) write(ctx context.Context, msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if s.conn == nil {
			return
		}
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer close(s.events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var cause error
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			s.emitFinal(Event{Kind: EventDisconnected, Err: cause})
			return
		}
		if ev, ok := s.decode(data); ok {
			s.emit(ev)
		}
	}
}

// emitFinal delivers the disconnected event even after Close, as long as the
// buffer has room.
func (s *Session) emitFinal(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("disconnected event dropped, event buffer full")
	}
}

type serverEvent struct {
	Type       string          `json:"type"`
	Transcript string          `json:"transcript"`
	Name       string          `json:"name"`
	CallID     string          `json:"call_id"`
	Arguments  string          `json:"arguments"`
	Item       *serverItem     `json:"item"`
	Error      json.RawMessage `json:"error"`
}

type serverItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
	} `json:"content"`
}

func (s *Session) decode(data []byte) (Event, bool) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("unreadable realtime event", "err", err)
		return Event{}, false
	}
	switch msg.Type {
	case "conversation.item.done":
		// User turns come only from input transcription; the same speech can also
		// appear here as a transcript part.
		if msg.Item == nil || msg.Item.Type != "message" || msg.Item.Role == "user" {
			return Event{}, false
		}
		var parts []string
		for _, c := range msg.Item.Content {
			if t := strings.TrimSpace(c.Text + c.Transcript); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventHistoryAdded, Role: msg.Item.Role, Text: strings.Join(parts, " ")}, true
	case "conversation.item.input_audio_transcription.completed":
		if strings.TrimSpace(msg.Transcript) == "" {
			return Event{}, false
		}
		return Event{Kind: EventHistoryAdded, Role: "user", Text: strings.TrimSpace(msg.Transcript)}, true
	case "response.function_call_arguments.done":
		if msg.Name != s.handoffTool {
			s.log.Info("unhandled tool call", "tool", msg.Name)
			return Event{}, false
		}
		args := json.RawMessage(msg.Arguments)
		if !json.Valid(args) {
			args = nil
		}
		return Event{Kind: EventAgentHandoff, ToolCallID: msg.CallID, Arguments: args}, true
	case "error":
		return Event{Kind: EventError, Err: fmt.Errorf("realtime: provider error: %s", string(msg.Error))}, true
	}
	return Event{}, false
}
