package agent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-bridge/internal/calls"
	"voice-bridge/internal/realtime"
	"voice-bridge/internal/tickets"

	"github.com/gin-gonic/gin"
)

type fakeSession struct {
	events chan realtime.Event

	mu           sync.Mutex
	instructions []string
	toolResults  []string
	closed       bool
}

func (s *fakeSession) Connect(context.Context) error { return nil }
func (s *fakeSession) Events() <-chan realtime.Event { return s.events }
func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
func (s *fakeSession) SendInstruction(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = append(s.instructions, text)
	return nil
}
func (s *fakeSession) SendToolResult(_ context.Context, id, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults = append(s.toolResults, id+"="+output)
	return nil
}

type fakeModel struct {
	session   *fakeSession
	acceptErr error
	mu        sync.Mutex
	accepted  []string
}

func (m *fakeModel) Accept(_ context.Context, callID string, _ realtime.SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = append(m.accepted, callID)
	return m.acceptErr
}
func (m *fakeModel) Hangup(context.Context, string) error { return nil }
func (m *fakeModel) Session(string, string) ModelSession  { return m.session }

type fakeHandoff struct {
	mu    sync.Mutex
	confs []string
	err   error
}

func (h *fakeHandoff) HandOff(_ context.Context, conf, _, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confs = append(h.confs, conf)
	return h.err
}

type fakeSink struct {
	mu   sync.Mutex
	keys []string
	reqs []tickets.TicketRequest
}

func (s *fakeSink) Deliver(_ context.Context, key, _ string, req tickets.TicketRequest) (tickets.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.reqs = append(s.reqs, req)
	return tickets.SendResult{Outcome: tickets.SendSent, TicketNumber: "T-1"}, nil
}

type fixture struct {
	runner   *Runner
	registry *calls.Registry
	records  *calls.MemoryRecordStore
	model    *fakeModel
	handoff  *fakeHandoff
	sink     *fakeSink
	recordID string
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, events ...realtime.Event) *fixture {
	t.Helper()
	ch := make(chan realtime.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	reg := calls.NewRegistry(discardLogger())
	records := calls.NewMemoryRecordStore()
	ctx := context.Background()
	if _, _, err := reg.RegisterInboundCall(ctx, calls.InboundCall{
		ConferenceName: "call-CA1", CallerNumber: "+14155552100", CarrierCallSid: "CA1", CallToken: "tok",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec, err := records.CreateCallRecord(ctx, calls.CallRecord{CarrierCallSid: "CA1", ConferenceName: "call-CA1"})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if _, err := reg.BindRecordID(ctx, "call-CA1", rec.ID); err != nil {
		t.Fatalf("bind record: %v", err)
	}

	f := &fixture{
		registry: reg,
		records:  records,
		model:    &fakeModel{session: &fakeSession{events: ch}},
		handoff:  &fakeHandoff{},
		sink:     &fakeSink{},
		recordID: rec.ID,
	}
	f.runner = NewRunner(reg, records, f.model, f.handoff, f.sink, Config{
		HandoffTool: "transfer_to_human",
		Greeting:    "Greet the caller.",
	}, discardLogger())
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.runner.Wait(ctx); err != nil {
		t.Fatalf("runner did not finish: %v", err)
	}
}

func TestRunner_TranscriptAndTicketOnDisconnect(t *testing.T) {
	f := newFixture(t,
		realtime.Event{Kind: realtime.EventHistoryAdded, Role: "assistant", Text: "Hi, how can I help?"},
		realtime.Event{Kind: realtime.EventHistoryAdded, Role: "user", Text: "My router is broken."},
		realtime.Event{Kind: realtime.EventError, Err: errors.New("transient")},
		realtime.Event{Kind: realtime.EventDisconnected},
	)

	if err := f.runner.IncomingCall(context.Background(), "rtc_1", "call-CA1"); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	f.wait(t)

	if lk := f.registry.LookupByCallID("rtc_1"); !lk.Found() || lk.Session.ConferenceName != "call-CA1" {
		t.Fatalf("expected call id bound to conference, got %+v", lk)
	}
	if got := f.model.session.instructions; len(got) != 1 || got[0] != "Greet the caller." {
		t.Fatalf("expected greeting instruction, got %v", got)
	}
	if !f.model.session.closed {
		t.Fatalf("expected session closed")
	}

	rec, _ := f.records.GetCallRecord(context.Background(), f.recordID)
	if rec.Transcript != "assistant: Hi, how can I help?\nuser: My router is broken." || rec.ModelCallID != "rtc_1" {
		t.Fatalf("unexpected record %+v", rec)
	}

	if len(f.sink.keys) != 1 || f.sink.keys[0] != "call:call-CA1" {
		t.Fatalf("expected one delivery for call:call-CA1, got %v", f.sink.keys)
	}
	req := f.sink.reqs[0]
	if req.Summary != "My router is broken." || req.HandedOff || req.CallerNumber != "+14155552100" {
		t.Fatalf("unexpected ticket %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid ticket, got %v", err)
	}
}

func TestRunner_HandoffToolRoutesToOrchestrator(t *testing.T) {
	f := newFixture(t,
		realtime.Event{Kind: realtime.EventHistoryAdded, Role: "user", Text: "Let me talk to a person."},
		realtime.Event{Kind: realtime.EventAgentHandoff, ToolCallID: "fc_1"},
		realtime.Event{Kind: realtime.EventDisconnected},
	)

	if err := f.runner.IncomingCall(context.Background(), "rtc_1", "call-CA1"); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	f.wait(t)

	if len(f.handoff.confs) != 1 || f.handoff.confs[0] != "call-CA1" {
		t.Fatalf("expected hand-off for call-CA1, got %v", f.handoff.confs)
	}
	if got := f.model.session.toolResults; len(got) != 1 || !strings.HasPrefix(got[0], "fc_1=") || !strings.Contains(got[0], "transferring") {
		t.Fatalf("expected tool result, got %v", got)
	}
	if req := f.sink.reqs[0]; !req.HandedOff || !strings.HasSuffix(req.Subject, "(handed off)") {
		t.Fatalf("expected handed-off ticket, got %+v", req)
	}
}

func TestRunner_UnknownConferenceIsRejected(t *testing.T) {
	f := newFixture(t)
	if err := f.runner.IncomingCall(context.Background(), "rtc_2", "call-nope"); !errors.Is(err, ErrUnknownConference) {
		t.Fatalf("expected ErrUnknownConference, got %v", err)
	}
	if err := f.runner.IncomingCall(context.Background(), "rtc_2", ""); !errors.Is(err, ErrMissingConference) {
		t.Fatalf("expected ErrMissingConference, got %v", err)
	}
	if len(f.model.accepted) != 0 {
		t.Fatalf("expected no accept, got %v", f.model.accepted)
	}
}

func TestRunner_AcceptFailureStillWritesTicket(t *testing.T) {
	f := newFixture(t)
	f.model.acceptErr = errors.New("model down")

	if err := f.runner.IncomingCall(context.Background(), "rtc_1", "call-CA1"); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	f.wait(t)
	if len(f.sink.keys) != 1 || f.sink.keys[0] != "call:call-CA1" {
		t.Fatalf("expected one ticket for the unserved call, got %v", f.sink.keys)
	}
	if req := f.sink.reqs[0]; req.Transcript != "" || req.Summary == "" {
		t.Fatalf("expected ticket without transcript, got %+v", req)
	}
}

func TestRunner_FinalizedCallWithoutSessionWritesTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := "user: I need a callback."
	if err := f.records.UpdateCallRecord(ctx, f.recordID, calls.RecordUpdate{Transcript: &text}); err != nil {
		t.Fatalf("update record: %v", err)
	}

	// Session restored after a restart: no model session runs in this process.
	s, err := f.registry.Evict(ctx, "call-CA1")
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	f.runner.CallFinalized(ctx, s)
	f.wait(t)

	if len(f.sink.keys) != 1 || f.sink.keys[0] != "call:call-CA1" {
		t.Fatalf("expected one ticket, got %v", f.sink.keys)
	}
	req := f.sink.reqs[0]
	if req.Transcript != text || req.CallRecordID != f.recordID {
		t.Fatalf("expected ticket carrying stored transcript, got %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid ticket, got %v", err)
	}
}

func TestRunner_FinalizedCallWithRunningSessionDefersToSession(t *testing.T) {
	ch := make(chan realtime.Event)
	f := newFixture(t)
	f.model.session = &fakeSession{events: ch}

	if err := f.runner.IncomingCall(context.Background(), "rtc_1", "call-CA1"); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	lk := f.registry.LookupByConference("call-CA1")
	f.runner.CallFinalized(context.Background(), lk.Session)

	ch <- realtime.Event{Kind: realtime.EventHistoryAdded, Role: "user", Text: "Thanks, bye."}
	close(ch)
	f.wait(t)

	if len(f.sink.keys) != 1 {
		t.Fatalf("expected only the session's ticket, got %v", f.sink.keys)
	}
	if req := f.sink.reqs[0]; req.Summary != "Thanks, bye." {
		t.Fatalf("expected ticket from the running session, got %+v", req)
	}
}

func TestRunner_SecondCallIDForConferenceConflicts(t *testing.T) {
	f := newFixture(t, realtime.Event{Kind: realtime.EventDisconnected})
	if err := f.runner.IncomingCall(context.Background(), "rtc_1", "call-CA1"); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	f.wait(t)
	if err := f.runner.IncomingCall(context.Background(), "rtc_other", "call-CA1"); !errors.Is(err, calls.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func sign(secret, id, ts string, body []byte) string {
	key, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhook_SignedIncomingCall(t *testing.T) {
	f := newFixture(t, realtime.Event{Kind: realtime.EventDisconnected})
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/model", RequireSignature(secret, discardLogger()), Handler{Runner: f.runner}.Webhook)

	send := func(body string, signed bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/model", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("webhook-id", "wh_1")
		req.Header.Set("webhook-timestamp", ts)
		if signed {
			req.Header.Set("webhook-signature", "v1,bogus "+sign(secret, "wh_1", ts, []byte(body)))
		} else {
			req.Header.Set("webhook-signature", "v1,bogus")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	body := `{"type":"realtime.call.incoming","data":{"call_id":"rtc_1","sip_headers":[{"name":"x-conference-name","value":"call-CA1"}]}}`
	if w := send(body, false); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", w.Code)
	}
	if w := send(body, true); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "accepted") {
		t.Fatalf("expected accepted, got %d %s", w.Code, w.Body.String())
	}
	f.wait(t)
	if len(f.model.accepted) != 1 {
		t.Fatalf("expected model accept, got %v", f.model.accepted)
	}

	if w := send(`{"type":"realtime.call.incoming","data":{}}`, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing call id, got %d", w.Code)
	}
	if w := send(`{"type":"realtime.call.ended","data":{"call_id":"rtc_1"}}`, true); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored event, got %d", w.Code)
	}
}

func TestVerifySignature_RejectsOldTimestamps(t *testing.T) {
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("k"))
	old := time.Now().Add(-time.Hour)
	ts := strconv.FormatInt(old.Unix(), 10)
	sig := sign(secret, "wh_1", ts, []byte("{}"))
	if VerifySignature(secret, "wh_1", ts, sig, []byte("{}"), time.Now()) {
		t.Fatalf("expected stale timestamp to be rejected")
	}
	if !VerifySignature(secret, "wh_1", ts, sig, []byte("{}"), old) {
		t.Fatalf("expected signature valid at its own time")
	}
}
