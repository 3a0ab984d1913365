package telephony

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func webhookRouter(o *Orchestrator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := WebhookHandler{Orchestrator: o}
	g := r.Group("/", Recovery())
	g.POST(PathVoice, h.Voice)
	g.POST(PathCallStatus, h.CallStatus)
	g.POST(PathConference, h.Conference)
	g.POST(PathRecording, h.Recording)
	return r
}

func TestWebhookHandler_VoiceReturnsConferenceTwiML(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f.orch)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, formRequest(PathVoice, url.Values{"CallSid": {"CA1"}, "From": {"+14155552100"}, "CallToken": {"tok"}}))
	f.wait(t)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("expected xml, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<Conference") {
		t.Fatalf("expected conference directive, got %s", w.Body.String())
	}
}

func TestWebhookHandler_UnknownCallbacksStillReturn200(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f.orch)

	for _, path := range []string{PathCallStatus, PathConference, PathRecording + "?conference=nope"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, formRequest(path, url.Values{"CallSid": {"CA-unknown"}, "CallStatus": {"completed"}, "RecordingStatus": {"completed"}}))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestRecovery_PanicBecomesApology(t *testing.T) {
	// A nil orchestrator panics inside the handler.
	r := webhookRouter(nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, formRequest(PathVoice, url.Values{"CallSid": {"CA1"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Hangup") {
		t.Fatalf("expected apology with hangup, got %s", w.Body.String())
	}
}

func TestOperatorHandler_StatusMapping(t *testing.T) {
	f := newFixture(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := OperatorHandler{Orchestrator: f.orch}
	r.POST("/v1/calls/:conference/supervisor", h.AddSupervisor)
	r.POST("/v1/calls/:conference/handoff", h.HandOff)
	r.POST("/v1/calls", h.PlaceCall)

	post := func(path, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := post("/v1/calls/call-missing/supervisor", `{"number":"+14155552123"}`); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := post("/v1/calls/call-missing/supervisor", `{}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code := post("/v1/calls", `{"number":"nope"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code := post("/v1/calls", `{"number":"+14155552100"}`); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	f.orch.AcceptInbound(context.Background(), inboundWebhook())
	f.wait(t)
	f.orch.HandleConferenceEvent(context.Background(), ConferenceEvent{Event: "conference-end", FriendlyName: "call-CA1"})
	f.wait(t)
	if code := post("/v1/calls/call-CA1/handoff", ``); code != http.StatusGone {
		t.Fatalf("expected 410, got %d", code)
	}
}
