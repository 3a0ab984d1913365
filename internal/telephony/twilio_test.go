package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"voice-bridge/internal/resilience"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Form   map[string][]string
	User   string
	Pass   string
}

func newTwilioServer(t *testing.T, status int, body string) (*TwilioClient, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		user, pass, _ := r.BasicAuth()
		mu.Lock()
		reqs = append(reqs, capturedRequest{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Form: r.PostForm, User: user, Pass: pass,
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client, err := NewTwilioClient(TwilioClientConfig{AccountSID: "AC123", AuthToken: "secret", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestTwilioClient_AddParticipantCoach(t *testing.T) {
	client, requests := newTwilioServer(t, http.StatusCreated,
		`{"call_sid":"CA9","conference_sid":"CF1","label":"supervisor","muted":false,"coaching":true}`)

	p, err := client.AddParticipant(context.Background(), "call-CA1", ParticipantParams{
		From: "+14155552000", To: "+14155552123", Label: LabelSupervisor,
		Muted: true, Coaching: true, CallSidToCoach: "CA-ai",
	})
	if err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if p.CallSid != "CA9" || p.ConferenceSid != "CF1" || !p.Coaching {
		t.Fatalf("unexpected participant %+v", p)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Method != http.MethodPost || r.Path != "/2010-04-01/Accounts/AC123/Conferences/call-CA1/Participants.json" {
		t.Fatalf("unexpected request %s %s", r.Method, r.Path)
	}
	if r.User != "AC123" || r.Pass != "secret" {
		t.Fatalf("expected basic auth with account credentials")
	}
	if got := r.Form["Coaching"]; len(got) != 1 || got[0] != "true" {
		t.Fatalf("expected Coaching=true, got %v", got)
	}
	if got := r.Form["CallSidToCoach"]; len(got) != 1 || got[0] != "CA-ai" {
		t.Fatalf("expected CallSidToCoach, got %v", got)
	}
	if _, muted := r.Form["Muted"]; muted {
		t.Fatalf("coach leg must not be sent muted")
	}
}

func TestTwilioClient_NotFoundWrapsStatusError(t *testing.T) {
	client, _ := newTwilioServer(t, http.StatusNotFound, `{"code":20404,"message":"not found"}`)

	_, err := client.GetParticipant(context.Background(), "CF1", LabelAI)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var se *resilience.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
	if class := resilience.TelephonyRetry().Classify(err); class != resilience.ClassPermanent {
		t.Fatalf("expected permanent, got %v", class)
	}
}

func TestTwilioClient_ServerErrorIsRetryable(t *testing.T) {
	client, _ := newTwilioServer(t, http.StatusServiceUnavailable, `{}`)

	err := client.UpdateCall(context.Background(), "CA1", CallUpdate{Status: "completed"})
	if class := resilience.TelephonyRetry().Classify(err); class != resilience.ClassRetryable {
		t.Fatalf("expected retryable, got %v (%v)", class, err)
	}
}

func TestTwilioClient_FindConferenceSid(t *testing.T) {
	client, requests := newTwilioServer(t, http.StatusOK, `{"conferences":[{"sid":"CF77"}]}`)

	sid, err := client.FindConferenceSid(context.Background(), "call-CA1")
	if err != nil || sid != "CF77" {
		t.Fatalf("expected CF77, got %q %v", sid, err)
	}
	if q := requests()[0].Query; q != "FriendlyName=call-CA1&Status=in-progress" {
		t.Fatalf("unexpected query %q", q)
	}
}

func TestSipTarget(t *testing.T) {
	if got := sipTarget("sip:agent@model.example.com", "call-CA1"); got != "sip:agent@model.example.com?X-Conference-Name=call-CA1" {
		t.Fatalf("unexpected target %q", got)
	}
	if got := sipTarget("sip:agent@model.example.com?x=1", "c"); got != "sip:agent@model.example.com?x=1&X-Conference-Name=c" {
		t.Fatalf("unexpected target %q", got)
	}
}
