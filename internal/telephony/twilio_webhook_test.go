package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"voice-bridge/internal/calls"
)

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestParseVoiceWebhook(t *testing.T) {
	req := formRequest("/webhooks/twilio/voice", url.Values{
		"CallSid":      {" CA1 "},
		"From":         {"(415) 555-2100"},
		"To":           {"client:agent"},
		"CallStatus":   {"ringing"},
		"CallToken":    {"tok"},
		"CallDuration": {"12"},
	})
	wh, err := ParseVoiceWebhook(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if wh.CallSid != "CA1" || wh.From != "+14155552100" || wh.To != "client:agent" || wh.CallToken != "tok" || wh.CallDuration != 12 {
		t.Fatalf("unexpected webhook %+v", wh)
	}
}

func TestParseRecordingEvent_ConferenceFromQuery(t *testing.T) {
	req := formRequest("/webhooks/twilio/recording?conference=call-CA1", url.Values{
		"RecordingSid": {"RE1"}, "RecordingUrl": {"https://api.twilio.com/r/RE1"}, "RecordingStatus": {"completed"}, "RecordingDuration": {"30"},
	})
	ev, err := ParseRecordingEvent(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.ConferenceName != "call-CA1" || ev.RecordingSid != "RE1" || ev.RecordingDuration != 30 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMapCallStatus(t *testing.T) {
	cases := map[string]calls.Status{
		"initiated":   calls.StatusInitiated,
		"ringing":     calls.StatusRinging,
		"answered":    calls.StatusInProgress,
		"in-progress": calls.StatusInProgress,
		"completed":   calls.StatusCompleted,
		"busy":        calls.StatusFailed,
		"no-answer":   calls.StatusFailed,
		"canceled":    calls.StatusFailed,
		"Failed":      calls.StatusFailed,
	}
	for in, want := range cases {
		got, ok := MapCallStatus(in)
		if !ok || got != want {
			t.Fatalf("%s: expected %s, got %s (ok=%v)", in, want, got, ok)
		}
	}
	if _, ok := MapCallStatus("queued"); ok {
		t.Fatalf("expected queued to be ignored")
	}
}
