package telephony

import (
	"net/http"
	"strconv"
	"strings"

	"voice-bridge/internal/calls"
	"voice-bridge/pkg/phone"
)

// VoiceWebhook captures the subset of Twilio voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
//
// Keep it provider-adapter-only. Decisions are made by the Orchestrator.
type VoiceWebhook struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	// CallToken lets us originate further legs that present the caller's number.
	CallToken    string
	CallDuration int
}

// ConferenceEvent is a conference status callback.
type ConferenceEvent struct {
	Event            string
	ConferenceSid    string
	FriendlyName     string
	CallSid          string
	ParticipantLabel string
}

// RecordingEvent is a recording status callback.
type RecordingEvent struct {
	// ConferenceName comes from the callback URL we registered.
	ConferenceName    string
	RecordingSid      string
	RecordingURL      string
	RecordingStatus   string
	RecordingDuration int
	CallSid           string
	ConferenceSid     string
}

func ParseVoiceWebhook(r *http.Request) (VoiceWebhook, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceWebhook{}, err
	}
	return VoiceWebhook{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   r.PostFormValue("CallStatus"),
		CallToken:    r.PostFormValue("CallToken"),
		CallDuration: atoi(r.PostFormValue("CallDuration")),
	}, nil
}

func ParseConferenceEvent(r *http.Request) (ConferenceEvent, error) {
	if err := r.ParseForm(); err != nil {
		return ConferenceEvent{}, err
	}
	return ConferenceEvent{
		Event:            r.PostFormValue("StatusCallbackEvent"),
		ConferenceSid:    r.PostFormValue("ConferenceSid"),
		FriendlyName:     r.PostFormValue("FriendlyName"),
		CallSid:          r.PostFormValue("CallSid"),
		ParticipantLabel: r.PostFormValue("ParticipantLabel"),
	}, nil
}

func ParseRecordingEvent(r *http.Request) (RecordingEvent, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingEvent{}, err
	}
	return RecordingEvent{
		ConferenceName:    r.URL.Query().Get("conference"),
		RecordingSid:      r.PostFormValue("RecordingSid"),
		RecordingURL:      r.PostFormValue("RecordingUrl"),
		RecordingStatus:   r.PostFormValue("RecordingStatus"),
		RecordingDuration: atoi(r.PostFormValue("RecordingDuration")),
		CallSid:           r.PostFormValue("CallSid"),
		ConferenceSid:     r.PostFormValue("ConferenceSid"),
	}, nil
}

// normalizePhone converts to E.164 where possible. Twilio sometimes sends
// "anonymous", client identities or SIP URIs; those are kept as-is.
func normalizePhone(s string) string {
	return phone.NormalizeE164(s)
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// MapCallStatus maps a Twilio CallStatus to the session status. ok is false for
// statuses that carry no lifecycle meaning for us (queued).
func MapCallStatus(twilioStatus string) (calls.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(twilioStatus)) {
	case "initiated":
		return calls.StatusInitiated, true
	case "ringing":
		return calls.StatusRinging, true
	case "in-progress", "answered":
		return calls.StatusInProgress, true
	case "completed":
		return calls.StatusCompleted, true
	case "busy", "no-answer", "failed", "canceled":
		return calls.StatusFailed, true
	default:
		return "", false
	}
}

// ConferenceNameForCall derives the conference name from the carrier call sid, so a
// duplicate new-call webhook maps onto the same conference.
func ConferenceNameForCall(callSid string) string {
	return "call-" + callSid
}
