package telephony

import (
	"context"
	"errors"
)

// Carrier is the provider-agnostic call-control surface the Orchestrator drives.
//
// Rules:
//   - No provider REST calls outside carrier adapters.
//   - Implementations return *resilience.StatusError for non-2xx responses so the
//     telephony policy can classify them; 404s also match ErrNotFound.
type Carrier interface {
	// AddParticipant dials a new leg into the named conference.
	AddParticipant(ctx context.Context, conferenceName string, p ParticipantParams) (Participant, error)
	// GetParticipant fetches a participant by label or call sid.
	GetParticipant(ctx context.Context, conferenceSid, labelOrCallSid string) (Participant, error)
	// FindConferenceSid resolves an in-progress conference by friendly name.
	FindConferenceSid(ctx context.Context, conferenceName string) (string, error)

	CreateCall(ctx context.Context, p CallParams) (string, error)
	UpdateCall(ctx context.Context, callSid string, u CallUpdate) error
}

// ParticipantParams describes a new conference leg. Muted and Coaching are
// mutually exclusive supervisor flags.
type ParticipantParams struct {
	From      string
	To        string
	Label     string
	CallToken string

	Muted          bool
	Coaching       bool
	CallSidToCoach string

	EndConferenceOnExit bool
	StatusCallback      string
}

type Participant struct {
	CallSid       string `json:"call_sid"`
	ConferenceSid string `json:"conference_sid"`
	Label         string `json:"label"`
	Muted         bool   `json:"muted"`
	Coaching      bool   `json:"coaching"`
}

type CallParams struct {
	From           string
	To             string
	Twiml          string
	StatusCallback string
}

// CallUpdate either ends a call (Status "completed") or replaces its TwiML.
type CallUpdate struct {
	Status string
	Twiml  string
}

// Participant labels used to find legs again.
const (
	LabelAI         = "ai-agent"
	LabelHuman      = "human-agent"
	LabelSupervisor = "supervisor"
)

var ErrNotFound = errors.New("telephony: carrier resource not found")
