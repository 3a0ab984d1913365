package calls

import "time"

// Status is the lifecycle status of a live call leg.
type Status string

const (
	StatusInitiated   Status = "initiated"
	StatusRinging     Status = "ringing"
	StatusInProgress  Status = "in_progress"
	StatusTransferred Status = "transferred"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Rank orders statuses for monotonic updates. Unknown statuses rank -1.
//
// Invariants:
// - A write is applied only when its rank is >= the current rank.
// - completed and failed share the top rank, so the later terminal write wins.
// - transferred is terminal for the AI leg but can still be completed by the conference ending.
func (s Status) Rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusTransferred:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether no further call activity is expected on this leg.
func (s Status) Terminal() bool {
	return s == StatusTransferred || s == StatusCompleted || s == StatusFailed
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// BridgeState is the orchestration stage of a conference.
type BridgeState string

const (
	BridgeAccepting BridgeState = "accepting"
	BridgeBridged   BridgeState = "bridged"
	BridgeCoaching  BridgeState = "coaching"
	BridgeHandedOff BridgeState = "handed_off"
	BridgeEnded     BridgeState = "ended"
)

// CallSession is the in-memory correlation record for one live conference.
// ConferenceName is the primary key; ModelCallID is bound once the model leg
// connects and is unique across live sessions.
type CallSession struct {
	ConferenceName string    `json:"conference_name"`
	Direction      Direction `json:"direction"`

	CallerNumber    string `json:"caller_number,omitempty"`
	CarrierNumber   string `json:"carrier_number,omitempty"`
	CarrierCallSid  string `json:"carrier_call_sid,omitempty"`
	CallToken       string `json:"call_token,omitempty"`
	ConferenceSid   string `json:"conference_sid,omitempty"`
	ModelCallID     string `json:"model_call_id,omitempty"`
	CallRecordID    string `json:"call_record_id,omitempty"`
	AIParticipantID string `json:"ai_participant_call_sid,omitempty"`

	Status Status      `json:"status"`
	Bridge BridgeState `json:"bridge_state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CallRecord is the durable call row owned by the record store.
type CallRecord struct {
	ID             string    `json:"id" db:"id"`
	CarrierCallSid string    `json:"carrier_call_sid" db:"carrier_call_sid"`
	ConferenceName string    `json:"conference_name" db:"conference_name"`
	ModelCallID    string    `json:"model_call_id,omitempty" db:"model_call_id"`
	Direction      Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status Status `json:"status" db:"status"`

	DurationSeconds int `json:"duration" db:"duration_seconds"`

	RecordingSid string `json:"recording_sid,omitempty" db:"recording_sid"`
	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	Transcript   string `json:"transcript,omitempty" db:"transcript"`
	TicketNumber string `json:"ticket_number,omitempty" db:"ticket_number"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RecordUpdate is a sparse update; nil fields are left untouched.
type RecordUpdate struct {
	ModelCallID     *string
	Status          *Status
	DurationSeconds *int
	RecordingSid    *string
	RecordingURL    *string
	Transcript      *string
	TicketNumber    *string
}

func (u RecordUpdate) Empty() bool {
	return u.ModelCallID == nil && u.Status == nil && u.DurationSeconds == nil &&
		u.RecordingSid == nil && u.RecordingURL == nil && u.Transcript == nil && u.TicketNumber == nil
}
