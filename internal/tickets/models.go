// Package tickets delivers ticket-creation intents to the external ticketing API
// through a durable outbox: the intent is written before any network call, a
// database lease ensures one sender per entry, and a sweep retries leftovers.
package tickets

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the delivery status of an outbox entry.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusFailedExhausted Status = "failed_exhausted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailedExhausted:
		return true
	default:
		return false
	}
}

// Entry is one durable delivery intent.
//
// Invariants:
// - At most one non-exhausted entry exists per CorrelationKey.
// - Only the holder of an unexpired lease (LockOwner) may move an entry out of sending.
// - sent and failed_exhausted are final unless an operator requeues an exhausted entry.
type Entry struct {
	ID             string          `json:"id"`
	CorrelationKey string          `json:"correlation_key"`
	RecordID       string          `json:"record_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	TicketNumber   string          `json:"ticket_number,omitempty"`
	LockOwner      string          `json:"-"`
	LockExpiresAt  time.Time       `json:"lock_expires_at,omitempty"`
	SyncedAt       time.Time       `json:"synced_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ClaimOutcome tags the result of a claim.
type ClaimOutcome int

const (
	ClaimNotFound ClaimOutcome = iota
	ClaimAcquired
	ClaimAlreadySent
	ClaimLockHeld
	ClaimExhausted
)

func (c ClaimOutcome) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadySent:
		return "already_sent"
	case ClaimLockHeld:
		return "lock_held"
	case ClaimExhausted:
		return "exhausted"
	default:
		return "not_found"
	}
}

// ClaimResult carries the entry as seen by the claim. On ClaimAcquired,
// Entry.LockOwner is the lease token the caller must present to finish.
type ClaimResult struct {
	Outcome ClaimOutcome
	Entry   Entry
}

// SendOutcome tags the result of a delivery attempt.
type SendOutcome int

const (
	SendSent SendOutcome = iota + 1
	SendAlreadySent
	SendSkipped
	SendRetryLater
	SendExhausted
)

func (s SendOutcome) String() string {
	switch s {
	case SendSent:
		return "sent"
	case SendAlreadySent:
		return "already_sent"
	case SendSkipped:
		return "skipped"
	case SendRetryLater:
		return "retry_later"
	case SendExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type SendResult struct {
	Outcome      SendOutcome
	TicketNumber string
	Entry        Entry
	Err          error
}

var (
	ErrNotFound       = errors.New("tickets: outbox entry not found")
	ErrLeaseLost      = errors.New("tickets: lease no longer held")
	ErrInvalidPayload = errors.New("tickets: invalid ticket payload")
	ErrConflict       = errors.New("tickets: live entry already exists for correlation key")
	ErrMissingFields  = errors.New("tickets: ticketing api reported missing fields")
)
