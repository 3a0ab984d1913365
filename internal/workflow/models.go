package workflow

import (
	"errors"
	"time"
)

type Status string

const (
	StatusInitiated      Status = "initiated"
	StatusCollectingData Status = "collecting_data"
	StatusFormFilling    Status = "form_filling"
	StatusOTPRequested   Status = "otp_requested"
	StatusOTPVerified    Status = "otp_verified"
	StatusSubmitting     Status = "submitting"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Workflow is one multi-step data-collection session.
//
// Invariants:
// - Terminal workflows have ManualOverrideEnabled=false and OperatorNotes=nil.
// - Version increases by one with every stored mutation.
type Workflow struct {
	ID                    string    `json:"id"`
	CallID                string    `json:"callId,omitempty"`
	Status                Status    `json:"status"`
	ManualOverrideEnabled bool      `json:"manualOverrideEnabled"`
	OperatorID            string    `json:"operatorId,omitempty"`
	OperatorNotes         *string   `json:"operatorNotes"`
	Version               int       `json:"version"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Update is a partial mutation. Nil fields are left unchanged.
type Update struct {
	Status                *Status `json:"status,omitempty"`
	ManualOverrideEnabled *bool   `json:"manualOverrideEnabled,omitempty"`
	OperatorNotes         *string `json:"operatorNotes,omitempty"`
}

func (u Update) Empty() bool {
	return u.Status == nil && u.ManualOverrideEnabled == nil && u.OperatorNotes == nil
}

// Actor is whoever requests a mutation.
type Actor struct {
	ID         string
	Automation bool
}

// Outcome describes an accepted mutation.
type Outcome struct {
	From          Status `json:"from"`
	To            Status `json:"to"`
	StatusChanged bool   `json:"statusChanged"`
	// Reopen marks a terminal to non-terminal move; it is audited as a warning.
	Reopen bool `json:"reopen"`
}

// Rejection codes.
const (
	CodeInvalidTransition         = "invalid_transition"
	CodeInvalidStatus             = "invalid_status"
	CodeAlreadyPaused             = "already_paused"
	CodeNotPaused                 = "not_paused"
	CodePausedTerminal            = "paused_terminal"
	CodeAlreadyCancelled          = "already_cancelled"
	CodeEmptyUpdate               = "empty_update"
	CodeAutomationReopenCancelled = "automation_reopen_cancelled"
	CodeTerminalNotes             = "terminal_notes"
)

// ValidationError is a rejected mutation. It is never retried.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

func reject(code, msg string) error { return &ValidationError{Code: code, Message: msg} }

var (
	ErrNotFound        = errors.New("workflow: not found")
	ErrVersionConflict = errors.New("workflow: concurrent modification, retry")
)
