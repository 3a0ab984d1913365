package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - subject_id is required; every event is about one workflow, call or outbox row.
// - actor capture is best-effort; do not block critical flows on audit failures.
//
// Storage (Postgres):
// - Table audit_events, INSERT-only from this service.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type     EventType `json:"type" db:"type"`
	Severity Severity  `json:"severity" db:"severity"`

	// ActorID is the operator id, or "automation" for system-driven changes.
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	SubjectType string `json:"subject_type" db:"subject_type"`
	SubjectID   string `json:"subject_id" db:"subject_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeWorkflowUpdated  EventType = "workflow_updated"
	EventTypeWorkflowReopened EventType = "workflow_reopened"
	EventTypeCallHandedOff    EventType = "call_handed_off"
	EventTypeSupervisorJoined EventType = "supervisor_joined"
	EventTypeOutboxExhausted  EventType = "outbox_exhausted"
	EventTypeOutboxRequeued   EventType = "outbox_requeued"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

const (
	SubjectWorkflow = "workflow"
	SubjectCall     = "call"
	SubjectOutbox   = "outbox_entry"
)

// ActorAutomation marks changes made by background jobs or the agent runtime.
const ActorAutomation = "automation"
