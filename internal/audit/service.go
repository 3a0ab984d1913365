package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListBySubject(ctx context.Context, subjectType, subjectID string, limit int) ([]Event, error)
}

// Service records internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records outside the operator surface.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEvent   = errors.New("audit: invalid event")
	ErrUnknownSubject = errors.New("audit: unknown subject type")
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.SubjectID == "" {
		return ErrInvalidEvent
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// History returns the newest events about one subject.
func (s *Service) History(ctx context.Context, subjectType, subjectID string, limit int) ([]Event, error) {
	switch subjectType {
	case SubjectWorkflow, SubjectCall, SubjectOutbox:
	default:
		return nil, ErrUnknownSubject
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListBySubject(ctx, subjectType, subjectID, limit)
}

func metadata(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// LogWorkflowChange records an accepted workflow mutation. Reopens are stored as warnings.
func (s *Service) LogWorkflowChange(ctx context.Context, workflowID, actorID, from, to string, reopen bool, details any) error {
	e := Event{
		Type:        EventTypeWorkflowUpdated,
		Severity:    SeverityInfo,
		ActorID:     actorID,
		SubjectType: SubjectWorkflow,
		SubjectID:   workflowID,
		Message:     "workflow " + from + " -> " + to,
		Metadata:    metadata(details),
	}
	if reopen {
		e.Type = EventTypeWorkflowReopened
		e.Severity = SeverityWarning
		e.Message = "workflow reopened from " + from + " to " + to
	}
	return s.Append(ctx, e)
}

// LogHandOff records a transfer of the conversation to a human.
func (s *Service) LogHandOff(ctx context.Context, conference, actorID, humanNumber string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeCallHandedOff,
		ActorID:     actorID,
		SubjectType: SubjectCall,
		SubjectID:   conference,
		Message:     "call handed off to human",
		Metadata:    metadata(map[string]string{"human_number": humanNumber}),
	})
}

// LogSupervisor records a supervisor joining a conference.
func (s *Service) LogSupervisor(ctx context.Context, conference, actorID, mode string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeSupervisorJoined,
		ActorID:     actorID,
		SubjectType: SubjectCall,
		SubjectID:   conference,
		Message:     "supervisor joined in " + mode + " mode",
		Metadata:    metadata(map[string]string{"mode": mode}),
	})
}

// LogOutboxExhausted records a ticket intent that stopped retrying.
func (s *Service) LogOutboxExhausted(ctx context.Context, entryID, correlationKey, lastError string, attempts int) error {
	return s.Append(ctx, Event{
		Type:        EventTypeOutboxExhausted,
		Severity:    SeverityWarning,
		ActorID:     ActorAutomation,
		SubjectType: SubjectOutbox,
		SubjectID:   entryID,
		Message:     "ticket delivery exhausted",
		Metadata: metadata(map[string]any{
			"correlation_key": correlationKey,
			"last_error":      lastError,
			"attempts":        attempts,
		}),
	})
}

// LogOutboxRequeued records an operator returning an exhausted entry to the queue.
func (s *Service) LogOutboxRequeued(ctx context.Context, entryID, actorID string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeOutboxRequeued,
		ActorID:     actorID,
		SubjectType: SubjectOutbox,
		SubjectID:   entryID,
		Message:     "outbox entry requeued",
	})
}
