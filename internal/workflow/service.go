package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// MaxPatchAttempts bounds the read-validate-write loop under contention.
const MaxPatchAttempts = 3

// AuditSink records accepted mutations. *audit.Service satisfies it.
type AuditSink interface {
	LogWorkflowChange(ctx context.Context, workflowID, actorID, from, to string, reopen bool, details any) error
}

type Service struct {
	repo  Repository
	audit AuditSink
	log   *slog.Logger
	now   func() time.Time
}

func NewService(repo Repository, audit AuditSink, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, audit: audit, log: log, now: time.Now}
}

// Start creates a workflow in the initiated state.
func (s *Service) Start(ctx context.Context, callID string, actor Actor) (Workflow, error) {
	now := s.now().UTC()
	return s.repo.Create(ctx, Workflow{
		CallID:     callID,
		Status:     StatusInitiated,
		OperatorID: actor.ID,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func (s *Service) Get(ctx context.Context, id string) (Workflow, error) { return s.repo.Get(ctx, id) }

// Patch applies u under optimistic locking. A lost race re-reads and re-validates
// against the winner's state; validation errors are returned as is.
func (s *Service) Patch(ctx context.Context, id string, u Update, actor Actor) (Workflow, Outcome, error) {
	for attempt := 1; attempt <= MaxPatchAttempts; attempt++ {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return Workflow{}, Outcome{}, err
		}
		next, out, err := Apply(current, u, actor, s.now())
		if err != nil {
			return current, out, err
		}
		stored, err := s.repo.Update(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			s.log.Debug("workflow version conflict", "workflow_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return Workflow{}, Outcome{}, err
		}
		s.record(ctx, stored, u, actor, out)
		return stored, out, nil
	}
	return Workflow{}, Outcome{}, ErrVersionConflict
}

func (s *Service) record(ctx context.Context, w Workflow, u Update, actor Actor, out Outcome) {
	log := s.log.With("workflow_id", w.ID, "from", out.From, "to", out.To)
	if out.Reopen {
		log.Warn("workflow reopened", "actor", actor.ID)
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.LogWorkflowChange(ctx, w.ID, actor.ID, string(out.From), string(out.To), out.Reopen, u); err != nil {
		log.Error("workflow audit failed", "err", err)
	}
}
