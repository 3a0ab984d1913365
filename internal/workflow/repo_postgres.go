package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"voice-bridge/pkg/utils"

	"github.com/google/uuid"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const workflowColumns = `id, call_id, status, manual_override_enabled, operator_id, operator_notes, version, created_at, updated_at`

func scanWorkflow(row *sql.Row) (Workflow, error) {
	var (
		w                       Workflow
		status                  string
		callID, operator, notes sql.NullString
	)
	if err := row.Scan(&w.ID, &callID, &status, &w.ManualOverrideEnabled, &operator, &notes, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Workflow{}, err
	}
	w.Status = Status(status)
	w.CallID = callID.String
	w.OperatorID = operator.String
	if notes.Valid {
		w.OperatorNotes = &notes.String
	}
	return w, nil
}

func notesArg(n *string) any {
	if n == nil {
		return nil
	}
	return *n
}

func (r *PostgresRepo) Create(ctx context.Context, w Workflow) (Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	out, err := scanWorkflow(r.db.QueryRowContext(ctx, `
		INSERT INTO workflows (id, call_id, status, manual_override_enabled, operator_id, operator_notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+workflowColumns,
		w.ID, utils.NullString(w.CallID), string(w.Status), w.ManualOverrideEnabled, utils.NullString(w.OperatorID),
		notesArg(w.OperatorNotes), w.Version, w.CreatedAt, w.UpdatedAt,
	))
	if err != nil {
		return Workflow{}, fmt.Errorf("workflow: create: %w", err)
	}
	return out, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Workflow, error) {
	w, err := scanWorkflow(r.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("workflow: get: %w", err)
	}
	return w, nil
}

// Update is a compare-and-swap on version. A miss is told apart from a missing row
// with a follow-up existence check.
func (r *PostgresRepo) Update(ctx context.Context, w Workflow, expectedVersion int) (Workflow, error) {
	out, err := scanWorkflow(r.db.QueryRowContext(ctx, `
		UPDATE workflows
		SET status = $2, manual_override_enabled = $3, operator_id = $4, operator_notes = $5, version = $6, updated_at = $7
		WHERE id = $1 AND version = $8
		RETURNING `+workflowColumns,
		w.ID, string(w.Status), w.ManualOverrideEnabled, utils.NullString(w.OperatorID), notesArg(w.OperatorNotes),
		w.Version, w.UpdatedAt, expectedVersion,
	))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, fmt.Errorf("workflow: update: %w", err)
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, w.ID).Scan(&exists); err != nil {
		return Workflow{}, fmt.Errorf("workflow: update: %w", err)
	}
	if !exists {
		return Workflow{}, ErrNotFound
	}
	return Workflow{}, ErrVersionConflict
}
