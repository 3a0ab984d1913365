package audit

import (
	"context"
	"database/sql"
	"fmt"

	"voice-bridge/pkg/utils"
)

// PostgresRepo appends events to audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, severity, actor_id, subject_type, subject_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, string(e.Type), string(e.Severity), utils.NullString(e.ActorID), e.SubjectType, e.SubjectID,
		utils.NullString(e.Message), utils.NullString(e.Metadata), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListBySubject(ctx context.Context, subjectType, subjectID string, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, severity, actor_id, subject_type, subject_id, message, metadata, created_at
		FROM audit_events
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, subjectType, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                       Event
			typ, sev                string
			actor, message, details sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &sev, &actor, &e.SubjectType, &e.SubjectID, &message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: list: %w", err)
		}
		e.Type, e.Severity = EventType(typ), Severity(sev)
		e.ActorID, e.Message, e.Metadata = actor.String, message.String, details.String
		out = append(out, e)
	}
	return out, rows.Err()
}
