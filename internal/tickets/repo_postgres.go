package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voice-bridge/pkg/utils"

	"github.com/google/uuid"
)

// PostgresRepo implements Repository on database/sql (pgx driver).
//
// The claim is a single conditional UPDATE: Postgres re-evaluates the WHERE clause
// against the latest row version after acquiring the row lock, so of N concurrent
// claimers exactly one sees an expired (or empty) lease.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const entryColumns = `id, correlation_key, record_id, payload, status, attempts, last_error, ticket_number,
	lock_owner, lock_expires_at, synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (Entry, error) {
	var (
		e                             Entry
		status                        string
		recordID, lastErr, tkt, owner sql.NullString
		lockExpires, syncedAt         sql.NullTime
		payload                       []byte
	)
	if err := s.Scan(&e.ID, &e.CorrelationKey, &recordID, &payload, &status, &e.Attempts, &lastErr, &tkt,
		&owner, &lockExpires, &syncedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	e.RecordID = recordID.String
	e.Payload = payload
	e.LastError = lastErr.String
	e.TicketNumber = tkt.String
	e.LockOwner = owner.String
	if lockExpires.Valid {
		e.LockExpiresAt = lockExpires.Time
	}
	if syncedAt.Valid {
		e.SyncedAt = syncedAt.Time
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Insert(ctx context.Context, e Entry) (Entry, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var out Entry
	created := false
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO ticket_outbox (id, correlation_key, record_id, payload, status, attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
			ON CONFLICT (correlation_key) WHERE status <> 'failed_exhausted' DO NOTHING
			RETURNING `+entryColumns,
			e.ID, e.CorrelationKey, utils.NullString(e.RecordID), []byte(e.Payload), e.CreatedAt,
		)
		inserted, err := scanEntry(row)
		if err == nil {
			out, created = inserted, true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		existing, err := scanEntry(tx.QueryRowContext(ctx, `
			SELECT `+entryColumns+` FROM ticket_outbox
			WHERE correlation_key = $1 AND status <> 'failed_exhausted'`, e.CorrelationKey))
		if err != nil {
			return fmt.Errorf("load existing entry: %w", err)
		}
		out = existing
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("tickets: insert outbox entry: %w", err)
	}
	return out, created, nil
}

const claimSet = `SET status = 'sending', lock_owner = $2, lock_expires_at = $4, updated_at = $3`

const claimGuard = `status IN ('pending', 'sending')
	AND (lock_owner IS NULL OR lock_expires_at IS NULL OR lock_expires_at < $3)`

func (r *PostgresRepo) ClaimByKey(ctx context.Context, key, token string, now, leaseUntil time.Time) (ClaimResult, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE ticket_outbox `+claimSet+`
		WHERE correlation_key = $1 AND `+claimGuard+`
		RETURNING `+entryColumns,
		key, token, now, leaseUntil,
	)
	e, err := scanEntry(row)
	if err == nil {
		return ClaimResult{Outcome: ClaimAcquired, Entry: e}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ClaimResult{}, fmt.Errorf("tickets: claim by key: %w", err)
	}
	return r.explain(ctx, `correlation_key = $1 ORDER BY (status <> 'failed_exhausted') DESC, created_at DESC LIMIT 1`, key, now)
}

func (r *PostgresRepo) ClaimByID(ctx context.Context, id, token string, now, leaseUntil time.Time) (ClaimResult, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE ticket_outbox `+claimSet+`
		WHERE id = $1 AND `+claimGuard+`
		RETURNING `+entryColumns,
		id, token, now, leaseUntil,
	)
	e, err := scanEntry(row)
	if err == nil {
		return ClaimResult{Outcome: ClaimAcquired, Entry: e}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ClaimResult{}, fmt.Errorf("tickets: claim by id: %w", err)
	}
	return r.explain(ctx, `id = $1`, id, now)
}

// explain reports why a claim did not apply.
func (r *PostgresRepo) explain(ctx context.Context, where string, arg any, now time.Time) (ClaimResult, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ticket_outbox WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return ClaimResult{Outcome: ClaimNotFound}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("tickets: inspect entry: %w", err)
	}
	switch {
	case e.Status == StatusSent:
		return ClaimResult{Outcome: ClaimAlreadySent, Entry: e}, nil
	case e.Status == StatusFailedExhausted:
		return ClaimResult{Outcome: ClaimExhausted, Entry: e}, nil
	default:
		return ClaimResult{Outcome: ClaimLockHeld, Entry: e}, nil
	}
}

func (r *PostgresRepo) MarkSent(ctx context.Context, id, ticketNumber string, now time.Time) (Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `
		UPDATE ticket_outbox
		SET status = 'sent', ticket_number = $2, attempts = attempts + 1, last_error = NULL,
		    lock_owner = NULL, lock_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND status <> 'sent'
		RETURNING `+entryColumns, id, ticketNumber, now))
	if errors.Is(err, sql.ErrNoRows) {
		return r.Get(ctx, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("tickets: mark sent: %w", err)
	}
	return e, nil
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id, token, lastError string, exhaust bool, maxAttempts int, now time.Time) (Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `
		UPDATE ticket_outbox
		SET attempts = attempts + 1,
		    status = CASE WHEN $4 OR attempts + 1 >= $5 THEN 'failed_exhausted' ELSE 'pending' END,
		    last_error = $3, lock_owner = NULL, lock_expires_at = NULL, updated_at = $6
		WHERE id = $1 AND status = 'sending' AND lock_owner = $2
		RETURNING `+entryColumns, id, token, lastError, exhaust, maxAttempts, now))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrLeaseLost
	}
	if err != nil {
		return Entry{}, fmt.Errorf("tickets: mark failed: %w", err)
	}
	return e, nil
}

func (r *PostgresRepo) Release(ctx context.Context, id, token, lastError string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ticket_outbox
		SET status = 'pending', last_error = $3, lock_owner = NULL, lock_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'sending' AND lock_owner = $2`, id, token, lastError, now)
	if err != nil {
		return fmt.Errorf("tickets: release lease: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *PostgresRepo) ListDue(ctx context.Context, now, pendingBefore time.Time, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ticket_outbox
		WHERE (status = 'pending' AND updated_at < $2)
		   OR (status = 'sending' AND lock_expires_at < $1)
		ORDER BY created_at ASC
		LIMIT $3`, now, pendingBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("tickets: list due: %w", err)
	}
	return scanEntries(rows)
}

func (r *PostgresRepo) ListUnsynced(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ticket_outbox
		WHERE status = 'sent' AND synced_at IS NULL AND record_id IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("tickets: list unsynced: %w", err)
	}
	return scanEntries(rows)
}

func (r *PostgresRepo) MarkSynced(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE ticket_outbox SET synced_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("tickets: mark synced: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ticket_outbox WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("tickets: get entry: %w", err)
	}
	return e, nil
}

func (r *PostgresRepo) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ticket_outbox
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("tickets: list: %w", err)
	}
	return scanEntries(rows)
}

func (r *PostgresRepo) Requeue(ctx context.Context, id string, now time.Time) (Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `
		UPDATE ticket_outbox
		SET status = 'pending', attempts = 0, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'failed_exhausted'
		RETURNING `+entryColumns, id, now))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, ErrNotFound
	case utils.IsUniqueViolation(err):
		return Entry{}, ErrConflict
	case err != nil:
		return Entry{}, fmt.Errorf("tickets: requeue: %w", err)
	}
	return e, nil
}
