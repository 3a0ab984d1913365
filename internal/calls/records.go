package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordStore persists durable call records.
type RecordStore interface {
	// CreateCallRecord is idempotent on CarrierCallSid; a retried webhook gets the existing row.
	CreateCallRecord(ctx context.Context, rec CallRecord) (CallRecord, error)
	UpdateCallRecord(ctx context.Context, id string, u RecordUpdate) error
	GetCallRecord(ctx context.Context, id string) (CallRecord, error)
	GetCallRecordByCarrierSid(ctx context.Context, callSid string) (CallRecord, error)
}

// PostgresRecordStore implements RecordStore on database/sql (pgx driver).
type PostgresRecordStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db, now: time.Now}
}

const recordColumns = `id, carrier_call_sid, conference_name, model_call_id, direction, from_number, to_number,
	status, duration_seconds, recording_sid, recording_url, transcript, ticket_number, created_at, updated_at`

func (s *PostgresRecordStore) CreateCallRecord(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if rec.CarrierCallSid == "" || rec.ConferenceName == "" {
		return CallRecord{}, fmt.Errorf("%w: carrier call sid and conference name required", ErrInvalidArgument)
	}
	now := s.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusInitiated
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO call_records (id, carrier_call_sid, conference_name, direction, from_number, to_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (carrier_call_sid) DO UPDATE SET updated_at = call_records.updated_at
		RETURNING `+recordColumns,
		rec.ID, rec.CarrierCallSid, rec.ConferenceName, string(rec.Direction), rec.From, rec.To, string(rec.Status), now,
	)
	return scanRecord(row)
}

func (s *PostgresRecordStore) UpdateCallRecord(ctx context.Context, id string, u RecordUpdate) error {
	if id == "" {
		return fmt.Errorf("%w: record id required", ErrInvalidArgument)
	}
	if u.Empty() {
		return nil
	}

	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.ModelCallID != nil {
		add("model_call_id", *u.ModelCallID)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.DurationSeconds != nil {
		add("duration_seconds", *u.DurationSeconds)
	}
	if u.RecordingSid != nil {
		add("recording_sid", *u.RecordingSid)
	}
	if u.RecordingURL != nil {
		add("recording_url", *u.RecordingURL)
	}
	if u.Transcript != nil {
		add("transcript", *u.Transcript)
	}
	if u.TicketNumber != nil {
		add("ticket_number", *u.TicketNumber)
	}
	add("updated_at", s.now().UTC())
	args = append(args, id)

	q := fmt.Sprintf("UPDATE call_records SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("calls: update record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresRecordStore) GetCallRecord(ctx context.Context, id string) (CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM call_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return rec, err
}

func (s *PostgresRecordStore) GetCallRecordByCarrierSid(ctx context.Context, callSid string) (CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM call_records WHERE carrier_call_sid = $1`, callSid)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("%w: carrier call %s", ErrNotFound, callSid)
	}
	return rec, err
}

func scanRecord(row *sql.Row) (CallRecord, error) {
	var (
		rec                                          CallRecord
		modelCallID, recSid, recURL, transcript, tkt sql.NullString
		direction, status                            string
	)
	err := row.Scan(
		&rec.ID, &rec.CarrierCallSid, &rec.ConferenceName, &modelCallID, &direction, &rec.From, &rec.To,
		&status, &rec.DurationSeconds, &recSid, &recURL, &transcript, &tkt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	rec.Direction = Direction(direction)
	rec.Status = Status(status)
	rec.ModelCallID = modelCallID.String
	rec.RecordingSid = recSid.String
	rec.RecordingURL = recURL.String
	rec.Transcript = transcript.String
	rec.TicketNumber = tkt.String
	return rec, nil
}

// MemoryRecordStore is an in-memory RecordStore useful for tests.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]CallRecord
	bySid   map[string]string
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]CallRecord), bySid: make(map[string]string)}
}

func (s *MemoryRecordStore) CreateCallRecord(_ context.Context, rec CallRecord) (CallRecord, error) {
	if rec.CarrierCallSid == "" || rec.ConferenceName == "" {
		return CallRecord{}, fmt.Errorf("%w: carrier call sid and conference name required", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySid[rec.CarrierCallSid]; ok {
		return s.records[id], nil
	}
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusInitiated
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.records[rec.ID] = rec
	s.bySid[rec.CarrierCallSid] = rec.ID
	return rec, nil
}

func (s *MemoryRecordStore) UpdateCallRecord(_ context.Context, id string, u RecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if u.ModelCallID != nil {
		rec.ModelCallID = *u.ModelCallID
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.DurationSeconds != nil {
		rec.DurationSeconds = *u.DurationSeconds
	}
	if u.RecordingSid != nil {
		rec.RecordingSid = *u.RecordingSid
	}
	if u.RecordingURL != nil {
		rec.RecordingURL = *u.RecordingURL
	}
	if u.Transcript != nil {
		rec.Transcript = *u.Transcript
	}
	if u.TicketNumber != nil {
		rec.TicketNumber = *u.TicketNumber
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

func (s *MemoryRecordStore) GetCallRecord(_ context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return CallRecord{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return rec, nil
}

func (s *MemoryRecordStore) GetCallRecordByCarrierSid(_ context.Context, callSid string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySid[callSid]
	if !ok {
		return CallRecord{}, fmt.Errorf("%w: carrier call %s", ErrNotFound, callSid)
	}
	return s.records[id], nil
}

// Ptr is a small helper for building sparse updates.
func Ptr[T any](v T) *T { return &v }
