package tickets

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var outboxCols = []string{"id", "correlation_key", "record_id", "payload", "status", "attempts", "last_error",
	"ticket_number", "lock_owner", "lock_expires_at", "synced_at", "created_at", "updated_at"}

func TestPostgresRepo_ClaimByKeyAcquires(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	until := now.Add(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ticket_outbox SET status = 'sending'")).
		WithArgs("call:c1", "tok", now, until).
		WillReturnRows(sqlmock.NewRows(outboxCols).AddRow("e1", "call:c1", nil, []byte(`{}`), "sending", 0, nil, nil,
			"tok", until, nil, now, now))

	res, err := NewPostgresRepo(db).ClaimByKey(context.Background(), "call:c1", "tok", now, until)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Outcome != ClaimAcquired || res.Entry.LockOwner != "tok" {
		t.Fatalf("expected acquired with token, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_ClaimMissExplainsOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	until := now.Add(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ticket_outbox SET status = 'sending'")).
		WithArgs("e1", "tok", now, until).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ticket_outbox WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(outboxCols).AddRow("e1", "call:c1", "rec-1", []byte(`{}`), "sent", 1, nil, "T-1",
			nil, nil, nil, now, now))

	res, err := NewPostgresRepo(db).ClaimByID(context.Background(), "e1", "tok", now, until)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Outcome != ClaimAlreadySent || res.Entry.TicketNumber != "T-1" {
		t.Fatalf("expected already_sent, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_InsertReturnsExistingLiveEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (correlation_key) WHERE status <> 'failed_exhausted' DO NOTHING")).
		WithArgs("new-id", "call:c1", nil, []byte(`{}`), now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE correlation_key = $1 AND status <> 'failed_exhausted'")).
		WithArgs("call:c1").
		WillReturnRows(sqlmock.NewRows(outboxCols).AddRow("old-id", "call:c1", nil, []byte(`{}`), "pending", 2, "boom", nil,
			nil, nil, nil, now, now))
	mock.ExpectCommit()

	e, created, err := NewPostgresRepo(db).Insert(context.Background(), Entry{ID: "new-id", CorrelationKey: "call:c1", Payload: []byte(`{}`), CreatedAt: now})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if created || e.ID != "old-id" || e.Attempts != 2 {
		t.Fatalf("expected existing entry, got created=%v %+v", created, e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_MarkFailedWithStaleTokenLosesLease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = 'sending' AND lock_owner = $2")).
		WithArgs("e1", "old", "boom", false, 8, now).
		WillReturnError(sql.ErrNoRows)

	if _, err := NewPostgresRepo(db).MarkFailed(context.Background(), "e1", "old", "boom", false, 8, now); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRepo_ReleaseWithoutRowsLosesLease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending', last_error = $3")).
		WithArgs("e1", "tok", "circuit open", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := NewPostgresRepo(db).Release(context.Background(), "e1", "tok", "circuit open", now); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
