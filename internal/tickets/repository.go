package tickets

import (
	"context"
	"time"
)

// Repository is the persistence contract for the outbox. Claims are compare-and-swap
// operations on the lease columns; implementations must make them atomic.
type Repository interface {
	// Insert stores a pending entry. If a live entry already exists for the key it is
	// returned with created=false.
	Insert(ctx context.Context, e Entry) (Entry, bool, error)

	ClaimByKey(ctx context.Context, key, token string, now, leaseUntil time.Time) (ClaimResult, error)
	ClaimByID(ctx context.Context, id, token string, now, leaseUntil time.Time) (ClaimResult, error)

	// MarkSent records the ticket number. It succeeds for any holder of the entry
	// short of an already-sent row, because the idempotency key makes a late result safe.
	MarkSent(ctx context.Context, id, ticketNumber string, now time.Time) (Entry, error)
	// MarkFailed counts a failed attempt and releases the lease. The entry becomes
	// failed_exhausted when exhaust is set or attempts reach maxAttempts.
	MarkFailed(ctx context.Context, id, token, lastError string, exhaust bool, maxAttempts int, now time.Time) (Entry, error)
	// Release drops the lease without counting an attempt.
	Release(ctx context.Context, id, token, lastError string, now time.Time) error

	// ListDue returns pending entries last touched before pendingBefore and sending
	// entries whose lease expired before now.
	ListDue(ctx context.Context, now, pendingBefore time.Time, limit int) ([]Entry, error)
	ListUnsynced(ctx context.Context, limit int) ([]Entry, error)
	MarkSynced(ctx context.Context, id string, now time.Time) error

	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, status Status, limit int) ([]Entry, error)
	Requeue(ctx context.Context, id string, now time.Time) (Entry, error)
}
