package tickets

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository with the same claim semantics as the
// Postgres one. Intended for tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{entries: make(map[string]*Entry)} }

func (r *MemoryRepo) liveByKey(key string) *Entry {
	var newest *Entry
	for _, e := range r.entries {
		if e.CorrelationKey != key || e.Status == StatusFailedExhausted {
			continue
		}
		if newest == nil || e.CreatedAt.After(newest.CreatedAt) {
			newest = e
		}
	}
	return newest
}

func (r *MemoryRepo) latestByKey(key string) *Entry {
	if e := r.liveByKey(key); e != nil {
		return e
	}
	var newest *Entry
	for _, e := range r.entries {
		if e.CorrelationKey == key && (newest == nil || e.CreatedAt.After(newest.CreatedAt)) {
			newest = e
		}
	}
	return newest
}

func (r *MemoryRepo) Insert(_ context.Context, e Entry) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.liveByKey(e.CorrelationKey); existing != nil {
		return *existing, false, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = StatusPending
	e.Attempts = 0
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	cp := e
	r.entries[e.ID] = &cp
	return e, true, nil
}

func (r *MemoryRepo) claim(e *Entry, token string, now, leaseUntil time.Time) ClaimResult {
	if e == nil {
		return ClaimResult{Outcome: ClaimNotFound}
	}
	switch e.Status {
	case StatusSent:
		return ClaimResult{Outcome: ClaimAlreadySent, Entry: *e}
	case StatusFailedExhausted:
		return ClaimResult{Outcome: ClaimExhausted, Entry: *e}
	}
	if e.LockOwner != "" && e.LockExpiresAt.After(now) {
		return ClaimResult{Outcome: ClaimLockHeld, Entry: *e}
	}
	e.Status = StatusSending
	e.LockOwner = token
	e.LockExpiresAt = leaseUntil
	e.UpdatedAt = now
	return ClaimResult{Outcome: ClaimAcquired, Entry: *e}
}

func (r *MemoryRepo) ClaimByKey(_ context.Context, key, token string, now, leaseUntil time.Time) (ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claim(r.latestByKey(key), token, now, leaseUntil), nil
}

func (r *MemoryRepo) ClaimByID(_ context.Context, id, token string, now, leaseUntil time.Time) (ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claim(r.entries[id], token, now, leaseUntil), nil
}

func (r *MemoryRepo) MarkSent(_ context.Context, id, ticketNumber string, now time.Time) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status == StatusSent {
		return *e, nil
	}
	e.Status = StatusSent
	e.TicketNumber = ticketNumber
	e.Attempts++
	e.LastError = ""
	e.LockOwner = ""
	e.LockExpiresAt = time.Time{}
	e.UpdatedAt = now
	return *e, nil
}

func (r *MemoryRepo) MarkFailed(_ context.Context, id, token, lastError string, exhaust bool, maxAttempts int, now time.Time) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusSending || e.LockOwner != token {
		return *e, ErrLeaseLost
	}
	e.Attempts++
	e.LastError = lastError
	e.LockOwner = ""
	e.LockExpiresAt = time.Time{}
	e.UpdatedAt = now
	if exhaust || e.Attempts >= maxAttempts {
		e.Status = StatusFailedExhausted
	} else {
		e.Status = StatusPending
	}
	return *e, nil
}

func (r *MemoryRepo) Release(_ context.Context, id, token, lastError string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusSending || e.LockOwner != token {
		return ErrLeaseLost
	}
	e.Status = StatusPending
	e.LastError = lastError
	e.LockOwner = ""
	e.LockExpiresAt = time.Time{}
	e.UpdatedAt = now
	return nil
}

func (r *MemoryRepo) ListDue(_ context.Context, now, pendingBefore time.Time, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		due := (e.Status == StatusPending && e.UpdatedAt.Before(pendingBefore)) ||
			(e.Status == StatusSending && e.LockExpiresAt.Before(now))
		if due {
			out = append(out, *e)
		}
	}
	return limitSorted(out, limit), nil
}

func (r *MemoryRepo) ListUnsynced(_ context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Status == StatusSent && e.SyncedAt.IsZero() && e.RecordID != "" {
			out = append(out, *e)
		}
	}
	return limitSorted(out, limit), nil
}

func (r *MemoryRepo) MarkSynced(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.SyncedAt = now
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (r *MemoryRepo) List(_ context.Context, status Status, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if status == "" || e.Status == status {
			out = append(out, *e)
		}
	}
	return limitSorted(out, limit), nil
}

func (r *MemoryRepo) Requeue(_ context.Context, id string, now time.Time) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != StatusFailedExhausted {
		return Entry{}, ErrNotFound
	}
	if live := r.liveByKey(e.CorrelationKey); live != nil {
		return Entry{}, ErrConflict
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.LastError = ""
	e.UpdatedAt = now
	return *e, nil
}

func limitSorted(in []Entry, limit int) []Entry {
	sort.Slice(in, func(i, j int) bool { return in[i].CreatedAt.Before(in[j].CreatedAt) })
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
