package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in process. Tests and local runs only.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// ListBySubject returns the newest events first.
func (r *MemoryRepo) ListBySubject(_ context.Context, subjectType, subjectID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e := r.events[i]; e.SubjectType == subjectType && e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events returns a copy of everything appended, oldest first.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
