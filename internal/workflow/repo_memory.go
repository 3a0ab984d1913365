package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Workflow
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: make(map[string]Workflow)} }

func (r *MemoryRepo) Create(_ context.Context, w Workflow) (Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	r.rows[w.ID] = w
	return w, nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return w, nil
}

func (r *MemoryRepo) Update(_ context.Context, w Workflow, expectedVersion int) (Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[w.ID]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Workflow{}, ErrVersionConflict
	}
	r.rows[w.ID] = w
	return w, nil
}
