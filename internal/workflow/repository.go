package workflow

import "context"

// Repository stores workflows with optimistic locking.
type Repository interface {
	Create(ctx context.Context, w Workflow) (Workflow, error)
	Get(ctx context.Context, id string) (Workflow, error)
	// Update stores w only if the stored version still equals expectedVersion,
	// otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, w Workflow, expectedVersion int) (Workflow, error)
}
