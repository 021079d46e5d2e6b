package interaction

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists interactions. A pair is stored at most once, active or
// not. Create expects a canonical pair; FindPair returns (nil, nil) when no
// active interaction exists for the pair.
type Repository interface {
	Create(ctx context.Context, d *DrugInteraction) error
	GetByID(ctx context.Context, id uuid.UUID) (*DrugInteraction, error)
	FindPair(ctx context.Context, a, b uuid.UUID) (*DrugInteraction, error)
	// GetByPair returns the stored row for a canonical pair whether or not it
	// is active, or (nil, nil).
	GetByPair(ctx context.Context, a, b uuid.UUID) (*DrugInteraction, error)
	// Reactivate overwrites the grading of the inactive row d.ID and marks it
	// active. It reports false when the row was already active.
	Reactivate(ctx context.Context, d *DrugInteraction) (bool, error)
	List(ctx context.Context, limit, offset int) ([]*DrugInteraction, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// SetRepository is implemented by stores that can select every active
// interaction whose both members belong to a set in one query.
type SetRepository interface {
	FindAmong(ctx context.Context, ids []uuid.UUID) ([]*DrugInteraction, error)
}
