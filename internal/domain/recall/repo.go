package recall

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create stores the recall with its batches.
	Create(ctx context.Context, r *Recall) error
	// GetByID loads the recall with batches and affected patients.
	GetByID(ctx context.Context, id uuid.UUID) (*Recall, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Recall, int, error)
	// MergeAffected adds patients not already recorded; existing entries keep
	// their notification state.
	MergeAffected(ctx context.Context, recallID uuid.UUID, patients []AffectedPatient) error
	MarkNotified(ctx context.Context, recallID, patientID uuid.UUID, batchNumber string, at time.Time) error
	// Resolve flips active to resolved and reports whether it did.
	Resolve(ctx context.Context, id uuid.UUID, notes, by string, at time.Time) (bool, error)
}
