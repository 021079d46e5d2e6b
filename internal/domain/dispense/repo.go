package dispense

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create stores the dispense and its allocations.
	Create(ctx context.Context, d *Dispense) error
	GetByID(ctx context.Context, id uuid.UUID) (*Dispense, error)
	// MarkScheduled flips open to scheduled and reports whether it did.
	MarkScheduled(ctx context.Context, id uuid.UUID) (bool, error)
	// ListOpenByBatches returns open dispenses of the medicine holding an
	// allocation on any of the batches.
	ListOpenByBatches(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*Dispense, error)
}

// AdmissionRepository reads admissions owned by patient registration.
type AdmissionRepository interface {
	GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error)
}
