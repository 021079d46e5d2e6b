package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists batches. ListEligible must read committed state on
// every call; recall marking has to be visible to the next allocation.
type Repository interface {
	Create(ctx context.Context, b *InventoryBatch) error
	GetByNumber(ctx context.Context, medicineID uuid.UUID, batchNumber string) (*InventoryBatch, error)
	ListByMedicine(ctx context.Context, medicineID uuid.UUID) ([]*InventoryBatch, error)
	ListEligible(ctx context.Context, medicineID uuid.UUID, now time.Time) ([]*InventoryBatch, error)
	// Decrement subtracts qty only if the batch still has it and is neither
	// recalled nor expired at now. It reports whether the row was updated.
	Decrement(ctx context.Context, medicineID uuid.UUID, batchNumber string, qty int, now time.Time) (bool, error)
	// MarkRecalled flags the batches and returns their quantity at recall.
	MarkRecalled(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) (map[string]int, error)
}
