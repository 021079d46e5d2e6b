package inventory

import (
	"time"

	"github.com/google/uuid"
)

// InventoryBatch maps to the inventory_batch table. Seq is the insertion
// order used to break FEFO ties.
type InventoryBatch struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Seq               int64     `db:"seq" json:"seq"`
	MedicineID        uuid.UUID `db:"medicine_id" json:"medicine_id"`
	BatchNumber       string    `db:"batch_number" json:"batch_number"`
	ExpiryDate        time.Time `db:"expiry_date" json:"expiry_date"`
	AvailableQuantity int       `db:"available_quantity" json:"available_quantity"`
	Supplier          *string   `db:"supplier" json:"supplier,omitempty"`
	IsRecalled        bool      `db:"is_recalled" json:"is_recalled"`
	ReceivedAt        time.Time `db:"received_at" json:"received_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Eligible reports whether the batch may be offered for allocation at now.
func (b *InventoryBatch) Eligible(now time.Time) bool {
	return !b.IsRecalled && b.AvailableQuantity > 0 && b.ExpiryDate.After(now)
}

// Allocation is one batch's share of an allocation result.
type Allocation struct {
	BatchNumber string    `json:"batch_number"`
	Quantity    int       `json:"quantity"`
	ExpiryDate  time.Time `json:"expiry_date"`
	NearExpiry  bool      `json:"near_expiry"`
	LowStock    bool      `json:"low_stock"`
}

type AllocationResult struct {
	MedicineID  uuid.UUID    `json:"medicine_id"`
	Requested   int          `json:"requested"`
	Allocations []Allocation `json:"allocations"`
	Shortfall   int          `json:"shortfall"`
}

// Allocated is the sum of allocated quantities.
func (r AllocationResult) Allocated() int {
	n := 0
	for _, a := range r.Allocations {
		n += a.Quantity
	}
	return n
}

// Policy holds the display thresholds for allocation flags.
type Policy struct {
	ExpiryWarning     time.Duration
	LowStockThreshold int
}

func DefaultPolicy() Policy {
	return Policy{ExpiryWarning: 30 * 24 * time.Hour, LowStockThreshold: 10}
}
