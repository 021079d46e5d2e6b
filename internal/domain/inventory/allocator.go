package inventory

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Allocate runs first-expire-first-out over batches. Ineligible batches are
// skipped; input order does not matter. It never mutates the batches.
func Allocate(medicineID uuid.UUID, batches []*InventoryBatch, need int, now time.Time, p Policy) AllocationResult {
	res := AllocationResult{MedicineID: medicineID, Requested: need, Allocations: []Allocation{}}
	if need <= 0 {
		return res
	}

	eligible := make([]*InventoryBatch, 0, len(batches))
	for _, b := range batches {
		if b.MedicineID == medicineID && b.Eligible(now) {
			eligible = append(eligible, b)
		}
	}
	sortFEFO(eligible)

	remaining := need
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		take := b.AvailableQuantity
		if take > remaining {
			take = remaining
		}
		remaining -= take
		res.Allocations = append(res.Allocations, Allocation{
			BatchNumber: b.BatchNumber,
			Quantity:    take,
			ExpiryDate:  b.ExpiryDate,
			NearExpiry:  b.ExpiryDate.Sub(now) <= p.ExpiryWarning,
			LowStock:    b.AvailableQuantity-take < p.LowStockThreshold,
		})
	}
	res.Shortfall = remaining
	return res
}

func sortFEFO(batches []*InventoryBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if !batches[i].ExpiryDate.Equal(batches[j].ExpiryDate) {
			return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
		}
		return batches[i].Seq < batches[j].Seq
	})
}
