package dispense

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/inventory"
	"github.com/ehr/medsafety/internal/platform/apperr"
)

type mockRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Dispense
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Dispense)}
}

func (m *mockRepo) Create(_ context.Context, d *Dispense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.store[d.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Dispense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("dispense.Get", "dispense", id)
	}
	cp := *d
	return &cp, nil
}

func (m *mockRepo) MarkScheduled(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok || d.Status != StatusOpen {
		return false, nil
	}
	d.Status = StatusScheduled
	return true, nil
}

func (m *mockRepo) ListOpenByBatches(_ context.Context, medicineID uuid.UUID, nums []string) ([]*Dispense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, n := range nums {
		want[n] = true
	}
	var out []*Dispense
	for _, d := range m.store {
		if d.MedicineID != medicineID || d.Status != StatusOpen {
			continue
		}
		for _, a := range d.Allocations {
			if want[a.BatchNumber] {
				cp := *d
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

type mockAdmissions map[uuid.UUID]*Admission

func (m mockAdmissions) GetAdmission(_ context.Context, id uuid.UUID) (*Admission, error) {
	a, ok := m[id]
	if !ok {
		return nil, apperr.NotFound("dispense.GetAdmission", "admission", id)
	}
	return a, nil
}

// fakeStock runs the real FEFO allocator over in-memory batches.
type fakeStock struct {
	now     time.Time
	batches []*inventory.InventoryBatch
	commits [][]inventory.Allocation
	failOn  string
}

func (f *fakeStock) add(med uuid.UUID, num string, expiresIn time.Duration, qty int) {
	f.batches = append(f.batches, &inventory.InventoryBatch{
		Seq:               int64(len(f.batches) + 1),
		MedicineID:        med,
		BatchNumber:       num,
		ExpiryDate:        f.now.Add(expiresIn),
		AvailableQuantity: qty,
	})
}

func (f *fakeStock) Allocate(_ context.Context, med uuid.UUID, qty int) (*inventory.AllocationResult, error) {
	res := inventory.Allocate(med, f.batches, qty, f.now, inventory.DefaultPolicy())
	return &res, nil
}

func (f *fakeStock) ResolveAllocations(_ context.Context, med uuid.UUID, manual []inventory.Allocation) ([]inventory.Allocation, error) {
	out := make([]inventory.Allocation, 0, len(manual))
	for _, a := range manual {
		found := false
		for _, b := range f.batches {
			if b.MedicineID == med && b.BatchNumber == a.BatchNumber {
				if !b.Eligible(f.now) || b.AvailableQuantity < a.Quantity {
					return nil, apperr.New(apperr.KindInsufficientStock, "inventory.ResolveAllocations", "batch %s", a.BatchNumber)
				}
				a.ExpiryDate = b.ExpiryDate
				found = true
			}
		}
		if !found {
			return nil, apperr.NotFound("inventory.ResolveAllocations", "inventory batch", a.BatchNumber)
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStock) Commit(_ context.Context, _ uuid.UUID, allocs []inventory.Allocation) error {
	for _, a := range allocs {
		if a.BatchNumber == f.failOn {
			return apperr.New(apperr.KindInsufficientStock, "inventory.Commit", "batch %s", a.BatchNumber)
		}
	}
	f.commits = append(f.commits, allocs)
	return nil
}

type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
