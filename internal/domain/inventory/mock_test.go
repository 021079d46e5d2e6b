package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/platform/apperr"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	batches map[uuid.UUID]*InventoryBatch
	seq     int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{batches: make(map[uuid.UUID]*InventoryBatch)}
}

func (m *mockRepo) Create(_ context.Context, b *InventoryBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.batches {
		if x.MedicineID == b.MedicineID && x.BatchNumber == b.BatchNumber {
			return apperr.Validation("inventory.ReceiveBatch", "batch_number", "duplicate")
		}
	}
	m.seq++
	b.ID = uuid.New()
	b.Seq = m.seq
	b.ReceivedAt = time.Now()
	b.UpdatedAt = b.ReceivedAt
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *mockRepo) find(medicineID uuid.UUID, num string) *InventoryBatch {
	for _, b := range m.batches {
		if b.MedicineID == medicineID && b.BatchNumber == num {
			return b
		}
	}
	return nil
}

func (m *mockRepo) GetByNumber(_ context.Context, medicineID uuid.UUID, num string) (*InventoryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.find(medicineID, num)
	if b == nil {
		return nil, apperr.NotFound("inventory.GetBatch", "inventory batch", num)
	}
	cp := *b
	return &cp, nil
}

func (m *mockRepo) ListByMedicine(_ context.Context, medicineID uuid.UUID) ([]*InventoryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InventoryBatch
	for _, b := range m.batches {
		if b.MedicineID == medicineID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sortFEFO(out)
	return out, nil
}

// ListEligible returns every batch of the medicine so the allocator's own
// filtering is exercised.
func (m *mockRepo) ListEligible(ctx context.Context, medicineID uuid.UUID, _ time.Time) ([]*InventoryBatch, error) {
	return m.ListByMedicine(ctx, medicineID)
}

func (m *mockRepo) Decrement(_ context.Context, medicineID uuid.UUID, num string, qty int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.find(medicineID, num)
	if b == nil || b.IsRecalled || !b.ExpiryDate.After(now) || b.AvailableQuantity < qty {
		return false, nil
	}
	b.AvailableQuantity -= qty
	return true, nil
}

func (m *mockRepo) MarkRecalled(_ context.Context, medicineID uuid.UUID, nums []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, n := range nums {
		if b := m.find(medicineID, n); b != nil {
			b.IsRecalled = true
			out[n] = b.AvailableQuantity
		}
	}
	return out, nil
}

// snapshotTx serializes transactions and rolls the mock repository back
// when fn fails.
type snapshotTx struct{ repo *mockRepo }

func (t snapshotTx) InTx(ctx context.Context, fn func(context.Context) error) error {
	t.repo.txMu.Lock()
	defer t.repo.txMu.Unlock()

	t.repo.mu.Lock()
	saved := make(map[uuid.UUID]InventoryBatch, len(t.repo.batches))
	for id, b := range t.repo.batches {
		saved[id] = *b
	}
	t.repo.mu.Unlock()

	if err := fn(ctx); err != nil {
		t.repo.mu.Lock()
		for id, b := range saved {
			cp := b
			t.repo.batches[id] = &cp
		}
		t.repo.mu.Unlock()
		return err
	}
	return nil
}
