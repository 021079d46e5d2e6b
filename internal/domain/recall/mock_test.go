package recall

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/dispense"
	"github.com/ehr/medsafety/internal/domain/mar"
	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/notification"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Recall
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Recall)}
}

func copyRecall(r *Recall) *Recall {
	cp := *r
	cp.Batches = append([]RecalledBatch(nil), r.Batches...)
	cp.AffectedPatients = append([]AffectedPatient{}, r.AffectedPatients...)
	return &cp
}

func (m *mockRepo) Create(_ context.Context, r *Recall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.store[r.ID] = copyRecall(r)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Recall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("recall.Get", "recall", id)
	}
	return copyRecall(r), nil
}

func (m *mockRepo) List(_ context.Context, status Status, limit, offset int) ([]*Recall, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Recall
	for _, r := range m.store {
		if status == "" || r.Status == status {
			all = append(all, copyRecall(r))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) MergeAffected(_ context.Context, recallID uuid.UUID, patients []AffectedPatient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.store[recallID]
	have := map[patientBatch]bool{}
	for _, p := range r.AffectedPatients {
		have[p.key()] = true
	}
	for _, p := range patients {
		if !have[p.key()] {
			have[p.key()] = true
			r.AffectedPatients = append(r.AffectedPatients, AffectedPatient{PatientID: p.PatientID, BatchNumber: p.BatchNumber})
		}
	}
	return nil
}

func (m *mockRepo) MarkNotified(_ context.Context, recallID, patientID uuid.UUID, batch string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.store[recallID]
	for i := range r.AffectedPatients {
		p := &r.AffectedPatients[i]
		if p.PatientID == patientID && p.BatchNumber == batch {
			p.Notified = true
			p.NotifiedAt = &at
		}
	}
	return nil
}

func (m *mockRepo) Resolve(_ context.Context, id uuid.UUID, notes, by string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok || r.Status != StatusActive {
		return false, nil
	}
	r.Status = StatusResolved
	r.ResolutionNotes = &notes
	r.ResolvedBy = &by
	r.ResolvedAt = &at
	return true, nil
}

// -- Collaborators --

type mockStock struct {
	mu       sync.Mutex
	qty      map[string]int
	recalled map[string]bool
}

func (m *mockStock) MarkRecalled(_ context.Context, _ uuid.UUID, nums []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, n := range nums {
		q, ok := m.qty[n]
		if !ok {
			return nil, apperr.NotFound("inventory.MarkRecalled", "inventory batch", n)
		}
		out[n] = q
	}
	for _, n := range nums {
		m.recalled[n] = true
	}
	return out, nil
}

type mockLedger struct {
	records []*mar.AdministrationRecord
}

func (m *mockLedger) ListByBatches(_ context.Context, medicineID uuid.UUID, nums []string) ([]*mar.AdministrationRecord, error) {
	want := map[string]bool{}
	for _, n := range nums {
		want[n] = true
	}
	var out []*mar.AdministrationRecord
	for _, r := range m.records {
		if r.MedicineID != medicineID {
			continue
		}
		for _, n := range r.BatchNumbers() {
			if want[n] {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

type mockDispenses struct {
	open []*dispense.Dispense
}

func (m *mockDispenses) ListOpenByBatch(_ context.Context, medicineID uuid.UUID, nums []string) ([]*dispense.Dispense, error) {
	var out []*dispense.Dispense
	for _, d := range m.open {
		if d.MedicineID == medicineID && d.Status == dispense.StatusOpen {
			out = append(out, d)
		}
	}
	return out, nil
}

// mockTransport fails for patients listed in failFor.
type mockTransport struct {
	mu      sync.Mutex
	sent    []notification.Message
	failFor map[uuid.UUID]bool
}

func (m *mockTransport) Send(_ context.Context, msg notification.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[msg.PatientID] {
		return errors.New("gateway unavailable")
	}
	m.sent = append(m.sent, msg)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
