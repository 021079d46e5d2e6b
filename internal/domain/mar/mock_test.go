package mar

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/dispense"
	"github.com/ehr/medsafety/internal/domain/interaction"
	"github.com/ehr/medsafety/internal/domain/inventory"
	"github.com/ehr/medsafety/internal/platform/allergy"
	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/events"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*AdministrationRecord
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*AdministrationRecord)}
}

func copyRecord(r *AdministrationRecord) *AdministrationRecord {
	cp := *r
	return &cp
}

func (m *mockRepo) put(r *AdministrationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[r.ID] = copyRecord(r)
}

func (m *mockRepo) CreateBatch(_ context.Context, recs []*AdministrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		r.ID = uuid.New()
		r.CreatedAt = time.Now()
		m.store[r.ID] = copyRecord(r)
	}
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*AdministrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("mar.Get", "administration record", id)
	}
	return copyRecord(r), nil
}

func (m *mockRepo) filter(keep func(*AdministrationRecord) bool) []*AdministrationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AdministrationRecord
	for _, r := range m.store {
		if keep(r) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

func (m *mockRepo) ListByAdmission(_ context.Context, admissionID uuid.UUID, from, to time.Time, status Status) ([]*AdministrationRecord, error) {
	return m.filter(func(r *AdministrationRecord) bool {
		return r.AdmissionID == admissionID &&
			(from.IsZero() || !r.ScheduledTime.Before(from)) &&
			(to.IsZero() || !r.ScheduledTime.After(to)) &&
			(status == "" || r.Status == status)
	}), nil
}

func (m *mockRepo) ListScheduledBefore(_ context.Context, admissionID uuid.UUID, cutoff time.Time) ([]*AdministrationRecord, error) {
	return m.filter(func(r *AdministrationRecord) bool {
		return r.AdmissionID == admissionID && r.Status == StatusScheduled && r.ScheduledTime.Before(cutoff)
	}), nil
}

func (m *mockRepo) ActiveMedicines(_ context.Context, patientID, admissionID uuid.UUID, since, until time.Time) ([]uuid.UUID, error) {
	recs := m.filter(func(r *AdministrationRecord) bool {
		if r.PatientID != patientID {
			return false
		}
		if r.Status == StatusScheduled {
			return r.AdmissionID == admissionID &&
				!r.ScheduledTime.Before(since) && !r.ScheduledTime.After(until)
		}
		return r.Status.Exposed() && r.AdministeredTime != nil && !r.AdministeredTime.Before(since)
	})
	var ids []uuid.UUID
	for _, r := range recs {
		ids = append(ids, r.MedicineID)
	}
	return ids, nil
}

func (m *mockRepo) Transition(_ context.Context, id uuid.UUID, t Transition) (*AdministrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok || r.Status != StatusScheduled {
		return nil, nil
	}
	r.Status = t.To
	r.StatusReason = t.Reason
	r.Notes = t.Notes
	r.AdministeredTime = t.AdministeredTime
	r.AdministeredBy = t.AdministeredBy
	r.WitnessedBy = t.WitnessedBy
	by := t.RecordedBy
	r.RecordedBy = &by
	if t.SafetyChecks != nil {
		r.SafetyChecks = *t.SafetyChecks
	}
	if t.Override != nil {
		r.SafetyOverride = *t.Override
	}
	return copyRecord(r), nil
}

func (m *mockRepo) SetOverride(_ context.Context, id uuid.UUID, o SafetyOverride) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok || r.Status != StatusScheduled {
		return false, nil
	}
	r.SafetyOverride = o
	return true, nil
}

func (m *mockRepo) SetEffectiveness(_ context.Context, id uuid.UUID, e Effectiveness) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok || r.Status != StatusGiven || !r.IsPRN {
		return false, nil
	}
	r.Effectiveness = &e
	return true, nil
}

func (m *mockRepo) ListByBatches(_ context.Context, medicineID uuid.UUID, nums []string) ([]*AdministrationRecord, error) {
	want := map[string]bool{}
	for _, n := range nums {
		want[n] = true
	}
	return m.filter(func(r *AdministrationRecord) bool {
		if r.MedicineID != medicineID {
			return false
		}
		for _, n := range r.BatchNumbers() {
			if want[n] {
				return true
			}
		}
		return false
	}), nil
}

// -- Collaborators --

type mockDispenses struct {
	mu         sync.Mutex
	dispenses  map[uuid.UUID]*dispense.Dispense
	admissions map[uuid.UUID]*dispense.Admission
}

func (m *mockDispenses) GetDispense(_ context.Context, id uuid.UUID) (*dispense.Dispense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispenses[id]
	if !ok {
		return nil, apperr.NotFound("dispense.Get", "dispense", id)
	}
	cp := *d
	return &cp, nil
}

func (m *mockDispenses) GetAdmission(_ context.Context, id uuid.UUID) (*dispense.Admission, error) {
	a, ok := m.admissions[id]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidDispense, "dispense.GetAdmission", "admission %s is unknown", id)
	}
	return a, nil
}

func (m *mockDispenses) MarkScheduled(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dispenses[id]
	if d.Status != dispense.StatusOpen {
		return apperr.New(apperr.KindInvalidDispense, "dispense.MarkScheduled", "not open")
	}
	d.Status = dispense.StatusScheduled
	return nil
}

type mockInteractions struct {
	items []*interaction.DrugInteraction
}

func (m *mockInteractions) add(a, b uuid.UUID, sev interaction.Severity) {
	d := &interaction.DrugInteraction{ID: uuid.New(), DrugA: a, DrugB: b, Severity: sev, IsActive: true}
	d.Canonicalize()
	m.items = append(m.items, d)
}

func (m *mockInteractions) FindInteractionsAmong(_ context.Context, ids []uuid.UUID) ([]*interaction.DrugInteraction, error) {
	in := map[uuid.UUID]bool{}
	for _, id := range ids {
		in[id] = true
	}
	var out []*interaction.DrugInteraction
	for _, d := range m.items {
		if d.IsActive && in[d.DrugA] && in[d.DrugB] {
			out = append(out, d)
		}
	}
	return out, nil
}

type mockBatches map[string]*inventory.InventoryBatch

func (m mockBatches) GetBatch(_ context.Context, _ uuid.UUID, num string) (*inventory.InventoryBatch, error) {
	b, ok := m[num]
	if !ok {
		return nil, apperr.NotFound("inventory.GetBatch", "inventory batch", num)
	}
	return b, nil
}

type failingAllergies struct{}

func (failingAllergies) PatientAllergies(context.Context, uuid.UUID) ([]allergy.Allergen, error) {
	return nil, errors.New("allergy service timeout")
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
