package interaction

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/medsafety/internal/platform/apperr"
)

// -- Mock Repositories --

type mockRepo struct {
	items     map[uuid.UUID]*DrugInteraction
	pairCalls int
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*DrugInteraction)}
}

// Create mirrors the UNIQUE (drug_a, drug_b) constraint, which also covers
// inactive rows.
func (m *mockRepo) Create(_ context.Context, d *DrugInteraction) error {
	if bytes.Compare(d.DrugA[:], d.DrugB[:]) >= 0 {
		return errors.New("pair not canonical")
	}
	for _, x := range m.items {
		if x.DrugA == d.DrugA && x.DrugB == d.DrugB {
			return apperr.Validation("interaction.Create", "drug_b", "an interaction for this pair is already registered")
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	m.items[d.ID] = d
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*DrugInteraction, error) {
	d, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("interaction.Get", "drug interaction", id)
	}
	return d, nil
}

func (m *mockRepo) FindPair(_ context.Context, a, b uuid.UUID) (*DrugInteraction, error) {
	m.pairCalls++
	for _, d := range m.items {
		if !d.IsActive {
			continue
		}
		if (d.DrugA == a && d.DrugB == b) || (d.DrugA == b && d.DrugB == a) {
			return d, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) GetByPair(_ context.Context, a, b uuid.UUID) (*DrugInteraction, error) {
	for _, d := range m.items {
		if d.DrugA == a && d.DrugB == b {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) Reactivate(_ context.Context, d *DrugInteraction) (bool, error) {
	cur, ok := m.items[d.ID]
	if !ok || cur.IsActive {
		return false, nil
	}
	d.CreatedAt = cur.CreatedAt
	d.UpdatedAt = time.Now()
	m.items[d.ID] = d
	return true, nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*DrugInteraction, int, error) {
	var out []*DrugInteraction
	for _, d := range m.items {
		out = append(out, d)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	d, ok := m.items[id]
	if !ok {
		return apperr.NotFound("interaction.SetActive", "drug interaction", id)
	}
	d.IsActive = active
	return nil
}

// setRepo adds the single-query set lookup.
type setRepo struct{ *mockRepo }

func (s setRepo) FindAmong(_ context.Context, ids []uuid.UUID) ([]*DrugInteraction, error) {
	in := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	var out []*DrugInteraction
	for _, d := range s.items {
		if d.IsActive && in[d.DrugA] && in[d.DrugB] {
			out = append(out, d)
		}
	}
	return out, nil
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func register(t *testing.T, svc *Service, a, b uuid.UUID, sev Severity) *DrugInteraction {
	t.Helper()
	d := &DrugInteraction{DrugA: a, DrugB: b, Severity: sev, EvidenceLevel: EvidenceEstablished}
	require.NoError(t, svc.CreateInteraction(context.Background(), d))
	return d
}

// -- Tests --

func TestCanonicalPair(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := uuid.New(), uuid.New()
		x1, y1 := CanonicalPair(a, b)
		x2, y2 := CanonicalPair(b, a)
		assert.Equal(t, x1, x2)
		assert.Equal(t, y1, y2)
		assert.LessOrEqual(t, bytes.Compare(x1[:], y1[:]), 0)
	}
}

func TestCreateInteraction_StoresCanonicalPair(t *testing.T) {
	svc, repo := newTestService()
	a, b := uuid.New(), uuid.New()
	hi, lo := CanonicalPair(a, b)
	hi, lo = lo, hi

	d := register(t, svc, hi, lo, SeverityMajor)
	stored := repo.items[d.ID]
	assert.Equal(t, lo, stored.DrugA)
	assert.Equal(t, hi, stored.DrugB)
	assert.True(t, stored.IsActive)
}

func TestCreateInteraction_RejectsSelfPair(t *testing.T) {
	svc, _ := newTestService()
	id := uuid.New()
	err := svc.CreateInteraction(context.Background(), &DrugInteraction{DrugA: id, DrugB: id, Severity: SeverityMinor})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestCreateInteraction_Validation(t *testing.T) {
	svc, _ := newTestService()
	tests := []struct {
		name string
		d    DrugInteraction
	}{
		{"missing drug", DrugInteraction{DrugA: uuid.New(), Severity: SeverityMajor}},
		{"bad severity", DrugInteraction{DrugA: uuid.New(), DrugB: uuid.New(), Severity: "catastrophic"}},
		{"bad evidence", DrugInteraction{DrugA: uuid.New(), DrugB: uuid.New(), Severity: SeverityMinor, EvidenceLevel: "rumour"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.d
			err := svc.CreateInteraction(context.Background(), &d)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestCreateInteraction_DefaultsEvidence(t *testing.T) {
	svc, _ := newTestService()
	d := &DrugInteraction{DrugA: uuid.New(), DrugB: uuid.New(), Severity: SeverityModerate}
	require.NoError(t, svc.CreateInteraction(context.Background(), d))
	assert.Equal(t, EvidenceTheoretical, d.EvidenceLevel)
}

func TestCreateInteraction_RejectsDuplicateEitherOrder(t *testing.T) {
	svc, _ := newTestService()
	a, b := uuid.New(), uuid.New()
	register(t, svc, a, b, SeverityMajor)

	err := svc.CreateInteraction(context.Background(), &DrugInteraction{DrugA: b, DrugB: a, Severity: SeverityMinor})
	require.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Details, "existing_id")
}

func TestCreateInteraction_DuplicateInsertRejectedByStore(t *testing.T) {
	repo := newMockRepo()
	a, b := CanonicalPair(uuid.New(), uuid.New())
	require.NoError(t, repo.Create(context.Background(), &DrugInteraction{DrugA: a, DrugB: b, Severity: SeverityMajor}))
	err := repo.Create(context.Background(), &DrugInteraction{DrugA: a, DrugB: b, Severity: SeverityMinor})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestCreateInteraction_ReactivatesDeactivatedPair(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	old := register(t, svc, a, b, SeverityMajor)
	require.NoError(t, svc.DeactivateInteraction(ctx, old.ID))

	note := "separate doses by 4 hours"
	regraded := &DrugInteraction{DrugA: b, DrugB: a, Severity: SeverityModerate, Recommendation: &note}
	require.NoError(t, svc.CreateInteraction(ctx, regraded))
	assert.Equal(t, old.ID, regraded.ID, "the stored row is reused")
	assert.Len(t, repo.items, 1)

	found, err := svc.FindPairInteraction(ctx, a, b)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, SeverityModerate, found.Severity)
	assert.Equal(t, EvidenceTheoretical, found.EvidenceLevel)
	require.NotNil(t, found.Recommendation)
	assert.Equal(t, note, *found.Recommendation)

	err = svc.CreateInteraction(ctx, &DrugInteraction{DrugA: a, DrugB: b, Severity: SeverityMinor})
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, old.ID, ae.Details["existing_id"])
}

func TestFindPairInteraction_OrderIndependentAndIdempotent(t *testing.T) {
	svc, _ := newTestService()
	a, b := uuid.New(), uuid.New()
	d := register(t, svc, a, b, SeverityMajor)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ab, err := svc.FindPairInteraction(ctx, a, b)
		require.NoError(t, err)
		ba, err := svc.FindPairInteraction(ctx, b, a)
		require.NoError(t, err)
		require.NotNil(t, ab)
		assert.Equal(t, d.ID, ab.ID)
		assert.Equal(t, ab.ID, ba.ID)
	}
}

func TestFindPairInteraction_SameMedicine(t *testing.T) {
	svc, repo := newTestService()
	id := uuid.New()
	d, err := svc.FindPairInteraction(context.Background(), id, id)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, repo.pairCalls)
}

func TestFindPairInteraction_IgnoresDeactivated(t *testing.T) {
	svc, _ := newTestService()
	a, b := uuid.New(), uuid.New()
	d := register(t, svc, a, b, SeverityMajor)
	require.NoError(t, svc.DeactivateInteraction(context.Background(), d.ID))

	found, err := svc.FindPairInteraction(context.Background(), a, b)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindInteractionsAmong_PairwiseMatchesSetQuery(t *testing.T) {
	meds := make([]uuid.UUID, 6)
	for i := range meds {
		meds[i] = uuid.New()
	}
	outsider := uuid.New()

	pairwise, repo := newTestService()
	register(t, pairwise, meds[0], meds[1], SeverityMinor)
	register(t, pairwise, meds[2], meds[4], SeverityMajor)
	register(t, pairwise, meds[5], meds[3], SeverityModerate)
	register(t, pairwise, meds[0], outsider, SeverityMajor)

	set := NewService(setRepo{repo}, zerolog.Nop())
	ctx := context.Background()
	query := append([]uuid.UUID{meds[0]}, meds...)

	got1, err := pairwise.FindInteractionsAmong(ctx, query)
	require.NoError(t, err)
	got2, err := set.FindInteractionsAmong(ctx, query)
	require.NoError(t, err)

	require.Len(t, got1, 3)
	assert.Equal(t, got1, got2)
	assert.Equal(t, SeverityMajor, got1[0].Severity)
	assert.Equal(t, SeverityModerate, got1[1].Severity)
	assert.Equal(t, SeverityMinor, got1[2].Severity)
	for _, d := range got1 {
		assert.False(t, d.Involves(outsider))
	}
}

func TestFindInteractionsAmong_FewerThanTwo(t *testing.T) {
	svc, repo := newTestService()
	id := uuid.New()
	got, err := svc.FindInteractionsAmong(context.Background(), []uuid.UUID{id, id, uuid.Nil})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, repo.pairCalls)
}
