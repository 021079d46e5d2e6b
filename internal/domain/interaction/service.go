package interaction

import (
	"bytes"
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/apperr"
)

// Service is the interaction registry. Lookups are pure reads.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

// NewService creates the registry over repo.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "interaction_registry").Logger()}
}

// CreateInteraction registers a pair in canonical order. Registering a pair
// that was deactivated restores that row with the new grading.
func (s *Service) CreateInteraction(ctx context.Context, d *DrugInteraction) error {
	const op = "interaction.Create"
	if d.DrugA == uuid.Nil || d.DrugB == uuid.Nil {
		return apperr.Validation(op, "drug_a", "both drug_a and drug_b are required")
	}
	if d.DrugA == d.DrugB {
		return apperr.Validation(op, "drug_b", "a medicine cannot interact with itself")
	}
	if !d.Severity.Valid() {
		return apperr.Validation(op, "severity", "invalid severity: %s", d.Severity)
	}
	if d.EvidenceLevel == "" {
		d.EvidenceLevel = EvidenceTheoretical
	}
	if !d.EvidenceLevel.Valid() {
		return apperr.Validation(op, "evidence_level", "invalid evidence level: %s", d.EvidenceLevel)
	}
	d.Canonicalize()

	existing, err := s.repo.GetByPair(ctx, d.DrugA, d.DrugB)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsActive {
		return duplicate(op, existing.ID)
	}
	d.IsActive = true
	if existing != nil {
		d.ID = existing.ID
		ok, err := s.repo.Reactivate(ctx, d)
		if err != nil {
			return err
		}
		if !ok {
			return duplicate(op, existing.ID)
		}
		s.logger.Info().
			Str("interaction_id", d.ID.String()).
			Str("severity", string(d.Severity)).
			Msg("drug interaction reactivated")
		return nil
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return err
	}
	s.logger.Info().
		Str("interaction_id", d.ID.String()).
		Str("severity", string(d.Severity)).
		Msg("drug interaction registered")
	return nil
}

func duplicate(op string, id uuid.UUID) error {
	return apperr.Validation(op, "drug_b", "an interaction for this pair is already registered").
		With("existing_id", id)
}

// GetInteraction returns an interaction by id, active or not.
func (s *Service) GetInteraction(ctx context.Context, id uuid.UUID) (*DrugInteraction, error) {
	return s.repo.GetByID(ctx, id)
}

// ListInteractions pages through every stored interaction, newest first.
func (s *Service) ListInteractions(ctx context.Context, limit, offset int) ([]*DrugInteraction, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// DeactivateInteraction retires an interaction; it stops appearing in lookups
// but the row is kept.
func (s *Service) DeactivateInteraction(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetActive(ctx, id, false)
}

// FindPairInteraction returns the active interaction between a and b in either
// order, or nil when none is registered.
func (s *Service) FindPairInteraction(ctx context.Context, a, b uuid.UUID) (*DrugInteraction, error) {
	if a == b {
		return nil, nil
	}
	a, b = CanonicalPair(a, b)
	return s.repo.FindPair(ctx, a, b)
}

// FindInteractionsAmong returns every active interaction whose members are
// both in ids, most severe first.
func (s *Service) FindInteractionsAmong(ctx context.Context, ids []uuid.UUID) ([]*DrugInteraction, error) {
	set := distinct(ids)
	if len(set) < 2 {
		return nil, nil
	}

	var found []*DrugInteraction
	var err error
	if sr, ok := s.repo.(SetRepository); ok {
		found, err = sr.FindAmong(ctx, set)
	} else {
		found, err = s.findPairwise(ctx, set)
	}
	if err != nil {
		return nil, err
	}
	sortFindings(found)
	return found, nil
}

// findPairwise enumerates the C(n,2) unordered pairs of set.
func (s *Service) findPairwise(ctx context.Context, set []uuid.UUID) ([]*DrugInteraction, error) {
	var found []*DrugInteraction
	for i := 0; i < len(set); i++ {
		for j := i + 1; j < len(set); j++ {
			d, err := s.FindPairInteraction(ctx, set[i], set[j])
			if err != nil {
				return nil, err
			}
			if d != nil {
				found = append(found, d)
			}
		}
	}
	return found, nil
}

func distinct(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sortFindings(items []*DrugInteraction) {
	sort.SliceStable(items, func(i, j int) bool {
		if ri, rj := items[i].Severity.Rank(), items[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		if c := bytes.Compare(items[i].DrugA[:], items[j].DrugA[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(items[i].DrugB[:], items[j].DrugB[:]) < 0
	})
}
