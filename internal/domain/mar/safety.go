package mar

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/interaction"
	"github.com/ehr/medsafety/internal/platform/apperr"
)

// PreAdminSafetyCheck runs the interaction, allergy and recall checks for a
// record without changing it. Repeated calls on unchanged data return the
// same findings.
func (s *Service) PreAdminSafetyCheck(ctx context.Context, marID uuid.UUID) (*SafetyCheckResult, error) {
	rec, err := s.repo.GetByID(ctx, marID)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, rec)
}

func (s *Service) check(ctx context.Context, rec *AdministrationRecord) (*SafetyCheckResult, error) {
	const op = "mar.SafetyCheck"
	now := s.now()
	res := &SafetyCheckResult{
		MarID:       rec.ID,
		PatientID:   rec.PatientID,
		MedicineID:  rec.MedicineID,
		BatchNumber: rec.BatchNumber,
		Batches:     rec.BatchNumbers(),
		CheckedAt:   now,
		Findings:    []Finding{},
	}

	active, err := s.repo.ActiveMedicines(ctx, rec.PatientID, rec.AdmissionID,
		now.Add(-s.policy.ActiveLookback), now.Add(s.policy.ActiveLookahead))
	if err != nil {
		return nil, s.unavailable(op, err, "active medicines")
	}
	res.ActiveMedicines = medicineSet(append(active, rec.MedicineID))

	found, err := s.interactions.FindInteractionsAmong(ctx, res.ActiveMedicines)
	if err != nil {
		return nil, s.unavailable(op, err, "interaction registry")
	}
	for _, d := range found {
		res.Findings = append(res.Findings, interactionFinding(d, s.policy.blocks(d.Severity)))
	}
	res.InteractionChecked = true

	allergens, err := s.allergies.PatientAllergies(ctx, rec.PatientID)
	if err != nil {
		return nil, s.unavailable(op, err, "allergy source")
	}
	for _, a := range allergens {
		if a.MedicineID != rec.MedicineID {
			continue
		}
		msg := "recorded allergy to this medicine"
		if a.Reaction != "" {
			msg = fmt.Sprintf("%s (%s)", msg, a.Reaction)
		}
		res.Findings = append(res.Findings, Finding{
			Kind:        FindingAllergy,
			MedicineID:  rec.MedicineID,
			Message:     msg,
			Blocking:    true,
			Overridable: true,
		})
	}
	res.AllergyChecked = true

	for _, num := range res.Batches {
		batch, err := s.batches.GetBatch(ctx, rec.MedicineID, num)
		if err != nil {
			return nil, s.unavailable(op, err, "batch status")
		}
		if !batch.IsRecalled {
			continue
		}
		res.Findings = append(res.Findings, Finding{
			Kind:        FindingRecall,
			MedicineID:  rec.MedicineID,
			BatchNumber: num,
			Message:     fmt.Sprintf("batch %s has been recalled", num),
			Blocking:    true,
		})
		res.Blocked = true
	}
	res.RecallChecked = true

	for _, f := range res.Findings {
		if f.Blocking && f.Overridable {
			res.RequiresOverride = true
		}
	}
	switch {
	case res.Blocked:
		s.metrics.SafetyCheck("blocked")
	case res.RequiresOverride:
		s.metrics.SafetyCheck("override_required")
	default:
		s.metrics.SafetyCheck("clear")
	}
	return res, nil
}

// A check that cannot consult one of its sources fails as a whole.
func (s *Service) unavailable(op string, err error, source string) error {
	s.metrics.SafetyCheck("unavailable")
	return apperr.Wrap(apperr.KindSafetyCheckUnavailable, op, err, "%s unavailable", source).
		With("source", source)
}

func interactionFinding(d *interaction.DrugInteraction, blocking bool) Finding {
	a, b, id := d.DrugA, d.DrugB, d.ID
	msg := fmt.Sprintf("%s interaction", d.Severity)
	if d.Recommendation != nil && *d.Recommendation != "" {
		msg += ": " + *d.Recommendation
	}
	return Finding{
		Kind:            FindingInteraction,
		Severity:        d.Severity,
		MedicineID:      a,
		OtherMedicineID: &b,
		InteractionID:   &id,
		Message:         msg,
		Blocking:        blocking,
		Overridable:     true,
	}
}

func medicineSet(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
