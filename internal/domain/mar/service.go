package mar

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/medsafety/internal/domain/dispense"
	"github.com/ehr/medsafety/internal/domain/interaction"
	"github.com/ehr/medsafety/internal/domain/inventory"
	"github.com/ehr/medsafety/internal/platform/allergy"
	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/auth"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/metrics"
	"github.com/ehr/medsafety/internal/platform/tracing"
)

// Dispenses is the dispense workflow as seen by the ledger.
type Dispenses interface {
	GetDispense(ctx context.Context, id uuid.UUID) (*dispense.Dispense, error)
	GetAdmission(ctx context.Context, id uuid.UUID) (*dispense.Admission, error)
	MarkScheduled(ctx context.Context, id uuid.UUID) error
}

// Interactions looks up known interactions among a set of medicines.
type Interactions interface {
	FindInteractionsAmong(ctx context.Context, ids []uuid.UUID) ([]*interaction.DrugInteraction, error)
}

// Batches resolves a batch for the recall check.
type Batches interface {
	GetBatch(ctx context.Context, medicineID uuid.UUID, batchNumber string) (*inventory.InventoryBatch, error)
}

// Service is the administration ledger. Every transition out of scheduled is
// a compare-and-swap on the stored status.
type Service struct {
	repo         Repository
	dispenses    Dispenses
	interactions Interactions
	allergies    allergy.Source
	batches      Batches
	tx           db.Transactor
	events       events.Publisher
	metrics      *metrics.Metrics
	policy       Policy
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService wires the MAR service. Events and metrics are optional.
func NewService(repo Repository, dispenses Dispenses, interactions Interactions, allergies allergy.Source,
	batches Batches, tx db.Transactor, policy Policy, logger zerolog.Logger) *Service {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Service{
		repo:         repo,
		dispenses:    dispenses,
		interactions: interactions,
		allergies:    allergies,
		batches:      batches,
		tx:           tx,
		events:       events.NopPublisher{},
		policy:       policy,
		logger:       logger.With().Str("component", "mar").Logger(),
		now:          time.Now,
	}
}

// WithEvents sets the publisher for medication events.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithMetrics enables the administration and safety counters.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// CreateSchedule expands an open dispense into one scheduled record per dose.
func (s *Service) CreateSchedule(ctx context.Context, dispenseID, admissionID uuid.UUID) ([]*AdministrationRecord, error) {
	const op = "mar.CreateSchedule"
	ctx, span := tracing.Start(ctx, op, attribute.String("dispense_id", dispenseID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	d, err := s.dispenses.GetDispense(ctx, dispenseID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		err = apperr.Wrap(apperr.KindInvalidDispense, op, err, "dispense %s is unknown", dispenseID).
			With("dispense_id", dispenseID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if d.AdmissionID != admissionID {
		err = apperr.New(apperr.KindInvalidDispense, op, "dispense %s belongs to another admission", d.ID).
			With("dispense_id", d.ID)
		return nil, err
	}
	adm, err := s.dispenses.GetAdmission(ctx, admissionID)
	if err != nil {
		return nil, err
	}
	if !adm.Active() {
		err = apperr.New(apperr.KindInvalidDispense, op, "admission %s is %s", adm.ID, adm.Status).
			With("admission_id", adm.ID)
		return nil, err
	}
	if d.Status != dispense.StatusOpen {
		err = apperr.New(apperr.KindInvalidDispense, op, "dispense %s is %s", d.ID, d.Status).
			With("dispense_id", d.ID)
		return nil, err
	}

	recs := plan(d)
	if len(recs) == 0 {
		err = apperr.New(apperr.KindInvalidDispense, op, "dispense %s covers no doses", d.ID).
			With("dispense_id", d.ID)
		return nil, err
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.dispenses.MarkScheduled(ctx, d.ID); err != nil {
			return err
		}
		return s.repo.CreateBatch(ctx, recs)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("dispense_id", d.ID.String()).
		Str("admission_id", admissionID.String()).
		Int("records", len(recs)).
		Msg("schedule created")
	return recs, nil
}

// plan lays out one record per dose. A dose lists every batch supplying its
// units, walking the allocations in their stored FEFO order, so a dose that
// straddles a batch boundary is traceable through both batches.
func plan(d *dispense.Dispense) []*AdministrationRecord {
	doses := d.Doses()
	step := time.Duration(d.FrequencyHours) * time.Hour
	recs := make([]*AdministrationRecord, 0, doses)
	for i := 0; i < doses; i++ {
		portions := doseBatches(d.Allocations, i*d.DoseUnits, d.DoseUnits)
		if len(portions) == 0 {
			break
		}
		at := d.StartTime
		if !d.IsPRN {
			at = at.Add(time.Duration(i) * step)
		}
		recs = append(recs, &AdministrationRecord{
			DispenseID:    d.ID,
			PatientID:     d.PatientID,
			AdmissionID:   d.AdmissionID,
			MedicineID:    d.MedicineID,
			BatchNumber:   portions[0].BatchNumber,
			BatchExpiry:   portions[0].ExpiryDate,
			Batches:       portions,
			ScheduledTime: at,
			Dose:          d.Dose,
			DoseUnits:     d.DoseUnits,
			Route:         d.Route,
			IsPRN:         d.IsPRN,
			IsControlled:  d.IsControlled,
			Status:        StatusScheduled,
		})
	}
	return recs
}

// doseBatches returns the batches covering units [first, first+units) of the
// allocation list. Adjacent entries for one batch are merged.
func doseBatches(allocs []inventory.Allocation, first, units int) []DoseBatch {
	end := first + units
	var out []DoseBatch
	offset := 0
	for _, a := range allocs {
		lo, hi := max(first, offset), min(end, offset+a.Quantity)
		offset += a.Quantity
		if lo >= hi {
			continue
		}
		if n := len(out); n > 0 && out[n-1].BatchNumber == a.BatchNumber {
			out[n-1].Units += hi - lo
		} else {
			out = append(out, DoseBatch{BatchNumber: a.BatchNumber, ExpiryDate: a.ExpiryDate, Units: hi - lo})
		}
		if offset >= end {
			break
		}
	}
	return out
}

// GetRecord returns one administration record.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*AdministrationRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// GetSchedule lists an admission's records by scheduled time. A date filter
// covers that whole calendar day in the facility time zone.
func (s *Service) GetSchedule(ctx context.Context, admissionID uuid.UUID, f ScheduleFilter) ([]*AdministrationRecord, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("mar.GetSchedule", "status", "unknown status %q", f.Status)
	}
	var from, to time.Time
	if f.Date != nil {
		from, to = s.dayWindow(*f.Date)
	}
	return s.repo.ListByAdmission(ctx, admissionID, from, to, f.Status)
}

func (s *Service) dayWindow(date time.Time) (time.Time, time.Time) {
	y, m, d := date.In(s.policy.Location).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.policy.Location)
	to := time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), s.policy.Location)
	return from, to
}

// GetOverdue lists scheduled records whose due window has closed.
func (s *Service) GetOverdue(ctx context.Context, admissionID uuid.UUID) ([]*AdministrationRecord, error) {
	recs, err := s.repo.ListScheduledBefore(ctx, admissionID, s.now().Add(-s.policy.DueWindow))
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*AdministrationRecord{}
	}
	return recs, nil
}

// RecordAdministration moves a scheduled record to given.
func (s *Service) RecordAdministration(ctx context.Context, marID uuid.UUID, req AdministerRequest, administeredBy string) (*AdministrationRecord, error) {
	return s.administer(ctx, "mar.RecordAdministration", marID, StatusGiven, req, administeredBy)
}

// RecordSelfAdministration moves a scheduled record to self-administered.
// The safety gate is the same as for a nurse-given dose.
func (s *Service) RecordSelfAdministration(ctx context.Context, marID uuid.UUID, req AdministerRequest, recordedBy string) (*AdministrationRecord, error) {
	return s.administer(ctx, "mar.RecordSelfAdministration", marID, StatusSelfAdministered, req, recordedBy)
}

func (s *Service) administer(ctx context.Context, op string, marID uuid.UUID, to Status, req AdministerRequest, by string) (*AdministrationRecord, error) {
	ctx, span := tracing.Start(ctx, op, attribute.String("mar_id", marID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	if by == "" {
		err = apperr.Validation(op, "administered_by", "administering user is required")
		return nil, err
	}
	rec, err := s.repo.GetByID(ctx, marID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusScheduled {
		err = invalidTransition(op, rec, to)
		return nil, err
	}
	witness := strings.TrimSpace(req.WitnessID)
	if rec.IsControlled && (witness == "" || witness == by) {
		err = apperr.New(apperr.KindWitnessRequired, op, "controlled substance needs a witness other than %s", by).
			With("mar_id", rec.ID)
		return nil, err
	}

	res, err := s.check(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err = s.gate(ctx, op, rec, res, by); err != nil {
		return nil, err
	}

	now := s.now()
	override := rec.SafetyOverride
	override.Required = res.RequiresOverride
	t := Transition{
		To:               to,
		Notes:            optional(req.Notes),
		AdministeredTime: &now,
		AdministeredBy:   &by,
		WitnessedBy:      optional(witness),
		RecordedBy:       by,
		SafetyChecks: &SafetyChecks{
			InteractionChecked: res.InteractionChecked,
			AllergyChecked:     res.AllergyChecked,
			RecallChecked:      res.RecallChecked,
			CheckedAt:          &res.CheckedAt,
			CheckedBy:          by,
			Findings:           res.Findings,
		},
		Override: &override,
	}
	updated, err := s.transition(ctx, op, rec.ID, t)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeMedicationGiven, updated.ID.String(), map[string]any{
		"mar_id":       updated.ID,
		"patient_id":   updated.PatientID,
		"medicine_id":  updated.MedicineID,
		"batch_number": updated.BatchNumber,
		"batches":      updated.BatchNumbers(),
		"status":       updated.Status,
		"overridden":   override.Required,
	})
	return updated, nil
}

// gate enforces the safety check outcome. A recalled batch always blocks;
// other blocking findings need an override approved by someone other than
// the administering user.
func (s *Service) gate(ctx context.Context, op string, rec *AdministrationRecord, res *SafetyCheckResult, by string) error {
	var reason, msg string
	switch {
	case res.Blocked:
		reason, msg = "recalled_batch", "batch is recalled and cannot be administered"
	case !res.RequiresOverride:
		return nil
	case !rec.SafetyOverride.Approved():
		reason, msg = "override_required", "safety findings require an approved override"
	case rec.SafetyOverride.ApprovedBy == by:
		reason, msg = "override_self_approved", "override approver must differ from the administering user"
	default:
		return nil
	}
	s.metrics.GateBlocked(reason)
	s.logger.Warn().
		Str("mar_id", rec.ID.String()).
		Str("reason", reason).
		Int("findings", len(res.Findings)).
		Msg("administration blocked by safety gate")
	s.publish(ctx, events.TypeMedicationBlocked, rec.ID.String(), map[string]any{
		"mar_id":     rec.ID,
		"patient_id": rec.PatientID,
		"reason":     reason,
	})
	return apperr.New(apperr.KindSafetyGateBlocked, op, "%s", msg).
		With("reason", reason).
		With("overridable", !res.Blocked).
		With("findings", res.Findings)
}

// HoldMedication moves a scheduled record to held for an enumerated reason.
func (s *Service) HoldMedication(ctx context.Context, marID uuid.UUID, reason HoldReason, details, by string) (*AdministrationRecord, error) {
	const op = "mar.HoldMedication"
	rec, err := s.scheduled(ctx, op, marID, StatusHeld)
	if err != nil {
		return nil, err
	}
	if !reason.Valid() {
		return nil, apperr.Validation(op, "hold_reason", "hold reason %q is not a recognised clinical reason", reason)
	}
	r := string(reason)
	return s.transition(ctx, op, rec.ID, Transition{To: StatusHeld, Reason: &r, Notes: optional(details), RecordedBy: by})
}

// RecordRefusal moves a scheduled record to refused.
func (s *Service) RecordRefusal(ctx context.Context, marID uuid.UUID, reason, by string) (*AdministrationRecord, error) {
	const op = "mar.RecordRefusal"
	rec, err := s.scheduled(ctx, op, marID, StatusRefused)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation(op, "refusal_reason", "refusal reason is required")
	}
	return s.transition(ctx, op, rec.ID, Transition{To: StatusRefused, Reason: &reason, RecordedBy: by})
}

// MarkMissed closes a dose whose due window has passed without an outcome.
func (s *Service) MarkMissed(ctx context.Context, marID uuid.UUID, reason, by string) (*AdministrationRecord, error) {
	const op = "mar.MarkMissed"
	rec, err := s.scheduled(ctx, op, marID, StatusMissed)
	if err != nil {
		return nil, err
	}
	if !rec.Overdue(s.now(), s.policy.DueWindow) {
		_, late := rec.DueWindow(s.policy.DueWindow)
		return nil, apperr.Validation(op, "scheduled_time", "due window is open until %s", late.Format(time.RFC3339)).
			With("window_closes", late)
	}
	return s.transition(ctx, op, rec.ID, Transition{To: StatusMissed, Reason: optional(reason), RecordedBy: by})
}

// RecordSafetyOverride attaches an approved exception to a scheduled record.
// Only physicians and pharmacists may approve.
func (s *Service) RecordSafetyOverride(ctx context.Context, marID uuid.UUID, approver auth.Actor, reason string) (*AdministrationRecord, error) {
	const op = "mar.RecordSafetyOverride"
	rec, err := s.scheduled(ctx, op, marID, StatusScheduled)
	if err != nil {
		return nil, err
	}
	role := approverRole(approver)
	if role == "" || approver.UserID == "" {
		return nil, apperr.New(apperr.KindForbidden, op, "safety overrides need a physician or pharmacist").
			With("mar_id", rec.ID)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation(op, "reason", "override reason is required")
	}
	now := s.now()
	o := SafetyOverride{
		Required:     rec.SafetyOverride.Required,
		ApprovedBy:   approver.UserID,
		ApproverRole: role,
		Reason:       reason,
		ApprovedAt:   &now,
	}
	ok, err := s.repo.SetOverride(ctx, rec.ID, o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.currentTransitionError(ctx, op, rec.ID, StatusScheduled)
	}
	rec.SafetyOverride = o
	s.logger.Info().
		Str("mar_id", rec.ID.String()).
		Str("approved_by", approver.UserID).
		Str("approver_role", role).
		Msg("safety override recorded")
	return rec, nil
}

func approverRole(a auth.Actor) string {
	for _, r := range a.Roles {
		if r == auth.RolePhysician || r == auth.RolePharmacist {
			return r
		}
	}
	return ""
}

// RecordEffectiveness stores the follow-up assessment of a given PRN dose.
// It does not change the record's status.
func (s *Service) RecordEffectiveness(ctx context.Context, marID uuid.UUID, result, notes, by string) (*AdministrationRecord, error) {
	const op = "mar.RecordEffectiveness"
	rec, err := s.repo.GetByID(ctx, marID)
	if err != nil {
		return nil, err
	}
	if !rec.IsPRN {
		return nil, apperr.Validation(op, "is_prn", "effectiveness is recorded for PRN doses only")
	}
	if rec.Status != StatusGiven {
		return nil, apperr.New(apperr.KindInvalidTransition, op, "effectiveness needs a given dose; record is %s", rec.Status).
			With("current_status", rec.Status)
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return nil, apperr.Validation(op, "result", "effectiveness result is required")
	}
	e := Effectiveness{Result: result, Notes: notes, RecordedBy: by, RecordedAt: s.now()}
	ok, err := s.repo.SetEffectiveness(ctx, rec.ID, e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindInvalidTransition, op, "record %s changed concurrently", rec.ID)
	}
	rec.Effectiveness = &e
	return rec, nil
}

// ListByBatches returns every record of the medicine carrying one of the
// batch numbers, whatever its status.
func (s *Service) ListByBatches(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*AdministrationRecord, error) {
	if len(batchNumbers) == 0 {
		return nil, nil
	}
	return s.repo.ListByBatches(ctx, medicineID, batchNumbers)
}

func (s *Service) scheduled(ctx context.Context, op string, id uuid.UUID, to Status) (*AdministrationRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusScheduled {
		return nil, invalidTransition(op, rec, to)
	}
	return rec, nil
}

func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, t Transition) (*AdministrationRecord, error) {
	updated, err := s.repo.Transition(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, s.currentTransitionError(ctx, op, id, t.To)
	}
	s.metrics.Transition(string(t.To))
	s.logger.Info().
		Str("mar_id", id.String()).
		Str("status", string(t.To)).
		Str("by", t.RecordedBy).
		Msg("administration record updated")
	return updated, nil
}

// currentTransitionError reports a lost compare-and-swap.
func (s *Service) currentTransitionError(ctx context.Context, op string, id uuid.UUID, to Status) error {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return invalidTransition(op, cur, to)
}

func invalidTransition(op string, rec *AdministrationRecord, to Status) error {
	return apperr.New(apperr.KindInvalidTransition, op, "record %s is %s; cannot move to %s", rec.ID, rec.Status, to).
		With("mar_id", rec.ID).
		With("current_status", rec.Status).
		With("requested_status", to)
}

func (s *Service) publish(ctx context.Context, typ, key string, payload any) {
	err := s.events.Publish(ctx, events.Event{
		Type:       typ,
		Key:        key,
		FacilityID: db.FacilityFromContext(ctx),
		OccurredAt: s.now(),
		Payload:    payload,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Msg("event publish failed")
	}
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
