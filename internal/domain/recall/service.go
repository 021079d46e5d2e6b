package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/medsafety/internal/domain/dispense"
	"github.com/ehr/medsafety/internal/domain/mar"
	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/archive"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/metrics"
	"github.com/ehr/medsafety/internal/platform/notification"
	"github.com/ehr/medsafety/internal/platform/tracing"
)

// Stock flags batches as recalled.
type Stock interface {
	MarkRecalled(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) (map[string]int, error)
}

// Ledger finds administration records by batch.
type Ledger interface {
	ListByBatches(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*mar.AdministrationRecord, error)
}

// OpenDispenses finds dispenses not yet expanded into a schedule.
type OpenDispenses interface {
	ListOpenByBatch(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*dispense.Dispense, error)
}

// Service runs recalls: quarantine, trace, notify and resolve.
type Service struct {
	repo      Repository
	tx        db.Transactor
	stock     Stock
	ledger    Ledger
	dispenses OpenDispenses
	notifier  notification.Transport
	templates *notification.TemplateEngine
	archive   archive.Store
	events    events.Publisher
	metrics   *metrics.Metrics
	policy    Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the recall service. Events, metrics and the archive are optional.
func NewService(repo Repository, tx db.Transactor, stock Stock, ledger Ledger, dispenses OpenDispenses,
	notifier notification.Transport, policy Policy, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		stock:     stock,
		ledger:    ledger,
		dispenses: dispenses,
		notifier:  notifier,
		templates: notification.NewTemplateEngine(),
		events:    events.NopPublisher{},
		policy:    policy,
		logger:    logger.With().Str("component", "recall_tracer").Logger(),
		now:       time.Now,
	}
}

// WithEvents sets the publisher for recall events.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithMetrics enables the recall counters.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// WithArchive enables resolution reports.
func (s *Service) WithArchive(a archive.Store) *Service {
	s.archive = a
	return s
}

// InitiateRecall records the recall and flags its batches in the same
// transaction, so the allocator stops offering them once it commits.
func (s *Service) InitiateRecall(ctx context.Context, req InitiateRequest, by string) (*Recall, error) {
	const op = "recall.Initiate"
	ctx, span := tracing.Start(ctx, op, attribute.String("medicine_id", req.MedicineID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	nums, err := validateInitiate(op, &req, by)
	if err != nil {
		return nil, err
	}
	rc := &Recall{
		MedicineID:       req.MedicineID,
		RecallClass:      req.RecallClass,
		Reason:           req.Reason,
		Status:           StatusActive,
		InitiatedBy:      by,
		AffectedPatients: []AffectedPatient{},
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		qty, err := s.stock.MarkRecalled(ctx, req.MedicineID, nums)
		if err != nil {
			return err
		}
		for _, n := range nums {
			rc.Batches = append(rc.Batches, RecalledBatch{BatchNumber: n, QuantityAtRecall: qty[n]})
		}
		return s.repo.Create(ctx, rc)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecallInitiated()
	s.logger.Warn().
		Str("recall_id", rc.ID.String()).
		Str("medicine_id", rc.MedicineID.String()).
		Strs("batches", nums).
		Str("class", string(rc.RecallClass)).
		Msg("recall initiated")
	s.publish(ctx, events.TypeRecallInitiated, rc.ID.String(), rc)
	return rc, nil
}

func validateInitiate(op string, req *InitiateRequest, by string) ([]string, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	switch {
	case req.MedicineID == uuid.Nil:
		return nil, apperr.Validation(op, "medicine_id", "medicine_id is required")
	case req.Reason == "":
		return nil, apperr.Validation(op, "reason", "reason is required")
	case !req.RecallClass.Valid():
		return nil, apperr.Validation(op, "recall_class", "recall_class must be class-i, class-ii or class-iii")
	case by == "":
		return nil, apperr.Validation(op, "initiated_by", "initiating user is required")
	}
	seen := map[string]bool{}
	var nums []string
	for _, n := range req.BatchNumbers {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return nil, apperr.Validation(op, "batch_numbers", "at least one batch number is required")
	}
	sort.Strings(nums)
	return nums, nil
}

// GetRecall returns a recall with its stored affected patients.
func (s *Service) GetRecall(ctx context.Context, id uuid.UUID) (*Recall, error) {
	return s.repo.GetByID(ctx, id)
}

// ListRecalls pages recalls, optionally filtered by status.
func (s *Service) ListRecalls(ctx context.Context, status Status, limit, offset int) ([]*Recall, int, error) {
	if status != "" && status != StatusActive && status != StatusResolved {
		return nil, 0, apperr.Validation("recall.List", "status", "unknown status %q", status)
	}
	return s.repo.List(ctx, status, limit, offset)
}

// FindAffectedPatients walks the administration ledger and open dispenses
// for the recalled batches. Only given or self-administered doses count as
// exposure; scheduled and held doses and open dispenses are at risk. Exposed
// patients are persisted on an active recall; a resolved recall reports its
// frozen exposed list and is not modified.
func (s *Service) FindAffectedPatients(ctx context.Context, recallID uuid.UUID) (*TraceResult, error) {
	const op = "recall.FindAffectedPatients"
	ctx, span := tracing.Start(ctx, op, attribute.String("recall_id", recallID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	rc, err := s.repo.GetByID(ctx, recallID)
	if err != nil {
		return nil, err
	}
	var res *TraceResult
	if rc.Status == StatusActive {
		res, err = s.trace(ctx, rc)
	} else {
		res, err = s.scan(ctx, rc)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("exposed", len(res.Exposed)), attribute.Int("at_risk", len(res.AtRisk)))
	return res, nil
}

// exposure walks the ledger and open dispenses without writing anything.
func (s *Service) exposure(ctx context.Context, rc *Recall) (map[patientBatch]AffectedPatient, []AtRiskPatient, error) {
	nums := rc.BatchNumbers()
	recs, err := s.ledger.ListByBatches(ctx, rc.MedicineID, nums)
	if err != nil {
		return nil, nil, err
	}
	open, err := s.dispenses.ListOpenByBatch(ctx, rc.MedicineID, nums)
	if err != nil {
		return nil, nil, err
	}

	recalled := make(map[string]bool, len(nums))
	for _, n := range nums {
		recalled[n] = true
	}
	exposed := map[patientBatch]AffectedPatient{}
	atRisk := map[patientBatch]AtRiskPatient{}
	for _, r := range recs {
		for _, num := range r.BatchNumbers() {
			if !recalled[num] {
				continue
			}
			k := patientBatch{r.PatientID, num}
			switch {
			case r.Status.Exposed():
				exposed[k] = AffectedPatient{PatientID: r.PatientID, BatchNumber: num}
			case r.Status == mar.StatusScheduled || r.Status == mar.StatusHeld:
				if _, ok := atRisk[k]; ok {
					continue
				}
				id := r.ID
				src := SourceScheduledDose
				if r.Status == mar.StatusHeld {
					src = SourceHeldDose
				}
				atRisk[k] = AtRiskPatient{PatientID: r.PatientID, BatchNumber: num, Source: src, MarID: &id}
			}
		}
	}
	for _, d := range open {
		for _, a := range d.Allocations {
			k := patientBatch{d.PatientID, a.BatchNumber}
			if !recalled[a.BatchNumber] {
				continue
			}
			if _, ok := atRisk[k]; ok {
				continue
			}
			id := d.ID
			atRisk[k] = AtRiskPatient{PatientID: d.PatientID, BatchNumber: a.BatchNumber, Source: SourceOpenDispense, DispenseID: &id}
		}
	}
	for k := range exposed {
		delete(atRisk, k)
	}

	out := make([]AtRiskPatient, 0, len(atRisk))
	for _, p := range atRisk {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].PatientID, out[i].BatchNumber, out[j].PatientID, out[j].BatchNumber)
	})
	return exposed, out, nil
}

// trace refreshes an active recall: newly exposed patients are merged into
// the recall, keeping existing notified flags.
func (s *Service) trace(ctx context.Context, rc *Recall) (*TraceResult, error) {
	exposed, atRisk, err := s.exposure(ctx, rc)
	if err != nil {
		return nil, err
	}
	found := make([]AffectedPatient, 0, len(exposed))
	for _, p := range exposed {
		found = append(found, p)
	}
	if err := s.repo.MergeAffected(ctx, rc.ID, found); err != nil {
		return nil, err
	}
	stored, err := s.repo.GetByID(ctx, rc.ID)
	if err != nil {
		return nil, err
	}
	rc.AffectedPatients = stored.AffectedPatients

	res := s.result(rc, atRisk)
	s.metrics.RecallTraced(len(res.Exposed), len(res.AtRisk))
	s.publish(ctx, events.TypeRecallTraced, rc.ID.String(), map[string]any{
		"recall_id": rc.ID,
		"exposed":   len(res.Exposed),
		"at_risk":   len(res.AtRisk),
	})
	return res, nil
}

// scan reports on a resolved recall. Its exposed list is the one frozen at
// resolution; later administrations do not extend it.
func (s *Service) scan(ctx context.Context, rc *Recall) (*TraceResult, error) {
	_, atRisk, err := s.exposure(ctx, rc)
	if err != nil {
		return nil, err
	}
	return s.result(rc, atRisk), nil
}

func (s *Service) result(rc *Recall, atRisk []AtRiskPatient) *TraceResult {
	exposed := append([]AffectedPatient{}, rc.AffectedPatients...)
	sortAffected(exposed)
	return &TraceResult{RecallID: rc.ID, Exposed: exposed, AtRisk: atRisk}
}

func sortAffected(ps []AffectedPatient) {
	sort.Slice(ps, func(i, j int) bool {
		return less(ps[i].PatientID, ps[i].BatchNumber, ps[j].PatientID, ps[j].BatchNumber)
	})
}

func less(pa uuid.UUID, ba string, pb uuid.UUID, bb string) bool {
	if c := bytes.Compare(pa[:], pb[:]); c != 0 {
		return c < 0
	}
	return ba < bb
}

// NotifyPatients refreshes the trace and sends the recall notice to every
// exposed patient not yet notified. A patient is marked notified only after
// the transport confirms; failures are left for the next call.
func (s *Service) NotifyPatients(ctx context.Context, recallID uuid.UUID) (int, error) {
	const op = "recall.NotifyPatients"
	ctx, span := tracing.Start(ctx, op, attribute.String("recall_id", recallID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	rc, err := s.repo.GetByID(ctx, recallID)
	if err != nil {
		return 0, err
	}
	if rc.Status != StatusActive {
		err = apperr.New(apperr.KindInvalidTransition, op, "recall %s is %s", rc.ID, rc.Status).
			With("current_status", rc.Status)
		return 0, err
	}
	if _, err = s.trace(ctx, rc); err != nil {
		return 0, err
	}

	sent := 0
	for _, p := range rc.Unnotified() {
		msg, err := s.templates.Render(notification.TemplateBatchRecall, map[string]string{
			"medicine":     rc.MedicineID.String(),
			"batch_number": p.BatchNumber,
			"recall_class": string(rc.RecallClass),
			"reason":       rc.Reason,
			"facility":     facilityName(ctx),
		})
		if err != nil {
			return sent, err
		}
		msg.PatientID = p.PatientID
		msg.IdempotencyKey = fmt.Sprintf("%s:%s:%s", rc.ID, p.PatientID, p.BatchNumber)
		msg.Metadata = map[string]string{"recall_id": rc.ID.String(), "batch_number": p.BatchNumber}

		if err := s.notifier.Send(ctx, msg); err != nil {
			s.metrics.Notification("failed")
			s.logger.Warn().Err(err).
				Str("recall_id", rc.ID.String()).
				Str("patient_id", p.PatientID.String()).
				Msg("recall notification failed")
			continue
		}
		if err := s.repo.MarkNotified(ctx, rc.ID, p.PatientID, p.BatchNumber, s.now()); err != nil {
			return sent, err
		}
		s.metrics.Notification("sent")
		sent++
	}
	s.logger.Info().
		Str("recall_id", rc.ID.String()).
		Int("sent", sent).
		Int("pending", len(rc.Unnotified())-sent).
		Msg("recall notifications processed")
	return sent, nil
}

func facilityName(ctx context.Context) string {
	if f := db.FacilityFromContext(ctx); f != "" {
		return f
	}
	return "the hospital"
}

// ResolveRecall closes an active recall. When policy requires it, every
// exposed patient must have been notified first.
func (s *Service) ResolveRecall(ctx context.Context, recallID uuid.UUID, notes, by string) (*Recall, error) {
	const op = "recall.Resolve"
	ctx, span := tracing.Start(ctx, op, attribute.String("recall_id", recallID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	notes = strings.TrimSpace(notes)
	if notes == "" {
		err = apperr.Validation(op, "notes", "resolution notes are required")
		return nil, err
	}
	rc, err := s.repo.GetByID(ctx, recallID)
	if err != nil {
		return nil, err
	}
	if rc.Status != StatusActive {
		err = apperr.New(apperr.KindInvalidTransition, op, "recall %s is already %s", rc.ID, rc.Status).
			With("current_status", rc.Status)
		return nil, err
	}
	res, err := s.trace(ctx, rc)
	if err != nil {
		return nil, err
	}
	if pending := rc.Unnotified(); s.policy.RequireAllNotified && len(pending) > 0 {
		err = apperr.New(apperr.KindUnresolvedNotifications, op, "%d affected patients have not been notified", len(pending)).
			With("unnotified", pending)
		return nil, err
	}

	now := s.now()
	ok, err := s.repo.Resolve(ctx, rc.ID, notes, by, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		err = apperr.New(apperr.KindInvalidTransition, op, "recall %s changed concurrently", rc.ID)
		return nil, err
	}
	rc.Status = StatusResolved
	rc.ResolutionNotes = &notes
	rc.ResolvedBy = &by
	rc.ResolvedAt = &now

	s.archiveReport(ctx, rc, res)
	s.publish(ctx, events.TypeRecallResolved, rc.ID.String(), map[string]any{
		"recall_id":   rc.ID,
		"medicine_id": rc.MedicineID,
		"exposed":     len(res.Exposed),
		"resolved_by": by,
	})
	s.logger.Info().Str("recall_id", rc.ID.String()).Str("resolved_by", by).Msg("recall resolved")
	return rc, nil
}

type report struct {
	Recall     *Recall         `json:"recall"`
	AtRisk     []AtRiskPatient `json:"at_risk"`
	FacilityID string          `json:"facility_id,omitempty"`
	ArchivedAt time.Time       `json:"archived_at"`
}

func (s *Service) archiveReport(ctx context.Context, rc *Recall, res *TraceResult) {
	if s.archive == nil {
		return
	}
	facility := db.FacilityFromContext(ctx)
	body, err := json.MarshalIndent(report{Recall: rc, AtRisk: res.AtRisk, FacilityID: facility, ArchivedAt: s.now()}, "", "  ")
	if err != nil {
		s.logger.Warn().Err(err).Str("recall_id", rc.ID.String()).Msg("recall report encode failed")
		return
	}
	key := archive.RecallReportKey(facility, rc.ID.String(), *rc.ResolvedAt)
	if err := s.archive.Put(ctx, key, "application/json", body); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("recall report archive failed")
	}
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
