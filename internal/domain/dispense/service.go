package dispense

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/medsafety/internal/domain/inventory"
	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/internal/platform/tracing"
)

// Stock is the slice of the batch allocator a dispense needs.
type Stock interface {
	Allocate(ctx context.Context, medicineID uuid.UUID, quantity int) (*inventory.AllocationResult, error)
	ResolveAllocations(ctx context.Context, medicineID uuid.UUID, manual []inventory.Allocation) ([]inventory.Allocation, error)
	Commit(ctx context.Context, medicineID uuid.UUID, allocs []inventory.Allocation) error
}

// Service reserves stock and records dispenses.
type Service struct {
	repo       Repository
	admissions AdmissionRepository
	stock      Stock
	tx         db.Transactor
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService wires the dispense service.
func NewService(repo Repository, admissions AdmissionRepository, stock Stock, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		admissions: admissions,
		stock:      stock,
		tx:         tx,
		logger:     logger.With().Str("component", "dispense").Logger(),
		now:        time.Now,
	}
}

// CreateDispense allocates stock for the request, commits it and records the
// dispense as open. A shortfall is rejected unless the request allows a
// partial dispense, in which case the dose count shrinks to what stock covers.
func (s *Service) CreateDispense(ctx context.Context, req *CreateRequest, dispensedBy string) (*Dispense, error) {
	const op = "dispense.Create"
	ctx, span := tracing.Start(ctx, op, attribute.String("medicine_id", req.MedicineID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	if err = validate(op, req, dispensedBy); err != nil {
		return nil, err
	}
	if err = s.checkAdmission(ctx, op, req.AdmissionID, req.PatientID); err != nil {
		return nil, err
	}

	doses := req.PlannedDoses()
	units := doses * req.DoseUnits

	var allocs []inventory.Allocation
	if len(req.Allocations) > 0 {
		allocs, err = s.stock.ResolveAllocations(ctx, req.MedicineID, req.Allocations)
	} else {
		var res *inventory.AllocationResult
		res, err = s.stock.Allocate(ctx, req.MedicineID, units)
		if res != nil {
			allocs = res.Allocations
		}
	}
	if err != nil {
		return nil, err
	}

	allocated := sum(allocs)
	if allocated > units {
		err = apperr.Validation(op, "allocations", "allocations total %d units, order needs %d", allocated, units)
		return nil, err
	}
	if allocated < units {
		if !req.AllowPartial {
			err = apperr.New(apperr.KindInsufficientStock, op, "stock covers %d of %d units", allocated, units).
				With("requested", units).
				With("shortfall", units-allocated)
			return nil, err
		}
		doses = allocated / req.DoseUnits
		if doses == 0 {
			err = apperr.New(apperr.KindInsufficientStock, op, "stock does not cover a single dose").
				With("requested", units).
				With("shortfall", units-allocated)
			return nil, err
		}
		units = doses * req.DoseUnits
		allocs = trim(allocs, units)
	}

	d := &Dispense{
		PatientID:      req.PatientID,
		AdmissionID:    req.AdmissionID,
		MedicineID:     req.MedicineID,
		Dose:           req.Dose,
		DoseUnits:      req.DoseUnits,
		Route:          req.Route,
		FrequencyHours: req.FrequencyHours,
		DurationDays:   req.DurationDays,
		StartTime:      req.StartTime,
		IsPRN:          req.IsPRN,
		IsControlled:   req.IsControlled,
		Quantity:       units,
		Allocations:    allocs,
		Status:         StatusOpen,
		DispensedBy:    dispensedBy,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.stock.Commit(ctx, req.MedicineID, allocs); err != nil {
			return err
		}
		return s.repo.Create(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("dispense_id", d.ID.String()).
		Str("admission_id", d.AdmissionID.String()).
		Int("doses", doses).
		Int("batches", len(allocs)).
		Msg("dispense recorded")
	return d, nil
}

// GetDispense returns a dispense with its allocations.
func (s *Service) GetDispense(ctx context.Context, id uuid.UUID) (*Dispense, error) {
	return s.repo.GetByID(ctx, id)
}

// GetAdmission returns the admission or InvalidDispense when it is unknown.
func (s *Service) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := s.admissions.GetAdmission(ctx, id)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, apperr.Wrap(apperr.KindInvalidDispense, "dispense.GetAdmission", err, "admission %s is unknown", id)
	}
	return a, err
}

// MarkScheduled records that the dispense has been expanded into a schedule.
// A dispense is scheduled at most once.
func (s *Service) MarkScheduled(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.MarkScheduled(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindInvalidDispense, "dispense.MarkScheduled", "dispense %s is not open", id).
			With("dispense_id", id)
	}
	return nil
}

// ListOpenByBatch returns dispenses still awaiting scheduling that draw on
// any of the batches.
func (s *Service) ListOpenByBatch(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*Dispense, error) {
	if len(batchNumbers) == 0 {
		return nil, nil
	}
	return s.repo.ListOpenByBatches(ctx, medicineID, batchNumbers)
}

func (s *Service) checkAdmission(ctx context.Context, op string, admissionID, patientID uuid.UUID) error {
	a, err := s.GetAdmission(ctx, admissionID)
	if err != nil {
		return err
	}
	if !a.Active() {
		return apperr.New(apperr.KindInvalidDispense, op, "admission %s is %s", a.ID, a.Status).
			With("admission_id", a.ID)
	}
	if a.PatientID != patientID {
		return apperr.New(apperr.KindInvalidDispense, op, "admission %s belongs to another patient", a.ID).
			With("admission_id", a.ID)
	}
	return nil
}

func validate(op string, req *CreateRequest, dispensedBy string) error {
	req.Dose = strings.TrimSpace(req.Dose)
	req.Route = strings.TrimSpace(req.Route)
	switch {
	case req.PatientID == uuid.Nil:
		return apperr.Validation(op, "patient_id", "patient_id is required")
	case req.AdmissionID == uuid.Nil:
		return apperr.Validation(op, "admission_id", "admission_id is required")
	case req.MedicineID == uuid.Nil:
		return apperr.Validation(op, "medicine_id", "medicine_id is required")
	case req.Dose == "":
		return apperr.Validation(op, "dose", "dose is required")
	case req.Route == "":
		return apperr.Validation(op, "route", "route is required")
	case req.DoseUnits <= 0:
		return apperr.Validation(op, "dose_units", "dose_units must be positive")
	case req.StartTime.IsZero():
		return apperr.Validation(op, "start_time", "start_time is required")
	case dispensedBy == "":
		return apperr.Validation(op, "dispensed_by", "dispensing user is required")
	}
	if req.IsPRN {
		if req.Quantity <= 0 {
			return apperr.Validation(op, "quantity", "PRN dispense needs a positive dose quantity")
		}
		return nil
	}
	if req.FrequencyHours <= 0 || req.FrequencyHours > 24*7 {
		return apperr.Validation(op, "frequency_hours", "frequency_hours must be between 1 and 168")
	}
	if req.DurationDays <= 0 {
		return apperr.Validation(op, "duration_days", "duration_days must be positive")
	}
	if req.PlannedDoses() == 0 {
		return apperr.Validation(op, "duration_days", "order covers no doses")
	}
	return nil
}

func sum(allocs []inventory.Allocation) int {
	n := 0
	for _, a := range allocs {
		n += a.Quantity
	}
	return n
}

// trim keeps the first units of allocs, preserving order.
func trim(allocs []inventory.Allocation, units int) []inventory.Allocation {
	out := make([]inventory.Allocation, 0, len(allocs))
	for _, a := range allocs {
		if units == 0 {
			break
		}
		if a.Quantity > units {
			a.Quantity = units
		}
		units -= a.Quantity
		out = append(out, a)
	}
	return out
}
