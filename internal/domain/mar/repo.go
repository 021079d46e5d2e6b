package mar

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transition is the set of columns written when a record leaves scheduled.
type Transition struct {
	To               Status
	Reason           *string
	Notes            *string
	AdministeredTime *time.Time
	AdministeredBy   *string
	WitnessedBy      *string
	RecordedBy       string
	SafetyChecks     *SafetyChecks
	// Override replaces the stored override when set.
	Override *SafetyOverride
}

type Repository interface {
	CreateBatch(ctx context.Context, recs []*AdministrationRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*AdministrationRecord, error)
	// ListByAdmission returns records ordered by scheduled time. Zero from/to
	// leave that side open; an empty status matches all.
	ListByAdmission(ctx context.Context, admissionID uuid.UUID, from, to time.Time, status Status) ([]*AdministrationRecord, error)
	// ListScheduledBefore returns scheduled records whose scheduled time is
	// before cutoff.
	ListScheduledBefore(ctx context.Context, admissionID uuid.UUID, cutoff time.Time) ([]*AdministrationRecord, error)
	// ActiveMedicines lists the distinct medicines a patient received since
	// the given time, plus those still scheduled on the admission with a
	// scheduled time in [since, until].
	ActiveMedicines(ctx context.Context, patientID, admissionID uuid.UUID, since, until time.Time) ([]uuid.UUID, error)
	// Transition moves a scheduled record to t.To. It returns nil, nil when
	// the record is no longer scheduled.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*AdministrationRecord, error)
	// SetOverride stores an override on a scheduled record and reports
	// whether the record was still scheduled.
	SetOverride(ctx context.Context, id uuid.UUID, o SafetyOverride) (bool, error)
	// SetEffectiveness stores the assessment on a given PRN record.
	SetEffectiveness(ctx context.Context, id uuid.UUID, e Effectiveness) (bool, error)
	// ListByBatches returns records of the medicine carrying any of the batch
	// numbers, in every status.
	ListByBatches(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*AdministrationRecord, error)
}
