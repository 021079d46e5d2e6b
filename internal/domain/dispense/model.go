package dispense

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/inventory"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
)

// Dispense is a quantity of one medicine drawn from stock for one admission.
// Allocations are stored in FEFO order; createSchedule relies on that.
type Dispense struct {
	ID             uuid.UUID              `db:"id" json:"id"`
	PatientID      uuid.UUID              `db:"patient_id" json:"patient_id"`
	AdmissionID    uuid.UUID              `db:"admission_id" json:"admission_id"`
	MedicineID     uuid.UUID              `db:"medicine_id" json:"medicine_id"`
	Dose           string                 `db:"dose" json:"dose"`
	DoseUnits      int                    `db:"dose_units" json:"dose_units"`
	Route          string                 `db:"route" json:"route"`
	FrequencyHours int                    `db:"frequency_hours" json:"frequency_hours"`
	DurationDays   int                    `db:"duration_days" json:"duration_days"`
	StartTime      time.Time              `db:"start_time" json:"start_time"`
	IsPRN          bool                   `db:"is_prn" json:"is_prn"`
	IsControlled   bool                   `db:"is_controlled" json:"is_controlled"`
	Quantity       int                    `db:"quantity" json:"quantity"`
	Allocations    []inventory.Allocation `json:"allocations"`
	Status         Status                 `db:"status" json:"status"`
	DispensedBy    string                 `db:"dispensed_by" json:"dispensed_by"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time              `db:"updated_at" json:"updated_at"`
}

// Doses is the number of administrations the dispensed quantity covers.
func (d *Dispense) Doses() int {
	if d.DoseUnits <= 0 {
		return 0
	}
	return d.Quantity / d.DoseUnits
}

// Admission is the read-only view of a patient's stay.
type Admission struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Status     string    `db:"status" json:"status"`
	AdmittedAt time.Time `db:"admitted_at" json:"admitted_at"`
}

func (a *Admission) Active() bool { return a.Status == "active" }

// CreateRequest describes a dispense. Quantity is the number of PRN doses and
// is ignored for scheduled orders. Allocations, when set, replace the
// suggested FEFO allocation.
type CreateRequest struct {
	PatientID      uuid.UUID              `json:"patient_id"`
	AdmissionID    uuid.UUID              `json:"admission_id"`
	MedicineID     uuid.UUID              `json:"medicine_id"`
	Dose           string                 `json:"dose"`
	DoseUnits      int                    `json:"dose_units"`
	Route          string                 `json:"route"`
	FrequencyHours int                    `json:"frequency_hours"`
	DurationDays   int                    `json:"duration_days"`
	StartTime      time.Time              `json:"start_time"`
	IsPRN          bool                   `json:"is_prn"`
	IsControlled   bool                   `json:"is_controlled"`
	Quantity       int                    `json:"quantity"`
	AllowPartial   bool                   `json:"allow_partial"`
	Allocations    []inventory.Allocation `json:"allocations,omitempty"`
}

// PlannedDoses is the number of administrations the request asks for.
func (r *CreateRequest) PlannedDoses() int {
	if r.IsPRN {
		return r.Quantity
	}
	if r.FrequencyHours <= 0 {
		return 0
	}
	return r.DurationDays * 24 / r.FrequencyHours
}
