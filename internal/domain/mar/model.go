package mar

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/domain/interaction"
)

type Status string

const (
	StatusScheduled        Status = "scheduled"
	StatusGiven            Status = "given"
	StatusHeld             Status = "held"
	StatusRefused          Status = "refused"
	StatusMissed           Status = "missed"
	StatusSelfAdministered Status = "self-administered"
)

var validStatus = map[Status]bool{
	StatusScheduled: true, StatusGiven: true, StatusHeld: true,
	StatusRefused: true, StatusMissed: true, StatusSelfAdministered: true,
}

func (s Status) Valid() bool { return validStatus[s] }

// Terminal reports whether s has no outgoing transition. Every state other
// than scheduled is terminal.
func (s Status) Terminal() bool { return s != StatusScheduled }

// Exposed reports whether a record in s delivered the dose to the patient.
func (s Status) Exposed() bool { return s == StatusGiven || s == StatusSelfAdministered }

// HoldReason enumerates the clinical reasons a dose may be held.
type HoldReason string

const (
	HoldPatientNPO          HoldReason = "patient-npo"
	HoldPatientUnavailable  HoldReason = "patient-unavailable"
	HoldParameterOutOfRange HoldReason = "clinical-parameter-out-of-range"
	HoldPhysicianOrder      HoldReason = "physician-order"
	HoldMedicationMissing   HoldReason = "medication-unavailable"
	HoldPatientOffUnit      HoldReason = "patient-off-unit"
	HoldAdverseReaction     HoldReason = "adverse-reaction"
	HoldLabValue            HoldReason = "lab-value"
)

var validHoldReasons = map[HoldReason]bool{
	HoldPatientNPO: true, HoldPatientUnavailable: true, HoldParameterOutOfRange: true,
	HoldPhysicianOrder: true, HoldMedicationMissing: true, HoldPatientOffUnit: true,
	HoldAdverseReaction: true, HoldLabValue: true,
}

func (r HoldReason) Valid() bool { return validHoldReasons[r] }

// SafetyChecks is the frozen outcome of the check run at administration.
type SafetyChecks struct {
	InteractionChecked bool       `json:"interaction_checked"`
	AllergyChecked     bool       `json:"allergy_checked"`
	RecallChecked      bool       `json:"recall_checked"`
	CheckedAt          *time.Time `json:"checked_at,omitempty"`
	CheckedBy          string     `json:"checked_by,omitempty"`
	Findings           []Finding  `json:"findings,omitempty"`
}

type SafetyOverride struct {
	Required     bool       `json:"required"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	ApproverRole string     `json:"approver_role,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}

// Approved reports whether an approver and a reason are on file.
func (o SafetyOverride) Approved() bool {
	return o.ApprovedBy != "" && o.Reason != ""
}

// Effectiveness is the follow-up assessment of a PRN dose.
type Effectiveness struct {
	Result     string    `json:"result"`
	Notes      string    `json:"notes,omitempty"`
	RecordedBy string    `json:"recorded_by"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DoseBatch is one batch's share of the units in a dose.
type DoseBatch struct {
	BatchNumber string    `json:"batch_number"`
	ExpiryDate  time.Time `json:"expiry_date"`
	Units       int       `json:"units"`
}

// AdministrationRecord maps to medication_administration. BatchNumber and
// BatchExpiry name the batch supplying the first unit; Batches lists every
// batch the dose draws on. All are a snapshot taken at scheduling and never
// change.
type AdministrationRecord struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	DispenseID       uuid.UUID      `db:"dispense_id" json:"dispense_id"`
	PatientID        uuid.UUID      `db:"patient_id" json:"patient_id"`
	AdmissionID      uuid.UUID      `db:"admission_id" json:"admission_id"`
	MedicineID       uuid.UUID      `db:"medicine_id" json:"medicine_id"`
	BatchNumber      string         `db:"batch_number" json:"batch_number"`
	BatchExpiry      time.Time      `db:"batch_expiry" json:"batch_expiry"`
	Batches          []DoseBatch    `db:"batches" json:"batches"`
	ScheduledTime    time.Time      `db:"scheduled_time" json:"scheduled_time"`
	Dose             string         `db:"dose" json:"dose"`
	DoseUnits        int            `db:"dose_units" json:"dose_units"`
	Route            string         `db:"route" json:"route"`
	IsPRN            bool           `db:"is_prn" json:"is_prn"`
	IsControlled     bool           `db:"is_controlled" json:"is_controlled"`
	Status           Status         `db:"status" json:"status"`
	StatusReason     *string        `db:"status_reason" json:"status_reason,omitempty"`
	Notes            *string        `db:"notes" json:"notes,omitempty"`
	AdministeredTime *time.Time     `db:"administered_time" json:"administered_time,omitempty"`
	AdministeredBy   *string        `db:"administered_by" json:"administered_by,omitempty"`
	WitnessedBy      *string        `db:"witnessed_by" json:"witnessed_by,omitempty"`
	RecordedBy       *string        `db:"recorded_by" json:"recorded_by,omitempty"`
	SafetyChecks     SafetyChecks   `db:"safety_checks" json:"safety_checks"`
	SafetyOverride   SafetyOverride `db:"safety_override" json:"safety_override"`
	Effectiveness    *Effectiveness `db:"effectiveness" json:"effectiveness,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// BatchNumbers returns every batch the dose draws on, first unit first.
func (r *AdministrationRecord) BatchNumbers() []string {
	if len(r.Batches) == 0 {
		return []string{r.BatchNumber}
	}
	out := make([]string, 0, len(r.Batches))
	for _, b := range r.Batches {
		out = append(out, b.BatchNumber)
	}
	return out
}

// DueWindow returns the on-time band around the scheduled time.
func (r *AdministrationRecord) DueWindow(tolerance time.Duration) (early, late time.Time) {
	return r.ScheduledTime.Add(-tolerance), r.ScheduledTime.Add(tolerance)
}

// Overdue is derived, never stored.
func (r *AdministrationRecord) Overdue(now time.Time, tolerance time.Duration) bool {
	_, late := r.DueWindow(tolerance)
	return r.Status == StatusScheduled && late.Before(now)
}

type FindingKind string

const (
	FindingInteraction FindingKind = "interaction"
	FindingAllergy     FindingKind = "allergy"
	FindingRecall      FindingKind = "recall"
)

// Finding is one safety concern. Blocking findings need an approved override;
// a recall finding cannot be overridden at all.
type Finding struct {
	Kind            FindingKind          `json:"kind"`
	Severity        interaction.Severity `json:"severity,omitempty"`
	MedicineID      uuid.UUID            `json:"medicine_id"`
	OtherMedicineID *uuid.UUID           `json:"other_medicine_id,omitempty"`
	InteractionID   *uuid.UUID           `json:"interaction_id,omitempty"`
	BatchNumber     string               `json:"batch_number,omitempty"`
	Message         string               `json:"message"`
	Blocking        bool                 `json:"blocking"`
	Overridable     bool                 `json:"overridable"`
}

// SafetyCheckResult is the outcome of one pre-administration check.
type SafetyCheckResult struct {
	MarID              uuid.UUID   `json:"mar_id"`
	PatientID          uuid.UUID   `json:"patient_id"`
	MedicineID         uuid.UUID   `json:"medicine_id"`
	BatchNumber        string      `json:"batch_number"`
	Batches            []string    `json:"batches"`
	ActiveMedicines    []uuid.UUID `json:"active_medicines"`
	InteractionChecked bool        `json:"interaction_checked"`
	AllergyChecked     bool        `json:"allergy_checked"`
	RecallChecked      bool        `json:"recall_checked"`
	CheckedAt          time.Time   `json:"checked_at"`
	Findings           []Finding   `json:"findings"`
	RequiresOverride   bool        `json:"requires_override"`
	Blocked            bool        `json:"blocked"`
}

// AdministerRequest carries the details of a given or self-administered dose.
type AdministerRequest struct {
	Notes     string `json:"notes,omitempty"`
	WitnessID string `json:"witness_id,omitempty"`
}

// ScheduleFilter narrows getSchedule. Date is a calendar day in the
// facility's time zone.
type ScheduleFilter struct {
	Date   *time.Time
	Status Status
}

// Policy holds the administration rules that vary by facility.
type Policy struct {
	DueWindow          time.Duration
	BlockingSeverities []interaction.Severity
	// ActiveLookback bounds how far back a given dose or a still-scheduled
	// dose keeps its medicine active; ActiveLookahead bounds upcoming doses.
	ActiveLookback  time.Duration
	ActiveLookahead time.Duration
	Location        *time.Location
}

func DefaultPolicy() Policy {
	return Policy{
		DueWindow:          30 * time.Minute,
		BlockingSeverities: []interaction.Severity{interaction.SeverityMajor},
		ActiveLookback:     24 * time.Hour,
		ActiveLookahead:    24 * time.Hour,
		Location:           time.UTC,
	}
}

func (p Policy) blocks(s interaction.Severity) bool {
	for _, b := range p.BlockingSeverities {
		if b == s {
			return true
		}
	}
	return false
}
