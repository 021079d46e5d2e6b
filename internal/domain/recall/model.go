package recall

import (
	"time"

	"github.com/google/uuid"
)

type Class string

const (
	ClassI   Class = "class-i"
	ClassII  Class = "class-ii"
	ClassIII Class = "class-iii"
)

func (c Class) Valid() bool {
	return c == ClassI || c == ClassII || c == ClassIII
}

type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

type RecalledBatch struct {
	BatchNumber      string `json:"batch_number"`
	QuantityAtRecall int    `json:"quantity_at_recall"`
}

// AffectedPatient is a patient who received a dose from a recalled batch.
type AffectedPatient struct {
	PatientID   uuid.UUID  `json:"patient_id"`
	BatchNumber string     `json:"batch_number"`
	Notified    bool       `json:"notified"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
}

func (p AffectedPatient) key() patientBatch {
	return patientBatch{p.PatientID, p.BatchNumber}
}

type AtRiskSource string

const (
	SourceScheduledDose AtRiskSource = "scheduled-dose"
	SourceHeldDose      AtRiskSource = "held-dose"
	SourceOpenDispense  AtRiskSource = "open-dispense"
)

// AtRiskPatient holds recalled stock that has not been administered yet.
type AtRiskPatient struct {
	PatientID   uuid.UUID    `json:"patient_id"`
	BatchNumber string       `json:"batch_number"`
	Source      AtRiskSource `json:"source"`
	MarID       *uuid.UUID   `json:"mar_id,omitempty"`
	DispenseID  *uuid.UUID   `json:"dispense_id,omitempty"`
}

type patientBatch struct {
	patient uuid.UUID
	batch   string
}

// Recall maps to the recall table with its batches and traced patients.
type Recall struct {
	ID               uuid.UUID         `db:"id" json:"id"`
	MedicineID       uuid.UUID         `db:"medicine_id" json:"medicine_id"`
	Batches          []RecalledBatch   `json:"recalled_batches"`
	RecallClass      Class             `db:"recall_class" json:"recall_class"`
	Reason           string            `db:"reason" json:"reason"`
	Status           Status            `db:"status" json:"status"`
	InitiatedBy      string            `db:"initiated_by" json:"initiated_by"`
	AffectedPatients []AffectedPatient `json:"affected_patients"`
	ResolutionNotes  *string           `db:"resolution_notes" json:"resolution_notes,omitempty"`
	ResolvedBy       *string           `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time        `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

func (r *Recall) BatchNumbers() []string {
	out := make([]string, len(r.Batches))
	for i, b := range r.Batches {
		out[i] = b.BatchNumber
	}
	return out
}

// Unnotified lists exposed patients still awaiting notification.
func (r *Recall) Unnotified() []AffectedPatient {
	var out []AffectedPatient
	for _, p := range r.AffectedPatients {
		if !p.Notified {
			out = append(out, p)
		}
	}
	return out
}

type InitiateRequest struct {
	MedicineID   uuid.UUID `json:"medicine_id"`
	BatchNumbers []string  `json:"batch_numbers"`
	Reason       string    `json:"reason"`
	RecallClass  Class     `json:"recall_class"`
}

// TraceResult separates patients already exposed from those holding
// recalled stock that has not reached them.
type TraceResult struct {
	RecallID uuid.UUID         `json:"recall_id"`
	Exposed  []AffectedPatient `json:"exposed"`
	AtRisk   []AtRiskPatient   `json:"at_risk"`
}

type Policy struct {
	RequireAllNotified bool
}
