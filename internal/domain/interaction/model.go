package interaction

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityMajor    Severity = "major"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

var severityRank = map[Severity]int{
	SeverityMajor:    3,
	SeverityModerate: 2,
	SeverityMinor:    1,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities, major highest. Unknown severities rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

type EvidenceLevel string

const (
	EvidenceEstablished EvidenceLevel = "established"
	EvidenceProbable    EvidenceLevel = "probable"
	EvidenceSuspected   EvidenceLevel = "suspected"
	EvidenceTheoretical EvidenceLevel = "theoretical"
)

var validEvidence = map[EvidenceLevel]bool{
	EvidenceEstablished: true, EvidenceProbable: true,
	EvidenceSuspected: true, EvidenceTheoretical: true,
}

func (e EvidenceLevel) Valid() bool {
	return validEvidence[e]
}

// DrugInteraction maps to the drug_interaction table. DrugA always holds the
// smaller medicine id (byte order), which is also Postgres' uuid order.
type DrugInteraction struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	DrugA          uuid.UUID     `db:"drug_a" json:"drug_a"`
	DrugB          uuid.UUID     `db:"drug_b" json:"drug_b"`
	Severity       Severity      `db:"severity" json:"severity"`
	EvidenceLevel  EvidenceLevel `db:"evidence_level" json:"evidence_level"`
	Description    *string       `db:"description" json:"description,omitempty"`
	Mechanism      *string       `db:"mechanism" json:"mechanism,omitempty"`
	Recommendation *string       `db:"recommendation" json:"recommendation,omitempty"`
	IsActive       bool          `db:"is_active" json:"is_active"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// CanonicalPair returns a and b ordered so the smaller id comes first.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}

// Canonicalize swaps DrugA and DrugB when they are out of order.
func (d *DrugInteraction) Canonicalize() {
	d.DrugA, d.DrugB = CanonicalPair(d.DrugA, d.DrugB)
}

// Involves reports whether id is one side of the pair.
func (d *DrugInteraction) Involves(id uuid.UUID) bool {
	return d.DrugA == id || d.DrugB == id
}
