// Package allergy is the client for the external allergy source consulted by
// the pre-administration safety check.
package allergy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medsafety/internal/platform/resilience"
)

// Allergen is one recorded allergy, resolved to a medicine identity.
type Allergen struct {
	MedicineID uuid.UUID `json:"medicine_id"`
	Substance  string    `json:"substance,omitempty"`
	Reaction   string    `json:"reaction,omitempty"`
	Severity   string    `json:"severity,omitempty"`
}

// Source returns a patient's recorded allergies. An error means the list is
// unknown, not empty.
type Source interface {
	PatientAllergies(ctx context.Context, patientID uuid.UUID) ([]Allergen, error)
}

type HTTPSource struct {
	baseURL string
	client  *http.Client
	breaker *resilience.Breaker
}

func NewHTTPSource(baseURL string, breaker *resilience.Breaker) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: breaker,
	}
}

type allergyResponse struct {
	Allergies []Allergen `json:"allergies"`
}

func (s *HTTPSource) PatientAllergies(ctx context.Context, patientID uuid.UUID) ([]Allergen, error) {
	var out []Allergen
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/patients/%s/allergies", s.baseURL, patientID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("GET %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("patient %s unknown to allergy source", patientID)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("allergy source returned status %d", resp.StatusCode)
		}
		var body allergyResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decoding allergy response: %w", err)
		}
		out = body.Allergies
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StaticSource serves allergies from memory. Development and tests.
type StaticSource struct {
	mu        sync.RWMutex
	allergies map[uuid.UUID][]Allergen
}

func NewStaticSource() *StaticSource {
	return &StaticSource{allergies: make(map[uuid.UUID][]Allergen)}
}

func (s *StaticSource) Set(patientID uuid.UUID, allergens ...Allergen) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allergies[patientID] = append([]Allergen(nil), allergens...)
}

func (s *StaticSource) PatientAllergies(_ context.Context, patientID uuid.UUID) ([]Allergen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Allergen(nil), s.allergies[patientID]...), nil
}
