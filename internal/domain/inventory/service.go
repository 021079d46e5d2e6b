package inventory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/internal/platform/metrics"
	"github.com/ehr/medsafety/internal/platform/tracing"
)

// Service owns batch stock and FEFO allocation.
type Service struct {
	repo    Repository
	tx      db.Transactor
	policy  Policy
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService returns an inventory service. m may be nil.
func NewService(repo Repository, tx db.Transactor, policy Policy, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		tx:      tx,
		policy:  policy,
		logger:  logger.With().Str("component", "batch_allocator").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// ReceiveBatch validates and stores a newly delivered batch.
func (s *Service) ReceiveBatch(ctx context.Context, b *InventoryBatch) error {
	const op = "inventory.ReceiveBatch"
	b.BatchNumber = strings.TrimSpace(b.BatchNumber)
	switch {
	case b.MedicineID == uuid.Nil:
		return apperr.Validation(op, "medicine_id", "medicine_id is required")
	case b.BatchNumber == "":
		return apperr.Validation(op, "batch_number", "batch_number is required")
	case b.ExpiryDate.IsZero():
		return apperr.Validation(op, "expiry_date", "expiry_date is required")
	case b.AvailableQuantity < 0:
		return apperr.Validation(op, "available_quantity", "available_quantity must be >= 0")
	}
	b.IsRecalled = false
	if err := s.repo.Create(ctx, b); err != nil {
		return err
	}
	s.logger.Info().
		Str("medicine_id", b.MedicineID.String()).
		Str("batch_number", b.BatchNumber).
		Int("quantity", b.AvailableQuantity).
		Msg("batch received")
	return nil
}

// ListBatches returns every batch of a medicine, recalled ones included.
func (s *Service) ListBatches(ctx context.Context, medicineID uuid.UUID) ([]*InventoryBatch, error) {
	return s.repo.ListByMedicine(ctx, medicineID)
}

// GetBatch reads the live batch row; recall status is never cached.
func (s *Service) GetBatch(ctx context.Context, medicineID uuid.UUID, batchNumber string) (*InventoryBatch, error) {
	return s.repo.GetByNumber(ctx, medicineID, batchNumber)
}

// Allocate previews a FEFO allocation. Stock is not touched; a shortfall is
// part of the result, not an error.
func (s *Service) Allocate(ctx context.Context, medicineID uuid.UUID, quantity int) (*AllocationResult, error) {
	ctx, span := tracing.Start(ctx, "inventory.Allocate",
		attribute.String("medicine_id", medicineID.String()), attribute.Int("quantity", quantity))
	var err error
	defer func() { tracing.End(span, err) }()

	if quantity <= 0 {
		err = apperr.Validation("inventory.Allocate", "quantity", "quantity must be positive")
		return nil, err
	}
	now := s.now()
	batches, err := s.repo.ListEligible(ctx, medicineID, now)
	if err != nil {
		return nil, err
	}
	res := Allocate(medicineID, batches, quantity, now, s.policy)
	s.metrics.Shortfall(res.Shortfall)
	span.SetAttributes(attribute.Int("shortfall", res.Shortfall))
	return &res, nil
}

// ResolveAllocations validates caller-edited allocations against current
// stock, fills in expiry and flags, and returns them in FEFO order.
func (s *Service) ResolveAllocations(ctx context.Context, medicineID uuid.UUID, manual []Allocation) ([]Allocation, error) {
	const op = "inventory.ResolveAllocations"
	merged, err := mergeAllocations(op, manual)
	if err != nil {
		return nil, err
	}
	now := s.now()
	type resolved struct {
		a   Allocation
		seq int64
	}
	out := make([]resolved, 0, len(merged))
	for _, a := range merged {
		b, err := s.repo.GetByNumber(ctx, medicineID, a.BatchNumber)
		if err != nil {
			return nil, err
		}
		if !b.Eligible(now) || b.AvailableQuantity < a.Quantity {
			return nil, insufficient(op, a.BatchNumber, a.Quantity, b)
		}
		out = append(out, resolved{seq: b.Seq, a: Allocation{
			BatchNumber: b.BatchNumber,
			Quantity:    a.Quantity,
			ExpiryDate:  b.ExpiryDate,
			NearExpiry:  b.ExpiryDate.Sub(now) <= s.policy.ExpiryWarning,
			LowStock:    b.AvailableQuantity-a.Quantity < s.policy.LowStockThreshold,
		}})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].a.ExpiryDate.Equal(out[j].a.ExpiryDate) {
			return out[i].a.ExpiryDate.Before(out[j].a.ExpiryDate)
		}
		return out[i].seq < out[j].seq
	})
	allocs := make([]Allocation, len(out))
	for i, r := range out {
		allocs[i] = r.a
	}
	return allocs, nil
}

// Commit decrements stock for every allocation in one transaction. Each
// decrement is conditional on the batch still holding the quantity; the first
// failure rolls back the whole commit.
func (s *Service) Commit(ctx context.Context, medicineID uuid.UUID, allocs []Allocation) error {
	const op = "inventory.Commit"
	ctx, span := tracing.Start(ctx, op, attribute.String("medicine_id", medicineID.String()))
	var err error
	defer func() { tracing.End(span, err) }()

	merged, err := mergeAllocations(op, allocs)
	if err != nil {
		return err
	}
	// Fixed lock order across concurrent commits.
	sort.Slice(merged, func(i, j int) bool { return merged[i].BatchNumber < merged[j].BatchNumber })

	now := s.now()
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		for _, a := range merged {
			ok, err := s.repo.Decrement(ctx, medicineID, a.BatchNumber, a.Quantity, now)
			if err != nil {
				return err
			}
			if !ok {
				b, _ := s.repo.GetByNumber(ctx, medicineID, a.BatchNumber)
				return insufficient(op, a.BatchNumber, a.Quantity, b)
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.StockCommit("rejected")
		return err
	}
	s.metrics.StockCommit("ok")
	s.logger.Info().
		Str("medicine_id", medicineID.String()).
		Int("batches", len(merged)).
		Msg("stock committed")
	return nil
}

// MarkRecalled flags batches so no later allocation offers them. Every
// listed batch must exist.
func (s *Service) MarkRecalled(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) (map[string]int, error) {
	qty, err := s.repo.MarkRecalled(ctx, medicineID, batchNumbers)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, n := range batchNumbers {
		if _, ok := qty[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.NotFound("inventory.MarkRecalled", "inventory batch", strings.Join(missing, ",")).
			With("batch_numbers", missing)
	}
	return qty, nil
}

func mergeAllocations(op string, allocs []Allocation) ([]Allocation, error) {
	if len(allocs) == 0 {
		return nil, apperr.Validation(op, "allocations", "at least one allocation is required")
	}
	idx := make(map[string]int, len(allocs))
	var out []Allocation
	for _, a := range allocs {
		if a.Quantity <= 0 {
			return nil, apperr.Validation(op, "quantity", "allocation for batch %s must be positive", a.BatchNumber)
		}
		if i, ok := idx[a.BatchNumber]; ok {
			out[i].Quantity += a.Quantity
			continue
		}
		idx[a.BatchNumber] = len(out)
		out = append(out, a)
	}
	return out, nil
}

func insufficient(op, batchNumber string, requested int, b *InventoryBatch) *apperr.Error {
	e := apperr.New(apperr.KindInsufficientStock, op, "batch %s cannot supply %d units", batchNumber, requested).
		With("batch_number", batchNumber).
		With("requested", requested)
	if b != nil {
		e = e.With("available", b.AvailableQuantity).
			With("is_recalled", b.IsRecalled).
			With("expiry_date", b.ExpiryDate)
	}
	return e
}
