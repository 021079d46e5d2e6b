package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const batchCols = `id, seq, medicine_id, batch_number, expiry_date, available_quantity,
	supplier, is_recalled, received_at, updated_at`

func scanBatch(row pgx.Row) (*InventoryBatch, error) {
	var b InventoryBatch
	err := row.Scan(&b.ID, &b.Seq, &b.MedicineID, &b.BatchNumber, &b.ExpiryDate,
		&b.AvailableQuantity, &b.Supplier, &b.IsRecalled, &b.ReceivedAt, &b.UpdatedAt)
	return &b, err
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*InventoryBatch, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InventoryBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, b *InventoryBatch) error {
	b.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO inventory_batch (id, medicine_id, batch_number, expiry_date,
			available_quantity, supplier, is_recalled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING seq, received_at, updated_at`,
		b.ID, b.MedicineID, b.BatchNumber, b.ExpiryDate, b.AvailableQuantity, b.Supplier, b.IsRecalled,
	).Scan(&b.Seq, &b.ReceivedAt, &b.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Validation("inventory.ReceiveBatch", "batch_number",
			"batch %s already received for this medicine", b.BatchNumber)
	}
	return err
}

func (r *repoPG) GetByNumber(ctx context.Context, medicineID uuid.UUID, batchNumber string) (*InventoryBatch, error) {
	b, err := scanBatch(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+batchCols+` FROM inventory_batch WHERE medicine_id = $1 AND batch_number = $2`,
		medicineID, batchNumber))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("inventory.GetBatch", "inventory batch", batchNumber)
	}
	return b, err
}

func (r *repoPG) ListByMedicine(ctx context.Context, medicineID uuid.UUID) ([]*InventoryBatch, error) {
	return r.list(ctx, `SELECT `+batchCols+` FROM inventory_batch
		WHERE medicine_id = $1 ORDER BY expiry_date, seq`, medicineID)
}

func (r *repoPG) ListEligible(ctx context.Context, medicineID uuid.UUID, now time.Time) ([]*InventoryBatch, error) {
	return r.list(ctx, `SELECT `+batchCols+` FROM inventory_batch
		WHERE medicine_id = $1 AND is_recalled = FALSE AND available_quantity > 0 AND expiry_date > $2
		ORDER BY expiry_date, seq`, medicineID, now)
}

func (r *repoPG) Decrement(ctx context.Context, medicineID uuid.UUID, batchNumber string, qty int, now time.Time) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE inventory_batch
		SET available_quantity = available_quantity - $3, updated_at = NOW()
		WHERE medicine_id = $1 AND batch_number = $2
		  AND available_quantity >= $3 AND is_recalled = FALSE AND expiry_date > $4`,
		medicineID, batchNumber, qty, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkRecalled(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) (map[string]int, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		UPDATE inventory_batch SET is_recalled = TRUE, updated_at = NOW()
		WHERE medicine_id = $1 AND batch_number = ANY($2)
		RETURNING batch_number, available_quantity`, medicineID, batchNumbers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int, len(batchNumbers))
	for rows.Next() {
		var num string
		var qty int
		if err := rows.Scan(&num, &qty); err != nil {
			return nil, err
		}
		out[num] = qty
	}
	return out, rows.Err()
}
