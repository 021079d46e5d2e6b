package dispense

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medsafety/internal/domain/inventory"
	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const dispenseCols = `id, patient_id, admission_id, medicine_id, dose, dose_units, route,
	frequency_hours, duration_days, start_time, is_prn, is_controlled, quantity, status,
	dispensed_by, created_at, updated_at`

func scanDispense(row pgx.Row) (*Dispense, error) {
	var d Dispense
	err := row.Scan(&d.ID, &d.PatientID, &d.AdmissionID, &d.MedicineID, &d.Dose, &d.DoseUnits,
		&d.Route, &d.FrequencyHours, &d.DurationDays, &d.StartTime, &d.IsPRN, &d.IsControlled,
		&d.Quantity, &d.Status, &d.DispensedBy, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *repoPG) Create(ctx context.Context, d *Dispense) error {
	conn := db.Conn(ctx, r.pool)
	d.ID = uuid.New()
	err := conn.QueryRow(ctx, `
		INSERT INTO dispense (id, patient_id, admission_id, medicine_id, dose, dose_units, route,
			frequency_hours, duration_days, start_time, is_prn, is_controlled, quantity, status, dispensed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		d.ID, d.PatientID, d.AdmissionID, d.MedicineID, d.Dose, d.DoseUnits, d.Route,
		d.FrequencyHours, d.DurationDays, d.StartTime, d.IsPRN, d.IsControlled, d.Quantity, d.Status, d.DispensedBy,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return err
	}
	for i, a := range d.Allocations {
		_, err := conn.Exec(ctx, `
			INSERT INTO dispense_allocation (dispense_id, seq, batch_number, quantity, expiry_date)
			VALUES ($1,$2,$3,$4,$5)`, d.ID, i, a.BatchNumber, a.Quantity, a.ExpiryDate)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Dispense, error) {
	d, err := scanDispense(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+dispenseCols+` FROM dispense WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("dispense.Get", "dispense", id)
	}
	if err != nil {
		return nil, err
	}
	if d.Allocations, err = r.allocations(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) allocations(ctx context.Context, id uuid.UUID) ([]inventory.Allocation, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT batch_number, quantity, expiry_date FROM dispense_allocation
		WHERE dispense_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []inventory.Allocation
	for rows.Next() {
		var a inventory.Allocation
		if err := rows.Scan(&a.BatchNumber, &a.Quantity, &a.ExpiryDate); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repoPG) MarkScheduled(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE dispense SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`, id, StatusScheduled, StatusOpen)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListOpenByBatches(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*Dispense, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+dispenseCols+` FROM dispense d
		WHERE d.medicine_id = $1 AND d.status = $2
		  AND EXISTS (SELECT 1 FROM dispense_allocation a
		              WHERE a.dispense_id = d.id AND a.batch_number = ANY($3))
		ORDER BY d.created_at`, medicineID, StatusOpen, batchNumbers)
	if err != nil {
		return nil, err
	}
	var items []*Dispense
	for rows.Next() {
		d, err := scanDispense(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, d := range items {
		if d.Allocations, err = r.allocations(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

type admissionRepoPG struct{ pool *pgxpool.Pool }

func NewAdmissionRepoPG(pool *pgxpool.Pool) AdmissionRepository {
	return &admissionRepoPG{pool: pool}
}

func (r *admissionRepoPG) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	var a Admission
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, patient_id, status, admitted_at FROM admission WHERE id = $1`, id,
	).Scan(&a.ID, &a.PatientID, &a.Status, &a.AdmittedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("dispense.GetAdmission", "admission", id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
