package mar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medsafety/internal/platform/apperr"
	"github.com/ehr/medsafety/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const marCols = `id, dispense_id, patient_id, admission_id, medicine_id, batch_number, batch_expiry,
	batches, scheduled_time, dose, dose_units, route, is_prn, is_controlled, status, status_reason, notes,
	administered_time, administered_by, witnessed_by, recorded_by, safety_checks, safety_override,
	effectiveness, created_at, updated_at`

func scanRecord(row pgx.Row) (*AdministrationRecord, error) {
	var r AdministrationRecord
	var batches, checks, override, eff []byte
	err := row.Scan(&r.ID, &r.DispenseID, &r.PatientID, &r.AdmissionID, &r.MedicineID,
		&r.BatchNumber, &r.BatchExpiry, &batches, &r.ScheduledTime, &r.Dose, &r.DoseUnits, &r.Route,
		&r.IsPRN, &r.IsControlled, &r.Status, &r.StatusReason, &r.Notes,
		&r.AdministeredTime, &r.AdministeredBy, &r.WitnessedBy, &r.RecordedBy,
		&checks, &override, &eff, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(batches) > 0 {
		if err := json.Unmarshal(batches, &r.Batches); err != nil {
			return nil, fmt.Errorf("decode batches: %w", err)
		}
	}
	if len(checks) > 0 {
		if err := json.Unmarshal(checks, &r.SafetyChecks); err != nil {
			return nil, fmt.Errorf("decode safety_checks: %w", err)
		}
	}
	if len(override) > 0 {
		if err := json.Unmarshal(override, &r.SafetyOverride); err != nil {
			return nil, fmt.Errorf("decode safety_override: %w", err)
		}
	}
	if len(eff) > 0 {
		r.Effectiveness = &Effectiveness{}
		if err := json.Unmarshal(eff, r.Effectiveness); err != nil {
			return nil, fmt.Errorf("decode effectiveness: %w", err)
		}
	}
	return &r, nil
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*AdministrationRecord, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AdministrationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateBatch(ctx context.Context, recs []*AdministrationRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		rec.ID = uuid.New()
		if len(rec.Batches) == 0 {
			rec.Batches = []DoseBatch{{BatchNumber: rec.BatchNumber, ExpiryDate: rec.BatchExpiry, Units: rec.DoseUnits}}
		}
		batches, err := json.Marshal(rec.Batches)
		if err != nil {
			return err
		}
		checks, err := json.Marshal(rec.SafetyChecks)
		if err != nil {
			return err
		}
		override, err := json.Marshal(rec.SafetyOverride)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO medication_administration (id, dispense_id, patient_id, admission_id, medicine_id,
				batch_number, batch_expiry, batches, batch_numbers, scheduled_time, dose, dose_units, route,
				is_prn, is_controlled, status, safety_checks, safety_override)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			RETURNING created_at, updated_at`,
			rec.ID, rec.DispenseID, rec.PatientID, rec.AdmissionID, rec.MedicineID,
			rec.BatchNumber, rec.BatchExpiry, batches, rec.BatchNumbers(),
			rec.ScheduledTime, rec.Dose, rec.DoseUnits, rec.Route,
			rec.IsPRN, rec.IsControlled, rec.Status, checks, override)
	}
	results := r.sendBatch(ctx, batch)
	defer results.Close()
	for _, rec := range recs {
		if err := results.QueryRow().Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) sendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx.SendBatch(ctx, b)
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c.SendBatch(ctx, b)
	}
	return r.pool.SendBatch(ctx, b)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AdministrationRecord, error) {
	rec, err := scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+marCols+` FROM medication_administration WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("mar.Get", "administration record", id)
	}
	return rec, err
}

func (r *repoPG) ListByAdmission(ctx context.Context, admissionID uuid.UUID, from, to time.Time, status Status) ([]*AdministrationRecord, error) {
	where := []string{"admission_id = $1"}
	args := []interface{}{admissionID}
	if !from.IsZero() {
		args = append(args, from)
		where = append(where, fmt.Sprintf("scheduled_time >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		where = append(where, fmt.Sprintf("scheduled_time <= $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	return r.list(ctx, `SELECT `+marCols+` FROM medication_administration
		WHERE `+strings.Join(where, " AND ")+` ORDER BY scheduled_time, created_at`, args...)
}

func (r *repoPG) ListScheduledBefore(ctx context.Context, admissionID uuid.UUID, cutoff time.Time) ([]*AdministrationRecord, error) {
	return r.list(ctx, `SELECT `+marCols+` FROM medication_administration
		WHERE admission_id = $1 AND status = $2 AND scheduled_time < $3
		ORDER BY scheduled_time`, admissionID, StatusScheduled, cutoff)
}

func (r *repoPG) ActiveMedicines(ctx context.Context, patientID, admissionID uuid.UUID, since, until time.Time) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT medicine_id FROM medication_administration
		WHERE patient_id = $1
		  AND ((status = $3 AND admission_id = $2 AND scheduled_time BETWEEN $6 AND $7)
		    OR (status IN ($4, $5) AND administered_time >= $6))`,
		patientID, admissionID, StatusScheduled, StatusGiven, StatusSelfAdministered, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, t Transition) (*AdministrationRecord, error) {
	var checks, override []byte
	var err error
	if t.SafetyChecks != nil {
		if checks, err = json.Marshal(t.SafetyChecks); err != nil {
			return nil, err
		}
	}
	if t.Override != nil {
		if override, err = json.Marshal(t.Override); err != nil {
			return nil, err
		}
	}
	rec, err := scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE medication_administration SET
			status = $2,
			status_reason = $3,
			notes = $4,
			administered_time = $5,
			administered_by = $6,
			witnessed_by = $7,
			recorded_by = $8,
			safety_checks = COALESCE($9::jsonb, safety_checks),
			safety_override = COALESCE($10::jsonb, safety_override),
			updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
		RETURNING `+marCols,
		id, t.To, t.Reason, t.Notes, t.AdministeredTime, t.AdministeredBy, t.WitnessedBy,
		t.RecordedBy, checks, override))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return rec, err
}

func (r *repoPG) SetOverride(ctx context.Context, id uuid.UUID, o SafetyOverride) (bool, error) {
	body, err := json.Marshal(o)
	if err != nil {
		return false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE medication_administration SET safety_override = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`, id, body)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetEffectiveness(ctx context.Context, id uuid.UUID, e Effectiveness) (bool, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE medication_administration SET effectiveness = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'given' AND is_prn = TRUE`, id, body)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListByBatches(ctx context.Context, medicineID uuid.UUID, batchNumbers []string) ([]*AdministrationRecord, error) {
	return r.list(ctx, `SELECT `+marCols+` FROM medication_administration
		WHERE medicine_id = $1 AND batch_numbers && $2::text[]
		ORDER BY patient_id, batch_number, scheduled_time`, medicineID, batchNumbers)
}
