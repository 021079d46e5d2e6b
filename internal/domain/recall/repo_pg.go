package recall

import (
	"context"
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

const recallCols = `id, medicine_id, recall_class, reason, status, initiated_by,
	resolution_notes, resolved_by, resolved_at, created_at, updated_at`

func scanRecall(row pgx.Row) (*Recall, error) {
	var r Recall
	err := row.Scan(&r.ID, &r.MedicineID, &r.RecallClass, &r.Reason, &r.Status, &r.InitiatedBy,
		&r.ResolutionNotes, &r.ResolvedBy, &r.ResolvedAt, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (r *repoPG) Create(ctx context.Context, rc *Recall) error {
	conn := db.Conn(ctx, r.pool)
	rc.ID = uuid.New()
	err := conn.QueryRow(ctx, `
		INSERT INTO recall (id, medicine_id, recall_class, reason, status, initiated_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		rc.ID, rc.MedicineID, rc.RecallClass, rc.Reason, rc.Status, rc.InitiatedBy,
	).Scan(&rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return err
	}
	for _, b := range rc.Batches {
		if _, err := conn.Exec(ctx, `
			INSERT INTO recall_batch (recall_id, batch_number, quantity_at_recall)
			VALUES ($1,$2,$3)`, rc.ID, b.BatchNumber, b.QuantityAtRecall); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Recall, error) {
	rc, err := scanRecall(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recallCols+` FROM recall WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("recall.Get", "recall", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

func (r *repoPG) loadChildren(ctx context.Context, rc *Recall) error {
	conn := db.Conn(ctx, r.pool)
	rows, err := conn.Query(ctx, `
		SELECT batch_number, quantity_at_recall FROM recall_batch
		WHERE recall_id = $1 ORDER BY batch_number`, rc.ID)
	if err != nil {
		return err
	}
	rc.Batches = nil
	for rows.Next() {
		var b RecalledBatch
		if err := rows.Scan(&b.BatchNumber, &b.QuantityAtRecall); err != nil {
			rows.Close()
			return err
		}
		rc.Batches = append(rc.Batches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = conn.Query(ctx, `
		SELECT patient_id, batch_number, notified, notified_at FROM recall_affected_patient
		WHERE recall_id = $1 ORDER BY patient_id, batch_number`, rc.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	rc.AffectedPatients = []AffectedPatient{}
	for rows.Next() {
		var p AffectedPatient
		if err := rows.Scan(&p.PatientID, &p.BatchNumber, &p.Notified, &p.NotifiedAt); err != nil {
			return err
		}
		rc.AffectedPatients = append(rc.AffectedPatients, p)
	}
	return rows.Err()
}

func (r *repoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Recall, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM recall WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+recallCols+` FROM recall
		WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var items []*Recall
	for rows.Next() {
		rc, err := scanRecall(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, rc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, rc := range items {
		if err := r.loadChildren(ctx, rc); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (r *repoPG) MergeAffected(ctx context.Context, recallID uuid.UUID, patients []AffectedPatient) error {
	conn := db.Conn(ctx, r.pool)
	for _, p := range patients {
		if _, err := conn.Exec(ctx, `
			INSERT INTO recall_affected_patient (recall_id, patient_id, batch_number)
			VALUES ($1,$2,$3)
			ON CONFLICT (recall_id, patient_id, batch_number) DO NOTHING`,
			recallID, p.PatientID, p.BatchNumber); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) MarkNotified(ctx context.Context, recallID, patientID uuid.UUID, batchNumber string, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE recall_affected_patient SET notified = TRUE, notified_at = $4
		WHERE recall_id = $1 AND patient_id = $2 AND batch_number = $3 AND notified = FALSE`,
		recallID, patientID, batchNumber, at)
	return err
}

func (r *repoPG) Resolve(ctx context.Context, id uuid.UUID, notes, by string, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE recall SET status = $2, resolution_notes = $3, resolved_by = $4, resolved_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6`, id, StatusResolved, notes, by, at, StatusActive)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
