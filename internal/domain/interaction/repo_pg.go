package interaction

import (
	"context"
	"errors"

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

const cols = `id, drug_a, drug_b, severity, evidence_level, description, mechanism,
	recommendation, is_active, created_at, updated_at`

func scan(row pgx.Row) (*DrugInteraction, error) {
	var d DrugInteraction
	err := row.Scan(&d.ID, &d.DrugA, &d.DrugB, &d.Severity, &d.EvidenceLevel, &d.Description,
		&d.Mechanism, &d.Recommendation, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func scanAll(rows pgx.Rows) ([]*DrugInteraction, error) {
	defer rows.Close()
	var items []*DrugInteraction
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, d *DrugInteraction) error {
	d.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO drug_interaction (id, drug_a, drug_b, severity, evidence_level,
			description, mechanism, recommendation, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		d.ID, d.DrugA, d.DrugB, d.Severity, d.EvidenceLevel,
		d.Description, d.Mechanism, d.Recommendation, d.IsActive,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Validation("interaction.Create", "drug_b", "an interaction for this pair is already registered")
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*DrugInteraction, error) {
	d, err := scan(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+cols+` FROM drug_interaction WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("interaction.GetByID", "drug interaction", id)
	}
	return d, err
}

func (r *repoPG) FindPair(ctx context.Context, a, b uuid.UUID) (*DrugInteraction, error) {
	d, err := scan(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+cols+` FROM drug_interaction
		WHERE is_active AND ((drug_a = $1 AND drug_b = $2) OR (drug_a = $2 AND drug_b = $1))`, a, b))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return d, err
}

func (r *repoPG) GetByPair(ctx context.Context, a, b uuid.UUID) (*DrugInteraction, error) {
	d, err := scan(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+cols+` FROM drug_interaction WHERE drug_a = $1 AND drug_b = $2`, a, b))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return d, err
}

func (r *repoPG) Reactivate(ctx context.Context, d *DrugInteraction) (bool, error) {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE drug_interaction SET
			severity = $2, evidence_level = $3, description = $4, mechanism = $5,
			recommendation = $6, is_active = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT is_active
		RETURNING created_at, updated_at`,
		d.ID, d.Severity, d.EvidenceLevel, d.Description, d.Mechanism, d.Recommendation,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if db.IsNoRows(err) {
		return false, nil
	}
	return err == nil, err
}

func (r *repoPG) FindAmong(ctx context.Context, ids []uuid.UUID) ([]*DrugInteraction, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+cols+` FROM drug_interaction
		WHERE is_active AND drug_a = ANY($1) AND drug_b = ANY($1)
		ORDER BY drug_a, drug_b`, ids)
	if err != nil {
		return nil, err
	}
	return scanAll(rows)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*DrugInteraction, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM drug_interaction`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+cols+` FROM drug_interaction
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanAll(rows)
	return items, total, err
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE drug_interaction SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("interaction.SetActive", "drug interaction", id)
	}
	return nil
}
