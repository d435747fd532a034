package access

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type grantRepoPG struct {
	pool *pgxpool.Pool
}

func NewGrantRepo(pool *pgxpool.Pool) GrantRepository {
	return &grantRepoPG{pool: pool}
}

func (r *grantRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const grantCols = `id, patient_id, doctor_id, pending_doctor_ref, kind, status,
	granted_at, expires_at, revoked_at, updated_at`

func (r *grantRepoPG) Create(ctx context.Context, g *authz.Grant) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_grants (`+grantCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		g.ID, g.PatientID, g.DoctorID, g.PendingRef, g.Kind, g.Status,
		g.GrantedAt, g.ExpiresAt, g.RevokedAt, g.UpdatedAt,
	)
	return db.Translate(err, "access grant")
}

func (r *grantRepoPG) Update(ctx context.Context, g *authz.Grant) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE access_grants SET
			doctor_id=$2, pending_doctor_ref=$3, kind=$4, status=$5,
			granted_at=$6, expires_at=$7, revoked_at=$8, updated_at=$9
		WHERE id = $1`,
		g.ID, g.DoctorID, g.PendingRef, g.Kind, g.Status,
		g.GrantedAt, g.ExpiresAt, g.RevokedAt, g.UpdatedAt,
	)
	if err != nil {
		return db.Translate(err, "access grant")
	}
	if tag.RowsAffected() == 0 {
		return db.Translate(pgx.ErrNoRows, "access grant")
	}
	return nil
}

func (r *grantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*authz.Grant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `SELECT `+grantCols+` FROM access_grants WHERE id = $1`, id))
	return g, db.Translate(err, "access grant")
}

func (r *grantRepoPG) FindOpen(ctx context.Context, patientID uuid.UUID, doctorID *uuid.UUID, ref string) (*authz.Grant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `
		SELECT `+grantCols+` FROM access_grants
		WHERE patient_id = $1 AND status <> 'REVOKED'
		  AND (doctor_id = $2 OR (doctor_id IS NULL AND pending_doctor_ref = $3))
		ORDER BY (doctor_id IS NULL), granted_at DESC
		LIMIT 1
		FOR UPDATE`, patientID, doctorID, ref))
	return g, db.Translate(err, "access grant")
}

// GrantsFor share-locks the rows when running inside a transaction so a
// concurrent revoke waits for the reader to commit.
func (r *grantRepoPG) GrantsFor(ctx context.Context, patientID, doctorID uuid.UUID, ref string) ([]*authz.Grant, error) {
	q := `SELECT ` + grantCols + ` FROM access_grants
		WHERE patient_id = $1 AND status <> 'REVOKED'
		  AND (doctor_id = $2 OR (doctor_id IS NULL AND pending_doctor_ref = $3))
		ORDER BY (doctor_id IS NULL), granted_at DESC`
	if db.TxFromContext(ctx) != nil {
		q += ` FOR SHARE`
	}
	return r.list(ctx, q, patientID, doctorID, ref)
}

func (r *grantRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*authz.Grant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grants
		WHERE patient_id = $1 ORDER BY granted_at DESC`, patientID)
}

func (r *grantRepoPG) ListForDoctor(ctx context.Context, doctorID uuid.UUID, ref string) ([]*authz.Grant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grants
		WHERE doctor_id = $1 OR (doctor_id IS NULL AND pending_doctor_ref = $2)
		ORDER BY granted_at DESC`, doctorID, ref)
}

func (r *grantRepoPG) ClaimPending(ctx context.Context, doctorID uuid.UUID, ref string, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE access_grants g SET doctor_id = $1, updated_at = $3
		WHERE g.doctor_id IS NULL AND g.pending_doctor_ref = $2 AND g.status <> 'REVOKED'
		  AND NOT EXISTS (
			SELECT 1 FROM access_grants b
			WHERE b.patient_id = g.patient_id AND b.doctor_id = $1 AND b.status <> 'REVOKED'
		  )`, doctorID, ref, now)
	if err != nil {
		return 0, db.Translate(err, "access grant")
	}
	return int(tag.RowsAffected()), nil
}

func (r *grantRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*authz.Grant, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*authz.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(row pgx.Row) (*authz.Grant, error) {
	var g authz.Grant
	err := row.Scan(
		&g.ID, &g.PatientID, &g.DoctorID, &g.PendingRef, &g.Kind, &g.Status,
		&g.GrantedAt, &g.ExpiresAt, &g.RevokedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
