package records

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/db"
	"github.com/healthsecure/healthsecure/pkg/pagination"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type recordRepoPG struct {
	pool *pgxpool.Pool
}

func NewRecordRepo(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, patient_id, doctor_id, kind, diagnosis, notes,
	document_id, document_name, document_type, document_hash,
	is_visible, document_cid, metadata_cid, anchor_tx, created_at, updated_at`

func scanRecord(row pgx.Row) (*authz.Record, error) {
	var (
		rec                     authz.Record
		docID, docName, docType *string
		docHash                 *string
	)
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.DoctorID, &rec.Kind, &rec.Diagnosis, &rec.Notes,
		&docID, &docName, &docType, &docHash,
		&rec.Visible, &rec.DocumentCID, &rec.MetadataCID, &rec.AnchorTx, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, db.Translate(err, "record")
	}
	if docID != nil {
		rec.Document = &authz.Document{BlobID: *docID}
		if docName != nil {
			rec.Document.FileName = *docName
		}
		if docType != nil {
			rec.Document.ContentType = *docType
		}
		if docHash != nil {
			rec.Document.SHA256 = *docHash
		}
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *authz.Record) error {
	var docID, docName, docType, docHash *string
	if d := rec.Document; d != nil {
		docID, docName, docType, docHash = &d.BlobID, &d.FileName, &d.ContentType, &d.SHA256
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medical_records (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.PatientID, rec.DoctorID, rec.Kind, rec.Diagnosis, rec.Notes,
		docID, docName, docType, docHash,
		rec.Visible, rec.DocumentCID, rec.MetadataCID, rec.AnchorTx, rec.CreatedAt, rec.UpdatedAt,
	)
	return db.Translate(err, "record")
}

func (r *recordRepoPG) GetRecord(ctx context.Context, id uuid.UUID) (*authz.Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM medical_records WHERE id = $1`, id))
}

func (r *recordRepoPG) GetPatientRecord(ctx context.Context, patientID, id uuid.UUID) (*authz.Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_records WHERE id = $1 AND patient_id = $2`, id, patientID))
}

func (r *recordRepoPG) ListAllByPatient(ctx context.Context, patientID uuid.UUID) ([]*authz.Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM medical_records
		WHERE patient_id = $1 ORDER BY created_at DESC, id DESC`, patientID)
}

func (r *recordRepoPG) HasAuthored(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM medical_records WHERE doctor_id = $1 AND patient_id = $2)`,
		doctorID, patientID).Scan(&ok)
	return ok, err
}

func (r *recordRepoPG) page(ctx context.Context, column string, id uuid.UUID, p pagination.Params) ([]*authz.Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM medical_records WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	recs, err := r.list(ctx, `SELECT `+recordCols+` FROM medical_records
		WHERE `+column+` = $1 ORDER BY created_at DESC, id DESC `+p.SQL(), id)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (r *recordRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, p pagination.Params) ([]*authz.Record, int, error) {
	return r.page(ctx, "patient_id", patientID, p)
}

func (r *recordRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, p pagination.Params) ([]*authz.Record, int, error) {
	return r.page(ctx, "doctor_id", doctorID, p)
}

func (r *recordRepoPG) ToggleVisibility(ctx context.Context, patientID, id uuid.UUID) (*authz.Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `
		UPDATE medical_records SET is_visible = NOT is_visible, updated_at = NOW()
		WHERE id = $1 AND patient_id = $2
		RETURNING `+recordCols, id, patientID))
}

func (r *recordRepoPG) SetExternalRefs(ctx context.Context, id uuid.UUID, refs ExternalRefs) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medical_records SET
			document_cid = COALESCE($2, document_cid),
			metadata_cid = COALESCE($3, metadata_cid),
			anchor_tx = COALESCE($4, anchor_tx)
		WHERE id = $1`,
		id, refs.DocumentCID, refs.MetadataCID, refs.AnchorTx,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("record not found")
	}
	return nil
}

func (r *recordRepoPG) PatientStats(ctx context.Context, patientID uuid.UUID) (*PatientStats, error) {
	var s PatientStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(DISTINCT doctor_id),
			MAX(created_at),
			COUNT(*) FILTER (WHERE is_visible),
			COUNT(*) FILTER (WHERE NOT is_visible)
		FROM medical_records WHERE patient_id = $1`, patientID,
	).Scan(&s.TotalRecords, &s.UniqueDoctors, &s.LastVisit, &s.VisibleRecords, &s.HiddenRecords)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *recordRepoPG) DoctorStats(ctx context.Context, doctorID uuid.UUID) (*DoctorStats, error) {
	var s DoctorStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT patient_id), MAX(created_at)
		FROM medical_records WHERE doctor_id = $1`, doctorID,
	).Scan(&s.TotalRecords, &s.UniquePatients, &s.LastActivity)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *recordRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*authz.Record, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*authz.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
