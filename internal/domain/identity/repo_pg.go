package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/db"
)

func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func exists(ctx context.Context, q querier, sql string, arg interface{}) (bool, error) {
	var ok bool
	if err := q.QueryRow(ctx, sql, arg).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// -- Account Repository --

type accountRepoPG struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) AccountRepository {
	return &accountRepoPG{pool: pool}
}

const accountCols = `id, email, password_hash, role, phone, blockchain_id, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.Phone, &a.BlockchainID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, db.Translate(err, "account")
	}
	return &a, nil
}

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO accounts (`+accountCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.Email, a.PasswordHash, a.Role, a.Phone, a.BlockchainID, a.CreatedAt, a.UpdatedAt,
	)
	return db.Translate(err, "account")
}

func (r *accountRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

func (r *accountRepoPG) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = $1`, email))
}

func (r *accountRepoPG) UpdatePhone(ctx context.Context, id uuid.UUID, phone string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE accounts SET phone = $2, updated_at = NOW() WHERE id = $1`, id, phone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("account not found")
	}
	return nil
}

// -- Patient Profile Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, account_id, health_id, first_name, last_name, age, profile_cid, created_at, updated_at`

func scanPatient(row pgx.Row) (*PatientProfile, error) {
	var p PatientProfile
	err := row.Scan(&p.ID, &p.AccountID, &p.HealthID, &p.FirstName, &p.LastName, &p.Age,
		&p.ProfileCID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, db.Translate(err, "patient")
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *PatientProfile) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient_profiles (`+patientCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.AccountID, p.HealthID, p.FirstName, p.LastName, p.Age, p.ProfileCID, p.CreatedAt, p.UpdatedAt,
	)
	return db.Translate(err, "patient")
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PatientProfile, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient_profiles WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*PatientProfile, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient_profiles WHERE account_id = $1`, accountID))
}

func (r *patientRepoPG) GetByHealthID(ctx context.Context, healthID string) (*PatientProfile, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient_profiles WHERE health_id = $1`, healthID))
}

func (r *patientRepoPG) HealthIDExists(ctx context.Context, healthID string) (bool, error) {
	return exists(ctx, conn(ctx, r.pool), `SELECT EXISTS (SELECT 1 FROM patient_profiles WHERE health_id = $1)`, healthID)
}

func (r *patientRepoPG) Update(ctx context.Context, p *PatientProfile) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient_profiles SET first_name=$2, last_name=$3, age=$4, updated_at=$5
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.Age, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient not found")
	}
	return nil
}

func (r *patientRepoPG) SetProfileCID(ctx context.Context, id uuid.UUID, cid string) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `UPDATE patient_profiles SET profile_cid = $2 WHERE id = $1`, id, cid)
	return err
}

// -- Doctor Profile Repository --

type doctorRepoPG struct {
	pool *pgxpool.Pool
}

func NewDoctorRepo(pool *pgxpool.Pool) DoctorRepository {
	return &doctorRepoPG{pool: pool}
}

const doctorCols = `id, account_id, doctor_id, first_name, last_name, license_number,
	specialization, hospital, is_verified, profile_cid, created_at, updated_at`

func scanDoctor(row pgx.Row) (*DoctorProfile, error) {
	var d DoctorProfile
	err := row.Scan(&d.ID, &d.AccountID, &d.DoctorID, &d.FirstName, &d.LastName, &d.LicenseNumber,
		&d.Specialization, &d.Hospital, &d.IsVerified, &d.ProfileCID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, db.Translate(err, "doctor")
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *DoctorProfile) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO doctor_profiles (`+doctorCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.AccountID, d.DoctorID, d.FirstName, d.LastName, d.LicenseNumber,
		d.Specialization, d.Hospital, d.IsVerified, d.ProfileCID, d.CreatedAt, d.UpdatedAt,
	)
	return db.Translate(err, "doctor")
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DoctorProfile, error) {
	return scanDoctor(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor_profiles WHERE id = $1`, id))
}

func (r *doctorRepoPG) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*DoctorProfile, error) {
	return scanDoctor(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor_profiles WHERE account_id = $1`, accountID))
}

func (r *doctorRepoPG) GetByDoctorID(ctx context.Context, doctorID string) (*DoctorProfile, error) {
	return scanDoctor(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor_profiles WHERE doctor_id = $1`, doctorID))
}

func (r *doctorRepoPG) DoctorIDExists(ctx context.Context, doctorID string) (bool, error) {
	return exists(ctx, conn(ctx, r.pool), `SELECT EXISTS (SELECT 1 FROM doctor_profiles WHERE doctor_id = $1)`, doctorID)
}

func (r *doctorRepoPG) LicenseExists(ctx context.Context, license string) (bool, error) {
	return exists(ctx, conn(ctx, r.pool), `SELECT EXISTS (SELECT 1 FROM doctor_profiles WHERE license_number = $1)`, license)
}

func (r *doctorRepoPG) Update(ctx context.Context, d *DoctorProfile) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE doctor_profiles SET first_name=$2, last_name=$3, specialization=$4, hospital=$5, updated_at=$6
		WHERE id = $1`,
		d.ID, d.FirstName, d.LastName, d.Specialization, d.Hospital, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("doctor not found")
	}
	return nil
}

func (r *doctorRepoPG) SetVerified(ctx context.Context, doctorID string, verified bool) (*DoctorProfile, error) {
	return scanDoctor(conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE doctor_profiles SET is_verified = $2, updated_at = NOW()
		WHERE doctor_id = $1
		RETURNING `+doctorCols, doctorID, verified))
}

func (r *doctorRepoPG) SetProfileCID(ctx context.Context, id uuid.UUID, cid string) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `UPDATE doctor_profiles SET profile_cid = $2 WHERE id = $1`, id, cid)
	return err
}
