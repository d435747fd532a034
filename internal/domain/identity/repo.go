package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePhone(ctx context.Context, id uuid.UUID, phone string) error
}

type PatientRepository interface {
	Create(ctx context.Context, p *PatientProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*PatientProfile, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*PatientProfile, error)
	GetByHealthID(ctx context.Context, healthID string) (*PatientProfile, error)
	HealthIDExists(ctx context.Context, healthID string) (bool, error)
	Update(ctx context.Context, p *PatientProfile) error
	SetProfileCID(ctx context.Context, id uuid.UUID, cid string) error
}

type DoctorRepository interface {
	Create(ctx context.Context, d *DoctorProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*DoctorProfile, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*DoctorProfile, error)
	GetByDoctorID(ctx context.Context, doctorID string) (*DoctorProfile, error)
	DoctorIDExists(ctx context.Context, doctorID string) (bool, error)
	LicenseExists(ctx context.Context, license string) (bool, error)
	Update(ctx context.Context, d *DoctorProfile) error
	SetVerified(ctx context.Context, doctorID string, verified bool) (*DoctorProfile, error)
	SetProfileCID(ctx context.Context, id uuid.UUID, cid string) error
}

// querier is satisfied by *pgxpool.Pool, pgx.Tx and *pgxpool.Conn.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
