package identity

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
)

// Account maps to the accounts table.
type Account struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	Phone        string    `db:"phone" json:"phone"`
	BlockchainID string    `db:"blockchain_id" json:"blockchain_id"`
	CreatedAt    time.Time `db:"created_at" json:"date_joined"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// PatientProfile maps to the patient_profiles table.
type PatientProfile struct {
	ID         uuid.UUID `db:"id" json:"id"`
	AccountID  uuid.UUID `db:"account_id" json:"-"`
	HealthID   string    `db:"health_id" json:"health_id"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	Age        *int      `db:"age" json:"age"`
	ProfileCID *string   `db:"profile_cid" json:"profile_cid"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func (p *PatientProfile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func (p *PatientProfile) ToPatient() *authz.Patient {
	return &authz.Patient{
		ID:        p.ID,
		AccountID: p.AccountID,
		HealthID:  p.HealthID,
		Name:      p.FullName(),
		Age:       p.Age,
	}
}

// DoctorProfile maps to the doctor_profiles table.
type DoctorProfile struct {
	ID             uuid.UUID `db:"id" json:"id"`
	AccountID      uuid.UUID `db:"account_id" json:"-"`
	DoctorID       string    `db:"doctor_id" json:"doctor_id"`
	FirstName      string    `db:"first_name" json:"first_name"`
	LastName       string    `db:"last_name" json:"last_name"`
	LicenseNumber  string    `db:"license_number" json:"license_number"`
	Specialization string    `db:"specialization" json:"specialization"`
	Hospital       string    `db:"hospital" json:"hospital"`
	IsVerified     bool      `db:"is_verified" json:"is_verified"`
	ProfileCID     *string   `db:"profile_cid" json:"profile_cid"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

func (d *DoctorProfile) FullName() string {
	return "Dr. " + strings.TrimSpace(d.FirstName+" "+d.LastName)
}

func (d *DoctorProfile) ToDoctor() *authz.Doctor {
	return &authz.Doctor{
		ID:        d.ID,
		AccountID: d.AccountID,
		DoctorID:  d.DoctorID,
		Name:      d.FullName(),
		Hospital:  d.Hospital,
	}
}

// Profile is an account with whichever profile its role carries.
type Profile struct {
	*Account
	Patient *PatientProfile `json:"patient_profile,omitempty"`
	Doctor  *DoctorProfile  `json:"doctor_profile,omitempty"`
}

// PatientSummary is what a doctor sees when looking a patient up.
type PatientSummary struct {
	Name     string `json:"name"`
	HealthID string `json:"health_id"`
	Age      *int   `json:"age"`
}

type RegisterPatientInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Age       *int   `json:"age"`
}

func (in *RegisterPatientInput) normalize() {
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = strings.TrimSpace(in.Phone)
}

func (in RegisterPatientInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
		validation.Field(&in.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&in.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.Age, validation.Min(0), validation.Max(150)),
	)
}

type RegisterDoctorInput struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	Phone          string `json:"phone"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	LicenseNumber  string `json:"license_number"`
	Specialization string `json:"specialization"`
	Hospital       string `json:"hospital"`
}

func (in *RegisterDoctorInput) normalize() {
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = strings.TrimSpace(in.Phone)
	in.LicenseNumber = strings.TrimSpace(in.LicenseNumber)
	in.Specialization = strings.TrimSpace(in.Specialization)
	in.Hospital = strings.TrimSpace(in.Hospital)
}

func (in RegisterDoctorInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
		validation.Field(&in.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&in.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.LicenseNumber, validation.Required, validation.Length(1, 50)),
		validation.Field(&in.Specialization, validation.Length(0, 100)),
		validation.Field(&in.Hospital, validation.Length(0, 200)),
	)
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// validateNew applies the registration rules to credentials for a new
// account.
func (in LoginInput) validateNew() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
		validation.Field(&in.Password, validation.Required, validation.Length(8, 128)),
	)
}

// UpdateProfileInput holds the editable fields; nil means unchanged.
// Identifiers, license and verification are not editable.
type UpdateProfileInput struct {
	FirstName      *string `json:"first_name"`
	LastName       *string `json:"last_name"`
	Phone          *string `json:"phone"`
	Age            *int    `json:"age"`
	Specialization *string `json:"specialization"`
	Hospital       *string `json:"hospital"`
}

func (in UpdateProfileInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FirstName, validation.NilOrNotEmpty, validation.Length(1, 100)),
		validation.Field(&in.LastName, validation.NilOrNotEmpty, validation.Length(1, 100)),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.Age, validation.Min(0), validation.Max(150)),
		validation.Field(&in.Specialization, validation.Length(0, 100)),
		validation.Field(&in.Hospital, validation.Length(0, 200)),
	)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
