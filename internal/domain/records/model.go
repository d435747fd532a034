package records

import (
	"io"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
)

const MaxDiagnosisLength = 500

// CreateInput is the body of POST /records, as JSON or multipart form.
type CreateInput struct {
	PatientHealthID string  `json:"patient_health_id" form:"patient_health_id"`
	RecordType      string  `json:"record_type" form:"record_type"`
	Diagnosis       string  `json:"diagnosis" form:"diagnosis"`
	Notes           string  `json:"notes" form:"notes"`
	Document        *Upload `json:"-" form:"-"`
}

// Upload is an attachment received with a record.
type Upload struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

func (in *CreateInput) normalize() {
	in.PatientHealthID = strings.ToUpper(strings.TrimSpace(in.PatientHealthID))
	in.RecordType = strings.ToLower(strings.TrimSpace(in.RecordType))
	in.Diagnosis = strings.TrimSpace(in.Diagnosis)
}

func (in CreateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.PatientHealthID, validation.Required, validation.Length(1, 16)),
		validation.Field(&in.RecordType, validation.Required, validation.In(recordTypes()...)),
		validation.Field(&in.Diagnosis, validation.Required, validation.RuneLength(1, MaxDiagnosisLength)),
	)
}

func recordTypes() []interface{} {
	kinds := authz.RecordKinds()
	out := make([]interface{}, len(kinds))
	for i, k := range kinds {
		out[i] = string(k.(authz.RecordKind))
	}
	return out
}

// RecordView is the JSON shape of a record, with both parties resolved.
type RecordView struct {
	ID                uuid.UUID        `json:"id"`
	RecordType        authz.RecordKind `json:"record_type"`
	RecordTypeDisplay string           `json:"record_type_display"`
	Diagnosis         string           `json:"diagnosis"`
	Notes             string           `json:"notes"`
	Document          *authz.Document  `json:"document"`
	IsVisible         bool             `json:"is_visible"`
	DocumentCID       *string          `json:"document_cid"`
	MetadataCID       *string          `json:"metadata_cid"`
	AnchorTx          *string          `json:"blockchain_tx_hash"`
	DoctorName        string           `json:"doctor_name"`
	Hospital          string           `json:"hospital"`
	PatientName       string           `json:"patient_name"`
	PatientHealthID   string           `json:"patient_health_id"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// VisibilityResult is returned by ToggleVisibility.
type VisibilityResult struct {
	ID        uuid.UUID `json:"id"`
	IsVisible bool      `json:"is_visible"`
	Message   string    `json:"message"`
}

// PatientRecordset is what a doctor sees for one patient.
type PatientRecordset struct {
	Patient *authz.Patient `json:"patient"`
	Basis   authz.Basis    `json:"access_basis"`
	Records []*RecordView  `json:"records"`
}

// PatientStats and DoctorStats back the dashboard.
type PatientStats struct {
	TotalRecords   int        `json:"total_records"`
	UniqueDoctors  int        `json:"unique_doctors"`
	LastVisit      *time.Time `json:"last_visit"`
	VisibleRecords int        `json:"visible_records"`
	HiddenRecords  int        `json:"hidden_records"`
}

type DoctorStats struct {
	TotalRecords   int        `json:"total_records"`
	UniquePatients int        `json:"unique_patients"`
	LastActivity   *time.Time `json:"last_activity"`
}

// ExternalRefs are filled in after anchoring; nil fields are left as they
// are.
type ExternalRefs struct {
	DocumentCID *string
	MetadataCID *string
	AnchorTx    *string
}
