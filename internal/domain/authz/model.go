package authz

import (
	"time"

	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/platform/auth"
)

// Actor is the authenticated caller as the engine sees it. ProfileID is the
// patient or doctor profile id; Identifier is the health id or doctor id.
type Actor struct {
	AccountID  uuid.UUID
	Role       string
	ProfileID  uuid.UUID
	Identifier string
	Name       string
}

func (a Actor) IsPatient() bool { return a.Role == auth.RolePatient }
func (a Actor) IsDoctor() bool  { return a.Role == auth.RoleDoctor }

// Patient is the summary returned by identity lookups.
type Patient struct {
	ID        uuid.UUID `json:"-"`
	AccountID uuid.UUID `json:"-"`
	HealthID  string    `json:"health_id"`
	Name      string    `json:"name"`
	Age       *int      `json:"age"`
}

type Doctor struct {
	ID        uuid.UUID `json:"-"`
	AccountID uuid.UUID `json:"-"`
	DoctorID  string    `json:"doctor_id"`
	Name      string    `json:"name"`
	Hospital  string    `json:"hospital"`
}

type RecordKind string

const (
	KindPrescription RecordKind = "prescription"
	KindLab          RecordKind = "lab"
	KindDiagnosis    RecordKind = "diagnosis"
	KindImaging      RecordKind = "imaging"
	KindProcedure    RecordKind = "procedure"
	KindConsultation RecordKind = "consultation"
	KindFollowUp     RecordKind = "follow-up"
)

var recordKindNames = map[RecordKind]string{
	KindPrescription: "Prescription",
	KindLab:          "Lab Report",
	KindDiagnosis:    "Diagnosis",
	KindImaging:      "Imaging Report",
	KindProcedure:    "Procedure Notes",
	KindConsultation: "Consultation",
	KindFollowUp:     "Follow-up Notes",
}

func RecordKinds() []interface{} {
	return []interface{}{
		KindPrescription, KindLab, KindDiagnosis, KindImaging,
		KindProcedure, KindConsultation, KindFollowUp,
	}
}

func (k RecordKind) Valid() bool {
	_, ok := recordKindNames[k]
	return ok
}

func (k RecordKind) DisplayName() string {
	return recordKindNames[k]
}

// Document references an attachment held in the blob store.
type Document struct {
	BlobID      string `json:"id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
}

// Record is a medical record. Content fields never change after creation;
// only Visible and the external references do.
type Record struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	Kind        RecordKind
	Diagnosis   string
	Notes       string
	Document    *Document
	Visible     bool
	DocumentCID *string
	MetadataCID *string
	AnchorTx    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type GrantKind string

const (
	GrantFull      GrantKind = "FULL"
	GrantTemporary GrantKind = "TEMPORARY"
	GrantEmergency GrantKind = "EMERGENCY"
)

func GrantKinds() []interface{} {
	return []interface{}{GrantFull, GrantTemporary, GrantEmergency}
}

func (k GrantKind) Valid() bool {
	switch k {
	case GrantFull, GrantTemporary, GrantEmergency:
		return true
	}
	return false
}

func (k GrantKind) DisplayName() string {
	switch k {
	case GrantFull:
		return "Full Access"
	case GrantTemporary:
		return "Temporary Access"
	case GrantEmergency:
		return "Emergency Access"
	}
	return string(k)
}

type GrantStatus string

// Stored statuses. StatusExpired is derived on read and never stored.
const (
	StatusPending  GrantStatus = "PENDING"
	StatusApproved GrantStatus = "APPROVED"
	StatusRevoked  GrantStatus = "REVOKED"
	StatusExpired  GrantStatus = "EXPIRED"
)

func (s GrantStatus) DisplayName() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusApproved:
		return "Approved"
	case StatusRevoked:
		return "Revoked"
	case StatusExpired:
		return "Expired"
	}
	return string(s)
}

// Grant is an access grant from a patient to a doctor. DoctorID is nil
// while the requested doctor identifier has not resolved; PendingRef then
// holds the raw identifier.
type Grant struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	DoctorID   *uuid.UUID
	PendingRef *string
	Kind       GrantKind
	Status     GrantStatus
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	UpdatedAt  time.Time
}

// Expired reports whether a grant carrying an expiry has reached it. The
// stored status is left alone.
func Expired(g *Grant, now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// ActiveGrant reports whether g authorises anything at now.
func ActiveGrant(g *Grant, now time.Time) bool {
	return g != nil && g.Status == StatusApproved && !Expired(g, now)
}

// EffectiveStatus is the stored status with expiry applied.
func EffectiveStatus(g *Grant, now time.Time) GrantStatus {
	if g.Status == StatusApproved && Expired(g, now) {
		return StatusExpired
	}
	return g.Status
}
