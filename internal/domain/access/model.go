package access

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
)

type RequestInput struct {
	DoctorID   string `json:"doctor_id"`
	AccessType string `json:"access_type"`
}

func (in *RequestInput) normalize() {
	in.DoctorID = strings.ToUpper(strings.TrimSpace(in.DoctorID))
	in.AccessType = strings.ToUpper(strings.TrimSpace(in.AccessType))
	if in.AccessType == "" {
		in.AccessType = string(authz.GrantFull)
	}
}

func (in RequestInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.DoctorID, validation.Required, validation.Length(1, 32)),
		validation.Field(&in.AccessType, validation.Required, validation.In(
			string(authz.GrantFull), string(authz.GrantTemporary), string(authz.GrantEmergency),
		)),
	)
}

// GrantView is the JSON shape of a grant, with both parties resolved.
type GrantView struct {
	ID                uuid.UUID         `json:"id"`
	PatientName       string            `json:"patient_name"`
	PatientHealthID   string            `json:"patient_health_id"`
	DoctorName        string            `json:"doctor_name"`
	DoctorHospital    *string           `json:"doctor_hospital"`
	DoctorID          string            `json:"doctor_id,omitempty"`
	DoctorIDRequested string            `json:"doctor_id_requested"`
	AccessType        authz.GrantKind   `json:"access_type"`
	AccessTypeDisplay string            `json:"access_type_display"`
	Status            authz.GrantStatus `json:"status"`
	StatusDisplay     string            `json:"status_display"`
	GrantedAt         time.Time         `json:"granted_at"`
	ExpiresAt         *time.Time        `json:"expires_at"`
	RevokedAt         *time.Time        `json:"revoked_at"`
}

func newGrantView(g *authz.Grant, patient *authz.Patient, doctor *authz.Doctor, now time.Time) *GrantView {
	status := authz.EffectiveStatus(g, now)
	v := &GrantView{
		ID:                g.ID,
		AccessType:        g.Kind,
		AccessTypeDisplay: g.Kind.DisplayName(),
		Status:            status,
		StatusDisplay:     status.DisplayName(),
		GrantedAt:         g.GrantedAt,
		ExpiresAt:         g.ExpiresAt,
		RevokedAt:         g.RevokedAt,
	}
	if patient != nil {
		v.PatientName = patient.Name
		v.PatientHealthID = patient.HealthID
	}
	if g.PendingRef != nil {
		v.DoctorIDRequested = *g.PendingRef
	}
	if doctor != nil {
		v.DoctorName = doctor.Name
		v.DoctorID = doctor.DoctorID
		hospital := doctor.Hospital
		v.DoctorHospital = &hospital
		if v.DoctorIDRequested == "" {
			v.DoctorIDRequested = doctor.DoctorID
		}
	} else {
		v.DoctorName = "Pending registration"
	}
	return v
}
