package records

import (
	"context"

	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/pkg/pagination"
)

// RecordRepository stores medical records. Listings are newest first.
type RecordRepository interface {
	authz.RecordReader

	Create(ctx context.Context, r *authz.Record) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, p pagination.Params) ([]*authz.Record, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, p pagination.Params) ([]*authz.Record, int, error)
	// ToggleVisibility flips is_visible on the patient's record in one
	// statement and returns the updated record.
	ToggleVisibility(ctx context.Context, patientID, id uuid.UUID) (*authz.Record, error)
	SetExternalRefs(ctx context.Context, id uuid.UUID, refs ExternalRefs) error
	PatientStats(ctx context.Context, patientID uuid.UUID) (*PatientStats, error)
	DoctorStats(ctx context.Context, doctorID uuid.UUID) (*DoctorStats, error)
}
