package access

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
)

type GrantRepository interface {
	Create(ctx context.Context, g *authz.Grant) error
	Update(ctx context.Context, g *authz.Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*authz.Grant, error)
	// FindOpen returns the non-revoked grant bound to doctorID, else the one
	// pending on ref. NotFound when neither exists.
	FindOpen(ctx context.Context, patientID uuid.UUID, doctorID *uuid.UUID, ref string) (*authz.Grant, error)
	GrantsFor(ctx context.Context, patientID, doctorID uuid.UUID, ref string) ([]*authz.Grant, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*authz.Grant, error)
	ListForDoctor(ctx context.Context, doctorID uuid.UUID, ref string) ([]*authz.Grant, error)
	// ClaimPending binds open grants pending on ref to doctorID, stamping
	// updated_at with now.
	ClaimPending(ctx context.Context, doctorID uuid.UUID, ref string, now time.Time) (int, error)
}
