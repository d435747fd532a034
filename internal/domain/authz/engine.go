// Package authz decides who may do what with medical records. It is the
// single source of truth for those decisions and never mutates state.
package authz

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/platform/apperr"
)

const ReasonGrantRequired = "the patient must grant you access first"

type PatientDirectory interface {
	PatientByHealthID(ctx context.Context, healthID string) (*Patient, error)
}

type RecordReader interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, error)
	// GetPatientRecord returns NotFound unless the record belongs to patientID.
	GetPatientRecord(ctx context.Context, patientID, id uuid.UUID) (*Record, error)
	ListAllByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error)
	HasAuthored(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
}

// GrantReader returns the non-revoked grants between a patient and a
// doctor, including grants still pending on the doctor's identifier.
// Called inside a transaction, implementations lock the rows for share.
type GrantReader interface {
	GrantsFor(ctx context.Context, patientID, doctorID uuid.UUID, doctorRef string) ([]*Grant, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

type Engine struct {
	patients PatientDirectory
	records  RecordReader
	grants   GrantReader
	clock    Clock
}

func NewEngine(patients PatientDirectory, records RecordReader, grants GrantReader, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{patients: patients, records: records, grants: grants, clock: clock}
}

type ScopeField string

const (
	ScopePatient ScopeField = "patient"
	ScopeDoctor  ScopeField = "doctor"
)

// Scope selects the records an actor lists as their own.
type Scope struct {
	Field     ScopeField
	ProfileID uuid.UUID
}

func (e *Engine) CanListOwnRecords(actor Actor) (Scope, error) {
	switch {
	case actor.IsPatient():
		return Scope{Field: ScopePatient, ProfileID: actor.ProfileID}, nil
	case actor.IsDoctor():
		return Scope{Field: ScopeDoctor, ProfileID: actor.ProfileID}, nil
	default:
		return Scope{}, apperr.InvalidRole("invalid role")
	}
}

// CanViewRecord checks existence before permission so a missing record
// looks the same to every role.
func (e *Engine) CanViewRecord(ctx context.Context, actor Actor, id uuid.UUID) (*Record, error) {
	rec, err := e.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.IsPatient() && rec.PatientID == actor.ProfileID:
		return rec, nil
	case actor.IsDoctor() && (rec.DoctorID == actor.ProfileID || rec.Visible):
		return rec, nil
	}
	return nil, apperr.AccessDenied("access denied")
}

// CanCreateRecord returns the resolved patient and the grant that
// authorises the doctor to write for them.
func (e *Engine) CanCreateRecord(ctx context.Context, actor Actor, patientHealthID string) (*Patient, *Grant, error) {
	if !actor.IsDoctor() {
		return nil, nil, apperr.InvalidRole("only doctors can create medical records")
	}
	patient, err := e.patients.PatientByHealthID(ctx, patientHealthID)
	if err != nil {
		return nil, nil, err
	}
	grant, err := e.activeGrant(ctx, patient.ID, actor)
	if err != nil {
		return nil, nil, err
	}
	if grant == nil {
		return nil, nil, apperr.AccessDenied(ReasonGrantRequired)
	}
	return patient, grant, nil
}

// CanToggleVisibility scopes the lookup by the caller's patient profile, so
// anyone but the owner gets NotFound.
func (e *Engine) CanToggleVisibility(ctx context.Context, actor Actor, id uuid.UUID) (*Record, error) {
	if !actor.IsPatient() {
		return nil, apperr.NotFound("record not found")
	}
	return e.records.GetPatientRecord(ctx, actor.ProfileID, id)
}

type Basis string

const (
	BasisGrant  Basis = "grant"
	BasisLegacy Basis = "legacy"
)

type Recordset struct {
	Patient *Patient
	Basis   Basis
	Grant   *Grant
	Records []*Record
}

// CanViewPatientRecordset allows a doctor holding an active grant, or one
// who already authored a record for the patient. Records hidden by the
// patient are dropped unless the caller wrote them.
func (e *Engine) CanViewPatientRecordset(ctx context.Context, actor Actor, patientHealthID string) (*Recordset, error) {
	if !actor.IsDoctor() {
		return nil, apperr.InvalidRole("only doctors can view patient records")
	}
	patient, err := e.patients.PatientByHealthID(ctx, patientHealthID)
	if err != nil {
		return nil, err
	}

	set := &Recordset{Patient: patient}
	grant, err := e.activeGrant(ctx, patient.ID, actor)
	if err != nil {
		return nil, err
	}
	if grant != nil {
		set.Basis = BasisGrant
		set.Grant = grant
	} else {
		authored, err := e.records.HasAuthored(ctx, actor.ProfileID, patient.ID)
		if err != nil {
			return nil, err
		}
		if !authored {
			return nil, apperr.AccessDenied(ReasonGrantRequired)
		}
		set.Basis = BasisLegacy
	}

	all, err := e.records.ListAllByPatient(ctx, patient.ID)
	if err != nil {
		return nil, err
	}
	set.Records = FilterVisible(all, actor.ProfileID)
	return set, nil
}

// FilterVisible keeps records that are visible or authored by doctorID.
func FilterVisible(records []*Record, doctorID uuid.UUID) []*Record {
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		if r.Visible || r.DoctorID == doctorID {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) activeGrant(ctx context.Context, patientID uuid.UUID, actor Actor) (*Grant, error) {
	grants, err := e.grants.GrantsFor(ctx, patientID, actor.ProfileID, actor.Identifier)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	for _, g := range grants {
		if ActiveGrant(g, now) {
			return g, nil
		}
	}
	return nil, nil
}
