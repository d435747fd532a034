// Package records stores medical records and serves them through the
// authorization engine. New records are anchored in the background:
// attachment and metadata are pinned and a ledger entry is written.
package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/blobstore"
	"github.com/healthsecure/healthsecure/internal/platform/db"
	"github.com/healthsecure/healthsecure/internal/platform/ipfs"
	"github.com/healthsecure/healthsecure/internal/platform/ledger"
	"github.com/healthsecure/healthsecure/pkg/pagination"
)

const DefaultAnchorTimeout = 60 * time.Second

// Directory resolves the parties named on records. Implemented by the
// identity service.
type Directory interface {
	authz.PatientDirectory
	PatientByProfileID(ctx context.Context, id uuid.UUID) (*authz.Patient, error)
	DoctorByProfileID(ctx context.Context, id uuid.UUID) (*authz.Doctor, error)
	AccountBlockchainID(ctx context.Context, accountID uuid.UUID) (string, error)
}

type Config struct {
	Tx            db.TxRunner
	Blobs         blobstore.Store
	Pinner        ipfs.Pinner
	Anchorer      ledger.Anchorer
	Observer      AnchorObserver
	AnchorTimeout time.Duration
	Clock         authz.Clock
}

type Service struct {
	repo      RecordRepository
	engine    *authz.Engine
	directory Directory

	tx            db.TxRunner
	blobs         blobstore.Store
	pinner        ipfs.Pinner
	anchorer      ledger.Anchorer
	observer      AnchorObserver
	anchorTimeout time.Duration
	clock         authz.Clock
	logger        zerolog.Logger

	wg sync.WaitGroup
}

func NewService(repo RecordRepository, engine *authz.Engine, directory Directory, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Tx == nil {
		cfg.Tx = db.NewLocalTxRunner()
	}
	if cfg.Blobs == nil {
		cfg.Blobs = blobstore.NewMemory(blobstore.DefaultMaxSize)
	}
	if cfg.Pinner == nil {
		cfg.Pinner = ipfs.NewMemoryPinner("")
	}
	if cfg.Anchorer == nil {
		cfg.Anchorer = ledger.Disabled{}
	}
	if cfg.Observer == nil {
		cfg.Observer = LogObserver(logger)
	}
	if cfg.AnchorTimeout <= 0 {
		cfg.AnchorTimeout = DefaultAnchorTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = authz.SystemClock{}
	}
	return &Service{
		repo:          repo,
		engine:        engine,
		directory:     directory,
		tx:            cfg.Tx,
		blobs:         cfg.Blobs,
		pinner:        cfg.Pinner,
		anchorer:      cfg.Anchorer,
		observer:      cfg.Observer,
		anchorTimeout: cfg.AnchorTimeout,
		clock:         cfg.Clock,
		logger:        logger,
	}
}

// Wait blocks until in-flight anchoring jobs have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) ListRecords(ctx context.Context, actor authz.Actor, p pagination.Params) ([]*RecordView, int, error) {
	scope, err := s.engine.CanListOwnRecords(actor)
	if err != nil {
		return nil, 0, err
	}
	var (
		recs  []*authz.Record
		total int
	)
	switch scope.Field {
	case authz.ScopePatient:
		recs, total, err = s.repo.ListByPatient(ctx, scope.ProfileID, p)
	default:
		recs, total, err = s.repo.ListByDoctor(ctx, scope.ProfileID, p)
	}
	if err != nil {
		return nil, 0, err
	}
	return s.views(ctx, recs), total, nil
}

// CreateRecord stores a record written by a doctor holding an active
// grant. Anchoring is scheduled after commit and never fails the call.
func (s *Service) CreateRecord(ctx context.Context, actor authz.Actor, in CreateInput) (*RecordView, error) {
	in.normalize()
	if !actor.IsDoctor() {
		return nil, apperr.InvalidRole("only doctors can create medical records")
	}
	if err := in.Validate(); err != nil {
		return nil, apperr.InvalidInput("%s", err.Error())
	}
	// Checked up front so unauthorised uploads never reach the blob store;
	// re-checked inside the transaction below.
	if _, _, err := s.engine.CanCreateRecord(ctx, actor, in.PatientHealthID); err != nil {
		return nil, err
	}

	var doc *authz.Document
	if in.Document != nil {
		meta, err := s.blobs.Put(ctx, blobstore.Metadata{
			FileName:    in.Document.FileName,
			ContentType: in.Document.ContentType,
		}, in.Document.Content)
		if err != nil {
			return nil, fmt.Errorf("store document: %w", err)
		}
		doc = &authz.Document{BlobID: meta.ID, FileName: meta.FileName, ContentType: meta.ContentType, SHA256: meta.Hash}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("record id: %w", err)
	}
	now := s.clock.Now()
	rec := &authz.Record{
		ID:        id,
		DoctorID:  actor.ProfileID,
		Kind:      authz.RecordKind(in.RecordType),
		Diagnosis: in.Diagnosis,
		Notes:     in.Notes,
		Document:  doc,
		Visible:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var patient *authz.Patient
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		patient, _, err = s.engine.CanCreateRecord(ctx, actor, in.PatientHealthID)
		if err != nil {
			return err
		}
		rec.PatientID = patient.ID
		return s.repo.Create(ctx, rec)
	})
	if err != nil {
		if doc != nil {
			if derr := s.blobs.Delete(context.Background(), doc.BlobID); derr != nil {
				s.logger.Warn().Err(derr).Str("blob_id", doc.BlobID).Msg("remove orphaned document")
			}
		}
		return nil, err
	}

	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("doctor", actor.Identifier).
		Str("patient", patient.HealthID).
		Str("kind", string(rec.Kind)).
		Bool("document", doc != nil).
		Msg("medical record created")

	patientRef, err := s.directory.AccountBlockchainID(ctx, patient.AccountID)
	if err != nil {
		s.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("resolve patient ledger identity")
		patientRef = patient.HealthID
	}
	s.scheduleAnchor(anchorJob{record: rec, patientRef: patientRef, doctorRef: actor.Identifier})

	doctor := &authz.Doctor{ID: actor.ProfileID, DoctorID: actor.Identifier, Name: actor.Name}
	if d, err := s.directory.DoctorByProfileID(ctx, actor.ProfileID); err == nil {
		doctor = d
	}
	return newRecordView(rec, patient, doctor), nil
}

func (s *Service) GetRecord(ctx context.Context, actor authz.Actor, id uuid.UUID) (*RecordView, error) {
	rec, err := s.engine.CanViewRecord(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, []*authz.Record{rec})[0], nil
}

// GetDocument opens a record's attachment. The caller closes the reader.
func (s *Service) GetDocument(ctx context.Context, actor authz.Actor, id uuid.UUID) (io.ReadCloser, *blobstore.Metadata, error) {
	rec, err := s.engine.CanViewRecord(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.Document == nil {
		return nil, nil, apperr.NotFound("record has no document")
	}
	rc, meta, err := s.blobs.Get(ctx, rec.Document.BlobID)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, apperr.NotFound("document not found")
	}
	if err != nil {
		return nil, nil, err
	}
	return rc, meta, nil
}

func (s *Service) ToggleVisibility(ctx context.Context, actor authz.Actor, id uuid.UUID) (*VisibilityResult, error) {
	if _, err := s.engine.CanToggleVisibility(ctx, actor, id); err != nil {
		return nil, err
	}
	rec, err := s.repo.ToggleVisibility(ctx, actor.ProfileID, id)
	if err != nil {
		return nil, err
	}
	state := "hidden"
	if rec.Visible {
		state = "visible"
	}
	s.logger.Info().Str("record_id", id.String()).Str("patient", actor.Identifier).Bool("visible", rec.Visible).Msg("record visibility changed")
	return &VisibilityResult{ID: rec.ID, IsVisible: rec.Visible, Message: "Record is now " + state}, nil
}

func (s *Service) GetPatientRecordset(ctx context.Context, actor authz.Actor, healthID string) (*PatientRecordset, error) {
	set, err := s.engine.CanViewPatientRecordset(ctx, actor, healthID)
	if err != nil {
		return nil, err
	}
	return &PatientRecordset{
		Patient: set.Patient,
		Basis:   set.Basis,
		Records: s.views(ctx, set.Records),
	}, nil
}

// Stats returns PatientStats or DoctorStats depending on the actor.
func (s *Service) Stats(ctx context.Context, actor authz.Actor) (interface{}, error) {
	switch {
	case actor.IsPatient():
		return s.repo.PatientStats(ctx, actor.ProfileID)
	case actor.IsDoctor():
		return s.repo.DoctorStats(ctx, actor.ProfileID)
	}
	return nil, apperr.InvalidRole("invalid user role")
}

// views resolves the parties of recs, looking each profile up once.
func (s *Service) views(ctx context.Context, recs []*authz.Record) []*RecordView {
	patients := make(map[uuid.UUID]*authz.Patient)
	doctors := make(map[uuid.UUID]*authz.Doctor)
	out := make([]*RecordView, 0, len(recs))
	for _, r := range recs {
		p, ok := patients[r.PatientID]
		if !ok {
			var err error
			if p, err = s.directory.PatientByProfileID(ctx, r.PatientID); err != nil {
				s.logger.Debug().Err(err).Str("record_id", r.ID.String()).Msg("resolve record patient")
				p = nil
			}
			patients[r.PatientID] = p
		}
		d, ok := doctors[r.DoctorID]
		if !ok {
			var err error
			if d, err = s.directory.DoctorByProfileID(ctx, r.DoctorID); err != nil {
				s.logger.Debug().Err(err).Str("record_id", r.ID.String()).Msg("resolve record doctor")
				d = nil
			}
			doctors[r.DoctorID] = d
		}
		out = append(out, newRecordView(r, p, d))
	}
	return out
}

func newRecordView(r *authz.Record, patient *authz.Patient, doctor *authz.Doctor) *RecordView {
	v := &RecordView{
		ID:                r.ID,
		RecordType:        r.Kind,
		RecordTypeDisplay: r.Kind.DisplayName(),
		Diagnosis:         r.Diagnosis,
		Notes:             r.Notes,
		Document:          r.Document,
		IsVisible:         r.Visible,
		DocumentCID:       r.DocumentCID,
		MetadataCID:       r.MetadataCID,
		AnchorTx:          r.AnchorTx,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if patient != nil {
		v.PatientName = patient.Name
		v.PatientHealthID = patient.HealthID
	}
	if doctor != nil {
		v.DoctorName = doctor.Name
		v.Hospital = doctor.Hospital
	}
	return v
}
