// Package access owns the lifecycle of access grants: patients request and
// revoke them, doctors may approve them.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/db"
	"github.com/healthsecure/healthsecure/internal/platform/lock"
)

const DefaultTemporaryTTL = 720 * time.Hour

// Directory resolves grant parties. Implemented by the identity service.
type Directory interface {
	DoctorByDoctorID(ctx context.Context, doctorID string) (*authz.Doctor, error)
	DoctorByProfileID(ctx context.Context, id uuid.UUID) (*authz.Doctor, error)
	PatientByProfileID(ctx context.Context, id uuid.UUID) (*authz.Patient, error)
}

type Config struct {
	Policy       ApprovalPolicy
	TemporaryTTL time.Duration
}

type Service struct {
	repo      GrantRepository
	directory Directory
	tx        db.TxRunner
	locker    lock.Locker
	clock     authz.Clock
	policy    ApprovalPolicy
	ttl       time.Duration
	logger    zerolog.Logger
}

func NewService(repo GrantRepository, directory Directory, tx db.TxRunner, locker lock.Locker, clock authz.Clock, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Policy == nil {
		cfg.Policy = AutoApprove{}
	}
	if cfg.TemporaryTTL <= 0 {
		cfg.TemporaryTTL = DefaultTemporaryTTL
	}
	if clock == nil {
		clock = authz.SystemClock{}
	}
	return &Service{
		repo:      repo,
		directory: directory,
		tx:        tx,
		locker:    locker,
		clock:     clock,
		policy:    cfg.Policy,
		ttl:       cfg.TemporaryTTL,
		logger:    logger,
	}
}

func (s *Service) expiry(kind authz.GrantKind, now time.Time) *time.Time {
	if kind != authz.GrantTemporary {
		return nil
	}
	t := now.Add(s.ttl)
	return &t
}

// RequestAccess creates or refreshes the patient's open grant for the named
// doctor. An identifier that does not resolve is kept as a pending
// reference.
func (s *Service) RequestAccess(ctx context.Context, actor authz.Actor, in RequestInput) (*GrantView, error) {
	if !actor.IsPatient() {
		return nil, apperr.InvalidRole("only patients can grant access")
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, apperr.InvalidInput("%s", err.Error())
	}
	kind := authz.GrantKind(in.AccessType)

	unlock, err := s.locker.Lock(ctx, "access:"+actor.ProfileID.String()+":"+in.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("lock access grant: %w", err)
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("release access grant lock")
		}
	}()

	var grant *authz.Grant
	var doctor *authz.Doctor
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		d, err := s.directory.DoctorByDoctorID(ctx, in.DoctorID)
		switch {
		case err == nil:
			doctor = d
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		var doctorID *uuid.UUID
		if doctor != nil {
			doctorID = &doctor.ID
		}

		now := s.clock.Now()
		existing, err := s.repo.FindOpen(ctx, actor.ProfileID, doctorID, in.DoctorID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			grant = &authz.Grant{
				ID:        uuid.New(),
				PatientID: actor.ProfileID,
				DoctorID:  doctorID,
				Kind:      kind,
				Status:    s.policy.StatusForNew(kind),
				GrantedAt: now,
				ExpiresAt: s.expiry(kind, now),
				UpdatedAt: now,
			}
			if doctorID == nil {
				ref := in.DoctorID
				grant.PendingRef = &ref
			}
			return s.repo.Create(ctx, grant)
		case err != nil:
			return err
		}

		grant = existing
		if grant.DoctorID == nil && doctorID != nil {
			grant.DoctorID = doctorID
		}
		grant.Status = s.policy.StatusForRepeat(existing, kind)
		grant.Kind = kind
		grant.ExpiresAt = s.expiry(kind, now)
		grant.UpdatedAt = now
		return s.repo.Update(ctx, grant)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("grant_id", grant.ID.String()).
		Str("patient", actor.Identifier).
		Str("doctor_ref", in.DoctorID).
		Bool("resolved", grant.DoctorID != nil).
		Str("kind", string(grant.Kind)).
		Str("status", string(grant.Status)).
		Msg("access requested")

	return s.view(ctx, grant, doctor), nil
}

// Approve moves a pending grant to approved. Only the doctor the grant
// names may do it; anyone else gets NotFound.
func (s *Service) Approve(ctx context.Context, actor authz.Actor, grantID uuid.UUID) (*GrantView, error) {
	if !actor.IsDoctor() {
		return nil, apperr.NotFound("access grant not found")
	}
	var grant *authz.Grant
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := s.repo.GetByID(ctx, grantID)
		if err != nil {
			return err
		}
		if !names(g, actor) {
			return apperr.NotFound("access grant not found")
		}
		switch g.Status {
		case authz.StatusRevoked:
			return apperr.Conflict("access grant has been revoked")
		case authz.StatusApproved:
			grant = g
			return nil
		}
		now := s.clock.Now()
		if g.DoctorID == nil {
			id := actor.ProfileID
			g.DoctorID = &id
		}
		g.Status = authz.StatusApproved
		g.GrantedAt = now
		g.ExpiresAt = s.expiry(g.Kind, now)
		g.UpdatedAt = now
		grant = g
		return s.repo.Update(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	return s.view(ctx, grant, nil), nil
}

// Revoke is idempotent: revoking a revoked grant returns it unchanged.
func (s *Service) Revoke(ctx context.Context, actor authz.Actor, grantID uuid.UUID) (*GrantView, error) {
	if !actor.IsPatient() {
		return nil, apperr.NotFound("access grant not found")
	}
	var grant *authz.Grant
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := s.repo.GetByID(ctx, grantID)
		if err != nil {
			return err
		}
		if g.PatientID != actor.ProfileID {
			return apperr.NotFound("access grant not found")
		}
		grant = g
		if g.Status == authz.StatusRevoked {
			return nil
		}
		now := s.clock.Now()
		g.Status = authz.StatusRevoked
		g.RevokedAt = &now
		g.UpdatedAt = now
		return s.repo.Update(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("grant_id", grant.ID.String()).Str("patient", actor.Identifier).Msg("access revoked")
	return s.view(ctx, grant, nil), nil
}

// Expired reports whether g's expiry has passed at now.
func (s *Service) Expired(g *authz.Grant, now time.Time) bool {
	return authz.Expired(g, now)
}

// ListGrants returns the grants a patient issued or a doctor holds,
// including grants still pending on the doctor's identifier.
func (s *Service) ListGrants(ctx context.Context, actor authz.Actor) ([]*GrantView, error) {
	var (
		grants []*authz.Grant
		err    error
	)
	switch {
	case actor.IsPatient():
		grants, err = s.repo.ListByPatient(ctx, actor.ProfileID)
	case actor.IsDoctor():
		grants, err = s.repo.ListForDoctor(ctx, actor.ProfileID, actor.Identifier)
	default:
		return nil, apperr.InvalidRole("invalid role")
	}
	if err != nil {
		return nil, err
	}
	out := make([]*GrantView, 0, len(grants))
	for _, g := range grants {
		out = append(out, s.view(ctx, g, nil))
	}
	return out, nil
}

// ClaimPending binds grants that were requested before the doctor
// registered.
func (s *Service) ClaimPending(ctx context.Context, doctor *authz.Doctor) (int, error) {
	var n int
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.repo.ClaimPending(ctx, doctor.ID, doctor.DoctorID, s.clock.Now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("claim pending grants: %w", err)
	}
	if n > 0 {
		s.logger.Info().Str("doctor", doctor.DoctorID).Int("grants", n).Msg("claimed pending access grants")
	}
	return n, nil
}

// GrantReader exposes the repository to the authorization engine.
func (s *Service) GrantReader() authz.GrantReader {
	return s.repo
}

func names(g *authz.Grant, actor authz.Actor) bool {
	if g.DoctorID != nil {
		return *g.DoctorID == actor.ProfileID
	}
	return g.PendingRef != nil && *g.PendingRef == actor.Identifier
}

// view resolves both parties; lookup failures leave the names empty.
func (s *Service) view(ctx context.Context, g *authz.Grant, doctor *authz.Doctor) *GrantView {
	patient, err := s.directory.PatientByProfileID(ctx, g.PatientID)
	if err != nil {
		s.logger.Debug().Err(err).Str("grant_id", g.ID.String()).Msg("resolve grant patient")
		patient = nil
	}
	if doctor == nil && g.DoctorID != nil {
		doctor, err = s.directory.DoctorByProfileID(ctx, *g.DoctorID)
		if err != nil {
			s.logger.Debug().Err(err).Str("grant_id", g.ID.String()).Msg("resolve grant doctor")
			doctor = nil
		}
	}
	return newGrantView(g, patient, doctor, s.clock.Now())
}
