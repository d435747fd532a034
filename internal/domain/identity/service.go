// Package identity owns accounts and the patient and doctor profiles behind
// them: registration, login and the lookups the other services resolve
// parties through.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/auth"
	"github.com/healthsecure/healthsecure/internal/platform/db"
	"github.com/healthsecure/healthsecure/internal/platform/ipfs"
	"github.com/healthsecure/healthsecure/internal/platform/lock"
)

// ErrInvalidCredentials is returned by Authenticate for an unknown email or
// a wrong password alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	healthIDPrefix = "HID"
	doctorIDPrefix = "DOC"
	idAttempts     = 8
)

// PendingClaimer binds access grants requested before a doctor registered.
type PendingClaimer interface {
	ClaimPending(ctx context.Context, doctor *authz.Doctor) (int, error)
}

type Config struct {
	Tx      db.TxRunner
	Locker  lock.Locker
	Pinner  ipfs.Pinner
	Claimer PendingClaimer
	Clock   authz.Clock
	// PinTimeout bounds profile pinning after registration.
	PinTimeout time.Duration
	// NewIdentifier returns the "XXXX-YYYY" body of health and doctor ids.
	NewIdentifier func() string
}

type Service struct {
	accounts AccountRepository
	patients PatientRepository
	doctors  DoctorRepository

	tx         db.TxRunner
	locker     lock.Locker
	pinner     ipfs.Pinner
	claimer    PendingClaimer
	clock      authz.Clock
	pinTimeout time.Duration
	logger     zerolog.Logger

	wg    sync.WaitGroup
	newID func() string
}

func NewService(accounts AccountRepository, patients PatientRepository, doctors DoctorRepository, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Tx == nil {
		cfg.Tx = db.NewLocalTxRunner()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocal(10 * time.Second)
	}
	if cfg.Clock == nil {
		cfg.Clock = authz.SystemClock{}
	}
	if cfg.PinTimeout <= 0 {
		cfg.PinTimeout = 30 * time.Second
	}
	if cfg.NewIdentifier == nil {
		cfg.NewIdentifier = RandomIdentifier
	}
	return &Service{
		accounts:   accounts,
		patients:   patients,
		doctors:    doctors,
		tx:         cfg.Tx,
		locker:     cfg.Locker,
		pinner:     cfg.Pinner,
		claimer:    cfg.Claimer,
		clock:      cfg.Clock,
		pinTimeout: cfg.PinTimeout,
		logger:     logger,
		newID:      cfg.NewIdentifier,
	}
}

// SetClaimer wires the access service after construction; the two services
// depend on each other.
func (s *Service) SetClaimer(c PendingClaimer) {
	s.claimer = c
}

// RandomIdentifier returns "XXXX-YYYY" from the first eight hex digits of a
// random uuid, upper-cased.
func RandomIdentifier() string {
	h := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return h[:4] + "-" + h[4:8]
}

// BlockchainID derives the account's ledger identity from its email and
// join time.
func BlockchainID(email string, joined time.Time) string {
	sum := sha256.Sum256([]byte(email + ":" + joined.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

func (s *Service) uniqueIdentifier(ctx context.Context, prefix string, taken func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < idAttempts; i++ {
		id := prefix + "-" + s.newID()
		used, err := taken(ctx, id)
		if err != nil {
			return "", err
		}
		if !used {
			return id, nil
		}
	}
	return "", fmt.Errorf("generate %s identifier: %d collisions", prefix, idAttempts)
}

// lockAll acquires the named locks in order and returns a single release.
func (s *Service) lockAll(ctx context.Context, keys ...string) (func(), error) {
	var unlocks []lock.Unlock
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			if err := unlocks[i](context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("release registration lock")
			}
		}
	}
	for _, k := range keys {
		u, err := s.locker.Lock(ctx, k)
		if err != nil {
			release()
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}

func (s *Service) newAccount(email, password, role, phone string) (*Account, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	return &Account{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Phone:        phone,
		BlockchainID: BlockchainID(email, now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Service) ensureEmailFree(ctx context.Context, email string) error {
	_, err := s.accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return apperr.Conflict("an account with this email already exists")
	case errors.Is(err, apperr.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *Service) RegisterPatient(ctx context.Context, in RegisterPatientInput) (*Profile, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, apperr.InvalidInput("%s", err.Error())
	}
	release, err := s.lockAll(ctx, "register:email:"+in.Email)
	if err != nil {
		return nil, err
	}
	defer release()

	account, err := s.newAccount(in.Email, in.Password, auth.RolePatient, in.Phone)
	if err != nil {
		return nil, err
	}
	var profile *PatientProfile
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.ensureEmailFree(ctx, in.Email); err != nil {
			return err
		}
		hid, err := s.uniqueIdentifier(ctx, healthIDPrefix, s.patients.HealthIDExists)
		if err != nil {
			return err
		}
		if err := s.accounts.Create(ctx, account); err != nil {
			return err
		}
		profile = &PatientProfile{
			ID:        uuid.New(),
			AccountID: account.ID,
			HealthID:  hid,
			FirstName: in.FirstName,
			LastName:  in.LastName,
			Age:       in.Age,
			CreatedAt: account.CreatedAt,
			UpdatedAt: account.CreatedAt,
		}
		return s.patients.Create(ctx, profile)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("account_id", account.ID.String()).Str("health_id", profile.HealthID).Msg("patient registered")
	s.pinProfile(profile.ID, "patient-"+profile.HealthID, patientMetadata(account, profile), s.patients.SetProfileCID)
	return &Profile{Account: account, Patient: profile}, nil
}

func (s *Service) RegisterDoctor(ctx context.Context, in RegisterDoctorInput) (*Profile, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, apperr.InvalidInput("%s", err.Error())
	}
	release, err := s.lockAll(ctx, "register:email:"+in.Email, "register:license:"+in.LicenseNumber)
	if err != nil {
		return nil, err
	}
	defer release()

	account, err := s.newAccount(in.Email, in.Password, auth.RoleDoctor, in.Phone)
	if err != nil {
		return nil, err
	}
	var profile *DoctorProfile
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.ensureEmailFree(ctx, in.Email); err != nil {
			return err
		}
		taken, err := s.doctors.LicenseExists(ctx, in.LicenseNumber)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Conflict("a doctor with this license number already exists")
		}
		did, err := s.uniqueIdentifier(ctx, doctorIDPrefix, s.doctors.DoctorIDExists)
		if err != nil {
			return err
		}
		if err := s.accounts.Create(ctx, account); err != nil {
			return err
		}
		profile = &DoctorProfile{
			ID:             uuid.New(),
			AccountID:      account.ID,
			DoctorID:       did,
			FirstName:      in.FirstName,
			LastName:       in.LastName,
			LicenseNumber:  in.LicenseNumber,
			Specialization: in.Specialization,
			Hospital:       in.Hospital,
			CreatedAt:      account.CreatedAt,
			UpdatedAt:      account.CreatedAt,
		}
		return s.doctors.Create(ctx, profile)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("account_id", account.ID.String()).Str("doctor_id", profile.DoctorID).Msg("doctor registered")
	if s.claimer != nil {
		if _, err := s.claimer.ClaimPending(ctx, profile.ToDoctor()); err != nil {
			s.logger.Error().Err(err).Str("doctor_id", profile.DoctorID).Msg("claim pending access grants")
		}
	}
	s.pinProfile(profile.ID, "doctor-"+profile.DoctorID, doctorMetadata(account, profile), s.doctors.SetProfileCID)
	return &Profile{Account: account, Doctor: profile}, nil
}

func patientMetadata(a *Account, p *PatientProfile) map[string]interface{} {
	return map[string]interface{}{
		"type":          "patient_profile",
		"health_id":     p.HealthID,
		"blockchain_id": a.BlockchainID,
		"created_at":    p.CreatedAt.Format(time.RFC3339),
	}
}

func doctorMetadata(a *Account, d *DoctorProfile) map[string]interface{} {
	return map[string]interface{}{
		"type":           "doctor_profile",
		"doctor_id":      d.DoctorID,
		"blockchain_id":  a.BlockchainID,
		"specialization": d.Specialization,
		"hospital":       d.Hospital,
		"created_at":     d.CreatedAt.Format(time.RFC3339),
	}
}

// pinProfile pins profile metadata in the background. Failures are logged
// and leave profile_cid empty.
func (s *Service) pinProfile(id uuid.UUID, name string, metadata map[string]interface{}, store func(context.Context, uuid.UUID, string) error) {
	if s.pinner == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.pinTimeout)
		defer cancel()
		pin, err := s.pinner.PinJSON(ctx, metadata, name)
		if err != nil {
			s.logger.Warn().Err(err).Str("profile", name).Msg("pin profile metadata")
			return
		}
		if err := store(ctx, id, pin.CID); err != nil {
			s.logger.Warn().Err(err).Str("profile", name).Msg("store profile cid")
			return
		}
		s.logger.Debug().Str("profile", name).Str("cid", pin.CID).Msg("profile pinned")
	}()
}

// CreateAdmin adds an operator account. Admins carry no profile and are
// only created from the command line.
func (s *Service) CreateAdmin(ctx context.Context, in LoginInput) (*Account, error) {
	in.Email = normalizeEmail(in.Email)
	if err := in.validateNew(); err != nil {
		return nil, apperr.InvalidInput("%s", err.Error())
	}
	release, err := s.lockAll(ctx, "register:email:"+in.Email)
	if err != nil {
		return nil, err
	}
	defer release()

	account, err := s.newAccount(in.Email, in.Password, auth.RoleAdmin, "")
	if err != nil {
		return nil, err
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.ensureEmailFree(ctx, in.Email); err != nil {
			return err
		}
		return s.accounts.Create(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("account_id", account.ID.String()).Msg("admin account created")
	return account, nil
}

// Wait blocks until background profile pinning has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Authenticate checks an email and password pair.
func (s *Service) Authenticate(ctx context.Context, in LoginInput) (*Profile, error) {
	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(in.Email))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := auth.CheckPassword(account.PasswordHash, in.Password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.profile(ctx, account)
}

func (s *Service) profile(ctx context.Context, account *Account) (*Profile, error) {
	p := &Profile{Account: account}
	var err error
	switch account.Role {
	case auth.RolePatient:
		p.Patient, err = s.patients.GetByAccountID(ctx, account.ID)
	case auth.RoleDoctor:
		p.Doctor, err = s.doctors.GetByAccountID(ctx, account.ID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ProfileByAccount loads an account and its profile.
func (s *Service) ProfileByAccount(ctx context.Context, accountID uuid.UUID) (*Profile, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.profile(ctx, account)
}

// CurrentActor resolves the authenticated subject on ctx.
func (s *Service) CurrentActor(ctx context.Context) (authz.Actor, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return authz.Actor{}, apperr.NotFound("account not found")
	}
	p, err := s.ProfileByAccount(ctx, id)
	if err != nil {
		return authz.Actor{}, err
	}
	return p.Actor(), nil
}

// Actor converts the profile into the authorization principal.
func (p *Profile) Actor() authz.Actor {
	a := authz.Actor{AccountID: p.Account.ID, Role: p.Account.Role, Name: p.Account.Email}
	switch {
	case p.Patient != nil:
		a.ProfileID = p.Patient.ID
		a.Identifier = p.Patient.HealthID
		a.Name = p.Patient.FullName()
	case p.Doctor != nil:
		a.ProfileID = p.Doctor.ID
		a.Identifier = p.Doctor.DoctorID
		a.Name = p.Doctor.FullName()
	}
	return a
}

func (s *Service) PatientByHealthID(ctx context.Context, healthID string) (*authz.Patient, error) {
	p, err := s.patients.GetByHealthID(ctx, strings.ToUpper(strings.TrimSpace(healthID)))
	if err != nil {
		return nil, err
	}
	return p.ToPatient(), nil
}

func (s *Service) PatientByProfileID(ctx context.Context, id uuid.UUID) (*authz.Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.ToPatient(), nil
}

func (s *Service) DoctorByDoctorID(ctx context.Context, doctorID string) (*authz.Doctor, error) {
	d, err := s.doctors.GetByDoctorID(ctx, strings.ToUpper(strings.TrimSpace(doctorID)))
	if err != nil {
		return nil, err
	}
	return d.ToDoctor(), nil
}

func (s *Service) DoctorByProfileID(ctx context.Context, id uuid.UUID) (*authz.Doctor, error) {
	d, err := s.doctors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.ToDoctor(), nil
}

func (s *Service) GetProfile(ctx context.Context, actor authz.Actor) (*Profile, error) {
	return s.ProfileByAccount(ctx, actor.AccountID)
}

func (s *Service) UpdateProfile(ctx context.Context, actor authz.Actor, in UpdateProfileInput) (*Profile, error) {
	if err := in.Validate(); err != nil {
		return nil, apperr.InvalidInput("%s", err.Error())
	}
	if actor.IsPatient() && (in.Specialization != nil || in.Hospital != nil) {
		return nil, apperr.InvalidInput("specialization and hospital apply to doctors only")
	}
	if actor.IsDoctor() && in.Age != nil {
		return nil, apperr.InvalidInput("age applies to patients only")
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if in.Phone != nil {
			if err := s.accounts.UpdatePhone(ctx, actor.AccountID, strings.TrimSpace(*in.Phone)); err != nil {
				return err
			}
		}
		now := s.clock.Now()
		switch {
		case actor.IsPatient():
			p, err := s.patients.GetByID(ctx, actor.ProfileID)
			if err != nil {
				return err
			}
			setName(&p.FirstName, in.FirstName)
			setName(&p.LastName, in.LastName)
			if in.Age != nil {
				p.Age = in.Age
			}
			p.UpdatedAt = now
			return s.patients.Update(ctx, p)
		case actor.IsDoctor():
			d, err := s.doctors.GetByID(ctx, actor.ProfileID)
			if err != nil {
				return err
			}
			setName(&d.FirstName, in.FirstName)
			setName(&d.LastName, in.LastName)
			if in.Specialization != nil {
				d.Specialization = strings.TrimSpace(*in.Specialization)
			}
			if in.Hospital != nil {
				d.Hospital = strings.TrimSpace(*in.Hospital)
			}
			d.UpdatedAt = now
			return s.doctors.Update(ctx, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ProfileByAccount(ctx, actor.AccountID)
}

func setName(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// SearchPatient lets a doctor confirm a health id before requesting or
// creating anything. Only name, health id and age are disclosed.
func (s *Service) SearchPatient(ctx context.Context, actor authz.Actor, healthID string) (*PatientSummary, error) {
	if !actor.IsDoctor() {
		return nil, apperr.InvalidRole("only doctors can search patients")
	}
	p, err := s.PatientByHealthID(ctx, healthID)
	if err != nil {
		return nil, err
	}
	return &PatientSummary{Name: p.Name, HealthID: p.HealthID, Age: p.Age}, nil
}

// VerifyDoctor marks a doctor as verified.
func (s *Service) VerifyDoctor(ctx context.Context, doctorID string) (*DoctorProfile, error) {
	d, err := s.doctors.SetVerified(ctx, strings.ToUpper(strings.TrimSpace(doctorID)), true)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("doctor_id", d.DoctorID).Msg("doctor verified")
	return d, nil
}

// AccountBlockchainID returns the ledger identity of an account.
func (s *Service) AccountBlockchainID(ctx context.Context, accountID uuid.UUID) (string, error) {
	a, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.BlockchainID, nil
}
