package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/platform/apperr"
)

// In-memory repositories for STORE=memory and tests. Uniqueness mirrors the
// Postgres constraints.

type accountRepoMemory struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
}

func NewMemoryAccountRepo() AccountRepository {
	return &accountRepoMemory{accounts: make(map[uuid.UUID]*Account)}
}

func (r *accountRepoMemory) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.accounts {
		if existing.Email == a.Email || existing.BlockchainID == a.BlockchainID {
			return apperr.Conflict("account already exists")
		}
	}
	cp := *a
	r.accounts[a.ID] = &cp
	return nil
}

func (r *accountRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account not found")
	}
	cp := *a
	return &cp, nil
}

func (r *accountRepoMemory) GetByEmail(_ context.Context, email string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("account not found")
}

func (r *accountRepoMemory) UpdatePhone(_ context.Context, id uuid.UUID, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return apperr.NotFound("account not found")
	}
	a.Phone = phone
	a.UpdatedAt = time.Now().UTC()
	return nil
}

type patientRepoMemory struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]*PatientProfile
}

func NewMemoryPatientRepo() PatientRepository {
	return &patientRepoMemory{profiles: make(map[uuid.UUID]*PatientProfile)}
}

func (r *patientRepoMemory) find(match func(*PatientProfile) bool) (*PatientProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.profiles {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("patient not found")
}

func (r *patientRepoMemory) Create(_ context.Context, p *PatientProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.profiles {
		if existing.HealthID == p.HealthID || existing.AccountID == p.AccountID {
			return apperr.Conflict("patient already exists")
		}
	}
	cp := *p
	r.profiles[p.ID] = &cp
	return nil
}

func (r *patientRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*PatientProfile, error) {
	return r.find(func(p *PatientProfile) bool { return p.ID == id })
}

func (r *patientRepoMemory) GetByAccountID(_ context.Context, accountID uuid.UUID) (*PatientProfile, error) {
	return r.find(func(p *PatientProfile) bool { return p.AccountID == accountID })
}

func (r *patientRepoMemory) GetByHealthID(_ context.Context, healthID string) (*PatientProfile, error) {
	return r.find(func(p *PatientProfile) bool { return p.HealthID == healthID })
}

func (r *patientRepoMemory) HealthIDExists(ctx context.Context, healthID string) (bool, error) {
	_, err := r.GetByHealthID(ctx, healthID)
	return err == nil, nil
}

func (r *patientRepoMemory) Update(_ context.Context, p *PatientProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.profiles[p.ID]
	if !ok {
		return apperr.NotFound("patient not found")
	}
	existing.FirstName = p.FirstName
	existing.LastName = p.LastName
	existing.Age = p.Age
	existing.UpdatedAt = p.UpdatedAt
	return nil
}

func (r *patientRepoMemory) SetProfileCID(_ context.Context, id uuid.UUID, cid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[id]; ok {
		p.ProfileCID = &cid
	}
	return nil
}

type doctorRepoMemory struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]*DoctorProfile
}

func NewMemoryDoctorRepo() DoctorRepository {
	return &doctorRepoMemory{profiles: make(map[uuid.UUID]*DoctorProfile)}
}

func (r *doctorRepoMemory) find(match func(*DoctorProfile) bool) (*DoctorProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.profiles {
		if match(d) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

func (r *doctorRepoMemory) Create(_ context.Context, d *DoctorProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.profiles {
		if existing.DoctorID == d.DoctorID || existing.LicenseNumber == d.LicenseNumber || existing.AccountID == d.AccountID {
			return apperr.Conflict("doctor already exists")
		}
	}
	cp := *d
	r.profiles[d.ID] = &cp
	return nil
}

func (r *doctorRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*DoctorProfile, error) {
	return r.find(func(d *DoctorProfile) bool { return d.ID == id })
}

func (r *doctorRepoMemory) GetByAccountID(_ context.Context, accountID uuid.UUID) (*DoctorProfile, error) {
	return r.find(func(d *DoctorProfile) bool { return d.AccountID == accountID })
}

func (r *doctorRepoMemory) GetByDoctorID(_ context.Context, doctorID string) (*DoctorProfile, error) {
	return r.find(func(d *DoctorProfile) bool { return d.DoctorID == doctorID })
}

func (r *doctorRepoMemory) DoctorIDExists(ctx context.Context, doctorID string) (bool, error) {
	_, err := r.GetByDoctorID(ctx, doctorID)
	return err == nil, nil
}

func (r *doctorRepoMemory) LicenseExists(_ context.Context, license string) (bool, error) {
	_, err := r.find(func(d *DoctorProfile) bool { return d.LicenseNumber == license })
	return err == nil, nil
}

func (r *doctorRepoMemory) Update(_ context.Context, d *DoctorProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.profiles[d.ID]
	if !ok {
		return apperr.NotFound("doctor not found")
	}
	existing.FirstName = d.FirstName
	existing.LastName = d.LastName
	existing.Specialization = d.Specialization
	existing.Hospital = d.Hospital
	existing.UpdatedAt = d.UpdatedAt
	return nil
}

func (r *doctorRepoMemory) SetVerified(_ context.Context, doctorID string, verified bool) (*DoctorProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.profiles {
		if d.DoctorID == doctorID {
			d.IsVerified = verified
			d.UpdatedAt = time.Now().UTC()
			cp := *d
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

func (r *doctorRepoMemory) SetProfileCID(_ context.Context, id uuid.UUID, cid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.profiles[id]; ok {
		d.ProfileCID = &cid
	}
	return nil
}
