package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/pkg/pagination"
)

type recordRepoMemory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*authz.Record
}

// NewMemoryRecordRepo returns a RecordRepository for STORE=memory and tests.
func NewMemoryRecordRepo() RecordRepository {
	return &recordRepoMemory{records: make(map[uuid.UUID]*authz.Record)}
}

func cloneRecord(r *authz.Record) *authz.Record {
	cp := *r
	if r.Document != nil {
		d := *r.Document
		cp.Document = &d
	}
	return &cp
}

func (m *recordRepoMemory) Create(_ context.Context, r *authz.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return apperr.Conflict("record already exists")
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *recordRepoMemory) GetRecord(_ context.Context, id uuid.UUID) (*authz.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, apperr.NotFound("record not found")
	}
	return cloneRecord(r), nil
}

func (m *recordRepoMemory) GetPatientRecord(ctx context.Context, patientID, id uuid.UUID) (*authz.Record, error) {
	r, err := m.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.PatientID != patientID {
		return nil, apperr.NotFound("record not found")
	}
	return r, nil
}

// filter returns matching records newest first.
func (m *recordRepoMemory) filter(keep func(*authz.Record) bool) []*authz.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*authz.Record
	for _, r := range m.records {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out
}

func (m *recordRepoMemory) ListAllByPatient(_ context.Context, patientID uuid.UUID) ([]*authz.Record, error) {
	return m.filter(func(r *authz.Record) bool { return r.PatientID == patientID }), nil
}

func (m *recordRepoMemory) HasAuthored(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.DoctorID == doctorID && r.PatientID == patientID {
			return true, nil
		}
	}
	return false, nil
}

func paginate(all []*authz.Record, p pagination.Params) ([]*authz.Record, int) {
	start, end := p.Window(len(all))
	return all[start:end], len(all)
}

func (m *recordRepoMemory) ListByPatient(_ context.Context, patientID uuid.UUID, p pagination.Params) ([]*authz.Record, int, error) {
	page, total := paginate(m.filter(func(r *authz.Record) bool { return r.PatientID == patientID }), p)
	return page, total, nil
}

func (m *recordRepoMemory) ListByDoctor(_ context.Context, doctorID uuid.UUID, p pagination.Params) ([]*authz.Record, int, error) {
	page, total := paginate(m.filter(func(r *authz.Record) bool { return r.DoctorID == doctorID }), p)
	return page, total, nil
}

func (m *recordRepoMemory) ToggleVisibility(_ context.Context, patientID, id uuid.UUID) (*authz.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.PatientID != patientID {
		return nil, apperr.NotFound("record not found")
	}
	r.Visible = !r.Visible
	r.UpdatedAt = time.Now().UTC()
	return cloneRecord(r), nil
}

func (m *recordRepoMemory) SetExternalRefs(_ context.Context, id uuid.UUID, refs ExternalRefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return apperr.NotFound("record not found")
	}
	if refs.DocumentCID != nil {
		r.DocumentCID = refs.DocumentCID
	}
	if refs.MetadataCID != nil {
		r.MetadataCID = refs.MetadataCID
	}
	if refs.AnchorTx != nil {
		r.AnchorTx = refs.AnchorTx
	}
	return nil
}

func (m *recordRepoMemory) PatientStats(_ context.Context, patientID uuid.UUID) (*PatientStats, error) {
	s := &PatientStats{}
	doctors := make(map[uuid.UUID]bool)
	for _, r := range m.filter(func(r *authz.Record) bool { return r.PatientID == patientID }) {
		s.TotalRecords++
		doctors[r.DoctorID] = true
		if r.Visible {
			s.VisibleRecords++
		} else {
			s.HiddenRecords++
		}
		if s.LastVisit == nil {
			t := r.CreatedAt
			s.LastVisit = &t
		}
	}
	s.UniqueDoctors = len(doctors)
	return s, nil
}

func (m *recordRepoMemory) DoctorStats(_ context.Context, doctorID uuid.UUID) (*DoctorStats, error) {
	s := &DoctorStats{}
	patients := make(map[uuid.UUID]bool)
	for _, r := range m.filter(func(r *authz.Record) bool { return r.DoctorID == doctorID }) {
		s.TotalRecords++
		patients[r.PatientID] = true
		if s.LastActivity == nil {
			t := r.CreatedAt
			s.LastActivity = &t
		}
	}
	s.UniquePatients = len(patients)
	return s, nil
}
