package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
)

type grantRepoMemory struct {
	mu     sync.RWMutex
	grants map[uuid.UUID]*authz.Grant
}

// NewMemoryGrantRepo keeps grants in process memory. The one-open-grant
// rule is checked on every write.
func NewMemoryGrantRepo() GrantRepository {
	return &grantRepoMemory{grants: make(map[uuid.UUID]*authz.Grant)}
}

func clone(g *authz.Grant) *authz.Grant {
	c := *g
	return &c
}

func open(g *authz.Grant) bool { return g.Status != authz.StatusRevoked }

// conflicts reports whether another open grant occupies g's slot.
func (r *grantRepoMemory) conflicts(g *authz.Grant) bool {
	if !open(g) {
		return false
	}
	for _, o := range r.grants {
		if o.ID == g.ID || o.PatientID != g.PatientID || !open(o) {
			continue
		}
		if g.DoctorID != nil && o.DoctorID != nil && *g.DoctorID == *o.DoctorID {
			return true
		}
		if g.DoctorID == nil && o.DoctorID == nil && g.PendingRef != nil && o.PendingRef != nil && *g.PendingRef == *o.PendingRef {
			return true
		}
	}
	return false
}

func (r *grantRepoMemory) Create(_ context.Context, g *authz.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[g.ID]; ok || r.conflicts(g) {
		return apperr.Conflict("access grant already exists")
	}
	r.grants[g.ID] = clone(g)
	return nil
}

func (r *grantRepoMemory) Update(_ context.Context, g *authz.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[g.ID]; !ok {
		return apperr.NotFound("access grant not found")
	}
	if r.conflicts(g) {
		return apperr.Conflict("access grant already exists")
	}
	r.grants[g.ID] = clone(g)
	return nil
}

func (r *grantRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*authz.Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, apperr.NotFound("access grant not found")
	}
	return clone(g), nil
}

func matches(g *authz.Grant, doctorID *uuid.UUID, ref string) bool {
	if g.DoctorID != nil {
		return doctorID != nil && *g.DoctorID == *doctorID
	}
	return g.PendingRef != nil && *g.PendingRef == ref
}

// filter returns matching grants, bound ones first, newest first.
func (r *grantRepoMemory) filter(keep func(*authz.Grant) bool) []*authz.Grant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*authz.Grant
	for _, g := range r.grants {
		if keep(g) {
			out = append(out, clone(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].DoctorID != nil, out[j].DoctorID != nil
		if bi != bj {
			return bi
		}
		return out[i].GrantedAt.After(out[j].GrantedAt)
	})
	return out
}

func (r *grantRepoMemory) FindOpen(_ context.Context, patientID uuid.UUID, doctorID *uuid.UUID, ref string) (*authz.Grant, error) {
	found := r.filter(func(g *authz.Grant) bool {
		return g.PatientID == patientID && open(g) && matches(g, doctorID, ref)
	})
	if len(found) == 0 {
		return nil, apperr.NotFound("access grant not found")
	}
	return found[0], nil
}

func (r *grantRepoMemory) GrantsFor(_ context.Context, patientID, doctorID uuid.UUID, ref string) ([]*authz.Grant, error) {
	return r.filter(func(g *authz.Grant) bool {
		return g.PatientID == patientID && open(g) && matches(g, &doctorID, ref)
	}), nil
}

func (r *grantRepoMemory) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*authz.Grant, error) {
	out := r.filter(func(g *authz.Grant) bool { return g.PatientID == patientID })
	sortNewest(out)
	return out, nil
}

func (r *grantRepoMemory) ListForDoctor(_ context.Context, doctorID uuid.UUID, ref string) ([]*authz.Grant, error) {
	out := r.filter(func(g *authz.Grant) bool { return matches(g, &doctorID, ref) })
	sortNewest(out)
	return out, nil
}

func (r *grantRepoMemory) ClaimPending(_ context.Context, doctorID uuid.UUID, ref string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.grants {
		if g.DoctorID != nil || g.PendingRef == nil || *g.PendingRef != ref || !open(g) {
			continue
		}
		claimed := clone(g)
		id := doctorID
		claimed.DoctorID = &id
		if r.conflicts(claimed) {
			continue
		}
		claimed.UpdatedAt = now
		r.grants[g.ID] = claimed
		n++
	}
	return n, nil
}

func sortNewest(gs []*authz.Grant) {
	sort.SliceStable(gs, func(i, j int) bool { return gs[i].GrantedAt.After(gs[j].GrantedAt) })
}
