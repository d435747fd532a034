package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/platform/apperr"
	"github.com/healthsecure/healthsecure/internal/platform/auth"
	"github.com/healthsecure/healthsecure/internal/platform/db"
	"github.com/healthsecure/healthsecure/internal/platform/lock"
)

type mutableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDirectory struct {
	mu       sync.Mutex
	doctors  map[string]*authz.Doctor
	patients map[uuid.UUID]*authz.Patient
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{doctors: map[string]*authz.Doctor{}, patients: map[uuid.UUID]*authz.Patient{}}
}

func (d *fakeDirectory) addDoctor(ref string) authz.Actor {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := &authz.Doctor{ID: uuid.New(), DoctorID: ref, Name: "Dr. " + ref, Hospital: "General"}
	d.doctors[ref] = doc
	return authz.Actor{AccountID: uuid.New(), Role: auth.RoleDoctor, ProfileID: doc.ID, Identifier: ref}
}

func (d *fakeDirectory) addPatient(hid string) authz.Actor {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &authz.Patient{ID: uuid.New(), HealthID: hid, Name: "Patient " + hid}
	d.patients[p.ID] = p
	return authz.Actor{AccountID: uuid.New(), Role: auth.RolePatient, ProfileID: p.ID, Identifier: hid}
}

func (d *fakeDirectory) DoctorByDoctorID(_ context.Context, ref string) (*authz.Doctor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if doc, ok := d.doctors[ref]; ok {
		return doc, nil
	}
	return nil, apperr.NotFound("doctor not found")
}

func (d *fakeDirectory) DoctorByProfileID(_ context.Context, id uuid.UUID) (*authz.Doctor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, doc := range d.doctors {
		if doc.ID == id {
			return doc, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

func (d *fakeDirectory) PatientByProfileID(_ context.Context, id uuid.UUID) (*authz.Patient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.patients[id]; ok {
		return p, nil
	}
	return nil, apperr.NotFound("patient not found")
}

type testEnv struct {
	svc   *Service
	repo  GrantRepository
	dir   *fakeDirectory
	clock *mutableClock
}

func newTestEnv(policy ApprovalPolicy) *testEnv {
	env := &testEnv{
		repo:  NewMemoryGrantRepo(),
		dir:   newFakeDirectory(),
		clock: &mutableClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)},
	}
	env.svc = NewService(env.repo, env.dir, db.NewLocalTxRunner(), lock.NewLocal(time.Second), env.clock,
		Config{Policy: policy, TemporaryTTL: 48 * time.Hour}, zerolog.Nop())
	return env
}

func (env *testEnv) active(t *testing.T, patient, doctor authz.Actor) bool {
	t.Helper()
	grants, err := env.repo.GrantsFor(context.Background(), patient.ProfileID, doctor.ProfileID, doctor.Identifier)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range grants {
		if authz.ActiveGrant(g, env.clock.Now()) {
			return true
		}
	}
	return false
}

func TestRequestAccess_CreatesApprovedGrant(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	doctor := env.dir.addDoctor("DOC-BBBB-2222")

	view, err := env.svc.RequestAccess(context.Background(), patient, RequestInput{DoctorID: "doc-bbbb-2222", AccessType: "full"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Status != authz.StatusApproved || view.AccessType != authz.GrantFull {
		t.Errorf("unexpected grant %+v", view)
	}
	if view.DoctorID != "DOC-BBBB-2222" || view.PatientHealthID != "HID-AAAA-1111" {
		t.Errorf("parties not resolved: %+v", view)
	}
	if view.ExpiresAt != nil {
		t.Error("FULL grants carry no expiry")
	}
	if !env.active(t, patient, doctor) {
		t.Error("expected grant to authorise the doctor")
	}
}

func TestRequestAccess_RepeatKeepsOneRow(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	env.dir.addDoctor("DOC-BBBB-2222")
	ctx := context.Background()

	first, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222", AccessType: "FULL"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222", AccessType: "TEMPORARY"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Error("repeat request must update the existing grant")
	}
	all, _ := env.repo.ListByPatient(ctx, patient.ProfileID)
	if len(all) != 1 {
		t.Fatalf("expected exactly one grant, got %d", len(all))
	}
	if all[0].Kind != authz.GrantTemporary {
		t.Errorf("expected latest kind, got %s", all[0].Kind)
	}
	want := env.clock.Now().Add(48 * time.Hour)
	if all[0].ExpiresAt == nil || !all[0].ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, all[0].ExpiresAt)
	}

	// back to FULL clears the expiry
	if _, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222", AccessType: "FULL"}); err != nil {
		t.Fatal(err)
	}
	g, _ := env.repo.GetByID(ctx, first.ID)
	if g.ExpiresAt != nil {
		t.Error("expected expiry cleared")
	}
}

func TestRequestAccess_ConcurrentRequestsKeepOneRow(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	env.dir.addDoctor("DOC-BBBB-2222")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.RequestAccess(context.Background(), patient, RequestInput{DoctorID: "DOC-BBBB-2222"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	all, _ := env.repo.ListByPatient(context.Background(), patient.ProfileID)
	if len(all) != 1 {
		t.Fatalf("expected one grant, got %d", len(all))
	}
}

func TestRequestAccess_Validation(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	doctor := env.dir.addDoctor("DOC-BBBB-2222")
	ctx := context.Background()

	if _, err := env.svc.RequestAccess(ctx, doctor, RequestInput{DoctorID: "DOC-BBBB-2222"}); !errors.Is(err, apperr.ErrInvalidRole) {
		t.Errorf("doctor: expected InvalidRole, got %v", err)
	}
	if _, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: ""}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("empty doctor: expected InvalidInput, got %v", err)
	}
	if _, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222", AccessType: "FOREVER"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("bad kind: expected InvalidInput, got %v", err)
	}
}

func TestRequestAccess_UnresolvedDoctorIsPending(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	ctx := context.Background()

	view, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-ZZZZ-0000", AccessType: "FULL"})
	if err != nil {
		t.Fatal(err)
	}
	g, _ := env.repo.GetByID(ctx, view.ID)
	if g.DoctorID != nil || g.PendingRef == nil || *g.PendingRef != "DOC-ZZZZ-0000" {
		t.Fatalf("expected pending reference, got %+v", g)
	}
	if view.DoctorIDRequested != "DOC-ZZZZ-0000" {
		t.Errorf("expected requested id in view, got %q", view.DoctorIDRequested)
	}

	// lazily honoured before any claim
	late := env.dir.addDoctor("DOC-ZZZZ-0000")
	if !env.active(t, patient, late) {
		t.Fatal("expected pending grant to match the late doctor")
	}

	env.clock.Advance(3 * time.Hour)
	n, err := env.svc.ClaimPending(ctx, &authz.Doctor{ID: late.ProfileID, DoctorID: "DOC-ZZZZ-0000"})
	if err != nil || n != 1 {
		t.Fatalf("ClaimPending = %d, %v", n, err)
	}
	g, _ = env.repo.GetByID(ctx, view.ID)
	if g.DoctorID == nil || *g.DoctorID != late.ProfileID {
		t.Fatalf("expected grant bound to doctor, got %+v", g)
	}
	if !g.UpdatedAt.Equal(env.clock.Now()) {
		t.Errorf("claim should stamp the service clock, got %v want %v", g.UpdatedAt, env.clock.Now())
	}
	if !env.active(t, patient, late) {
		t.Error("expected claimed grant to stay active")
	}
}

func TestRequestAccess_ResolvedRequestAdoptsPendingGrant(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	ctx := context.Background()

	first, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-ZZZZ-0000"})
	if err != nil {
		t.Fatal(err)
	}
	env.dir.addDoctor("DOC-ZZZZ-0000")
	second, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-ZZZZ-0000", AccessType: "EMERGENCY"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatal("expected the pending grant to be reused")
	}
	if second.DoctorName == "Pending registration" {
		t.Error("expected grant to be bound to the doctor")
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	other := env.dir.addPatient("HID-EEEE-5555")
	doctor := env.dir.addDoctor("DOC-BBBB-2222")
	ctx := context.Background()

	view, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.Revoke(ctx, other, view.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("other patient: expected NotFound, got %v", err)
	}
	if _, err := env.svc.Revoke(ctx, doctor, view.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("doctor: expected NotFound, got %v", err)
	}

	revoked, err := env.svc.Revoke(ctx, patient, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if revoked.Status != authz.StatusRevoked || revoked.RevokedAt == nil {
		t.Fatalf("unexpected revoked grant %+v", revoked)
	}
	if env.active(t, patient, doctor) {
		t.Error("revoked grant must not authorise")
	}
	stamp := *revoked.RevokedAt

	env.clock.Advance(time.Minute)
	again, err := env.svc.Revoke(ctx, patient, view.ID)
	if err != nil {
		t.Fatalf("second revoke should be a no-op, got %v", err)
	}
	if !again.RevokedAt.Equal(stamp) {
		t.Error("idempotent revoke must not move revoked_at")
	}

	// a new request after revoke starts a fresh row
	fresh, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222"})
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == view.ID {
		t.Error("revoked grants are terminal; expected a new grant")
	}
	all, _ := env.repo.ListByPatient(ctx, patient.ProfileID)
	if len(all) != 2 {
		t.Errorf("expected revoked history plus new grant, got %d", len(all))
	}
}

func TestTemporaryGrantExpiresLazily(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	doctor := env.dir.addDoctor("DOC-BBBB-2222")
	ctx := context.Background()

	view, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222", AccessType: "TEMPORARY"})
	if err != nil {
		t.Fatal(err)
	}
	if !env.active(t, patient, doctor) {
		t.Fatal("expected live temporary grant")
	}

	env.clock.Advance(49 * time.Hour)
	if env.active(t, patient, doctor) {
		t.Error("expected expired grant to stop authorising")
	}
	g, _ := env.repo.GetByID(ctx, view.ID)
	if g.Status != authz.StatusApproved {
		t.Errorf("stored status must stay APPROVED, got %s", g.Status)
	}
	if !env.svc.Expired(g, env.clock.Now()) {
		t.Error("expected Expired to report true")
	}

	views, err := env.svc.ListGrants(ctx, patient)
	if err != nil {
		t.Fatal(err)
	}
	if views[0].Status != authz.StatusExpired || views[0].StatusDisplay != "Expired" {
		t.Errorf("expected derived EXPIRED status, got %s", views[0].Status)
	}
}

func TestDoctorAcceptancePolicy(t *testing.T) {
	env := newTestEnv(DoctorAcceptance{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	doctor := env.dir.addDoctor("DOC-BBBB-2222")
	other := env.dir.addDoctor("DOC-CCCC-3333")
	ctx := context.Background()

	view, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222"})
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != authz.StatusPending {
		t.Fatalf("expected PENDING, got %s", view.Status)
	}
	if env.active(t, patient, doctor) {
		t.Fatal("pending grant must not authorise")
	}

	if _, err := env.svc.Approve(ctx, other, view.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("other doctor: expected NotFound, got %v", err)
	}
	approved, err := env.svc.Approve(ctx, doctor, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != authz.StatusApproved || !env.active(t, patient, doctor) {
		t.Fatal("expected approved grant to authorise")
	}
	if _, err := env.svc.Approve(ctx, doctor, view.ID); err != nil {
		t.Errorf("approving twice should be a no-op, got %v", err)
	}

	// kind change keeps an approved grant approved
	again, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222", AccessType: "EMERGENCY"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != authz.StatusApproved {
		t.Errorf("expected approved grant to stay approved, got %s", again.Status)
	}

	if _, err := env.svc.Revoke(ctx, patient, view.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Approve(ctx, doctor, view.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("approving revoked grant: expected Conflict, got %v", err)
	}
}

func TestListGrants(t *testing.T) {
	env := newTestEnv(AutoApprove{})
	patient := env.dir.addPatient("HID-AAAA-1111")
	doctor := env.dir.addDoctor("DOC-BBBB-2222")
	ctx := context.Background()

	if _, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-BBBB-2222"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.RequestAccess(ctx, patient, RequestInput{DoctorID: "DOC-ZZZZ-0000"}); err != nil {
		t.Fatal(err)
	}

	mine, err := env.svc.ListGrants(ctx, patient)
	if err != nil || len(mine) != 2 {
		t.Fatalf("patient grants = %d, %v", len(mine), err)
	}
	theirs, err := env.svc.ListGrants(ctx, doctor)
	if err != nil || len(theirs) != 1 {
		t.Fatalf("doctor grants = %d, %v", len(theirs), err)
	}
	if theirs[0].PatientName == "" {
		t.Error("expected patient name resolved")
	}
	if _, err := env.svc.ListGrants(ctx, authz.Actor{Role: auth.RoleAdmin}); !errors.Is(err, apperr.ErrInvalidRole) {
		t.Errorf("admin: expected InvalidRole, got %v", err)
	}
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]string{"": "auto", "auto": "auto", "doctor": "doctor"} {
		p, ok := PolicyByName(name)
		if !ok || p.Name() != want {
			t.Errorf("PolicyByName(%q) = %v, %v", name, p, ok)
		}
	}
	if _, ok := PolicyByName("manual"); ok {
		t.Error("expected unknown policy to be rejected")
	}
}
