package hipaa

import (
	"testing"
	"time"

	"github.com/healthsecure/healthsecure/internal/platform/middleware"
)

func TestFromEntry(t *testing.T) {
	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	l := FromEntry(middleware.AuditEntry{
		UserID:     "acct-1",
		UserRole:   "DOCTOR",
		Resource:   "patients",
		HealthID:   "HID-AAAA-1111",
		Action:     "read",
		Method:     "GET",
		Path:       "/api/v1/patients/HID-AAAA-1111/records",
		StatusCode: 403,
		RequestID:  "req-1",
		Timestamp:  at,
	})
	if l.AccountID != "acct-1" || l.Role != "DOCTOR" || l.HealthID != "HID-AAAA-1111" {
		t.Errorf("unexpected identity fields %+v", l)
	}
	if l.StatusCode != 403 || l.RequestID != "req-1" || !l.AccessedAt.Equal(at) {
		t.Errorf("unexpected request fields %+v", l)
	}
}

func TestFromEntry_DefaultsTimestamp(t *testing.T) {
	before := time.Now().UTC()
	l := FromEntry(middleware.AuditEntry{Method: "POST", Path: "/api/v1/records"})
	if l.AccessedAt.Before(before) {
		t.Errorf("expected timestamp to default to now, got %v", l.AccessedAt)
	}
}
