//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/healthsecure/healthsecure/internal/platform/hipaa"
	"github.com/healthsecure/healthsecure/internal/platform/middleware"
)

func TestAccessLog_RecordAndList(t *testing.T) {
	rec := hipaa.NewRecorder(globalPool)
	hid := "HID-" + uniqueBody()
	base := time.Now().UTC().Truncate(time.Second)

	for i, status := range []int{200, 403} {
		err := rec.RecordAccess(middleware.AuditEntry{
			UserID:     "acct-1",
			UserRole:   "DOCTOR",
			Resource:   "patients",
			HealthID:   hid,
			Action:     "read",
			Method:     "GET",
			Path:       "/api/v1/patients/" + hid + "/records",
			StatusCode: status,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record access: %v", err)
		}
	}

	logs, err := rec.ForPatient(context.Background(), hid, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].StatusCode != 403 || logs[1].StatusCode != 200 {
		t.Fatalf("unexpected access logs %+v", logs)
	}
}
