package auth

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRevoke_and_IsRevoked(t *testing.T) {
	store := NewTokenRevocationStore(time.Hour)
	defer store.Close()

	store.Revoke("jti-1", time.Now().Add(time.Hour))
	if !store.IsRevoked("jti-1") {
		t.Error("expected jti-1 to be revoked")
	}
	if store.IsRevoked("jti-2") {
		t.Error("expected jti-2 not to be revoked")
	}
	store.Revoke("", time.Now().Add(time.Hour))
	if store.Count() != 1 {
		t.Errorf("expected empty jti to be ignored, count %d", store.Count())
	}
}

func TestCleanup_RemovesExpiredEntries(t *testing.T) {
	store := NewTokenRevocationStore(time.Hour)
	defer store.Close()

	now := time.Now()
	store.Revoke("expired-jti", now.Add(-time.Second))
	store.Revoke("active-jti", now.Add(time.Hour))

	store.cleanup(now)

	if store.Count() != 1 {
		t.Errorf("expected 1 entry after cleanup, got %d", store.Count())
	}
	if store.IsRevoked("expired-jti") {
		t.Error("expected expired JTI to be cleaned up")
	}
	if !store.IsRevoked("active-jti") {
		t.Error("expected active JTI to remain")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewTokenRevocationStore(time.Hour)
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jti := fmt.Sprintf("jti-%d", i)
			store.Revoke(jti, time.Now().Add(time.Hour))
			store.IsRevoked(jti)
		}(i)
	}
	wg.Wait()

	if store.Count() != 50 {
		t.Errorf("expected 50 entries, got %d", store.Count())
	}
}

func TestClose_Idempotent(t *testing.T) {
	store := NewTokenRevocationStore(time.Hour)
	store.Close()
	store.Close()
}
