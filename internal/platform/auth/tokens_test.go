package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) (*TokenIssuer, *TokenRevocationStore) {
	t.Helper()
	store := NewTokenRevocationStore(time.Hour)
	t.Cleanup(store.Close)
	return NewTokenIssuer(testSigningKey, "healthsecure", 15*time.Minute, 24*time.Hour, store), store
}

func TestTokenIssuer_IssueParses(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	pair, err := issuer.Issue("acct-1", RolePatient)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		t.Fatal("expected both tokens")
	}
	if pair.ExpiresAt.Before(time.Now()) {
		t.Error("expected access expiry in the future")
	}

	claims, err := parseToken(pair.Access, testSigningKey, "healthsecure")
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "acct-1" || claims.Role != RolePatient || claims.TokenType != TokenTypeAccess {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestTokenIssuer_RefreshRotates(t *testing.T) {
	issuer, store := newTestIssuer(t)
	pair, _ := issuer.Issue("acct-1", RoleDoctor)

	next, err := issuer.Refresh(pair.Refresh)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if next.Refresh == pair.Refresh {
		t.Error("expected a new refresh token")
	}
	if store.Count() != 1 {
		t.Errorf("expected old refresh token to be revoked, count %d", store.Count())
	}
	if _, err := issuer.Refresh(pair.Refresh); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("expected reuse to fail, got %v", err)
	}
}

func TestTokenIssuer_RefreshRejectsAccessToken(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	pair, _ := issuer.Issue("acct-1", RoleDoctor)
	if _, err := issuer.Refresh(pair.Access); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestTokenIssuer_Logout(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	pair, _ := issuer.Issue("acct-1", RolePatient)
	issuer.Logout(pair.Refresh)
	if _, err := issuer.Refresh(pair.Refresh); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("expected refresh after logout to fail, got %v", err)
	}
	issuer.Logout("garbage")
}

func TestPassword_HashAndCheck(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	if hash == "correct horse" {
		t.Fatal("expected hash to differ from password")
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("expected ErrPasswordMismatch, got %v", err)
	}
}
