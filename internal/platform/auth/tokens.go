package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidRefreshToken = errors.New("invalid refresh token")

// TokenPair is returned by login and refresh.
type TokenPair struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenIssuer signs HS256 access and refresh tokens.
type TokenIssuer struct {
	key         []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	revocations *TokenRevocationStore
	now         func() time.Time
}

func NewTokenIssuer(key []byte, issuer string, accessTTL, refreshTTL time.Duration, revocations *TokenRevocationStore) *TokenIssuer {
	return &TokenIssuer{
		key:         key,
		issuer:      issuer,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		revocations: revocations,
		now:         time.Now,
	}
}

func (t *TokenIssuer) sign(subject, role, typ string, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:      role,
		TokenType: typ,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// Issue returns a fresh access/refresh pair for an account.
func (t *TokenIssuer) Issue(accountID, role string) (*TokenPair, error) {
	access, exp, err := t.sign(accountID, role, TokenTypeAccess, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, _, err := t.sign(accountID, role, TokenTypeRefresh, t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh, ExpiresAt: exp}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented refresh
// token is revoked, so each one is single-use.
func (t *TokenIssuer) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := t.parseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	t.revoke(claims)
	return t.Issue(claims.Subject, claims.Role)
}

// Logout revokes a refresh token. Unknown or already revoked tokens are
// ignored.
func (t *TokenIssuer) Logout(refreshToken string) {
	if claims, err := t.parseRefresh(refreshToken); err == nil {
		t.revoke(claims)
	}
}

// RevokeAccess revokes an access token by id until exp.
func (t *TokenIssuer) RevokeAccess(jti string, exp time.Time) {
	if t.revocations != nil {
		t.revocations.Revoke(jti, exp)
	}
}

func (t *TokenIssuer) parseRefresh(token string) (*Claims, error) {
	claims, err := parseToken(token, t.key, t.issuer)
	if err != nil || claims.TokenType != TokenTypeRefresh {
		return nil, ErrInvalidRefreshToken
	}
	if t.revocations != nil && t.revocations.IsRevoked(claims.ID) {
		return nil, ErrInvalidRefreshToken
	}
	return claims, nil
}

func (t *TokenIssuer) revoke(claims *Claims) {
	if t.revocations == nil {
		return
	}
	exp := t.now().Add(t.refreshTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	t.revocations.Revoke(claims.ID, exp)
}
