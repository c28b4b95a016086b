package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

const providerToken = "token"

type DeviceClaims struct {
	DeviceName string `json:"device_name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 device token for uid.
func IssueToken(secret, uid, deviceName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &DeviceClaims{
		DeviceName: deviceName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// TokenProvider resolves the identity carried by a signed device token.
// With no token configured it falls back to Anonymous when set.
type TokenProvider struct {
	token     string
	secret    []byte
	Anonymous *AnonymousProvider
}

func NewTokenProvider(token, secret string, fallback *AnonymousProvider) *TokenProvider {
	return &TokenProvider{token: token, secret: []byte(secret), Anonymous: fallback}
}

// ParseToken verifies an HS256 device token and returns its claims.
// Every failure wraps domain.ErrPermissionDenied.
func ParseToken(secret, raw string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: device token expired", domain.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("%w: invalid device token: %v", domain.ErrPermissionDenied, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: device token has no subject", domain.ErrPermissionDenied)
	}
	return claims, nil
}

func (p *TokenProvider) ResolveIdentity(ctx context.Context) (domain.Identity, error) {
	if p.token == "" {
		if p.Anonymous != nil {
			return p.Anonymous.ResolveIdentity(ctx)
		}
		return domain.Identity{}, fmt.Errorf("%w: no device token configured", domain.ErrPermissionDenied)
	}

	claims, err := ParseToken(string(p.secret), p.token)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{UID: claims.Subject, Provider: providerToken}, nil
}
