// Package auth holds the default identity and room authorization collaborators.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	jwt.RegisteredClaims
}

// JWTResolver resolves HMAC-signed tokens to the user in their subject claim.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) ResolveIdentity(_ context.Context, token string) (domain.UserID, error) {
	if token == "" {
		return "", fmt.Errorf("empty token: %w", domain.ErrAuthentication)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid claims: %w", domain.ErrAuthentication)
	}
	user := domain.UserID(claims.Subject)
	if err := domain.ValidateUserID(user); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	return user, nil
}

// Issue signs a token for user, valid for ttl. Used by tests and tooling.
func (r *JWTResolver) Issue(user domain.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   string(user),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
