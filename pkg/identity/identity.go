// Package identity resolves the subject a request acts as and answers the
// permission queries modules make through the identity capability.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Anonymous is the identity of unauthenticated requests.
var Anonymous = &Identity{Subject: "anonymous"}

// Identity is the resolved subject of one request.
type Identity struct {
	Subject     string   `json:"subject"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasRole reports whether the identity carries a role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the identity carries a permission.
func (id *Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Claims is the JWT claim set the host issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// TokenManager signs and validates request tokens with a symmetric key.
type TokenManager struct {
	key    []byte
	issuer string
}

func NewTokenManager(key []byte, issuer string) *TokenManager {
	return &TokenManager{key: key, issuer: issuer}
}

// Issue creates a signed token for an identity.
func (tm *TokenManager) Issue(id *Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:       id.Roles,
		Permissions: id.Permissions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.key)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return signed, nil
}

// Resolve validates a bearer token and returns its identity. An empty token
// resolves to Anonymous rather than an error; a present-but-invalid token is
// always an error.
func (tm *TokenManager) Resolve(token string) (*Identity, error) {
	if token == "" {
		return Anonymous, nil
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.key, nil
	}, jwt.WithIssuer(tm.issuer))
	if err != nil {
		return nil, fmt.Errorf("identity: parse: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return &Identity{
		Subject:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}
