// Package auth verifies identity-provider tokens and signs the read-only
// entitlement projection handed back to the front end.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

var (
	// ErrInvalidToken covers malformed, expired and badly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSubject is returned for tokens without a user id.
	ErrMissingSubject = errors.New("auth: token has no subject")
)

// Identity is what the identity provider vouches for.
type Identity struct {
	UserID string
	Email  string
	Role   roles.Role
}

// Verifier checks HS256 access tokens issued by the identity provider
// (Supabase signs them with the project JWT secret).
type Verifier struct {
	secret    []byte
	roleClaim string
	audience  string
	leeway    time.Duration
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithRoleClaim reads the role from a top-level namespaced claim when
// app_metadata carries none.
func WithRoleClaim(claim string) VerifierOption {
	return func(v *Verifier) { v.roleClaim = claim }
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) VerifierOption {
	return func(v *Verifier) { v.audience = audience }
}

// NewVerifier builds a Verifier for secret.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates raw and extracts the caller identity. The role is taken
// from server-controlled metadata only; user-editable metadata is ignored.
func (v *Verifier) Verify(raw string) (Identity, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Identity{}, ErrMissingSubject
	}

	email, _ := claims["email"].(string)
	return Identity{
		UserID: sub,
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Role:   v.roleFrom(claims),
	}, nil
}

func (v *Verifier) roleFrom(claims jwt.MapClaims) roles.Role {
	if meta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		if raw, ok := meta["role"].(string); ok && raw != "" {
			return roles.Parse(raw)
		}
	}
	if v.roleClaim != "" {
		if raw, ok := claims[v.roleClaim].(string); ok {
			return roles.Parse(raw)
		}
	}
	return roles.Unknown
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
