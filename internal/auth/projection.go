package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

const projectionIssuer = "distro-billing"

// EntitlementClaims is the signed, read-only view of a user's entitlement.
type EntitlementClaims struct {
	jwt.RegisteredClaims
	Role     roles.Role     `json:"role"`
	Category roles.Category `json:"category,omitempty"`
	Entitled bool           `json:"entitled"`
	Plan     string         `json:"plan,omitempty"`
	Status   string         `json:"status,omitempty"`
}

// Signer issues short-lived entitlement projections.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner builds a Signer. A non-positive ttl defaults to 15 minutes.
func NewSigner(key string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{key: []byte(key), ttl: ttl, now: time.Now}
}

// Sign fills in the registered claims for userID and signs c.
func (s *Signer) Sign(userID string, c EntitlementClaims) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    projectionIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign entitlement projection: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies a projection produced by Sign.
func (s *Signer) Parse(raw string) (*EntitlementClaims, error) {
	claims := &EntitlementClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(projectionIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
