package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

// ErrNotBillable is returned when writing an entitlement for a role
// category that has no paid tier.
var ErrNotBillable = errors.New("store: role category has no entitlement")

// Entitlements reads and writes the server-side Pro flag.
type Entitlements interface {
	GetEntitlement(ctx context.Context, userID string, category roles.Category) (bool, error)
	SetEntitlement(ctx context.Context, userID string, category roles.Category, entitled bool, source string) error
}

// GetEntitlement returns the stored flag. Missing rows and non-billable
// categories read as false.
func (s *Store) GetEntitlement(ctx context.Context, userID string, category roles.Category) (bool, error) {
	if roles.ParseCategory(string(category)) == roles.CategoryNone || userID == "" {
		return false, nil
	}

	query := `
SELECT entitled
FROM entitlements
WHERE user_id = $1 AND role_category = $2
	`

	var entitled bool
	err := s.db.QueryRowContext(ctx, query, userID, string(category)).Scan(&entitled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get entitlement: %w", err)
	}
	return entitled, nil
}

// SetEntitlement stores the flag. Writing the value already stored leaves
// the row untouched, including its updated_at and source.
func (s *Store) SetEntitlement(ctx context.Context, userID string, category roles.Category, entitled bool, source string) error {
	if roles.ParseCategory(string(category)) == roles.CategoryNone {
		return ErrNotBillable
	}
	if userID == "" {
		return errors.New("store: set entitlement: user id is required")
	}

	query := `
INSERT INTO entitlements (user_id, role_category, entitled, source)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, role_category) DO UPDATE SET
	entitled = EXCLUDED.entitled,
	source = EXCLUDED.source,
	updated_at = now()
WHERE entitlements.entitled IS DISTINCT FROM EXCLUDED.entitled
	`

	if _, err := s.db.ExecContext(ctx, query, userID, string(category), entitled, source); err != nil {
		return fmt.Errorf("store: set entitlement: %w", err)
	}
	return nil
}
