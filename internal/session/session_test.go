package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

func TestRoundTrip(t *testing.T) {
	ctx := With(context.Background(), Context{UserID: "u1", Email: "a@example.com", Role: roles.Artist})

	s, ok := From(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", s.EffectiveUserID())
	assert.Equal(t, roles.Artist, s.EffectiveRole())
	assert.True(t, s.CanAct(roles.SubscriptionManageOwn))
}

func TestMissingSession(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)

	_, err := Require(With(context.Background(), Context{}))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestGhostSession(t *testing.T) {
	s := Context{
		UserID: "admin",
		Role:   roles.SuperAdmin,
		Ghost:  &GhostTarget{UserID: "artist-1", Role: roles.Artist},
	}

	assert.True(t, s.IsGhost())
	assert.Equal(t, "artist-1", s.EffectiveUserID())
	assert.Equal(t, roles.Artist, s.EffectiveRole())
	assert.True(t, s.Can(roles.SubscriptionViewAny))
	assert.False(t, s.CanAct(roles.SubscriptionManageOwn))
}
