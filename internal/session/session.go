// Package session carries the authenticated caller through a request.
//
// The auth middleware builds one Context per request and attaches it with
// With; everything downstream reads it back with From instead of passing
// loose user ids and role strings around.
package session

import (
	"context"
	"errors"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

// ErrNoSession is returned when a request carries no session.
var ErrNoSession = errors.New("session: not authenticated")

// GhostTarget is the account a super admin is viewing in ghost mode.
type GhostTarget struct {
	UserID string     `json:"userId"`
	Role   roles.Role `json:"role"`
}

// Context describes the caller of a request.
type Context struct {
	UserID string       `json:"userId"`
	Email  string       `json:"email"`
	Role   roles.Role   `json:"role"`
	Ghost  *GhostTarget `json:"ghost,omitempty"`
}

type contextKey struct{}

// With returns a copy of ctx carrying s.
func With(ctx context.Context, s Context) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// From returns the session attached to ctx.
func From(ctx context.Context) (Context, bool) {
	s, ok := ctx.Value(contextKey{}).(Context)
	if !ok || s.UserID == "" {
		return Context{}, false
	}
	return s, true
}

// Require is From with an error instead of a bool.
func Require(ctx context.Context) (Context, error) {
	s, ok := From(ctx)
	if !ok {
		return Context{}, ErrNoSession
	}
	return s, nil
}

// IsGhost reports whether the caller is impersonating another account.
func (s Context) IsGhost() bool {
	return s.Ghost != nil
}

// EffectiveUserID is the account whose data the request reads.
func (s Context) EffectiveUserID() string {
	if s.Ghost != nil {
		return s.Ghost.UserID
	}
	return s.UserID
}

// EffectiveRole is the role billing views are resolved for.
func (s Context) EffectiveRole() roles.Role {
	if s.Ghost != nil {
		return s.Ghost.Role
	}
	return s.Role
}

// Can consults the capability table for the real caller's role. Ghost mode
// never widens what the caller may do.
func (s Context) Can(perm roles.Permission) bool {
	return roles.Has(s.Role, perm)
}

// CanAct reports whether the caller may use perm to change their own
// account. Ghost sessions never can.
func (s Context) CanAct(perm roles.Permission) bool {
	if s.IsGhost() {
		return false
	}
	return s.Can(perm)
}
