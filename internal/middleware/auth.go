package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/auth"
	"github.com/mscandco/distro-platform/backend/internal/roles"
	"github.com/mscandco/distro-platform/backend/internal/session"
)

// Ghost mode headers. Only honoured for callers holding user:impersonate.
const (
	HeaderGhostUserID   = "X-Ghost-User-Id"
	HeaderGhostUserRole = "X-Ghost-User-Role"
)

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (auth.Identity, error)
}

// Authenticator turns bearer tokens into a session.Context.
type Authenticator struct {
	verifier TokenVerifier
	logger   *zap.Logger
}

// NewAuthenticator builds an Authenticator.
func NewAuthenticator(v TokenVerifier, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{verifier: v, logger: logger.Named("auth")}
}

// Authenticate rejects requests without a valid bearer token and attaches
// the caller's session to the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		id, err := a.verifier.Verify(raw)
		if err != nil {
			a.logger.Debug("token rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		sess := session.Context{UserID: id.UserID, Email: id.Email, Role: id.Role}

		if ghostID := strings.TrimSpace(r.Header.Get(HeaderGhostUserID)); ghostID != "" {
			ghost, status, msg := ghostTarget(sess, ghostID, r.Header.Get(HeaderGhostUserRole))
			if ghost == nil {
				a.logger.Warn("ghost request refused",
					zap.String("user_id", sess.UserID),
					zap.String("target", ghostID),
					zap.String("reason", msg))
				writeError(w, status, msg)
				return
			}
			sess.Ghost = ghost
			a.logger.Info("ghost session",
				zap.String("user_id", sess.UserID),
				zap.String("target", ghost.UserID),
				zap.String("target_role", ghost.Role.String()))
		}

		next.ServeHTTP(w, r.WithContext(session.With(r.Context(), sess)))
	})
}

func ghostTarget(sess session.Context, targetID, rawRole string) (*session.GhostTarget, int, string) {
	if !sess.Can(roles.UserImpersonate) {
		return nil, http.StatusForbidden, "ghost mode not permitted"
	}
	if targetID == sess.UserID {
		return nil, http.StatusBadRequest, "cannot ghost yourself"
	}
	role := roles.Parse(rawRole)
	if !role.Valid() {
		return nil, http.StatusBadRequest, "invalid ghost role"
	}
	if !roles.Outranks(sess.Role, role) {
		return nil, http.StatusForbidden, "cannot ghost an equal or higher role"
	}
	return &session.GhostTarget{UserID: targetID, Role: role}, 0, ""
}

// RequireCapability rejects callers whose role lacks perm. A ghost session
// is checked against the target's role as well; billing refuses ghost
// mutations itself. It must run after Authenticate.
func RequireCapability(perm roles.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := session.Require(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !sess.Can(perm) && !(sess.IsGhost() && roles.Has(sess.EffectiveRole(), perm)) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
