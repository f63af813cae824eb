package handlers

import (
	"net/http"

	"github.com/mscandco/distro-platform/backend/internal/roles"
	"github.com/mscandco/distro-platform/backend/internal/session"
)

type meResponse struct {
	session.Context
	DisplayRole  string             `json:"displayRole"`
	Capabilities []roles.Permission `json:"capabilities"`
	Billable     bool               `json:"billable"`
}

// Me returns the caller's session, the capabilities of the effective role
// and whether that role has a billing page.
func Me(w http.ResponseWriter, r *http.Request) {
	sess, err := session.Require(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	role := sess.EffectiveRole()
	writeJSON(w, http.StatusOK, meResponse{
		Context:      sess,
		DisplayRole:  roles.DisplayName(role),
		Capabilities: roles.Capabilities(role),
		Billable:     role.IsBillable(),
	})
}
