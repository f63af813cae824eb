package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/billing"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a billing error onto its status code. Only 5xx
// errors are logged; their text never reaches the client.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status := billing.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, billing.PublicMessage(err))
}
