package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// ListDevices handles GET /api/v1/devices
// Returns the caller's device rows, most recently seen first.
func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	list, rerr := s.Engine.ListDevices(r.Context(), id.UserID, id.DeviceID)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// RevokeDevice handles POST /api/v1/devices/revoke
// A revoked device keeps its row but every subsequent request it
// authenticates fails with device_revoked.
func (s *Server) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusExpectationFailed, "invalid_request", "request body must be a JSON object")
		return
	}

	if rerr := s.Engine.RevokeDevice(r.Context(), id.UserID, req.DeviceID); rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"device_id":   req.DeviceID,
		"server_time": syncx.FormatTime(time.Now()),
	})
}
