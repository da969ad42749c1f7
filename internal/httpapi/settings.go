package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
)

// PutSettings handles PUT /api/v1/settings
// Upserts the wallet settings row server-side; the change flows to
// other devices through the regular pull stream.
func (s *Server) PutSettings(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req syncengine.SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusExpectationFailed, "invalid_request", "request body must be a JSON object")
		return
	}

	resp, rerr := s.Engine.PutSettings(r.Context(), id.UserID, &req)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
