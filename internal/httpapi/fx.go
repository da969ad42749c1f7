package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
)

// SeedFxDefaults handles POST /api/v1/fx/seed-defaults
// Fills the wallet's currency pool with default exchange rates; user
// or api sourced rates are never touched.
func (s *Server) SeedFxDefaults(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req syncengine.FxSeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusExpectationFailed, "invalid_request", "request body must be a JSON object")
		return
	}

	result, rerr := s.Engine.SeedFxDefaults(r.Context(), id.UserID, &req)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
