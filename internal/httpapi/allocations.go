package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
)

// ManualAllocations handles POST /api/v1/allocations/manual
// Replaces every allocation row of a transaction with the requested
// manual overrides, in percent or amount mode.
func (s *Server) ManualAllocations(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req syncengine.ManualAllocationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusExpectationFailed, "invalid_request", "request body must be a JSON object")
		return
	}

	resp, rerr := s.Engine.SetManualAllocations(r.Context(), id.UserID, &req)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RebuildAllocations handles POST /api/v1/allocations/rebuild
// Reruns auto allocation for the wallet's live income transactions,
// optionally bounded by from_date/to_date.
func (s *Server) RebuildAllocations(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req syncengine.RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusExpectationFailed, "invalid_request", "request body must be a JSON object")
		return
	}

	resp, rerr := s.Engine.RebuildAllocations(r.Context(), id.UserID, &req)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
