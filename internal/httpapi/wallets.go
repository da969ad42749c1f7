package httpapi

import (
	"net/http"

	"github.com/masroof-app/masroof-api/internal/auth"
)

// ListWallets handles GET /api/v1/wallets
// Returns every wallet the caller holds an active membership in,
// together with the caller's role.
func (s *Server) ListWallets(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	list, rerr := s.Engine.ListWallets(r.Context(), id.UserID)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
