package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
)

// Push handles POST /api/v1/sync/push
// The request carries {device_id, wallet_id, items[]}; one result per
// item comes back inside the message envelope. Item failures are
// results, not HTTP errors: the response is 200 unless the whole
// batch is rejected.
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req syncengine.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("invalid push request body")
		writeError(w, http.StatusExpectationFailed, "items_invalid", "items must be a list of objects")
		return
	}

	resp, rerr := s.Engine.Push(r.Context(), id.UserID, id.DeviceID, &req)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeMessage(w, http.StatusOK, resp)
}

// Pull handles GET and POST /api/v1/sync/pull
// GET reads query parameters, POST a JSON body of the same shape.
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req syncengine.PullRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req = syncengine.PullRequest{
			DeviceID: q.Get("device_id"),
			WalletID: q.Get("wallet_id"),
			Cursor:   q.Get("cursor"),
			Since:    q.Get("since"),
			Limit:    parseLimit(q.Get("limit"), 0, registry.MaxPullLimit),
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("invalid pull request body")
		writeError(w, http.StatusExpectationFailed, "invalid_request", "request body must be a JSON object")
		return
	}

	resp, rerr := s.Engine.Pull(r.Context(), id.UserID, id.DeviceID, &req)
	if rerr != nil {
		writeEngineError(w, rerr)
		return
	}
	writeMessage(w, http.StatusOK, resp)
}
