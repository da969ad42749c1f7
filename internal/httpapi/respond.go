package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/service/syncengine"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// envelope is the sync wire wrapper: push and pull bodies travel
// under a single message key.
type envelope struct {
	Message any `json:"message"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeMessage wraps v in the message envelope.
func writeMessage(w http.ResponseWriter, code int, v any) {
	writeJSON(w, code, envelope{Message: v})
}

// writeError writes the flat {error, message} body. An empty message
// is omitted entirely, which is the batch-abort shape.
func writeError(w http.ResponseWriter, code int, errCode, message string) {
	body := map[string]any{"error": errCode}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, code, body)
}

// writeEngineError maps a request-level engine failure onto the wire.
// Errors carrying a results list (the oversized-batch shape) reply
// inside the message envelope like a regular push response.
func writeEngineError(w http.ResponseWriter, rerr *syncengine.RequestError) {
	if rerr.Results != nil {
		writeMessage(w, rerr.HTTPStatus, map[string]any{
			"results":     rerr.Results,
			"server_time": syncx.FormatTime(time.Now()),
		})
		return
	}
	writeError(w, rerr.HTTPStatus, rerr.Code, rerr.Message)
}
