package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/masroof-app/masroof-api/internal/auth"
	"github.com/masroof-app/masroof-api/internal/service/syncengine"
	"github.com/masroof-app/masroof-api/internal/storage/memory"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// newTestRouter builds a router over the in-memory store with debug
// auth enabled, so tests impersonate via X-Debug-Sub / X-Debug-Device.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	srv := &Server{Engine: syncengine.New(memory.New(), syncx.NewWalletClock(), "SAR")}
	return srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
}

// doRequest sends a JSON request as the given user and device. Pass
// json.RawMessage to send a body verbatim.
func doRequest(t *testing.T, router http.Handler, method, path string, body any, user, device string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Debug-Sub", user)
	}
	if device != "" {
		req.Header.Set("X-Debug-Device", device)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeBody unmarshals the recorded response into a generic map.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// pushBody builds a push request body around the given items.
func pushBody(device, wallet string, items ...map[string]any) map[string]any {
	return map[string]any{"device_id": device, "wallet_id": wallet, "items": items}
}

// pushOp builds one push item with a fresh op id.
func pushOp(op, entityType, entityID string, payload map[string]any) map[string]any {
	return map[string]any{
		"op_id":       uuid.New().String(),
		"operation":   op,
		"entity_type": entityType,
		"entity_id":   entityID,
		"payload":     payload,
	}
}

// mustPush pushes items and fails the test unless every result lands
// with the accepted status.
func mustPush(t *testing.T, router http.Handler, user, device, wallet string, items ...map[string]any) {
	t.Helper()

	w := doRequest(t, router, "POST", "/api/v1/sync/push", pushBody(device, wallet, items...), user, device)
	if w.Code != http.StatusOK {
		t.Fatalf("push: status = %d, body %s", w.Code, w.Body.String())
	}
	msg := decodeBody(t, w)["message"].(map[string]any)
	for i, res := range msg["results"].([]any) {
		if status := res.(map[string]any)["status"]; status != "accepted" {
			t.Fatalf("push result %d: status = %v, want accepted (%v)", i, status, res)
		}
	}
}

// seedWallet bootstraps a wallet owned by user.
func seedWallet(t *testing.T, router http.Handler, user, device, wallet string) {
	t.Helper()
	mustPush(t, router, user, device, wallet,
		pushOp("create", "wallet", wallet, map[string]any{
			"client_id":   wallet,
			"wallet_name": "Family",
			"status":      "active",
		}))
}
