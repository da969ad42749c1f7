package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"
)

func newAccountOp(id string, extra map[string]any) map[string]any {
	payload := map[string]any{
		"client_id":    id,
		"account_name": "Cash",
		"account_type": "cash",
		"currency":     "SAR",
	}
	for k, v := range extra {
		payload[k] = v
	}
	return pushOp("create", "account", id, payload)
}

func pullQuery(device, wallet, cursor string, limit int) string {
	q := url.Values{}
	q.Set("device_id", device)
	q.Set("wallet_id", wallet)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	return "/api/v1/sync/pull?" + q.Encode()
}

func TestPushPullRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	seedWallet(t, router, "user-1", "device-1", "wallet-01")
	mustPush(t, router, "user-1", "device-1", "wallet-01",
		newAccountOp("acc-1", map[string]any{"opening_balance": 100}))

	// The wallet row, the seeded owner membership, and the account.
	w := doRequest(t, router, "GET", pullQuery("device-1", "wallet-01", "", 100), nil, "user-1", "device-1")
	if w.Code != http.StatusOK {
		t.Fatalf("pull: status = %d, body %s", w.Code, w.Body.String())
	}
	msg := decodeBody(t, w)["message"].(map[string]any)
	items := msg["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("pull items = %d, want 3 (%v)", len(items), items)
	}
	if msg["has_more"] != false {
		t.Fatalf("has_more = %v, want false", msg["has_more"])
	}
	if cur, _ := msg["next_cursor"].(string); cur == "" {
		t.Fatal("next_cursor missing")
	}
	if st, _ := msg["server_time"].(string); st == "" {
		t.Fatal("server_time missing")
	}

	var account map[string]any
	for _, it := range items {
		m := it.(map[string]any)
		if m["entity_type"] == "account" {
			account = m
		}
	}
	if account == nil {
		t.Fatalf("no account item in %v", items)
	}
	if account["doc_version"] != float64(1) {
		t.Fatalf("account doc_version = %v, want 1", account["doc_version"])
	}
	payload := account["payload"].(map[string]any)
	if payload["current_balance"] != float64(100) {
		t.Fatalf("current_balance = %v, want 100", payload["current_balance"])
	}

	// POST pull accepts the same parameters as a JSON body.
	body := map[string]any{"device_id": "device-1", "wallet_id": "wallet-01", "limit": 100}
	w = doRequest(t, router, "POST", "/api/v1/sync/pull", body, "user-1", "device-1")
	if w.Code != http.StatusOK {
		t.Fatalf("POST pull: status = %d, body %s", w.Code, w.Body.String())
	}
	msg = decodeBody(t, w)["message"].(map[string]any)
	if got := len(msg["items"].([]any)); got != 3 {
		t.Fatalf("POST pull items = %d, want 3", got)
	}
}

func TestPushErrorShapes(t *testing.T) {
	router := newTestRouter(t)
	seedWallet(t, router, "user-1", "device-1", "wallet-01")

	t.Run("missing wallet_id", func(t *testing.T) {
		body := map[string]any{"device_id": "device-1", "items": []map[string]any{newAccountOp("acc-1", nil)}}
		w := doRequest(t, router, "POST", "/api/v1/sync/push", body, "user-1", "device-1")
		if w.Code != http.StatusExpectationFailed {
			t.Fatalf("status = %d, want 417", w.Code)
		}
		got := decodeBody(t, w)
		if got["error"] != "wallet_id_required" || got["message"] != "wallet_id is required" {
			t.Fatalf("body = %v", got)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		w := doRequest(t, router, "POST", "/api/v1/sync/push", json.RawMessage(`{"items": 42}`), "user-1", "device-1")
		if w.Code != http.StatusExpectationFailed {
			t.Fatalf("status = %d, want 417", w.Code)
		}
		if got := decodeBody(t, w); got["error"] != "items_invalid" {
			t.Fatalf("body = %v", got)
		}
	})

	t.Run("unsupported entity aborts batch", func(t *testing.T) {
		body := pushBody("device-1", "wallet-01", pushOp("create", "spaceship", "sp-1", map[string]any{"client_id": "sp-1"}))
		w := doRequest(t, router, "POST", "/api/v1/sync/push", body, "user-1", "device-1")
		if w.Code != http.StatusExpectationFailed {
			t.Fatalf("status = %d, want 417", w.Code)
		}
		got := decodeBody(t, w)
		if got["error"] != "unsupported_entity_type" {
			t.Fatalf("body = %v", got)
		}
		// The batch-abort shape carries the code alone.
		if _, ok := got["message"]; ok {
			t.Fatalf("unexpected message field in %v", got)
		}
	})

	t.Run("too many items", func(t *testing.T) {
		items := make([]map[string]any, 201)
		for i := range items {
			items[i] = newAccountOp(fmt.Sprintf("acc-%03d", i), nil)
		}
		w := doRequest(t, router, "POST", "/api/v1/sync/push", pushBody("device-1", "wallet-01", items...), "user-1", "device-1")
		if w.Code != http.StatusExpectationFailed {
			t.Fatalf("status = %d, want 417", w.Code)
		}
		msg := decodeBody(t, w)["message"].(map[string]any)
		results := msg["results"].([]any)
		if len(results) != 1 || results[0].(map[string]any)["error"] != "too_many_items" {
			t.Fatalf("results = %v", results)
		}
		if st, _ := msg["server_time"].(string); st == "" {
			t.Fatal("server_time missing from oversized-batch envelope")
		}
	})

	t.Run("item errors still return 200", func(t *testing.T) {
		body := pushBody("device-1", "wallet-01", pushOp("create", "account", "acc-bad", map[string]any{
			"client_id": "acc-bad",
		}))
		w := doRequest(t, router, "POST", "/api/v1/sync/push", body, "user-1", "device-1")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
		}
		msg := decodeBody(t, w)["message"].(map[string]any)
		res := msg["results"].([]any)[0].(map[string]any)
		if res["status"] != "error" || res["error"] != "missing_required_fields" {
			t.Fatalf("result = %v", res)
		}
	})
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	for _, tc := range []struct{ method, path string }{
		{"POST", "/api/v1/sync/push"},
		{"GET", "/api/v1/sync/pull"},
		{"GET", "/api/v1/devices"},
		{"GET", "/api/v1/wallets"},
	} {
		w := doRequest(t, router, tc.method, tc.path, nil, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: status = %d, want 401", tc.method, tc.path, w.Code)
		}
		if got := decodeBody(t, w); got["error"] != "auth_failed" {
			t.Fatalf("%s %s: body = %v", tc.method, tc.path, got)
		}
	}
}

func TestDeviceMismatch(t *testing.T) {
	router := newTestRouter(t)
	seedWallet(t, router, "user-1", "device-1", "wallet-01")

	w := doRequest(t, router, "GET", pullQuery("device-2", "wallet-01", "", 0), nil, "user-1", "device-1")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w); got["error"] != "device_mismatch" {
		t.Fatalf("body = %v", got)
	}
}

func TestPullPaging(t *testing.T) {
	router := newTestRouter(t)
	seedWallet(t, router, "user-1", "device-1", "wallet-01")
	for i := 0; i < 4; i++ {
		mustPush(t, router, "user-1", "device-1", "wallet-01",
			newAccountOp(fmt.Sprintf("acc-%d", i), nil))
	}

	// 6 rows total: wallet, membership, 4 accounts.
	w := doRequest(t, router, "GET", pullQuery("device-1", "wallet-01", "", 4), nil, "user-1", "device-1")
	msg := decodeBody(t, w)["message"].(map[string]any)
	if got := len(msg["items"].([]any)); got != 4 {
		t.Fatalf("page 1 items = %d, want 4", got)
	}
	if msg["has_more"] != true {
		t.Fatalf("page 1 has_more = %v, want true", msg["has_more"])
	}
	cursor := msg["next_cursor"].(string)

	w = doRequest(t, router, "GET", pullQuery("device-1", "wallet-01", cursor, 4), nil, "user-1", "device-1")
	msg = decodeBody(t, w)["message"].(map[string]any)
	if got := len(msg["items"].([]any)); got != 2 {
		t.Fatalf("page 2 items = %d, want 2", got)
	}
	if msg["has_more"] != false {
		t.Fatalf("page 2 has_more = %v, want false", msg["has_more"])
	}

	w = doRequest(t, router, "GET", pullQuery("device-1", "wallet-01", "not-a-cursor", 0), nil, "user-1", "device-1")
	if w.Code != http.StatusExpectationFailed {
		t.Fatalf("bad cursor: status = %d, want 417", w.Code)
	}
	if got := decodeBody(t, w); got["error"] != "invalid_cursor" {
		t.Fatalf("bad cursor body = %v", got)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "GET", "/healthz", nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decodeBody(t, w)
	if got["status"] != "ok" || got["version"] != "dev" {
		t.Fatalf("body = %v", got)
	}
	if st, _ := got["server_time"].(string); st == "" {
		t.Fatal("server_time missing")
	}
}

func TestSyncInfo(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "GET", "/api/v1/sync/info", nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decodeBody(t, w)
	if got["api_version"] != "1.0" {
		t.Fatalf("api_version = %v", got["api_version"])
	}

	entities := got["entities"].(map[string]any)
	tx := entities["transaction"].(map[string]any)
	if tx["push"] != true || tx["pull"] != true || tx["max_limit"] != float64(500) {
		t.Fatalf("transaction capability = %v", tx)
	}
	for _, pullOnly := range []string{"settings", "fx_rate", "custom_currency"} {
		c := entities[pullOnly].(map[string]any)
		if c["push"] != false || c["pull"] != true {
			t.Fatalf("%s capability = %v", pullOnly, c)
		}
	}
	if _, ok := entities["device"]; ok {
		t.Fatal("device must not be advertised")
	}
	if _, ok := entities["audit_log"]; ok {
		t.Fatal("audit_log must not be advertised")
	}

	rl := got["rate_limit"].(map[string]any)
	if rl["max_requests"] != float64(60) || rl["window_seconds"] != float64(600) || rl["burst"] != float64(60) {
		t.Fatalf("rate_limit = %v", rl)
	}
	hints := got["hints"].(map[string]any)
	if hints["recommended_batch"] != float64(200) {
		t.Fatalf("hints = %v", hints)
	}
}
