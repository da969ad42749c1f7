//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// This script drives a full client sync cycle against a running server:
// 1. GET /api/v1/sync/info to discover entity capabilities
// 2. Push a bootstrap batch (wallet + account + transaction) from device A
// 3. Replay the same batch and verify every result is already_applied
// 4. Pull from cursor "0" and verify the pushed records come back
// 5. Pull again from the returned cursor and verify the feed is drained
//
// Auth: set JWT_SECRET to mint a real HS256 token, or run the server
// with AUTH_DEV_MODE=1 and the script falls back to X-Debug-Sub headers.

var (
	backendURL = getEnv("BACKEND_URL", "http://localhost:8081")
	jwtSecret  = os.Getenv("JWT_SECRET")
	userID     = getEnv("DEBUG_SUB", "manual-user")
	deviceID   = getEnv("DEBUG_DEVICE", "manual-device-a")
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	fmt.Println("=== Sync Round-Trip Flow ===")
	fmt.Printf("Backend: %s\n", backendURL)
	fmt.Printf("User: %s  Device: %s\n\n", userID, deviceID)

	walletID := fmt.Sprintf("wal-%d", time.Now().UnixNano())

	// Step 1: discover capabilities
	fmt.Println("Step 1: GET /api/v1/sync/info")
	info := getJSON("/api/v1/sync/info", nil)
	entities, _ := info["entities"].(map[string]any)
	fmt.Printf("  api_version=%v entities=%d\n\n", info["api_version"], len(entities))

	// Step 2: bootstrap push
	fmt.Println("Step 2: push bootstrap batch (wallet + account + transaction)")
	items := []map[string]any{
		pushOp("create", "wallet", walletID, map[string]any{
			"client_id":   walletID,
			"wallet_name": "Manual Test",
			"status":      "active",
		}),
		pushOp("create", "account", walletID+"-acc", map[string]any{
			"client_id":    walletID + "-acc",
			"account_name": "Cash",
			"account_type": "cash",
			"currency":     "SAR",
		}),
		pushOp("create", "transaction", walletID+"-tx", map[string]any{
			"client_id":        walletID + "-tx",
			"transaction_type": "expense",
			"date_time":        "2024-05-01T10:00:00Z",
			"amount":           42.50,
			"currency":         "SAR",
			"account":          walletID + "-acc",
		}),
	}
	first := postJSON("/api/v1/sync/push", map[string]any{
		"device_id": deviceID,
		"wallet_id": walletID,
		"items":     items,
	})
	printResults(first)

	// Step 3: idempotent replay of the exact same batch
	fmt.Println("\nStep 3: replay the same batch (same op_ids)")
	replay := postJSON("/api/v1/sync/push", map[string]any{
		"device_id": deviceID,
		"wallet_id": walletID,
		"items":     items,
	})
	for _, r := range resultList(replay) {
		if r["already_applied"] != true {
			fail("expected already_applied=true, got %v", r)
		}
	}
	fmt.Println("  all results already_applied=true")

	// Step 4: pull everything from the zero cursor
	fmt.Println("\nStep 4: pull from cursor 0")
	q := url.Values{}
	q.Set("device_id", deviceID)
	q.Set("wallet_id", walletID)
	q.Set("cursor", "0")
	pull := getJSON("/api/v1/sync/pull?"+q.Encode(), nil)
	msg, _ := pull["message"].(map[string]any)
	pulled, _ := msg["items"].([]any)
	fmt.Printf("  items=%d has_more=%v next_cursor=%v\n", len(pulled), msg["has_more"], msg["next_cursor"])
	if len(pulled) < len(items) {
		fail("expected at least %d pulled items, got %d", len(items), len(pulled))
	}

	// Step 5: the feed is drained after the cursor advances
	fmt.Println("\nStep 5: pull from the returned cursor")
	q.Set("cursor", fmt.Sprintf("%v", msg["next_cursor"]))
	drained := getJSON("/api/v1/sync/pull?"+q.Encode(), nil)
	dmsg, _ := drained["message"].(map[string]any)
	ditems, _ := dmsg["items"].([]any)
	if len(ditems) != 0 {
		fail("expected drained feed, got %d items", len(ditems))
	}
	fmt.Println("  feed drained")

	fmt.Println("\n=== PASS ===")
}

func pushOp(op, entityType, entityID string, payload map[string]any) map[string]any {
	return map[string]any{
		"op_id":       uuid.NewString(),
		"operation":   op,
		"entity_type": entityType,
		"entity_id":   entityID,
		"payload":     payload,
	}
}

func resultList(body map[string]any) []map[string]any {
	msg, _ := body["message"].(map[string]any)
	raw, _ := msg["results"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func printResults(body map[string]any) {
	for _, r := range resultList(body) {
		fmt.Printf("  %s %s -> %v\n", r["entity_type"], r["entity_id"], r["status"])
		if r["status"] != "accepted" {
			fail("expected accepted, got %v", r)
		}
	}
}

func authorize(req *http.Request) {
	if jwtSecret == "" {
		req.Header.Set("X-Debug-Sub", userID)
		req.Header.Set("X-Debug-Device", deviceID)
		return
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"did": deviceID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(jwtSecret))
	if err != nil {
		fail("sign token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
}

func getJSON(path string, _ map[string]any) map[string]any {
	req, _ := http.NewRequest(http.MethodGet, backendURL+path, nil)
	authorize(req)
	return do(req)
}

func postJSON(path string, body map[string]any) map[string]any {
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, backendURL+path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	authorize(req)
	return do(req)
}

func do(req *http.Request) map[string]any {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fail("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fail("%s %s: status %d body %s", req.Method, req.URL.Path, resp.StatusCode, raw)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		fail("decode %s: %v", req.URL.Path, err)
	}
	return out
}

func fail(format string, args ...any) {
	fmt.Printf("FAIL: "+format+"\n", args...)
	os.Exit(1)
}
