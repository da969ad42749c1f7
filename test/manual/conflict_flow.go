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

// This script demonstrates two-device conflict handling and revocation:
// 1. Device A bootstraps a wallet with one account
// 2. Device B pulls once, which registers it against the wallet
// 3. Device B pushes an update with a stale base_version and receives a
//    conflict result carrying the authoritative server_record
// 4. Device B rebases onto server_doc_version and the retry is accepted
// 5. Device A lists devices, revokes device B, and B's next pull is
//    rejected with device_revoked
//
// Auth: set JWT_SECRET to mint real HS256 tokens, or run the server
// with AUTH_DEV_MODE=1 and the script falls back to X-Debug-Sub headers.

var (
	backendURL = getEnv("BACKEND_URL", "http://localhost:8081")
	jwtSecret  = os.Getenv("JWT_SECRET")
	userID     = getEnv("DEBUG_SUB", "manual-user")
	deviceA    = "manual-device-a"
	deviceB    = "manual-device-b"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	fmt.Println("=== Conflict and Revoke Flow ===")
	fmt.Printf("Backend: %s  User: %s\n\n", backendURL, userID)

	walletID := fmt.Sprintf("wal-%d", time.Now().UnixNano())
	accountID := walletID + "-acc"

	// Step 1: device A bootstraps the wallet
	fmt.Println("Step 1: device A pushes wallet + account")
	status, body := push(deviceA, walletID, []map[string]any{
		pushOp("create", "wallet", walletID, map[string]any{
			"client_id":   walletID,
			"wallet_name": "Conflict Test",
			"status":      "active",
		}),
		pushOp("create", "account", accountID, map[string]any{
			"client_id":    accountID,
			"account_name": "Cash",
			"account_type": "cash",
			"currency":     "SAR",
		}),
	})
	expectStatus(status, http.StatusOK)
	for _, r := range resultList(body) {
		if r["status"] != "accepted" {
			fail("bootstrap not accepted: %v", r)
		}
	}

	// Step 2: device B pulls once to register against the wallet
	fmt.Println("Step 2: device B pulls (registers the device)")
	status, _ = pull(deviceB, walletID, "0")
	expectStatus(status, http.StatusOK)

	// Step 3: device B updates the account with a stale base_version
	fmt.Println("Step 3: device B pushes a stale update (base_version=0)")
	status, body = push(deviceB, walletID, []map[string]any{
		updateOp("account", accountID, 0, map[string]any{"account_name": "Petty Cash"}),
	})
	expectStatus(status, http.StatusOK)
	results := resultList(body)
	if len(results) != 1 || results[0]["status"] != "conflict" {
		fail("expected conflict, got %v", results)
	}
	serverVersion, ok := results[0]["server_doc_version"].(float64)
	if !ok {
		fail("conflict missing server_doc_version: %v", results[0])
	}
	fmt.Printf("  conflict: server_doc_version=%v\n", serverVersion)

	// Step 4: rebase onto the server version and retry
	fmt.Println("Step 4: device B rebases and retries")
	status, body = push(deviceB, walletID, []map[string]any{
		updateOp("account", accountID, int64(serverVersion), map[string]any{"account_name": "Petty Cash"}),
	})
	expectStatus(status, http.StatusOK)
	results = resultList(body)
	if len(results) != 1 || results[0]["status"] != "accepted" {
		fail("expected accepted after rebase, got %v", results)
	}
	fmt.Printf("  accepted: doc_version=%v\n", results[0]["doc_version"])

	// Step 5: device A lists devices and revokes device B
	fmt.Println("Step 5: device A revokes device B")
	status, body = request(deviceA, http.MethodGet, "/api/v1/devices", nil)
	expectStatus(status, http.StatusOK)
	devices, _ := body["devices"].([]any)
	fmt.Printf("  devices registered: %d\n", len(devices))
	if len(devices) < 2 {
		fail("expected both devices registered, got %v", body)
	}

	status, _ = request(deviceA, http.MethodPost, "/api/v1/devices/revoke", map[string]any{
		"device_id": deviceB,
	})
	expectStatus(status, http.StatusOK)

	status, body = pull(deviceB, walletID, "0")
	if status != http.StatusUnauthorized || body["error"] != "device_revoked" {
		fail("expected 401 device_revoked, got %d %v", status, body)
	}
	fmt.Println("  device B pull rejected with device_revoked")

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

func updateOp(entityType, entityID string, baseVersion int64, payload map[string]any) map[string]any {
	item := pushOp("update", entityType, entityID, payload)
	item["base_version"] = baseVersion
	return item
}

func push(device, walletID string, items []map[string]any) (int, map[string]any) {
	return request(device, http.MethodPost, "/api/v1/sync/push", map[string]any{
		"device_id": device,
		"wallet_id": walletID,
		"items":     items,
	})
}

func pull(device, walletID, cursor string) (int, map[string]any) {
	q := url.Values{}
	q.Set("device_id", device)
	q.Set("wallet_id", walletID)
	q.Set("cursor", cursor)
	return request(device, http.MethodGet, "/api/v1/sync/pull?"+q.Encode(), nil)
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

func authorize(req *http.Request, device string) {
	if jwtSecret == "" {
		req.Header.Set("X-Debug-Sub", userID)
		req.Header.Set("X-Debug-Device", device)
		return
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"did": device,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(jwtSecret))
	if err != nil {
		fail("sign token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
}

func request(device, method, path string, body map[string]any) (int, map[string]any) {
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, backendURL+path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authorize(req, device)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fail("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func expectStatus(got, want int) {
	if got != want {
		fail("expected status %d, got %d", want, got)
	}
}

func fail(format string, args ...any) {
	fmt.Printf("FAIL: "+format+"\n", args...)
	os.Exit(1)
}
