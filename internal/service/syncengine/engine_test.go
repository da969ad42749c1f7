package syncengine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/storage/memory"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

const (
	testUser   = "user-1"
	testDevice = "device-1"
	testWallet = "wallet-01"
)

// newTestEngine returns an engine over a fresh in-memory store. Wall
// time is pinned; per-wallet stamps stay strictly increasing through
// the wallet clock.
func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := memory.New()
	clock := syncx.NewWalletClockAt(func() time.Time { return base })
	return NewAt(st, clock, "SAR", func() time.Time { return base }), st
}

var opSeq int

func nextOp() string {
	opSeq++
	return fmt.Sprintf("op-%04d", opSeq)
}

// itm builds one raw push item. A nil baseVersion leaves the field out.
func itm(operation, entityType, id string, baseVersion any, payload map[string]any) map[string]any {
	raw := map[string]any{
		"op_id":       nextOp(),
		"entity_type": entityType,
		"operation":   operation,
		"entity_id":   id,
	}
	if payload != nil {
		raw["payload"] = payload
	}
	if baseVersion != nil {
		raw["base_version"] = baseVersion
	}
	return raw
}

func pushItems(t *testing.T, e *Engine, user, device, wallet string, items ...map[string]any) []map[string]any {
	t.Helper()
	resp, rerr := e.Push(context.Background(), user, device, &PushRequest{
		DeviceID: device,
		WalletID: wallet,
		Items:    items,
	})
	if rerr != nil {
		t.Fatalf("Push: %v", rerr)
	}
	if len(resp.Results) != len(items) {
		t.Fatalf("results = %d, want %d", len(resp.Results), len(items))
	}
	return resp.Results
}

func pushOne(t *testing.T, e *Engine, user, device, wallet string, item map[string]any) map[string]any {
	t.Helper()
	return pushItems(t, e, user, device, wallet, item)[0]
}

// bootstrap creates a wallet and, through the create hook, its owner
// membership for user.
func bootstrap(t *testing.T, e *Engine, user, device, wallet string) {
	t.Helper()
	res := pushOne(t, e, user, device, wallet, itm("create", "wallet", wallet, nil, map[string]any{
		"client_id":   wallet,
		"wallet_name": "Family",
		"status":      "active",
	}))
	if res["status"] != "accepted" {
		t.Fatalf("wallet bootstrap result = %+v", res)
	}
}

// newAccount pushes a minimal valid account create.
func newAccount(t *testing.T, e *Engine, user, device, wallet, id string, extra map[string]any) map[string]any {
	t.Helper()
	payload := map[string]any{
		"client_id":    id,
		"account_name": "Cash",
		"account_type": "cash",
		"currency":     "SAR",
	}
	for k, v := range extra {
		payload[k] = v
	}
	res := pushOne(t, e, user, device, wallet, itm("create", "account", id, nil, payload))
	if res["status"] != "accepted" {
		t.Fatalf("account create result = %+v", res)
	}
	return res
}

func docVersion(t *testing.T, res map[string]any) int64 {
	t.Helper()
	n, ok := syncx.Int(res["doc_version"])
	if !ok {
		t.Fatalf("doc_version missing in %+v", res)
	}
	return n
}

func mustRow(t *testing.T, st *memory.Store, entityType, id string) *storage.Row {
	t.Helper()
	row, err := st.GetRow(context.Background(), entityType, id)
	if err != nil {
		t.Fatalf("GetRow(%s, %s): %v", entityType, id, err)
	}
	return row
}

func TestBaseCurrencyResolution(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	// No settings anywhere: configured default.
	if got := e.baseCurrencyFor(ctx, st, "wallet-x1", "user-x"); got != "SAR" {
		t.Fatalf("default base currency = %q, want SAR", got)
	}

	// A settings row scoped to another wallet resolves via the user.
	userRow := &storage.Row{
		EntityType:     registry.TypeSettings,
		EntityID:       "settings-u1",
		ClientID:       "settings-u1",
		WalletID:       "wallet-other",
		Payload:        map[string]any{"user": "user-x", "base_currency": "usd"},
		DocVersion:     1,
		ServerModified: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := st.PutRow(ctx, userRow); err != nil {
		t.Fatalf("PutRow: %v", err)
	}
	if got := e.baseCurrencyFor(ctx, st, "wallet-x1", "user-x"); got != "USD" {
		t.Fatalf("user-scoped base currency = %q, want USD", got)
	}

	// A wallet-scoped row wins over the user-scoped one.
	walletRow := &storage.Row{
		EntityType:     registry.TypeSettings,
		EntityID:       "settings-w1",
		ClientID:       "settings-w1",
		WalletID:       "wallet-x1",
		Payload:        map[string]any{"user": "user-x", "base_currency": "yer"},
		DocVersion:     1,
		ServerModified: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC),
	}
	if err := st.PutRow(ctx, walletRow); err != nil {
		t.Fatalf("PutRow: %v", err)
	}
	if got := e.baseCurrencyFor(ctx, st, "wallet-x1", "user-x"); got != "YER" {
		t.Fatalf("wallet-scoped base currency = %q, want YER", got)
	}
}
