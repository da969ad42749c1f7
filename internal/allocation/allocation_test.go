package allocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/storage/memory"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

const wallet = "wallet-1"

func testEngine() (*memory.Store, *Engine) {
	return memory.New(), New(syncx.NewWalletClock())
}

func seed(t *testing.T, s *memory.Store, e *Engine, entityType, id string, payload map[string]any) *storage.Row {
	t.Helper()
	row := &storage.Row{
		EntityType:     entityType,
		EntityID:       id,
		ClientID:       id,
		WalletID:       wallet,
		Payload:        payload,
		DocVersion:     1,
		ServerModified: e.Clock.Next(wallet),
	}
	if err := s.PutRow(context.Background(), row); err != nil {
		t.Fatalf("seed %s/%s: %v", entityType, id, err)
	}
	return row
}

func seedRule(t *testing.T, s *memory.Store, e *Engine, id, scopeType, scopeRef string, isDefault bool, lines map[string]int) {
	t.Helper()
	payload := map[string]any{"rule_name": id, "scope_type": scopeType, "active": 1}
	if scopeRef != "" {
		payload["scope_ref"] = scopeRef
	}
	if isDefault {
		payload["is_default"] = 1
	}
	seed(t, s, e, registry.TypeAllocationRule, id, payload)
	i := 0
	for bucket, percent := range lines {
		seed(t, s, e, registry.TypeAllocationRuleLine, id+"-line-"+bucket, map[string]any{
			"rule": id, "bucket": bucket, "percent": percent, "sort_order": i,
		})
		i++
	}
}

func allocations(t *testing.T, s *memory.Store, txID string) map[string]*storage.Row {
	t.Helper()
	rows, err := s.ListByType(context.Background(), wallet, registry.TypeTransactionAllocation)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]*storage.Row)
	for _, r := range rows {
		if syncx.GetString(r.Payload, "transaction") == txID {
			out[r.EntityID] = r
		}
	}
	return out
}

func amountOf(t *testing.T, r *storage.Row) float64 {
	t.Helper()
	f, _ := syncx.Float(r.Payload["amount"])
	return f
}

func TestApplyAutoGeneratesFromGlobalRule(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seedRule(t, s, e, "rule-1", "global", "", true, map[string]int{"bkt-a": 60, "bkt-b": 40})
	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0, "currency": "SAR",
	})

	if err := e.ApplyAuto(ctx, s, tx); err != nil {
		t.Fatalf("ApplyAuto: %v", err)
	}

	rows := allocations(t, s, "tx-1")
	if len(rows) != 2 {
		t.Fatalf("got %d allocation rows, want 2", len(rows))
	}
	a := rows["tx-1:bkt-a"]
	if a == nil {
		t.Fatal("missing auto row tx-1:bkt-a")
	}
	if got := amountOf(t, a); got != 60 {
		t.Fatalf("bkt-a amount = %v, want 60", got)
	}
	if got := syncx.GetString(a.Payload, "rule_used"); got != "rule-1" {
		t.Fatalf("rule_used = %q, want rule-1", got)
	}
	if syncx.Truthy(a.Payload["is_manual_override"]) {
		t.Fatal("auto row flagged as manual")
	}
	if got := amountOf(t, rows["tx-1:bkt-b"]); got != 40 {
		t.Fatalf("bkt-b amount = %v, want 40", got)
	}
}

func TestApplyAutoRemainderToLargestLine(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seedRule(t, s, e, "rule-1", "global", "", true, map[string]int{"bkt-a": 33, "bkt-b": 33, "bkt-c": 33})
	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0, "currency": "SAR",
	})

	if err := e.ApplyAuto(ctx, s, tx); err != nil {
		t.Fatalf("ApplyAuto: %v", err)
	}

	rows := allocations(t, s, "tx-1")
	total := 0.0
	bumped := 0
	for _, r := range rows {
		amt := amountOf(t, r)
		total += amt
		if amt == 34 {
			bumped++
		}
	}
	if total != 100 {
		t.Fatalf("allocations sum to %v, want the full 100", total)
	}
	if bumped != 1 {
		t.Fatalf("%d lines absorbed the remainder, want exactly 1", bumped)
	}
}

func TestResolveRulePriority(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seedRule(t, s, e, "rule-global", "global", "", true, map[string]int{"bkt-g": 100})
	seedRule(t, s, e, "rule-cat", "by_income_category", "cat-salary", false, map[string]int{"bkt-c": 100})
	seedRule(t, s, e, "rule-acct", "by_account", "acc-main", false, map[string]int{"bkt-a": 100})

	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 50.0, "currency": "SAR",
		"account": "acc-main", "category": "cat-salary",
	})

	rule, err := e.resolveRule(ctx, s, wallet, tx.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if rule == nil || rule.EntityID != "rule-acct" {
		t.Fatalf("resolved %v, want rule-acct", rule)
	}

	// Without an account match the category rule wins.
	tx.Payload["account"] = "acc-other"
	rule, err = e.resolveRule(ctx, s, wallet, tx.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if rule == nil || rule.EntityID != "rule-cat" {
		t.Fatalf("resolved %v, want rule-cat", rule)
	}

	// And with neither, the global default.
	tx.Payload["category"] = "cat-other"
	rule, err = e.resolveRule(ctx, s, wallet, tx.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if rule == nil || rule.EntityID != "rule-global" {
		t.Fatalf("resolved %v, want rule-global", rule)
	}
}

func TestApplyAutoSkipsWhenManualExists(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seedRule(t, s, e, "rule-1", "global", "", true, map[string]int{"bkt-a": 100})
	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0, "currency": "SAR",
	})
	seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-x:manual", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-x", "is_manual_override": 1, "amount": 100.0,
	})

	if err := e.ApplyAuto(ctx, s, tx); err != nil {
		t.Fatalf("ApplyAuto: %v", err)
	}

	rows := allocations(t, s, "tx-1")
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want the manual row only", len(rows))
	}
	if rows["tx-1:bkt-x:manual"] == nil {
		t.Fatal("manual row was replaced")
	}
}

func TestApplyAutoNonIncomeShedsAutoRows(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "expense", "amount": 100.0, "currency": "SAR",
	})
	seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-a", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-a", "is_manual_override": 0, "amount": 60.0,
	})
	seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-x:manual", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-x", "is_manual_override": 1, "amount": 40.0,
	})

	if err := e.ApplyAuto(ctx, s, tx); err != nil {
		t.Fatalf("ApplyAuto: %v", err)
	}

	rows := allocations(t, s, "tx-1")
	if len(rows) != 1 || rows["tx-1:bkt-x:manual"] == nil {
		t.Fatalf("want only the manual row to survive, got %d rows", len(rows))
	}
}

func TestApplyAutoDeletedTransactionShedsAll(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0,
	})
	seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-a", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-a", "is_manual_override": 0,
	})
	seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-x:manual", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-x", "is_manual_override": 1,
	})

	tx.IsDeleted = true
	if err := s.PutRow(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyAuto(ctx, s, tx); err != nil {
		t.Fatalf("ApplyAuto: %v", err)
	}
	if rows := allocations(t, s, "tx-1"); len(rows) != 0 {
		t.Fatalf("got %d rows after delete, want 0", len(rows))
	}
}

func TestApplyAutoKeepsVersionContinuity(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seedRule(t, s, e, "rule-1", "global", "", true, map[string]int{"bkt-a": 100})
	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0, "currency": "SAR",
	})

	if err := e.ApplyAuto(ctx, s, tx); err != nil {
		t.Fatal(err)
	}
	first := allocations(t, s, "tx-1")["tx-1:bkt-a"]
	if first == nil || first.DocVersion != 1 {
		t.Fatalf("first generation version = %+v, want 1", first)
	}

	if err := e.ApplyAuto(ctx, s, tx); err != nil {
		t.Fatal(err)
	}
	second := allocations(t, s, "tx-1")["tx-1:bkt-a"]
	if second.DocVersion != 2 {
		t.Fatalf("regeneration reset version to %d, want 2", second.DocVersion)
	}
	if !second.ServerModified.After(first.ServerModified) {
		t.Fatal("regeneration must advance server_modified")
	}
}

func TestSetManualPercentMode(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 200.0, "currency": "SAR",
	})
	seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-old", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-old", "is_manual_override": 0,
	})

	lines, err := e.SetManual(ctx, s, tx, "percent", []ManualLine{
		{Bucket: "bkt-a", Value: 30},
		{Bucket: "bkt-b", Value: 20},
	})
	if err != nil {
		t.Fatalf("SetManual: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	// 30% + 20% of 200 covers 100; the remainder tops up the larger line.
	if lines[0].Amount != 160 || lines[1].Amount != 40 {
		t.Fatalf("amounts = %v/%v, want 160/40", lines[0].Amount, lines[1].Amount)
	}

	rows := allocations(t, s, "tx-1")
	if len(rows) != 2 {
		t.Fatalf("got %d stored rows, want 2", len(rows))
	}
	if rows["tx-1:bkt-old"] != nil {
		t.Fatal("stale auto row survived the manual override")
	}
	a := rows["tx-1:bkt-a:manual"]
	if a == nil || !syncx.Truthy(a.Payload["is_manual_override"]) {
		t.Fatalf("manual row missing or unflagged: %+v", a)
	}
}

func TestSetManualAmountMode(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0, "currency": "SAR",
	})

	lines, err := e.SetManual(ctx, s, tx, "amount", []ManualLine{
		{Bucket: "bkt-a", Value: 50},
		{Bucket: "bkt-b", Value: 25},
	})
	if err != nil {
		t.Fatalf("SetManual: %v", err)
	}
	if lines[0].Percent != 50 || lines[1].Percent != 25 {
		t.Fatalf("percents = %d/%d, want 50/25", lines[0].Percent, lines[1].Percent)
	}
	if lines[0].Amount != 75 || lines[1].Amount != 25 {
		t.Fatalf("amounts = %v/%v, want 75/25 after reconciliation", lines[0].Amount, lines[1].Amount)
	}
}

func TestSetManualValidation(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	tx := seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0,
	})

	cases := []struct {
		name  string
		mode  string
		lines []ManualLine
		code  string
	}{
		{"empty lines", "percent", nil, "allocations_required"},
		{"zero percent", "percent", []ManualLine{{Bucket: "b", Value: 0}}, "invalid_percent"},
		{"percent above 100", "percent", []ManualLine{{Bucket: "b", Value: 101}}, "invalid_percent"},
		{"total percent overflow", "percent", []ManualLine{{Bucket: "a", Value: 60}, {Bucket: "b", Value: 50}}, "percent_overflow"},
		{"zero amount", "amount", []ManualLine{{Bucket: "b", Value: 0}}, "invalid_amount"},
		{"amount overflow", "amount", []ManualLine{{Bucket: "a", Value: 80}, {Bucket: "b", Value: 30}}, "amount_overflow"},
		{"bad mode", "ratio", []ManualLine{{Bucket: "b", Value: 10}}, "invalid_mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.SetManual(ctx, s, tx, tc.mode, tc.lines)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Code != tc.code {
				t.Fatalf("code = %q, want %q", verr.Code, tc.code)
			}
		})
	}

	tx.IsDeleted = true
	if err := s.PutRow(ctx, tx); err != nil {
		t.Fatal(err)
	}
	_, err := e.SetManual(ctx, s, tx, "percent", []ManualLine{{Bucket: "b", Value: 10}})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != "transaction_deleted" {
		t.Fatalf("err = %v, want transaction_deleted", err)
	}
}

func TestMirrorAllocationToBucket(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	src := seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-a", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-a", "percent": 60,
		"amount": 60.0, "currency": "SAR", "is_manual_override": 0,
	})

	if err := e.Mirror(ctx, s, src, "create"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	tb, err := s.GetRow(ctx, registry.TypeTransactionBucket, "tx-1:bkt-a")
	if err != nil {
		t.Fatalf("mirror row missing: %v", err)
	}
	if got := syncx.GetString(tb.Payload, "transaction_id"); got != "tx-1" {
		t.Fatalf("transaction_id = %q, want tx-1", got)
	}
	if got := syncx.GetString(tb.Payload, "bucket_id"); got != "bkt-a" {
		t.Fatalf("bucket_id = %q, want bkt-a", got)
	}
	if f, _ := syncx.Float(tb.Payload["percentage"]); f != 60 {
		t.Fatalf("percentage = %v, want 60", f)
	}
	if tb.DocVersion != 1 {
		t.Fatalf("new mirror version = %d, want 1", tb.DocVersion)
	}
}

func TestMirrorBucketToAllocationBackfills(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0, "currency": "YER",
	})
	src := seed(t, s, e, registry.TypeTransactionBucket, "tx-1:bkt-a:manual", map[string]any{
		"transaction_id": "tx-1", "bucket_id": "bkt-a", "percentage": 42.5, "amount": 42.5,
	})

	if err := e.Mirror(ctx, s, src, "create"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	al, err := s.GetRow(ctx, registry.TypeTransactionAllocation, "tx-1:bkt-a:manual")
	if err != nil {
		t.Fatalf("mirror row missing: %v", err)
	}
	if got := syncx.GetString(al.Payload, "currency"); got != "YER" {
		t.Fatalf("currency = %q, want backfill from the transaction", got)
	}
	if f, _ := syncx.Float(al.Payload["amount_base"]); f != 42.5 {
		t.Fatalf("amount_base = %v, want defaulted from amount", f)
	}
	if !syncx.Truthy(al.Payload["is_manual_override"]) {
		t.Fatal("manual flag not derived from the :manual id suffix")
	}
}

func TestMirrorDeletePropagates(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seed(t, s, e, registry.TypeTransactionBucket, "tx-1:bkt-a", map[string]any{
		"transaction_id": "tx-1", "bucket_id": "bkt-a", "amount": 10.0,
	})
	src := seed(t, s, e, registry.TypeTransactionAllocation, "tx-1:bkt-a", map[string]any{
		"transaction": "tx-1", "bucket": "bkt-a", "amount": 10.0,
	})
	src.IsDeleted = true

	if err := e.Mirror(ctx, s, src, "delete"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	tb, err := s.GetRow(ctx, registry.TypeTransactionBucket, "tx-1:bkt-a")
	if err != nil {
		t.Fatal(err)
	}
	if !tb.IsDeleted || tb.DeletedAt == nil {
		t.Fatal("mirror row not soft-deleted")
	}
	if tb.DocVersion != 2 {
		t.Fatalf("mirror version = %d, want 2", tb.DocVersion)
	}
}

func TestRebuildCountsIncomeInWindow(t *testing.T) {
	s, e := testEngine()
	ctx := context.Background()

	seedRule(t, s, e, "rule-1", "global", "", true, map[string]int{"bkt-a": 100})
	seed(t, s, e, registry.TypeTransaction, "tx-1", map[string]any{
		"transaction_type": "income", "amount": 100.0, "date_time": "2024-06-10T00:00:00",
	})
	seed(t, s, e, registry.TypeTransaction, "tx-2", map[string]any{
		"transaction_type": "income", "amount": 50.0, "date_time": "2024-01-01T00:00:00",
	})
	seed(t, s, e, registry.TypeTransaction, "tx-3", map[string]any{
		"transaction_type": "expense", "amount": 10.0, "date_time": "2024-06-11T00:00:00",
	})

	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	count, err := e.Rebuild(ctx, s, wallet, from, time.Time{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if rows := allocations(t, s, "tx-1"); len(rows) != 1 {
		t.Fatalf("tx-1 allocations = %d, want 1", len(rows))
	}
	if rows := allocations(t, s, "tx-2"); len(rows) != 0 {
		t.Fatalf("tx-2 outside the window got %d allocations", len(rows))
	}
}
