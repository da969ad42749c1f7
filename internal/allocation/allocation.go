// Package allocation keeps transaction bucket allocations in step
// with allocation rules: auto-generated rows for income transactions,
// manual overrides, and the legacy transaction_bucket mirror.
package allocation

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// Line is one computed allocation row.
type Line struct {
	Bucket     string
	Percent    int
	Amount     float64
	Currency   string
	AmountBase float64
	RuleUsed   string
	Manual     bool
}

// ManualLine is one requested manual override: a bucket and either a
// percent or an absolute amount, depending on the request mode.
type ManualLine struct {
	Bucket string
	Value  float64
}

// ValidationError rejects a manual allocation request.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func errf(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// Engine generates and replaces allocation rows. All mutations stamp
// server_modified from the shared wallet clock and bump versions in
// place so allocation ids keep a continuous doc_version history.
type Engine struct {
	Clock *syncx.WalletClock
}

// New returns an engine stamping writes from clock.
func New(clock *syncx.WalletClock) *Engine {
	return &Engine{Clock: clock}
}

// ApplyAuto regenerates the auto allocation rows of a transaction
// after an accepted save. Deleted transactions shed every allocation,
// non-income transactions shed the auto rows, and any manual override
// suppresses regeneration entirely.
func (e *Engine) ApplyAuto(ctx context.Context, tx storage.Tx, txRow *storage.Row) error {
	if txRow == nil {
		return nil
	}

	existing, err := e.allocationsFor(ctx, tx, txRow.WalletID, txRow.EntityID)
	if err != nil {
		return err
	}

	if txRow.IsDeleted {
		return deleteRows(ctx, tx, existing, nil)
	}
	if syncx.GetString(txRow.Payload, "transaction_type") != "income" {
		auto := func(r *storage.Row) bool { return !manualRow(r) }
		return deleteRows(ctx, tx, existing, auto)
	}
	for _, row := range existing {
		if manualRow(row) {
			return nil
		}
	}

	lines, err := e.generate(ctx, tx, txRow)
	if err != nil {
		return err
	}

	byID := make(map[string]*storage.Row, len(existing))
	for _, row := range existing {
		byID[row.EntityID] = row
	}

	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		cid := txRow.ClientID + ":" + line.Bucket
		seen[cid] = true
		if err := e.putLine(ctx, tx, txRow, cid, line, byID[cid]); err != nil {
			return err
		}
	}
	for _, row := range existing {
		if seen[row.EntityID] {
			continue
		}
		if err := tx.DeleteRow(ctx, row.EntityType, row.EntityID); err != nil {
			return err
		}
	}
	return nil
}

// SetManual replaces every allocation row of a transaction with
// manual override rows. mode is "percent" (integer percents summing
// to at most 100) or "amount" (absolute values summing to at most the
// transaction amount).
func (e *Engine) SetManual(ctx context.Context, tx storage.Tx, txRow *storage.Row, mode string, input []ManualLine) ([]Line, error) {
	if len(input) == 0 {
		return nil, errf("allocations_required", "allocations required")
	}
	if txRow.IsDeleted {
		return nil, errf("transaction_deleted", "transaction is deleted")
	}
	total := syncx.Round2(numField(txRow.Payload, "amount"))
	if total <= 0 {
		return nil, errf("amount_not_positive", "transaction amount must be positive")
	}

	currency := syncx.GetString(txRow.Payload, "currency")
	lines := make([]Line, 0, len(input))

	switch mode {
	case "percent":
		totalPercent := 0
		for _, in := range input {
			percent := int(in.Value)
			if percent <= 0 || percent > 100 {
				return nil, errf("invalid_percent", "percent must be between 1 and 100")
			}
			totalPercent += percent
			amt := syncx.Round2(total * float64(percent) / 100)
			lines = append(lines, Line{
				Bucket: in.Bucket, Percent: percent, Amount: amt,
				Currency: currency, AmountBase: amt, Manual: true,
			})
		}
		if totalPercent > 100 {
			return nil, errf("percent_overflow", "total percent cannot exceed 100")
		}
		reconcile(lines, total)
	case "amount":
		totalValue := 0.0
		for _, in := range input {
			value := syncx.Round2(in.Value)
			if value <= 0 {
				return nil, errf("invalid_amount", "allocation amount must be positive")
			}
			totalValue += value
			percent := int(math.Round(value / total * 100))
			lines = append(lines, Line{
				Bucket: in.Bucket, Percent: percent, Amount: value,
				Currency: currency, AmountBase: value, Manual: true,
			})
		}
		if totalValue > total {
			return nil, errf("amount_overflow", "total allocation cannot exceed transaction amount")
		}
		reconcile(lines, total)
	default:
		return nil, errf("invalid_mode", "mode must be percent or amount")
	}

	existing, err := e.allocationsFor(ctx, tx, txRow.WalletID, txRow.EntityID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*storage.Row, len(existing))
	for _, row := range existing {
		byID[row.EntityID] = row
	}

	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		cid := txRow.ClientID + ":" + line.Bucket + ":manual"
		seen[cid] = true
		if err := e.putLine(ctx, tx, txRow, cid, line, byID[cid]); err != nil {
			return nil, err
		}
	}
	for _, row := range existing {
		if seen[row.EntityID] {
			continue
		}
		if err := tx.DeleteRow(ctx, row.EntityType, row.EntityID); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

// Rebuild regenerates auto allocations for every live income
// transaction in the wallet, optionally bounded by date_time. Returns
// the number of transactions processed.
func (e *Engine) Rebuild(ctx context.Context, tx storage.Tx, walletID string, from, to time.Time) (int, error) {
	txs, err := tx.ListByType(ctx, walletID, registry.TypeTransaction)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range txs {
		if row.IsDeleted || syncx.GetString(row.Payload, "transaction_type") != "income" {
			continue
		}
		if !from.IsZero() || !to.IsZero() {
			at, ok := syncx.ParseTime(row.Payload["date_time"])
			if !ok {
				continue
			}
			if !from.IsZero() && at.Before(from) {
				continue
			}
			if !to.IsZero() && at.After(to) {
				continue
			}
		}
		if err := e.ApplyAuto(ctx, tx, row); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// generate computes the auto allocation lines for an income
// transaction from the winning rule. Every generated set covers the
// full transaction amount: the remainder lands on the largest line.
func (e *Engine) generate(ctx context.Context, tx storage.Tx, txRow *storage.Row) ([]Line, error) {
	rule, err := e.resolveRule(ctx, tx, txRow.WalletID, txRow.Payload)
	if err != nil || rule == nil {
		return nil, err
	}

	ruleLines, err := e.ruleLines(ctx, tx, txRow.WalletID, rule.EntityID)
	if err != nil {
		return nil, err
	}

	amount := syncx.Round2(numField(txRow.Payload, "amount"))
	currency := syncx.GetString(txRow.Payload, "currency")

	lines := make([]Line, 0, len(ruleLines))
	for _, l := range ruleLines {
		bucket := syncx.GetString(l.Payload, "bucket")
		percent := int(numField(l.Payload, "percent"))
		if bucket == "" || percent <= 0 {
			continue
		}
		amt := syncx.Round2(amount * float64(percent) / 100)
		lines = append(lines, Line{
			Bucket: bucket, Percent: percent, Amount: amt,
			Currency: currency, AmountBase: amt, RuleUsed: rule.EntityID,
		})
	}
	reconcile(lines, amount)
	return lines, nil
}

// resolveRule picks the allocation rule by scope priority: a rule
// scoped to the transaction's account, then one scoped to its income
// category, then the global default. Ties go to the newest rule.
func (e *Engine) resolveRule(ctx context.Context, tx storage.Tx, walletID string, txPayload map[string]any) (*storage.Row, error) {
	rules, err := tx.ListByType(ctx, walletID, registry.TypeAllocationRule)
	if err != nil {
		return nil, err
	}
	live := rules[:0]
	for _, r := range rules {
		if !r.IsDeleted && syncx.Truthy(r.Payload["active"]) {
			live = append(live, r)
		}
	}

	pick := func(scope, ref string, needDefault bool) *storage.Row {
		var best *storage.Row
		for _, r := range live {
			if syncx.GetString(r.Payload, "scope_type") != scope {
				continue
			}
			if ref != "" && syncx.GetString(r.Payload, "scope_ref") != ref {
				continue
			}
			if needDefault && !syncx.Truthy(r.Payload["is_default"]) {
				continue
			}
			if best == nil || newerRow(r, best) {
				best = r
			}
		}
		return best
	}

	if account := syncx.GetString(txPayload, "account"); account != "" {
		if r := pick("by_account", account, false); r != nil {
			return r, nil
		}
	}
	if category := syncx.GetString(txPayload, "category"); category != "" {
		if r := pick("by_income_category", category, false); r != nil {
			return r, nil
		}
	}
	return pick("global", "", true), nil
}

// ruleLines returns the live lines of a rule ordered by sort_order,
// newest first among equals.
func (e *Engine) ruleLines(ctx context.Context, tx storage.Tx, walletID, ruleID string) ([]*storage.Row, error) {
	rows, err := tx.ListByType(ctx, walletID, registry.TypeAllocationRuleLine)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if r.IsDeleted || syncx.GetString(r.Payload, "rule") != ruleID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := numField(out[i].Payload, "sort_order"), numField(out[j].Payload, "sort_order")
		if si != sj {
			return si < sj
		}
		return newerRow(out[i], out[j])
	})
	return out, nil
}

// putLine upserts one allocation row, bumping the version in place
// when the id already exists so the row's history stays monotonic.
func (e *Engine) putLine(ctx context.Context, tx storage.Tx, txRow *storage.Row, cid string, line Line, existing *storage.Row) error {
	manual := 0
	if line.Manual {
		manual = 1
	}
	payload := map[string]any{
		"client_id":          cid,
		"wallet_id":          txRow.WalletID,
		"transaction":        txRow.EntityID,
		"bucket":             line.Bucket,
		"percent":            line.Percent,
		"amount":             line.Amount,
		"currency":           line.Currency,
		"amount_base":        line.AmountBase,
		"is_manual_override": manual,
	}
	if line.RuleUsed != "" {
		payload["rule_used"] = line.RuleUsed
	}

	if existing != nil {
		e.Clock.Observe(txRow.WalletID, existing.ServerModified)
	}
	stamp := e.Clock.Next(txRow.WalletID)
	row := existing
	if row == nil {
		row = &storage.Row{
			EntityType: registry.TypeTransactionAllocation,
			EntityID:   cid,
			ClientID:   cid,
			WalletID:   txRow.WalletID,
			CreatedAt:  stamp,
		}
	}
	row.Payload = payload
	row.DocVersion++
	row.ServerModified = stamp
	row.IsDeleted = false
	row.DeletedAt = nil
	return tx.PutRow(ctx, row)
}

// allocationsFor returns every allocation row of a transaction,
// soft-deleted rows included.
func (e *Engine) allocationsFor(ctx context.Context, tx storage.Tx, walletID, txID string) ([]*storage.Row, error) {
	rows, err := tx.ListByType(ctx, walletID, registry.TypeTransactionAllocation)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if syncx.GetString(r.Payload, "transaction") == txID {
			out = append(out, r)
		}
	}
	return out, nil
}

func deleteRows(ctx context.Context, tx storage.Tx, rows []*storage.Row, match func(*storage.Row) bool) error {
	for _, row := range rows {
		if match != nil && !match(row) {
			continue
		}
		if err := tx.DeleteRow(ctx, row.EntityType, row.EntityID); err != nil {
			return err
		}
	}
	return nil
}

// reconcile tops the set up to the full amount: rounding drift and
// uncovered percent land on the line with the highest percent (then
// highest amount).
func reconcile(lines []Line, total float64) {
	if len(lines) == 0 {
		return
	}
	sum := 0.0
	for _, l := range lines {
		sum += l.Amount
	}
	remainder := syncx.Round2(total - syncx.Round2(sum))
	if remainder == 0 {
		return
	}
	best := 0
	for i := 1; i < len(lines); i++ {
		if lines[i].Percent > lines[best].Percent ||
			(lines[i].Percent == lines[best].Percent && lines[i].Amount > lines[best].Amount) {
			best = i
		}
	}
	lines[best].Amount = syncx.Round2(lines[best].Amount + remainder)
	lines[best].AmountBase = lines[best].Amount
}

func manualRow(r *storage.Row) bool {
	if v, ok := r.Payload["is_manual_override"]; ok && v != nil {
		return syncx.Truthy(v)
	}
	return strings.HasSuffix(r.EntityID, ":manual")
}

func numField(p map[string]any, key string) float64 {
	f, _ := syncx.Float(p[key])
	return f
}

func newerRow(a, b *storage.Row) bool {
	if !a.ServerModified.Equal(b.ServerModified) {
		return a.ServerModified.After(b.ServerModified)
	}
	return a.DocVersion > b.DocVersion
}
