// Package recalc recomputes the derived financial fields after
// accepted sync mutations: account balances, budget spent amounts,
// goal progress, debt remaining, and jameya status.
package recalc

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// Tasks collects recalculation targets over one push batch. Targets
// are deduplicated; the dirty flags expand to every live row of the
// type in the wallet when no specific target was named.
type Tasks struct {
	Accounts map[string]bool
	Budgets  map[string]bool
	Goals    map[string]bool
	Debts    map[string]bool
	Jameyas  map[string]bool

	BudgetsDirty bool
	GoalsDirty   bool
}

// NewTasks returns an empty task set.
func NewTasks() *Tasks {
	return &Tasks{
		Accounts: make(map[string]bool),
		Budgets:  make(map[string]bool),
		Goals:    make(map[string]bool),
		Debts:    make(map[string]bool),
		Jameyas:  make(map[string]bool),
	}
}

// Empty reports whether the batch produced no recalculation work.
func (t *Tasks) Empty() bool {
	return len(t.Accounts) == 0 && len(t.Budgets) == 0 && len(t.Goals) == 0 &&
		len(t.Debts) == 0 && len(t.Jameyas) == 0 && !t.BudgetsDirty && !t.GoalsDirty
}

func addTarget(set map[string]bool, id string) {
	if id != "" {
		set[id] = true
	}
}

// Note records the targets touched by one accepted mutation. payload
// is the row payload after the write; prev is the payload before it
// (nil on create). A transaction update must recalculate both the old
// and the new account links.
func (t *Tasks) Note(operation, entityType, entityID string, payload, prev map[string]any) {
	switch entityType {
	case registry.TypeTransaction:
		for _, p := range []map[string]any{prev, payload} {
			if p == nil {
				continue
			}
			addTarget(t.Accounts, syncx.GetString(p, "account"))
			addTarget(t.Accounts, syncx.GetString(p, "to_account"))
		}
		t.BudgetsDirty = true
		t.GoalsDirty = true
	case registry.TypeAccount:
		if operation == "update" {
			addTarget(t.Accounts, entityID)
		}
		t.GoalsDirty = true
	case registry.TypeBudget:
		addTarget(t.Budgets, entityID)
	case registry.TypeGoal:
		addTarget(t.Goals, entityID)
	case registry.TypeDebt:
		addTarget(t.Debts, entityID)
		t.GoalsDirty = true
	case registry.TypeDebtInstallment:
		if payload != nil {
			addTarget(t.Debts, syncx.GetString(payload, "debt"))
		}
		t.GoalsDirty = true
	case registry.TypeJameya:
		addTarget(t.Jameyas, entityID)
	case registry.TypeJameyaPayment:
		if payload != nil {
			addTarget(t.Jameyas, syncx.GetString(payload, "jameya"))
		}
	}
}

// Engine recomputes derived fields against the store. Writes are
// change-detected: a row is version-bumped only when a derived value
// actually changed, so idle recalculations never churn the pull
// stream.
type Engine struct {
	Clock *syncx.WalletClock
	Now   func() time.Time
}

// New returns an engine stamping writes from clock.
func New(clock *syncx.WalletClock) *Engine {
	return &Engine{Clock: clock, Now: time.Now}
}

// Run executes the batch's tasks in dependency order: account
// balances feed goal progress, debt remaining feeds pay_debt goals.
func (e *Engine) Run(ctx context.Context, tx storage.Tx, walletID string, t *Tasks) error {
	for _, id := range sortedKeys(t.Accounts) {
		if err := e.AccountBalance(ctx, tx, walletID, id); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(t.Debts) {
		if err := e.DebtRemaining(ctx, tx, walletID, id); err != nil {
			return err
		}
	}

	budgets := sortedKeys(t.Budgets)
	if len(budgets) == 0 && t.BudgetsDirty {
		var err error
		budgets, err = liveIDs(ctx, tx, walletID, registry.TypeBudget)
		if err != nil {
			return err
		}
	}
	for _, id := range budgets {
		if err := e.BudgetSpent(ctx, tx, walletID, id); err != nil {
			return err
		}
	}

	goals := sortedKeys(t.Goals)
	if len(goals) == 0 && t.GoalsDirty {
		var err error
		goals, err = liveIDs(ctx, tx, walletID, registry.TypeGoal)
		if err != nil {
			return err
		}
	}
	for _, id := range goals {
		if err := e.GoalProgress(ctx, tx, walletID, id); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(t.Jameyas) {
		if err := e.JameyaStatus(ctx, tx, walletID, id); err != nil {
			return err
		}
	}
	return nil
}

// AccountBalance recomputes current_balance from the opening balance
// and every live transaction touching the account. Transfers subtract
// on the source leg and add on the destination leg.
func (e *Engine) AccountBalance(ctx context.Context, tx storage.Tx, walletID, accountID string) error {
	acc, err := loadTarget(ctx, tx, registry.TypeAccount, accountID, walletID)
	if acc == nil {
		return err
	}

	txs, err := tx.ListByType(ctx, walletID, registry.TypeTransaction)
	if err != nil {
		return err
	}

	balance := decimal.NewFromFloat(numField(acc.Payload, "opening_balance"))
	for _, row := range txs {
		if row.IsDeleted {
			continue
		}
		p := row.Payload
		amount := decimal.NewFromFloat(numField(p, "amount"))
		if syncx.GetString(p, "account") == accountID {
			switch syncx.GetString(p, "transaction_type") {
			case "income":
				balance = balance.Add(amount)
			case "expense", "transfer":
				balance = balance.Sub(amount)
			}
		}
		if syncx.GetString(p, "to_account") == accountID {
			balance = balance.Add(amount)
		}
	}

	v, _ := balance.Round(2).Float64()
	return e.writeDerived(ctx, tx, acc, map[string]any{"current_balance": v})
}

// BudgetSpent recomputes spent_amount from live expense transactions
// inside the budget window, scoped by category and currency when the
// budget names them. Budgets without a parsable window are skipped.
func (e *Engine) BudgetSpent(ctx context.Context, tx storage.Tx, walletID, budgetID string) error {
	b, err := loadTarget(ctx, tx, registry.TypeBudget, budgetID, walletID)
	if b == nil || b.IsDeleted {
		return err
	}

	start, okStart := syncx.ParseTime(b.Payload["start_date"])
	end, okEnd := syncx.ParseTime(b.Payload["end_date"])
	if !okStart || !okEnd {
		return nil
	}
	category := syncx.GetString(b.Payload, "category")
	currency := syncx.GetString(b.Payload, "currency")

	txs, err := tx.ListByType(ctx, walletID, registry.TypeTransaction)
	if err != nil {
		return err
	}

	spent := decimal.Zero
	for _, row := range txs {
		if row.IsDeleted {
			continue
		}
		p := row.Payload
		if syncx.GetString(p, "transaction_type") != "expense" {
			continue
		}
		if category != "" && syncx.GetString(p, "category") != category {
			continue
		}
		if currency != "" && syncx.GetString(p, "currency") != currency {
			continue
		}
		at, ok := syncx.ParseTime(p["date_time"])
		if !ok || at.Before(start) || at.After(end) {
			continue
		}
		spent = spent.Add(decimal.NewFromFloat(coalesceNum(p, "amount_base", "amount")))
	}

	v, _ := spent.Round(2).Float64()
	return e.writeDerived(ctx, tx, b, map[string]any{"spent_amount": v})
}

// GoalProgress recomputes current_amount, remaining_amount and
// progress_percent. pay_debt goals measure progress against the
// linked debt's remaining amount; saving goals track the linked
// account balance.
func (e *Engine) GoalProgress(ctx context.Context, tx storage.Tx, walletID, goalID string) error {
	g, err := loadTarget(ctx, tx, registry.TypeGoal, goalID, walletID)
	if g == nil || g.IsDeleted {
		return err
	}

	target := numField(g.Payload, "target_amount")
	if target == 0 {
		target = numField(g.Payload, "target_amount_base")
	}
	current := 0.0

	linkedDebt := syncx.GetString(g.Payload, "linked_debt")
	linkedAccount := syncx.GetString(g.Payload, "linked_account")

	switch {
	case syncx.GetString(g.Payload, "goal_type") == "pay_debt" && linkedDebt != "":
		debt, derr := loadTarget(ctx, tx, registry.TypeDebt, linkedDebt, walletID)
		if debt == nil {
			return derr
		}
		if target == 0 {
			target = numField(debt.Payload, "principal_amount")
		}
		current = target - numField(debt.Payload, "remaining_amount")
		if current < 0 {
			current = 0
		}
	case linkedAccount != "":
		acc, aerr := loadTarget(ctx, tx, registry.TypeAccount, linkedAccount, walletID)
		if acc == nil {
			return aerr
		}
		current = numField(acc.Payload, "current_balance")
	}

	remaining := target - current
	if remaining < 0 {
		remaining = 0
	}
	progress := 0.0
	if target > 0 {
		progress = current / target * 100
	}

	return e.writeDerived(ctx, tx, g, map[string]any{
		"current_amount":   syncx.Round2(current),
		"remaining_amount": syncx.Round2(remaining),
		"progress_percent": syncx.Round2(progress),
	})
}

// DebtRemaining recomputes remaining_amount from paid installments.
// A fully paid debt closes; payments removed from a closed debt
// reopen it.
func (e *Engine) DebtRemaining(ctx context.Context, tx storage.Tx, walletID, debtID string) error {
	d, err := loadTarget(ctx, tx, registry.TypeDebt, debtID, walletID)
	if d == nil || d.IsDeleted {
		return err
	}

	installments, err := tx.ListByType(ctx, walletID, registry.TypeDebtInstallment)
	if err != nil {
		return err
	}

	paid := decimal.Zero
	for _, row := range installments {
		if row.IsDeleted || syncx.GetString(row.Payload, "debt") != debtID {
			continue
		}
		if syncx.GetString(row.Payload, "status") != "paid" {
			continue
		}
		paid = paid.Add(decimal.NewFromFloat(coalesceNum(row.Payload, "paid_amount", "amount")))
	}

	principal := decimal.NewFromFloat(numField(d.Payload, "principal_amount"))
	remaining := principal.Sub(paid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	v, _ := remaining.Round(2).Float64()
	fields := map[string]any{"remaining_amount": v}
	if v <= 0 {
		fields["status"] = "closed"
	} else if syncx.GetString(d.Payload, "status") == "closed" {
		fields["status"] = "active"
	}
	return e.writeDerived(ctx, tx, d, fields)
}

// JameyaStatus normalizes payment statuses and rolls them up: a
// payment with paid_at becomes paid, the member's own due turn
// becomes received, and the jameya completes once every payment has
// settled. total_amount is the full pot (monthly x members).
func (e *Engine) JameyaStatus(ctx context.Context, tx storage.Tx, walletID, jameyaID string) error {
	j, err := loadTarget(ctx, tx, registry.TypeJameya, jameyaID, walletID)
	if j == nil || j.IsDeleted {
		return err
	}

	all, err := tx.ListByType(ctx, walletID, registry.TypeJameyaPayment)
	if err != nil {
		return err
	}
	now := e.Now().UTC()

	payments := 0
	completed := true
	for _, row := range all {
		if row.IsDeleted || syncx.GetString(row.Payload, "jameya") != jameyaID {
			continue
		}
		payments++

		p := row.Payload
		status := syncx.GetString(p, "status")
		next := status
		if hasValue(p, "paid_at") && next != "paid" && !syncx.Truthy(p["is_my_turn"]) {
			next = "paid"
		}
		if syncx.Truthy(p["is_my_turn"]) {
			if due, ok := syncx.ParseTime(p["due_date"]); ok && !due.After(now) {
				next = "received"
			}
		}
		if next == "due" {
			completed = false
		}
		if next != status {
			if err := e.writeDerived(ctx, tx, row, map[string]any{"status": next}); err != nil {
				return err
			}
		}
	}

	status := syncx.GetString(j.Payload, "status")
	if completed && payments > 0 {
		status = "completed"
	} else if status == "" {
		status = "active"
	}
	total := syncx.Round2(numField(j.Payload, "monthly_amount") * numField(j.Payload, "total_members"))

	return e.writeDerived(ctx, tx, j, map[string]any{"status": status, "total_amount": total})
}

// writeDerived persists changed derived fields, bumping doc_version
// and server_modified so clients pull the new values. Unchanged rows
// are left untouched.
func (e *Engine) writeDerived(ctx context.Context, tx storage.Tx, row *storage.Row, fields map[string]any) error {
	changed := false
	for k, v := range fields {
		if !derivedEqual(row.Payload[k], v) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}

	if row.Payload == nil {
		row.Payload = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		row.Payload[k] = v
	}
	row.DocVersion++
	e.Clock.Observe(row.WalletID, row.ServerModified)
	row.ServerModified = e.Clock.Next(row.WalletID)
	return tx.PutRow(ctx, row)
}

// loadTarget fetches a recalculation target, tolerating rows that
// vanished or moved wallets since the task was queued.
func loadTarget(ctx context.Context, tx storage.Tx, entityType, entityID, walletID string) (*storage.Row, error) {
	row, err := tx.GetRow(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if row.WalletID != walletID {
		return nil, nil
	}
	return row, nil
}

func liveIDs(ctx context.Context, tx storage.Tx, walletID, entityType string) ([]string, error) {
	rows, err := tx.ListByType(ctx, walletID, entityType)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if !r.IsDeleted {
			ids = append(ids, r.EntityID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func numField(p map[string]any, key string) float64 {
	f, _ := syncx.Float(p[key])
	return f
}

// coalesceNum returns the first key holding a non-nil numeric value.
func coalesceNum(p map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			if f, ok2 := syncx.Float(v); ok2 {
				return f
			}
		}
	}
	return 0
}

func hasValue(p map[string]any, key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

func derivedEqual(a, b any) bool {
	if fb, ok := syncx.Float(b); ok {
		fa, aok := syncx.Float(a)
		return aok && fa == fb
	}
	if sb, ok := b.(string); ok {
		sa, aok := a.(string)
		return aok && sa == sb
	}
	return a == b
}
