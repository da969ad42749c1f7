package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// prepare turns a validated payload into its storable form: aliases
// applied, server-owned fields stripped, type-specific normalization,
// datetimes in the canonical layout, client stamps clamped, and the
// identity columns pinned.
func prepare(d *registry.Descriptor, payload map[string]any, clientID, walletID string) map[string]any {
	out := applyAliases(d, payload)

	for k := range out {
		if registry.StrippedKey(k) || registry.IgnoredKey(k) || d.ServerManaged[k] {
			delete(out, k)
		}
	}

	if d.Name == registry.TypeBucketTemplate {
		normalizeTemplateItems(out)
	}

	for k := range out {
		if !d.AllowedField(k) {
			delete(out, k)
		}
	}

	for f := range d.Datetime {
		v, present := out[f]
		if !present || v == nil || v == "" {
			continue
		}
		if ts, ok := syncx.ParseTime(v); ok {
			out[f] = syncx.FormatTime(ts)
		}
	}

	for _, f := range []string{"client_created_ms", "client_modified_ms"} {
		if v, present := out[f]; present {
			if n, ok := syncx.Int(v); ok {
				out[f] = syncx.ClampInt32(n)
			}
		}
	}

	out["client_id"] = clientID
	out["wallet_id"] = walletID
	return out
}

// normalizeTemplateItems rewrites bucket template line items to the
// canonical {bucket_id, percentage} rows, tolerating the field name
// variants older clients send. Non-object rows are dropped.
func normalizeTemplateItems(payload map[string]any) {
	v, present := payload["template_items"]
	if !present {
		return
	}
	rows, ok := v.([]any)
	if !ok {
		return
	}
	normalized := make([]any, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		bucketID := syncx.GetString(row, "bucket_id")
		if bucketID == "" {
			bucketID = syncx.GetString(row, "bucket")
		}
		if bucketID == "" {
			bucketID = syncx.GetString(row, "bucketId")
		}
		percentage, present := row["percentage"]
		if !present || percentage == nil || percentage == "" {
			percentage = row["percent"]
		}
		normalized = append(normalized, map[string]any{
			"bucket_id":  strings.TrimSpace(bucketID),
			"percentage": percentage,
		})
	}
	payload["template_items"] = normalized
}

// checkLinks verifies that every populated link field references a row
// of the declared type inside the same wallet.
func checkLinks(ctx context.Context, r storage.Reader, d *registry.Descriptor, payload map[string]any, walletID string) error {
	for field, targetType := range d.Links {
		ref := syncx.GetString(payload, field)
		if ref == "" {
			continue
		}
		row, err := r.GetRow(ctx, targetType, ref)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("linked %s %q not found in wallet", field, ref)
		}
		if err != nil {
			return err
		}
		if row.WalletID != walletID {
			return fmt.Errorf("linked %s %q not found in wallet", field, ref)
		}
	}
	return nil
}

// applyHooks runs the per-type payload adjustments that precede the
// write. A returned error rejects the item.
func (e *Engine) applyHooks(ctx context.Context, tx storage.Tx, it *pushItem, payload map[string]any, existing *storage.Row, scope *Scope) error {
	switch it.Desc.Name {
	case registry.TypeWallet:
		if existing == nil && syncx.GetString(payload, "owner_user") == "" {
			payload["owner_user"] = scope.UserID
		}

	case registry.TypeWalletMember:
		now := syncx.FormatTime(e.now().UTC())
		switch syncx.GetString(payload, "status") {
		case "active":
			if !hasValue(payload["joined_at"]) {
				payload["joined_at"] = now
			}
		case "removed":
			if !hasValue(payload["removed_at"]) {
				payload["removed_at"] = now
			}
		}

	case registry.TypeAccount:
		if existing == nil {
			if v, ok := payload["opening_balance"]; ok && syncx.IsNumber(v) {
				payload["current_balance"] = v
			}
		}

	case registry.TypeTransaction:
		txType := syncx.GetString(payload, "transaction_type")
		if txType == "" && existing != nil {
			txType = syncx.GetString(existing.Payload, "transaction_type")
		}
		if txType == "transfer" {
			from := linkValue(payload, existing, "account")
			to := linkValue(payload, existing, "to_account")
			if from != "" && from == to {
				return fmt.Errorf("transfer source and destination accounts must differ")
			}
		}

	case registry.TypeBudget:
		if !hasValue(payload["currency"]) {
			if base := e.baseCurrencyFor(ctx, tx, scope.WalletID, scope.UserID); base != "" {
				payload["currency"] = base
			}
		}
		if payload["amount"] == nil && payload["amount_base"] != nil {
			payload["amount"] = payload["amount_base"]
		}

	case registry.TypeGoal:
		if !hasValue(payload["currency"]) {
			if base := e.baseCurrencyFor(ctx, tx, scope.WalletID, scope.UserID); base != "" {
				payload["currency"] = base
			}
		}
		if payload["target_amount"] == nil && payload["target_amount_base"] != nil {
			payload["target_amount"] = payload["target_amount_base"]
		}
	}
	return nil
}

// linkValue reads a link field from the incoming payload, falling back
// to the stored row so partial updates validate against current state.
func linkValue(payload map[string]any, existing *storage.Row, field string) string {
	if v, present := payload[field]; present {
		s, _ := syncx.String(v)
		return s
	}
	if existing != nil {
		return syncx.GetString(existing.Payload, field)
	}
	return ""
}
