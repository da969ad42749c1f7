package allocation

import (
	"context"
	"errors"
	"strings"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// Mirror upserts the legacy counterpart row after an accepted
// transaction_allocation or transaction_bucket mutation. Older
// clients sync transaction_bucket rows; newer ones sync
// transaction_allocation. The two views share the client_id and are
// kept field-compatible in both directions.
func (e *Engine) Mirror(ctx context.Context, tx storage.Tx, src *storage.Row, operation string) error {
	var target string
	switch src.EntityType {
	case registry.TypeTransactionAllocation:
		target = registry.TypeTransactionBucket
	case registry.TypeTransactionBucket:
		target = registry.TypeTransactionAllocation
	default:
		return nil
	}

	clientID := src.ClientID
	if clientID == "" {
		clientID = src.EntityID
	}
	if src.WalletID == "" || clientID == "" {
		return nil
	}

	p := src.Payload
	txID := firstString(p, "transaction_id", "transaction")
	bucketID := firstString(p, "bucket_id", "bucket")
	amount, hasAmount := floatValue(p, "amount")
	percent, hasPercent := firstFloat(p, "percentage", "percent")
	currency := syncx.GetString(p, "currency")
	amountBase, hasBase := floatValue(p, "amount_base")
	ruleUsed := syncx.GetString(p, "rule_used")

	manual := 0
	if v, ok := p["is_manual_override"]; ok && v != nil {
		if syncx.Truthy(v) {
			manual = 1
		}
	} else if strings.HasSuffix(clientID, ":manual") {
		manual = 1
	}

	if currency == "" && txID != "" {
		if txRow, err := tx.GetRow(ctx, registry.TypeTransaction, txID); err == nil {
			currency = syncx.GetString(txRow.Payload, "currency")
		}
	}
	if !hasBase && hasAmount {
		amountBase = syncx.Round2(amount)
		hasBase = true
	}

	markDeleted := src.IsDeleted || operation == "delete"

	row, err := tx.GetRow(ctx, target, clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if txID == "" || bucketID == "" {
			return nil
		}
		row = &storage.Row{
			EntityType: target,
			EntityID:   clientID,
			ClientID:   clientID,
			WalletID:   src.WalletID,
			Payload:    map[string]any{"client_id": clientID},
		}
	case err != nil:
		return err
	case row.WalletID != src.WalletID:
		// The id is taken by another wallet's row; leave it alone.
		return nil
	}

	row.Payload["wallet_id"] = src.WalletID
	if target == registry.TypeTransactionAllocation {
		if txID != "" {
			row.Payload["transaction"] = txID
		}
		if bucketID != "" {
			row.Payload["bucket"] = bucketID
		}
		if hasAmount {
			row.Payload["amount"] = syncx.Round2(amount)
		}
		if hasPercent {
			row.Payload["percent"] = syncx.Round6(percent)
		}
		if currency != "" {
			row.Payload["currency"] = currency
		}
		if hasBase {
			row.Payload["amount_base"] = syncx.Round2(amountBase)
		}
		if ruleUsed != "" {
			row.Payload["rule_used"] = ruleUsed
		}
		row.Payload["is_manual_override"] = manual
	} else {
		if txID != "" {
			row.Payload["transaction_id"] = txID
		}
		if bucketID != "" {
			row.Payload["bucket_id"] = bucketID
		}
		if hasAmount {
			row.Payload["amount"] = syncx.Round2(amount)
		}
		if hasPercent {
			row.Payload["percentage"] = syncx.Round6(percent)
		}
	}

	e.Clock.Observe(src.WalletID, row.ServerModified)
	stamp := e.Clock.Next(src.WalletID)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = stamp
	}
	row.DocVersion++
	row.ServerModified = stamp
	row.IsDeleted = markDeleted
	if markDeleted {
		if row.DeletedAt == nil {
			row.DeletedAt = &stamp
		}
	} else {
		row.DeletedAt = nil
	}
	return tx.PutRow(ctx, row)
}

func firstString(p map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := syncx.GetString(p, k); s != "" {
			return s
		}
	}
	return ""
}

func floatValue(p map[string]any, key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	return syncx.Float(v)
}

func firstFloat(p map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := floatValue(p, k); ok {
			return f, true
		}
	}
	return 0, false
}
