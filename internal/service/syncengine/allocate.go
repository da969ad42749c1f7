package syncengine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/masroof-app/masroof-api/internal/allocation"
	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// ManualAllocationLine is one requested override: a bucket plus a
// percent or amount value depending on the request mode.
type ManualAllocationLine struct {
	Bucket string  `json:"bucket"`
	Value  float64 `json:"value"`
}

// ManualAllocationsRequest replaces a transaction's allocations.
type ManualAllocationsRequest struct {
	WalletID      string                 `json:"wallet_id"`
	TransactionID string                 `json:"transaction_id"`
	Mode          string                 `json:"mode"`
	Allocations   []ManualAllocationLine `json:"allocations"`
}

// ManualAllocationsResponse reports the stored override rows.
type ManualAllocationsResponse struct {
	Status        string           `json:"status"`
	TransactionID string           `json:"transaction_id"`
	Allocations   []map[string]any `json:"allocations"`
	ServerTime    string           `json:"server_time"`
}

// SetManualAllocations replaces every allocation row of a transaction
// with the requested manual overrides. Member rank required.
func (e *Engine) SetManualAllocations(ctx context.Context, userID string, req *ManualAllocationsRequest) (*ManualAllocationsResponse, *RequestError) {
	walletID := strings.TrimSpace(req.WalletID)
	txID := strings.TrimSpace(req.TransactionID)

	if walletID == "" {
		return nil, reqErr(http.StatusExpectationFailed, "wallet_id_required", "wallet_id is required")
	}
	if !registry.ValidClientID(walletID) {
		return nil, reqErr(http.StatusExpectationFailed, "auth_failed", "invalid wallet_id")
	}
	if _, rerr := e.requireMember(ctx, e.store, walletID, userID, rankMember); rerr != nil {
		return nil, rerr
	}
	if txID == "" {
		return nil, reqErr(http.StatusExpectationFailed, "transaction_id_required", "transaction_id is required")
	}

	input := make([]allocation.ManualLine, 0, len(req.Allocations))
	for _, l := range req.Allocations {
		bucket := strings.TrimSpace(l.Bucket)
		if bucket == "" {
			return nil, reqErr(http.StatusExpectationFailed, "bucket_required", "bucket is required")
		}
		input = append(input, allocation.ManualLine{Bucket: bucket, Value: l.Value})
	}

	var lines []allocation.Line
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		txRow, err := tx.GetRow(ctx, registry.TypeTransaction, txID)
		if errors.Is(err, storage.ErrNotFound) {
			return reqErr(http.StatusExpectationFailed, "transaction_not_found", "transaction not found")
		}
		if err != nil {
			return err
		}
		if txRow.WalletID != walletID {
			return reqErr(http.StatusForbidden, "transaction_not_in_wallet", "transaction is not in this wallet")
		}

		for _, l := range input {
			b, err := tx.GetRow(ctx, registry.TypeBucket, l.Bucket)
			if errors.Is(err, storage.ErrNotFound) || (err == nil && (b.IsDeleted || b.WalletID != walletID)) {
				return reqErr(http.StatusExpectationFailed, "invalid_bucket", "invalid bucket in allocations")
			}
			if err != nil {
				return err
			}
		}

		lines, err = e.alloc.SetManual(ctx, tx, txRow, req.Mode, input)
		return err
	})
	if err != nil {
		var rerr *RequestError
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		var verr *allocation.ValidationError
		if errors.As(err, &verr) {
			return nil, reqErr(http.StatusExpectationFailed, verr.Code, verr.Message)
		}
		return nil, reqErr(http.StatusInternalServerError, "allocations_failed", "could not store allocations")
	}

	out := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		out = append(out, map[string]any{
			"bucket":             l.Bucket,
			"percent":            l.Percent,
			"amount":             l.Amount,
			"currency":           l.Currency,
			"amount_base":        l.AmountBase,
			"is_manual_override": boolInt(l.Manual),
		})
	}

	return &ManualAllocationsResponse{
		Status:        "ok",
		TransactionID: txID,
		Allocations:   out,
		ServerTime:    syncx.FormatTime(e.now()),
	}, nil
}

// RebuildRequest regenerates auto allocations across a wallet.
type RebuildRequest struct {
	WalletID string `json:"wallet_id"`
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
}

// RebuildResponse reports how many transactions were reprocessed.
type RebuildResponse struct {
	Status     string `json:"status"`
	Count      int    `json:"count"`
	ServerTime string `json:"server_time"`
}

// RebuildAllocations reruns auto allocation for every live income
// transaction in the wallet, optionally bounded by date. Member rank
// required.
func (e *Engine) RebuildAllocations(ctx context.Context, userID string, req *RebuildRequest) (*RebuildResponse, *RequestError) {
	walletID := strings.TrimSpace(req.WalletID)
	if walletID == "" {
		return nil, reqErr(http.StatusExpectationFailed, "wallet_id_required", "wallet_id is required")
	}
	if !registry.ValidClientID(walletID) {
		return nil, reqErr(http.StatusExpectationFailed, "auth_failed", "invalid wallet_id")
	}
	if _, rerr := e.requireMember(ctx, e.store, walletID, userID, rankMember); rerr != nil {
		return nil, rerr
	}

	var from, to time.Time
	if req.FromDate != "" {
		t, ok := syncx.ParseTime(req.FromDate)
		if !ok {
			return nil, reqErr(http.StatusExpectationFailed, "invalid_date", "from_date is not a valid timestamp")
		}
		from = t
	}
	if req.ToDate != "" {
		t, ok := syncx.ParseTime(req.ToDate)
		if !ok {
			return nil, reqErr(http.StatusExpectationFailed, "invalid_date", "to_date is not a valid timestamp")
		}
		to = t
	}

	count := 0
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		n, err := e.alloc.Rebuild(ctx, tx, walletID, from, to)
		count = n
		return err
	})
	if err != nil {
		return nil, reqErr(http.StatusInternalServerError, "rebuild_failed", "could not rebuild allocations")
	}

	return &RebuildResponse{
		Status:     "ok",
		Count:      count,
		ServerTime: syncx.FormatTime(e.now()),
	}, nil
}
