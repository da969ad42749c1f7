package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/recalc"
	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// PushRequest is the decoded push body.
type PushRequest struct {
	DeviceID string           `json:"device_id"`
	WalletID string           `json:"wallet_id"`
	Items    []map[string]any `json:"items"`
}

// PushResponse is the push message envelope content.
type PushResponse struct {
	Results    []map[string]any `json:"results"`
	ServerTime string           `json:"server_time"`
}

// replayError aborts an item transaction when the ledger slot turned
// out to be taken: the mutation rolls back and the stored result is
// returned instead.
type replayError struct {
	rec *storage.OpRecord
}

func (r *replayError) Error() string { return "operation already recorded" }

// Push applies a batch of client mutations. Items are processed in
// input order, each in its own transaction; one result is returned per
// item. tokenDeviceID is the did claim of the bearer token, empty when
// the token carries none.
func (e *Engine) Push(ctx context.Context, userID, tokenDeviceID string, req *PushRequest) (*PushResponse, *RequestError) {
	deviceID := strings.TrimSpace(req.DeviceID)
	walletID := strings.TrimSpace(req.WalletID)

	if deviceID == "" {
		return nil, reqErr(http.StatusExpectationFailed, "device_id_required", "device_id is required")
	}
	if walletID == "" {
		return nil, reqErr(http.StatusExpectationFailed, "wallet_id_required", "wallet_id is required")
	}
	if len(req.Items) == 0 {
		return nil, reqErr(http.StatusExpectationFailed, "items_required", "items is required")
	}
	if !registry.ValidClientID(walletID) {
		return nil, reqErr(http.StatusExpectationFailed, "auth_failed", "invalid wallet_id")
	}

	if rerr := e.resolveDevice(ctx, userID, tokenDeviceID, deviceID); rerr != nil {
		return nil, rerr
	}

	// Batches from one device apply in arrival order.
	unlock := e.lockDevice(deviceID)
	defer unlock()

	if len(req.Items) > registry.MaxPushItems {
		return nil, &RequestError{
			HTTPStatus: http.StatusExpectationFailed,
			Code:       "too_many_items",
			Results:    []map[string]any{{"status": "error", "error": "too_many_items"}},
		}
	}

	// Unknown entity types fail the whole batch before any item runs.
	for _, raw := range req.Items {
		typeName := syncx.GetString(raw, "entity_type")
		if typeName == "" {
			continue
		}
		if d, ok := registry.Lookup(typeName); !ok || d.PullOnly {
			return nil, reqErr(http.StatusExpectationFailed, "unsupported_entity_type", "")
		}
	}

	scope := &Scope{UserID: userID, DeviceID: deviceID, WalletID: walletID}

	// Wallet bootstrap: a batch consisting solely of wallet creates may
	// proceed without membership; everything else needs member rank.
	if !allWalletCreates(req.Items) {
		m, rerr := e.requireMember(ctx, e.store, walletID, userID, rankMember)
		if rerr != nil {
			return nil, rerr
		}
		scope.Role = m.Role
	}

	results := make([]map[string]any, 0, len(req.Items))
	tasks := recalc.NewTasks()

	for _, raw := range req.Items {
		results = append(results, e.pushItem(ctx, scope, raw, tasks))
	}

	if !tasks.Empty() {
		err := e.store.Atomic(ctx, func(tx storage.Tx) error {
			return e.recalc.Run(ctx, tx, walletID, tasks)
		})
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("wallet", walletID).Msg("recalc pass failed")
		}
	}

	e.stampDevice(ctx, deviceID, "last_sync")

	return &PushResponse{
		Results:    results,
		ServerTime: syncx.FormatTime(e.now()),
	}, nil
}

func allWalletCreates(items []map[string]any) bool {
	for _, raw := range items {
		if !isWalletCreate(raw) {
			return false
		}
	}
	return true
}

func isWalletCreate(raw map[string]any) bool {
	return registry.Normalize(syncx.GetString(raw, "entity_type")) == registry.TypeWallet &&
		syncx.GetString(raw, "operation") == "create"
}

// pushItem runs the full pipeline for one batch entry and returns its
// result map. It never returns an error: every failure mode has a
// result shape.
func (e *Engine) pushItem(ctx context.Context, scope *Scope, raw map[string]any, tasks *recalc.Tasks) map[string]any {
	opID, _ := raw["op_id"].(string)
	opID = strings.TrimSpace(opID)
	typeName := syncx.GetString(raw, "entity_type")
	fallbackID := replayClientID(raw)

	// Idempotency: a known op_id short-circuits before validation so
	// retries of since-fixed clients still replay the original outcome.
	if opID != "" {
		rec, err := e.store.GetOp(ctx, scope.UserID, scope.DeviceID, scope.WalletID+":"+opID)
		switch {
		case err == nil:
			return replayResult(rec, opID, typeName, fallbackID)
		case !errors.Is(err, storage.ErrNotFound):
			log.Ctx(ctx).Error().Err(err).Str("op_id", opID).Msg("ledger lookup failed")
			return itemRejected(opID, typeName, fallbackID, "ledger lookup failed")
		}
	}

	it, verr := parseItem(raw, scope.WalletID)
	if verr != nil {
		return verr
	}

	var (
		result      map[string]any
		applied     bool
		prevPayload map[string]any
		newPayload  map[string]any
	)

	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		res, appliedRow, prev, err := e.applyItem(ctx, tx, scope, it)
		if err != nil {
			return err
		}
		result = res
		if appliedRow != nil {
			applied = true
			prevPayload = prev
			newPayload = appliedRow.Payload
		}
		return nil
	})

	var replay *replayError
	switch {
	case err == nil:
		if applied {
			tasks.Note(it.Operation, it.Desc.Name, it.ClientID, newPayload, prevPayload)
		}
		return result
	case errors.As(err, &replay):
		return replayResult(replay.rec, opID, typeName, fallbackID)
	default:
		detail := err.Error()
		log.Ctx(ctx).Warn().Err(err).
			Str("entity_type", it.Desc.Name).
			Str("client_id", it.ClientID).
			Msg("push item rejected")
		rejected := itemRejected(it.OpID, it.TypeName, it.ClientID, detail)
		e.recordFailure(ctx, scope, it, rejected)
		return rejected
	}
}

// applyItem is the in-transaction stage of one item. It returns the
// result map plus, for accepted mutations, the written row and the
// payload it replaced.
func (e *Engine) applyItem(ctx context.Context, tx storage.Tx, scope *Scope, it *pushItem) (map[string]any, *storage.Row, map[string]any, error) {
	existing, err := e.lookupExisting(ctx, tx, scope, it)
	if err != nil {
		return nil, nil, nil, err
	}

	// Duplicate create: idempotent, report current state untouched.
	if it.Operation == "create" && existing != nil {
		result := acceptedResult(it.OpID, existing, existing.DocVersion)
		if err := e.putLedger(ctx, tx, scope, it, "duplicate", result); err != nil {
			return nil, nil, nil, err
		}
		e.writeAudit(ctx, tx, scope, it, "duplicate", "")
		return result, nil, nil, nil
	}

	if it.Operation != "create" && existing == nil {
		result := itemError("not_found", it.TypeName, it.ClientID, nil)
		if err := e.putLedger(ctx, tx, scope, it, "error", result); err != nil {
			return nil, nil, nil, err
		}
		e.writeAudit(ctx, tx, scope, it, "error", "")
		return result, nil, nil, nil
	}

	if existing != nil && it.BaseVersion != nil && *it.BaseVersion != existing.DocVersion {
		result := conflictResult(it.OpID, existing, *it.BaseVersion)
		if err := e.putLedger(ctx, tx, scope, it, "conflict", result); err != nil {
			return nil, nil, nil, err
		}
		e.writeAudit(ctx, tx, scope, it, "conflict", "")
		return result, nil, nil, nil
	}

	if encoded, err := json.Marshal(it.Payload); err != nil {
		return nil, nil, nil, err
	} else if len(encoded) > registry.MaxPayloadBytes {
		return itemError("payload_too_large", it.TypeName, it.ClientID, nil), nil, nil, nil
	}

	walletCreate := it.Desc.Name == registry.TypeWallet && it.Operation == "create"
	if walletCreate && it.ClientID != scope.WalletID {
		return itemError("wallet_id_must_equal_client_id", it.TypeName, it.ClientID, nil), nil, nil, nil
	}

	// Membership is re-read per item: a wallet created earlier in the
	// batch counts, a membership removed earlier does not.
	if !walletCreate {
		rank, err := memberRank(ctx, tx, scope.WalletID, scope.UserID)
		if err != nil {
			return nil, nil, nil, err
		}
		if rank < rankMember {
			return itemError("wallet_access_denied", it.TypeName, it.ClientID, nil), nil, nil, nil
		}
	}

	payload := prepare(it.Desc, it.Payload, it.ClientID, scope.WalletID)
	if err := e.applyHooks(ctx, tx, it, payload, existing, scope); err != nil {
		return nil, nil, nil, err
	}
	if err := checkLinks(ctx, tx, it.Desc, payload, scope.WalletID); err != nil {
		return nil, nil, nil, err
	}

	var prevPayload map[string]any
	if existing != nil {
		prevPayload = syncx.CloneMap(existing.Payload)
	}

	row, resultVersion, err := e.applyWrite(ctx, tx, scope, it, payload, existing)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := e.postWrite(ctx, tx, scope, it, row); err != nil {
		return nil, nil, nil, err
	}

	result := acceptedResult(it.OpID, row, resultVersion)
	if err := e.putLedger(ctx, tx, scope, it, "accepted", result); err != nil {
		return nil, nil, nil, err
	}
	e.writeAudit(ctx, tx, scope, it, "accepted", "")
	return result, row, prevPayload, nil
}

// lookupExisting loads the target row. A row under the same client_id
// in another wallet blocks creates and is invisible to updates.
func (e *Engine) lookupExisting(ctx context.Context, tx storage.Tx, scope *Scope, it *pushItem) (*storage.Row, error) {
	row, err := tx.GetRow(ctx, it.Desc.Name, it.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row.WalletID != scope.WalletID {
		if it.Operation == "create" {
			return nil, errors.New("client_id already in use")
		}
		return nil, nil
	}
	return row, nil
}

// applyWrite performs the version-controlled mutation. It returns the
// written (or, for hard deletes, last-seen) row and the doc_version to
// report: hard deletes report the pre-delete version of the vanished
// row.
func (e *Engine) applyWrite(ctx context.Context, tx storage.Tx, scope *Scope, it *pushItem, payload map[string]any, existing *storage.Row) (*storage.Row, int64, error) {
	if existing != nil {
		// Replacement rows must land after the replaced row in stream
		// order, including right after a restart.
		e.clock.Observe(scope.WalletID, existing.ServerModified)
	}
	stamp := e.clock.Next(scope.WalletID)

	switch it.Operation {
	case "create":
		now := e.now().UTC()
		row := &storage.Row{
			EntityType:     it.Desc.Name,
			EntityID:       it.ClientID,
			ClientID:       it.ClientID,
			WalletID:       scope.WalletID,
			Payload:        payload,
			DocVersion:     1,
			ServerModified: stamp,
			CreatedAt:      now,
		}
		if err := tx.PutRow(ctx, row); err != nil {
			return nil, 0, err
		}
		return row, 1, nil

	case "update":
		merged := syncx.CloneMap(existing.Payload)
		for k, v := range payload {
			merged[k] = v
		}
		existing.Payload = merged
		existing.DocVersion++
		existing.ServerModified = stamp
		// An update at the post-delete version revives the row.
		existing.IsDeleted = false
		existing.DeletedAt = nil
		if err := tx.PutRow(ctx, existing); err != nil {
			return nil, 0, err
		}
		return existing, existing.DocVersion, nil

	default: // delete
		if !it.Desc.SoftDeletes() {
			preVersion := existing.DocVersion
			if err := tx.DeleteRow(ctx, existing.EntityType, existing.EntityID); err != nil {
				return nil, 0, err
			}
			existing.ServerModified = stamp
			return existing, preVersion, nil
		}
		merged := syncx.CloneMap(existing.Payload)
		for k, v := range payload {
			merged[k] = v
		}
		existing.Payload = merged
		existing.DocVersion++
		existing.ServerModified = stamp
		existing.IsDeleted = true
		if existing.DeletedAt == nil {
			t := e.now().UTC()
			existing.DeletedAt = &t
		}
		if err := tx.PutRow(ctx, existing); err != nil {
			return nil, 0, err
		}
		return existing, existing.DocVersion, nil
	}
}

// postWrite runs the side effects an accepted write triggers inside
// the same transaction: the allocation mirror, auto allocations, and
// owner membership seeding for new wallets.
func (e *Engine) postWrite(ctx context.Context, tx storage.Tx, scope *Scope, it *pushItem, row *storage.Row) error {
	switch it.Desc.Name {
	case registry.TypeTransactionAllocation, registry.TypeTransactionBucket:
		if err := e.alloc.Mirror(ctx, tx, row, it.Operation); err != nil {
			return err
		}

	case registry.TypeTransaction:
		if err := e.alloc.ApplyAuto(ctx, tx, row); err != nil {
			return err
		}

	case registry.TypeWallet:
		if it.Operation == "create" {
			if err := e.seedOwnerMember(ctx, tx, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

// seedOwnerMember creates the owner membership row for a freshly
// created wallet unless the user already has one.
func (e *Engine) seedOwnerMember(ctx context.Context, tx storage.Tx, scope *Scope) error {
	rows, err := tx.ListByType(ctx, scope.WalletID, registry.TypeWalletMember)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if syncx.GetString(r.Payload, "user") == scope.UserID {
			return nil
		}
	}

	now := e.now().UTC()
	cid := uuid.NewString()
	m := &storage.Row{
		EntityType: registry.TypeWalletMember,
		EntityID:   cid,
		ClientID:   cid,
		WalletID:   scope.WalletID,
		Payload: map[string]any{
			"client_id": cid,
			"wallet_id": scope.WalletID,
			"wallet":    scope.WalletID,
			"user":      scope.UserID,
			"role":      "owner",
			"status":    "active",
			"joined_at": syncx.FormatTime(now),
		},
		DocVersion:     1,
		ServerModified: e.clock.Next(scope.WalletID),
		CreatedAt:      now,
	}
	return tx.PutRow(ctx, m)
}

// putLedger records an item's terminal outcome. A collision means a
// concurrent request already applied this op_id: the transaction is
// aborted via replayError and the stored result wins.
func (e *Engine) putLedger(ctx context.Context, tx storage.Tx, scope *Scope, it *pushItem, status string, result map[string]any) error {
	if it.OpID == "" {
		return nil
	}
	opKey := scope.WalletID + ":" + it.OpID
	rec := &storage.OpRecord{
		UserID:     scope.UserID,
		DeviceID:   scope.DeviceID,
		OpKey:      opKey,
		EntityType: it.Desc.Name,
		EntityID:   it.ClientID,
		Operation:  it.Operation,
		Status:     status,
		Result:     result,
		CreatedAt:  e.now().UTC(),
	}
	err := tx.PutOp(ctx, rec)
	if errors.Is(err, storage.ErrOpExists) {
		stored, gerr := tx.GetOp(ctx, scope.UserID, scope.DeviceID, opKey)
		if gerr != nil {
			return gerr
		}
		return &replayError{rec: stored}
	}
	return err
}

// writeAudit appends one audit_log row. Audit rows never sync; write
// failures are logged, not propagated.
func (e *Engine) writeAudit(ctx context.Context, tx storage.Tx, scope *Scope, it *pushItem, status, detail string) {
	now := e.now().UTC()
	payload := map[string]any{
		"user":        scope.UserID,
		"device_id":   scope.DeviceID,
		"op_id":       it.OpID,
		"entity_type": it.Desc.Name,
		"entity_id":   it.ClientID,
		"operation":   it.Operation,
		"status":      status,
	}
	if detail != "" {
		payload["detail"] = detail
	}
	id := uuid.NewString()
	row := &storage.Row{
		EntityType:     registry.TypeAuditLog,
		EntityID:       id,
		ClientID:       id,
		WalletID:       scope.WalletID,
		Payload:        payload,
		DocVersion:     1,
		ServerModified: now,
		CreatedAt:      now,
	}
	if err := tx.PutRow(ctx, row); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("entity_type", it.Desc.Name).Msg("audit write failed")
	}
}

// recordFailure persists the ledger and audit trail of a rejected item
// outside its rolled-back transaction. Best effort.
func (e *Engine) recordFailure(ctx context.Context, scope *Scope, it *pushItem, rejected map[string]any) {
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		if lerr := e.putLedger(ctx, tx, scope, it, "error", rejected); lerr != nil {
			var replay *replayError
			if !errors.As(lerr, &replay) {
				return lerr
			}
		}
		e.writeAudit(ctx, tx, scope, it, "error", syncx.GetString(rejected, "detail"))
		return nil
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("op_id", it.OpID).Msg("rejected item bookkeeping failed")
	}
}

// replayClientID mirrors the loop's client id fallback for results
// produced before validation has run.
func replayClientID(raw map[string]any) string {
	if payload, ok := syncx.GetMap(raw, "payload"); ok {
		if cid := syncx.GetString(payload, "client_id"); cid != "" {
			return cid
		}
	}
	return syncx.GetString(raw, "entity_id")
}
