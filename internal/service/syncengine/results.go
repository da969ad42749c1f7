package syncengine

import (
	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// acceptedResult is the success shape for creates, updates and deletes.
// docVersion is passed explicitly because hard deletes report the
// pre-delete version of a row that no longer exists.
func acceptedResult(opID string, row *storage.Row, docVersion int64) map[string]any {
	return map[string]any{
		"status":          "accepted",
		"op_id":           opID,
		"entity_type":     row.EntityType,
		"entity_id":       row.EntityID,
		"client_id":       row.ClientID,
		"doc_version":     docVersion,
		"server_modified": syncx.FormatTime(row.ServerModified),
	}
}

// conflictResult reports a base_version mismatch without mutating the
// row. server_record carries the authoritative snapshot so the client
// can rebase.
func conflictResult(opID string, row *storage.Row, clientBase int64) map[string]any {
	return map[string]any{
		"op_id":               opID,
		"status":              "conflict",
		"entity_type":         row.EntityType,
		"entity_id":           row.EntityID,
		"client_id":           row.ClientID,
		"client_base_version": clientBase,
		"server_doc_version":  row.DocVersion,
		"doc_version":         row.DocVersion,
		"server_modified":     syncx.FormatTime(row.ServerModified),
		"server_record":       serverRecord(row),
	}
}

// serverRecord is the authoritative snapshot a conflict carries: the
// same projection a pull would deliver for the row.
func serverRecord(row *storage.Row) map[string]any {
	return pullPayload(row)
}

// replayResult reconstructs the response for a deduplicated op_id. The
// stored result is returned verbatim with already_applied added; ledger
// rows without a stored result fall back to a minimal shape.
func replayResult(rec *storage.OpRecord, opID, entityType, clientID string) map[string]any {
	if len(rec.Result) > 0 {
		res := syncx.CloneMap(rec.Result)
		res["already_applied"] = true
		return res
	}
	status := rec.Status
	if status == "" {
		status = "accepted"
	}
	return map[string]any{
		"status":          status,
		"already_applied": true,
		"op_id":           opID,
		"entity_type":     entityType,
		"client_id":       clientID,
	}
}

// pullItem projects a row into the pull wire shape.
func pullItem(row *storage.Row) map[string]any {
	clientID := row.ClientID
	if clientID == "" {
		clientID = row.EntityID
	}
	return map[string]any{
		"entity_type":     row.EntityType,
		"entity_id":       clientID,
		"client_id":       clientID,
		"doc_version":     row.DocVersion,
		"server_modified": syncx.FormatTime(row.ServerModified),
		"payload":         pullPayload(row),
		"is_deleted":      boolInt(row.IsDeleted),
		"deleted_at":      deletedAt(row),
	}
}

// pullPayload filters a stored payload to the fields clients may see
// and backfills the base sync columns every pull record carries.
func pullPayload(row *storage.Row) map[string]any {
	out := make(map[string]any, len(row.Payload)+5)
	if d, ok := registry.Lookup(row.EntityType); ok {
		for k, v := range row.Payload {
			if d.PullAllowed(k) {
				out[k] = v
			}
		}
	}
	clientID := row.ClientID
	if clientID == "" {
		clientID = row.EntityID
	}
	out["client_id"] = clientID
	out["doc_version"] = row.DocVersion
	out["server_modified"] = syncx.FormatTime(row.ServerModified)
	out["is_deleted"] = boolInt(row.IsDeleted)
	out["deleted_at"] = deletedAt(row)
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func deletedAt(row *storage.Row) any {
	if row.DeletedAt == nil {
		return nil
	}
	return syncx.FormatTime(*row.DeletedAt)
}
