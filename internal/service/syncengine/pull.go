package syncengine

import (
	"context"
	"net/http"
	"strings"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// PullRequest is the decoded pull query. Cursor and Since are aliases;
// Cursor wins when both are set.
type PullRequest struct {
	DeviceID string `json:"device_id"`
	WalletID string `json:"wallet_id"`
	Cursor   string `json:"cursor"`
	Since    string `json:"since"`
	Limit    int    `json:"limit"`
}

// PullResponse is one page of a wallet's change stream.
type PullResponse struct {
	Items      []map[string]any `json:"items"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
	ServerTime string           `json:"server_time"`
}

// Pull returns wallet changes strictly after the request cursor, soft
// deletes included so clients can drop local copies.
func (e *Engine) Pull(ctx context.Context, userID, tokenDeviceID string, req *PullRequest) (*PullResponse, *RequestError) {
	deviceID := strings.TrimSpace(req.DeviceID)
	walletID := strings.TrimSpace(req.WalletID)

	if deviceID == "" {
		return nil, reqErr(http.StatusExpectationFailed, "device_id_required", "device_id is required")
	}
	if walletID == "" {
		return nil, reqErr(http.StatusExpectationFailed, "wallet_id_required", "wallet_id is required")
	}
	if !registry.ValidClientID(walletID) {
		return nil, reqErr(http.StatusExpectationFailed, "auth_failed", "invalid wallet_id")
	}

	if rerr := e.resolveDevice(ctx, userID, tokenDeviceID, deviceID); rerr != nil {
		return nil, rerr
	}
	if _, rerr := e.requireMember(ctx, e.store, walletID, userID, rankViewer); rerr != nil {
		return nil, rerr
	}

	raw := strings.TrimSpace(req.Cursor)
	if raw == "" {
		raw = strings.TrimSpace(req.Since)
	}
	var after storage.Position
	if raw != "" {
		c, ok := syncx.DecodeCursor(raw)
		if !ok {
			return nil, reqErr(http.StatusExpectationFailed, "invalid_cursor", "cursor is not a valid position")
		}
		after = storage.Position{ServerModified: c.ServerModified, EntityType: c.EntityType, EntityID: c.EntityID}
	}

	limit := req.Limit
	if limit <= 0 || limit > registry.MaxPullLimit {
		limit = registry.MaxPullLimit
	}

	rows, err := e.store.ScanWallet(ctx, walletID, after, limit+1, registry.PullTypes())
	if err != nil {
		return nil, reqErr(http.StatusInternalServerError, "pull_failed", "could not read wallet changes")
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	items := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		items = append(items, pullItem(r))
	}

	var next string
	switch {
	case len(rows) > 0:
		last := rows[len(rows)-1]
		next = syncx.EncodeCursor(syncx.Cursor{
			ServerModified: last.ServerModified,
			EntityType:     last.EntityType,
			EntityID:       last.EntityID,
		})
	case raw != "":
		// Echo the position back in canonical form so clients can
		// persist next_cursor unconditionally.
		next = syncx.EncodeCursor(syncx.Cursor{
			ServerModified: after.ServerModified,
			EntityType:     after.EntityType,
			EntityID:       after.EntityID,
		})
	default:
		next = syncx.EncodeCursor(syncx.Cursor{ServerModified: e.now().UTC()})
	}

	e.stampDevice(ctx, deviceID, "last_pull")

	return &PullResponse{
		Items:      items,
		NextCursor: next,
		HasMore:    hasMore,
		ServerTime: syncx.FormatTime(e.now()),
	}, nil
}
