package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// Scope binds one request to its caller: resolved user, verified
// device, target wallet and the caller's role inside it. Every pipeline
// stage receives the scope explicitly.
type Scope struct {
	UserID   string
	DeviceID string
	WalletID string
	// Role is the wallet membership role, empty during a wallet-create
	// bootstrap where no membership exists yet.
	Role string
}

// Membership role ranks. Higher ranks include the capabilities of
// lower ones.
const (
	rankViewer = 1
	rankMember = 2
	rankAdmin  = 3
	rankOwner  = 4
)

var roleRanks = map[string]int{
	"viewer": rankViewer,
	"member": rankMember,
	"admin":  rankAdmin,
	"owner":  rankOwner,
}

func roleRank(role string) int {
	return roleRanks[role]
}

// resolveDevice verifies the request device against the token binding
// and the stored device row, creating the row on first sighting. A
// revoked device or a device owned by another user is refused.
func (e *Engine) resolveDevice(ctx context.Context, userID, tokenDeviceID, deviceID string) *RequestError {
	if tokenDeviceID != "" && tokenDeviceID != deviceID {
		return reqErr(http.StatusUnauthorized, "device_mismatch", "device_id does not match token")
	}

	row, err := e.store.GetRow(ctx, registry.TypeDevice, deviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		now := e.now().UTC()
		row = &storage.Row{
			EntityType: registry.TypeDevice,
			EntityID:   deviceID,
			ClientID:   deviceID,
			WalletID:   userID,
			Payload: map[string]any{
				"client_id":  deviceID,
				"device_id":  deviceID,
				"user":       userID,
				"first_seen": syncx.FormatTime(now),
				"last_seen":  syncx.FormatTime(now),
				"revoked":    0,
			},
			DocVersion:     1,
			ServerModified: now,
			CreatedAt:      now,
		}
		if err := e.store.PutRow(ctx, row); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("device", deviceID).Msg("device row create failed")
			return reqErr(http.StatusInternalServerError, "internal_error", "device registration failed")
		}
		return nil
	case err != nil:
		log.Ctx(ctx).Error().Err(err).Str("device", deviceID).Msg("device row load failed")
		return reqErr(http.StatusInternalServerError, "internal_error", "device lookup failed")
	}

	if owner := syncx.GetString(row.Payload, "user"); owner != "" && owner != userID {
		return reqErr(http.StatusUnauthorized, "device_mismatch", "device is bound to another user")
	}
	if syncx.Truthy(row.Payload["revoked"]) {
		return reqErr(http.StatusUnauthorized, "device_revoked", "device has been revoked")
	}

	row.Payload["last_seen"] = syncx.FormatTime(e.now().UTC())
	if err := e.store.PutRow(ctx, row); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("device", deviceID).Msg("device last_seen stamp failed")
	}
	return nil
}

// stampDevice records the completion time of a push or pull on the
// device row. Best effort: sync results do not depend on it.
func (e *Engine) stampDevice(ctx context.Context, deviceID, kind string) {
	row, err := e.store.GetRow(ctx, registry.TypeDevice, deviceID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("device", deviceID).Msg("device stamp load failed")
		return
	}
	now := e.now().UTC()
	row.Payload[kind+"_at"] = syncx.FormatTime(now)
	row.Payload[kind+"_ms"] = syncx.ClampInt32(now.UnixMilli())
	if err := e.store.PutRow(ctx, row); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("device", deviceID).Msg("device stamp write failed")
	}
}

// member is one resolved wallet membership.
type member struct {
	Role string
	Rank int
}

// findMember resolves the caller's active membership in a wallet.
// Returns nil when the user has no live, active membership row.
func findMember(ctx context.Context, r storage.Reader, walletID, userID string) (*member, error) {
	rows, err := r.ListByType(ctx, walletID, registry.TypeWalletMember)
	if err != nil {
		return nil, err
	}
	var best *member
	for _, row := range rows {
		if row.IsDeleted {
			continue
		}
		if syncx.GetString(row.Payload, "user") != userID {
			continue
		}
		if status := syncx.GetString(row.Payload, "status"); status != "" && status != "active" {
			continue
		}
		role := syncx.GetString(row.Payload, "role")
		if m := (&member{Role: role, Rank: roleRank(role)}); best == nil || m.Rank > best.Rank {
			best = m
		}
	}
	return best, nil
}

// requireMember enforces wallet membership at or above minRank. The
// wallet row itself must exist.
func (e *Engine) requireMember(ctx context.Context, r storage.Reader, walletID, userID string, minRank int) (*member, *RequestError) {
	if _, err := r.GetRow(ctx, registry.TypeWallet, walletID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, reqErr(http.StatusExpectationFailed, "wallet_not_found", fmt.Sprintf("wallet %s does not exist", walletID))
		}
		log.Ctx(ctx).Error().Err(err).Str("wallet", walletID).Msg("wallet row load failed")
		return nil, reqErr(http.StatusInternalServerError, "internal_error", "wallet lookup failed")
	}

	m, err := findMember(ctx, r, walletID, userID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("wallet", walletID).Msg("membership lookup failed")
		return nil, reqErr(http.StatusInternalServerError, "internal_error", "membership lookup failed")
	}
	if m == nil || m.Rank == 0 {
		return nil, reqErr(http.StatusForbidden, "not_wallet_member", "user is not a member of this wallet")
	}
	if m.Rank < minRank {
		return m, reqErr(http.StatusForbidden, "wallet_read_only", "viewer role cannot push mutations")
	}
	return m, nil
}

// memberRank returns the caller's rank in the wallet, 0 when none.
// Used per item so a wallet created earlier in the batch counts.
func memberRank(ctx context.Context, r storage.Reader, walletID, userID string) (int, error) {
	m, err := findMember(ctx, r, walletID, userID)
	if err != nil {
		return 0, err
	}
	if m == nil {
		return 0, nil
	}
	return m.Rank, nil
}
