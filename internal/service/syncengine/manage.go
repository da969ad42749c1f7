package syncengine

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/masroof-app/masroof-api/internal/fx"
	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// DeviceList is the devices endpoint response.
type DeviceList struct {
	Devices    []map[string]any `json:"devices"`
	ServerTime string           `json:"server_time"`
}

// ListDevices returns the caller's device rows, most recently seen
// first. currentDeviceID marks which entry belongs to this request.
func (e *Engine) ListDevices(ctx context.Context, userID, currentDeviceID string) (*DeviceList, *RequestError) {
	rows, err := e.store.ListByType(ctx, userID, registry.TypeDevice)
	if err != nil {
		return nil, reqErr(http.StatusInternalServerError, "devices_unavailable", "could not read devices")
	}

	live := rows[:0:0]
	for _, r := range rows {
		if !r.IsDeleted {
			live = append(live, r)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		si := syncx.GetString(live[i].Payload, "last_seen")
		sj := syncx.GetString(live[j].Payload, "last_seen")
		if si != sj {
			return si > sj
		}
		return live[i].EntityID < live[j].EntityID
	})

	devices := make([]map[string]any, 0, len(live))
	for _, r := range live {
		p := r.Payload
		devices = append(devices, map[string]any{
			"device_id":    r.EntityID,
			"device_name":  syncx.GetString(p, "device_name"),
			"platform":     syncx.GetString(p, "platform"),
			"app_version":  syncx.GetString(p, "app_version"),
			"first_seen":   syncx.GetString(p, "first_seen"),
			"last_seen":    syncx.GetString(p, "last_seen"),
			"last_sync_at": syncx.GetString(p, "last_sync_at"),
			"last_pull_at": syncx.GetString(p, "last_pull_at"),
			"revoked":      boolInt(syncx.Truthy(p["revoked"])),
			"is_current":   r.EntityID == currentDeviceID,
		})
	}

	return &DeviceList{Devices: devices, ServerTime: syncx.FormatTime(e.now())}, nil
}

// RevokeDevice marks one of the caller's devices revoked. Requests
// authenticated as that device fail with device_revoked afterwards.
func (e *Engine) RevokeDevice(ctx context.Context, userID, deviceID string) *RequestError {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return reqErr(http.StatusExpectationFailed, "device_id_required", "device_id is required")
	}

	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		row, err := tx.GetRow(ctx, registry.TypeDevice, deviceID)
		if err != nil {
			return err
		}
		if row.WalletID != userID {
			return storage.ErrNotFound
		}
		now := e.now().UTC()
		row.Payload["revoked"] = 1
		row.Payload["revoked_at"] = syncx.FormatTime(now)
		row.DocVersion++
		row.ServerModified = now
		return tx.PutRow(ctx, row)
	})
	switch {
	case err == nil:
		log.Ctx(ctx).Info().Str("device_id", deviceID).Str("user", userID).Msg("device revoked")
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return reqErr(http.StatusExpectationFailed, "device_not_found", "device not found")
	default:
		return reqErr(http.StatusInternalServerError, "revoke_failed", "could not revoke device")
	}
}

// WalletList is the wallets endpoint response.
type WalletList struct {
	Wallets    []map[string]any `json:"wallets"`
	ServerTime string           `json:"server_time"`
}

// ListWallets returns the wallets where the caller holds an active
// membership, newest wallet first.
func (e *Engine) ListWallets(ctx context.Context, userID string) (*WalletList, *RequestError) {
	memberships, err := e.store.FindByPayload(ctx, registry.TypeWalletMember, "user", userID)
	if err != nil {
		return nil, reqErr(http.StatusInternalServerError, "wallets_unavailable", "could not read memberships")
	}

	type entry struct {
		wallet *storage.Row
		item   map[string]any
	}
	seen := make(map[string]bool)
	entries := make([]entry, 0, len(memberships))

	for _, m := range memberships {
		if m.IsDeleted {
			continue
		}
		status := syncx.GetString(m.Payload, "status")
		if status != "" && status != "active" {
			continue
		}
		if seen[m.WalletID] {
			continue
		}
		w, err := e.store.GetRow(ctx, registry.TypeWallet, m.WalletID)
		if err != nil || w.IsDeleted {
			continue
		}
		seen[m.WalletID] = true
		entries = append(entries, entry{wallet: w, item: map[string]any{
			"wallet_id":     w.EntityID,
			"wallet_name":   syncx.GetString(w.Payload, "wallet_name"),
			"wallet_status": syncx.GetString(w.Payload, "status"),
			"role":          syncx.GetString(m.Payload, "role"),
			"status":        "active",
			"joined_at":     syncx.GetString(m.Payload, "joined_at"),
		}})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].wallet.ServerModified.Equal(entries[j].wallet.ServerModified) {
			return entries[i].wallet.ServerModified.After(entries[j].wallet.ServerModified)
		}
		return entries[i].wallet.EntityID < entries[j].wallet.EntityID
	})

	wallets := make([]map[string]any, 0, len(entries))
	for _, en := range entries {
		wallets = append(wallets, en.item)
	}
	return &WalletList{Wallets: wallets, ServerTime: syncx.FormatTime(e.now())}, nil
}

// SettingsRequest upserts the wallet settings row.
type SettingsRequest struct {
	WalletID          string `json:"wallet_id"`
	BaseCurrency      string `json:"base_currency"`
	EnabledCurrencies any    `json:"enabled_currencies"`
}

// SettingsResponse reports the stored settings state.
type SettingsResponse struct {
	Settings   map[string]any `json:"settings"`
	ServerTime string         `json:"server_time"`
}

// PutSettings updates the wallet's settings row server-side, creating
// it when the wallet has none. Member rank required.
func (e *Engine) PutSettings(ctx context.Context, userID string, req *SettingsRequest) (*SettingsResponse, *RequestError) {
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

	base := fx.NormalizeCurrency(req.BaseCurrency)
	if req.BaseCurrency != "" && base == "" {
		return nil, reqErr(http.StatusExpectationFailed, "invalid_currency", "base_currency is not a valid currency code")
	}
	enabled := fx.ParseEnabledCurrencies(req.EnabledCurrencies)

	var stored *storage.Row
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		row := newestSettingsRow(ctx, tx, walletID)
		if row == nil {
			cid := "settings-" + walletID
			now := e.now().UTC()
			row = &storage.Row{
				EntityType: registry.TypeSettings,
				EntityID:   cid,
				ClientID:   cid,
				WalletID:   walletID,
				Payload: map[string]any{
					"client_id": cid,
					"wallet_id": walletID,
					"user":      userID,
				},
				CreatedAt: now,
			}
		}
		if base != "" {
			row.Payload["base_currency"] = base
		}
		if req.EnabledCurrencies != nil {
			row.Payload["enabled_currencies"] = enabled
		}
		row.DocVersion++
		e.clock.Observe(walletID, row.ServerModified)
		row.ServerModified = e.clock.Next(walletID)
		row.IsDeleted = false
		row.DeletedAt = nil
		stored = row
		return tx.PutRow(ctx, row)
	})
	if err != nil {
		return nil, reqErr(http.StatusInternalServerError, "settings_failed", "could not store settings")
	}

	return &SettingsResponse{
		Settings:   pullPayload(stored),
		ServerTime: syncx.FormatTime(e.now()),
	}, nil
}

func newestSettingsRow(ctx context.Context, r storage.Reader, walletID string) *storage.Row {
	rows, err := r.ListByType(ctx, walletID, registry.TypeSettings)
	if err != nil {
		return nil
	}
	var best *storage.Row
	for _, row := range rows {
		if row.IsDeleted {
			continue
		}
		if best == nil || row.ServerModified.After(best.ServerModified) {
			best = row
		}
	}
	return best
}

// FxSeedRequest triggers a default-rate seeding pass.
type FxSeedRequest struct {
	WalletID          string `json:"wallet_id"`
	BaseCurrency      string `json:"base_currency"`
	EnabledCurrencies any    `json:"enabled_currencies"`
	OverwriteDefaults bool   `json:"overwrite_defaults"`
	EffectiveDate     string `json:"effective_date"`
}

// SeedFxDefaults fills the wallet's currency pool with default rates.
// Member rank required; user and api sourced rates are never touched.
func (e *Engine) SeedFxDefaults(ctx context.Context, userID string, req *FxSeedRequest) (*fx.SeedResult, *RequestError) {
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

	params := fx.SeedParams{
		WalletID:          walletID,
		UserID:            userID,
		BaseCurrency:      fx.NormalizeCurrency(req.BaseCurrency),
		EnabledCurrencies: fx.ParseEnabledCurrencies(req.EnabledCurrencies),
		OverwriteDefaults: req.OverwriteDefaults,
	}
	if params.BaseCurrency == "" {
		params.BaseCurrency = e.baseCurrencyFor(ctx, e.store, walletID, userID)
	}
	if len(params.EnabledCurrencies) == 0 {
		if row := newestSettingsRow(ctx, e.store, walletID); row != nil {
			params.EnabledCurrencies = fx.ParseEnabledCurrencies(row.Payload["enabled_currencies"])
		}
	}
	if req.EffectiveDate != "" {
		t, ok := syncx.ParseTime(req.EffectiveDate)
		if !ok {
			return nil, reqErr(http.StatusExpectationFailed, "invalid_date", "effective_date is not a valid timestamp")
		}
		params.EffectiveDate = &t
	}

	res, err := e.seeder.SeedDefaults(ctx, params)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("wallet", walletID).Msg("fx seeding failed")
		return nil, reqErr(http.StatusInternalServerError, "fx_seed_failed", "could not seed default rates")
	}
	return &res, nil
}
