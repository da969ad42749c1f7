// Package syncengine implements the offline-first sync protocol:
// batched idempotent push, cursor-paged pull, membership scoping, and
// the side effects accepted writes trigger (allocations, balance
// recalculation, audit rows).
package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/masroof-app/masroof-api/internal/allocation"
	"github.com/masroof-app/masroof-api/internal/fx"
	"github.com/masroof-app/masroof-api/internal/recalc"
	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// Engine owns the sync protocol over one storage.Store. All methods
// are safe for concurrent use; pushes from the same device serialize
// on a per-device lock so batch order matches arrival order.
type Engine struct {
	store        storage.Store
	clock        *syncx.WalletClock
	alloc        *allocation.Engine
	recalc       *recalc.Engine
	seeder       *fx.Seeder
	baseCurrency string
	now          func() time.Time

	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

// New returns an engine backed by store. baseCurrency is the fallback
// when neither wallet nor user settings name one; empty means "SAR".
func New(store storage.Store, clock *syncx.WalletClock, baseCurrency string) *Engine {
	return NewAt(store, clock, baseCurrency, time.Now)
}

// NewAt is New with an injected time source.
func NewAt(store storage.Store, clock *syncx.WalletClock, baseCurrency string, now func() time.Time) *Engine {
	if baseCurrency == "" {
		baseCurrency = "SAR"
	}
	return &Engine{
		store:        store,
		clock:        clock,
		alloc:        allocation.New(clock),
		recalc:       recalc.New(clock),
		seeder:       &fx.Seeder{Store: store, Clock: clock},
		baseCurrency: baseCurrency,
		now:          now,
		deviceLocks:  make(map[string]*sync.Mutex),
	}
}

// lockDevice acquires the device's push lock and returns its release.
func (e *Engine) lockDevice(deviceID string) func() {
	e.mu.Lock()
	l, ok := e.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		e.deviceLocks[deviceID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// baseCurrencyFor resolves the wallet's base currency: the newest
// visible settings row scoped to the wallet, else the newest scoped to
// the user, else the configured default.
func (e *Engine) baseCurrencyFor(ctx context.Context, r storage.Reader, walletID, userID string) string {
	if c := currencyFromRows(listSettingsByWallet(ctx, r, walletID)); c != "" {
		return c
	}
	rows, err := r.FindByPayload(ctx, registry.TypeSettings, "user", userID)
	if err == nil {
		if c := currencyFromRows(rows); c != "" {
			return c
		}
	}
	return e.baseCurrency
}

func listSettingsByWallet(ctx context.Context, r storage.Reader, walletID string) []*storage.Row {
	rows, err := r.ListByType(ctx, walletID, registry.TypeSettings)
	if err != nil {
		return nil
	}
	return rows
}

// currencyFromRows picks the newest non-deleted row carrying a
// base_currency value.
func currencyFromRows(rows []*storage.Row) string {
	live := rows[:0:0]
	for _, r := range rows {
		if r.IsDeleted {
			continue
		}
		if fx.NormalizeCurrency(syncx.GetString(r.Payload, "base_currency")) == "" {
			continue
		}
		live = append(live, r)
	}
	if len(live) == 0 {
		return ""
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].ServerModified.After(live[j].ServerModified)
	})
	return fx.NormalizeCurrency(syncx.GetString(live[0].Payload, "base_currency"))
}
