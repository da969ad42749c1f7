package fx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// SeedParams control one default-rate seeding pass over a wallet.
type SeedParams struct {
	WalletID          string
	UserID            string
	BaseCurrency      string
	EnabledCurrencies []string
	// OverwriteDefaults refreshes existing default-sourced rows.
	// Custom and api-sourced rows are never touched.
	OverwriteDefaults bool
	EffectiveDate     *time.Time
}

// SeedResult summarizes a seeding pass.
type SeedResult struct {
	Seeded              int      `json:"seeded"`
	Inserted            int      `json:"inserted"`
	Updated             int      `json:"updated"`
	Skipped             int      `json:"skipped"`
	Unresolved          []string `json:"unresolved"`
	Currencies          []string `json:"currencies"`
	OverwrittenDefaults bool     `json:"overwritten_defaults"`
}

// Seeder writes default fx_rate rows into a wallet's sync stream.
type Seeder struct {
	Store storage.Store
	Clock *syncx.WalletClock
}

// DefaultClientID is the deterministic identifier of a seeded rate row.
func DefaultClientID(walletID, base, quote string) string {
	return fmt.Sprintf("fx-default-%s-%s-%s", walletID, base, quote)
}

type pair struct {
	base, quote string
}

// SeedDefaults fills every resolvable ordered currency pair in the
// wallet's pool with a default-sourced rate row. Pairs already covered
// by a user-entered or api rate, in either direction, are skipped.
func (s *Seeder) SeedDefaults(ctx context.Context, p SeedParams) (SeedResult, error) {
	pool := CurrencyPool(p.BaseCurrency, p.EnabledCurrencies)
	res := SeedResult{
		Unresolved:          []string{},
		Currencies:          pool,
		OverwrittenDefaults: p.OverwriteDefaults,
	}
	if len(pool) < 2 {
		return res, nil
	}

	now := time.Now().UTC()
	effective := now
	if p.EffectiveDate != nil {
		effective = p.EffectiveDate.UTC()
	}

	unresolved := make(map[string]bool)

	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		latest, err := latestByPair(ctx, tx, p.WalletID, pool)
		if err != nil {
			return err
		}

		for _, base := range pool {
			for _, quote := range pool {
				if base == quote {
					continue
				}

				existing := latest[pair{base, quote}]
				reverse := latest[pair{quote, base}]

				if existing != nil && userDefinedSources[rowSource(existing)] {
					res.Skipped++
					continue
				}
				if reverse != nil && userDefinedSources[rowSource(reverse)] {
					res.Skipped++
					continue
				}

				rate, ok := ResolveDefaultRate(base, quote)
				if !ok || rate <= 0 {
					unresolved[base+"/"+quote] = true
					continue
				}

				if existing != nil && !p.OverwriteDefaults {
					res.Skipped++
					continue
				}

				inserted, err := s.writeRate(ctx, tx, p, existing, base, quote, rate, effective, now)
				if err != nil {
					return err
				}
				if inserted {
					res.Inserted++
				} else {
					res.Updated++
				}
			}
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}

	for key := range unresolved {
		res.Unresolved = append(res.Unresolved, key)
	}
	sort.Strings(res.Unresolved)
	if len(res.Unresolved) > 50 {
		res.Unresolved = res.Unresolved[:50]
	}
	res.Seeded = res.Inserted + res.Updated
	return res, nil
}

// writeRate upserts one default rate row. It reports whether the row
// was newly visible (inserted) as opposed to refreshed in place.
func (s *Seeder) writeRate(
	ctx context.Context,
	tx storage.Tx,
	p SeedParams,
	existing *storage.Row,
	base, quote string,
	rate float64,
	effective, now time.Time,
) (bool, error) {
	row := existing
	inserted := false

	if row == nil {
		cid := DefaultClientID(p.WalletID, base, quote)
		prev, err := tx.GetRow(ctx, registry.TypeFXRate, cid)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
		if prev != nil {
			// A soft-deleted seed row exists; revive it so versions
			// stay monotonic for pulling clients.
			row = prev
		} else {
			row = &storage.Row{
				EntityType: registry.TypeFXRate,
				EntityID:   cid,
				ClientID:   cid,
				WalletID:   p.WalletID,
				CreatedAt:  now,
			}
		}
		inserted = true
	}

	pl := row.Payload
	if pl == nil {
		pl = make(map[string]any, 10)
	}
	if syncx.GetString(pl, "user") == "" {
		pl["user"] = p.UserID
	}
	pl["client_id"] = row.ClientID
	pl["wallet_id"] = p.WalletID
	pl["base_currency"] = base
	pl["quote_currency"] = quote
	pl["rate"] = round8(rate)
	pl["effective_date"] = syncx.FormatTime(effective)
	pl["source"] = "default"
	pl["last_updated"] = syncx.FormatTime(now)

	row.Payload = pl
	row.WalletID = p.WalletID
	row.DocVersion++
	s.Clock.Observe(p.WalletID, row.ServerModified)
	row.ServerModified = s.Clock.Next(p.WalletID)
	row.IsDeleted = false
	row.DeletedAt = nil

	if err := tx.PutRow(ctx, row); err != nil {
		return false, err
	}
	return inserted, nil
}

// latestByPair maps each currency pair to its newest visible rate row,
// ordered by effective date, then server_modified, then identifier.
func latestByPair(ctx context.Context, tx storage.Tx, walletID string, pool []string) (map[pair]*storage.Row, error) {
	rows, err := tx.ListByType(ctx, walletID, registry.TypeFXRate)
	if err != nil {
		return nil, err
	}

	inPool := make(map[string]bool, len(pool))
	for _, c := range pool {
		inPool[c] = true
	}

	candidates := rows[:0:0]
	for _, r := range rows {
		if r.IsDeleted {
			continue
		}
		base := NormalizeCurrency(syncx.GetString(r.Payload, "base_currency"))
		quote := NormalizeCurrency(syncx.GetString(r.Payload, "quote_currency"))
		if !inPool[base] || !inPool[quote] {
			continue
		}
		candidates = append(candidates, r)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ei, _ := syncx.ParseTime(syncx.GetString(candidates[i].Payload, "effective_date"))
		ej, _ := syncx.ParseTime(syncx.GetString(candidates[j].Payload, "effective_date"))
		if !ei.Equal(ej) {
			return ei.After(ej)
		}
		if !candidates[i].ServerModified.Equal(candidates[j].ServerModified) {
			return candidates[i].ServerModified.After(candidates[j].ServerModified)
		}
		return candidates[i].EntityID > candidates[j].EntityID
	})

	out := make(map[pair]*storage.Row)
	for _, r := range candidates {
		key := pair{
			base:  NormalizeCurrency(syncx.GetString(r.Payload, "base_currency")),
			quote: NormalizeCurrency(syncx.GetString(r.Payload, "quote_currency")),
		}
		if _, ok := out[key]; ok {
			continue
		}
		out[key] = r
	}
	return out, nil
}

func rowSource(r *storage.Row) string {
	return strings.ToLower(strings.TrimSpace(syncx.GetString(r.Payload, "source")))
}
