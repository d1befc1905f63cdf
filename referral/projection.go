/*
projection.go - Balance projection

PURPOSE:
  The read-side aggregate: available balance, lifetime commission, and
  conversion counters, exposed to user-facing balance displays.

KEY INSIGHT:
  The cached ReferrerStats row is a performance cache, never the source of
  truth. The authoritative values fold from the immutable logs alone:
  - balances:  sum of commission entry deltas (accrued minus reversed)
  - orders:    distinct orders with at least one accrual entry
  - clicks/registrations: counted from the click log
  Rebuild() refolds and overwrites the cache, recovering from any bug that
  corrupted it. This replaces the in-place mutable counter object the
  surrounding system used to keep.

SEE ALSO:
  - ledger.go: Appends the entries this folds
  - store.go: GetStats/SaveStats/CountClicks
*/
package referral

import (
	"context"

	"go.uber.org/zap"
)

// Projection reads and rebuilds referrer statistics.
type Projection struct {
	store Store
	log   *zap.Logger
}

func NewProjection(store Store, log *zap.Logger) *Projection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Projection{store: store, log: log}
}

// GetStats returns the cached aggregate (fast path, zero-valued if absent).
func (p *Projection) GetStats(ctx context.Context, referrerID ReferrerID) (ReferrerStats, error) {
	return p.store.GetStats(ctx, referrerID)
}

// Fold recomputes ReferrerStats from the logs alone, without touching the
// cached row. This is the offline-rebuildable definition of the aggregate.
func (p *Projection) Fold(ctx context.Context, referrerID ReferrerID) (ReferrerStats, error) {
	stats := ReferrerStats{ReferrerID: referrerID}

	entries, err := p.store.EntriesByReferrer(ctx, referrerID)
	if err != nil {
		return stats, err
	}
	accruedOrders := make(map[OrderID]bool)
	for _, e := range entries {
		stats.AvailableMinor += e.DeltaMinor
		stats.LifetimeMinor += e.DeltaMinor
		if e.Type == EntryAccrual {
			accruedOrders[e.OrderID] = true
		}
	}
	stats.Orders = int64(len(accruedOrders))

	clicks, registrations, err := p.store.CountClicks(ctx, referrerID)
	if err != nil {
		return stats, err
	}
	stats.Clicks = clicks
	stats.Registrations = registrations

	return stats, nil
}

// Rebuild refolds the aggregate from the logs and overwrites the cache.
func (p *Projection) Rebuild(ctx context.Context, referrerID ReferrerID) (ReferrerStats, error) {
	folded, err := p.Fold(ctx, referrerID)
	if err != nil {
		return folded, err
	}
	cached, err := p.store.GetStats(ctx, referrerID)
	if err != nil {
		return folded, err
	}
	if cached != folded {
		p.log.Warn("cached stats diverged from log, rebuilt",
			zap.String("referrer", string(referrerID)),
			zap.Int64("cached_available", cached.AvailableMinor),
			zap.Int64("folded_available", folded.AvailableMinor))
	}
	if err := p.store.SaveStats(ctx, folded); err != nil {
		return folded, err
	}
	return folded, nil
}

// CommissionHistory returns the full accrual/reversal log for a referrer,
// oldest first.
func (p *Projection) CommissionHistory(ctx context.Context, referrerID ReferrerID) ([]CommissionEntry, error) {
	return p.store.EntriesByReferrer(ctx, referrerID)
}
