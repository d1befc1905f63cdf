/*
tracker.go - Click tracking ingress

PURPOSE:
  Records an inbound storefront visit that carries a referral code:
  visitor fingerprint (IP + user agent), timestamp, referrer identity.

BEHAVIOR:
  - Known code: a ClickEvent is appended to the click log and the referrer's
    cached click counter is bumped optimistically. The counter is
    non-authoritative; the click log is the source of truth and the counter
    is rebuildable from it (projection.go).
  - Unknown code: silent no-op. The visitor never sees an error for a stale
    or mistyped link.

The click log is append-only: events are never deleted (audit trail) and
are mutated exactly once per conversion type, by the attribution resolver.
*/
package referral

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker records inbound referral clicks.
type Tracker struct {
	store Store
	log   *zap.Logger
}

func NewTracker(store Store, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, log: log}
}

// RecordClick persists a click for a resolvable code.
// Unknown codes return (nil, nil): ignored, not surfaced to the visitor.
func (t *Tracker) RecordClick(ctx context.Context, code Code, visitorIP, userAgent string, now time.Time) (*ClickEvent, error) {
	link, err := t.store.GetLink(ctx, code)
	if errors.Is(err, ErrCodeNotFound) {
		t.log.Debug("click on unknown code ignored", zap.String("code", string(code)))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	click := ClickEvent{
		ID:         ClickID(uuid.NewString()),
		ReferrerID: link.ReferrerID,
		VisitorIP:  visitorIP,
		UserAgent:  userAgent,
		CreatedAt:  now.UTC(),
	}
	if err := t.store.AppendClick(ctx, click); err != nil {
		return nil, err
	}

	// Optimistic counter bump. Eventually consistent by design: if this
	// fails the click is still in the log and a rebuild restores the count.
	if err := t.store.AdjustStats(ctx, link.ReferrerID, StatsDelta{Clicks: 1}); err != nil {
		t.log.Warn("click counter bump failed",
			zap.String("referrer", string(link.ReferrerID)),
			zap.Error(err))
	}

	return &click, nil
}
