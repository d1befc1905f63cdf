/*
attribution.go - Attribution resolver

PURPOSE:
  Given a newly created account or a newly placed order, finds the most
  plausible prior click to credit it to, and records that decision as a
  create-once AccountLink.

TIE-BREAK POLICY (last-click attribution):
  - A click is a candidate iff it is strictly inside the look-back window:
    now-window < click < now. A click exactly window old is NOT a candidate.
  - IP match is the primary key of the fingerprint; among clicks sharing a
    timestamp, a matching user agent wins.
  - Among candidates, the most recent click wins - even if an older click
    belongs to a different referrer (last-click, not first-click).

CREATE-ONCE BINDING:
  The account-to-referrer binding is a create-once fact backed by a
  uniqueness constraint, not an upsert and not a lock. A later click can
  never hijack an already-attributed account; re-attribution reports
  "already attributed" and leaves the original untouched.

RETROACTIVE PATH:
  AttributeOrderRetroactive exists for guest checkouts that never
  registered. It is best-effort and explicit-only: nothing in this engine
  calls it automatically, because it mutates attribution after the fact.

SEE ALSO:
  - tracker.go: Produces the click log this resolver searches
  - ledger.go: Consumes AttributeOrder on delivery events
*/
package referral

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultAttributionWindow bounds the click look-back for registrations and
// retroactive guest attribution.
const DefaultAttributionWindow = 6 * time.Hour

// Outcome describes how an attribution attempt resolved.
type Outcome string

const (
	OutcomeAttributed        Outcome = "attributed"
	OutcomeAlreadyAttributed Outcome = "already_attributed"
	OutcomeOrganic           Outcome = "organic"
)

// Attribution is the result of a resolved attribution attempt.
type Attribution struct {
	Outcome    Outcome
	ReferrerID ReferrerID
	ClickID    ClickID
}

// Resolver searches the click log and maintains account links.
// It reads the shared click log without taking the ledger lock: attribution
// lookups are read-mostly and tolerate eventual consistency of counters,
// but never of the AccountLink create-once invariant.
type Resolver struct {
	store  Store
	window time.Duration
	log    *zap.Logger
}

func NewResolver(store Store, window time.Duration, log *zap.Logger) *Resolver {
	if window <= 0 {
		window = DefaultAttributionWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, window: window, log: log}
}

// Window returns the configured look-back window.
func (r *Resolver) Window() time.Duration { return r.window }

// =============================================================================
// REGISTRATION ATTRIBUTION
// =============================================================================

// AttributeRegistration binds a newly created account to the referrer of
// the closest preceding click matching the visitor fingerprint.
//
// Idempotent: if the account is already bound, reports AlreadyAttributed
// and changes nothing. No eligible click reports Organic.
func (r *Resolver) AttributeRegistration(ctx context.Context, accountID AccountID, visitorIP, userAgent string, now time.Time) (Attribution, error) {
	if existing, err := r.store.GetAccountLink(ctx, accountID); err == nil {
		return Attribution{
			Outcome:    OutcomeAlreadyAttributed,
			ReferrerID: existing.ReferrerID,
			ClickID:    existing.ClickID,
		}, nil
	} else if !errors.Is(err, ErrNoAttribution) {
		return Attribution{}, err
	}

	click, err := r.lastClick(ctx, visitorIP, userAgent, now)
	if err != nil {
		return Attribution{}, err
	}
	if click == nil {
		return Attribution{Outcome: OutcomeOrganic}, nil
	}

	return r.bind(ctx, accountID, *click, now)
}

// =============================================================================
// ORDER ATTRIBUTION
// =============================================================================

// AttributeOrder returns the referrer responsible for the ordering account.
// The binding was created at registration (or by the explicit retroactive
// path); this never creates one. Returns ErrNoAttribution for organic
// orders.
func (r *Resolver) AttributeOrder(ctx context.Context, orderID OrderID, accountID AccountID, now time.Time) (Attribution, error) {
	link, err := r.store.GetAccountLink(ctx, accountID)
	if err != nil {
		return Attribution{}, err
	}
	return Attribution{
		Outcome:    OutcomeAttributed,
		ReferrerID: link.ReferrerID,
		ClickID:    link.ClickID,
	}, nil
}

// AttributeOrderRetroactive creates the account binding for a guest
// checkout by matching the checkout fingerprint against the click log.
// Best-effort and EXPLICIT-ONLY: this mutates attribution after the fact,
// so nothing calls it automatically. If it is never invoked, the order
// stays unattributed and no commission is ever created.
func (r *Resolver) AttributeOrderRetroactive(ctx context.Context, orderID OrderID, accountID AccountID, visitorIP, userAgent string, now time.Time) (Attribution, error) {
	if existing, err := r.store.GetAccountLink(ctx, accountID); err == nil {
		return Attribution{
			Outcome:    OutcomeAlreadyAttributed,
			ReferrerID: existing.ReferrerID,
			ClickID:    existing.ClickID,
		}, nil
	} else if !errors.Is(err, ErrNoAttribution) {
		return Attribution{}, err
	}

	click, err := r.lastClick(ctx, visitorIP, userAgent, now)
	if err != nil {
		return Attribution{}, err
	}
	if click == nil {
		return Attribution{Outcome: OutcomeOrganic}, nil
	}

	r.log.Info("retroactive attribution",
		zap.String("order", string(orderID)),
		zap.String("account", string(accountID)),
		zap.String("referrer", string(click.ReferrerID)),
		zap.String("click", string(click.ID)))

	return r.bind(ctx, accountID, *click, now)
}

// =============================================================================
// INTERNALS
// =============================================================================

// lastClick returns the most recent click strictly inside (now-window, now)
// for the fingerprint, or nil if none qualifies.
func (r *Resolver) lastClick(ctx context.Context, visitorIP, userAgent string, now time.Time) (*ClickEvent, error) {
	clicks, err := r.store.ClicksByIP(ctx, visitorIP, now.Add(-r.window), now)
	if err != nil {
		return nil, err
	}

	var best *ClickEvent
	for i := range clicks {
		c := clicks[i]
		if !c.CreatedAt.After(now.Add(-r.window)) || !c.CreatedAt.Before(now) {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = &clicks[i]
			continue
		}
		// Same instant: user agent breaks the tie.
		if c.CreatedAt.Equal(best.CreatedAt) && userAgent != "" &&
			c.UserAgent == userAgent && best.UserAgent != userAgent {
			best = &clicks[i]
		}
	}
	return best, nil
}

// bind writes the create-once AccountLink and flags the click.
// Losing a race to another binding reports AlreadyAttributed with the
// winner's referrer; the original binding always wins.
func (r *Resolver) bind(ctx context.Context, accountID AccountID, click ClickEvent, now time.Time) (Attribution, error) {
	link := AccountLink{
		AccountID:  accountID,
		ReferrerID: click.ReferrerID,
		ClickID:    click.ID,
		CreatedAt:  now.UTC(),
	}
	if err := r.store.CreateAccountLink(ctx, link); err != nil {
		if errors.Is(err, ErrAlreadyAttributed) {
			winner, lerr := r.store.GetAccountLink(ctx, accountID)
			if lerr != nil {
				return Attribution{}, lerr
			}
			return Attribution{
				Outcome:    OutcomeAlreadyAttributed,
				ReferrerID: winner.ReferrerID,
				ClickID:    winner.ClickID,
			}, nil
		}
		return Attribution{}, err
	}

	if err := r.store.MarkClickRegistered(ctx, click.ID, accountID); err != nil {
		return Attribution{}, err
	}
	// Optimistic counter; authoritative count folds from the click log.
	if err := r.store.AdjustStats(ctx, click.ReferrerID, StatsDelta{Registrations: 1}); err != nil {
		r.log.Warn("registration counter bump failed",
			zap.String("referrer", string(click.ReferrerID)),
			zap.Error(err))
	}

	return Attribution{
		Outcome:    OutcomeAttributed,
		ReferrerID: click.ReferrerID,
		ClickID:    click.ID,
	}, nil
}
