/*
engine.go - Engine facade and order event routing

PURPOSE:
  Wires the components together and centralizes the one rule the rest of
  the system used to scatter across call sites: the ledger reacts only to
  transitions INTO and OUT OF "delivered". That rule has exactly one
  definition, here.

SEE ALSO:
  - ledger.go: The two entry points this routes to
  - ../api/handlers.go: HTTP surface over this facade
*/
package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config carries engine construction options.
type Config struct {
	// Window bounds the attribution look-back. Zero means
	// DefaultAttributionWindow.
	Window time.Duration

	// Rates resolves commission rates. Nil means a 5% flat rate.
	Rates RateProvider

	// Logger for audit and diagnostics. Nil means no-op.
	Logger *zap.Logger
}

// Engine is the top-level facade over the referral subsystem.
type Engine struct {
	Registry   *Registry
	Tracker    *Tracker
	Resolver   *Resolver
	Ledger     *Ledger
	Projection *Projection

	log *zap.Logger
}

func NewEngine(store TxStore, cfg Config) *Engine {
	if cfg.Rates == nil {
		cfg.Rates = NewFlatRate(5)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	resolver := NewResolver(store, cfg.Window, cfg.Logger)
	return &Engine{
		Registry:   NewRegistry(store),
		Tracker:    NewTracker(store, cfg.Logger),
		Resolver:   resolver,
		Ledger:     NewLedger(store, resolver, cfg.Rates, cfg.Logger),
		Projection: NewProjection(store, cfg.Logger),
		log:        cfg.Logger,
	}
}

// AttributeOrderRetroactive runs the explicit-only guest-checkout path:
// bind the account by fingerprint, then seed a Pending record so the order
// is visibly attributed before its first delivery event. Invoked only by an
// operator action, never automatically.
func (e *Engine) AttributeOrderRetroactive(ctx context.Context, orderID OrderID, accountID AccountID, visitorIP, userAgent string, now time.Time) (Attribution, error) {
	attr, err := e.Resolver.AttributeOrderRetroactive(ctx, orderID, accountID, visitorIP, userAgent, now)
	if err != nil || attr.Outcome == OutcomeOrganic {
		return attr, err
	}
	if _, err := e.Ledger.store.GetRecord(ctx, orderID); err == nil {
		return attr, nil
	} else if !IsNotFound(err) {
		return attr, err
	}
	rec := CommissionRecord{
		ID:         RecordID(uuid.NewString()),
		OrderID:    orderID,
		ReferrerID: attr.ReferrerID,
		State:      StatePending,
		CreatedAt:  now.UTC(),
	}
	if err := e.Ledger.store.SaveRecord(ctx, rec); err != nil {
		return attr, err
	}
	return attr, nil
}

// HandleOrderStatusChanged derives the ledger triggers from an order status
// change. Exactly two transitions matter: entering and leaving "delivered".
// Everything else is ignored here, in one place.
func (e *Engine) HandleOrderStatusChanged(ctx context.Context, evt OrderEvent) error {
	switch {
	case evt.EnteredDelivered():
		return e.Ledger.OnOrderDelivered(ctx, evt)
	case evt.LeftDelivered():
		return e.Ledger.OnOrderUndelivered(ctx, evt)
	default:
		e.log.Debug("order status change without delivered edge ignored",
			zap.String("order", string(evt.OrderID)),
			zap.String("old", string(evt.OldStatus)),
			zap.String("new", string(evt.NewStatus)))
		return nil
	}
}
