/*
ledger.go - Commission ledger state machine

PURPOSE:
  Processes "order delivered" and "order undelivered" events into idempotent
  accrual/reversal operations against a referrer's balance and statistics.
  This is the only money-moving code in the engine.

STATE MACHINE (per order):
  NoRecord -> Accrued -> Reversed -> Accrued -> ...
  An order can cycle if its delivery status flips back and forth. Each cycle
  is bit-exact reversible: reversal always undoes exactly the stored amount,
  and re-accrual goes through OnOrderDelivered unchanged.

CRITICAL INVARIANTS:
  1. IDEMPOTENT: a duplicate delivered event against an Accrued record is a
     no-op; a reversal without a matching accrual is a logged no-op.
  2. ATOMIC: record state + ledger entry + stats + click flag commit as one
     transaction. Balance incremented without the record marked Accrued (or
     vice versa) is structurally impossible.
  3. EXACT REVERSAL: reversal uses the amount stored at accrual, never a
     recomputed one - the order value may have changed since.
  4. NEVER CLAMPED: a reversal may drive available balance negative if it
     raced an external withdrawal. The deficit is recorded and carried
     forward against future accruals; clamping to zero would lose money
     from the ledger's perspective.

CONCURRENCY:
  Every transition acquires an exclusive lock scoped to the order id.
  Transitions for different orders proceed fully in parallel. Attribution
  lookups read the shared click log and never take this lock.

AUDIT:
  Every accrual/reversal attempt is logged with before/after balances.
  No error on a money-moving path is ever swallowed silently.

SEE ALSO:
  - attribution.go: Resolves the referrer on delivery
  - commission.go: Deterministic amount computation
  - projection.go: Rebuilding stats from the entry log
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the commission state machine.
type Ledger struct {
	store    TxStore
	resolver *Resolver
	rates    RateProvider
	log      *zap.Logger
	locks    orderLocks
}

func NewLedger(store TxStore, resolver *Resolver, rates RateProvider, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:    store,
		resolver: resolver,
		rates:    rates,
		log:      log,
		locks:    orderLocks{held: make(map[OrderID]*orderLock)},
	}
}

// =============================================================================
// ACCRUAL - order entered "delivered"
// =============================================================================

// OnOrderDelivered accrues commission for a delivered order.
//
// No-ops: duplicate event on an Accrued record; organic order (no
// attribution). Any returned error left the ledger in its prior consistent
// state and is safe to retry.
func (l *Ledger) OnOrderDelivered(ctx context.Context, evt OrderEvent) error {
	unlock := l.locks.lock(evt.OrderID)
	defer unlock()

	rec, err := l.store.GetRecord(ctx, evt.OrderID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if rec != nil && rec.State == StateAccrued {
		// Duplicate delivery event. Expected under retries.
		l.log.Debug("duplicate delivered event ignored",
			zap.String("order", string(evt.OrderID)))
		return nil
	}

	attr, err := l.resolver.AttributeOrder(ctx, evt.OrderID, evt.AccountID, evt.At)
	if errors.Is(err, ErrNoAttribution) {
		l.log.Debug("organic order, no commission",
			zap.String("order", string(evt.OrderID)))
		return nil
	}
	if err != nil {
		return err
	}

	rate, err := l.rates.Rate(ctx, attr.ReferrerID)
	if err != nil {
		return err
	}
	amount := ComputeCommission(evt.TotalMinor, rate)

	var before, after int64
	applied := false
	err = l.store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetRecord(ctx, evt.OrderID)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		if cur != nil && cur.State == StateAccrued {
			// Another writer accrued between the pre-check and this
			// transaction. The per-order lock only covers this process.
			return nil
		}

		entries, err := s.EntriesByOrder(ctx, evt.OrderID)
		if err != nil {
			return err
		}
		firstAccrual := true
		for _, e := range entries {
			if e.Type == EntryAccrual {
				firstAccrual = false
				break
			}
		}

		next := CommissionRecord{
			ID:              RecordID(uuid.NewString()),
			OrderID:         evt.OrderID,
			ReferrerID:      attr.ReferrerID,
			OrderValueMinor: evt.TotalMinor,
			RatePercent:     rate,
			AmountMinor:     amount,
			State:           StateAccrued,
			AccruedAt:       evt.At.UTC(),
			CreatedAt:       time.Now().UTC(),
		}
		if cur != nil {
			next.ID = cur.ID
			next.CreatedAt = cur.CreatedAt
		}
		if err := s.SaveRecord(ctx, next); err != nil {
			return err
		}

		if err := s.AppendEntry(ctx, CommissionEntry{
			ID:             EntryID(uuid.NewString()),
			RecordID:       next.ID,
			OrderID:        evt.OrderID,
			ReferrerID:     attr.ReferrerID,
			Type:           EntryAccrual,
			DeltaMinor:     amount,
			IdempotencyKey: entryKey(evt.OrderID, EntryAccrual, len(entries)),
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return err
		}

		stats, err := s.GetStats(ctx, attr.ReferrerID)
		if err != nil {
			return err
		}
		before = stats.AvailableMinor
		after = before + amount

		delta := StatsDelta{AvailableMinor: amount, LifetimeMinor: amount}
		if firstAccrual {
			// Order-conversion counter moves only on the first-ever accrual
			// for this order, not on re-accrual after a reversal cycle.
			delta.Orders = 1
		}
		if err := s.AdjustStats(ctx, attr.ReferrerID, delta); err != nil {
			return err
		}

		if firstAccrual && attr.ClickID != "" {
			if err := s.MarkClickOrderConverted(ctx, attr.ClickID, amount); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		l.log.Error("accrual failed, rolled back",
			zap.String("order", string(evt.OrderID)),
			zap.String("referrer", string(attr.ReferrerID)),
			zap.Int64("amount_minor", amount),
			zap.Error(err))
		return err
	}
	if !applied {
		l.log.Debug("duplicate delivered event ignored",
			zap.String("order", string(evt.OrderID)))
		return nil
	}

	l.log.Info("commission accrued",
		zap.String("order", string(evt.OrderID)),
		zap.String("referrer", string(attr.ReferrerID)),
		zap.Int64("amount_minor", amount),
		zap.Int64("balance_before", before),
		zap.Int64("balance_after", after))
	return nil
}

// =============================================================================
// REVERSAL - order left "delivered"
// =============================================================================

// OnOrderUndelivered reverses a previously accrued commission.
//
// Reverses exactly the stored amount. If no Accrued record exists, this is
// a logged data-integrity no-op, never a corruption.
func (l *Ledger) OnOrderUndelivered(ctx context.Context, evt OrderEvent) error {
	unlock := l.locks.lock(evt.OrderID)
	defer unlock()

	rec, err := l.store.GetRecord(ctx, evt.OrderID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			l.log.Warn("reversal with no matching accrual, no-op",
				zap.String("order", string(evt.OrderID)),
				zap.Error(&StateError{OrderID: evt.OrderID, State: "none", Op: "reversal"}))
			return nil
		}
		return err
	}
	if rec.State != StateAccrued {
		l.log.Warn("reversal on non-accrued record, no-op",
			zap.String("order", string(evt.OrderID)),
			zap.Error(&StateError{OrderID: evt.OrderID, State: rec.State, Op: "reversal"}))
		return nil
	}

	amount := rec.AmountMinor
	var before, after int64
	applied := false
	err = l.store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetRecord(ctx, evt.OrderID)
		if err != nil {
			return err
		}
		if cur.State != StateAccrued {
			// State changed between the pre-check and this transaction.
			return nil
		}

		entries, err := s.EntriesByOrder(ctx, evt.OrderID)
		if err != nil {
			return err
		}

		reversedAt := evt.At.UTC()
		cur.State = StateReversed
		cur.ReversedAt = &reversedAt
		if err := s.SaveRecord(ctx, *cur); err != nil {
			return err
		}

		if err := s.AppendEntry(ctx, CommissionEntry{
			ID:             EntryID(uuid.NewString()),
			RecordID:       cur.ID,
			OrderID:        evt.OrderID,
			ReferrerID:     cur.ReferrerID,
			Type:           EntryReversal,
			DeltaMinor:     -amount,
			IdempotencyKey: entryKey(evt.OrderID, EntryReversal, len(entries)),
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return err
		}

		stats, err := s.GetStats(ctx, cur.ReferrerID)
		if err != nil {
			return err
		}
		before = stats.AvailableMinor
		after = before - amount

		if err := s.AdjustStats(ctx, cur.ReferrerID, StatsDelta{
			AvailableMinor: -amount,
			LifetimeMinor:  -amount,
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		l.log.Error("reversal failed, rolled back",
			zap.String("order", string(evt.OrderID)),
			zap.String("referrer", string(rec.ReferrerID)),
			zap.Int64("amount_minor", amount),
			zap.Error(err))
		return err
	}
	if !applied {
		l.log.Warn("reversal on non-accrued record, no-op",
			zap.String("order", string(evt.OrderID)),
			zap.Error(&StateError{OrderID: evt.OrderID, State: rec.State, Op: "reversal"}))
		return nil
	}

	if after < 0 {
		// Deficit carried forward against future accruals, not clamped.
		l.log.Warn("reversal drove balance negative, deficit carried forward",
			zap.String("order", string(evt.OrderID)),
			zap.String("referrer", string(rec.ReferrerID)),
			zap.Int64("balance_after", after))
	}

	l.log.Info("commission reversed",
		zap.String("order", string(evt.OrderID)),
		zap.String("referrer", string(rec.ReferrerID)),
		zap.Int64("amount_minor", amount),
		zap.Int64("balance_before", before),
		zap.Int64("balance_after", after))
	return nil
}

// entryKey builds the idempotency key for the nth transition of an order.
func entryKey(orderID OrderID, typ EntryType, seq int) string {
	return fmt.Sprintf("%s:%s:%d", orderID, typ, seq)
}

// =============================================================================
// PER-ORDER LOCKS
// =============================================================================

// orderLocks serializes competing transitions for the same order while
// letting different orders proceed fully in parallel.
type orderLocks struct {
	mu   sync.Mutex
	held map[OrderID]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the lock for an order and returns its release func.
func (ol *orderLocks) lock(id OrderID) func() {
	ol.mu.Lock()
	entry, ok := ol.held[id]
	if !ok {
		entry = &orderLock{}
		ol.held[id] = entry
	}
	entry.refs++
	ol.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		ol.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(ol.held, id)
		}
		ol.mu.Unlock()
	}
}
