package referral_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
	"github.com/warp/referral-engine/store/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*referral.Engine, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := referral.NewEngine(st, referral.Config{
		Rates: referral.NewFlatRate(5),
	})
	return engine, st
}

func bindAccount(t *testing.T, st referral.Store, accountID, referrerID string) {
	t.Helper()
	err := st.CreateAccountLink(context.Background(), referral.AccountLink{
		AccountID:  referral.AccountID(accountID),
		ReferrerID: referral.ReferrerID(referrerID),
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

func deliveredEvent(orderID, accountID string, totalMinor int64, at time.Time) referral.OrderEvent {
	return referral.OrderEvent{
		OrderID:    referral.OrderID(orderID),
		AccountID:  referral.AccountID(accountID),
		TotalMinor: totalMinor,
		OldStatus:  referral.OrderWithCourier,
		NewStatus:  referral.OrderDelivered,
		At:         at,
	}
}

func undeliveredEvent(orderID, accountID string, totalMinor int64, at time.Time) referral.OrderEvent {
	return referral.OrderEvent{
		OrderID:    referral.OrderID(orderID),
		AccountID:  referral.AccountID(accountID),
		TotalMinor: totalMinor,
		OldStatus:  referral.OrderDelivered,
		NewStatus:  referral.OrderCancelled,
		At:         at,
	}
}

// =============================================================================
// ACCRUAL TESTS
// =============================================================================

func TestLedger_Delivered_AccruesCommission(t *testing.T) {
	// GIVEN: A referred account places a 3000-unit order at 5%
	// WHEN: The order is delivered
	// THEN: 150 accrues, the record is Accrued, one accrual entry exists

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	now := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	err := engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, now))
	require.NoError(t, err)

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stats.AvailableMinor)
	assert.Equal(t, int64(150), stats.LifetimeMinor)
	assert.Equal(t, int64(1), stats.Orders)

	rec, err := st.GetRecord(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, referral.StateAccrued, rec.State)
	assert.Equal(t, int64(150), rec.AmountMinor)
	assert.Equal(t, int64(3000), rec.OrderValueMinor)

	entries, err := st.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, referral.EntryAccrual, entries[0].Type)
	assert.Equal(t, int64(150), entries[0].DeltaMinor)
}

func TestLedger_DuplicateDelivered_Idempotent(t *testing.T) {
	// GIVEN: An order already accrued
	// WHEN: The delivered event is replayed (retries, duplicate webhooks)
	// THEN: No-op, the balance and entry count are unchanged

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	now := time.Now().UTC()
	evt := deliveredEvent("order-1", "acct-1", 3000, now)
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, evt))
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, evt))
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, evt))

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stats.AvailableMinor)
	assert.Equal(t, int64(1), stats.Orders)

	entries, err := st.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_OrganicOrder_NoCommission(t *testing.T) {
	// GIVEN: An account with no referral binding
	// WHEN: Its order is delivered
	// THEN: No record, no entries, no error

	engine, st := newTestEngine(t)
	ctx := context.Background()

	err := engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-organic", 3000, time.Now()))
	require.NoError(t, err)

	_, err = st.GetRecord(ctx, "order-1")
	assert.ErrorIs(t, err, referral.ErrRecordNotFound)
}

// =============================================================================
// REVERSAL TESTS
// =============================================================================

func TestLedger_Undelivered_ReversesExactStoredAmount(t *testing.T) {
	// GIVEN: 150 accrued for a delivered order
	// WHEN: The order leaves delivered (value changed to 9999 in the event)
	// THEN: Exactly the stored 150 is reversed, not a recomputed amount

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	now := time.Now().UTC()
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, now)))
	require.NoError(t, engine.Ledger.OnOrderUndelivered(ctx, undeliveredEvent("order-1", "acct-1", 9999, now.Add(time.Hour))))

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AvailableMinor)
	assert.Equal(t, int64(0), stats.LifetimeMinor)

	rec, err := st.GetRecord(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, referral.StateReversed, rec.State)
	require.NotNil(t, rec.ReversedAt)

	entries, err := st.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-150), entries[1].DeltaMinor)
}

func TestLedger_Undelivered_WithoutAccrual_NoOp(t *testing.T) {
	// GIVEN: No accrual ever happened for the order
	// WHEN: An undelivered event arrives
	// THEN: Logged no-op, nothing changes and nothing errors

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	err := engine.Ledger.OnOrderUndelivered(ctx, undeliveredEvent("order-1", "acct-1", 3000, time.Now()))
	require.NoError(t, err)

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AvailableMinor)
}

func TestLedger_DuplicateUndelivered_Idempotent(t *testing.T) {
	// GIVEN: An already-reversed order
	// WHEN: The undelivered event is replayed
	// THEN: No double subtraction

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	now := time.Now().UTC()
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, now)))
	evt := undeliveredEvent("order-1", "acct-1", 3000, now.Add(time.Hour))
	require.NoError(t, engine.Ledger.OnOrderUndelivered(ctx, evt))
	require.NoError(t, engine.Ledger.OnOrderUndelivered(ctx, evt))

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AvailableMinor)

	entries, err := st.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLedger_Reversal_CarriesNegativeBalance(t *testing.T) {
	// GIVEN: 150 accrued, then fully withdrawn externally
	// WHEN: The order is undelivered
	// THEN: Available goes to -150, never clamped to zero

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	now := time.Now().UTC()
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, now)))

	// Simulated payout
	require.NoError(t, st.AdjustStats(ctx, "ref-1", referral.StatsDelta{AvailableMinor: -150}))

	require.NoError(t, engine.Ledger.OnOrderUndelivered(ctx, undeliveredEvent("order-1", "acct-1", 3000, now.Add(time.Hour))))

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-150), stats.AvailableMinor)
}

// =============================================================================
// CYCLE TESTS
// =============================================================================

func TestLedger_DeliveryCycle_Restorable(t *testing.T) {
	// GIVEN: Accrue -> reverse
	// WHEN: The order is delivered again
	// THEN: Commission re-accrues; the orders counter counts the order once

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	now := time.Now().UTC()
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, now)))
	require.NoError(t, engine.Ledger.OnOrderUndelivered(ctx, undeliveredEvent("order-1", "acct-1", 3000, now.Add(time.Hour))))
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, now.Add(2*time.Hour))))

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stats.AvailableMinor)
	assert.Equal(t, int64(1), stats.Orders, "re-accrual must not double count the order")

	entries, err := st.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Every transition carries a distinct idempotency key.
	keys := make(map[string]bool)
	for _, e := range entries {
		assert.False(t, keys[e.IdempotencyKey], "duplicate key %s", e.IdempotencyKey)
		keys[e.IdempotencyKey] = true
	}
}

func TestLedger_ConcurrentDelivered_SingleAccrual(t *testing.T) {
	// GIVEN: The same delivered event racing from several goroutines
	// WHEN: They all process
	// THEN: Exactly one accrual lands

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	evt := deliveredEvent("order-1", "acct-1", 3000, time.Now().UTC())
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- engine.Ledger.OnOrderDelivered(ctx, evt)
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stats.AvailableMinor)

	entries, err := st.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// contestedStore lets a rival writer commit between the caller's pre-check
// and its transaction, like a second process sharing the same database. The
// per-order lock only serializes within one process.
type contestedStore struct {
	referral.TxStore
	once  sync.Once
	rival func(referral.Store)
}

func (c *contestedStore) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	if c.rival != nil {
		c.once.Do(func() { c.rival(c.TxStore) })
	}
	return c.TxStore.WithTx(ctx, fn)
}

func TestLedger_AccrualLostToRivalWriter_NoFalseAuditLog(t *testing.T) {
	// GIVEN: A rival writer accrues the order between this process's
	//        pre-check and its own transaction
	// WHEN: OnOrderDelivered runs and its in-transaction re-check bails out
	// THEN: No second entry lands, and no "commission accrued" audit line
	//       is emitted for money that never moved

	core, observed := observer.New(zapcore.DebugLevel)
	contested := &contestedStore{TxStore: store.NewTxMemory()}
	contested.rival = func(s referral.Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, s.SaveRecord(ctx, referral.CommissionRecord{
			ID:              "rec-rival",
			OrderID:         "order-1",
			ReferrerID:      "ref-1",
			OrderValueMinor: 3000,
			AmountMinor:     150,
			State:           referral.StateAccrued,
			AccruedAt:       now,
			CreatedAt:       now,
		}))
		require.NoError(t, s.AppendEntry(ctx, referral.CommissionEntry{
			ID:             "entry-rival",
			RecordID:       "rec-rival",
			OrderID:        "order-1",
			ReferrerID:     "ref-1",
			Type:           referral.EntryAccrual,
			DeltaMinor:     150,
			IdempotencyKey: "order-1:accrual:0",
			CreatedAt:      now,
		}))
		require.NoError(t, s.AdjustStats(ctx, "ref-1", referral.StatsDelta{
			AvailableMinor: 150, LifetimeMinor: 150, Orders: 1,
		}))
	}

	engine := referral.NewEngine(contested, referral.Config{
		Rates:  referral.NewFlatRate(5),
		Logger: zap.New(core),
	})
	ctx := context.Background()
	bindAccount(t, contested, "acct-1", "ref-1")

	err := engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, time.Now().UTC()))
	require.NoError(t, err)

	entries, err := contested.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	stats, err := contested.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stats.AvailableMinor)

	assert.Empty(t, observed.FilterMessage("commission accrued").All(),
		"an accrual that did not land must not be audited as landed")
	assert.NotEmpty(t, observed.FilterMessage("duplicate delivered event ignored").All())
}

func TestLedger_ReversalLostToRivalWriter_NoFalseAuditLog(t *testing.T) {
	// GIVEN: An accrued order whose reversal a rival writer applies between
	//        this process's pre-check and its own transaction
	// WHEN: OnOrderUndelivered runs and its in-transaction re-check bails out
	// THEN: No second reversal entry, and no "commission reversed" audit line

	core, observed := observer.New(zapcore.DebugLevel)
	inner := store.NewTxMemory()
	contested := &contestedStore{TxStore: inner}

	engine := referral.NewEngine(contested, referral.Config{
		Rates:  referral.NewFlatRate(5),
		Logger: zap.New(core),
	})
	ctx := context.Background()
	bindAccount(t, contested, "acct-1", "ref-1")

	now := time.Now().UTC()
	require.NoError(t, engine.Ledger.OnOrderDelivered(ctx, deliveredEvent("order-1", "acct-1", 3000, now)))

	rivalEngine := referral.NewEngine(inner, referral.Config{Rates: referral.NewFlatRate(5)})
	contested.rival = func(referral.Store) {
		require.NoError(t, rivalEngine.Ledger.OnOrderUndelivered(ctx,
			undeliveredEvent("order-1", "acct-1", 3000, now.Add(time.Hour))))
	}

	require.NoError(t, engine.Ledger.OnOrderUndelivered(ctx,
		undeliveredEvent("order-1", "acct-1", 3000, now.Add(time.Hour))))

	entries, err := contested.EntriesByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	stats, err := contested.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AvailableMinor)

	reversed := observed.FilterMessage("commission reversed").All()
	assert.Empty(t, reversed,
		"a reversal that did not land must not be audited as landed")
}

// =============================================================================
// ENGINE ROUTING TESTS
// =============================================================================

func TestEngine_HandleOrderStatusChanged_OnlyDeliveredEdgesMatter(t *testing.T) {
	// GIVEN: A referred account's order marching through fulfillment
	// WHEN: Status changes that never touch "delivered" are processed
	// THEN: Nothing accrues until the delivered edge

	engine, st := newTestEngine(t)
	ctx := context.Background()
	bindAccount(t, st, "acct-1", "ref-1")

	now := time.Now().UTC()
	steps := []struct{ old, new referral.OrderStatus }{
		{referral.OrderPending, referral.OrderConfirmed},
		{referral.OrderConfirmed, referral.OrderProcessing},
		{referral.OrderProcessing, referral.OrderShipped},
		{referral.OrderShipped, referral.OrderWithCourier},
	}
	for _, s := range steps {
		err := engine.HandleOrderStatusChanged(ctx, referral.OrderEvent{
			OrderID: "order-1", AccountID: "acct-1", TotalMinor: 3000,
			OldStatus: s.old, NewStatus: s.new, At: now,
		})
		require.NoError(t, err)
	}

	stats, err := st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AvailableMinor)

	// The delivered edge accrues.
	err = engine.HandleOrderStatusChanged(ctx, referral.OrderEvent{
		OrderID: "order-1", AccountID: "acct-1", TotalMinor: 3000,
		OldStatus: referral.OrderWithCourier, NewStatus: referral.OrderDelivered, At: now,
	})
	require.NoError(t, err)

	stats, err = st.GetStats(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), stats.AvailableMinor)
}
