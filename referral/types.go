/*
Package referral implements the referral attribution and commission engine.

PURPOSE:
  This package turns an anonymous storefront visit carrying a referral code
  into a durable, auditable, idempotent record of who earned what, and keeps
  that record correct as the underlying order's fulfillment status changes.

KEY CONCEPTS IN THIS FILE (types.go):
  - ReferralLink:     A short code bound to a referrer identity
  - ClickEvent:       A recorded visit, before any conversion
  - AccountLink:      The create-once fact that an account was referred
  - CommissionRecord: Per-order commission state machine (Pending/Accrued/Reversed)
  - CommissionEntry:  Immutable ledger line for each accrual or reversal
  - ReferrerStats:    Cached aggregate, rebuildable from the logs

DESIGN PRINCIPLES:
  1. Immutability: entries and clicks are never deleted, only appended/flagged
  2. Precision: amounts are int64 minor currency units; rates are decimal.Decimal
  3. Type Safety: strong typing for IDs prevents mixing referrer/account/order IDs
  4. Auditability: every balance change traces to an entry with an idempotency key

SEE ALSO:
  - ledger.go: The commission state machine
  - projection.go: Folding the logs back into ReferrerStats
  - store.go: Persistence interfaces
*/
package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ReferrerID string
type AccountID string
type OrderID string
type ClickID string
type RecordID string
type EntryID string

// Code is a short referral code carried by inbound links.
type Code string

// =============================================================================
// REFERRAL LINK - Code bound to a referrer identity
// =============================================================================

// ReferralLink maps a short code to the referrer who owns it.
//
// INVARIANT: Code is globally unique and immutable once issued.
type ReferralLink struct {
	Code       Code
	ReferrerID ReferrerID
	CreatedAt  time.Time
}

// =============================================================================
// CLICK EVENT - A recorded visit carrying a referral code
// =============================================================================

// ClickEvent is created on an inbound visit and never deleted (audit trail).
// It is mutated at most once per conversion type by the attribution resolver.
type ClickEvent struct {
	ID         ClickID
	ReferrerID ReferrerID
	VisitorIP  string
	UserAgent  string
	CreatedAt  time.Time

	// Set once by the attribution resolver.
	AttributedAccountID     AccountID
	ConvertedToRegistration bool
	ConvertedToOrder        bool

	// Commission granted on the first accrual of the attributed order,
	// stored here for audit. Minor currency units.
	CommissionMinor int64
}

// =============================================================================
// ACCOUNT LINK - Create-once attribution fact
// =============================================================================

// AccountLink records that an account was referred by a referrer.
//
// INVARIANT: At most one link per account, immutable thereafter.
// Re-attribution is rejected, never overwritten. Enforced by a uniqueness
// constraint in the store, not by a lock.
type AccountLink struct {
	AccountID  AccountID
	ReferrerID ReferrerID
	ClickID    ClickID // originating click, empty for manual links
	CreatedAt  time.Time
}

// =============================================================================
// COMMISSION RECORD - Per-order state machine
// =============================================================================

type RecordState string

const (
	// StatePending: record exists (e.g. created by the explicit retroactive
	// path) but no delivery accrual has happened yet.
	StatePending RecordState = "pending"

	// StateAccrued: commission is granted and counted in the balance.
	StateAccrued RecordState = "accrued"

	// StateReversed: a previous accrual was undone. The record can cycle
	// back to Accrued if the order is delivered again.
	StateReversed RecordState = "reversed"
)

// CommissionRecord tracks commission for a single order.
//
// INVARIANT: At most one record per order (unique order id in the store).
// State transitions: Pending -> Accrued <-> Reversed. Each transition appends
// a CommissionEntry; the record row is the current state, the entries are
// the history.
type CommissionRecord struct {
	ID         RecordID
	OrderID    OrderID
	ReferrerID ReferrerID

	// Snapshots taken at accrual time. Reversal uses AmountMinor exactly,
	// never a recomputation (the order value may have changed since).
	OrderValueMinor int64
	RatePercent     decimal.Decimal
	AmountMinor     int64

	State      RecordState
	AccruedAt  time.Time
	ReversedAt *time.Time
	CreatedAt  time.Time
}

// =============================================================================
// COMMISSION ENTRY - Immutable ledger line
// =============================================================================

type EntryType string

const (
	EntryAccrual  EntryType = "accrual"
	EntryReversal EntryType = "reversal"
)

// CommissionEntry is one line of the append-only commission log. Accruals
// carry a positive delta, reversals a negative one. The sum of deltas for a
// referrer is that referrer's lifetime commission.
//
// INVARIANT: Append-only. No Update, No Delete. Ever.
type CommissionEntry struct {
	ID         EntryID
	RecordID   RecordID
	OrderID    OrderID
	ReferrerID ReferrerID
	Type       EntryType
	DeltaMinor int64

	// IdempotencyKey is unique per transition: "<orderID>:<type>:<seq>".
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// REFERRER STATS - Cached aggregate (derived, rebuildable)
// =============================================================================

// ReferrerStats is the read-side aggregate exposed to balance displays.
// It is a cache: the authoritative values are folded from the commission
// entries and the click log (see projection.go). AvailableMinor may be
// negative after a reversal raced an external withdrawal; the deficit is
// carried forward, never clamped.
type ReferrerStats struct {
	ReferrerID ReferrerID

	Clicks        int64
	Registrations int64
	Orders        int64

	AvailableMinor int64
	LifetimeMinor  int64
}

// =============================================================================
// ORDER EVENTS - Consumed from the external order service
// =============================================================================

type OrderStatus string

const (
	OrderPending     OrderStatus = "pending"
	OrderConfirmed   OrderStatus = "confirmed"
	OrderProcessing  OrderStatus = "processing"
	OrderShipped     OrderStatus = "shipped"
	OrderWithCourier OrderStatus = "with_courier"
	OrderDelivered   OrderStatus = "delivered"
	OrderCancelled   OrderStatus = "cancelled"
)

// OrderEvent is the status-change notification delivered by the external
// order service. TotalMinor is the order value snapshot at event time; the
// ledger computes commission against it on delivery.
type OrderEvent struct {
	OrderID    OrderID
	AccountID  AccountID
	TotalMinor int64
	OldStatus  OrderStatus
	NewStatus  OrderStatus
	At         time.Time
}

// EnteredDelivered reports whether this event is the accrual trigger.
func (e OrderEvent) EnteredDelivered() bool {
	return e.OldStatus != OrderDelivered && e.NewStatus == OrderDelivered
}

// LeftDelivered reports whether this event is the reversal trigger.
func (e OrderEvent) LeftDelivered() bool {
	return e.OldStatus == OrderDelivered && e.NewStatus != OrderDelivered
}
