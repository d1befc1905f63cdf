/*
store.go - Persistence interfaces for the referral engine

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   All reads/writes for links, clicks, account links, records,
           entries, and the cached stats row
  TxStore: Store plus WithTx for atomic multi-table transitions

APPEND-ONLY CONTRACT:
  ClickEvents and CommissionEntries are never deleted. Clicks are mutated
  at most once per conversion type (the Mark* methods); entries are never
  mutated at all. CommissionRecord rows are the one mutable piece: a state
  machine keyed by order id.

UNIQUENESS CONSTRAINTS (enforced by implementations):
  - ReferralLink.Code:             globally unique
  - AccountLink.AccountID:         create-once (reject, don't overwrite)
  - CommissionRecord.OrderID:      at most one record per order
  - CommissionEntry.IdempotencyKey: no duplicate transitions

ATOMICITY:
  WithTx ensures a ledger transition (record state + entry + stats + click
  flag) is all-or-nothing. A partial application - balance incremented but
  record not marked Accrued, or vice versa - is the single most dangerous
  failure mode and is structurally prevented here.

SEE ALSO:
  - store/memory.go: In-memory implementation for tests
  - ../store/sqlite/sqlite.go: Production SQLite implementation
*/
package referral

import (
	"context"
	"time"
)

// =============================================================================
// STORE - All persistence operations
// =============================================================================

// Store handles persistence for the referral engine.
type Store interface {
	// --- Referral links ---

	// CreateLink persists a new code. Returns ErrCodeTaken on collision.
	CreateLink(ctx context.Context, link ReferralLink) error

	// GetLink resolves a code. Returns ErrCodeNotFound if unknown.
	GetLink(ctx context.Context, code Code) (*ReferralLink, error)

	// --- Click log (append-only) ---

	// AppendClick persists a new click event.
	AppendClick(ctx context.Context, click ClickEvent) error

	// GetClick returns a click by id, or ErrRecordNotFound.
	GetClick(ctx context.Context, id ClickID) (*ClickEvent, error)

	// ClicksByIP returns clicks from the given IP with CreatedAt in
	// (from, to), ordered by CreatedAt ascending.
	ClicksByIP(ctx context.Context, ip string, from, to time.Time) ([]ClickEvent, error)

	// MarkClickRegistered sets AttributedAccountID and the registration
	// conversion flag. Set-once: a second call is a no-op.
	MarkClickRegistered(ctx context.Context, id ClickID, accountID AccountID) error

	// MarkClickOrderConverted sets the order conversion flag and stores the
	// granted commission for audit. Set-once: a second call is a no-op.
	MarkClickOrderConverted(ctx context.Context, id ClickID, commissionMinor int64) error

	// --- Account links (create-once) ---

	// CreateAccountLink persists the account-to-referrer binding.
	// Returns ErrAlreadyAttributed if the account is already bound.
	CreateAccountLink(ctx context.Context, link AccountLink) error

	// GetAccountLink returns the binding, or ErrNoAttribution.
	GetAccountLink(ctx context.Context, accountID AccountID) (*AccountLink, error)

	// --- Commission records (state machine, one row per order) ---

	// GetRecord returns the record for an order, or ErrRecordNotFound.
	GetRecord(ctx context.Context, orderID OrderID) (*CommissionRecord, error)

	// SaveRecord inserts or updates the record for its order.
	// The unique order id constraint makes a second insert an update of the
	// same row, never a second row.
	SaveRecord(ctx context.Context, rec CommissionRecord) error

	// --- Commission entries (append-only) ---

	// AppendEntry persists an entry. Returns ErrDuplicateEntry if the
	// idempotency key already exists.
	AppendEntry(ctx context.Context, entry CommissionEntry) error

	// EntriesByOrder returns all entries for an order, oldest first.
	EntriesByOrder(ctx context.Context, orderID OrderID) ([]CommissionEntry, error)

	// EntriesByReferrer returns all entries for a referrer, oldest first.
	EntriesByReferrer(ctx context.Context, referrerID ReferrerID) ([]CommissionEntry, error)

	// --- Cached stats (derived; see projection.go) ---

	// GetStats returns the cached aggregate, zero-valued if absent.
	GetStats(ctx context.Context, referrerID ReferrerID) (ReferrerStats, error)

	// AdjustStats applies deltas to the cached aggregate, creating it if
	// absent. Used inside ledger transactions and by the optimistic click
	// counter.
	AdjustStats(ctx context.Context, referrerID ReferrerID, d StatsDelta) error

	// SaveStats overwrites the cached aggregate (projection rebuild).
	SaveStats(ctx context.Context, stats ReferrerStats) error

	// --- Projection support ---

	// CountClicks returns click log counts for a referrer:
	// total clicks and clicks converted to registration.
	CountClicks(ctx context.Context, referrerID ReferrerID) (clicks, registrations int64, err error)
}

// StatsDelta is a set of increments applied to a cached ReferrerStats row.
type StatsDelta struct {
	Clicks         int64
	Registrations  int64
	Orders         int64
	AvailableMinor int64
	LifetimeMinor  int64
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic ledger transitions
// =============================================================================

// TxStore wraps Store with transaction support.
// The commission ledger requires this: every accrual/reversal is a single
// transaction over the record row, the entry log, the stats row, and the
// originating click.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back and the ledger
	// is left in its prior consistent state.
	WithTx(ctx context.Context, fn func(Store) error) error
}
