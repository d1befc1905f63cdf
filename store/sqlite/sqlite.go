/*
Package sqlite provides the SQLite-backed implementation of referral.TxStore.

PURPOSE:
  Durable persistence for the referral engine. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INVARIANTS ENFORCED AT THE SCHEMA LEVEL:
  referral_links.code         UNIQUE  - codes are globally unique
  account_links.account_id    PRIMARY - account binding is create-once;
                                        a second insert is rejected, the
                                        original row is never touched
  commission_records.order_id UNIQUE  - at most one record per order
  commission_entries.idempotency_key
                              UNIQUE  - no duplicate ledger transitions

APPEND-ONLY TABLES:
  clicks:             never deleted; two one-way conversion flags are the
                      only mutation, guarded so they can be set only once
  commission_entries: no UPDATE, no DELETE, ever

ATOMICITY:
  WithTx wraps a ledger transition (record row + entry + stats + click
  flag) in a single database transaction. Rollback on any error leaves the
  ledger in its prior consistent state.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer, better crash recovery.

ERROR MAPPING:
  Constraint violations map to the referral sentinel errors (ErrCodeTaken,
  ErrAlreadyAttributed, ErrDuplicateEntry); other database failures wrap
  referral.ErrStorageUnavailable so callers can classify them as retryable.

SEE ALSO:
  - referral/store.go: Interface definitions
  - referral/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/referral"
)

// Store implements referral.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: SQLite allows one writer, and a pooled second
	// connection to ":memory:" would see a different empty database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Referral links (immutable once issued)
	CREATE TABLE IF NOT EXISTS referral_links (
		code TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_links_referrer
		ON referral_links(referrer_id);

	-- Click log (append-only; conversion flags set at most once)
	CREATE TABLE IF NOT EXISTS clicks (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		visitor_ip TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		attributed_account_id TEXT NOT NULL DEFAULT '',
		converted_registration INTEGER NOT NULL DEFAULT 0,
		converted_order INTEGER NOT NULL DEFAULT 0,
		commission_minor INTEGER NOT NULL DEFAULT 0
	);

	-- Fingerprint lookup (hot path for attribution)
	CREATE INDEX IF NOT EXISTS idx_clicks_ip_time
		ON clicks(visitor_ip, created_at);
	CREATE INDEX IF NOT EXISTS idx_clicks_referrer
		ON clicks(referrer_id);

	-- CRITICAL: account binding is create-once. The PRIMARY KEY rejects a
	-- second binding; the original row is never overwritten.
	CREATE TABLE IF NOT EXISTS account_links (
		account_id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		click_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_account_links_referrer
		ON account_links(referrer_id);

	-- Commission records: one state-machine row per order
	CREATE TABLE IF NOT EXISTS commission_records (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE,
		referrer_id TEXT NOT NULL,
		order_value_minor INTEGER NOT NULL DEFAULT 0,
		rate_percent TEXT NOT NULL DEFAULT '0',
		amount_minor INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		accrued_at TEXT,
		reversed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_referrer
		ON commission_records(referrer_id);

	-- Commission entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS commission_entries (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		referrer_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta_minor INTEGER NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_order
		ON commission_entries(order_id);
	CREATE INDEX IF NOT EXISTS idx_entries_referrer
		ON commission_entries(referrer_id, created_at);

	-- Cached aggregates (derived; rebuildable from the logs)
	CREATE TABLE IF NOT EXISTS referrer_stats (
		referrer_id TEXT PRIMARY KEY,
		clicks INTEGER NOT NULL DEFAULT 0,
		registrations INTEGER NOT NULL DEFAULT 0,
		orders INTEGER NOT NULL DEFAULT 0,
		available_minor INTEGER NOT NULL DEFAULT 0,
		lifetime_minor INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx abstracts *sql.DB and *sql.Tx so every query runs both standalone
// and inside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// REFERRAL LINKS
// =============================================================================

func (s *Store) CreateLink(ctx context.Context, link referral.ReferralLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLink(ctx, s.db, link)
}

func createLink(ctx context.Context, db dbtx, link referral.ReferralLink) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO referral_links (code, referrer_id, created_at) VALUES (?, ?, ?)`,
		link.Code, link.ReferrerID, formatTime(link.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.ErrCodeTaken
		}
		return storageErr("create link", err)
	}
	return nil
}

func (s *Store) GetLink(ctx context.Context, code referral.Code) (*referral.ReferralLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLink(ctx, s.db, code)
}

func getLink(ctx context.Context, db dbtx, code referral.Code) (*referral.ReferralLink, error) {
	var link referral.ReferralLink
	var createdAt string
	err := db.QueryRowContext(ctx,
		`SELECT code, referrer_id, created_at FROM referral_links WHERE code = ?`,
		code,
	).Scan(&link.Code, &link.ReferrerID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, referral.ErrCodeNotFound
	}
	if err != nil {
		return nil, storageErr("get link", err)
	}
	link.CreatedAt = parseTime(createdAt)
	return &link, nil
}

// =============================================================================
// CLICK LOG
// =============================================================================

func (s *Store) AppendClick(ctx context.Context, click referral.ClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendClick(ctx, s.db, click)
}

func appendClick(ctx context.Context, db dbtx, click referral.ClickEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO clicks
		(id, referrer_id, visitor_ip, user_agent, created_at,
		 attributed_account_id, converted_registration, converted_order, commission_minor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		click.ID, click.ReferrerID, click.VisitorIP, click.UserAgent,
		formatTime(click.CreatedAt),
		click.AttributedAccountID,
		boolToInt(click.ConvertedToRegistration),
		boolToInt(click.ConvertedToOrder),
		click.CommissionMinor,
	)
	if err != nil {
		return storageErr("append click", err)
	}
	return nil
}

func (s *Store) GetClick(ctx context.Context, id referral.ClickID) (*referral.ClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClick(ctx, s.db, id)
}

func getClick(ctx context.Context, db dbtx, id referral.ClickID) (*referral.ClickEvent, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, referrer_id, visitor_ip, user_agent, created_at,
		       attributed_account_id, converted_registration, converted_order, commission_minor
		FROM clicks WHERE id = ?`, id)
	click, err := scanClick(row)
	if err == sql.ErrNoRows {
		return nil, referral.ErrRecordNotFound
	}
	if err != nil {
		return nil, storageErr("get click", err)
	}
	return click, nil
}

func (s *Store) ClicksByIP(ctx context.Context, ip string, from, to time.Time) ([]referral.ClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clicksByIP(ctx, s.db, ip, from, to)
}

func clicksByIP(ctx context.Context, db dbtx, ip string, from, to time.Time) ([]referral.ClickEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, referrer_id, visitor_ip, user_agent, created_at,
		       attributed_account_id, converted_registration, converted_order, commission_minor
		FROM clicks
		WHERE visitor_ip = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`,
		ip, formatTime(from), formatTime(to))
	if err != nil {
		return nil, storageErr("clicks by ip", err)
	}
	defer rows.Close()

	var clicks []referral.ClickEvent
	for rows.Next() {
		click, err := scanClick(rows)
		if err != nil {
			return nil, storageErr("scan click", err)
		}
		clicks = append(clicks, *click)
	}
	return clicks, rows.Err()
}

func (s *Store) MarkClickRegistered(ctx context.Context, id referral.ClickID, accountID referral.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markClickRegistered(ctx, s.db, id, accountID)
}

func markClickRegistered(ctx context.Context, db dbtx, id referral.ClickID, accountID referral.AccountID) error {
	// Set-once: the WHERE clause makes a second call a no-op.
	_, err := db.ExecContext(ctx, `
		UPDATE clicks
		SET converted_registration = 1, attributed_account_id = ?
		WHERE id = ? AND converted_registration = 0`,
		accountID, id)
	if err != nil {
		return storageErr("mark click registered", err)
	}
	return nil
}

func (s *Store) MarkClickOrderConverted(ctx context.Context, id referral.ClickID, commissionMinor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markClickOrderConverted(ctx, s.db, id, commissionMinor)
}

func markClickOrderConverted(ctx context.Context, db dbtx, id referral.ClickID, commissionMinor int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE clicks
		SET converted_order = 1, commission_minor = ?
		WHERE id = ? AND converted_order = 0`,
		commissionMinor, id)
	if err != nil {
		return storageErr("mark click order converted", err)
	}
	return nil
}

// =============================================================================
// ACCOUNT LINKS (create-once)
// =============================================================================

func (s *Store) CreateAccountLink(ctx context.Context, link referral.AccountLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccountLink(ctx, s.db, link)
}

func createAccountLink(ctx context.Context, db dbtx, link referral.AccountLink) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO account_links (account_id, referrer_id, click_id, created_at)
		VALUES (?, ?, ?, ?)`,
		link.AccountID, link.ReferrerID, link.ClickID, formatTime(link.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, gerr := getAccountLink(ctx, db, link.AccountID)
			if gerr == nil {
				return &referral.AttributionConflictError{
					AccountID: link.AccountID,
					Existing:  existing.ReferrerID,
					Rejected:  link.ReferrerID,
				}
			}
			return referral.ErrAlreadyAttributed
		}
		return storageErr("create account link", err)
	}
	return nil
}

func (s *Store) GetAccountLink(ctx context.Context, accountID referral.AccountID) (*referral.AccountLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccountLink(ctx, s.db, accountID)
}

func getAccountLink(ctx context.Context, db dbtx, accountID referral.AccountID) (*referral.AccountLink, error) {
	var link referral.AccountLink
	var createdAt string
	err := db.QueryRowContext(ctx, `
		SELECT account_id, referrer_id, click_id, created_at
		FROM account_links WHERE account_id = ?`,
		accountID,
	).Scan(&link.AccountID, &link.ReferrerID, &link.ClickID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, referral.ErrNoAttribution
	}
	if err != nil {
		return nil, storageErr("get account link", err)
	}
	link.CreatedAt = parseTime(createdAt)
	return &link, nil
}

// =============================================================================
// COMMISSION RECORDS
// =============================================================================

func (s *Store) GetRecord(ctx context.Context, orderID referral.OrderID) (*referral.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, orderID)
}

func getRecord(ctx context.Context, db dbtx, orderID referral.OrderID) (*referral.CommissionRecord, error) {
	var rec referral.CommissionRecord
	var rate string
	var accruedAt, reversedAt sql.NullString
	var createdAt string
	err := db.QueryRowContext(ctx, `
		SELECT id, order_id, referrer_id, order_value_minor, rate_percent,
		       amount_minor, state, accrued_at, reversed_at, created_at
		FROM commission_records WHERE order_id = ?`,
		orderID,
	).Scan(&rec.ID, &rec.OrderID, &rec.ReferrerID, &rec.OrderValueMinor, &rate,
		&rec.AmountMinor, &rec.State, &accruedAt, &reversedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, referral.ErrRecordNotFound
	}
	if err != nil {
		return nil, storageErr("get record", err)
	}
	rec.RatePercent, _ = decimal.NewFromString(rate)
	if accruedAt.Valid && accruedAt.String != "" {
		rec.AccruedAt = parseTime(accruedAt.String)
	}
	if reversedAt.Valid && reversedAt.String != "" {
		t := parseTime(reversedAt.String)
		rec.ReversedAt = &t
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *Store) SaveRecord(ctx context.Context, rec referral.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRecord(ctx, s.db, rec)
}

func saveRecord(ctx context.Context, db dbtx, rec referral.CommissionRecord) error {
	var accruedAt any
	if !rec.AccruedAt.IsZero() {
		accruedAt = formatTime(rec.AccruedAt)
	}
	var reversedAt any
	if rec.ReversedAt != nil {
		reversedAt = formatTime(*rec.ReversedAt)
	}

	// The UNIQUE(order_id) constraint turns a re-save into a state
	// transition of the same row, never a second row.
	_, err := db.ExecContext(ctx, `
		INSERT INTO commission_records
		(id, order_id, referrer_id, order_value_minor, rate_percent,
		 amount_minor, state, accrued_at, reversed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			referrer_id = excluded.referrer_id,
			order_value_minor = excluded.order_value_minor,
			rate_percent = excluded.rate_percent,
			amount_minor = excluded.amount_minor,
			state = excluded.state,
			accrued_at = excluded.accrued_at,
			reversed_at = excluded.reversed_at`,
		rec.ID, rec.OrderID, rec.ReferrerID, rec.OrderValueMinor,
		rec.RatePercent.String(), rec.AmountMinor, rec.State,
		accruedAt, reversedAt, formatTime(rec.CreatedAt))
	if err != nil {
		return storageErr("save record", err)
	}
	return nil
}

// =============================================================================
// COMMISSION ENTRIES (append-only)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, entry referral.CommissionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, entry)
}

func appendEntry(ctx context.Context, db dbtx, entry referral.CommissionEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO commission_entries
		(id, record_id, order_id, referrer_id, entry_type, delta_minor, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RecordID, entry.OrderID, entry.ReferrerID,
		entry.Type, entry.DeltaMinor,
		nullString(entry.IdempotencyKey),
		formatTime(entry.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.ErrDuplicateEntry
		}
		return storageErr("append entry", err)
	}
	return nil
}

func (s *Store) EntriesByOrder(ctx context.Context, orderID referral.OrderID) ([]referral.CommissionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `WHERE order_id = ?`, orderID)
}

func (s *Store) EntriesByReferrer(ctx context.Context, referrerID referral.ReferrerID) ([]referral.CommissionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `WHERE referrer_id = ?`, referrerID)
}

func queryEntries(ctx context.Context, db dbtx, where string, arg any) ([]referral.CommissionEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, record_id, order_id, referrer_id, entry_type, delta_minor, idempotency_key, created_at
		FROM commission_entries `+where+`
		ORDER BY created_at ASC, id ASC`, arg)
	if err != nil {
		return nil, storageErr("query entries", err)
	}
	defer rows.Close()

	var entries []referral.CommissionEntry
	for rows.Next() {
		var e referral.CommissionEntry
		var key sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RecordID, &e.OrderID, &e.ReferrerID,
			&e.Type, &e.DeltaMinor, &key, &createdAt); err != nil {
			return nil, storageErr("scan entry", err)
		}
		e.IdempotencyKey = key.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// CACHED STATS
// =============================================================================

func (s *Store) GetStats(ctx context.Context, referrerID referral.ReferrerID) (referral.ReferrerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getStats(ctx, s.db, referrerID)
}

func getStats(ctx context.Context, db dbtx, referrerID referral.ReferrerID) (referral.ReferrerStats, error) {
	stats := referral.ReferrerStats{ReferrerID: referrerID}
	err := db.QueryRowContext(ctx, `
		SELECT clicks, registrations, orders, available_minor, lifetime_minor
		FROM referrer_stats WHERE referrer_id = ?`,
		referrerID,
	).Scan(&stats.Clicks, &stats.Registrations, &stats.Orders,
		&stats.AvailableMinor, &stats.LifetimeMinor)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return stats, storageErr("get stats", err)
	}
	return stats, nil
}

func (s *Store) AdjustStats(ctx context.Context, referrerID referral.ReferrerID, d referral.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjustStats(ctx, s.db, referrerID, d)
}

func adjustStats(ctx context.Context, db dbtx, referrerID referral.ReferrerID, d referral.StatsDelta) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO referrer_stats
		(referrer_id, clicks, registrations, orders, available_minor, lifetime_minor)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(referrer_id) DO UPDATE SET
			clicks = clicks + excluded.clicks,
			registrations = registrations + excluded.registrations,
			orders = orders + excluded.orders,
			available_minor = available_minor + excluded.available_minor,
			lifetime_minor = lifetime_minor + excluded.lifetime_minor`,
		referrerID, d.Clicks, d.Registrations, d.Orders,
		d.AvailableMinor, d.LifetimeMinor)
	if err != nil {
		return storageErr("adjust stats", err)
	}
	return nil
}

func (s *Store) SaveStats(ctx context.Context, stats referral.ReferrerStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveStats(ctx, s.db, stats)
}

func saveStats(ctx context.Context, db dbtx, stats referral.ReferrerStats) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO referrer_stats
		(referrer_id, clicks, registrations, orders, available_minor, lifetime_minor)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(referrer_id) DO UPDATE SET
			clicks = excluded.clicks,
			registrations = excluded.registrations,
			orders = excluded.orders,
			available_minor = excluded.available_minor,
			lifetime_minor = excluded.lifetime_minor`,
		stats.ReferrerID, stats.Clicks, stats.Registrations, stats.Orders,
		stats.AvailableMinor, stats.LifetimeMinor)
	if err != nil {
		return storageErr("save stats", err)
	}
	return nil
}

// =============================================================================
// PROJECTION SUPPORT
// =============================================================================

func (s *Store) CountClicks(ctx context.Context, referrerID referral.ReferrerID) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countClicks(ctx, s.db, referrerID)
}

func countClicks(ctx context.Context, db dbtx, referrerID referral.ReferrerID) (int64, int64, error) {
	var clicks, registrations int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(converted_registration), 0)
		FROM clicks WHERE referrer_id = ?`,
		referrerID,
	).Scan(&clicks, &registrations)
	if err != nil {
		return 0, 0, storageErr("count clicks", err)
	}
	return clicks, registrations, nil
}

// =============================================================================
// TRANSACTIONAL STORE (referral.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// txStore routes Store calls through the open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateLink(ctx context.Context, link referral.ReferralLink) error {
	return createLink(ctx, ts.tx, link)
}

func (ts *txStore) GetLink(ctx context.Context, code referral.Code) (*referral.ReferralLink, error) {
	return getLink(ctx, ts.tx, code)
}

func (ts *txStore) AppendClick(ctx context.Context, click referral.ClickEvent) error {
	return appendClick(ctx, ts.tx, click)
}

func (ts *txStore) GetClick(ctx context.Context, id referral.ClickID) (*referral.ClickEvent, error) {
	return getClick(ctx, ts.tx, id)
}

func (ts *txStore) ClicksByIP(ctx context.Context, ip string, from, to time.Time) ([]referral.ClickEvent, error) {
	return clicksByIP(ctx, ts.tx, ip, from, to)
}

func (ts *txStore) MarkClickRegistered(ctx context.Context, id referral.ClickID, accountID referral.AccountID) error {
	return markClickRegistered(ctx, ts.tx, id, accountID)
}

func (ts *txStore) MarkClickOrderConverted(ctx context.Context, id referral.ClickID, commissionMinor int64) error {
	return markClickOrderConverted(ctx, ts.tx, id, commissionMinor)
}

func (ts *txStore) CreateAccountLink(ctx context.Context, link referral.AccountLink) error {
	return createAccountLink(ctx, ts.tx, link)
}

func (ts *txStore) GetAccountLink(ctx context.Context, accountID referral.AccountID) (*referral.AccountLink, error) {
	return getAccountLink(ctx, ts.tx, accountID)
}

func (ts *txStore) GetRecord(ctx context.Context, orderID referral.OrderID) (*referral.CommissionRecord, error) {
	return getRecord(ctx, ts.tx, orderID)
}

func (ts *txStore) SaveRecord(ctx context.Context, rec referral.CommissionRecord) error {
	return saveRecord(ctx, ts.tx, rec)
}

func (ts *txStore) AppendEntry(ctx context.Context, entry referral.CommissionEntry) error {
	return appendEntry(ctx, ts.tx, entry)
}

func (ts *txStore) EntriesByOrder(ctx context.Context, orderID referral.OrderID) ([]referral.CommissionEntry, error) {
	return queryEntries(ctx, ts.tx, `WHERE order_id = ?`, orderID)
}

func (ts *txStore) EntriesByReferrer(ctx context.Context, referrerID referral.ReferrerID) ([]referral.CommissionEntry, error) {
	return queryEntries(ctx, ts.tx, `WHERE referrer_id = ?`, referrerID)
}

func (ts *txStore) GetStats(ctx context.Context, referrerID referral.ReferrerID) (referral.ReferrerStats, error) {
	return getStats(ctx, ts.tx, referrerID)
}

func (ts *txStore) AdjustStats(ctx context.Context, referrerID referral.ReferrerID, d referral.StatsDelta) error {
	return adjustStats(ctx, ts.tx, referrerID, d)
}

func (ts *txStore) SaveStats(ctx context.Context, stats referral.ReferrerStats) error {
	return saveStats(ctx, ts.tx, stats)
}

func (ts *txStore) CountClicks(ctx context.Context, referrerID referral.ReferrerID) (int64, int64, error) {
	return countClicks(ctx, ts.tx, referrerID)
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClick(r rowScanner) (*referral.ClickEvent, error) {
	var click referral.ClickEvent
	var createdAt string
	var reg, ord int
	err := r.Scan(&click.ID, &click.ReferrerID, &click.VisitorIP, &click.UserAgent,
		&createdAt, &click.AttributedAccountID, &reg, &ord, &click.CommissionMinor)
	if err != nil {
		return nil, err
	}
	click.CreatedAt = parseTime(createdAt)
	click.ConvertedToRegistration = reg != 0
	click.ConvertedToOrder = ord != 0
	return &click, nil
}

// timeLayout is RFC3339 with a fixed-width 9-digit fraction. RFC3339Nano
// trims trailing zeros, so "...00.15Z" would sort before "...00.1Z"; the
// created_at range queries and ORDER BY clauses compare strings and need
// lexicographic order to be chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, referral.ErrStorageUnavailable, err)
}
