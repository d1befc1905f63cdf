// Package store provides in-memory Store implementations for tests and demo
// mode. The production implementation lives in store/sqlite.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	links        map[referral.Code]referral.ReferralLink
	clicks       map[referral.ClickID]*referral.ClickEvent
	accountLinks map[referral.AccountID]referral.AccountLink
	records      map[referral.OrderID]referral.CommissionRecord
	entries      []referral.CommissionEntry
	entryKeys    map[string]bool
	stats        map[referral.ReferrerID]referral.ReferrerStats
}

func NewMemory() *Memory {
	return &Memory{
		links:        make(map[referral.Code]referral.ReferralLink),
		clicks:       make(map[referral.ClickID]*referral.ClickEvent),
		accountLinks: make(map[referral.AccountID]referral.AccountLink),
		records:      make(map[referral.OrderID]referral.CommissionRecord),
		entryKeys:    make(map[string]bool),
		stats:        make(map[referral.ReferrerID]referral.ReferrerStats),
	}
}

// --- Referral links ---

func (m *Memory) CreateLink(_ context.Context, link referral.ReferralLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLinkLocked(link)
}

func (m *Memory) createLinkLocked(link referral.ReferralLink) error {
	if _, ok := m.links[link.Code]; ok {
		return referral.ErrCodeTaken
	}
	m.links[link.Code] = link
	return nil
}

func (m *Memory) GetLink(_ context.Context, code referral.Code) (*referral.ReferralLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLinkLocked(code)
}

func (m *Memory) getLinkLocked(code referral.Code) (*referral.ReferralLink, error) {
	link, ok := m.links[code]
	if !ok {
		return nil, referral.ErrCodeNotFound
	}
	return &link, nil
}

// --- Click log ---

func (m *Memory) AppendClick(_ context.Context, click referral.ClickEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendClickLocked(click)
}

func (m *Memory) appendClickLocked(click referral.ClickEvent) error {
	c := click
	m.clicks[click.ID] = &c
	return nil
}

func (m *Memory) GetClick(_ context.Context, id referral.ClickID) (*referral.ClickEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getClickLocked(id)
}

func (m *Memory) getClickLocked(id referral.ClickID) (*referral.ClickEvent, error) {
	c, ok := m.clicks[id]
	if !ok {
		return nil, referral.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ClicksByIP(_ context.Context, ip string, from, to time.Time) ([]referral.ClickEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clicksByIPLocked(ip, from, to)
}

func (m *Memory) clicksByIPLocked(ip string, from, to time.Time) ([]referral.ClickEvent, error) {
	var result []referral.ClickEvent
	for _, c := range m.clicks {
		if c.VisitorIP != ip {
			continue
		}
		if c.CreatedAt.Before(from) || c.CreatedAt.After(to) {
			continue
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) MarkClickRegistered(_ context.Context, id referral.ClickID, accountID referral.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markClickRegisteredLocked(id, accountID)
}

func (m *Memory) markClickRegisteredLocked(id referral.ClickID, accountID referral.AccountID) error {
	c, ok := m.clicks[id]
	if !ok {
		return referral.ErrRecordNotFound
	}
	if c.ConvertedToRegistration {
		return nil // set-once
	}
	c.ConvertedToRegistration = true
	c.AttributedAccountID = accountID
	return nil
}

func (m *Memory) MarkClickOrderConverted(_ context.Context, id referral.ClickID, commissionMinor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markClickOrderConvertedLocked(id, commissionMinor)
}

func (m *Memory) markClickOrderConvertedLocked(id referral.ClickID, commissionMinor int64) error {
	c, ok := m.clicks[id]
	if !ok {
		return referral.ErrRecordNotFound
	}
	if c.ConvertedToOrder {
		return nil // set-once
	}
	c.ConvertedToOrder = true
	c.CommissionMinor = commissionMinor
	return nil
}

// --- Account links ---

func (m *Memory) CreateAccountLink(_ context.Context, link referral.AccountLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLinkLocked(link)
}

func (m *Memory) createAccountLinkLocked(link referral.AccountLink) error {
	if existing, ok := m.accountLinks[link.AccountID]; ok {
		return &referral.AttributionConflictError{
			AccountID: link.AccountID,
			Existing:  existing.ReferrerID,
			Rejected:  link.ReferrerID,
		}
	}
	m.accountLinks[link.AccountID] = link
	return nil
}

func (m *Memory) GetAccountLink(_ context.Context, accountID referral.AccountID) (*referral.AccountLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLinkLocked(accountID)
}

func (m *Memory) getAccountLinkLocked(accountID referral.AccountID) (*referral.AccountLink, error) {
	link, ok := m.accountLinks[accountID]
	if !ok {
		return nil, referral.ErrNoAttribution
	}
	return &link, nil
}

// --- Commission records ---

func (m *Memory) GetRecord(_ context.Context, orderID referral.OrderID) (*referral.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRecordLocked(orderID)
}

func (m *Memory) getRecordLocked(orderID referral.OrderID) (*referral.CommissionRecord, error) {
	rec, ok := m.records[orderID]
	if !ok {
		return nil, referral.ErrRecordNotFound
	}
	return &rec, nil
}

func (m *Memory) SaveRecord(_ context.Context, rec referral.CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRecordLocked(rec)
}

func (m *Memory) saveRecordLocked(rec referral.CommissionRecord) error {
	m.records[rec.OrderID] = rec
	return nil
}

// --- Commission entries (append-only) ---

func (m *Memory) AppendEntry(_ context.Context, entry referral.CommissionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(entry)
}

func (m *Memory) appendEntryLocked(entry referral.CommissionEntry) error {
	if entry.IdempotencyKey != "" && m.entryKeys[entry.IdempotencyKey] {
		return referral.ErrDuplicateEntry
	}
	m.entries = append(m.entries, entry)
	if entry.IdempotencyKey != "" {
		m.entryKeys[entry.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) EntriesByOrder(_ context.Context, orderID referral.OrderID) ([]referral.CommissionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByOrderLocked(orderID)
}

func (m *Memory) entriesByOrderLocked(orderID referral.OrderID) ([]referral.CommissionEntry, error) {
	var result []referral.CommissionEntry
	for _, e := range m.entries {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) EntriesByReferrer(_ context.Context, referrerID referral.ReferrerID) ([]referral.CommissionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByReferrerLocked(referrerID)
}

func (m *Memory) entriesByReferrerLocked(referrerID referral.ReferrerID) ([]referral.CommissionEntry, error) {
	var result []referral.CommissionEntry
	for _, e := range m.entries {
		if e.ReferrerID == referrerID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Cached stats ---

func (m *Memory) GetStats(_ context.Context, referrerID referral.ReferrerID) (referral.ReferrerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getStatsLocked(referrerID)
}

func (m *Memory) getStatsLocked(referrerID referral.ReferrerID) (referral.ReferrerStats, error) {
	stats, ok := m.stats[referrerID]
	if !ok {
		return referral.ReferrerStats{ReferrerID: referrerID}, nil
	}
	return stats, nil
}

func (m *Memory) AdjustStats(_ context.Context, referrerID referral.ReferrerID, d referral.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustStatsLocked(referrerID, d)
}

func (m *Memory) adjustStatsLocked(referrerID referral.ReferrerID, d referral.StatsDelta) error {
	stats := m.stats[referrerID]
	stats.ReferrerID = referrerID
	stats.Clicks += d.Clicks
	stats.Registrations += d.Registrations
	stats.Orders += d.Orders
	stats.AvailableMinor += d.AvailableMinor
	stats.LifetimeMinor += d.LifetimeMinor
	m.stats[referrerID] = stats
	return nil
}

func (m *Memory) SaveStats(_ context.Context, stats referral.ReferrerStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[stats.ReferrerID] = stats
	return nil
}

// --- Projection support ---

func (m *Memory) CountClicks(_ context.Context, referrerID referral.ReferrerID) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countClicksLocked(referrerID)
}

func (m *Memory) countClicksLocked(referrerID referral.ReferrerID) (int64, int64, error) {
	var clicks, registrations int64
	for _, c := range m.clicks {
		if c.ReferrerID != referrerID {
			continue
		}
		clicks++
		if c.ConvertedToRegistration {
			registrations++
		}
	}
	return clicks, registrations, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	links        map[referral.Code]referral.ReferralLink
	clicks       map[referral.ClickID]*referral.ClickEvent
	accountLinks map[referral.AccountID]referral.AccountLink
	records      map[referral.OrderID]referral.CommissionRecord
	entries      []referral.CommissionEntry
	entryKeys    map[string]bool
	stats        map[referral.ReferrerID]referral.ReferrerStats
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		links:        make(map[referral.Code]referral.ReferralLink, len(tm.links)),
		clicks:       make(map[referral.ClickID]*referral.ClickEvent, len(tm.clicks)),
		accountLinks: make(map[referral.AccountID]referral.AccountLink, len(tm.accountLinks)),
		records:      make(map[referral.OrderID]referral.CommissionRecord, len(tm.records)),
		entries:      append([]referral.CommissionEntry{}, tm.entries...),
		entryKeys:    make(map[string]bool, len(tm.entryKeys)),
		stats:        make(map[referral.ReferrerID]referral.ReferrerStats, len(tm.stats)),
	}
	for k, v := range tm.links {
		s.links[k] = v
	}
	for k, v := range tm.clicks {
		c := *v
		s.clicks[k] = &c
	}
	for k, v := range tm.accountLinks {
		s.accountLinks[k] = v
	}
	for k, v := range tm.records {
		s.records[k] = v
	}
	for k, v := range tm.entryKeys {
		s.entryKeys[k] = v
	}
	for k, v := range tm.stats {
		s.stats[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.links = s.links
	tm.clicks = s.clicks
	tm.accountLinks = s.accountLinks
	tm.records = s.records
	tm.entries = s.entries
	tm.entryKeys = s.entryKeys
	tm.stats = s.stats
}

// txMemoryView routes Store calls to the parent's locked internals while
// the transaction holds the outer mutex.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateLink(_ context.Context, link referral.ReferralLink) error {
	return tv.parent.createLinkLocked(link)
}

func (tv *txMemoryView) GetLink(_ context.Context, code referral.Code) (*referral.ReferralLink, error) {
	return tv.parent.getLinkLocked(code)
}

func (tv *txMemoryView) AppendClick(_ context.Context, click referral.ClickEvent) error {
	return tv.parent.appendClickLocked(click)
}

func (tv *txMemoryView) GetClick(_ context.Context, id referral.ClickID) (*referral.ClickEvent, error) {
	return tv.parent.getClickLocked(id)
}

func (tv *txMemoryView) ClicksByIP(_ context.Context, ip string, from, to time.Time) ([]referral.ClickEvent, error) {
	return tv.parent.clicksByIPLocked(ip, from, to)
}

func (tv *txMemoryView) MarkClickRegistered(_ context.Context, id referral.ClickID, accountID referral.AccountID) error {
	return tv.parent.markClickRegisteredLocked(id, accountID)
}

func (tv *txMemoryView) MarkClickOrderConverted(_ context.Context, id referral.ClickID, commissionMinor int64) error {
	return tv.parent.markClickOrderConvertedLocked(id, commissionMinor)
}

func (tv *txMemoryView) CreateAccountLink(_ context.Context, link referral.AccountLink) error {
	return tv.parent.createAccountLinkLocked(link)
}

func (tv *txMemoryView) GetAccountLink(_ context.Context, accountID referral.AccountID) (*referral.AccountLink, error) {
	return tv.parent.getAccountLinkLocked(accountID)
}

func (tv *txMemoryView) GetRecord(_ context.Context, orderID referral.OrderID) (*referral.CommissionRecord, error) {
	return tv.parent.getRecordLocked(orderID)
}

func (tv *txMemoryView) SaveRecord(_ context.Context, rec referral.CommissionRecord) error {
	return tv.parent.saveRecordLocked(rec)
}

func (tv *txMemoryView) AppendEntry(_ context.Context, entry referral.CommissionEntry) error {
	return tv.parent.appendEntryLocked(entry)
}

func (tv *txMemoryView) EntriesByOrder(_ context.Context, orderID referral.OrderID) ([]referral.CommissionEntry, error) {
	return tv.parent.entriesByOrderLocked(orderID)
}

func (tv *txMemoryView) EntriesByReferrer(_ context.Context, referrerID referral.ReferrerID) ([]referral.CommissionEntry, error) {
	return tv.parent.entriesByReferrerLocked(referrerID)
}

func (tv *txMemoryView) GetStats(_ context.Context, referrerID referral.ReferrerID) (referral.ReferrerStats, error) {
	return tv.parent.getStatsLocked(referrerID)
}

func (tv *txMemoryView) AdjustStats(_ context.Context, referrerID referral.ReferrerID, d referral.StatsDelta) error {
	return tv.parent.adjustStatsLocked(referrerID, d)
}

func (tv *txMemoryView) SaveStats(_ context.Context, stats referral.ReferrerStats) error {
	tv.parent.stats[stats.ReferrerID] = stats
	return nil
}

func (tv *txMemoryView) CountClicks(_ context.Context, referrerID referral.ReferrerID) (int64, int64, error) {
	return tv.parent.countClicksLocked(referrerID)
}
