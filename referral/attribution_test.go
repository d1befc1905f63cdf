package referral_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestResolver(t *testing.T, window time.Duration) (*referral.Resolver, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return referral.NewResolver(mem, window, nil), mem
}

func appendClick(t *testing.T, s referral.Store, id, referrerID, ip, ua string, at time.Time) {
	t.Helper()
	err := s.AppendClick(context.Background(), referral.ClickEvent{
		ID:         referral.ClickID(id),
		ReferrerID: referral.ReferrerID(referrerID),
		VisitorIP:  ip,
		UserAgent:  ua,
		CreatedAt:  at,
	})
	require.NoError(t, err)
}

// =============================================================================
// WINDOW BOUNDARY TESTS
// =============================================================================

func TestAttributeRegistration_ClickInsideWindow(t *testing.T) {
	// GIVEN: A click 10 minutes before registration, 6h window
	// WHEN: Attributing the registration
	// THEN: Attributed to the clicked referrer

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	appendClick(t, mem, "click-1", "ref-1", "10.0.0.1", "agent-a", now.Add(-10*time.Minute))

	attr, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAttributed, attr.Outcome)
	assert.Equal(t, referral.ReferrerID("ref-1"), attr.ReferrerID)
	assert.Equal(t, referral.ClickID("click-1"), attr.ClickID)
}

func TestAttributeRegistration_ClickExactlyWindowOld_Excluded(t *testing.T) {
	// GIVEN: A click exactly window-old (the boundary is strict)
	// WHEN: Attributing the registration
	// THEN: Organic, the boundary click does not qualify

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	appendClick(t, mem, "click-1", "ref-1", "10.0.0.1", "agent-a", now.Add(-6*time.Hour))

	attr, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeOrganic, attr.Outcome)
}

func TestAttributeRegistration_ClickOneSecondInsideWindow(t *testing.T) {
	// GIVEN: A click one second newer than the window edge
	// WHEN: Attributing the registration
	// THEN: It qualifies

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	appendClick(t, mem, "click-1", "ref-1", "10.0.0.1", "agent-a",
		now.Add(-6*time.Hour).Add(time.Second))

	attr, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAttributed, attr.Outcome)
}

func TestAttributeRegistration_NoClick_Organic(t *testing.T) {
	// GIVEN: No prior click for this fingerprint
	// WHEN: Attributing the registration
	// THEN: Organic, no binding created

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()

	attr, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", time.Now())
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeOrganic, attr.Outcome)

	_, err = mem.GetAccountLink(ctx, "acct-1")
	assert.ErrorIs(t, err, referral.ErrNoAttribution)
}

// =============================================================================
// TIE-BREAK TESTS
// =============================================================================

func TestAttributeRegistration_LastClickWins(t *testing.T) {
	// GIVEN: Two clicks from the same IP crediting different referrers
	// WHEN: Attributing the registration
	// THEN: The most recent click wins, even across referrers

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	appendClick(t, mem, "click-old", "ref-1", "10.0.0.1", "agent-a", now.Add(-2*time.Hour))
	appendClick(t, mem, "click-new", "ref-2", "10.0.0.1", "agent-a", now.Add(-5*time.Minute))

	attr, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)
	assert.Equal(t, referral.ReferrerID("ref-2"), attr.ReferrerID)
	assert.Equal(t, referral.ClickID("click-new"), attr.ClickID)
}

func TestAttributeRegistration_UserAgentBreaksTimestampTie(t *testing.T) {
	// GIVEN: Two clicks at the same instant, only one with a matching agent
	// WHEN: Attributing the registration
	// THEN: The matching user agent wins

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(-30 * time.Minute)

	appendClick(t, mem, "click-a", "ref-1", "10.0.0.1", "agent-other", at)
	appendClick(t, mem, "click-b", "ref-2", "10.0.0.1", "agent-mine", at)

	attr, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-mine", now)
	require.NoError(t, err)
	assert.Equal(t, referral.ReferrerID("ref-2"), attr.ReferrerID)
}

// =============================================================================
// CREATE-ONCE BINDING TESTS
// =============================================================================

func TestAttributeRegistration_AlreadyAttributed_Unchanged(t *testing.T) {
	// GIVEN: An account already bound to ref-1
	// WHEN: A newer click for ref-2 exists and attribution runs again
	// THEN: Reports already-attributed with the ORIGINAL referrer

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	appendClick(t, mem, "click-1", "ref-1", "10.0.0.1", "agent-a", now.Add(-time.Hour))
	first, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)
	require.Equal(t, referral.OutcomeAttributed, first.Outcome)

	appendClick(t, mem, "click-2", "ref-2", "10.0.0.1", "agent-a", now.Add(-time.Minute))
	second, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAlreadyAttributed, second.Outcome)
	assert.Equal(t, referral.ReferrerID("ref-1"), second.ReferrerID)
}

func TestCreateAccountLink_ConflictReportsExisting(t *testing.T) {
	// GIVEN: An account bound to ref-1
	// WHEN: Writing a second binding for ref-2 directly
	// THEN: Rejected with a conflict naming both referrers

	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.CreateAccountLink(ctx, referral.AccountLink{
		AccountID: "acct-1", ReferrerID: "ref-1", CreatedAt: time.Now(),
	}))

	err := mem.CreateAccountLink(ctx, referral.AccountLink{
		AccountID: "acct-1", ReferrerID: "ref-2", CreatedAt: time.Now(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, referral.ErrAlreadyAttributed)
	assert.True(t, referral.IsConflict(err))

	var conflict *referral.AttributionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, referral.ReferrerID("ref-1"), conflict.Existing)
	assert.Equal(t, referral.ReferrerID("ref-2"), conflict.Rejected)
}

func TestAttributeRegistration_MarksClickConverted(t *testing.T) {
	// GIVEN: A qualifying click
	// WHEN: Attribution binds the account
	// THEN: The click is flagged as converted, exactly once

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	appendClick(t, mem, "click-1", "ref-1", "10.0.0.1", "agent-a", now.Add(-time.Hour))

	_, err := resolver.AttributeRegistration(ctx, "acct-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)

	click, err := mem.GetClick(ctx, "click-1")
	require.NoError(t, err)
	assert.True(t, click.ConvertedToRegistration)
	assert.Equal(t, referral.AccountID("acct-1"), click.AttributedAccountID)
}

// =============================================================================
// ORDER ATTRIBUTION TESTS
// =============================================================================

func TestAttributeOrder_UsesExistingBinding(t *testing.T) {
	// GIVEN: An account bound at registration
	// WHEN: Attributing an order for that account
	// THEN: The registration-time referrer is credited

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()

	require.NoError(t, mem.CreateAccountLink(ctx, referral.AccountLink{
		AccountID: "acct-1", ReferrerID: "ref-1", ClickID: "click-1", CreatedAt: time.Now(),
	}))

	attr, err := resolver.AttributeOrder(ctx, "order-1", "acct-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, referral.ReferrerID("ref-1"), attr.ReferrerID)
}

func TestAttributeOrder_Unbound_NoAttribution(t *testing.T) {
	// GIVEN: An account with no binding
	// WHEN: Attributing an order
	// THEN: ErrNoAttribution, never a fingerprint search

	resolver, _ := newTestResolver(t, 6*time.Hour)

	_, err := resolver.AttributeOrder(context.Background(), "order-1", "acct-1", time.Now())
	assert.ErrorIs(t, err, referral.ErrNoAttribution)
}

func TestAttributeOrderRetroactive_BindsGuestCheckout(t *testing.T) {
	// GIVEN: A guest checkout whose fingerprint matches a recent click
	// WHEN: The explicit retroactive path runs
	// THEN: The account is bound and the click credited

	resolver, mem := newTestResolver(t, 6*time.Hour)
	ctx := context.Background()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	appendClick(t, mem, "click-1", "ref-1", "10.0.0.1", "agent-a", now.Add(-time.Hour))

	attr, err := resolver.AttributeOrderRetroactive(ctx, "order-1", "guest-1", "10.0.0.1", "agent-a", now)
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAttributed, attr.Outcome)
	assert.Equal(t, referral.ReferrerID("ref-1"), attr.ReferrerID)

	link, err := mem.GetAccountLink(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, referral.ReferrerID("ref-1"), link.ReferrerID)
}
