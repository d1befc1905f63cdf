package referral_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

func TestRegistry_IssueCode_Format(t *testing.T) {
	// GIVEN: A fresh registry
	// WHEN: Issuing a code
	// THEN: 8 characters from the unambiguous alphabet (no 0/O, 1/I/L)

	registry := referral.NewRegistry(store.NewMemory())
	ctx := context.Background()

	code, err := registry.IssueCode(ctx, "ref-1")
	require.NoError(t, err)

	assert.Len(t, string(code), 8)
	for _, c := range string(code) {
		assert.NotContains(t, "0O1IL", string(c))
		assert.True(t, strings.ContainsRune("ABCDEFGHJKMNPQRSTUVWXYZ23456789", c),
			"unexpected character %q in code", c)
	}
}

func TestRegistry_IssueCode_Unique(t *testing.T) {
	// GIVEN: Many issued codes
	// WHEN: Comparing them
	// THEN: All distinct

	registry := referral.NewRegistry(store.NewMemory())
	ctx := context.Background()

	seen := make(map[referral.Code]bool)
	for i := 0; i < 200; i++ {
		code, err := registry.IssueCode(ctx, "ref-1")
		require.NoError(t, err)
		assert.False(t, seen[code], "code %s issued twice", code)
		seen[code] = true
	}
}

func TestRegistry_ResolveCode(t *testing.T) {
	// GIVEN: An issued code
	// WHEN: Resolving it
	// THEN: The owning referrer comes back

	registry := referral.NewRegistry(store.NewMemory())
	ctx := context.Background()

	code, err := registry.IssueCode(ctx, "ref-42")
	require.NoError(t, err)

	referrerID, err := registry.ResolveCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, referral.ReferrerID("ref-42"), referrerID)
}

func TestRegistry_ResolveCode_Unknown(t *testing.T) {
	// GIVEN: A code that was never issued
	// WHEN: Resolving it
	// THEN: ErrCodeNotFound

	registry := referral.NewRegistry(store.NewMemory())

	_, err := registry.ResolveCode(context.Background(), "NOPE1234")
	assert.ErrorIs(t, err, referral.ErrCodeNotFound)
	assert.True(t, referral.IsNotFound(err))
}
