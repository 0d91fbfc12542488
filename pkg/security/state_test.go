package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedvault/seedvault/pkg/kv"
)

func newStateStore(t *testing.T) (*StateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := kv.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewStateStore(client), mr
}

func TestStateIssueAndRedeem(t *testing.T) {
	store, _ := newStateStore(t)
	ctx := context.Background()

	nonce, err := store.Issue(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	userID, ok, err := store.Redeem(ctx, nonce)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), userID)
}

func TestStateIsSingleUse(t *testing.T) {
	store, _ := newStateStore(t)
	ctx := context.Background()

	nonce, err := store.Issue(ctx, 42)
	require.NoError(t, err)

	_, ok, err := store.Redeem(ctx, nonce)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Redeem(ctx, nonce)
	require.NoError(t, err)
	assert.False(t, ok, "a replayed nonce must fail")
}

func TestStateUnknownNonce(t *testing.T) {
	store, _ := newStateStore(t)

	_, ok, err := store.Redeem(context.Background(), "never-issued")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateExpires(t *testing.T) {
	store, mr := newStateStore(t)
	ctx := context.Background()

	nonce, err := store.Issue(ctx, 42)
	require.NoError(t, err)

	mr.FastForward(6 * time.Minute)

	_, ok, err := store.Redeem(ctx, nonce)
	require.NoError(t, err)
	assert.False(t, ok, "expired nonce must fail")
}

func TestStateNoncesAreUnique(t *testing.T) {
	store, _ := newStateStore(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		nonce, err := store.Issue(ctx, 1)
		require.NoError(t, err)
		assert.False(t, seen[nonce])
		seen[nonce] = true
	}
}
