//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	meshredis "github.com/thanhtunguet/go-mesh-flow/internal/redis"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func storedNode(addr uint16) *domain.MeshNode {
	return &domain.MeshNode{
		Address:       addr,
		UUID:          "device-uuid-1",
		DeviceKey:     "00112233445566778899aabbccddeeff",
		GroupAddress:  0xC000,
		State:         domain.NodeOnline,
		ProvisionedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestNodeStore_SetGetNode_RoundTrip(t *testing.T) {
	store := meshredis.NewNodeStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.SetNode(ctx, storedNode(0x0010)))

	got, err := store.GetNode(ctx, 0x0010)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0010), got.Address)
	assert.Equal(t, "device-uuid-1", got.UUID)
	assert.Equal(t, domain.NodeOnline, got.State)
}

func TestNodeStore_GetNode_NotFound(t *testing.T) {
	store := meshredis.NewNodeStore(newRedisClient(t))

	_, err := store.GetNode(context.Background(), 0x7777)
	require.Error(t, err)

	var notFound *domain.NodeNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, uint16(0x7777), notFound.Address)
}

func TestNodeStore_ListNodes(t *testing.T) {
	store := meshredis.NewNodeStore(newRedisClient(t))
	ctx := context.Background()

	for _, addr := range []uint16{0x0010, 0x0011, 0x0012} {
		n := storedNode(addr)
		require.NoError(t, store.SetNode(ctx, n))
	}

	nodes, err := store.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestNodeStore_DeleteNode_RemovesFromIndex(t *testing.T) {
	store := meshredis.NewNodeStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.SetNode(ctx, storedNode(0x0020)))
	require.NoError(t, store.DeleteNode(ctx, 0x0020))

	_, err := store.GetNode(ctx, 0x0020)
	var notFound *domain.NodeNotFoundError
	require.ErrorAs(t, err, &notFound)

	nodes, err := store.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestNodeStore_SetState_Transitions(t *testing.T) {
	store := meshredis.NewNodeStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.SetNode(ctx, storedNode(0x0030)))
	require.NoError(t, store.SetState(ctx, 0x0030, domain.NodeOffline))

	got, err := store.GetNode(ctx, 0x0030)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOffline, got.State)

	require.NoError(t, store.SetState(ctx, 0x0030, domain.NodeOnline))
	got, err = store.GetNode(ctx, 0x0030)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOnline, got.State)
	assert.False(t, got.LastSeen.IsZero(), "state change should stamp last_seen")
}

func TestNodeStore_Cursor_DefaultsToUnicastMin(t *testing.T) {
	store := meshredis.NewNodeStore(newRedisClient(t))
	ctx := context.Background()

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.UnicastMin, cursor)

	require.NoError(t, store.SetCursor(ctx, 0x0042))
	cursor, err = store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0042), cursor)
}

func TestNodeStore_NetworkState_RoundTrip(t *testing.T) {
	store := meshredis.NewNodeStore(newRedisClient(t))
	ctx := context.Background()

	// Absent blob reads back as nil without error.
	blob, err := store.NetworkState(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)

	saved := []byte(`{"netkeys":[{"index":0}]}`)
	require.NoError(t, store.SaveNetworkState(ctx, saved))

	blob, err = store.NetworkState(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, blob)
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := meshredis.NewRateLimiter(newRedisClient(t), 5, time.Second)
	ctx := context.Background()

	for i := range 5 {
		ok, err := limiter.Allow(ctx, "192.0.2.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := meshredis.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "192.0.2.2")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "192.0.2.2")
	require.NoError(t, err)
	assert.False(t, ok, "4th request should be rate-limited")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	window := 200 * time.Millisecond
	limiter := meshredis.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	for range 2 {
		ok, err := limiter.Allow(ctx, "192.0.2.3")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "192.0.2.3")
	require.NoError(t, err)
	assert.False(t, ok, "should be blocked within window")

	time.Sleep(window + 50*time.Millisecond)

	ok, err = limiter.Allow(ctx, "192.0.2.3")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed after window expires")
}

func TestRateLimiter_IndependentClients(t *testing.T) {
	limiter := meshredis.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "192.0.2.4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "192.0.2.4")
	require.NoError(t, err)
	assert.False(t, ok, "first client should be limited")

	ok, err = limiter.Allow(ctx, "192.0.2.5")
	require.NoError(t, err)
	assert.True(t, ok, "second client has an independent window")
}
