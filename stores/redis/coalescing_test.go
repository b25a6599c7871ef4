package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/ccos/pkg/value"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *CoalescingCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache, err := NewCoalescingCache(CoalescingCacheOptions{Client: client})
	require.NoError(t, err)
	return mr, cache
}

func TestCoalescingCacheGrantsExactlyOneLeaderPerFingerprint(t *testing.T) {
	_, cache := newTestCache(t)

	leader, wait := cache.Claim(context.Background(), "fp-1")
	require.True(t, leader)
	require.Nil(t, wait)

	followerLeader, followerWait := cache.Claim(context.Background(), "fp-1")
	require.False(t, followerLeader)
	require.NotNil(t, followerWait)
}

func TestCoalescingCacheFollowerReceivesLeaderResult(t *testing.T) {
	_, cache := newTestCache(t)
	ctx := context.Background()

	leader, _ := cache.Claim(ctx, "fp-2")
	require.True(t, leader)

	followerLeader, followerWait := cache.Claim(ctx, "fp-2")
	require.False(t, followerLeader)

	// Give the follower's background subscribe a chance to register before
	// the leader publishes, so the Pub/Sub delivery path exercises instead
	// of only the memoized-result fallback.
	time.Sleep(50 * time.Millisecond)

	cache.Publish(ctx, "fp-2", value.Int(42), nil)

	select {
	case res := <-followerWait:
		require.NoError(t, res.Err)
		require.Equal(t, int64(42), res.Value.Int())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced result")
	}
}

func TestCoalescingCachePublishPropagatesError(t *testing.T) {
	_, cache := newTestCache(t)
	ctx := context.Background()

	leader, _ := cache.Claim(ctx, "fp-3")
	require.True(t, leader)
	_, followerWait := cache.Claim(ctx, "fp-3")

	time.Sleep(50 * time.Millisecond)
	cache.Publish(ctx, "fp-3", value.Nil, errCapabilityFailed)

	select {
	case res := <-followerWait:
		require.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced error")
	}
}

func TestCoalescingCachePublishReleasesClaim(t *testing.T) {
	mr, cache := newTestCache(t)
	ctx := context.Background()

	leader, _ := cache.Claim(ctx, "fp-4")
	require.True(t, leader)
	cache.Publish(ctx, "fp-4", value.Int(1), nil)

	require.False(t, mr.Exists(claimKeyPrefix+"fp-4"))

	// The claim having been released, a fresh invocation of the same
	// fingerprint is free to claim leadership again.
	leaderAgain, wait := cache.Claim(ctx, "fp-4")
	require.True(t, leaderAgain)
	require.Nil(t, wait)
}

func TestCoalescingCacheFailsOpenWhenRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	cache, err := NewCoalescingCache(CoalescingCacheOptions{Client: client})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	leader, wait := cache.Claim(ctx, "fp-unreachable")
	require.True(t, leader)
	require.Nil(t, wait)
}

var errCapabilityFailed = &testCapabilityError{"capability invocation failed"}

type testCapabilityError struct{ msg string }

func (e *testCapabilityError) Error() string { return e.msg }
