package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisGuard(client, "test"), mr
}

func TestCheckAndReserveFirstDeliveryWins(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	reserved, err := g.CheckAndReserve(ctx, "msg-1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved, "first reservation for a delivery must succeed")
}

func TestCheckAndReserveDuplicateDeliveryLoses(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := g.CheckAndReserve(ctx, "msg-1", 1, time.Minute)
	require.NoError(t, err)

	reserved, err := g.CheckAndReserve(ctx, "msg-1", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, reserved, "a second reservation for the same (message_id, dequeue_count) must be refused")
}

func TestCheckAndReserveDistinctDequeueCountIsNewDelivery(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := g.CheckAndReserve(ctx, "msg-1", 1, time.Minute)
	require.NoError(t, err)

	reserved, err := g.CheckAndReserve(ctx, "msg-1", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved, "a redelivery with a bumped dequeue_count is a distinct delivery identity")
}

func TestReleaseAllowsRetryOfSameDelivery(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := g.CheckAndReserve(ctx, "msg-1", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, g.Release(ctx, "msg-1", 1))

	reserved, err := g.CheckAndReserve(ctx, "msg-1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved, "after Release, the same delivery key must be reservable again")
}

func TestReservationExpiresAfterTTL(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()

	_, err := g.CheckAndReserve(ctx, "msg-1", 1, 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	reserved, err := g.CheckAndReserve(ctx, "msg-1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved, "an expired reservation must not block a fresh attempt")
}
