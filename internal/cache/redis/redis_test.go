package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

func setupTestRedis(t *testing.T) *Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port()), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedis(t *testing.T) {
	c := setupTestRedis(t)
	ctx := context.Background()

	t.Run("LockIsExclusive", func(t *testing.T) {
		lm := NewLockManager(c, 0, 0)
		unlock, err := lm.Acquire(ctx, "market:abc", 5*time.Second)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "market:abc", 5*time.Second)
		assert.ErrorIs(t, err, domain.ErrLockHeld)

		unlock()
		unlock()
		again, err := lm.Acquire(ctx, "market:abc", 5*time.Second)
		require.NoError(t, err)
		again()
	})

	t.Run("LockRetriesUntilReleased", func(t *testing.T) {
		lm := NewLockManager(c, 20, 25*time.Millisecond)
		unlock, err := lm.Acquire(ctx, "market:retry", 5*time.Second)
		require.NoError(t, err)
		go func() {
			time.Sleep(100 * time.Millisecond)
			unlock()
		}()
		second, err := lm.Acquire(ctx, "market:retry", 5*time.Second)
		require.NoError(t, err)
		second()
	})

	t.Run("MarketCache", func(t *testing.T) {
		mc := NewMarketCache(c, time.Minute)
		snap := market.Snapshot{
			ID:             "0123456789abcdef",
			Question:       "q",
			OutcomeA:       "Yes",
			OutcomeB:       "No",
			SettlementTime: time.Now().Add(time.Hour).Unix(),
			Network:        market.Regtest,
			Status:         market.StatusActive,
			TotalA:         100,
			TotalAmount:    100,
		}

		_, err := mc.Get(ctx, snap.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, mc.Set(ctx, snap))
		got, err := mc.Get(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, snap.TotalAmount, got.TotalAmount)
		assert.Equal(t, snap.Status, got.Status)

		ttl, err := c.Underlying().TTL(ctx, marketKey(snap.ID)).Result()
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, time.Minute)

		require.NoError(t, mc.Invalidate(ctx, snap.ID))
		_, err = mc.Get(ctx, snap.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("MarketCacheSkipsDueUnsettled", func(t *testing.T) {
		mc := NewMarketCache(c, time.Minute)
		snap := market.Snapshot{ID: "fedcba9876543210", SettlementTime: time.Now().Add(-time.Minute).Unix()}
		require.NoError(t, mc.Set(ctx, snap))
		_, err := mc.Get(ctx, snap.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("RateLimiter", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "client-1", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "request %d", i)
		}
		ok, err := rl.Allow(ctx, "client-1", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = rl.Allow(ctx, "client-2", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("SignalBus", func(t *testing.T) {
		sb := NewSignalBus(c, 100)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := sb.Subscribe(subCtx, domain.ChannelMarketPattern)
		require.NoError(t, err)

		evt := domain.MarketEvent{Type: "bet_placed", MarketID: "0123456789abcdef", At: time.Unix(1_900_000_000, 0).UTC()}
		payload, err := json.Marshal(evt)
		require.NoError(t, err)
		require.NoError(t, sb.Publish(ctx, domain.ChannelBetPlaced, payload))
		require.NoError(t, sb.StreamAppend(ctx, domain.StreamMarketEvents, payload))

		select {
		case payload := <-ch:
			var got domain.MarketEvent
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, evt.MarketID, got.MarketID)
			assert.Equal(t, evt.Type, got.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("no event received")
		}

		msgs, err := sb.StreamRead(ctx, domain.StreamMarketEvents, "0", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		msgs, err = sb.StreamRead(ctx, domain.StreamMarketEvents, msgs[0].ID, 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}
