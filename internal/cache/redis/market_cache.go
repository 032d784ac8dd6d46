package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
	"github.com/alanyoungcy/nostrmarket/internal/market"
)

const defaultSnapshotTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache.
//
// Key schema:
//
//	market:{id}  hash; field "data" holds the JSON snapshot, field "status" the
//	             status at write time
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.MarketCache = (*MarketCache)(nil)

// NewMarketCache creates a MarketCache. ttl <= 0 selects five minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

func marketKey(id string) string { return "market:" + id }

// Set stores snap. Unsettled snapshots expire no later than the market's
// settlement time so a cached status never outlives its validity.
func (mc *MarketCache) Set(ctx context.Context, snap market.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", snap.ID, err)
	}

	ttl := mc.ttl
	if !snap.Settled {
		untilDue := time.Until(time.Unix(snap.SettlementTime, 0))
		if untilDue <= 0 {
			return nil
		}
		if untilDue < ttl {
			ttl = untilDue
		}
	}

	key := marketKey(snap.ID)
	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "status", string(snap.Status))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", snap.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (market.Snapshot, error) {
	data, err := mc.rdb.HGet(ctx, marketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return market.Snapshot{}, domain.ErrNotFound
		}
		return market.Snapshot{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}
	var snap market.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return market.Snapshot{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}
