package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// NavCache implements domain.NavCache using Redis hashes. Each pool's NAV is
// stored as a hash at key "nav:{poolID}" with fields "nav" (scaled int64) and
// "ts" (Unix nanosecond timestamp). NAV values stay in their fixed-point
// integer representation end to end; no float conversion happens anywhere.
type NavCache struct {
	rdb *redis.Client
}

// NewNavCache creates a NavCache backed by the given Client.
func NewNavCache(c *Client) *NavCache {
	return &NavCache{rdb: c.Underlying()}
}

func navKey(poolID string) string {
	return "nav:" + poolID
}

// navTTL expires entries once they are too old to pass a freshness check, so
// idle pools do not accumulate keys.
const navTTL = 2 * domain.SwapQuoteTTL

// SetNav stores the latest NAV and timestamp for a pool.
func (nc *NavCache) SetNav(ctx context.Context, poolID string, nav fixedpoint.NAV, ts time.Time) error {
	key := navKey(poolID)
	fields := map[string]interface{}{
		"nav": strconv.FormatInt(int64(nav), 10),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := nc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, navTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set nav %s: %w", poolID, err)
	}
	return nil
}

// GetNav retrieves the latest NAV and timestamp for a pool.
// It returns domain.ErrNotFound when the key does not exist.
func (nc *NavCache) GetNav(ctx context.Context, poolID string) (fixedpoint.NAV, time.Time, error) {
	key := navKey(poolID)
	vals, err := nc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get nav %s: %w", poolID, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	navStr, ok := vals["nav"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	nav, err := strconv.ParseInt(navStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse nav %s: %w", poolID, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", poolID, err)
	}

	return fixedpoint.NAV(nav), time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.NavCache = (*NavCache)(nil)
