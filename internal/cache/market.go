// Package cache keeps a derived, invalidatable copy of contest markets in
// Redis and broadcasts every refresh on a pub/sub channel. The contest row
// stays the source of truth; a miss or a Redis outage only costs a store read.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peer-wager-bot/internal/config"
	"peer-wager-bot/internal/model"
)

// ErrMiss is returned when a market is not cached.
var ErrMiss = errors.New("market not cached")

// Update is the payload broadcast when a contest market changes.
type Update struct {
	ContestID string       `json:"contest_id"`
	Market    model.Market `json:"market"`
	At        time.Time    `json:"at"`
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return rdb, nil
}

// MarketCache stores one JSON market per contest.
//
// Key schema:
//
//	market:{contestID} - JSON encoded model.Market
type MarketCache struct {
	rdb     *redis.Client
	ttl     time.Duration
	channel string
}

// NewMarketCache creates a MarketCache. An empty channel disables broadcasting.
func NewMarketCache(rdb *redis.Client, ttl time.Duration, channel string) *MarketCache {
	return &MarketCache{rdb: rdb, ttl: ttl, channel: channel}
}

func marketKey(contestID string) string { return "market:" + contestID }

// Get returns the cached market of a contest, or ErrMiss.
func (c *MarketCache) Get(ctx context.Context, contestID string) (model.Market, error) {
	data, err := c.rdb.Get(ctx, marketKey(contestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Market{}, ErrMiss
		}
		return model.Market{}, fmt.Errorf("redis: get market %s: %w", contestID, err)
	}

	var m model.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", contestID, err)
	}
	return m, nil
}

// Set caches m and broadcasts it in one pipeline.
func (c *MarketCache) Set(ctx context.Context, contestID string, m model.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", contestID, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, marketKey(contestID), data, c.ttl)
	if c.channel != "" {
		update, err := json.Marshal(Update{ContestID: contestID, Market: m, At: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("redis: marshal update %s: %w", contestID, err)
		}
		pipe.Publish(ctx, c.channel, update)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", contestID, err)
	}
	return nil
}

// Invalidate drops the cached market of a contest.
func (c *MarketCache) Invalidate(ctx context.Context, contestID string) error {
	if err := c.rdb.Del(ctx, marketKey(contestID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", contestID, err)
	}
	return nil
}

// Nop is a cache that never holds anything. Used when Redis is not configured.
type Nop struct{}

// Get always misses.
func (Nop) Get(context.Context, string) (model.Market, error) { return model.Market{}, ErrMiss }

// Set discards the market.
func (Nop) Set(context.Context, string, model.Market) error { return nil }

// Invalidate does nothing.
func (Nop) Invalidate(context.Context, string) error { return nil }
