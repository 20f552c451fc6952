package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pheezz/wireguard-bot/types"
)

// BanCache fronts a BanRegistry with a short-lived Redis presence cache. The
// ban check gates every incoming update, so the hot path should not hit
// Postgres each time. Redis being down degrades to the database lookup; a
// cache failure never decides a verdict.
type BanCache struct {
	registry types.BanRegistry
	client   *RedisClient
	ttl      time.Duration
}

func NewBanCache(registry types.BanRegistry, client *RedisClient, ttl time.Duration) *BanCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &BanCache{
		registry: registry,
		client:   client,
		ttl:      ttl,
	}
}

func (c *BanCache) key(userID int64) string {
	return c.client.generateKey("banned", fmt.Sprintf("%d", userID))
}

func (c *BanCache) IsBanned(ctx context.Context, userID int64) (bool, error) {
	if c.client != nil {
		var banned bool
		if err := c.client.Get(ctx, c.key(userID), &banned); err == nil {
			return banned, nil
		}
	}

	banned, err := c.registry.IsBanned(ctx, userID)
	if err != nil {
		return false, err
	}
	if c.client != nil {
		if err := c.client.Set(ctx, c.key(userID), banned, c.ttl); err != nil {
			log.Printf("Ban cache: failed to cache verdict for user %d: %v", userID, err)
		}
	}
	return banned, nil
}

func (c *BanCache) Ban(ctx context.Context, userID int64, reason string) error {
	if err := c.registry.Ban(ctx, userID, reason); err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	return nil
}

func (c *BanCache) Unban(ctx context.Context, userID int64) (bool, error) {
	removed, err := c.registry.Unban(ctx, userID)
	if err != nil {
		return false, err
	}
	c.invalidate(ctx, userID)
	return removed, nil
}

func (c *BanCache) ListBanned(ctx context.Context) ([]types.BanRecord, error) {
	return c.registry.ListBanned(ctx)
}

func (c *BanCache) invalidate(ctx context.Context, userID int64) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(userID)); err != nil {
		log.Printf("Ban cache: failed to invalidate user %d: %v", userID, err)
	}
}
