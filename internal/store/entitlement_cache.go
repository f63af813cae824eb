package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

const defaultEntitlementTTL = 5 * time.Minute

// CachedEntitlements puts a Redis read-through cache in front of another
// Entitlements implementation. Postgres stays authoritative: cache errors
// are logged and the call falls through.
//
// Each flag has a generation counter that every write bumps, and cached
// values live under the generation they were read at. A fill racing a
// write therefore lands under a generation nobody reads any more.
type CachedEntitlements struct {
	next   Entitlements
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	observe func(hit bool)
}

// NewCachedEntitlements wraps next with rdb.
func NewCachedEntitlements(next Entitlements, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEntitlements {
	if ttl <= 0 {
		ttl = defaultEntitlementTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEntitlements{next: next, rdb: rdb, ttl: ttl, logger: logger.Named("entitlement-cache")}
}

// ObserveLookups registers fn to be told about every cache hit or miss.
func (c *CachedEntitlements) ObserveLookups(fn func(hit bool)) {
	c.observe = fn
}

func (c *CachedEntitlements) record(hit bool) {
	if c.observe != nil {
		c.observe(hit)
	}
}

// EntitlementCacheKey is the Redis key prefix for one flag.
func EntitlementCacheKey(userID string, category roles.Category) string {
	return fmt.Sprintf("entitlement:%s:%s", category, userID)
}

func generationKey(base string) string {
	return base + ":gen"
}

func valueKey(base string, gen int64) string {
	return fmt.Sprintf("%s:v%d", base, gen)
}

// generation reads the flag's write counter; a missing counter is 0.
func (c *CachedEntitlements) generation(ctx context.Context, base string) (int64, error) {
	gen, err := c.rdb.Get(ctx, generationKey(base)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// GetEntitlement implements Entitlements.
func (c *CachedEntitlements) GetEntitlement(ctx context.Context, userID string, category roles.Category) (bool, error) {
	base := EntitlementCacheKey(userID, category)

	gen, err := c.generation(ctx, base)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", base), zap.Error(err))
		c.record(false)
		return c.next.GetEntitlement(ctx, userID, category)
	}
	key := valueKey(base, gen)

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		c.record(true)
		return cached == "1", nil
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	c.record(false)
	entitled, err := c.next.GetEntitlement(ctx, userID, category)
	if err != nil {
		return false, err
	}

	value := "0"
	if entitled {
		value = "1"
	}
	if err := c.rdb.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
	}
	return entitled, nil
}

// SetEntitlement implements Entitlements. After Postgres accepts the write
// the flag's generation is bumped, which retires every cached value.
func (c *CachedEntitlements) SetEntitlement(ctx context.Context, userID string, category roles.Category, entitled bool, source string) error {
	if err := c.next.SetEntitlement(ctx, userID, category, entitled, source); err != nil {
		return err
	}

	base := EntitlementCacheKey(userID, category)
	if err := c.rdb.Incr(ctx, generationKey(base)).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", zap.String("key", base), zap.Error(err))
	}
	return nil
}
