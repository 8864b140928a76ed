package cooldown

import (
	"context"
	"strconv"
	"time"

	"github.com/markmilk20020610-art/monster-saas/internal/logging"
	"github.com/markmilk20020610-art/monster-saas/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "vanguard:cooldown:"

// RedisGuard shares cooldown state across replicas. A key is written with
// SET NX PX so the check-and-set is a single atomic command; the key's TTL is
// the remaining wait.
type RedisGuard struct {
	rdb      redis.UniversalClient
	interval time.Duration
	fallback *MemoryGuard
	now      func() time.Time
}

// NewRedisGuard creates a Redis-backed guard. When Redis is unreachable the
// guard degrades to an in-process MemoryGuard with the same interval.
func NewRedisGuard(rdb redis.UniversalClient, interval time.Duration) *RedisGuard {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &RedisGuard{
		rdb:      rdb,
		interval: interval,
		fallback: NewMemoryGuard(interval),
		now:      time.Now,
	}
}

// Fallback exposes the in-memory guard used while Redis is unavailable.
func (g *RedisGuard) Fallback() *MemoryGuard { return g.fallback }

// Admit implements Guard.
func (g *RedisGuard) Admit(ctx context.Context, identity string) Decision {
	key := redisKeyPrefix + identity
	value := strconv.FormatInt(g.now().UnixMilli(), 10)

	// A key can expire between SET NX and PTTL; one retry settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.rdb.SetNX(ctx, key, value, g.interval).Result()
		if err != nil {
			return g.degrade(ctx, identity, err)
		}
		if ok {
			return allow()
		}

		ttl, err := g.rdb.PTTL(ctx, key).Result()
		if err != nil {
			return g.degrade(ctx, identity, err)
		}
		if ttl > 0 {
			return deny(ttl)
		}
		if ttl == -1 {
			// Key without expiry; never written by this guard. Restore the bound.
			g.rdb.PExpire(ctx, key, g.interval)
			return deny(g.interval)
		}
	}
	return deny(g.interval)
}

func (g *RedisGuard) degrade(ctx context.Context, identity string, err error) Decision {
	metrics.CooldownFallbacksTotal.Inc()
	logging.FromContext(logging.WithIdentity(ctx, identity)).Warn().Err(err).Msg("Cooldown store unavailable; using in-memory guard")
	return g.fallback.Admit(ctx, identity)
}
