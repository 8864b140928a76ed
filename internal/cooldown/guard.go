// Package cooldown enforces a minimum interval between generation requests
// from the same identity.
package cooldown

import (
	"context"
	"time"
)

// DefaultInterval is the minimum spacing between admitted requests per identity.
const DefaultInterval = 5 * time.Second

// Decision is the result of a cooldown check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Guard admits or denies a request for an identity. Admit performs an atomic
// check-and-set: an allowed decision records the request time before returning.
// Guards never fail; a backend problem is absorbed and results in a decision.
type Guard interface {
	Admit(ctx context.Context, identity string) Decision
}

func allow() Decision { return Decision{Allowed: true} }

func deny(retryAfter time.Duration) Decision {
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{RetryAfter: retryAfter}
}

// Name labels g for metrics and logs.
func Name(g Guard) string {
	switch g.(type) {
	case *MemoryGuard:
		return "memory"
	case *RedisGuard:
		return "redis"
	default:
		return "custom"
	}
}
