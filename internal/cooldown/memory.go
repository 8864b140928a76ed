package cooldown

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard keeps per-identity cooldown state in process memory.
type MemoryGuard struct {
	mu       sync.Mutex
	last     map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

// NewMemoryGuard creates a guard with the given interval.
func NewMemoryGuard(interval time.Duration) *MemoryGuard {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &MemoryGuard{
		last:     make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Admit implements Guard.
func (g *MemoryGuard) Admit(_ context.Context, identity string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if prev, ok := g.last[identity]; ok {
		if elapsed := now.Sub(prev); elapsed < g.interval {
			return deny(g.interval - elapsed)
		}
	}
	g.last[identity] = now
	return allow()
}

// Sweep drops identities whose cooldown has already elapsed. It returns the
// number of entries removed.
func (g *MemoryGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.interval)
	removed := 0
	for identity, at := range g.last {
		if !at.After(cutoff) {
			delete(g.last, identity)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
