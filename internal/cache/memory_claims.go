package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryClaims is the single-process claim set used when no Redis address
// is configured. Expired entries are dropped by Prune.
type MemoryClaims struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	claimed map[string]time.Time
}

func NewMemoryClaims(ttl time.Duration) *MemoryClaims {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &MemoryClaims{
		ttl:     ttl,
		now:     time.Now,
		claimed: make(map[string]time.Time),
	}
}

func (c *MemoryClaims) Claim(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.claimed[id]; ok && now.Before(exp) {
		return false, nil
	}
	c.claimed[id] = now.Add(c.ttl)
	return true, nil
}

// Prune removes expired claims and returns how many were dropped.
func (c *MemoryClaims) Prune(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, exp := range c.claimed {
		if !now.Before(exp) {
			delete(c.claimed, id)
			n++
		}
	}
	return n
}

// Len is the number of live or not yet pruned claims.
func (c *MemoryClaims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claimed)
}
