package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/smallbiznis/rentflow/internal/clock"
)

type bucket struct {
	tokens float64
	ts     time.Time
}

// MemoryBucket is a process-local Limiter used when Redis is not configured.
type MemoryBucket struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
}

func NewMemoryBucket(clk clock.Clock) *MemoryBucket {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &MemoryBucket{clock: clk, buckets: make(map[string]*bucket)}
}

func (m *MemoryBucket) Allow(_ context.Context, key string, rate float64, burst int) (Result, error) {
	if err := validate(key, rate, burst); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(burst), ts: now}
		m.buckets[key] = b
	} else {
		elapsed := math.Max(0, now.Sub(b.ts).Seconds())
		b.tokens = math.Min(float64(burst), b.tokens+elapsed*rate)
		b.ts = now
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	return newResult(allowed, b.tokens, rate), nil
}
