package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks the remaining tokens for one submission key.
type bucket struct {
	tokens float64
	seen   time.Time // last Allow call, drives refill and eviction
}

// MemoryLimiter is an in-process token bucket keyed by client, used to
// throttle run submission. Each key refills at a sustained rate up to a
// burst capacity; a janitor goroutine drops keys that have gone idle so
// one-off clients don't accumulate forever.
//
// Being in-process, limits are per instance. A multi-instance
// deployment that needs a shared budget should plug a shared backend
// into the Limiter interface instead.
type MemoryLimiter struct {
	refill   float64 // tokens per second
	capacity float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

const (
	sweepInterval = time.Minute
	idleTTL       = 10 * time.Minute
)

// NewMemoryLimiter creates a limiter refilling rate tokens per second
// per key with the given burst capacity. Call Close to stop the
// janitor goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		refill:   rate,
		capacity: float64(burst),
		buckets:  make(map[string]*bucket),
		done:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow takes one token for key, reporting whether the submission may
// proceed. Unknown keys start with a full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b := m.buckets[key]
	if b == nil {
		b = &bucket{tokens: m.capacity}
		m.buckets[key] = b
	} else {
		b.tokens = min(m.capacity, b.tokens+now.Sub(b.seen).Seconds()*m.refill)
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the janitor. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets idle for longer than idleTTL. An evicted key
// simply starts over with a full bucket, which is the same state a
// fully-refilled bucket would be in.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
