package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, rate float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close error: %v", err)
		}
	})
	return m
}

// drain consumes n tokens for key, failing the test if any are denied.
func drain(t *testing.T, m *MemoryLimiter, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		if err != nil {
			t.Fatalf("Allow error on take %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("take %d denied within burst", i)
		}
	}
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := newTestLimiter(t, 10, 3)

	drain(t, m, "client", 3)

	ok, err := m.Allow(context.Background(), "client")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("fourth submission allowed with an empty bucket")
	}
}

func TestMemoryLimiterRefill(t *testing.T) {
	// 1000 tokens/s refills one per millisecond.
	m := newTestLimiter(t, 1000, 2)

	drain(t, m, "client", 2)
	if ok, _ := m.Allow(context.Background(), "client"); ok {
		t.Fatal("allowed immediately after exhausting the burst")
	}

	time.Sleep(5 * time.Millisecond)

	if ok, err := m.Allow(context.Background(), "client"); err != nil || !ok {
		t.Fatalf("want allow after refill, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := newTestLimiter(t, 10, 1)

	drain(t, m, "a", 1)
	if ok, _ := m.Allow(context.Background(), "a"); ok {
		t.Fatal("key a should be out of tokens")
	}
	if ok, _ := m.Allow(context.Background(), "b"); !ok {
		t.Fatal("key b must not share key a's bucket")
	}
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m := newTestLimiter(t, 1000, 3)
	drain(t, m, "client", 1)

	// Backdate so a huge refill is computed; it must clamp to burst.
	m.mu.Lock()
	m.buckets["client"].seen = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	drain(t, m, "client", 3)
	if ok, _ := m.Allow(context.Background(), "client"); ok {
		t.Fatal("idle refill exceeded the burst capacity")
	}
}

func TestMemoryLimiterConcurrentSharedKey(t *testing.T) {
	m := newTestLimiter(t, 100, 50)

	var wg sync.WaitGroup
	allowed := make([]int, 10)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(context.Background(), "shared")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// 100 takes against a burst of 50 inside one refill window.
	if total < 1 || total > 50 {
		t.Fatalf("allowed %d of 100, want within [1, 50]", total)
	}
}

func TestMemoryLimiterSweep(t *testing.T) {
	m := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "idle")
	_, _ = m.Allow(ctx, "active")

	m.mu.Lock()
	m.buckets["idle"].seen = time.Now().Add(-idleTTL - time.Minute)
	m.mu.Unlock()

	m.sweep()

	m.mu.Lock()
	_, idleKept := m.buckets["idle"]
	_, activeKept := m.buckets["active"]
	m.mu.Unlock()

	if idleKept {
		t.Error("idle bucket survived the sweep")
	}
	if !activeKept {
		t.Error("active bucket was swept")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		if err != nil || !ok {
			t.Fatalf("NoopLimiter: got ok=%v err=%v", ok, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}
