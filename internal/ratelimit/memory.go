package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	idleEviction = 10 * time.Minute
	sweepEvery   = time.Minute
)

// MemoryLimiter is a token bucket per key, suitable for single-process
// deployments. Buckets idle past the eviction window are pruned
// opportunistically during Allow, so no background goroutine is needed.
// Multi-instance deployments should substitute a shared-store Limiter.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64

	mu        sync.Mutex
	state     map[string]*tokenState
	lastSweep time.Time
}

// tokenState is the bucket for one key: the credit that was available the
// moment it was last touched.
type tokenState struct {
	credit  float64
	touched time.Time
}

// NewMemoryLimiter creates a limiter sustaining rate requests per second
// per key, with burst as the bucket capacity.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		perSecond: rate,
		capacity:  float64(burst),
		state:     make(map[string]*tokenState),
		lastSweep: time.Now(),
	}
}

// Allow implements Limiter. Credit accrues lazily from the time elapsed
// since the key was last touched, capped at the bucket capacity. The error
// is always nil; an in-process bucket has no failure mode.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= sweepEvery {
		m.sweep(now)
	}

	st, ok := m.state[key]
	if !ok {
		st = &tokenState{credit: m.capacity}
		m.state[key] = st
	} else {
		st.credit += now.Sub(st.touched).Seconds() * m.perSecond
		if st.credit > m.capacity {
			st.credit = m.capacity
		}
	}
	st.touched = now

	if st.credit < 1 {
		return false, nil
	}
	st.credit--
	return true, nil
}

// Close implements Limiter. The limiter holds no external resources.
func (m *MemoryLimiter) Close() error { return nil }

// sweep drops buckets idle past the eviction window. Callers hold m.mu.
func (m *MemoryLimiter) sweep(now time.Time) {
	cutoff := now.Add(-idleEviction)
	for key, st := range m.state {
		if st.touched.Before(cutoff) {
			delete(m.state, key)
		}
	}
	m.lastSweep = now
}
