package main

import (
	"context"
	"sync"
	"time"
)

// upgradeThrottle is a token bucket in front of WebSocket upgrades. It paces
// the total upgrade rate across all sources; per-source limits live in the
// admission gate.
type upgradeThrottle struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// newUpgradeThrottle returns nil (no pacing) when perSecond <= 0. A
// non-positive burst defaults to one second's worth of upgrades.
func newUpgradeThrottle(perSecond, burst int) *upgradeThrottle {
	if perSecond <= 0 {
		return nil
	}
	b := float64(burst)
	if b <= 0 {
		b = float64(perSecond)
	}
	return &upgradeThrottle{
		rate:   float64(perSecond),
		burst:  b,
		tokens: b,
		last:   time.Now(),
		now:    time.Now,
	}
}

func (t *upgradeThrottle) refillLocked() {
	now := t.now()
	if elapsed := now.Sub(t.last).Seconds(); elapsed > 0 {
		t.tokens += elapsed * t.rate
		if t.tokens > t.burst {
			t.tokens = t.burst
		}
	}
	t.last = now
}

// wait takes one token, sleeping until one is available. It returns false if
// ctx ends first.
func (t *upgradeThrottle) wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	for {
		t.mu.Lock()
		t.refillLocked()
		if t.tokens >= 1 {
			t.tokens--
			t.mu.Unlock()
			return true
		}
		delay := time.Duration((1 - t.tokens) / t.rate * float64(time.Second))
		t.mu.Unlock()

		if delay <= 0 {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
