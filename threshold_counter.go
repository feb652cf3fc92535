package banext

import (
	"sync"
	"time"
)

// thresholdCounter counts events per key in fixed windows that open at the
// first event for the key. A window of zero never resets.
type thresholdCounter struct {
	mu        sync.Mutex
	entries   map[string]*thresholdEntry
	max       int
	window    time.Duration
	maxKeys   int
	nextSweep time.Time
}

type thresholdEntry struct {
	count       int
	windowStart time.Time
	crossed     bool
}

func newThresholdCounter(max int, window time.Duration, maxKeys int) *thresholdCounter {
	if window < 0 {
		window = 0
	}
	return &thresholdCounter{
		entries: make(map[string]*thresholdEntry),
		max:     max,
		window:  window,
		maxKeys: maxKeys,
	}
}

// record counts one event for key at now. It returns true only for the event
// that first pushes the count above max within the current window.
func (c *thresholdCounter) record(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeSweepLocked(now)

	entry, ok := c.entries[key]
	if !ok {
		c.makeRoomLocked(now)
		entry = &thresholdEntry{windowStart: now}
		c.entries[key] = entry
	} else if c.expired(entry, now) {
		entry.count = 0
		entry.windowStart = now
		entry.crossed = false
	}

	entry.count++
	if entry.count > c.max && !entry.crossed {
		entry.crossed = true
		return true
	}
	return false
}

func (c *thresholdCounter) count(key string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.expired(entry, now) {
		return 0
	}
	return entry.count
}

func (c *thresholdCounter) forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *thresholdCounter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *thresholdCounter) expired(entry *thresholdEntry, now time.Time) bool {
	return c.window > 0 && now.Sub(entry.windowStart) >= c.window
}

// maybeSweepLocked drops entries whose window has fully elapsed, at most once
// per window. It expects c.mu to be held.
func (c *thresholdCounter) maybeSweepLocked(now time.Time) {
	if c.window <= 0 || now.Before(c.nextSweep) {
		return
	}
	c.sweepLocked(now)
	c.nextSweep = now.Add(c.window)
}

func (c *thresholdCounter) sweepLocked(now time.Time) {
	for k, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, k)
		}
	}
}

// makeRoomLocked keeps the map under maxKeys before a new key is inserted.
// Expired entries go first; if that is not enough, arbitrary entries are
// dropped since the counters are best-effort.
func (c *thresholdCounter) makeRoomLocked(now time.Time) {
	if c.maxKeys <= 0 || len(c.entries) < c.maxKeys {
		return
	}
	c.sweepLocked(now)
	excess := len(c.entries) - c.maxKeys + 1
	for k := range c.entries {
		if excess <= 0 {
			break
		}
		delete(c.entries, k)
		excess--
	}
}
