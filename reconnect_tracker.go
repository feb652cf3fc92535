package banext

import "time"

const (
	addressKeyPrefix  = "addr:"
	identityKeyPrefix = "id:"
)

// ConnectionRateGuard counts connection attempts per network address and per
// client identity. The two key spaces are kept apart so an address can never
// collide with an identity of the same spelling.
type ConnectionRateGuard struct {
	counter *thresholdCounter
}

// NewConnectionRateGuard returns nil when maxAttempts or window is not
// positive; a nil guard never reports a crossing.
func NewConnectionRateGuard(maxAttempts int, window time.Duration, maxKeys int) *ConnectionRateGuard {
	if maxAttempts <= 0 || window <= 0 {
		return nil
	}
	return &ConnectionRateGuard{counter: newThresholdCounter(maxAttempts, window, maxKeys)}
}

// RecordAttempt counts one attempt for a raw key. It returns true exactly
// once per window, on the attempt that pushes the count above the maximum.
func (g *ConnectionRateGuard) RecordAttempt(key string, now time.Time) bool {
	if g == nil || key == "" {
		return false
	}
	return g.counter.record(key, now)
}

func (g *ConnectionRateGuard) RecordAddressAttempt(address string, now time.Time) bool {
	if address == "" {
		return false
	}
	return g.RecordAttempt(addressKeyPrefix+address, now)
}

func (g *ConnectionRateGuard) RecordIdentityAttempt(identity string, now time.Time) bool {
	if identity == "" {
		return false
	}
	return g.RecordAttempt(identityKeyPrefix+identity, now)
}

// Attempts returns the count in the key's current window.
func (g *ConnectionRateGuard) Attempts(key string, now time.Time) int {
	if g == nil {
		return 0
	}
	return g.counter.count(key, now)
}

// Tracked returns how many keys currently hold a counter.
func (g *ConnectionRateGuard) Tracked() int {
	if g == nil {
		return 0
	}
	return g.counter.len()
}
