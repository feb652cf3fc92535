package banext

import "time"

// FailureRateGuard counts message-handling failures per live connection.
// With a zero window a connection's failures are counted for its whole
// lifetime.
type FailureRateGuard struct {
	counter *thresholdCounter
}

// NewFailureRateGuard returns nil when maxFailures is not positive; a nil
// guard never reports a crossing.
func NewFailureRateGuard(maxFailures int, window time.Duration, maxKeys int) *FailureRateGuard {
	if maxFailures <= 0 {
		return nil
	}
	return &FailureRateGuard{counter: newThresholdCounter(maxFailures, window, maxKeys)}
}

// RecordFailure counts one failure for key and returns true exactly once, on
// the failure that pushes the count above the maximum.
func (g *FailureRateGuard) RecordFailure(key string, now time.Time) bool {
	if g == nil || key == "" {
		return false
	}
	return g.counter.record(key, now)
}

// Forget discards the counter of a closed connection.
func (g *FailureRateGuard) Forget(key string) {
	if g == nil {
		return
	}
	g.counter.forget(key)
}

func (g *FailureRateGuard) Failures(key string, now time.Time) int {
	if g == nil {
		return 0
	}
	return g.counter.count(key, now)
}

func (g *FailureRateGuard) Tracked() int {
	if g == nil {
		return 0
	}
	return g.counter.len()
}
