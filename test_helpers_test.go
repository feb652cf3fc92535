package banext

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeClock is a controllable time source for gate and guard tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errFlakyStore = errors.New("flaky store failure")

// flakyStore wraps a MemoryStore and fails the next N calls of each kind.
type flakyStore struct {
	*MemoryStore

	mu          sync.Mutex
	failLoads   int
	failUpserts int
	upsertCalls int
	loadCalls   int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore()}
}

func (s *flakyStore) LoadAll(ctx context.Context) ([]BanRecord, error) {
	s.mu.Lock()
	s.loadCalls++
	fail := s.failLoads > 0
	if fail {
		s.failLoads--
	}
	s.mu.Unlock()
	if fail {
		return nil, errFlakyStore
	}
	return s.MemoryStore.LoadAll(ctx)
}

func (s *flakyStore) UpsertMany(ctx context.Context, records []BanRecord) error {
	s.mu.Lock()
	s.upsertCalls++
	fail := s.failUpserts > 0
	if fail {
		s.failUpserts--
	}
	s.mu.Unlock()
	if fail {
		return errFlakyStore
	}
	return s.MemoryStore.UpsertMany(ctx, records)
}

func (s *flakyStore) setFailures(loads, upserts int) {
	s.mu.Lock()
	s.failLoads = loads
	s.failUpserts = upserts
	s.mu.Unlock()
}

func (s *flakyStore) calls() (loads, upserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCalls, s.upsertCalls
}

func testPolicy() BanPolicy {
	return BanPolicy{SingleBanPeriod: time.Hour, Multiplier: 2}
}

func loadedRegistry(store BanRecordStore) *BanRegistry {
	r := NewBanRegistry(store, testPolicy(), nil)
	_, _ = r.LoadAll(context.Background())
	return r
}
