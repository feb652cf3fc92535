package banext

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BanRecordStore persists ban records keyed by source.
type BanRecordStore interface {
	LoadAll(ctx context.Context) ([]BanRecord, error)
	UpsertMany(ctx context.Context, records []BanRecord) error
	Close() error
}

// OpenStore builds the backend selected by cfg.Backend, wrapped so every
// call gets a bounded retry budget.
func OpenStore(cfg Config) (BanRecordStore, error) {
	var (
		store BanRecordStore
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "", storeBackendMemory:
		store = NewMemoryStore()
	case storeBackendSQLite:
		store, err = NewSQLiteStore(cfg.Store.Path)
	case storeBackendJSON:
		store, err = NewJSONFileStore(cfg.Store.Path)
	case storeBackendRedis:
		store, err = NewRedisStore(cfg.Store.RedisAddr, cfg.Store.RedisKey)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return NewRetryingStore(store, cfg.StoreRetryAttempts, cfg.StoreRetryBackoff, cfg.StoreTimeout), nil
}

// RetryingStore applies a bounded retry with exponential backoff to another
// store. Once the budget is spent the last error is wrapped in
// ErrStorageUnavailable.
type RetryingStore struct {
	inner    BanRecordStore
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

const maxStoreRetryBackoff = 5 * time.Second

func NewRetryingStore(inner BanRecordStore, attempts int, backoff, timeout time.Duration) *RetryingStore {
	if attempts <= 0 {
		attempts = 1
	}
	if backoff < 0 {
		backoff = 0
	}
	return &RetryingStore{
		inner:    inner,
		attempts: attempts,
		backoff:  backoff,
		timeout:  timeout,
		sleep:    sleepContext,
	}
}

func (s *RetryingStore) LoadAll(ctx context.Context) ([]BanRecord, error) {
	var out []BanRecord
	err := s.do(ctx, "load", func(ctx context.Context) error {
		records, err := s.inner.LoadAll(ctx)
		if err != nil {
			return err
		}
		out = records
		return nil
	})
	return out, err
}

func (s *RetryingStore) UpsertMany(ctx context.Context, records []BanRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.do(ctx, "upsert", func(ctx context.Context) error {
		return s.inner.UpsertMany(ctx, records)
	})
}

func (s *RetryingStore) Close() error {
	return s.inner.Close()
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		lastErr = s.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == s.attempts {
			break
		}
		logger.Debug("ban store call failed; retrying",
			"component", "store", "kind", "retry",
			"op", op,
			"attempt", attempt,
			"backoff", delay,
			"error", lastErr,
		)
		if err := s.sleep(ctx, delay); err != nil {
			break
		}
		delay *= 2
		if delay > maxStoreRetryBackoff {
			delay = maxStoreRetryBackoff
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, lastErr)
}

func (s *RetryingStore) attempt(ctx context.Context, fn func(context.Context) error) error {
	if s.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(callCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
