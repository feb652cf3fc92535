package banext

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const registryShardCount = 64

// BanPolicy controls how ban periods escalate.
type BanPolicy struct {
	SingleBanPeriod time.Duration
	Multiplier      float64
}

// BanRegistry is the in-memory authority on ban state. Every source maps to
// at most one record; updates to one source are serialised under the lock
// of the shard that owns it.
type BanRegistry struct {
	shards  [registryShardCount]registryShard
	store   BanRecordStore
	policy  BanPolicy
	metrics *Metrics
	loaded  atomic.Bool
	size    atomic.Int64

	flushMu   sync.Mutex
	workerMu  sync.Mutex
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type registryShard struct {
	mu      sync.RWMutex
	records map[string]BanRecord
	dirty   map[string]struct{}
}

// NewBanRegistry builds an empty registry over store. A nil store keeps
// everything in memory and Flush becomes a no-op.
func NewBanRegistry(store BanRecordStore, policy BanPolicy, metrics *Metrics) *BanRegistry {
	r := &BanRegistry{
		store:   store,
		policy:  policy,
		metrics: metrics,
	}
	for i := range r.shards {
		r.shards[i].records = make(map[string]BanRecord)
		r.shards[i].dirty = make(map[string]struct{})
	}
	return r
}

func (r *BanRegistry) shard(source string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return &r.shards[h.Sum32()%registryShardCount]
}

// IsBanned reports whether source has a record whose Till is after now.
func (r *BanRegistry) IsBanned(source string, now time.Time) bool {
	if r == nil || source == "" {
		return false
	}
	sh := r.shard(source)
	sh.mu.RLock()
	rec, ok := sh.records[source]
	sh.mu.RUnlock()
	return ok && rec.Active(now)
}

// RegisterBan records an offense by source at offenseTime. A first offense
// creates a record with BanCount 1; later offenses increment the count and
// restart the ban from offenseTime with the escalated period.
func (r *BanRegistry) RegisterBan(source string, offenseTime time.Time) BanRecord {
	if r == nil || source == "" {
		return BanRecord{}
	}
	bannedAt := truncateOffenseTime(offenseTime)

	sh := r.shard(source)
	sh.mu.Lock()
	rec, ok := sh.records[source]
	if !ok {
		rec = BanRecord{Source: source}
		r.size.Add(1)
	}
	rec.BanCount++
	rec.BannedAt = bannedAt
	rec.Till = CalcTillDate(bannedAt, r.policy.SingleBanPeriod, r.policy.Multiplier, rec.BanCount).Truncate(time.Second)
	if !rec.Till.After(rec.BannedAt) {
		rec.Till = rec.BannedAt.Add(time.Second)
	}
	sh.records[source] = rec
	sh.dirty[source] = struct{}{}
	sh.mu.Unlock()

	r.metrics.setBanRecords(r.Len())
	return rec
}

// Lookup returns the record for source, expired or not.
func (r *BanRegistry) Lookup(source string) (BanRecord, bool) {
	if r == nil {
		return BanRecord{}, false
	}
	sh := r.shard(source)
	sh.mu.RLock()
	rec, ok := sh.records[source]
	sh.mu.RUnlock()
	return rec, ok
}

// Snapshot returns every record sorted by source.
func (r *BanRegistry) Snapshot() []BanRecord {
	if r == nil {
		return nil
	}
	out := make([]BanRecord, 0, r.Len())
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, rec := range sh.records {
			out = append(out, rec)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (r *BanRegistry) Len() int {
	if r == nil {
		return 0
	}
	return int(r.size.Load())
}

// Loaded reports whether LoadAll has completed, successfully or not.
func (r *BanRegistry) Loaded() bool {
	return r != nil && r.loaded.Load()
}

// LoadAll pulls every persisted record into memory and returns the merged
// view. A record already in memory with a higher ban count is kept. When the
// store is unavailable the registry still counts as loaded (every source is
// admitted until it offends again) and the error is returned.
func (r *BanRegistry) LoadAll(ctx context.Context) (map[string]BanRecord, error) {
	if r == nil {
		return nil, nil
	}
	defer r.loaded.Store(true)
	if r.store == nil {
		return r.snapshotMap(), nil
	}

	records, err := r.store.LoadAll(ctx)
	if err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			err = fmt.Errorf("%w: load: %v", ErrStorageUnavailable, err)
		}
		logger.Warn("ban store load failed; admitting all sources until they offend again",
			"component", "registry", "kind", "load",
			"error", err,
		)
		return r.snapshotMap(), err
	}

	merged := 0
	for _, rec := range records {
		if rec.Source == "" {
			continue
		}
		sh := r.shard(rec.Source)
		sh.mu.Lock()
		existing, ok := sh.records[rec.Source]
		if !ok || rec.BanCount > existing.BanCount {
			if !ok {
				r.size.Add(1)
			}
			sh.records[rec.Source] = rec
			merged++
		}
		sh.mu.Unlock()
	}
	r.metrics.setBanRecords(r.Len())
	logger.Info("ban records loaded",
		"component", "registry", "kind", "load",
		"loaded", len(records),
		"merged", merged,
	)
	return r.snapshotMap(), nil
}

func (r *BanRegistry) snapshotMap() map[string]BanRecord {
	out := make(map[string]BanRecord, r.Len())
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for k, v := range sh.records {
			out[k] = v
		}
		sh.mu.RUnlock()
	}
	return out
}
