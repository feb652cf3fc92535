package banext

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. It is the default backend
// when nothing durable is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]BanRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]BanRecord)}
}

func (s *MemoryStore) LoadAll(ctx context.Context) ([]BanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BanRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (s *MemoryStore) UpsertMany(ctx context.Context, records []BanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Source == "" {
			continue
		}
		rec.BannedAt = truncateOffenseTime(rec.BannedAt)
		rec.Till = truncateOffenseTime(rec.Till)
		s.records[rec.Source] = rec
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
