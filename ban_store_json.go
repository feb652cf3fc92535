package banext

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// JSONFileStore keeps every record in one JSON document. Each upsert rewrites
// the file through a temp file and rename so a crash never leaves a partial
// snapshot behind.
type JSONFileStore struct {
	path string

	mu      sync.Mutex
	records map[string]BanRecord
	loaded  bool
}

type banFileDocument struct {
	Version int         `json:"version"`
	Records []BanRecord `json:"records"`
}

const banFileVersion = 1

func NewJSONFileStore(path string) (*JSONFileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &JSONFileStore{path: path, records: make(map[string]BanRecord)}, nil
}

func (s *JSONFileStore) LoadAll(ctx context.Context) ([]BanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return nil, err
	}
	return s.sortedLocked(), nil
}

func (s *JSONFileStore) UpsertMany(ctx context.Context, records []BanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.readLocked(); err != nil {
			return err
		}
	}
	next := make(map[string]BanRecord, len(s.records)+len(records))
	for k, v := range s.records {
		next[k] = v
	}
	for _, rec := range records {
		if rec.Source == "" {
			continue
		}
		rec.BannedAt = truncateOffenseTime(rec.BannedAt)
		rec.Till = truncateOffenseTime(rec.Till)
		next[rec.Source] = rec
	}
	prev := s.records
	s.records = next
	if err := s.writeLocked(); err != nil {
		s.records = prev
		return err
	}
	return nil
}

func (s *JSONFileStore) Close() error {
	return nil
}

func (s *JSONFileStore) readLocked() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.records = make(map[string]BanRecord)
		s.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	records := make(map[string]BanRecord)
	if len(strings.TrimSpace(string(data))) > 0 {
		var doc banFileDocument
		if err := sonic.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode %s: %w", s.path, err)
		}
		for _, rec := range doc.Records {
			if rec.Source == "" {
				continue
			}
			rec.BannedAt = rec.BannedAt.UTC()
			rec.Till = rec.Till.UTC()
			records[rec.Source] = rec
		}
	}
	s.records = records
	s.loaded = true
	return nil
}

func (s *JSONFileStore) writeLocked() error {
	data, err := sonic.ConfigStd.MarshalIndent(banFileDocument{
		Version: banFileVersion,
		Records: s.sortedLocked(),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *JSONFileStore) sortedLocked() []BanRecord {
	out := make([]BanRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
