package banext

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const defaultRedisBanKey = "banext:banned_clients"

// RedisStore keeps all records in one Redis hash: field = source, value =
// JSON-encoded record. Records carry no TTL; expired bans stay so the ban
// count survives.
type RedisStore struct {
	client *redis.Client
	key    string
	owns   bool
}

func NewRedisStore(addr, key string) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	store := NewRedisStoreFromClient(client, key)
	store.owns = true
	return store, nil
}

// NewRedisStoreFromClient uses a caller-owned client; Close leaves it open.
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisBanKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]BanRecord, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]BanRecord, 0, len(values))
	for source, raw := range values {
		var rec BanRecord
		if err := sonic.UnmarshalString(raw, &rec); err != nil {
			logger.Warn("skipping undecodable redis ban record",
				"component", "store", "kind", "redis",
				"source_hash", sourceFingerprint(source),
				"error", err,
			)
			continue
		}
		rec.Source = source
		rec.BannedAt = rec.BannedAt.UTC()
		rec.Till = rec.Till.UTC()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (s *RedisStore) UpsertMany(ctx context.Context, records []BanRecord) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	queued := 0
	for _, rec := range records {
		if rec.Source == "" {
			continue
		}
		rec.BannedAt = truncateOffenseTime(rec.BannedAt)
		rec.Till = truncateOffenseTime(rec.Till)
		encoded, err := sonic.MarshalString(rec)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, s.key, rec.Source, encoded)
		queued++
	}
	if queued == 0 {
		return nil
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owns {
		return nil
	}
	return s.client.Close()
}
