package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"visionbatch/internal/domain"
)

const defaultRedisPrefix = "visionbatch:blob:"

// RedisStore keeps blobs as plain string values. It suits deployments where
// several API replicas share one media store.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses the default
// namespace.
func NewRedisStore(rdb *redis.Client, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("storage: redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, rawURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("storage: ping redis: %w", err)
	}
	return NewRedisStore(rdb, prefix)
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Save stores data at key without expiry.
func (s *RedisStore) Save(ctx context.Context, key string, data []byte) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, s.prefix+cleanKey, data, 0).Err(); err != nil {
		return "", fmt.Errorf("storage: redis set: %w", err)
	}
	return cleanKey, nil
}

// Load fetches the blob at key.
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, s.prefix+cleanKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("storage: redis get: %w", err)
	}
	return data, nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return false, err
	}
	n, err := s.rdb.Exists(ctx, s.prefix+cleanKey).Result()
	if err != nil {
		return false, fmt.Errorf("storage: redis exists: %w", err)
	}
	return n > 0, nil
}

// List scans for keys under prefix. SCAN is used so large namespaces do not
// block the server.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	match := s.prefix
	if p := strings.TrimSpace(prefix); p != "" {
		cleanPrefix, err := sanitizeKey(p)
		if err != nil {
			return nil, err
		}
		match += cleanPrefix
		if !strings.HasSuffix(match, "/") {
			match += "/"
		}
	}
	var keys []string
	iter := s.rdb.Scan(ctx, 0, escapeGlob(match)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("storage: redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

var _ domain.BlobStore = (*RedisStore)(nil)
