package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-broker/internal/shared/redis"
)

// Entry is one cached proxy response.
type Entry struct {
	Data        json.RawMessage `json:"data"`
	ContentType string          `json:"content_type,omitempty"`
	StoredAt    time.Time       `json:"stored_at"`
}

// Store is the byte-level backend behind Cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Cache struct {
	store Store
	ttl   time.Duration
}

// New creates a cache over store. A non-positive ttl disables caching.
func New(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// TTL returns the configured lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Key builds the cache key for an endpoint and its canonical request body.
func Key(endpoint string, canonicalBody []byte) string {
	hash := sha256.Sum256(canonicalBody)
	return "proxy:" + endpoint + ":" + hex.EncodeToString(hash[:])
}

// Get retrieves a cached response
func (c *Cache) Get(ctx context.Context, endpoint string, canonicalBody []byte) (*Entry, bool, error) {
	if c.ttl <= 0 {
		return nil, false, nil
	}

	val, ok, err := c.store.Get(ctx, Key(endpoint, canonicalBody))
	if err != nil || !ok {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize cached response: %w", err)
	}

	return &entry, true, nil
}

// Set stores a response in cache
func (c *Cache) Set(ctx context.Context, endpoint string, canonicalBody []byte, entry *Entry) error {
	if c.ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	return c.store.Set(ctx, Key(endpoint, canonicalBody), data, c.ttl)
}

// RedisStore keeps entries in Redis so several broker instances can share them.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl)
}
