package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache stores completed responses keyed by CacheKey.
type Cache interface {
	Get(ctx context.Context, key string) (*ProviderResponse, bool)
	Set(ctx context.Context, key string, resp *ProviderResponse)
	Clear(ctx context.Context) error
}

// CacheKey hashes the configuration, temperature and every role:content pair.
func CacheKey(configID string, temperature float64, messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, string(m.Role)+":"+m.Content)
	}
	raw := configID + "|" + strconv.FormatFloat(temperature, 'f', -1, 64) + "|" + strings.Join(parts, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is a bounded in-process LRU cache.
type MemoryCache struct {
	lru *lru.Cache[string, ProviderResponse]
}

// NewMemoryCache creates an LRU cache holding up to size responses.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, ProviderResponse](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &MemoryCache{lru: c}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (*ProviderResponse, bool) {
	resp, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return &resp, true
}

func (c *MemoryCache) Set(_ context.Context, key string, resp *ProviderResponse) {
	if resp == nil {
		return
	}
	c.lru.Add(key, *resp)
}

func (c *MemoryCache) Clear(context.Context) error {
	c.lru.Purge()
	return nil
}

// Len reports the number of cached responses.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// RedisCacheConfig describes the Redis connection used for shared caching.
type RedisCacheConfig struct {
	URL    string
	Prefix string
	TTL    time.Duration
}

// RedisCache shares responses between processes. Errors are treated as misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "moduleconv:llm:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*ProviderResponse, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var resp ProviderResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *ProviderResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// Clear removes every key under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete cache keys: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
