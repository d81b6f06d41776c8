package sportsapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Redis key 前缀
const cacheKeyPrefix = "sportsapi:"

// Cache 上游响应缓存，值为原始 JSON
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// MemoryCache 进程内缓存，读取时淘汰过期项
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	clock   clockwork.Clock
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache(c clockwork.Clock) *MemoryCache {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &MemoryCache{entries: make(map[string]cacheEntry), clock: c}
}

// Get 读取缓存
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e.data, true
}

// Set 写入缓存
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = cacheEntry{data: value, expires: m.clock.Now().Add(ttl)}
	return nil
}

// Clear 清空缓存
func (m *MemoryCache) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]cacheEntry)
	return nil
}

// Len 缓存项数量，包含尚未淘汰的过期项
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RedisCache 多实例共享的 Redis 缓存
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 创建 Redis 缓存
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get 读取缓存，Redis 不可用视为未命中
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set 写入缓存
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, cacheKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Clear 删除所有缓存项
func (r *RedisCache) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, cacheKeyPrefix+"*", 100).Iterator()
	var errs []error
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := iter.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
