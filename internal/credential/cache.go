package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyCache is the minimal interface a cache backend needs to support.
// Both the in-process and Redis-backed implementations satisfy it.
type keyCache interface {
	get(ctx context.Context, cacheKey string) (apiKey string, ok bool)
	set(ctx context.Context, cacheKey string, apiKey string, ttl time.Duration)
}

// CachingValidator decorates a Validator with a cache of successful
// (username, password) → api_key lookups, keyed by a hash of the credential
// pair so plaintext passwords are never held in the cache. It is an
// optional enhancement: a validator used directly, without this wrapper,
// behaves identically but re-validates on every AUTH.
type CachingValidator struct {
	inner Validator
	cache keyCache
	ttl   time.Duration
}

// NewCachingValidator wraps inner with an in-process cache.
func NewCachingValidator(inner Validator, ttl time.Duration) *CachingValidator {
	return &CachingValidator{inner: inner, cache: newMemoryCache(), ttl: ttl}
}

// NewRedisCachingValidator wraps inner with a Redis-backed cache.
func NewRedisCachingValidator(inner Validator, client *redis.Client, ttl time.Duration) *CachingValidator {
	return &CachingValidator{inner: inner, cache: &redisCache{client: client}, ttl: ttl}
}

func (c *CachingValidator) Validate(ctx context.Context, username, password string) (string, error) {
	cacheKey := hashCredential(username, password)

	if key, ok := c.cache.get(ctx, cacheKey); ok {
		return key, nil
	}

	key, err := c.inner.Validate(ctx, username, password)
	if err != nil {
		return "", err
	}

	c.cache.set(ctx, cacheKey, key, c.ttl)
	return key, nil
}

func hashCredential(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

// memoryCache is a small TTL cache used when no Redis URL is configured.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	apiKey    string
	expiresAt time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]memoryCacheEntry)}
}

func (m *memoryCache) get(_ context.Context, cacheKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[cacheKey]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.apiKey, true
}

func (m *memoryCache) set(_ context.Context, cacheKey string, apiKey string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[cacheKey] = memoryCacheEntry{apiKey: apiKey, expiresAt: time.Now().Add(ttl)}
}

// redisCache stores cached keys in Redis, shared across gateway instances.
type redisCache struct {
	client *redis.Client
}

func (r *redisCache) get(ctx context.Context, cacheKey string) (string, bool) {
	val, err := r.client.Get(ctx, "cakesmtpd:authcache:"+cacheKey).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (r *redisCache) set(ctx context.Context, cacheKey string, apiKey string, ttl time.Duration) {
	r.client.Set(ctx, "cakesmtpd:authcache:"+cacheKey, apiKey, ttl)
}
