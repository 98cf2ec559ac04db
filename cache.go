package shardql

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/shardql/sharding"
)

// Cache is the interface for caching query results.
// Users should implement this interface with their preferred caching solution
// (e.g., Redis, Memcached, in-memory).
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an optional TTL.
	// If ttl is 0, the value should not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all values with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Clear removes all values from the cache.
	Clear(ctx context.Context) error
}

// CacheKey identifies the result of one statement. A result is stored once
// per table it reads, so that a mutation of any of them drops it.
type CacheKey struct {
	Table  string
	Digest string
}

// String returns the string representation of the cache key.
func (k CacheKey) String() string {
	return k.Table + ":" + k.Digest
}

// digest returns the digest of the statements of one read. shape
// identifies the result type and its keyed deferred members.
func digest(dialect, shape string, qs []sharding.Query) (string, error) {
	h := sha256.New()
	h.Write([]byte(dialect))
	h.Write([]byte{0})
	h.Write([]byte(shape))
	for _, q := range qs {
		b, err := msgpack.Marshal(q.Args)
		if err != nil {
			return "", fmt.Errorf("shardql: cache key: %w", err)
		}
		h.Write([]byte{0})
		h.Write([]byte(q.SQL))
		h.Write([]byte{0})
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// resultCache stores msgpack-encoded results in a Cache.
type resultCache struct {
	c   Cache
	ttl time.Duration
}

// load decodes the cached result into out. It reports false unless the
// result is present under every table.
func (rc *resultCache) load(ctx context.Context, tables []string, d string, out any) (bool, error) {
	var hit []byte
	for _, t := range tables {
		b, err := rc.c.Get(ctx, CacheKey{Table: t, Digest: d}.String())
		if err != nil {
			return false, err
		}
		if b == nil {
			return false, nil
		}
		hit = b
	}
	if hit == nil {
		return false, nil
	}
	if err := msgpack.Unmarshal(hit, out); err != nil {
		return false, fmt.Errorf("shardql: decode cached result: %w", err)
	}
	return true, nil
}

func (rc *resultCache) store(ctx context.Context, tables []string, d string, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("shardql: encode result: %w", err)
	}
	for _, t := range tables {
		if err := rc.c.Set(ctx, CacheKey{Table: t, Digest: d}.String(), b, rc.ttl); err != nil {
			return err
		}
	}
	return nil
}

func (rc *resultCache) invalidate(ctx context.Context, tables []string) error {
	for _, t := range tables {
		if err := rc.c.DeletePrefix(ctx, t+":"); err != nil {
			return err
		}
	}
	return nil
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements the Cache interface.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, nil
	}
	return e.value, nil
}

// Set implements the Cache interface.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Delete implements the Cache interface.
func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// DeletePrefix implements the Cache interface.
func (m *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Clear implements the Cache interface.
func (m *MemoryCache) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	return nil
}

// Len returns the number of entries, expired ones included.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
