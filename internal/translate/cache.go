package translate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// CacheTTL is how long a translated summary may be replayed.
const CacheTTL = 24 * time.Hour

// Entry is one cached translation.
type Entry struct {
	Summary   []string  `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists cache entries by key. Set overwrites any existing entry.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}

// CacheKey builds the composite key for a page and language pair.
func CacheKey(pageURL, sourceLang, targetLang string) string {
	return fmt.Sprintf("translation:%s|%s|%s", pageURL, strings.ToLower(sourceLang), strings.ToLower(targetLang))
}

// Cache is the 24h translation cache.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithNow replaces time.Now.
func WithNow(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithTTL overrides CacheTTL.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{store: store, ttl: CacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns a cached summary younger than the TTL. Store errors are
// logged and treated as a miss.
func (c *Cache) Lookup(ctx context.Context, key string) ([]string, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Printf("Translation cache read failed for %s: %v", key, err)
		return nil, false
	}
	if !ok || len(e.Summary) == 0 {
		return nil, false
	}
	if c.now().Sub(e.Timestamp) >= c.ttl {
		return nil, false
	}
	return append([]string(nil), e.Summary...), true
}

// Put stores summary under key, stamped with the current time.
func (c *Cache) Put(ctx context.Context, key string, summary []string) error {
	if c == nil || c.store == nil {
		return nil
	}
	e := Entry{Summary: append([]string(nil), summary...), Timestamp: c.now()}
	if err := c.store.Set(ctx, key, e); err != nil {
		return fmt.Errorf("caching translation %s: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
