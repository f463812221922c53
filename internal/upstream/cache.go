package upstream

import (
	"sync"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/domain"
	"github.com/eternisai/enchanted-proxy/internal/logger"
)

// Cache is the in-memory UpstreamClient cache keyed by (provider_id,
// csesidx) with a time-bounded lifetime (spec.md §3, §5). A cache miss
// recreates; a cache hit reuses the bearer token held inside. Concurrent
// lookup is safe; a racing insert may waste one client construction,
// which is tolerable per §5.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cfg     Config
	log     *logger.Logger
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	client    *Client
	expiresAt time.Time
}

// NewCache builds a client cache with the given TTL and client config.
func NewCache(ttl time.Duration, cfg Config, log *logger.Logger) *Cache {
	return &Cache{ttl: ttl, cfg: cfg, log: log, entries: make(map[string]*cacheEntry)}
}

// Get returns the cached client for provider, constructing and caching
// one if absent or expired.
func (c *Cache) Get(provider *domain.Provider, cookieBag []byte) *Client {
	key := provider.ID + "/" + provider.Credential.Csesidx

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		return entry.client
	}

	client := New(c.cfg, provider.Credential.Csesidx, cookieBag, c.log)
	c.entries[key] = &cacheEntry{client: client, expiresAt: time.Now().Add(c.ttl)}
	return client
}
