package apikey

import (
	"sync"
	"time"
)

// SecretCache holds decrypted API-key secrets for a short TTL so the hot
// path does not pay an AES-GCM open per request. Entries are keyed by
// api-key id; expired entries are ignored on read and deleted periodically
// by a janitor.
type SecretCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	secret    string
	expiresAt time.Time
}

func NewSecretCache(ttl time.Duration) *SecretCache {
	c := &SecretCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
	go c.janitor()
	return c
}

func (c *SecretCache) Get(keyID string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[keyID]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.secret, true
}

func (c *SecretCache) Put(keyID, secret string) {
	c.mu.Lock()
	c.entries[keyID] = cacheEntry{
		secret:    secret,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *SecretCache) Invalidate(keyID string) {
	c.mu.Lock()
	delete(c.entries, keyID)
	c.mu.Unlock()
}

func (c *SecretCache) janitor() {
	interval := c.ttl
	if interval < time.Minute {
		interval = time.Minute
	}
	for range time.Tick(interval) {
		now := time.Now()
		c.mu.Lock()
		for id, entry := range c.entries {
			if now.After(entry.expiresAt) {
				delete(c.entries, id)
			}
		}
		c.mu.Unlock()
	}
}
