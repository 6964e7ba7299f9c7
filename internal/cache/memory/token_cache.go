// Package memory provides an in-process token cache with lazy expiry.
package memory

import (
	"sync"
	"time"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
)

// TokenCache implements captcha.TokenCache. Expired entries are dropped on
// lookup; a token is never returned at or after its expiry.
type TokenCache struct {
	mu      sync.Mutex
	clock   captcha.Clock
	entries map[string]captcha.CachedToken
}

// NewTokenCache builds an empty cache. A nil clock uses the system clock.
func NewTokenCache(clock captcha.Clock) *TokenCache {
	if clock == nil {
		clock = system.New()
	}
	return &TokenCache{
		clock:   clock,
		entries: make(map[string]captcha.CachedToken),
	}
}

// Get returns the live token for key.
func (c *TokenCache) Get(key string) (captcha.CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.entries[key]
	if !ok {
		metrics.ObserveCacheLookup("miss")
		return captcha.CachedToken{}, false
	}
	if !tok.ValidAt(c.clock.Now()) {
		delete(c.entries, key)
		metrics.ObserveCacheLookup("expired")
		return captcha.CachedToken{}, false
	}
	metrics.ObserveCacheLookup("hit")
	return tok, true
}

// Put stores value under key for ttl. A non-positive ttl stores nothing.
func (c *TokenCache) Put(key, value string, ttl time.Duration) captcha.CachedToken {
	tok := captcha.CachedToken{
		CorrelationKey: key,
		Value:          value,
		ExpiresAt:      c.clock.Now().Add(ttl),
	}
	if ttl <= 0 {
		return tok
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tok
	return tok
}

// Delete drops key.
func (c *TokenCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, expired ones included.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
