package gateway

import (
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
)

// identityCache remembers what a presented API key resolved to, keyed by
// its hash, so repeat callers are rate limited before the key store is
// asked again. Entries for unknown keys are kept too.
type identityCache struct {
	ttl     time.Duration
	now     func() time.Time
	entries *lru.Cache[string, cachedIdentity]
}

type cachedIdentity struct {
	identity string
	class    string
	unknown  bool
	expires  time.Time
}

func newIdentityCache(size int, ttl time.Duration) *identityCache {
	return &identityCache{
		ttl:     ttl,
		now:     time.Now,
		entries: lru.NewCache[string, cachedIdentity](size),
	}
}

func (c *identityCache) get(hash string) (cachedIdentity, bool) {
	e, ok := c.entries.Get(hash)
	if !ok {
		return cachedIdentity{}, false
	}
	if !c.now().Before(e.expires) {
		c.entries.Remove(hash)
		return cachedIdentity{}, false
	}
	return e, true
}

func (c *identityCache) put(hash string, e cachedIdentity) {
	e.expires = c.now().Add(c.ttl)
	c.entries.Add(hash, e)
}

func (c *identityCache) forget(hash string) {
	c.entries.Remove(hash)
}
