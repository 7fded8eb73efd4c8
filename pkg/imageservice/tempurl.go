package imageservice

import (
	"sync"
	"time"
)

// tempURLCache memoizes signed URLs keyed by object name. Entries are
// dropped a margin before the URL itself expires so callers never hand
// out a URL that dies mid-download.
type tempURLCache struct {
	mu      sync.Mutex
	entries map[string]tempURLEntry
	ttl     time.Duration
}

type tempURLEntry struct {
	url       string
	expiresAt time.Time
}

const tempURLExpiryMargin = time.Minute

func newTempURLCache(ttl time.Duration) *tempURLCache {
	return &tempURLCache{
		entries: make(map[string]tempURLEntry),
		ttl:     ttl,
	}
}

func (c *tempURLCache) get(object string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[object]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, object)
		return "", false
	}
	return entry.url, true
}

func (c *tempURLCache) put(object, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := c.ttl - tempURLExpiryMargin
	if expiry <= 0 {
		expiry = c.ttl / 2
	}
	c.entries[object] = tempURLEntry{
		url:       url,
		expiresAt: time.Now().Add(expiry),
	}
}
