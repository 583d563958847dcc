package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"autodev/internal/types"
)

// cacheKey derives the lookup key from the task id and the exact diff text.
// The same diff re-verified within the TTL short-circuits the review.
func cacheKey(taskID int64, diff string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00", taskID)
	h.Write([]byte(diff))
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	result   *types.VerificationResult
	storedAt time.Time
}

// resultCache is a TTL-bounded map. When the entry cap is exceeded the
// oldest half is evicted in one sweep.
type resultCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func newResultCache(ttl time.Duration, maxEntries int) *resultCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &resultCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *resultCache) get(key string) (*types.VerificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.result, true
}

func (c *resultCache) put(key string, result *types.VerificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, storedAt: c.now()}
	if len(c.entries) > c.maxEntries {
		c.evictOldestHalfLocked()
	}
}

func (c *resultCache) evictOldestHalfLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)/2] {
		delete(c.entries, a.key)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
