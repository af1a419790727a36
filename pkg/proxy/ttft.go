package proxy

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	ttftCacheSize = 10000
	ttftCacheTTL  = 300 * time.Second
)

// ttftCache remembers when response headers arrived for a flow so the
// response hook can compute time-to-first-token. Bounded and TTL-evicted:
// a flow that never reaches the response hook cannot leak an entry.
type ttftCache struct {
	cache *ttlcache.Cache[string, time.Time]
}

func newTTFTCache() *ttftCache {
	c := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](ttftCacheTTL),
		ttlcache.WithCapacity[string, time.Time](ttftCacheSize),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go c.Start()
	return &ttftCache{cache: c}
}

// Mark records the headers-received instant for a flow.
func (t *ttftCache) Mark(requestID string) {
	t.cache.Set(requestID, time.Now(), ttlcache.DefaultTTL)
}

// Take returns and removes the recorded instant for a flow.
func (t *ttftCache) Take(requestID string) (time.Time, bool) {
	item := t.cache.Get(requestID)
	if item == nil {
		return time.Time{}, false
	}
	t.cache.Delete(requestID)
	return item.Value(), true
}

// Stop halts the eviction loop.
func (t *ttftCache) Stop() {
	t.cache.Stop()
}
