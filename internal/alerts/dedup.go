package alerts

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup suppresses repeated system notices (baseline_established,
// remote_degraded, ...) within a TTL window. Backed by an LRU so the
// key space stays bounded even with many cameras and directives.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	cache, _ := lru.New[string, time.Time](maxKeys)
	return &Dedup{cache: cache, ttl: ttl, now: time.Now}
}

// Suppress reports whether the key fired within the TTL, recording the
// occurrence either way.
func (d *Dedup) Suppress(key string) bool {
	now := d.now()
	if last, ok := d.cache.Get(key); ok {
		if now.Sub(last) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, now)
	return false
}

// Forget clears the key so the next occurrence fires again. Used when
// a failing condition recovers.
func (d *Dedup) Forget(key string) {
	d.cache.Remove(key)
}
