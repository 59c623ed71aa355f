package prep

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// DefaultSnapshotTTL keeps prepared inputs long enough for a full run.
const DefaultSnapshotTTL = 30 * time.Minute

// SnapshotCache holds prepared snapshots per (group, period, base currency).
// Snapshots are shared read-only once cached.
type SnapshotCache struct {
	cache *gocache.Cache
}

// NewSnapshotCache builds the cache with the given expiry.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{cache: gocache.New(ttl, 2*ttl)}
}

func cacheKey(key consol.Key, base string) string {
	return key.GroupID + "|" + key.Period + "|" + base
}

// Get returns the cached snapshot.
func (c *SnapshotCache) Get(key consol.Key, base string) (*consol.Snapshot, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(cacheKey(key, base))
	if !ok {
		return nil, false
	}
	snap, ok := v.(*consol.Snapshot)
	return snap, ok
}

// Put stores snap under its key.
func (c *SnapshotCache) Put(snap *consol.Snapshot) {
	if c == nil || snap == nil {
		return
	}
	c.cache.SetDefault(cacheKey(snap.Key, snap.BaseCurrency), snap)
}

// Invalidate drops the snapshot for key and base.
func (c *SnapshotCache) Invalidate(key consol.Key, base string) {
	if c == nil {
		return
	}
	c.cache.Delete(cacheKey(key, base))
}
