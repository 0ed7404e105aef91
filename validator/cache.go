package validator

import (
	"hash/fnv"
	"sync"
	"time"

	"sensorflow/models"
)

// tagState holds the last accepted observation for a (stream, tag) pair.
type tagState struct {
	LastSeen    time.Time
	Location    models.Location
	HasLocation bool
}

// CacheEntry is the serializable form of one cache slot, used for
// snapshotting across restarts.
type CacheEntry struct {
	StreamID    string          `json:"stream_id"`
	TagID       string          `json:"tag_id"`
	LastSeen    time.Time       `json:"last_seen"`
	Location    models.Location `json:"location"`
	HasLocation bool            `json:"has_location"`
}

// CacheSnapshot captures the full cache content at a point in time.
type CacheSnapshot struct {
	TakenAt time.Time    `json:"taken_at"`
	Entries []CacheEntry `json:"entries"`
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]tagState
}

// RecentReadCache tracks the most recent accepted reading per (stream, tag)
// pair. Shards are keyed by stream so concurrent streams never contend on
// the same lock.
type RecentReadCache struct {
	shards      []*cacheShard
	ttl         time.Duration
	maxPerShard int
}

// NewRecentReadCache builds a cache with the given shard count, per-shard
// capacity bound and entry TTL.
func NewRecentReadCache(shards, maxPerShard int, ttl time.Duration) *RecentReadCache {
	if shards < 1 {
		shards = 1
	}
	c := &RecentReadCache{
		shards:      make([]*cacheShard, shards),
		ttl:         ttl,
		maxPerShard: maxPerShard,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]tagState)}
	}
	return c
}

func (c *RecentReadCache) shardFor(streamID string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(streamID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func cacheKey(streamID, tagID string) string {
	return streamID + "|" + tagID
}

// Lookup returns the last recorded state for a (stream, tag) pair. Entries
// older than the TTL are evicted on read and reported as absent.
func (c *RecentReadCache) Lookup(streamID, tagID string, now time.Time) (tagState, bool) {
	shard := c.shardFor(streamID)
	key := cacheKey(streamID, tagID)

	shard.mu.RLock()
	st, ok := shard.entries[key]
	shard.mu.RUnlock()
	if !ok {
		return tagState{}, false
	}
	if c.ttl > 0 && now.Sub(st.LastSeen) > c.ttl {
		shard.mu.Lock()
		if cur, still := shard.entries[key]; still && cur.LastSeen.Equal(st.LastSeen) {
			delete(shard.entries, key)
		}
		shard.mu.Unlock()
		return tagState{}, false
	}
	return st, true
}

// Update records a newly accepted reading for a (stream, tag) pair. When a
// shard exceeds its capacity bound the stalest entries are evicted first.
func (c *RecentReadCache) Update(streamID, tagID string, seen time.Time, loc models.Location, hasLoc bool) {
	shard := c.shardFor(streamID)
	key := cacheKey(streamID, tagID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if prev, ok := shard.entries[key]; ok && seen.Before(prev.LastSeen) {
		// Out-of-order arrival, keep the freshest observation.
		return
	}
	shard.entries[key] = tagState{LastSeen: seen, Location: loc, HasLocation: hasLoc}

	if c.maxPerShard > 0 && len(shard.entries) > c.maxPerShard {
		c.evictLocked(shard, seen)
	}
}

// evictLocked drops expired entries and, if the shard is still over
// capacity, the single stalest entry.
func (c *RecentReadCache) evictLocked(shard *cacheShard, now time.Time) {
	if c.ttl > 0 {
		for k, st := range shard.entries {
			if now.Sub(st.LastSeen) > c.ttl {
				delete(shard.entries, k)
			}
		}
	}
	for len(shard.entries) > c.maxPerShard {
		oldestKey := ""
		var oldest time.Time
		for k, st := range shard.entries {
			if oldestKey == "" || st.LastSeen.Before(oldest) {
				oldestKey = k
				oldest = st.LastSeen
			}
		}
		delete(shard.entries, oldestKey)
	}
}

// Len counts live entries across all shards.
func (c *RecentReadCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

// Snapshot copies every live entry for persistence.
func (c *RecentReadCache) Snapshot() CacheSnapshot {
	snap := CacheSnapshot{TakenAt: time.Now().UTC()}
	for _, shard := range c.shards {
		shard.mu.RLock()
		for key, st := range shard.entries {
			streamID, tagID := splitCacheKey(key)
			snap.Entries = append(snap.Entries, CacheEntry{
				StreamID:    streamID,
				TagID:       tagID,
				LastSeen:    st.LastSeen,
				Location:    st.Location,
				HasLocation: st.HasLocation,
			})
		}
		shard.mu.RUnlock()
	}
	return snap
}

// Restore loads a snapshot, skipping entries already past the TTL.
func (c *RecentReadCache) Restore(snap CacheSnapshot) {
	now := time.Now()
	for _, e := range snap.Entries {
		if c.ttl > 0 && now.Sub(e.LastSeen) > c.ttl {
			continue
		}
		c.Update(e.StreamID, e.TagID, e.LastSeen, e.Location, e.HasLocation)
	}
}

func splitCacheKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
