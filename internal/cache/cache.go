// Package cache implements the store's weight-bounded Tile Cache
// (spec.md §3, §4.4): a concurrency-safe map from region.Request to
// imageserver.Tile, bounded by aggregate byte weight rather than entry
// count, with an explicit Trim hook standing in for the source's
// soft-reference, GC-assisted eviction (see DESIGN.md's internal/cache entry).
package cache

import (
	"container/list"
	"math"
	"sync"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

// Weigher computes the approximate byte weight of a tile. The cache
// divides the result by 1024 and clamps it to a positive int32-sized
// range so a single huge tile cannot overflow the aggregate weight
// counter (spec.md §3's "key cost clamp").
type Weigher func(t imageserver.Tile) int64

const maxWeightUnit = math.MaxInt32

// Cache is the weight-bounded Tile Cache. The zero value is not usable;
// construct with New.
type Cache struct {
	mu         sync.Mutex
	weigher    Weigher
	maxWeight  int64
	curWeight  int64
	entries    map[region.Request]*list.Element
	evictOrder *list.List // front = most recently used
}

type entry struct {
	key    region.Request
	tile   imageserver.Tile
	weight int64
}

// New creates a Cache with the given maximum aggregate weight in bytes
// (converted internally to the same 1024-byte units as each entry's
// weight) and a weigher used to cost each inserted tile.
func New(maxBytes int64, weigher Weigher) *Cache {
	if weigher == nil {
		weigher = imageserver.DefaultSizeEstimator
	}
	return &Cache{
		weigher:    weigher,
		maxWeight:  clampWeight(maxBytes / 1024),
		entries:    make(map[region.Request]*list.Element),
		evictOrder: list.New(),
	}
}

func clampWeight(units int64) int64 {
	if units < 1 {
		return 1
	}
	if units > maxWeightUnit {
		return maxWeightUnit
	}
	return units
}

// Get returns the cached tile for req, if present, moving it to the
// most-recently-used position. The bool mirrors containsKey semantics:
// a tile is never stored as a nil-valued present entry (spec.md §3), so
// ok==false unambiguously means "not cached".
func (c *Cache) Get(req region.Request) (imageserver.Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[req]
	if !ok {
		return imageserver.Tile{}, false
	}
	c.evictOrder.MoveToFront(el)
	return el.Value.(*entry).tile, true
}

// ContainsKey reports whether req is cached, without disturbing recency
// order. Distinct from Get so callers that only need a presence check
// (spec.md §4.2 step 1) do not pay for an LRU touch.
func (c *Cache) ContainsKey(req region.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[req]
	return ok
}

// Put inserts tile for req, evicting least-recently-used entries until
// the aggregate weight bound is satisfied. A nil tile image is never
// stored (spec.md: "Null values are not storable"). A tile whose own
// weight exceeds the cache's entire bound cannot be retained and is
// silently dropped, matching the stated invariant that oversized tiles
// are never cached.
func (c *Cache) Put(req region.Request, tile imageserver.Tile) {
	if tile.Image == nil {
		return
	}
	weight := clampWeight(c.weigher(tile) / 1024)

	c.mu.Lock()
	defer c.mu.Unlock()

	if weight > c.maxWeight {
		return
	}

	if el, ok := c.entries[req]; ok {
		old := el.Value.(*entry)
		c.curWeight -= old.weight
		c.curWeight += weight
		old.tile = tile
		old.weight = weight
		c.evictOrder.MoveToFront(el)
		for c.curWeight > c.maxWeight && c.evictOrder.Len() > 1 {
			c.evictOldestLocked()
		}
		return
	}

	for c.curWeight+weight > c.maxWeight && c.evictOrder.Len() > 0 {
		c.evictOldestLocked()
	}

	e := &entry{key: req, tile: tile, weight: weight}
	el := c.evictOrder.PushFront(e)
	c.entries[req] = el
	c.curWeight += weight
}

// evictOldestLocked removes the least-recently-used entry. Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	back := c.evictOrder.Back()
	if back == nil {
		return
	}
	c.evictOrder.Remove(back)
	e := back.Value.(*entry)
	delete(c.entries, e.key)
	c.curWeight -= e.weight
}

// Remove deletes req from the cache, if present.
func (c *Cache) Remove(req region.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(req)
}

func (c *Cache) removeLocked(req region.Request) {
	el, ok := c.entries[req]
	if !ok {
		return
	}
	c.evictOrder.Remove(el)
	delete(c.entries, req)
	c.curWeight -= el.Value.(*entry).weight
}

// RemoveMatching removes every cached entry for which match returns true.
// Used by Store.ClearForServer and Store.ClearForRequestOverlap, which
// need a bulk, coarse-grained removal rather than per-key calls.
func (c *Cache) RemoveMatching(match func(region.Request) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []region.Request
	for k := range c.entries {
		if match(k) {
			toRemove = append(toRemove, k)
		}
	}
	for _, k := range toRemove {
		c.removeLocked(k)
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[region.Request]*list.Element)
	c.evictOrder.Init()
	c.curWeight = 0
}

// Trim evicts the least-recently-used fraction of entries (0, 1] of the
// cache's current weight. It stands in for the source's reliance on the
// host runtime dropping soft-referenced values under memory pressure
// (spec.md §9): callers wire this to whatever memory-budget sensor the
// embedding process has, or never call it and rely solely on the
// weight bound (spec.md §8 property P3).
func (c *Cache) Trim(fraction float64) {
	if fraction <= 0 {
		return
	}
	if fraction > 1 {
		fraction = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target := int64(float64(c.curWeight) * (1 - fraction))
	for c.curWeight > target && c.evictOrder.Len() > 0 {
		c.evictOldestLocked()
	}
}

// Weight returns the current aggregate weight, in 1024-byte units.
func (c *Cache) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curWeight
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
