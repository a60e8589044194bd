// Package cache provides bounded, time-expiring caches for skill metadata,
// rendered content, and resource listings.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTLCache is a bounded LRU cache with per-entry absolute expiry.
// All operations are safe for concurrent use and atomic per key.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	ttl     time.Duration

	hits   uint64
	misses uint64

	// now is replaceable for tests.
	now func() time.Time
}

type entry struct {
	key        string
	value      any
	insertedAt time.Time
}

// Stats reports cache counters at a point in time.
type Stats struct {
	Size   int    `json:"size"`
	Max    int    `json:"max"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// New creates a TTLCache holding at most maxSize entries, each valid for ttl
// after insertion. maxSize < 1 is clamped to 1; ttl <= 0 means entries never
// expire.
func New(maxSize int, ttl time.Duration) *TTLCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &TTLCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the value for key if present and unexpired. Expired entries are
// deleted and reported as misses.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.ttl > 0 && c.now().Sub(ent.insertedAt) > c.ttl {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Set inserts or replaces the value for key, refreshing its expiry. When the
// cache is full the least-recently-used entry is evicted first.
func (c *TTLCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.insertedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	el := c.order.PushFront(&entry{key: key, value: value, insertedAt: c.now()})
	c.entries[key] = el
}

// Delete removes key if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Clear removes all entries.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Size returns the current number of entries, including any not yet swept
// expired ones.
func (c *TTLCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and occupancy.
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.entries), Max: c.maxSize, Hits: c.hits, Misses: c.misses}
}

// EvictOldest removes up to n least-recently-used entries and returns how
// many were removed. Used by the memory cleaner under pressure.
func (c *TTLCache) EvictOldest(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for removed < n {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		removed++
	}
	return removed
}

// EvictFraction removes roughly frac (0..1) of the entries, oldest first.
func (c *TTLCache) EvictFraction(frac float64) int {
	if frac <= 0 {
		return 0
	}
	if frac > 1 {
		frac = 1
	}
	c.mu.Lock()
	n := int(float64(len(c.entries))*frac + 0.5)
	c.mu.Unlock()
	return c.EvictOldest(n)
}

// SetClock overrides the time source. Tests only.
func (c *TTLCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *TTLCache) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, ent.key)
}

// Default tier sizing. Metadata is hot and cheap, content is warm, resource
// listings are cold.
const (
	MetadataSize = 256
	ContentSize  = 32
	ResourceSize = 16

	MetadataTTL = time.Hour
	ContentTTL  = 30 * time.Minute
	ResourceTTL = 15 * time.Minute
)

// Tiers bundles the three named cache instances used by the skills loader.
type Tiers struct {
	Metadata  *TTLCache
	Content   *TTLCache
	Resources *TTLCache
}

// NewTiers creates the three tiers with their default sizes and TTLs.
func NewTiers() *Tiers {
	return &Tiers{
		Metadata:  New(MetadataSize, MetadataTTL),
		Content:   New(ContentSize, ContentTTL),
		Resources: New(ResourceSize, ResourceTTL),
	}
}

// TierSpec sizes one tier. Zero fields fall back to the tier's default.
type TierSpec struct {
	Size int
	TTL  time.Duration
}

// NewTiersWith creates the three tiers with explicit sizing.
func NewTiersWith(metadata, content, resources TierSpec) *Tiers {
	return &Tiers{
		Metadata:  New(orDefault(metadata, MetadataSize, MetadataTTL)),
		Content:   New(orDefault(content, ContentSize, ContentTTL)),
		Resources: New(orDefault(resources, ResourceSize, ResourceTTL)),
	}
}

func orDefault(spec TierSpec, size int, ttl time.Duration) (int, time.Duration) {
	if spec.Size <= 0 {
		spec.Size = size
	}
	if spec.TTL <= 0 {
		spec.TTL = ttl
	}
	return spec.Size, spec.TTL
}

// ClearAll empties every tier.
func (t *Tiers) ClearAll() {
	t.Metadata.Clear()
	t.Content.Clear()
	t.Resources.Clear()
}
