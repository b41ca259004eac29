// Package cache implements the query result cache: a hash -> result map
// with TTL, a memory cap, LRU-ish eviction, and dependency-based
// invalidation so a write to a label or property can drop exactly the
// cached results that could be affected by it, rather than flushing
// everything.
package cache

import (
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config tunes cache capacity and TTL behavior.
type Config struct {
	MaxEntries     int
	MaxMemoryBytes int64
	DefaultTTL     time.Duration
	AdaptiveTTL    bool
	MinTTL         time.Duration
	MaxTTL         time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:     10000,
		MaxMemoryBytes: 512 * 1024 * 1024,
		DefaultTTL:     5 * time.Minute,
		AdaptiveTTL:    true,
		MinTTL:         30 * time.Second,
		MaxTTL:         60 * time.Minute,
	}
}

// Entry is one cached query result.
type Entry struct {
	Result      any
	CachedAt    time.Time
	TTL         time.Duration
	AccessCount uint64
	Bytes       int64
	Deps        Dependencies
}

// Stats tracks cache-wide counters.
type Stats struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	TTLEvictions  uint64
	SizeEvictions uint64
	MemoryUsage   int64
	execTimeSumMs int64
	execTimeCount int64
}

func (s Stats) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Lookups)
}

func (s Stats) AvgTimeSavedMs() float64 {
	if s.execTimeCount == 0 {
		return 0
	}
	return float64(s.execTimeSumMs) / float64(s.execTimeCount)
}

// Cache is the query result cache.
type Cache struct {
	cfg Config
	log zerolog.Logger

	muEntries sync.RWMutex
	entries   map[uint64]*Entry
	lru       []uint64 // most-recently-used first; rebuilt lazily on access

	muDeps      sync.RWMutex
	totalExecs  uint64
	patternHits map[uint64]uint64 // fingerprint -> cumulative access count across its lifetime

	muStats sync.Mutex
	stats   Stats

	hits   prometheus.Counter
	misses prometheus.Counter
}

func New(cfg Config, log zerolog.Logger) *Cache {
	return &Cache{
		cfg:         cfg,
		log:         log,
		entries:     make(map[uint64]*Entry),
		patternHits: make(map[uint64]uint64),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_cache_hits_total",
			Help: "Query result cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_cache_misses_total",
			Help: "Query result cache misses.",
		}),
	}
}

// Collectors exposes this cache's prometheus collectors for registration
// by the caller (typically the Engine, once per database), mirroring
// pkg/lockmgr.RowLockManager.Collectors.
func (c *Cache) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.hits, c.misses}
}

// Fingerprint computes hash(query_text, sorted params): parameter order
// within params is irrelevant, but every value participates.
func Fingerprint(query string, params map[string]any) uint64 {
	h := fnv.New64a()
	h.Write([]byte(query))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(formatParam(params[k])))
	}
	return h.Sum64()
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return "" // best-effort; unknown types participate via key only
	}
}

// Get returns the cached result for hash, or (nil, false) on miss — absent,
// expired, or disabled. A hit bumps the entry's access_count and moves it
// to the front of the LRU order.
func (c *Cache) Get(hash uint64) (any, bool) {
	c.muEntries.Lock()
	defer c.muEntries.Unlock()

	c.bumpLookup()

	e, ok := c.entries[hash]
	if !ok {
		c.bumpMiss()
		return nil, false
	}
	if e.TTL > 0 && time.Since(e.CachedAt) > e.TTL {
		c.dropLocked(hash, e)
		c.bumpMiss()
		c.muStats.Lock()
		c.stats.TTLEvictions++
		c.muStats.Unlock()
		return nil, false
	}

	e.AccessCount++
	c.touchLRU(hash)
	c.bumpHit()
	return e.Result, true
}

func (c *Cache) bumpLookup() {
	c.muStats.Lock()
	c.stats.Lookups++
	c.muStats.Unlock()
}
func (c *Cache) bumpHit() {
	c.muStats.Lock()
	c.stats.Hits++
	c.muStats.Unlock()
	c.hits.Inc()
}
func (c *Cache) bumpMiss() {
	c.muStats.Lock()
	c.stats.Misses++
	c.muStats.Unlock()
	c.misses.Inc()
}

// ShouldCache applies the put-time gates, before any locking or hashing
// work happens.
func ShouldCache(query string, execTimeMs int64) bool {
	if execTimeMs < 10 {
		return false
	}
	lower := strings.ToLower(query)
	for _, volatile := range []string{"timestamp", "random", "uuid"} {
		if strings.Contains(lower, volatile) {
			return false
		}
	}
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	for _, kw := range []string{"CREATE", "MERGE", "DELETE", "SET", "REMOVE"} {
		if strings.HasPrefix(trimmed, kw) {
			return false
		}
	}
	return true
}

// Put stores result under (query, params)'s fingerprint if ShouldCache
// allows it. bytes is the caller's estimate of the serialized result size,
// used for memory accounting.
func (c *Cache) Put(query string, params map[string]any, result any, execTimeMs int64, bytes int64) {
	if !ShouldCache(query, execTimeMs) {
		return
	}
	hash := Fingerprint(query, params)
	deps := extractDependencies(query)

	c.muDeps.Lock()
	c.totalExecs++
	c.patternHits[hash]++
	accessCount := c.patternHits[hash]
	totalExecs := c.totalExecs
	c.muDeps.Unlock()

	ttl := c.cfg.DefaultTTL
	if c.cfg.AdaptiveTTL {
		ttl = adaptiveTTL(execTimeMs, accessCount, totalExecs, c.cfg)
	}

	entry := &Entry{
		Result:      result,
		CachedAt:    time.Now(),
		TTL:         ttl,
		AccessCount: accessCount,
		Bytes:       bytes + 256, // header and bookkeeping overhead
		Deps:        deps,
	}

	// Lock order: entries -> dependencies -> stats. Dependencies here are
	// folded into the Entry itself (muDeps above only protects execution
	// counters, not per-entry data), so the remaining order is simply
	// entries then stats, which is what the code below does.
	c.muEntries.Lock()
	if old, ok := c.entries[hash]; ok {
		c.dropLocked(hash, old)
	}
	c.entries[hash] = entry
	c.touchLRU(hash)
	c.muStats.Lock()
	c.stats.MemoryUsage += entry.Bytes
	c.stats.execTimeSumMs += execTimeMs
	c.stats.execTimeCount++
	c.muStats.Unlock()
	c.enforceLimitsLocked()
	c.muEntries.Unlock()
}

// dropLocked removes hash from the entry map and LRU order and returns its
// bytes to the memory accounting. Caller must hold muEntries; muStats is
// taken inside, honoring the entries -> stats order.
func (c *Cache) dropLocked(hash uint64, e *Entry) {
	delete(c.entries, hash)
	c.removeFromLRU(hash)
	c.muStats.Lock()
	c.stats.MemoryUsage -= e.Bytes
	c.muStats.Unlock()
}

func adaptiveTTL(execTimeMs int64, accessCount, totalExecs uint64, cfg Config) time.Duration {
	var base time.Duration
	switch {
	case execTimeMs < 100:
		base = 5 * time.Minute
	case execTimeMs < 1000:
		base = 15 * time.Minute
	default:
		base = 30 * time.Minute
	}

	freq := 0.1
	if totalExecs > 0 {
		f := float64(accessCount) / float64(totalExecs)
		if f > freq {
			freq = f
		}
	}

	ttl := time.Duration(float64(base) * freq)
	if ttl < cfg.MinTTL {
		ttl = cfg.MinTTL
	}
	if ttl > cfg.MaxTTL {
		ttl = cfg.MaxTTL
	}
	return ttl
}

// touchLRU moves hash to the front of the MRU order. Caller must hold
// muEntries.
func (c *Cache) touchLRU(hash uint64) {
	c.removeFromLRU(hash)
	c.lru = append([]uint64{hash}, c.lru...)
}

func (c *Cache) removeFromLRU(hash uint64) {
	for i, h := range c.lru {
		if h == hash {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			return
		}
	}
}

// enforceLimitsLocked evicts by ascending (access_count, cached_at) —
// least-used, then oldest — until both the memory cap and the entry-count
// cap are satisfied. Caller must hold muEntries.
func (c *Cache) enforceLimitsLocked() {
	c.muStats.Lock()
	mem := c.stats.MemoryUsage
	c.muStats.Unlock()

	needMemEviction := mem > c.cfg.MaxMemoryBytes
	needCountEviction := len(c.entries) > c.cfg.MaxEntries

	if !needMemEviction && !needCountEviction {
		return
	}

	ranked := make([]uint64, 0, len(c.entries))
	for h := range c.entries {
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := c.entries[ranked[i]], c.entries[ranked[j]]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.CachedAt.Before(b.CachedAt)
	})

	var sizeEvicted int
	for _, h := range ranked {
		if mem <= c.cfg.MaxMemoryBytes && len(c.entries) <= c.cfg.MaxEntries {
			break
		}
		e := c.entries[h]
		c.dropLocked(h, e)
		mem -= e.Bytes
		sizeEvicted++
	}

	if sizeEvicted > 0 {
		c.muStats.Lock()
		c.stats.SizeEvictions += uint64(sizeEvicted)
		c.muStats.Unlock()
	}
}

// InvalidateByPattern removes every entry whose dependencies overlap any
// of labels or propertyKeys; legacy entries with no recorded dependencies
// are always removed. A call with both slices empty is a no-op.
func (c *Cache) InvalidateByPattern(labels, propertyKeys []string) int {
	if len(labels) == 0 && len(propertyKeys) == 0 {
		return 0
	}

	c.muEntries.Lock()
	defer c.muEntries.Unlock()

	var removed int
	for h, e := range c.entries {
		if e.Deps.isLegacy() || e.Deps.overlaps(labels, propertyKeys) {
			c.dropLocked(h, e)
			removed++
		}
	}
	return removed
}

// CleanExpired removes every entry whose TTL has elapsed.
func (c *Cache) CleanExpired() int {
	c.muEntries.Lock()
	defer c.muEntries.Unlock()

	now := time.Now()
	var removed int
	for h, e := range c.entries {
		if e.TTL > 0 && now.Sub(e.CachedAt) > e.TTL {
			c.dropLocked(h, e)
			removed++
		}
	}
	if removed > 0 {
		c.muStats.Lock()
		c.stats.TTLEvictions += uint64(removed)
		c.muStats.Unlock()
	}
	return removed
}

// Remove evicts a single entry by hash.
func (c *Cache) Remove(hash uint64) {
	c.muEntries.Lock()
	defer c.muEntries.Unlock()
	if e, ok := c.entries[hash]; ok {
		c.dropLocked(hash, e)
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.muEntries.Lock()
	c.entries = make(map[uint64]*Entry)
	c.lru = nil
	c.muEntries.Unlock()

	c.muStats.Lock()
	c.stats.MemoryUsage = 0
	c.muStats.Unlock()
}

func (c *Cache) Len() int {
	c.muEntries.RLock()
	defer c.muEntries.RUnlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.muStats.Lock()
	defer c.muStats.Unlock()
	return c.stats
}
