package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(cfg Config) *Cache {
	return New(cfg, zerolog.Nop())
}

func TestFingerprint_ParamOrderIrrelevantValuesMatter(t *testing.T) {
	a := Fingerprint("MATCH (n) RETURN n", map[string]any{"x": 1, "y": "z"})
	b := Fingerprint("MATCH (n) RETURN n", map[string]any{"y": "z", "x": 1})
	assert.Equal(t, a, b)

	c := Fingerprint("MATCH (n) RETURN n", map[string]any{"x": 2, "y": "z"})
	assert.NotEqual(t, a, c)

	d := Fingerprint("MATCH (m) RETURN m", map[string]any{"x": 1, "y": "z"})
	assert.NotEqual(t, a, d)
}

func TestShouldCache_Gates(t *testing.T) {
	assert.False(t, ShouldCache("MATCH (n:Person) RETURN n", 5), "fast queries are not worth caching")
	assert.True(t, ShouldCache("MATCH (n:Person) RETURN n", 50))

	assert.False(t, ShouldCache("MATCH (n) RETURN timestamp()", 50))
	assert.False(t, ShouldCache("MATCH (n) WHERE n.id = randomUUID() RETURN n", 50))

	assert.False(t, ShouldCache("CREATE (n:Person)", 50))
	assert.False(t, ShouldCache("  merge (n:Person) return n", 50))
	assert.False(t, ShouldCache("DELETE n", 50))
	assert.False(t, ShouldCache("SET n.x = 1", 50))
	assert.False(t, ShouldCache("REMOVE n.x", 50))
}

func TestPutGet_HitRate(t *testing.T) {
	c := newTestCache(DefaultConfig())
	query := "MATCH (n:Person) RETURN n.name"
	hash := Fingerprint(query, nil)

	_, ok := c.Get(hash)
	assert.False(t, ok)

	c.Put(query, nil, "result", 50, 100)

	const reads = 10
	for i := 0; i < reads; i++ {
		got, ok := c.Get(hash)
		require.True(t, ok)
		assert.Equal(t, "result", got)
	}

	st := c.Stats()
	assert.EqualValues(t, reads, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.GreaterOrEqual(t, st.HitRate(), float64(reads)/float64(reads+1))
}

// TestDependencyInvalidation is spec Scenario D, literally.
func TestDependencyInvalidation(t *testing.T) {
	c := newTestCache(DefaultConfig())

	q1 := "MATCH (n:Person) RETURN n.name"
	q2 := "MATCH (u:User) WHERE u.age>18 RETURN u.email"
	q3 := "MATCH (p:Product) RETURN p.price"
	c.Put(q1, nil, "rs1", 50, 100)
	c.Put(q2, nil, "rs2", 50, 100)
	c.Put(q3, nil, "rs3", 50, 100)

	c.InvalidateByPattern([]string{"Person"}, nil)
	_, ok := c.Get(Fingerprint(q1, nil))
	assert.False(t, ok)
	_, ok = c.Get(Fingerprint(q2, nil))
	assert.True(t, ok)
	_, ok = c.Get(Fingerprint(q3, nil))
	assert.True(t, ok)

	c.InvalidateByPattern(nil, []string{"age"})
	_, ok = c.Get(Fingerprint(q2, nil))
	assert.False(t, ok)
	_, ok = c.Get(Fingerprint(q3, nil))
	assert.True(t, ok)
}

func TestInvalidate_EmptyIsNoopAndIdempotent(t *testing.T) {
	c := newTestCache(DefaultConfig())
	q := "MATCH (n:Person) RETURN n.name"
	c.Put(q, nil, "rs", 50, 100)

	assert.Equal(t, 0, c.InvalidateByPattern(nil, nil))
	_, ok := c.Get(Fingerprint(q, nil))
	assert.True(t, ok)

	first := c.InvalidateByPattern([]string{"Person"}, nil)
	assert.Equal(t, 1, first)
	again := c.InvalidateByPattern([]string{"Person"}, nil)
	assert.Equal(t, 0, again, "repeated invalidation with the same arguments is a no-op")
}

func TestInvalidate_LegacyEntriesRemovedUnconditionally(t *testing.T) {
	c := newTestCache(DefaultConfig())

	// No label or property tokens: extraction yields an empty dependency
	// set, which conservatively means "depends on everything".
	q := "RETURN 1"
	c.Put(q, nil, "rs", 50, 100)

	c.InvalidateByPattern([]string{"Unrelated"}, nil)
	_, ok := c.Get(Fingerprint(q, nil))
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveTTL = false
	cfg.DefaultTTL = 10 * time.Millisecond
	c := newTestCache(cfg)

	q := "MATCH (n:Person) RETURN n.name"
	c.Put(q, nil, "rs", 50, 100)

	time.Sleep(25 * time.Millisecond)
	_, ok := c.Get(Fingerprint(q, nil))
	assert.False(t, ok)

	st := c.Stats()
	assert.EqualValues(t, 1, st.TTLEvictions)
	assert.Zero(t, st.MemoryUsage, "an expired entry's bytes return to the accounting")
}

func TestCleanExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveTTL = false
	cfg.DefaultTTL = 10 * time.Millisecond
	c := newTestCache(cfg)

	c.Put("MATCH (a:A) RETURN a.x", nil, "rs1", 50, 100)
	c.Put("MATCH (b:B) RETURN b.y", nil, "rs2", 50, 100)
	require.Equal(t, 2, c.Len())

	time.Sleep(25 * time.Millisecond)
	removed := c.CleanExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Stats().MemoryUsage)
}

func TestMemoryCapEnforcedAtEndOfPut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryBytes = 1500
	c := newTestCache(cfg)

	queries := []string{
		"MATCH (a:A) RETURN a.x",
		"MATCH (b:B) RETURN b.y",
		"MATCH (d:D) RETURN d.z",
		"MATCH (e:E) RETURN e.w",
	}
	for _, q := range queries {
		c.Put(q, nil, "rs", 50, 400)
		assert.LessOrEqual(t, c.Stats().MemoryUsage, cfg.MaxMemoryBytes,
			"memory usage never exceeds the cap at the end of a put")
	}
	assert.Positive(t, c.Stats().SizeEvictions)
}

func TestEntryCapEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c := newTestCache(cfg)

	c.Put("MATCH (a:A) RETURN a.x", nil, "rs1", 50, 10)
	c.Put("MATCH (b:B) RETURN b.y", nil, "rs2", 50, 10)
	c.Put("MATCH (d:D) RETURN d.z", nil, "rs3", 50, 10)

	assert.LessOrEqual(t, c.Len(), 2)
	assert.Positive(t, c.Stats().SizeEvictions)
}

func TestPut_ReplacementDoesNotLeakMemoryAccounting(t *testing.T) {
	c := newTestCache(DefaultConfig())
	q := "MATCH (n:Person) RETURN n.name"

	c.Put(q, nil, "rs-v1", 50, 1000)
	usageAfterFirst := c.Stats().MemoryUsage
	c.Put(q, nil, "rs-v2", 50, 1000)

	assert.Equal(t, usageAfterFirst, c.Stats().MemoryUsage,
		"re-putting the same query replaces, not accumulates")
	assert.Equal(t, 1, c.Len())
}

func TestAdaptiveTTL_Tiers(t *testing.T) {
	cfg := DefaultConfig()

	// accessCount == totalExecs: frequency factor 1.0, TTL == base tier.
	assert.Equal(t, 5*time.Minute, adaptiveTTL(50, 1, 1, cfg))
	assert.Equal(t, 15*time.Minute, adaptiveTTL(500, 1, 1, cfg))
	assert.Equal(t, 30*time.Minute, adaptiveTTL(2000, 1, 1, cfg))

	// A rarely-run query is clamped at the 0.1 frequency floor.
	assert.Equal(t, 30*time.Second, adaptiveTTL(50, 1, 1000, cfg))

	// Bounds hold regardless of inputs.
	got := adaptiveTTL(5000, 1, 1, cfg)
	assert.LessOrEqual(t, got, cfg.MaxTTL)
	assert.GreaterOrEqual(t, got, cfg.MinTTL)
}

func TestClearResetsEntriesAndAccounting(t *testing.T) {
	c := newTestCache(DefaultConfig())
	c.Put("MATCH (a:A) RETURN a.x", nil, "rs", 50, 100)
	require.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Stats().MemoryUsage)
}
