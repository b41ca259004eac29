package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus-core/pkg/storage"
)

func newCachingEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// slowExecutor counts invocations and sleeps long enough to clear the
// cache's not-worth-caching threshold.
func slowExecutor(calls *atomic.Int64) QueryExecFunc {
	return func(ctx context.Context, tx *Transaction, text string, params map[string]any) (ResultSet, error) {
		calls.Add(1)
		time.Sleep(15 * time.Millisecond)
		return ResultSet{Columns: []string{"n.name"}, Rows: [][]any{{"ada"}}}, nil
	}
}

func TestExecuteQuery_NoExecutorConfigured(t *testing.T) {
	e := newCachingEngine(t)
	_, err := e.ExecuteQuery(context.Background(), "MATCH (n) RETURN n", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExecuteQuery_SecondRunIsACacheHit(t *testing.T) {
	e := newCachingEngine(t)
	var calls atomic.Int64
	e.SetExecutor(slowExecutor(&calls))
	ctx := context.Background()

	query := "MATCH (n:Person) RETURN n.name"
	first, err := e.ExecuteQuery(ctx, query, nil, 0)
	require.NoError(t, err)
	second, err := e.ExecuteQuery(ctx, query, nil, 0)
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load(), "second run must come from the cache")
	assert.Equal(t, first, second)
}

func TestExecuteQuery_MutationInvalidatesDependents(t *testing.T) {
	e := newCachingEngine(t)
	var calls atomic.Int64
	e.SetExecutor(slowExecutor(&calls))
	ctx := context.Background()

	query := "MATCH (n:Person) RETURN n.name"
	_, err := e.ExecuteQuery(ctx, query, nil, 0)
	require.NoError(t, err)

	// Creating a Person touches the label the cached result depends on.
	_, err = e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)

	_, err = e.ExecuteQuery(ctx, query, nil, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "the cached entry was invalidated by the write")
}

func TestExecuteQuery_UnrelatedMutationKeepsEntry(t *testing.T) {
	e := newCachingEngine(t)
	var calls atomic.Int64
	e.SetExecutor(slowExecutor(&calls))
	ctx := context.Background()

	query := "MATCH (n:Person) RETURN n.name"
	_, err := e.ExecuteQuery(ctx, query, nil, 0)
	require.NoError(t, err)

	_, err = e.CreateNode(ctx, []string{"Product"}, nil)
	require.NoError(t, err)

	_, err = e.ExecuteQuery(ctx, query, nil, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSetNodeProperties_ReplacesBag(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateNode(ctx, []string{"Person"}, storage.PropertyBag{"name": storage.StringValue("ada")})
	require.NoError(t, err)

	require.NoError(t, e.SetNodeProperties(ctx, id, storage.PropertyBag{"age": storage.Int64Value(36)}))

	view, err := e.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.PropertyBag{"age": storage.Int64Value(36)}, view.Props,
		"set replaces the whole bag, it does not merge")
}

func TestClearNodeProperties(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateNode(ctx, []string{"Person"}, storage.PropertyBag{"name": storage.StringValue("ada")})
	require.NoError(t, err)

	require.NoError(t, e.ClearNodeProperties(ctx, id))

	view, err := e.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.Props)

	// Clearing an already-bare node is a no-op, not an error.
	require.NoError(t, e.ClearNodeProperties(ctx, id))
}

func TestSetNodeProperties_RollbackRestoresOldBag(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateNode(ctx, []string{"Person"}, storage.PropertyBag{"name": storage.StringValue("ada")})
	require.NoError(t, err)

	tx := e.Begin(ctx)
	require.NoError(t, tx.SetNodeProperties(id, storage.PropertyBag{"name": storage.StringValue("eve")}))
	tx.Rollback()

	view, err := e.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StringValue("ada"), view.Props["name"])
}

func TestEngine_PropertiesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	ctx := context.Background()

	e1, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	a, err := e1.CreateNode(ctx, []string{"Person"}, storage.PropertyBag{"name": storage.StringValue("ada")})
	require.NoError(t, err)
	b, err := e1.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	relID, err := e1.CreateRelationship(ctx, a, b, "KNOWS", storage.PropertyBag{"since": storage.Int64Value(2020)})
	require.NoError(t, err)
	require.NoError(t, e1.SetNodeProperties(ctx, b, storage.PropertyBag{"name": storage.StringValue("grace")}))
	require.NoError(t, e1.Close())

	e2, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	view, err := e2.GetNode(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, storage.StringValue("ada"), view.Props["name"])

	view, err = e2.GetNode(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, storage.StringValue("grace"), view.Props["name"])

	rel, err := e2.GetRelationship(ctx, relID)
	require.NoError(t, err)
	assert.Equal(t, storage.Int64Value(2020), rel.Props["since"])
}

// TestEngine_ReopenPreservesAdjacencyChains guards WAL replay idempotence:
// replay runs over the already-persisted record files on every open, and a
// re-applied relationship splice used to point the chain head's next
// pointer at itself, hanging every subsequent chain walk.
func TestEngine_ReopenPreservesAdjacencyChains(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	ctx := context.Background()

	e1, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	a, err := e1.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	b, err := e1.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	_, err = e1.CreateRelationship(ctx, a, b, "KNOWS", nil)
	require.NoError(t, err)
	_, err = e1.CreateRelationship(ctx, a, b, "LIKES", nil)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	// Two reopens: each one replays the full committed log over records
	// that already survived through the memory map.
	mid, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, mid.Stats().Rels)
	require.NoError(t, mid.Close())

	e2, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()
	assert.EqualValues(t, 2, e2.Stats().Rels)

	// The cascade walks a's whole chain; a cyclic next pointer would hang
	// here rather than terminate with both relationships tombstoned.
	require.NoError(t, e2.DeleteNode(ctx, a))
	assert.EqualValues(t, 0, e2.Stats().Rels)

	_, err = e2.GetNode(ctx, b)
	assert.NoError(t, err)
}

// TestRollback_PreservesHighWaterMarkAcrossReopen pins down the allocator
// invariant: a created-then-rolled-back record below committed higher IDs
// must not reset the scan-on-open high-water mark, or the next allocations
// would overwrite committed records.
func TestRollback_PreservesHighWaterMarkAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	ctx := context.Background()

	e1, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)

	first, err := e1.CreateNode(ctx, []string{"P"}, nil)
	require.NoError(t, err)
	require.Equal(t, storage.NodeId(0), first)

	tx := e1.Begin(ctx)
	gap, err := tx.CreateNode([]string{"P"}, nil)
	require.NoError(t, err)
	require.Equal(t, storage.NodeId(1), gap)
	tx.Rollback()

	survivor, err := e1.CreateNode(ctx, []string{"P"}, storage.PropertyBag{"name": storage.StringValue("keep")})
	require.NoError(t, err)
	require.Equal(t, storage.NodeId(2), survivor)
	require.NoError(t, e1.Close())

	e2, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	assert.EqualValues(t, 2, e2.Stats().Nodes)
	_, err = e2.GetNode(ctx, gap)
	assert.ErrorIs(t, err, ErrNotFound)

	// The rolled-back slot must not be handed out again below the
	// committed high-water mark.
	next, err := e2.CreateNode(ctx, []string{"P"}, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.NodeId(3), next)

	view, err := e2.GetNode(ctx, survivor)
	require.NoError(t, err)
	assert.Equal(t, storage.StringValue("keep"), view.Props["name"])
}

func TestLabelBitmapOverflow(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	ctx := context.Background()

	e1, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)

	// 66 distinct labels: IDs 0..63 land in the bitmap, 64 and 65 go
	// through the overflow side structure.
	labels := make([]string, 66)
	for i := range labels {
		labels[i] = fmt.Sprintf("L%02d", i)
	}
	id, err := e1.CreateNode(ctx, labels, nil)
	require.NoError(t, err)

	view, err := e1.GetNode(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, labels, view.Labels)
	require.NoError(t, e1.Close())

	// Overflow assignments are durable, not rebuilt from the bitmap.
	e2, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	view, err = e2.GetNode(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, labels, view.Labels)

	require.NoError(t, e2.DeleteNode(ctx, id))
	_, err = e2.GetNode(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_ClearResetsEverything(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, e.Stats().Nodes)

	require.NoError(t, e.Clear())
	assert.EqualValues(t, 0, e.Stats().Nodes)

	// The cleared engine is immediately usable, and IDs restart.
	id, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.NodeId(0), id)
}

func TestEngine_RegisterMetrics(t *testing.T) {
	e := newCachingEngine(t)
	reg := prometheus.NewRegistry()
	require.NoError(t, e.RegisterMetrics(reg))

	// Registering the same collectors twice is the collision this design
	// (caller-owned registries) exists to surface.
	assert.Error(t, e.RegisterMetrics(reg))
}

func TestEngine_HealthCheck(t *testing.T) {
	e, err := Open(t.TempDir(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, e.HealthCheck())

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.HealthCheck(), ErrClosed)
}
