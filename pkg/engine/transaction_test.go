package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus-core/pkg/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	e, err := Open(t.TempDir(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateAndGetNode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateNode(ctx, []string{"Person"}, storage.PropertyBag{"name": storage.StringValue("ada")})
	require.NoError(t, err)

	view, err := e.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Person"}, view.Labels)
	assert.Equal(t, storage.StringValue("ada"), view.Props["name"])
	assert.EqualValues(t, 1, e.Stats().Nodes)
}

func TestCreateRelationship(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	b, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)

	relID, err := e.CreateRelationship(ctx, a, b, "KNOWS", storage.PropertyBag{"since": storage.Int64Value(2020)})
	require.NoError(t, err)

	rel, err := e.GetRelationship(ctx, relID)
	require.NoError(t, err)
	assert.Equal(t, a, rel.Src)
	assert.Equal(t, b, rel.Dst)
	assert.Equal(t, "KNOWS", rel.Type)
	assert.EqualValues(t, 1, e.Stats().Rels)
}

func TestCreateRelationship_SelfLoop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)

	relID, err := e.CreateRelationship(ctx, a, a, "FOLLOWS", nil)
	require.NoError(t, err)

	rel, err := e.GetRelationship(ctx, relID)
	require.NoError(t, err)
	assert.Equal(t, a, rel.Src)
	assert.Equal(t, a, rel.Dst)
}

func TestCreateRelationship_MissingEndpoint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)

	_, err = e.CreateRelationship(ctx, a, storage.NodeId(9999), "KNOWS", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNode_CascadesRelationships(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	b, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	relID, err := e.CreateRelationship(ctx, a, b, "KNOWS", nil)
	require.NoError(t, err)

	require.NoError(t, e.DeleteNode(ctx, a))

	_, err = e.GetNode(ctx, a)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetRelationship(ctx, relID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 0, e.Stats().Rels)
}

func TestTransaction_RollbackUndoesCreateNode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tx := e.Begin(ctx)
	id, err := tx.CreateNode([]string{"Person"}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, e.Stats().Nodes)

	tx.Rollback()

	assert.EqualValues(t, 0, e.Stats().Nodes)
	_, err = e.GetNode(ctx, id)
	assert.Error(t, err)
}

func TestTransaction_CommitIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	tx := e.Begin(context.Background())
	_, err := tx.CreateNode([]string{"Person"}, nil)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Commit())
}

func TestDeleteRelationship(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	b, err := e.CreateNode(ctx, []string{"Person"}, nil)
	require.NoError(t, err)
	relID, err := e.CreateRelationship(ctx, a, b, "KNOWS", nil)
	require.NoError(t, err)

	require.NoError(t, e.DeleteRelationship(ctx, relID))

	_, err = e.GetRelationship(ctx, relID)
	assert.ErrorIs(t, err, ErrNotFound)
	// endpoints remain live
	_, err = e.GetNode(ctx, a)
	assert.NoError(t, err)
	_, err = e.GetNode(ctx, b)
	assert.NoError(t, err)
}

func TestEngine_ReplaysWALOnReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CacheEnabled = false

	e1, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	id, err := e1.CreateNode(ctx, []string{"Person"}, storage.PropertyBag{"name": storage.StringValue("grace")})
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(dir, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer e2.Close()

	view, err := e2.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Person"}, view.Labels)
	assert.EqualValues(t, 1, e2.Stats().Nodes)
}
