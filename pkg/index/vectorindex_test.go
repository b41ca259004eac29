package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndex_EmptySearchReturnsEmpty(t *testing.T) {
	vi := NewVectorIndex(0, DefaultVectorIndexConfig(3))

	results, err := vi.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Even a wrong-dimension query against an empty index is a non-error
	// empty result.
	results, err = vi.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	vi := NewVectorIndex(0, DefaultVectorIndexConfig(3))
	assert.ErrorIs(t, vi.Upsert(1, []float32{1, 0}), ErrDimensionMismatch)
	require.NoError(t, vi.Upsert(1, []float32{1, 0, 0}))

	_, err := vi.Search([]float32{1, 0}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestVectorIndex_SearchOrdersByDistance(t *testing.T) {
	vi := NewVectorIndex(0, DefaultVectorIndexConfig(2))
	require.NoError(t, vi.Upsert(1, []float32{1, 0})) // identical direction
	require.NoError(t, vi.Upsert(2, []float32{1, 1})) // 45 degrees off
	require.NoError(t, vi.Upsert(3, []float32{0, 1})) // orthogonal

	results, err := vi.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].NodeID)
	assert.Equal(t, uint64(2), results[1].NodeID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestVectorIndex_UpsertReplacesAndRemoveDrops(t *testing.T) {
	vi := NewVectorIndex(0, DefaultVectorIndexConfig(2))
	require.NoError(t, vi.Upsert(1, []float32{0, 1}))
	require.NoError(t, vi.Upsert(1, []float32{1, 0}))
	assert.Equal(t, 1, vi.Len())

	results, err := vi.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)

	vi.Remove(1)
	assert.Equal(t, 0, vi.Len())
}

func TestVectorIndexes_UnbuiltLabelIsEmpty(t *testing.T) {
	v := NewVectorIndexes()

	results, err := v.Search(0, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	vi := v.Build(0, DefaultVectorIndexConfig(2))
	require.NoError(t, vi.Upsert(1, []float32{1, 0}))

	results, err = v.Search(0, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(1), results[0].NodeID)
}
