package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalog_InternIsIdempotentAndDense(t *testing.T) {
	c := newTestCatalog(t)

	person, err := c.InternLabel("Person")
	require.NoError(t, err)
	assert.EqualValues(t, 0, person)

	user, err := c.InternLabel("User")
	require.NoError(t, err)
	assert.EqualValues(t, 1, user)

	again, err := c.InternLabel("Person")
	require.NoError(t, err)
	assert.Equal(t, person, again)

	name, ok := c.LabelName(person)
	require.True(t, ok)
	assert.Equal(t, "Person", name)

	_, ok = c.LabelName(99)
	assert.False(t, ok)
}

func TestCatalog_NamespacesAreIndependent(t *testing.T) {
	c := newTestCatalog(t)

	label, err := c.InternLabel("Thing")
	require.NoError(t, err)
	relType, err := c.InternRelType("Thing")
	require.NoError(t, err)
	propKey, err := c.InternPropertyKey("Thing")
	require.NoError(t, err)

	// All three start their own dense sequence at 0.
	assert.EqualValues(t, 0, label)
	assert.EqualValues(t, 0, relType)
	assert.EqualValues(t, 0, propKey)

	n, ok := c.RelTypeName(relType)
	require.True(t, ok)
	assert.Equal(t, "Thing", n)
	n, ok = c.PropertyKeyName(propKey)
	require.True(t, ok)
	assert.Equal(t, "Thing", n)
}

func TestCatalog_RejectsEmptyName(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.InternLabel("")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenCatalog(dir)
	require.NoError(t, err)
	person, err := c.InternLabel("Person")
	require.NoError(t, err)
	knows, err := c.InternRelType("KNOWS")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := OpenCatalog(dir)
	require.NoError(t, err)
	defer reopened.Close()

	again, err := reopened.InternLabel("Person")
	require.NoError(t, err)
	assert.Equal(t, person, again)

	name, ok := reopened.RelTypeName(knows)
	require.True(t, ok)
	assert.Equal(t, "KNOWS", name)

	// The dense sequence continues past what was loaded, not over it.
	next, err := reopened.InternLabel("User")
	require.NoError(t, err)
	assert.EqualValues(t, 1, next)
}

func TestCatalog_OverflowLabels(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenCatalog(dir)
	require.NoError(t, err)
	require.NoError(t, c.PersistOverflowLabel(7, 64))
	require.NoError(t, c.PersistOverflowLabel(7, 65))
	require.NoError(t, c.PersistOverflowLabel(9, 64))
	require.NoError(t, c.DeleteOverflowLabel(9, 64))
	require.NoError(t, c.Close())

	reopened, err := OpenCatalog(dir)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.LoadOverflowLabels()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{64, 65}, all[7])
	assert.NotContains(t, all, uint64(9))
}
