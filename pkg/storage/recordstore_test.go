package storage

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNodeStore(t *testing.T) *NodeStore {
	t.Helper()
	ns, err := OpenNodeStore(filepath.Join(t.TempDir(), "nodes.store"), 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ns.Close() })
	return ns
}

func newTestRelStore(t *testing.T) *RelStore {
	t.Helper()
	rs, err := OpenRelStore(filepath.Join(t.TempDir(), "rels.store"), 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestRecordSizes(t *testing.T) {
	assert.Equal(t, 32, NodeRecordSize)
	assert.Equal(t, 52, RelRecordSize)
}

func TestNodeRecord_EncodeDecodeRoundTrip(t *testing.T) {
	rec := NodeRecord{
		LabelBits:   1<<0 | 1<<63,
		FirstRelPtr: 42,
		PropPtr:     NullPtr,
		Flags:       flagDeleted,
	}
	buf := make([]byte, NodeRecordSize)
	rec.Encode(buf)
	assert.Equal(t, rec, DecodeNodeRecord(buf))
}

func TestRelRecord_EncodeDecodeRoundTrip(t *testing.T) {
	rec := RelationshipRecord{
		SrcId:      7,
		DstId:      9,
		TypeId:     3,
		NextSrcPtr: NullPtr,
		NextDstPtr: 11,
		PropPtr:    128,
	}
	buf := make([]byte, RelRecordSize)
	rec.Encode(buf)
	assert.Equal(t, rec, DecodeRelRecord(buf))
}

func TestNodeStore_WriteReadRoundTrip(t *testing.T) {
	ns := newTestNodeStore(t)

	id := ns.AllocateNodeId()
	assert.Equal(t, NodeId(0), id)

	rec := NodeRecord{LabelBits: 1, FirstRelPtr: NullPtr, PropPtr: NullPtr}
	require.NoError(t, ns.WriteNode(id, rec))

	got, err := ns.ReadNode(id)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestNodeStore_ReadBeyondExtent(t *testing.T) {
	ns := newTestNodeStore(t)

	// The initial file is 1 MiB = 32768 node slots; anything past that is
	// beyond the live extent.
	_, err := ns.ReadNode(NodeId(1 << 20))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeStore_ReadUnallocatedWithinExtent(t *testing.T) {
	ns := newTestNodeStore(t)

	// Slot 5 is inside the initial file extent but was never written; an
	// all-zero record is "empty", not a readable node.
	_, err := ns.ReadNode(5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeStore_EnsureNextID(t *testing.T) {
	ns := newTestNodeStore(t)

	ns.EnsureNextID(10)
	assert.Equal(t, NodeId(10), ns.AllocateNodeId())

	// Never moves backwards.
	ns.EnsureNextID(5)
	assert.Equal(t, NodeId(11), ns.AllocateNodeId())
}

func TestNodeStore_DeleteSetsTombstone(t *testing.T) {
	ns := newTestNodeStore(t)

	id := ns.AllocateNodeId()
	require.NoError(t, ns.WriteNode(id, NodeRecord{LabelBits: 1, FirstRelPtr: NullPtr, PropPtr: NullPtr}))
	require.NoError(t, ns.DeleteNode(id))

	// Once observed, the tombstone stays set on every subsequent read.
	for i := 0; i < 3; i++ {
		got, err := ns.ReadNode(id)
		require.NoError(t, err)
		assert.True(t, got.IsDeleted())
	}
}

func TestNodeStore_GrowthPreservesExistingRecords(t *testing.T) {
	ns := newTestNodeStore(t)

	first := NodeRecord{LabelBits: 0xDEAD, FirstRelPtr: NullPtr, PropPtr: NullPtr}
	require.NoError(t, ns.WriteNode(0, first))

	sizeBefore := ns.FileBytes()
	lastFitting := NodeId(sizeBefore/NodeRecordSize - 1)
	require.NoError(t, ns.WriteNode(lastFitting, NodeRecord{LabelBits: 2}))
	assert.Equal(t, sizeBefore, ns.FileBytes(), "write within the file must not grow it")

	// The next slot is the first write that overflows the current size.
	require.NoError(t, ns.WriteNode(lastFitting+1, NodeRecord{LabelBits: 3}))
	sizeAfter := ns.FileBytes()
	assert.Greater(t, sizeAfter, sizeBefore)
	assert.Zero(t, sizeAfter%NodeRecordSize, "file size stays a multiple of the record size")

	got, err := ns.ReadNode(0)
	require.NoError(t, err)
	assert.Equal(t, first, got, "pre-growth records must read back unchanged")
}

func TestNodeStore_HighWaterMarkOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.store")

	ns, err := OpenNodeStore(path, 0, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		id := ns.AllocateNodeId()
		require.NoError(t, ns.WriteNode(id, NodeRecord{LabelBits: 1, FirstRelPtr: NullPtr, PropPtr: NullPtr}))
	}
	require.NoError(t, ns.Close())

	reopened, err := OpenNodeStore(path, 0, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, NodeId(3), reopened.AllocateNodeId(), "scan-on-open finds the first all-zero record")
}

func TestNodeStore_MaxFileSize(t *testing.T) {
	ns, err := OpenNodeStore(filepath.Join(t.TempDir(), "nodes.store"), initialStoreFileSize, zerolog.Nop())
	require.NoError(t, err)
	defer ns.Close()

	// A write past the configured max must fail rather than grow.
	err = ns.WriteNode(NodeId(initialStoreFileSize/NodeRecordSize), NodeRecord{LabelBits: 1})
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestNodeStore_CountSkipsTombstonesAndEmpty(t *testing.T) {
	ns := newTestNodeStore(t)

	a := ns.AllocateNodeId()
	b := ns.AllocateNodeId()
	require.NoError(t, ns.WriteNode(a, NodeRecord{LabelBits: 1, FirstRelPtr: NullPtr, PropPtr: NullPtr}))
	require.NoError(t, ns.WriteNode(b, NodeRecord{LabelBits: 1, FirstRelPtr: NullPtr, PropPtr: NullPtr}))
	assert.EqualValues(t, 2, ns.Count())

	require.NoError(t, ns.DeleteNode(a))
	assert.EqualValues(t, 1, ns.Count())
}

func TestRelStore_WriteReadDelete(t *testing.T) {
	rs := newTestRelStore(t)

	id := rs.AllocateRelId()
	rec := RelationshipRecord{SrcId: 1, DstId: 2, TypeId: 0, NextSrcPtr: NullPtr, NextDstPtr: NullPtr, PropPtr: NullPtr}
	require.NoError(t, rs.WriteRel(id, rec))

	got, err := rs.ReadRel(id)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, rs.DeleteRel(id))
	got, err = rs.ReadRel(id)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.EqualValues(t, 0, rs.Count())
}
