package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAL_AppendAssignsMonotonicLSNs(t *testing.T) {
	w, err := OpenWAL(t.TempDir(), SyncOnCommit, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	first, err := w.Append(WALEntry{TxId: 1, Op: OpCreateNode, Payload: map[string]any{"id": uint64(0)}})
	require.NoError(t, err)
	second, err := w.Append(WALEntry{TxId: 1, Op: OpDeleteNode, Payload: map[string]any{"id": uint64(0)}})
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestWAL_ReplayAppliesOnlyCommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, SyncOnCommit, zerolog.Nop())
	require.NoError(t, err)

	_, err = w.Append(WALEntry{TxId: 1, Op: OpCreateNode, Payload: map[string]any{"id": uint64(0)}})
	require.NoError(t, err)
	_, err = w.AppendCommit(1)
	require.NoError(t, err)

	// tx 2 never commits: its entries are a discarded suffix.
	_, err = w.Append(WALEntry{TxId: 2, Op: OpCreateNode, Payload: map[string]any{"id": uint64(1)}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var applied []WALEntry
	_, err = Replay(dir, func(e WALEntry) error {
		applied = append(applied, e)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, applied, 1)
	assert.Equal(t, uint64(1), applied[0].TxId)
	assert.Equal(t, OpCreateNode, applied[0].Op)
}

func TestWAL_ReplayGroupsInterleavedTransactions(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, SyncOnCommit, zerolog.Nop())
	require.NoError(t, err)

	_, err = w.Append(WALEntry{TxId: 1, Op: OpCreateNode, Payload: map[string]any{"id": uint64(0)}})
	require.NoError(t, err)
	_, err = w.Append(WALEntry{TxId: 2, Op: OpCreateNode, Payload: map[string]any{"id": uint64(1)}})
	require.NoError(t, err)
	_, err = w.Append(WALEntry{TxId: 1, Op: OpDeleteNode, Payload: map[string]any{"id": uint64(0)}})
	require.NoError(t, err)
	_, err = w.AppendCommit(2)
	require.NoError(t, err)
	_, err = w.AppendCommit(1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var order []uint64
	_, err = Replay(dir, func(e WALEntry) error {
		order = append(order, e.TxId)
		return nil
	})
	require.NoError(t, err)

	// All of a transaction's entries replay together, transactions in
	// tx_id order, commit markers excluded.
	assert.Equal(t, []uint64{1, 1, 2}, order)
}

func TestWAL_ReplayToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, SyncOnCommit, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Append(WALEntry{TxId: 1, Op: OpCreateNode, Payload: map[string]any{"id": uint64(0)}})
	require.NoError(t, err)
	_, err = w.AppendCommit(1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: garbage after the last valid record.
	segs, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"lsn":99,"tx_id":3,"op":"Crea`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var applied int
	_, err = Replay(dir, func(WALEntry) error {
		applied++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestWAL_PayloadSurvivesJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, SyncOnCommit, zerolog.Nop())
	require.NoError(t, err)

	// NullPtr and high label bits exceed float64's exact integer range;
	// replay must hand them back losslessly.
	_, err = w.Append(WALEntry{TxId: 1, Op: OpCreateNode, Payload: map[string]any{
		"id":   uint64(0),
		"bits": uint64(1<<63 | 1),
		"ptr":  NullPtr,
	}})
	require.NoError(t, err)
	_, err = w.AppendCommit(1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var got WALEntry
	_, err = Replay(dir, func(e WALEntry) error {
		got = e
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, json.Number("9223372036854775809"), got.Payload["bits"])
	assert.Equal(t, json.Number("18446744073709551615"), got.Payload["ptr"])
}

func TestWAL_CheckpointReclaimsFullyCoveredSegments(t *testing.T) {
	dir := t.TempDir()

	w1, err := OpenWAL(dir, SyncOnCommit, zerolog.Nop())
	require.NoError(t, err)
	_, err = w1.Append(WALEntry{TxId: 1, Op: OpCreateNode, Payload: map[string]any{"id": uint64(0)}})
	require.NoError(t, err)
	lsn, err := w1.AppendCommit(1)
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := OpenWAL(dir, SyncOnCommit, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()
	w2.SetLSN(lsn)

	require.NoError(t, w2.Checkpoint(lsn+1))

	segs, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	assert.Len(t, segs, 1, "only the active segment survives a full checkpoint")
}
