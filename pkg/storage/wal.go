package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OpType identifies the kind of logical mutation a WALEntry records.
type OpType string

const (
	OpCreateNode OpType = "CreateNode"
	OpUpdateNode OpType = "UpdateNode"
	OpDeleteNode OpType = "DeleteNode"
	OpCreateRel  OpType = "CreateRel"
	OpUpdateRel  OpType = "UpdateRel"
	OpDeleteRel  OpType = "DeleteRel"
	OpSetProps   OpType = "SetProps"
	OpClearProps OpType = "ClearProps"
	OpCommit     OpType = "Commit"
)

// WALEntry is one logical mutation record, carrying enough payload to
// reconstruct the mutation idempotently during replay. Payload is a loose
// map rather than one struct per Op since each Op needs a different
// shape and a sum type would just re-derive what JSON already gives us.
type WALEntry struct {
	LSN       uint64         `json:"lsn"`
	TxId      uint64         `json:"tx_id"`
	Op        OpType         `json:"op"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// SyncMode controls how aggressively the WAL calls fsync.
type SyncMode int

const (
	// SyncOnCommit fsyncs once per transaction commit (default).
	SyncOnCommit SyncMode = iota
	// SyncEveryAppend fsyncs after every single entry; slower, used by
	// tests that want to assert on-disk state without a commit.
	SyncEveryAppend
)

// WAL is the append-only log of logical record mutations. Entries
// accumulate under a tx_id; a terminating Commit entry makes the whole
// group durable and replayable. Segments live under dir named by a
// monotonic nanosecond timestamp plus a random suffix, so concurrent opens
// (tests, multiple databases) never collide on a filename.
type WAL struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	w        *bufio.Writer
	enc      *json.Encoder
	lsn      atomic.Uint64
	syncMode SyncMode
	segPath  string
	log      zerolog.Logger
}

// OpenWAL opens (creating if absent) the WAL directory and appends to a
// fresh segment. Call Replay before any Append on a reopened database to
// recover prior state.
func OpenWAL(dir string, syncMode SyncMode, log zerolog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir wal dir: %w", err)
	}
	segPath := filepath.Join(dir, fmt.Sprintf("%020d-%s.wal", time.Now().UnixNano(), uuid.NewString()[:8]))
	f, err := os.OpenFile(segPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal segment: %w", err)
	}
	w := &WAL{
		dir:      dir,
		file:     f,
		w:        bufio.NewWriter(f),
		syncMode: syncMode,
		segPath:  segPath,
		log:      log,
	}
	w.enc = json.NewEncoder(w.w)
	return w, nil
}

// segments returns every *.wal file under dir, sorted by name (and thus by
// creation time, since the filename prefix is a monotonic nanosecond
// timestamp).
func segments(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return nil, err
	}
	insertionSort(matches)
	return matches, nil
}

func insertionSort(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Append assigns the next LSN to entry, writes it, and — depending on
// syncMode — flushes to the OS and optionally fsyncs. It returns the
// assigned LSN.
func (w *WAL) Append(entry WALEntry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry.LSN = w.lsn.Add(1)
	entry.Timestamp = time.Now()

	if err := w.enc.Encode(entry); err != nil {
		return 0, fmt.Errorf("%w: encode wal entry: %v", ErrCorrupt, err)
	}
	if err := w.w.Flush(); err != nil {
		return 0, fmt.Errorf("%w: flush wal: %v", ErrCorrupt, err)
	}
	if w.syncMode == SyncEveryAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: fsync wal: %v", ErrCorrupt, err)
		}
	}
	return entry.LSN, nil
}

// AppendCommit writes the terminating Commit record for txID and fsyncs —
// the point at which the transaction becomes durable and visible to
// crash recovery.
func (w *WAL) AppendCommit(txID uint64) (uint64, error) {
	lsn, err := w.Append(WALEntry{TxId: txID, Op: OpCommit})
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	err = w.file.Sync()
	w.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: fsync on commit: %v", ErrCorrupt, err)
	}
	return lsn, nil
}

// SetLSN advances the LSN counter past entries recovered by Replay, so
// entries appended after a reopen continue the monotonic sequence instead
// of reissuing numbers already present in older segments.
func (w *WAL) SetLSN(lsn uint64) {
	w.lsn.Store(lsn)
}

// Sync fsyncs the active segment through to the device.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Replay reads every segment in dir in order, discards any trailing
// partial (uncommitted) transaction, and invokes apply for every entry of
// every fully-committed transaction in tx_id order. The Commit markers
// themselves are not passed to apply.
func Replay(dir string, apply func(WALEntry) error) (lastLSN uint64, err error) {
	segs, err := segments(dir)
	if err != nil {
		return 0, fmt.Errorf("list wal segments: %w", err)
	}

	var all []WALEntry
	for _, seg := range segs {
		entries, err := readSegment(seg)
		if err != nil {
			return 0, fmt.Errorf("%w: reading %s: %v", ErrCorrupt, seg, err)
		}
		all = append(all, entries...)
	}

	committed := make(map[uint64]bool)
	for _, e := range all {
		if e.Op == OpCommit {
			committed[e.TxId] = true
		}
	}

	byTx := make(map[uint64][]WALEntry)
	var order []uint64
	for _, e := range all {
		if e.LSN > lastLSN {
			lastLSN = e.LSN
		}
		if e.Op == OpCommit {
			continue
		}
		if !committed[e.TxId] {
			continue // partial/uncommitted suffix: discarded
		}
		if _, seen := byTx[e.TxId]; !seen {
			order = append(order, e.TxId)
		}
		byTx[e.TxId] = append(byTx[e.TxId], e)
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}

	for _, tx := range order {
		for _, e := range byTx[tx] {
			if err := apply(e); err != nil {
				return 0, fmt.Errorf("replay tx %d: %w", tx, err)
			}
		}
	}
	return lastLSN, nil
}

func readSegment(path string) ([]WALEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	// Payload fields carry uint64 IDs and pointers (including the all-ones
	// NullPtr sentinel), which float64 cannot represent exactly; UseNumber
	// keeps them as literals for the replayer to parse losslessly.
	dec.UseNumber()
	var entries []WALEntry
	for {
		var e WALEntry
		if err := dec.Decode(&e); err != nil {
			// EOF or a truncated final record (crash mid-write) both end
			// replay of this segment; everything decoded so far is valid.
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Checkpoint records that every entry with LSN < lsn is now reflected in a
// durable snapshot of the base stores and may be reclaimed. Segments whose
// entries are all below lsn are deleted; the active segment is kept.
func (w *WAL) Checkpoint(lsn uint64) error {
	segs, err := segments(w.dir)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg == w.segPath {
			continue
		}
		entries, err := readSegment(seg)
		if err != nil {
			continue
		}
		maxLSN := uint64(0)
		for _, e := range entries {
			if e.LSN > maxLSN {
				maxLSN = e.LSN
			}
		}
		if maxLSN < lsn {
			if err := os.Remove(seg); err != nil {
				w.log.Warn().Err(err).Str("segment", seg).Msg("wal checkpoint: failed to reclaim segment")
			}
		}
	}
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
