package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog"
)

const (
	// initialStoreFileSize is the size a fresh nodes.store/rels.store file
	// is created with, rounded up to a whole number of records.
	initialStoreFileSize = 1 << 20 // 1 MiB

	// fileGrowthFactor is applied whenever a write would overflow the
	// current file size.
	fileGrowthFactor = 1.5
)

// recordFile is a memory-mapped, fixed-record-width file shared by the
// Node and Relationship record stores. It owns the only mmap handle onto
// its file, and every record read/write goes through it.
type recordFile struct {
	mu         sync.RWMutex
	f          *os.File
	data       mmap.MMap
	recordSize int
	maxSize    int64 // 0 = unbounded
	path       string
	log        zerolog.Logger
}

func openRecordFile(path string, recordSize int, maxSize int64, log zerolog.Logger) (*recordFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		initial := int64(initialStoreFileSize)
		if rem := initial % int64(recordSize); rem != 0 {
			initial += int64(recordSize) - rem
		}
		if err := f.Truncate(initial); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	} else if info.Size()%int64(recordSize) != 0 {
		f.Close()
		return nil, wrapErr("openRecordFile", fmt.Errorf("%w: %s size %d not a multiple of record size %d", ErrCorrupt, path, info.Size(), recordSize))
	}

	rf := &recordFile{f: f, recordSize: recordSize, maxSize: maxSize, path: path, log: log}
	if err := rf.mapCurrent(); err != nil {
		f.Close()
		return nil, err
	}
	return rf, nil
}

func (rf *recordFile) mapCurrent() error {
	m, err := mmap.Map(rf.f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", rf.path, err)
	}
	rf.data = m
	return nil
}

func (rf *recordFile) size() int64 {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return int64(len(rf.data))
}

// readAt copies len(buf) bytes starting at byte offset into buf.
func (rf *recordFile) readAt(offset int64, buf []byte) error {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if offset < 0 || offset+int64(len(buf)) > int64(len(rf.data)) {
		return ErrNotFound
	}
	copy(buf, rf.data[offset:offset+int64(len(buf))])
	return nil
}

// writeAt grows the file if needed, then copies buf into it at offset.
func (rf *recordFile) writeAt(offset int64, buf []byte) error {
	if err := rf.ensureCapacity(offset + int64(len(buf))); err != nil {
		return err
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	copy(rf.data[offset:offset+int64(len(buf))], buf)
	return nil
}

// ensureCapacity grows the backing file to at least needed bytes using a
// 1.5x growth factor. Growth unmaps, truncates, then remaps — a
// stop-the-world operation for this store instance.
func (rf *recordFile) ensureCapacity(needed int64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	cur := int64(len(rf.data))
	if needed <= cur {
		return nil
	}
	if rf.maxSize > 0 && needed > rf.maxSize {
		return fmt.Errorf("%w: %s would exceed configured max size %d", ErrOutOfMemory, rf.path, rf.maxSize)
	}

	newSize := cur
	if newSize == 0 {
		newSize = initialStoreFileSize
	}
	for newSize < needed {
		grown := int64(float64(newSize) * fileGrowthFactor)
		if grown <= newSize {
			grown = newSize + int64(rf.recordSize)
		}
		newSize = grown
	}
	if rem := newSize % int64(rf.recordSize); rem != 0 {
		newSize += int64(rf.recordSize) - rem
	}
	if rf.maxSize > 0 && newSize > rf.maxSize {
		newSize = rf.maxSize
	}

	rf.log.Debug().Str("path", rf.path).Int64("from", cur).Int64("to", newSize).Msg("growing record file")

	if err := rf.data.Unmap(); err != nil {
		return fmt.Errorf("unmap %s: %w", rf.path, err)
	}
	if err := rf.f.Truncate(newSize); err != nil {
		return fmt.Errorf("truncate %s: %w", rf.path, err)
	}
	m, err := mmap.Map(rf.f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("remap %s: %w", rf.path, err)
	}
	rf.data = m
	return nil
}

// highWaterMark scans from the start of the file for the first all-zero
// record and returns its index — the next ID to allocate.
func (rf *recordFile) highWaterMark() uint64 {
	rf.mu.RLock()
	defer rf.mu.RUnlock()

	n := len(rf.data) / rf.recordSize
	buf := make([]byte, rf.recordSize)
	for i := 0; i < n; i++ {
		off := i * rf.recordSize
		copy(buf, rf.data[off:off+rf.recordSize])
		if isAllZero(buf) {
			return uint64(i)
		}
	}
	return uint64(n)
}

func isAllZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func (rf *recordFile) sync() error {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if err := rf.data.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", rf.path, err)
	}
	return rf.f.Sync()
}

func (rf *recordFile) close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.data != nil {
		_ = rf.data.Unmap()
	}
	return rf.f.Close()
}

// NodeStore is the record store's node half: a memory-mapped
// nodes.store file plus a monotonic in-memory ID allocator.
type NodeStore struct {
	rf     *recordFile
	nextID atomic.Uint64
}

// OpenNodeStore opens (creating if absent) the nodes.store file at path and
// establishes the next-ID counter from the scan-on-open high-water mark.
func OpenNodeStore(path string, maxFileSize int64, log zerolog.Logger) (*NodeStore, error) {
	rf, err := openRecordFile(path, NodeRecordSize, maxFileSize, log)
	if err != nil {
		return nil, err
	}
	ns := &NodeStore{rf: rf}
	ns.nextID.Store(rf.highWaterMark())
	return ns, nil
}

// AllocateNodeId returns the next monotonic node ID. IDs are never reused
// within a process lifetime.
func (ns *NodeStore) AllocateNodeId() NodeId {
	return NodeId(ns.nextID.Add(1) - 1)
}

// EnsureNextID advances the allocator to at least min. WAL replay calls
// this for every record it encounters, so IDs materialized after the
// open-time scan (or sitting above an interior gap the scan stopped at)
// are never reissued.
func (ns *NodeStore) EnsureNextID(min uint64) {
	for {
		cur := ns.nextID.Load()
		if cur >= min || ns.nextID.CompareAndSwap(cur, min) {
			return
		}
	}
}

// WriteNode writes rec at id's fixed offset, growing the file if needed.
func (ns *NodeStore) WriteNode(id NodeId, rec NodeRecord) error {
	buf := make([]byte, NodeRecordSize)
	rec.Encode(buf)
	return wrapErr("WriteNode", ns.rf.writeAt(int64(id)*NodeRecordSize, buf))
}

// ReadNode returns the record at id, or ErrNotFound if id is beyond the
// live file extent or its slot was never written (all-zero).
func (ns *NodeStore) ReadNode(id NodeId) (NodeRecord, error) {
	buf := make([]byte, NodeRecordSize)
	if err := ns.rf.readAt(int64(id)*NodeRecordSize, buf); err != nil {
		return NodeRecord{}, wrapErr("ReadNode", err)
	}
	rec := DecodeNodeRecord(buf)
	if rec.IsZero() {
		return NodeRecord{}, wrapErr("ReadNode", fmt.Errorf("%w: node %d not allocated", ErrNotFound, id))
	}
	return rec, nil
}

// DeleteNode performs a read-modify-write setting the tombstone bit.
func (ns *NodeStore) DeleteNode(id NodeId) error {
	rec, err := ns.ReadNode(id)
	if err != nil {
		return err
	}
	rec.MarkDeleted()
	return ns.WriteNode(id, rec)
}

// Count scans live (non-zero, non-tombstoned) node records.
func (ns *NodeStore) Count() uint64 {
	n := ns.nextID.Load()
	var live uint64
	for i := uint64(0); i < n; i++ {
		rec, err := ns.ReadNode(NodeId(i))
		if err != nil {
			continue
		}
		if !rec.IsDeleted() {
			live++
		}
	}
	return live
}

func (ns *NodeStore) FileBytes() int64 { return ns.rf.size() }
func (ns *NodeStore) Sync() error      { return ns.rf.sync() }
func (ns *NodeStore) Close() error     { return ns.rf.close() }

// RelStore is the record store's relationship half.
type RelStore struct {
	rf     *recordFile
	nextID atomic.Uint64
}

// OpenRelStore opens (creating if absent) the rels.store file at path.
func OpenRelStore(path string, maxFileSize int64, log zerolog.Logger) (*RelStore, error) {
	rf, err := openRecordFile(path, RelRecordSize, maxFileSize, log)
	if err != nil {
		return nil, err
	}
	rs := &RelStore{rf: rf}
	rs.nextID.Store(rf.highWaterMark())
	return rs, nil
}

// AllocateRelId returns the next monotonic relationship ID.
func (rs *RelStore) AllocateRelId() EdgeId {
	return EdgeId(rs.nextID.Add(1) - 1)
}

// EnsureNextID advances the allocator to at least min, mirroring
// NodeStore.EnsureNextID.
func (rs *RelStore) EnsureNextID(min uint64) {
	for {
		cur := rs.nextID.Load()
		if cur >= min || rs.nextID.CompareAndSwap(cur, min) {
			return
		}
	}
}

func (rs *RelStore) WriteRel(id EdgeId, rec RelationshipRecord) error {
	buf := make([]byte, RelRecordSize)
	rec.Encode(buf)
	return wrapErr("WriteRel", rs.rf.writeAt(int64(id)*RelRecordSize, buf))
}

// ReadRel returns the record at id, or ErrNotFound if id is beyond the
// live file extent or its slot was never written.
func (rs *RelStore) ReadRel(id EdgeId) (RelationshipRecord, error) {
	buf := make([]byte, RelRecordSize)
	if err := rs.rf.readAt(int64(id)*RelRecordSize, buf); err != nil {
		return RelationshipRecord{}, wrapErr("ReadRel", err)
	}
	rec := DecodeRelRecord(buf)
	if rec.IsZero() {
		return RelationshipRecord{}, wrapErr("ReadRel", fmt.Errorf("%w: relationship %d not allocated", ErrNotFound, id))
	}
	return rec, nil
}

func (rs *RelStore) DeleteRel(id EdgeId) error {
	rec, err := rs.ReadRel(id)
	if err != nil {
		return err
	}
	rec.MarkDeleted()
	return rs.WriteRel(id, rec)
}

func (rs *RelStore) Count() uint64 {
	n := rs.nextID.Load()
	var live uint64
	for i := uint64(0); i < n; i++ {
		rec, err := rs.ReadRel(EdgeId(i))
		if err != nil {
			continue
		}
		if !rec.IsDeleted() {
			live++
		}
	}
	return live
}

func (rs *RelStore) FileBytes() int64 { return rs.rf.size() }
func (rs *RelStore) Sync() error      { return rs.rf.sync() }
func (rs *RelStore) Close() error     { return rs.rf.close() }
