package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// ValueKind tags the scalar type carried by a Value in the property heap.
type ValueKind byte

const (
	KindNull ValueKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
)

// Value is a single self-describing property value. Exactly one of the
// payload fields is meaningful, selected by Kind.
type Value struct {
	Kind    ValueKind
	Bool    bool
	Int64   int64
	Float64 float64
	Str     string
	Bytes   []byte
}

func NullValue() Value             { return Value{Kind: KindNull} }
func BoolValue(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Int64Value(i int64) Value     { return Value{Kind: KindInt64, Int64: i} }
func Float64Value(f float64) Value { return Value{Kind: KindFloat64, Float64: f} }
func StringValue(s string) Value   { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value    { return Value{Kind: KindBytes, Bytes: b} }

// Equal compares two values by their typed form: Int64 and Float64 are
// never equal to each other even when numerically equal, matching the
// property-equality index's byte-exact comparison rule.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt64:
		return v.Int64 == o.Int64
	case KindFloat64:
		return v.Float64 == o.Float64
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	}
	return false
}

// PropertyBag is the typed key/value set attached to a node or
// relationship.
type PropertyBag map[string]Value

// EntityKind distinguishes the owner of a property bag or a row lock
// resource: a node and a relationship never collide even if they happen to
// share a numeric ID.
type EntityKind uint8

const (
	EntityNode EntityKind = iota
	EntityRelationship
)

func (k EntityKind) String() string {
	if k == EntityRelationship {
		return "Relationship"
	}
	return "Node"
}

// slotHeader precedes every stored bag on the heap: capacity is the number
// of payload bytes reserved (>= dataLen), enabling in-place updates when a
// later write shrinks or stays within the original allocation.
const slotHeaderSize = 8 // capacity:uint32 + dataLen:uint32

type freeSlot struct {
	offset   uint64
	capacity uint32
}

// PropertyStore is the variable-length property heap: a bump allocator
// over a single growable file, with a free-list of released slots reused
// on a first-fit basis. There is no compaction — fragmentation is an
// accepted tradeoff, per spec.
type PropertyStore struct {
	mu   sync.Mutex
	rf   *recordFile // recordSize is irrelevant here; reused for mmap+growth plumbing
	tail uint64
	free []freeSlot
	log  zerolog.Logger
	path string
}

// OpenPropertyStore opens (creating if absent) the property heap file.
func OpenPropertyStore(path string, maxFileSize int64, log zerolog.Logger) (*PropertyStore, error) {
	rf, err := openRecordFile(path, 1, maxFileSize, log)
	if err != nil {
		return nil, err
	}
	ps := &PropertyStore{rf: rf, path: path, log: log, tail: 8}
	if err := ps.loadAllocatorState(); err != nil {
		rf.close()
		return nil, err
	}
	return ps, nil
}

// loadAllocatorState scans the heap forward from offset 8 to rebuild the
// bump-pointer tail on reopen. Free slots are not persisted across process
// restarts — acceptable per spec, since fragmentation/compaction is
// explicitly out of scope.
func (ps *PropertyStore) loadAllocatorState() error {
	size := ps.rf.size()
	off := uint64(8)
	hdr := make([]byte, slotHeaderSize)
	for off+slotHeaderSize <= uint64(size) {
		if err := ps.rf.readAt(int64(off), hdr); err != nil {
			break
		}
		capacity := binary.LittleEndian.Uint32(hdr[0:4])
		if capacity == 0 {
			break
		}
		next := off + slotHeaderSize + uint64(capacity)
		if next > uint64(size) {
			break
		}
		off = next
	}
	ps.tail = off
	return nil
}

func encodeBag(bag PropertyBag) []byte {
	total := 4
	for k, v := range bag {
		total += 2 + len(k) + 1
		total += valuePayloadLen(v)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(bag)))
	pos := 4
	for k, v := range bag {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], uint16(len(k)))
		pos += 2
		copy(buf[pos:], k)
		pos += len(k)
		buf[pos] = byte(v.Kind)
		pos++
		pos += encodeValuePayload(buf[pos:], v)
	}
	return buf
}

func valuePayloadLen(v Value) int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt64, KindFloat64:
		return 8
	case KindString:
		return 4 + len(v.Str)
	case KindBytes:
		return 4 + len(v.Bytes)
	}
	return 0
}

func encodeValuePayload(buf []byte, v Value) int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindBool:
		if v.Bool {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
		return 1
	case KindInt64:
		binary.LittleEndian.PutUint64(buf[0:8], uint64(v.Int64))
		return 8
	case KindFloat64:
		binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(v.Float64))
		return 8
	case KindString:
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(v.Str)))
		copy(buf[4:], v.Str)
		return 4 + len(v.Str)
	case KindBytes:
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(v.Bytes)))
		copy(buf[4:], v.Bytes)
		return 4 + len(v.Bytes)
	}
	return 0
}

func decodeBag(buf []byte) (PropertyBag, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: property bag truncated", ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	bag := make(PropertyBag, count)
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(buf) {
			return nil, fmt.Errorf("%w: property bag truncated at key length", ErrCorrupt)
		}
		klen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+klen+1 > len(buf) {
			return nil, fmt.Errorf("%w: property bag truncated at key", ErrCorrupt)
		}
		key := string(buf[pos : pos+klen])
		pos += klen
		kind := ValueKind(buf[pos])
		pos++
		v, n, err := decodeValuePayload(kind, buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		bag[key] = v
	}
	return bag, nil
}

func decodeValuePayload(kind ValueKind, buf []byte) (Value, int, error) {
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, 0, nil
	case KindBool:
		if len(buf) < 1 {
			return Value{}, 0, fmt.Errorf("%w: bool payload truncated", ErrCorrupt)
		}
		return Value{Kind: KindBool, Bool: buf[0] != 0}, 1, nil
	case KindInt64:
		if len(buf) < 8 {
			return Value{}, 0, fmt.Errorf("%w: int64 payload truncated", ErrCorrupt)
		}
		return Value{Kind: KindInt64, Int64: int64(binary.LittleEndian.Uint64(buf[0:8]))}, 8, nil
	case KindFloat64:
		if len(buf) < 8 {
			return Value{}, 0, fmt.Errorf("%w: float64 payload truncated", ErrCorrupt)
		}
		return Value{Kind: KindFloat64, Float64: math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8]))}, 8, nil
	case KindString:
		if len(buf) < 4 {
			return Value{}, 0, fmt.Errorf("%w: string length truncated", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		if len(buf) < 4+n {
			return Value{}, 0, fmt.Errorf("%w: string payload truncated", ErrCorrupt)
		}
		return Value{Kind: KindString, Str: string(buf[4 : 4+n])}, 4 + n, nil
	case KindBytes:
		if len(buf) < 4 {
			return Value{}, 0, fmt.Errorf("%w: bytes length truncated", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		if len(buf) < 4+n {
			return Value{}, 0, fmt.Errorf("%w: bytes payload truncated", ErrCorrupt)
		}
		out := make([]byte, n)
		copy(out, buf[4:4+n])
		return Value{Kind: KindBytes, Bytes: out}, 4 + n, nil
	}
	return Value{}, 0, fmt.Errorf("%w: unknown value kind %d", ErrCorrupt, kind)
}

// StoreProperties allocates a fresh slot for bag and returns its pointer.
// Use UpdateProperties to replace an existing bag in place when possible.
func (ps *PropertyStore) StoreProperties(bag PropertyBag) (uint64, error) {
	return ps.UpdateProperties(NullPtr, bag)
}

// UpdateProperties stores bag, reusing oldPtr's slot in place if the new
// encoding fits within its reserved capacity; otherwise it allocates a new
// slot and frees the old one. Pass NullPtr for oldPtr when the entity has
// no existing properties.
func (ps *PropertyStore) UpdateProperties(oldPtr uint64, bag PropertyBag) (uint64, error) {
	data := encodeBag(bag)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if oldPtr != NullPtr {
		hdr := make([]byte, slotHeaderSize)
		if err := ps.rf.readAt(int64(oldPtr), hdr); err == nil {
			capacity := binary.LittleEndian.Uint32(hdr[0:4])
			if uint32(len(data)) <= capacity {
				binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
				if err := ps.rf.writeAt(int64(oldPtr), hdr); err != nil {
					return 0, wrapErr("UpdateProperties", err)
				}
				if err := ps.rf.writeAt(int64(oldPtr)+slotHeaderSize, data); err != nil {
					return 0, wrapErr("UpdateProperties", err)
				}
				return oldPtr, nil
			}
		}
		ps.freeLocked(oldPtr)
	}

	ptr, capacity := ps.allocLocked(uint32(len(data)))
	hdr := make([]byte, slotHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], capacity)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	if err := ps.rf.writeAt(int64(ptr), hdr); err != nil {
		return 0, wrapErr("UpdateProperties", err)
	}
	if err := ps.rf.writeAt(int64(ptr)+slotHeaderSize, data); err != nil {
		return 0, wrapErr("UpdateProperties", err)
	}
	return ptr, nil
}

// allocLocked finds a free-list slot with capacity >= need (first fit) or
// bumps the tail. Caller must hold ps.mu.
func (ps *PropertyStore) allocLocked(need uint32) (ptr uint64, capacity uint32) {
	for i, s := range ps.free {
		if s.capacity >= need {
			ps.free = append(ps.free[:i], ps.free[i+1:]...)
			return s.offset, s.capacity
		}
	}
	ptr = ps.tail
	ps.tail += slotHeaderSize + uint64(need)
	return ptr, need
}

// freeLocked adds a slot to the free-list for reuse. Caller must hold ps.mu.
func (ps *PropertyStore) freeLocked(ptr uint64) {
	hdr := make([]byte, slotHeaderSize)
	if err := ps.rf.readAt(int64(ptr), hdr); err != nil {
		return
	}
	capacity := binary.LittleEndian.Uint32(hdr[0:4])
	ps.free = append(ps.free, freeSlot{offset: ptr, capacity: capacity})
}

// LoadProperties reads back the bag stored at ptr. NullPtr always yields an
// empty bag.
func (ps *PropertyStore) LoadProperties(ptr uint64) (PropertyBag, error) {
	if ptr == NullPtr {
		return PropertyBag{}, nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	hdr := make([]byte, slotHeaderSize)
	if err := ps.rf.readAt(int64(ptr), hdr); err != nil {
		return nil, wrapErr("LoadProperties", err)
	}
	dataLen := binary.LittleEndian.Uint32(hdr[4:8])
	data := make([]byte, dataLen)
	if err := ps.rf.readAt(int64(ptr)+slotHeaderSize, data); err != nil {
		return nil, wrapErr("LoadProperties", err)
	}
	bag, err := decodeBag(data)
	if err != nil {
		return nil, wrapErr("LoadProperties", err)
	}
	return bag, nil
}

// DeleteProperties releases ptr's slot back to the free-list. A NullPtr is
// a no-op.
func (ps *PropertyStore) DeleteProperties(ptr uint64) error {
	if ptr == NullPtr {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.freeLocked(ptr)
	return nil
}

func (ps *PropertyStore) Sync() error  { return ps.rf.sync() }
func (ps *PropertyStore) Close() error { return ps.rf.close() }
