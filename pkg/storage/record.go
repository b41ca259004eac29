package storage

import "encoding/binary"

// NullPtr is the sentinel value for "no pointer" / "no ID" across NodeId,
// EdgeId, TxId, and property-heap pointers: all-bits-set, per spec.
const NullPtr uint64 = ^uint64(0)

const (
	// NodeRecordSize is the fixed on-disk size of a NodeRecord, in bytes.
	NodeRecordSize = 32

	// RelRecordSize is the fixed on-disk size of a RelationshipRecord, in
	// bytes.
	RelRecordSize = 52

	// flagDeleted is the tombstone bit within a record's Flags field.
	flagDeleted uint32 = 1 << 0
)

// NodeId, EdgeId and TxId are opaque 64-bit handles. NullPtr is reserved as
// the "no value" sentinel for all three.
type (
	NodeId uint64
	EdgeId uint64
	TxId   uint64
)

// NodeRecord is the fixed 32-byte on-disk representation of a node:
//
//	label_bits:     u64  — 64-slot bitmap, bit i set iff the node carries
//	                        label ID i (i < 64; see the label overflow side
//	                        structure in pkg/index for IDs >= 64).
//	first_rel_ptr:  u64  — head of the node's adjacency chain, or NullPtr.
//	prop_ptr:       u64  — offset into the property heap, or NullPtr.
//	flags:          u32  — bit 0 is the tombstone.
//	reserved:       u32  — zero, reserved for future use.
type NodeRecord struct {
	LabelBits   uint64
	FirstRelPtr uint64
	PropPtr     uint64
	Flags       uint32
	Reserved    uint32
}

// IsDeleted reports whether the tombstone bit is set.
func (r *NodeRecord) IsDeleted() bool { return r.Flags&flagDeleted != 0 }

// MarkDeleted sets the tombstone bit.
func (r *NodeRecord) MarkDeleted() { r.Flags |= flagDeleted }

// IsZero reports whether every field is the zero value — the definition of
// "empty" used by the scan-on-open high-water-mark search.
func (r *NodeRecord) IsZero() bool {
	return r.LabelBits == 0 && r.FirstRelPtr == 0 && r.PropPtr == 0 &&
		r.Flags == 0 && r.Reserved == 0
}

// Encode writes the record's 32-byte little-endian representation into buf.
// buf must be at least NodeRecordSize bytes.
func (r *NodeRecord) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.LabelBits)
	binary.LittleEndian.PutUint64(buf[8:16], r.FirstRelPtr)
	binary.LittleEndian.PutUint64(buf[16:24], r.PropPtr)
	binary.LittleEndian.PutUint32(buf[24:28], r.Flags)
	binary.LittleEndian.PutUint32(buf[28:32], r.Reserved)
}

// DecodeNodeRecord reads a 32-byte little-endian record out of buf.
func DecodeNodeRecord(buf []byte) NodeRecord {
	return NodeRecord{
		LabelBits:   binary.LittleEndian.Uint64(buf[0:8]),
		FirstRelPtr: binary.LittleEndian.Uint64(buf[8:16]),
		PropPtr:     binary.LittleEndian.Uint64(buf[16:24]),
		Flags:       binary.LittleEndian.Uint32(buf[24:28]),
		Reserved:    binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// RelationshipRecord is the fixed 52-byte on-disk representation of a
// relationship. Each relationship threads into two singly-linked adjacency
// chains, one per endpoint, via NextSrcPtr/NextDstPtr:
//
//	src_id:        u64
//	dst_id:        u64
//	type_id:       u32  — interned relationship-type ID (pkg/storage Catalog).
//	next_src_ptr:  u64  — next relationship in src's chain, or NullPtr.
//	next_dst_ptr:  u64  — next relationship in dst's chain, or NullPtr.
//	prop_ptr:      u64  — offset into the property heap, or NullPtr.
//	flags:         u32  — bit 0 is the tombstone.
//	reserved:      u32
type RelationshipRecord struct {
	SrcId      uint64
	DstId      uint64
	TypeId     uint32
	NextSrcPtr uint64
	NextDstPtr uint64
	PropPtr    uint64
	Flags      uint32
	Reserved   uint32
}

func (r *RelationshipRecord) IsDeleted() bool { return r.Flags&flagDeleted != 0 }
func (r *RelationshipRecord) MarkDeleted()    { r.Flags |= flagDeleted }

func (r *RelationshipRecord) IsZero() bool {
	return r.SrcId == 0 && r.DstId == 0 && r.TypeId == 0 &&
		r.NextSrcPtr == 0 && r.NextDstPtr == 0 && r.PropPtr == 0 &&
		r.Flags == 0 && r.Reserved == 0
}

// Encode writes the record's 52-byte little-endian representation into buf.
// buf must be at least RelRecordSize bytes.
func (r *RelationshipRecord) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.SrcId)
	binary.LittleEndian.PutUint64(buf[8:16], r.DstId)
	binary.LittleEndian.PutUint32(buf[16:20], r.TypeId)
	binary.LittleEndian.PutUint64(buf[20:28], r.NextSrcPtr)
	binary.LittleEndian.PutUint64(buf[28:36], r.NextDstPtr)
	binary.LittleEndian.PutUint64(buf[36:44], r.PropPtr)
	binary.LittleEndian.PutUint32(buf[44:48], r.Flags)
	binary.LittleEndian.PutUint32(buf[48:52], r.Reserved)
}

// DecodeRelRecord reads a 52-byte little-endian record out of buf.
func DecodeRelRecord(buf []byte) RelationshipRecord {
	return RelationshipRecord{
		SrcId:      binary.LittleEndian.Uint64(buf[0:8]),
		DstId:      binary.LittleEndian.Uint64(buf[8:16]),
		TypeId:     binary.LittleEndian.Uint32(buf[16:20]),
		NextSrcPtr: binary.LittleEndian.Uint64(buf[20:28]),
		NextDstPtr: binary.LittleEndian.Uint64(buf[28:36]),
		PropPtr:    binary.LittleEndian.Uint64(buf[36:44]),
		Flags:      binary.LittleEndian.Uint32(buf[44:48]),
		Reserved:   binary.LittleEndian.Uint32(buf[48:52]),
	}
}
