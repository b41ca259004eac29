package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-db/nexus-core/pkg/lockmgr"
	"github.com/nexus-db/nexus-core/pkg/storage"
)

// undoFn restores one piece of state a transaction mutated, run in reverse
// order on Rollback. Mutations are applied eagerly and undone by writing
// back the snapshot taken before the mutation, which is safe because the
// transaction holds the resource's write lock for its entire lifetime.
type undoFn func()

// Transaction is one logical unit of work against an Engine: the row locks
// it currently holds, the WAL entries it has appended (not yet durable),
// and the undo log that makes a Rollback invisible to later readers.
//
// A Transaction is not safe for concurrent use by multiple goroutines;
// within one transaction, reads and writes follow the caller's program
// order and nothing more.
type Transaction struct {
	eng *Engine
	ctx context.Context
	id  storage.TxId

	mu            sync.Mutex
	writeGuards   []*lockmgr.WriteGuard
	readGuards    []*lockmgr.ReadGuard
	heldWrite     map[lockmgr.ResourceId]bool
	heldRead      map[lockmgr.ResourceId]*lockmgr.ReadGuard
	undo          []undoFn
	onCommit      []func()
	touchedLabels map[string]struct{}
	touchedProps  map[string]struct{}
	done          bool
}

// Begin opens a new transaction bound to this Engine. Callers that only
// need one mutation or read should prefer the Engine-level convenience
// methods (CreateNode, GetNode, ...), which wrap Begin/Commit/Rollback for
// exactly that case.
func (e *Engine) Begin(ctx context.Context) *Transaction {
	return &Transaction{
		eng:           e,
		ctx:           ctx,
		id:            storage.TxId(e.nextTx.Add(1)),
		heldWrite:     make(map[lockmgr.ResourceId]bool),
		heldRead:      make(map[lockmgr.ResourceId]*lockmgr.ReadGuard),
		touchedLabels: make(map[string]struct{}),
		touchedProps:  make(map[string]struct{}),
	}
}

// lockTimeout is the per-acquisition timeout for this transaction. An
// unset (zero) Config.LockTimeout means "use the lock manager's default",
// not the lock manager's try-once zero-timeout mode.
func (tx *Transaction) lockTimeout() time.Duration {
	if tx.eng.cfg.LockTimeout <= 0 {
		return -1
	}
	return tx.eng.cfg.LockTimeout
}

// acquireWrite takes res's write lock for this transaction. The lock
// manager is not reentrant per (tx, resource), so a resource this
// transaction already write-holds is a no-op, and a resource it only
// read-holds is upgraded by releasing the read before queueing the write.
func (tx *Transaction) acquireWrite(res lockmgr.ResourceId) error {
	tx.mu.Lock()
	if tx.heldWrite[res] {
		tx.mu.Unlock()
		return nil
	}
	if rg := tx.heldRead[res]; rg != nil {
		rg.Release()
		delete(tx.heldRead, res)
	}
	tx.mu.Unlock()

	g, err := tx.eng.locks.AcquireWrite(tx.ctx, uint64(tx.id), res, tx.lockTimeout())
	if err != nil {
		return translateErr("AcquireWrite", err)
	}
	tx.mu.Lock()
	tx.writeGuards = append(tx.writeGuards, g)
	tx.heldWrite[res] = true
	tx.mu.Unlock()
	return nil
}

func (tx *Transaction) acquireRead(res lockmgr.ResourceId) error {
	tx.mu.Lock()
	if tx.heldWrite[res] || tx.heldRead[res] != nil {
		tx.mu.Unlock()
		return nil
	}
	tx.mu.Unlock()

	g, err := tx.eng.locks.AcquireRead(tx.ctx, uint64(tx.id), res, tx.lockTimeout())
	if err != nil {
		return translateErr("AcquireRead", err)
	}
	tx.mu.Lock()
	tx.readGuards = append(tx.readGuards, g)
	tx.heldRead[res] = g
	tx.mu.Unlock()
	return nil
}

// acquireMultipleWrite write-locks every distinct resource in res not
// already write-held by this transaction, all-or-nothing. Deduplication
// covers the self-loop case (src == dst) and resources locked by an
// earlier operation of the same transaction, either of which would
// otherwise deadlock on the manager's non-reentrant semantics.
func (tx *Transaction) acquireMultipleWrite(res []lockmgr.ResourceId) error {
	tx.mu.Lock()
	seen := make(map[lockmgr.ResourceId]bool, len(res))
	needed := make([]lockmgr.ResourceId, 0, len(res))
	for _, r := range res {
		if seen[r] || tx.heldWrite[r] {
			continue
		}
		seen[r] = true
		if rg := tx.heldRead[r]; rg != nil {
			rg.Release()
			delete(tx.heldRead, r)
		}
		needed = append(needed, r)
	}
	tx.mu.Unlock()

	if len(needed) == 0 {
		return nil
	}
	guards, err := tx.eng.locks.AcquireMultipleWrite(tx.ctx, uint64(tx.id), needed, tx.lockTimeout())
	if err != nil {
		return translateErr("AcquireMultipleWrite", err)
	}
	tx.mu.Lock()
	tx.writeGuards = append(tx.writeGuards, guards...)
	for _, r := range needed {
		tx.heldWrite[r] = true
	}
	tx.mu.Unlock()
	return nil
}

func (tx *Transaction) pushUndo(fn undoFn) {
	tx.mu.Lock()
	tx.undo = append(tx.undo, fn)
	tx.mu.Unlock()
}

// pushOnCommit defers cleanup that must only happen once the transaction
// is durable — freeing a superseded property slot, for example, which a
// Rollback would still need intact.
func (tx *Transaction) pushOnCommit(fn func()) {
	tx.mu.Lock()
	tx.onCommit = append(tx.onCommit, fn)
	tx.mu.Unlock()
}

func (tx *Transaction) markLabel(name string)    { tx.touchedLabels[name] = struct{}{} }
func (tx *Transaction) markProperty(name string) { tx.touchedProps[name] = struct{}{} }

func (tx *Transaction) appendWAL(op storage.OpType, payload map[string]any) error {
	_, err := tx.eng.wal.Append(storage.WALEntry{TxId: uint64(tx.id), Op: op, Payload: payload})
	if err != nil {
		return translateErr("appendWAL", err)
	}
	return nil
}

// CreateNode allocates a NodeId, interns labels, stores props (if any), and
// writes the node record. label_bits carries the labels whose interned ID
// is below maxBitmapLabels; labels with higher IDs are recorded in the
// overflow side structure and the Catalog's durable overflow table.
func (tx *Transaction) CreateNode(labels []string, props storage.PropertyBag) (storage.NodeId, error) {
	id := tx.eng.nodes.AllocateNodeId()
	if err := tx.acquireWrite(lockmgr.NodeResource(uint64(id))); err != nil {
		return 0, err
	}

	labelIDs := make([]uint32, 0, len(labels))
	for _, name := range labels {
		lid, err := tx.eng.cat.InternLabel(name)
		if err != nil {
			return 0, translateErr("CreateNode", err)
		}
		labelIDs = append(labelIDs, lid)
		tx.markLabel(name)
	}

	var bits uint64
	var overflow []uint32
	for _, lid := range labelIDs {
		if lid < maxBitmapLabels {
			bits |= 1 << uint(lid)
		} else {
			overflow = append(overflow, lid)
		}
	}

	propPtr := storage.NullPtr
	if len(props) > 0 {
		ptr, err := tx.eng.props.StoreProperties(props)
		if err != nil {
			return 0, translateErr("CreateNode", err)
		}
		propPtr = ptr
		for k := range props {
			tx.markProperty(k)
		}
	}

	rec := storage.NodeRecord{
		LabelBits:   bits,
		FirstRelPtr: storage.NullPtr,
		PropPtr:     propPtr,
	}

	if err := tx.appendWAL(storage.OpCreateNode, map[string]any{
		"id":       uint64(id),
		"bits":     bits,
		"overflow": overflow,
		"props":    payloadFromBag(props),
	}); err != nil {
		return 0, err
	}

	if err := tx.eng.nodes.WriteNode(id, rec); err != nil {
		return 0, translateErr("CreateNode", err)
	}

	for bit := 0; bit < maxBitmapLabels; bit++ {
		if bits&(1<<uint(bit)) != 0 {
			tx.eng.labels.Add(uint32(bit), uint64(id))
		}
	}
	for _, lid := range overflow {
		tx.eng.labelOverflow.Add(uint64(id), lid)
		if err := tx.eng.cat.PersistOverflowLabel(uint64(id), lid); err != nil {
			return 0, translateErr("CreateNode", err)
		}
		tx.eng.labels.Add(lid, uint64(id))
	}
	tx.eng.nodeCount.Add(1)

	tx.pushUndo(func() {
		// Tombstone, never zero: the allocator is monotonic, so this slot
		// can sit below committed higher-ID records — an interior all-zero
		// record would fool the scan-on-open high-water mark into reissuing
		// live IDs after a restart.
		dead := rec
		dead.MarkDeleted()
		_ = tx.eng.nodes.WriteNode(id, dead)
		_ = tx.eng.props.DeleteProperties(propPtr)
		for bit := 0; bit < maxBitmapLabels; bit++ {
			if bits&(1<<uint(bit)) != 0 {
				tx.eng.labels.Remove(uint32(bit), uint64(id))
			}
		}
		for _, lid := range overflow {
			tx.eng.labelOverflow.Remove(uint64(id), lid)
			_ = tx.eng.cat.DeleteOverflowLabel(uint64(id), lid)
			tx.eng.labels.Remove(lid, uint64(id))
		}
		tx.eng.nodeCount.Add(-1)
	})

	return id, nil
}

// CreateRelationship verifies both endpoints exist and are live, then
// splices a new relationship record onto the head of each endpoint's
// adjacency chain. All three resources (src, dst, new relationship) are
// acquired atomically via acquireMultipleWrite.
func (tx *Transaction) CreateRelationship(src, dst storage.NodeId, relType string, props storage.PropertyBag) (storage.EdgeId, error) {
	id := tx.eng.rels.AllocateRelId()

	err := tx.acquireMultipleWrite([]lockmgr.ResourceId{
		lockmgr.NodeResource(uint64(src)),
		lockmgr.NodeResource(uint64(dst)),
		lockmgr.RelResource(uint64(id)),
	})
	if err != nil {
		return 0, err
	}

	srcRec, err := tx.eng.nodes.ReadNode(src)
	if err != nil || srcRec.IsDeleted() {
		return 0, &EngineError{Op: "CreateRelationship", Err: fmt.Errorf("%w: src node %d", ErrNotFound, src)}
	}
	dstRec, err := tx.eng.nodes.ReadNode(dst)
	if err != nil || dstRec.IsDeleted() {
		return 0, &EngineError{Op: "CreateRelationship", Err: fmt.Errorf("%w: dst node %d", ErrNotFound, dst)}
	}

	typeID, err := tx.eng.cat.InternRelType(relType)
	if err != nil {
		return 0, translateErr("CreateRelationship", err)
	}

	propPtr := storage.NullPtr
	if len(props) > 0 {
		ptr, err := tx.eng.props.StoreProperties(props)
		if err != nil {
			return 0, translateErr("CreateRelationship", err)
		}
		propPtr = ptr
		for k := range props {
			tx.markProperty(k)
		}
	}

	oldSrcHead := srcRec.FirstRelPtr
	oldDstHead := dstRec.FirstRelPtr

	rec := storage.RelationshipRecord{
		SrcId:      uint64(src),
		DstId:      uint64(dst),
		TypeId:     typeID,
		NextSrcPtr: oldSrcHead,
		NextDstPtr: oldDstHead,
		PropPtr:    propPtr,
	}

	if err := tx.appendWAL(storage.OpCreateRel, map[string]any{
		"id":    uint64(id),
		"src":   uint64(src),
		"dst":   uint64(dst),
		"type":  typeID,
		"props": payloadFromBag(props),
	}); err != nil {
		return 0, err
	}

	if err := tx.eng.rels.WriteRel(id, rec); err != nil {
		return 0, translateErr("CreateRelationship", err)
	}

	srcRec.FirstRelPtr = uint64(id)
	if err := tx.eng.nodes.WriteNode(src, srcRec); err != nil {
		return 0, translateErr("CreateRelationship", err)
	}
	if src == dst {
		dstRec = srcRec
	} else {
		dstRec.FirstRelPtr = uint64(id)
		if err := tx.eng.nodes.WriteNode(dst, dstRec); err != nil {
			return 0, translateErr("CreateRelationship", err)
		}
	}
	tx.eng.relCount.Add(1)

	tx.pushUndo(func() {
		// Tombstone for the same reason CreateNode's undo does: an interior
		// all-zero slot would reset the scan-on-open high-water mark below
		// committed records.
		dead := rec
		dead.MarkDeleted()
		_ = tx.eng.rels.WriteRel(id, dead)
		_ = tx.eng.props.DeleteProperties(propPtr)
		srcRec.FirstRelPtr = oldSrcHead
		_ = tx.eng.nodes.WriteNode(src, srcRec)
		if src != dst {
			dstRec.FirstRelPtr = oldDstHead
			_ = tx.eng.nodes.WriteNode(dst, dstRec)
		}
		tx.eng.relCount.Add(-1)
	})

	return id, nil
}

// GetNode resolves id's labels (bitmap plus overflow) and property bag
// under a read lock.
func (tx *Transaction) GetNode(id storage.NodeId) (NodeView, error) {
	if err := tx.acquireRead(lockmgr.NodeResource(uint64(id))); err != nil {
		return NodeView{}, err
	}
	rec, err := tx.eng.nodes.ReadNode(id)
	if err != nil {
		return NodeView{}, translateErr("GetNode", err)
	}
	if rec.IsDeleted() {
		return NodeView{}, &EngineError{Op: "GetNode", Err: fmt.Errorf("%w: node %d", ErrNotFound, id)}
	}

	var labels []string
	for bit := 0; bit < maxBitmapLabels; bit++ {
		if rec.LabelBits&(1<<uint(bit)) != 0 {
			if name, ok := tx.eng.cat.LabelName(uint32(bit)); ok {
				labels = append(labels, name)
			}
		}
	}
	for _, lid := range tx.eng.labelOverflow.Get(uint64(id)) {
		if name, ok := tx.eng.cat.LabelName(lid); ok {
			labels = append(labels, name)
		}
	}

	props, err := tx.eng.props.LoadProperties(rec.PropPtr)
	if err != nil {
		return NodeView{}, translateErr("GetNode", err)
	}
	return NodeView{ID: id, Labels: labels, Props: props}, nil
}

// GetRelationship resolves id's endpoints, type name, and property bag.
func (tx *Transaction) GetRelationship(id storage.EdgeId) (RelationshipView, error) {
	if err := tx.acquireRead(lockmgr.RelResource(uint64(id))); err != nil {
		return RelationshipView{}, err
	}
	rec, err := tx.eng.rels.ReadRel(id)
	if err != nil {
		return RelationshipView{}, translateErr("GetRelationship", err)
	}
	if rec.IsDeleted() {
		return RelationshipView{}, &EngineError{Op: "GetRelationship", Err: fmt.Errorf("%w: relationship %d", ErrNotFound, id)}
	}
	typeName, _ := tx.eng.cat.RelTypeName(rec.TypeId)
	props, err := tx.eng.props.LoadProperties(rec.PropPtr)
	if err != nil {
		return RelationshipView{}, translateErr("GetRelationship", err)
	}
	return RelationshipView{
		ID:    id,
		Src:   storage.NodeId(rec.SrcId),
		Dst:   storage.NodeId(rec.DstId),
		Type:  typeName,
		Props: props,
	}, nil
}

// nextPtrFor returns rec's next-chain pointer from the perspective of
// nodeID — NextSrcPtr if nodeID is the relationship's source, NextDstPtr
// otherwise (both, in the self-loop case, which is fine since they carry
// the same value there).
func nextPtrFor(rec storage.RelationshipRecord, nodeID storage.NodeId) uint64 {
	if rec.SrcId == uint64(nodeID) {
		return rec.NextSrcPtr
	}
	return rec.NextDstPtr
}

// DeleteNode tombstones id and every relationship in its adjacency chain,
// in the same commit, so no concurrent reader can observe the node gone
// but a dangling relationship still live.
func (tx *Transaction) DeleteNode(id storage.NodeId) error {
	if err := tx.acquireWrite(lockmgr.NodeResource(uint64(id))); err != nil {
		return err
	}
	rec, err := tx.eng.nodes.ReadNode(id)
	if err != nil {
		return translateErr("DeleteNode", err)
	}
	if rec.IsDeleted() {
		return &EngineError{Op: "DeleteNode", Err: fmt.Errorf("%w: node %d", ErrNotFound, id)}
	}

	for bit := 0; bit < maxBitmapLabels; bit++ {
		if rec.LabelBits&(1<<uint(bit)) != 0 {
			if name, ok := tx.eng.cat.LabelName(uint32(bit)); ok {
				tx.markLabel(name)
			}
		}
	}
	overflowLabels := tx.eng.labelOverflow.Get(uint64(id))
	for _, lid := range overflowLabels {
		if name, ok := tx.eng.cat.LabelName(lid); ok {
			tx.markLabel(name)
		}
	}
	if props, err := tx.eng.props.LoadProperties(rec.PropPtr); err == nil {
		for k := range props {
			tx.markProperty(k)
		}
	}

	cur := rec.FirstRelPtr
	for cur != storage.NullPtr {
		relID := storage.EdgeId(cur)
		if err := tx.acquireWrite(lockmgr.RelResource(cur)); err != nil {
			return err
		}
		relRec, err := tx.eng.rels.ReadRel(relID)
		if err != nil {
			break
		}
		next := nextPtrFor(relRec, id)
		if !relRec.IsDeleted() {
			before := relRec
			relRec.MarkDeleted()
			if err := tx.appendWAL(storage.OpDeleteRel, map[string]any{"id": cur}); err != nil {
				return err
			}
			if err := tx.eng.rels.WriteRel(relID, relRec); err != nil {
				return translateErr("DeleteNode", err)
			}
			relPropPtr := relRec.PropPtr
			tx.pushOnCommit(func() {
				_ = tx.eng.props.DeleteProperties(relPropPtr)
			})
			tx.eng.relCount.Add(-1)
			tx.pushUndo(func() {
				_ = tx.eng.rels.WriteRel(relID, before)
				tx.eng.relCount.Add(1)
			})
		}
		cur = next
	}

	before := rec
	rec.MarkDeleted()
	if err := tx.appendWAL(storage.OpDeleteNode, map[string]any{"id": uint64(id)}); err != nil {
		return err
	}
	if err := tx.eng.nodes.WriteNode(id, rec); err != nil {
		return translateErr("DeleteNode", err)
	}
	tx.pushOnCommit(func() {
		_ = tx.eng.props.DeleteProperties(before.PropPtr)
	})

	for bit := 0; bit < maxBitmapLabels; bit++ {
		if before.LabelBits&(1<<uint(bit)) != 0 {
			tx.eng.labels.Remove(uint32(bit), uint64(id))
		}
	}
	for _, lid := range overflowLabels {
		tx.eng.labels.Remove(lid, uint64(id))
	}
	tx.eng.labelOverflow.RemoveNode(uint64(id))
	for _, lid := range overflowLabels {
		if err := tx.eng.cat.DeleteOverflowLabel(uint64(id), lid); err != nil {
			return translateErr("DeleteNode", err)
		}
	}
	tx.eng.nodeCount.Add(-1)

	tx.pushUndo(func() {
		_ = tx.eng.nodes.WriteNode(id, before)
		for bit := 0; bit < maxBitmapLabels; bit++ {
			if before.LabelBits&(1<<uint(bit)) != 0 {
				tx.eng.labels.Add(uint32(bit), uint64(id))
			}
		}
		for _, lid := range overflowLabels {
			tx.eng.labels.Add(lid, uint64(id))
			tx.eng.labelOverflow.Add(uint64(id), lid)
			_ = tx.eng.cat.PersistOverflowLabel(uint64(id), lid)
		}
		tx.eng.nodeCount.Add(1)
	})

	return nil
}

// SetNodeProperties replaces id's property bag wholesale. The new bag is
// written to a fresh heap slot; the old slot stays intact until Commit so
// a Rollback can restore the previous pointer.
func (tx *Transaction) SetNodeProperties(id storage.NodeId, props storage.PropertyBag) error {
	if err := tx.acquireWrite(lockmgr.NodeResource(uint64(id))); err != nil {
		return err
	}
	rec, err := tx.eng.nodes.ReadNode(id)
	if err != nil {
		return translateErr("SetNodeProperties", err)
	}
	if rec.IsDeleted() {
		return &EngineError{Op: "SetNodeProperties", Err: fmt.Errorf("%w: node %d", ErrNotFound, id)}
	}

	if old, err := tx.eng.props.LoadProperties(rec.PropPtr); err == nil {
		for k := range old {
			tx.markProperty(k)
		}
	}
	for k := range props {
		tx.markProperty(k)
	}

	newPtr := storage.NullPtr
	if len(props) > 0 {
		ptr, err := tx.eng.props.StoreProperties(props)
		if err != nil {
			return translateErr("SetNodeProperties", err)
		}
		newPtr = ptr
	}

	if err := tx.appendWAL(storage.OpSetProps, map[string]any{
		"id":    uint64(id),
		"props": payloadFromBag(props),
	}); err != nil {
		return err
	}

	before := rec
	rec.PropPtr = newPtr
	if err := tx.eng.nodes.WriteNode(id, rec); err != nil {
		return translateErr("SetNodeProperties", err)
	}

	tx.pushUndo(func() {
		_ = tx.eng.nodes.WriteNode(id, before)
		if newPtr != storage.NullPtr {
			_ = tx.eng.props.DeleteProperties(newPtr)
		}
	})
	tx.pushOnCommit(func() {
		if before.PropPtr != storage.NullPtr {
			_ = tx.eng.props.DeleteProperties(before.PropPtr)
		}
	})
	return nil
}

// ClearNodeProperties removes id's property bag entirely.
func (tx *Transaction) ClearNodeProperties(id storage.NodeId) error {
	if err := tx.acquireWrite(lockmgr.NodeResource(uint64(id))); err != nil {
		return err
	}
	rec, err := tx.eng.nodes.ReadNode(id)
	if err != nil {
		return translateErr("ClearNodeProperties", err)
	}
	if rec.IsDeleted() {
		return &EngineError{Op: "ClearNodeProperties", Err: fmt.Errorf("%w: node %d", ErrNotFound, id)}
	}
	if rec.PropPtr == storage.NullPtr {
		return nil
	}

	if old, err := tx.eng.props.LoadProperties(rec.PropPtr); err == nil {
		for k := range old {
			tx.markProperty(k)
		}
	}

	if err := tx.appendWAL(storage.OpClearProps, map[string]any{"id": uint64(id)}); err != nil {
		return err
	}

	before := rec
	rec.PropPtr = storage.NullPtr
	if err := tx.eng.nodes.WriteNode(id, rec); err != nil {
		return translateErr("ClearNodeProperties", err)
	}

	tx.pushUndo(func() {
		_ = tx.eng.nodes.WriteNode(id, before)
	})
	tx.pushOnCommit(func() {
		_ = tx.eng.props.DeleteProperties(before.PropPtr)
	})
	return nil
}

// DeleteRelationship tombstones a single relationship. It does not walk or
// rewrite either endpoint's chain head — live enumeration always checks
// the tombstone bit, so an orphaned pointer into a deleted relationship is
// harmless, just skipped.
func (tx *Transaction) DeleteRelationship(id storage.EdgeId) error {
	if err := tx.acquireWrite(lockmgr.RelResource(uint64(id))); err != nil {
		return err
	}
	rec, err := tx.eng.rels.ReadRel(id)
	if err != nil {
		return translateErr("DeleteRelationship", err)
	}
	if rec.IsDeleted() {
		return &EngineError{Op: "DeleteRelationship", Err: fmt.Errorf("%w: relationship %d", ErrNotFound, id)}
	}

	before := rec
	rec.MarkDeleted()
	if err := tx.appendWAL(storage.OpDeleteRel, map[string]any{"id": uint64(id)}); err != nil {
		return err
	}
	if err := tx.eng.rels.WriteRel(id, rec); err != nil {
		return translateErr("DeleteRelationship", err)
	}
	tx.pushOnCommit(func() {
		_ = tx.eng.props.DeleteProperties(before.PropPtr)
	})
	tx.eng.relCount.Add(-1)

	tx.pushUndo(func() {
		_ = tx.eng.rels.WriteRel(id, before)
		tx.eng.relCount.Add(1)
	})
	return nil
}

// Commit writes the terminating WAL commit record (fsyncing through to
// the device) and releases every lock this transaction holds. After
// Commit, the transaction must not be reused.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil
	}
	tx.done = true
	hooks := tx.onCommit
	tx.onCommit = nil
	tx.mu.Unlock()

	if _, err := tx.eng.wal.AppendCommit(uint64(tx.id)); err != nil {
		tx.releaseGuards()
		return translateErr("Commit", err)
	}
	for _, fn := range hooks {
		fn()
	}
	tx.releaseGuards()
	return nil
}

// Rollback undoes every mutation this transaction applied, in reverse
// order, and releases its locks. No commit record is ever written, so
// crash recovery would discard the same entries anyway; Rollback just
// makes that true for live readers immediately rather than after a
// restart.
func (tx *Transaction) Rollback() {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	undo := tx.undo
	tx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	tx.releaseGuards()
}

func (tx *Transaction) releaseGuards() {
	tx.mu.Lock()
	writeGuards := tx.writeGuards
	readGuards := tx.readGuards
	tx.writeGuards = nil
	tx.readGuards = nil
	tx.heldWrite = make(map[lockmgr.ResourceId]bool)
	tx.heldRead = make(map[lockmgr.ResourceId]*lockmgr.ReadGuard)
	tx.mu.Unlock()

	for _, g := range writeGuards {
		g.Release()
	}
	for _, g := range readGuards {
		g.Release()
	}
}

// --- Engine-level convenience wrappers: one implicit transaction per call ---

func (e *Engine) CreateNode(ctx context.Context, labels []string, props storage.PropertyBag) (storage.NodeId, error) {
	tx := e.Begin(ctx)
	id, err := tx.CreateNode(labels, props)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.invalidateCacheFor(tx)
	return id, nil
}

func (e *Engine) CreateRelationship(ctx context.Context, src, dst storage.NodeId, relType string, props storage.PropertyBag) (storage.EdgeId, error) {
	tx := e.Begin(ctx)
	id, err := tx.CreateRelationship(src, dst, relType, props)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.invalidateCacheFor(tx)
	return id, nil
}

func (e *Engine) GetNode(ctx context.Context, id storage.NodeId) (NodeView, error) {
	tx := e.Begin(ctx)
	v, err := tx.GetNode(id)
	if err != nil {
		tx.Rollback()
		return NodeView{}, err
	}
	tx.Commit()
	return v, nil
}

func (e *Engine) GetRelationship(ctx context.Context, id storage.EdgeId) (RelationshipView, error) {
	tx := e.Begin(ctx)
	v, err := tx.GetRelationship(id)
	if err != nil {
		tx.Rollback()
		return RelationshipView{}, err
	}
	tx.Commit()
	return v, nil
}

func (e *Engine) SetNodeProperties(ctx context.Context, id storage.NodeId, props storage.PropertyBag) error {
	tx := e.Begin(ctx)
	if err := tx.SetNodeProperties(id, props); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidateCacheFor(tx)
	return nil
}

func (e *Engine) ClearNodeProperties(ctx context.Context, id storage.NodeId) error {
	tx := e.Begin(ctx)
	if err := tx.ClearNodeProperties(id); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidateCacheFor(tx)
	return nil
}

func (e *Engine) DeleteNode(ctx context.Context, id storage.NodeId) error {
	tx := e.Begin(ctx)
	if err := tx.DeleteNode(id); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidateCacheFor(tx)
	return nil
}

func (e *Engine) DeleteRelationship(ctx context.Context, id storage.EdgeId) error {
	tx := e.Begin(ctx)
	if err := tx.DeleteRelationship(id); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidateCacheFor(tx)
	return nil
}

// invalidateCacheFor asks the Query Result Cache to drop every entry that
// depends on labels or property keys this (already-committed) transaction
// touched.
func (e *Engine) invalidateCacheFor(tx *Transaction) {
	if e.cache == nil {
		return
	}
	if len(tx.touchedLabels) == 0 && len(tx.touchedProps) == 0 {
		return
	}
	e.cache.InvalidateByPattern(sortedKeys(tx.touchedLabels), sortedKeys(tx.touchedProps))
}

// applyReplayEntry reconstructs a single WAL entry's mutation against the
// already-open stores and indexes at Engine.Open time. It is idempotent:
// create entries whose record already survived on disk (the common case,
// since the record files persist through mmap and entries replay on every
// open until a checkpoint reclaims them) are skipped rather than
// re-applied — re-splicing an already-spliced relationship would point its
// chain pointer at itself.
func (e *Engine) applyReplayEntry(entry storage.WALEntry) error {
	switch entry.Op {
	case storage.OpCreateNode:
		id := storage.NodeId(asUint64(entry.Payload["id"]))
		e.nodes.EnsureNextID(uint64(id) + 1)
		if _, err := e.nodes.ReadNode(id); err == nil {
			// Already durable, chain head and all; rebuilding from the
			// payload would reset FirstRelPtr and orphan the chain.
			return nil
		}
		bits := asUint64(entry.Payload["bits"])
		propPtr, err := e.replayProps(entry.Payload["props"])
		if err != nil {
			return wrapEngineErr(err)
		}
		rec := storage.NodeRecord{LabelBits: bits, FirstRelPtr: storage.NullPtr, PropPtr: propPtr}
		return wrapEngineErr(e.nodes.WriteNode(id, rec))
	case storage.OpSetProps:
		id := storage.NodeId(asUint64(entry.Payload["id"]))
		rec, err := e.nodes.ReadNode(id)
		if err != nil {
			return wrapEngineErr(err)
		}
		propPtr, err := e.replayProps(entry.Payload["props"])
		if err != nil {
			return wrapEngineErr(err)
		}
		rec.PropPtr = propPtr
		return wrapEngineErr(e.nodes.WriteNode(id, rec))
	case storage.OpClearProps:
		id := storage.NodeId(asUint64(entry.Payload["id"]))
		rec, err := e.nodes.ReadNode(id)
		if err != nil {
			return wrapEngineErr(err)
		}
		rec.PropPtr = storage.NullPtr
		return wrapEngineErr(e.nodes.WriteNode(id, rec))
	case storage.OpDeleteNode:
		id := storage.NodeId(asUint64(entry.Payload["id"]))
		return wrapEngineErr(e.nodes.DeleteNode(id))
	case storage.OpCreateRel:
		id := storage.EdgeId(asUint64(entry.Payload["id"]))
		e.rels.EnsureNextID(uint64(id) + 1)
		if _, err := e.rels.ReadRel(id); err == nil {
			// Record and splice both persisted before the restart.
			return nil
		}
		src := storage.NodeId(asUint64(entry.Payload["src"]))
		dst := storage.NodeId(asUint64(entry.Payload["dst"]))
		typeID := uint32(asUint64(entry.Payload["type"]))

		srcRec, err := e.nodes.ReadNode(src)
		if err != nil {
			return wrapEngineErr(err)
		}
		dstRec, err := e.nodes.ReadNode(dst)
		if err != nil {
			return wrapEngineErr(err)
		}
		propPtr, err := e.replayProps(entry.Payload["props"])
		if err != nil {
			return wrapEngineErr(err)
		}
		// If a chain head already points at this id the splice half-landed
		// before the crash while the record itself did not; threading that
		// head back in as the next pointer would make the record its own
		// successor. Truncate instead — a shortened chain walks, a cyclic
		// one hangs.
		nextSrc := srcRec.FirstRelPtr
		if nextSrc == uint64(id) {
			nextSrc = storage.NullPtr
		}
		nextDst := dstRec.FirstRelPtr
		if nextDst == uint64(id) {
			nextDst = storage.NullPtr
		}
		rec := storage.RelationshipRecord{
			SrcId:      uint64(src),
			DstId:      uint64(dst),
			TypeId:     typeID,
			NextSrcPtr: nextSrc,
			NextDstPtr: nextDst,
			PropPtr:    propPtr,
		}
		if err := e.rels.WriteRel(id, rec); err != nil {
			return wrapEngineErr(err)
		}
		srcRec.FirstRelPtr = uint64(id)
		if err := e.nodes.WriteNode(src, srcRec); err != nil {
			return wrapEngineErr(err)
		}
		if src != dst {
			dstRec.FirstRelPtr = uint64(id)
			if err := e.nodes.WriteNode(dst, dstRec); err != nil {
				return wrapEngineErr(err)
			}
		}
		return nil
	case storage.OpDeleteRel:
		id := storage.EdgeId(asUint64(entry.Payload["id"]))
		return wrapEngineErr(e.rels.DeleteRel(id))
	default:
		return nil
	}
}

func wrapEngineErr(err error) error {
	if err == nil {
		return nil
	}
	return translateErr("Replay", err)
}

// replayProps re-stores a WAL payload's property bag into the heap and
// returns the pointer for the record under reconstruction. Replay always
// allocates a fresh slot: the slot the original write used is unknowable
// after a crash. The slot the record pointed at before is not freed and
// nothing reclaims it later; it stays behind as unused heap space.
func (e *Engine) replayProps(raw any) (uint64, error) {
	bag := bagFromPayload(raw)
	if len(bag) == 0 {
		return storage.NullPtr, nil
	}
	return e.props.StoreProperties(bag)
}

// payloadFromBag renders a PropertyBag in a JSON-safe wire form for WAL
// payloads: every value is tagged with its kind, and the two
// representations JSON would mangle — int64 beyond float64's exact range
// and raw bytes — travel as strings.
func payloadFromBag(bag storage.PropertyBag) map[string]any {
	if len(bag) == 0 {
		return nil
	}
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		switch v.Kind {
		case storage.KindNull:
			out[k] = map[string]any{"t": "null"}
		case storage.KindBool:
			out[k] = map[string]any{"t": "bool", "v": v.Bool}
		case storage.KindInt64:
			out[k] = map[string]any{"t": "int", "v": strconv.FormatInt(v.Int64, 10)}
		case storage.KindFloat64:
			out[k] = map[string]any{"t": "float", "v": v.Float64}
		case storage.KindString:
			out[k] = map[string]any{"t": "string", "v": v.Str}
		case storage.KindBytes:
			out[k] = map[string]any{"t": "bytes", "v": base64.StdEncoding.EncodeToString(v.Bytes)}
		}
	}
	return out
}

// bagFromPayload is payloadFromBag's inverse, tolerant of both the
// in-process shape (map[string]any as built) and the shape the same map
// takes after a JSON round trip through a persisted WAL segment.
func bagFromPayload(raw any) storage.PropertyBag {
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	bag := make(storage.PropertyBag, len(m))
	for k, rawVal := range m {
		entry, ok := rawVal.(map[string]any)
		if !ok {
			continue
		}
		switch entry["t"] {
		case "null":
			bag[k] = storage.NullValue()
		case "bool":
			b, _ := entry["v"].(bool)
			bag[k] = storage.BoolValue(b)
		case "int":
			s, _ := entry["v"].(string)
			n, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				bag[k] = storage.Int64Value(n)
			}
		case "float":
			switch x := entry["v"].(type) {
			case float64:
				bag[k] = storage.Float64Value(x)
			case json.Number:
				f, err := x.Float64()
				if err == nil {
					bag[k] = storage.Float64Value(f)
				}
			}
		case "string":
			s, _ := entry["v"].(string)
			bag[k] = storage.StringValue(s)
		case "bytes":
			s, _ := entry["v"].(string)
			b, err := base64.StdEncoding.DecodeString(s)
			if err == nil {
				bag[k] = storage.BytesValue(b)
			}
		}
	}
	return bag
}

// asUint64 recovers a uint64 from a WAL payload value. Replay reads
// persisted segments back with json.Decoder.UseNumber, so numeric fields
// arrive as json.Number literals — the only representation that survives
// the round trip for values like NullPtr that exceed float64's exact
// integer range. The uint64 case covers a just-built in-process payload
// map that never went through JSON.
func asUint64(v any) uint64 {
	switch x := v.(type) {
	case uint64:
		return x
	case json.Number:
		n, err := strconv.ParseUint(x.String(), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return uint64(x)
	case int:
		return uint64(x)
	}
	return 0
}
