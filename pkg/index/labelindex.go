// Package index implements the engine's in-memory indexes: a label index, an
// optional per-(label, property) equality index, and a KNN vector index.
// None of these talk to disk directly. The engine rebuilds the label index
// from live records at open time, then maintains it incrementally as writes
// happen rather than recomputing it per query; the property-equality and
// vector indexes hold only what their own Add calls put there, and the
// engine neither rebuilds nor updates them.
package index

import (
	"sort"
	"sync"
)

// LabelIndex maps each label ID to the ordered set of live node IDs
// carrying that label. Add/Remove are expected to run under the same row
// lock as the record update that changes a node's labels, so a reader
// snapshotting NodesWithLabel never observes a torn update.
type LabelIndex struct {
	mu   sync.RWMutex
	byID map[uint32]map[uint64]struct{}
}

func NewLabelIndex() *LabelIndex {
	return &LabelIndex{byID: make(map[uint32]map[uint64]struct{})}
}

// Add records that nodeID carries label.
func (li *LabelIndex) Add(label uint32, nodeID uint64) {
	li.mu.Lock()
	defer li.mu.Unlock()
	set, ok := li.byID[label]
	if !ok {
		set = make(map[uint64]struct{})
		li.byID[label] = set
	}
	set[nodeID] = struct{}{}
}

// Remove drops nodeID from label's set, if present.
func (li *LabelIndex) Remove(label uint32, nodeID uint64) {
	li.mu.Lock()
	defer li.mu.Unlock()
	if set, ok := li.byID[label]; ok {
		delete(set, nodeID)
	}
}

// RemoveAll drops nodeID from every label's set — used when a node is
// deleted outright.
func (li *LabelIndex) RemoveAll(nodeID uint64) {
	li.mu.Lock()
	defer li.mu.Unlock()
	for _, set := range li.byID {
		delete(set, nodeID)
	}
}

// NodesWithLabel returns a sorted snapshot of node IDs carrying label. The
// returned slice is a copy: later mutations of the index do not affect it.
func (li *LabelIndex) NodesWithLabel(label uint32) []uint64 {
	li.mu.RLock()
	defer li.mu.RUnlock()
	set, ok := li.byID[label]
	if !ok {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of live nodes carrying label.
func (li *LabelIndex) Count(label uint32) int {
	li.mu.RLock()
	defer li.mu.RUnlock()
	return len(li.byID[label])
}
