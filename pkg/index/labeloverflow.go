package index

import "sync"

// LabelOverflow is the side structure for label IDs beyond the 64 slots
// a NodeRecord's label_bits bitmap can address. It holds, per NodeId, the
// set of interned label IDs >= 64 the node carries. GetNode enumerates a
// node's labels from its record's bitmap plus this structure, which it
// reads for every node.
type LabelOverflow struct {
	mu   sync.RWMutex
	byID map[uint64]map[uint32]struct{}
}

func NewLabelOverflow() *LabelOverflow {
	return &LabelOverflow{byID: make(map[uint64]map[uint32]struct{})}
}

// Add records that nodeID carries the >=64 label id.
func (lo *LabelOverflow) Add(nodeID uint64, labelID uint32) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	set, ok := lo.byID[nodeID]
	if !ok {
		set = make(map[uint32]struct{})
		lo.byID[nodeID] = set
	}
	set[labelID] = struct{}{}
}

// Remove drops labelID from nodeID's overflow set.
func (lo *LabelOverflow) Remove(nodeID uint64, labelID uint32) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	if set, ok := lo.byID[nodeID]; ok {
		delete(set, labelID)
		if len(set) == 0 {
			delete(lo.byID, nodeID)
		}
	}
}

// RemoveNode drops every overflow label nodeID carries, used when the node
// is deleted outright.
func (lo *LabelOverflow) RemoveNode(nodeID uint64) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	delete(lo.byID, nodeID)
}

// Get returns the sorted >=64 label IDs nodeID carries, beyond what
// label_bits can represent.
func (lo *LabelOverflow) Get(nodeID uint64) []uint32 {
	lo.mu.RLock()
	defer lo.mu.RUnlock()
	set, ok := lo.byID[nodeID]
	if !ok {
		return nil
	}
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	// Small sets in practice (a node rarely carries more than a handful of
	// labels past the first 64); insertion sort keeps this dependency-free.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}
