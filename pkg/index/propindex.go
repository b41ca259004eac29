package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-db/nexus-core/pkg/storage"
)

// propKey is the internal map key for a property-equality lookup: values
// are compared by their typed form, so a KindInt64(5) and a
// KindFloat64(5.0) are different buckets even though they print the same.
type propKey struct {
	kind storage.ValueKind
	lit  string
}

func literalOf(v storage.Value) string {
	switch v.Kind {
	case storage.KindNull:
		return ""
	case storage.KindBool:
		if v.Bool {
			return "1"
		}
		return "0"
	case storage.KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case storage.KindFloat64:
		return fmt.Sprintf("%g", v.Float64)
	case storage.KindString:
		return v.Str
	case storage.KindBytes:
		return string(v.Bytes)
	}
	return ""
}

// PropertyIndex is an optional per-(label, property-key) equality index:
// value -> set of node IDs. It exists purely as a read-path optimization;
// the Label Index plus a Record Store scan always produces the same
// answer, just slower.
type PropertyIndex struct {
	mu    sync.RWMutex
	label uint32
	key   uint32
	byVal map[propKey]map[uint64]struct{}
}

func NewPropertyIndex(label, key uint32) *PropertyIndex {
	return &PropertyIndex{label: label, key: key, byVal: make(map[propKey]map[uint64]struct{})}
}

func (pi *PropertyIndex) Label() uint32 { return pi.label }
func (pi *PropertyIndex) Key() uint32   { return pi.key }

// Add records that nodeID has property value v.
func (pi *PropertyIndex) Add(v storage.Value, nodeID uint64) {
	k := propKey{kind: v.Kind, lit: literalOf(v)}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	set, ok := pi.byVal[k]
	if !ok {
		set = make(map[uint64]struct{})
		pi.byVal[k] = set
	}
	set[nodeID] = struct{}{}
}

// Remove drops nodeID from value v's set.
func (pi *PropertyIndex) Remove(v storage.Value, nodeID uint64) {
	k := propKey{kind: v.Kind, lit: literalOf(v)}
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if set, ok := pi.byVal[k]; ok {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(pi.byVal, k)
		}
	}
}

// Lookup returns a sorted snapshot of node IDs whose property equals v.
func (pi *PropertyIndex) Lookup(v storage.Value) []uint64 {
	k := propKey{kind: v.Kind, lit: literalOf(v)}
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	set, ok := pi.byVal[k]
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

// Registry keys property indexes by (label, key) for the Engine to look up
// when planning a query predicate.
type Registry struct {
	mu      sync.RWMutex
	indexes map[[2]uint32]*PropertyIndex
}

func NewRegistry() *Registry {
	return &Registry{indexes: make(map[[2]uint32]*PropertyIndex)}
}

// EnsureIndex returns the PropertyIndex for (label, key), creating it if
// absent.
func (r *Registry) EnsureIndex(label, key uint32) *PropertyIndex {
	id := [2]uint32{label, key}
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.indexes[id]
	if !ok {
		pi = NewPropertyIndex(label, key)
		r.indexes[id] = pi
	}
	return pi
}

// Lookup returns the PropertyIndex for (label, key), or nil if none has
// been built.
func (r *Registry) Lookup(label, key uint32) *PropertyIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexes[[2]uint32{label, key}]
}
