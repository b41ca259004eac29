package index

import (
	"sort"
	"sync"

	"github.com/nexus-db/nexus-core/pkg/math/vector"
)

// KNNResult is one hit from a KNN search: a node ID and its distance
// (lower is more similar) under the configured metric.
type KNNResult struct {
	NodeID   uint64
	Distance float64
}

// VectorIndexConfig configures a per-label vector index. Dimensions is
// fixed at build time — every vector added must match it.
type VectorIndexConfig struct {
	Dimensions int
	// M and EfConstruction are standard HNSW build parameters, accepted
	// now so a future approximate index can slot in without a config
	// change; the current implementation is an exact flat scan.
	M              int
	EfConstruction int
}

func DefaultVectorIndexConfig(dimensions int) VectorIndexConfig {
	return VectorIndexConfig{Dimensions: dimensions, M: 16, EfConstruction: 200}
}

// VectorIndex is the per-label KNN index. A search on an empty or
// never-populated index returns an empty list, never an error.
type VectorIndex struct {
	mu      sync.RWMutex
	label   uint32
	dim     int
	vectors map[uint64][]float32
}

func NewVectorIndex(label uint32, cfg VectorIndexConfig) *VectorIndex {
	return &VectorIndex{label: label, dim: cfg.Dimensions, vectors: make(map[uint64][]float32)}
}

var ErrDimensionMismatch = errDim{}

type errDim struct{}

func (errDim) Error() string { return "index: vector dimension mismatch" }

// Upsert adds or replaces nodeID's vector.
func (vi *VectorIndex) Upsert(nodeID uint64, vec []float32) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	if len(vec) != vi.dim {
		return ErrDimensionMismatch
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)
	vi.vectors[nodeID] = cp
	return nil
}

// Remove drops nodeID's vector, if present.
func (vi *VectorIndex) Remove(nodeID uint64) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	delete(vi.vectors, nodeID)
}

// Search returns the k nodes whose vector is nearest query, ordered
// nearest-first. An empty index (or a dimension mismatch against an empty
// index) returns an empty, non-error result.
func (vi *VectorIndex) Search(query []float32, k int) ([]KNNResult, error) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if len(vi.vectors) == 0 {
		return nil, nil
	}
	if len(query) != vi.dim {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, nil
	}

	results := make([]KNNResult, 0, len(vi.vectors))
	for id, v := range vi.vectors {
		sim := vector.CosineSimilarity(query, v)
		results = append(results, KNNResult{NodeID: id, Distance: 1 - sim})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (vi *VectorIndex) Len() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return len(vi.vectors)
}

// VectorIndexes tracks one VectorIndex per label.
type VectorIndexes struct {
	mu  sync.RWMutex
	idx map[uint32]*VectorIndex
}

func NewVectorIndexes() *VectorIndexes {
	return &VectorIndexes{idx: make(map[uint32]*VectorIndex)}
}

// Build creates (or replaces) the vector index for label with the given
// config, returning it for immediate population.
func (v *VectorIndexes) Build(label uint32, cfg VectorIndexConfig) *VectorIndex {
	vi := NewVectorIndex(label, cfg)
	v.mu.Lock()
	v.idx[label] = vi
	v.mu.Unlock()
	return vi
}

// Get returns the vector index for label, or nil if none has been built —
// callers must treat a nil index the same as an empty one.
func (v *VectorIndexes) Get(label uint32) *VectorIndex {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.idx[label]
}

// Search on a label with no built index returns an empty list, not an
// error.
func (v *VectorIndexes) Search(label uint32, query []float32, k int) ([]KNNResult, error) {
	vi := v.Get(label)
	if vi == nil {
		return nil, nil
	}
	return vi.Search(query, k)
}
