package engine

import (
	"context"
	"time"

	"github.com/nexus-db/nexus-core/pkg/storage"
)

// NodeView is the Engine's public read shape for a node: resolved label
// names (not raw bitmap/overflow IDs) and a decoded property bag.
type NodeView struct {
	ID     storage.NodeId
	Labels []string
	Props  storage.PropertyBag
}

// RelationshipView is the public read shape for a relationship.
type RelationshipView struct {
	ID    storage.EdgeId
	Src   storage.NodeId
	Dst   storage.NodeId
	Type  string
	Props storage.PropertyBag
}

// Stats reports the live entity counts and on-disk footprint.
type Stats struct {
	Nodes     uint64
	Rels      uint64
	FileBytes int64
}

// ResultSet is the shape returned by the external query subsystem. The
// Engine only ever forwards it — to a caller, or to the Query Cache for
// storage.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// QueryExecutor is the seam to the external Cypher parser, planner, and
// executor. The Engine binds a transaction and hands it to whatever
// implementation is wired in; this package never parses or plans a query
// itself.
type QueryExecutor interface {
	Execute(ctx context.Context, tx *Transaction, text string, params map[string]any) (ResultSet, error)
}

// QueryExecFunc adapts a plain function to QueryExecutor.
type QueryExecFunc func(ctx context.Context, tx *Transaction, text string, params map[string]any) (ResultSet, error)

func (f QueryExecFunc) Execute(ctx context.Context, tx *Transaction, text string, params map[string]any) (ResultSet, error) {
	return f(ctx, tx, text, params)
}

// defaultQueryTimeout is applied to execute_query when the caller passes 0.
const defaultQueryTimeout = 30 * time.Second
