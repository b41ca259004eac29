package engine

import (
	"context"
	"fmt"

	"github.com/nexus-db/nexus-core/pkg/storage"
)

// NodeSpec is one node in a bulk ingest request.
type NodeSpec struct {
	Labels []string
	Props  storage.PropertyBag
}

// RelSpec is one relationship in a bulk ingest request. Src and Dst index
// into the same request's node list; endpoints that already exist in the
// database can be referenced by setting SrcId/DstId instead.
type RelSpec struct {
	Src   int
	Dst   int
	SrcId *storage.NodeId
	DstId *storage.NodeId
	Type  string
	Props storage.PropertyBag
}

// IngestResult reports what a bulk ingest created.
type IngestResult struct {
	NodeIds []storage.NodeId
	RelIds  []storage.EdgeId
}

// defaultIngestBatchSize bounds how many creates share one transaction
// (and thus one commit fsync) when the caller does not choose.
const defaultIngestBatchSize = 1000

// Ingest bulk-creates nodes and relationships, grouped into transactions
// of batchSize mutations each, fsyncing once per batch at commit. Nodes
// are created before any relationship so RelSpec indices always resolve.
// A failed batch rolls itself back and aborts the ingest; earlier batches
// stay committed — the caller retries with the remainder.
func (e *Engine) Ingest(ctx context.Context, nodes []NodeSpec, rels []RelSpec, batchSize int) (IngestResult, error) {
	if batchSize <= 0 {
		batchSize = defaultIngestBatchSize
	}

	result := IngestResult{
		NodeIds: make([]storage.NodeId, 0, len(nodes)),
		RelIds:  make([]storage.EdgeId, 0, len(rels)),
	}

	tx := e.Begin(ctx)
	inBatch := 0
	flush := func() error {
		if err := tx.Commit(); err != nil {
			return err
		}
		e.invalidateCacheFor(tx)
		tx = e.Begin(ctx)
		inBatch = 0
		return nil
	}

	for _, n := range nodes {
		id, err := tx.CreateNode(n.Labels, n.Props)
		if err != nil {
			tx.Rollback()
			return result, err
		}
		result.NodeIds = append(result.NodeIds, id)
		inBatch++
		if inBatch >= batchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}

	for _, r := range rels {
		src, dst, err := resolveEndpoints(r, result.NodeIds)
		if err != nil {
			tx.Rollback()
			return result, err
		}
		id, err := tx.CreateRelationship(src, dst, r.Type, r.Props)
		if err != nil {
			tx.Rollback()
			return result, err
		}
		result.RelIds = append(result.RelIds, id)
		inBatch++
		if inBatch >= batchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return result, err
	}
	e.invalidateCacheFor(tx)
	return result, nil
}

func resolveEndpoints(r RelSpec, created []storage.NodeId) (src, dst storage.NodeId, err error) {
	switch {
	case r.SrcId != nil:
		src = *r.SrcId
	case r.Src >= 0 && r.Src < len(created):
		src = created[r.Src]
	default:
		return 0, 0, &EngineError{Op: "Ingest", Err: fmt.Errorf("%w: src index %d out of range", ErrInvalidInput, r.Src)}
	}
	switch {
	case r.DstId != nil:
		dst = *r.DstId
	case r.Dst >= 0 && r.Dst < len(created):
		dst = created[r.Dst]
	default:
		return 0, 0, &EngineError{Op: "Ingest", Err: fmt.Errorf("%w: dst index %d out of range", ErrInvalidInput, r.Dst)}
	}
	return src, dst, nil
}
