package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nexus-db/nexus-core/pkg/cache"
	"github.com/nexus-db/nexus-core/pkg/index"
	"github.com/nexus-db/nexus-core/pkg/lockmgr"
	"github.com/nexus-db/nexus-core/pkg/storage"
)

// maxBitmapLabels is the number of label IDs a NodeRecord's label_bits
// bitmap can address directly; label IDs at or beyond this go through the
// overflow side-structure.
const maxBitmapLabels = 64

// Config tunes one Engine / one logical database.
type Config struct {
	MaxNodeFileBytes     int64
	MaxRelFileBytes      int64
	MaxPropertyFileBytes int64
	LockTimeout          time.Duration
	WALSyncMode          storage.SyncMode
	CacheEnabled         bool
	Cache                cache.Config
}

// DefaultConfig returns sane defaults: unbounded file growth, a 5s lock
// timeout, fsync-on-commit WAL durability, and the query cache enabled.
func DefaultConfig() Config {
	return Config{
		LockTimeout:  lockmgr.DefaultTimeout,
		WALSyncMode:  storage.SyncOnCommit,
		CacheEnabled: true,
		Cache:        cache.DefaultConfig(),
	}
}

// Engine binds one data directory's Record Store, Property Store,
// Catalog, Indexes, WAL, and Row Lock Manager together and exposes CRUD
// plus the execute_query hand-off.
type Engine struct {
	dataDir string
	cfg     Config
	log     zerolog.Logger

	nodes *storage.NodeStore
	rels  *storage.RelStore
	props *storage.PropertyStore
	cat   *storage.Catalog
	wal   *storage.WAL

	locks *lockmgr.RowLockManager

	labels        *index.LabelIndex
	labelOverflow *index.LabelOverflow
	propIndexes   *index.Registry
	vectors       *index.VectorIndexes

	cache *cache.Cache

	nodeCount atomic.Int64
	relCount  atomic.Int64
	nextTx    atomic.Uint64

	executor QueryExecutor

	closed atomic.Bool
	mu     sync.Mutex // guards Clear/Close against concurrent Open-time work
}

// Open replays the WAL, rebuilds in-memory indexes from live records, and
// opens the stores and lock manager rooted at dataDir — one directory per
// logical database, matching the database manager's one-directory-per-db
// contract.
func Open(dataDir string, cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", dataDir, err)
	}

	nodes, err := storage.OpenNodeStore(filepath.Join(dataDir, "nodes.store"), cfg.MaxNodeFileBytes, log)
	if err != nil {
		return nil, translateErr("Open", err)
	}
	rels, err := storage.OpenRelStore(filepath.Join(dataDir, "rels.store"), cfg.MaxRelFileBytes, log)
	if err != nil {
		nodes.Close()
		return nil, translateErr("Open", err)
	}
	props, err := storage.OpenPropertyStore(filepath.Join(dataDir, "properties", "heap.store"), cfg.MaxPropertyFileBytes, log)
	if err != nil {
		nodes.Close()
		rels.Close()
		return nil, translateErr("Open", err)
	}
	cat, err := storage.OpenCatalog(filepath.Join(dataDir, "catalog"))
	if err != nil {
		nodes.Close()
		rels.Close()
		props.Close()
		return nil, translateErr("Open", err)
	}
	wal, err := storage.OpenWAL(filepath.Join(dataDir, "wal"), cfg.WALSyncMode, log)
	if err != nil {
		nodes.Close()
		rels.Close()
		props.Close()
		cat.Close()
		return nil, translateErr("Open", err)
	}

	e := &Engine{
		dataDir:       dataDir,
		cfg:           cfg,
		log:           log,
		nodes:         nodes,
		rels:          rels,
		props:         props,
		cat:           cat,
		wal:           wal,
		locks:         lockmgr.New(cfg.LockTimeout, log),
		labels:        index.NewLabelIndex(),
		labelOverflow: index.NewLabelOverflow(),
		propIndexes:   index.NewRegistry(),
		vectors:       index.NewVectorIndexes(),
	}
	if cfg.CacheEnabled {
		e.cache = cache.New(cfg.Cache, log)
	}

	lastLSN, err := storage.Replay(filepath.Join(dataDir, "wal"), e.applyReplayEntry)
	if err != nil {
		e.closeStores()
		return nil, translateErr("Open", err)
	}
	wal.SetLSN(lastLSN)

	if err := e.rebuildIndexes(); err != nil {
		e.closeStores()
		return nil, translateErr("Open", err)
	}

	return e, nil
}

// rebuildIndexes scans every live node record to repopulate the Label
// Index, counts, and overflow labels loaded from the Catalog. Property and
// vector indexes are not rebuilt, and nothing in the engine populates them.
func (e *Engine) rebuildIndexes() error {
	overflow, err := e.cat.LoadOverflowLabels()
	if err != nil {
		return err
	}
	for nodeID, labelIDs := range overflow {
		for _, lid := range labelIDs {
			e.labelOverflow.Add(nodeID, lid)
		}
	}

	hw := e.nodeHighWaterMark()
	var live int64
	for i := uint64(0); i < hw; i++ {
		rec, err := e.nodes.ReadNode(storage.NodeId(i))
		if err != nil || rec.IsDeleted() {
			continue
		}
		live++
		for bit := 0; bit < maxBitmapLabels; bit++ {
			if rec.LabelBits&(1<<uint(bit)) != 0 {
				e.labels.Add(uint32(bit), i)
			}
		}
		for _, lid := range e.labelOverflow.Get(i) {
			e.labels.Add(lid, i)
		}
	}
	e.nodeCount.Store(live)

	relHW := e.relHighWaterMark()
	var liveRels int64
	for i := uint64(0); i < relHW; i++ {
		rec, err := e.rels.ReadRel(storage.EdgeId(i))
		if err != nil || rec.IsDeleted() {
			continue
		}
		liveRels++
	}
	e.relCount.Store(liveRels)
	return nil
}

func (e *Engine) nodeHighWaterMark() uint64 {
	// Upper bound for the rebuild scan: every record slot the file holds,
	// derived from the file size, which is always a whole multiple of the
	// record size. Slots never written read back as not found and are
	// skipped.
	return uint64(e.nodes.FileBytes()) / storage.NodeRecordSize
}

func (e *Engine) relHighWaterMark() uint64 {
	return uint64(e.rels.FileBytes()) / storage.RelRecordSize
}

// SetExecutor wires in the external query subsystem's execute_query
// implementation; query parsing and planning never happen here.
func (e *Engine) SetExecutor(qe QueryExecutor) { e.executor = qe }

// RegisterMetrics registers this Engine's lock manager and (if enabled)
// cache prometheus collectors with reg, for exposure over /metrics.
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range e.locks.Collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("engine: register lock metrics: %w", err)
		}
	}
	if e.cache != nil {
		for _, c := range e.cache.Collectors() {
			if err := reg.Register(c); err != nil {
				return fmt.Errorf("engine: register cache metrics: %w", err)
			}
		}
	}
	return nil
}

// Stats reports live entity counts and combined on-disk footprint.
func (e *Engine) Stats() Stats {
	return Stats{
		Nodes:     uint64(e.nodeCount.Load()),
		Rels:      uint64(e.relCount.Load()),
		FileBytes: e.nodes.FileBytes() + e.rels.FileBytes(),
	}
}

// HealthCheck reports whether the engine's stores are usable. A probe read
// of slot 0 exercises the memory map; NotFound just means the store is
// empty, which is healthy.
func (e *Engine) HealthCheck() error {
	if e.closed.Load() {
		return &EngineError{Op: "HealthCheck", Err: ErrClosed}
	}
	if _, err := e.nodes.ReadNode(0); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return translateErr("HealthCheck", err)
	}
	return nil
}

// Clear resets every store back to empty — intended for tests and DROP
// DATABASE, where the directory itself is about to be removed by the
// caller (pkg/dbmanager) anyway. It does not attempt in-place compaction;
// it simply closes and reopens each store against a freshly truncated
// file, the cheapest way to honor "reset all stores" without adding a
// second code path for emptying a record file.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closeStores()

	for _, name := range []string{"nodes.store", "rels.store", filepath.Join("properties", "heap.store")} {
		if err := os.Remove(filepath.Join(e.dataDir, name)); err != nil && !os.IsNotExist(err) {
			return translateErr("Clear", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(e.dataDir, "wal")); err != nil {
		return translateErr("Clear", err)
	}
	if err := os.RemoveAll(filepath.Join(e.dataDir, "catalog")); err != nil {
		return translateErr("Clear", err)
	}

	fresh, err := Open(e.dataDir, e.cfg, e.log)
	if err != nil {
		return err
	}
	// Adopt the fresh stores and indexes in place; the executor wiring and
	// this Engine's identity (mutex, closed flag) stay.
	e.nodes, e.rels, e.props, e.cat, e.wal = fresh.nodes, fresh.rels, fresh.props, fresh.cat, fresh.wal
	e.locks = fresh.locks
	e.labels, e.labelOverflow = fresh.labels, fresh.labelOverflow
	e.propIndexes, e.vectors = fresh.propIndexes, fresh.vectors
	e.cache = fresh.cache
	e.nodeCount.Store(0)
	e.relCount.Store(0)
	e.nextTx.Store(0)
	return nil
}

func (e *Engine) closeStores() {
	e.nodes.Close()
	e.rels.Close()
	e.props.Close()
	e.cat.Close()
	e.wal.Close()
}

// Close syncs and closes every underlying store.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, c := range []func() error{e.nodes.Sync, e.rels.Sync, e.props.Sync, e.wal.Sync} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closeStores()
	if firstErr != nil {
		return translateErr("Close", firstErr)
	}
	return nil
}

// ExecuteQuery delegates to the wired QueryExecutor, short-circuiting
// through the Query Result Cache when enabled and the query is cacheable.
func (e *Engine) ExecuteQuery(ctx context.Context, text string, params map[string]any, timeout time.Duration) (ResultSet, error) {
	if e.executor == nil {
		return ResultSet{}, &EngineError{Op: "ExecuteQuery", Err: fmt.Errorf("%w: no query executor configured", ErrInvalidInput)}
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var fingerprint uint64
	if e.cache != nil {
		fingerprint = cache.Fingerprint(text, params)
		if cached, ok := e.cache.Get(fingerprint); ok {
			rs, _ := cached.(ResultSet)
			return rs, nil
		}
	}

	tx := e.Begin(ctx)
	start := time.Now()
	rs, err := e.executor.Execute(ctx, tx, text, params)
	if err != nil {
		tx.Rollback()
		return ResultSet{}, translateErr("ExecuteQuery", err)
	}
	if err := tx.Commit(); err != nil {
		return ResultSet{}, err
	}
	execMs := time.Since(start).Milliseconds()

	if e.cache != nil {
		if len(tx.touchedLabels) > 0 || len(tx.touchedProps) > 0 {
			e.cache.InvalidateByPattern(sortedKeys(tx.touchedLabels), sortedKeys(tx.touchedProps))
		}
		approxBytes := int64(32)
		for _, row := range rs.Rows {
			approxBytes += int64(len(row)) * 16
		}
		e.cache.Put(text, params, rs, execMs, approxBytes)
	}
	return rs, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
