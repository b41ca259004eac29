// Package lockmgr implements the row lock manager: per-resource
// reader/writer locks with timeouts and atomic N-at-once acquisition.
//
// A resource is a (kind, id) pair — a single node or relationship, never a
// whole file or table. Every resourceLock is served strictly FIFO: a
// writer ticket blocks every ticket behind it until the writer is either
// granted or times out, which is what gives the manager its no-livelock
// guarantee under heavy contention while still allowing independent
// resources to be locked concurrently.
package lockmgr

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned when a lock acquisition did not complete within
// its timeout. No state changes on a timeout: the caller holds nothing.
var ErrTimeout = errors.New("lockmgr: acquisition timed out")

// ErrConflict is returned by a zero-timeout acquisition when the resource
// is contended: the caller asked for an immediate grant-or-fail, and the
// lock is held. Like ErrTimeout, it leaves no state changed.
var ErrConflict = errors.New("lockmgr: resource held by another transaction")

// ResourceKind distinguishes the entity a ResourceId addresses.
type ResourceKind uint8

const (
	KindNode ResourceKind = iota
	KindRelationship
)

// ResourceId identifies a single lockable row. The same numeric ID under a
// different Kind is a different resource.
type ResourceId struct {
	Kind ResourceKind
	ID   uint64
}

func NodeResource(id uint64) ResourceId { return ResourceId{Kind: KindNode, ID: id} }
func RelResource(id uint64) ResourceId  { return ResourceId{Kind: KindRelationship, ID: id} }
func (r ResourceId) less(o ResourceId) bool {
	if r.Kind != o.Kind {
		return r.Kind < o.Kind
	}
	return r.ID < o.ID
}

type ticket struct {
	write bool
	txID  uint64
	ch    chan struct{}
}

// resourceLock is the per-resource wait queue and holder set.
type resourceLock struct {
	mu        sync.Mutex
	readers   map[uint64]struct{}
	hasWriter bool
	writerTx  uint64
	queue     []*ticket
}

func newResourceLock() *resourceLock {
	return &resourceLock{readers: make(map[uint64]struct{})}
}

// tryGrantLocked grants tickets from the front of the queue for as long as
// legally possible, stopping at the first ticket that cannot yet proceed.
// Caller must hold rl.mu.
func (rl *resourceLock) tryGrantLocked() {
	for len(rl.queue) > 0 {
		t := rl.queue[0]
		if t.write {
			if rl.hasWriter || len(rl.readers) > 0 {
				return
			}
			rl.hasWriter = true
			rl.writerTx = t.txID
			rl.queue = rl.queue[1:]
			close(t.ch)
			return
		}
		if rl.hasWriter {
			return
		}
		rl.readers[t.txID] = struct{}{}
		rl.queue = rl.queue[1:]
		close(t.ch)
	}
}

func (rl *resourceLock) removeTicket(target *ticket) {
	for i, t := range rl.queue {
		if t == target {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			return
		}
	}
}

func (rl *resourceLock) releaseRead(txID uint64) {
	rl.mu.Lock()
	delete(rl.readers, txID)
	rl.tryGrantLocked()
	rl.mu.Unlock()
}

func (rl *resourceLock) releaseWrite() {
	rl.mu.Lock()
	rl.hasWriter = false
	rl.writerTx = 0
	rl.tryGrantLocked()
	rl.mu.Unlock()
}

// ReadGuard releases a read lock exactly once, on Release.
type ReadGuard struct {
	mgr  *RowLockManager
	res  ResourceId
	txID uint64
	once sync.Once
}

func (g *ReadGuard) Release() {
	g.once.Do(func() {
		g.mgr.release(g.res, false, g.txID)
	})
}

// WriteGuard releases a write lock exactly once, on Release.
type WriteGuard struct {
	mgr  *RowLockManager
	res  ResourceId
	txID uint64
	once sync.Once
}

func (g *WriteGuard) Release() {
	g.once.Do(func() {
		g.mgr.release(g.res, true, g.txID)
	})
}

// Stats reports manager-wide diagnostics, used both for operational
// visibility and for triggering lock-escalation warnings when a single
// transaction holds an unusually large number of resources.
type Stats struct {
	TotalResources int
	TotalHolders   int
	ReadLocks      int
	WriteLocks     int
}

// RowLockManager owns every per-resource lock in one engine instance.
type RowLockManager struct {
	mu             sync.Mutex
	resources      map[ResourceId]*resourceLock
	defaultTimeout time.Duration
	log            zerolog.Logger
	waitSeconds    prometheus.Histogram
	timeouts       prometheus.Counter
}

// DefaultTimeout is the manager-wide acquisition timeout applied when a
// caller passes a negative timeout (and when New is given no default).
const DefaultTimeout = 5 * time.Second

func New(defaultTimeout time.Duration, log zerolog.Logger) *RowLockManager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &RowLockManager{
		resources:      make(map[ResourceId]*resourceLock),
		defaultTimeout: defaultTimeout,
		log:            log,
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_lockmgr_wait_seconds",
			Help:    "Time spent waiting to acquire a row lock.",
			Buckets: prometheus.DefBuckets,
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_lockmgr_timeouts_total",
			Help: "Row lock acquisitions that failed with a timeout.",
		}),
	}
}

// Collectors exposes this manager's prometheus collectors for registration
// by the caller (typically the Engine, once per database).
func (m *RowLockManager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.waitSeconds, m.timeouts}
}

func (m *RowLockManager) lockFor(res ResourceId) *resourceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl, ok := m.resources[res]
	if !ok {
		rl = newResourceLock()
		m.resources[res] = rl
	}
	return rl
}

func (m *RowLockManager) release(res ResourceId, write bool, txID uint64) {
	rl := m.lockFor(res)
	if write {
		rl.releaseWrite()
	} else {
		rl.releaseRead(txID)
	}
}

// enqueue appends a ticket to res's FIFO queue and reports whether it was
// granted immediately (no contention ahead of it).
func (m *RowLockManager) enqueue(res ResourceId, t *ticket) (*resourceLock, bool) {
	rl := m.lockFor(res)
	rl.mu.Lock()
	rl.queue = append(rl.queue, t)
	rl.tryGrantLocked()
	granted := isGranted(t)
	rl.mu.Unlock()
	return rl, granted
}

func isGranted(t *ticket) bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// abandon removes a still-queued ticket. If a concurrent release granted it
// between the caller's last check and here, the grant wins and abandon
// reports it so the caller keeps the lock instead of leaking it.
func abandon(rl *resourceLock, t *ticket) (grantedAnyway bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if isGranted(t) {
		return true
	}
	rl.removeTicket(t)
	return false
}

// AcquireRead blocks until a read lock on res is granted to txID, the
// timeout elapses (returning ErrTimeout), or ctx is cancelled. A timeout
// of exactly 0 never waits: the lock is granted immediately or the call
// fails with ErrConflict. A negative timeout uses the manager's default.
func (m *RowLockManager) AcquireRead(ctx context.Context, txID uint64, res ResourceId, timeout time.Duration) (*ReadGuard, error) {
	if timeout < 0 {
		timeout = m.defaultTimeout
	}
	t := &ticket{write: false, txID: txID, ch: make(chan struct{})}
	rl, granted := m.enqueue(res, t)
	if granted {
		return &ReadGuard{mgr: m, res: res, txID: txID}, nil
	}
	if timeout == 0 {
		if abandon(rl, t) {
			return &ReadGuard{mgr: m, res: res, txID: txID}, nil
		}
		return nil, ErrConflict
	}
	if err := m.wait(ctx, rl, t, timeout); err != nil {
		return nil, err
	}
	return &ReadGuard{mgr: m, res: res, txID: txID}, nil
}

// AcquireWrite blocks until a write lock on res is granted to txID, the
// timeout elapses, or ctx is cancelled. Zero and negative timeouts behave
// as in AcquireRead.
func (m *RowLockManager) AcquireWrite(ctx context.Context, txID uint64, res ResourceId, timeout time.Duration) (*WriteGuard, error) {
	if timeout < 0 {
		timeout = m.defaultTimeout
	}
	t := &ticket{write: true, txID: txID, ch: make(chan struct{})}
	rl, granted := m.enqueue(res, t)
	if granted {
		return &WriteGuard{mgr: m, res: res, txID: txID}, nil
	}
	if timeout == 0 {
		if abandon(rl, t) {
			return &WriteGuard{mgr: m, res: res, txID: txID}, nil
		}
		return nil, ErrConflict
	}
	if err := m.wait(ctx, rl, t, timeout); err != nil {
		return nil, err
	}
	return &WriteGuard{mgr: m, res: res, txID: txID}, nil
}

func (m *RowLockManager) wait(ctx context.Context, rl *resourceLock, t *ticket, timeout time.Duration) error {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.ch:
		m.waitSeconds.Observe(time.Since(start).Seconds())
		return nil
	case <-timer.C:
		if abandon(rl, t) {
			m.waitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}
		m.timeouts.Inc()
		return ErrTimeout
	case <-ctx.Done():
		if abandon(rl, t) {
			return nil
		}
		return ctx.Err()
	}
}

// AcquireMultipleWrite acquires write locks on every resource in one
// all-or-nothing call. Resources are sorted by (kind, id) first so that
// concurrent callers requesting overlapping resource sets always attempt
// acquisition in the same order, which is what prevents circular waits
// between them. If any single acquisition cannot complete within the
// overall timeout, every lock already acquired by this call is released
// and the call returns ErrTimeout: no listed resource is left carrying a
// new lock owned by this transaction. A timeout of exactly 0 demands an
// immediate grant of the whole set, failing with ErrConflict on the first
// contended resource; a negative timeout uses the manager's default.
func (m *RowLockManager) AcquireMultipleWrite(ctx context.Context, txID uint64, resources []ResourceId, timeout time.Duration) ([]*WriteGuard, error) {
	if timeout < 0 {
		timeout = m.defaultTimeout
	}
	sorted := append([]ResourceId(nil), resources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })

	deadline := time.Now().Add(timeout)
	guards := make([]*WriteGuard, 0, len(sorted))

	for _, res := range sorted {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				releaseAll(guards)
				return nil, ErrTimeout
			}
		}
		g, err := m.AcquireWrite(ctx, txID, res, remaining)
		if err != nil {
			releaseAll(guards)
			return nil, err
		}
		guards = append(guards, g)
	}
	return guards, nil
}

func releaseAll(guards []*WriteGuard) {
	for _, g := range guards {
		g.Release()
	}
}

// Stats returns manager-wide counts for diagnostics.
func (m *RowLockManager) Stats() Stats {
	m.mu.Lock()
	resources := make([]*resourceLock, 0, len(m.resources))
	for _, rl := range m.resources {
		resources = append(resources, rl)
	}
	total := len(m.resources)
	m.mu.Unlock()

	var holders, readLocks, writeLocks int
	for _, rl := range resources {
		rl.mu.Lock()
		readLocks += len(rl.readers)
		holders += len(rl.readers)
		if rl.hasWriter {
			writeLocks++
			holders++
		}
		rl.mu.Unlock()
	}
	return Stats{TotalResources: total, TotalHolders: holders, ReadLocks: readLocks, WriteLocks: writeLocks}
}
