package dbmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-db/nexus-core/pkg/engine"
)

// validName bounds what a database can be called: nonempty, alphanumeric plus `_`
// or `-`.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateName(name string) error {
	if name == "" || !validName.MatchString(name) {
		return fmt.Errorf("%w: database name must be nonempty alphanumeric/_/-, got %q", ErrInvalidInput, name)
	}
	return nil
}

// entry is one managed database: its Engine (nil while Offline), its
// lifecycle state, and the stats snapshot captured the last time it was
// stopped (an Offline database has no live Engine to ask).
type entry struct {
	mu       sync.RWMutex
	name     string
	dir      string
	state    State
	errMsg   string
	eng      *engine.Engine
	lastSnap Info
}

// Manager owns every logical database under one base directory: a
// name -> Engine map, a lifecycle per name, and a badger-backed metadata
// index so the lifecycle survives a process restart without rescanning
// the filesystem.
type Manager struct {
	mu          sync.RWMutex
	baseDir     string
	defaultName string
	engineCfg   engine.Config
	log         zerolog.Logger
	meta        *metaStore
	dbs         map[string]*entry
}

// Open creates baseDir if absent, opens the metadata index, and restores
// every previously known database: ones recorded Online are reopened
// immediately, ones recorded Offline or Error stay closed until
// StartDatabase. The default database is created Online on first use.
func Open(baseDir, defaultName string, engineCfg engine.Config, log zerolog.Logger) (*Manager, error) {
	if err := validateName(defaultName); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("dbmanager: mkdir %s: %w", baseDir, err)
	}

	meta, err := openMetaStore(filepath.Join(baseDir, "_meta"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		baseDir:     baseDir,
		defaultName: defaultName,
		engineCfg:   engineCfg,
		log:         log,
		meta:        meta,
		dbs:         make(map[string]*entry),
	}

	records, err := meta.loadAll()
	if err != nil {
		meta.close()
		return nil, err
	}
	for name, rec := range records {
		e := &entry{name: name, dir: rec.Dir, state: rec.State, errMsg: rec.ErrorMsg}
		if rec.State == StateOnline {
			eng, err := engine.Open(rec.Dir, engineCfg, log.With().Str("database", name).Logger())
			if err != nil {
				e.state = StateError
				e.errMsg = err.Error()
				log.Error().Err(err).Str("database", name).Msg("dbmanager: reopen failed, marking Error")
			} else {
				e.eng = eng
			}
		}
		m.dbs[name] = e
	}

	if _, ok := m.dbs[defaultName]; !ok {
		if err := m.CreateDatabase(defaultName); err != nil {
			meta.close()
			return nil, err
		}
	}

	return m, nil
}

// CreateDatabase validates name, creates its directory under baseDir,
// opens an Engine there, and records state = Online. Fails if name
// already exists.
func (m *Manager) CreateDatabase(name string) error {
	if err := validateName(name); err != nil {
		return &ManagerError{Op: "CreateDatabase", Name: name, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dbs[name]; exists {
		return &ManagerError{Op: "CreateDatabase", Name: name, Err: ErrAlreadyExists}
	}

	dir := filepath.Join(m.baseDir, name)
	eng, err := engine.Open(dir, m.engineCfg, m.log.With().Str("database", name).Logger())
	if err != nil {
		return &ManagerError{Op: "CreateDatabase", Name: name, Err: fmt.Errorf("%w: %v", ErrStorage, err)}
	}

	if err := m.meta.put(name, metaRecord{Dir: dir, State: StateOnline}); err != nil {
		eng.Close()
		return &ManagerError{Op: "CreateDatabase", Name: name, Err: fmt.Errorf("%w: %v", ErrStorage, err)}
	}

	m.dbs[name] = &entry{name: name, dir: dir, state: StateOnline, eng: eng}
	m.log.Info().Str("database", name).Msg("dbmanager: database created")
	return nil
}

// DropDatabase closes and removes a database. Forbidden for the default
// database. When ifExists is true, dropping a nonexistent database is a
// no-op rather than ErrNotFound.
func (m *Manager) DropDatabase(name string, ifExists bool) error {
	if name == m.defaultName {
		return &ManagerError{Op: "DropDatabase", Name: name, Err: ErrDefaultProtected}
	}

	m.mu.Lock()
	e, ok := m.dbs[name]
	if !ok {
		m.mu.Unlock()
		if ifExists {
			return nil
		}
		return &ManagerError{Op: "DropDatabase", Name: name, Err: ErrNotFound}
	}
	delete(m.dbs, name)
	m.mu.Unlock()

	e.mu.Lock()
	if e.eng != nil {
		if err := e.eng.Close(); err != nil {
			m.log.Warn().Err(err).Str("database", name).Msg("dbmanager: error closing engine during drop")
		}
		e.eng = nil
	}
	dir := e.dir
	e.mu.Unlock()

	if err := m.meta.delete(name); err != nil {
		m.log.Warn().Err(err).Str("database", name).Msg("dbmanager: error deleting metadata during drop")
	}

	if err := removeDirWithRetry(m.log, dir); err != nil {
		// Persistent failure to remove the directory is logged but does
		// not keep the database logically alive.
		m.log.Error().Err(err).Str("database", name).Str("dir", dir).
			Msg("dbmanager: directory removal failed after retries, database is still logically dropped")
	}
	return nil
}

// removeDirWithRetry retries os.RemoveAll with exponential backoff,
// accommodating platforms (observed on Windows) that can delay releasing
// a just-closed mmap'd file's handle.
func removeDirWithRetry(log zerolog.Logger, dir string) error {
	const maxAttempts = 5
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := os.RemoveAll(dir)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Debug().Err(err).Str("dir", dir).Int("attempt", attempt+1).Msg("dbmanager: directory removal retry")
		time.Sleep(backoff)
		backoff *= 2
	}
	return lastErr
}

// GetDatabase returns the named database's Engine whatever its recorded
// state, as long as an Engine is open for it; when none is open it returns
// ErrNotOnline.
func (m *Manager) GetDatabase(name string) (*engine.Engine, error) {
	e, err := m.lookup(name)
	if err != nil {
		return nil, &ManagerError{Op: "GetDatabase", Name: name, Err: err}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.eng == nil {
		return nil, &ManagerError{Op: "GetDatabase", Name: name, Err: ErrNotOnline}
	}
	return e.eng, nil
}

// GetDatabaseIfOnline is GetDatabase but additionally refuses unless
// state == Online.
func (m *Manager) GetDatabaseIfOnline(name string) (*engine.Engine, error) {
	e, err := m.lookup(name)
	if err != nil {
		return nil, &ManagerError{Op: "GetDatabaseIfOnline", Name: name, Err: err}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateOnline || e.eng == nil {
		return nil, &ManagerError{Op: "GetDatabaseIfOnline", Name: name, Err: ErrNotOnline}
	}
	return e.eng, nil
}

func (m *Manager) lookup(name string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.dbs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// ListDatabases returns every database's Info, sorted by name, with
// filesystem-computed storage size and (for Online databases) live
// record counts.
func (m *Manager) ListDatabases() []Info {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.dbs))
	for _, e := range m.dbs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// snapshot reports an entry's current Info: live stats when Online,
// otherwise the cached lastSnap captured the last time it was stopped.
func (e *entry) snapshot() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.eng != nil {
		st := e.eng.Stats()
		return Info{
			Name:         e.name,
			Path:         e.dir,
			State:        e.state,
			ErrorMsg:     e.errMsg,
			NodeCount:    st.Nodes,
			RelCount:     st.Rels,
			StorageBytes: dirSize(e.dir),
		}
	}
	snap := e.lastSnap
	snap.Name = e.name
	snap.Path = e.dir
	snap.State = e.state
	snap.ErrorMsg = e.errMsg
	return snap
}

func dirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// StopDatabase transitions Online -> Stopping -> Offline, snapshotting
// stats before closing the Engine. Forbidden for the default database.
func (m *Manager) StopDatabase(name string) error {
	if name == m.defaultName {
		return &ManagerError{Op: "StopDatabase", Name: name, Err: ErrDefaultProtected}
	}
	e, err := m.lookup(name)
	if err != nil {
		return &ManagerError{Op: "StopDatabase", Name: name, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eng == nil {
		return nil
	}
	e.state = StateStopping
	snap := e.snapshotLocked()

	if err := e.eng.Close(); err != nil {
		e.state = StateError
		e.errMsg = err.Error()
		m.persistState(name, e)
		return &ManagerError{Op: "StopDatabase", Name: name, Err: fmt.Errorf("%w: %v", ErrStorage, err)}
	}

	e.eng = nil
	e.lastSnap = snap
	e.state = StateOffline
	e.errMsg = ""
	m.persistState(name, e)
	return nil
}

// snapshotLocked is snapshot's body without re-taking e.mu, for callers
// that already hold it.
func (e *entry) snapshotLocked() Info {
	if e.eng == nil {
		return e.lastSnap
	}
	st := e.eng.Stats()
	return Info{NodeCount: st.Nodes, RelCount: st.Rels, StorageBytes: dirSize(e.dir)}
}

// StartDatabase transitions Starting -> Online, reopening the Engine.
func (m *Manager) StartDatabase(name string) error {
	e, err := m.lookup(name)
	if err != nil {
		return &ManagerError{Op: "StartDatabase", Name: name, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eng != nil && e.state == StateOnline {
		return nil
	}
	e.state = StateStarting

	eng, err := engine.Open(e.dir, m.engineCfg, m.log.With().Str("database", name).Logger())
	if err != nil {
		e.state = StateError
		e.errMsg = err.Error()
		m.persistState(name, e)
		return &ManagerError{Op: "StartDatabase", Name: name, Err: fmt.Errorf("%w: %v", ErrStorage, err)}
	}

	e.eng = eng
	e.state = StateOnline
	e.errMsg = ""
	m.persistState(name, e)
	return nil
}

// SetDatabaseState forces a database's recorded state, including
// StateError(msg) for external diagnostics — e.g. a health checker that
// detected the Engine is unusable without going through Stop/Start.
func (m *Manager) SetDatabaseState(name string, state State, errMsg string) error {
	e, err := m.lookup(name)
	if err != nil {
		return &ManagerError{Op: "SetDatabaseState", Name: name, Err: err}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	e.errMsg = errMsg
	m.persistState(name, e)
	return nil
}

// persistState writes e's current state to the metadata store. Caller
// must hold e.mu. Persistence failures are logged, not propagated — the
// in-memory state is still authoritative for the running process.
func (m *Manager) persistState(name string, e *entry) {
	if err := m.meta.put(name, metaRecord{Dir: e.dir, State: e.state, ErrorMsg: e.errMsg}); err != nil {
		m.log.Warn().Err(err).Str("database", name).Msg("dbmanager: failed to persist state")
	}
}

// Close closes every Online database's Engine and the metadata store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, e := range m.dbs {
		e.mu.Lock()
		if e.eng != nil {
			if err := e.eng.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("dbmanager: close %s: %w", name, err)
			}
			e.eng = nil
		}
		e.mu.Unlock()
	}
	if err := m.meta.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
