package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Catalog interns label names, relationship-type names, and property-key
// names to small dense integer IDs. Interning is idempotent (the same name
// always yields the same ID) and persistent, backed by an embedded
// badger/v4 store — the catalog only ever needs simple key/value
// persistence, not mmap'd fixed records.
type Catalog struct {
	mu sync.RWMutex
	db *badger.DB

	labels   *namespace
	relTypes *namespace
	propKeys *namespace
}

// namespace is one of the catalog's three bidirectional maps.
type namespace struct {
	prefix   byte
	nameToID map[string]uint32
	idToName map[uint32]string
	nextID   uint32
}

func newNamespace(prefix byte) *namespace {
	return &namespace{
		prefix:   prefix,
		nameToID: make(map[string]uint32),
		idToName: make(map[uint32]string),
	}
}

const (
	nsLabel   byte = 'L'
	nsRelType byte = 'R'
	nsPropKey byte = 'P'
)

// OpenCatalog opens (creating if absent) a badger store at dir and loads
// all three namespaces into memory.
func OpenCatalog(dir string) (*Catalog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	c := &Catalog{
		db:       db,
		labels:   newNamespace(nsLabel),
		relTypes: newNamespace(nsRelType),
		propKeys: newNamespace(nsPropKey),
	}
	for _, ns := range []*namespace{c.labels, c.relTypes, c.propKeys} {
		if err := c.loadNamespace(ns); err != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

func nsKey(prefix byte, name string) []byte {
	return append([]byte{prefix, ':'}, name...)
}

func (c *Catalog) loadNamespace(ns *namespace) error {
	return c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{ns.prefix, ':'}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(item.KeyCopy(nil)[2:])
			err := item.Value(func(val []byte) error {
				id := binary.LittleEndian.Uint32(val)
				ns.nameToID[name] = id
				ns.idToName[id] = name
				if id >= ns.nextID {
					ns.nextID = id + 1
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Catalog) intern(ns *namespace, name string) (uint32, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty catalog name", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := ns.nameToID[name]; ok {
		return id, nil
	}

	id := ns.nextID
	ns.nextID++

	val := make([]byte, 4)
	binary.LittleEndian.PutUint32(val, id)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nsKey(ns.prefix, name), val)
	})
	if err != nil {
		ns.nextID--
		return 0, fmt.Errorf("persist catalog entry: %w", err)
	}

	ns.nameToID[name] = id
	ns.idToName[id] = name
	return id, nil
}

func (c *Catalog) name(ns *namespace, id uint32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := ns.idToName[id]
	return n, ok
}

// InternLabel returns the dense ID for name, assigning the smallest unused
// one on first observation.
func (c *Catalog) InternLabel(name string) (uint32, error) { return c.intern(c.labels, name) }

// LabelName returns the name interned under id, if any.
func (c *Catalog) LabelName(id uint32) (string, bool) { return c.name(c.labels, id) }

// InternRelType interns a relationship-type name.
func (c *Catalog) InternRelType(name string) (uint32, error) { return c.intern(c.relTypes, name) }

// RelTypeName returns the relationship-type name interned under id.
func (c *Catalog) RelTypeName(id uint32) (string, bool) { return c.name(c.relTypes, id) }

// InternPropertyKey interns a property-key name.
func (c *Catalog) InternPropertyKey(name string) (uint32, error) { return c.intern(c.propKeys, name) }

// PropertyKeyName returns the property-key name interned under id.
func (c *Catalog) PropertyKeyName(id uint32) (string, bool) { return c.name(c.propKeys, id) }

const nsOverflow byte = 'O'

func overflowKey(nodeID uint64, labelID uint32) []byte {
	buf := make([]byte, 2+8+4)
	buf[0] = nsOverflow
	buf[1] = ':'
	binary.BigEndian.PutUint64(buf[2:10], nodeID)
	binary.BigEndian.PutUint32(buf[10:14], labelID)
	return buf
}

// PersistOverflowLabel records, durably, that nodeID carries labelID — a
// label ID >= 64 that cannot be represented in a NodeRecord's label_bits
// bitmap. Overflow assignments live in the Catalog's badger store
// rather than the WAL: unlike WAL entries they are not replayed in
// transaction order, just loaded wholesale at open.
func (c *Catalog) PersistOverflowLabel(nodeID uint64, labelID uint32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(overflowKey(nodeID, labelID), nil)
	})
}

// DeleteOverflowLabel removes a previously persisted overflow assignment.
func (c *Catalog) DeleteOverflowLabel(nodeID uint64, labelID uint32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(overflowKey(nodeID, labelID))
	})
}

// LoadOverflowLabels returns every persisted nodeID -> overflow label IDs
// mapping, for the Engine to replay into pkg/index.LabelOverflow at open.
func (c *Catalog) LoadOverflowLabels() (map[uint64][]uint32, error) {
	out := make(map[uint64][]uint32)
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{nsOverflow, ':'}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			nodeID := binary.BigEndian.Uint64(key[2:10])
			labelID := binary.BigEndian.Uint32(key[10:14])
			out[nodeID] = append(out[nodeID], labelID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load overflow labels: %w", err)
	}
	return out, nil
}

func (c *Catalog) Close() error { return c.db.Close() }
