package dbmanager

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// metaRecord is the durable half of an entry: everything needed to
// reconstruct the lifecycle map on the next Open, without re-scanning
// every database's directory. Live node/rel counts are not persisted
// here — they come from the Engine itself once a database is Online.
type metaRecord struct {
	Dir      string `json:"dir"`
	State    State  `json:"state"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// metaStore is a thin badger-backed key/value index keyed by database
// name, mirroring pkg/storage.Catalog's use of badger for small durable
// maps rather than a bespoke file format.
type metaStore struct {
	db *badger.DB
}

func openMetaStore(dir string) (*metaStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("dbmanager: open metadata store: %w", err)
	}
	return &metaStore{db: db}, nil
}

func (m *metaStore) close() error { return m.db.Close() }

func (m *metaStore) put(name string, rec metaRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), val)
	})
}

func (m *metaStore) delete(name string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
}

func (m *metaStore) loadAll() (map[string]metaRecord, error) {
	out := make(map[string]metaRecord)
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				var rec metaRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out[name] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dbmanager: load metadata: %w", err)
	}
	return out, nil
}
