// Package engine implements the storage engine facade: the glue that binds a
// transaction to the Record Store, Property Store, Catalog, Indexes, WAL,
// and Row Lock Manager, and exposes CRUD plus the execute_query hand-off to
// the external Cypher subsystem.
package engine

import (
	"errors"
	"fmt"

	"github.com/nexus-db/nexus-core/pkg/lockmgr"
	"github.com/nexus-db/nexus-core/pkg/storage"
)

// Error kinds at the public Engine boundary. Internal storage and
// lock-manager errors are translated into one of these via translateErr
// rather than leaking their own sentinels to callers.
var (
	ErrNotFound     = errors.New("engine: not found")
	ErrInvalidInput = errors.New("engine: invalid input")
	ErrTimeout      = errors.New("engine: timeout")
	ErrOutOfMemory  = errors.New("engine: out of memory")
	ErrStorage      = errors.New("engine: storage")
	ErrConflict     = errors.New("engine: conflict")
	ErrClosed       = errors.New("engine: closed")
)

// EngineError wraps a translated error with the operation that produced it,
// mirroring storage.Error one layer up.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Op, e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }

// translateErr maps a storage/lockmgr error to a public Engine sentinel and
// wraps it with op. A nil err passes through unchanged.
func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &EngineError{Op: op, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
	case errors.Is(err, storage.ErrInvalidInput):
		return &EngineError{Op: op, Err: fmt.Errorf("%w: %v", ErrInvalidInput, err)}
	case errors.Is(err, storage.ErrOutOfMemory):
		return &EngineError{Op: op, Err: fmt.Errorf("%w: %v", ErrOutOfMemory, err)}
	case errors.Is(err, storage.ErrCorrupt):
		return &EngineError{Op: op, Err: fmt.Errorf("%w: %v", ErrStorage, err)}
	case errors.Is(err, storage.ErrClosed):
		return &EngineError{Op: op, Err: fmt.Errorf("%w: %v", ErrClosed, err)}
	case errors.Is(err, lockmgr.ErrTimeout):
		return &EngineError{Op: op, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	case errors.Is(err, lockmgr.ErrConflict):
		return &EngineError{Op: op, Err: fmt.Errorf("%w: %v", ErrConflict, err)}
	default:
		return &EngineError{Op: op, Err: err}
	}
}
