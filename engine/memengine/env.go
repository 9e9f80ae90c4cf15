// Package memengine is an in-memory engine with pessimistic two-phase
// locking.
//
// BTree stores keep records in a google/btree ordered by key bytes, Hash
// stores order by the xxh3 hash of the key, and Queue stores hold
// fixed-length records under 32-bit little-endian record numbers. Writes are
// applied in place and undone on abort. Record locks come from
// internal/txn, so two transactions that lock the same records in opposite
// orders observe a real deadlock.
package memengine

import (
	"sync"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
	"github.com/aalhour/recordkv/internal/txn"
)

// Env is an in-memory engine environment. Store contents survive closing
// and reopening a store for the lifetime of the Env.
type Env struct {
	mu     sync.Mutex
	stores map[string]*data
	closed bool

	locks         *txn.LockTable
	transactional bool
	logger        logging.Logger
}

var _ engine.Environment = (*Env)(nil)

// Open creates an environment.
func Open(cfg engine.EnvConfig) *Env {
	return &Env{
		stores:        make(map[string]*data),
		locks:         txn.NewLockTable(txn.Options{Timeout: cfg.LockTimeout}),
		transactional: cfg.Transactional,
		logger:        logging.OrDefault(cfg.Logger),
	}
}

// Kind implements engine.Environment.
func (e *Env) Kind() string { return "memory" }

// Transactional implements engine.Environment.
func (e *Env) Transactional() bool { return e.transactional }

// OpenStore implements engine.Environment.
func (e *Env) OpenStore(name string, cfg engine.StoreConfig) (engine.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.Errorf(engine.CodeInvalid, "environment closed")
	}

	d, ok := e.stores[name]
	switch {
	case ok:
		if cfg.Type != d.typ && cfg.Type != engine.Unknown {
			return nil, engine.Errorf(engine.CodeInvalid, "store %q is %s, not %s", name, d.typ, cfg.Type)
		}
	case !cfg.Create:
		return nil, engine.Errorf(engine.CodeNoEntry, "store %q does not exist", name)
	default:
		var err error
		if d, err = newData(name, cfg); err != nil {
			return nil, err
		}
		e.stores[name] = d
		e.logger.Debugf("%screated %s store %q", logging.NSEngine, cfg.Type, name)
	}
	return &Store{env: e, d: d, readOnly: cfg.ReadOnly}, nil
}

// RemoveStore implements engine.Environment.
func (e *Env) RemoveStore(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.stores[name]; !ok {
		return engine.Errorf(engine.CodeNoEntry, "store %q does not exist", name)
	}
	delete(e.stores, name)
	return nil
}

// Begin implements engine.Environment.
func (e *Env) Begin() (engine.Txn, error) {
	if !e.transactional {
		return nil, engine.Errorf(engine.CodeInvalid, "environment is not transactional")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, engine.Errorf(engine.CodeInvalid, "environment closed")
	}
	return &Txn{env: e, id: e.locks.NewOwner()}, nil
}

// Locks exposes the lock table for inspection in tests.
func (e *Env) Locks() *txn.LockTable { return e.locks }

// Backup implements engine.Environment. There are no files to copy.
func (e *Env) Backup(dir string) error {
	return engine.Errorf(engine.CodeInvalid, "memory environment has no files to back up")
}

// Close implements engine.Environment.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
