// Package pebbleengine adapts pebble to the engine contract.
//
// All stores share one pebble instance; a store's records live under a
// length-prefixed name prefix and its configuration under a meta key.
// A transaction is an indexed batch plus record locks from internal/txn:
// reads inside the transaction see its own writes, locks are held until the
// batch commits or is dropped, and a lock cycle is reported as
// CodeLockDeadlock.
package pebbleengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/compression"
	"github.com/aalhour/recordkv/internal/logging"
	"github.com/aalhour/recordkv/internal/txn"
)

// DefaultCacheSize is the block cache size used when EnvConfig.CacheSize is zero.
const DefaultCacheSize = 64 << 20

// Env is a pebble-backed environment.
type Env struct {
	db            *pebble.DB
	locks         *txn.LockTable
	transactional bool
	inMemory      bool
	logger        logging.Logger

	mu     sync.Mutex
	closed bool
}

var _ engine.Environment = (*Env)(nil)

// Open opens or creates a pebble database under cfg.Home, or in memory when
// cfg.InMemory is set.
func Open(cfg engine.EnvConfig) (*Env, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache := pebble.NewCache(size)
	defer cache.Unref()

	opts := &pebble.Options{Cache: cache}
	home := cfg.Home
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		if home == "" {
			home = "recordkv"
		}
	}
	db, err := pebble.Open(home, opts)
	if err != nil {
		return nil, engine.Errorf(engine.CodeIO, "open pebble: %v", err)
	}
	return &Env{
		db:            db,
		locks:         txn.NewLockTable(txn.Options{Timeout: cfg.LockTimeout}),
		transactional: cfg.Transactional,
		inMemory:      cfg.InMemory,
		logger:        logging.OrDefault(cfg.Logger),
	}, nil
}

// Kind implements engine.Environment.
func (e *Env) Kind() string { return "pebble" }

// Transactional implements engine.Environment.
func (e *Env) Transactional() bool { return e.transactional }

func metaKey(name string) []byte {
	return append([]byte{'m'}, name...)
}

func dataPrefix(name string) []byte {
	p := []byte{'d'}
	p = binary.AppendUvarint(p, uint64(len(name)))
	return append(p, name...)
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeConfig(cfg engine.StoreConfig) []byte {
	return fmt.Appendf(nil, "%d/%d/%d", cfg.Type, cfg.Compression, cfg.RecordLength)
}

func decodeConfig(b []byte) (engine.StoreConfig, error) {
	var typ, comp, recLen int
	if _, err := fmt.Sscanf(string(b), "%d/%d/%d", &typ, &comp, &recLen); err != nil {
		return engine.StoreConfig{}, err
	}
	return engine.StoreConfig{
		Type:         engine.StoreType(typ),
		Compression:  compression.Type(comp),
		RecordLength: recLen,
	}, nil
}

// OpenStore implements engine.Environment.
func (e *Env) OpenStore(name string, cfg engine.StoreConfig) (engine.Store, error) {
	switch cfg.Type {
	case engine.BTree, engine.Hash, engine.Unknown:
	default:
		return nil, engine.Errorf(engine.CodeInvalid, "store type %s not supported by pebble", cfg.Type)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.Errorf(engine.CodeInvalid, "environment closed")
	}

	raw, closer, err := e.db.Get(metaKey(name))
	var stored engine.StoreConfig
	switch {
	case err == nil:
		stored, err = decodeConfig(raw)
		_ = closer.Close()
		if err != nil {
			return nil, engine.Errorf(engine.CodeVerifyBad, "store %q: %v", name, err)
		}
		if cfg.Type != engine.Unknown && cfg.Type != stored.Type {
			return nil, engine.Errorf(engine.CodeInvalid, "store %q is %s, not %s", name, stored.Type, cfg.Type)
		}
	case errors.Is(err, pebble.ErrNotFound):
		if !cfg.Create {
			return nil, engine.Errorf(engine.CodeNoEntry, "store %q does not exist", name)
		}
		if cfg.Type == engine.Unknown {
			return nil, engine.Errorf(engine.CodeInvalid, "store %q: type required to create", name)
		}
		if err := e.db.Set(metaKey(name), encodeConfig(cfg), pebble.Sync); err != nil {
			return nil, wrap(err)
		}
		stored = cfg
	default:
		return nil, wrap(err)
	}

	stored.ReadOnly = cfg.ReadOnly
	if cfg.Compression != compression.None {
		stored.Compression = cfg.Compression
	}
	prefix := dataPrefix(name)
	return &Store{env: e, name: name, prefix: prefix, upper: upperBound(prefix), cfg: stored}, nil
}

// RemoveStore implements engine.Environment.
func (e *Env) RemoveStore(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, closer, err := e.db.Get(metaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return engine.Errorf(engine.CodeNoEntry, "store %q does not exist", name)
	}
	if err != nil {
		return wrap(err)
	}
	_ = closer.Close()

	prefix := dataPrefix(name)
	b := e.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
		return wrap(err)
	}
	if err := b.Delete(metaKey(name), nil); err != nil {
		return wrap(err)
	}
	return wrap(b.Commit(pebble.Sync))
}

// Begin implements engine.Environment.
func (e *Env) Begin() (engine.Txn, error) {
	if !e.transactional {
		return nil, engine.Errorf(engine.CodeInvalid, "environment is not transactional")
	}
	return &Txn{env: e, batch: e.db.NewIndexedBatch(), id: e.locks.NewOwner()}, nil
}

// Backup implements engine.Environment. It takes a pebble checkpoint,
// which hard-links sstables where it can and flushes the WAL first.
func (e *Env) Backup(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.Errorf(engine.CodeInvalid, "environment closed")
	}
	if e.inMemory {
		return engine.Errorf(engine.CodeInvalid, "in-memory environment has no files to back up")
	}
	if _, err := os.Stat(dir); err == nil {
		return engine.Errorf(engine.CodeInvalid, "backup directory %q already exists", dir)
	}
	return wrap(e.db.Checkpoint(dir, pebble.WithFlushedWAL()))
}

// Close implements engine.Environment.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return wrap(e.db.Close())
}

// Txn is an indexed batch with the record locks it holds.
type Txn struct {
	env   *Env
	batch *pebble.Batch
	id    uint64
	done  bool
}

// ID implements engine.Txn.
func (t *Txn) ID() uint64 { return t.id }

// Commit implements engine.Txn.
func (t *Txn) Commit() error {
	if t.done {
		return engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", t.id)
	}
	t.done = true
	defer t.env.locks.ReleaseAll(t.id)
	err := t.batch.Commit(pebble.Sync)
	_ = t.batch.Close()
	return wrap(err)
}

// Abort implements engine.Txn.
func (t *Txn) Abort() error {
	if t.done {
		return engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", t.id)
	}
	t.done = true
	defer t.env.locks.ReleaseAll(t.id)
	return wrap(t.batch.Close())
}

func wrap(err error) error {
	var ee *engine.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ee):
		return err
	case errors.Is(err, pebble.ErrNotFound):
		return engine.ErrNotFound
	case errors.Is(err, pebble.ErrClosed):
		return engine.Errorf(engine.CodeInvalid, "%v", err)
	case errors.Is(err, txn.ErrDeadlock):
		return engine.Errorf(engine.CodeLockDeadlock, "%v", err)
	case errors.Is(err, txn.ErrLockTimeout):
		return engine.Errorf(engine.CodeLockNotGranted, "%v", err)
	case errors.Is(err, compression.ErrCorrupt):
		return engine.Errorf(engine.CodeVerifyBad, "%v", err)
	default:
		return engine.Errorf(engine.CodeIO, "%v", err)
	}
}
