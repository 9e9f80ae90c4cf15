// Package boltengine adapts bbolt to the engine contract.
//
// Each store is a top-level bucket; store configuration is kept in a meta
// bucket so reopening a store recovers its type and codec. Transactions are
// bbolt read-write transactions, which bbolt serialises, so this adapter
// never reports deadlocks. Hash stores are kept in key order and Queue
// stores are not supported.
package boltengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/compression"
	"github.com/aalhour/recordkv/internal/logging"
)

// FileName is the database file created under the environment home.
const FileName = "records.db"

var metaBucket = []byte("__recordkv_meta")

// Env is a bbolt-backed environment.
type Env struct {
	db            *bolt.DB
	transactional bool
	logger        logging.Logger
	nextTxn       atomic.Uint64

	mu     sync.Mutex
	closed bool
}

var _ engine.Environment = (*Env)(nil)

// Open opens or creates the database under cfg.Home.
func Open(cfg engine.EnvConfig) (*Env, error) {
	if cfg.InMemory {
		return nil, engine.Errorf(engine.CodeInvalid, "bolt environments are file backed")
	}
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, engine.Errorf(engine.CodeIO, "create home: %v", err)
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(filepath.Join(cfg.Home, FileName), 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, engine.Errorf(engine.CodeIO, "open bolt: %v", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, engine.Errorf(engine.CodeIO, "create meta bucket: %v", err)
	}
	return &Env{db: db, transactional: cfg.Transactional, logger: logging.OrDefault(cfg.Logger)}, nil
}

// Kind implements engine.Environment.
func (e *Env) Kind() string { return "bolt" }

// Transactional implements engine.Environment.
func (e *Env) Transactional() bool { return e.transactional }

func encodeConfig(cfg engine.StoreConfig) []byte {
	b := make([]byte, 6)
	b[0] = byte(cfg.Type)
	b[1] = byte(cfg.Compression)
	binary.LittleEndian.PutUint32(b[2:], uint32(cfg.RecordLength))
	return b
}

func decodeConfig(b []byte) (engine.StoreConfig, error) {
	if len(b) != 6 {
		return engine.StoreConfig{}, fmt.Errorf("bad store config length %d", len(b))
	}
	return engine.StoreConfig{
		Type:         engine.StoreType(b[0]),
		Compression:  compression.Type(b[1]),
		RecordLength: int(binary.LittleEndian.Uint32(b[2:])),
	}, nil
}

// OpenStore implements engine.Environment.
func (e *Env) OpenStore(name string, cfg engine.StoreConfig) (engine.Store, error) {
	switch cfg.Type {
	case engine.BTree, engine.Hash, engine.Unknown:
	default:
		return nil, engine.Errorf(engine.CodeInvalid, "store type %s not supported by bolt", cfg.Type)
	}
	var stored engine.StoreConfig
	err := e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if raw := meta.Get([]byte(name)); raw != nil {
			var err error
			if stored, err = decodeConfig(raw); err != nil {
				return engine.Errorf(engine.CodeVerifyBad, "store %q: %v", name, err)
			}
			if cfg.Type != engine.Unknown && cfg.Type != stored.Type {
				return engine.Errorf(engine.CodeInvalid, "store %q is %s, not %s", name, stored.Type, cfg.Type)
			}
			return nil
		}
		if !cfg.Create {
			return engine.Errorf(engine.CodeNoEntry, "store %q does not exist", name)
		}
		if cfg.Type == engine.Unknown {
			return engine.Errorf(engine.CodeInvalid, "store %q: type required to create", name)
		}
		if _, err := tx.CreateBucket([]byte(name)); err != nil {
			return err
		}
		stored = cfg
		return meta.Put([]byte(name), encodeConfig(cfg))
	})
	if err != nil {
		return nil, wrap(err)
	}
	stored.ReadOnly = cfg.ReadOnly
	if cfg.Compression != compression.None {
		stored.Compression = cfg.Compression
	}
	return &Store{env: e, name: name, bucket: []byte(name), cfg: stored}, nil
}

// RemoveStore implements engine.Environment.
func (e *Env) RemoveStore(name string) error {
	return wrap(e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			if errors.Is(err, bolt.ErrBucketNotFound) {
				return engine.Errorf(engine.CodeNoEntry, "store %q does not exist", name)
			}
			return err
		}
		return tx.Bucket(metaBucket).Delete([]byte(name))
	}))
}

// Begin implements engine.Environment.
func (e *Env) Begin() (engine.Txn, error) {
	if !e.transactional {
		return nil, engine.Errorf(engine.CodeInvalid, "environment is not transactional")
	}
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, wrap(err)
	}
	return &Txn{env: e, tx: tx, id: e.nextTxn.Add(1)}, nil
}

// Backup implements engine.Environment. It copies the database file from a
// read transaction, so writers are not blocked while it runs.
func (e *Env) Backup(dir string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return engine.Errorf(engine.CodeInvalid, "environment closed")
	}
	if _, err := os.Stat(dir); err == nil {
		return engine.Errorf(engine.CodeInvalid, "backup directory %q already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engine.Errorf(engine.CodeIO, "create backup directory: %v", err)
	}
	return wrap(e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(filepath.Join(dir, FileName), 0o600)
	}))
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

// Txn wraps a bbolt read-write transaction.
type Txn struct {
	env  *Env
	tx   *bolt.Tx
	id   uint64
	done bool
}

// ID implements engine.Txn.
func (t *Txn) ID() uint64 { return t.id }

// Commit implements engine.Txn.
func (t *Txn) Commit() error {
	if t.done {
		return engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", t.id)
	}
	t.done = true
	return wrap(t.tx.Commit())
}

// Abort implements engine.Txn.
func (t *Txn) Abort() error {
	if t.done {
		return engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", t.id)
	}
	t.done = true
	return wrap(t.tx.Rollback())
}

// wrap maps bbolt errors onto engine codes.
func wrap(err error) error {
	var ee *engine.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ee):
		return err
	case errors.Is(err, bolt.ErrTimeout):
		return engine.Errorf(engine.CodeLockNotGranted, "%v", err)
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTxClosed):
		return engine.Errorf(engine.CodeInvalid, "%v", err)
	case errors.Is(err, bolt.ErrDatabaseReadOnly), errors.Is(err, bolt.ErrTxNotWritable):
		return engine.Errorf(engine.CodeAccess, "%v", err)
	case errors.Is(err, bolt.ErrKeyRequired), errors.Is(err, bolt.ErrKeyTooLarge), errors.Is(err, bolt.ErrValueTooLarge):
		return engine.Errorf(engine.CodeInvalid, "%v", err)
	case errors.Is(err, compression.ErrCorrupt):
		return engine.Errorf(engine.CodeVerifyBad, "%v", err)
	default:
		return engine.Errorf(engine.CodeIO, "%v", err)
	}
}
