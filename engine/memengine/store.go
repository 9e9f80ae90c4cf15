package memengine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/zeebo/xxh3"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/txn"
)

const btreeDegree = 32

type item struct {
	key  []byte
	val  []byte
	hash uint64 // Hash stores
	rec  uint32 // Queue stores
}

// data is the shared content of a named store.
type data struct {
	name   string
	typ    engine.StoreType
	recLen int

	mu       sync.RWMutex
	tree     *btree.BTreeG[item]
	less     btree.LessFunc[item]
	maxRecno uint32
}

func newData(name string, cfg engine.StoreConfig) (*data, error) {
	d := &data{name: name, typ: cfg.Type, recLen: cfg.RecordLength}
	switch cfg.Type {
	case engine.BTree:
		d.less = func(a, b item) bool {
			return bytes.Compare(a.key, b.key) < 0
		}
	case engine.Hash:
		d.less = func(a, b item) bool {
			if a.hash != b.hash {
				return a.hash < b.hash
			}
			return bytes.Compare(a.key, b.key) < 0
		}
	case engine.Queue:
		if cfg.RecordLength <= 0 {
			return nil, engine.Errorf(engine.CodeInvalid, "queue store %q needs a record length", name)
		}
		d.less = func(a, b item) bool { return a.rec < b.rec }
	default:
		return nil, engine.Errorf(engine.CodeInvalid, "store type %s not supported", cfg.Type)
	}
	d.tree = btree.NewG(btreeDegree, d.less)
	return d, nil
}

// probe builds the search item for a key.
func (d *data) probe(key []byte) (item, error) {
	switch d.typ {
	case engine.Queue:
		if len(key) != 4 {
			return item{}, engine.Errorf(engine.CodeInvalid, "queue key must be a 4-byte record number, got %d bytes", len(key))
		}
		rec := binary.LittleEndian.Uint32(key)
		if rec == 0 {
			return item{}, engine.Errorf(engine.CodeInvalid, "record number 0 is invalid")
		}
		return item{key: bytes.Clone(key), rec: rec}, nil
	case engine.Hash:
		return item{key: bytes.Clone(key), hash: xxh3.Hash(key)}, nil
	default:
		return item{key: bytes.Clone(key)}, nil
	}
}

func recnoItem(rec uint32) item {
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, rec)
	return item{key: key, rec: rec}
}

// missErr distinguishes a never-written key from a deleted Queue slot.
// Callers hold d.mu.
func (d *data) missErr(it item) error {
	if d.typ == engine.Queue && it.rec <= d.maxRecno {
		return engine.ErrKeyEmpty
	}
	return engine.ErrNotFound
}

// fit pads or rejects a Queue value. Other types pass through.
func (d *data) fit(val []byte) ([]byte, error) {
	if d.typ != engine.Queue {
		return val, nil
	}
	if len(val) > d.recLen {
		return nil, engine.Errorf(engine.CodeInvalid, "record length %d exceeds fixed length %d", len(val), d.recLen)
	}
	if len(val) < d.recLen {
		val = append(val, make([]byte, d.recLen-len(val))...)
	}
	return val, nil
}

// Store is a handle on a named store.
type Store struct {
	env      *Env
	d        *data
	readOnly bool
	closed   atomic.Bool
}

var _ engine.Store = (*Store)(nil)

// Name implements engine.Store.
func (s *Store) Name() string { return s.d.name }

// Type implements engine.Store.
func (s *Store) Type() engine.StoreType { return s.d.typ }

func (s *Store) check(t engine.Txn, write bool) (*Txn, error) {
	if s.closed.Load() {
		return nil, engine.Errorf(engine.CodeInvalid, "store %q is closed", s.d.name)
	}
	if write && s.readOnly {
		return nil, engine.Errorf(engine.CodeAccess, "store %q is read-only", s.d.name)
	}
	if t == nil {
		return nil, nil
	}
	mt, ok := t.(*Txn)
	if !ok || mt.env != s.env {
		return nil, engine.Errorf(engine.CodeInvalid, "transaction does not belong to this environment")
	}
	if mt.done {
		return nil, engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", mt.id)
	}
	return mt, nil
}

// lock takes a record lock for the transaction, or for a one-shot owner that
// the returned release function drops.
func (s *Store) lock(mt *Txn, key []byte, mode txn.Mode) (func(), error) {
	owner, release := s.owner(mt)
	if err := s.env.locks.Acquire(owner, txn.LockKey(s.d.name, key), mode); err != nil {
		release()
		return func() {}, lockErr(err, owner)
	}
	return release, nil
}

func (s *Store) owner(mt *Txn) (uint64, func()) {
	if mt != nil {
		return mt.id, func() {}
	}
	owner := s.env.locks.NewOwner()
	return owner, func() { s.env.locks.ReleaseAll(owner) }
}

func lockErr(err error, owner uint64) error {
	switch {
	case errors.Is(err, txn.ErrDeadlock):
		return engine.Errorf(engine.CodeLockDeadlock, "locker %d chosen as deadlock victim", owner)
	case errors.Is(err, txn.ErrLockTimeout):
		return engine.Errorf(engine.CodeLockNotGranted, "locker %d timed out", owner)
	default:
		return engine.Errorf(engine.CodeIO, "lock: %v", err)
	}
}

// Get implements engine.Store.
func (s *Store) Get(t engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	mt, err := s.check(t, false)
	if err != nil {
		return err
	}
	it, err := s.d.probe(key.Data)
	if err != nil {
		return err
	}
	mode := txn.Shared
	if flags&engine.FlagRMW != 0 {
		mode = txn.Exclusive
	}
	release, err := s.lock(mt, it.key, mode)
	defer release()
	if err != nil {
		return err
	}

	s.d.mu.RLock()
	cur, ok := s.d.tree.Get(it)
	miss := s.d.missErr(it)
	s.d.mu.RUnlock()
	if !ok {
		return miss
	}
	return engine.Fill(data, cur.val)
}

// Exists implements engine.Store.
func (s *Store) Exists(t engine.Txn, key *engine.Entry, flags engine.Flags) error {
	mt, err := s.check(t, false)
	if err != nil {
		return err
	}
	it, err := s.d.probe(key.Data)
	if err != nil {
		return err
	}
	release, err := s.lock(mt, it.key, txn.Shared)
	defer release()
	if err != nil {
		return err
	}

	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	if s.d.tree.Has(it) {
		return nil
	}
	return s.d.missErr(it)
}

// Put implements engine.Store.
func (s *Store) Put(t engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	mt, err := s.check(t, true)
	if err != nil {
		return err
	}
	if flags&engine.FlagAppend != 0 {
		return s.appendRecord(mt, key, data)
	}
	it, err := s.d.probe(key.Data)
	if err != nil {
		return err
	}
	release, err := s.lock(mt, it.key, txn.Exclusive)
	defer release()
	if err != nil {
		return err
	}

	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	old, existed := s.d.tree.Get(it)
	if existed && flags&engine.FlagNoOverwrite != 0 {
		return engine.ErrKeyExist
	}
	val, err := s.d.fit(engine.Merge(old.val, data))
	if err != nil {
		return err
	}
	s.write(mt, it, val, old, existed)
	return nil
}

// write stores val under it and records undo information. Callers hold d.mu.
func (s *Store) write(mt *Txn, it item, val []byte, old item, existed bool) {
	if mt != nil {
		mt.record(undo{d: s.d, probe: it, old: old, existed: existed})
	}
	it.val = val
	s.d.tree.ReplaceOrInsert(it)
	if s.d.typ == engine.Queue && it.rec > s.d.maxRecno {
		s.d.maxRecno = it.rec
	}
}

func (s *Store) appendRecord(mt *Txn, key, data *engine.Entry) error {
	if s.d.typ != engine.Queue {
		return engine.Errorf(engine.CodeInvalid, "append requires a queue store")
	}
	owner, release := s.owner(mt)
	defer release()

	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	it := recnoItem(s.d.maxRecno + 1)
	if !s.env.locks.TryAcquire(owner, txn.LockKey(s.d.name, it.key), txn.Exclusive) {
		return engine.Errorf(engine.CodeLockNotGranted, "record %d is locked", it.rec)
	}
	val, err := s.d.fit(engine.Merge(nil, data))
	if err != nil {
		return err
	}
	s.write(mt, it, val, item{}, false)
	return engine.Fill(key, it.key)
}

// Delete implements engine.Store.
func (s *Store) Delete(t engine.Txn, key *engine.Entry, flags engine.Flags) error {
	mt, err := s.check(t, true)
	if err != nil {
		return err
	}
	it, err := s.d.probe(key.Data)
	if err != nil {
		return err
	}
	return s.deleteItem(mt, it)
}

func (s *Store) deleteItem(mt *Txn, it item) error {
	release, err := s.lock(mt, it.key, txn.Exclusive)
	defer release()
	if err != nil {
		return err
	}

	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	old, existed := s.d.tree.Delete(it)
	if !existed {
		return s.d.missErr(it)
	}
	if mt != nil {
		mt.record(undo{d: s.d, probe: it, old: old, existed: true})
	}
	return nil
}

// Truncate implements engine.Store.
func (s *Store) Truncate(t engine.Txn) (int, error) {
	mt, err := s.check(t, true)
	if err != nil {
		return 0, err
	}
	owner, release := s.owner(mt)
	defer release()

	var keys []item
	s.d.mu.RLock()
	s.d.tree.Ascend(func(it item) bool {
		keys = append(keys, it)
		return true
	})
	s.d.mu.RUnlock()

	for _, it := range keys {
		if err := s.env.locks.Acquire(owner, txn.LockKey(s.d.name, it.key), txn.Exclusive); err != nil {
			return 0, lockErr(err, owner)
		}
	}

	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	n := 0
	for _, it := range keys {
		old, ok := s.d.tree.Delete(it)
		if !ok {
			continue
		}
		if mt != nil {
			mt.record(undo{d: s.d, probe: it, old: old, existed: true})
		}
		n++
	}
	return n, nil
}

// Count implements engine.Store.
func (s *Store) Count() (int, error) {
	if _, err := s.check(nil, false); err != nil {
		return 0, err
	}
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return s.d.tree.Len(), nil
}

// Sync implements engine.Store. There is nothing to flush.
func (s *Store) Sync() error {
	_, err := s.check(nil, false)
	return err
}

// Compact implements engine.Store. Deleted records are dropped from the
// tree immediately, so there is nothing to reclaim.
func (s *Store) Compact() error {
	_, err := s.check(nil, false)
	return err
}

// Verify implements engine.Store. It checks that records are in tree order
// and that Hash and Queue records carry the hash or record number their key
// implies.
func (s *Store) Verify() error {
	if _, err := s.check(nil, false); err != nil {
		return err
	}
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	var (
		prev    item
		started bool
		bad     error
	)
	s.d.tree.Ascend(func(it item) bool {
		switch {
		case started && !s.d.less(prev, it):
			bad = engine.Errorf(engine.CodeVerifyBad, "store %q: records out of order", s.d.name)
		case s.d.typ == engine.Hash && it.hash != xxh3.Hash(it.key):
			bad = engine.Errorf(engine.CodeVerifyBad, "store %q: hash mismatch", s.d.name)
		case s.d.typ == engine.Queue && (len(it.key) != 4 || binary.LittleEndian.Uint32(it.key) != it.rec):
			bad = engine.Errorf(engine.CodeVerifyBad, "store %q: record number mismatch", s.d.name)
		case s.d.typ == engine.Queue && len(it.val) != s.d.recLen:
			bad = engine.Errorf(engine.CodeVerifyBad, "store %q: record %d has %d bytes, want %d", s.d.name, it.rec, len(it.val), s.d.recLen)
		}
		prev, started = it, true
		return bad == nil
	})
	return bad
}

// Close implements engine.Store.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Cursor implements engine.Store.
func (s *Store) Cursor(t engine.Txn) (engine.Cursor, error) {
	mt, err := s.check(t, false)
	if err != nil {
		return nil, err
	}
	return &Cursor{s: s, t: mt}, nil
}
