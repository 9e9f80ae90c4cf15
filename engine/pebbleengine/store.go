package pebbleengine

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/compression"
	"github.com/aalhour/recordkv/internal/txn"
)

// Store is a prefix range inside the shared pebble instance.
type Store struct {
	env    *Env
	name   string
	prefix []byte
	upper  []byte
	cfg    engine.StoreConfig
	closed atomic.Bool
}

var _ engine.Store = (*Store)(nil)

// Name implements engine.Store.
func (s *Store) Name() string { return s.name }

// Type implements engine.Store.
func (s *Store) Type() engine.StoreType { return s.cfg.Type }

func (s *Store) dataKey(key []byte) []byte {
	k := make([]byte, 0, len(s.prefix)+len(key))
	return append(append(k, s.prefix...), key...)
}

func (s *Store) pebbleTxn(t engine.Txn, write bool) (*Txn, error) {
	if s.closed.Load() {
		return nil, engine.Errorf(engine.CodeInvalid, "store %q is closed", s.name)
	}
	if write && s.cfg.ReadOnly {
		return nil, engine.Errorf(engine.CodeAccess, "store %q is read-only", s.name)
	}
	if t == nil {
		return nil, nil
	}
	pt, ok := t.(*Txn)
	if !ok || pt.env != s.env {
		return nil, engine.Errorf(engine.CodeInvalid, "transaction does not belong to this environment")
	}
	if pt.done {
		return nil, engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", pt.id)
	}
	return pt, nil
}

// lock takes a record lock held until pt resolves, or until the returned
// release runs when there is no transaction.
func (s *Store) lock(pt *Txn, key []byte, mode txn.Mode) (func(), error) {
	owner := uint64(0)
	release := func() {}
	if pt != nil {
		owner = pt.id
	} else {
		owner = s.env.locks.NewOwner()
		release = func() { s.env.locks.ReleaseAll(owner) }
	}
	if err := s.env.locks.Acquire(owner, txn.LockKey(s.name, key), mode); err != nil {
		release()
		return func() {}, wrap(err)
	}
	return release, nil
}

func reader(db *pebble.DB, pt *Txn) pebble.Reader {
	if pt != nil {
		return pt.batch
	}
	return db
}

// load returns the decoded value of key and whether it exists.
func (s *Store) load(r pebble.Reader, key []byte) ([]byte, bool, error) {
	raw, closer, err := r.Get(s.dataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err)
	}
	defer closer.Close()
	val, err := compression.Decode(raw)
	if err != nil {
		return nil, false, wrap(err)
	}
	return val, true, nil
}

// write applies fn to the transaction batch, or to a one-shot batch that is
// committed synchronously.
func (s *Store) write(pt *Txn, fn func(w pebble.Writer) error) error {
	if pt != nil {
		return wrap(fn(pt.batch))
	}
	b := s.env.db.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return wrap(err)
	}
	return wrap(b.Commit(pebble.Sync))
}

// Get implements engine.Store.
func (s *Store) Get(t engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	pt, err := s.pebbleTxn(t, false)
	if err != nil {
		return err
	}
	if pt != nil {
		mode := txn.Shared
		if flags&engine.FlagRMW != 0 {
			mode = txn.Exclusive
		}
		if _, err := s.lock(pt, key.Data, mode); err != nil {
			return err
		}
	}
	val, ok, err := s.load(reader(s.env.db, pt), key.Data)
	if err != nil {
		return err
	}
	if !ok {
		return engine.ErrNotFound
	}
	return engine.Fill(data, val)
}

// Exists implements engine.Store.
func (s *Store) Exists(t engine.Txn, key *engine.Entry, flags engine.Flags) error {
	pt, err := s.pebbleTxn(t, false)
	if err != nil {
		return err
	}
	if pt != nil {
		if _, err := s.lock(pt, key.Data, txn.Shared); err != nil {
			return err
		}
	}
	_, ok, err := s.load(reader(s.env.db, pt), key.Data)
	if err != nil {
		return err
	}
	if !ok {
		return engine.ErrNotFound
	}
	return nil
}

// Put implements engine.Store.
func (s *Store) Put(t engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	if flags&engine.FlagAppend != 0 {
		return engine.Errorf(engine.CodeInvalid, "append requires a queue store")
	}
	pt, err := s.pebbleTxn(t, true)
	if err != nil {
		return err
	}
	release, err := s.lock(pt, key.Data, txn.Exclusive)
	defer release()
	if err != nil {
		return err
	}

	old, exists, err := s.load(reader(s.env.db, pt), key.Data)
	if err != nil {
		return err
	}
	if exists && flags&engine.FlagNoOverwrite != 0 {
		return engine.ErrKeyExist
	}
	enc, err := compression.Encode(s.cfg.Compression, engine.Merge(old, data))
	if err != nil {
		return wrap(err)
	}
	return s.write(pt, func(w pebble.Writer) error {
		return w.Set(s.dataKey(key.Data), enc, nil)
	})
}

// Delete implements engine.Store.
func (s *Store) Delete(t engine.Txn, key *engine.Entry, flags engine.Flags) error {
	pt, err := s.pebbleTxn(t, true)
	if err != nil {
		return err
	}
	release, err := s.lock(pt, key.Data, txn.Exclusive)
	defer release()
	if err != nil {
		return err
	}

	_, exists, err := s.load(reader(s.env.db, pt), key.Data)
	if err != nil {
		return err
	}
	if !exists {
		return engine.ErrNotFound
	}
	return s.write(pt, func(w pebble.Writer) error {
		return w.Delete(s.dataKey(key.Data), nil)
	})
}

// keys returns the user keys of the store in order.
func (s *Store) keys(r pebble.Reader) ([][]byte, error) {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: s.prefix, UpperBound: s.upper})
	if err != nil {
		return nil, wrap(err)
	}
	var out [][]byte
	for valid := it.First(); valid; valid = it.Next() {
		out = append(out, bytes.Clone(it.Key()[len(s.prefix):]))
	}
	if err := it.Close(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// Truncate implements engine.Store.
func (s *Store) Truncate(t engine.Txn) (int, error) {
	pt, err := s.pebbleTxn(t, true)
	if err != nil {
		return 0, err
	}
	keys, err := s.keys(reader(s.env.db, pt))
	if err != nil {
		return 0, err
	}

	owner := s.env.locks.NewOwner()
	if pt != nil {
		owner = pt.id
	} else {
		defer s.env.locks.ReleaseAll(owner)
	}
	for _, k := range keys {
		if err := s.env.locks.Acquire(owner, txn.LockKey(s.name, k), txn.Exclusive); err != nil {
			return 0, wrap(err)
		}
	}
	err = s.write(pt, func(w pebble.Writer) error {
		for _, k := range keys {
			if err := w.Delete(s.dataKey(k), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Count implements engine.Store.
func (s *Store) Count() (int, error) {
	if _, err := s.pebbleTxn(nil, false); err != nil {
		return 0, err
	}
	keys, err := s.keys(s.env.db)
	return len(keys), err
}

// Sync implements engine.Store. Writes are already synced on commit; this
// flushes memtables so the data is in sstables.
func (s *Store) Sync() error {
	if _, err := s.pebbleTxn(nil, false); err != nil {
		return err
	}
	return wrap(s.env.db.Flush())
}

// Compact implements engine.Store. It compacts the store's key range down
// to the bottom level, dropping deleted records.
func (s *Store) Compact() error {
	if _, err := s.pebbleTxn(nil, false); err != nil {
		return err
	}
	return wrap(s.env.db.Compact(s.prefix, s.upper, true))
}

// Verify implements engine.Store. It decodes every value in the store's
// key range.
func (s *Store) Verify() error {
	if _, err := s.pebbleTxn(nil, false); err != nil {
		return err
	}
	it, err := s.env.db.NewIter(&pebble.IterOptions{LowerBound: s.prefix, UpperBound: s.upper})
	if err != nil {
		return wrap(err)
	}
	var bad error
	for valid := it.First(); valid && bad == nil; valid = it.Next() {
		if _, err := compression.Decode(it.Value()); err != nil {
			bad = engine.Errorf(engine.CodeVerifyBad, "store %q: key %x: %v", s.name, it.Key()[len(s.prefix):], err)
		}
	}
	if err := it.Close(); err != nil && bad == nil {
		bad = engine.Errorf(engine.CodeVerifyBad, "store %q: %v", s.name, err)
	}
	return bad
}

// Close implements engine.Store.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Cursor implements engine.Store.
func (s *Store) Cursor(t engine.Txn) (engine.Cursor, error) {
	pt, err := s.pebbleTxn(t, false)
	if err != nil {
		return nil, err
	}
	return &Cursor{s: s, t: pt}, nil
}
