package boltengine

import (
	"bytes"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/compression"
)

// Store is a bucket-backed store.
type Store struct {
	env    *Env
	name   string
	bucket []byte
	cfg    engine.StoreConfig
	closed atomic.Bool
}

var _ engine.Store = (*Store)(nil)

// Name implements engine.Store.
func (s *Store) Name() string { return s.name }

// Type implements engine.Store.
func (s *Store) Type() engine.StoreType { return s.cfg.Type }

func (s *Store) boltTxn(t engine.Txn) (*Txn, error) {
	if s.closed.Load() {
		return nil, engine.Errorf(engine.CodeInvalid, "store %q is closed", s.name)
	}
	if t == nil {
		return nil, nil
	}
	bt, ok := t.(*Txn)
	if !ok || bt.env != s.env {
		return nil, engine.Errorf(engine.CodeInvalid, "transaction does not belong to this environment")
	}
	if bt.done {
		return nil, engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", bt.id)
	}
	return bt, nil
}

// view runs fn against the bucket inside t, or a read-only transaction.
func (s *Store) view(t engine.Txn, fn func(b *bolt.Bucket) error) error {
	bt, err := s.boltTxn(t)
	if err != nil {
		return err
	}
	run := func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return engine.Errorf(engine.CodeNoEntry, "store %q was removed", s.name)
		}
		return fn(b)
	}
	if bt != nil {
		return wrap(run(bt.tx))
	}
	return wrap(s.env.db.View(run))
}

// update runs fn against the bucket inside t, or its own read-write
// transaction.
func (s *Store) update(t engine.Txn, fn func(b *bolt.Bucket) error) error {
	if s.cfg.ReadOnly {
		return engine.Errorf(engine.CodeAccess, "store %q is read-only", s.name)
	}
	bt, err := s.boltTxn(t)
	if err != nil {
		return err
	}
	run := func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return engine.Errorf(engine.CodeNoEntry, "store %q was removed", s.name)
		}
		return fn(b)
	}
	if bt != nil {
		return wrap(run(bt.tx))
	}
	return wrap(s.env.db.Update(run))
}

func (s *Store) decode(raw []byte) ([]byte, error) {
	return compression.Decode(raw)
}

func (s *Store) encode(val []byte) ([]byte, error) {
	return compression.Encode(s.cfg.Compression, val)
}

// Get implements engine.Store.
func (s *Store) Get(t engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	return s.view(t, func(b *bolt.Bucket) error {
		raw := b.Get(key.Data)
		if raw == nil {
			return engine.ErrNotFound
		}
		val, err := s.decode(raw)
		if err != nil {
			return err
		}
		return engine.Fill(data, val)
	})
}

// Exists implements engine.Store.
func (s *Store) Exists(t engine.Txn, key *engine.Entry, flags engine.Flags) error {
	return s.view(t, func(b *bolt.Bucket) error {
		if b.Get(key.Data) == nil {
			return engine.ErrNotFound
		}
		return nil
	})
}

// Put implements engine.Store.
func (s *Store) Put(t engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	if flags&engine.FlagAppend != 0 {
		return engine.Errorf(engine.CodeInvalid, "append requires a queue store")
	}
	return s.update(t, func(b *bolt.Bucket) error {
		raw := b.Get(key.Data)
		if raw != nil && flags&engine.FlagNoOverwrite != 0 {
			return engine.ErrKeyExist
		}
		var old []byte
		if raw != nil && data.Partial() {
			var err error
			if old, err = s.decode(raw); err != nil {
				return err
			}
		}
		enc, err := s.encode(engine.Merge(old, data))
		if err != nil {
			return err
		}
		return b.Put(bytes.Clone(key.Data), enc)
	})
}

// Delete implements engine.Store.
func (s *Store) Delete(t engine.Txn, key *engine.Entry, flags engine.Flags) error {
	return s.update(t, func(b *bolt.Bucket) error {
		if b.Get(key.Data) == nil {
			return engine.ErrNotFound
		}
		return b.Delete(key.Data)
	})
}

// Truncate implements engine.Store.
func (s *Store) Truncate(t engine.Txn) (int, error) {
	n := 0
	err := s.update(t, func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Count implements engine.Store.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.view(nil, func(b *bolt.Bucket) error {
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Sync implements engine.Store.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return engine.Errorf(engine.CodeInvalid, "store %q is closed", s.name)
	}
	return wrap(s.env.db.Sync())
}

// Compact implements engine.Store. bbolt returns freed pages to its
// freelist on commit and cannot shrink a file that is open, so there is
// nothing to do beyond the closed check.
func (s *Store) Compact() error {
	if s.closed.Load() {
		return engine.Errorf(engine.CodeInvalid, "store %q is closed", s.name)
	}
	return nil
}

// Verify implements engine.Store. It runs bbolt's page consistency check
// and decodes every value of the bucket.
func (s *Store) Verify() error {
	if s.closed.Load() {
		return engine.Errorf(engine.CodeInvalid, "store %q is closed", s.name)
	}
	return wrap(s.env.db.View(func(tx *bolt.Tx) error {
		// Check reports from a goroutine; the channel is drained so it
		// never outlives the transaction.
		var bad error
		for err := range tx.Check() {
			if bad == nil {
				bad = err
			}
		}
		if bad != nil {
			return engine.Errorf(engine.CodeVerifyBad, "store %q: %v", s.name, bad)
		}
		b := tx.Bucket(s.bucket)
		if b == nil {
			return engine.Errorf(engine.CodeNoEntry, "store %q was removed", s.name)
		}
		return b.ForEach(func(k, v []byte) error {
			if _, err := s.decode(v); err != nil {
				return engine.Errorf(engine.CodeVerifyBad, "store %q: key %x: %v", s.name, k, err)
			}
			return nil
		})
	}))
}

// Close implements engine.Store.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Cursor implements engine.Store.
func (s *Store) Cursor(t engine.Txn) (engine.Cursor, error) {
	if _, err := s.boltTxn(t); err != nil {
		return nil, err
	}
	return &Cursor{s: s, t: t}, nil
}
