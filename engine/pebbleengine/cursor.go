package pebbleengine

import (
	"bytes"

	"github.com/cockroachdb/pebble"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/compression"
	"github.com/aalhour/recordkv/internal/txn"
)

// Cursor re-seeks a bounded pebble iterator on each call. Reads outside a
// transaction see committed data only and take no locks.
type Cursor struct {
	s *Store
	t *Txn

	cur        []byte
	positioned bool
	deleted    bool
	closed     bool
}

var _ engine.Cursor = (*Cursor)(nil)

func (c *Cursor) txnOrNil() engine.Txn {
	if c.t == nil {
		return nil
	}
	return c.t
}

func (c *Cursor) check() error {
	if c.closed {
		return engine.Errorf(engine.CodeInvalid, "cursor closed")
	}
	_, err := c.s.pebbleTxn(c.txnOrNil(), false)
	return err
}

// Get implements engine.Cursor.
func (c *Cursor) Get(key, data *engine.Entry, pos engine.Position, flags engine.Flags) error {
	if err := c.check(); err != nil {
		return err
	}
	switch pos {
	case engine.NextDup, engine.PrevDup:
		return engine.ErrNotFound
	case engine.NextNoDup:
		pos = engine.Next
	case engine.PrevNoDup:
		pos = engine.Prev
	}

	it, err := reader(c.s.env.db, c.t).NewIter(&pebble.IterOptions{LowerBound: c.s.prefix, UpperBound: c.s.upper})
	if err != nil {
		return wrap(err)
	}
	defer it.Close()

	var valid bool
	switch pos {
	case engine.First:
		valid = it.First()
	case engine.Last:
		valid = it.Last()
	case engine.Next:
		if !c.positioned {
			valid = it.First()
		} else if valid = it.SeekGE(c.s.dataKey(c.cur)); valid && bytes.Equal(c.userKey(it), c.cur) {
			valid = it.Next()
		}
	case engine.Prev:
		if !c.positioned {
			valid = it.Last()
		} else {
			valid = it.SeekLT(c.s.dataKey(c.cur))
		}
	case engine.Current:
		if !c.positioned {
			return engine.Errorf(engine.CodeInvalid, "cursor not positioned")
		}
		if c.deleted {
			return engine.ErrKeyEmpty
		}
		if valid = it.SeekGE(c.s.dataKey(c.cur)); !valid || !bytes.Equal(c.userKey(it), c.cur) {
			c.deleted = true
			return engine.ErrKeyEmpty
		}
	case engine.Set:
		if key == nil {
			return engine.Errorf(engine.CodeInvalid, "Set needs a key")
		}
		valid = it.SeekGE(c.s.dataKey(key.Data)) && bytes.Equal(c.userKey(it), key.Data)
	case engine.SetRange:
		if key == nil {
			return engine.Errorf(engine.CodeInvalid, "SetRange needs a key")
		}
		valid = it.SeekGE(c.s.dataKey(key.Data))
	default:
		return engine.Errorf(engine.CodeInvalid, "position %s not valid for get", pos)
	}
	if !valid {
		return engine.ErrNotFound
	}

	found := bytes.Clone(c.userKey(it))
	if c.t != nil {
		mode := txn.Shared
		if flags&engine.FlagRMW != 0 {
			mode = txn.Exclusive
		}
		if _, err := c.s.lock(c.t, found, mode); err != nil {
			return err
		}
	}
	val, err := compression.Decode(it.Value())
	if err != nil {
		return wrap(err)
	}
	c.cur, c.positioned, c.deleted = found, true, false

	var keyErr error
	if pos != engine.Set {
		keyErr = engine.Fill(key, found)
	}
	if err := engine.Fill(data, val); err != nil {
		return err
	}
	return keyErr
}

func (c *Cursor) userKey(it *pebble.Iterator) []byte {
	return it.Key()[len(c.s.prefix):]
}

// Put implements engine.Cursor.
func (c *Cursor) Put(key, data *engine.Entry, pos engine.Position, flags engine.Flags) error {
	if err := c.check(); err != nil {
		return err
	}
	switch pos {
	case engine.KeyFirst, engine.KeyLast:
		if err := c.s.Put(c.txnOrNil(), key, data, flags); err != nil {
			return err
		}
		c.cur, c.positioned, c.deleted = bytes.Clone(key.Data), true, false
		return nil
	case engine.Current:
		if !c.positioned {
			return engine.Errorf(engine.CodeInvalid, "cursor not positioned")
		}
		if c.deleted {
			return engine.ErrKeyEmpty
		}
		return c.s.Put(c.txnOrNil(), &engine.Entry{Data: c.cur}, data, flags&^engine.FlagNoOverwrite)
	default:
		return engine.Errorf(engine.CodeInvalid, "position %s not supported for put", pos)
	}
}

// Delete implements engine.Cursor.
func (c *Cursor) Delete(flags engine.Flags) error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.positioned {
		return engine.Errorf(engine.CodeInvalid, "cursor not positioned")
	}
	if c.deleted {
		return engine.ErrKeyEmpty
	}
	err := c.s.Delete(c.txnOrNil(), &engine.Entry{Data: c.cur}, flags)
	if engine.CodeOf(err) == engine.CodeNotFound {
		err = engine.ErrKeyEmpty
	}
	if err == nil || engine.CodeOf(err) == engine.CodeKeyEmpty {
		c.deleted = true
	}
	return err
}

// Close implements engine.Cursor.
func (c *Cursor) Close() error {
	c.closed = true
	return nil
}
