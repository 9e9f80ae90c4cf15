package boltengine

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"github.com/aalhour/recordkv/engine"
)

// Cursor remembers the key it is positioned on and re-seeks inside a fresh
// bbolt cursor on every call, so it stays valid across writes and across
// the short transactions used when no Txn is bound.
type Cursor struct {
	s *Store
	t engine.Txn

	cur        []byte
	positioned bool
	deleted    bool
	closed     bool
}

var _ engine.Cursor = (*Cursor)(nil)

// Get implements engine.Cursor.
func (c *Cursor) Get(key, data *engine.Entry, pos engine.Position, flags engine.Flags) error {
	if c.closed {
		return engine.Errorf(engine.CodeInvalid, "cursor closed")
	}
	switch pos {
	case engine.NextDup, engine.PrevDup:
		return engine.ErrNotFound
	case engine.NextNoDup:
		pos = engine.Next
	case engine.PrevNoDup:
		pos = engine.Prev
	}
	return c.s.view(c.t, func(b *bolt.Bucket) error {
		bc := b.Cursor()
		var k, v []byte
		switch pos {
		case engine.First:
			k, v = bc.First()
		case engine.Last:
			k, v = bc.Last()
		case engine.Next:
			if !c.positioned {
				k, v = bc.First()
				break
			}
			k, v = bc.Seek(c.cur)
			if k != nil && bytes.Equal(k, c.cur) {
				k, v = bc.Next()
			}
		case engine.Prev:
			if !c.positioned {
				k, v = bc.Last()
				break
			}
			if k, _ = bc.Seek(c.cur); k == nil {
				k, v = bc.Last()
			} else {
				k, v = bc.Prev()
			}
		case engine.Current:
			if !c.positioned {
				return engine.Errorf(engine.CodeInvalid, "cursor not positioned")
			}
			if c.deleted {
				return engine.ErrKeyEmpty
			}
			if v = b.Get(c.cur); v == nil {
				c.deleted = true
				return engine.ErrKeyEmpty
			}
			k = c.cur
		case engine.Set:
			if key == nil {
				return engine.Errorf(engine.CodeInvalid, "Set needs a key")
			}
			k, v = key.Data, b.Get(key.Data)
			if v == nil {
				k = nil
			}
		case engine.SetRange:
			if key == nil {
				return engine.Errorf(engine.CodeInvalid, "SetRange needs a key")
			}
			k, v = bc.Seek(key.Data)
		default:
			return engine.Errorf(engine.CodeInvalid, "position %s not valid for get", pos)
		}
		if k == nil {
			return engine.ErrNotFound
		}

		c.cur, c.positioned, c.deleted = bytes.Clone(k), true, false
		val, err := c.s.decode(v)
		if err != nil {
			return err
		}
		var keyErr error
		if pos != engine.Set {
			keyErr = engine.Fill(key, c.cur)
		}
		if err := engine.Fill(data, val); err != nil {
			return err
		}
		return keyErr
	})
}

// Put implements engine.Cursor.
func (c *Cursor) Put(key, data *engine.Entry, pos engine.Position, flags engine.Flags) error {
	if c.closed {
		return engine.Errorf(engine.CodeInvalid, "cursor closed")
	}
	switch pos {
	case engine.KeyFirst, engine.KeyLast:
		if err := c.s.Put(c.t, key, data, flags); err != nil {
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
		return c.s.Put(c.t, &engine.Entry{Data: c.cur}, data, flags&^engine.FlagNoOverwrite)
	default:
		return engine.Errorf(engine.CodeInvalid, "position %s not supported for put", pos)
	}
}

// Delete implements engine.Cursor.
func (c *Cursor) Delete(flags engine.Flags) error {
	if c.closed {
		return engine.Errorf(engine.CodeInvalid, "cursor closed")
	}
	if !c.positioned {
		return engine.Errorf(engine.CodeInvalid, "cursor not positioned")
	}
	if c.deleted {
		return engine.ErrKeyEmpty
	}
	err := c.s.Delete(c.t, &engine.Entry{Data: c.cur}, flags)
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
