package memengine

import (
	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/txn"
)

// Cursor walks a store in its native order. Stores never hold duplicates,
// so the duplicate positions report not found and the no-duplicate
// positions behave like Next and Prev.
type Cursor struct {
	s *Store
	t *Txn

	cur        item
	positioned bool
	deleted    bool
	closed     bool
}

var _ engine.Cursor = (*Cursor)(nil)

func (c *Cursor) check() error {
	if c.closed {
		return engine.Errorf(engine.CodeInvalid, "cursor closed")
	}
	if c.s.closed.Load() {
		return engine.Errorf(engine.CodeInvalid, "store %q is closed", c.s.d.name)
	}
	if c.t != nil && c.t.done {
		return engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", c.t.id)
	}
	return nil
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
	mode := txn.Shared
	if flags&engine.FlagRMW != 0 {
		mode = txn.Exclusive
	}

	from := c.cur
	fromSet := c.positioned
	for {
		it, err := c.locate(pos, key, from, fromSet)
		if err != nil {
			return err
		}
		release, err := c.s.lock(c.t, it.key, mode)
		if err != nil {
			release()
			return err
		}
		c.s.d.mu.RLock()
		found, ok := c.s.d.tree.Get(it)
		miss := c.s.d.missErr(it)
		c.s.d.mu.RUnlock()
		release()

		if !ok {
			// Removed while we waited for the lock.
			switch pos {
			case engine.First, engine.Next, engine.SetRange:
				pos, from, fromSet = engine.Next, it, true
				continue
			case engine.Last, engine.Prev:
				pos, from, fromSet = engine.Prev, it, true
				continue
			case engine.Current:
				c.deleted = true
			}
			return miss
		}

		c.cur, c.positioned, c.deleted = found, true, false
		var keyErr error
		if pos != engine.Set {
			keyErr = engine.Fill(key, found.key)
		}
		dataErr := engine.Fill(data, found.val)
		if keyErr != nil {
			return keyErr
		}
		return dataErr
	}
}

// locate finds the candidate record for pos without locking it.
func (c *Cursor) locate(pos engine.Position, key *engine.Entry, from item, fromSet bool) (item, error) {
	d := c.s.d
	d.mu.RLock()
	defer d.mu.RUnlock()

	var (
		found item
		ok    bool
	)
	switch pos {
	case engine.First:
		found, ok = d.tree.Min()
	case engine.Last:
		found, ok = d.tree.Max()
	case engine.Next:
		if !fromSet {
			found, ok = d.tree.Min()
			break
		}
		d.tree.AscendGreaterOrEqual(from, func(it item) bool {
			if !d.less(from, it) {
				return true
			}
			found, ok = it, true
			return false
		})
	case engine.Prev:
		if !fromSet {
			found, ok = d.tree.Max()
			break
		}
		d.tree.DescendLessOrEqual(from, func(it item) bool {
			if !d.less(it, from) {
				return true
			}
			found, ok = it, true
			return false
		})
	case engine.Current:
		if !c.positioned {
			return item{}, engine.Errorf(engine.CodeInvalid, "cursor not positioned")
		}
		if c.deleted {
			return item{}, engine.ErrKeyEmpty
		}
		return c.cur, nil
	case engine.Set, engine.SetRange:
		if key == nil {
			return item{}, engine.Errorf(engine.CodeInvalid, "%s needs a key", pos)
		}
		probe, err := d.probe(key.Data)
		if err != nil {
			return item{}, err
		}
		if pos == engine.Set {
			if found, ok = d.tree.Get(probe); !ok {
				return item{}, d.missErr(probe)
			}
			break
		}
		d.tree.AscendGreaterOrEqual(probe, func(it item) bool {
			found, ok = it, true
			return false
		})
	default:
		return item{}, engine.Errorf(engine.CodeInvalid, "position %s not valid for get", pos)
	}
	if !ok {
		return item{}, engine.ErrNotFound
	}
	return found, nil
}

// Put implements engine.Cursor. KeyFirst and KeyLast write by key and move
// the cursor to it; Current overwrites the record under the cursor.
func (c *Cursor) Put(key, data *engine.Entry, pos engine.Position, flags engine.Flags) error {
	if err := c.check(); err != nil {
		return err
	}
	switch pos {
	case engine.KeyFirst, engine.KeyLast:
		if err := c.s.Put(c.txnOrNil(), key, data, flags); err != nil {
			return err
		}
		it, err := c.s.d.probe(key.Data)
		if err != nil {
			return err
		}
		c.cur, c.positioned, c.deleted = it, true, false
		return nil
	case engine.Current:
		if !c.positioned {
			return engine.Errorf(engine.CodeInvalid, "cursor not positioned")
		}
		if c.deleted {
			return engine.ErrKeyEmpty
		}
		return c.s.Put(c.txnOrNil(), &engine.Entry{Data: c.cur.key}, data, flags&^engine.FlagNoOverwrite)
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
	err := c.s.deleteItem(c.t, c.cur)
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

// txnOrNil avoids handing a typed-nil *Txn to Store methods.
func (c *Cursor) txnOrNil() engine.Txn {
	if c.t == nil {
		return nil
	}
	return c.t
}
