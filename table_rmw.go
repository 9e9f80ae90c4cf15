package recordkv

import (
	"fmt"
	"time"

	"github.com/aalhour/recordkv/engine"
)

// RMWEntry is the record handed to a Transform.
type RMWEntry struct {
	// Data holds the bytes read from the requested region. The transform
	// may modify it in place or replace it.
	Data []byte
	// Length is how many bytes of Data to write back. Zero deletes the
	// record.
	Length int
	// Found reports whether a record existed.
	Found bool
}

// Transform edits a record in place during ReadModifyWrite. A non-nil
// error aborts the operation without writing.
type Transform func(e *RMWEntry) error

type rmwOutcome uint8

const (
	rmwNoop rmwOutcome = iota
	rmwWritten
	rmwDeleted
)

func (w Window) whole() bool { return w.Offset == 0 && w.Length < 0 }

// ReadModifyWrite reads region of the record under key with a write lock,
// lets fn modify it and writes the result back in the same transaction.
//
// A positive Length writes Data[:Length] over the region, or over the
// whole value when region is Whole. A zero Length deletes the record if it
// existed and does nothing otherwise. fn may run more than once when the
// operation is retried after a deadlock.
func (t *Table) ReadModifyWrite(key Buffer, region Window, fn Transform) error {
	const op = "ReadModifyWrite"
	key, err := t.resolveKey(op, key, false)
	if err != nil {
		return err
	}
	if err := region.validate(); err != nil {
		return newError(op, key, err)
	}
	tick(t.stats, TickerRMWCalls, 1)
	defer measure(t.stats, HistogramRMW, time.Now())

	outcome, _, err := execute(t, op, key, onlySuccess, func(txn engine.Txn) (rmwOutcome, error) {
		cur := &engine.Entry{}
		if !region.whole() {
			cur.SetPartial(region.Offset, region.Length)
		}
		e := &RMWEntry{Found: true}
		switch err := t.store.Get(txn, key.forRead(), cur, engine.FlagRMW); engine.CodeOf(err) {
		case engine.CodeSuccess:
			e.Data = cur.Data
			e.Length = len(cur.Data)
		case engine.CodeNotFound, engine.CodeKeyEmpty:
			e.Found = false
			cur.Size = 0
		default:
			return rmwNoop, err
		}

		if err := fn(e); err != nil {
			return rmwNoop, err
		}
		if e.Length < 0 || e.Length > len(e.Data) {
			return rmwNoop, fmt.Errorf("%w: transform length %d outside data of %d bytes", ErrInvalidOptions, e.Length, len(e.Data))
		}

		if e.Length == 0 {
			if !e.Found {
				return rmwNoop, nil
			}
			return rmwDeleted, t.store.Delete(txn, key.forRead(), 0)
		}
		out := &engine.Entry{Data: e.Data[:e.Length]}
		if !region.whole() {
			out.SetPartial(region.Offset, cur.Size)
		}
		return rmwWritten, t.store.Put(txn, key.forRead(), out, 0)
	})
	if err != nil {
		return err
	}
	switch outcome {
	case rmwDeleted:
		tick(t.stats, TickerRMWDeletes, 1)
		tick(t.stats, TickerKeysDeleted, 1)
	case rmwWritten:
		tick(t.stats, TickerKeysWritten, 1)
	}
	return nil
}
