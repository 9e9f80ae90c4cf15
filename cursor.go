package recordkv

import (
	"errors"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
)

// Lengths reported in place of a length when a cursor or table operation
// found no record.
const (
	LengthNotFound  = -1
	LengthDeleted   = -2
	LengthKeyExists = -3
)

// Position selects the record a cursor operation addresses.
type Position = engine.Position

// Cursor positions.
const (
	PositionCurrent   = engine.Current
	PositionFirst     = engine.First
	PositionLast      = engine.Last
	PositionNext      = engine.Next
	PositionPrev      = engine.Prev
	PositionNextDup   = engine.NextDup
	PositionPrevDup   = engine.PrevDup
	PositionNextNoDup = engine.NextNoDup
	PositionPrevNoDup = engine.PrevNoDup
	PositionSet       = engine.Set
	PositionSetRange  = engine.SetRange
	PositionKeyFirst  = engine.KeyFirst
	PositionKeyLast   = engine.KeyLast
)

// GetFlags modify Cursor.Get.
type GetFlags uint32

// GetRMW takes a write lock on the record read.
const GetRMW GetFlags = 1

// PutFlags modify Cursor.Put.
type PutFlags uint32

// PutNoOverwrite reports LengthKeyExists instead of replacing a record.
const PutNoOverwrite PutFlags = 1

// Lengths reports the outcome of a cursor operation. Key and Value are
// resolved lengths, required lengths with StatusBufferTooSmall, or one of
// LengthNotFound, LengthDeleted and LengthKeyExists.
type Lengths struct {
	Key    int
	Value  int
	Status Status

	// KeyBuffer and ValueBuffer are the buffers the result was read into.
	// GetCurrent replaces a buffer that was too small.
	KeyBuffer   Buffer
	ValueBuffer Buffer
}

func missLengths(st Status) Lengths {
	switch st {
	case StatusKeyEmpty:
		return Lengths{Key: LengthDeleted, Value: LengthDeleted, Status: st}
	case StatusKeyExists:
		return Lengths{Key: LengthKeyExists, Value: LengthKeyExists, Status: st}
	default:
		return Lengths{Key: LengthNotFound, Value: LengthNotFound, Status: st}
	}
}

// Record is a key and value materialized by enumeration.
type Record struct {
	Key   []byte
	Value []byte
}

// Streams holds the engine-allocated key and value of Cursor.GetStream.
// Either stream is nil when it was not read.
type Streams struct {
	Key    *ValueStream
	Value  *ValueStream
	Status Status
}

// Close releases both streams and joins their errors.
func (s Streams) Close() error {
	var errs []error
	if s.Key != nil {
		errs = append(errs, s.Key.Close())
	}
	if s.Value != nil {
		errs = append(errs, s.Value.Close())
	}
	return errors.Join(errs...)
}

// Cursor walks a table. A Cursor is not safe for concurrent use.
//
// Cursor operations are not bracketed; each runs on the cursor's own
// engine handle and is retried on deadlock like a table operation.
type Cursor struct {
	table  *Table
	logger Logger
	ec     engine.Cursor

	current *Record
	err     error
	closed  bool
}

// NewCursor opens a cursor positioned before the first record.
func (t *Table) NewCursor() (*Cursor, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	ec, err := t.store.Cursor(nil)
	if err != nil {
		return nil, t.failure("NewCursor", Null(), err)
	}
	return &Cursor{table: t, logger: t.logger, ec: ec}, nil
}

func (c *Cursor) usable() error {
	if c.closed {
		return ErrCursorClosed
	}
	return c.table.usable()
}

// MoveNext advances to the next record and materializes it as Current.
// It returns false at the end of the table, on failure (see Err) and when
// the table has been closed, in which case the cursor closes itself.
func (c *Cursor) MoveNext() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.table.closed.Load() {
		c.current = nil
		c.Close()
		return false
	}
	for {
		st, err := retryCursor(c, "Cursor.MoveNext", Null(), func() error {
			return c.ec.Get(nil, nil, engine.Next, 0)
		})
		if err != nil {
			c.err, c.current = err, nil
			return false
		}
		switch st {
		case StatusSuccess:
		case StatusKeyEmpty:
			continue
		default:
			c.current = nil
			return false
		}

		l, err := c.GetCurrent(
			Writable(make([]byte, c.table.opts.KeyCapacity)),
			Writable(make([]byte, c.table.opts.ValueCapacity)),
		)
		if err != nil {
			c.err, c.current = err, nil
			return false
		}
		if l.Status == StatusKeyEmpty {
			// Deleted between the move and the read.
			continue
		}
		if l.Status != StatusSuccess {
			c.current = nil
			return false
		}
		c.current = &Record{
			Key:   l.KeyBuffer.Bytes()[:l.Key],
			Value: l.ValueBuffer.Bytes()[:l.Value],
		}
		tick(c.table.stats, TickerCursorSteps, 1)
		return true
	}
}

// Err returns the failure that stopped MoveNext, if any.
func (c *Cursor) Err() error { return c.err }

// Current returns the record materialized by the last successful MoveNext.
func (c *Cursor) Current() *Record { return c.current }

// GetCurrent reads the record under the cursor. If either buffer is too
// small it is replaced by one of the reported length and the read is
// issued once more; a second shortfall is ErrLengthMismatch.
func (c *Cursor) GetCurrent(key, value Buffer) (Lengths, error) {
	l, err := c.Get(key, value, 0, PositionCurrent, 0)
	if err != nil || l.Status != StatusBufferTooSmall {
		return l, err
	}
	if l.Key > key.Capacity() {
		key = Writable(make([]byte, l.Key))
	}
	if l.Value > value.Capacity() {
		value = Writable(make([]byte, l.Value))
	}
	l, err = c.Get(key, value, 0, PositionCurrent, 0)
	if err == nil && l.Status == StatusBufferTooSmall {
		err = newError("Cursor.GetCurrent", key, ErrLengthMismatch)
	}
	return l, err
}

// Get reads the record at pos into the Writable key and value buffers.
//
// For PositionSet and PositionSetRange key holds the search key; Set leaves
// it untouched and SetRange overwrites it with the key found. A null key
// or value is not read. A positive offset reads the value from that byte
// on.
func (c *Cursor) Get(key, value Buffer, offset int, pos Position, flags GetFlags) (Lengths, error) {
	const op = "Cursor.Get"
	if err := c.usable(); err != nil {
		return Lengths{Status: StatusFailure}, err
	}
	if offset < 0 {
		return Lengths{Status: StatusFailure}, newError(op, key, ErrInvalidOptions)
	}

	var ke *engine.Entry
	switch {
	case pos == PositionSet || pos == PositionSetRange:
		var err error
		if key, err = c.table.resolveKey(op, key, false); err != nil {
			return Lengths{Status: StatusFailure}, err
		}
		ke = &engine.Entry{Data: key.data}
		if pos == PositionSetRange {
			if !key.IsWritable() {
				return Lengths{Status: StatusFailure}, newError(op, key, ErrBufferNotWritable)
			}
			ke.Flags = engine.EntryUserMem
		}
	case key.IsNull():
	case !key.IsWritable():
		return Lengths{Status: StatusFailure}, newError(op, key, ErrBufferNotWritable)
	default:
		ke = key.forWrite(nil)
	}

	var ve *engine.Entry
	switch {
	case value.IsNull():
	case !value.IsWritable():
		return Lengths{Status: StatusFailure}, newError(op, key, ErrBufferNotWritable)
	default:
		ve = value.forWrite(nil)
		if offset > 0 {
			ve.SetPartial(offset, -1)
		}
	}

	var ef engine.Flags
	if flags&GetRMW != 0 {
		ef |= engine.FlagRMW
	}
	st, err := retryCursor(c, op, key, func() error {
		return c.ec.Get(ke, ve, pos, ef)
	})
	if err != nil {
		return Lengths{Status: st}, err
	}
	if st != StatusSuccess && st != StatusBufferTooSmall {
		return missLengths(st), nil
	}
	l := Lengths{Status: st, KeyBuffer: key, ValueBuffer: value}
	switch {
	case pos == PositionSet:
		l.Key = key.Len()
	case ke != nil:
		l.Key = ke.Size
	}
	if ve != nil {
		l.Value = ve.Size
	}
	if st == StatusBufferTooSmall {
		tick(c.table.stats, TickerBufferTooSmall, 1)
	}
	return l, nil
}

// GetStream reads the record at pos into engine-allocated buffers owned by
// the returned streams. For PositionSet and PositionSetRange key is the
// search key. The value is restricted to [offset, offset+length) when
// offset is positive or length is not negative.
func (c *Cursor) GetStream(key Buffer, offset, length int, pos Position) (Streams, error) {
	const op = "Cursor.GetStream"
	if err := c.usable(); err != nil {
		return Streams{Status: StatusFailure}, err
	}
	if offset < 0 {
		return Streams{Status: StatusFailure}, newError(op, key, ErrInvalidOptions)
	}
	if pos == PositionSet || pos == PositionSetRange {
		var err error
		if key, err = c.table.resolveKey(op, key, false); err != nil {
			return Streams{Status: StatusFailure}, err
		}
	}

	var ke, ve *engine.Entry
	release := func() {
		for _, e := range []*engine.Entry{ke, ve} {
			if e != nil && e.Release != nil {
				e.Release()
				e.Release = nil
			}
		}
	}
	st, err := retryCursor(c, op, key, func() error {
		release()
		switch pos {
		case PositionSet:
			ke = &engine.Entry{Data: key.data}
		case PositionSetRange:
			ke = &engine.Entry{Data: key.data, Flags: engine.EntryMalloc}
		default:
			ke = &engine.Entry{Flags: engine.EntryMalloc}
		}
		ve = &engine.Entry{Flags: engine.EntryMalloc}
		if offset > 0 || length >= 0 {
			ve.SetPartial(offset, length)
		}
		return c.ec.Get(ke, ve, pos, 0)
	})
	if err != nil || st != StatusSuccess {
		release()
		return Streams{Status: st}, err
	}

	s := Streams{Status: st, Value: newValueStream(ve.Data, ve.Release)}
	if pos != PositionSet {
		s.Key = newValueStream(ke.Data, ke.Release)
	}
	return s, nil
}

// Put writes value at pos. PositionKeyFirst and PositionKeyLast write under
// key and move the cursor to it; PositionCurrent overwrites the record
// under the cursor and ignores key. The value is written over
// [offset, offset+length) of the stored value when offset is positive or
// length is not negative.
func (c *Cursor) Put(key, value Buffer, offset, length int, pos Position, flags PutFlags) (Lengths, error) {
	const op = "Cursor.Put"
	if err := c.usable(); err != nil {
		return Lengths{Status: StatusFailure}, err
	}
	if offset < 0 {
		return Lengths{Status: StatusFailure}, newError(op, key, ErrInvalidOptions)
	}
	if value.IsNull() {
		return Lengths{Status: StatusFailure}, newError(op, key, ErrNullValue)
	}
	if pos != PositionCurrent {
		var err error
		if key, err = c.table.resolveKey(op, key, false); err != nil {
			return Lengths{Status: StatusFailure}, err
		}
	}

	var ef engine.Flags
	if flags&PutNoOverwrite != 0 {
		ef |= engine.FlagNoOverwrite
	}
	st, err := retryCursor(c, op, key, func() error {
		ve := value.forRead()
		if offset > 0 || length >= 0 {
			ve.SetPartial(offset, length)
		}
		return c.ec.Put(key.forRead(), ve, pos, ef)
	})
	if err != nil {
		return Lengths{Status: st}, err
	}
	if st != StatusSuccess {
		return missLengths(st), nil
	}
	tick(c.table.stats, TickerKeysWritten, 1)
	tick(c.table.stats, TickerBytesWritten, uint64(value.Len()))
	return Lengths{Key: key.Len(), Value: value.Len(), Status: st, KeyBuffer: key, ValueBuffer: value}, nil
}

// Delete removes the record under the cursor. It reports false when the
// record was already gone.
func (c *Cursor) Delete() (bool, error) {
	if err := c.usable(); err != nil {
		return false, err
	}
	st, err := retryCursor(c, "Cursor.Delete", Null(), func() error {
		return c.ec.Delete(0)
	})
	if err != nil {
		return false, err
	}
	if st != StatusSuccess {
		return false, nil
	}
	tick(c.table.stats, TickerKeysDeleted, 1)
	return true, nil
}

// Reset repositions the cursor before the first record, so the next
// MoveNext restarts the enumeration.
func (c *Cursor) Reset() error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.ec.Close(); err != nil {
		c.logger.Warnf("%sreset %q: closing engine cursor: %v", logging.NSCursor, c.table.opts.Name, err)
	}
	ec, err := c.table.store.Cursor(nil)
	if err != nil {
		c.closed = true
		return c.table.failure("Cursor.Reset", Null(), err)
	}
	c.ec, c.current, c.err = ec, nil, nil
	return nil
}

// Close releases the cursor. It is idempotent. When the table is already
// closed the engine cursor went with it and is not closed again.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.table.closed.Load() {
		c.logger.Warnf("%scursor on %q closed after its table", logging.NSCursor, c.table.opts.Name)
		return nil
	}
	if err := c.ec.Close(); err != nil {
		return newError("Cursor.Close", Null(), err)
	}
	return nil
}
