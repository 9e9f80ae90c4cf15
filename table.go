package recordkv

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
)

// Table is an open record store. It is safe for concurrent use.
//
// Every single-record operation runs in its own transaction bracket and is
// retried on deadlock; see TableOptions.MaxDeadlockRetries.
type Table struct {
	env    *Environment
	store  engine.Store
	opts   TableOptions
	logger Logger
	stats  Statistics
	closed atomic.Bool
}

// Name returns the table name.
func (t *Table) Name() string { return t.opts.Name }

// Type returns the record organisation the table was opened with.
func (t *Table) Type() TableType { return t.opts.Type }

// Options returns the resolved table options.
func (t *Table) Options() TableOptions { return t.opts }

func (t *Table) usable() error {
	if t.closed.Load() {
		return ErrTableClosed
	}
	return t.env.usable()
}

// checkKey rejects null and zero-length keys. Integer keys are always
// valid; a null key is allowed only where allowNull says so.
func checkKey(op string, key Buffer, allowNull bool) error {
	switch {
	case key.IsNull():
		if allowNull {
			return nil
		}
		return newError(op, key, ErrNullKey)
	case key.IsInt():
		return nil
	case key.Len() == 0:
		return newError(op, key, ErrEmptyKey)
	}
	return nil
}

// resolveKey checks key for op and narrows an Int64 key on a Queue table
// to the 4-byte record number the engines expect. Record numbers outside
// 1..MaxUint32 are rejected.
func (t *Table) resolveKey(op string, key Buffer, allowNull bool) (Buffer, error) {
	if err := checkKey(op, key, allowNull); err != nil {
		return key, err
	}
	if t.opts.Type != TableQueue || !key.IsInt() || key.Len() != 8 {
		return key, nil
	}
	v := binary.LittleEndian.Uint64(key.data)
	if v == 0 || v > math.MaxUint32 {
		return key, newError(op, key, fmt.Errorf("%w: record number %d out of range", ErrInvalidOptions, int64(v)))
	}
	return Int32(int32(uint32(v))), nil
}

// readStatus accepts every outcome of a read that is not an error.
func readStatus(s Status) bool {
	switch s {
	case StatusSuccess, StatusNotFound, StatusKeyEmpty, StatusBufferTooSmall:
		return true
	}
	return false
}

func presenceStatus(s Status) bool {
	return s == StatusSuccess || s == StatusNotFound || s == StatusKeyEmpty
}

func onlySuccess(s Status) bool { return s == StatusSuccess }

// missLength is the Length reported for a read that found nothing.
func missLength(s Status) int {
	if s == StatusKeyEmpty {
		return LengthDeleted
	}
	return LengthNotFound
}

func readFlags(opts *ReadOptions) (*Window, engine.Flags) {
	if opts == nil {
		return nil, 0
	}
	var flags engine.Flags
	if opts.ForUpdate {
		flags |= engine.FlagRMW
	}
	return opts.Window, flags
}

// Get reads the value stored under key into value, which must be
// Writable. With StatusBufferTooSmall the buffer holds as much as fits and
// Result.Length is the length it needs. A miss reports StatusNotFound, or
// StatusKeyEmpty for a deleted Queue record, with a negative Length.
func (t *Table) Get(opts *ReadOptions, key, value Buffer) (Result, error) {
	const op = "Get"
	key, err := t.resolveKey(op, key, false)
	if err != nil {
		return Result{Status: StatusFailure}, err
	}
	if !value.IsWritable() {
		return Result{Status: StatusFailure}, newError(op, key, ErrBufferNotWritable)
	}
	w, flags := readFlags(opts)
	if err := w.validate(); err != nil {
		return Result{Status: StatusFailure}, newError(op, key, err)
	}
	defer measure(t.stats, HistogramGet, time.Now())

	n, st, err := execute(t, op, key, readStatus, func(txn engine.Txn) (int, error) {
		data := value.forWrite(w)
		err := t.store.Get(txn, key.forRead(), data, flags)
		return data.Size, err
	})
	if err != nil {
		return Result{Status: st}, err
	}
	return t.readResult(st, n), nil
}

func (t *Table) readResult(st Status, n int) Result {
	switch st {
	case StatusSuccess:
		tick(t.stats, TickerKeysRead, 1)
		tick(t.stats, TickerBytesRead, uint64(n))
	case StatusBufferTooSmall:
		tick(t.stats, TickerBufferTooSmall, 1)
	default:
		tick(t.stats, TickerKeysNotFound, 1)
		return Result{Status: st, Length: missLength(st)}
	}
	return Result{Status: st, Length: n}
}

// GetStream reads the value under key into an engine-allocated buffer
// owned by the returned stream. The stream is nil unless the status is
// StatusSuccess.
func (t *Table) GetStream(opts *ReadOptions, key Buffer) (*ValueStream, Status, error) {
	const op = "GetStream"
	key, err := t.resolveKey(op, key, false)
	if err != nil {
		return nil, StatusFailure, err
	}
	w, flags := readFlags(opts)
	if err := w.validate(); err != nil {
		return nil, StatusFailure, newError(op, key, err)
	}

	var last *engine.Entry
	release := func() {
		if last != nil && last.Release != nil {
			last.Release()
			last.Release = nil
		}
	}
	data, st, err := execute(t, op, key, presenceStatus, func(txn engine.Txn) (*engine.Entry, error) {
		release()
		last = &engine.Entry{Flags: engine.EntryMalloc}
		w.apply(last)
		return last, t.store.Get(txn, key.forRead(), last, flags)
	})
	if err != nil || st != StatusSuccess {
		release()
		if err == nil {
			tick(t.stats, TickerKeysNotFound, 1)
		}
		return nil, st, err
	}
	tick(t.stats, TickerKeysRead, 1)
	tick(t.stats, TickerBytesRead, uint64(len(data.Data)))
	return newValueStream(data.Data, data.Release), st, nil
}

// GetLength returns the length of the value under key without copying
// it, or LengthNotFound (LengthDeleted for an empty Queue slot).
func (t *Table) GetLength(key Buffer) (int, error) {
	const op = "GetLength"
	key, err := t.resolveKey(op, key, false)
	if err != nil {
		return LengthNotFound, err
	}
	n, st, err := execute(t, op, key, readStatus, func(txn engine.Txn) (int, error) {
		data := Writable(nil).forWrite(nil)
		err := t.store.Get(txn, key.forRead(), data, 0)
		return data.Size, err
	})
	switch {
	case err != nil:
		return LengthNotFound, err
	case st == StatusNotFound || st == StatusKeyEmpty:
		return missLength(st), nil
	}
	return n, nil
}

// Value returns a copy of the value under key. It reads into a buffer of
// ValueCapacity bytes and, if that is too small, once more into a buffer
// of the reported length.
func (t *Table) Value(key Buffer) ([]byte, Status, error) {
	buf := make([]byte, t.opts.ValueCapacity)
	res, err := t.Get(nil, key, Writable(buf))
	if err != nil {
		return nil, res.Status, err
	}
	if res.Status == StatusBufferTooSmall {
		buf = make([]byte, res.Length)
		if res, err = t.Get(nil, key, Writable(buf)); err != nil {
			return nil, res.Status, err
		}
		if res.Status == StatusBufferTooSmall {
			return nil, res.Status, newError("Value", key, ErrLengthMismatch)
		}
	}
	if res.Status != StatusSuccess {
		return nil, res.Status, nil
	}
	return buf[:res.Length], res.Status, nil
}

// Put stores value under key.
//
// With opts.Window only the window of the stored value is replaced. With
// opts.NoOverwrite an existing record is left alone and StatusKeyExists is
// returned. With opts.Append the record is added to a Queue table under
// the next record number, reported in Result.RecordNumber; the key must
// then be null or an integer and is ignored.
func (t *Table) Put(opts *WriteOptions, key, value Buffer) (Result, error) {
	const op = "Put"
	var (
		w      *Window
		flags  engine.Flags
		accept = onlySuccess
	)
	if opts != nil {
		w = opts.Window
		if opts.NoOverwrite {
			flags |= engine.FlagNoOverwrite
			accept = func(s Status) bool { return s == StatusSuccess || s == StatusKeyExists }
		}
		if opts.Append {
			if !key.IsNull() && !key.IsInt() {
				return Result{Status: StatusFailure}, newError(op, key, ErrInvalidOptions)
			}
			flags |= engine.FlagAppend
		}
	}
	if value.IsNull() {
		return Result{Status: StatusFailure}, newError(op, key, ErrNullValue)
	}
	var err error
	if flags&engine.FlagAppend != 0 {
		// The engine assigns the record number; key is not read.
		err = checkKey(op, key, true)
	} else {
		key, err = t.resolveKey(op, key, false)
	}
	if err != nil {
		return Result{Status: StatusFailure}, err
	}
	if err := w.validate(); err != nil {
		return Result{Status: StatusFailure}, newError(op, key, err)
	}
	defer measure(t.stats, HistogramPut, time.Now())

	recno, st, err := execute(t, op, key, accept, func(txn engine.Txn) (uint32, error) {
		data := value.forRead()
		w.apply(data)
		if flags&engine.FlagAppend == 0 {
			return 0, t.store.Put(txn, key.forRead(), data, flags)
		}
		k := &engine.Entry{}
		if err := t.store.Put(txn, k, data, flags); err != nil {
			return 0, err
		}
		if len(k.Data) != 4 {
			return 0, engine.Errorf(engine.CodeInvalid, "append returned a %d byte record number", len(k.Data))
		}
		return binary.LittleEndian.Uint32(k.Data), nil
	})
	if err != nil {
		return Result{Status: st}, err
	}
	if st == StatusKeyExists {
		return Result{Status: st, Length: LengthKeyExists}, nil
	}
	tick(t.stats, TickerKeysWritten, 1)
	tick(t.stats, TickerBytesWritten, uint64(value.Len()))
	return Result{Status: st, Length: value.Len(), RecordNumber: recno}, nil
}

// Delete removes the record under key. It reports false when there was
// nothing to delete.
func (t *Table) Delete(key Buffer) (bool, error) {
	const op = "Delete"
	key, err := t.resolveKey(op, key, false)
	if err != nil {
		return false, err
	}
	defer measure(t.stats, HistogramDelete, time.Now())

	ok, _, err := execute(t, op, key, presenceStatus, func(txn engine.Txn) (bool, error) {
		err := t.store.Delete(txn, key.forRead(), 0)
		return err == nil, err
	})
	if ok {
		tick(t.stats, TickerKeysDeleted, 1)
	}
	return ok, err
}

// Exists reports StatusSuccess, StatusNotFound or StatusKeyEmpty for key.
func (t *Table) Exists(key Buffer) (Status, error) {
	const op = "Exists"
	key, err := t.resolveKey(op, key, false)
	if err != nil {
		return StatusFailure, err
	}
	_, st, err := execute(t, op, key, presenceStatus, func(txn engine.Txn) (struct{}, error) {
		return struct{}{}, t.store.Exists(txn, key.forRead(), 0)
	})
	return st, err
}

// Truncate deletes every record and returns how many were removed.
func (t *Table) Truncate() (int, error) {
	n, _, err := execute(t, "Truncate", Null(), onlySuccess, func(txn engine.Txn) (int, error) {
		return t.store.Truncate(txn)
	})
	if err != nil {
		return 0, err
	}
	tick(t.stats, TickerKeysDeleted, uint64(n))
	t.logger.Infof("%struncated %q: %d records", logging.NSTable, t.opts.Name, n)
	return n, nil
}

// Count returns the number of records.
func (t *Table) Count() (int, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	n, err := t.store.Count()
	if err != nil {
		return 0, t.failure("Count", Null(), err)
	}
	return n, nil
}

// Sync flushes the table to stable storage.
func (t *Table) Sync() error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := t.store.Sync(); err != nil {
		return t.failure("Sync", Null(), err)
	}
	return nil
}

// Compact asks the engine to reclaim space left by deleted and
// overwritten records. Engines with nothing to reclaim return nil.
func (t *Table) Compact() error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := t.store.Compact(); err != nil {
		return t.failure("Compact", Null(), err)
	}
	t.logger.Infof("%scompacted %q", logging.NSTable, t.opts.Name)
	return nil
}

// Verify checks the table's on-disk structure and that every record
// decodes. Damage is reported as an *Error with Code engine.CodeVerifyBad.
func (t *Table) Verify() error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := t.store.Verify(); err != nil {
		return t.failure("Verify", Null(), err)
	}
	return nil
}

// Close closes the table. Cursors still open on it stop enumerating.
// Close is idempotent.
func (t *Table) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.env.forget(t)
	if err := t.store.Close(); err != nil {
		return newError("Close", Null(), err)
	}
	t.logger.Infof("%sclosed table %q", logging.NSTable, t.opts.Name)
	return nil
}
