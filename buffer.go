package recordkv

import (
	"encoding/binary"

	"github.com/aalhour/recordkv/engine"
)

type bufferKind uint8

const (
	kindNull bufferKind = iota
	kindBytes
	kindInt
)

// Buffer is a view over caller memory used as a key or value.
//
// A Buffer never owns engine memory; engine-allocated values are handed out
// as a ValueStream instead. The zero Buffer is the null view.
type Buffer struct {
	data     []byte
	kind     bufferKind
	writable bool
}

// Null returns the null view.
func Null() Buffer { return Buffer{} }

// Bytes returns a read-only view of b. A nil slice is the null view; an
// empty non-nil slice is a zero-length key.
func Bytes(b []byte) Buffer {
	if b == nil {
		return Buffer{}
	}
	return Buffer{data: b, kind: kindBytes}
}

// String returns a read-only view of s.
func String(s string) Buffer {
	return Buffer{data: []byte(s), kind: kindBytes}
}

// Int32 returns an inline little-endian 32-bit view, the key format of
// Queue tables.
func Int32(v int32) Buffer {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return Buffer{data: b, kind: kindInt}
}

// Int64 returns an inline little-endian 64-bit view.
func Int64(v int64) Buffer {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return Buffer{data: b, kind: kindInt}
}

// Writable returns an output view over b. Its capacity is len(b).
func Writable(b []byte) Buffer {
	return Buffer{data: b, kind: kindBytes, writable: true}
}

// IsNull reports whether b is the null view.
func (b Buffer) IsNull() bool { return b.kind == kindNull }

// IsInt reports whether b was built by Int32 or Int64.
func (b Buffer) IsInt() bool { return b.kind == kindInt }

// IsWritable reports whether b may be used as an output buffer.
func (b Buffer) IsWritable() bool { return b.writable }

// Len returns the number of bytes in the view.
func (b Buffer) Len() int { return len(b.data) }

// Capacity returns how many bytes a read may place in b.
func (b Buffer) Capacity() int { return len(b.data) }

// Bytes returns the underlying slice.
func (b Buffer) Bytes() []byte { return b.data }

// forRead describes b as engine input.
func (b Buffer) forRead() *engine.Entry {
	return &engine.Entry{Data: b.data}
}

// forWrite describes b as a caller-owned engine output restricted to w.
func (b Buffer) forWrite(w *Window) *engine.Entry {
	e := &engine.Entry{Data: b.data, Flags: engine.EntryUserMem}
	w.apply(e)
	return e
}

// Window restricts a read or write to [Offset, Offset+Length) of the
// stored value. A negative Length means to the end of the value.
type Window struct {
	Offset int
	Length int
}

// Whole is the window covering an entire value.
var Whole = Window{Offset: 0, Length: -1}

func (w *Window) validate() error {
	if w != nil && w.Offset < 0 {
		return ErrInvalidOptions
	}
	return nil
}

func (w *Window) apply(e *engine.Entry) {
	if w != nil {
		e.SetPartial(w.Offset, w.Length)
	}
}
