package engine

import (
	"bytes"
	"sync/atomic"
)

// EntryFlags select how an Entry is read from or filled by the engine.
type EntryFlags uint8

const (
	// EntryUserMem marks Data as a caller-owned destination; its length is
	// the capacity. Results larger than the capacity fail with
	// CodeBufferSmall after copying as much as fits.
	EntryUserMem EntryFlags = 1 << iota
	// EntryMalloc asks the engine to allocate the result. The caller owns
	// it and must call Release exactly once.
	EntryMalloc
	// EntryPartial restricts the operation to [DOff, DOff+DLen) of the
	// stored value. A negative DLen means to the end of the value.
	EntryPartial
)

// Entry is a key or value exchanged with the engine.
//
// On input Data holds the bytes. On output Size is the resolved length of
// the result (or the required length when CodeBufferSmall is returned).
type Entry struct {
	Data    []byte
	Size    int
	Flags   EntryFlags
	DOff    int
	DLen    int
	Release func()
}

// Partial reports whether the partial window is set.
func (e *Entry) Partial() bool {
	return e != nil && e.Flags&EntryPartial != 0
}

// SetPartial restricts the entry to a window.
func (e *Entry) SetPartial(off, length int) {
	e.DOff = max(off, 0)
	e.DLen = length
	e.Flags |= EntryPartial
}

// window returns the part of rec selected by the entry.
func (e *Entry) window(rec []byte) []byte {
	if !e.Partial() {
		return rec
	}
	off := min(e.DOff, len(rec))
	end := len(rec)
	if e.DLen >= 0 && off+e.DLen < end {
		end = off + e.DLen
	}
	return rec[off:end]
}

// Fill stores rec (or its partial window) into dst according to dst's flags.
// A nil dst is ignored.
func Fill(dst *Entry, rec []byte) error {
	if dst == nil {
		return nil
	}
	win := dst.window(rec)
	dst.Size = len(win)
	switch {
	case dst.Flags&EntryUserMem != 0:
		copy(dst.Data, win)
		if len(win) > len(dst.Data) {
			return ErrBufferSmall
		}
	case dst.Flags&EntryMalloc != 0:
		dst.Data, dst.Release = Allocate(len(win))
		copy(dst.Data, win)
	default:
		dst.Data = bytes.Clone(win)
		if dst.Data == nil {
			dst.Data = []byte{}
		}
	}
	return nil
}

// Merge returns the value that results from writing in over old.
// Without a partial window the value is replaced. With one, the bytes
// [DOff, DOff+DLen) of old are replaced by in.Data and a gap past the end of
// old is zero-filled.
func Merge(old []byte, in *Entry) []byte {
	if !in.Partial() {
		return bytes.Clone(in.Data)
	}
	off := in.DOff
	var tail []byte
	if in.DLen >= 0 && off+in.DLen < len(old) {
		tail = old[off+in.DLen:]
	}
	head := old[:min(off, len(old))]

	out := make([]byte, 0, off+len(in.Data)+len(tail))
	out = append(out, head...)
	for len(out) < off {
		out = append(out, 0)
	}
	out = append(out, in.Data...)
	return append(out, tail...)
}

var outstanding atomic.Int64

// Allocate returns an engine-owned buffer of n bytes and its release
// function.
func Allocate(n int) ([]byte, func()) {
	outstanding.Add(1)
	return make([]byte, n), func() { outstanding.Add(-1) }
}

// Outstanding returns the number of allocated buffers not yet released.
func Outstanding() int64 {
	return outstanding.Load()
}
