package recordkv

import (
	"io"
	"sync"
)

// ValueStream reads a value that the engine allocated for a streaming get.
// The engine buffer is released exactly once: when a read reaches the end
// of the value or on Close, whichever comes first.
type ValueStream struct {
	data    []byte
	off     int
	release func()
	once    sync.Once
}

var (
	_ io.Reader   = (*ValueStream)(nil)
	_ io.WriterTo = (*ValueStream)(nil)
	_ io.Closer   = (*ValueStream)(nil)
)

func newValueStream(data []byte, release func()) *ValueStream {
	return &ValueStream{data: data, release: release}
}

// Len returns the number of unread bytes.
func (s *ValueStream) Len() int { return len(s.data) - s.off }

// Read implements io.Reader.
func (s *ValueStream) Read(p []byte) (int, error) {
	if s.off >= len(s.data) {
		s.finish()
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:])
	s.off += n
	if s.off == len(s.data) {
		s.finish()
	}
	return n, nil
}

// WriteTo implements io.WriterTo.
func (s *ValueStream) WriteTo(w io.Writer) (int64, error) {
	if s.off >= len(s.data) {
		s.finish()
		return 0, nil
	}
	n, err := w.Write(s.data[s.off:])
	s.off += n
	if s.off == len(s.data) {
		s.finish()
	}
	return int64(n), err
}

// Close releases the engine buffer if it has not been released yet.
func (s *ValueStream) Close() error {
	s.finish()
	return nil
}

func (s *ValueStream) finish() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.data = s.data[:s.off]
	})
}
