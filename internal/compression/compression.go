// Package compression implements the value codec used by the persistent
// engine adapters.
//
// An encoded value is a 1-byte Type tag followed by the (possibly
// compressed) payload. Partial reads and writes operate on decoded values,
// so the codec is applied to whole records only.
package compression

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type uint8

const (
	// None stores the payload as is.
	None Type = 0x0
	// Snappy uses Google Snappy block compression.
	Snappy Type = 0x1
	// Flate uses raw DEFLATE.
	Flate Type = 0x2
	// LZ4 uses LZ4 frame compression at the fast level.
	LZ4 Type = 0x4
	// LZ4HC uses LZ4 frame compression at level 9.
	LZ4HC Type = 0x5
	// Zstd uses Zstandard.
	Zstd Type = 0x7
)

// ErrCorrupt is returned when an encoded value cannot be decoded.
var ErrCorrupt = errors.New("compression: corrupt value")

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Flate:
		return "flate"
	case LZ4:
		return "lz4"
	case LZ4HC:
		return "lz4hc"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case None, Snappy, Flate, LZ4, LZ4HC, Zstd:
		return true
	default:
		return false
	}
}

// ParseType parses a name as printed by Type.String, case-insensitively.
// The empty string parses as None.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "flate", "zlib":
		return Flate, nil
	case "lz4":
		return LZ4, nil
	case "lz4hc":
		return LZ4HC, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("compression: unknown type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.IsSupported() {
		return nil, fmt.Errorf("compression: unsupported type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Encode returns the tagged encoding of data under t.
// Small values that do not shrink are stored uncompressed.
func Encode(t Type, data []byte) ([]byte, error) {
	payload, err := compress(t, data)
	if err != nil {
		return nil, err
	}
	if t != None && len(payload) >= len(data) {
		t, payload = None, data
	}
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out, nil
}

// Decode returns the payload of a tagged value.
func Decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrCorrupt
	}
	t := Type(b[0])
	if !t.IsSupported() {
		return nil, fmt.Errorf("%w: type tag %d", ErrCorrupt, b[0])
	}
	out, err := decompress(t, b[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, t, err)
	}
	return out, nil
}

func compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case Flate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("flate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("flate write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("flate close: %w", err)
		}
		return buf.Bytes(), nil

	case LZ4:
		return compressLZ4(data, lz4.Fast)

	case LZ4HC:
		return compressLZ4(data, lz4.Level9)

	case Zstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

func compressLZ4(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return bytes.Clone(data), nil

	case Snappy:
		return snappy.Decode(nil, data)

	case Flate:
		r := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)

	case LZ4, LZ4HC:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case Zstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// The zstd coders are safe for concurrent EncodeAll/DecodeAll and costly to
// build, so one of each is shared.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)
