package compression

import (
	"bytes"
	"errors"
	"testing"
)

var allTypes = []Type{None, Snappy, Flate, LZ4, LZ4HC, Zstd}

func TestEncodeDecode(t *testing.T) {
	inputs := map[string][]byte{
		"empty":        {},
		"short":        []byte("v1"),
		"compressible": bytes.Repeat([]byte("record value "), 200),
		"binary":       {0x00, 0xff, 0x10, 0x00, 0x00, 0x7f},
	}

	for _, typ := range allTypes {
		for name, data := range inputs {
			t.Run(typ.String()+"/"+name, func(t *testing.T) {
				enc, err := Encode(typ, data)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				dec, err := Decode(enc)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if !bytes.Equal(dec, data) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(dec), len(data))
				}
			})
		}
	}
}

func TestEncodeShrinks(t *testing.T) {
	data := bytes.Repeat([]byte("hello world "), 100)
	for _, typ := range allTypes[1:] {
		enc, err := Encode(typ, data)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if Type(enc[0]) != typ {
			t.Errorf("%s: tag = %s, want compressed tag", typ, Type(enc[0]))
		}
		if len(enc) >= len(data) {
			t.Errorf("%s: encoded %d bytes, original %d", typ, len(enc), len(data))
		}
	}
}

func TestEncodeFallsBackToNone(t *testing.T) {
	enc, err := Encode(Zstd, []byte("ab"))
	if err != nil {
		t.Fatal(err)
	}
	if Type(enc[0]) != None {
		t.Errorf("tiny value should be stored uncompressed, tag = %s", Type(enc[0]))
	}
}

func TestDecodeDoesNotAlias(t *testing.T) {
	enc, _ := Encode(None, []byte("abc"))
	dec, _ := Decode(enc)
	dec[0] = 'X'
	if enc[1] != 'a' {
		t.Error("decoded value aliases the encoded buffer")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	tests := map[string][]byte{
		"empty":       nil,
		"unknown tag": {0x3, 'x'},
		"bad snappy":  {byte(Snappy), 0xff, 0xff, 0xff},
		"bad zstd":    {byte(Zstd), 0x01, 0x02, 0x03},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(in); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Decode(%x) error = %v, want ErrCorrupt", in, err)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range allTypes {
		got, err := ParseType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParseType(%q) = %v, %v", typ.String(), got, err)
		}
	}
	if got, _ := ParseType(""); got != None {
		t.Errorf("ParseType(\"\") = %v, want none", got)
	}
	if got, _ := ParseType("ZSTD"); got != Zstd {
		t.Errorf("ParseType is case sensitive")
	}
	if _, err := ParseType("bzip2"); err == nil {
		t.Error("ParseType(bzip2) should fail")
	}
}

func TestTextMarshaling(t *testing.T) {
	b, err := LZ4HC.MarshalText()
	if err != nil || string(b) != "lz4hc" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	var typ Type
	if err := typ.UnmarshalText([]byte("snappy")); err != nil || typ != Snappy {
		t.Fatalf("UnmarshalText = %v, %v", typ, err)
	}
	if _, err := Type(3).MarshalText(); err == nil {
		t.Error("MarshalText of unsupported type should fail")
	}
}
