package recordkv

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// maxSummaryBytes bounds how much of a key is rendered in diagnostics.
const maxSummaryBytes = 32

// keySummary renders a key for log lines and errors: its length, up to 32
// bytes in hex, and for 2, 4 and 8 byte keys the little-endian integer.
func keySummary(key []byte) string {
	if len(key) == 0 {
		return "key (len=0)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "key (len=%d)", len(key))
	for _, c := range key[:min(len(key), maxSummaryBytes)] {
		fmt.Fprintf(&b, " %02x", c)
	}
	if len(key) > maxSummaryBytes {
		b.WriteString(" ...")
	}
	switch len(key) {
	case 2:
		fmt.Fprintf(&b, " = %d", int16(binary.LittleEndian.Uint16(key)))
	case 4:
		fmt.Fprintf(&b, " = %d", int32(binary.LittleEndian.Uint32(key)))
	case 8:
		fmt.Fprintf(&b, " = %d", int64(binary.LittleEndian.Uint64(key)))
	}
	return b.String()
}
