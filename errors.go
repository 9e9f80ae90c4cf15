package recordkv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
)

// Code is an engine or record-layer return code.
type Code = engine.Code

// Record-layer codes. They sit below the engine's range so the two never
// collide.
const (
	CodeKeyNull        Code = -40896
	CodeKeyZeroLength  Code = -40895
	CodeLengthMismatch Code = -40894
)

// ErrFatal is wrapped by every fatal condition. Use errors.Is(err, ErrFatal).
var ErrFatal = logging.ErrFatal

var (
	// ErrNullKey is returned when a null key is passed where a key is required.
	ErrNullKey = errors.New("recordkv: key is null")
	// ErrNullValue is returned when a null value is written. Store an empty
	// record with Bytes(nil) or String("") instead.
	ErrNullValue = errors.New("recordkv: value is null")
	// ErrEmptyKey is returned for a zero-length byte or string key.
	ErrEmptyKey = errors.New("recordkv: key has zero length")
	// ErrLengthMismatch is returned when a read still does not fit after
	// the buffer was grown to the length the engine reported.
	ErrLengthMismatch = errors.New("recordkv: record length changed between reads")
	// ErrBufferNotWritable is returned when a read-only view is used as an
	// output buffer.
	ErrBufferNotWritable = errors.New("recordkv: buffer is not writable")
	// ErrTableClosed is returned by operations on a closed table.
	ErrTableClosed = errors.New("recordkv: table is closed")
	// ErrCursorClosed is returned by operations on a closed cursor.
	ErrCursorClosed = errors.New("recordkv: cursor is closed")
	// ErrEnvironmentClosed is returned by operations on a closed environment.
	ErrEnvironmentClosed = errors.New("recordkv: environment is closed")
	// ErrEnvironmentPanic is returned once the engine has reported that it
	// needs recovery.
	ErrEnvironmentPanic = fmt.Errorf("recordkv: environment needs recovery: %w", ErrFatal)
	// ErrRetryLimitExceeded is returned when an operation is chosen as a
	// deadlock victim more times than the table allows.
	ErrRetryLimitExceeded = fmt.Errorf("recordkv: deadlock retry limit exceeded: %w", ErrFatal)
	// ErrUnknownTableType is returned when a table type is not recognised
	// or not supported by the engine.
	ErrUnknownTableType = errors.New("recordkv: unknown table type")
	// ErrInvalidOptions is returned for malformed options.
	ErrInvalidOptions = errors.New("recordkv: invalid options")
)

// Error describes a failed operation.
type Error struct {
	// Op is the logical operation, such as "Get" or "Cursor.Put".
	Op string
	// Code is the engine or record-layer code.
	Code Code
	// Key summarises the key involved, if any.
	Key string
	// Err is the underlying failure. When a rollback also failed it joins
	// both errors.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Key != "" {
		b.WriteString(": ")
		b.WriteString(e.Key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying failure.
func (e *Error) Unwrap() error { return e.Err }

// Status returns the Status this error represents.
func (e *Error) Status() Status { return StatusOf(e) }

// codeOf picks the code of err, translating record-layer sentinels.
func codeOf(err error) Code {
	switch {
	case errors.Is(err, ErrNullKey):
		return CodeKeyNull
	case errors.Is(err, ErrEmptyKey):
		return CodeKeyZeroLength
	case errors.Is(err, ErrLengthMismatch):
		return CodeLengthMismatch
	case errors.Is(err, ErrRetryLimitExceeded):
		return engine.CodeLockDeadlock
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return engine.CodeInvalid
}

func newError(op string, key Buffer, err error) *Error {
	e := &Error{Op: op, Code: codeOf(err), Err: err}
	if !key.IsNull() {
		e.Key = keySummary(key.data)
	}
	return e
}
