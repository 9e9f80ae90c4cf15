package recordkv

import (
	"errors"

	"github.com/aalhour/recordkv/engine"
)

// Status is the outcome of one record operation.
type Status int

const (
	// StatusSuccess means the operation completed.
	StatusSuccess Status = iota
	// StatusNotFound means no record exists under the key.
	StatusNotFound
	// StatusKeyEmpty means the key's slot exists but its record was
	// deleted. The key stays valid for later writes.
	StatusKeyEmpty
	// StatusKeyExists means a unique insert found an existing record.
	StatusKeyExists
	// StatusBufferTooSmall means the output buffer could not hold the
	// result; the required length is reported alongside.
	StatusBufferTooSmall
	// StatusDeadlock means the engine chose the operation as a deadlock
	// victim and the retry budget ran out.
	StatusDeadlock
	// StatusFailure is any other engine or caller error.
	StatusFailure
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusNotFound:
		return "NotFound"
	case StatusKeyEmpty:
		return "KeyEmpty"
	case StatusKeyExists:
		return "KeyExists"
	case StatusBufferTooSmall:
		return "BufferTooSmall"
	case StatusDeadlock:
		return "Deadlock"
	default:
		return "Failure"
	}
}

// statusOfCode maps an engine return code to a Status.
func statusOfCode(c engine.Code) Status {
	switch c {
	case engine.CodeSuccess:
		return StatusSuccess
	case engine.CodeNotFound:
		return StatusNotFound
	case engine.CodeKeyEmpty:
		return StatusKeyEmpty
	case engine.CodeKeyExist:
		return StatusKeyExists
	case engine.CodeBufferSmall:
		return StatusBufferTooSmall
	case engine.CodeLockDeadlock:
		return StatusDeadlock
	default:
		return StatusFailure
	}
}

// StatusOf recovers the Status carried by err. A nil error is
// StatusSuccess; an error that carries no engine code is StatusFailure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	if errors.Is(err, ErrRetryLimitExceeded) {
		return StatusDeadlock
	}
	var e *Error
	if errors.As(err, &e) {
		return statusOfCode(e.Code)
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return statusOfCode(ee.Code)
	}
	return StatusFailure
}

// Result reports the outcome of a single-record read or write.
type Result struct {
	Status Status
	// Length is the resolved length of the value read. With
	// StatusBufferTooSmall it is the length the buffer needs.
	Length int
	// RecordNumber is the number assigned by an append to a Queue table.
	RecordNumber uint32
}
