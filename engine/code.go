package engine

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is an engine return code. Values match the Berkeley DB public codes
// so logs and diagnostics read the same as those of a native engine.
type Code int32

const (
	CodeSuccess         Code = 0
	CodeBufferSmall     Code = -30999 // user memory too small for return
	CodeDoNotIndex      Code = -30998
	CodeForeignConflict Code = -30997
	CodeKeyEmpty        Code = -30996 // key/data deleted or never created
	CodeKeyExist        Code = -30995 // key/data pair already exists
	CodeLockDeadlock    Code = -30994 // deadlock; the transaction must abort
	CodeLockNotGranted  Code = -30993 // lock unavailable
	CodeLogBufferFull   Code = -30992
	CodeNotFound        Code = -30988 // key/data pair not found
	CodeOldVersion      Code = -30987
	CodePageNotFound    Code = -30986
	CodeRunRecovery     Code = -30973 // panic return
	CodeSecondaryBad    Code = -30972
	CodeVerifyBad       Code = -30970
	CodeVersionMismatch Code = -30969

	// System codes reported by adapters.
	CodeNoEntry Code = Code(syscall.ENOENT)
	CodeIO      Code = Code(syscall.EIO)
	CodeAccess  Code = Code(syscall.EACCES)
	CodeInvalid Code = Code(syscall.EINVAL)
)

var codeText = map[Code]string{
	CodeSuccess:         "Successful return: 0",
	CodeBufferSmall:     "DB_BUFFER_SMALL: User memory too small for return value",
	CodeDoNotIndex:      "DB_DONOTINDEX: Secondary index callback returns null",
	CodeForeignConflict: "DB_FOREIGN_CONFLICT: A foreign database constraint has been violated",
	CodeKeyEmpty:        "DB_KEYEMPTY: Non-existent key/data pair",
	CodeKeyExist:        "DB_KEYEXIST: Key/data pair already exists",
	CodeLockDeadlock:    "DB_LOCK_DEADLOCK: Locker killed to resolve a deadlock",
	CodeLockNotGranted:  "DB_LOCK_NOTGRANTED: Lock not granted",
	CodeLogBufferFull:   "DB_LOG_BUFFER_FULL: In-memory log buffer is full",
	CodeNotFound:        "DB_NOTFOUND: No matching key/data pair found",
	CodeOldVersion:      "DB_OLDVERSION: Database requires a version upgrade",
	CodePageNotFound:    "DB_PAGE_NOTFOUND: Requested page not found",
	CodeRunRecovery:     "DB_RUNRECOVERY: Fatal error, run database recovery",
	CodeSecondaryBad:    "DB_SECONDARY_BAD: Secondary index inconsistent with primary",
	CodeVerifyBad:       "DB_VERIFY_BAD: Database verification failed",
	CodeVersionMismatch: "DB_VERSION_MISMATCH: Database environment version mismatch",
}

// ErrorText returns the engine's description of a code.
func ErrorText(c Code) string {
	if s, ok := codeText[c]; ok {
		return s
	}
	if c > 0 {
		return syscall.Errno(c).Error()
	}
	return fmt.Sprintf("Unknown error: %d", int32(c))
}

// String implements fmt.Stringer.
func (c Code) String() string {
	return ErrorText(c)
}

// Error is an engine failure carrying its return code.
type Error struct {
	Code Code
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return ErrorText(e.Code)
	}
	return ErrorText(e.Code) + ": " + e.Msg
}

// Is matches any *Error with the same code, so the sentinels below can be
// used with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf returns an *Error with the given code and formatted message.
func Errorf(c Code, format string, args ...any) error {
	return &Error{Code: c, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels for the status-like codes.
var (
	ErrBufferSmall    = &Error{Code: CodeBufferSmall}
	ErrKeyEmpty       = &Error{Code: CodeKeyEmpty}
	ErrKeyExist       = &Error{Code: CodeKeyExist}
	ErrDeadlock       = &Error{Code: CodeLockDeadlock}
	ErrLockNotGranted = &Error{Code: CodeLockNotGranted}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrRunRecovery    = &Error{Code: CodeRunRecovery}
)

// CodeOf extracts the code of err. Nil maps to CodeSuccess and errors that
// carry no engine code map to CodeIO.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeIO
}
