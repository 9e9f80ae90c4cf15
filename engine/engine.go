// Package engine defines the contract between the record layer and an
// embedded key-value engine.
//
// The contract follows the shape of a Berkeley-DB style engine: operations
// return a Code (wrapped in *Error), results are written into Entry values
// that may be caller-owned, engine-allocated or restricted to a partial
// window, and an engine that detects a deadlock reports CodeLockDeadlock and
// expects the caller to abort the enclosing transaction.
//
// Adapters live in subpackages: memengine (in memory, pessimistic 2PL),
// boltengine (bbolt) and pebbleengine (pebble).
package engine

import (
	"fmt"
	"time"

	"github.com/aalhour/recordkv/internal/compression"
	"github.com/aalhour/recordkv/internal/logging"
)

// StoreType selects the record organisation of a store.
type StoreType int

const (
	// BTree stores records ordered by key bytes.
	BTree StoreType = iota + 1
	// Hash stores records in hash order.
	Hash
	// Queue stores fixed-length records under 32-bit record numbers.
	// Deleted slots report CodeKeyEmpty.
	Queue
	// Recno stores variable-length records under record numbers.
	Recno
	// Unknown is reported for stores whose type cannot be determined.
	Unknown
)

// String returns the lower-case name of the type.
func (t StoreType) String() string {
	switch t {
	case BTree:
		return "btree"
	case Hash:
		return "hash"
	case Queue:
		return "queue"
	case Recno:
		return "recno"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("StoreType(%d)", int(t))
	}
}

// ParseStoreType parses a name as printed by StoreType.String.
func ParseStoreType(s string) (StoreType, error) {
	for _, t := range []StoreType{BTree, Hash, Queue, Recno, Unknown} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("engine: unknown store type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t StoreType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *StoreType) UnmarshalText(b []byte) error {
	v, err := ParseStoreType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Position selects the record a cursor operation addresses.
type Position int

const (
	Current Position = iota
	First
	Last
	Next
	Prev
	NextDup
	PrevDup
	NextNoDup
	PrevNoDup
	Set
	SetRange
	KeyFirst
	KeyLast
	Before
	After
)

var positionNames = [...]string{
	Current:   "Current",
	First:     "First",
	Last:      "Last",
	Next:      "Next",
	Prev:      "Prev",
	NextDup:   "NextDup",
	PrevDup:   "PrevDup",
	NextNoDup: "NextNoDup",
	PrevNoDup: "PrevNoDup",
	Set:       "Set",
	SetRange:  "SetRange",
	KeyFirst:  "KeyFirst",
	KeyLast:   "KeyLast",
	Before:    "Before",
	After:     "After",
}

// String returns the name of the position.
func (p Position) String() string {
	if p >= 0 && int(p) < len(positionNames) {
		return positionNames[p]
	}
	return fmt.Sprintf("Position(%d)", int(p))
}

// Flags modify a single operation.
type Flags uint32

const (
	// FlagRMW takes a write lock on read.
	FlagRMW Flags = 1 << iota
	// FlagNoOverwrite fails a put with CodeKeyExist if the key exists.
	FlagNoOverwrite
	// FlagAppend appends to a Queue store and returns the new record number
	// in the key entry.
	FlagAppend
)

// StoreConfig describes a store to open.
type StoreConfig struct {
	Type         StoreType
	RecordLength int // Queue only
	Create       bool
	ReadOnly     bool
	Compression  compression.Type
}

// EnvConfig is passed to adapter constructors.
type EnvConfig struct {
	Home          string
	Transactional bool
	LockTimeout   time.Duration
	CacheSize     int64
	InMemory      bool
	Logger        logging.Logger
}

// Environment is an opened engine instance.
type Environment interface {
	// OpenStore opens (and with cfg.Create, creates) the named store.
	OpenStore(name string, cfg StoreConfig) (Store, error)
	// RemoveStore deletes the named store and its records.
	RemoveStore(name string) error
	// Begin starts a transaction. It fails with CodeInvalid when the
	// environment is not transactional.
	Begin() (Txn, error)
	// Transactional reports whether Begin is supported.
	Transactional() bool
	// Kind names the adapter.
	Kind() string
	// Backup writes a consistent copy of every store into dir, which must
	// not exist yet. Environments without files report CodeInvalid.
	Backup(dir string) error
	Close() error
}

// Txn is an engine transaction. After Commit or Abort returns, with or
// without error, the handle must not be used again.
type Txn interface {
	ID() uint64
	Commit() error
	Abort() error
}

// Store is an opened record store. A nil Txn runs the operation in its own
// auto-commit unit.
type Store interface {
	Name() string
	Type() StoreType
	// Get resolves key into data. Misses return ErrNotFound, or
	// ErrKeyEmpty for a deleted Queue slot.
	Get(txn Txn, key, data *Entry, flags Flags) error
	// Put writes data under key. With FlagAppend the assigned record
	// number is written into key.
	Put(txn Txn, key, data *Entry, flags Flags) error
	Delete(txn Txn, key *Entry, flags Flags) error
	// Exists reports presence without returning the value.
	Exists(txn Txn, key *Entry, flags Flags) error
	// Cursor opens a cursor bound to txn (which may be nil).
	Cursor(txn Txn) (Cursor, error)
	// Truncate deletes every record and returns how many were removed.
	Truncate(txn Txn) (int, error)
	// Count returns the number of records.
	Count() (int, error)
	Sync() error
	// Compact reclaims space left by deleted records. Adapters that have
	// nothing to reclaim return nil.
	Compact() error
	// Verify reads back every record of the store. A record that cannot
	// be decoded or sits out of place is reported as CodeVerifyBad.
	Verify() error
	Close() error
}

// Cursor is a positioned handle over a Store.
//
// Get with nil key and data moves without returning the record. A cursor
// that receives CodeBufferSmall has already moved; re-issue at Current.
type Cursor interface {
	Get(key, data *Entry, pos Position, flags Flags) error
	Put(key, data *Entry, pos Position, flags Flags) error
	Delete(flags Flags) error
	Close() error
}
