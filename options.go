package recordkv

// options.go implements environment and table configuration.

import (
	"fmt"
	"time"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/compression"
	"github.com/aalhour/recordkv/internal/logging"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// Level is an alias for the logging level.
type Level = logging.Level

// Log levels.
const (
	LevelError = logging.LevelError
	LevelWarn  = logging.LevelWarn
	LevelInfo  = logging.LevelInfo
	LevelDebug = logging.LevelDebug
)

// CompressionType is an alias for the value codec type.
type CompressionType = compression.Type

// Compression type constants.
const (
	NoCompression     = compression.None
	SnappyCompression = compression.Snappy
	ZlibCompression   = compression.Flate
	LZ4Compression    = compression.LZ4
	LZ4HCCompression  = compression.LZ4HC
	ZstdCompression   = compression.Zstd
)

// TableType selects the record organisation of a table.
type TableType = engine.StoreType

// Table types.
const (
	// TableBTree orders records by key bytes.
	TableBTree = engine.BTree
	// TableHash stores records in hash order.
	TableHash = engine.Hash
	// TableQueue stores fixed-length records under 32-bit record numbers.
	// Deleted records leave an empty slot that reads as StatusKeyEmpty.
	TableQueue = engine.Queue
	// TableUnknown opens an existing table with whatever type it has.
	TableUnknown = engine.Unknown
)

// Engine kinds accepted by EnvironmentOptions.Engine.
const (
	EngineMemory = "memory"
	EngineBolt   = "bolt"
	EnginePebble = "pebble"
)

// TransactionMode selects whether single-record operations run inside a
// transaction bracket.
type TransactionMode int

const (
	// TxnModePerCall brackets every operation in its own transaction when
	// the environment is transactional.
	TxnModePerCall TransactionMode = iota
	// TxnModeNone runs every operation in the engine's auto-commit mode.
	TxnModeNone
)

// String returns the configuration name of the mode.
func (m TransactionMode) String() string {
	switch m {
	case TxnModePerCall:
		return "per-call"
	case TxnModeNone:
		return "none"
	default:
		return fmt.Sprintf("TransactionMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m TransactionMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *TransactionMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "per-call", "":
		*m = TxnModePerCall
	case "none":
		*m = TxnModeNone
	default:
		return fmt.Errorf("%w: transaction mode %q", ErrInvalidOptions, b)
	}
	return nil
}

// Defaults.
const (
	// DefaultMaxDeadlockRetries is the number of deadlocks an operation
	// absorbs before giving up. One means the first deadlock is fatal.
	DefaultMaxDeadlockRetries = 1
	// DefaultKeyCapacity is the initial key buffer of cursor enumeration.
	DefaultKeyCapacity = 16
	// DefaultValueCapacity is the initial value buffer of cursor
	// enumeration and Table.Value.
	DefaultValueCapacity = 1024
	// DefaultLockTimeout bounds lock waits in engines that honour it.
	DefaultLockTimeout = 5 * time.Second
)

// EnvironmentOptions configures OpenEnvironment.
type EnvironmentOptions struct {
	// HomeDir is the directory the engine keeps its files in.
	// Ignored by the memory engine and by pebble with InMemory.
	HomeDir string `yaml:"home_dir,omitempty"`

	// Engine selects the adapter: "memory", "bolt" or "pebble".
	// Default: "memory"
	Engine string `yaml:"engine"`

	// Environment, when set, is used instead of opening Engine.
	// The environment takes ownership and closes it.
	Environment engine.Environment `yaml:"-"`

	// Transactional enables transaction brackets.
	// Default: true
	Transactional bool `yaml:"transactional"`

	// LockTimeout bounds how long an operation waits for a record lock.
	// Default: 5s
	LockTimeout time.Duration `yaml:"lock_timeout,omitempty"`

	// CacheSize is the engine cache size in bytes. Zero uses the engine
	// default.
	CacheSize int64 `yaml:"cache_size,omitempty"`

	// InMemory keeps pebble data in memory.
	InMemory bool `yaml:"in_memory,omitempty"`

	// Logger receives environment, table and engine logs.
	// If nil, a logger writing to stderr at LogLevel is used.
	Logger Logger `yaml:"-"`

	// LogLevel is the level of the default logger: error, warn, info or
	// debug. Default: warn
	LogLevel string `yaml:"log_level,omitempty"`

	// Statistics collects metrics if set.
	Statistics Statistics `yaml:"-"`

	// Compression is the default value codec for tables that do not set
	// one. Only bolt and pebble compress.
	Compression CompressionType `yaml:"compression,omitempty"`

	// Tables lists tables that OpenTables opens.
	Tables []TableOptions `yaml:"tables,omitempty"`
}

// DefaultEnvironmentOptions returns a transactional in-memory environment
// configuration.
func DefaultEnvironmentOptions() *EnvironmentOptions {
	return &EnvironmentOptions{
		Engine:        EngineMemory,
		Transactional: true,
		LockTimeout:   DefaultLockTimeout,
		LogLevel:      "warn",
	}
}

// Validate checks the options for consistency.
func (o *EnvironmentOptions) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil environment options", ErrInvalidOptions)
	}
	if o.Environment == nil {
		switch o.Engine {
		case EngineMemory, "":
		case EngineBolt:
			if o.HomeDir == "" {
				return fmt.Errorf("%w: bolt needs a home directory", ErrInvalidOptions)
			}
		case EnginePebble:
			if o.HomeDir == "" && !o.InMemory {
				return fmt.Errorf("%w: pebble needs a home directory or in_memory", ErrInvalidOptions)
			}
		default:
			return fmt.Errorf("%w: unknown engine %q", ErrInvalidOptions, o.Engine)
		}
	}
	if o.LockTimeout < 0 || o.CacheSize < 0 {
		return fmt.Errorf("%w: negative lock timeout or cache size", ErrInvalidOptions)
	}
	if o.LogLevel != "" {
		if _, err := logging.ParseLevel(o.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}
	if !o.Compression.IsSupported() {
		return fmt.Errorf("%w: compression %s", ErrInvalidOptions, o.Compression)
	}
	seen := make(map[string]bool, len(o.Tables))
	for i := range o.Tables {
		if err := o.Tables[i].Validate(); err != nil {
			return err
		}
		if seen[o.Tables[i].Name] {
			return fmt.Errorf("%w: table %q listed twice", ErrInvalidOptions, o.Tables[i].Name)
		}
		seen[o.Tables[i].Name] = true
	}
	return nil
}

// TableOptions configures Environment.OpenTable.
type TableOptions struct {
	// Name identifies the table in the environment.
	Name string `yaml:"name"`

	// ID is an application tag reported in logs.
	ID int `yaml:"id,omitempty"`

	// Type selects the record organisation. TableUnknown opens an existing
	// table with its stored type.
	// Default: TableBTree
	Type TableType `yaml:"type,omitempty"`

	// RecordLength is the fixed record length of a Queue table.
	RecordLength int `yaml:"record_length,omitempty"`

	// TransactionMode selects bracketing. Default: TxnModePerCall
	TransactionMode TransactionMode `yaml:"transaction_mode"`

	// AutoCommit runs operations without a bracket even in a transactional
	// environment.
	AutoCommit bool `yaml:"auto_commit,omitempty"`

	// MaxDeadlockRetries is the number of deadlocks one operation absorbs
	// before failing with ErrRetryLimitExceeded.
	// Default: 1
	MaxDeadlockRetries int `yaml:"max_deadlock_retries"`

	// Create creates the table if it does not exist.
	Create bool `yaml:"create,omitempty"`

	// ReadOnly rejects writes.
	ReadOnly bool `yaml:"read_only,omitempty"`

	// Compression is the value codec. NoCompression inherits the
	// environment default.
	Compression CompressionType `yaml:"compression,omitempty"`

	// KeyCapacity and ValueCapacity size the first read of cursor
	// enumeration and Table.Value.
	KeyCapacity   int `yaml:"key_capacity,omitempty"`
	ValueCapacity int `yaml:"value_capacity,omitempty"`
}

// DefaultTableOptions returns options for a BTree table that is created
// if missing.
func DefaultTableOptions(name string) *TableOptions {
	return &TableOptions{
		Name:               name,
		Type:               TableBTree,
		TransactionMode:    TxnModePerCall,
		MaxDeadlockRetries: DefaultMaxDeadlockRetries,
		Create:             true,
		KeyCapacity:        DefaultKeyCapacity,
		ValueCapacity:      DefaultValueCapacity,
	}
}

// Validate checks the options for consistency.
func (o *TableOptions) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil table options", ErrInvalidOptions)
	}
	if o.Name == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidOptions)
	}
	switch o.Type {
	case 0, TableBTree, TableHash, TableUnknown:
	case TableQueue:
		if o.RecordLength <= 0 {
			return fmt.Errorf("%w: queue table %q needs a record length", ErrInvalidOptions, o.Name)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTableType, o.Type)
	}
	if o.TransactionMode != TxnModePerCall && o.TransactionMode != TxnModeNone {
		return fmt.Errorf("%w: transaction mode %s", ErrInvalidOptions, o.TransactionMode)
	}
	if o.MaxDeadlockRetries < 0 || o.KeyCapacity < 0 || o.ValueCapacity < 0 {
		return fmt.Errorf("%w: negative retry count or capacity", ErrInvalidOptions)
	}
	if !o.Compression.IsSupported() {
		return fmt.Errorf("%w: compression %s", ErrInvalidOptions, o.Compression)
	}
	return nil
}

// withDefaults fills zero fields.
func (o TableOptions) withDefaults() TableOptions {
	if o.Type == 0 {
		o.Type = TableBTree
	}
	if o.MaxDeadlockRetries == 0 {
		o.MaxDeadlockRetries = DefaultMaxDeadlockRetries
	}
	if o.KeyCapacity == 0 {
		o.KeyCapacity = DefaultKeyCapacity
	}
	if o.ValueCapacity == 0 {
		o.ValueCapacity = DefaultValueCapacity
	}
	return o
}

// ReadOptions modify a single read.
type ReadOptions struct {
	// Window restricts the read to part of the stored value.
	Window *Window

	// ForUpdate takes a write lock on the record.
	ForUpdate bool
}

// WriteOptions modify a single write.
type WriteOptions struct {
	// Window restricts the write to part of the stored value; bytes
	// outside it are left as they are.
	Window *Window

	// NoOverwrite makes Put report StatusKeyExists instead of replacing an
	// existing record.
	NoOverwrite bool

	// Append adds a record to a Queue table under the next record number,
	// returned in Result.RecordNumber. The key must be null or an integer.
	Append bool
}
