package recordkv

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/engine/boltengine"
	"github.com/aalhour/recordkv/engine/memengine"
	"github.com/aalhour/recordkv/engine/pebbleengine"
	"github.com/aalhour/recordkv/internal/logging"
)

// Environment owns an opened engine and the tables opened through it.
type Environment struct {
	id     uuid.UUID
	opts   EnvironmentOptions
	eng    engine.Environment
	logger Logger
	stats  Statistics

	mu     sync.Mutex
	tables map[*Table]struct{}

	closed   atomic.Bool
	panicked atomic.Bool
}

// OpenEnvironment opens the engine described by opts.
func OpenEnvironment(opts *EnvironmentOptions) (*Environment, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	env := &Environment{
		id:     uuid.New(),
		opts:   *opts,
		stats:  opts.Statistics,
		tables: make(map[*Table]struct{}),
	}
	env.logger = opts.Logger
	if logging.IsNil(env.logger) {
		level := LevelWarn
		if opts.LogLevel != "" {
			level, _ = logging.ParseLevel(opts.LogLevel)
		}
		env.logger = logging.NewDefaultLogger(level)
	}
	if s, ok := env.logger.(logging.FatalHandlerSetter); ok {
		s.SetFatalHandler(env.markPanicked)
	}

	eng, err := env.openEngine()
	if err != nil {
		return nil, fmt.Errorf("recordkv: open %s environment: %w", opts.Engine, err)
	}
	env.eng = eng
	env.logger.Infof("%sopened %s environment %s (transactional=%t)", logging.NSEnv, eng.Kind(), env.id, eng.Transactional())
	return env, nil
}

func (e *Environment) openEngine() (engine.Environment, error) {
	if e.opts.Environment != nil {
		return e.opts.Environment, nil
	}
	cfg := engine.EnvConfig{
		Home:          e.opts.HomeDir,
		Transactional: e.opts.Transactional,
		LockTimeout:   e.opts.LockTimeout,
		CacheSize:     e.opts.CacheSize,
		InMemory:      e.opts.InMemory,
		Logger:        e.logger,
	}
	switch e.opts.Engine {
	case EngineBolt:
		return boltengine.Open(cfg)
	case EnginePebble:
		return pebbleengine.Open(cfg)
	default:
		return memengine.Open(cfg), nil
	}
}

// markPanicked is the logger's fatal handler.
func (e *Environment) markPanicked(msg string) {
	e.panicked.Store(true)
}

// fatal logs a fatal condition and marks the environment unusable.
func (e *Environment) fatal(format string, args ...any) {
	e.panicked.Store(true)
	e.logger.Fatalf(format, args...)
}

func (e *Environment) usable() error {
	switch {
	case e.closed.Load():
		return ErrEnvironmentClosed
	case e.panicked.Load():
		return ErrEnvironmentPanic
	}
	return nil
}

// ID returns the instance identifier used in logs.
func (e *Environment) ID() string { return e.id.String() }

// Engine returns the underlying engine environment.
func (e *Environment) Engine() engine.Environment { return e.eng }

// Statistics returns the configured statistics, or nil.
func (e *Environment) Statistics() Statistics { return e.stats }

// Logger returns the environment logger.
func (e *Environment) Logger() Logger { return e.logger }

// Transactional reports whether operations can run in transactions.
func (e *Environment) Transactional() bool { return e.eng.Transactional() }

// OpenTable opens a table. Zero fields of opts take their defaults and a
// table without compression inherits the environment default.
func (e *Environment) OpenTable(opts *TableOptions) (*Table, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := opts.withDefaults()
	if o.Compression == NoCompression {
		o.Compression = e.opts.Compression
	}

	store, err := e.eng.OpenStore(o.Name, engine.StoreConfig{
		Type:         o.Type,
		RecordLength: o.RecordLength,
		Create:       o.Create,
		ReadOnly:     o.ReadOnly,
		Compression:  o.Compression,
	})
	if err != nil {
		if engine.CodeOf(err) == engine.CodeInvalid && o.Type != TableUnknown {
			err = errors.Join(ErrUnknownTableType, err)
		}
		return nil, newError("OpenTable", Null(), err)
	}
	o.Type = store.Type()

	t := &Table{env: e, store: store, opts: o, logger: e.logger, stats: e.stats}
	e.mu.Lock()
	e.tables[t] = struct{}{}
	e.mu.Unlock()
	e.logger.Infof("%sopened %s table %q (id %d)", logging.NSTable, o.Type, o.Name, o.ID)
	return t, nil
}

// OpenTables opens every table listed in the environment options.
// On failure the tables already opened are closed.
func (e *Environment) OpenTables() (map[string]*Table, error) {
	out := make(map[string]*Table, len(e.opts.Tables))
	for i := range e.opts.Tables {
		t, err := e.OpenTable(&e.opts.Tables[i])
		if err != nil {
			for _, opened := range out {
				_ = opened.Close()
			}
			return nil, err
		}
		out[t.Name()] = t
	}
	return out, nil
}

// RemoveTable deletes a table and its records. The table must not be open.
func (e *Environment) RemoveTable(name string) error {
	if err := e.usable(); err != nil {
		return err
	}
	e.mu.Lock()
	for t := range e.tables {
		if t.Name() == name {
			e.mu.Unlock()
			return fmt.Errorf("%w: table %q is open", ErrInvalidOptions, name)
		}
	}
	e.mu.Unlock()
	if err := e.eng.RemoveStore(name); err != nil {
		return newError("RemoveTable", Null(), err)
	}
	e.logger.Infof("%sremoved table %q", logging.NSEnv, name)
	return nil
}

// Backup writes a consistent copy of every table into dir, which must not
// exist yet. The copy opens as an environment of the same engine with
// HomeDir set to dir. Memory environments cannot be backed up.
func (e *Environment) Backup(dir string) error {
	if err := e.usable(); err != nil {
		return err
	}
	if dir == "" {
		return newError("Backup", Null(), fmt.Errorf("%w: empty backup directory", ErrInvalidOptions))
	}
	if err := e.eng.Backup(dir); err != nil {
		e.logger.Errorf("%sbackup to %s: %v", logging.NSEnv, dir, err)
		return newError("Backup", Null(), err)
	}
	e.logger.Infof("%sbacked up environment %s to %s", logging.NSEnv, e.id, dir)
	return nil
}

func (e *Environment) forget(t *Table) {
	e.mu.Lock()
	delete(e.tables, t)
	e.mu.Unlock()
}

// Close closes the tables still open and then the engine. It is safe to
// call more than once.
func (e *Environment) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	open := make([]*Table, 0, len(e.tables))
	for t := range e.tables {
		open = append(open, t)
	}
	e.mu.Unlock()

	var errs []error
	for _, t := range open {
		errs = append(errs, t.Close())
	}
	if err := e.eng.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Infof("%sclosed environment %s", logging.NSEnv, e.id)
	return errors.Join(errs...)
}
