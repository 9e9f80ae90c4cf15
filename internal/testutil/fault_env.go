// Package testutil provides test utilities for the record layer.
//
// FaultEnvironment wraps an engine.Environment and injects engine return
// codes at named fault points, so tests can make the n-th Get report a
// deadlock or a commit fail without a real lock cycle. It also counts how
// many transactions were begun, committed and aborted.
//
// Usage:
//
//	fe := testutil.NewFaultEnvironment(memengine.Open(cfg))
//	fe.Inject(testutil.FaultGet, engine.CodeLockDeadlock, 2)
//	// the next two Store.Get calls fail with CodeLockDeadlock
package testutil

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/recordkv/engine"
)

// FaultPoint names an engine call that can fail on demand.
type FaultPoint string

// Fault points.
const (
	FaultBegin        FaultPoint = "Env.Begin"
	FaultCommit       FaultPoint = "Txn.Commit"
	FaultAbort        FaultPoint = "Txn.Abort"
	FaultGet          FaultPoint = "Store.Get"
	FaultPut          FaultPoint = "Store.Put"
	FaultDelete       FaultPoint = "Store.Delete"
	FaultExists       FaultPoint = "Store.Exists"
	FaultTruncate     FaultPoint = "Store.Truncate"
	FaultVerify       FaultPoint = "Store.Verify"
	FaultBackup       FaultPoint = "Env.Backup"
	FaultCursorGet    FaultPoint = "Cursor.Get"
	FaultCursorPut    FaultPoint = "Cursor.Put"
	FaultCursorDelete FaultPoint = "Cursor.Delete"
)

type fault struct {
	code      engine.Code
	remaining int // <0 fails forever
}

// FaultEnvironment is an engine.Environment that injects failures.
type FaultEnvironment struct {
	inner engine.Environment

	mu        sync.Mutex
	faults    map[FaultPoint]*fault
	hitCounts map[FaultPoint]int64

	begins  atomic.Int64
	commits atomic.Int64
	aborts  atomic.Int64
}

var _ engine.Environment = (*FaultEnvironment)(nil)

// NewFaultEnvironment wraps inner.
func NewFaultEnvironment(inner engine.Environment) *FaultEnvironment {
	return &FaultEnvironment{
		inner:     inner,
		faults:    make(map[FaultPoint]*fault),
		hitCounts: make(map[FaultPoint]int64),
	}
}

// Inject makes the next times calls at p fail with code. A negative times
// fails every call until Clear.
func (f *FaultEnvironment) Inject(p FaultPoint, code engine.Code, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[p] = &fault{code: code, remaining: times}
}

// Clear removes every injected fault.
func (f *FaultEnvironment) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.faults)
}

// HitCount returns how many times p was reached, failed or not.
func (f *FaultEnvironment) HitCount(p FaultPoint) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hitCounts[p]
}

// Begins returns the number of transactions begun.
func (f *FaultEnvironment) Begins() int64 { return f.begins.Load() }

// Commits returns the number of commit calls.
func (f *FaultEnvironment) Commits() int64 { return f.commits.Load() }

// Aborts returns the number of abort calls.
func (f *FaultEnvironment) Aborts() int64 { return f.aborts.Load() }

// hit records a visit to p and returns the injected error, if any.
func (f *FaultEnvironment) hit(p FaultPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hitCounts[p]++
	ft, ok := f.faults[p]
	if !ok || ft.remaining == 0 {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
	}
	return engine.Errorf(ft.code, "injected at %s", p)
}

// Kind implements engine.Environment.
func (f *FaultEnvironment) Kind() string { return f.inner.Kind() }

// Transactional implements engine.Environment.
func (f *FaultEnvironment) Transactional() bool { return f.inner.Transactional() }

// OpenStore implements engine.Environment.
func (f *FaultEnvironment) OpenStore(name string, cfg engine.StoreConfig) (engine.Store, error) {
	s, err := f.inner.OpenStore(name, cfg)
	if err != nil {
		return nil, err
	}
	return &faultStore{env: f, inner: s}, nil
}

// RemoveStore implements engine.Environment.
func (f *FaultEnvironment) RemoveStore(name string) error { return f.inner.RemoveStore(name) }

// Begin implements engine.Environment.
func (f *FaultEnvironment) Begin() (engine.Txn, error) {
	if err := f.hit(FaultBegin); err != nil {
		return nil, err
	}
	t, err := f.inner.Begin()
	if err != nil {
		return nil, err
	}
	f.begins.Add(1)
	return &faultTxn{env: f, inner: t}, nil
}

// Backup implements engine.Environment.
func (f *FaultEnvironment) Backup(dir string) error {
	if err := f.hit(FaultBackup); err != nil {
		return err
	}
	return f.inner.Backup(dir)
}

// Close implements engine.Environment.
func (f *FaultEnvironment) Close() error { return f.inner.Close() }

type faultTxn struct {
	env   *FaultEnvironment
	inner engine.Txn
}

func (t *faultTxn) ID() uint64 { return t.inner.ID() }

// Commit fails by aborting the inner transaction, so an injected commit
// failure still resolves it.
func (t *faultTxn) Commit() error {
	t.env.commits.Add(1)
	if err := t.env.hit(FaultCommit); err != nil {
		_ = t.inner.Abort()
		return err
	}
	return t.inner.Commit()
}

func (t *faultTxn) Abort() error {
	t.env.aborts.Add(1)
	if err := t.env.hit(FaultAbort); err != nil {
		_ = t.inner.Abort()
		return err
	}
	return t.inner.Abort()
}

// unwrap returns the inner transaction, keeping a nil Txn nil.
func unwrap(txn engine.Txn) engine.Txn {
	if ft, ok := txn.(*faultTxn); ok {
		return ft.inner
	}
	return txn
}

type faultStore struct {
	env   *FaultEnvironment
	inner engine.Store
}

func (s *faultStore) Name() string           { return s.inner.Name() }
func (s *faultStore) Type() engine.StoreType { return s.inner.Type() }
func (s *faultStore) Count() (int, error)    { return s.inner.Count() }
func (s *faultStore) Sync() error            { return s.inner.Sync() }
func (s *faultStore) Compact() error         { return s.inner.Compact() }
func (s *faultStore) Close() error           { return s.inner.Close() }

func (s *faultStore) Get(txn engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	if err := s.env.hit(FaultGet); err != nil {
		return err
	}
	return s.inner.Get(unwrap(txn), key, data, flags)
}

func (s *faultStore) Put(txn engine.Txn, key, data *engine.Entry, flags engine.Flags) error {
	if err := s.env.hit(FaultPut); err != nil {
		return err
	}
	return s.inner.Put(unwrap(txn), key, data, flags)
}

func (s *faultStore) Delete(txn engine.Txn, key *engine.Entry, flags engine.Flags) error {
	if err := s.env.hit(FaultDelete); err != nil {
		return err
	}
	return s.inner.Delete(unwrap(txn), key, flags)
}

func (s *faultStore) Exists(txn engine.Txn, key *engine.Entry, flags engine.Flags) error {
	if err := s.env.hit(FaultExists); err != nil {
		return err
	}
	return s.inner.Exists(unwrap(txn), key, flags)
}

func (s *faultStore) Truncate(txn engine.Txn) (int, error) {
	if err := s.env.hit(FaultTruncate); err != nil {
		return 0, err
	}
	return s.inner.Truncate(unwrap(txn))
}

func (s *faultStore) Verify() error {
	if err := s.env.hit(FaultVerify); err != nil {
		return err
	}
	return s.inner.Verify()
}

func (s *faultStore) Cursor(txn engine.Txn) (engine.Cursor, error) {
	c, err := s.inner.Cursor(unwrap(txn))
	if err != nil {
		return nil, err
	}
	return &faultCursor{env: s.env, inner: c}, nil
}

type faultCursor struct {
	env   *FaultEnvironment
	inner engine.Cursor
}

func (c *faultCursor) Get(key, data *engine.Entry, pos engine.Position, flags engine.Flags) error {
	if err := c.env.hit(FaultCursorGet); err != nil {
		return err
	}
	return c.inner.Get(key, data, pos, flags)
}

func (c *faultCursor) Put(key, data *engine.Entry, pos engine.Position, flags engine.Flags) error {
	if err := c.env.hit(FaultCursorPut); err != nil {
		return err
	}
	return c.inner.Put(key, data, pos, flags)
}

func (c *faultCursor) Delete(flags engine.Flags) error {
	if err := c.env.hit(FaultCursorDelete); err != nil {
		return err
	}
	return c.inner.Delete(flags)
}

func (c *faultCursor) Close() error { return c.inner.Close() }
