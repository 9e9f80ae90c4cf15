// Package txn implements the record lock table used by the pessimistic
// engines.
//
// Locks are taken per (store, key) pair by an owner, which is a transaction
// ID or the ID of a short-lived auto-commit locker. Waiters are queued FIFO;
// before an owner blocks, the wait-for graph is searched for a cycle and
// ErrDeadlock is returned to the owner that would close it. Callers are
// expected to abort the owner and release all of its locks.
package txn

import (
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLockTimeout is returned when a lock request times out.
	ErrLockTimeout = errors.New("txn: lock request timed out")

	// ErrDeadlock is returned when waiting would close a cycle in the wait-for graph.
	ErrDeadlock = errors.New("txn: deadlock detected")

	// ErrLockNotHeld is returned when releasing a key the owner does not hold.
	ErrLockNotHeld = errors.New("txn: lock not held by owner")
)

// Mode is the mode a lock is held in.
type Mode int

const (
	// Shared allows multiple readers but no writers.
	Shared Mode = iota
	// Exclusive allows only one holder.
	Exclusive
)

// String returns a string representation of the lock mode.
func (m Mode) String() string {
	switch m {
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// covers reports whether a lock held in mode m satisfies a request for want.
func (m Mode) covers(want Mode) bool {
	return m == Exclusive || want == Shared
}

type waiter struct {
	owner   uint64
	mode    Mode
	granted bool
	ready   chan struct{} // closed on grant
}

type lockEntry struct {
	holders map[uint64]Mode
	queue   []*waiter
}

func (e *lockEntry) exclusivelyHeld() bool {
	for _, m := range e.holders {
		if m == Exclusive {
			return true
		}
	}
	return false
}

// Options configures a LockTable.
type Options struct {
	// Timeout bounds how long Acquire blocks. Zero selects DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout is the lock wait bound used when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// LockTable grants shared and exclusive record locks with deadlock detection.
type LockTable struct {
	mu      sync.Mutex
	locks   map[string]*lockEntry
	waitFor map[uint64]map[uint64]struct{}
	owned   map[uint64]map[string]struct{}
	timeout time.Duration

	nextOwner atomic.Uint64
}

// NewLockTable creates an empty lock table.
func NewLockTable(opts Options) *LockTable {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &LockTable{
		locks:   make(map[string]*lockEntry),
		waitFor: make(map[uint64]map[uint64]struct{}),
		owned:   make(map[uint64]map[string]struct{}),
		timeout: opts.Timeout,
	}
}

// NewOwner returns a fresh owner ID. IDs are never reused.
func (lt *LockTable) NewOwner() uint64 {
	return lt.nextOwner.Add(1)
}

// LockKey builds the lock-table key for a record of a store.
func LockKey(store string, key []byte) string {
	return store + "\x00" + string(key)
}

// Acquire locks key for owner in mode, blocking up to the table timeout.
// A held shared lock is upgraded when the owner is its only holder.
// Returns ErrDeadlock without waiting if waiting would deadlock, and
// ErrLockTimeout if the wait expires.
func (lt *LockTable) Acquire(owner uint64, key string, mode Mode) error {
	lt.mu.Lock()

	e, ok := lt.locks[key]
	if !ok {
		e = &lockEntry{holders: make(map[uint64]Mode)}
		lt.locks[key] = e
	}
	if held, ok := e.holders[owner]; ok && held.covers(mode) {
		lt.mu.Unlock()
		return nil
	}
	if lt.grantable(e, owner, mode) {
		lt.grant(e, owner, key, mode)
		lt.mu.Unlock()
		return nil
	}

	blockers := make(map[uint64]struct{}, len(e.holders))
	for h := range e.holders {
		if h != owner {
			blockers[h] = struct{}{}
		}
	}
	if lt.closesCycle(owner, blockers) {
		lt.dropIfIdle(key, e)
		lt.mu.Unlock()
		return ErrDeadlock
	}
	edges, ok := lt.waitFor[owner]
	if !ok {
		edges = make(map[uint64]struct{})
		lt.waitFor[owner] = edges
	}
	maps.Copy(edges, blockers)

	w := &waiter{owner: owner, mode: mode, ready: make(chan struct{})}
	e.queue = append(e.queue, w)
	lt.mu.Unlock()

	timer := time.NewTimer(lt.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		lt.mu.Lock()
		defer lt.mu.Unlock()
		if w.granted {
			// Granted between the timer firing and taking the mutex.
			return nil
		}
		lt.dequeue(key, owner)
		return ErrLockTimeout
	}
}

// TryAcquire locks key for owner without waiting.
func (lt *LockTable) TryAcquire(owner uint64, key string, mode Mode) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.locks[key]
	if !ok {
		e = &lockEntry{holders: make(map[uint64]Mode)}
		lt.locks[key] = e
	}
	if held, ok := e.holders[owner]; ok && held.covers(mode) {
		return true
	}
	if lt.grantable(e, owner, mode) {
		lt.grant(e, owner, key, mode)
		return true
	}
	lt.dropIfIdle(key, e)
	return false
}

// Release unlocks a single key held by owner.
func (lt *LockTable) Release(owner uint64, key string) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.release(owner, key)
}

// ReleaseAll unlocks every key held by owner and clears its wait edges.
func (lt *LockTable) ReleaseAll(owner uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for key := range lt.owned[owner] {
		_ = lt.release(owner, key)
	}
	lt.forget(owner)
}

func (lt *LockTable) release(owner uint64, key string) error {
	e, ok := lt.locks[key]
	if !ok {
		return ErrLockNotHeld
	}
	if _, held := e.holders[owner]; !held {
		return ErrLockNotHeld
	}
	delete(e.holders, owner)

	if keys, ok := lt.owned[owner]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(lt.owned, owner)
		}
	}
	lt.forget(owner)
	lt.wake(key, e)
	lt.dropIfIdle(key, e)
	return nil
}

// forget removes owner from the wait-for graph in both directions.
func (lt *LockTable) forget(owner uint64) {
	delete(lt.waitFor, owner)
	for _, edges := range lt.waitFor {
		delete(edges, owner)
	}
}

func (lt *LockTable) dropIfIdle(key string, e *lockEntry) {
	if len(e.holders) == 0 && len(e.queue) == 0 {
		delete(lt.locks, key)
	}
}

func (lt *LockTable) grantable(e *lockEntry, owner uint64, mode Mode) bool {
	if len(e.holders) == 0 {
		return true
	}
	if held, ok := e.holders[owner]; ok {
		if held.covers(mode) {
			return true
		}
		return len(e.holders) == 1
	}
	if mode == Exclusive {
		return false
	}
	return !e.exclusivelyHeld()
}

func (lt *LockTable) grant(e *lockEntry, owner uint64, key string, mode Mode) {
	e.holders[owner] = mode
	keys, ok := lt.owned[owner]
	if !ok {
		keys = make(map[string]struct{})
		lt.owned[owner] = keys
	}
	keys[key] = struct{}{}
}

// closesCycle reports whether owner waiting on blockers would close a cycle.
func (lt *LockTable) closesCycle(owner uint64, blockers map[uint64]struct{}) bool {
	visited := make(map[uint64]bool)
	var reaches func(node uint64) bool
	reaches = func(node uint64) bool {
		if node == owner {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range lt.waitFor[node] {
			if reaches(next) {
				return true
			}
		}
		return false
	}
	for b := range blockers {
		if reaches(b) {
			return true
		}
	}
	return false
}

// wake grants queued requests in FIFO order while they are compatible.
func (lt *LockTable) wake(key string, e *lockEntry) {
	remaining := e.queue[:0]
	for _, w := range e.queue {
		if w.granted {
			continue
		}
		if lt.grantable(e, w.owner, w.mode) {
			lt.grant(e, w.owner, key, w.mode)
			w.granted = true
			delete(lt.waitFor, w.owner)
			close(w.ready)
			continue
		}
		remaining = append(remaining, w)
	}
	e.queue = remaining
}

func (lt *LockTable) dequeue(key string, owner uint64) {
	e, ok := lt.locks[key]
	if !ok {
		return
	}
	remaining := e.queue[:0]
	for _, w := range e.queue {
		if w.owner != owner {
			remaining = append(remaining, w)
		}
	}
	e.queue = remaining
	delete(lt.waitFor, owner)
	lt.dropIfIdle(key, e)
}

// Holders returns a copy of the current holders of key, or nil.
func (lt *LockTable) Holders(key string) map[uint64]Mode {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.locks[key]
	if !ok {
		return nil
	}
	return maps.Clone(e.holders)
}

// Waiters returns the number of queued requests on key.
func (lt *LockTable) Waiters(key string) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if e, ok := lt.locks[key]; ok {
		return len(e.queue)
	}
	return 0
}

// NumLocked returns the number of keys with active locks or waiters.
func (lt *LockTable) NumLocked() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}

// NumOwned returns the number of keys locked by owner.
func (lt *LockTable) NumOwned(owner uint64) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.owned[owner])
}
