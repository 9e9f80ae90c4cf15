package txn

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockTableBasic(t *testing.T) {
	lt := NewLockTable(Options{})
	key := LockKey("accounts", []byte("key1"))

	if err := lt.Acquire(1, key, Exclusive); err != nil {
		t.Fatalf("Failed to acquire exclusive lock: %v", err)
	}

	holders := lt.Holders(key)
	if len(holders) != 1 || holders[1] != Exclusive {
		t.Fatalf("holders = %v, want {1: Exclusive}", holders)
	}

	if err := lt.Release(1, key); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	if lt.Holders(key) != nil {
		t.Error("Expected lock entry to be cleaned up")
	}
}

func TestLockKeyIsStoreScoped(t *testing.T) {
	a := LockKey("a", []byte("k"))
	b := LockKey("b", []byte("k"))
	if a == b {
		t.Fatal("same record key in different stores must not collide")
	}
}

func TestLockTableSharedLocks(t *testing.T) {
	lt := NewLockTable(Options{})
	key := "k"

	for owner := uint64(1); owner <= 3; owner++ {
		if err := lt.Acquire(owner, key, Shared); err != nil {
			t.Fatalf("owner %d failed to acquire shared lock: %v", owner, err)
		}
	}
	if n := len(lt.Holders(key)); n != 3 {
		t.Errorf("Expected 3 holders, got %d", n)
	}

	for owner := uint64(1); owner <= 3; owner++ {
		_ = lt.Release(owner, key)
	}
	if lt.NumLocked() != 0 {
		t.Errorf("Expected 0 locks after release, got %d", lt.NumLocked())
	}
}

func TestLockTableExclusiveBlocksShared(t *testing.T) {
	lt := NewLockTable(Options{Timeout: 100 * time.Millisecond})

	if err := lt.Acquire(1, "k", Exclusive); err != nil {
		t.Fatalf("owner 1 failed to acquire exclusive lock: %v", err)
	}
	if err := lt.Acquire(2, "k", Shared); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
	if lt.Waiters("k") != 0 {
		t.Errorf("timed out waiter still queued")
	}

	_ = lt.Release(1, "k")
	if err := lt.Acquire(2, "k", Shared); err != nil {
		t.Fatalf("owner 2 should acquire shared lock after release: %v", err)
	}
}

func TestLockTableSharedBlocksExclusive(t *testing.T) {
	lt := NewLockTable(Options{Timeout: 100 * time.Millisecond})

	if err := lt.Acquire(1, "k", Shared); err != nil {
		t.Fatalf("owner 1 failed to acquire shared lock: %v", err)
	}
	if err := lt.Acquire(2, "k", Exclusive); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
	_ = lt.Release(1, "k")
	if err := lt.Acquire(2, "k", Exclusive); err != nil {
		t.Fatalf("owner 2 should acquire exclusive lock after release: %v", err)
	}
}

func TestLockTableUpgrade(t *testing.T) {
	lt := NewLockTable(Options{Timeout: 100 * time.Millisecond})

	if err := lt.Acquire(1, "k", Shared); err != nil {
		t.Fatal(err)
	}
	if err := lt.Acquire(1, "k", Exclusive); err != nil {
		t.Fatalf("sole shared holder should upgrade: %v", err)
	}
	if lt.Holders("k")[1] != Exclusive {
		t.Errorf("lock not upgraded: %v", lt.Holders("k"))
	}
	if lt.TryAcquire(2, "k", Shared) {
		t.Error("upgraded lock should exclude other readers")
	}
}

func TestLockTableTryAcquire(t *testing.T) {
	lt := NewLockTable(Options{})

	if !lt.TryAcquire(1, "k", Exclusive) {
		t.Error("TryAcquire should succeed on uncontested key")
	}
	if lt.TryAcquire(2, "k", Shared) {
		t.Error("TryAcquire should fail when exclusive lock is held")
	}
	if !lt.TryAcquire(1, "k", Shared) {
		t.Error("TryAcquire should succeed for the holder")
	}
	if lt.TryAcquire(2, "other", Shared) != true {
		t.Error("TryAcquire should succeed on a different key")
	}
}

func TestLockTableReleaseAll(t *testing.T) {
	lt := NewLockTable(Options{})

	_ = lt.Acquire(1, "a", Exclusive)
	_ = lt.Acquire(1, "b", Exclusive)
	_ = lt.Acquire(1, "c", Shared)

	if n := lt.NumOwned(1); n != 3 {
		t.Errorf("Expected 3 locks for owner 1, got %d", n)
	}
	lt.ReleaseAll(1)
	if n := lt.NumOwned(1); n != 0 {
		t.Errorf("Expected 0 locks after ReleaseAll, got %d", n)
	}
	if lt.NumLocked() != 0 {
		t.Errorf("Expected 0 total locks, got %d", lt.NumLocked())
	}
}

func TestLockTableDeadlockDetection(t *testing.T) {
	lt := NewLockTable(Options{Timeout: time.Second})

	if err := lt.Acquire(1, "a", Exclusive); err != nil {
		t.Fatal(err)
	}
	if err := lt.Acquire(2, "b", Exclusive); err != nil {
		t.Fatal(err)
	}

	var firstErr error
	var wg sync.WaitGroup
	wg.Go(func() {
		firstErr = lt.Acquire(1, "b", Exclusive)
	})

	waitForWaiters(t, lt, "b", 1)

	if err := lt.Acquire(2, "a", Exclusive); !errors.Is(err, ErrDeadlock) {
		t.Errorf("Expected ErrDeadlock, got %v", err)
	}

	// The victim aborts, which lets owner 1 proceed.
	lt.ReleaseAll(2)
	wg.Wait()

	if firstErr != nil {
		t.Errorf("owner 1 should have acquired b after owner 2 aborted: %v", firstErr)
	}
}

func TestLockTableUpgradeDeadlock(t *testing.T) {
	lt := NewLockTable(Options{Timeout: time.Second})

	_ = lt.Acquire(1, "k", Shared)
	_ = lt.Acquire(2, "k", Shared)

	var firstErr error
	var wg sync.WaitGroup
	wg.Go(func() {
		firstErr = lt.Acquire(1, "k", Exclusive)
	})
	waitForWaiters(t, lt, "k", 1)

	if err := lt.Acquire(2, "k", Exclusive); !errors.Is(err, ErrDeadlock) {
		t.Errorf("Expected ErrDeadlock on crossed upgrades, got %v", err)
	}
	lt.ReleaseAll(2)
	wg.Wait()
	if firstErr != nil {
		t.Errorf("owner 1 upgrade should succeed: %v", firstErr)
	}
}

func TestLockTableWaitQueue(t *testing.T) {
	lt := NewLockTable(Options{Timeout: 2 * time.Second})

	if err := lt.Acquire(1, "k", Exclusive); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var acquired atomic.Int32
	for owner := uint64(2); owner <= 4; owner++ {
		wg.Go(func() {
			if err := lt.Acquire(owner, "k", Shared); err == nil {
				acquired.Add(1)
			}
		})
	}

	waitForWaiters(t, lt, "k", 3)
	_ = lt.Release(1, "k")
	wg.Wait()

	if acquired.Load() != 3 {
		t.Errorf("Expected 3 owners to acquire, got %d", acquired.Load())
	}
}

func TestLockTableReleaseNotHeld(t *testing.T) {
	lt := NewLockTable(Options{})

	if err := lt.Release(1, "k"); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Expected ErrLockNotHeld, got %v", err)
	}
	_ = lt.Acquire(1, "k", Exclusive)
	if err := lt.Release(2, "k"); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Expected ErrLockNotHeld for wrong owner, got %v", err)
	}
}

func TestLockTableNewOwnerUnique(t *testing.T) {
	lt := NewLockTable(Options{})
	seen := make(map[uint64]bool)
	for range 100 {
		id := lt.NewOwner()
		if seen[id] {
			t.Fatalf("owner ID %d reused", id)
		}
		seen[id] = true
	}
}

func TestModeString(t *testing.T) {
	if Shared.String() != "Shared" || Exclusive.String() != "Exclusive" || Mode(9).String() != "Unknown" {
		t.Error("unexpected Mode.String output")
	}
}

func waitForWaiters(t *testing.T, lt *LockTable, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for lt.Waiters(key) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters on %q", n, key)
		}
		time.Sleep(time.Millisecond)
	}
}
