// Package enginetest is a conformance suite for engine adapters.
//
// Adapters call Run from their own tests with a constructor for a fresh
// environment. Every subtest gets its own environment.
package enginetest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/recordkv/engine"
)

// Opener returns a fresh environment. The suite closes it.
type Opener func(t *testing.T, transactional bool) engine.Environment

// Run executes the suite against the adapter behind open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		txn  bool
		fn   func(t *testing.T, env engine.Environment)
	}{
		{"PutGet", false, testPutGet},
		{"Missing", false, testMissing},
		{"NoOverwrite", false, testNoOverwrite},
		{"Delete", false, testDelete},
		{"UserMemTooSmall", false, testUserMemTooSmall},
		{"PartialRead", false, testPartialRead},
		{"PartialWrite", false, testPartialWrite},
		{"Malloc", false, testMalloc},
		{"CursorOrder", false, testCursorOrder},
		{"CursorSet", false, testCursorSet},
		{"CursorDeleteCurrent", false, testCursorDeleteCurrent},
		{"CursorPut", false, testCursorPut},
		{"TruncateCount", false, testTruncateCount},
		{"OpenMissingStore", false, testOpenMissingStore},
		{"RemoveStore", false, testRemoveStore},
		{"ReadOnlyStore", false, testReadOnlyStore},
		{"BeginNonTransactional", false, testBeginNonTransactional},
		{"CompactVerify", false, testCompactVerify},
		{"Backup", false, testBackup},
		{"TxnCommit", true, testTxnCommit},
		{"TxnAbort", true, testTxnAbort},
		{"TxnReadOwnWrites", true, testTxnReadOwnWrites},
		{"TxnResolvedTwice", true, testTxnResolvedTwice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := open(t, tt.txn)
			defer env.Close()
			tt.fn(t, env)
		})
	}
}

func key(s string) *engine.Entry { return &engine.Entry{Data: []byte(s)} }

func openStore(t *testing.T, env engine.Environment) engine.Store {
	t.Helper()
	s, err := env.OpenStore("records", engine.StoreConfig{Type: engine.BTree, Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s engine.Store, txn engine.Txn, k, v string) {
	t.Helper()
	require.NoError(t, s.Put(txn, key(k), key(v), 0))
}

func get(t *testing.T, s engine.Store, txn engine.Txn, k string) (string, error) {
	t.Helper()
	var out engine.Entry
	err := s.Get(txn, key(k), &out, 0)
	return string(out.Data), err
}

func testPutGet(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "alpha", "one")
	put(t, s, nil, "alpha", "uno")

	v, err := get(t, s, nil, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "uno", v)
	require.NoError(t, s.Exists(nil, key("alpha"), 0))
	assert.Equal(t, "records", s.Name())
	assert.Equal(t, engine.BTree, s.Type())
}

func testMissing(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	_, err := get(t, s, nil, "nope")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, s.Exists(nil, key("nope"), 0), engine.ErrNotFound)
}

func testNoOverwrite(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	require.NoError(t, s.Put(nil, key("k"), key("first"), engine.FlagNoOverwrite))
	err := s.Put(nil, key("k"), key("second"), engine.FlagNoOverwrite)
	assert.ErrorIs(t, err, engine.ErrKeyExist)

	v, err := get(t, s, nil, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func testDelete(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "v")
	require.NoError(t, s.Delete(nil, key("k"), 0))
	assert.ErrorIs(t, s.Delete(nil, key("k"), 0), engine.ErrNotFound)
	_, err := get(t, s, nil, "k")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func testUserMemTooSmall(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "0123456789")

	out := engine.Entry{Data: make([]byte, 4), Flags: engine.EntryUserMem}
	err := s.Get(nil, key("k"), &out, 0)
	assert.ErrorIs(t, err, engine.ErrBufferSmall)
	assert.Equal(t, 10, out.Size)

	out = engine.Entry{Data: make([]byte, 10), Flags: engine.EntryUserMem}
	require.NoError(t, s.Get(nil, key("k"), &out, 0))
	assert.Equal(t, "0123456789", string(out.Data))
}

func testPartialRead(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "0123456789")

	var out engine.Entry
	out.SetPartial(3, 4)
	require.NoError(t, s.Get(nil, key("k"), &out, 0))
	assert.Equal(t, "3456", string(out.Data))
	assert.Equal(t, 4, out.Size)
}

func testPartialWrite(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "abcdef")

	in := key("XY")
	in.SetPartial(2, 2)
	require.NoError(t, s.Put(nil, key("k"), in, 0))
	v, err := get(t, s, nil, "k")
	require.NoError(t, err)
	assert.Equal(t, "abXYef", v)

	in = key("Z")
	in.SetPartial(8, 0)
	require.NoError(t, s.Put(nil, key("k"), in, 0))
	v, err = get(t, s, nil, "k")
	require.NoError(t, err)
	assert.Equal(t, "abXYef\x00\x00Z", v)
}

func testMalloc(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "payload")

	before := engine.Outstanding()
	out := engine.Entry{Flags: engine.EntryMalloc}
	require.NoError(t, s.Get(nil, key("k"), &out, 0))
	assert.Equal(t, "payload", string(out.Data))
	require.NotNil(t, out.Release)
	assert.Equal(t, before+1, engine.Outstanding())
	out.Release()
	assert.Equal(t, before, engine.Outstanding())
}

func scan(t *testing.T, c engine.Cursor) []string {
	t.Helper()
	var keys []string
	for {
		var k, v engine.Entry
		err := c.Get(&k, &v, engine.Next, 0)
		if engine.CodeOf(err) == engine.CodeNotFound {
			return keys
		}
		require.NoError(t, err)
		keys = append(keys, string(k.Data))
	}
}

func testCursorOrder(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	for _, k := range []string{"c", "a", "b"} {
		put(t, s, nil, k, "v-"+k)
	}

	c, err := s.Cursor(nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"a", "b", "c"}, scan(t, c))

	var k, v engine.Entry
	require.NoError(t, c.Get(&k, &v, engine.Last, 0))
	assert.Equal(t, "c", string(k.Data))
	require.NoError(t, c.Get(&k, &v, engine.Prev, 0))
	assert.Equal(t, "b", string(k.Data))
	assert.Equal(t, "v-b", string(v.Data))
	require.NoError(t, c.Get(&k, &v, engine.Current, 0))
	assert.Equal(t, "b", string(k.Data))

	// A move with no buffers still positions the cursor.
	require.NoError(t, c.Get(nil, nil, engine.First, 0))
	require.NoError(t, c.Get(&k, nil, engine.Current, 0))
	assert.Equal(t, "a", string(k.Data))

	assert.ErrorIs(t, c.Get(&k, &v, engine.NextDup, 0), engine.ErrNotFound)
}

func testCursorSet(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	for _, k := range []string{"apple", "banana", "cherry"} {
		put(t, s, nil, k, k)
	}
	c, err := s.Cursor(nil)
	require.NoError(t, err)
	defer c.Close()

	var v engine.Entry
	require.NoError(t, c.Get(key("banana"), &v, engine.Set, 0))
	assert.Equal(t, "banana", string(v.Data))
	assert.ErrorIs(t, c.Get(key("blueberry"), &v, engine.Set, 0), engine.ErrNotFound)

	k := key("b")
	require.NoError(t, c.Get(k, &v, engine.SetRange, 0))
	assert.Equal(t, "banana", string(k.Data))

	var next engine.Entry
	require.NoError(t, c.Get(&next, nil, engine.Next, 0))
	assert.Equal(t, "cherry", string(next.Data))
}

func testCursorDeleteCurrent(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "a", "1")
	put(t, s, nil, "b", "2")

	c, err := s.Cursor(nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Get(nil, nil, engine.First, 0))
	require.NoError(t, c.Delete(0))
	assert.ErrorIs(t, c.Delete(0), engine.ErrKeyEmpty)
	var k engine.Entry
	assert.ErrorIs(t, c.Get(&k, nil, engine.Current, 0), engine.ErrKeyEmpty)

	require.NoError(t, c.Get(&k, nil, engine.Next, 0))
	assert.Equal(t, "b", string(k.Data))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testCursorPut(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	c, err := s.Cursor(nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(key("k"), key("one"), engine.KeyLast, 0))
	require.NoError(t, c.Put(nil, key("two"), engine.Current, 0))
	v, err := get(t, s, nil, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", v)

	assert.ErrorIs(t, c.Put(key("k"), key("three"), engine.KeyLast, engine.FlagNoOverwrite), engine.ErrKeyExist)
}

func testTruncateCount(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	for _, k := range []string{"a", "b", "c", "d"} {
		put(t, s, nil, k, k)
	}
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	removed, err := s.Truncate(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	n, err = s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.Sync())
}

func testOpenMissingStore(t *testing.T, env engine.Environment) {
	_, err := env.OpenStore("absent", engine.StoreConfig{Type: engine.BTree})
	assert.Equal(t, engine.CodeNoEntry, engine.CodeOf(err))
}

func testRemoveStore(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "v")
	require.NoError(t, s.Close())

	require.NoError(t, env.RemoveStore("records"))
	assert.Equal(t, engine.CodeNoEntry, engine.CodeOf(env.RemoveStore("records")))

	s2, err := env.OpenStore("records", engine.StoreConfig{Type: engine.BTree, Create: true})
	require.NoError(t, err)
	defer s2.Close()
	_, err = get(t, s2, nil, "k")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func testReadOnlyStore(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "v")

	ro, err := env.OpenStore("records", engine.StoreConfig{Type: engine.Unknown, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	assert.Equal(t, engine.BTree, ro.Type())

	v, err := get(t, ro, nil, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, engine.CodeAccess, engine.CodeOf(ro.Put(nil, key("k"), key("w"), 0)))
}

func testCompactVerify(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	for _, k := range []string{"a", "b", "c", "d"} {
		put(t, s, nil, k, k+k)
	}
	require.NoError(t, s.Delete(nil, key("b"), 0))
	put(t, s, nil, "c", "rewritten")

	require.NoError(t, s.Compact())
	require.NoError(t, s.Verify())

	v, err := get(t, s, nil, "c")
	require.NoError(t, err)
	assert.Equal(t, "rewritten", v)
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// Environments without files refuse a backup with CodeInvalid; the others
// must refuse to overwrite an existing copy.
func testBackup(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "k", "v")

	dir := filepath.Join(t.TempDir(), "backup")
	err := env.Backup(dir)
	if err != nil {
		assert.Equal(t, engine.CodeInvalid, engine.CodeOf(err))
		return
	}
	assert.DirExists(t, dir)
	assert.Equal(t, engine.CodeInvalid, engine.CodeOf(env.Backup(dir)))
}

func testBeginNonTransactional(t *testing.T, env engine.Environment) {
	assert.False(t, env.Transactional())
	_, err := env.Begin()
	assert.Equal(t, engine.CodeInvalid, engine.CodeOf(err))
}

func testTxnCommit(t *testing.T, env engine.Environment) {
	require.True(t, env.Transactional())
	s := openStore(t, env)

	txn, err := env.Begin()
	require.NoError(t, err)
	put(t, s, txn, "k", "v")
	require.NoError(t, txn.Commit())

	v, err := get(t, s, nil, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func testTxnAbort(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	put(t, s, nil, "kept", "old")

	txn, err := env.Begin()
	require.NoError(t, err)
	put(t, s, txn, "kept", "new")
	put(t, s, txn, "added", "x")
	require.NoError(t, s.Delete(txn, key("kept"), 0))
	require.NoError(t, txn.Abort())

	v, err := get(t, s, nil, "kept")
	require.NoError(t, err)
	assert.Equal(t, "old", v)
	_, err = get(t, s, nil, "added")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func testTxnReadOwnWrites(t *testing.T, env engine.Environment) {
	s := openStore(t, env)

	txn, err := env.Begin()
	require.NoError(t, err)
	put(t, s, txn, "b", "2")
	put(t, s, txn, "a", "1")

	v, err := get(t, s, txn, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	c, err := s.Cursor(txn)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, scan(t, c))
	require.NoError(t, c.Close())
	require.NoError(t, txn.Commit())
}

func testTxnResolvedTwice(t *testing.T, env engine.Environment) {
	s := openStore(t, env)
	txn, err := env.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.Equal(t, engine.CodeInvalid, engine.CodeOf(txn.Abort()))
	assert.Equal(t, engine.CodeInvalid, engine.CodeOf(s.Put(txn, key("k"), key("v"), 0)))
}
