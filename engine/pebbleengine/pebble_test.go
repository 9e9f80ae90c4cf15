package pebbleengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/engine/enginetest"
	"github.com/aalhour/recordkv/internal/compression"
	"github.com/aalhour/recordkv/internal/logging"
	"github.com/aalhour/recordkv/internal/txn"
)

func openMem(t *testing.T, transactional bool) *Env {
	t.Helper()
	env, err := Open(engine.EnvConfig{
		InMemory:      true,
		Transactional: transactional,
		LockTimeout:   2 * time.Second,
		CacheSize:     1 << 20,
		Logger:        logging.Discard,
	})
	require.NoError(t, err)
	return env
}

func TestConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T, transactional bool) engine.Environment {
		return openMem(t, transactional)
	})
}

func TestStoresAreIsolated(t *testing.T) {
	env := openMem(t, false)
	defer env.Close()

	// "ab" must not see records of "a" even though one name prefixes the other.
	a, err := env.OpenStore("a", engine.StoreConfig{Type: engine.BTree, Create: true})
	require.NoError(t, err)
	ab, err := env.OpenStore("ab", engine.StoreConfig{Type: engine.BTree, Create: true})
	require.NoError(t, err)
	require.NoError(t, a.Put(nil, &engine.Entry{Data: []byte("bc")}, &engine.Entry{Data: []byte("v")}, 0))

	n, err := ab.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = a.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCompressedValues(t *testing.T) {
	env := openMem(t, false)
	defer env.Close()
	s, err := env.OpenStore("c", engine.StoreConfig{Type: engine.BTree, Create: true, Compression: compression.Snappy})
	require.NoError(t, err)

	value := make([]byte, 4096)
	require.NoError(t, s.Put(nil, &engine.Entry{Data: []byte("k")}, &engine.Entry{Data: value}, 0))
	var out engine.Entry
	require.NoError(t, s.Get(nil, &engine.Entry{Data: []byte("k")}, &out, 0))
	assert.Equal(t, value, out.Data)

	reopened, err := env.OpenStore("c", engine.StoreConfig{Type: engine.Unknown})
	require.NoError(t, err)
	assert.Equal(t, engine.BTree, reopened.Type())
}

func TestDeadlockVictim(t *testing.T) {
	env := openMem(t, true)
	defer env.Close()
	s, err := env.OpenStore("d", engine.StoreConfig{Type: engine.BTree, Create: true})
	require.NoError(t, err)
	a := &engine.Entry{Data: []byte("a")}
	b := &engine.Entry{Data: []byte("b")}
	v := &engine.Entry{Data: []byte("v")}

	t1, err := env.Begin()
	require.NoError(t, err)
	t2, err := env.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Put(t1, a, v, 0))
	require.NoError(t, s.Put(t2, b, v, 0))

	done := make(chan error, 1)
	go func() { done <- s.Put(t1, b, v, 0) }()
	require.Eventually(t, func() bool {
		return env.locks.Waiters(txn.LockKey("d", b.Data)) == 1
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Put(t2, a, v, 0), engine.ErrDeadlock)
	require.NoError(t, t2.Abort())
	require.NoError(t, <-done)
	require.NoError(t, t1.Commit())
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ac"), upperBound([]byte("ab")))
	assert.Equal(t, []byte("b"), upperBound([]byte{'a', 0xff}))
	assert.Nil(t, upperBound([]byte{0xff, 0xff}))
}

func TestBackupCheckpoint(t *testing.T) {
	env, err := Open(engine.EnvConfig{Home: t.TempDir(), Logger: logging.Discard})
	require.NoError(t, err)
	defer env.Close()
	s, err := env.OpenStore("people", engine.StoreConfig{Type: engine.BTree, Create: true, Compression: compression.Snappy})
	require.NoError(t, err)
	require.NoError(t, s.Put(nil, &engine.Entry{Data: []byte("ada")}, &engine.Entry{Data: []byte("lovelace")}, 0))
	require.NoError(t, s.Compact())

	dir := filepath.Join(t.TempDir(), "checkpoint")
	require.NoError(t, env.Backup(dir))
	assert.Equal(t, engine.CodeInvalid, engine.CodeOf(env.Backup(dir)))

	cp, err := Open(engine.EnvConfig{Home: dir, Logger: logging.Discard})
	require.NoError(t, err)
	defer cp.Close()
	cs, err := cp.OpenStore("people", engine.StoreConfig{Type: engine.Unknown})
	require.NoError(t, err)
	require.NoError(t, cs.Verify())
	var out engine.Entry
	require.NoError(t, cs.Get(nil, &engine.Entry{Data: []byte("ada")}, &out, 0))
	assert.Equal(t, "lovelace", string(out.Data))
}

func TestBackupInMemoryRejected(t *testing.T) {
	env := openMem(t, false)
	defer env.Close()
	assert.Equal(t, engine.CodeInvalid, engine.CodeOf(env.Backup(filepath.Join(t.TempDir(), "x"))))
}
