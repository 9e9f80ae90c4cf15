package recordkv

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/engine/memengine"
	"github.com/aalhour/recordkv/internal/logging"
	"github.com/aalhour/recordkv/internal/testutil"
)

// syncBuffer collects log output from a DefaultLogger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func openEnv(t *testing.T, mutate ...func(*EnvironmentOptions)) *Environment {
	t.Helper()
	opts := DefaultEnvironmentOptions()
	opts.Logger = logging.Discard
	opts.LockTimeout = 2 * time.Second
	for _, m := range mutate {
		m(opts)
	}
	env, err := OpenEnvironment(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func openTable(t *testing.T, env *Environment, mutate ...func(*TableOptions)) *Table {
	t.Helper()
	opts := DefaultTableOptions("records")
	for _, m := range mutate {
		m(opts)
	}
	tbl, err := env.OpenTable(opts)
	require.NoError(t, err)
	return tbl
}

// faultSetup opens a transactional memory environment behind a
// FaultEnvironment.
func faultSetup(t *testing.T, mutate ...func(*EnvironmentOptions)) (*Environment, *testutil.FaultEnvironment) {
	t.Helper()
	inner := memengine.Open(engine.EnvConfig{
		Transactional: true,
		LockTimeout:   2 * time.Second,
		Logger:        logging.Discard,
	})
	fe := testutil.NewFaultEnvironment(inner)
	env := openEnv(t, append([]func(*EnvironmentOptions){func(o *EnvironmentOptions) {
		o.Environment = fe
	}}, mutate...)...)
	return env, fe
}

func withRetries(n int) func(*TableOptions) {
	return func(o *TableOptions) { o.MaxDeadlockRetries = n }
}

func queueTable(recLen int) func(*TableOptions) {
	return func(o *TableOptions) {
		o.Name = "queue"
		o.Type = TableQueue
		o.RecordLength = recLen
	}
}

func put(t *testing.T, tbl *Table, key, value string) {
	t.Helper()
	res, err := tbl.Put(nil, String(key), String(value))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
}

func value(t *testing.T, tbl *Table, key Buffer) (string, Status) {
	t.Helper()
	v, st, err := tbl.Value(key)
	require.NoError(t, err)
	return string(v), st
}
