package recordkv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
	"github.com/aalhour/recordkv/internal/testutil"
)

type txnCounts struct{ begins, commits, aborts int64 }

func counts(fe *testutil.FaultEnvironment) txnCounts {
	return txnCounts{fe.Begins(), fe.Commits(), fe.Aborts()}
}

func (c txnCounts) since(prev txnCounts) txnCounts {
	return txnCounts{c.begins - prev.begins, c.commits - prev.commits, c.aborts - prev.aborts}
}

func TestDeadlockRetrySucceedsWithinBudget(t *testing.T) {
	stats := NewStatistics()
	env, fe := faultSetup(t, func(o *EnvironmentOptions) { o.Statistics = stats })
	tbl := openTable(t, env, withRetries(3))
	put(t, tbl, "k", "v")

	before := counts(fe)
	fe.Inject(testutil.FaultGet, engine.CodeLockDeadlock, 2)

	buf := make([]byte, 4)
	res, err := tbl.Get(nil, String("k"), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "v", string(buf[:res.Length]))

	assert.Equal(t, txnCounts{begins: 3, commits: 1, aborts: 2}, counts(fe).since(before))
	assert.Equal(t, uint64(2), stats.GetTickerCount(TickerDeadlockRetries))
	assert.Zero(t, stats.GetTickerCount(TickerRetryExhausted))
}

func TestDeadlockRetryExhausted(t *testing.T) {
	logs := &syncBuffer{}
	env, fe := faultSetup(t, func(o *EnvironmentOptions) {
		o.Logger = logging.NewLogger(logs, logging.LevelWarn)
	})
	tbl := openTable(t, env, withRetries(2))
	put(t, tbl, "k", "v")

	before := counts(fe)
	fe.Inject(testutil.FaultGet, engine.CodeLockDeadlock, 5)

	_, err := tbl.Get(nil, String("k"), Writable(make([]byte, 4)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, StatusDeadlock, StatusOf(err))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Get", e.Op)
	assert.Equal(t, engine.CodeLockDeadlock, e.Code)

	assert.Equal(t, txnCounts{begins: 2, commits: 0, aborts: 2}, counts(fe).since(before))
	assert.Contains(t, logs.String(), "deadlock, retrying (attempt 1 of 2)")
	assert.Contains(t, logs.String(), "Get exceeded retry limit. Giving up.")

	// Exhaustion is not an environment panic; the table stays usable.
	fe.Clear()
	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "v", v)
}

func TestDefaultBudgetFailsOnFirstDeadlock(t *testing.T) {
	env, fe := faultSetup(t)
	tbl := openTable(t, env)

	before := counts(fe)
	fe.Inject(testutil.FaultPut, engine.CodeLockDeadlock, 1)
	_, err := tbl.Put(nil, String("k"), String("v"))
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.Equal(t, txnCounts{begins: 1, commits: 0, aborts: 1}, counts(fe).since(before))
}

func TestDeadlockOnCommitIsRetried(t *testing.T) {
	env, fe := faultSetup(t)
	tbl := openTable(t, env, withRetries(2))

	before := counts(fe)
	fe.Inject(testutil.FaultCommit, engine.CodeLockDeadlock, 1)
	put(t, tbl, "k", "v")

	assert.Equal(t, txnCounts{begins: 2, commits: 2, aborts: 0}, counts(fe).since(before))
	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "v", v)
}

func TestFailureJoinsRollbackError(t *testing.T) {
	env, fe := faultSetup(t)
	tbl := openTable(t, env, withRetries(3))

	fe.Inject(testutil.FaultGet, engine.CodeIO, 1)
	fe.Inject(testutil.FaultAbort, engine.CodeIO, 1)
	_, err := tbl.Get(nil, String("k"), Writable(make([]byte, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected at Store.Get")
	assert.Contains(t, err.Error(), "injected at Txn.Abort")
	assert.Equal(t, StatusFailure, StatusOf(err))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, engine.CodeIO, e.Code)
	assert.Equal(t, int64(1), fe.HitCount(testutil.FaultGet), "failures are not retried")
}

func TestRunRecoveryPanicsEnvironment(t *testing.T) {
	logs := &syncBuffer{}
	env, fe := faultSetup(t, func(o *EnvironmentOptions) {
		o.Logger = logging.NewLogger(logs, logging.LevelError)
	})
	tbl := openTable(t, env)

	fe.Inject(testutil.FaultGet, engine.CodeRunRecovery, 1)
	_, err := tbl.Get(nil, String("k"), Writable(make([]byte, 4)))
	assert.ErrorIs(t, err, ErrEnvironmentPanic)
	assert.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, logs.String(), "FATAL")

	_, err = tbl.Put(nil, String("k"), String("v"))
	assert.ErrorIs(t, err, ErrEnvironmentPanic)
	_, err = env.OpenTable(DefaultTableOptions("other"))
	assert.ErrorIs(t, err, ErrEnvironmentPanic)
}

func TestNonTransactionalModes(t *testing.T) {
	env, fe := faultSetup(t)
	modes := map[string]func(*TableOptions){
		"none":        func(o *TableOptions) { o.TransactionMode = TxnModeNone },
		"auto-commit": func(o *TableOptions) { o.AutoCommit = true },
	}
	for name, mode := range modes {
		t.Run(name, func(t *testing.T) {
			tbl := openTable(t, env, mode, func(o *TableOptions) { o.Name = name })
			before := counts(fe)
			put(t, tbl, "k", "v")
			v, _ := value(t, tbl, String("k"))
			assert.Equal(t, "v", v)
			assert.Equal(t, txnCounts{}, counts(fe).since(before))
		})
	}
}

func TestNonTransactionalEnvironment(t *testing.T) {
	env := openEnv(t, func(o *EnvironmentOptions) { o.Transactional = false })
	tbl := openTable(t, env)
	put(t, tbl, "k", "v")
	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "v", v)
}

func TestBracketResolvesOnce(t *testing.T) {
	env, fe := faultSetup(t)
	tbl := openTable(t, env)

	b, err := tbl.begin()
	require.NoError(t, err)
	require.NotNil(t, b.handle())
	require.NoError(t, b.rollback())
	require.NoError(t, b.rollback())
	require.NoError(t, b.commit())
	assert.Equal(t, int64(1), fe.Aborts())
	assert.Zero(t, fe.Commits())

	b, err = tbl.begin()
	require.NoError(t, err)
	require.NoError(t, b.commit())
	require.NoError(t, b.rollback())
	assert.Equal(t, int64(1), fe.Aborts())
	assert.Equal(t, int64(1), fe.Commits())
}

func TestPanicInTransformRollsBack(t *testing.T) {
	env, fe := faultSetup(t)
	tbl := openTable(t, env)
	put(t, tbl, "k", "v")

	before := counts(fe)
	assert.Panics(t, func() {
		_ = tbl.ReadModifyWrite(String("k"), Whole, func(*RMWEntry) error {
			panic("boom")
		})
	})
	assert.Equal(t, txnCounts{begins: 1, commits: 0, aborts: 1}, counts(fe).since(before))

	// The record lock was released with the rollback.
	put(t, tbl, "k", "w")
}
