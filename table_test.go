package recordkv

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/testutil"
)

func TestPutGetRoundTrip(t *testing.T) {
	tbl := openTable(t, openEnv(t))

	res, err := tbl.Put(nil, String("alpha"), String("one"))
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusSuccess, Length: 3}, res)

	buf := make([]byte, 16)
	res, err = tbl.Get(nil, String("alpha"), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Length)
	assert.Equal(t, "one", string(buf[:res.Length]))

	put(t, tbl, "alpha", "uno")
	v, st := value(t, tbl, String("alpha"))
	assert.Equal(t, StatusSuccess, st)
	assert.Equal(t, "uno", v)
}

func TestIntegerKeys(t *testing.T) {
	tbl := openTable(t, openEnv(t))

	_, err := tbl.Put(nil, Int32(0), String("zero"))
	require.NoError(t, err)
	_, err = tbl.Put(nil, Int64(1<<40), String("big"))
	require.NoError(t, err)

	v, _ := value(t, tbl, Int32(0))
	assert.Equal(t, "zero", v)
	v, _ = value(t, tbl, Int64(1<<40))
	assert.Equal(t, "big", v)
}

func TestGetMissing(t *testing.T) {
	for _, typ := range []TableType{TableBTree, TableHash} {
		t.Run(typ.String(), func(t *testing.T) {
			tbl := openTable(t, openEnv(t), func(o *TableOptions) { o.Type = typ })

			res, err := tbl.Get(nil, String("nope"), Writable(make([]byte, 8)))
			require.NoError(t, err)
			assert.Equal(t, StatusNotFound, res.Status)
			assert.Equal(t, LengthNotFound, res.Length)

			st, err := tbl.Exists(String("nope"))
			require.NoError(t, err)
			assert.Equal(t, StatusNotFound, st)

			ok, err := tbl.Delete(String("nope"))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDelete(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	put(t, tbl, "k", "v")

	ok, err := tbl.Delete(String("k"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tbl.Delete(String("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, st := value(t, tbl, String("k"))
	assert.Equal(t, StatusNotFound, st)
}

func TestQueueDeletedSlotIsKeyEmpty(t *testing.T) {
	tbl := openTable(t, openEnv(t), queueTable(8))

	first, err := tbl.Put(&WriteOptions{Append: true}, Null(), String("one"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.RecordNumber)
	second, err := tbl.Put(&WriteOptions{Append: true}, Int32(0), String("two"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.RecordNumber)

	buf := make([]byte, 8)
	res, err := tbl.Get(nil, Int32(2), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, 8, res.Length, "queue records are padded to the record length")
	assert.Equal(t, "two\x00\x00\x00\x00\x00", string(buf))

	ok, err := tbl.Delete(Int32(1))
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = tbl.Get(nil, Int32(1), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, StatusKeyEmpty, res.Status)
	assert.Equal(t, LengthDeleted, res.Length)

	st, err := tbl.Exists(Int32(1))
	require.NoError(t, err)
	assert.Equal(t, StatusKeyEmpty, st)

	ok, err = tbl.Delete(Int32(1))
	require.NoError(t, err)
	assert.False(t, ok)

	res, err = tbl.Get(nil, Int32(9), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestAppendRejectsByteKeys(t *testing.T) {
	tbl := openTable(t, openEnv(t), queueTable(8))
	_, err := tbl.Put(&WriteOptions{Append: true}, String("k"), String("v"))
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestBufferTooSmall(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	put(t, tbl, "k", "0123456789")

	backing := []byte("....ZZZZ")
	res, err := tbl.Get(nil, String("k"), Writable(backing[:4]))
	require.NoError(t, err)
	assert.Equal(t, StatusBufferTooSmall, res.Status)
	assert.Equal(t, 10, res.Length)
	assert.Equal(t, "0123", string(backing[:4]))
	assert.Equal(t, "ZZZZ", string(backing[4:]), "nothing is written past the buffer")
}

func TestValueGrowsOnce(t *testing.T) {
	tbl := openTable(t, openEnv(t), func(o *TableOptions) { o.ValueCapacity = 4 })
	put(t, tbl, "k", "a longer value")

	v, st := value(t, tbl, String("k"))
	assert.Equal(t, StatusSuccess, st)
	assert.Equal(t, "a longer value", v)

	n, err := tbl.GetLength(String("k"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)

	n, err = tbl.GetLength(String("missing"))
	require.NoError(t, err)
	assert.Equal(t, LengthNotFound, n)
}

func TestKeyValidation(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	buf := Writable(make([]byte, 4))

	_, err := tbl.Get(nil, Null(), buf)
	require.ErrorIs(t, err, ErrNullKey)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, CodeKeyNull, e.Code)

	_, err = tbl.Put(nil, String(""), String("v"))
	require.ErrorIs(t, err, ErrEmptyKey)
	require.True(t, errors.As(err, &e))
	assert.Equal(t, CodeKeyZeroLength, e.Code)

	_, err = tbl.Delete(Bytes([]byte{}))
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = tbl.Get(nil, String("k"), String("read only"))
	assert.ErrorIs(t, err, ErrBufferNotWritable)

	_, err = tbl.Get(&ReadOptions{Window: &Window{Offset: -2}}, String("k"), buf)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestNoOverwrite(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	opts := &WriteOptions{NoOverwrite: true}

	res, err := tbl.Put(opts, String("k"), String("first"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	res, err = tbl.Put(opts, String("k"), String("second"))
	require.NoError(t, err)
	assert.Equal(t, StatusKeyExists, res.Status)
	assert.Equal(t, LengthKeyExists, res.Length)

	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "first", v)
}

func TestPartialWriteAndRead(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	put(t, tbl, "k", "abcdef")

	_, err := tbl.Put(&WriteOptions{Window: &Window{Offset: 2, Length: 2}}, String("k"), String("XY"))
	require.NoError(t, err)
	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "abXYef", v)

	buf := make([]byte, 8)
	res, err := tbl.Get(&ReadOptions{Window: &Window{Offset: 1, Length: 3}}, String("k"), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Length)
	assert.Equal(t, "bXY", string(buf[:3]))

	// Writing past the end zero-fills the gap.
	_, err = tbl.Put(&WriteOptions{Window: &Window{Offset: 8, Length: 0}}, String("k"), String("Z"))
	require.NoError(t, err)
	v, _ = value(t, tbl, String("k"))
	assert.Equal(t, "abXYef\x00\x00Z", v)
}

func TestGetStream(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	put(t, tbl, "k", "streamed value")
	before := engine.Outstanding()

	s, st, err := tbl.GetStream(nil, String("k"))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, before+1, engine.Outstanding())

	b, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "streamed value", string(b))
	assert.Equal(t, before, engine.Outstanding())

	s, st, err = tbl.GetStream(&ReadOptions{Window: &Window{Offset: 9, Length: -1}}, String("k"))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, st)
	b, err = io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "value", string(b))

	s, st, err = tbl.GetStream(nil, String("missing"))
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st)
	assert.Nil(t, s)
	assert.Equal(t, before, engine.Outstanding())
}

func TestTruncateAndCount(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	for _, k := range []string{"a", "b", "c"} {
		put(t, tbl, k, k)
	}
	n, err := tbl.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = tbl.Truncate()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = tbl.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, tbl.Sync())
}

func TestReadModifyWrite(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	_, err := tbl.Put(nil, String("counter"), Int64(41))
	require.NoError(t, err)

	err = tbl.ReadModifyWrite(String("counter"), Whole, func(e *RMWEntry) error {
		require.True(t, e.Found)
		require.Equal(t, 8, e.Length)
		binary.LittleEndian.PutUint64(e.Data, binary.LittleEndian.Uint64(e.Data)+1)
		return nil
	})
	require.NoError(t, err)

	v, _, err := tbl.Value(String("counter"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(v))
}

func TestReadModifyWriteRegion(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	put(t, tbl, "k", "abcdef")

	err := tbl.ReadModifyWrite(String("k"), Window{Offset: 2, Length: 2}, func(e *RMWEntry) error {
		assert.Equal(t, "cd", string(e.Data))
		e.Data = []byte("CDE")
		e.Length = 3
		return nil
	})
	require.NoError(t, err)
	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "abCDEef", v)
}

func TestReadModifyWriteDeleteAndNoop(t *testing.T) {
	stats := NewStatistics()
	tbl := openTable(t, openEnv(t, func(o *EnvironmentOptions) { o.Statistics = stats }))
	put(t, tbl, "k", "v")

	zero := func(e *RMWEntry) error {
		e.Length = 0
		return nil
	}
	require.NoError(t, tbl.ReadModifyWrite(String("k"), Whole, zero))
	st, err := tbl.Exists(String("k"))
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st)
	assert.Equal(t, uint64(1), stats.GetTickerCount(TickerRMWDeletes))

	// A missing record left at length zero is a no-op.
	var sawMissing bool
	require.NoError(t, tbl.ReadModifyWrite(String("k"), Whole, func(e *RMWEntry) error {
		sawMissing = !e.Found && e.Length == 0
		return nil
	}))
	assert.True(t, sawMissing)
	assert.Equal(t, uint64(1), stats.GetTickerCount(TickerRMWDeletes))
	n, err := tbl.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A missing record can be created.
	require.NoError(t, tbl.ReadModifyWrite(String("k"), Whole, func(e *RMWEntry) error {
		e.Data = []byte("new")
		e.Length = 3
		return nil
	}))
	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "new", v)
	assert.Equal(t, uint64(3), stats.GetTickerCount(TickerRMWCalls))
}

func TestReadModifyWriteTransformError(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	put(t, tbl, "k", "keep")
	boom := errors.New("boom")

	err := tbl.ReadModifyWrite(String("k"), Whole, func(e *RMWEntry) error {
		copy(e.Data, "lost")
		return boom
	})
	require.ErrorIs(t, err, boom)
	v, _ := value(t, tbl, String("k"))
	assert.Equal(t, "keep", v)

	err = tbl.ReadModifyWrite(String("k"), Whole, func(e *RMWEntry) error {
		e.Length = 100
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestClosedTable(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close())

	_, err := tbl.Get(nil, String("k"), Writable(make([]byte, 1)))
	assert.ErrorIs(t, err, ErrTableClosed)
	_, err = tbl.Count()
	assert.ErrorIs(t, err, ErrTableClosed)
	_, err = tbl.NewCursor()
	assert.ErrorIs(t, err, ErrTableClosed)
}

func TestStatisticsRecorded(t *testing.T) {
	stats := NewStatistics()
	tbl := openTable(t, openEnv(t, func(o *EnvironmentOptions) { o.Statistics = stats }))

	put(t, tbl, "k", "value")
	_, _ = value(t, tbl, String("k"))
	_, _ = value(t, tbl, String("missing"))
	_, err := tbl.Delete(String("k"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.GetTickerCount(TickerKeysWritten))
	assert.Equal(t, uint64(5), stats.GetTickerCount(TickerBytesWritten))
	assert.Equal(t, uint64(1), stats.GetTickerCount(TickerKeysRead))
	assert.Equal(t, uint64(1), stats.GetTickerCount(TickerKeysNotFound))
	assert.Equal(t, uint64(1), stats.GetTickerCount(TickerKeysDeleted))
	assert.Equal(t, uint64(4), stats.GetTickerCount(TickerTxnBegin))
	assert.Equal(t, uint64(4), stats.GetTickerCount(TickerTxnCommit))
	assert.Equal(t, uint64(2), stats.GetHistogramData(HistogramGet).Count)
}

func TestQueueAcceptsInt64RecordNumbers(t *testing.T) {
	tbl := openTable(t, openEnv(t), queueTable(8))
	res, err := tbl.Put(&WriteOptions{Append: true}, Null(), String("one"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), res.RecordNumber)

	buf := make([]byte, 8)
	res, err = tbl.Get(nil, Int64(1), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "one\x00\x00\x00\x00\x00", string(buf))

	st, err := tbl.Exists(Int64(1))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st)

	_, err = tbl.Put(nil, Int64(1), String("uno"))
	require.NoError(t, err)
	v, _ := value(t, tbl, Int32(1))
	assert.Equal(t, "uno\x00\x00\x00\x00\x00", v)

	ok, err := tbl.Delete(Int64(1))
	require.NoError(t, err)
	assert.True(t, ok)
	res, err = tbl.Get(nil, Int64(1), Writable(buf))
	require.NoError(t, err)
	assert.Equal(t, StatusKeyEmpty, res.Status)

	res, err = tbl.Put(&WriteOptions{Append: true}, Int64(0), String("two"))
	require.NoError(t, err, "append ignores the key")
	assert.Equal(t, uint32(2), res.RecordNumber)

	for _, n := range []int64{0, -1, 1 << 33} {
		_, err := tbl.Get(nil, Int64(n), Writable(buf))
		assert.ErrorIs(t, err, ErrInvalidOptions, "record number %d", n)
	}
}

func TestInt64KeysStayWideOutsideQueues(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	_, err := tbl.Put(nil, Int64(1<<40), String("big"))
	require.NoError(t, err)
	v, st := value(t, tbl, Int64(1<<40))
	assert.Equal(t, StatusSuccess, st)
	assert.Equal(t, "big", v)
	_, st = value(t, tbl, Int32(0))
	assert.Equal(t, StatusNotFound, st)
}

func TestPutRejectsNullValue(t *testing.T) {
	tbl := openTable(t, openEnv(t))
	res, err := tbl.Put(nil, String("k"), Null())
	require.ErrorIs(t, err, ErrNullValue)
	assert.Equal(t, StatusFailure, res.Status)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Put", e.Op)

	_, st := value(t, tbl, String("k"))
	assert.Equal(t, StatusNotFound, st, "a rejected put stores nothing")

	q := openTable(t, openEnv(t), queueTable(4))
	_, err = q.Put(&WriteOptions{Append: true}, Null(), Null())
	assert.ErrorIs(t, err, ErrNullValue)

	// An empty record is still written through an explicit empty view.
	put(t, tbl, "empty", "")
	v, st := value(t, tbl, String("empty"))
	assert.Equal(t, StatusSuccess, st)
	assert.Empty(t, v)
}

func TestReadModifyWriteConcurrentIncrements(t *testing.T) {
	const workers = 20
	for _, kind := range []string{EngineMemory, EngineBolt, EnginePebble} {
		t.Run(kind, func(t *testing.T) {
			tbl := openTable(t, openEnv(t, engineOptions(t, kind)), withRetries(100))

			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- tbl.ReadModifyWrite(String("counter"), Whole, func(e *RMWEntry) error {
						var n uint64
						if e.Found {
							n = binary.BigEndian.Uint64(e.Data)
						}
						e.Data = binary.BigEndian.AppendUint64(nil, n+1)
						e.Length = 8
						return nil
					})
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			v, st, err := tbl.Value(String("counter"))
			require.NoError(t, err)
			require.Equal(t, StatusSuccess, st)
			assert.Equal(t, uint64(workers), binary.BigEndian.Uint64(v))
		})
	}
}

func TestCompactAndVerify(t *testing.T) {
	for _, kind := range []string{EngineMemory, EngineBolt, EnginePebble} {
		t.Run(kind, func(t *testing.T) {
			tbl := openTable(t, openEnv(t, engineOptions(t, kind)))
			for _, k := range []string{"a", "b", "c"} {
				put(t, tbl, k, "value-"+k)
			}
			_, err := tbl.Delete(String("b"))
			require.NoError(t, err)

			require.NoError(t, tbl.Compact())
			require.NoError(t, tbl.Verify())
			n, err := tbl.Count()
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			require.NoError(t, tbl.Close())
			assert.ErrorIs(t, tbl.Verify(), ErrTableClosed)
			assert.ErrorIs(t, tbl.Compact(), ErrTableClosed)
		})
	}
}

func TestVerifyReportsDamage(t *testing.T) {
	env, fe := faultSetup(t)
	tbl := openTable(t, env)
	put(t, tbl, "k", "v")

	fe.Inject(testutil.FaultVerify, engine.CodeVerifyBad, 1)
	err := tbl.Verify()
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Verify", e.Op)
	assert.Equal(t, engine.CodeVerifyBad, e.Code)
	assert.NoError(t, env.usable(), "damage does not poison the environment")
}
