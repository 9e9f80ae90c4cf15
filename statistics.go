package recordkv

// statistics.go implements the Statistics interface for collecting record
// layer metrics.

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerTxnBegin is the count of transactions begun by brackets.
	TickerTxnBegin TickerType = iota
	// TickerTxnCommit is the count of bracket commits.
	TickerTxnCommit
	// TickerTxnRollback is the count of bracket rollbacks.
	TickerTxnRollback
	// TickerDeadlockRetries is the count of attempts repeated after a deadlock.
	TickerDeadlockRetries
	// TickerRetryExhausted is the count of operations that gave up on deadlocks.
	TickerRetryExhausted
	// TickerBufferTooSmall is the count of reads that reported a short buffer.
	TickerBufferTooSmall
	// TickerKeysRead is the count of keys read.
	TickerKeysRead
	// TickerKeysWritten is the count of keys written.
	TickerKeysWritten
	// TickerKeysDeleted is the count of keys deleted.
	TickerKeysDeleted
	// TickerKeysNotFound is the count of reads that missed.
	TickerKeysNotFound
	// TickerBytesRead is the total value bytes returned to callers.
	TickerBytesRead
	// TickerBytesWritten is the total value bytes handed to the engine.
	TickerBytesWritten
	// TickerCursorSteps is the count of cursor moves.
	TickerCursorSteps
	// TickerRMWCalls is the count of read-modify-write calls.
	TickerRMWCalls
	// TickerRMWDeletes is the count of read-modify-write calls that deleted.
	TickerRMWDeletes

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"recordkv.txn.begin",
	"recordkv.txn.commit",
	"recordkv.txn.rollback",
	"recordkv.deadlock.retries",
	"recordkv.retry.exhausted",
	"recordkv.buffer.too.small",
	"recordkv.keys.read",
	"recordkv.keys.written",
	"recordkv.keys.deleted",
	"recordkv.keys.notfound",
	"recordkv.bytes.read",
	"recordkv.bytes.written",
	"recordkv.cursor.steps",
	"recordkv.rmw.calls",
	"recordkv.rmw.deletes",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t >= 0 && t < TickerEnumMax {
		return tickerNames[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramGet is the latency of Table.Get, in microseconds.
	HistogramGet HistogramType = iota
	// HistogramPut is the latency of Table.Put, in microseconds.
	HistogramPut
	// HistogramDelete is the latency of Table.Delete, in microseconds.
	HistogramDelete
	// HistogramRMW is the latency of Table.ReadModifyWrite, in microseconds.
	HistogramRMW

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

var histogramNames = [HistogramEnumMax]string{
	"recordkv.get.micros",
	"recordkv.put.micros",
	"recordkv.delete.micros",
	"recordkv.rmw.micros",
}

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	if h >= 0 && h < HistogramEnumMax {
		return histogramNames[h]
	}
	return "unknown"
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports record layer metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(^uint64(0))
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}
	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}
	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)

	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

func (s *statisticsImpl) String() string {
	var b strings.Builder
	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if n := s.GetTickerCount(i); n > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, n)
		}
	}
	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s :\n    Count: %d\n    Avg: %.2f\n    Min: %.2f\n    Max: %.2f\n",
			i, data.Count, data.Average, data.Min, data.Max)
	}
	return b.String()
}

// tick records on a possibly nil Statistics.
func tick(s Statistics, t TickerType, n uint64) {
	if s != nil && n > 0 {
		s.RecordTick(t, n)
	}
}

// measure records the time since start on a possibly nil Statistics.
func measure(s Statistics, h HistogramType, start time.Time) {
	if s != nil {
		s.MeasureTime(h, uint64(time.Since(start).Microseconds()))
	}
}
