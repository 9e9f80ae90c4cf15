package recordkv

// retry.go implements the deadlock-retry executor shared by every table
// and cursor operation.

import (
	"errors"

	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
)

// execute runs call in a fresh bracket until it completes without being
// chosen as a deadlock victim. A status accepted by the operation commits
// the bracket and is returned with call's value; any other outcome rolls
// back and is returned as an *Error.
//
// The retry budget is per call: TableOptions.MaxDeadlockRetries deadlocks
// end the call with ErrRetryLimitExceeded.
func execute[T any](t *Table, op string, key Buffer, accept func(Status) bool, call func(engine.Txn) (T, error)) (T, Status, error) {
	var zero T
	if err := t.usable(); err != nil {
		return zero, StatusFailure, err
	}

	// A bracket still open when execute unwinds, such as after a panic in
	// call, is rolled back here.
	var live *bracket
	defer func() {
		if live != nil {
			_ = live.rollback()
		}
	}()

	for attempt := 0; ; {
		b, err := t.begin()
		if err != nil {
			if engine.CodeOf(err) == engine.CodeLockDeadlock {
				attempt++
				if ferr := t.deadlocked(op, key, attempt, err); ferr != nil {
					return zero, StatusDeadlock, ferr
				}
				continue
			}
			return zero, StatusFailure, t.failure(op, key, err)
		}
		live = b

		v, err := call(b.handle())
		st := StatusOf(err)
		switch {
		case st == StatusDeadlock:
			if rbErr := b.rollback(); rbErr != nil {
				t.logger.Warnf("%s%s: rollback after deadlock: %v", logging.NSTable, op, rbErr)
			}
			attempt++
			if ferr := t.deadlocked(op, key, attempt, err); ferr != nil {
				return zero, StatusDeadlock, ferr
			}

		case accept(st):
			if cerr := b.commit(); cerr != nil {
				if engine.CodeOf(cerr) == engine.CodeLockDeadlock {
					attempt++
					if ferr := t.deadlocked(op, key, attempt, cerr); ferr != nil {
						return zero, StatusDeadlock, ferr
					}
					continue
				}
				return zero, StatusFailure, t.failure(op, key, cerr)
			}
			return v, st, nil

		default:
			rbErr := b.rollback()
			return zero, st, t.failure(op, key, errors.Join(err, rbErr))
		}
	}
}

// retryCursor runs fn on a cursor's own handle with the same deadlock
// budget as the owning table. Every status except a failure is returned
// to the caller.
func retryCursor(c *Cursor, op string, key Buffer, fn func() error) (Status, error) {
	t := c.table
	for attempt := 0; ; {
		err := fn()
		st := StatusOf(err)
		switch st {
		case StatusDeadlock:
			attempt++
			if ferr := t.deadlocked(op, key, attempt, err); ferr != nil {
				return StatusDeadlock, ferr
			}
		case StatusFailure:
			return st, t.failure(op, key, err)
		default:
			if st != StatusSuccess {
				c.logger.Debugf("%s%s: %s", logging.NSCursor, op, st)
			}
			return st, nil
		}
	}
}

// deadlocked records a deadlock on the given attempt. It returns nil while
// the budget allows another attempt, otherwise the fatal error to return.
func (t *Table) deadlocked(op string, key Buffer, attempt int, cause error) error {
	limit := t.opts.MaxDeadlockRetries
	if attempt >= limit {
		t.logger.Errorf("%s%s exceeded retry limit. Giving up.", logging.NSTable, op)
		tick(t.stats, TickerRetryExhausted, 1)
		return newError(op, key, errors.Join(ErrRetryLimitExceeded, cause))
	}
	tick(t.stats, TickerDeadlockRetries, 1)
	t.logger.Warnf("%s%s: %s: deadlock, retrying (attempt %d of %d)",
		logging.NSTable, op, describeKey(key), attempt, limit)
	return nil
}

// failure wraps err for the caller. An engine that asks for recovery marks
// the environment panicked.
func (t *Table) failure(op string, key Buffer, err error) error {
	if engine.CodeOf(err) == engine.CodeRunRecovery {
		t.env.fatal("%s%s: %s: %v", logging.NSEnv, op, describeKey(key), err)
		err = errors.Join(err, ErrEnvironmentPanic)
	} else {
		t.logger.Errorf("%s%s: %s: %v", logging.NSTable, op, describeKey(key), err)
	}
	return newError(op, key, err)
}

func describeKey(key Buffer) string {
	if key.IsNull() {
		return "null key"
	}
	return keySummary(key.data)
}
