package recordkv

// bracket.go implements the per-attempt transaction bracket.
//
// A bracket is Idle until begin starts an engine transaction, and a
// transaction that was begun ends in exactly one commit or rollback.

import (
	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
)

type bracketState uint8

const (
	bracketIdle bracketState = iota
	bracketBegan
	bracketCommitted
	bracketRolledBack
)

type bracket struct {
	t     *Table
	txn   engine.Txn
	id    uint64
	state bracketState
}

// begin opens a bracket for one attempt. The bracket stays Idle, with a
// nil handle, when the table runs without transactions.
func (t *Table) begin() (*bracket, error) {
	b := &bracket{t: t}
	if !t.env.eng.Transactional() || t.opts.TransactionMode == TxnModeNone || t.opts.AutoCommit {
		return b, nil
	}
	txn, err := t.env.eng.Begin()
	if err != nil {
		return nil, err
	}
	b.txn = txn
	b.id = txn.ID()
	b.state = bracketBegan
	tick(t.stats, TickerTxnBegin, 1)
	t.logger.Debugf("%sbegan txn %d on %q", logging.NSTxn, b.id, t.opts.Name)
	return b, nil
}

// handle returns the engine transaction, nil when Idle.
func (b *bracket) handle() engine.Txn { return b.txn }

func (b *bracket) commit() error {
	if b.state != bracketBegan {
		return nil
	}
	b.state = bracketCommitted
	if err := b.txn.Commit(); err != nil {
		return err
	}
	tick(b.t.stats, TickerTxnCommit, 1)
	b.t.logger.Debugf("%scommitted txn %d", logging.NSTxn, b.id)
	return nil
}

// rollback is a no-op unless the bracket is Began, so it can be deferred
// after an explicit rollback or commit.
func (b *bracket) rollback() error {
	if b.state != bracketBegan {
		return nil
	}
	b.state = bracketRolledBack
	tick(b.t.stats, TickerTxnRollback, 1)
	err := b.txn.Abort()
	b.t.logger.Debugf("%srolled back txn %d", logging.NSTxn, b.id)
	return err
}
