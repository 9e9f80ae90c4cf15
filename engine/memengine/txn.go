package memengine

import (
	"github.com/aalhour/recordkv/engine"
	"github.com/aalhour/recordkv/internal/logging"
)

type undo struct {
	d       *data
	probe   item
	old     item
	existed bool
}

// Txn is a memengine transaction. Writes are applied in place; Abort
// replays the undo log in reverse before releasing locks. Record numbers
// handed out by aborted appends are not reused, so their slots read as
// empty.
type Txn struct {
	env  *Env
	id   uint64
	log  []undo
	done bool
}

var _ engine.Txn = (*Txn)(nil)

// ID implements engine.Txn.
func (t *Txn) ID() uint64 { return t.id }

func (t *Txn) record(u undo) {
	t.log = append(t.log, u)
}

// Commit implements engine.Txn.
func (t *Txn) Commit() error {
	if t.done {
		return engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", t.id)
	}
	t.done = true
	t.log = nil
	t.env.locks.ReleaseAll(t.id)
	t.env.logger.Debugf("%scommitted txn %d", logging.NSEngine, t.id)
	return nil
}

// Abort implements engine.Txn.
func (t *Txn) Abort() error {
	if t.done {
		return engine.Errorf(engine.CodeInvalid, "transaction %d already resolved", t.id)
	}
	t.done = true
	for i := len(t.log) - 1; i >= 0; i-- {
		u := t.log[i]
		u.d.mu.Lock()
		if u.existed {
			u.d.tree.ReplaceOrInsert(u.old)
		} else {
			u.d.tree.Delete(u.probe)
		}
		u.d.mu.Unlock()
	}
	undone := len(t.log)
	t.log = nil
	t.env.locks.ReleaseAll(t.id)
	t.env.logger.Debugf("%saborted txn %d (%d writes undone)", logging.NSEngine, t.id, undone)
	return nil
}
