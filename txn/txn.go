// Package txn implements the transaction lifecycle tag from §4.11:
// one active transaction per environment, tied to the write-ahead log's
// TXN_BEGIN/TXN_COMMIT/TXN_ABORT records, refusing to settle while
// cursors remain open against it. Grounded in btree/latch.go's
// LatchManager (a single mutex guarding a small map of live handles)
// repurposed from page latches to the one-active-slot rule here, and
// btree/wal.go's commit/abort record emission.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hamsterdb/hamsterdb/common"
)

// Log is the narrow slice of walog.Log a transaction needs.
type Log interface {
	TxnBegin(txnID uint64) (uint64, error)
	TxnCommit(txnID uint64) (uint64, error)
	TxnAbort(txnID uint64) (uint64, error)
}

// Undoer restores every page a transaction touched to its pre-write
// image (§4.11 "abort ... triggers undo via PREWRITE images"). The
// owning Environment implements this by replaying the before-images it
// captured the first time each page was touched under the transaction.
type Undoer interface {
	Undo(txnID uint64) error
}

type txnState int

const (
	stateActive txnState = iota
	stateCommitted
	stateAborted
)

// Transaction is a single environment's in-flight unit of work (spec
// §4.11). Its zero value is not usable; construct via Manager.Begin.
type Transaction struct {
	mgr     *Manager
	id      uint64
	flags   common.Flags
	cursors atomic.Int32

	mu    sync.Mutex
	state txnState
}

// ID returns the transaction's monotonic identifier.
func (t *Transaction) ID() uint64 { return t.id }

// Flags returns the flags the transaction was begun with.
func (t *Transaction) Flags() common.Flags { return t.flags }

// AddCursor bumps the transaction's live-cursor refcount (§4.9
// "cursors increment the owning transaction's refcount on creation").
func (t *Transaction) AddCursor() { t.cursors.Add(1) }

// DropCursor lowers the refcount (§4.9 "and decrement on close").
func (t *Transaction) DropCursor() { t.cursors.Add(-1) }

// CursorCount reports how many cursors are currently open against t.
func (t *Transaction) CursorCount() int32 { return t.cursors.Load() }

// Commit emits TXN_COMMIT and retires the transaction (§4.11).
// Returns common.ErrCursorStillOpen while cursors remain open, per §4.9
// "a transaction cannot commit/abort with live cursors."
func (t *Transaction) Commit() error {
	if t.cursors.Load() > 0 {
		return common.ErrCursorStillOpen
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateActive {
		return fmt.Errorf("%w: transaction already settled", common.ErrInvalidParameter)
	}
	if _, err := t.mgr.log.TxnCommit(t.id); err != nil {
		return err
	}
	t.state = stateCommitted
	t.mgr.release(t)
	return nil
}

// Abort runs undo (when a non-nil Undoer is given) and emits TXN_ABORT
// (§4.11). Also refuses to proceed with open cursors.
func (t *Transaction) Abort(undo Undoer) error {
	if t.cursors.Load() > 0 {
		return common.ErrCursorStillOpen
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateActive {
		return fmt.Errorf("%w: transaction already settled", common.ErrInvalidParameter)
	}
	if undo != nil {
		if err := undo.Undo(t.id); err != nil {
			return err
		}
	}
	if _, err := t.mgr.log.TxnAbort(t.id); err != nil {
		return err
	}
	t.state = stateAborted
	t.mgr.release(t)
	return nil
}

// Manager enforces "only one active transaction per environment" (spec
// §4.11) and hands out monotonically increasing transaction ids.
type Manager struct {
	log    Log
	mu     sync.Mutex
	nextID uint64
	active *Transaction
}

// NewManager returns a transaction manager writing begin/commit/abort
// records to log.
func NewManager(log Log) *Manager {
	return &Manager{log: log}
}

// Begin starts a new transaction, failing with common.ErrTxnConflict if
// one is already active.
func (m *Manager) Begin(flags common.Flags) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, common.ErrTxnConflict
	}
	m.nextID++
	id := m.nextID
	if _, err := m.log.TxnBegin(id); err != nil {
		m.nextID--
		return nil, err
	}
	t := &Transaction{mgr: m, id: id, flags: flags, state: stateActive}
	m.active = t
	return t, nil
}

// Active returns the environment's current transaction, or nil.
func (m *Manager) Active() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) release(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == t {
		m.active = nil
	}
}
