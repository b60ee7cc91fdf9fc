package txn

import (
	"testing"

	"github.com/hamsterdb/hamsterdb/common"
)

type fakeLog struct {
	begins, commits, aborts []uint64
}

func (f *fakeLog) TxnBegin(id uint64) (uint64, error) {
	f.begins = append(f.begins, id)
	return uint64(len(f.begins)), nil
}
func (f *fakeLog) TxnCommit(id uint64) (uint64, error) {
	f.commits = append(f.commits, id)
	return uint64(len(f.commits)), nil
}
func (f *fakeLog) TxnAbort(id uint64) (uint64, error) {
	f.aborts = append(f.aborts, id)
	return uint64(len(f.aborts)), nil
}

func TestOnlyOneActiveTransaction(t *testing.T) {
	log := &fakeLog{}
	mgr := NewManager(log)

	txn1, err := mgr.Begin(0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := mgr.Begin(0); err != common.ErrTxnConflict {
		t.Fatalf("expected ErrTxnConflict, got %v", err)
	}
	if err := txn1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := mgr.Begin(0); err != nil {
		t.Fatalf("Begin after commit: %v", err)
	}
}

func TestCommitRejectedWithLiveCursor(t *testing.T) {
	log := &fakeLog{}
	mgr := NewManager(log)
	txn, err := mgr.Begin(0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	txn.AddCursor()
	if err := txn.Commit(); err != common.ErrCursorStillOpen {
		t.Fatalf("expected ErrCursorStillOpen, got %v", err)
	}
	txn.DropCursor()
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit after cursor closed: %v", err)
	}
}

type fakeUndoer struct{ calledFor uint64 }

func (f *fakeUndoer) Undo(txnID uint64) error {
	f.calledFor = txnID
	return nil
}

func TestAbortRunsUndo(t *testing.T) {
	log := &fakeLog{}
	mgr := NewManager(log)
	txn, err := mgr.Begin(0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	undo := &fakeUndoer{}
	if err := txn.Abort(undo); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if undo.calledFor != txn.ID() {
		t.Fatalf("expected undo called for txn %d, got %d", txn.ID(), undo.calledFor)
	}
	if len(log.aborts) != 1 || log.aborts[0] != txn.ID() {
		t.Fatalf("expected TXN_ABORT logged for %d, got %v", txn.ID(), log.aborts)
	}
}
