package hamsterdb

import (
	"github.com/hamsterdb/hamsterdb/device"
	"github.com/hamsterdb/hamsterdb/walog"
)

// recoverLog replays the merged, LSN-ordered record stream from a prior
// crash (§4.5 "recovery scan"): committed transactions' WRITE records
// are reapplied so their effects survive the crash, while pages only
// touched by a transaction that never reached TXN_COMMIT are rolled
// back to the PREWRITE before-image captured when that page was first
// touched. The single-active-transaction model (§4.11) means at most
// one transaction's writes are ever pending against a given page within
// one log epoch, so a page's fate is decided once the whole stream has
// been scanned.
func recoverLog(dev device.Device, log *walog.Log) error {
	records, err := log.Recover()
	if err != nil {
		return err
	}

	committed := make(map[uint64]bool)
	for _, r := range records {
		if r.Type == walog.RecordTxnCommit {
			committed[r.TxnID] = true
		}
	}

	type pending struct {
		txnID uint64
		after []byte
	}
	before := make(map[uint64][]byte)
	writes := make(map[uint64]pending)

	for _, r := range records {
		switch r.Type {
		case walog.RecordPrewrite:
			if _, ok := before[r.PageRID]; !ok {
				before[r.PageRID] = r.Data
			}
		case walog.RecordWrite:
			writes[r.PageRID] = pending{txnID: r.TxnID, after: r.Data}
		}
	}

	touched := make(map[uint64]bool, len(before)+len(writes))
	for rid := range before {
		touched[rid] = true
	}
	for rid := range writes {
		touched[rid] = true
	}

	for rid := range touched {
		w, hasWrite := writes[rid]
		if hasWrite && (w.txnID == 0 || committed[w.txnID]) {
			if err := dev.WritePage(rid, w.after); err != nil {
				return err
			}
			continue
		}
		if img, ok := before[rid]; ok {
			if err := dev.WritePage(rid, img); err != nil {
				return err
			}
		}
	}

	if err := dev.Flush(); err != nil {
		return err
	}
	return log.ResetAfterRecovery()
}
