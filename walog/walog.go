// Package walog implements the physical write-ahead log described in
// §4.5: two rotated segment files, LSN-ordered physical records, and
// crash recovery by replaying the newest-to-oldest merge of both
// segments. It is grounded in btree/wal.go's single-segment physical WAL
// (magic+version header, CRC32-checksummed records) generalized to a
// two-segment rotation and a fuller record taxonomy.
package walog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hamsterdb/hamsterdb/common"
)

// RecordType enumerates the physical log record kinds (§4.5).
type RecordType uint8

const (
	RecordPrewrite RecordType = iota + 1
	RecordWrite
	RecordFlushPage
	RecordTxnBegin
	RecordTxnCommit
	RecordTxnAbort
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordPrewrite:
		return "PREWRITE"
	case RecordWrite:
		return "WRITE"
	case RecordFlushPage:
		return "FLUSH_PAGE"
	case RecordTxnBegin:
		return "TXN_BEGIN"
	case RecordTxnCommit:
		return "TXN_COMMIT"
	case RecordTxnAbort:
		return "TXN_ABORT"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("RecordType(%d)", t)
	}
}

const (
	segmentMagic   = "HLOG"
	segmentVersion = uint32(1)
	segmentHeader  = 12 // magic(4) + version(4) + segment id(4)

	// recordHeader: lsn(8) + txnID(8) + type(1) + flags(1) + pad(2) +
	// pageRID(8) + fileOffset(4) + dataSize(4) = 36 bytes, then payload,
	// then crc32(4). The whole record is padded to an 8-byte boundary.
	recordHeader = 36
)

// Record is one physical log entry.
type Record struct {
	LSN        uint64
	TxnID      uint64
	Type       RecordType
	Flags      uint8
	PageRID    uint64 // page this record concerns (0 for txn/checkpoint markers)
	FileOffset uint32 // byte offset within the page that Data begins at
	Data       []byte
}

func encodedSize(data []byte) int {
	n := recordHeader + len(data) + 4 // +crc32
	if pad := n % 8; pad != 0 {
		n += 8 - pad
	}
	return n
}

func encodeRecord(r Record) []byte {
	n := encodedSize(r.Data)
	buf := make([]byte, n)
	binary.BigEndian.PutUint64(buf[0:], r.LSN)
	binary.BigEndian.PutUint64(buf[8:], r.TxnID)
	buf[16] = byte(r.Type)
	buf[17] = r.Flags
	binary.BigEndian.PutUint64(buf[20:], r.PageRID)
	binary.BigEndian.PutUint32(buf[28:], r.FileOffset)
	binary.BigEndian.PutUint32(buf[32:], uint32(len(r.Data)))
	copy(buf[recordHeader:], r.Data)
	crc := crc32.ChecksumIEEE(buf[:recordHeader+len(r.Data)])
	binary.BigEndian.PutUint32(buf[recordHeader+len(r.Data):], crc)
	return buf
}

func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recordHeader {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	dataSize := binary.BigEndian.Uint32(buf[32:])
	total := encodedSize(make([]byte, dataSize))
	if len(buf) < total {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	r := Record{
		LSN:        binary.BigEndian.Uint64(buf[0:]),
		TxnID:      binary.BigEndian.Uint64(buf[8:]),
		Type:       RecordType(buf[16]),
		Flags:      buf[17],
		PageRID:    binary.BigEndian.Uint64(buf[20:]),
		FileOffset: binary.BigEndian.Uint32(buf[28:]),
	}
	if dataSize > 0 {
		r.Data = make([]byte, dataSize)
		copy(r.Data, buf[recordHeader:recordHeader+int(dataSize)])
	}
	wantCRC := binary.BigEndian.Uint32(buf[recordHeader+int(dataSize):])
	gotCRC := crc32.ChecksumIEEE(buf[:recordHeader+int(dataSize)])
	if wantCRC != gotCRC {
		return Record{}, 0, fmt.Errorf("%w: log record checksum mismatch", common.ErrIntegrityViolated)
	}
	return r, total, nil
}

// segment is one of the two rotated log files.
type segment struct {
	id     uint32
	path   string
	file   *os.File
	offset int64
}

func openSegment(path string, id uint32) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	s := &segment{id: id, path: path, file: f}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		s.offset = segmentHeader
	} else {
		if err := s.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
		s.offset = fi.Size()
	}
	return s, nil
}

func (s *segment) writeHeader() error {
	buf := make([]byte, segmentHeader)
	copy(buf[0:4], segmentMagic)
	binary.BigEndian.PutUint32(buf[4:8], segmentVersion)
	binary.BigEndian.PutUint32(buf[8:12], s.id)
	_, err := s.file.WriteAt(buf, 0)
	return err
}

func (s *segment) validateHeader() error {
	buf := make([]byte, segmentHeader)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: %v", common.ErrLogInvalidHeader, err)
	}
	if string(buf[0:4]) != segmentMagic {
		return fmt.Errorf("%w: bad magic", common.ErrLogInvalidHeader)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != segmentVersion {
		return fmt.Errorf("%w: unsupported version", common.ErrInvalidFileVersion)
	}
	return nil
}

func (s *segment) reset() error {
	if err := s.file.Truncate(segmentHeader); err != nil {
		return err
	}
	s.offset = segmentHeader
	return s.writeHeader()
}

func (s *segment) append(r Record) error {
	buf := encodeRecord(r)
	if _, err := s.file.WriteAt(buf, s.offset); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	s.offset += int64(len(buf))
	return nil
}

// readAll scans every well-formed record in the segment. A short or
// corrupt trailing record (a torn write from a crash mid-append) ends
// the scan without error, matching the "ignore the incomplete tail"
// recovery discipline in §4.5.
func (s *segment) readAll() ([]Record, error) {
	fi, err := s.file.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, fi.Size()-segmentHeader)
	if len(buf) == 0 {
		return nil, nil
	}
	if _, err := s.file.ReadAt(buf, segmentHeader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", common.ErrIO, err)
	}

	var records []Record
	for off := 0; off < len(buf); {
		r, n, err := decodeRecord(buf[off:])
		if err != nil {
			break
		}
		records = append(records, r)
		off += n
	}
	return records, nil
}

func (s *segment) close() error {
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}

// Log owns the two rotated segments and the monotonically increasing LSN
// counter. A checkpoint flips the active segment and resets the other one
// (§4.5 "checkpoint-triggered segment flip").
type Log struct {
	mu       sync.Mutex
	segs     [2]*segment
	active   int
	nextLSN  uint64
	dontWipe bool // FlagDontClearLog: leave segment contents on Close
}

// Open opens (or creates) both rotated segments under dir with the given
// base name, e.g. "env.db" produces "env.db.log0" and "env.db.log1".
func Open(dir, base string, flags common.Flags) (*Log, error) {
	l := &Log{dontWipe: flags.Has(common.FlagDontClearLog)}
	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s.log%d", base, i))
		s, err := openSegment(path, uint32(i))
		if err != nil {
			return nil, err
		}
		l.segs[i] = s
	}
	return l, nil
}

func (l *Log) other() int { return 1 - l.active }

// nextLSNLocked hands out the next LSN; callers hold l.mu.
func (l *Log) nextLSNLocked() uint64 {
	l.nextLSN++
	return l.nextLSN
}

func (l *Log) append(typ RecordType, txnID uint64, pageRID uint64, fileOffset uint32, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSNLocked()
	r := Record{LSN: lsn, TxnID: txnID, Type: typ, PageRID: pageRID, FileOffset: fileOffset, Data: data}
	if err := l.segs[l.active].append(r); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Prewrite logs the before-image of a page region, written before the
// in-memory page itself is mutated (§4.5 PREWRITE).
func (l *Log) Prewrite(txnID, pageRID uint64, fileOffset uint32, before []byte) (uint64, error) {
	return l.append(RecordPrewrite, txnID, pageRID, fileOffset, before)
}

// Write logs the after-image of a page region.
func (l *Log) Write(txnID, pageRID uint64, fileOffset uint32, after []byte) (uint64, error) {
	return l.append(RecordWrite, txnID, pageRID, fileOffset, after)
}

// FlushPage records that a dirty page was written back to the device
// (§4.5). Recovery does not consult these records.
func (l *Log) FlushPage(pageRID uint64) (uint64, error) {
	return l.append(RecordFlushPage, 0, pageRID, 0, nil)
}

func (l *Log) TxnBegin(txnID uint64) (uint64, error) {
	return l.append(RecordTxnBegin, txnID, 0, 0, nil)
}

func (l *Log) TxnCommit(txnID uint64) (uint64, error) {
	return l.append(RecordTxnCommit, txnID, 0, 0, nil)
}

func (l *Log) TxnAbort(txnID uint64) (uint64, error) {
	return l.append(RecordTxnAbort, txnID, 0, 0, nil)
}

// Checkpoint writes a checkpoint marker to the active segment, then flips
// to the other segment and wipes it, so recovery never has to look past
// two checkpoints back (§4.5).
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSNLocked()
	if err := l.segs[l.active].append(Record{LSN: lsn, Type: RecordCheckpoint}); err != nil {
		return err
	}
	if err := l.segs[l.active].file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}

	next := l.other()
	if err := l.segs[next].reset(); err != nil {
		return err
	}
	l.active = next
	return nil
}

// Sync flushes the active segment to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segs[l.active].file.Sync()
}

// Close syncs and closes both segments. Unless FlagDontClearLog was set,
// both segments are reset to empty first (§6 "on close, the log is
// cleared by default").
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, s := range l.segs {
		if !l.dontWipe {
			if err := s.reset(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsEmpty reports whether both segments hold nothing but their header and
// the environment therefore needs no recovery pass on open.
func (l *Log) IsEmpty() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segs {
		fi, err := s.file.Stat()
		if err != nil {
			return false, err
		}
		if fi.Size() > segmentHeader {
			return false, nil
		}
	}
	return true, nil
}

// Recover reads both segments and returns every record merged and sorted
// by LSN (§4.5 "recovery scan: newest-to-oldest merge of both
// segments, ordered globally by LSN"). Replaying is the caller's job
// (the hamsterdb package owns page/transaction state); this just produces
// the ordered record stream.
func (l *Log) Recover() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var all []Record
	for _, s := range l.segs {
		recs, err := s.readAll()
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	sortByLSN(all)
	return all, nil
}

// ResetAfterRecovery truncates both segments to empty headers and resets
// the LSN counter to 1 (§4.5 recovery step 5), without closing the log.
func (l *Log) ResetAfterRecovery() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segs {
		if err := s.reset(); err != nil {
			return err
		}
	}
	l.nextLSN = 0
	l.active = 0
	return nil
}

func sortByLSN(recs []Record) {
	// Small N (bounded by log size between checkpoints); insertion sort
	// keeps this dependency-free and is plenty fast here.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].LSN < recs[j-1].LSN; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
