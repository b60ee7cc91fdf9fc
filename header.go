package hamsterdb

import (
	"encoding/binary"
	"fmt"

	"github.com/hamsterdb/hamsterdb/common"
)

// On-disk header page layout (§6):
//
//	[magic:4][version:4][serial:4][pagesize:4][max_dbs:2][reserved:2][indexdata:N*32]
//
// Each indexdata slot (§6):
//
//	[dbname:2][flags:2][keysize:2][max_keys:2][root_rid:8][recno:8][reserved:8]
const (
	magic           = "HAM\x00"
	headerFixedSize = 4 + 4 + 4 + 4 + 2 + 2 // magic,version,serial,pagesize,maxDBs,reserved
	indexSlotSize   = 32

	versionMajor    = 1
	versionMinor    = 0
	versionRevision = 0

	offMagic     = 0
	offVersion   = 4
	offSerial    = 8
	offPageSize  = 12
	offMaxDBs    = 16
	offReserved  = 18
	offIndexData = 20
)

// indexData is one database's backend metadata slot inside the header
// page (§3 "Header page ... N-entry index-data array").
type indexData struct {
	name    uint16
	flags   uint16
	keySize uint16
	maxKeys uint16
	rootRID uint64
	recno   uint64
}

func encodeIndexData(d indexData) []byte {
	buf := make([]byte, indexSlotSize)
	binary.BigEndian.PutUint16(buf[0:], d.name)
	binary.BigEndian.PutUint16(buf[2:], d.flags)
	binary.BigEndian.PutUint16(buf[4:], d.keySize)
	binary.BigEndian.PutUint16(buf[6:], d.maxKeys)
	binary.BigEndian.PutUint64(buf[8:], d.rootRID)
	binary.BigEndian.PutUint64(buf[16:], d.recno)
	return buf
}

func decodeIndexData(buf []byte) indexData {
	return indexData{
		name:    binary.BigEndian.Uint16(buf[0:]),
		flags:   binary.BigEndian.Uint16(buf[2:]),
		keySize: binary.BigEndian.Uint16(buf[4:]),
		maxKeys: binary.BigEndian.Uint16(buf[6:]),
		rootRID: binary.BigEndian.Uint64(buf[8:]),
		recno:   binary.BigEndian.Uint64(buf[16:]),
	}
}

func (d indexData) inUse() bool { return d.name != 0 }

// fileHeader is the decoded form of the header page.
type fileHeader struct {
	version  [3]byte
	serial   uint32
	pageSize uint32
	maxDBs   uint16
	slots    []indexData
}

func newFileHeader(pageSize uint32, maxDBs uint16, serial uint32) *fileHeader {
	return &fileHeader{
		version:  [3]byte{versionMajor, versionMinor, versionRevision},
		serial:   serial,
		pageSize: pageSize,
		maxDBs:   maxDBs,
		slots:    make([]indexData, maxDBs),
	}
}

func (h *fileHeader) size() int {
	return headerFixedSize + int(h.maxDBs)*indexSlotSize
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, h.size())
	copy(buf[offMagic:], magic)
	buf[offVersion] = h.version[0]
	buf[offVersion+1] = h.version[1]
	buf[offVersion+2] = h.version[2]
	binary.BigEndian.PutUint32(buf[offSerial:], h.serial)
	binary.BigEndian.PutUint32(buf[offPageSize:], h.pageSize)
	binary.BigEndian.PutUint16(buf[offMaxDBs:], h.maxDBs)
	for i, slot := range h.slots {
		off := offIndexData + i*indexSlotSize
		copy(buf[off:off+indexSlotSize], encodeIndexData(slot))
	}
	return buf
}

// decodeFileHeaderPrefix parses the fixed portion of buf to learn the real page
// size, so the caller can reopen the device at that size and decode the
// rest (§4.10 "Open": "read the initial bytes to learn the page size").
func decodeFileHeaderPrefix(buf []byte) (uint32, error) {
	if len(buf) < headerFixedSize {
		return 0, fmt.Errorf("%w: header truncated", common.ErrInvalidFileHeader)
	}
	if string(buf[offMagic:offMagic+4]) != magic {
		return 0, fmt.Errorf("%w: bad magic", common.ErrInvalidFileHeader)
	}
	return binary.BigEndian.Uint32(buf[offPageSize:]), nil
}

func decodeFileHeader(buf []byte) (*fileHeader, error) {
	pagesize, err := decodeFileHeaderPrefix(buf)
	if err != nil {
		return nil, err
	}
	major, minor := buf[offVersion], buf[offVersion+1]
	// 1.0.x is accepted as a "legacy" format per §4.10 "Open".
	if major != versionMajor {
		return nil, fmt.Errorf("%w: version %d.%d.x", common.ErrInvalidFileVersion, major, minor)
	}
	h := &fileHeader{
		version:  [3]byte{buf[offVersion], buf[offVersion+1], buf[offVersion+2]},
		serial:   binary.BigEndian.Uint32(buf[offSerial:]),
		pageSize: pagesize,
		maxDBs:   binary.BigEndian.Uint16(buf[offMaxDBs:]),
	}
	need := headerFixedSize + int(h.maxDBs)*indexSlotSize
	if len(buf) < need {
		return nil, fmt.Errorf("%w: indexdata truncated", common.ErrInvalidFileHeader)
	}
	h.slots = make([]indexData, h.maxDBs)
	for i := range h.slots {
		off := offIndexData + i*indexSlotSize
		h.slots[i] = decodeIndexData(buf[off : off+indexSlotSize])
	}
	return h, nil
}

func (h *fileHeader) findSlot(name uint16) int {
	for i, s := range h.slots {
		if s.inUse() && s.name == name {
			return i
		}
	}
	return -1
}

func (h *fileHeader) freeSlot() int {
	for i, s := range h.slots {
		if !s.inUse() {
			return i
		}
	}
	return -1
}
