package device

import (
	"os"

	"github.com/hamsterdb/hamsterdb/common"
)

// MemoryDevice is an in-memory device backed by a growable heap buffer
// (§4.1 "In-memory device"). Alloc returns the byte offset into that
// buffer as the rid; seek-style operations have no meaning here.
type MemoryDevice struct {
	pagesize int
	flags    common.Flags
	buf      []byte
	open     bool
}

// NewMemoryDevice constructs an in-memory device for the given page size.
func NewMemoryDevice(pagesize int) *MemoryDevice {
	return &MemoryDevice{pagesize: pagesize}
}

func (d *MemoryDevice) Create(path string, flags common.Flags, mode os.FileMode) error {
	d.flags = flags
	d.buf = nil
	d.open = true
	return nil
}

func (d *MemoryDevice) Open(path string, flags common.Flags) error {
	// An in-memory device has no backing file to reopen; Create is the
	// only way to bring one into existence. IN_MEMORY_DB environments
	// never survive a process restart (§6).
	return common.ErrFileNotFound
}

func (d *MemoryDevice) Close() error {
	d.open = false
	return nil
}

func (d *MemoryDevice) Flush() error { return nil }

func (d *MemoryDevice) Truncate(size int64) error {
	if int64(len(d.buf)) >= size {
		d.buf = d.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, d.buf)
	d.buf = grown
	return nil
}

func (d *MemoryDevice) IsOpen() bool        { return d.open }
func (d *MemoryDevice) PageSize() int       { return d.pagesize }
func (d *MemoryDevice) FileSize() (int64, error) { return int64(len(d.buf)), nil }

func (d *MemoryDevice) ReadAt(offset int64, buf []byte) error {
	if offset < 0 || int(offset)+len(buf) > len(d.buf) {
		return common.ErrIO
	}
	copy(buf, d.buf[offset:int(offset)+len(buf)])
	return nil
}

func (d *MemoryDevice) WriteAt(offset int64, buf []byte) error {
	if d.flags.Has(common.FlagReadOnly) {
		return common.ErrReadOnly
	}
	end := int(offset) + len(buf)
	if end > len(d.buf) {
		if err := d.Truncate(int64(end)); err != nil {
			return err
		}
	}
	copy(d.buf[offset:end], buf)
	return nil
}

func (d *MemoryDevice) Alloc(size int) (uint64, error) {
	rid := uint64(len(d.buf))
	if rid == 0 {
		rid = uint64(d.pagesize)
	}
	if err := d.Truncate(int64(rid) + int64(size)); err != nil {
		return 0, err
	}
	return rid, nil
}

func (d *MemoryDevice) ReadPage(rid uint64, buf []byte) error  { return d.ReadAt(int64(rid), buf) }
func (d *MemoryDevice) WritePage(rid uint64, buf []byte) error { return d.WriteAt(int64(rid), buf) }

func (d *MemoryDevice) SetFlags(flags common.Flags) { d.flags = flags }
func (d *MemoryDevice) Flags() common.Flags         { return d.flags }

func (d *MemoryDevice) Destroy() error {
	d.buf = nil
	d.open = false
	return nil
}
