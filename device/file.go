package device

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/hamsterdb/hamsterdb/common"
)

// FileDevice is a POSIX file-backed device. On page read it may
// memory-map the file when the page size is aligned to OS granularity;
// otherwise (or on mmap failure) it falls back to pread into a heap
// buffer with the malloc flag set (§4.1 "File device").
type FileDevice struct {
	mu       sync.Mutex
	file     *os.File
	pagesize int
	flags    common.Flags
	mapped   mmap.MMap // nil when mmap isn't active
	open     bool
}

// NewFileDevice constructs an unopened file device for the given page
// size.
func NewFileDevice(pagesize int) *FileDevice {
	return &FileDevice{pagesize: pagesize}
}

func (d *FileDevice) Create(path string, flags common.Flags, mode os.FileMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("device: create %s: %w", path, err)
	}
	d.file = f
	d.flags = flags
	d.open = true
	return nil
}

func (d *FileDevice) Open(path string, flags common.Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	perm := os.O_RDWR
	if flags.Has(common.FlagReadOnly) {
		perm = os.O_RDONLY
	}
	f, err := os.OpenFile(path, perm, 0)
	if err != nil {
		return fmt.Errorf("device: open %s: %w", path, err)
	}
	d.file = f
	d.flags = flags
	d.open = true
	return nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *FileDevice) closeLocked() error {
	if !d.open {
		return nil
	}
	d.unmapLocked()
	err := d.file.Close()
	d.open = false
	return err
}

func (d *FileDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mapped != nil {
		if err := d.mapped.Flush(); err != nil {
			return fmt.Errorf("device: flush mmap: %w", err)
		}
	}
	return d.file.Sync()
}

func (d *FileDevice) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unmapLocked()
	return d.file.Truncate(size)
}

func (d *FileDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *FileDevice) PageSize() int { return d.pagesize }

func (d *FileDevice) FileSize() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fi, err := d.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *FileDevice) ReadAt(offset int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

func (d *FileDevice) WriteAt(offset int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flags.Has(common.FlagReadOnly) {
		return common.ErrReadOnly
	}
	if _, err := d.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

func (d *FileDevice) Alloc(size int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fi, err := d.file.Stat()
	if err != nil {
		return 0, err
	}
	rid := uint64(fi.Size())
	if rid == 0 {
		rid = uint64(d.pagesize) // never return rid 0
	}
	if err := d.file.Truncate(fi.Size() + int64(size)); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrDiskFull, err)
	}
	d.unmapLocked()
	return rid, nil
}

// mmapAligned reports whether rid/pagesize line up with a region mmap can
// serve without the caller seeing unmapped bytes.
func (d *FileDevice) mmapAligned(rid uint64, length int) bool {
	return rid%uint64(d.pagesize) == 0 && length == d.pagesize
}

func (d *FileDevice) ReadPage(rid uint64, buf []byte) error {
	d.mu.Lock()

	if !d.flags.Has(common.FlagDisableMmap) && d.mmapAligned(rid, len(buf)) {
		if err := d.ensureMappedLocked(); err == nil {
			end := int(rid) + len(buf)
			if end <= len(d.mapped) {
				copy(buf, d.mapped[rid:end])
				d.mu.Unlock()
				return nil
			}
		} else {
			// mmap failed: durably fall back to pread for the rest of
			// this device's lifetime (§4.1 "durably switches the
			// environment's runtime flags to disable mmap and retries").
			d.flags |= common.FlagDisableMmap
		}
	}
	d.mu.Unlock()

	if err := d.ReadAt(int64(rid), buf); err != nil {
		return err
	}
	return nil
}

func (d *FileDevice) WritePage(rid uint64, buf []byte) error {
	return d.WriteAt(int64(rid), buf)
}

func (d *FileDevice) SetFlags(flags common.Flags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags = flags
}

func (d *FileDevice) Flags() common.Flags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

func (d *FileDevice) Destroy() error {
	path := d.file.Name()
	if err := d.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// ensureMappedLocked (re)establishes the mmap region covering the whole
// file. Callers must hold d.mu.
func (d *FileDevice) ensureMappedLocked() error {
	if d.mapped != nil {
		return nil
	}
	prot := mmap.RDWR
	if d.flags.Has(common.FlagReadOnly) {
		prot = mmap.RDONLY
	}
	m, err := mmap.Map(d.file, prot, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrLimitsReached, err)
	}
	d.mapped = m
	return nil
}

func (d *FileDevice) unmapLocked() {
	if d.mapped != nil {
		_ = d.mapped.Unmap()
		d.mapped = nil
	}
}
