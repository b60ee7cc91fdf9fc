package device

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hamsterdb/hamsterdb/common"
)

// Registry is an explicit, passed-in stand-in for the source's
// process-global flash filesystem: a table of named in-memory buffers
// shared and refcounted across FlashDevice handles that open the same
// name (§4.1 "Flash-memory device"; §9 warns against a
// process-lifetime static, so construction always takes a *Registry
// rather than reaching for a package-level var).
type Registry struct {
	mu    sync.Mutex
	files map[string]*flashFile
}

// NewRegistry creates an empty flash-device registry. Tests typically
// create one per test case so devices never leak across them; a real
// process wanting shared flash storage constructs one Registry at
// startup and threads it through every FlashDevice it opens.
func NewRegistry() *Registry {
	return &Registry{files: make(map[string]*flashFile)}
}

type flashFile struct {
	mu       sync.Mutex
	buf      []byte
	refCount int32
}

func (r *Registry) acquire(name string) *flashFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[name]
	if !ok {
		f = &flashFile{}
		r.files[name] = f
	}
	atomic.AddInt32(&f.refCount, 1)
	return f
}

func (r *Registry) release(name string, f *flashFile) {
	if atomic.AddInt32(&f.refCount, -1) > 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files[name] == f && atomic.LoadInt32(&f.refCount) <= 0 {
		delete(r.files, name)
	}
}

// FlashDevice is a device backed by a Registry-held shared buffer, so
// multiple handles opened against the same name observe the same bytes
// (§4.1).
type FlashDevice struct {
	registry *Registry
	name     string
	file     *flashFile
	pagesize int
	flags    common.Flags
	open     bool
}

// NewFlashDevice constructs a flash device bound to registry, unopened.
func NewFlashDevice(registry *Registry, pagesize int) *FlashDevice {
	return &FlashDevice{registry: registry, pagesize: pagesize}
}

func (d *FlashDevice) Create(path string, flags common.Flags, mode os.FileMode) error {
	d.name = path
	d.file = d.registry.acquire(path)
	d.file.mu.Lock()
	d.file.buf = nil
	d.file.mu.Unlock()
	d.flags = flags
	d.open = true
	return nil
}

func (d *FlashDevice) Open(path string, flags common.Flags) error {
	d.registry.mu.Lock()
	_, exists := d.registry.files[path]
	d.registry.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", common.ErrFileNotFound, path)
	}
	d.name = path
	d.file = d.registry.acquire(path)
	d.flags = flags
	d.open = true
	return nil
}

func (d *FlashDevice) Close() error {
	if !d.open {
		return nil
	}
	d.registry.release(d.name, d.file)
	d.open = false
	return nil
}

func (d *FlashDevice) Flush() error { return nil }

func (d *FlashDevice) Truncate(size int64) error {
	d.file.mu.Lock()
	defer d.file.mu.Unlock()
	if int64(len(d.file.buf)) >= size {
		d.file.buf = d.file.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, d.file.buf)
	d.file.buf = grown
	return nil
}

func (d *FlashDevice) IsOpen() bool  { return d.open }
func (d *FlashDevice) PageSize() int { return d.pagesize }

func (d *FlashDevice) FileSize() (int64, error) {
	d.file.mu.Lock()
	defer d.file.mu.Unlock()
	return int64(len(d.file.buf)), nil
}

func (d *FlashDevice) ReadAt(offset int64, buf []byte) error {
	d.file.mu.Lock()
	defer d.file.mu.Unlock()
	if offset < 0 || int(offset)+len(buf) > len(d.file.buf) {
		return common.ErrIO
	}
	copy(buf, d.file.buf[offset:int(offset)+len(buf)])
	return nil
}

func (d *FlashDevice) WriteAt(offset int64, buf []byte) error {
	if d.flags.Has(common.FlagReadOnly) {
		return common.ErrReadOnly
	}
	end := int(offset) + len(buf)
	d.file.mu.Lock()
	needsGrow := end > len(d.file.buf)
	d.file.mu.Unlock()
	if needsGrow {
		if err := d.Truncate(int64(end)); err != nil {
			return err
		}
	}
	d.file.mu.Lock()
	defer d.file.mu.Unlock()
	copy(d.file.buf[offset:end], buf)
	return nil
}

func (d *FlashDevice) Alloc(size int) (uint64, error) {
	d.file.mu.Lock()
	rid := uint64(len(d.file.buf))
	d.file.mu.Unlock()
	if rid == 0 {
		rid = uint64(d.pagesize)
	}
	if err := d.Truncate(int64(rid) + int64(size)); err != nil {
		return 0, err
	}
	return rid, nil
}

func (d *FlashDevice) ReadPage(rid uint64, buf []byte) error  { return d.ReadAt(int64(rid), buf) }
func (d *FlashDevice) WritePage(rid uint64, buf []byte) error { return d.WriteAt(int64(rid), buf) }

func (d *FlashDevice) SetFlags(flags common.Flags) { d.flags = flags }
func (d *FlashDevice) Flags() common.Flags         { return d.flags }

func (d *FlashDevice) Destroy() error {
	return d.Close()
}
