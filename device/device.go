// Package device implements the byte-addressable backing stores HamsterDB
// pages sit on (§4.1). It is modeled on btree/pager.go's direct
// os.File use, pulled out behind an interface the way qcow2's block.go
// separates "block device" from "image format": Cache, Freelist, WAL and
// the blob store all talk to a Device, never to *os.File directly.
package device

import (
	"os"

	"github.com/hamsterdb/hamsterdb/common"
)

// Device provides block I/O over a logical byte range starting at offset
// 0. rid 0 is reserved "none" (§3); Alloc never returns it.
type Device interface {
	Create(path string, flags common.Flags, mode os.FileMode) error
	Open(path string, flags common.Flags) error
	Close() error
	Flush() error
	Truncate(size int64) error
	IsOpen() bool

	PageSize() int
	FileSize() (int64, error)

	ReadAt(offset int64, buf []byte) error
	WriteAt(offset int64, buf []byte) error

	// Alloc grows the device by size bytes (rounded by the caller to a
	// chunk boundary) and returns the rid of the new region.
	Alloc(size int) (rid uint64, err error)

	// ReadPage/WritePage move exactly one page's worth of bytes at rid,
	// which must already be page-aligned.
	ReadPage(rid uint64, buf []byte) error
	WritePage(rid uint64, buf []byte) error

	SetFlags(flags common.Flags)
	Flags() common.Flags

	Destroy() error
}
