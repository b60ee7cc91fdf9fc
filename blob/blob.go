// Package blob implements the variable-length record store described in
// §4.6: a chunk-aligned header-plus-payload allocation with in-place
// overwrite, partial writes, and duplicate tables. It has no direct
// analog elsewhere in this repo (btree/node.go inlines small values instead
// of indirecting through a record store); the allocation and
// header-plus-payload shape is grounded in hashindex's record framing
// before that package was trimmed down to a stub, generalized here to
// support resizing and partial overwrite.
package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/hamsterdb/hamsterdb/common"
)

// HeaderSize matches the on-disk layout in §6:
// [self_rid:8][alloc_size:8][payload_size:8][flags:4][pad:4].
const HeaderSize = 32

// flagFreed is set in a blob header's flags field by Free, so a later
// Read of the same rid reports ErrBlobNotFound.
const flagFreed uint32 = 1

// SmallestChunkSize is the minimum leftover worth returning to the
// freelist after an allocation (§4.6): sizeof(rid) + header + 1.
const SmallestChunkSize = 8 + HeaderSize + 1

// Store is the byte-addressable region a blob lives in: the composition
// of Device, Cache and Freelist that the hamsterdb package wires
// together. Keeping this interface narrow lets the blob store be tested
// without any of those concrete pieces.
type Store interface {
	// Alloc reserves size bytes chunk-aligned for allocation, returning
	// the rid of the region and how many bytes were actually reserved
	// (which may exceed size; the caller returns the unused tail via
	// Free when it's worth reclaiming).
	Alloc(size int, dam common.DataAccessMode) (rid uint64, reserved int, err error)
	Free(rid uint64, size int) error
	ReadAt(rid uint64, buf []byte) error
	WriteAt(rid uint64, buf []byte) error
}

func encodeHeader(selfRID uint64, allocSize, payloadSize uint64, flags uint32) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[0:], selfRID)
	binary.BigEndian.PutUint64(buf[8:], allocSize)
	binary.BigEndian.PutUint64(buf[16:], payloadSize)
	binary.BigEndian.PutUint32(buf[24:], flags)
	return buf
}

type header struct {
	selfRID     uint64
	allocSize   uint64
	payloadSize uint64
	flags       uint32
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("%w: blob header truncated", common.ErrIntegrityViolated)
	}
	return header{
		selfRID:     binary.BigEndian.Uint64(buf[0:]),
		allocSize:   binary.BigEndian.Uint64(buf[8:]),
		payloadSize: binary.BigEndian.Uint64(buf[16:]),
		flags:       binary.BigEndian.Uint32(buf[24:]),
	}, nil
}

// Allocate writes a new blob holding payload and returns its rid (spec
// §4.6 "Allocation").
func Allocate(store Store, dam common.DataAccessMode, payload []byte) (uint64, error) {
	need := HeaderSize + len(payload)
	rid, reserved, err := store.Alloc(need, dam)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, reserved)
	copy(buf, encodeHeader(rid, uint64(reserved), uint64(len(payload)), 0))
	copy(buf[HeaderSize:], payload)
	if err := store.WriteAt(rid, buf); err != nil {
		return 0, err
	}

	if leftover := reserved - need; leftover >= SmallestChunkSize {
		if err := store.Free(rid+uint64(need), leftover); err != nil {
			return 0, err
		}
	}
	return rid, nil
}

// Read returns the full payload of the blob at rid (§4.6 "Reads").
func Read(store Store, rid uint64) ([]byte, error) {
	hdrBuf := make([]byte, HeaderSize)
	if err := store.ReadAt(rid, hdrBuf); err != nil {
		return nil, err
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if h.selfRID != rid {
		return nil, fmt.Errorf("%w: blob self-rid mismatch", common.ErrIntegrityViolated)
	}
	if h.flags&flagFreed != 0 {
		return nil, common.ErrBlobNotFound
	}

	full := make([]byte, HeaderSize+h.payloadSize)
	if err := store.ReadAt(rid, full); err != nil {
		return nil, err
	}
	return full[HeaderSize:], nil
}

// ReadPartial returns [offset, offset+size) of the blob's payload, per
// the HAM_PARTIAL read path.
func ReadPartial(store Store, rid uint64, offset, size int) ([]byte, error) {
	full, err := Read(store, rid)
	if err != nil {
		return nil, err
	}
	if offset > len(full) {
		offset = len(full)
	}
	end := offset + size
	if end > len(full) {
		end = len(full)
	}
	return full[offset:end], nil
}

// Overwrite replaces the blob's payload. When the new payload (plus
// header) fits inside the existing allocation it is overwritten in
// place and any newly-unused tail is returned to the freelist; otherwise
// a new blob is allocated, the old one freed, and the new rid returned
// (§4.6 "Overwrite").
func Overwrite(store Store, dam common.DataAccessMode, rid uint64, payload []byte) (uint64, error) {
	hdrBuf := make([]byte, HeaderSize)
	if err := store.ReadAt(rid, hdrBuf); err != nil {
		return 0, err
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return 0, err
	}

	need := HeaderSize + len(payload)
	if uint64(need) <= h.allocSize {
		buf := make([]byte, need)
		copy(buf, encodeHeader(rid, h.allocSize, uint64(len(payload)), h.flags))
		copy(buf[HeaderSize:], payload)
		if err := store.WriteAt(rid, buf); err != nil {
			return 0, err
		}
		if leftover := h.allocSize - uint64(need); leftover >= SmallestChunkSize {
			if err := store.Free(rid+uint64(need), int(leftover)); err != nil {
				return 0, err
			}
			// Shrink the recorded allocation so a later overwrite doesn't
			// believe it still owns the freed tail.
			shrink := make([]byte, HeaderSize)
			copy(shrink, encodeHeader(rid, uint64(need), uint64(len(payload)), h.flags))
			if err := store.WriteAt(rid, shrink); err != nil {
				return 0, err
			}
		}
		return rid, nil
	}

	newRID, err := Allocate(store, dam, payload)
	if err != nil {
		return 0, err
	}
	if err := store.Free(rid, int(h.allocSize)); err != nil {
		return 0, err
	}
	return newRID, nil
}

// OverwritePartial updates only [offset, offset+len(partial)) of the
// blob's payload, growing it to cover the write and, when the resulting
// size exceeds offset+len(partial), preserving the old tail bytes or
// zero-filling any gap before offset (§4.6 HAM_PARTIAL semantics).
func OverwritePartial(store Store, dam common.DataAccessMode, rid uint64, offset int, partial []byte, finalSize int) (uint64, error) {
	old, err := Read(store, rid)
	if err != nil {
		return 0, err
	}

	full := make([]byte, finalSize)
	copy(full, old) // zero-fills any gap beyond len(old); truncates if finalSize < len(old)
	if offset+len(partial) > len(full) {
		grown := make([]byte, offset+len(partial))
		copy(grown, full)
		full = grown
	}
	copy(full[offset:], partial)

	return Overwrite(store, dam, rid, full)
}

// Free releases a blob's entire allocation back to the freelist (spec
// §4.6; §7's "blob_free then blob_read returns BLOB_NOT_FOUND").
func Free(store Store, rid uint64) error {
	hdrBuf := make([]byte, HeaderSize)
	if err := store.ReadAt(rid, hdrBuf); err != nil {
		return err
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return err
	}
	if err := store.WriteAt(rid, encodeHeader(h.selfRID, h.allocSize, h.payloadSize, h.flags|flagFreed)); err != nil {
		return err
	}
	return store.Free(rid, int(h.allocSize))
}

// Inline payload encoding (§4.6 "Tiny/small/empty payloads"): used
// by the B-tree key record, not the blob store itself, but kept here
// because the encoding is part of the blob store's contract with its
// callers.
const (
	InlineEmpty uint8 = 1 << iota
	InlineTiny
	InlineSmall
)

// EncodeInline returns the flag and 8-byte pointer-field encoding for a
// payload that doesn't need a real blob allocation, or ok=false when the
// payload must be stored as a real blob.
func EncodeInline(payload []byte) (flag uint8, field [8]byte, ok bool) {
	switch {
	case len(payload) == 0:
		return InlineEmpty, field, true
	case len(payload) >= 1 && len(payload) <= 7:
		copy(field[:], payload)
		field[7] = byte(len(payload))
		return InlineTiny, field, true
	case len(payload) == 8:
		copy(field[:], payload)
		return InlineSmall, field, true
	default:
		return 0, field, false
	}
}

// DecodeInline reverses EncodeInline.
func DecodeInline(flag uint8, field [8]byte) []byte {
	switch {
	case flag&InlineEmpty != 0:
		return []byte{}
	case flag&InlineTiny != 0:
		n := field[7]
		out := make([]byte, n)
		copy(out, field[:n])
		return out
	case flag&InlineSmall != 0:
		out := make([]byte, 8)
		copy(out, field[:])
		return out
	default:
		return nil
	}
}
