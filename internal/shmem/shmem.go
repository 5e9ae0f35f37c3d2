// Package shmem gives the rest of the stack a handle on a region of memory
// shared with another processor. All multi-byte accesses are little-endian
// and bounds-checked against the window before any byte is touched.
package shmem

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	// ErrShortIO reports a block transfer that moved fewer bytes than requested.
	ErrShortIO = errors.New("shmem: short read or write")

	// ErrOutOfRange reports an access outside the window.
	ErrOutOfRange = errors.New("shmem: access outside window")
)

// Region provides access to a shared memory window.
// This is the same contract virtio queue code uses for guest memory,
// widened with a size so every access can be checked up front.
type Region interface {
	io.ReaderAt
	io.WriterAt
	Size() uint64
}

// Window is a Region over a borrowed byte slice. The window does not own
// the backing memory; it is borrowed for the life of the bus built on it.
type Window struct {
	buf   []byte
	paddr uint64
}

// NewWindow wraps buf as a shared memory window. paddr is the address the
// remote peer uses for the same bytes.
func NewWindow(buf []byte, paddr uint64) *Window {
	return &Window{buf: buf, paddr: paddr}
}

// Size returns the window size in bytes.
func (w *Window) Size() uint64 { return uint64(len(w.buf)) }

// Phys returns the physical address of the window start.
func (w *Window) Phys() uint64 { return w.paddr }

// Bytes exposes the backing slice. Callers must respect the ownership
// partitioning of the layout placed inside the window.
func (w *Window) Bytes() []byte { return w.buf }

// ReadAt implements io.ReaderAt.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(w.buf)) {
		return 0, ErrOutOfRange
	}
	return copy(p, w.buf[off:]), nil
}

// WriteAt implements io.WriterAt.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(w.buf)) {
		return 0, ErrOutOfRange
	}
	return copy(w.buf[off:], p), nil
}

// BlockRead copies exactly len(dst) bytes from the region at off.
func BlockRead(r Region, off uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if off+uint64(len(dst)) > r.Size() || off+uint64(len(dst)) < off {
		return ErrOutOfRange
	}
	n, err := r.ReadAt(dst, int64(off))
	if err != nil {
		return err
	}
	if n != len(dst) {
		return ErrShortIO
	}
	return nil
}

// BlockWrite copies exactly len(src) bytes into the region at off.
// The write must be visible to the peer before any notify fires; mapped
// windows are shared mappings, so ordinary stores satisfy that.
func BlockWrite(r Region, off uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if off+uint64(len(src)) > r.Size() || off+uint64(len(src)) < off {
		return ErrOutOfRange
	}
	n, err := r.WriteAt(src, int64(off))
	if err != nil {
		return err
	}
	if n != len(src) {
		return ErrShortIO
	}
	return nil
}

// Read16 reads a little-endian 16-bit word at off.
func Read16(r Region, off uint64) (uint16, error) {
	var buf [2]byte
	if err := BlockRead(r, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Read32 reads a little-endian 32-bit word at off.
func Read32(r Region, off uint64) (uint32, error) {
	var buf [4]byte
	if err := BlockRead(r, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Read64 reads a little-endian 64-bit word at off.
func Read64(r Region, off uint64) (uint64, error) {
	var buf [8]byte
	if err := BlockRead(r, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write16 writes a little-endian 16-bit word at off.
func Write16(r Region, off uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return BlockWrite(r, off, buf[:])
}

// Write32 writes a little-endian 32-bit word at off.
func Write32(r Region, off uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return BlockWrite(r, off, buf[:])
}

// Write64 writes a little-endian 64-bit word at off.
func Write64(r Region, off uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return BlockWrite(r, off, buf[:])
}
