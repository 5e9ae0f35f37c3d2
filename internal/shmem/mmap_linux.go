//go:build linux

package shmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedWindow is a Window backed by an mmap'd segment.
type MappedWindow struct {
	Window
	raw []byte
}

// MapAnonymous maps a fresh shared anonymous segment of the given size.
// Both sides of an in-process loopback can use the same mapping.
func MapAnonymous(size, paddr uint64) (*MappedWindow, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("map window: bad size %d", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("map window: %w", err)
	}

	return &MappedWindow{Window: Window{buf: mem, paddr: paddr}, raw: mem}, nil
}

// MapFile maps size bytes of f as a shared window. Two processes mapping
// the same file observe each other's stores without further maintenance.
func MapFile(f *os.File, size, paddr uint64) (*MappedWindow, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("map window: bad size %d", size)
	}

	mem, err := unix.Mmap(
		int(f.Fd()),
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("map window %s: %w", f.Name(), err)
	}

	return &MappedWindow{Window: Window{buf: mem, paddr: paddr}, raw: mem}, nil
}

// Unmap releases the mapping. The window must not be used afterwards.
func (w *MappedWindow) Unmap() error {
	if w.raw == nil {
		return nil
	}
	err := unix.Munmap(w.raw)
	w.raw = nil
	w.buf = nil
	return err
}
