//go:build unix

// Package mmfile provides platform-specific helpers for reserving the large
// anonymous memory regions the heap lives in.
package mmfile

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// discardThreshold is the region size below which Discard simply clears
// memory instead of asking the kernel to drop the pages.
const discardThreshold = 64 << 10

// Reserve maps size bytes of zeroed, private, anonymous memory. Pages are
// only backed by physical memory once touched (MAP_NORESERVE).
func Reserve(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid reservation size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|mapNoReserve)
	if err != nil {
		return nil, nil, fmt.Errorf("mmfile: reserve %d bytes: %w", size, err)
	}
	release := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, release, nil
}

// Discard zeroes b, which must lie inside a region returned by Reserve.
// Large page-aligned spans are handed back to the kernel
// with MADV_DONTNEED, which refills them with zero pages on the next touch;
// the unaligned edges are cleared by hand.
func Discard(b []byte) {
	if len(b) < discardThreshold {
		clear(b)
		return
	}
	start := uintptr(unsafe.Pointer(&b[0]))
	pageSize := uintptr(unix.Getpagesize())
	alignedStart := (start + pageSize - 1) &^ (pageSize - 1)
	end := start + uintptr(len(b))
	alignedEnd := end &^ (pageSize - 1)
	if alignedEnd <= alignedStart {
		clear(b)
		return
	}
	lo := int(alignedStart - start)
	hi := int(alignedEnd - start)
	if err := unix.Madvise(b[lo:hi], unix.MADV_DONTNEED); err != nil {
		clear(b)
		return
	}
	clear(b[:lo])
	clear(b[hi:])
}
