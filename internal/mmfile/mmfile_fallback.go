//go:build !unix

// Package mmfile provides platform-specific helpers for reserving the large
// anonymous memory regions the heap lives in.
package mmfile

import "fmt"

// Reserve allocates size zeroed bytes on the Go heap when anonymous mappings
// are not available.
func Reserve(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid reservation size %d", size)
	}
	return make([]byte, size), func() error { return nil }, nil
}

// Discard zeroes b.
func Discard(b []byte) {
	clear(b)
}
