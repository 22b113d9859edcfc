//go:build !linux

package host

import (
	"unsafe"
)

// Fallback page management for platforms without mmap/mprotect: pages
// are ordinary allocations and the read-only state is enforced by the
// Page type itself.

func allocPage(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func protectReadExec(buf []byte) error {
	return nil
}

func freePage(buf []byte) error {
	return nil
}

func pageAddr(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
