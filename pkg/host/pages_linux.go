package host

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func allocPage(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func protectReadExec(buf []byte) error {
	return unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC)
}

func freePage(buf []byte) error {
	return unix.Munmap(buf)
}

func pageAddr(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
