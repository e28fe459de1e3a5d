//go:build linux

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func allocWords(n int) ([]uint32, func() error) {
	size := n * 4
	page := unix.Getpagesize()
	aligned := (size + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// Anonymous mmap failing is a sign the host is badly out of
		// address space; fall back rather than taking the process down,
		// since this region is not load-bearing for correctness.
		return make([]uint32, n), nil
	}

	words := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), aligned/4)
	closer := func() error {
		return unix.Munmap(mem)
	}
	return words[:n], closer
}
