//go:build linux || darwin

package codecache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type mmapRegion struct{}

func mapRegion(size int) ([]byte, region, error) {
	pageSize := unix.Getpagesize()
	size = (size + pageSize - 1) / pageSize * pageSize

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap code cache: %w", err)
	}
	r := mmapRegion{}
	// Probe the patch-window protection up front so a kernel that refuses
	// writable code fails here rather than inside a patch.
	if err := r.protect(mem, ReadWriteExecute); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, err
	}
	if err := r.protect(mem, ReadExecute); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, err
	}
	return mem, r, nil
}

func (mmapRegion) protect(mem []byte, p Protection) error {
	prot := unix.PROT_READ | unix.PROT_EXEC
	if p == ReadWriteExecute {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(mem, prot); err != nil {
		return fmt.Errorf("mprotect code cache: %w", err)
	}
	return nil
}

func (mmapRegion) release(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap code cache: %w", err)
	}
	return nil
}
