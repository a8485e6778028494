//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type sysMapper struct{}

// System returns the host implementation of Mapper.
func System() Mapper {
	return sysMapper{}
}

// PageSize returns the host page size.
func PageSize() int {
	return unix.Getpagesize()
}

func (sysMapper) Map(fd int, offset int64, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(fd, offset, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d offset %d size %d: %w", fd, offset, size, err)
	}
	return mem, nil
}

func (sysMapper) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func (sysMapper) Lock(mem []byte) error {
	if err := unix.Mlock(mem); err != nil {
		return fmt.Errorf("mlock: %w", err)
	}
	return nil
}

func (sysMapper) Unlock(mem []byte) error {
	if err := unix.Munlock(mem); err != nil {
		return fmt.Errorf("munlock: %w", err)
	}
	return nil
}

func (sysMapper) Size(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return st.Size, nil
}

func (sysMapper) Close(fd int) error {
	return unix.Close(fd)
}

// CreateMemfd creates an anonymous shared-memory object of size bytes.
// It is what the remote side does before announcing a region.
func CreateMemfd(name string, size int) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("ftruncate: %w", err)
	}
	return fd, nil
}

// Dup duplicates fd so ownership can be handed to a region table.
func Dup(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}
