//go:build !linux

package shm

import "os"

type sysMapper struct{}

// System returns a Mapper whose every mapping call fails with ErrUnsupported.
func System() Mapper {
	return sysMapper{}
}

// PageSize returns the host page size.
func PageSize() int {
	return os.Getpagesize()
}

func (sysMapper) Map(int, int64, int, bool) ([]byte, error) { return nil, ErrUnsupported }
func (sysMapper) Unmap([]byte) error                        { return ErrUnsupported }
func (sysMapper) Lock([]byte) error                         { return ErrUnsupported }
func (sysMapper) Unlock([]byte) error                       { return ErrUnsupported }
func (sysMapper) Size(int) (int64, error)                   { return 0, ErrUnsupported }
func (sysMapper) Close(int) error                           { return ErrUnsupported }

// CreateMemfd is not available on this platform.
func CreateMemfd(string, int) (int, error) {
	return -1, ErrUnsupported
}

// Dup is not available on this platform.
func Dup(int) (int, error) {
	return -1, ErrUnsupported
}
