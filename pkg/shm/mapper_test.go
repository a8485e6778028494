package shm

import (
	"errors"
	"fmt"
)

// fakeMapper backs mappings with heap memory and records every call.
type fakeMapper struct {
	sizes   map[int]int64
	closed  map[int]int
	maps    int
	unmaps  int
	locks   int
	mapErr  error
	lockErr error
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		sizes:  make(map[int]int64),
		closed: make(map[int]int),
	}
}

func (m *fakeMapper) Map(fd int, offset int64, size int, writable bool) ([]byte, error) {
	if m.mapErr != nil {
		return nil, m.mapErr
	}
	if m.closed[fd] > 0 {
		return nil, fmt.Errorf("map of closed fd %d", fd)
	}
	m.maps++
	return make([]byte, size), nil
}

func (m *fakeMapper) Unmap([]byte) error {
	m.unmaps++
	return nil
}

func (m *fakeMapper) Lock([]byte) error {
	if m.lockErr != nil {
		return m.lockErr
	}
	m.locks++
	return nil
}

func (m *fakeMapper) Unlock([]byte) error { return nil }

func (m *fakeMapper) Size(fd int) (int64, error) {
	s, ok := m.sizes[fd]
	if !ok {
		return 0, errors.New("size unknown")
	}
	return s, nil
}

func (m *fakeMapper) Close(fd int) error {
	m.closed[fd]++
	return nil
}
