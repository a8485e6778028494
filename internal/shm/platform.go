// Package shm contains platform-specific helpers for mapping shared memory
// handed over by a remote process.
package shm

import (
	"errors"
)

// ErrUnsupported is returned by every mapping primitive on platforms without
// shared-memory support.
var ErrUnsupported = errors.New("shared memory not supported on this platform")

// Mapper is the set of primitives the region table needs from the host.
// System returns the real implementation; tests substitute counting fakes.
type Mapper interface {
	// Map maps size bytes of fd starting at the page-aligned offset.
	Map(fd int, offset int64, size int, writable bool) ([]byte, error)
	Unmap(mem []byte) error
	// Lock pins mem in RAM. Failure is a performance problem, not a correctness one.
	Lock(mem []byte) error
	Unlock(mem []byte) error
	// Size returns the size of the object behind fd.
	Size(fd int) (int64, error)
	Close(fd int) error
}

// MapRange is a requested (offset, size) window rounded to page granularity.
// Offset is page aligned, Start is where the requested bytes begin inside the
// mapping and Size is the page-rounded mapping length.
type MapRange struct {
	Offset int64
	Start  int
	Size   int
}

// NewMapRange rounds the window [offset, offset+size) out to pageSize.
func NewMapRange(offset int64, size int, pageSize int) MapRange {
	mask := int64(pageSize - 1)
	aligned := offset &^ mask
	start := int(offset - aligned)
	total := (int64(start+size) + mask) &^ mask
	return MapRange{
		Offset: aligned,
		Start:  start,
		Size:   int(total),
	}
}

// End is the object offset one past the mapped range.
func (r MapRange) End() int64 {
	return r.Offset + int64(r.Size)
}
