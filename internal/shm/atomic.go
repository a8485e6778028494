package shm

import (
	"sync/atomic"
	"unsafe"
)

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}
