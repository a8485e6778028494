/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"fmt"
	"unsafe"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/remote-node/api"
	internalshm "github.com/srediag/remote-node/internal/shm"
)

// ErrRingFull is returned by Push when the ring has no free slot.
var ErrRingFull = fmt.Errorf("%w: message ring full", api.ErrResourceExhausted)

// ringHeaderLength covers the write and read counters, each on its own 8 bytes.
const ringHeaderLength = 16

// Ring is a single-producer single-consumer message queue. Messages are
// popped in push order.
type Ring interface {
	Push(m Message) error
	Pop() (Message, bool)
	Len() int
	Cap() int
}

// shmRing lives in shared memory: a header with monotonically increasing
// write and read counters followed by cap slots of MessageSize bytes.
type shmRing struct {
	write unsafe.Pointer
	read  unsafe.Pointer
	cap   uint64
	mask  uint64
	slots []byte
}

func countRingMemSize(cap uint32) int {
	return ringHeaderLength + MessageSize*int(cap)
}

// mappingRingFromBytes overlays a ring on data, which must be
// countRingMemSize(cap) bytes and 8-byte aligned.
func mappingRingFromBytes(data []byte, cap uint32) *shmRing {
	return &shmRing{
		write: unsafe.Pointer(&data[0]),
		read:  unsafe.Pointer(&data[8]),
		cap:   uint64(cap),
		mask:  uint64(cap) - 1,
		slots: data[ringHeaderLength:countRingMemSize(cap)],
	}
}

func (r *shmRing) Push(m Message) error {
	w := internalshm.AtomicLoadUint64(r.write)
	rd := internalshm.AtomicLoadUint64(r.read)
	if w-rd >= r.cap {
		return ErrRingFull
	}
	off := (w & r.mask) * MessageSize
	m.encode(r.slots[off : off+MessageSize])
	internalshm.AtomicStoreUint64(r.write, w+1)
	return nil
}

func (r *shmRing) Pop() (Message, bool) {
	rd := internalshm.AtomicLoadUint64(r.read)
	w := internalshm.AtomicLoadUint64(r.write)
	if rd == w {
		return Message{}, false
	}
	off := (rd & r.mask) * MessageSize
	m := decodeMessage(r.slots[off : off+MessageSize])
	internalshm.AtomicStoreUint64(r.read, rd+1)
	return m, true
}

func (r *shmRing) Len() int {
	return int(internalshm.AtomicLoadUint64(r.write) - internalshm.AtomicLoadUint64(r.read))
}

func (r *shmRing) Cap() int { return int(r.cap) }

// MemRing is an in-process Ring for peers that share an address space.
type MemRing struct {
	q   *queuepkg.Queue
	cap int
}

// NewMemRing creates an in-process ring holding at most cap messages.
func NewMemRing(cap int) *MemRing {
	return &MemRing{q: queuepkg.New(int64(cap)), cap: cap}
}

// Push appends m.
func (r *MemRing) Push(m Message) error {
	if int(r.q.Len()) >= r.cap {
		return ErrRingFull
	}
	return r.q.Put(m)
}

// Pop removes the oldest message. It never blocks.
func (r *MemRing) Pop() (Message, bool) {
	if r.q.Empty() {
		return Message{}, false
	}
	items, err := r.q.Get(1)
	if err != nil || len(items) == 0 {
		return Message{}, false
	}
	m, ok := items[0].(Message)
	return m, ok
}

// Len returns the number of queued messages.
func (r *MemRing) Len() int { return int(r.q.Len()) }

// Cap returns the ring capacity.
func (r *MemRing) Cap() int { return r.cap }

// Dispose releases the queue; later calls fail.
func (r *MemRing) Dispose() { r.q.Dispose() }
