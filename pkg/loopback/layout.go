package loopback

import (
	"fmt"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/shm"
)

// Layout describes the buffers carved out of one memory region: Count
// buffers, each holding Metas, one chunk per plane and Planes data planes
// of PlaneSize bytes.
type Layout struct {
	Count     uint32
	Metas     []shm.MetaDesc
	Planes    uint32
	PlaneSize uint32
	// Align rounds every buffer window to this many bytes. Defaults to 64.
	Align uint32
}

func (l Layout) align() uint32 {
	if l.Align == 0 {
		return 64
	}
	return l.Align
}

// headerSize is the bytes before the first plane: metas then chunks.
func (l Layout) headerSize() uint32 {
	var n uint32
	for _, m := range l.Metas {
		n += m.Size
	}
	return n + l.Planes*shm.ChunkSize
}

// BufferSize is the window size of one buffer.
func (l Layout) BufferSize() uint32 {
	raw := l.headerSize() + l.Planes*l.PlaneSize
	a := l.align()
	return (raw + a - 1) / a * a
}

// Size is the memory needed for the whole layout.
func (l Layout) Size() int {
	return int(l.Count) * int(l.BufferSize())
}

// Carve returns the descriptors of every buffer of l placed in region memID,
// with ids 0..Count-1 and memory-pointer planes.
func (l Layout) Carve(memID uint32) ([]shm.BufferDesc, error) {
	if l.Count == 0 {
		return nil, fmt.Errorf("%w: empty layout", api.ErrInvalidArgument)
	}
	size := l.BufferSize()
	hdr := l.headerSize()
	descs := make([]shm.BufferDesc, l.Count)
	for i := range descs {
		datas := make([]shm.DataDesc, l.Planes)
		for j := range datas {
			datas[j] = shm.DataDesc{
				Type:    shm.DataMemPtr,
				MaxSize: l.PlaneSize,
				Data:    hdr + uint32(j)*l.PlaneSize,
			}
		}
		descs[i] = shm.BufferDesc{
			MemID:  memID,
			Offset: uint32(i) * size,
			Size:   size,
			Buffer: shm.WireBuffer{
				ID:    uint32(i),
				Metas: append([]shm.MetaDesc(nil), l.Metas...),
				Datas: datas,
			},
		}
	}
	return descs, nil
}
