package loopback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/shm"
)

func TestLayoutCarve(t *testing.T) {
	l := Layout{
		Count:     3,
		Metas:     []shm.MetaDesc{{Type: 1, Size: 24}},
		Planes:    2,
		PlaneSize: 100,
	}
	// 24 + 2*16 + 2*100 = 256
	assert.Equal(t, uint32(256), l.BufferSize())
	assert.Equal(t, 768, l.Size())

	descs, err := l.Carve(5)
	require.NoError(t, err)
	require.Len(t, descs, 3)
	for i, d := range descs {
		assert.Equal(t, uint32(5), d.MemID)
		assert.Equal(t, uint32(i)*256, d.Offset)
		assert.Equal(t, uint32(i), d.Buffer.ID)
		require.Len(t, d.Buffer.Datas, 2)
		assert.Equal(t, uint32(56), d.Buffer.Datas[0].Data)
		assert.Equal(t, uint32(156), d.Buffer.Datas[1].Data)
		assert.Equal(t, shm.DataMemPtr, d.Buffer.Datas[1].Type)
	}
	descs[0].Buffer.Metas[0].Size = 1
	assert.Equal(t, uint32(24), l.Metas[0].Size)
}

func TestLayoutAlign(t *testing.T) {
	l := Layout{Count: 1, Planes: 1, PlaneSize: 10, Align: 32}
	assert.Equal(t, uint32(32), l.BufferSize())
	l.Align = 0
	assert.Equal(t, uint32(64), l.BufferSize())

	_, err := Layout{}.Carve(0)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
