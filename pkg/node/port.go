package node

import (
	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/graph"
	"github.com/srediag/remote-node/pkg/shm"
)

// port is one remote port index. shimPort sits on the proxy's shim node and
// mixPort on the local port's mix node; the two are linked and share the
// port's I/O slot in the transport area.
type port struct {
	direction api.Direction
	id        uint32

	shimPort *graph.Port
	mixPort  *graph.Port

	local   LocalPort
	buffers []*shm.Buffer
	inOrder bool
	io      map[api.IOKind]*shm.Region
}

func newPort(dir api.Direction, id uint32, slot *api.IOBuffers) *port {
	p := &port{
		direction: dir,
		id:        id,
		inOrder:   true,
		io:        make(map[api.IOKind]*shm.Region),
	}
	if dir == api.DirectionInput {
		// remote input: shim produces into the local input port
		p.shimPort = graph.NewPort(api.DirectionOutput, id, slot)
		p.mixPort = graph.NewPort(api.DirectionInput, id, slot)
		_ = graph.Link(p.shimPort, p.mixPort)
	} else {
		p.shimPort = graph.NewPort(api.DirectionInput, id, slot)
		p.mixPort = graph.NewPort(api.DirectionOutput, id, slot)
		_ = graph.Link(p.mixPort, p.shimPort)
	}
	return p
}

func (p *port) bind(lp LocalPort) {
	p.local = lp
	if mix := lp.MixNode(); mix != nil {
		_ = mix.AddPort(p.mixPort)
	}
}
