package node

import (
	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/shm"
	"github.com/srediag/remote-node/pkg/transport"
)

// Events are the inbound protocol events of a client node, one method per
// event kind. The protocol layer decodes messages and calls these on the
// proxy's loop goroutine. Every event carrying a seq is answered with
// api.ClientNode.Done.
type Events interface {
	// AddMem announces a shared-memory region. The proxy owns fd afterwards.
	AddMem(memID uint32, fd int, flags shm.RegionFlags)
	// Transport installs a new transport, replacing any previous one. The
	// proxy owns both fds and the area afterwards.
	Transport(nodeID uint32, readFd, writeFd int, area *transport.Area)
	SetParam(seq, id, flags uint32, param api.Param)
	Event(eventType uint32)
	Command(seq uint32, cmd api.Command)
	AddPort(seq uint32, dir api.Direction, portID uint32)
	RemovePort(seq uint32, dir api.Direction, portID uint32)
	PortSetParam(seq uint32, dir api.Direction, portID, id, flags uint32, param api.Param)
	PortUseBuffers(seq uint32, dir api.Direction, portID uint32, buffers []shm.BufferDesc)
	PortCommand(dir api.Direction, portID uint32, cmd api.Command)
	PortSetIO(seq uint32, dir api.Direction, portID uint32, kind api.IOKind, memID, offset, size uint32)
}

var _ Events = (*Proxy)(nil)
