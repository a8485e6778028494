package node

import (
	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/graph"
	"github.com/srediag/remote-node/pkg/loop"
	"github.com/srediag/remote-node/pkg/shm"
)

// Info describes the port limits of a local node.
type Info struct {
	MaxInputPorts  uint32
	MaxOutputPorts uint32
}

// LocalNode is the in-process node exported through a Proxy.
type LocalNode interface {
	Info() Info
	// Ports returns the node's ports of one direction.
	Ports(dir api.Direction) []LocalPort
	Active() bool
	SendCommand(cmd api.Command) error
}

// LocalPort is one port of a LocalNode.
type LocalPort interface {
	Direction() api.Direction
	ID() uint32
	// MixNode is the graph node the port's link endpoint is added to.
	MixNode() *graph.GraphNode
	// UseBuffers installs a buffer set. nil clears it.
	UseBuffers(bufs []*shm.Buffer) error
	// SetIO installs an I/O area. A nil area clears it.
	SetIO(kind api.IOKind, area []byte) error
	SetParam(id, flags uint32, param api.Param) error
	SendCommand(cmd api.Command) error
	Params() []api.Param
	Info() api.PortInfo
}

// DataLoop is the event loop the proxy registers its socket with.
// *loop.Loop implements it.
type DataLoop interface {
	AddIO(fd int, mask loop.Mask, closeOnDestroy bool, fn loop.IOFunc) (*loop.Source, error)
	UpdateIO(s *loop.Source, mask loop.Mask) error
	DestroySource(s *loop.Source)
}

var _ DataLoop = (*loop.Loop)(nil)
