// Package graph is a minimal pull-scheduled processing graph: nodes own
// directional ports, ports are linked in pairs, and need-input/have-output
// signals travel across links to the peer node's implementation.
package graph

import (
	"errors"
	"fmt"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
)

var (
	// ErrInvalidLink is returned when linking ports of the wrong direction.
	ErrInvalidLink = fmt.Errorf("%w: link needs an output and an input port", api.ErrInvalidArgument)
	// ErrLinked is returned when a port is already linked.
	ErrLinked = fmt.Errorf("%w: port already linked", api.ErrInvalidArgument)
	// ErrPortAttached is returned when adding a port that belongs to a node.
	ErrPortAttached = fmt.Errorf("%w: port already added to a node", api.ErrInvalidArgument)
)

// Node is the implementation behind a graph node.
type Node interface {
	// ProcessInput consumes the buffers announced on the node's input ports.
	ProcessInput() error
	// ProcessOutput produces into the node's output ports.
	ProcessOutput() error
	// PortReuseBuffer hands buffer bufferID of output port portID back to the node.
	PortReuseBuffer(portID, bufferID uint32) error
	SendCommand(cmd api.Command) error
	PortSetIO(dir api.Direction, portID uint32, kind api.IOKind, area []byte) error
}

// GraphNode is a node placed in a graph.
type GraphNode struct {
	name    string
	impl    Node
	inputs  []*Port
	outputs []*Port
}

// NewNode creates a node backed by impl.
func NewNode(name string, impl Node) *GraphNode {
	return &GraphNode{name: name, impl: impl}
}

// Name returns the node name.
func (n *GraphNode) Name() string { return n.name }

// Impl returns the node implementation.
func (n *GraphNode) Impl() Node { return n.impl }

// SetImpl replaces the node implementation.
func (n *GraphNode) SetImpl(impl Node) { n.impl = impl }

// Ports returns the node's ports of direction dir in the order they were added.
func (n *GraphNode) Ports(dir api.Direction) []*Port {
	if dir == api.DirectionInput {
		return n.inputs
	}
	return n.outputs
}

// Port returns the port with the given direction and id.
func (n *GraphNode) Port(dir api.Direction, id uint32) *Port {
	for _, p := range n.Ports(dir) {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// AddPort attaches p to n.
func (n *GraphNode) AddPort(p *Port) error {
	if p.node != nil {
		return ErrPortAttached
	}
	p.node = n
	if p.Direction == api.DirectionInput {
		n.inputs = append(n.inputs, p)
	} else {
		n.outputs = append(n.outputs, p)
	}
	return nil
}

// RemovePort unlinks p and detaches it from its node.
func RemovePort(p *Port) {
	Unlink(p)
	n := p.node
	if n == nil {
		return
	}
	p.node = nil
	if p.Direction == api.DirectionInput {
		n.inputs = removePort(n.inputs, p)
	} else {
		n.outputs = removePort(n.outputs, p)
	}
}

func removePort(ports []*Port, p *Port) []*Port {
	for i, o := range ports {
		if o == p {
			copy(ports[i:], ports[i+1:])
			ports[len(ports)-1] = nil
			return ports[:len(ports)-1]
		}
	}
	return ports
}

// Port is one directional endpoint. IO points at the status slot shared with
// the peer, usually inside a transport area.
type Port struct {
	Direction api.Direction
	ID        uint32
	IO        *api.IOBuffers

	node *GraphNode
	peer *Port
}

// NewPort creates an unattached port.
func NewPort(dir api.Direction, id uint32, io *api.IOBuffers) *Port {
	return &Port{Direction: dir, ID: id, IO: io}
}

// Node returns the node the port is attached to, or nil.
func (p *Port) Node() *GraphNode { return p.node }

// Peer returns the linked port, or nil.
func (p *Port) Peer() *Port { return p.peer }

// Link connects an output port to an input port.
func Link(out, in *Port) error {
	if out.Direction != api.DirectionOutput || in.Direction != api.DirectionInput {
		return ErrInvalidLink
	}
	if out.peer != nil || in.peer != nil {
		return ErrLinked
	}
	out.peer = in
	in.peer = out
	return nil
}

// Unlink disconnects p from its peer, if any.
func Unlink(p *Port) {
	if p.peer == nil {
		return
	}
	p.peer.peer = nil
	p.peer = nil
}

// Graph propagates scheduling signals between linked nodes.
type Graph struct {
	logger *logging.Logger
}

// New creates a graph. A nil logger discards output.
func New(logger *logging.Logger) *Graph {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Graph{logger: logger}
}

// NeedInput tells every node upstream of n's input ports to produce.
func (g *Graph) NeedInput(n *GraphNode) error {
	var errs []error
	for _, p := range n.inputs {
		peer := p.peer
		if peer == nil || peer.node == nil || peer.node.impl == nil {
			continue
		}
		g.logger.Tracef("graph: %s need input -> %s port %d", n.name, peer.node.name, peer.ID)
		if err := peer.node.impl.ProcessOutput(); err != nil {
			errs = append(errs, fmt.Errorf("%s: process output: %w", peer.node.name, err))
		}
	}
	return errors.Join(errs...)
}

// HaveOutput tells every node downstream of n's output ports to consume.
func (g *Graph) HaveOutput(n *GraphNode) error {
	var errs []error
	for _, p := range n.outputs {
		peer := p.peer
		if peer == nil || peer.node == nil || peer.node.impl == nil {
			continue
		}
		g.logger.Tracef("graph: %s have output -> %s port %d", n.name, peer.node.name, peer.ID)
		if err := peer.node.impl.ProcessInput(); err != nil {
			errs = append(errs, fmt.Errorf("%s: process input: %w", peer.node.name, err))
		}
	}
	return errors.Join(errs...)
}
