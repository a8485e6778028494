package node_test

import (
	"github.com/srediag/remote-node/api"
	internalshm "github.com/srediag/remote-node/internal/shm"
	"github.com/srediag/remote-node/pkg/graph"
	"github.com/srediag/remote-node/pkg/node"
	"github.com/srediag/remote-node/pkg/shm"
)

// countingMapper is the system mapper with every Close recorded.
type countingMapper struct {
	internalshm.Mapper
	closed map[int]int
}

func newCountingMapper() *countingMapper {
	return &countingMapper{Mapper: internalshm.System(), closed: make(map[int]int)}
}

func (m *countingMapper) Close(fd int) error {
	m.closed[fd]++
	return m.Mapper.Close(fd)
}

// fakeMix is the implementation behind the local node's mix graph node.
type fakeMix struct {
	inputs  int
	outputs int
	reused  [][2]uint32
}

func (m *fakeMix) ProcessInput() error  { m.inputs++; return nil }
func (m *fakeMix) ProcessOutput() error { m.outputs++; return nil }

func (m *fakeMix) PortReuseBuffer(portID, bufferID uint32) error {
	m.reused = append(m.reused, [2]uint32{portID, bufferID})
	return nil
}

func (m *fakeMix) SendCommand(api.Command) error { return nil }

func (m *fakeMix) PortSetIO(api.Direction, uint32, api.IOKind, []byte) error { return nil }

type fakePort struct {
	dir  api.Direction
	id   uint32
	mix  *graph.GraphNode
	info api.PortInfo

	buffers  []*shm.Buffer
	useCalls int
	useErr   error
	io       map[api.IOKind][]byte
	params   []api.Param
	paramErr error
	commands []api.Command
}

var _ node.LocalPort = (*fakePort)(nil)

func (p *fakePort) Direction() api.Direction  { return p.dir }
func (p *fakePort) ID() uint32                { return p.id }
func (p *fakePort) MixNode() *graph.GraphNode { return p.mix }
func (p *fakePort) Params() []api.Param       { return p.params }
func (p *fakePort) Info() api.PortInfo        { return p.info }

func (p *fakePort) UseBuffers(bufs []*shm.Buffer) error {
	p.useCalls++
	if p.useErr != nil && bufs != nil {
		return p.useErr
	}
	p.buffers = bufs
	return nil
}

func (p *fakePort) SetIO(kind api.IOKind, area []byte) error {
	if area == nil {
		delete(p.io, kind)
		return nil
	}
	p.io[kind] = area
	return nil
}

func (p *fakePort) SetParam(id, flags uint32, param api.Param) error {
	if p.paramErr != nil {
		return p.paramErr
	}
	p.params = append(p.params, param)
	return nil
}

func (p *fakePort) SendCommand(cmd api.Command) error {
	p.commands = append(p.commands, cmd)
	return nil
}

type fakeNode struct {
	info     node.Info
	mix      *fakeMix
	mixNode  *graph.GraphNode
	inputs   []*fakePort
	outputs  []*fakePort
	active   bool
	commands []api.Command
}

var _ node.LocalNode = (*fakeNode)(nil)

// newFakeNode creates a node announcing maxIn/maxOut ports with one input
// and one output port bound, both with id 0.
func newFakeNode(maxIn, maxOut uint32) *fakeNode {
	mix := &fakeMix{}
	n := &fakeNode{
		info:    node.Info{MaxInputPorts: maxIn, MaxOutputPorts: maxOut},
		mix:     mix,
		mixNode: graph.NewNode("mix", mix),
	}
	flags := api.PortFlagCanAllocBuffers | api.PortFlagCanUseBuffers
	n.inputs = []*fakePort{{
		dir: api.DirectionInput, mix: n.mixNode, info: api.PortInfo{Flags: flags, Rate: 48000},
		io: make(map[api.IOKind][]byte), params: []api.Param{{1, 2}},
	}}
	n.outputs = []*fakePort{{
		dir: api.DirectionOutput, mix: n.mixNode, info: api.PortInfo{Flags: flags},
		io: make(map[api.IOKind][]byte),
	}}
	return n
}

func (n *fakeNode) Info() node.Info { return n.info }

func (n *fakeNode) Ports(dir api.Direction) []node.LocalPort {
	src := n.outputs
	if dir == api.DirectionInput {
		src = n.inputs
	}
	ports := make([]node.LocalPort, len(src))
	for i, p := range src {
		ports[i] = p
	}
	return ports
}

func (n *fakeNode) Active() bool { return n.active }

func (n *fakeNode) SendCommand(cmd api.Command) error {
	n.commands = append(n.commands, cmd)
	return nil
}
