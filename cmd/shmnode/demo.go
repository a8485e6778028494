package main

import (
	"fmt"
	"sync/atomic"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/graph"
	"github.com/srediag/remote-node/pkg/loopback"
	"github.com/srediag/remote-node/pkg/node"
	"github.com/srediag/remote-node/pkg/remote"
	"github.com/srediag/remote-node/pkg/shm"
	"github.com/srediag/remote-node/pkg/transport"
)

// demoNode is a local node with one port per direction. It counts the
// cycles driven by the remote side.
type demoNode struct {
	mix     *graph.GraphNode
	inputs  []node.LocalPort
	outputs []node.LocalPort
	cycles  atomic.Uint64
	pulls   atomic.Uint64
	reused  atomic.Uint64
	active  atomic.Bool
}

func newDemoNode() *demoNode {
	n := &demoNode{}
	n.mix = graph.NewNode("demo-mix", demoMix{n})
	n.inputs = []node.LocalPort{&demoPort{node: n, dir: api.DirectionInput}}
	n.outputs = []node.LocalPort{&demoPort{node: n, dir: api.DirectionOutput}}
	return n
}

func (n *demoNode) Info() node.Info { return node.Info{MaxInputPorts: 1, MaxOutputPorts: 1} }

func (n *demoNode) Ports(dir api.Direction) []node.LocalPort {
	if dir == api.DirectionInput {
		return n.inputs
	}
	return n.outputs
}

func (n *demoNode) Active() bool { return n.active.Load() }

func (n *demoNode) SendCommand(cmd api.Command) error {
	switch cmd.Type {
	case api.CommandStart:
		n.active.Store(true)
	case api.CommandPause:
		n.active.Store(false)
	}
	return nil
}

type demoMix struct{ n *demoNode }

func (m demoMix) ProcessInput() error {
	m.n.cycles.Add(1)
	return nil
}

func (m demoMix) ProcessOutput() error {
	m.n.pulls.Add(1)
	return nil
}

func (m demoMix) PortReuseBuffer(portID, bufferID uint32) error {
	m.n.reused.Add(1)
	return nil
}

func (demoMix) SendCommand(api.Command) error { return nil }

func (demoMix) PortSetIO(api.Direction, uint32, api.IOKind, []byte) error { return nil }

type demoPort struct {
	node    *demoNode
	dir     api.Direction
	buffers []*shm.Buffer
	io      [4][]byte
	params  []api.Param
}

func (p *demoPort) Direction() api.Direction  { return p.dir }
func (p *demoPort) ID() uint32                { return 0 }
func (p *demoPort) MixNode() *graph.GraphNode { return p.node.mix }
func (p *demoPort) Params() []api.Param       { return p.params }

func (p *demoPort) Info() api.PortInfo {
	return api.PortInfo{Flags: api.PortFlagCanUseBuffers | api.PortFlagLive}
}

func (p *demoPort) UseBuffers(bufs []*shm.Buffer) error {
	p.buffers = bufs
	return nil
}

func (p *demoPort) SetIO(kind api.IOKind, area []byte) error {
	if int(kind) >= len(p.io) {
		return api.ErrUnsupported
	}
	p.io[kind] = area
	return nil
}

func (p *demoPort) SetParam(id, flags uint32, param api.Param) error {
	p.params = append(p.params, param)
	return nil
}

func (p *demoPort) SendCommand(api.Command) error { return nil }

// driver plays the remote process of one demo node.
type driver struct {
	name   string
	entry  *remote.Entry
	peer   *loopback.Peer
	node   *demoNode
	layout loopback.Layout
	ticks  uint32
}

func (d *driver) check(seq uint32) error {
	r, ok := d.peer.Result(seq)
	if !ok {
		return fmt.Errorf("%s: seq %d not acknowledged", d.name, seq)
	}
	if r != 0 {
		return fmt.Errorf("%s: seq %d failed with %d", d.name, seq, r)
	}
	return nil
}

// setup connects the transport, installs buffers and I/O areas on both
// ports and starts the node.
func (d *driver) setup(nodeID uint32) error {
	return d.entry.Do(func(p *node.Proxy) error {
		d.peer.Bind(p)
		if err := d.peer.Connect(nodeID); err != nil {
			return err
		}
		memID, err := d.peer.AddMem(d.layout.Size(), shm.RegionReadWrite)
		if err != nil {
			return err
		}
		ioMem, err := d.peer.AddMem(4096, shm.RegionReadWrite)
		if err != nil {
			return err
		}
		descs, err := d.layout.Carve(memID)
		if err != nil {
			return err
		}
		for i, dir := range []api.Direction{api.DirectionInput, api.DirectionOutput} {
			if err := d.check(d.peer.UseBuffers(dir, 0, descs)); err != nil {
				return err
			}
			off := uint32(i) * api.IOBuffersSize
			if err := d.check(d.peer.SetIO(dir, 0, api.IOKindBuffers, ioMem, off, api.IOBuffersSize)); err != nil {
				return err
			}
		}
		return d.check(d.peer.Command(api.Command{Type: api.CommandStart}))
	})
}

// tick hands one buffer to the node and collects what it sent back.
func (d *driver) tick() error {
	d.peer.Area().Input(0).BufferID = d.ticks % d.layout.Count
	d.peer.Area().Input(0).Status = api.StatusHaveBuffer
	if err := d.peer.Send(transport.Message{Type: transport.MessageProcessInput}); err != nil {
		return err
	}
	if err := d.peer.Send(transport.Message{
		Type:     transport.MessagePortReuseBuffer,
		BufferID: d.ticks % d.layout.Count,
	}); err != nil {
		return err
	}
	d.ticks++
	_, err := d.peer.Receive()
	return err
}
