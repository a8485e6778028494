// Package node implements the client side of a remote node: a Proxy that
// imports shared memory announced by the remote process, runs the
// notification channel, and plugs the remote node into the local pull graph
// through two shim nodes.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	"github.com/srediag/remote-node/internal/metrics"
	internaltransport "github.com/srediag/remote-node/internal/transport"
	"github.com/srediag/remote-node/pkg/graph"
	"github.com/srediag/remote-node/pkg/loop"
	"github.com/srediag/remote-node/pkg/shm"
	"github.com/srediag/remote-node/pkg/transport"
)

// ErrNoTransport is returned when an operation needs a live transport.
var ErrNoTransport = fmt.Errorf("%w: no transport", api.ErrNotFound)

// State is the transport state of a Proxy.
type State int

const (
	StateNoTransport State = iota
	StateTransportActive
	// StateDraining is held while a transport is being torn down.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateNoTransport:
		return "no-transport"
	case StateTransportActive:
		return "transport-active"
	case StateDraining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Proxy bridges one local node to its remote counterpart. It is not safe for
// concurrent use: every method must run on the data loop goroutine.
type Proxy struct {
	ctx     context.Context
	logger  *logging.Logger
	metrics *metrics.Metrics
	cfg     *Config

	client api.ClientNode
	local  LocalNode
	loop   DataLoop
	graph  *graph.Graph

	regions *shm.RegionTable
	builder *shm.Builder

	state    State
	nodeID   uint32
	area     *transport.Area
	channel  *transport.Channel
	source   *loop.Source
	inPorts  []*port
	outPorts []*port

	// sourceNode carries the remote input ports towards local inputs,
	// sinkNode receives from local outputs into the remote output ports.
	sourceNode *graph.GraphNode
	sinkNode   *graph.GraphNode

	clock    api.ClockUpdate
	hasClock bool
	closed   bool
}

// Export creates a proxy for local and announces the node and its ports to
// the remote side.
func Export(client api.ClientNode, local LocalNode, dataLoop DataLoop, config *Config) (*Proxy, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if client == nil || local == nil || dataLoop == nil {
		return nil, fmt.Errorf("%w: client, local node and loop are required", api.ErrInvalidArgument)
	}
	logger := config.logger()
	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}

	regionCfg := shm.DefaultRegionTableConfig()
	if config.Mapper != nil {
		regionCfg.Mapper = config.Mapper
	}
	regionCfg.MemoryLock = config.MemoryLock
	regionCfg.Logger = logger.Named("shm")
	regionCfg.Meter = config.Meter
	regionCfg.Tracer = config.Tracer
	regions := shm.NewRegionTable(regionCfg)

	p := &Proxy{
		ctx:     context.Background(),
		logger:  logger,
		metrics: m,
		cfg:     config,
		client:  client,
		local:   local,
		loop:    dataLoop,
		graph:   graph.New(logger.Named("graph")),
		regions: regions,
		builder: shm.NewBuilder(regions, shm.BuilderConfig{
			Strict: config.StrictBufferIDs,
			Logger: regionCfg.Logger,
			Meter:  config.Meter,
			Tracer: config.Tracer,
		}),
	}
	p.sourceNode = graph.NewNode("remote-source", &shim{proxy: p, name: "remote-source"})
	p.sinkNode = graph.NewNode("remote-sink", &shim{proxy: p, name: "remote-sink"})

	if err := p.initNode(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Proxy) initNode() error {
	info := p.local.Info()
	if err := p.client.Update(api.UpdateMaxInputs|api.UpdateMaxOutputs|api.UpdateParams,
		info.MaxInputPorts, info.MaxOutputPorts, nil); err != nil {
		return fmt.Errorf("node update: %w", err)
	}
	for _, dir := range []api.Direction{api.DirectionInput, api.DirectionOutput} {
		for _, lp := range p.local.Ports(dir) {
			if err := p.portUpdate(lp, api.PortUpdateParams|api.PortUpdateInfo); err != nil {
				return fmt.Errorf("port update: %w", err)
			}
		}
	}
	return p.client.Done(0, 0)
}

func (p *Proxy) portUpdate(lp LocalPort, mask uint32) error {
	var params []api.Param
	if mask&api.PortUpdateParams != 0 {
		params = lp.Params()
	}
	var info *api.PortInfo
	if mask&api.PortUpdateInfo != 0 {
		pi := lp.Info()
		pi.Flags &^= api.PortFlagCanAllocBuffers
		info = &pi
	}
	return p.client.PortUpdate(lp.Direction(), lp.ID(), mask, params, info)
}

// rejectClosed acks seq with ErrNoTransport when the proxy is closed.
func (p *Proxy) rejectClosed(seq uint32) bool {
	if !p.closed {
		return false
	}
	p.done(seq, ErrNoTransport)
	return true
}

func (p *Proxy) done(seq uint32, err error) {
	res := api.Result(err)
	if err != nil {
		p.logger.Debugf("node %d: seq %d failed: %v", p.nodeID, seq, err)
	}
	if derr := p.client.Done(seq, res); derr != nil {
		p.logger.Warnf("node %d: done %d: %v", p.nodeID, seq, derr)
	}
}

// State returns the transport state.
func (p *Proxy) State() State { return p.state }

// NodeID returns the id assigned by the last transport.
func (p *Proxy) NodeID() uint32 { return p.nodeID }

// Regions returns the proxy's region table.
func (p *Proxy) Regions() *shm.RegionTable { return p.regions }

// Area returns the live transport area, or nil.
func (p *Proxy) Area() *transport.Area { return p.area }

// Clock returns the last clock update, if any.
func (p *Proxy) Clock() (api.ClockUpdate, bool) { return p.clock, p.hasClock }

// SourceNode is the graph node feeding the local input ports.
func (p *Proxy) SourceNode() *graph.GraphNode { return p.sourceNode }

// SinkNode is the graph node fed by the local output ports.
func (p *Proxy) SinkNode() *graph.GraphNode { return p.sinkNode }

// Buffers returns the buffer set of a port.
func (p *Proxy) Buffers(dir api.Direction, portID uint32) []*shm.Buffer {
	if pt := p.findPort(dir, portID); pt != nil {
		return pt.buffers
	}
	return nil
}

// InOrder reports whether the last buffer set of a port declared its ids in order.
func (p *Proxy) InOrder(dir api.Direction, portID uint32) bool {
	if pt := p.findPort(dir, portID); pt != nil {
		return pt.inOrder
	}
	return false
}

// Healthy reports an error unless a transport is live.
func (p *Proxy) Healthy() error {
	if p.closed {
		return errors.New("proxy closed")
	}
	if p.state != StateTransportActive {
		return ErrNoTransport
	}
	return nil
}

func (p *Proxy) findPort(dir api.Direction, portID uint32) *port {
	if p.state != StateTransportActive {
		return nil
	}
	ports := p.outPorts
	if dir == api.DirectionInput {
		ports = p.inPorts
	}
	if portID >= uint32(len(ports)) {
		return nil
	}
	return ports[portID]
}

// AddMem records a shared-memory region.
func (p *Proxy) AddMem(memID uint32, fd int, flags shm.RegionFlags) {
	if p.closed {
		p.logger.Debugf("closed, drop mem %d fd %d", memID, fd)
		_ = internaltransport.Close(fd)
		return
	}
	if _, ok := p.regions.Lookup(memID); ok {
		p.logger.Warnf("duplicate mem %d, fd %d, flags %d", memID, fd, flags)
		if !p.regions.Aliased(fd) {
			_ = internaltransport.Close(fd)
		}
		return
	}
	if err := p.regions.AddRegion(memID, fd, flags); err != nil {
		p.logger.Warnf("add mem %d: %v", memID, err)
		_ = internaltransport.Close(fd)
	}
}

// Transport replaces the current transport with a new one.
func (p *Proxy) Transport(nodeID uint32, readFd, writeFd int, area *transport.Area) {
	if p.closed {
		p.logger.Debugf("closed, drop transport for node %d", nodeID)
		_ = internaltransport.Close(readFd)
		_ = internaltransport.Close(writeFd)
		if area != nil {
			_ = area.Close()
		}
		return
	}
	p.cleanTransport()
	if area == nil || area.Closed() {
		p.logger.Errorf("node %d: transport without area", nodeID)
		_ = internaltransport.Close(readFd)
		_ = internaltransport.Close(writeFd)
		return
	}

	for _, fd := range []int{readFd, writeFd} {
		if err := internaltransport.SetNonblock(fd); err != nil {
			p.logger.Warnf("node %d: %v", nodeID, err)
		}
	}
	p.nodeID = nodeID
	p.area = area
	p.channel = transport.NewChannel(area, readFd, writeFd, transport.ChannelConfig{
		WakeupRetries:       p.cfg.WakeupRetries,
		WakeupRetryInterval: p.cfg.WakeupRetryInterval,
		Logger:              p.logger.Named("channel"),
		Metrics:             p.metrics,
	})
	p.logger.Infof("remote-node: create transport with fds %d %d for node %d", readFd, writeFd, nodeID)

	p.inPorts = make([]*port, area.MaxInputPorts)
	for i := range p.inPorts {
		*area.Input(uint32(i)) = api.IOBuffers{Status: api.StatusOK, BufferID: api.InvalidID}
		pt := newPort(api.DirectionInput, uint32(i), area.Input(uint32(i)))
		_ = p.sourceNode.AddPort(pt.shimPort)
		p.inPorts[i] = pt
	}
	p.outPorts = make([]*port, area.MaxOutputPorts)
	for i := range p.outPorts {
		*area.Output(uint32(i)) = api.IOBuffers{Status: api.StatusOK, BufferID: api.InvalidID}
		pt := newPort(api.DirectionOutput, uint32(i), area.Output(uint32(i)))
		_ = p.sinkNode.AddPort(pt.shimPort)
		p.outPorts[i] = pt
	}
	p.bindLocalPorts(api.DirectionInput, p.inPorts)
	p.bindLocalPorts(api.DirectionOutput, p.outPorts)

	p.state = StateTransportActive
	src, err := p.loop.AddIO(readFd, loop.Err|loop.Hup, false, p.onSocket)
	if err != nil {
		p.logger.Errorf("node %d: register transport: %v", nodeID, err)
		p.cleanTransport()
		return
	}
	p.source = src
	p.metrics.Transports.Inc()
	p.metrics.TransportsActive.Inc()

	if p.local.Active() {
		if err := p.client.SetActive(true); err != nil {
			p.logger.Warnf("node %d: set active: %v", nodeID, err)
		}
	}
}

func (p *Proxy) bindLocalPorts(dir api.Direction, ports []*port) {
	for _, lp := range p.local.Ports(dir) {
		if lp.ID() >= uint32(len(ports)) {
			p.logger.Warnf("node %d: %s port %d exceeds transport limit %d", p.nodeID, dir, lp.ID(), len(ports))
			continue
		}
		ports[lp.ID()].bind(lp)
	}
}

// cleanTransport tears the transport down. It is idempotent.
func (p *Proxy) cleanTransport() {
	if p.state == StateNoTransport {
		return
	}
	p.state = StateDraining
	p.logger.Debugf("node %d: clean transport", p.nodeID)

	if p.source != nil {
		p.loop.DestroySource(p.source)
		p.source = nil
		p.metrics.TransportsActive.Dec()
	}
	for _, pt := range p.inPorts {
		p.clearPort(pt)
	}
	for _, pt := range p.outPorts {
		p.clearPort(pt)
	}
	p.inPorts, p.outPorts = nil, nil
	p.regions.Clear()

	if err := p.channel.Close(); err != nil {
		p.logger.Warnf("node %d: %v", p.nodeID, err)
	}
	if err := p.area.Close(); err != nil {
		p.logger.Warnf("node %d: close area: %v", p.nodeID, err)
	}
	p.channel, p.area = nil, nil
	p.state = StateNoTransport
}

func (p *Proxy) clearPort(pt *port) {
	p.clearBuffers(pt)
	for kind, r := range pt.io {
		p.regions.ReleaseRegion(r)
		delete(pt.io, kind)
	}
	graph.RemovePort(pt.shimPort)
	graph.RemovePort(pt.mixPort)
	pt.local = nil
}

func (p *Proxy) clearBuffers(pt *port) {
	if pt.local != nil && len(pt.buffers) > 0 {
		p.logger.Debugf("port %s %d: clear buffers", pt.direction, pt.id)
		if err := pt.local.UseBuffers(nil); err != nil {
			p.logger.Warnf("port %s %d: clear buffers: %v", pt.direction, pt.id, err)
		}
	}
	shm.ReleaseBuffers(pt.buffers)
	pt.buffers = nil
}

func (p *Proxy) onSocket(fd int, mask loop.Mask) {
	if mask&(loop.Err|loop.Hup) != 0 {
		p.logger.Warnf("node %d: got error on fd %d (%s)", p.nodeID, fd, mask)
		p.metrics.ChannelFaults.Inc()
		p.cleanTransport()
		return
	}
	if mask&loop.In == 0 {
		return
	}
	if _, err := p.channel.Drain(p.handleMessage); err != nil {
		p.fault(err)
	}
}

func (p *Proxy) fault(err error) {
	if transport.IsFault(err) {
		p.logger.Errorf("node %d: channel fault: %v", p.nodeID, err)
		p.cleanTransport()
	}
}

func (p *Proxy) handleMessage(m transport.Message) {
	switch m.Type {
	case transport.MessageProcessInput:
		p.logger.Tracef("node %d: process input", p.nodeID)
		if err := p.graph.HaveOutput(p.sourceNode); err != nil {
			p.logger.Warnf("node %d: have output: %v", p.nodeID, err)
		}
	case transport.MessageProcessOutput:
		p.logger.Tracef("node %d: process output", p.nodeID)
		if err := p.graph.NeedInput(p.sinkNode); err != nil {
			p.logger.Warnf("node %d: need input: %v", p.nodeID, err)
		}
	case transport.MessagePortReuseBuffer:
		p.reuseBuffer(m.PortID, m.BufferID)
	default:
		p.logger.Warnf("node %d: unexpected node message %s", p.nodeID, m)
	}
}

func (p *Proxy) reuseBuffer(portID, bufferID uint32) {
	for _, gp := range p.sinkNode.Ports(api.DirectionInput) {
		peer := gp.Peer()
		if gp.ID != portID || peer == nil || peer.Node() == nil || peer.Node().Impl() == nil {
			continue
		}
		if err := peer.Node().Impl().PortReuseBuffer(peer.ID, bufferID); err != nil {
			p.logger.Warnf("node %d: reuse buffer %d %d: %v", p.nodeID, portID, bufferID, err)
		}
		return
	}
}

func (p *Proxy) send(t transport.MessageType) error {
	if p.state != StateTransportActive {
		return ErrNoTransport
	}
	err := p.channel.Send(transport.Message{Type: t})
	if err != nil {
		p.fault(err)
	}
	return err
}

// NeedInput asks the remote side to produce.
func (p *Proxy) NeedInput() error {
	return p.send(transport.MessageNeedInput)
}

// HaveOutput tells the remote side that data is ready.
func (p *Proxy) HaveOutput() error {
	return p.send(transport.MessageHaveOutput)
}

// ActiveChanged forwards the local node's active state to the remote side.
func (p *Proxy) ActiveChanged(active bool) {
	if p.closed {
		return
	}
	p.logger.Debugf("active %t", active)
	if err := p.client.SetActive(active); err != nil {
		p.logger.Warnf("node %d: set active: %v", p.nodeID, err)
	}
}

// SetParam is not supported on the node itself.
func (p *Proxy) SetParam(seq, id, flags uint32, param api.Param) {
	if p.rejectClosed(seq) {
		return
	}
	p.logger.Warnf("set param not implemented")
	p.done(seq, api.ErrUnsupported)
}

// Event logs node events; none are handled.
func (p *Proxy) Event(eventType uint32) {
	p.logger.Warnf("unhandled node event %d", eventType)
}

// Command handles a node command from the remote side.
func (p *Proxy) Command(seq uint32, cmd api.Command) {
	if p.rejectClosed(seq) {
		return
	}
	var err error
	switch cmd.Type {
	case api.CommandPause:
		p.logger.Debugf("node %d: pause %d", p.nodeID, seq)
		p.setInterest(loop.Err | loop.Hup)
		if err = p.local.SendCommand(cmd); err != nil {
			p.logger.Warnf("node %d: pause failed: %v", p.nodeID, err)
		}
	case api.CommandStart:
		p.logger.Debugf("node %d: start %d", p.nodeID, seq)
		p.setInterest(loop.In | loop.Err | loop.Hup)
		if err = p.local.SendCommand(cmd); err != nil {
			p.logger.Warnf("node %d: start failed: %v", p.nodeID, err)
		}
		if p.state == StateTransportActive {
			for i := uint32(0); i < p.area.MaxInputPorts; i++ {
				p.area.Input(i).Status = api.StatusNeedBuffer
			}
			if serr := p.NeedInput(); serr != nil {
				p.logger.Warnf("node %d: prime need input: %v", p.nodeID, serr)
			}
		}
	case api.CommandClockUpdate:
		if cmd.Clock == nil {
			err = fmt.Errorf("%w: clock update without body", api.ErrInvalidArgument)
			break
		}
		p.clock = *cmd.Clock
		p.hasClock = true
	default:
		p.logger.Warnf("unhandled node command %s", cmd.Type)
		err = api.ErrUnsupported
	}
	p.metrics.Commands.WithLabelValues(cmd.Type.String(), resultLabel(err)).Inc()
	p.done(seq, err)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (p *Proxy) setInterest(mask loop.Mask) {
	if p.source == nil {
		return
	}
	if err := p.loop.UpdateIO(p.source, mask); err != nil {
		p.logger.Warnf("node %d: update io: %v", p.nodeID, err)
	}
}

// AddPort is not supported; ports come from the local node.
func (p *Proxy) AddPort(seq uint32, dir api.Direction, portID uint32) {
	if p.rejectClosed(seq) {
		return
	}
	p.logger.Warnf("add port not supported")
	p.done(seq, api.ErrUnsupported)
}

// RemovePort is not supported; ports come from the local node.
func (p *Proxy) RemovePort(seq uint32, dir api.Direction, portID uint32) {
	if p.rejectClosed(seq) {
		return
	}
	p.logger.Warnf("remove port not supported")
	p.done(seq, api.ErrUnsupported)
}

func (p *Proxy) boundPort(dir api.Direction, portID uint32) (*port, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: direction %d", api.ErrInvalidArgument, dir)
	}
	if p.closed || p.state != StateTransportActive {
		return nil, ErrNoTransport
	}
	pt := p.findPort(dir, portID)
	if pt == nil {
		return nil, fmt.Errorf("%w: %s port %d", api.ErrInvalidArgument, dir, portID)
	}
	if pt.local == nil {
		return nil, fmt.Errorf("%w: %s port %d has no local port", api.ErrNotFound, dir, portID)
	}
	return pt, nil
}

// PortSetParam sets a parameter on a local port and reports the port again.
func (p *Proxy) PortSetParam(seq uint32, dir api.Direction, portID, id, flags uint32, param api.Param) {
	pt, err := p.boundPort(dir, portID)
	if err == nil {
		err = pt.local.SetParam(id, flags, param)
	}
	if err == nil {
		err = p.portUpdate(pt.local, api.PortUpdateParams|api.PortUpdateInfo)
	}
	p.done(seq, err)
}

// PortUseBuffers replaces the buffer set of a port. The old set is cleared
// first; on failure the port is left without buffers.
func (p *Proxy) PortUseBuffers(seq uint32, dir api.Direction, portID uint32, buffers []shm.BufferDesc) {
	p.done(seq, p.useBuffers(dir, portID, buffers))
}

func (p *Proxy) useBuffers(dir api.Direction, portID uint32, descs []shm.BufferDesc) error {
	pt, err := p.boundPort(dir, portID)
	if err != nil {
		return err
	}
	p.clearBuffers(pt)

	bufs, err := p.builder.Build(p.ctx, descs)
	if err != nil {
		p.metrics.ImportFailures.Inc()
		p.logger.Errorf("port %s %d: use buffers: %v", dir, portID, err)
		return err
	}
	if err := pt.local.UseBuffers(bufs); err != nil {
		shm.ReleaseBuffers(bufs)
		p.metrics.ImportFailures.Inc()
		return err
	}
	pt.buffers = bufs
	pt.inOrder = true
	for i := range descs {
		if descs[i].Buffer.ID != uint32(i) {
			pt.inOrder = false
			break
		}
	}
	p.metrics.BuffersImported.Add(float64(len(bufs)))
	return nil
}

// PortCommand forwards a command to a local port. There is no reply.
func (p *Proxy) PortCommand(dir api.Direction, portID uint32, cmd api.Command) {
	pt, err := p.boundPort(dir, portID)
	if err != nil {
		p.logger.Debugf("port command %s: %v", cmd.Type, err)
		return
	}
	if err := pt.local.SendCommand(cmd); err != nil {
		p.logger.Warnf("port %s %d: command %s: %v", dir, portID, cmd.Type, err)
	}
}

// PortSetIO maps an I/O area for a port. memID api.InvalidID clears it.
func (p *Proxy) PortSetIO(seq uint32, dir api.Direction, portID uint32, kind api.IOKind, memID, offset, size uint32) {
	p.done(seq, p.setIO(dir, portID, kind, memID, offset, size))
}

func (p *Proxy) setIO(dir api.Direction, portID uint32, kind api.IOKind, memID, offset, size uint32) error {
	pt, err := p.boundPort(dir, portID)
	if err != nil {
		return err
	}
	var (
		area   []byte
		region *shm.Region
	)
	if memID != api.InvalidID {
		if region, err = p.regions.Acquire(memID); err != nil {
			p.logger.Warnf("unknown memory id %d", memID)
			return err
		}
		if area, err = p.regions.Map(memID, offset, size); err != nil {
			p.regions.ReleaseRegion(region)
			return err
		}
	}
	p.logger.Debugf("port %s %d: set io %s %d bytes", dir, portID, kind, len(area))
	if err := pt.local.SetIO(kind, area); err != nil {
		if region != nil {
			p.regions.ReleaseRegion(region)
		}
		return err
	}
	if old, ok := pt.io[kind]; ok {
		p.regions.ReleaseRegion(old)
		delete(pt.io, kind)
	}
	if region != nil {
		pt.io[kind] = region
	}
	return nil
}

// Close tears the transport down, clears every port and destroys the
// remote node. It is idempotent.
func (p *Proxy) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.cleanTransport()
	p.regions.Clear()
	return p.client.Destroy()
}
