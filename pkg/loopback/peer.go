// Package loopback plays the remote side of a client node inside the same
// process. A Peer creates the transport area and memory regions a real
// server would create, feeds them to a node.Events implementation, records
// the acknowledgments it gets back through api.ClientNode, and exchanges
// notification messages over a real socket pair.
package loopback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	internalshm "github.com/srediag/remote-node/internal/shm"
	internaltransport "github.com/srediag/remote-node/internal/transport"
	"github.com/srediag/remote-node/pkg/node"
	"github.com/srediag/remote-node/pkg/shm"
	"github.com/srediag/remote-node/pkg/transport"
)

// ErrNotBound is returned before Bind.
var ErrNotBound = errors.New("loopback peer not bound to a node")

// Config configures a Peer.
type Config struct {
	MaxInputPorts  uint32 `yaml:"max_input_ports"`
	MaxOutputPorts uint32 `yaml:"max_output_ports"`
	RingCapacity   uint32 `yaml:"ring_capacity"`
	// Shared backs the transport area with a memfd mapped twice instead of
	// process memory.
	Shared bool `yaml:"shared"`

	Channel transport.ChannelConfig `yaml:"-"`
	Logger  *logging.Logger         `yaml:"-"`
}

// DefaultConfig returns a peer with two ports in each direction.
func DefaultConfig() Config {
	return Config{
		MaxInputPorts:  2,
		MaxOutputPorts: 2,
		RingCapacity:   transport.DefaultRingCapacity,
		Shared:         true,
	}
}

// PortUpdate is one recorded ClientNode.PortUpdate call.
type PortUpdate struct {
	Direction  api.Direction
	PortID     uint32
	ChangeMask uint32
	Params     []api.Param
	Info       *api.PortInfo
}

type region struct {
	fd     int
	nodeFd int
	mem    []byte
}

// Peer is the remote end of one exported node. It implements api.ClientNode.
type Peer struct {
	cfg    Config
	logger *logging.Logger
	mapper internalshm.Mapper

	mu          sync.Mutex
	events      node.Events
	seq         uint32
	results     map[uint32]int32
	portUpdates []PortUpdate
	active      []bool
	maxInputs   uint32
	maxOutputs  uint32
	destroyed   bool

	area    *transport.Area
	channel *transport.Channel
	regions map[uint32]*region
	nextMem uint32
}

var _ api.ClientNode = (*Peer)(nil)

// New creates an unbound peer.
func New(cfg Config) *Peer {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = transport.DefaultRingCapacity
	}
	return &Peer{
		cfg:     cfg,
		logger:  cfg.Logger,
		mapper:  internalshm.System(),
		results: make(map[uint32]int32),
		regions: make(map[uint32]*region),
		seq:     1,
	}
}

// Bind attaches the node events the peer drives.
func (p *Peer) Bind(events node.Events) {
	p.events = events
}

// Update records the node limits.
func (p *Peer) Update(changeMask, maxInputPorts, maxOutputPorts uint32, params []api.Param) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if changeMask&api.UpdateMaxInputs != 0 {
		p.maxInputs = maxInputPorts
	}
	if changeMask&api.UpdateMaxOutputs != 0 {
		p.maxOutputs = maxOutputPorts
	}
	return nil
}

// PortUpdate records a port announcement.
func (p *Peer) PortUpdate(dir api.Direction, portID, changeMask uint32, params []api.Param, info *api.PortInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portUpdates = append(p.portUpdates, PortUpdate{
		Direction:  dir,
		PortID:     portID,
		ChangeMask: changeMask,
		Params:     params,
		Info:       info,
	})
	return nil
}

// SetActive records an activation request.
func (p *Peer) SetActive(active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = append(p.active, active)
	return nil
}

// Done records the result of request seq.
func (p *Peer) Done(seq uint32, result int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[seq] = result
	return nil
}

// Destroy records that the client node went away.
func (p *Peer) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	return nil
}

// Result returns the acknowledged result of seq.
func (p *Peer) Result(seq uint32) (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[seq]
	return r, ok
}

// PortUpdates returns every recorded port announcement.
func (p *Peer) PortUpdates() []PortUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PortUpdate(nil), p.portUpdates...)
}

// ActiveRequests returns every recorded SetActive argument.
func (p *Peer) ActiveRequests() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.active...)
}

// Limits returns the node limits announced by Update.
func (p *Peer) Limits() (maxInputs, maxOutputs uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInputs, p.maxOutputs
}

// Destroyed reports whether the client node was destroyed.
func (p *Peer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *Peer) nextSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.seq
	p.seq++
	return s
}

// Connect creates a transport and hands the client half to the node. A
// previous transport of this peer is closed first.
func (p *Peer) Connect(nodeID uint32) error {
	if p.events == nil {
		return ErrNotBound
	}
	p.closeTransport()

	cfg := transport.AreaConfig{
		MaxInputPorts:  p.cfg.MaxInputPorts,
		MaxOutputPorts: p.cfg.MaxOutputPorts,
		RingCapacity:   p.cfg.RingCapacity,
	}
	var client, server *transport.Area
	var err error
	if p.cfg.Shared {
		if server, err = transport.Create(cfg); err != nil {
			return err
		}
		d := server.Descriptor()
		if d.Fd, err = internalshm.Dup(d.Fd); err != nil {
			_ = server.Close()
			return fmt.Errorf("dup area fd: %w", err)
		}
		if client, err = transport.Open(d, transport.RoleClient); err != nil {
			_ = server.Close()
			return err
		}
	} else if client, server, err = transport.NewLocalPair(cfg); err != nil {
		return err
	}

	toClient, err := internaltransport.Socketpair()
	if err != nil {
		_ = client.Close()
		_ = server.Close()
		return err
	}
	toServer, err := internaltransport.Socketpair()
	if err != nil {
		_ = internaltransport.Close(toClient[0])
		_ = internaltransport.Close(toClient[1])
		_ = client.Close()
		_ = server.Close()
		return err
	}
	p.area = server
	p.channel = transport.NewChannel(server, toServer[1], toClient[1], p.cfg.Channel)
	p.logger.Infof("loopback: transport for node %d", nodeID)
	p.events.Transport(nodeID, toClient[0], toServer[0], client)
	return nil
}

// Area returns the server half of the transport area.
func (p *Peer) Area() *transport.Area { return p.area }

// ReadFd is the descriptor that turns readable when the node sends.
func (p *Peer) ReadFd() int {
	if p.channel == nil {
		return -1
	}
	return p.channel.ReadFd()
}

// Send pushes a message to the node and wakes it.
func (p *Peer) Send(m transport.Message) error {
	if p.channel == nil {
		return transport.ErrAreaClosed
	}
	return p.channel.Send(m)
}

// Receive drains the messages the node sent.
func (p *Peer) Receive() ([]transport.Message, error) {
	if p.channel == nil {
		return nil, transport.ErrAreaClosed
	}
	var msgs []transport.Message
	_, err := p.channel.Drain(func(m transport.Message) { msgs = append(msgs, m) })
	return msgs, err
}

// Hangup closes the peer's end of the transport, as a crashing server would.
func (p *Peer) Hangup() {
	p.closeTransport()
}

func (p *Peer) closeTransport() {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warnf("loopback: %v", err)
		}
		p.channel = nil
	}
	if p.area != nil {
		if err := p.area.Close(); err != nil {
			p.logger.Warnf("loopback: %v", err)
		}
		p.area = nil
	}
}

// AddMem creates a memfd region of size bytes and announces it to the node.
func (p *Peer) AddMem(size int, flags shm.RegionFlags) (uint32, error) {
	if p.events == nil {
		return 0, ErrNotBound
	}
	fd, err := internalshm.CreateMemfd("loopback-mem", size)
	if err != nil {
		return 0, err
	}
	mem, err := p.mapper.Map(fd, 0, size, true)
	if err != nil {
		_ = p.mapper.Close(fd)
		return 0, err
	}
	dup, err := internalshm.Dup(fd)
	if err != nil {
		_ = p.mapper.Unmap(mem)
		_ = p.mapper.Close(fd)
		return 0, err
	}
	id := p.nextMem
	p.nextMem++
	p.regions[id] = &region{fd: fd, nodeFd: dup, mem: mem}
	p.events.AddMem(id, dup, flags)
	return id, nil
}

// AliasMem announces region memID again under a new id, handing the node
// the very fd it already owns for memID.
func (p *Peer) AliasMem(memID uint32, flags shm.RegionFlags) (uint32, error) {
	r, ok := p.regions[memID]
	if !ok || r.mem == nil {
		return 0, fmt.Errorf("%w: mem %d", api.ErrNotFound, memID)
	}
	id := p.nextMem
	p.nextMem++
	p.regions[id] = &region{fd: -1, nodeFd: r.nodeFd}
	p.events.AddMem(id, r.nodeFd, flags)
	return id, nil
}

// Mem returns the peer's own mapping of region memID.
func (p *Peer) Mem(memID uint32) []byte {
	if r, ok := p.regions[memID]; ok {
		return r.mem
	}
	return nil
}

// UseBuffers sends a use-buffers request and returns its seq.
func (p *Peer) UseBuffers(dir api.Direction, portID uint32, descs []shm.BufferDesc) uint32 {
	seq := p.nextSeq()
	p.events.PortUseBuffers(seq, dir, portID, descs)
	return seq
}

// SetIO sends a set-io request and returns its seq.
func (p *Peer) SetIO(dir api.Direction, portID uint32, kind api.IOKind, memID, offset, size uint32) uint32 {
	seq := p.nextSeq()
	p.events.PortSetIO(seq, dir, portID, kind, memID, offset, size)
	return seq
}

// Command sends a node command and returns its seq.
func (p *Peer) Command(cmd api.Command) uint32 {
	seq := p.nextSeq()
	p.events.Command(seq, cmd)
	return seq
}

// PortSetParam sends a port parameter and returns its seq.
func (p *Peer) PortSetParam(dir api.Direction, portID, id uint32, param api.Param) uint32 {
	seq := p.nextSeq()
	p.events.PortSetParam(seq, dir, portID, id, 0, param)
	return seq
}

// Close releases the transport and every region mapping of the peer.
func (p *Peer) Close() error {
	p.closeTransport()
	var errs []error
	for id, r := range p.regions {
		if r.mem != nil {
			errs = append(errs, p.mapper.Unmap(r.mem))
		}
		if r.fd >= 0 {
			errs = append(errs, p.mapper.Close(r.fd))
		}
		delete(p.regions, id)
	}
	return errors.Join(errs...)
}
