package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/srediag/remote-node/api"
	internalshm "github.com/srediag/remote-node/internal/shm"
)

const (
	areaMagic   = 0x41544e52 // "RNTA"
	areaVersion = 1

	areaHeaderLength = 32

	// DefaultRingCapacity is the number of slots of each message ring.
	DefaultRingCapacity = 64
)

var (
	// ErrInvalidArea is returned when a mapped area fails validation.
	ErrInvalidArea = fmt.Errorf("%w: invalid transport area", api.ErrInvalidArgument)
	// ErrAreaClosed is returned by a closed area.
	ErrAreaClosed = errors.New("transport area closed")
)

// Role selects which ring of an area a side writes to.
type Role int

const (
	// RoleClient is the node proxy side. It reads ring 0 and writes ring 1.
	RoleClient Role = iota
	// RoleServer is the side that created the area.
	RoleServer
)

// AreaConfig sizes a new area.
type AreaConfig struct {
	MaxInputPorts  uint32
	MaxOutputPorts uint32
	// RingCapacity must be a power of two.
	RingCapacity uint32
}

func (c AreaConfig) verify() error {
	if c.RingCapacity == 0 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("%w: ring capacity %d is not a power of two", api.ErrInvalidArgument, c.RingCapacity)
	}
	if c.MaxInputPorts+c.MaxOutputPorts == 0 {
		return fmt.Errorf("%w: area without ports", api.ErrInvalidArgument)
	}
	return nil
}

// AreaSize returns the shared-memory size of an area.
func AreaSize(c AreaConfig) int {
	return areaHeaderLength +
		api.IOBuffersSize*int(c.MaxInputPorts+c.MaxOutputPorts) +
		2*countRingMemSize(c.RingCapacity)
}

// Descriptor locates a shared area handed to the client.
type Descriptor struct {
	Fd     int
	Offset uint32
	Size   uint32
}

// Area is the memory shared by a node proxy and its peer: a header, one
// IOBuffers slot per port and two message rings.
type Area struct {
	MaxInputPorts  uint32
	MaxOutputPorts uint32

	inputs  []api.IOBuffers
	outputs []api.IOBuffers
	out     Ring
	in      Ring

	mapper internalshm.Mapper
	mapped []byte
	mem    []byte
	fd     int
	size   uint32
	closed bool
	pair   *localPair
}

// localPair disposes the rings of a local pair once both ends are closed.
type localPair struct {
	ends  atomic.Int32
	rings []*MemRing
}

func (p *localPair) release() {
	if p.ends.Add(-1) > 0 {
		return
	}
	for _, r := range p.rings {
		r.Dispose()
	}
}

// Create allocates a new memfd-backed area. The creator is the server.
func Create(cfg AreaConfig) (*Area, error) {
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	size := AreaSize(cfg)
	fd, err := internalshm.CreateMemfd("remote-node-transport", size)
	if err != nil {
		return nil, err
	}
	mapper := internalshm.System()
	mem, err := mapper.Map(fd, 0, size, true)
	if err != nil {
		_ = mapper.Close(fd)
		return nil, err
	}
	for i := range mem {
		mem[i] = 0
	}
	hdr := mem[:areaHeaderLength]
	binary.NativeEndian.PutUint32(hdr[0:], areaMagic)
	binary.NativeEndian.PutUint32(hdr[4:], areaVersion)
	binary.NativeEndian.PutUint32(hdr[8:], cfg.MaxInputPorts)
	binary.NativeEndian.PutUint32(hdr[12:], cfg.MaxOutputPorts)
	binary.NativeEndian.PutUint32(hdr[16:], cfg.RingCapacity)

	a := &Area{mapper: mapper, mapped: mem, fd: fd, size: uint32(size)}
	a.layout(mem, cfg, RoleServer)
	a.initSlots()
	return a, nil
}

// Open maps an area described by d. Open takes ownership of d.Fd, also
// when it fails.
func Open(d Descriptor, role Role) (*Area, error) {
	mapper := internalshm.System()
	if size, err := mapper.Size(d.Fd); err != nil || size < int64(d.Offset)+int64(d.Size) {
		_ = mapper.Close(d.Fd)
		return nil, fmt.Errorf("%w: descriptor (%d,%d) exceeds backing object", ErrInvalidArea, d.Offset, d.Size)
	}
	rng := internalshm.NewMapRange(int64(d.Offset), int(d.Size), internalshm.PageSize())
	mapped, err := mapper.Map(d.Fd, rng.Offset, rng.Size, true)
	if err != nil {
		_ = mapper.Close(d.Fd)
		return nil, fmt.Errorf("%w: %v", api.ErrResourceExhausted, err)
	}
	mem := mapped[rng.Start : rng.Start+int(d.Size)]
	a := &Area{mapper: mapper, mapped: mapped, fd: d.Fd, size: d.Size}

	if len(mem) < areaHeaderLength {
		_ = a.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidArea, len(mem))
	}
	hdr := mem[:areaHeaderLength]
	if binary.NativeEndian.Uint32(hdr[0:]) != areaMagic || binary.NativeEndian.Uint32(hdr[4:]) != areaVersion {
		_ = a.Close()
		return nil, fmt.Errorf("%w: bad magic or version", ErrInvalidArea)
	}
	cfg := AreaConfig{
		MaxInputPorts:  binary.NativeEndian.Uint32(hdr[8:]),
		MaxOutputPorts: binary.NativeEndian.Uint32(hdr[12:]),
		RingCapacity:   binary.NativeEndian.Uint32(hdr[16:]),
	}
	if err := cfg.verify(); err != nil || AreaSize(cfg) > len(mem) {
		_ = a.Close()
		return nil, fmt.Errorf("%w: header %+v does not fit %d bytes", ErrInvalidArea, cfg, len(mem))
	}
	a.layout(mem, cfg, role)
	return a, nil
}

func (a *Area) layout(mem []byte, cfg AreaConfig, role Role) {
	a.mem = mem
	a.MaxInputPorts = cfg.MaxInputPorts
	a.MaxOutputPorts = cfg.MaxOutputPorts

	off := areaHeaderLength
	n := int(cfg.MaxInputPorts + cfg.MaxOutputPorts)
	slots := unsafe.Slice((*api.IOBuffers)(unsafe.Pointer(&mem[off])), n)
	a.inputs = slots[:cfg.MaxInputPorts:cfg.MaxInputPorts]
	a.outputs = slots[cfg.MaxInputPorts:]
	off += api.IOBuffersSize * n

	ringSize := countRingMemSize(cfg.RingCapacity)
	toClient := mappingRingFromBytes(mem[off:off+ringSize], cfg.RingCapacity)
	off += ringSize
	toServer := mappingRingFromBytes(mem[off:off+ringSize], cfg.RingCapacity)
	if role == RoleServer {
		a.out, a.in = toClient, toServer
	} else {
		a.out, a.in = toServer, toClient
	}
}

func (a *Area) initSlots() {
	for i := range a.inputs {
		a.inputs[i] = api.IOBuffers{Status: api.StatusOK, BufferID: api.InvalidID}
	}
	for i := range a.outputs {
		a.outputs[i] = api.IOBuffers{Status: api.StatusOK, BufferID: api.InvalidID}
	}
}

// NewLocalPair creates an area shared by two in-process ends backed by heap
// memory and MemRings. It is used when both sides live in one process.
func NewLocalPair(cfg AreaConfig) (client, server *Area, err error) {
	if err := cfg.verify(); err != nil {
		return nil, nil, err
	}
	slots := make([]api.IOBuffers, cfg.MaxInputPorts+cfg.MaxOutputPorts)
	toClient := NewMemRing(int(cfg.RingCapacity))
	toServer := NewMemRing(int(cfg.RingCapacity))
	pair := &localPair{rings: []*MemRing{toClient, toServer}}
	pair.ends.Store(2)
	mk := func(out, in Ring) *Area {
		return &Area{
			MaxInputPorts:  cfg.MaxInputPorts,
			MaxOutputPorts: cfg.MaxOutputPorts,
			inputs:         slots[:cfg.MaxInputPorts:cfg.MaxInputPorts],
			outputs:        slots[cfg.MaxInputPorts:],
			out:            out,
			in:             in,
			fd:             -1,
			pair:           pair,
		}
	}
	client = mk(toServer, toClient)
	server = mk(toClient, toServer)
	server.initSlots()
	return client, server, nil
}

// Input returns the I/O slot of input port i, or nil when out of range.
func (a *Area) Input(i uint32) *api.IOBuffers {
	if a.closed || i >= uint32(len(a.inputs)) {
		return nil
	}
	return &a.inputs[i]
}

// Output returns the I/O slot of output port i, or nil when out of range.
func (a *Area) Output(i uint32) *api.IOBuffers {
	if a.closed || i >= uint32(len(a.outputs)) {
		return nil
	}
	return &a.outputs[i]
}

// Slot returns the I/O slot for a direction and port index.
func (a *Area) Slot(dir api.Direction, i uint32) *api.IOBuffers {
	if dir == api.DirectionInput {
		return a.Input(i)
	}
	return a.Output(i)
}

// Outbound is the ring this side writes. It is nil once the area is closed.
func (a *Area) Outbound() Ring { return a.out }

// Inbound is the ring this side reads.
func (a *Area) Inbound() Ring { return a.in }

// Descriptor describes the area for Open. The fd stays owned by a; the
// receiver is expected to get a duplicate.
func (a *Area) Descriptor() Descriptor {
	return Descriptor{Fd: a.fd, Size: a.size}
}

// Closed reports whether Close was called.
func (a *Area) Closed() bool { return a.closed }

// Close unmaps the area and closes its fd. It is safe to call more than once.
func (a *Area) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.inputs, a.outputs = nil, nil
	a.out, a.in = nil, nil
	if a.pair != nil {
		a.pair.release()
		a.pair = nil
	}
	var errs []error
	if a.mapped != nil {
		errs = append(errs, a.mapper.Unmap(a.mapped))
		a.mapped, a.mem = nil, nil
	}
	if a.fd >= 0 {
		errs = append(errs, a.mapper.Close(a.fd))
		a.fd = -1
	}
	return errors.Join(errs...)
}
