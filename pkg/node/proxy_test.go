package node_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	"github.com/srediag/remote-node/internal/metrics"
	internalshm "github.com/srediag/remote-node/internal/shm"
	"github.com/srediag/remote-node/pkg/loop"
	"github.com/srediag/remote-node/pkg/loopback"
	"github.com/srediag/remote-node/pkg/node"
	"github.com/srediag/remote-node/pkg/shm"
	"github.com/srediag/remote-node/pkg/transport"
)

type ProxyTestSuite struct {
	suite.Suite
	loop    *loop.Loop
	peer    *loopback.Peer
	local   *fakeNode
	mapper  *countingMapper
	metrics *metrics.Metrics
	proxy   *node.Proxy
}

func TestProxySuite(t *testing.T) {
	suite.Run(t, new(ProxyTestSuite))
}

func (s *ProxyTestSuite) SetupTest() {
	var err error
	s.loop, err = loop.New(loop.DefaultConfig())
	s.Require().NoError(err)

	s.peer = loopback.New(loopback.DefaultConfig())
	s.local = newFakeNode(2, 2)
	s.mapper = newCountingMapper()
	s.metrics = metrics.New()

	cfg := node.DefaultConfig()
	cfg.Logger = logging.Nop()
	cfg.MemoryLock = false
	cfg.Mapper = s.mapper
	cfg.Metrics = s.metrics
	s.proxy, err = node.Export(s.peer, s.local, s.loop, cfg)
	s.Require().NoError(err)
	s.peer.Bind(s.proxy)
	s.Require().NoError(s.peer.Connect(7))
}

func (s *ProxyTestSuite) TearDownTest() {
	s.NoError(s.proxy.Close())
	s.NoError(s.peer.Close())
	s.NoError(s.loop.Close())
}

func (s *ProxyTestSuite) iterate() int {
	n, err := s.loop.Iterate(time.Second)
	s.Require().NoError(err)
	return n
}

func (s *ProxyTestSuite) requireResult(seq uint32, want int32) {
	got, ok := s.peer.Result(seq)
	s.Require().True(ok, "no done for seq %d", seq)
	s.Require().Equal(want, got, "seq %d", seq)
}

func (s *ProxyTestSuite) start() {
	s.requireResult(s.peer.Command(api.Command{Type: api.CommandStart}), 0)
	msgs, err := s.peer.Receive()
	s.Require().NoError(err)
	s.Require().Equal([]transport.Message{{Type: transport.MessageNeedInput}}, msgs)
}

func (s *ProxyTestSuite) TestExportAnnouncesNode() {
	maxIn, maxOut := s.peer.Limits()
	s.Equal(uint32(2), maxIn)
	s.Equal(uint32(2), maxOut)

	updates := s.peer.PortUpdates()
	s.Require().Len(updates, 2)
	s.Equal(api.DirectionInput, updates[0].Direction)
	s.Equal([]api.Param{{1, 2}}, updates[0].Params)
	s.Require().NotNil(updates[0].Info)
	s.Zero(updates[0].Info.Flags & api.PortFlagCanAllocBuffers)
	s.NotZero(updates[0].Info.Flags & api.PortFlagCanUseBuffers)
	s.Equal(uint32(48000), updates[0].Info.Rate)
	s.Equal(api.DirectionOutput, updates[1].Direction)

	s.requireResult(0, 0)
	s.Equal(node.StateTransportActive, s.proxy.State())
	s.Equal(uint32(7), s.proxy.NodeID())
	s.NoError(s.proxy.Healthy())
	s.Empty(s.peer.ActiveRequests())
}

func (s *ProxyTestSuite) TestExportValidates() {
	_, err := node.Export(nil, s.local, s.loop, nil)
	s.ErrorIs(err, api.ErrInvalidArgument)

	cfg := node.DefaultConfig()
	cfg.WakeupRetryInterval = time.Second
	_, err = node.Export(s.peer, s.local, s.loop, cfg)
	s.ErrorIs(err, api.ErrInvalidArgument)
}

func (s *ProxyTestSuite) TestTransportActivatesActiveNode() {
	s.local.active = true
	s.Require().NoError(s.peer.Connect(8))
	s.Equal([]bool{true}, s.peer.ActiveRequests())

	s.proxy.ActiveChanged(false)
	s.Equal([]bool{true, false}, s.peer.ActiveRequests())
}

func (s *ProxyTestSuite) TestStartPrimesInputs() {
	s.start()
	area := s.peer.Area()
	for i := uint32(0); i < area.MaxInputPorts; i++ {
		s.Equal(api.StatusNeedBuffer, area.Input(i).Status)
	}
	s.Equal([]api.Command{{Type: api.CommandStart}}, s.local.commands)

	s.Require().NoError(s.peer.Send(transport.Message{Type: transport.MessageProcessInput}))
	s.Equal(1, s.iterate())
	s.Equal(1, s.local.mix.inputs)

	s.Require().NoError(s.peer.Send(transport.Message{Type: transport.MessageProcessOutput}))
	s.Equal(1, s.iterate())
	s.Equal(1, s.local.mix.outputs)
}

func (s *ProxyTestSuite) TestPauseStopsDispatch() {
	s.start()
	s.requireResult(s.peer.Command(api.Command{Type: api.CommandPause}), 0)

	s.Require().NoError(s.peer.Send(transport.Message{Type: transport.MessageProcessInput}))
	n, err := s.loop.Iterate(20 * time.Millisecond)
	s.Require().NoError(err)
	s.Zero(n)
	s.Zero(s.local.mix.inputs)

	s.start()
	s.Equal(1, s.iterate())
	s.Equal(1, s.local.mix.inputs)
}

func (s *ProxyTestSuite) TestLocalSignalsReachPeer() {
	s.NoError(s.proxy.HaveOutput())
	s.NoError(s.proxy.NeedInput())
	msgs, err := s.peer.Receive()
	s.Require().NoError(err)
	s.Equal([]transport.Message{
		{Type: transport.MessageHaveOutput},
		{Type: transport.MessageNeedInput},
	}, msgs)
}

func (s *ProxyTestSuite) TestReuseBuffer() {
	s.start()
	s.Require().NoError(s.peer.Send(transport.Message{Type: transport.MessagePortReuseBuffer, PortID: 0, BufferID: 3}))
	// port 1 has no local port behind it, port 2 does not exist
	s.Require().NoError(s.peer.Send(transport.Message{Type: transport.MessagePortReuseBuffer, PortID: 1, BufferID: 4}))
	s.Require().NoError(s.peer.Send(transport.Message{Type: transport.MessagePortReuseBuffer, PortID: 2, BufferID: 5}))
	s.Equal(1, s.iterate())
	s.Equal([][2]uint32{{0, 3}}, s.local.mix.reused)
}

func (s *ProxyTestSuite) TestUseBuffers() {
	layout := loopback.Layout{
		Count:     2,
		Metas:     []shm.MetaDesc{{Type: 1, Size: 16}},
		Planes:    1,
		PlaneSize: 256,
	}
	memID, err := s.peer.AddMem(layout.Size(), shm.RegionReadWrite)
	s.Require().NoError(err)
	descs, err := layout.Carve(memID)
	s.Require().NoError(err)

	s.requireResult(s.peer.UseBuffers(api.DirectionInput, 0, descs), 0)
	port := s.local.inputs[0]
	s.Require().Len(port.buffers, 2)
	s.Equal(port.buffers, s.proxy.Buffers(api.DirectionInput, 0))
	s.True(s.proxy.InOrder(api.DirectionInput, 0))

	r, ok := s.proxy.Regions().Lookup(memID)
	s.Require().True(ok)
	s.Equal(uint32(2), r.Refs())

	d := descs[1]
	s.peer.Mem(memID)[d.Offset+d.Buffer.Datas[0].Data] = 0xab
	s.Equal(byte(0xab), port.buffers[1].Datas[0].Data[0])
	s.Len(port.buffers[1].Metas[0].Data, 16)
}

func (s *ProxyTestSuite) TestUseBuffersFailsClosed() {
	layout := loopback.Layout{Count: 2, Planes: 1, PlaneSize: 64}
	memID, err := s.peer.AddMem(layout.Size(), shm.RegionReadWrite)
	s.Require().NoError(err)
	r, ok := s.proxy.Regions().Lookup(memID)
	s.Require().True(ok)
	fd := r.Fd()
	descs, err := layout.Carve(memID)
	s.Require().NoError(err)
	s.requireResult(s.peer.UseBuffers(api.DirectionInput, 0, descs), 0)

	bad, err := layout.Carve(99)
	s.Require().NoError(err)
	s.requireResult(s.peer.UseBuffers(api.DirectionInput, 0, bad), api.Result(api.ErrNotFound))

	port := s.local.inputs[0]
	s.Nil(port.buffers)
	s.Equal(2, port.useCalls)
	s.Nil(s.proxy.Buffers(api.DirectionInput, 0))
	// the old set held the last references on memID
	_, ok = s.proxy.Regions().Lookup(memID)
	s.False(ok)
	s.Equal(1, s.mapper.closed[fd])
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ImportFailures))
}

func (s *ProxyTestSuite) TestUseBuffersLocalRefusal() {
	layout := loopback.Layout{Count: 1, Planes: 1, PlaneSize: 64}
	memID, err := s.peer.AddMem(layout.Size(), shm.RegionReadWrite)
	s.Require().NoError(err)
	descs, err := layout.Carve(memID)
	s.Require().NoError(err)

	s.local.inputs[0].useErr = api.ErrResourceExhausted
	s.requireResult(s.peer.UseBuffers(api.DirectionInput, 0, descs), api.Result(api.ErrResourceExhausted))
	s.Nil(s.proxy.Buffers(api.DirectionInput, 0))
	s.Zero(s.proxy.Regions().Len())
}

func (s *ProxyTestSuite) TestUseBuffersOutOfOrder() {
	layout := loopback.Layout{Count: 2, Planes: 1, PlaneSize: 64}
	memID, err := s.peer.AddMem(layout.Size(), shm.RegionReadWrite)
	s.Require().NoError(err)
	descs, err := layout.Carve(memID)
	s.Require().NoError(err)
	descs[0].Buffer.ID, descs[1].Buffer.ID = 1, 0

	s.requireResult(s.peer.UseBuffers(api.DirectionOutput, 0, descs), 0)
	bufs := s.proxy.Buffers(api.DirectionOutput, 0)
	s.Require().Len(bufs, 2)
	s.Equal(uint32(0), bufs[0].ID)
	s.False(s.proxy.InOrder(api.DirectionOutput, 0))
}

func (s *ProxyTestSuite) TestTransportReplaced() {
	layout := loopback.Layout{Count: 2, Planes: 1, PlaneSize: 128}
	fd, err := internalshm.CreateMemfd("region-3", layout.Size())
	s.Require().NoError(err)
	s.proxy.AddMem(3, fd, shm.RegionReadWrite)
	descs, err := layout.Carve(3)
	s.Require().NoError(err)
	s.requireResult(s.peer.UseBuffers(api.DirectionInput, 0, descs[:1]), 0)
	s.requireResult(s.peer.UseBuffers(api.DirectionOutput, 0, descs[1:]), 0)

	r, ok := s.proxy.Regions().Lookup(3)
	s.Require().True(ok)
	s.Equal(uint32(2), r.Refs())

	s.Require().NoError(s.peer.Connect(8))
	s.Equal(node.StateTransportActive, s.proxy.State())
	s.Equal(uint32(8), s.proxy.NodeID())
	s.Zero(s.proxy.Regions().Len())
	s.Equal(1, s.mapper.closed[fd])
	s.Nil(s.local.inputs[0].buffers)
	s.Nil(s.local.outputs[0].buffers)
	s.Equal(1, s.loop.Len())
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Transports))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.TransportsActive))

	// the new transport is live
	s.start()
}

func (s *ProxyTestSuite) TestSetIOInvalidIDClears() {
	memID, err := s.peer.AddMem(4096, shm.RegionReadWrite)
	s.Require().NoError(err)
	s.requireResult(s.peer.SetIO(api.DirectionInput, 0, api.IOKindClock, memID, 128, 32), 0)
	port := s.local.inputs[0]
	s.Len(port.io[api.IOKindClock], 32)

	s.peer.Mem(memID)[128] = 7
	s.Equal(byte(7), port.io[api.IOKindClock][0])

	s.requireResult(s.peer.SetIO(api.DirectionInput, 0, api.IOKindClock, api.InvalidID, 0, 0), 0)
	s.NotContains(port.io, api.IOKindClock)
	s.Zero(s.proxy.Regions().Len())
}

func (s *ProxyTestSuite) TestSetIOErrors() {
	s.requireResult(s.peer.SetIO(api.DirectionInput, 0, api.IOKindBuffers, 42, 0, 8), api.Result(api.ErrNotFound))

	memID, err := s.peer.AddMem(4096, shm.RegionReadWrite)
	s.Require().NoError(err)
	s.requireResult(s.peer.SetIO(api.DirectionInput, 0, api.IOKindBuffers, memID, 8192, 8), api.Result(api.ErrInvalidArgument))
	// the failed request dropped the only reference
	_, ok := s.proxy.Regions().Lookup(memID)
	s.False(ok)
}

func (s *ProxyTestSuite) TestDuplicateAddMem() {
	memID, err := s.peer.AddMem(4096, shm.RegionReadWrite)
	s.Require().NoError(err)
	r, _ := s.proxy.Regions().Lookup(memID)

	dup, err := unix.Dup(r.Fd())
	s.Require().NoError(err)
	s.proxy.AddMem(memID, dup, shm.RegionReadWrite)
	_, err = unix.FcntlInt(uintptr(dup), unix.F_GETFD, 0)
	s.ErrorIs(err, unix.EBADF)

	cur, _ := s.proxy.Regions().Lookup(memID)
	s.Same(r, cur)
}

func (s *ProxyTestSuite) TestAliasedRegionClosedOnce() {
	memID, err := s.peer.AddMem(4096, shm.RegionReadWrite)
	s.Require().NoError(err)
	alias, err := s.peer.AliasMem(memID, shm.RegionReadable)
	s.Require().NoError(err)

	a, _ := s.proxy.Regions().Lookup(memID)
	b, ok := s.proxy.Regions().Lookup(alias)
	s.Require().True(ok)
	s.Equal(a.Fd(), b.Fd())
	fd := a.Fd()

	s.requireResult(s.peer.SetIO(api.DirectionInput, 0, api.IOKindBuffers, alias, 0, 8), 0)
	s.requireResult(s.peer.SetIO(api.DirectionInput, 0, api.IOKindBuffers, api.InvalidID, 0, 0), 0)
	_, ok = s.proxy.Regions().Lookup(alias)
	s.False(ok)
	s.Zero(s.mapper.closed[fd])

	s.NoError(s.proxy.Close())
	s.Equal(1, s.mapper.closed[fd])
}

func (s *ProxyTestSuite) TestHangupTearsDown() {
	layout := loopback.Layout{Count: 1, Planes: 1, PlaneSize: 64}
	memID, err := s.peer.AddMem(layout.Size(), shm.RegionReadWrite)
	s.Require().NoError(err)
	descs, err := layout.Carve(memID)
	s.Require().NoError(err)
	s.requireResult(s.peer.UseBuffers(api.DirectionInput, 0, descs), 0)

	s.peer.Hangup()
	s.Equal(1, s.iterate())
	s.Equal(node.StateNoTransport, s.proxy.State())
	s.ErrorIs(s.proxy.Healthy(), node.ErrNoTransport)
	s.Nil(s.local.inputs[0].buffers)
	s.Zero(s.proxy.Regions().Len())
	s.Zero(s.loop.Len())
	s.Empty(s.local.mixNode.Ports(api.DirectionInput))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ChannelFaults))

	s.ErrorIs(s.proxy.NeedInput(), node.ErrNoTransport)
	s.requireResult(s.peer.UseBuffers(api.DirectionInput, 0, descs), api.Result(api.ErrNotFound))
}

func (s *ProxyTestSuite) TestTransportWithoutArea() {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	s.Require().NoError(err)
	s.proxy.Transport(9, fds[0], fds[1], nil)
	s.Equal(node.StateNoTransport, s.proxy.State())
	for _, fd := range fds {
		_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		s.ErrorIs(err, unix.EBADF)
	}
}

func (s *ProxyTestSuite) TestCommands() {
	clock := &api.ClockUpdate{Ticks: 480, Rate: 48000, MonotonicTime: 1000, Live: true}
	s.requireResult(s.peer.Command(api.Command{Type: api.CommandClockUpdate, Clock: clock}), 0)
	got, ok := s.proxy.Clock()
	s.True(ok)
	s.Equal(*clock, got)

	s.requireResult(s.peer.Command(api.Command{Type: api.CommandClockUpdate}), api.Result(api.ErrInvalidArgument))
	s.requireResult(s.peer.Command(api.Command{Type: api.CommandFlush}), -int32(unix.ENOTSUP))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Commands.WithLabelValues("flush", "error")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Commands.WithLabelValues("clock-update", "ok")))
}

func (s *ProxyTestSuite) TestPortSetParam() {
	before := len(s.peer.PortUpdates())
	s.requireResult(s.peer.PortSetParam(api.DirectionInput, 0, 3, api.Param{9}), 0)
	updates := s.peer.PortUpdates()
	s.Require().Len(updates, before+1)
	s.Equal([]api.Param{{1, 2}, {9}}, updates[before].Params)

	s.local.inputs[0].paramErr = api.ErrInvalidArgument
	s.requireResult(s.peer.PortSetParam(api.DirectionInput, 0, 3, api.Param{10}), api.Result(api.ErrInvalidArgument))
}

func (s *ProxyTestSuite) TestPortAddressing() {
	// index 1 is within the transport but has no local port
	s.requireResult(s.peer.PortSetParam(api.DirectionInput, 1, 0, nil), api.Result(api.ErrNotFound))
	s.requireResult(s.peer.PortSetParam(api.DirectionInput, 2, 0, nil), api.Result(api.ErrInvalidArgument))
	s.requireResult(s.peer.PortSetParam(api.Direction(7), 0, 0, nil), api.Result(api.ErrInvalidArgument))
}

func (s *ProxyTestSuite) TestPortCommand() {
	s.proxy.PortCommand(api.DirectionOutput, 0, api.Command{Type: api.CommandFlush})
	s.proxy.PortCommand(api.DirectionOutput, 5, api.Command{Type: api.CommandFlush})
	s.Equal([]api.Command{{Type: api.CommandFlush}}, s.local.outputs[0].commands)
}

func (s *ProxyTestSuite) TestUnsupportedEvents() {
	s.proxy.SetParam(50, 1, 0, nil)
	s.proxy.AddPort(51, api.DirectionInput, 1)
	s.proxy.RemovePort(52, api.DirectionInput, 0)
	s.proxy.Event(3)
	for seq := uint32(50); seq <= 52; seq++ {
		s.requireResult(seq, -int32(unix.ENOTSUP))
	}
}

func (s *ProxyTestSuite) TestCloseIdempotent() {
	s.NoError(s.proxy.Close())
	s.NoError(s.proxy.Close())
	s.True(s.peer.Destroyed())
	s.Equal(node.StateNoTransport, s.proxy.State())
	s.Error(s.proxy.Healthy())
}

func (s *ProxyTestSuite) TestSendFaultTearsDown() {
	s.start()
	s.peer.Hangup()

	s.ErrorIs(s.proxy.NeedInput(), api.ErrChannelFault)
	s.Equal(node.StateNoTransport, s.proxy.State())
	s.Zero(s.loop.Len())
	s.Zero(s.proxy.Regions().Len())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ChannelFaults))
	s.ErrorIs(s.proxy.HaveOutput(), node.ErrNoTransport)
}

func (s *ProxyTestSuite) TestTransportResetsSlots() {
	client, server, err := transport.NewLocalPair(transport.AreaConfig{MaxInputPorts: 2, MaxOutputPorts: 1, RingCapacity: 8})
	s.Require().NoError(err)
	defer server.Close()
	*server.Input(1) = api.IOBuffers{Status: api.StatusHaveBuffer, BufferID: 3}
	*server.Output(0) = api.IOBuffers{Status: api.StatusNeedBuffer, BufferID: 1}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	s.Require().NoError(err)
	s.proxy.Transport(9, fds[0], fds[1], client)
	s.Require().Equal(node.StateTransportActive, s.proxy.State())

	initial := api.IOBuffers{Status: api.StatusOK, BufferID: api.InvalidID}
	s.Equal(initial, *server.Input(0))
	s.Equal(initial, *server.Input(1))
	s.Equal(initial, *server.Output(0))
}

func (s *ProxyTestSuite) TestEventsAfterClose() {
	s.Require().NoError(s.proxy.Close())

	s.Require().NoError(s.peer.Connect(9))
	_, err := s.peer.AddMem(4096, shm.RegionReadWrite)
	s.Require().NoError(err)
	s.Equal(node.StateNoTransport, s.proxy.State())
	s.Zero(s.loop.Len())
	s.Zero(s.proxy.Regions().Len())
	s.Nil(s.proxy.Area())

	fd, err := internalshm.CreateMemfd("late", 4096)
	s.Require().NoError(err)
	s.proxy.AddMem(5, fd, shm.RegionReadWrite)
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	s.ErrorIs(err, unix.EBADF)

	noTransport := api.Result(node.ErrNoTransport)
	s.requireResult(s.peer.Command(api.Command{Type: api.CommandStart}), noTransport)
	s.requireResult(s.peer.SetIO(api.DirectionInput, 0, api.IOKindBuffers, api.InvalidID, 0, 0), noTransport)
	s.requireResult(s.peer.PortSetParam(api.DirectionInput, 0, 3, api.Param{9}), noTransport)
	s.Empty(s.local.commands)

	s.NoError(s.proxy.Close())
	s.Zero(s.loop.Len())
}
