package node

import (
	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/graph"
)

// shim presents the remote node to the local scheduler. Both shims of a
// proxy behave the same: pulling from them asks the remote for data and
// pushing into them announces data to the remote.
type shim struct {
	proxy *Proxy
	name  string
}

var _ graph.Node = (*shim)(nil)

func (s *shim) ProcessInput() error {
	s.proxy.logger.Tracef("%s: process input", s.name)
	return s.proxy.HaveOutput()
}

func (s *shim) ProcessOutput() error {
	s.proxy.logger.Tracef("%s: process output", s.name)
	return s.proxy.NeedInput()
}

func (s *shim) PortReuseBuffer(portID, bufferID uint32) error {
	s.proxy.logger.Tracef("%s: reuse buffer %d %d", s.name, portID, bufferID)
	return nil
}

func (s *shim) SendCommand(api.Command) error {
	return api.ErrUnsupported
}

func (s *shim) PortSetIO(api.Direction, uint32, api.IOKind, []byte) error {
	return api.ErrUnsupported
}
