package api

// ClientNode is the outbound half of the client-node protocol: the methods the
// bridge invokes on the remote side. Marshalling is the implementer's concern.
type ClientNode interface {
	// Update announces node-level limits and parameters.
	Update(changeMask uint32, maxInputPorts, maxOutputPorts uint32, params []Param) error
	// PortUpdate announces a port's parameters and info.
	PortUpdate(direction Direction, portID uint32, changeMask uint32, params []Param, info *PortInfo) error
	// SetActive asks the remote to (de)activate the node.
	SetActive(active bool) error
	// Done acknowledges the request identified by seq with a Result code.
	Done(seq uint32, result int32) error
	// Destroy releases the remote object.
	Destroy() error
}
