// Package api defines the contracts shared by the remote-node bridge and the
// external control-protocol layer that drives it.
package api

import "fmt"

// InvalidID marks an absent region, port or buffer id on the wire.
const InvalidID = ^uint32(0)

// Direction is the data direction of a port.
type Direction uint32

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	}
	return fmt.Sprintf("direction(%d)", uint32(d))
}

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionInput || d == DirectionOutput
}

// Status values stored in an IOBuffers slot.
const (
	StatusOK         int32 = 0
	StatusNeedBuffer int32 = 1
	StatusHaveBuffer int32 = 2
)

// IOBuffers is the per-port I/O slot exchanged through the transport area.
// Its layout is shared with the remote process and must not change.
type IOBuffers struct {
	Status   int32
	BufferID uint32
}

// IOBuffersSize is the in-memory size of IOBuffers.
const IOBuffersSize = 8

// IOKind identifies what a port I/O area carries.
type IOKind uint32

const (
	IOKindBuffers IOKind = iota
	IOKindControl
	IOKindClock
	IOKindRange
)

func (k IOKind) String() string {
	switch k {
	case IOKindBuffers:
		return "buffers"
	case IOKindControl:
		return "control"
	case IOKindClock:
		return "clock"
	case IOKindRange:
		return "range"
	}
	return fmt.Sprintf("io(%d)", uint32(k))
}

// CommandType enumerates node commands understood by the bridge.
type CommandType uint32

const (
	CommandPause CommandType = iota
	CommandStart
	CommandClockUpdate
	CommandFlush
	CommandDrain
	CommandMarker
)

func (c CommandType) String() string {
	switch c {
	case CommandPause:
		return "pause"
	case CommandStart:
		return "start"
	case CommandClockUpdate:
		return "clock-update"
	case CommandFlush:
		return "flush"
	case CommandDrain:
		return "drain"
	case CommandMarker:
		return "marker"
	}
	return fmt.Sprintf("command(%d)", uint32(c))
}

// ClockUpdate is the body of a CommandClockUpdate command.
type ClockUpdate struct {
	Ticks         int64
	Rate          int32
	MonotonicTime int64
	Latency       int64
	Live          bool
}

// Command is a node or port command. Clock is set only for CommandClockUpdate.
type Command struct {
	Type  CommandType
	Clock *ClockUpdate
}

// Param is an opaque, already-encoded parameter object.
type Param []byte

// PortInfo flags.
const (
	PortFlagCanAllocBuffers uint64 = 1 << iota
	PortFlagCanUseBuffers
	PortFlagLive
	PortFlagPhysical
	PortFlagTerminal
)

// PortInfo describes a local port to the remote side.
type PortInfo struct {
	Flags uint64
	Rate  uint32
}

// Update masks for ClientNode.Update and ClientNode.PortUpdate.
const (
	UpdateMaxInputs uint32 = 1 << iota
	UpdateMaxOutputs
	UpdateParams
)

const (
	PortUpdateParams uint32 = 1 << iota
	PortUpdateInfo
)
