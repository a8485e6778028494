// Package transport implements the notification path between a node proxy
// and its remote peer: a shared Area holding per-port I/O slots and two
// message rings, and a Channel that appends to a ring and then wakes the
// peer with an 8-byte counter write over a socket.
package transport

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the kind of a ring message.
type MessageType uint32

const (
	MessageInvalid MessageType = iota
	// MessageNeedInput asks the peer to produce.
	MessageNeedInput
	// MessageHaveOutput tells the peer data is ready.
	MessageHaveOutput
	// MessageProcessInput tells the local side the peer has output ready.
	MessageProcessInput
	// MessageProcessOutput tells the local side the peer needs input.
	MessageProcessOutput
	// MessagePortReuseBuffer returns a buffer to the port that owns it.
	MessagePortReuseBuffer
)

func (t MessageType) String() string {
	switch t {
	case MessageNeedInput:
		return "need-input"
	case MessageHaveOutput:
		return "have-output"
	case MessageProcessInput:
		return "process-input"
	case MessageProcessOutput:
		return "process-output"
	case MessagePortReuseBuffer:
		return "port-reuse-buffer"
	}
	return fmt.Sprintf("message(%d)", uint32(t))
}

// MessageSize is the size of one ring slot.
const MessageSize = 16

// Message is one ring entry. PortID and BufferID are only meaningful for
// MessagePortReuseBuffer.
type Message struct {
	Type     MessageType
	PortID   uint32
	BufferID uint32
}

func (m Message) String() string {
	if m.Type == MessagePortReuseBuffer {
		return fmt.Sprintf("%s(port=%d, buffer=%d)", m.Type, m.PortID, m.BufferID)
	}
	return m.Type.String()
}

func (m Message) encode(b []byte) {
	_ = b[MessageSize-1]
	binary.NativeEndian.PutUint32(b[0:], uint32(m.Type))
	binary.NativeEndian.PutUint32(b[4:], m.PortID)
	binary.NativeEndian.PutUint32(b[8:], m.BufferID)
	binary.NativeEndian.PutUint32(b[12:], 0)
}

func decodeMessage(b []byte) Message {
	_ = b[MessageSize-1]
	return Message{
		Type:     MessageType(binary.NativeEndian.Uint32(b[0:])),
		PortID:   binary.NativeEndian.Uint32(b[4:]),
		BufferID: binary.NativeEndian.Uint32(b[8:]),
	}
}
