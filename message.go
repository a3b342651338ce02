package websocket

import (
	"context"
	"io"

	"github.com/wmdanor/wsengine/frame"
)

type MessageType uint8

const (
	// Non-control
	TextMessage   MessageType = MessageType(frame.OpcodeText)
	BinaryMessage MessageType = MessageType(frame.OpcodeBinary)

	// Control
	CloseMessage MessageType = MessageType(frame.OpcodeClose)
	PingMessage  MessageType = MessageType(frame.OpcodePing)
	PongMessage  MessageType = MessageType(frame.OpcodePong)
)

func (mt MessageType) String() string {
	return frame.Opcode(mt).String()
}

// ExtensionFlags are the reserved header bits an extension asserts on
// the first frame of a message it transformed.
type ExtensionFlags struct {
	RSV1 bool
	RSV2 bool
	RSV3 bool
}

func (f ExtensionFlags) bits() byte {
	return frame.Flags{RSV1: f.RSV1, RSV2: f.RSV2, RSV3: f.RSV3}.RSV()
}

func (f ExtensionFlags) union(o ExtensionFlags) ExtensionFlags {
	return ExtensionFlags{
		RSV1: f.RSV1 || o.RSV1,
		RSV2: f.RSV2 || o.RSV2,
		RSV3: f.RSV3 || o.RSV3,
	}
}

// MessageReader streams the payload of one inbound message. Read returns
// io.EOF at the end of the message; the connection stays usable.
type MessageReader interface {
	io.Reader
	ReadContext(ctx context.Context, p []byte) (int, error)
	MessageType() MessageType
	// Flags reports the reserved bits of the message's first frame.
	Flags() ExtensionFlags
}

// MessageWriter streams the payload of one outbound message. Close sends
// the final frame; calling it again is a no-op.
type MessageWriter interface {
	io.WriteCloser
	WriteContext(ctx context.Context, p []byte) (int, error)
	CloseContext(ctx context.Context) error
	MessageType() MessageType
	// Flags are applied to the first frame. Extensions set them before
	// anything is written.
	Flags() *ExtensionFlags
}
