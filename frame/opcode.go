package frame

import "fmt"

type Opcode uint8

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// defined maps each 4-bit pattern to whether RFC 6455 assigns it a meaning.
var defined = [16]bool{
	OpcodeContinuation: true,
	OpcodeText:         true,
	OpcodeBinary:       true,
	OpcodeClose:        true,
	OpcodePing:         true,
	OpcodePong:         true,
}

// ParseOpcode maps the low nibble of b to an Opcode.
func ParseOpcode(b byte) (Opcode, error) {
	op := Opcode(b & 0b0000_1111)
	if !defined[op] {
		return 0, fmt.Errorf("%w: %w 0x%X", ErrProtocol, ErrUndefinedOpcode, uint8(op))
	}
	return op, nil
}

func (c Opcode) IsControl() bool {
	return c == OpcodeClose || c == OpcodePing || c == OpcodePong
}

func (c Opcode) IsData() bool {
	return c == OpcodeContinuation || c == OpcodeText || c == OpcodeBinary
}

func (c Opcode) String() string {
	switch c {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(0x%X)", uint8(c))
	}
}
