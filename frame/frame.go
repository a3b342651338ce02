// Package frame implements the RFC 6455 frame header wire format.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

/*
  0                   1                   2                   3
  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
 +-+-+-+-+-------+-+-------------+-------------------------------+
 |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
 |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
 |N|V|V|V|       |S|             |   (if payload len==126/127)   |
 | |1|2|3|       |K|             |                               |
 +-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
 |     Extended payload length continued, if payload len == 127  |
 + - - - - - - - - - - - - - - - +-------------------------------+
 |                               |Masking-key, if MASK set to 1  |
 +-------------------------------+-------------------------------+
 | Masking-key (continued)       |          Payload Data         |
 +-------------------------------- - - - - - - - - - - - - - - - +
 :                     Payload Data continued ...                :
 + - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
 |                     Payload Data continued ...                |
 +---------------------------------------------------------------+
*/

const (
	// MinHeaderLength is FIN/RSV/opcode plus MASK/length.
	MinHeaderLength = 2
	// MaxHeaderLength is 2 + 8 bytes of extended length + 4 bytes of masking key.
	MaxHeaderLength = 14
	// MaxControlPayload is the payload limit of close, ping and pong frames.
	MaxControlPayload = 125

	finBit     = 0b1_000_0000
	rsv1Bit    = 0b0_100_0000
	rsv2Bit    = 0b0_010_0000
	rsv3Bit    = 0b0_001_0000
	maskBit    = 0b1_0000000
	len7Mask   = 0b0_1111111
	len16Value = 126
	len64Value = 127
)

var (
	ErrProtocol        = errors.New("websocket: protocol error")
	ErrUndefinedOpcode = errors.New("undefined opcode")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrShortHeader     = errors.New("not enough bytes for frame header")
)

// Flags holds the first two header bytes, except the 7-bit length.
type Flags struct {
	FIN    bool
	RSV1   bool
	RSV2   bool
	RSV3   bool
	Opcode Opcode
	Mask   bool
}

// RSV returns the three reserved bits in their wire position.
func (f Flags) RSV() byte {
	var b byte
	if f.RSV1 {
		b |= rsv1Bit
	}
	if f.RSV2 {
		b |= rsv2Bit
	}
	if f.RSV3 {
		b |= rsv3Bit
	}
	return b
}

// DecodeFlags reads b[offset] and b[offset+1].
func DecodeFlags(b []byte, offset int) (Flags, error) {
	if len(b) < offset+MinHeaderLength {
		return Flags{}, ErrShortHeader
	}
	b0, b1 := b[offset], b[offset+1]

	op, err := ParseOpcode(b0)
	if err != nil {
		return Flags{}, err
	}

	return Flags{
		FIN:    b0&finBit != 0,
		RSV1:   b0&rsv1Bit != 0,
		RSV2:   b0&rsv2Bit != 0,
		RSV3:   b0&rsv3Bit != 0,
		Opcode: op,
		Mask:   b1&maskBit != 0,
	}, nil
}

// HeaderLength computes the full header size announced by the first two bytes.
func HeaderLength(b0, b1 byte) int {
	n := MinHeaderLength
	switch b1 & len7Mask {
	case len16Value:
		n += 2
	case len64Value:
		n += 8
	}
	if b1&maskBit != 0 {
		n += 4
	}
	return n
}

// DecodeLength reads the payload length of the header starting at b[0].
func DecodeLength(b []byte) (int64, error) {
	if len(b) < MinHeaderLength {
		return 0, ErrShortHeader
	}

	switch l := b[1] & len7Mask; l {
	case len16Value:
		if len(b) < 4 {
			return 0, ErrShortHeader
		}
		return int64(binary.BigEndian.Uint16(b[2:4])), nil
	case len64Value:
		if len(b) < 10 {
			return 0, ErrShortHeader
		}
		u := binary.BigEndian.Uint64(b[2:10])
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %w: declared length %d", ErrProtocol, ErrFrameTooLarge, u)
		}
		return int64(u), nil
	default:
		return int64(l), nil
	}
}

// Header describes one inbound frame while its payload is being consumed.
type Header struct {
	Flags Flags
	// Declared payload length.
	ContentLength int64
	// Header bytes on the wire including the masking key.
	HeaderLength int
	// Payload bytes not yet consumed.
	RemainingBytes int64
	// Valid only when Flags.Mask is set.
	MaskKey [4]byte
}

// ParseHeader decodes a complete header. b must hold at least
// HeaderLength(b[0], b[1]) bytes.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < MinHeaderLength {
		return nil, ErrShortHeader
	}
	hl := HeaderLength(b[0], b[1])
	if len(b) < hl {
		return nil, ErrShortHeader
	}

	flags, err := DecodeFlags(b, 0)
	if err != nil {
		return nil, err
	}
	length, err := DecodeLength(b)
	if err != nil {
		return nil, err
	}

	h := &Header{
		Flags:          flags,
		ContentLength:  length,
		HeaderLength:   hl,
		RemainingBytes: length,
	}
	if flags.Mask {
		copy(h.MaskKey[:], b[hl-4:hl])
	}

	return h, nil
}

// Consume accounts for n payload bytes that were just read into p[:n],
// unmasking them in place.
func (h *Header) Consume(p []byte) {
	if h.Flags.Mask {
		cursor := int((h.ContentLength - h.RemainingBytes) % 4)
		Mask(p, h.MaskKey, cursor)
	}
	h.RemainingBytes -= int64(len(p))
}

// Exhausted reports whether the whole payload was consumed.
func (h *Header) Exhausted() bool {
	return h.RemainingBytes <= 0
}

// EncodeHeader writes a header for a payload of the given length into dst,
// which must have room for MaxHeaderLength bytes. The length field uses the
// smallest width that fits. key is written only when flags.Mask is set.
func EncodeHeader(dst []byte, length int64, flags Flags, key [4]byte) (int, error) {
	if length < 0 {
		return 0, fmt.Errorf("%w: negative payload length %d", ErrFrameTooLarge, length)
	}
	if len(dst) < MaxHeaderLength {
		return 0, ErrShortHeader
	}

	var b0, b1 byte
	if flags.FIN {
		b0 |= finBit
	}
	b0 |= flags.RSV()
	b0 |= byte(flags.Opcode) & 0b0000_1111
	if flags.Mask {
		b1 |= maskBit
	}

	n := MinHeaderLength
	switch {
	case length <= 125:
		b1 |= byte(length)
	case length <= math.MaxUint16:
		b1 |= len16Value
		binary.BigEndian.PutUint16(dst[2:4], uint16(length))
		n += 2
	default:
		b1 |= len64Value
		binary.BigEndian.PutUint64(dst[2:10], uint64(length))
		n += 8
	}
	dst[0], dst[1] = b0, b1

	if flags.Mask {
		n += copy(dst[n:n+4], key[:])
	}

	return n, nil
}

// AppendHeader is EncodeHeader appending to dst.
func AppendHeader(dst []byte, length int64, flags Flags, key [4]byte) ([]byte, error) {
	var buf [MaxHeaderLength]byte
	n, err := EncodeHeader(buf[:], length, flags, key)
	if err != nil {
		return dst, err
	}
	return append(dst, buf[:n]...), nil
}
