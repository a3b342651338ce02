package frame

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
)

type headerTestCase struct {
	bytes   []byte
	flags   Flags
	length  int64
	key     [4]byte
	payload []byte
}

var (
	headerTestCases []headerTestCase = []headerTestCase{
		{
			bytes: []byte{
				0x81, 0x85, 0x37, 0xFA, 0x21, 0x3D, 0x7F, 0x9F, 0x4D, 0x51, 0x58,
			},
			flags:   Flags{FIN: true, Opcode: OpcodeText, Mask: true},
			length:  5,
			key:     [4]byte{0x37, 0xFA, 0x21, 0x3D},
			payload: []byte("Hello"),
		},
		{
			bytes: []byte{
				0x81, 0x05, 0x57, 0x6F, 0x72, 0x6C, 0x64,
			},
			flags:   Flags{FIN: true, Opcode: OpcodeText},
			length:  5,
			payload: []byte("World"),
		},
		{
			bytes: []byte{
				0x42, 0x03, 0x01, 0x02, 0x03,
			},
			flags:   Flags{RSV1: true, Opcode: OpcodeBinary},
			length:  3,
			payload: []byte{0x01, 0x02, 0x03},
		},
	}
)

func TestParseHeader(t *testing.T) {
	for _, tc := range headerTestCases {
		h, err := ParseHeader(tc.bytes)
		if err != nil {
			t.Fatalf("ParseHeader(%v), ERROR returned unexpected error %q", tc.bytes, err.Error())
		}

		if h.Flags != tc.flags || h.ContentLength != tc.length || h.MaskKey != tc.key {
			t.Errorf("ParseHeader(%v) = %+v, ERROR expected flags %+v length %d key %v", tc.bytes, h, tc.flags, tc.length, tc.key)
		}

		payload := append([]byte(nil), tc.bytes[h.HeaderLength:]...)
		h.Consume(payload)
		if !reflect.DeepEqual(payload, tc.payload) {
			t.Errorf("Header.Consume(%v) => %v, ERROR expected %v", tc.bytes[h.HeaderLength:], payload, tc.payload)
		}
		if !h.Exhausted() {
			t.Errorf("Header.Exhausted() = false after consuming the whole payload, remaining %d", h.RemainingBytes)
		}

		buf := make([]byte, MaxHeaderLength)
		n, err := EncodeHeader(buf, tc.length, tc.flags, tc.key)
		if err != nil {
			t.Fatalf("EncodeHeader(%d, %+v), ERROR returned unexpected error %q", tc.length, tc.flags, err.Error())
		}
		if !bytes.Equal(buf[:n], tc.bytes[:h.HeaderLength]) {
			t.Errorf("EncodeHeader(%d, %+v) => %v, ERROR expected %v", tc.length, tc.flags, buf[:n], tc.bytes[:h.HeaderLength])
		}
	}
}

func TestConsumeInPieces(t *testing.T) {
	tc := headerTestCases[0]
	h, err := ParseHeader(tc.bytes)
	if err != nil {
		t.Fatalf("ParseHeader(%v), ERROR returned unexpected error %q", tc.bytes, err.Error())
	}

	payload := append([]byte(nil), tc.bytes[h.HeaderLength:]...)
	for _, part := range [][]byte{payload[:1], payload[1:3], payload[3:]} {
		h.Consume(part)
	}

	if !reflect.DeepEqual(payload, tc.payload) {
		t.Errorf("Header.Consume in pieces => %q, ERROR expected %q", payload, tc.payload)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	for b0 := 0; b0 < 256; b0++ {
		if !defined[b0&0x0F] {
			continue
		}
		for _, b1 := range []int{0x00, 0x01, 0x7D, 0x80, 0x85, 0xFD} {
			in := []byte{byte(b0), byte(b1)}

			flags, err := DecodeFlags(in, 0)
			if err != nil {
				t.Fatalf("DecodeFlags(%08b), ERROR returned unexpected error %q", in, err.Error())
			}
			length, err := DecodeLength(in)
			if err != nil {
				t.Fatalf("DecodeLength(%08b), ERROR returned unexpected error %q", in, err.Error())
			}

			out := make([]byte, MaxHeaderLength)
			if _, err := EncodeHeader(out, length, flags, [4]byte{}); err != nil {
				t.Fatalf("EncodeHeader(%d, %+v), ERROR returned unexpected error %q", length, flags, err.Error())
			}
			if !bytes.Equal(out[:2], in) {
				t.Errorf("EncodeHeader(DecodeFlags(%08b)) => %08b, ERROR expected original bytes", in, out[:2])
			}
		}
	}
}

func TestUndefinedOpcodes(t *testing.T) {
	for nibble := byte(0); nibble < 16; nibble++ {
		_, err := DecodeFlags([]byte{0x80 | nibble, 0x80}, 0)
		if defined[nibble] {
			if err != nil {
				t.Errorf("DecodeFlags(opcode 0x%X), ERROR returned unexpected error %q", nibble, err.Error())
			}
			continue
		}
		if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrUndefinedOpcode) {
			t.Errorf("DecodeFlags(opcode 0x%X) err = %v, ERROR expected protocol error", nibble, err)
		}
	}
}

func TestDecodeFlagsOffset(t *testing.T) {
	b := []byte{0xFF, 0x89, 0x80}
	flags, err := DecodeFlags(b, 1)
	if err != nil {
		t.Fatalf("DecodeFlags(%v, 1), ERROR returned unexpected error %q", b, err.Error())
	}
	expected := Flags{FIN: true, Opcode: OpcodePing, Mask: true}
	if flags != expected {
		t.Errorf("DecodeFlags(%v, 1) = %+v, ERROR expected %+v", b, flags, expected)
	}

	if _, err := DecodeFlags(b, 2); !errors.Is(err, ErrShortHeader) {
		t.Errorf("DecodeFlags(%v, 2) err = %v, ERROR expected %v", b, err, ErrShortHeader)
	}
}

func TestLengthWidths(t *testing.T) {
	testCases := []struct {
		length   int64
		expected int
	}{
		{0, 2},
		{1, 2},
		{125, 2},
		{126, 4},
		{1000, 4},
		{math.MaxUint16, 4},
		{math.MaxUint16 + 1, 10},
		{1 << 40, 10},
		{math.MaxInt64, 10},
	}

	for _, tc := range testCases {
		for _, masked := range []bool{false, true} {
			flags := Flags{FIN: true, Opcode: OpcodeBinary, Mask: masked}
			buf := make([]byte, MaxHeaderLength)
			n, err := EncodeHeader(buf, tc.length, flags, [4]byte{1, 2, 3, 4})
			if err != nil {
				t.Fatalf("EncodeHeader(%d), ERROR returned unexpected error %q", tc.length, err.Error())
			}

			expected := tc.expected
			if masked {
				expected += 4
			}
			if n != expected {
				t.Errorf("EncodeHeader(%d, masked=%v) wrote %d bytes, ERROR expected %d", tc.length, masked, n, expected)
			}
			if hl := HeaderLength(buf[0], buf[1]); hl != expected {
				t.Errorf("HeaderLength(%08b) = %d, ERROR expected %d", buf[:2], hl, expected)
			}

			decoded, err := DecodeLength(buf[:n])
			if err != nil {
				t.Fatalf("DecodeLength(%v), ERROR returned unexpected error %q", buf[:n], err.Error())
			}
			if decoded != tc.length {
				t.Errorf("DecodeLength(%v) = %d, ERROR expected %d", buf[:n], decoded, tc.length)
			}
		}
	}
}

func TestDecodeLengthTooLarge(t *testing.T) {
	b := []byte{0x82, 0x7F, 0x80, 0, 0, 0, 0, 0, 0, 0}
	_, err := DecodeLength(b)
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("DecodeLength(%v) err = %v, ERROR expected frame too large", b, err)
	}

	if _, err := ParseHeader(b); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ParseHeader(%v) err = %v, ERROR expected frame too large", b, err)
	}
}

func TestMask(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	initial := []byte("Hello")
	toProcess := append([]byte(nil), initial...)

	cursor := Mask(toProcess, key, 0)

	expected := []byte{
		0x5A, 0x51, 0x3A, 0x14, 0x7D,
	}
	if !reflect.DeepEqual(toProcess, expected) {
		t.Errorf("Mask(%v, %X) => %v, ERROR expected %v", initial, key, toProcess, expected)
	}
	if cursor != 1 {
		t.Errorf("Mask(%v, %X) cursor = %d, ERROR expected 1", initial, key, cursor)
	}

	Mask(toProcess, key, 0)

	if !reflect.DeepEqual(toProcess, initial) {
		t.Errorf("Mask(Mask(%v, %X), %X) => %v, ERROR expected %v", initial, key, key, toProcess, initial)
	}
}

func TestMaskInvolution(t *testing.T) {
	key := [4]byte{0xA1, 0x02, 0xF3, 0x44}
	original := make([]byte, 1031)
	for i := range original {
		original[i] = byte(i * 7)
	}

	for start := 0; start < 8; start++ {
		data := append([]byte(nil), original...)
		Mask(data, key, start)
		if bytes.Equal(data, original) {
			t.Fatalf("Mask(cursor=%d) left data unchanged", start)
		}
		Mask(data, key, start)
		if !bytes.Equal(data, original) {
			t.Errorf("Mask(Mask(data, cursor=%d)) ERROR did not restore the original bytes", start)
		}
	}
}

func TestMaskSplitMatchesWhole(t *testing.T) {
	key := [4]byte{9, 8, 7, 6}
	original := bytes.Repeat([]byte("websocket"), 13)

	whole := append([]byte(nil), original...)
	Mask(whole, key, 0)

	pieces := append([]byte(nil), original...)
	rest := pieces
	cursor := 0
	for _, n := range []int{3, 10, 1, 50} {
		cursor = Mask(rest[:n], key, cursor)
		rest = rest[n:]
	}
	Mask(rest, key, cursor)

	if !bytes.Equal(pieces, whole) {
		t.Errorf("Mask applied in pieces => %v, ERROR expected %v", pieces, whole)
	}
}
