package frame

import "encoding/binary"

// Mask XORs b with key starting at key[cursor%4] and returns the cursor
// to pass for the bytes that follow b. Masking and unmasking are the same
// operation.
func Mask(b []byte, key [4]byte, cursor int) int {
	cursor &= 3

	var k [4]byte
	for i := range k {
		k[i] = key[(cursor+i)&3]
	}

	i := 0
	if len(b) >= 8 {
		k32 := binary.LittleEndian.Uint32(k[:])
		k64 := uint64(k32) | uint64(k32)<<32
		for ; i+8 <= len(b); i += 8 {
			v := binary.LittleEndian.Uint64(b[i:])
			binary.LittleEndian.PutUint64(b[i:], v^k64)
		}
	}
	for ; i < len(b); i++ {
		b[i] ^= k[i&3]
	}

	return (cursor + len(b)) & 3
}
