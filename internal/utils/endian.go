package utils

import "encoding/binary"

// Integer fields inside index blocks are big-endian. These helpers address
// a block as a dense array of fixed-width slots, which is how the atom
// refcount and reverse-map pages are laid out.

// U16Slot reads slot i of a big-endian u16 array.
func U16Slot(b []byte, i int) uint16 {
	return binary.BigEndian.Uint16(b[i*2:])
}

// PutU16Slot writes slot i of a big-endian u16 array.
func PutU16Slot(b []byte, i int, v uint16) {
	binary.BigEndian.PutUint16(b[i*2:], v)
}

// U64Slot reads slot i of a big-endian u64 array.
func U64Slot(b []byte, i int) uint64 {
	return binary.BigEndian.Uint64(b[i*8:])
}

// PutU64Slot writes slot i of a big-endian u64 array.
func PutU64Slot(b []byte, i int, v uint64) {
	binary.BigEndian.PutUint64(b[i*8:], v)
}
