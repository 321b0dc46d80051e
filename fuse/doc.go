// Package fuse turns persisted hex tokens into the values and bit positions
// handed to the fuse tool.
//
// Bit positions are counted from the least-significant bit (position 0) of a
// fixed-width register. For a 32-bit serial 0x000004D2 the positions are
// [1 4 6 7 10].
//
//	serial, err := fuse.ParseSerial(" 000004d2\n", true)
//	bits, err := fuse.SerialBitSet(serial)
//	next, err := fuse.Increment(serial, interfaces.OverflowError)
package fuse
