package fuse

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// BitSet lists the register bit positions that must be burned to 1, ascending.
type BitSet []int

// String renders the positions the way the fuse tool accepts them.
func (b BitSet) String() string {
	parts := make([]string, len(b))
	for i, p := range b {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, " ")
}

// Args renders each position as its own argument.
func (b BitSet) Args() []string {
	args := make([]string, len(b))
	for i, p := range b {
		args[i] = strconv.Itoa(p)
	}
	return args
}

// DeriveBitSet renders v as a big-endian binary string of exactly width
// digits and collects the positions of the ones, counted from the right.
func DeriveBitSet(v *big.Int, width int) (BitSet, error) {
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative value", interfaces.ErrValidation)
	}
	if v.BitLen() > width {
		return nil, fmt.Errorf("%w: value needs %d bits, register holds %d", interfaces.ErrValidation, v.BitLen(), width)
	}

	binary := fmt.Sprintf("%0*s", width, v.Text(2))

	bits := BitSet{}
	for i := 0; i < width; i++ {
		if binary[width-1-i] == '1' {
			bits = append(bits, i)
		}
	}
	return bits, nil
}

// SerialBitSet derives the bit positions for a serial in its 32-bit field.
func SerialBitSet(s interfaces.SerialNumber) (BitSet, error) {
	return DeriveBitSet(new(big.Int).SetUint64(uint64(s)), SerialWidth)
}

// KeyBitSet derives the bit positions for a key in a width-bit block.
func KeyBitSet(k interfaces.KeyToken, width int) (BitSet, error) {
	return DeriveBitSet(k.Int(), width)
}

// Value reconstructs the integer that the positions encode.
func (b BitSet) Value() *big.Int {
	v := new(big.Int)
	for _, p := range b {
		v.SetBit(v, p, 1)
	}
	return v
}
