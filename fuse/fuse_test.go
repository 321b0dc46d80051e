package fuse

import (
	"math/big"
	"testing"

	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHex(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		lenient bool
		want    string
		wantErr error
	}{
		{name: "surrounding whitespace", raw: " 1a2b3c ", want: "1A2B3C"},
		{name: "trailing newline", raw: "000004d2\n", want: "000004D2"},
		{name: "lenient strips noise", raw: "1a-2b", lenient: true, want: "1A2B"},
		{name: "strict rejects noise", raw: "1a-2b", wantErr: interfaces.ErrConfig},
		{name: "empty", raw: "  \n", wantErr: interfaces.ErrConfig},
		{name: "only noise", raw: "--", lenient: true, wantErr: interfaces.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeHex(tt.raw, tt.lenient)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSerial(t *testing.T) {
	s, err := ParseSerial(" 1a2b3c ", false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SerialNumber(0x1A2B3C), s)
	assert.Equal(t, "001A2B3C", s.String())

	_, err = ParseSerial("100000000", false)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	// leading zeros do not count against the field width
	s, err = ParseSerial("0000000000FF", false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SerialNumber(0xFF), s)

	_, err = ParseSerial("xyz", false)
	assert.ErrorIs(t, err, interfaces.ErrConfig)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("DEADBEEF", 256)
	require.NoError(t, err)
	assert.Equal(t, int64(0xDEADBEEF), k.Int().Int64())
	assert.NotContains(t, k.String(), "DEADBEEF")

	_, err = ParseKey("1FF", 8)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestIncrement(t *testing.T) {
	next, err := Increment(0x000000FF, interfaces.OverflowError)
	require.NoError(t, err)
	assert.Equal(t, "00000100", next.String())

	next, err = Increment(0x000004D2, interfaces.OverflowError)
	require.NoError(t, err)
	assert.Equal(t, "000004D3", next.String())

	_, err = Increment(0xFFFFFFFF, interfaces.OverflowError)
	assert.ErrorIs(t, err, interfaces.ErrSerialOverflow)

	next, err = Increment(0xFFFFFFFF, interfaces.OverflowWrap)
	require.NoError(t, err)
	assert.Equal(t, "00000000", next.String())
}

func TestSerialBitSet(t *testing.T) {
	tests := []struct {
		serial interfaces.SerialNumber
		want   BitSet
	}{
		{0, BitSet{}},
		{1, BitSet{0}},
		{0x000004D2, BitSet{1, 4, 6, 7, 10}},
		{0x80000000, BitSet{31}},
		{0x80000001, BitSet{0, 31}},
	}

	for _, tt := range tests {
		t.Run(tt.serial.String(), func(t *testing.T) {
			got, err := SerialBitSet(tt.serial)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBitSetMembership(t *testing.T) {
	for _, n := range []uint32{0, 1, 2, 0x55555555, 0xAAAAAAAA, 0x12345678, 0xFFFFFFFF} {
		bits, err := SerialBitSet(interfaces.SerialNumber(n))
		require.NoError(t, err)

		set := make(map[int]bool, len(bits))
		for _, p := range bits {
			set[p] = true
		}
		for i := 0; i < SerialWidth; i++ {
			assert.Equal(t, n&(1<<i) != 0, set[i], "value %08X bit %d", n, i)
		}
	}
}

func TestBitSetRoundTrip(t *testing.T) {
	for _, raw := range []string{"0", "FF", "1A2B3C", "000004D2", "DEADBEEF", "FFFFFFFF"} {
		s, err := ParseSerial(raw, false)
		require.NoError(t, err)

		bits, err := SerialBitSet(s)
		require.NoError(t, err)

		want, _ := new(big.Int).SetString(raw, 16)
		assert.Equal(t, 0, want.Cmp(bits.Value()), raw)
	}
}

func TestDeriveBitSetRejectsWideValues(t *testing.T) {
	_, err := DeriveBitSet(big.NewInt(0x100), 8)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestBitSetRendering(t *testing.T) {
	bits := BitSet{1, 4, 6}
	assert.Equal(t, "1 4 6", bits.String())
	assert.Equal(t, []string{"1", "4", "6"}, bits.Args())
}

func TestCheckByteLength(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"000004D2", false},
		{"4D2", false},
		{"1a-2b", false},
		{"0000000000FF", true},
		{"100000000", true},
	}
	for _, tt := range tests {
		err := CheckByteLength(tt.raw, true, SerialBytes)
		if tt.wantErr {
			assert.ErrorIs(t, err, interfaces.ErrValidation, tt.raw)
		} else {
			assert.NoError(t, err, tt.raw)
		}
	}
}
