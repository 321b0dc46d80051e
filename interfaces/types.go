// Package interfaces defines the types and contracts shared by the
// provisioning station packages, without implementation details.
package interfaces

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// SerialNumber is the per-device identifier burned into the serial fuse field.
type SerialNumber uint32

// String returns the persisted form: eight uppercase hex digits.
func (s SerialNumber) String() string {
	return fmt.Sprintf("%08X", uint32(s))
}

// Bytes returns the big-endian four byte encoding of the serial.
func (s SerialNumber) Bytes() []byte {
	return []byte{byte(s >> 24), byte(s >> 16), byte(s >> 8), byte(s)}
}

// KeyToken is a secret value burned into the key fuse block.
// The zero value is an absent key.
type KeyToken struct {
	value *big.Int
}

// NewKeyToken wraps a non-negative integer as a key token.
func NewKeyToken(v *big.Int) KeyToken {
	return KeyToken{value: new(big.Int).Set(v)}
}

// Int returns a copy of the key value.
func (k KeyToken) Int() *big.Int {
	if k.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(k.value)
}

// IsZero reports whether no key was loaded.
func (k KeyToken) IsZero() bool {
	return k.value == nil
}

// String never prints key material.
func (k KeyToken) String() string {
	if k.value == nil {
		return "<none>"
	}
	return fmt.Sprintf("<redacted %d bits>", k.value.BitLen())
}

// BurnStrategy selects how the serial (and optionally the key) is written to fuses.
type BurnStrategy int

const (
	// ByteBlockWrite writes the serial bytes from a scratch file at a byte offset of a block.
	ByteBlockWrite BurnStrategy = iota
	// BitBurn burns the serial's one-bits individually.
	BitBurn
	// BitBurnWithKey burns the serial bits and then the key bits into a second block.
	BitBurnWithKey
)

var burnStrategyNames = map[BurnStrategy]string{
	ByteBlockWrite: "byte-block",
	BitBurn:        "bit-burn",
	BitBurnWithKey: "bit-burn-key",
}

func (s BurnStrategy) String() string {
	if name, ok := burnStrategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// BurnsKey reports whether the strategy includes the key burn step.
func (s BurnStrategy) BurnsKey() bool {
	return s == BitBurnWithKey
}

// ParseBurnStrategy parses the names used on the command line and in station files.
func ParseBurnStrategy(name string) (BurnStrategy, error) {
	for s, n := range burnStrategyNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown burn strategy %q", ErrConfig, name)
}

// OverflowPolicy decides what advancing the serial past FFFFFFFF does.
type OverflowPolicy int

const (
	// OverflowError refuses to provision a device whose serial cannot be advanced.
	OverflowError OverflowPolicy = iota
	// OverflowWrap wraps the counter to 00000000.
	OverflowWrap
)

func (p OverflowPolicy) String() string {
	if p == OverflowWrap {
		return "wrap"
	}
	return "error"
}

// ParseOverflowPolicy accepts "error" or "wrap".
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "error":
		return OverflowError, nil
	case "wrap":
		return OverflowWrap, nil
	default:
		return 0, fmt.Errorf("%w: unknown overflow policy %q", ErrConfig, name)
	}
}

// ContentID is a 32-byte SHA-256 hash uniquely identifying a stored record.
type ContentID [32]byte

// NewContentIDFromHex parses a 64 character hex content id.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id ContentID
	copy(id[:], hashBytes)
	return id, nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}
