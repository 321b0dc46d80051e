package fuse

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// SerialWidth is the width in bits of the serial number fuse field.
const SerialWidth = 32

// NormalizeHex trims whitespace and uppercases a hex token. In lenient mode
// every non-hex character is dropped; otherwise any such character is an error.
func NormalizeHex(raw string, lenient bool) (string, error) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if lenient {
		token = strings.Map(func(r rune) rune {
			if isHexDigit(r) {
				return r
			}
			return -1
		}, token)
	}

	if token == "" {
		return "", fmt.Errorf("%w: empty hex token", interfaces.ErrConfig)
	}

	for _, r := range token {
		if !isHexDigit(r) {
			return "", fmt.Errorf("%w: invalid hex character %q in token", interfaces.ErrConfig, r)
		}
	}

	return token, nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')
}

// ParseHexValue parses a hex token into an integer that must fit in width bits.
func ParseHexValue(raw string, lenient bool, width int) (*big.Int, error) {
	token, err := NormalizeHex(raw, lenient)
	if err != nil {
		return nil, err
	}

	v, ok := new(big.Int).SetString(token, 16)
	if !ok {
		return nil, fmt.Errorf("%w: cannot parse hex token %q", interfaces.ErrConfig, token)
	}

	if v.BitLen() > width {
		return nil, fmt.Errorf("%w: value needs %d bits, field holds %d", interfaces.ErrValidation, v.BitLen(), width)
	}

	return v, nil
}

// SerialBytes is the size of the serial number field written by a block write.
const SerialBytes = SerialWidth / 8

// CheckByteLength rejects tokens spelling more than maxBytes bytes, counting
// leading zeros: "0000000000FF" is six bytes even though its value fits in one.
func CheckByteLength(raw string, lenient bool, maxBytes int) error {
	token, err := NormalizeHex(raw, lenient)
	if err != nil {
		return err
	}
	if n := (len(token) + 1) / 2; n > maxBytes {
		return fmt.Errorf("%w: token %s is %d bytes, block field holds %d", interfaces.ErrValidation, token, n, maxBytes)
	}
	return nil
}

// ParseSerial parses the serial counter token.
func ParseSerial(raw string, lenient bool) (interfaces.SerialNumber, error) {
	v, err := ParseHexValue(raw, lenient, SerialWidth)
	if err != nil {
		return 0, err
	}
	return interfaces.SerialNumber(v.Uint64()), nil
}

// ParseKey parses the key token for a key block of width bits.
func ParseKey(raw string, width int) (interfaces.KeyToken, error) {
	v, err := ParseHexValue(raw, false, width)
	if err != nil {
		return interfaces.KeyToken{}, err
	}
	return interfaces.NewKeyToken(v), nil
}

// Increment advances the serial by one according to the overflow policy.
func Increment(s interfaces.SerialNumber, policy interfaces.OverflowPolicy) (interfaces.SerialNumber, error) {
	if s == interfaces.SerialNumber(^uint32(0)) && policy != interfaces.OverflowWrap {
		return s, fmt.Errorf("%w: %s cannot be advanced", interfaces.ErrSerialOverflow, s)
	}
	return s + 1, nil
}
