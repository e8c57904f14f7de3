// Package numeric provides the fixed-width unsigned integers used on the
// work server wire: 256-bit root hashes and 128-bit difficulty values.
// Values are stored big-endian and transported as hex.
package numeric

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// U256 is a 256-bit unsigned value, most significant byte first.
type U256 [32]byte

// U128 is a 128-bit unsigned value, most significant byte first.
type U128 [16]byte

// decodeHex parses a hex literal into dst, left-padding with zeros.
// Accepts an optional 0x/0X prefix and mixed case. Fails on non-hex
// characters and on literals wider than dst.
func decodeHex(dst []byte, s string) error {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s) > 2*len(dst) {
		return fmt.Errorf("hex literal too long: %d digits exceed %d-byte width", len(s), len(dst))
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex literal: %w", err)
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst[len(dst)-len(raw):], raw)
	return nil
}

// trimHex renders b as 0x-prefixed lowercase hex with leading zeros
// removed, keeping at least one digit.
func trimHex(b []byte) string {
	s := strings.TrimLeft(hex.EncodeToString(b), "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

// ParseU256 parses a hex literal of up to 64 digits.
func ParseU256(s string) (U256, error) {
	var u U256
	err := decodeHex(u[:], s)
	return u, err
}

// String returns the full-width lowercase hex form without a prefix.
func (u U256) String() string {
	return hex.EncodeToString(u[:])
}

// Bytes returns the 32-byte big-endian view.
func (u U256) Bytes() []byte {
	return u[:]
}

// Cmp compares u and v as unsigned integers.
func (u U256) Cmp(v U256) int {
	return bytes.Compare(u[:], v[:])
}

// IsZero reports whether every byte is zero.
func (u U256) IsZero() bool {
	return u == U256{}
}

// ParseU128 parses a hex literal of up to 32 digits.
func ParseU128(s string) (U128, error) {
	var u U128
	err := decodeHex(u[:], s)
	return u, err
}

// U128FromUint64 returns a U128 whose low 8 bytes carry v and whose
// upper bytes are zero.
func U128FromUint64(v uint64) U128 {
	var u U128
	binary.BigEndian.PutUint64(u[8:], v)
	return u
}

// String returns the full-width lowercase hex form without a prefix.
func (u U128) String() string {
	return hex.EncodeToString(u[:])
}

// Hex returns the 0x-prefixed trimmed hex form used in responses.
func (u U128) Hex() string {
	return trimHex(u[:])
}

// Bytes returns the 16-byte big-endian view.
func (u U128) Bytes() []byte {
	return u[:]
}

// Low64 returns the low 64 bits of the value.
func (u U128) Low64() uint64 {
	return binary.BigEndian.Uint64(u[8:])
}

// WorkHex renders the low 8 bytes as the 16 uppercase hex digits of the
// wire "work" field.
func (u U128) WorkHex() string {
	return strings.ToUpper(hex.EncodeToString(u[8:]))
}

// Cmp compares u and v as unsigned integers.
func (u U128) Cmp(v U128) int {
	return bytes.Compare(u[:], v[:])
}

// IsZero reports whether every byte is zero.
func (u U128) IsZero() bool {
	return u == U128{}
}
