package work

import (
	"math"

	"github.com/shizukutanaka/Kodama/internal/numeric"
)

// Difficulty and threshold are inverse quantities: a nonce passes when the
// byte-reversed head of its Blake2b digest is below
// (2^64-1)/difficulty. Only the low 64 bits of the 128-bit difficulty
// participate; thresholds needing the full width would require widening
// the reciprocal and the comparison.

// Threshold derives the search threshold from a difficulty. A zero
// difficulty yields a zero threshold, which no nonce can satisfy.
func Threshold(difficulty numeric.U128) uint64 {
	d64 := difficulty.Low64()
	if d64 == 0 {
		return 0
	}
	return math.MaxUint64 / d64
}

// FromMultiplier scales the base difficulty by m, saturating at the top of
// the 64-bit range. For m <= 0 the base is returned unchanged.
func FromMultiplier(m float64, base numeric.U128) numeric.U128 {
	if m <= 0 {
		return base
	}
	scaled := float64(base.Low64()) * m
	if scaled >= math.MaxUint64 {
		return numeric.U128FromUint64(math.MaxUint64)
	}
	return numeric.U128FromUint64(uint64(scaled))
}

// ToMultiplier expresses a difficulty as a ratio of the base difficulty.
func ToMultiplier(difficulty, base numeric.U128) float64 {
	b := base.Low64()
	if b == 0 {
		return 0
	}
	return float64(difficulty.Low64()) / float64(b)
}
