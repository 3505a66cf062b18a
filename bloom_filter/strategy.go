package bf

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Strategy turns a 128-bit member hash into probe positions. All processes
// sharing the same Redis state must use the same Strategy and Hasher.
type Strategy int

const (
	// DoubleHash64 runs the double-hashing recurrence on an unsigned 64-bit value.
	DoubleHash64 Strategy = iota
	// DoubleHash32 runs it on an unsigned 32-bit value, for filters written
	// by 32-bit deployments.
	DoubleHash32
)

func (s Strategy) String() string {
	switch s {
	case DoubleHash64:
		return "64"
	case DoubleHash32:
		return "32"
	}
	return "Strategy(" + strconv.Itoa(int(s)) + ")"
}

// ParseStrategy accepts "64" or "32".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "64", "":
		return DoubleHash64, nil
	case "32":
		return DoubleHash32, nil
	}
	return 0, errors.WithMessagef(ErrInvalidArgument, "unknown strategy %q", s)
}

// Positions returns k bit indices in [0, bitSize).
func (s Strategy) Positions(h1, h2 uint64, k uint32, bitSize uint64) []uint64 {
	positions := make([]uint64, k)
	if s == DoubleHash32 {
		combined, step := uint32(h1), uint32(h2)
		for i := range positions {
			positions[i] = uint64(combined) % bitSize
			combined += step
		}
		return positions
	}
	combined := h1
	for i := range positions {
		positions[i] = combined % bitSize
		combined += h2
	}
	return positions
}

// SizeFor returns the optimal bit size and hash function count for a filter
// expected to hold expectedInsertions members at false positive rate fpp.
//
//	bitSize          = ceil(-n * ln(fpp) / ln(2)^2)
//	numHashFunctions = round(bitSize / n * ln(2))
//
// Both are at least 1. Zero insertions are sized as one.
func SizeFor(expectedInsertions int64, fpp float64) (uint64, uint32, error) {
	if err := checkSizing(expectedInsertions, fpp); err != nil {
		return 0, 0, err
	}
	n := float64(expectedInsertions)
	if n == 0 {
		n = 1
	}
	m := math.Ceil(-n * math.Log(fpp) / (math.Ln2 * math.Ln2))
	if m < 1 {
		m = 1
	}
	k := math.Round(m / n * math.Ln2)
	if k < 1 {
		k = 1
	}
	return uint64(m), uint32(k), nil
}

func checkSizing(expectedInsertions int64, fpp float64) error {
	if expectedInsertions < 0 {
		return invalidArgument("expected insertions (%d) must be >= 0", expectedInsertions)
	}
	if !(fpp > 0.0) {
		return invalidArgument("false positive probability (%v) must be > 0.0", fpp)
	}
	if !(fpp < 1.0) {
		return invalidArgument("false positive probability (%v) must be < 1.0", fpp)
	}
	return nil
}
