// Package roundid packs and unpacks aggregator-proxy round identifiers.
//
// A packed round id is an 80-bit integer: the phase id occupies bits 64..79 and
// the phase-local aggregator round occupies bits 0..63. Phases change when the
// proxy is pointed at a new aggregator; local rounds restart in each phase.
package roundid

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// PhaseOffset is the bit position where the phase id starts.
const PhaseOffset = 64

var (
	// ErrTooWide is returned for packed values that need more than 80 bits.
	ErrTooWide = errors.New("roundid: value exceeds 80 bits")
	// ErrInvalid is returned for negative or unparsable values.
	ErrInvalid = errors.New("roundid: invalid round id")
)

var maxPacked = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), PhaseOffset+16), big.NewInt(1))

// ID is an unpacked round identifier.
type ID struct {
	Phase uint16
	Local uint64
}

// Parse splits a packed round id into its phase and local round.
func Parse(packed *big.Int) (ID, error) {
	if packed == nil || packed.Sign() < 0 {
		return ID{}, ErrInvalid
	}
	if packed.Cmp(maxPacked) > 0 {
		return ID{}, fmt.Errorf("%w: %s", ErrTooWide, packed)
	}
	phase := new(big.Int).Rsh(packed, PhaseOffset)
	local := new(big.Int).And(packed, new(big.Int).SetUint64(math.MaxUint64))
	return ID{Phase: uint16(phase.Uint64()), Local: local.Uint64()}, nil
}

// ParseString parses a decimal packed round id.
func ParseString(s string) (ID, error) {
	packed, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return Parse(packed)
}

// Compose packs a phase and local round into a single integer.
func Compose(phase uint16, local uint64) *big.Int {
	return ID{Phase: phase, Local: local}.Packed()
}

// Packed returns the 80-bit integer form.
func (id ID) Packed() *big.Int {
	packed := new(big.Int).Lsh(big.NewInt(int64(id.Phase)), PhaseOffset)
	return packed.Or(packed, new(big.Int).SetUint64(id.Local))
}

// IsZero reports whether id is the zero round, used as "latest" by callers.
func (id ID) IsZero() bool {
	return id.Phase == 0 && id.Local == 0
}

// Offset moves delta rounds within the same phase. It reports false when the
// result would leave the phase or fall below local round 1.
func (id ID) Offset(delta int64) (ID, bool) {
	switch {
	case delta < 0:
		step := uint64(-delta)
		if id.Local <= step {
			return ID{}, false
		}
		return ID{Phase: id.Phase, Local: id.Local - step}, true
	case delta > 0:
		step := uint64(delta)
		if id.Local > math.MaxUint64-step {
			return ID{}, false
		}
		return ID{Phase: id.Phase, Local: id.Local + step}, true
	default:
		return id, true
	}
}

// Before orders rounds by phase, then local round.
func (id ID) Before(other ID) bool {
	if id.Phase != other.Phase {
		return id.Phase < other.Phase
	}
	return id.Local < other.Local
}

func (id ID) String() string {
	return id.Packed().String()
}
