package store

import (
	"fmt"
)

// offsetDigits is the fixed width of an encoded offset. Positions below 10^13
// render at exactly this width; a larger position renders with more digits
// and no longer sorts lexicographically against the padded ones.
const offsetDigits = 13

// Offset is a single monotonic position counter within a stream. For
// raw/byte-oriented streams it counts content bytes; for JSON streams it
// counts flattened messages. The engine never interprets the number itself,
// only the store's offset generator does — everywhere else an Offset is
// opaque and compared lexicographically via its String form.
type Offset uint64

// ZeroOffset is the starting offset for a new, empty stream.
const ZeroOffset Offset = 0

// String renders the offset as a fixed-width, zero-padded decimal string,
// which is lexicographically sortable by construction.
func (o Offset) String() string {
	return fmt.Sprintf("%0*d", offsetDigits, uint64(o))
}

// IsZero returns true if this is the starting offset.
func (o Offset) IsZero() bool {
	return o == ZeroOffset
}

// Add returns a new offset advanced by the given number of units (bytes or
// messages, depending on the stream's codec).
func (o Offset) Add(units uint64) Offset {
	return o + Offset(units)
}

// ParseOffset parses an offset string. The sentinel "-1" (and the empty
// string, used internally to mean "unspecified") both resolve to the
// beginning of the stream. Any other value must consist solely of decimal
// digits (at most 256 of them) and fit in a uint64, otherwise the caller
// should treat it as a BadRequest.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return ZeroOffset, nil
	}

	if len(s) > 256 {
		return Offset(0), fmt.Errorf("invalid offset: too long")
	}

	if !isValidOffsetFormat(s) {
		return Offset(0), fmt.Errorf("invalid offset format: must be decimal digits only")
	}

	var v uint64
	for i := 0; i < len(s); i++ {
		d := uint64(s[i] - '0')
		// Overflow check: guard against pathological huge inputs.
		if v > (1<<64-1-d)/10 {
			return Offset(0), fmt.Errorf("invalid offset: out of range")
		}
		v = v*10 + d
	}

	return Offset(v), nil
}

// isValidOffsetFormat rejects anything outside the digit alphabet, including
// the reserved separators ',', '&', '=', '?' and any whitespace/control
// characters.
func isValidOffsetFormat(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Compare compares two offsets. Returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Offset) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// LessThan returns true if o < other.
func (o Offset) LessThan(other Offset) bool {
	return o < other
}

// LessThanOrEqual returns true if o <= other.
func (o Offset) LessThanOrEqual(other Offset) bool {
	return o <= other
}

// Equal returns true if o == other.
func (o Offset) Equal(other Offset) bool {
	return o == other
}
