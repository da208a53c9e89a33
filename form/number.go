package form

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrInvalidNumber    = errors.New("not an integer")
	ErrNegativeNumber   = errors.New("must not be negative")
	ErrNumberOutOfRange = errors.New("integer out of range")
)

// Number is the result of parsing numeric text.
// The zero value is the not-a-number sentinel.
type Number struct {
	Value int64
	Valid bool
}

// NaN is the not-a-number sentinel.
var NaN = Number{}

// MarshalJSON encodes the sentinel as null.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, n.Value, 10), nil
}

func (n Number) String() string {
	if !n.Valid {
		return "NaN"
	}
	return strconv.FormatInt(n.Value, 10)
}

// ParseInt parses text the way a lenient browser integer parse does:
// leading whitespace is skipped, an optional sign is accepted, a "0x"
// prefix switches to base 16 and parsing stops at the first character
// that isn't a digit. Text with no leading digits yields NaN, as does
// a value that overflows int64.
//
// complete reports whether the whole text (ignoring surrounding
// whitespace) was consumed.
func ParseInt(text string) (n Number, complete bool) {
	s := strings.TrimLeftFunc(text, unicode.IsSpace)

	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	base := uint64(10)
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base = 16
		s = s[2:]
	}

	var v uint64
	digits := 0
	for ; digits < len(s); digits++ {
		d, ok := digitValue(s[digits], base)
		if !ok {
			break
		}
		if v > (math.MaxUint64-d)/base {
			return NaN, false
		}
		v = v*base + d
	}
	if digits == 0 {
		return NaN, false
	}

	switch {
	case neg && v > 1<<63, !neg && v > math.MaxInt64:
		return NaN, false
	case neg:
		// Two's complement wrap also covers math.MinInt64.
		n = Number{Value: int64(-v), Valid: true}
	default:
		n = Number{Value: int64(v), Valid: true}
	}
	return n, strings.TrimSpace(s[digits:]) == ""
}

func digitValue(c byte, base uint64) (uint64, bool) {
	var d uint64
	switch {
	case c >= '0' && c <= '9':
		d = uint64(c - '0')
	case c >= 'a' && c <= 'f':
		d = uint64(c-'a') + 10
	case c >= 'A' && c <= 'F':
		d = uint64(c-'A') + 10
	default:
		return 0, false
	}
	return d, d < base
}

// ParseStrict parses text that must be a complete non-negative decimal
// or hexadecimal integer, surrounding whitespace allowed.
func ParseStrict(text string) (Number, error) {
	if strings.TrimSpace(text) == "" {
		return NaN, ErrInvalidNumber
	}
	n, complete := ParseInt(text)
	switch {
	case !n.Valid && looksIntegral(text):
		return NaN, ErrNumberOutOfRange
	case !n.Valid, !complete:
		return NaN, ErrInvalidNumber
	case n.Value < 0:
		return NaN, ErrNegativeNumber
	}
	return n, nil
}

// looksIntegral reports whether text is made of an optional sign
// followed by decimal digits only.
func looksIntegral(text string) bool {
	s := strings.TrimSpace(text)
	s = strings.TrimLeft(s, "+-")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
