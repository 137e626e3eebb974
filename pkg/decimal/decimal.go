// Package decimal provides the fixed-point representation for bill totals.
//
// Totals carry at most 10 integer digits and exactly 2 fractional digits and
// are stored as minor units (hundredths) in an int64. Parse is strict and
// rejects excess precision; ParseRounded applies banker's rounding and exists
// for OCR-extracted amounts, which arrive with arbitrary precision.
package decimal

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// Scale is the number of fractional digits carried by every value.
const Scale = 2

// MaxIntegerDigits bounds the integer part of a value.
const MaxIntegerDigits = 10

// maxMinorUnits is 9,999,999,999.99 expressed in hundredths.
const maxMinorUnits = int64(999_999_999_999)

// decimalPattern matches decimal strings: ^[+-]?[0-9]+(\.[0-9]+)?$
var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

// Decimal is a fixed-point amount in minor units (hundredths).
// The zero value is 0.00.
type Decimal struct {
	minor int64
}

// FromMinorUnits builds a Decimal from hundredths.
func FromMinorUnits(n int64) Decimal {
	return Decimal{minor: n}
}

// MinorUnits returns the amount in hundredths.
func (d Decimal) MinorUnits() int64 { return d.minor }

// Parse parses a decimal string with at most MaxIntegerDigits integer digits
// and at most Scale fractional digits. No rounding is performed; excess
// precision is an error.
func Parse(s string) (Decimal, error) {
	if !decimalPattern.MatchString(s) {
		return Decimal{}, fmt.Errorf("decimal: invalid format %q", s)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if len(fracPart) > Scale {
		return Decimal{}, fmt.Errorf("decimal: %q has more than %d fractional digits", s, Scale)
	}
	if trimmed := strings.TrimLeft(intPart, "0"); len(trimmed) > MaxIntegerDigits {
		return Decimal{}, fmt.Errorf("decimal: %q exceeds %d integer digits", s, MaxIntegerDigits)
	}

	for len(fracPart) < Scale {
		fracPart += "0"
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Decimal{}, fmt.Errorf("decimal: parse %q: %w", s, err)
	}
	cents, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return Decimal{}, fmt.Errorf("decimal: parse %q: %w", s, err)
	}

	minor := units*100 + cents
	if neg {
		minor = -minor
	}
	return Decimal{minor: minor}, nil
}

// ParseRounded parses a decimal string of arbitrary precision and rounds it
// to Scale fractional digits with banker's rounding (round half to even).
func ParseRounded(s string) (Decimal, error) {
	if !decimalPattern.MatchString(s) {
		return Decimal{}, fmt.Errorf("decimal: invalid format %q", s)
	}

	rat := new(big.Rat)
	if _, ok := rat.SetString(s); !ok {
		return Decimal{}, fmt.Errorf("decimal: could not parse %q as rational", s)
	}

	// Scale to hundredths; Div/Mod are Euclidean, so the remainder is
	// non-negative and half-to-even works for negative values too.
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt64(100))
	intPart := new(big.Int).Div(scaled.Num(), scaled.Denom())
	remainder := new(big.Int).Mod(scaled.Num(), scaled.Denom())

	if remainder.Sign() != 0 {
		// Compare 2*remainder against the denominator; equality is the
		// exact-half case and rounds to even.
		twice := new(big.Int).Lsh(remainder, 1)
		cmp := twice.Cmp(scaled.Denom())
		odd := new(big.Int).And(intPart, big.NewInt(1)).Sign() != 0
		if cmp > 0 || (cmp == 0 && odd) {
			intPart.Add(intPart, big.NewInt(1))
		}
	}

	if !intPart.IsInt64() {
		return Decimal{}, fmt.Errorf("decimal: %q out of range", s)
	}
	minor := intPart.Int64()
	if minor > maxMinorUnits || minor < -maxMinorUnits {
		return Decimal{}, fmt.Errorf("decimal: %q exceeds %d integer digits", s, MaxIntegerDigits)
	}
	return Decimal{minor: minor}, nil
}

// String renders the amount with exactly two fractional digits.
func (d Decimal) String() string {
	sign := ""
	minor := d.minor
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// Cmp compares d to other: -1 if d < other, 0 if equal, +1 if d > other.
func (d Decimal) Cmp(other Decimal) int {
	switch {
	case d.minor < other.minor:
		return -1
	case d.minor > other.minor:
		return 1
	default:
		return 0
	}
}

// IsNegative reports whether the amount is below zero.
func (d Decimal) IsNegative() bool { return d.minor < 0 }

// IsZero reports whether the amount is exactly zero.
func (d Decimal) IsZero() bool { return d.minor == 0 }

// MarshalJSON encodes the amount as a JSON string, e.g. "150.00".
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts both string and bare-number forms.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) > 0 && s[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
