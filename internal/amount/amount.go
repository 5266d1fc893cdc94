// Package amount provides checked unsigned arithmetic and display formatting
// for engine amounts.
//
// Amounts are uint64 base units (1 unit = 1,000,000 base units). Every
// intermediate product is computed in 256 bits and must fit back into 64
// bits, so results never depend on evaluation order or silent wraparound.
package amount

import (
	"errors"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits used for display.
const Decimals = 6

var (
	ErrOverflow      = errors.New("amount: arithmetic overflow")
	ErrUnderflow     = errors.New("amount: arithmetic underflow")
	ErrDivideByZero  = errors.New("amount: division by zero")
	ErrInvalidFormat = errors.New("amount: invalid decimal format")
)

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	z, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !z.IsUint64() {
		return 0, ErrOverflow
	}
	return z.Uint64(), nil
}

// Sub returns a-b or ErrUnderflow when b > a.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b uint64) (uint64, error) {
	return Product(a, b)
}

// Product multiplies the factors left to right, checking after every step
// that the running product still fits in 64 bits.
func Product(factors ...uint64) (uint64, error) {
	acc := uint256.NewInt(1)
	for _, f := range factors {
		next, overflow := new(uint256.Int).MulOverflow(acc, uint256.NewInt(f))
		if overflow || !next.IsUint64() {
			return 0, ErrOverflow
		}
		acc = next
	}
	return acc.Uint64(), nil
}

// MulDiv computes (f1*f2*...*fn) / divisor with truncation. Each
// multiplication is checked before the final division.
func MulDiv(divisor uint64, factors ...uint64) (uint64, error) {
	if divisor == 0 {
		return 0, ErrDivideByZero
	}
	p, err := Product(factors...)
	if err != nil {
		return 0, err
	}
	return p / divisor, nil
}

// Parse converts a decimal string (e.g. "1.50") to base units (1500000).
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, ErrInvalidFormat
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 || parts[0] == "" {
		return 0, ErrInvalidFormat
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidFormat
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	v, err := uint256.FromDecimal(whole + frac)
	if err != nil {
		return 0, ErrInvalidFormat
	}
	if !v.IsUint64() {
		return 0, ErrOverflow
	}
	return v.Uint64(), nil
}

// Format renders base units with exactly six decimal places ("1.500000").
func Format(v uint64) string {
	s := uint256.NewInt(v).Dec()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	return s[:point] + "." + s[point:]
}
