package distributor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidAmount   = errors.New("amount must be a non-negative decimal number")
	ErrZeroAmount      = errors.New("amount must be greater than zero")
	ErrAmountPrecision = errors.New("amount has more fractional digits than the asset supports")
	ErrAmountOverflow  = errors.New("amount does not fit in 64 bits of base units")
)

// ParseAmount converts a human-readable quantity such as "10" or "0.25" to
// base units: ui × 10^decimals.
func ParseAmount(ui string, decimals uint8) (uint64, error) {
	ui = strings.TrimSpace(ui)
	whole, frac, _ := strings.Cut(ui, ".")
	if (whole == "" && frac == "") || !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("%q: %w", ui, ErrInvalidAmount)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("%q with %d decimals: %w", ui, decimals, ErrAmountPrecision)
	}

	// whole and frac concatenated, padded to decimals digits, is the
	// base-unit count.
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return 0, fmt.Errorf("%q: %w", ui, ErrZeroAmount)
	}

	total := new(uint256.Int)
	ten := uint256.NewInt(10)
	for _, c := range digits {
		var overflow bool
		if _, overflow = total.MulOverflow(total, ten); overflow {
			return 0, fmt.Errorf("%q: %w", ui, ErrAmountOverflow)
		}
		if _, overflow = total.AddOverflow(total, uint256.NewInt(uint64(c-'0'))); overflow {
			return 0, fmt.Errorf("%q: %w", ui, ErrAmountOverflow)
		}
		if !total.IsUint64() {
			return 0, fmt.Errorf("%q: %w", ui, ErrAmountOverflow)
		}
	}
	return total.Uint64(), nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// TotalAmount returns amount × n, or ErrAmountOverflow.
func TotalAmount(amount uint64, n int) (uint64, error) {
	total, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), uint256.NewInt(uint64(n)))
	if overflow || !total.IsUint64() {
		return 0, ErrAmountOverflow
	}
	return total.Uint64(), nil
}
