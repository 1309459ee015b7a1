package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a fixed-point quantity in micro units. It is used for both USC
// and the virtual dollar balance.
type Amount int64

// AmountScale is the number of micro units in one whole unit.
const AmountScale = 1_000_000

const amountDecimals = 6

// MaxAmount is the largest balance a wallet can hold.
const MaxAmount = Amount(math.MaxInt64)

// maxAmountFloat is MaxAmount rounded up to a float64 (2^63). Any float at
// or above it does not fit in an Amount.
const maxAmountFloat = float64(math.MaxInt64)

// ErrInvalidAmount is returned for malformed or non-positive amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount parses a non-negative decimal string such as "12", "0.5" or
// "3.000001".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasDot && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > amountDecimals {
		return 0, fmt.Errorf("%w: at most %d decimals", ErrInvalidAmount, amountDecimals)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > math.MaxInt64/AmountScale {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidAmount, s)
	}

	var f int64
	if frac != "" {
		frac += strings.Repeat("0", amountDecimals-len(frac))
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	total := w*AmountScale + f
	if total < 0 {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidAmount, s)
	}
	return Amount(total), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// AmountFromFloat converts whole units to an Amount, rounding to the nearest
// micro unit. Values out of range clamp to MaxAmount or its negation.
func AmountFromFloat(f float64) Amount {
	return clampAmount(math.Round(f * AmountScale))
}

// clampAmount converts a float count of micro units without wrapping.
func clampAmount(f float64) Amount {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= maxAmountFloat:
		return MaxAmount
	case f <= -maxAmountFloat:
		return -MaxAmount
	}
	return Amount(f)
}

// addClamped returns a+b, stopping at MaxAmount instead of wrapping.
func addClamped(a, b Amount) Amount {
	if a > 0 && b > MaxAmount-a {
		return MaxAmount
	}
	return a + b
}

// Float returns the amount in whole units.
func (a Amount) Float() float64 {
	return float64(a) / AmountScale
}

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole, frac := v/AmountScale, v%AmountScale
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fs := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fs)
}
