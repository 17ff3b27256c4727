package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Magnitude limits of a stored number. They follow the DynamoDB number
// type: at most 38 significant digits, between 1E-130 and 1E+125.
const (
	MaxNumberDigits    = 38
	MinNumberMagnitude = -130
	MaxNumberMagnitude = 125
)

// ErrNumberRange reports a number outside the storable range.
var ErrNumberRange = errors.New("number out of range")

// CheckNumberRange rejects decimals whose exponent would make formatting
// or rounding them expand to an arbitrary number of digits.
func CheckNumberRange(d decimal.Decimal) error {
	exp := int64(d.Exponent())
	if exp < MinNumberMagnitude-MaxNumberDigits || exp > MaxNumberMagnitude {
		return fmt.Errorf("%w: exponent %d", ErrNumberRange, exp)
	}
	if d.IsZero() {
		return nil
	}
	magnitude := exp + int64(d.NumDigits()) - 1
	if magnitude < MinNumberMagnitude || magnitude > MaxNumberMagnitude {
		return fmt.Errorf("%w: magnitude 1E%d", ErrNumberRange, magnitude)
	}
	return nil
}
