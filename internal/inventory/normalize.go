// Package inventory keeps product stock in its canonical (cases, bottles) form.
package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuantity is returned when a mutation would leave negative stock.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrInvalidPackingFactor is returned for products without a positive bottles-per-case.
	ErrInvalidPackingFactor = errors.New("invalid packing factor")
	// ErrEmptyMutation is returned for a mutation that changes nothing.
	ErrEmptyMutation = errors.New("empty mutation")
	// ErrInvalidPrice is returned for a negative unit price.
	ErrInvalidPrice = errors.New("invalid unit price")
)

// Canonical is a stock level with 0 <= Bottles < bottlesPerCase.
type Canonical struct {
	Cases   int
	Bottles int
	Total   int
}

// Normalize re-expresses cases and loose bottles so that the loose bottles
// never fill a case. It never clamps: a negative total is an error.
func Normalize(cases, bottles, bottlesPerCase int) (Canonical, error) {
	if bottlesPerCase <= 0 {
		return Canonical{}, fmt.Errorf("%w: %d bottles per case", ErrInvalidPackingFactor, bottlesPerCase)
	}

	total := cases*bottlesPerCase + bottles
	if total < 0 {
		return Canonical{}, fmt.Errorf("%w: total of %d bottles", ErrInvalidQuantity, total)
	}

	return Canonical{
		Cases:   total / bottlesPerCase,
		Bottles: total % bottlesPerCase,
		Total:   total,
	}, nil
}
