package amount

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrBrandMismatch is returned when two amounts of different brands
	// are combined or compared.
	ErrBrandMismatch = errors.New("brand mismatch")

	// ErrUnderflow is returned when a subtraction would result in a
	// negative amount.
	ErrUnderflow = errors.New("amount underflow")

	// ErrOverflow is returned when a result does not fit into the 64 bit
	// value of an amount.
	ErrOverflow = errors.New("amount overflow")
)

// Brand is the opaque identity of an asset type. Amounts of different brands
// can never be combined.
type Brand string

// Amount is a nonnegative quantity of a single brand.
type Amount struct {
	// Brand is the asset type this amount is denominated in.
	Brand Brand

	// Value is the number of base units.
	Value uint64
}

// New creates a new amount of the given brand.
func New(brand Brand, value uint64) Amount {
	return Amount{Brand: brand, Value: value}
}

// Empty returns the zero amount of the given brand.
func Empty(brand Brand) Amount {
	return Amount{Brand: brand}
}

// String returns a human readable representation of the amount.
func (a Amount) String() string {
	return fmt.Sprintf("%d %s", a.Value, a.Brand)
}

// IsEmpty returns true if the amount is zero.
func (a Amount) IsEmpty() bool {
	return a.Value == 0
}

func (a Amount) checkBrand(b Amount) error {
	if a.Brand != b.Brand {
		return fmt.Errorf("%w: %v vs %v", ErrBrandMismatch, a.Brand,
			b.Brand)
	}
	return nil
}

// Add returns the sum of both amounts.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.checkBrand(b); err != nil {
		return Amount{}, err
	}
	if a.Value > math.MaxUint64-b.Value {
		return Amount{}, ErrOverflow
	}

	return New(a.Brand, a.Value+b.Value), nil
}

// Subtract returns a minus b. ErrUnderflow is returned if b is larger than a.
func (a Amount) Subtract(b Amount) (Amount, error) {
	if err := a.checkBrand(b); err != nil {
		return Amount{}, err
	}
	if b.Value > a.Value {
		return Amount{}, fmt.Errorf("%w: %v - %v", ErrUnderflow, a, b)
	}

	return New(a.Brand, a.Value-b.Value), nil
}

// IsGTE returns true if a is greater than or equal to b.
func (a Amount) IsGTE(b Amount) (bool, error) {
	if err := a.checkBrand(b); err != nil {
		return false, err
	}
	return a.Value >= b.Value, nil
}

// Equal returns true if both amounts have the same brand and value.
func (a Amount) Equal(b Amount) bool {
	return a.Brand == b.Brand && a.Value == b.Value
}

// Min returns the smaller of the two amounts.
func Min(a, b Amount) (Amount, error) {
	if err := a.checkBrand(b); err != nil {
		return Amount{}, err
	}
	if a.Value <= b.Value {
		return a, nil
	}
	return b, nil
}
