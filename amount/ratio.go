package amount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrZeroDenominator is returned when a ratio with a zero denominator
	// would be created.
	ErrZeroDenominator = errors.New("ratio denominator must be non-zero")

	// ErrNoCancellingBrand is returned when two ratios are multiplied that
	// don't share any brand that could cancel out.
	ErrNoCancellingBrand = errors.New("at least one brand must cancel out")

	// ErrNegativeRatio is returned when a negative decimal is converted
	// into a ratio.
	ErrNegativeRatio = errors.New("ratio must not be negative")
)

// Ratio is an exact nonnegative rational number where both numerator and
// denominator carry a brand. A price of collateral in currency is expressed as
// Currency/Collateral. A ratio with equal brands is dimensionless.
type Ratio struct {
	Numerator   Amount
	Denominator Amount
}

// MakeRatio creates a new ratio from raw values.
func MakeRatio(num uint64, numBrand Brand, den uint64,
	denBrand Brand) (Ratio, error) {

	return MakeRatioFromAmounts(New(numBrand, num), New(denBrand, den))
}

// MakeRatioFromAmounts creates a new ratio from two amounts.
func MakeRatioFromAmounts(num, den Amount) (Ratio, error) {
	if den.IsEmpty() {
		return Ratio{}, ErrZeroDenominator
	}

	return Ratio{Numerator: num, Denominator: den}, nil
}

// String returns the ratio in the form "num brand/den brand".
func (r Ratio) String() string {
	return fmt.Sprintf("%v/%v", r.Numerator, r.Denominator)
}

// IsZero returns true if the ratio's numerator is zero.
func (r Ratio) IsZero() bool {
	return r.Numerator.IsEmpty()
}

// sameBrands returns an error unless both ratios are expressed in the same
// numerator and denominator brands.
func sameBrands(a, b Ratio) error {
	if err := a.Numerator.checkBrand(b.Numerator); err != nil {
		return err
	}
	return a.Denominator.checkBrand(b.Denominator)
}

// MultiplyRatios multiplies two ratios. At least one brand of one operand must
// cancel out against the other, results prefer the brands of the left
// operand.
func MultiplyRatios(left, right Ratio) (Ratio, error) {
	var numBrand, denBrand Brand
	switch {
	case right.Numerator.Brand == right.Denominator.Brand:
		numBrand = left.Numerator.Brand
		denBrand = left.Denominator.Brand

	case right.Numerator.Brand == left.Denominator.Brand:
		numBrand = left.Numerator.Brand
		denBrand = right.Denominator.Brand

	case left.Numerator.Brand == right.Denominator.Brand:
		numBrand = right.Numerator.Brand
		denBrand = left.Denominator.Brand

	case left.Numerator.Brand == left.Denominator.Brand:
		numBrand = right.Numerator.Brand
		denBrand = right.Denominator.Brand

	default:
		return Ratio{}, fmt.Errorf("%w: %v * %v", ErrNoCancellingBrand,
			left, right)
	}

	num := mul(left.Numerator.Value, right.Numerator.Value)
	den := mul(left.Denominator.Value, right.Denominator.Value)
	num, den = reduce(num, den)

	if !num.IsUint64() || !den.IsUint64() {
		return Ratio{}, fmt.Errorf("%w: %v * %v", ErrOverflow, left,
			right)
	}

	return MakeRatio(num.Uint64(), numBrand, den.Uint64(), denBrand)
}

// CeilMultiplyBy multiplies the amount by the ratio, rounding up. The amount
// must be of the ratio's denominator brand and the result is of the
// numerator brand.
func CeilMultiplyBy(a Amount, r Ratio) (Amount, error) {
	if err := a.checkBrand(r.Denominator); err != nil {
		return Amount{}, err
	}

	product := mul(a.Value, r.Numerator.Value)
	den := new(big.Int).SetUint64(r.Denominator.Value)
	q, m := new(big.Int).QuoRem(product, den, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}

	return toAmount(r.Numerator.Brand, q)
}

// FloorMultiplyBy multiplies the amount by the ratio, rounding down. The
// amount must be of the ratio's denominator brand and the result is of the
// numerator brand.
func FloorMultiplyBy(a Amount, r Ratio) (Amount, error) {
	if err := a.checkBrand(r.Denominator); err != nil {
		return Amount{}, err
	}

	product := mul(a.Value, r.Numerator.Value)
	q := product.Quo(product, new(big.Int).SetUint64(r.Denominator.Value))

	return toAmount(r.Numerator.Brand, q)
}

// FloorDivideBy divides the amount by the ratio, rounding down. The amount
// must be of the ratio's numerator brand and the result is of the
// denominator brand.
func FloorDivideBy(a Amount, r Ratio) (Amount, error) {
	if err := a.checkBrand(r.Numerator); err != nil {
		return Amount{}, err
	}
	if r.Numerator.IsEmpty() {
		return Amount{}, ErrZeroDenominator
	}

	product := mul(a.Value, r.Denominator.Value)
	q := product.Quo(product, new(big.Int).SetUint64(r.Numerator.Value))

	return toAmount(r.Denominator.Brand, q)
}

// RatioGTE returns true if a is greater than or equal to b. Both ratios must
// be expressed in the same brands.
func RatioGTE(a, b Ratio) (bool, error) {
	if err := sameBrands(a, b); err != nil {
		return false, err
	}

	left := mul(a.Numerator.Value, b.Denominator.Value)
	right := mul(b.Numerator.Value, a.Denominator.Value)

	return left.Cmp(right) >= 0, nil
}

// Decimal returns the decimal representation of the ratio. The result is
// rounded to decimal.DivisionPrecision places and meant for display only.
func (r Ratio) Decimal() decimal.Decimal {
	if r.Denominator.IsEmpty() {
		return decimal.Zero
	}

	num := decimal.NewFromBigInt(
		new(big.Int).SetUint64(r.Numerator.Value), 0,
	)
	den := decimal.NewFromBigInt(
		new(big.Int).SetUint64(r.Denominator.Value), 0,
	)

	return num.Div(den)
}

// RatioFromDecimal converts an exact decimal value into a ratio of the given
// brands, e.g. 12.5 becomes 125/10.
func RatioFromDecimal(d decimal.Decimal, numBrand,
	denBrand Brand) (Ratio, error) {

	if d.IsNegative() {
		return Ratio{}, ErrNegativeRatio
	}

	var num, den *big.Int
	exp := d.Exponent()
	if exp >= 0 {
		num = d.Shift(0).BigInt()
		den = big.NewInt(1)
	} else {
		num = d.Shift(-exp).BigInt()
		den = new(big.Int).Exp(
			big.NewInt(10), big.NewInt(int64(-exp)), nil,
		)
	}
	num, den = reduce(num, den)

	if !num.IsUint64() || !den.IsUint64() {
		return Ratio{}, fmt.Errorf("%w: %v", ErrOverflow, d)
	}

	return MakeRatio(num.Uint64(), numBrand, den.Uint64(), denBrand)
}

func mul(a, b uint64) *big.Int {
	return new(big.Int).Mul(
		new(big.Int).SetUint64(a), new(big.Int).SetUint64(b),
	)
}

// reduce divides both values by their greatest common divisor.
func reduce(num, den *big.Int) (*big.Int, *big.Int) {
	if num.Sign() == 0 {
		return num, big.NewInt(1)
	}

	gcd := new(big.Int).GCD(nil, nil, num, den)
	return new(big.Int).Quo(num, gcd), new(big.Int).Quo(den, gcd)
}

func toAmount(brand Brand, v *big.Int) (Amount, error) {
	if !v.IsUint64() {
		return Amount{}, fmt.Errorf("%w: %v %v", ErrOverflow, v, brand)
	}
	return New(brand, v.Uint64()), nil
}
