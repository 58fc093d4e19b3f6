package feemath

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// FeeTokenDecimals is the decimal base of the utility token listing fees are paid in.
	FeeTokenDecimals = 18
	// PriceDecimals is the fixed-point base of attested USD prices.
	PriceDecimals = 6
	// CoverQtyDecimals is the fixed-point base of cover quantities.
	CoverQtyDecimals = 18
	// ListingFeeDivisor turns a USD-converted amount into the 1% listing fee.
	ListingFeeDivisor = 100
	// BpsDenominator is the basis-point scale used by share splits.
	BpsDenominator = 10_000
)

var (
	// ErrOverflow is returned when an intermediate product does not fit in 256 bits.
	ErrOverflow = errors.New("feemath: arithmetic overflow")
	// ErrDivisionByZero is returned when a price or divisor is zero.
	ErrDivisionByZero = errors.New("feemath: division by zero")
	// ErrCoverQtyMismatch is returned when a cover quantity does not reconstruct its insured sum.
	ErrCoverQtyMismatch = errors.New("feemath: cover quantity does not reconstruct insured sum")
	// ErrFractionalAmount is returned when a display amount has more precision than its currency.
	ErrFractionalAmount = errors.New("feemath: amount exceeds currency precision")
)

// Pow10 returns 10^n as a fresh value.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

func product(factors ...*uint256.Int) (*uint256.Int, error) {
	out := uint256.NewInt(1)
	for _, f := range factors {
		if _, overflow := out.MulOverflow(out, f); overflow {
			return nil, ErrOverflow
		}
	}
	return out, nil
}

// mulDiv multiplies every numerator factor before dividing once by the product of the denominators.
func mulDiv(num []*uint256.Int, den []*uint256.Int) (*uint256.Int, error) {
	n, err := product(num...)
	if err != nil {
		return nil, err
	}
	d, err := product(den...)
	if err != nil {
		return nil, err
	}
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	return n.Div(n, d), nil
}

// ListingFee converts insuredSum to USD with the reference price, then to fee tokens with the fee
// token's 6dp USD price, and takes 1%. The result is in 18dp fee-token units.
func ListingFee(insuredSum *uint256.Int, insuredDecimals uint8, feePrice *uint256.Int, refDecimals uint8, refPrice *uint256.Int) (*uint256.Int, error) {
	fee, err := mulDiv(
		[]*uint256.Int{insuredSum, refPrice, Pow10(PriceDecimals), Pow10(FeeTokenDecimals)},
		[]*uint256.Int{feePrice, uint256.NewInt(ListingFeeDivisor), Pow10(refDecimals), Pow10(insuredDecimals)},
	)
	if err != nil {
		return nil, fmt.Errorf("listing fee: %w", err)
	}
	return fee, nil
}

// Premium returns coverQty × costPerMonth × months / 10^18, truncated.
func Premium(coverQty, costPerMonth *uint256.Int, months uint8) (*uint256.Int, error) {
	premium, err := mulDiv(
		[]*uint256.Int{coverQty, costPerMonth, uint256.NewInt(uint64(months))},
		[]*uint256.Int{Pow10(CoverQtyDecimals)},
	)
	if err != nil {
		return nil, fmt.Errorf("premium: %w", err)
	}
	return premium, nil
}

// SplitHalf splits amount 50/50; the odd unit goes to dev.
func SplitHalf(amount *uint256.Int) (user, dev *uint256.Int) {
	user = new(uint256.Int).Rsh(amount, 1)
	dev = new(uint256.Int).Sub(amount, user)
	return user, dev
}

// SplitShare gives the user floor(amount × userBps / 10000) and dev the remainder.
func SplitShare(amount *uint256.Int, userBps uint64) (user, dev *uint256.Int, err error) {
	if userBps > BpsDenominator {
		return nil, nil, fmt.Errorf("split share: %d bps exceeds %d", userBps, BpsDenominator)
	}
	user, err = mulDiv([]*uint256.Int{amount, uint256.NewInt(userBps)}, []*uint256.Int{uint256.NewInt(BpsDenominator)})
	if err != nil {
		return nil, nil, fmt.Errorf("split share: %w", err)
	}
	dev = new(uint256.Int).Sub(amount, user)
	return user, dev, nil
}

// BpsOf returns floor(amount × bps / 10000).
func BpsOf(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	return mulDiv([]*uint256.Int{amount, uint256.NewInt(bps)}, []*uint256.Int{uint256.NewInt(BpsDenominator)})
}

// ProRata returns floor(total × part / whole).
func ProRata(total, part, whole *uint256.Int) (*uint256.Int, error) {
	out, err := mulDiv([]*uint256.Int{total, part}, []*uint256.Int{whole})
	if err != nil {
		return nil, fmt.Errorf("pro rata: %w", err)
	}
	return out, nil
}

// CoverQty normalises a funding sum to 18dp cover units using the asset's 6dp USD price.
func CoverQty(fundingSum *uint256.Int, currencyDecimals uint8, assetPrice *uint256.Int) (*uint256.Int, error) {
	qty, err := mulDiv(
		[]*uint256.Int{fundingSum, Pow10(CoverQtyDecimals), Pow10(PriceDecimals)},
		[]*uint256.Int{assetPrice, Pow10(currencyDecimals)},
	)
	if err != nil {
		return nil, fmt.Errorf("cover qty: %w", err)
	}
	return qty, nil
}

// InsuredSumFromQty is the inverse of CoverQty, truncated to the currency's precision.
func InsuredSumFromQty(coverQty *uint256.Int, currencyDecimals uint8, assetPrice *uint256.Int) (*uint256.Int, error) {
	sum, err := mulDiv(
		[]*uint256.Int{coverQty, assetPrice, Pow10(currencyDecimals)},
		[]*uint256.Int{Pow10(CoverQtyDecimals), Pow10(PriceDecimals)},
	)
	if err != nil {
		return nil, fmt.Errorf("insured sum from qty: %w", err)
	}
	return sum, nil
}

// CheckCoverQty verifies coverQty reconstructs insuredSum exactly at the currency's precision.
func CheckCoverQty(insuredSum, coverQty *uint256.Int, currencyDecimals uint8, assetPrice *uint256.Int) error {
	sum, err := InsuredSumFromQty(coverQty, currencyDecimals, assetPrice)
	if err != nil {
		return err
	}
	if !sum.Eq(insuredSum) {
		return fmt.Errorf("%w: qty %s gives %s, want %s", ErrCoverQtyMismatch, coverQty.Dec(), sum.Dec(), insuredSum.Dec())
	}
	return nil
}

// Sum adds amounts, failing on overflow.
func Sum(amounts ...*uint256.Int) (*uint256.Int, error) {
	out := new(uint256.Int)
	for _, a := range amounts {
		if _, overflow := out.AddOverflow(out, a); overflow {
			return nil, ErrOverflow
		}
	}
	return out, nil
}

// ToDecimal renders a fixed-point amount for humans.
func ToDecimal(amount *uint256.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals))
}

// FromDecimal converts a human amount into fixed-point units.
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("feemath: negative amount %s", d)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrFractionalAmount, d, decimals)
	}
	out, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}
