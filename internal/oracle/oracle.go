package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"covermarket/internal/logging"
	"covermarket/internal/pricefeed"
	"covermarket/internal/roundid"
)

// ErrEmptyWindow is returned when no usable observation surrounds a round.
var ErrEmptyWindow = errors.New("oracle: no observations in window")

// Config holds the devaluation policy.
type Config struct {
	Peg            decimal.Decimal
	MaxDevaluation decimal.Decimal
	RoundsBefore   int
	RoundsAfter    int
}

// DefaultConfig is the policy the protocol was deployed with.
func DefaultConfig() Config {
	return Config{
		Peg:            decimal.NewFromInt(1),
		MaxDevaluation: decimal.RequireFromString("0.25"),
		RoundsBefore:   100,
		RoundsAfter:    150,
	}
}

// Assessment is the outcome of a devaluation check around one round.
type Assessment struct {
	Round       roundid.ID
	IsDevalued  bool
	AssetPrice  *big.Int
	Decimals    uint8
	Devaluation decimal.Decimal
	EventAt     time.Time
	Samples     int
	// PegUnits is the peg expressed in the feed's precision.
	PegUnits *big.Int
}

// Price renders the median as a decimal.
func (a Assessment) Price() decimal.Decimal {
	if a.AssetPrice == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.AssetPrice, -int32(a.Decimals))
}

// Payout returns insuredSum × (peg − median) / peg, floored; zero when not devalued.
func (a Assessment) Payout(insuredSum *uint256.Int) *uint256.Int {
	if !a.IsDevalued || a.PegUnits == nil || a.PegUnits.Sign() <= 0 || a.AssetPrice.Cmp(a.PegUnits) >= 0 {
		return new(uint256.Int)
	}
	drop := new(big.Int).Sub(a.PegUnits, a.AssetPrice)
	payout := new(big.Int).Mul(insuredSum.ToBig(), drop)
	payout.Quo(payout, a.PegUnits)
	out, overflow := uint256.FromBig(payout)
	if overflow {
		return new(uint256.Int).Set(insuredSum)
	}
	return out
}

// Oracle classifies disputed rounds against a peg.
type Oracle struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates cfg and returns an Oracle.
func New(cfg Config, logger zerolog.Logger) (*Oracle, error) {
	if !cfg.Peg.IsPositive() {
		return nil, fmt.Errorf("oracle: peg must be positive")
	}
	if cfg.MaxDevaluation.IsNegative() || cfg.MaxDevaluation.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("oracle: max devaluation must be within [0,1]")
	}
	if cfg.RoundsBefore < 0 || cfg.RoundsAfter < 0 {
		return nil, fmt.Errorf("oracle: round window cannot be negative")
	}
	return &Oracle{cfg: cfg, logger: logging.Component(logger, "oracle")}, nil
}

// Config returns the active policy.
func (o *Oracle) Config() Config { return o.cfg }

// Median returns the median answer of the window around round.
func (o *Oracle) Median(ctx context.Context, feed pricefeed.Feed, round roundid.ID) (*big.Int, uint8, error) {
	window, err := pricefeed.Window(ctx, feed, round, o.cfg.RoundsBefore, o.cfg.RoundsAfter)
	if err != nil {
		return nil, 0, err
	}
	median, err := medianOf(window)
	if err != nil {
		return nil, 0, err
	}
	return median, window[0].Decimals, nil
}

// CheckClaimForDevaluation compares the window median with the peg.
func (o *Oracle) CheckClaimForDevaluation(ctx context.Context, feed pricefeed.Feed, round roundid.ID) (Assessment, error) {
	window, err := pricefeed.Window(ctx, feed, round, o.cfg.RoundsBefore, o.cfg.RoundsAfter)
	if err != nil {
		return Assessment{}, err
	}
	median, err := medianOf(window)
	if err != nil {
		return Assessment{}, err
	}

	var eventAt time.Time
	for _, obs := range window {
		if obs.Round == round {
			eventAt = obs.UpdatedAt
			break
		}
	}

	decimals := window[0].Decimals
	devalued, devaluation := IsDevalued(median, decimals, o.cfg.Peg, o.cfg.MaxDevaluation)
	assessment := Assessment{
		Round:       round,
		IsDevalued:  devalued,
		AssetPrice:  median,
		Decimals:    decimals,
		Devaluation: devaluation,
		EventAt:     eventAt,
		Samples:     len(window),
		PegUnits:    o.cfg.Peg.Shift(int32(decimals)).BigInt(),
	}

	o.logger.Debug().
		Str("round", round.String()).
		Int("samples", assessment.Samples).
		Str("median", assessment.Price().String()).
		Str("devaluation", devaluation.StringFixed(4)).
		Bool("devalued", devalued).
		Msg("devaluation assessed")
	return assessment, nil
}

// IsDevalued reports whether (peg − price) / peg ≥ threshold, and the fraction itself.
func IsDevalued(price *big.Int, decimals uint8, peg, threshold decimal.Decimal) (bool, decimal.Decimal) {
	value := decimal.NewFromBigInt(price, -int32(decimals))
	fraction := peg.Sub(value).DivRound(peg, 18)
	return fraction.GreaterThanOrEqual(threshold), fraction
}

// Median returns the middle value, or the floored mean of the two middle values for even counts.
func Median(values []*big.Int) (*big.Int, error) {
	if len(values) == 0 {
		return nil, ErrEmptyWindow
	}
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid]), nil
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Div(sum, big.NewInt(2)), nil
}

func medianOf(window []pricefeed.Observation) (*big.Int, error) {
	values := make([]*big.Int, 0, len(window))
	for _, obs := range window {
		values = append(values, obs.Answer)
	}
	return Median(values)
}
