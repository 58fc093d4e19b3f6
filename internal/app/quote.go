package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"covermarket/internal/currency"
	"covermarket/internal/feemath"
	"covermarket/internal/roundid"
)

// QuoteOptions parameterise a listing-fee quote.
type QuoteOptions struct {
	InsuredSum decimal.Decimal
	Symbol     string
	// FeePrice is the fee token's USD price, rounded to 6dp.
	FeePrice decimal.Decimal
	Round    roundid.ID
}

// AssessOptions select the round to assess and an optional sum to price a payout for.
type AssessOptions struct {
	Coin       string
	Round      roundid.ID
	InsuredSum decimal.Decimal
	Symbol     string
}

func tokenBySymbol(reg *currency.Registry, symbol string) (*currency.Token, error) {
	for _, id := range reg.IDs() {
		token, err := reg.Get(id)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(token.Symbol(), symbol) {
			return token, nil
		}
	}
	return nil, fmt.Errorf("unknown currency %q", symbol)
}

// QuoteFee prints the fee-token amount a listing of opts.InsuredSum must pay.
func (a *App) QuoteFee(ctx context.Context, opts QuoteOptions) error {
	if !opts.InsuredSum.IsPositive() {
		return errors.New("insured sum must be positive")
	}
	m, err := a.buildMarket(ctx, marketOptions{})
	if err != nil {
		return err
	}
	defer m.close()

	token, err := tokenBySymbol(m.currencies, opts.Symbol)
	if err != nil {
		return err
	}
	insured, err := feemath.FromDecimal(opts.InsuredSum, token.Decimals())
	if err != nil {
		return err
	}
	feePrice, err := feemath.FromDecimal(opts.FeePrice, 6)
	if err != nil {
		return err
	}
	fee, err := m.listing.FeeAtPrice(ctx, insured, token.Currency(), feePrice, opts.Round)
	if err != nil {
		return err
	}

	feeToken, err := m.currencies.Get(currency.ID(a.Config.Fee.CurrencyID))
	if err != nil {
		return err
	}
	round := "latest"
	if !opts.Round.IsZero() {
		round = opts.Round.String()
	}

	w := tabwriter.NewWriter(a.stdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Insured\tReference round\tFee price (USD)\tListing fee")
	fmt.Fprintf(w, "%s %s\t%s\t%s\t%s %s\n",
		opts.InsuredSum.String(), token.Symbol(),
		round,
		opts.FeePrice.StringFixed(6),
		feemath.ToDecimal(fee, feeToken.Decimals()).String(), feeToken.Symbol(),
	)
	return w.Flush()
}

// Assess runs the devaluation check for one round of a coin's feed.
func (a *App) Assess(ctx context.Context, opts AssessOptions) error {
	if opts.Round.IsZero() {
		return errors.New("round is required")
	}
	m, err := a.buildMarket(ctx, marketOptions{})
	if err != nil {
		return err
	}
	defer m.close()

	feed, err := m.feeds.Lookup(opts.Coin)
	if err != nil {
		return err
	}
	assessment, err := m.oracle.CheckClaimForDevaluation(ctx, feed, opts.Round)
	if err != nil {
		return err
	}

	payout := "-"
	if opts.InsuredSum.IsPositive() {
		token, err := tokenBySymbol(m.currencies, opts.Symbol)
		if err != nil {
			return err
		}
		insured, err := feemath.FromDecimal(opts.InsuredSum, token.Decimals())
		if err != nil {
			return err
		}
		payout = feemath.ToDecimal(assessment.Payout(insured), token.Decimals()).String() + " " + token.Symbol()
	}

	w := tabwriter.NewWriter(a.stdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Round\tPhase\tLocal\tEvent (UTC)\tSamples\tMedian\tDevaluation\tDevalued\tPayout")
	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%s\t%s\t%t\t%s\n",
		assessment.Round.String(),
		assessment.Round.Phase,
		assessment.Round.Local,
		formatTime(assessment.EventAt),
		assessment.Samples,
		assessment.Price().String(),
		formatDecimal(assessment.Devaluation.Mul(decimal.NewFromInt(100)), 2)+"%",
		assessment.IsDevalued,
		payout,
	)
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
