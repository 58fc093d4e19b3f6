package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"covermarket/internal/alerting"
	"covermarket/internal/attest"
	"covermarket/internal/currency"
	"covermarket/internal/feemath"
	"covermarket/internal/listing"
	"covermarket/internal/pricefeed"
	"covermarket/internal/roundid"
	"covermarket/internal/storage"
)

const simDecimals = 8

var (
	simHolder    = common.HexToAddress("0x0000000000000000000000000000000000005101")
	simFunder    = common.HexToAddress("0x0000000000000000000000000000000000005201")
	simDevWallet = common.HexToAddress("0x00000000000000000000000000000000000051d1")
	simPool      = common.HexToAddress("0x00000000000000000000000000000000000051a1")

	simRefRound   = roundid.ID{Phase: 1, Local: 1_000}
	simCrashRound = roundid.ID{Phase: 1, Local: 5_000}
)

// SimulateOptions shape one offline claim lifecycle.
type SimulateOptions struct {
	Symbol      string
	InsuredSum  decimal.Decimal
	Devaluation decimal.Decimal
	// FeePrice is the fee token's USD price.
	FeePrice decimal.Decimal
}

// SimulationResult reports how the simulated claim ended.
type SimulationResult struct {
	Request    storage.CoverRequest
	Cover      storage.Cover
	Submitted  storage.Claim
	Final      storage.Claim
	ListingFee *uint256.Int
	Symbol     string
	Decimals   uint8
}

// SimulateClaim 在内存中完整跑一遍索赔流程：挂单、注资、价格脱锚、提交索赔、监控期满后赔付。
// Notifications go to the configured channels, or to the log when alerting is off.
func (a *App) SimulateClaim(ctx context.Context, opts SimulateOptions) (SimulationResult, error) {
	if !opts.InsuredSum.IsPositive() {
		return SimulationResult{}, errors.New("insured sum must be positive")
	}
	if opts.Devaluation.IsNegative() || opts.Devaluation.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return SimulationResult{}, errors.New("devaluation must be within [0,1)")
	}
	if !opts.FeePrice.IsPositive() {
		opts.FeePrice = decimal.RequireFromString("0.05")
	}

	cfg := *a.Config
	if cfg.Fee.DevWallet == (common.Address{}) {
		cfg.Fee.DevWallet = simDevWallet
	}
	if cfg.Fee.Pool == (common.Address{}) {
		cfg.Fee.Pool = simPool
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return SimulationResult{}, err
	}
	cfg.Attestation.Signer = crypto.PubkeyToAddress(key.PublicKey)

	now := time.Now().UTC().Truncate(time.Second)
	clock := func() time.Time { return now }

	notifier := a.newNotifier()
	if notifier == nil {
		notifier = alerting.NewLogNotifier(a.Logger)
	}

	sim := &App{Config: &cfg, Logger: a.Logger, out: a.out}
	store := storage.NewMemoryStore()
	currencies, err := sim.newCurrencies(storage.NewLedger(store))
	if err != nil {
		return SimulationResult{}, err
	}
	token, err := tokenBySymbol(currencies, opts.Symbol)
	if err != nil {
		return SimulationResult{}, err
	}
	feed := pricefeed.NewMemory(simDecimals)
	feeds := pricefeed.NewRegistry()
	feeds.Add(token.FeedCoin(), feed)

	domain := sim.domain()
	m, err := sim.buildMarket(ctx, marketOptions{
		store:    store,
		feeds:    feeds,
		notifier: notifier,
		signer:   attest.NewVerifier(domain, cfg.Attestation.Signer, time.Hour, attest.WithClock(clock)),
		now:      clock,
	})
	if err != nil {
		return SimulationResult{}, err
	}
	defer m.close()

	token, err = m.currencies.Get(token.Currency())
	if err != nil {
		return SimulationResult{}, err
	}
	feeToken, err := m.currencies.Get(currency.ID(cfg.Fee.CurrencyID))
	if err != nil {
		return SimulationResult{}, err
	}

	pegUnits := cfg.Claim.Peg.Shift(simDecimals).IntPart()
	crashUnits := cfg.Claim.Peg.Mul(decimal.NewFromInt(1).Sub(opts.Devaluation)).Shift(simDecimals).IntPart()
	feed.Set(simRefRound, pegUnits, now.Add(-time.Hour))

	sign := func(coinID, symbol string, price decimal.Decimal) (attest.Attestation, error) {
		return attest.Sign(domain, attest.PriceInfo{
			CoinID:        coinID,
			CoinSymbol:    symbol,
			CoinPrice:     price.Shift(6).BigInt(),
			LastUpdatedAt: now.Unix(),
		}, key)
	}

	insured, err := feemath.FromDecimal(opts.InsuredSum, token.Decimals())
	if err != nil {
		return SimulationResult{}, err
	}
	premium := new(uint256.Int).Div(insured, uint256.NewInt(100))
	if err := fund(ctx, m.ledger, token.Currency(), simHolder, premium); err != nil {
		return SimulationResult{}, err
	}
	if err := fund(ctx, m.ledger, token.Currency(), simFunder, insured); err != nil {
		return SimulationResult{}, err
	}

	feePricing, err := sign(cfg.Fee.CoinID, feeToken.Symbol(), opts.FeePrice)
	if err != nil {
		return SimulationResult{}, err
	}
	assetPricing, err := sign(token.FeedCoin(), token.Symbol(), cfg.Claim.Peg)
	if err != nil {
		return SimulationResult{}, err
	}
	fee, err := m.listing.QuoteListingFee(ctx, insured, token.Currency(), feePricing, simRefRound)
	if err != nil {
		return SimulationResult{}, err
	}
	if err := fund(ctx, m.ledger, feeToken.Currency(), simHolder, fee); err != nil {
		return SimulationResult{}, err
	}

	var res SimulationResult
	res.ListingFee, res.Symbol, res.Decimals = fee, token.Symbol(), token.Decimals()

	res.Request, err = m.listing.CreateCoverRequest(ctx, simHolder, listing.CreateRequestInput{
		CoinID:             token.FeedCoin(),
		InsuredSum:         insured,
		InsuredSumTarget:   insured,
		InsuredSumCurrency: token.Currency(),
		PremiumSum:         premium,
		PremiumCurrency:    token.Currency(),
		CoverMonths:        3,
		ExpiredAt:          now.Add(7 * 24 * time.Hour),
		Limit:              storage.CoverLimit{TerritoryIDs: []uint16{0}},
		Rule:               storage.RuleFull,
		FeePricing:         feePricing,
		AssetPricing:       assetPricing,
		RoundID:            simRefRound,
		FeeReceived:        fee,
	})
	if err != nil {
		return SimulationResult{}, fmt.Errorf("simulate request: %w", err)
	}

	provided, err := m.listing.ProvideCover(ctx, simFunder, listing.ProvideCoverInput{
		RequestID:    res.Request.ID,
		FundingSum:   insured,
		AssetPricing: assetPricing,
	})
	if err != nil {
		return SimulationResult{}, fmt.Errorf("simulate funding: %w", err)
	}
	if len(provided.Covers) == 0 {
		return SimulationResult{}, errors.New("simulate funding: cover was not activated")
	}
	res.Cover = provided.Covers[0]

	eventAt := now.Add(10 * 24 * time.Hour)
	before, after := cfg.Claim.RoundsBefore, cfg.Claim.RoundsAfter
	first, ok := simCrashRound.Offset(-int64(before))
	if !ok {
		return SimulationResult{}, fmt.Errorf("claim window of %d rounds does not fit the simulated phase", before)
	}
	feed.Fill(first, before+after+1, crashUnits, eventAt.Add(-time.Duration(before)*time.Minute), time.Minute)

	now = eventAt.Add(time.Hour)
	res.Submitted, err = m.claims.SubmitClaim(ctx, simHolder, res.Cover.ID, simCrashRound)
	if err != nil {
		return SimulationResult{}, fmt.Errorf("simulate claim: %w", err)
	}

	res.Final = res.Submitted
	if res.Submitted.State == storage.ClaimPending {
		now = m.claims.Deadline(res.Submitted)
		res.Final, err = m.claims.CheckPayout(ctx, simHolder, res.Submitted.ID)
		if err != nil {
			return SimulationResult{}, fmt.Errorf("simulate payout: %w", err)
		}
	}

	balance, err := m.ledger.BalanceOf(ctx, token.Currency(), simHolder)
	if err != nil {
		return SimulationResult{}, err
	}
	a.printSimulation(res, balance, feeToken)
	return res, nil
}

func fund(ctx context.Context, ledger *storage.Ledger, id currency.ID, account common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	return ledger.Mint(ctx, id, account, amount)
}

func (a *App) printSimulation(res SimulationResult, holderBalance *uint256.Int, feeToken *currency.Token) {
	payout := new(uint256.Int)
	if res.Final.Payout != nil {
		payout = res.Final.Payout
	}
	price := "-"
	if res.Final.AssetPrice != nil {
		price = decimal.NewFromBigInt(new(big.Int).Set(res.Final.AssetPrice), -int32(res.Final.PriceDecimals)).String()
	}

	w := tabwriter.NewWriter(a.stdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Request\tCover\tListing fee\tClaim\tMedian\tSubmitted\tFinal\tPayout\tHolder balance")
	fmt.Fprintf(w, "%d\t%d\t%s %s\t%d\t%s\t%s\t%s\t%s %s\t%s %s\n",
		res.Request.ID,
		res.Cover.ID,
		feemath.ToDecimal(res.ListingFee, feeToken.Decimals()).String(), feeToken.Symbol(),
		res.Final.ID,
		price,
		res.Submitted.State,
		res.Final.State,
		feemath.ToDecimal(payout, res.Decimals).String(), res.Symbol,
		feemath.ToDecimal(holderBalance, res.Decimals).String(), res.Symbol,
	)
	_ = w.Flush()
}
