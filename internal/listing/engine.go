package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"covermarket/internal/alerting"
	"covermarket/internal/attest"
	"covermarket/internal/currency"
	"covermarket/internal/feemath"
	"covermarket/internal/logging"
	"covermarket/internal/pricefeed"
	"covermarket/internal/roundid"
	"covermarket/internal/storage"
)

// CoverMonth is the length of one cover month.
const CoverMonth = 30 * 24 * time.Hour

// CoverEnd returns the end of a cover started at start lasting months.
func CoverEnd(start time.Time, months uint8) time.Time {
	return start.Add(time.Duration(months) * CoverMonth)
}

// Config carries the deployment-specific wallets and ratios.
type Config struct {
	DevWallet   common.Address
	BurnAddress common.Address
	// Pool escrows premiums and insured sums.
	Pool        common.Address
	FeeCurrency currency.ID
	FeeCoinID   string
	// PartialMinFirstFundingBps is the share of insuredSum the first funding of a PARTIAL request must exceed.
	PartialMinFirstFundingBps uint64
	FunderPremiumBps          uint64
}

// DefaultConfig returns the launch ratios; wallets must still be set.
func DefaultConfig() Config {
	return Config{
		BurnAddress:               common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		FeeCurrency:               currency.INFI,
		FeeCoinID:                 "insured-finance",
		PartialMinFirstFundingBps: 2500,
		FunderPremiumBps:          8000,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithNotifier publishes listing events.
func WithNotifier(n alerting.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// Engine turns requests and offers into funded covers.
type Engine struct {
	cfg        Config
	store      storage.Store
	currencies *currency.Registry
	feeds      *pricefeed.Registry
	verifier   *attest.Verifier
	notifier   alerting.Notifier
	logger     zerolog.Logger
	now        func() time.Time
}

// New wires the matching engine.
func New(cfg Config, store storage.Store, currencies *currency.Registry, feeds *pricefeed.Registry, verifier *attest.Verifier, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if cfg.DevWallet == (common.Address{}) {
		return nil, fmt.Errorf("listing: dev wallet is required")
	}
	if cfg.Pool == (common.Address{}) {
		return nil, fmt.Errorf("listing: pool address is required")
	}
	if cfg.PartialMinFirstFundingBps > feemath.BpsDenominator || cfg.FunderPremiumBps > feemath.BpsDenominator {
		return nil, fmt.Errorf("listing: basis points cannot exceed %d", feemath.BpsDenominator)
	}
	if store == nil || currencies == nil || feeds == nil || verifier == nil {
		return nil, fmt.Errorf("listing: missing collaborator")
	}
	if _, err := currencies.Get(cfg.FeeCurrency); err != nil {
		return nil, fmt.Errorf("listing: fee currency: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		currencies: currencies,
		feeds:      feeds,
		verifier:   verifier,
		logger:     logging.Component(logger, "listing"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CreateRequestInput is the decoded payload of a cover request.
type CreateRequestInput struct {
	CoinID             string
	InsuredSum         *uint256.Int
	InsuredSumTarget   *uint256.Int
	InsuredSumCurrency currency.ID
	PremiumSum         *uint256.Int
	PremiumCurrency    currency.ID
	CoverMonths        uint8
	ExpiredAt          time.Time
	Limit              storage.CoverLimit
	Rule               storage.InsuredSumRule
	FeePricing         attest.Attestation
	AssetPricing       attest.Attestation
	// RoundID selects the reference price round; zero means latest.
	RoundID     roundid.ID
	FeeReceived *uint256.Int
}

// CreateOfferInput is the decoded payload of a cover offer.
type CreateOfferInput struct {
	CoinID             string
	MinCoverMonths     uint8
	InsuredSum         *uint256.Int
	InsuredSumCurrency currency.ID
	CostPerMonth       *uint256.Int
	PremiumCurrency    currency.ID
	ExpiredAt          time.Time
	Limit              storage.CoverLimit
	Rule               storage.InsuredSumRule
	FeePricing         attest.Attestation
	AssetPricing       attest.Attestation
	RoundID            roundid.ID
	FeeReceived        *uint256.Int
}

func positive(v *uint256.Int) bool { return v != nil && !v.IsZero() }

func (e *Engine) validateRequest(in CreateRequestInput) error {
	if in.CoinID == "" || !positive(in.InsuredSum) || !positive(in.InsuredSumTarget) || in.PremiumSum == nil || in.CoverMonths == 0 {
		return ErrInvalidListing
	}
	if !in.ExpiredAt.After(e.now()) {
		return fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidListing, in.ExpiredAt.UTC().Format(time.RFC3339))
	}
	switch in.Rule {
	case storage.RuleFull:
		if !in.InsuredSumTarget.Eq(in.InsuredSum) {
			return ErrInvalidTargetSum
		}
	case storage.RulePartial:
		if in.InsuredSumTarget.Gt(in.InsuredSum) {
			return ErrInvalidTargetSum
		}
	default:
		return fmt.Errorf("%w: unknown insured sum rule %d", ErrInvalidListing, in.Rule)
	}
	if _, err := e.currencies.Get(in.PremiumCurrency); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}
	return nil
}

func (e *Engine) validateOffer(in CreateOfferInput) error {
	if in.CoinID == "" || !positive(in.InsuredSum) || !positive(in.CostPerMonth) || in.MinCoverMonths == 0 {
		return ErrInvalidListing
	}
	if !in.ExpiredAt.After(e.now()) {
		return fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidListing, in.ExpiredAt.UTC().Format(time.RFC3339))
	}
	if in.Rule != storage.RuleFull && in.Rule != storage.RulePartial {
		return fmt.Errorf("%w: unknown insured sum rule %d", ErrInvalidListing, in.Rule)
	}
	if _, err := e.currencies.Get(in.PremiumCurrency); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}
	return nil
}

func (e *Engine) verifyPrice(att attest.Attestation, coinID string) (*uint256.Int, error) {
	info, err := e.verifier.Verify(att, coinID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAttestation, err)
	}
	price, overflow := uint256.FromBig(info.CoinPrice)
	if overflow {
		return nil, fmt.Errorf("%w: price does not fit 256 bits", ErrInvalidAttestation)
	}
	return price, nil
}

// QuoteListingFee computes the fee-token amount for listing insuredSum, pricing the
// insured currency at roundID of its feed (zero for latest).
func (e *Engine) QuoteListingFee(ctx context.Context, insuredSum *uint256.Int, insuredCurrency currency.ID, feePricing attest.Attestation, roundID roundid.ID) (*uint256.Int, error) {
	token, err := e.currencies.Get(insuredCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}
	feePrice, err := e.verifyPrice(feePricing, e.cfg.FeeCoinID)
	if err != nil {
		return nil, err
	}
	return e.quoteFee(ctx, token, insuredSum, feePrice, roundID)
}

// FeeAtPrice quotes the listing fee against an already trusted 6dp USD fee-token price.
func (e *Engine) FeeAtPrice(ctx context.Context, insuredSum *uint256.Int, insuredCurrency currency.ID, feePrice *uint256.Int, roundID roundid.ID) (*uint256.Int, error) {
	token, err := e.currencies.Get(insuredCurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}
	if !positive(feePrice) {
		return nil, fmt.Errorf("%w: fee token price must be positive", ErrInvalidListing)
	}
	return e.quoteFee(ctx, token, insuredSum, feePrice, roundID)
}

func (e *Engine) quoteFee(ctx context.Context, token *currency.Token, insuredSum, feePrice *uint256.Int, roundID roundid.ID) (*uint256.Int, error) {
	feed, err := e.feeds.Lookup(token.FeedCoin())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferencePrice, err)
	}

	var obs pricefeed.Observation
	if roundID.IsZero() {
		obs, err = feed.LatestRound(ctx)
	} else {
		obs, err = feed.RoundData(ctx, roundID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: round %s: %w", ErrReferencePrice, roundID, err)
	}
	if obs.Answer == nil || obs.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer at round %s", ErrReferencePrice, obs.Round)
	}
	refPrice, overflow := uint256.FromBig(obs.Answer)
	if overflow {
		return nil, fmt.Errorf("%w: answer overflows", ErrReferencePrice)
	}

	fee, err := feemath.ListingFee(insuredSum, token.Decimals(), feePrice, obs.Decimals, refPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}
	return fee, nil
}

// feeTransfers splits the received fee: dev wallet takes the ceil half, the rest is burned.
func (e *Engine) feeTransfers(payer common.Address, received *uint256.Int) []currency.Transfer {
	burn, dev := feemath.SplitHalf(received)
	return []currency.Transfer{
		{Currency: e.cfg.FeeCurrency, From: payer, To: e.cfg.DevWallet, Amount: dev},
		{Currency: e.cfg.FeeCurrency, From: payer, To: e.cfg.BurnAddress, Amount: burn},
	}
}

func (e *Engine) chargeFee(ctx context.Context, insuredSum *uint256.Int, insuredCurrency currency.ID, feePricing attest.Attestation, roundID roundid.ID, received *uint256.Int) error {
	fee, err := e.QuoteListingFee(ctx, insuredSum, insuredCurrency, feePricing, roundID)
	if err != nil {
		return err
	}
	if received == nil || received.Lt(fee) {
		got := "0"
		if received != nil {
			got = received.Dec()
		}
		return fmt.Errorf("%w: received %s, need %s", ErrInsufficientFee, got, fee.Dec())
	}
	return nil
}

// CreateCoverRequest lists a holder's request, collecting the listing fee and escrowing the premium.
func (e *Engine) CreateCoverRequest(ctx context.Context, holder common.Address, in CreateRequestInput) (storage.CoverRequest, error) {
	if err := e.validateRequest(in); err != nil {
		return storage.CoverRequest{}, err
	}
	if _, err := e.verifyPrice(in.AssetPricing, in.CoinID); err != nil {
		return storage.CoverRequest{}, err
	}
	if err := e.chargeFee(ctx, in.InsuredSum, in.InsuredSumCurrency, in.FeePricing, in.RoundID, in.FeeReceived); err != nil {
		return storage.CoverRequest{}, err
	}

	req := storage.CoverRequest{
		Holder:             holder,
		CoinID:             in.CoinID,
		InsuredSum:         in.InsuredSum,
		InsuredSumTarget:   in.InsuredSumTarget,
		InsuredSumCurrency: in.InsuredSumCurrency,
		PremiumSum:         in.PremiumSum,
		PremiumCurrency:    in.PremiumCurrency,
		CoverMonths:        in.CoverMonths,
		ExpiredAt:          in.ExpiredAt.UTC(),
		Limit:              in.Limit,
		Rule:               in.Rule,
		ListingFee:         in.FeeReceived,
		CreatedAt:          e.now().UTC(),
	}
	transfers := append(e.feeTransfers(holder, in.FeeReceived), currency.Transfer{
		Currency: in.PremiumCurrency, From: holder, To: e.cfg.Pool, Amount: in.PremiumSum,
	})

	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertRequest(ctx, &req); err != nil {
			return err
		}
		return currency.Apply(ctx, tx, transfers)
	})
	if err != nil {
		return storage.CoverRequest{}, fmt.Errorf("create cover request: %w", err)
	}

	e.logger.Info().
		Uint64("request_id", req.ID).
		Str("holder", holder.Hex()).
		Str("insured_sum", req.InsuredSum.Dec()).
		Str("target", req.InsuredSumTarget.Dec()).
		Str("rule", req.Rule.String()).
		Msg("cover request created")
	e.notify(ctx, alerting.Notification{
		Kind:        alerting.KindListingCreated,
		At:          req.CreatedAt,
		ListingType: storage.ListingRequest.String(),
		ListingID:   req.ID,
		Account:     holder.Hex(),
		Amount:      e.display(req.InsuredSumCurrency, req.InsuredSum),
		Symbol:      e.symbol(req.InsuredSumCurrency),
	})
	return req, nil
}

// CreateCoverOffer lists a funder's offer, collecting the listing fee and escrowing the insured sum.
func (e *Engine) CreateCoverOffer(ctx context.Context, funder common.Address, in CreateOfferInput) (storage.CoverOffer, error) {
	if err := e.validateOffer(in); err != nil {
		return storage.CoverOffer{}, err
	}
	if _, err := e.verifyPrice(in.AssetPricing, in.CoinID); err != nil {
		return storage.CoverOffer{}, err
	}
	if err := e.chargeFee(ctx, in.InsuredSum, in.InsuredSumCurrency, in.FeePricing, in.RoundID, in.FeeReceived); err != nil {
		return storage.CoverOffer{}, err
	}

	offer := storage.CoverOffer{
		Funder:             funder,
		CoinID:             in.CoinID,
		MinCoverMonths:     in.MinCoverMonths,
		InsuredSum:         in.InsuredSum,
		InsuredSumCurrency: in.InsuredSumCurrency,
		CostPerMonth:       in.CostPerMonth,
		PremiumCurrency:    in.PremiumCurrency,
		ExpiredAt:          in.ExpiredAt.UTC(),
		Limit:              in.Limit,
		Rule:               in.Rule,
		ListingFee:         in.FeeReceived,
		CreatedAt:          e.now().UTC(),
	}
	transfers := append(e.feeTransfers(funder, in.FeeReceived), currency.Transfer{
		Currency: in.InsuredSumCurrency, From: funder, To: e.cfg.Pool, Amount: in.InsuredSum,
	})

	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertOffer(ctx, &offer); err != nil {
			return err
		}
		return currency.Apply(ctx, tx, transfers)
	})
	if err != nil {
		return storage.CoverOffer{}, fmt.Errorf("create cover offer: %w", err)
	}

	e.logger.Info().
		Uint64("offer_id", offer.ID).
		Str("funder", funder.Hex()).
		Str("insured_sum", offer.InsuredSum.Dec()).
		Str("rule", offer.Rule.String()).
		Msg("cover offer created")
	e.notify(ctx, alerting.Notification{
		Kind:        alerting.KindListingCreated,
		At:          offer.CreatedAt,
		ListingType: storage.ListingOffer.String(),
		ListingID:   offer.ID,
		Account:     funder.Hex(),
		Amount:      e.display(offer.InsuredSumCurrency, offer.InsuredSum),
		Symbol:      e.symbol(offer.InsuredSumCurrency),
	})
	return offer, nil
}

// ProvideCoverInput funds part of a request.
type ProvideCoverInput struct {
	RequestID    uint64
	FundingSum   *uint256.Int
	AssetPricing attest.Attestation
}

// ProvideResult is the booking a funding created and the covers it activated.
type ProvideResult struct {
	Booking storage.Booking
	Covers  []storage.Cover
}

// ProvideCover books funding against a request. The funding that first reaches the
// target activates every booking so far; later fundings become covers of their own.
func (e *Engine) ProvideCover(ctx context.Context, provider common.Address, in ProvideCoverInput) (ProvideResult, error) {
	if !positive(in.FundingSum) {
		return ProvideResult{}, fmt.Errorf("%w: funding sum must be positive", ErrInvalidListing)
	}

	var req storage.CoverRequest
	if err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, in.RequestID)
		return err
	}); err != nil {
		return ProvideResult{}, err
	}
	price, err := e.verifyPrice(in.AssetPricing, req.CoinID)
	if err != nil {
		return ProvideResult{}, err
	}
	token, err := e.currencies.Get(req.InsuredSumCurrency)
	if err != nil {
		return ProvideResult{}, err
	}
	qty, err := feemath.CoverQty(in.FundingSum, token.Decimals(), price)
	if err != nil {
		return ProvideResult{}, fmt.Errorf("%w: %w", ErrInvalidCoverQty, err)
	}

	var result ProvideResult
	err = e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		req, err := tx.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if provider == req.Holder {
			return ErrSelfFunding
		}
		if !now.Before(req.ExpiredAt) {
			return ErrListingExpired
		}

		ref := &storage.ListingRef{Type: storage.ListingRequest, ID: req.ID}
		bookings, err := tx.ListBookings(ctx, storage.BookingFilter{Listing: ref})
		if err != nil {
			return err
		}
		funded, err := fundedBy(bookings)
		if err != nil {
			return err
		}
		remaining := remainingOf(req.InsuredSum, funded)
		if in.FundingSum.Gt(remaining) {
			return fmt.Errorf("%w: %s requested, %s remaining", ErrInsufficientCapacity, in.FundingSum.Dec(), remaining.Dec())
		}
		if req.Rule == storage.RulePartial && len(bookings) == 0 {
			minimum, err := feemath.BpsOf(req.InsuredSum, e.cfg.PartialMinFirstFundingBps)
			if err != nil {
				return err
			}
			if !in.FundingSum.Gt(minimum) {
				return fmt.Errorf("%w: %s must exceed %s", ErrBelowPartialMinimum, in.FundingSum.Dec(), minimum.Dec())
			}
		}

		booking := storage.Booking{
			ListingType: storage.ListingRequest,
			ListingID:   req.ID,
			Provider:    provider,
			FundingSum:  in.FundingSum,
			CoverQty:    qty,
			AssetPrice:  price.ToBig(),
			CreatedAt:   now,
		}
		if err := tx.InsertBooking(ctx, &booking); err != nil {
			return err
		}
		result.Booking = booking

		total := new(uint256.Int).Add(funded, in.FundingSum)
		var activate []storage.Booking
		switch {
		case funded.Lt(req.InsuredSumTarget) && !total.Lt(req.InsuredSumTarget):
			activate = append(bookings, booking)
		case !funded.Lt(req.InsuredSumTarget):
			activate = []storage.Booking{booking}
		}
		for _, b := range activate {
			premium, err := feemath.ProRata(req.PremiumSum, b.FundingSum, req.InsuredSum)
			if err != nil {
				return err
			}
			cover := storage.Cover{
				ListingType:        storage.ListingRequest,
				ListingID:          req.ID,
				BookingID:          b.ID,
				CoinID:             req.CoinID,
				Holder:             req.Holder,
				Funder:             b.Provider,
				InsuredSum:         b.FundingSum,
				InsuredSumCurrency: req.InsuredSumCurrency,
				CoverQty:           b.CoverQty,
				CoverMonths:        req.CoverMonths,
				PremiumSum:         premium,
				PremiumCurrency:    req.PremiumCurrency,
				StartAt:            now,
				EndAt:              CoverEnd(now, req.CoverMonths),
				CreatedAt:          now,
			}
			if err := tx.InsertCover(ctx, &cover); err != nil {
				return err
			}
			result.Covers = append(result.Covers, cover)
		}

		return currency.Apply(ctx, tx, []currency.Transfer{{
			Currency: req.InsuredSumCurrency, From: provider, To: e.cfg.Pool, Amount: in.FundingSum,
		}})
	})
	if err != nil {
		return ProvideResult{}, fmt.Errorf("provide cover: %w", err)
	}

	e.logger.Info().
		Uint64("request_id", in.RequestID).
		Uint64("booking_id", result.Booking.ID).
		Str("provider", provider.Hex()).
		Str("funding_sum", in.FundingSum.Dec()).
		Int("activated", len(result.Covers)).
		Msg("cover provided")
	for _, c := range result.Covers {
		e.notifyCover(ctx, c)
	}
	return result, nil
}

// BuyCoverInput takes (part of) an offer.
type BuyCoverInput struct {
	OfferID      uint64
	InsuredSum   *uint256.Int
	CoverQty     *uint256.Int
	CoverMonths  uint8
	AssetPricing attest.Attestation
}

// BuyResult is the cover a purchase created and how its premium was split.
type BuyResult struct {
	Booking     storage.Booking
	Cover       storage.Cover
	Premium     *uint256.Int
	FunderShare *uint256.Int
	DevShare    *uint256.Int
}

// BuyCover takes insured sum from an offer, paying the premium up front.
func (e *Engine) BuyCover(ctx context.Context, buyer common.Address, in BuyCoverInput) (BuyResult, error) {
	if !positive(in.InsuredSum) || !positive(in.CoverQty) {
		return BuyResult{}, fmt.Errorf("%w: insured sum and cover qty must be positive", ErrInvalidListing)
	}

	var offer storage.CoverOffer
	if err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		offer, err = tx.GetOffer(ctx, in.OfferID)
		return err
	}); err != nil {
		return BuyResult{}, err
	}
	price, err := e.verifyPrice(in.AssetPricing, offer.CoinID)
	if err != nil {
		return BuyResult{}, err
	}
	token, err := e.currencies.Get(offer.InsuredSumCurrency)
	if err != nil {
		return BuyResult{}, err
	}

	var result BuyResult
	err = e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		offer, err := tx.GetOffer(ctx, in.OfferID)
		if err != nil {
			return err
		}
		if buyer == offer.Funder {
			return ErrSelfFunding
		}
		if !now.Before(offer.ExpiredAt) {
			return ErrListingExpired
		}
		if in.CoverMonths < offer.MinCoverMonths {
			return fmt.Errorf("%w: %d < %d", ErrCoverMonthsTooShort, in.CoverMonths, offer.MinCoverMonths)
		}
		if err := feemath.CheckCoverQty(in.InsuredSum, in.CoverQty, token.Decimals(), price); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCoverQty, err)
		}

		ref := &storage.ListingRef{Type: storage.ListingOffer, ID: offer.ID}
		bookings, err := tx.ListBookings(ctx, storage.BookingFilter{Listing: ref})
		if err != nil {
			return err
		}
		taken, err := fundedBy(bookings)
		if err != nil {
			return err
		}
		remaining := remainingOf(offer.InsuredSum, taken)
		if in.InsuredSum.Gt(remaining) {
			return fmt.Errorf("%w: %s requested, %s remaining", ErrInsufficientCapacity, in.InsuredSum.Dec(), remaining.Dec())
		}
		if offer.Rule == storage.RuleFull && !in.InsuredSum.Eq(remaining) {
			return fmt.Errorf("%w: %s requested, %s offered", ErrMustTakeFullAmount, in.InsuredSum.Dec(), remaining.Dec())
		}

		premium, err := feemath.Premium(in.CoverQty, offer.CostPerMonth, in.CoverMonths)
		if err != nil {
			return err
		}
		funderShare, devShare, err := feemath.SplitShare(premium, e.cfg.FunderPremiumBps)
		if err != nil {
			return err
		}

		booking := storage.Booking{
			ListingType: storage.ListingOffer,
			ListingID:   offer.ID,
			Provider:    buyer,
			FundingSum:  in.InsuredSum,
			CoverQty:    in.CoverQty,
			AssetPrice:  price.ToBig(),
			CreatedAt:   now,
		}
		if err := tx.InsertBooking(ctx, &booking); err != nil {
			return err
		}
		cover := storage.Cover{
			ListingType:        storage.ListingOffer,
			ListingID:          offer.ID,
			BookingID:          booking.ID,
			CoinID:             offer.CoinID,
			Holder:             buyer,
			Funder:             offer.Funder,
			InsuredSum:         in.InsuredSum,
			InsuredSumCurrency: offer.InsuredSumCurrency,
			CoverQty:           in.CoverQty,
			CoverMonths:        in.CoverMonths,
			PremiumSum:         premium,
			PremiumCurrency:    offer.PremiumCurrency,
			StartAt:            now,
			EndAt:              CoverEnd(now, in.CoverMonths),
			CreatedAt:          now,
		}
		if err := tx.InsertCover(ctx, &cover); err != nil {
			return err
		}
		result = BuyResult{Booking: booking, Cover: cover, Premium: premium, FunderShare: funderShare, DevShare: devShare}

		return currency.Apply(ctx, tx, []currency.Transfer{
			{Currency: offer.PremiumCurrency, From: buyer, To: offer.Funder, Amount: funderShare},
			{Currency: offer.PremiumCurrency, From: buyer, To: e.cfg.DevWallet, Amount: devShare},
		})
	})
	if err != nil {
		return BuyResult{}, fmt.Errorf("buy cover: %w", err)
	}

	e.logger.Info().
		Uint64("offer_id", in.OfferID).
		Uint64("cover_id", result.Cover.ID).
		Str("buyer", buyer.Hex()).
		Str("insured_sum", in.InsuredSum.Dec()).
		Str("premium", result.Premium.Dec()).
		Msg("cover bought")
	e.notifyCover(ctx, result.Cover)
	return result, nil
}

func (e *Engine) symbol(id currency.ID) string {
	token, err := e.currencies.Get(id)
	if err != nil {
		return fmt.Sprintf("#%d", id)
	}
	return token.Symbol()
}

func (e *Engine) display(id currency.ID, amount *uint256.Int) decimal.Decimal {
	token, err := e.currencies.Get(id)
	if err != nil {
		return feemath.ToDecimal(amount, 0)
	}
	return feemath.ToDecimal(amount, token.Decimals())
}

func (e *Engine) notifyCover(ctx context.Context, c storage.Cover) {
	e.notify(ctx, alerting.Notification{
		Kind:        alerting.KindCoverActivated,
		At:          c.StartAt,
		ListingType: c.ListingType.String(),
		ListingID:   c.ListingID,
		CoverID:     c.ID,
		Account:     c.Holder.Hex(),
		Amount:      e.display(c.InsuredSumCurrency, c.InsuredSum),
		Symbol:      e.symbol(c.InsuredSumCurrency),
	})
}

func (e *Engine) notify(ctx context.Context, note alerting.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, note); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("notify failed")
	}
}
