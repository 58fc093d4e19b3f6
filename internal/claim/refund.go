package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"covermarket/internal/alerting"
	"covermarket/internal/currency"
	"covermarket/internal/feemath"
	"covermarket/internal/storage"
)

// consumed sums the payouts taken from covers. Any pending claim blocks the
// caller since its payout is still unknown.
func consumed(ctx context.Context, tx storage.Tx, covers []storage.Cover) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, cover := range covers {
		claims, err := tx.ListClaims(ctx, storage.ClaimFilter{CoverID: cover.ID})
		if err != nil {
			return nil, err
		}
		for _, c := range claims {
			if c.State == storage.ClaimPending {
				return nil, fmt.Errorf("%w: claim %d on cover %d", ErrPendingClaims, c.ID, cover.ID)
			}
			if !c.State.ConsumesCover() || c.Payout == nil {
				continue
			}
			var overflow bool
			if total, overflow = new(uint256.Int).AddOverflow(total, c.Payout); overflow {
				return nil, fmt.Errorf("claim: payouts of cover %d overflow", cover.ID)
			}
		}
	}
	return total, nil
}

func remainder(total, used *uint256.Int) *uint256.Int {
	if used.Cmp(total) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(total, used)
}

// bookingRefund is what a request funder gets back for one booking. A booking
// that never became a cover is returned whole once the request expired; a cover
// returns its insured sum less payouts once it ended.
func bookingRefund(ctx context.Context, tx storage.Tx, b storage.Booking, now time.Time) (*uint256.Int, currency.ID, error) {
	req, err := tx.GetRequest(ctx, b.ListingID)
	if err != nil {
		return nil, 0, err
	}
	covers, err := tx.ListCovers(ctx, storage.CoverFilter{BookingID: b.ID})
	if err != nil {
		return nil, 0, err
	}
	if len(covers) == 0 {
		if now.Before(req.ExpiredAt) {
			return nil, 0, fmt.Errorf("%w: request %d expires at %s", ErrRequestNotExpired, req.ID, req.ExpiredAt.Format(time.RFC3339))
		}
		return b.FundingSum, req.InsuredSumCurrency, nil
	}
	for _, cover := range covers {
		if now.Before(cover.EndAt) {
			return nil, 0, fmt.Errorf("%w: cover %d ends at %s", ErrCoverNotEnded, cover.ID, cover.EndAt.Format(time.RFC3339))
		}
	}
	used, err := consumed(ctx, tx, covers)
	if err != nil {
		return nil, 0, err
	}
	return remainder(b.FundingSum, used), req.InsuredSumCurrency, nil
}

// offerRefund is what an offer funder gets back: the offered insured sum less
// payouts, once the offer expired and every cover bought from it ended.
func offerRefund(ctx context.Context, tx storage.Tx, offer storage.CoverOffer, now time.Time) (*uint256.Int, error) {
	if now.Before(offer.ExpiredAt) {
		return nil, fmt.Errorf("%w: offer %d expires at %s", ErrOfferNotExpired, offer.ID, offer.ExpiredAt.Format(time.RFC3339))
	}
	covers, err := tx.ListCovers(ctx, storage.CoverFilter{Listing: &storage.ListingRef{Type: storage.ListingOffer, ID: offer.ID}})
	if err != nil {
		return nil, err
	}
	for _, cover := range covers {
		if now.Before(cover.EndAt) {
			return nil, fmt.Errorf("%w: cover %d ends at %s", ErrActiveCovers, cover.ID, cover.EndAt.Format(time.RFC3339))
		}
	}
	used, err := consumed(ctx, tx, covers)
	if err != nil {
		return nil, err
	}
	return remainder(offer.InsuredSum, used), nil
}

// premiumShare splits a request cover's premium between its funder and the dev wallet.
// It is collectable once the request's funding window has closed.
func (e *Engine) premiumShare(ctx context.Context, tx storage.Tx, cover storage.Cover, now time.Time) (funderShare, devShare *uint256.Int, err error) {
	if cover.ListingType != storage.ListingRequest {
		return nil, nil, fmt.Errorf("%w: cover %d", ErrPremiumNotCollectable, cover.ID)
	}
	req, err := tx.GetRequest(ctx, cover.ListingID)
	if err != nil {
		return nil, nil, err
	}
	if now.Before(req.ExpiredAt) {
		return nil, nil, fmt.Errorf("%w: premium of cover %d is collectable from %s", ErrCoverNotStarted, cover.ID, req.ExpiredAt.Format(time.RFC3339))
	}
	return feemath.SplitShare(cover.PremiumSum, e.cfg.FunderPremiumBps)
}

// unspentPremium is the part of a request's premium no cover took.
func unspentPremium(ctx context.Context, tx storage.Tx, req storage.CoverRequest, now time.Time) (*uint256.Int, error) {
	if now.Before(req.ExpiredAt) {
		return nil, fmt.Errorf("%w: request %d expires at %s", ErrRefundTooEarly, req.ID, req.ExpiredAt.Format(time.RFC3339))
	}
	covers, err := tx.ListCovers(ctx, storage.CoverFilter{Listing: &storage.ListingRef{Type: storage.ListingRequest, ID: req.ID}})
	if err != nil {
		return nil, err
	}
	premiums := make([]*uint256.Int, 0, len(covers))
	for _, c := range covers {
		premiums = append(premiums, c.PremiumSum)
	}
	spent, err := feemath.Sum(premiums...)
	if err != nil {
		return nil, err
	}
	return remainder(req.PremiumSum, spent), nil
}

func (e *Engine) record(ctx context.Context, tx storage.Tx, s *settlement, kind storage.WithdrawalKind, ref uint64, to common.Address, cur currency.ID, amount, devFee *uint256.Int, now time.Time) (storage.Withdrawal, error) {
	if devFee == nil {
		devFee = new(uint256.Int)
	}
	w := storage.Withdrawal{
		Kind:      kind,
		RefID:     ref,
		Account:   to,
		Currency:  cur,
		Amount:    amount,
		DevFee:    devFee,
		CreatedAt: now,
	}
	if err := tx.InsertWithdrawal(ctx, &w); err != nil {
		return storage.Withdrawal{}, err
	}
	if err := s.add(cur, to, amount); err != nil {
		return storage.Withdrawal{}, err
	}
	if err := s.add(cur, e.cfg.DevWallet, devFee); err != nil {
		return storage.Withdrawal{}, err
	}
	return w, nil
}

// RefundDepositOfProvideCover returns a request funder's deposit for one booking.
func (e *Engine) RefundDepositOfProvideCover(ctx context.Context, provider common.Address, bookingID uint64) (storage.Withdrawal, error) {
	var out storage.Withdrawal
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.ListingType != storage.ListingRequest {
			return fmt.Errorf("%w: booking %d bought an offer", ErrNothingToRefund, b.ID)
		}
		if b.Provider != provider {
			return ErrUnauthorized
		}
		done, err := tx.HasWithdrawal(ctx, storage.WithdrawDepositRefund, b.ID)
		if err != nil {
			return err
		}
		if done {
			return ErrAlreadyRefunded
		}
		amount, cur, err := bookingRefund(ctx, tx, b, now)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return fmt.Errorf("%w: booking %d was paid out in full", ErrNothingToRefund, b.ID)
		}
		s := newSettlement(e.cfg.Pool)
		if out, err = e.record(ctx, tx, s, storage.WithdrawDepositRefund, b.ID, provider, cur, amount, nil, now); err != nil {
			return err
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return storage.Withdrawal{}, err
	}
	e.logger.Info().Uint64("booking", bookingID).Str("amount", out.Amount.Dec()).Msg("deposit refunded")
	return out, nil
}

// TakeBackDepositOfCoverOffer returns an offer funder's remaining deposit.
func (e *Engine) TakeBackDepositOfCoverOffer(ctx context.Context, funder common.Address, offerID uint64) (storage.Withdrawal, error) {
	var out storage.Withdrawal
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		offer, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.Funder != funder {
			return ErrUnauthorized
		}
		done, err := tx.HasWithdrawal(ctx, storage.WithdrawOfferDeposit, offer.ID)
		if err != nil {
			return err
		}
		if done {
			return ErrAlreadyRefunded
		}
		amount, err := offerRefund(ctx, tx, offer, now)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return fmt.Errorf("%w: offer %d was paid out in full", ErrNothingToRefund, offer.ID)
		}
		s := newSettlement(e.cfg.Pool)
		if out, err = e.record(ctx, tx, s, storage.WithdrawOfferDeposit, offer.ID, funder, offer.InsuredSumCurrency, amount, nil, now); err != nil {
			return err
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return storage.Withdrawal{}, err
	}
	e.logger.Info().Uint64("offer", offerID).Str("amount", out.Amount.Dec()).Msg("offer deposit taken back")
	return out, nil
}

// CollectPremiumOfRequestByFunder pays a request cover's funder its premium
// share; the rest goes to the dev wallet.
func (e *Engine) CollectPremiumOfRequestByFunder(ctx context.Context, funder common.Address, coverID uint64) (storage.Withdrawal, error) {
	var out storage.Withdrawal
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		cover, err := tx.GetCover(ctx, coverID)
		if err != nil {
			return err
		}
		if cover.ListingType == storage.ListingRequest && cover.Funder != funder {
			return ErrUnauthorized
		}
		user, dev, err := e.premiumShare(ctx, tx, cover, now)
		if err != nil {
			return err
		}
		done, err := tx.HasWithdrawal(ctx, storage.WithdrawPremiumCollect, cover.ID)
		if err != nil {
			return err
		}
		if done {
			return ErrPremiumCollected
		}
		s := newSettlement(e.cfg.Pool)
		if out, err = e.record(ctx, tx, s, storage.WithdrawPremiumCollect, cover.ID, funder, cover.PremiumCurrency, user, dev, now); err != nil {
			return err
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return storage.Withdrawal{}, err
	}
	e.logger.Info().Uint64("cover", coverID).Str("amount", out.Amount.Dec()).Str("dev_fee", out.DevFee.Dec()).Msg("premium collected")
	return out, nil
}

// RefundPremium returns the premium of an expired request that no cover took.
func (e *Engine) RefundPremium(ctx context.Context, holder common.Address, requestID uint64) (storage.Withdrawal, error) {
	var out storage.Withdrawal
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Holder != holder {
			return ErrUnauthorized
		}
		amount, err := unspentPremium(ctx, tx, req, now)
		if err != nil {
			return err
		}
		done, err := tx.HasWithdrawal(ctx, storage.WithdrawPremiumRefund, req.ID)
		if err != nil {
			return err
		}
		if done {
			return ErrPremiumRefunded
		}
		if amount.IsZero() {
			return fmt.Errorf("%w: request %d premium fully spent", ErrNothingToRefund, req.ID)
		}
		s := newSettlement(e.cfg.Pool)
		if out, err = e.record(ctx, tx, s, storage.WithdrawPremiumRefund, req.ID, holder, req.PremiumCurrency, amount, nil, now); err != nil {
			return err
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return storage.Withdrawal{}, err
	}
	e.logger.Info().Uint64("request", requestID).Str("amount", out.Amount.Dec()).Msg("premium refunded")
	return out, nil
}

// SweepResult lists the claims moved to the dev wallet.
type SweepResult struct {
	Claims []storage.Claim
	Totals map[currency.ID]*uint256.Int
}

// WithdrawExpiredPayout moves the payouts of valid claims nobody collected in
// time to the dev wallet.
func (e *Engine) WithdrawExpiredPayout(ctx context.Context, caller common.Address) (SweepResult, error) {
	if caller != e.cfg.DevWallet {
		return SweepResult{}, ErrDevOnly
	}
	var result SweepResult
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		valid, err := tx.ListClaims(ctx, storage.ClaimFilter{States: []storage.ClaimState{storage.ClaimValid}})
		if err != nil {
			return err
		}
		s := newSettlement(e.cfg.Pool)
		result.Claims = result.Claims[:0]
		for _, c := range valid {
			if now.Before(e.PayoutEnd(c)) {
				continue
			}
			c.State = storage.ClaimSwept
			if err := tx.UpdateClaim(ctx, c); err != nil {
				return err
			}
			if _, err := e.record(ctx, tx, s, storage.WithdrawPayoutSweep, c.ID, e.cfg.DevWallet, c.PayoutCurrency, c.Payout, nil, now); err != nil {
				return err
			}
			result.Claims = append(result.Claims, c)
		}
		if len(result.Claims) == 0 {
			return fmt.Errorf("%w: no expired payouts", ErrNothingToRefund)
		}
		result.Totals = s.totals(e.cfg.DevWallet)
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return SweepResult{}, err
	}

	for id, amount := range result.Totals {
		value, symbol := e.display(id, amount)
		e.notify(ctx, alerting.Notification{
			Kind:          alerting.KindPayoutSwept,
			At:            e.now().UTC(),
			Account:       e.cfg.DevWallet.Hex(),
			Amount:        value,
			Symbol:        symbol,
			AdditionalMsg: fmt.Sprintf("%d claims", len(result.Claims)),
		})
	}
	e.logger.Info().Int("claims", len(result.Claims)).Msg("expired payouts swept")
	return result, nil
}
