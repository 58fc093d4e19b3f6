package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"covermarket/internal/alerting"
	"covermarket/internal/currency"
	"covermarket/internal/oracle"
	"covermarket/internal/roundid"
	"covermarket/internal/storage"
)

// Batch is the set of claims raised together against one request.
type Batch struct {
	ID     uuid.UUID
	Claims []storage.Claim
}

// CollectiveResult lists the withdrawals of one collective call and what each
// recipient got per currency.
type CollectiveResult struct {
	Withdrawals []storage.Withdrawal
	Totals      map[currency.ID]*uint256.Int
	DevFees     map[currency.ID]*uint256.Int
}

func requestRef(id uint64) *storage.ListingRef {
	return &storage.ListingRef{Type: storage.ListingRequest, ID: id}
}

// eligibleCovers keeps the request covers a holder may claim on at round. When
// none qualifies the first rejection is returned.
func eligibleCovers(ctx context.Context, tx storage.Tx, holder common.Address, requestID uint64, round roundid.ID, now time.Time) ([]storage.Cover, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Holder != holder {
		return nil, ErrNotHolder
	}
	covers, err := tx.ListCovers(ctx, storage.CoverFilter{Listing: requestRef(requestID)})
	if err != nil {
		return nil, err
	}
	if len(covers) == 0 {
		return nil, fmt.Errorf("%w: request %d has no covers", ErrCoverNotStarted, requestID)
	}

	var (
		eligible []storage.Cover
		first    error
	)
	for _, cover := range covers {
		err := checkClaimable(cover, holder, now)
		if err == nil {
			var prior []storage.Claim
			if prior, err = tx.ListClaims(ctx, storage.ClaimFilter{CoverID: cover.ID}); err != nil {
				return nil, err
			}
			err = checkRound(prior, round)
		}
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		eligible = append(eligible, cover)
	}
	if len(eligible) == 0 {
		return nil, first
	}
	return eligible, nil
}

// CollectiveSubmitClaim raises one claim per eligible cover of a request at
// round, sharing a batch id. Covers already claimed or not running are skipped.
func (e *Engine) CollectiveSubmitClaim(ctx context.Context, holder common.Address, requestID uint64, round roundid.ID) (Batch, error) {
	var coinID string
	if err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		coinID = req.CoinID
		_, err = eligibleCovers(ctx, tx, holder, requestID, round, e.now().UTC())
		return err
	}); err != nil {
		return Batch{}, err
	}

	a, err := e.assess(ctx, coinID, round)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{ID: uuid.New()}
	err = e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		covers, err := eligibleCovers(ctx, tx, holder, requestID, round, now)
		if err != nil {
			return err
		}
		s := newSettlement(e.cfg.Pool)
		batch.Claims = batch.Claims[:0]
		for _, cover := range covers {
			if !inCover(cover, a.EventAt) {
				continue
			}
			c := newClaim(cover, a, batch.ID, now)
			if err := e.open(ctx, tx, &c, a, cover, s, now); err != nil {
				return err
			}
			batch.Claims = append(batch.Claims, c)
		}
		if len(batch.Claims) == 0 {
			return fmt.Errorf("%w: round %s at %s", ErrRoundOutsideCover, round, a.EventAt.Format(time.RFC3339))
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return Batch{}, err
	}

	e.logger.Info().
		Str("batch", batch.ID.String()).
		Uint64("request", requestID).
		Int("claims", len(batch.Claims)).
		Msg("collective claim submitted")
	first := batch.Claims[0]
	e.notify(ctx, alerting.Notification{
		Kind:          alerting.KindCollectiveClaim,
		At:            e.now().UTC(),
		ListingType:   first.ListingType.String(),
		ListingID:     requestID,
		Account:       holder.Hex(),
		State:         first.State.String(),
		Round:         round.String(),
		Devaluation:   a.Devaluation,
		AdditionalMsg: fmt.Sprintf("batch %s, %d covers", batch.ID, len(batch.Claims)),
	})
	return batch, nil
}

// CollectiveCheckPayout resolves every unresolved claim of a batch at once.
func (e *Engine) CollectiveCheckPayout(ctx context.Context, holder common.Address, batchID uuid.UUID) (Batch, error) {
	if batchID == uuid.Nil {
		return Batch{}, fmt.Errorf("%w: empty batch id", storage.ErrNotFound)
	}

	var (
		coinID  string
		round   roundid.ID
		pending bool
	)
	if err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		claims, err := tx.ListClaims(ctx, storage.ClaimFilter{BatchID: batchID})
		if err != nil {
			return err
		}
		if len(claims) == 0 {
			return fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
		}
		now := e.now().UTC()
		var open int
		for _, c := range claims {
			if c.Holder != holder {
				return ErrNotHolder
			}
			if c.State.Resolved() {
				continue
			}
			if err := e.checkPayable(c, now); err != nil {
				return err
			}
			open++
			pending = pending || c.State == storage.ClaimPending
		}
		if open == 0 {
			return fmt.Errorf("%w: batch %s", ErrClaimResolved, batchID)
		}
		cover, err := tx.GetCover(ctx, claims[0].CoverID)
		if err != nil {
			return err
		}
		coinID, round = cover.CoinID, claims[0].Round
		return nil
	}); err != nil {
		return Batch{}, err
	}

	var a *oracle.Assessment
	if pending {
		assessed, err := e.assess(ctx, coinID, round)
		if err != nil {
			return Batch{}, err
		}
		a = &assessed
	}

	batch := Batch{ID: batchID}
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		claims, err := tx.ListClaims(ctx, storage.ClaimFilter{BatchID: batchID})
		if err != nil {
			return err
		}
		s := newSettlement(e.cfg.Pool)
		batch.Claims = batch.Claims[:0]
		for _, c := range claims {
			if c.State.Resolved() {
				continue
			}
			if err := e.checkPayable(c, now); err != nil {
				return err
			}
			if c.State == storage.ClaimPending && a == nil {
				return fmt.Errorf("claim %d: no assessment for pending claim", c.ID)
			}
			cover, err := tx.GetCover(ctx, c.CoverID)
			if err != nil {
				return err
			}
			e.confirm(&c, a, cover, now)
			if err := tx.UpdateClaim(ctx, c); err != nil {
				return err
			}
			if c.State == storage.ClaimPaid {
				if err := e.pay(ctx, tx, c, s, now); err != nil {
					return err
				}
			}
			batch.Claims = append(batch.Claims, c)
		}
		if len(batch.Claims) == 0 {
			return fmt.Errorf("%w: batch %s", ErrClaimResolved, batchID)
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return Batch{}, err
	}
	devaluation := decimal.Zero
	if a != nil {
		devaluation = a.Devaluation
	}
	for _, c := range batch.Claims {
		e.notifyClaim(ctx, alerting.KindClaimResolved, c, devaluation)
	}
	return batch, nil
}

// collect runs one collective withdrawal. each visits every candidate item and
// returns its withdrawal, or a skippable error to pass over it.
func (e *Engine) collect(ctx context.Context, recipient common.Address, each func(ctx context.Context, tx storage.Tx, s *settlement, now time.Time) ([]storage.Withdrawal, error)) (CollectiveResult, error) {
	var result CollectiveResult
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		s := newSettlement(e.cfg.Pool)
		withdrawals, err := each(ctx, tx, s, now)
		if err != nil {
			return err
		}
		if len(withdrawals) == 0 {
			return fmt.Errorf("%w: nothing eligible for %s", ErrNothingToRefund, recipient.Hex())
		}
		result.Withdrawals = withdrawals
		result.Totals = s.totals(recipient)
		result.DevFees = s.totals(e.cfg.DevWallet)
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return CollectiveResult{}, err
	}
	e.logger.Info().
		Str("account", recipient.Hex()).
		Int("withdrawals", len(result.Withdrawals)).
		Msg("collective withdrawal settled")
	return result, nil
}

// CollectiveRefundDepositOfProvideRequest refunds every request booking of
// funder that is ready. A pending claim on any of them fails the whole call.
func (e *Engine) CollectiveRefundDepositOfProvideRequest(ctx context.Context, funder common.Address) (CollectiveResult, error) {
	return e.collect(ctx, funder, func(ctx context.Context, tx storage.Tx, s *settlement, now time.Time) ([]storage.Withdrawal, error) {
		bookings, err := tx.ListBookings(ctx, storage.BookingFilter{Type: storage.TypePtr(storage.ListingRequest), Provider: funder})
		if err != nil {
			return nil, err
		}
		var out []storage.Withdrawal
		for _, b := range bookings {
			done, err := tx.HasWithdrawal(ctx, storage.WithdrawDepositRefund, b.ID)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
			amount, cur, err := bookingRefund(ctx, tx, b, now)
			if skippable(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if amount.IsZero() {
				continue
			}
			w, err := e.record(ctx, tx, s, storage.WithdrawDepositRefund, b.ID, funder, cur, amount, nil, now)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	})
}

// CollectiveRefundDepositOfCoverOffer takes back every expired offer deposit of funder.
func (e *Engine) CollectiveRefundDepositOfCoverOffer(ctx context.Context, funder common.Address) (CollectiveResult, error) {
	return e.collect(ctx, funder, func(ctx context.Context, tx storage.Tx, s *settlement, now time.Time) ([]storage.Withdrawal, error) {
		offers, err := tx.ListOffers(ctx, storage.ListingFilter{Owner: funder})
		if err != nil {
			return nil, err
		}
		var out []storage.Withdrawal
		for _, offer := range offers {
			done, err := tx.HasWithdrawal(ctx, storage.WithdrawOfferDeposit, offer.ID)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
			amount, err := offerRefund(ctx, tx, offer, now)
			if skippable(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if amount.IsZero() {
				continue
			}
			w, err := e.record(ctx, tx, s, storage.WithdrawOfferDeposit, offer.ID, funder, offer.InsuredSumCurrency, amount, nil, now)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	})
}

// CollectivePremiumForFunder collects the premium share of every request cover funder holds.
func (e *Engine) CollectivePremiumForFunder(ctx context.Context, funder common.Address) (CollectiveResult, error) {
	return e.collect(ctx, funder, func(ctx context.Context, tx storage.Tx, s *settlement, now time.Time) ([]storage.Withdrawal, error) {
		covers, err := tx.ListCovers(ctx, storage.CoverFilter{Funder: funder})
		if err != nil {
			return nil, err
		}
		var out []storage.Withdrawal
		for _, cover := range covers {
			if cover.ListingType != storage.ListingRequest {
				continue
			}
			done, err := tx.HasWithdrawal(ctx, storage.WithdrawPremiumCollect, cover.ID)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
			user, dev, err := e.premiumShare(ctx, tx, cover, now)
			if skippable(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			w, err := e.record(ctx, tx, s, storage.WithdrawPremiumCollect, cover.ID, funder, cover.PremiumCurrency, user, dev, now)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	})
}

// CollectiveRefundPremium refunds the unspent premium of every expired request of holder.
func (e *Engine) CollectiveRefundPremium(ctx context.Context, holder common.Address) (CollectiveResult, error) {
	return e.collect(ctx, holder, func(ctx context.Context, tx storage.Tx, s *settlement, now time.Time) ([]storage.Withdrawal, error) {
		requests, err := tx.ListRequests(ctx, storage.ListingFilter{Owner: holder})
		if err != nil {
			return nil, err
		}
		var out []storage.Withdrawal
		for _, req := range requests {
			done, err := tx.HasWithdrawal(ctx, storage.WithdrawPremiumRefund, req.ID)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
			amount, err := unspentPremium(ctx, tx, req, now)
			if skippable(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if amount.IsZero() {
				continue
			}
			w, err := e.record(ctx, tx, s, storage.WithdrawPremiumRefund, req.ID, holder, req.PremiumCurrency, amount, nil, now)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	})
}
