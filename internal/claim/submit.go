package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"covermarket/internal/alerting"
	"covermarket/internal/oracle"
	"covermarket/internal/roundid"
	"covermarket/internal/storage"
)

func checkClaimable(cover storage.Cover, holder common.Address, now time.Time) error {
	if holder != cover.Holder {
		return ErrNotHolder
	}
	if cover.StartAt.IsZero() || now.Before(cover.StartAt) {
		return ErrCoverNotStarted
	}
	if !now.Before(cover.EndAt) {
		return ErrCoverNotActive
	}
	return nil
}

// checkRound allows a new claim only when every earlier one is invalid and
// was raised at an earlier round.
func checkRound(prior []storage.Claim, round roundid.ID) error {
	for _, c := range prior {
		if c.State != storage.ClaimInvalid {
			return fmt.Errorf("%w: claim %d is %s", ErrDuplicateClaim, c.ID, c.State)
		}
		if !c.Round.Before(round) {
			return fmt.Errorf("%w: claim %d already covers round %s", ErrDuplicateClaim, c.ID, c.Round)
		}
	}
	return nil
}

func inCover(cover storage.Cover, at time.Time) bool {
	return !at.Before(cover.StartAt) && !at.After(cover.EndAt)
}

func newClaim(cover storage.Cover, a oracle.Assessment, batch uuid.UUID, now time.Time) storage.Claim {
	return storage.Claim{
		BatchID:        batch,
		CoverID:        cover.ID,
		ListingType:    cover.ListingType,
		ListingID:      cover.ListingID,
		Holder:         cover.Holder,
		Funder:         cover.Funder,
		Round:          a.Round,
		EventAt:        a.EventAt,
		AssetPrice:     a.AssetPrice,
		PriceDecimals:  a.Decimals,
		Payout:         new(uint256.Int),
		PayoutCurrency: cover.InsuredSumCurrency,
		State:          storage.ClaimPending,
		CreatedAt:      now,
	}
}

// open decides the initial state of a new claim, stores it and queues its payout.
// A devalued round still inside its monitoring period stays pending; past it the
// assessment is final.
func (e *Engine) open(ctx context.Context, tx storage.Tx, c *storage.Claim, a oracle.Assessment, cover storage.Cover, s *settlement, now time.Time) error {
	switch {
	case !a.IsDevalued:
		c.State = storage.ClaimInvalid
	case now.Before(e.Deadline(*c)):
		c.State = storage.ClaimPending
	case !now.Before(e.PayoutEnd(*c)):
		return fmt.Errorf("%w: event at %s", ErrPayoutExpired, c.EventAt.Format(time.RFC3339))
	case e.cfg.DirectPayout:
		e.confirm(c, &a, cover, now)
	default:
		c.State = storage.ClaimValid
		c.Payout = a.Payout(cover.InsuredSum)
	}
	stamp(c, now)

	if err := tx.InsertClaim(ctx, c); err != nil {
		return err
	}
	if c.State == storage.ClaimPaid {
		return e.pay(ctx, tx, *c, s, now)
	}
	return nil
}

// SubmitClaim raises a claim on coverID at round. The round is assessed before
// the claim is written; the cover and earlier claims are checked again inside
// the unit of work that writes it.
func (e *Engine) SubmitClaim(ctx context.Context, holder common.Address, coverID uint64, round roundid.ID) (storage.Claim, error) {
	var cover storage.Cover
	if err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		cover, err = tx.GetCover(ctx, coverID)
		if err != nil {
			return err
		}
		if err := checkClaimable(cover, holder, e.now().UTC()); err != nil {
			return err
		}
		prior, err := tx.ListClaims(ctx, storage.ClaimFilter{CoverID: coverID})
		if err != nil {
			return err
		}
		return checkRound(prior, round)
	}); err != nil {
		return storage.Claim{}, err
	}

	a, err := e.assess(ctx, cover.CoinID, round)
	if err != nil {
		return storage.Claim{}, err
	}
	if !inCover(cover, a.EventAt) {
		return storage.Claim{}, fmt.Errorf("%w: round %s at %s", ErrRoundOutsideCover, round, a.EventAt.Format(time.RFC3339))
	}

	var claim storage.Claim
	err = e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		cover, err := tx.GetCover(ctx, coverID)
		if err != nil {
			return err
		}
		if err := checkClaimable(cover, holder, now); err != nil {
			return err
		}
		prior, err := tx.ListClaims(ctx, storage.ClaimFilter{CoverID: coverID})
		if err != nil {
			return err
		}
		if err := checkRound(prior, round); err != nil {
			return err
		}

		claim = newClaim(cover, a, uuid.Nil, now)
		s := newSettlement(e.cfg.Pool)
		if err := e.open(ctx, tx, &claim, a, cover, s, now); err != nil {
			return err
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return storage.Claim{}, err
	}

	e.logger.Info().
		Uint64("claim", claim.ID).
		Uint64("cover", coverID).
		Str("round", round.String()).
		Str("state", claim.State.String()).
		Msg("claim submitted")
	e.notifyClaim(ctx, alerting.KindClaimRaised, claim, a.Devaluation)
	return claim, nil
}

func (e *Engine) checkPayable(c storage.Claim, now time.Time) error {
	if c.State.Resolved() {
		return fmt.Errorf("%w: claim %d is %s", ErrClaimResolved, c.ID, c.State)
	}
	if now.Before(e.Deadline(c)) {
		return fmt.Errorf("%w: claim %d resolves after %s", ErrTooEarly, c.ID, e.Deadline(c).Format(time.RFC3339))
	}
	if !now.Before(e.PayoutEnd(c)) {
		return fmt.Errorf("%w: claim %d closed at %s", ErrPayoutExpired, c.ID, e.PayoutEnd(c).Format(time.RFC3339))
	}
	return nil
}

// CheckPayout resolves a claim whose monitoring period has elapsed, paying it
// when the devaluation is confirmed.
func (e *Engine) CheckPayout(ctx context.Context, holder common.Address, claimID uint64) (storage.Claim, error) {
	var (
		claim storage.Claim
		cover storage.Cover
	)
	if err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		claim, err = tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if holder != claim.Holder {
			return ErrNotHolder
		}
		if err := e.checkPayable(claim, e.now().UTC()); err != nil {
			return err
		}
		cover, err = tx.GetCover(ctx, claim.CoverID)
		return err
	}); err != nil {
		return storage.Claim{}, err
	}

	var a *oracle.Assessment
	devaluation := decimal.Zero
	if claim.State == storage.ClaimPending {
		assessed, err := e.assess(ctx, cover.CoinID, claim.Round)
		if err != nil {
			return storage.Claim{}, err
		}
		a = &assessed
		devaluation = assessed.Devaluation
	}

	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		var err error
		claim, err = tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if err := e.checkPayable(claim, now); err != nil {
			return err
		}
		if claim.State == storage.ClaimPending && a == nil {
			return fmt.Errorf("claim %d: no assessment for pending claim", claim.ID)
		}

		e.confirm(&claim, a, cover, now)
		if err := tx.UpdateClaim(ctx, claim); err != nil {
			return err
		}
		s := newSettlement(e.cfg.Pool)
		if claim.State == storage.ClaimPaid {
			if err := e.pay(ctx, tx, claim, s, now); err != nil {
				return err
			}
		}
		return e.settle(ctx, tx, s)
	})
	if err != nil {
		return storage.Claim{}, err
	}

	e.logger.Info().Uint64("claim", claim.ID).Str("state", claim.State.String()).Msg("claim payout checked")
	e.notifyClaim(ctx, alerting.KindClaimResolved, claim, devaluation)
	return claim, nil
}

// ValidationReport summarises one batch validation run.
type ValidationReport struct {
	// Resolved holds every claim whose state changed, in claim order.
	Resolved []storage.Claim
	// Deferred counts pending claims still inside their monitoring period.
	Deferred int
	// Failed counts claims left pending because their round could not be
	// assessed or their resolution could not be written or settled.
	Failed int
}

// ValidatePendingClaims resolves the pending claims against covers funded by
// funder whose monitoring period has elapsed. A zero funder selects every funder.
// Each claim resolves in its own unit of work, so one claim that cannot be
// assessed or settled stays pending without holding back the others. Their
// errors are joined into the returned error alongside a usable report.
func (e *Engine) ValidatePendingClaims(ctx context.Context, listingType storage.ListingType, funder common.Address) (ValidationReport, error) {
	filter := storage.ClaimFilter{
		ListingType: storage.TypePtr(listingType),
		Funder:      funder,
		States:      []storage.ClaimState{storage.ClaimPending},
	}

	type candidate struct {
		claim storage.Claim
		cover storage.Cover
	}
	var (
		report     ValidationReport
		candidates []candidate
	)
	if err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending, err := tx.ListClaims(ctx, filter)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		for _, c := range pending {
			if now.Before(e.Deadline(c)) {
				report.Deferred++
				continue
			}
			cover, err := tx.GetCover(ctx, c.CoverID)
			if err != nil {
				return err
			}
			candidates = append(candidates, candidate{claim: c, cover: cover})
		}
		return nil
	}); err != nil {
		return ValidationReport{}, err
	}
	if len(candidates) == 0 {
		return report, nil
	}

	type windowKey struct {
		coin  string
		round roundid.ID
	}
	assessed := make(map[windowKey]oracle.Assessment)
	var errs []error
	ready := candidates[:0]
	for _, cand := range candidates {
		key := windowKey{cand.cover.CoinID, cand.claim.Round}
		if _, ok := assessed[key]; !ok {
			a, err := e.assess(ctx, key.coin, key.round)
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("claim %d: %w", cand.claim.ID, err))
				continue
			}
			assessed[key] = a
		}
		ready = append(ready, cand)
	}

	for _, cand := range ready {
		a := assessed[windowKey{cand.cover.CoinID, cand.claim.Round}]
		c, changed, err := e.resolvePending(ctx, cand.claim.ID, a, cand.cover)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("claim %d: %w", cand.claim.ID, err))
			e.logger.Error().Err(err).Uint64("claim", cand.claim.ID).Msg("resolve pending claim failed")
			continue
		}
		if changed {
			report.Resolved = append(report.Resolved, c)
			e.notifyClaim(ctx, alerting.KindClaimResolved, c, a.Devaluation)
		}
	}

	e.logger.Info().
		Str("listing_type", listingType.String()).
		Int("resolved", len(report.Resolved)).
		Int("deferred", report.Deferred).
		Int("failed", report.Failed).
		Msg("pending claims validated")
	return report, errors.Join(errs...)
}

// resolvePending confirms one pending claim and settles its payout in a single
// unit of work. changed is false when the claim was resolved concurrently.
func (e *Engine) resolvePending(ctx context.Context, claimID uint64, a oracle.Assessment, cover storage.Cover) (storage.Claim, bool, error) {
	var (
		resolved storage.Claim
		changed  bool
	)
	err := e.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now().UTC()
		c, err := tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if c.State != storage.ClaimPending {
			return nil
		}
		e.confirm(&c, &a, cover, now)
		if err := tx.UpdateClaim(ctx, c); err != nil {
			return err
		}
		s := newSettlement(e.cfg.Pool)
		if c.State == storage.ClaimPaid {
			if err := e.pay(ctx, tx, c, s, now); err != nil {
				return err
			}
		}
		if err := e.settle(ctx, tx, s); err != nil {
			return err
		}
		resolved, changed = c, true
		return nil
	})
	return resolved, changed, err
}

// ValidateAllPendingClaims runs ValidatePendingClaims across every funder.
func (e *Engine) ValidateAllPendingClaims(ctx context.Context, listingType storage.ListingType) (ValidationReport, error) {
	return e.ValidatePendingClaims(ctx, listingType, common.Address{})
}
