package claim

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"covermarket/internal/currency"
	"covermarket/internal/feemath"
	"covermarket/internal/listing"
	"covermarket/internal/revert"
	"covermarket/internal/storage"
)

func TestRefundDepositAfterPaidClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cover := h.cover1000(t)

	eventAt := h.start.Add(10 * 24 * time.Hour)
	h.mark(crashRound, eventAt, halfAnswer)
	h.now = eventAt.Add(80 * time.Hour)
	_, err := h.engine.SubmitClaim(ctx, holder, cover.ID, crashRound)
	require.NoError(t, err)

	_, err = h.engine.RefundDepositOfProvideCover(ctx, funderA, cover.BookingID)
	require.ErrorIs(t, err, ErrCoverNotEnded)
	require.Equal(t, "ERR_CLG_25", revert.CodeOf(err))

	h.now = cover.EndAt
	_, err = h.engine.RefundDepositOfProvideCover(ctx, funderB, cover.BookingID)
	require.ErrorIs(t, err, ErrUnauthorized)

	before := h.balance(t, currency.USDT, funderA)
	w, err := h.engine.RefundDepositOfProvideCover(ctx, funderA, cover.BookingID)
	require.NoError(t, err)
	require.Equal(t, usdt(500).Dec(), w.Amount.Dec(), "应扣除已赔付部分")
	require.Equal(t, storage.WithdrawDepositRefund, w.Kind)
	gained := new(uint256.Int).Sub(h.balance(t, currency.USDT, funderA), before)
	require.Equal(t, usdt(500).Dec(), gained.Dec())

	_, err = h.engine.RefundDepositOfProvideCover(ctx, funderA, cover.BookingID)
	require.ErrorIs(t, err, ErrAlreadyRefunded)
}

func TestRefundDepositBlockedByPendingClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cover := h.cover1000(t)

	eventAt := cover.EndAt.Add(-time.Hour)
	h.mark(crashRound, eventAt, halfAnswer)
	h.now = eventAt.Add(30 * time.Minute)
	c, err := h.engine.SubmitClaim(ctx, holder, cover.ID, crashRound)
	require.NoError(t, err)
	require.Equal(t, storage.ClaimPending, c.State)

	h.now = cover.EndAt
	_, err = h.engine.RefundDepositOfProvideCover(ctx, funderA, cover.BookingID)
	require.ErrorIs(t, err, ErrPendingClaims, "待定索赔未解决前不应退款")

	h.now = h.engine.Deadline(c)
	_, err = h.engine.CheckPayout(ctx, holder, c.ID)
	require.NoError(t, err)

	w, err := h.engine.RefundDepositOfProvideCover(ctx, funderA, cover.BookingID)
	require.NoError(t, err)
	require.Equal(t, usdt(500).Dec(), w.Amount.Dec())
}

func TestRefundDepositOfUnfundedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := h.request(t, 1729, 1727, storage.RulePartial)
	res := h.fund(t, funderA, req.ID, 1000)
	require.Empty(t, res.Covers)

	_, err := h.engine.RefundDepositOfProvideCover(ctx, funderA, res.Booking.ID)
	require.ErrorIs(t, err, ErrRequestNotExpired)

	h.now = req.ExpiredAt
	w, err := h.engine.RefundDepositOfProvideCover(ctx, funderA, res.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, usdt(1000).Dec(), w.Amount.Dec(), "未激活的资金全额退回")

	p, err := h.engine.RefundPremium(ctx, holder, req.ID)
	require.NoError(t, err)
	require.Equal(t, usdt(100).Dec(), p.Amount.Dec())
	require.True(t, h.balance(t, currency.USDT, pool).IsZero())
}

// Mirrors the premium lifecycle of a partially funded request: covers of
// 1000 and 727 out of 1729.
func TestPremiumCollectAndRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := h.request(t, 1729, 1727, storage.RulePartial)
	h.fund(t, funderA, req.ID, 1000)
	res := h.fund(t, funderB, req.ID, 727)
	require.Len(t, res.Covers, 2)
	coverA, coverB := res.Covers[0], res.Covers[1]
	require.Equal(t, funderA, coverA.Funder)

	_, err := h.engine.CollectPremiumOfRequestByFunder(ctx, funderA, coverA.ID)
	require.ErrorIs(t, err, ErrCoverNotStarted)
	require.Equal(t, "ERR_CLG_2", revert.CodeOf(err))

	_, err = h.engine.RefundPremium(ctx, holder, req.ID)
	require.ErrorIs(t, err, ErrRefundTooEarly)
	require.Equal(t, "ERR_CLG_16", revert.CodeOf(err))

	h.now = req.ExpiredAt
	_, err = h.engine.CollectPremiumOfRequestByFunder(ctx, funderB, coverA.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, "ERR_CLG_12", revert.CodeOf(err))

	funderBefore := h.balance(t, currency.USDT, funderA)
	w, err := h.engine.CollectPremiumOfRequestByFunder(ctx, funderA, coverA.ID)
	require.NoError(t, err)
	require.Equal(t, "46269519", w.Amount.Dec(), "funder 得 80%")
	require.Equal(t, "11567380", w.DevFee.Dec())
	gained := new(uint256.Int).Sub(h.balance(t, currency.USDT, funderA), funderBefore)
	require.Equal(t, w.Amount.Dec(), gained.Dec())
	require.Equal(t, w.DevFee.Dec(), h.balance(t, currency.USDT, devWallet).Dec())

	_, err = h.engine.CollectPremiumOfRequestByFunder(ctx, funderA, coverA.ID)
	require.ErrorIs(t, err, ErrPremiumCollected)
	require.Equal(t, "ERR_CLG_13", revert.CodeOf(err))

	_, err = h.engine.CollectPremiumOfRequestByFunder(ctx, funderB, coverB.ID)
	require.NoError(t, err)

	_, err = h.engine.RefundPremium(ctx, funderA, req.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	refund, err := h.engine.RefundPremium(ctx, holder, req.ID)
	require.NoError(t, err)
	require.Equal(t, "115675", refund.Amount.Dec(), "未被 cover 占用的保费退回")

	_, err = h.engine.RefundPremium(ctx, holder, req.ID)
	require.ErrorIs(t, err, ErrPremiumRefunded)
	require.Equal(t, "ERR_CLG_15", revert.CodeOf(err))
}

func TestRefundPremiumOfFullyCoveredRequest(t *testing.T) {
	h := newHarness(t)
	req, _ := h.cover1000(t)

	h.now = req.ExpiredAt
	_, err := h.engine.RefundPremium(context.Background(), holder, req.ID)
	require.ErrorIs(t, err, ErrNothingToRefund)
}

func TestTakeBackDepositOfCoverOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	offer, err := h.market.CreateCoverOffer(ctx, funderA, h.offerInput(t, 5000))
	require.NoError(t, err)

	h.now = h.now.Add(time.Hour)
	bought, err := h.market.BuyCover(ctx, holder, listing.BuyCoverInput{
		OfferID:      offer.ID,
		InsuredSum:   usdt(1000),
		CoverQty:     tokens(1000),
		CoverMonths:  1,
		AssetPricing: h.price(t, "tether", "USDT", 1_000_000),
	})
	require.NoError(t, err)

	_, err = h.engine.CollectPremiumOfRequestByFunder(ctx, funderA, bought.Cover.ID)
	require.ErrorIs(t, err, ErrPremiumNotCollectable)

	_, err = h.engine.TakeBackDepositOfCoverOffer(ctx, funderA, offer.ID)
	require.ErrorIs(t, err, ErrOfferNotExpired)

	h.now = offer.ExpiredAt
	_, err = h.engine.TakeBackDepositOfCoverOffer(ctx, funderA, offer.ID)
	require.ErrorIs(t, err, ErrActiveCovers, "仍有 cover 生效时不应取回")

	h.now = bought.Cover.EndAt
	_, err = h.engine.TakeBackDepositOfCoverOffer(ctx, funderB, offer.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	w, err := h.engine.TakeBackDepositOfCoverOffer(ctx, funderA, offer.ID)
	require.NoError(t, err)
	require.Equal(t, usdt(5000).Dec(), w.Amount.Dec())
	require.True(t, h.balance(t, currency.USDT, pool).IsZero())

	_, err = h.engine.TakeBackDepositOfCoverOffer(ctx, funderA, offer.ID)
	require.ErrorIs(t, err, ErrAlreadyRefunded)
}

func TestSettlementFoldsPerPayee(t *testing.T) {
	s := newSettlement(pool)
	require.NoError(t, s.add(currency.USDT, funderA, usdt(1)))
	require.NoError(t, s.add(currency.USDT, funderA, usdt(2)))
	require.NoError(t, s.add(currency.DAI, funderA, tokens(1)))
	require.NoError(t, s.add(currency.USDT, devWallet, new(uint256.Int)))

	transfers := s.transfers()
	require.Len(t, transfers, 2, "零金额不应生成转账")
	require.Equal(t, usdt(3).Dec(), transfers[0].Amount.Dec())
	require.Equal(t, pool, transfers[0].From)
	require.Equal(t, currency.DAI, transfers[1].Currency)

	totals := s.totals(funderA)
	require.Equal(t, usdt(3).Dec(), totals[currency.USDT].Dec())
	require.Empty(t, s.totals(devWallet))

	top := new(uint256.Int).SetAllOne()
	require.NoError(t, s.add(currency.USDC, holder, top))
	require.Error(t, s.add(currency.USDC, holder, feemath.Pow10(0)))
}
