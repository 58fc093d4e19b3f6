package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"covermarket/internal/currency"
	"covermarket/internal/roundid"
	"covermarket/internal/storage"
)

var errCommit = errors.New("commit transaction: connection reset by peer")

// commitFailStore runs units of work on a MemoryStore but reports a failed
// commit after fn succeeds, so none of fn's writes survive.
type commitFailStore struct {
	*storage.MemoryStore
	fail bool
}

func (s *commitFailStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.MemoryStore.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if s.fail {
			return errCommit
		}
		return nil
	})
}

func (h *harness) claimState(t *testing.T, id uint64) storage.Claim {
	t.Helper()
	var c storage.Claim
	require.NoError(t, h.store.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		c, err = tx.GetClaim(ctx, id)
		return err
	}))
	return c
}

func TestFailedCommitMovesNoFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cover := h.cover1000(t)

	eventAt := h.start.Add(10 * 24 * time.Hour)
	h.mark(crashRound, eventAt, halfAnswer)
	h.now = eventAt.Add(time.Hour)
	c, err := h.engine.SubmitClaim(ctx, holder, cover.ID, crashRound)
	require.NoError(t, err)

	flaky := &commitFailStore{MemoryStore: h.store, fail: true}
	engine := h.engineOver(t, flaky)
	holderBefore := h.balance(t, currency.USDT, holder)
	poolBefore := h.balance(t, currency.USDT, pool)

	h.now = eventAt.Add(73 * time.Hour)
	_, err = engine.CheckPayout(ctx, holder, c.ID)
	require.ErrorIs(t, err, errCommit)
	require.Equal(t, holderBefore.Dec(), h.balance(t, currency.USDT, holder).Dec(), "提交失败不应入账")
	require.Equal(t, poolBefore.Dec(), h.balance(t, currency.USDT, pool).Dec(), "提交失败不应扣减资金池")
	require.Equal(t, storage.ClaimPending, h.claimState(t, c.ID).State)

	report, err := engine.ValidateAllPendingClaims(ctx, storage.ListingRequest)
	require.ErrorIs(t, err, errCommit)
	require.Equal(t, 1, report.Failed)
	require.Empty(t, report.Resolved)
	require.Equal(t, holderBefore.Dec(), h.balance(t, currency.USDT, holder).Dec())

	flaky.fail = false
	paid, err := engine.CheckPayout(ctx, holder, c.ID)
	require.NoError(t, err)
	require.Equal(t, storage.ClaimPaid, paid.State)
	gained := new(uint256.Int).Sub(h.balance(t, currency.USDT, holder), holderBefore)
	require.Equal(t, usdt(500).Dec(), gained.Dec())
}

func TestSubmitClaimFailedCommitLeavesNoClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cover := h.cover1000(t)

	eventAt := h.start.Add(10 * 24 * time.Hour)
	h.mark(crashRound, eventAt, halfAnswer)
	h.now = eventAt.Add(80 * time.Hour)

	engine := h.engineOver(t, &commitFailStore{MemoryStore: h.store, fail: true})
	before := h.balance(t, currency.USDT, holder)
	_, err := engine.SubmitClaim(ctx, holder, cover.ID, crashRound)
	require.ErrorIs(t, err, errCommit)
	require.Equal(t, before.Dec(), h.balance(t, currency.USDT, holder).Dec(), "直接赔付在提交失败时应一并回滚")

	c, err := h.engine.SubmitClaim(ctx, holder, cover.ID, crashRound)
	require.NoError(t, err, "回滚后同一 round 仍可索赔")
	require.Equal(t, storage.ClaimPaid, c.State)
}

func TestValidatePendingClaimsIsolatesSettlementFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, first := h.cover1000(t)
	_, second := h.cover1000(t)

	eventAt := h.start.Add(10 * 24 * time.Hour)
	h.mark(crashRound, eventAt, halfAnswer)
	h.now = eventAt.Add(time.Hour)
	c1, err := h.engine.SubmitClaim(ctx, holder, first.ID, crashRound)
	require.NoError(t, err)
	c2, err := h.engine.SubmitClaim(ctx, holder, second.ID, crashRound)
	require.NoError(t, err)

	// leave the pool enough for one 500 USDT payout only
	sink := common.HexToAddress("0x000000000000000000000000000000000000beef")
	excess := new(uint256.Int).Sub(h.balance(t, currency.USDT, pool), usdt(600))
	require.NoError(t, h.ledger.Settle(ctx, []currency.Transfer{{Currency: currency.USDT, From: pool, To: sink, Amount: excess}}))

	h.now = eventAt.Add(73 * time.Hour)
	report, err := h.engine.ValidateAllPendingClaims(ctx, storage.ListingRequest)
	require.ErrorIs(t, err, currency.ErrInsufficientBalance)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Resolved, 1)
	require.Equal(t, c1.ID, report.Resolved[0].ID)
	require.Equal(t, storage.ClaimPaid, h.claimState(t, c1.ID).State)
	require.Equal(t, storage.ClaimPending, h.claimState(t, c2.ID).State, "资金不足的索赔应保持 pending")
	require.Equal(t, usdt(100).Dec(), h.balance(t, currency.USDT, pool).Dec())

	require.NoError(t, h.ledger.Settle(ctx, []currency.Transfer{{Currency: currency.USDT, From: sink, To: pool, Amount: usdt(400)}}))
	report, err = h.engine.ValidateAllPendingClaims(ctx, storage.ListingRequest)
	require.NoError(t, err)
	require.Zero(t, report.Failed)
	require.Len(t, report.Resolved, 1)
	require.Equal(t, c2.ID, report.Resolved[0].ID)
	require.Equal(t, storage.ClaimPaid, report.Resolved[0].State)
}

func TestClaimRoundsSurviveEngineRebuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, cover := h.cover1000(t)

	eventAt := h.start.Add(10 * 24 * time.Hour)
	h.mark(crashRound, eventAt, halfAnswer)
	h.now = eventAt.Add(time.Hour)
	c, err := h.engine.SubmitClaim(ctx, holder, cover.ID, crashRound)
	require.NoError(t, err)

	// a keeper started later shares only the store with the engine that took the claim
	rebuilt := h.engineOver(t, h.store)
	before := h.balance(t, currency.USDT, holder)
	h.now = eventAt.Add(73 * time.Hour)
	report, err := rebuilt.ValidateAllPendingClaims(ctx, storage.ListingRequest)
	require.NoError(t, err)
	require.Len(t, report.Resolved, 1)
	require.Equal(t, c.ID, report.Resolved[0].ID)
	require.Equal(t, storage.ClaimPaid, report.Resolved[0].State)
	gained := new(uint256.Int).Sub(h.balance(t, currency.USDT, holder), before)
	require.Equal(t, usdt(500).Dec(), gained.Dec())

	_, err = rebuilt.SubmitClaim(ctx, holder, cover.ID, roundid.ID{Phase: 1, Local: 6000})
	require.ErrorIs(t, err, ErrDuplicateClaim)
}
