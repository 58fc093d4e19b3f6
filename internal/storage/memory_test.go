package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"covermarket/internal/currency"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000001001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000002001")
)

func TestMemoryStoreAtomicRollback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		req := CoverRequest{Holder: alice, InsuredSum: uint256.NewInt(1)}
		if err := tx.InsertRequest(ctx, &req); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("期望返回回调错误, 实际: %v", err)
	}

	_ = store.View(ctx, func(ctx context.Context, tx Tx) error {
		reqs, err := tx.ListRequests(ctx, ListingFilter{})
		if err != nil {
			t.Fatalf("ListRequests 失败: %v", err)
		}
		if len(reqs) != 0 {
			t.Fatalf("失败的事务不应留下记录, 实际 %d 条", len(reqs))
		}
		return nil
	})

	var id uint64
	if err := store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		req := CoverRequest{Holder: alice, InsuredSum: uint256.NewInt(1)}
		err := tx.InsertRequest(ctx, &req)
		id = req.ID
		return err
	}); err != nil {
		t.Fatalf("Atomic 失败: %v", err)
	}
	if id != 1 {
		t.Fatalf("回滚后序号应从 1 开始, 实际 %d", id)
	}
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	store := NewMemoryStore()
	err := store.View(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertOffer(ctx, &CoverOffer{Funder: bob})
	})
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("只读视图中写入应失败, 实际: %v", err)
	}
}

func TestMemoryStoreDuplicateWithdrawal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	insert := func() error {
		return store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertWithdrawal(ctx, &Withdrawal{Kind: WithdrawPremiumCollect, RefID: 7, Account: bob, Amount: uint256.NewInt(5)})
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("首次写入失败: %v", err)
	}
	if err := insert(); !errors.Is(err, ErrDuplicateWithdrawal) {
		t.Fatalf("期望 ErrDuplicateWithdrawal, 实际: %v", err)
	}

	_ = store.View(ctx, func(ctx context.Context, tx Tx) error {
		done, _ := tx.HasWithdrawal(ctx, WithdrawPremiumCollect, 7)
		other, _ := tx.HasWithdrawal(ctx, WithdrawPremiumRefund, 7)
		if !done || other {
			t.Fatalf("提现记录应按 (kind, ref) 区分: done=%v other=%v", done, other)
		}
		return nil
	})
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	_ = store.View(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetCover(ctx, 42); !errors.Is(err, ErrNotFound) {
			t.Fatalf("期望 ErrNotFound, 实际: %v", err)
		}
		if _, err := tx.GetClaim(ctx, 42); !errors.Is(err, ErrNotFound) {
			t.Fatalf("期望 ErrNotFound, 实际: %v", err)
		}
		return nil
	})
}

func TestMemoryStoreFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	batch := uuid.New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		covers := []Cover{
			{ListingType: ListingRequest, ListingID: 1, BookingID: 1, Holder: alice, Funder: bob, StartAt: now, EndAt: now.Add(time.Hour)},
			{ListingType: ListingOffer, ListingID: 1, BookingID: 2, Holder: alice, Funder: alice},
			{ListingType: ListingRequest, ListingID: 2, BookingID: 3, Holder: bob, Funder: bob},
		}
		for i := range covers {
			if err := tx.InsertCover(ctx, &covers[i]); err != nil {
				return err
			}
		}
		claims := []Claim{
			{CoverID: 1, ListingType: ListingRequest, Holder: alice, Funder: bob, BatchID: batch, State: ClaimPending},
			{CoverID: 1, ListingType: ListingRequest, Holder: alice, Funder: bob, State: ClaimInvalid},
			{CoverID: 2, ListingType: ListingOffer, Holder: alice, Funder: alice, BatchID: batch, State: ClaimValid},
		}
		for i := range claims {
			if err := tx.InsertClaim(ctx, &claims[i]); err != nil {
				return err
			}
		}
		bookings := []Booking{
			{ListingType: ListingRequest, ListingID: 1, Provider: bob},
			{ListingType: ListingOffer, ListingID: 1, Provider: alice},
		}
		for i := range bookings {
			if err := tx.InsertBooking(ctx, &bookings[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	_ = store.View(ctx, func(ctx context.Context, tx Tx) error {
		cases := []struct {
			name   string
			filter CoverFilter
			want   int
		}{
			{"all", CoverFilter{}, 3},
			{"listing", CoverFilter{Listing: &ListingRef{Type: ListingRequest, ID: 1}}, 1},
			{"booking", CoverFilter{BookingID: 3}, 1},
			{"holder", CoverFilter{Holder: alice}, 2},
			{"funder", CoverFilter{Funder: bob}, 2},
		}
		for _, tc := range cases {
			got, _ := tx.ListCovers(ctx, tc.filter)
			if len(got) != tc.want {
				t.Errorf("cover 过滤 %s: 期望 %d 条, 实际 %d 条", tc.name, tc.want, len(got))
			}
		}

		claimCases := []struct {
			name   string
			filter ClaimFilter
			want   int
		}{
			{"cover", ClaimFilter{CoverID: 1}, 2},
			{"type", ClaimFilter{ListingType: TypePtr(ListingOffer)}, 1},
			{"batch", ClaimFilter{BatchID: batch}, 2},
			{"states", ClaimFilter{States: []ClaimState{ClaimPending, ClaimValid}}, 2},
			{"funder", ClaimFilter{Funder: bob, States: []ClaimState{ClaimInvalid}}, 1},
		}
		for _, tc := range claimCases {
			got, _ := tx.ListClaims(ctx, tc.filter)
			if len(got) != tc.want {
				t.Errorf("claim 过滤 %s: 期望 %d 条, 实际 %d 条", tc.name, tc.want, len(got))
			}
		}

		got, _ := tx.ListBookings(ctx, BookingFilter{Type: TypePtr(ListingRequest), Provider: bob})
		if len(got) != 1 || got[0].ListingID != 1 {
			t.Errorf("booking 过滤结果不符: %+v", got)
		}
		return nil
	})
}

func TestClaimStateTransitions(t *testing.T) {
	cases := []struct {
		state    ClaimState
		resolved bool
		consumes bool
	}{
		{ClaimPending, false, false},
		{ClaimInvalid, true, false},
		{ClaimValid, false, true},
		{ClaimPaid, true, true},
		{ClaimSwept, true, true},
	}
	for _, tc := range cases {
		if tc.state.Resolved() != tc.resolved || tc.state.ConsumesCover() != tc.consumes {
			t.Errorf("%s: resolved=%v consumes=%v", tc.state, tc.state.Resolved(), tc.state.ConsumesCover())
		}
	}
}

func TestCoverActive(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Cover{StartAt: start, EndAt: start.Add(time.Hour)}
	if c.Active(start.Add(-time.Nanosecond)) || !c.Active(start) || c.Active(start.Add(time.Hour)) {
		t.Fatal("cover 有效期应为 [StartAt, EndAt)")
	}
	if (Cover{}).Active(start) {
		t.Fatal("未开始的 cover 不应有效")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("读取迁移失败: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Version != 1 {
		t.Fatalf("首个迁移版本应为 1: %+v", migrations)
	}
	for _, table := range []string{"cover_requests", "covers", "claims", "withdrawals"} {
		if !strings.Contains(migrations[0].SQL, table) {
			t.Errorf("初始迁移缺少表 %s", table)
		}
	}
}

func TestMigrationsAddAccounts(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("读取迁移失败: %v", err)
	}
	if len(migrations) < 2 || migrations[1].Version != 2 || !strings.Contains(migrations[1].SQL, "accounts") {
		t.Fatalf("第二个迁移应创建 accounts 表: %+v", migrations)
	}
}

func TestLedgerBalancesFollowTheUnitOfWork(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store)
	ctx := context.Background()
	boom := errors.New("boom")

	if err := ledger.Mint(ctx, currency.USDT, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint 失败: %v", err)
	}

	err := store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := currency.Apply(ctx, tx, []currency.Transfer{{Currency: currency.USDT, From: alice, To: bob, Amount: uint256.NewInt(40)}}); err != nil {
			return err
		}
		req := CoverRequest{Holder: alice, InsuredSum: uint256.NewInt(1)}
		if err := tx.InsertRequest(ctx, &req); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("期望返回回调错误, 实际: %v", err)
	}
	if got, _ := ledger.BalanceOf(ctx, currency.USDT, alice); got.Uint64() != 100 {
		t.Fatalf("回滚后余额不应变化: %s", got.Dec())
	}
	if got, _ := ledger.BalanceOf(ctx, currency.USDT, bob); !got.IsZero() {
		t.Fatalf("回滚后不应入账: %s", got.Dec())
	}

	if err := ledger.Settle(ctx, []currency.Transfer{{Currency: currency.USDT, From: alice, To: bob, Amount: uint256.NewInt(40)}}); err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if got, _ := ledger.BalanceOf(ctx, currency.USDT, bob); got.Uint64() != 40 {
		t.Fatalf("bob 应收到 40: %s", got.Dec())
	}
	if n, _ := ledger.Nonce(ctx, currency.USDT, alice); n != 1 {
		t.Fatalf("nonce 应为 1: %d", n)
	}

	// a second ledger over the same store sees the committed balances
	if got, _ := NewLedger(store).BalanceOf(ctx, currency.USDT, alice); got.Uint64() != 60 {
		t.Fatalf("余额应保存在 store 中: %s", got.Dec())
	}
	if err := store.View(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutAccount(ctx, currency.USDT, alice, currency.Account{})
	}); err == nil {
		t.Fatal("只读视图不应允许写账户")
	}
}

func TestPostgresStoreNotConfigured(t *testing.T) {
	var store PostgresStore
	err := store.Atomic(context.Background(), func(ctx context.Context, tx Tx) error { return nil })
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际: %v", err)
	}
}
