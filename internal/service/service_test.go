package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"covermarket/internal/claim"
	"covermarket/internal/config"
	"covermarket/internal/storage"
)

var devWallet = common.HexToAddress("0x00000000000000000000000000000000000000d1")

type fakeKeeper struct {
	validated []storage.ListingType
	sweptBy   []common.Address
	reports   map[storage.ListingType]claim.ValidationReport
	validErr  error
	sweep     claim.SweepResult
	sweepErr  error
}

func (f *fakeKeeper) ValidateAllPendingClaims(ctx context.Context, lt storage.ListingType) (claim.ValidationReport, error) {
	f.validated = append(f.validated, lt)
	return f.reports[lt], f.validErr
}

func (f *fakeKeeper) WithdrawExpiredPayout(ctx context.Context, caller common.Address) (claim.SweepResult, error) {
	f.sweptBy = append(f.sweptBy, caller)
	return f.sweep, f.sweepErr
}

type fakeLockStore struct {
	storage.Store
	acquired bool
	err      error
	keys     []int64
	released int
}

func (f *fakeLockStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.keys = append(f.keys, key)
	if f.err != nil || !f.acquired {
		return nil, false, f.err
	}
	return func() { f.released++ }, true, nil
}

func testConfig(lockKey int64) *config.Config {
	cfg := &config.Config{}
	cfg.Fee.DevWallet = devWallet
	cfg.Scheduler.AdvisoryLockKey = lockKey
	return cfg
}

func TestProcessTickResolvesAndSweeps(t *testing.T) {
	keeper := &fakeKeeper{
		reports: map[storage.ListingType]claim.ValidationReport{
			storage.ListingRequest: {Resolved: make([]storage.Claim, 2), Deferred: 1},
			storage.ListingOffer:   {Resolved: make([]storage.Claim, 1), Failed: 1},
		},
		validErr: errors.New("round unavailable"),
		sweep:    claim.SweepResult{Claims: make([]storage.Claim, 3)},
	}
	svc := New(testConfig(0), nil, keeper, storage.NewMemoryStore(), zerolog.Nop())

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("校验失败只应记录日志, 实际返回: %v", err)
	}
	if len(keeper.validated) != 2 || keeper.validated[0] != storage.ListingRequest || keeper.validated[1] != storage.ListingOffer {
		t.Fatalf("应依次处理 request 与 offer: %v", keeper.validated)
	}
	want := TickStats{Resolved: 3, Deferred: 1, Failed: 1, Swept: 3}
	if stats != want {
		t.Fatalf("统计不符: 期望 %+v, 实际 %+v", want, stats)
	}
	if len(keeper.sweptBy) != 1 || keeper.sweptBy[0] != devWallet {
		t.Fatalf("应以 dev 钱包身份清扫: %v", keeper.sweptBy)
	}
}

func TestProcessTickNothingToSweep(t *testing.T) {
	keeper := &fakeKeeper{sweepErr: fmt.Errorf("sweep: %w", claim.ErrNothingToRefund)}
	svc := New(testConfig(0), nil, keeper, nil, zerolog.Nop())

	stats, err := svc.ProcessTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("无可清扫赔付不应报错: %v", err)
	}
	if stats.Swept != 0 {
		t.Fatalf("不应统计清扫数量: %+v", stats)
	}
}

func TestProcessTickWithoutDevWalletSkipsSweep(t *testing.T) {
	keeper := &fakeKeeper{}
	cfg := testConfig(0)
	cfg.Fee.DevWallet = common.Address{}
	svc := New(cfg, nil, keeper, nil, zerolog.Nop())

	if _, err := svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick 失败: %v", err)
	}
	if len(keeper.sweptBy) != 0 {
		t.Fatal("未配置 dev 钱包时不应清扫")
	}
}

func TestProcessTickAdvisoryLock(t *testing.T) {
	keeper := &fakeKeeper{}
	held := &fakeLockStore{acquired: false}
	svc := New(testConfig(42), nil, keeper, held, zerolog.Nop())

	if _, err := svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("锁被占用时应静默跳过: %v", err)
	}
	if len(keeper.validated) != 0 {
		t.Fatal("未获得锁时不应执行任务")
	}

	free := &fakeLockStore{acquired: true}
	svc = New(testConfig(42), nil, keeper, free, zerolog.Nop())
	if _, err := svc.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick 失败: %v", err)
	}
	if len(free.keys) != 1 || free.keys[0] != 42 || free.released != 1 {
		t.Fatalf("应使用配置的锁并在结束后释放: keys=%v released=%d", free.keys, free.released)
	}

	broken := &fakeLockStore{err: errors.New("conn reset")}
	svc = New(testConfig(42), nil, keeper, broken, zerolog.Nop())
	if _, err := svc.ProcessTick(context.Background(), time.Now()); err == nil {
		t.Fatal("获取锁出错时应返回错误")
	}
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(testConfig(0), nil, &fakeKeeper{}, nil, zerolog.Nop())
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("缺少 scheduler 时应报错")
	}
}
