package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"covermarket/internal/attest"
	"covermarket/internal/config"
	"covermarket/internal/currency"
	"covermarket/internal/listing"
	"covermarket/internal/pricefeed"
	"covermarket/internal/roundid"
	"covermarket/internal/service"
	"covermarket/internal/storage"
)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	cfg.Database.DSN = ""
	cfg.Alerting.Enabled = false
	cfg.Fee.DevWallet = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	cfg.Fee.Pool = common.HexToAddress("0x00000000000000000000000000000000000000a1")

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.out = out
	return a, out
}

func TestSimulateClaimPaysDevaluation(t *testing.T) {
	a, out := testApp(t)
	res, err := a.SimulateClaim(context.Background(), SimulateOptions{
		Symbol:      "USDT",
		InsuredSum:  decimal.NewFromInt(1000),
		Devaluation: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("模拟索赔失败: %v", err)
	}
	if res.Submitted.State != storage.ClaimPending {
		t.Fatalf("监控期内提交应为 pending, 实际 %s", res.Submitted.State)
	}
	if res.Final.State != storage.ClaimPaid {
		t.Fatalf("监控期满后应已赔付, 实际 %s", res.Final.State)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(500), uint256.NewInt(1_000_000))
	if res.Final.Payout == nil || !res.Final.Payout.Eq(want) {
		t.Fatalf("赔付金额错误: 期望 %s, 实际 %v", want.Dec(), res.Final.Payout)
	}
	if res.ListingFee == nil || res.ListingFee.IsZero() {
		t.Fatal("应收取挂单费")
	}
	if !strings.Contains(out.String(), "paid") {
		t.Fatalf("输出应包含最终状态: %s", out.String())
	}
}

func TestSimulateClaimBelowThreshold(t *testing.T) {
	a, _ := testApp(t)
	res, err := a.SimulateClaim(context.Background(), SimulateOptions{
		Symbol:      "USDT",
		InsuredSum:  decimal.NewFromInt(1000),
		Devaluation: decimal.RequireFromString("0.1"),
	})
	if err != nil {
		t.Fatalf("模拟索赔失败: %v", err)
	}
	if res.Final.State != storage.ClaimInvalid {
		t.Fatalf("未达阈值的索赔应直接判定无效, 实际 %s", res.Final.State)
	}
}

func TestSimulateClaimValidatesInput(t *testing.T) {
	a, _ := testApp(t)
	ctx := context.Background()
	if _, err := a.SimulateClaim(ctx, SimulateOptions{Symbol: "USDT"}); err == nil {
		t.Fatal("缺少保额时应报错")
	}
	if _, err := a.SimulateClaim(ctx, SimulateOptions{Symbol: "USDT", InsuredSum: decimal.NewFromInt(1), Devaluation: decimal.NewFromInt(1)}); err == nil {
		t.Fatal("贬值比例必须小于 1")
	}
	if _, err := a.SimulateClaim(ctx, SimulateOptions{Symbol: "XYZ", InsuredSum: decimal.NewFromInt(1)}); err == nil {
		t.Fatal("未知币种应报错")
	}
}

func memoryFeeds(start time.Time) (*pricefeed.Registry, roundid.ID) {
	feed := pricefeed.NewMemory(8)
	center := roundid.ID{Phase: 2, Local: 100}
	first, _ := center.Offset(-5)
	feed.Fill(first, 11, 100_000_000, start, time.Minute)
	feed.Set(center, 70_000_000, start.Add(5*time.Minute))
	feeds := pricefeed.NewRegistry()
	feeds.Add("tether", feed)
	return feeds, center
}

func TestQuoteFeeUsesReferenceRound(t *testing.T) {
	a, out := testApp(t)
	feeds, center := memoryFeeds(time.Now().UTC())
	a.feeds = feeds

	err := a.QuoteFee(context.Background(), QuoteOptions{
		InsuredSum: decimal.NewFromInt(1729),
		Symbol:     "usdt",
		FeePrice:   decimal.RequireFromString("0.05"),
		Round:      roundid.ID{Phase: 2, Local: 99},
	})
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if !strings.Contains(out.String(), "345.8 INFI") {
		t.Fatalf("1729 USDT 在 $1、费率币 $0.05 时应收 345.8 INFI: %s", out.String())
	}

	out.Reset()
	if err := a.QuoteFee(context.Background(), QuoteOptions{InsuredSum: decimal.NewFromInt(1), Symbol: "USDT", FeePrice: decimal.NewFromInt(1), Round: center}); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if err := a.QuoteFee(context.Background(), QuoteOptions{Symbol: "USDT"}); err == nil {
		t.Fatal("保额为零时应报错")
	}
}

func TestAssessPrintsMedian(t *testing.T) {
	a, out := testApp(t)
	a.Config.Claim.RoundsBefore, a.Config.Claim.RoundsAfter = 5, 5
	feeds, center := memoryFeeds(time.Now().UTC())
	a.feeds = feeds

	err := a.Assess(context.Background(), AssessOptions{Coin: "tether", Round: center, InsuredSum: decimal.NewFromInt(100), Symbol: "USDT"})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "false") || !strings.Contains(text, "0 USDT") {
		t.Fatalf("单轮下跌不应改变中位数, 也不应产生赔付: %s", text)
	}
	if err := a.Assess(context.Background(), AssessOptions{Coin: "tether"}); err == nil {
		t.Fatal("缺少 round 时应报错")
	}
	if err := a.Assess(context.Background(), AssessOptions{Coin: "dai", Round: center}); err == nil {
		t.Fatal("未注册的 feed 应报错")
	}
}

func TestExportWritesCSV(t *testing.T) {
	a, _ := testApp(t)
	feeds, center := memoryFeeds(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	a.feeds = feeds
	path := filepath.Join(t.TempDir(), "nested", "window.csv")

	err := a.Export(context.Background(), ExportOptions{Coin: "tether", Round: center, Before: 5, After: 5, CSVPath: path})
	if err != nil {
		t.Fatalf("导出失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(records) != 12 {
		t.Fatalf("期望 1 行表头 + 11 行数据, 实际 %d", len(records))
	}
	mid := records[6]
	if mid[2] != "100" || mid[4] != "0.7" || mid[5] != "-30.0000" {
		t.Fatalf("中心轮次数据错误: %v", mid)
	}

	if err := a.Export(context.Background(), ExportOptions{Coin: "tether", Round: center}); err == nil {
		t.Fatal("未指定输出路径时应报错")
	}
}

func TestDownsampleRowsKeepsEnds(t *testing.T) {
	rows := make([]exportRow, 10)
	for i := range rows {
		rows[i].Round = roundid.ID{Phase: 1, Local: uint64(i + 1)}
	}
	got := downsampleRows(rows, 4)
	if len(got) != 4 || got[0].Round.Local != 1 || got[3].Round.Local != 10 {
		t.Fatalf("降采样应保留首尾: %+v", got)
	}
	if len(downsampleRows(rows, 0)) != 10 {
		t.Fatal("max<=1 时不应降采样")
	}
}

func TestShowListsRecords(t *testing.T) {
	a, out := testApp(t)
	ctx := context.Background()
	store := storage.NewMemoryStore()
	holder := common.HexToAddress("0x0000000000000000000000000000000000001001")

	err := store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		for i := 0; i < 3; i++ {
			c := storage.Claim{CoverID: uint64(i + 1), Holder: holder, Payout: uint256.NewInt(2_500_000), PayoutCurrency: currency.USDT, State: storage.ClaimPaid}
			if err := tx.InsertClaim(ctx, &c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	currencies, err := currency.NewRegistry(storage.NewLedger(store), currency.DefaultSpecs())
	if err != nil {
		t.Fatalf("构建币种失败: %v", err)
	}

	if err := a.show(ctx, store, currencies, ShowOptions{What: "claims", Limit: 2}); err != nil {
		t.Fatalf("show 失败: %v", err)
	}
	text := out.String()
	if strings.Count(text, "2.5 USDT") != 2 {
		t.Fatalf("应只显示最近 2 条索赔: %s", text)
	}

	out.Reset()
	if err := a.show(ctx, store, currencies, ShowOptions{What: "offers"}); err != nil {
		t.Fatalf("show 失败: %v", err)
	}
	if !strings.Contains(out.String(), "no records found") {
		t.Fatalf("空表应提示无记录: %s", out.String())
	}

	if err := a.show(ctx, store, currencies, ShowOptions{What: "bogus"}); err == nil {
		t.Fatal("未知类型应报错")
	}
}

func TestKeeperPaysClaimAfterRestart(t *testing.T) {
	a, _ := testApp(t)
	a.Config.Claim.RoundsBefore, a.Config.Claim.RoundsAfter = 3, 3
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	a.Config.Attestation.Signer = crypto.PubkeyToAddress(key.PublicKey)
	holder := common.HexToAddress("0x0000000000000000000000000000000000001001")
	funder := common.HexToAddress("0x0000000000000000000000000000000000002001")

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := storage.NewMemoryStore()
	feed := pricefeed.NewMemory(8)
	feeds := pricefeed.NewRegistry()
	feeds.Add("tether", feed)
	opts := marketOptions{
		store:  store,
		feeds:  feeds,
		signer: attest.NewVerifier(a.domain(), a.Config.Attestation.Signer, time.Hour, attest.WithClock(clock)),
		now:    clock,
	}
	sign := func(coinID, symbol string, price int64) attest.Attestation {
		att, err := attest.Sign(a.domain(), attest.PriceInfo{CoinID: coinID, CoinSymbol: symbol, CoinPrice: big.NewInt(price), LastUpdatedAt: now.Unix()}, key)
		if err != nil {
			t.Fatalf("签名失败: %v", err)
		}
		return att
	}

	first, err := a.buildMarket(ctx, opts)
	if err != nil {
		t.Fatalf("构建市场失败: %v", err)
	}
	refRound := roundid.ID{Phase: 1, Local: 1_000}
	feed.Set(refRound, 100_000_000, now.Add(-time.Hour))

	insured := new(uint256.Int).Mul(uint256.NewInt(1_000), uint256.NewInt(1_000_000))
	premium := uint256.NewInt(10_000_000)
	feePricing := sign(a.listingConfig().FeeCoinID, "INFI", 50_000)
	fee, err := first.listing.QuoteListingFee(ctx, insured, currency.USDT, feePricing, refRound)
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	for _, mint := range []struct {
		id      currency.ID
		account common.Address
		amount  *uint256.Int
	}{{currency.USDT, holder, premium}, {currency.INFI, holder, fee}, {currency.USDT, funder, insured}} {
		if err := first.ledger.Mint(ctx, mint.id, mint.account, mint.amount); err != nil {
			t.Fatalf("mint 失败: %v", err)
		}
	}

	req, err := first.listing.CreateCoverRequest(ctx, holder, listing.CreateRequestInput{
		CoinID:             "tether",
		InsuredSum:         insured,
		InsuredSumTarget:   insured,
		InsuredSumCurrency: currency.USDT,
		PremiumSum:         premium,
		PremiumCurrency:    currency.USDT,
		CoverMonths:        3,
		ExpiredAt:          now.Add(7 * 24 * time.Hour),
		Limit:              storage.CoverLimit{TerritoryIDs: []uint16{0}},
		Rule:               storage.RuleFull,
		FeePricing:         feePricing,
		AssetPricing:       sign("tether", "USDT", 1_000_000),
		RoundID:            refRound,
		FeeReceived:        fee,
	})
	if err != nil {
		t.Fatalf("创建请求失败: %v", err)
	}
	provided, err := first.listing.ProvideCover(ctx, funder, listing.ProvideCoverInput{
		RequestID:    req.ID,
		FundingSum:   insured,
		AssetPricing: sign("tether", "USDT", 1_000_000),
	})
	if err != nil || len(provided.Covers) != 1 {
		t.Fatalf("注资失败: %v %+v", err, provided)
	}

	crash := roundid.ID{Phase: 1, Local: 5_000}
	eventAt := now.Add(10 * 24 * time.Hour)
	start, _ := crash.Offset(-3)
	feed.Fill(start, 7, 50_000_000, eventAt.Add(-3*time.Minute), time.Minute)
	now = eventAt.Add(time.Hour)
	pending, err := first.claims.SubmitClaim(ctx, holder, provided.Covers[0].ID, crash)
	if err != nil || pending.State != storage.ClaimPending {
		t.Fatalf("监控期内提交应为 pending: %v %+v", err, pending)
	}
	first.close()

	restarted, err := a.buildMarket(ctx, opts)
	if err != nil {
		t.Fatalf("重建市场失败: %v", err)
	}
	defer restarted.close()

	now = eventAt.Add(73 * time.Hour)
	keeper := service.New(a.Config, nil, restarted.claims, restarted.store, zerolog.Nop())
	stats, err := keeper.ProcessTick(ctx, now)
	if err != nil {
		t.Fatalf("重启后 keeper 执行失败: %v", err)
	}
	if stats.Resolved != 1 || stats.Failed != 0 {
		t.Fatalf("重启后应结算 1 条索赔: %+v", stats)
	}

	balance, err := restarted.ledger.BalanceOf(ctx, currency.USDT, holder)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(500), uint256.NewInt(1_000_000))
	if !balance.Eq(want) {
		t.Fatalf("持有人应收到 500 USDT 赔付, 实际 %s", balance.Dec())
	}
	if err := store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.GetClaim(ctx, pending.ID)
		if err != nil {
			return err
		}
		if got.State != storage.ClaimPaid {
			t.Fatalf("索赔应已赔付, 实际 %s", got.State)
		}
		return nil
	}); err != nil {
		t.Fatalf("读取索赔失败: %v", err)
	}
}
