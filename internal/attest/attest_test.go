package attest

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var testDomain = Domain{
	Name:              "insured-finance",
	Version:           "v1",
	ChainID:           4,
	VerifyingContract: common.HexToAddress("0x1aB9bA6Bfc1e5C8E3BdD2C5E3a8Fc6C4eC3fD6a1"),
}

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成私钥失败: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)

	info := PriceInfo{CoinID: "tether", CoinSymbol: "USDT", CoinPrice: big.NewInt(1_000_000), LastUpdatedAt: now.Unix() - 30}
	att, err := Sign(testDomain, info, key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	if att.Signature[64] != 27 && att.Signature[64] != 28 {
		t.Fatalf("v 应为 27/28, 实际 %d", att.Signature[64])
	}

	verifier := NewVerifier(testDomain, signer, 5*time.Minute, WithClock(func() time.Time { return now }))
	got, err := verifier.Verify(att, "tether")
	if err != nil {
		t.Fatalf("验证应成功: %v", err)
	}
	if got.CoinPrice.Int64() != 1_000_000 {
		t.Fatalf("价格不正确: %s", got.CoinPrice)
	}

	if _, err := verifier.Verify(att, "dai"); !errors.Is(err, ErrCoinMismatch) {
		t.Fatalf("coin 不一致应报错, 实际 %v", err)
	}

	tampered := att
	tampered.CoinPrice = big.NewInt(2_000_000)
	if _, err := verifier.Verify(tampered, "tether"); err == nil {
		t.Fatal("篡改后的价格不应通过验证")
	}

	stale := NewVerifier(testDomain, signer, 10*time.Second, WithClock(func() time.Time { return now }))
	if _, err := stale.Verify(att, "tether"); !errors.Is(err, ErrStale) {
		t.Fatalf("过期价格应报错, 实际 %v", err)
	}
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成私钥失败: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)
	sign := func(at time.Time) Attestation {
		att, err := Sign(testDomain, PriceInfo{CoinID: "tether", CoinSymbol: "USDT", CoinPrice: big.NewInt(1_000_000), LastUpdatedAt: at.Unix()}, key)
		if err != nil {
			t.Fatalf("签名失败: %v", err)
		}
		return att
	}

	verifier := NewVerifier(testDomain, signer, 5*time.Minute, WithClock(func() time.Time { return now }))
	if _, err := verifier.Verify(sign(now.Add(DefaultClockSkew)), "tether"); err != nil {
		t.Fatalf("容许范围内的时钟偏差应通过: %v", err)
	}
	if _, err := verifier.Verify(sign(now.Add(time.Hour)), "tether"); !errors.Is(err, ErrFromFuture) {
		t.Fatalf("未来时间的价格应报错, 实际 %v", err)
	}

	unbounded := NewVerifier(testDomain, signer, 0, WithClock(func() time.Time { return now }))
	if _, err := unbounded.Verify(sign(now.Add(24*time.Hour)), "tether"); !errors.Is(err, ErrFromFuture) {
		t.Fatalf("不限时效时仍应拒绝未来时间, 实际 %v", err)
	}

	strict := NewVerifier(testDomain, signer, 5*time.Minute, WithClock(func() time.Time { return now }), WithClockSkew(0))
	if _, err := strict.Verify(sign(now.Add(time.Second)), "tether"); !errors.Is(err, ErrFromFuture) {
		t.Fatalf("零偏差时应拒绝任何未来时间, 实际 %v", err)
	}
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	info := PriceInfo{CoinID: "dai", CoinSymbol: "DAI", CoinPrice: big.NewInt(999_000), LastUpdatedAt: time.Now().Unix()}
	att, err := Sign(testDomain, info, key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}

	verifier := NewVerifier(testDomain, crypto.PubkeyToAddress(other.PublicKey), time.Hour)
	if _, err := verifier.Verify(att, ""); !errors.Is(err, ErrUnknownSigner) {
		t.Fatalf("非授权签名者应报错, 实际 %v", err)
	}

	otherDomain := testDomain
	otherDomain.ChainID = 1
	addr, err := Recover(otherDomain, att)
	if err == nil && addr == crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("不同 domain 不应恢复出同一签名者")
	}
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	att := Attestation{PriceInfo: PriceInfo{CoinID: "x", CoinPrice: big.NewInt(1)}, Signature: []byte{1, 2, 3}}
	if _, err := Recover(testDomain, att); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("短签名应报错, 实际 %v", err)
	}
}
