package roundid

import (
	"errors"
	"math/big"
	"testing"
)

func TestParseKnownRound(t *testing.T) {
	id, err := ParseString("18446744073709555636")
	if err != nil {
		t.Fatalf("解析 round id 失败: %v", err)
	}
	if id.Phase != 1 || id.Local != 3988 {
		t.Fatalf("phase/local 不正确: %+v", id)
	}
	if id.String() != "18446744073709555636" {
		t.Fatalf("重新打包结果不一致: %s", id)
	}
}

func TestComposeParseRoundTrip(t *testing.T) {
	cases := []ID{
		{Phase: 0, Local: 1},
		{Phase: 2, Local: 92233720368547771},
		{Phase: 65535, Local: 18446744073709551615},
	}
	for _, want := range cases {
		got, err := Parse(Compose(want.Phase, want.Local))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("往返结果不一致: got %+v want %+v", got, want)
		}
	}
}

func TestParseRejectsWideValues(t *testing.T) {
	wide := new(big.Int).Lsh(big.NewInt(1), 80)
	if _, err := Parse(wide); !errors.Is(err, ErrTooWide) {
		t.Fatalf("超过 80 位应报错, 实际 %v", err)
	}
	if _, err := Parse(big.NewInt(-1)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("负数应报错, 实际 %v", err)
	}
	if _, err := ParseString("abc"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("非法字符串应报错, 实际 %v", err)
	}
}

func TestOffsetStaysInPhase(t *testing.T) {
	id := ID{Phase: 3, Local: 2}
	prev, ok := id.Offset(-1)
	if !ok || prev != (ID{Phase: 3, Local: 1}) {
		t.Fatalf("向前偏移不正确: %+v %v", prev, ok)
	}
	if _, ok := id.Offset(-2); ok {
		t.Fatal("不应越过 local round 1")
	}
	next, ok := id.Offset(150)
	if !ok || next.Phase != 3 || next.Local != 152 {
		t.Fatalf("向后偏移不正确: %+v", next)
	}
	if _, ok := (ID{Phase: 1, Local: ^uint64(0)}).Offset(1); ok {
		t.Fatal("溢出时应返回 false")
	}
}

func TestBefore(t *testing.T) {
	if !(ID{Phase: 1, Local: 900}).Before(ID{Phase: 2, Local: 1}) {
		t.Fatal("低 phase 应排在前")
	}
	if (ID{Phase: 2, Local: 5}).Before(ID{Phase: 2, Local: 5}) {
		t.Fatal("相同 round 不应 Before")
	}
}
