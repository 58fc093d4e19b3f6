package cli

import (
	"testing"

	"covermarket/internal/roundid"
)

func TestParseRound(t *testing.T) {
	cases := []struct {
		in      string
		want    roundid.ID
		wantErr bool
	}{
		{"", roundid.ID{}, false},
		{"1:3988", roundid.ID{Phase: 1, Local: 3988}, false},
		{roundid.Compose(2, 77).String(), roundid.ID{Phase: 2, Local: 77}, false},
		{" 18446744073709555604 ", roundid.ID{Phase: 1, Local: 3988}, false},
		{"70000:1", roundid.ID{}, true},
		{"1:x", roundid.ID{}, true},
		{"abc", roundid.ID{}, true},
	}
	for _, tc := range cases {
		got, err := parseRound(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseRound(%q) 错误不符: %v", tc.in, err)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("parseRound(%q) = %+v, 期望 %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseAccount(t *testing.T) {
	if addr, err := parseAccount(""); err != nil || addr != ([20]byte{}) {
		t.Fatalf("空地址应返回零值: %v %v", addr, err)
	}
	if _, err := parseAccount("0x1234"); err == nil {
		t.Fatal("非法地址应报错")
	}
	if _, err := parseAccount("0x0000000000000000000000000000000000001001"); err != nil {
		t.Fatalf("合法地址不应报错: %v", err)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"run": false, "migrate": false, "fee": false, "assess": false, "export": false, "show": false, "simulate-claim": false, "version": false}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("缺少子命令 %s", name)
		}
	}
}
