package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"covermarket/internal/roundid"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newFakeNode answers eth_call for an aggregator proxy whose only populated round is present.
func newFakeNode(t *testing.T, present roundid.ID, answer int64, updatedAt int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("解析 JSON-RPC 请求失败: %v", err)
		}
		if req.Method != "eth_call" {
			t.Fatalf("只应调用 eth_call, 实际 %s", req.Method)
		}
		var call struct {
			Input hexutil.Bytes `json:"input"`
			Data  hexutil.Bytes `json:"data"`
		}
		if err := json.Unmarshal(req.Params[0], &call); err != nil {
			t.Fatalf("解析 call 参数失败: %v", err)
		}
		data := call.Input
		if len(data) == 0 {
			data = call.Data
		}

		reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		method, err := aggregatorProxyABI.MethodById(data[:4])
		if err != nil {
			t.Fatalf("未知 selector: %v", err)
		}
		switch method.Name {
		case "decimals":
			out, _ := method.Outputs.Pack(uint8(8))
			reply["result"] = hexutil.Encode(out)
		case "getRoundData", "latestRoundData":
			round := present.Packed()
			if method.Name == "getRoundData" {
				args, _ := method.Inputs.Unpack(data[4:])
				round = args[0].(*big.Int)
			}
			if round.Cmp(present.Packed()) != 0 {
				reply["error"] = map[string]any{"code": 3, "message": "execution reverted: No data present", "data": "0x"}
				break
			}
			out, _ := method.Outputs.Pack(round, big.NewInt(answer), big.NewInt(updatedAt), big.NewInt(updatedAt), round)
			reply["result"] = hexutil.Encode(out)
		}

		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(reply)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf.Bytes())
	}))
}

func TestAggregatorMissingConfig(t *testing.T) {
	feed := NewAggregator(AggregatorOptions{}, zerolog.Nop())
	if _, err := feed.LatestRound(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	feed = NewAggregator(AggregatorOptions{RPCURL: "http://localhost"}, zerolog.Nop())
	if _, err := feed.LatestRound(context.Background()); err == nil {
		t.Fatal("缺少合约地址应报错")
	}
}

func TestAggregatorRoundData(t *testing.T) {
	present := roundid.ID{Phase: 1, Local: 3988}
	srv := newFakeNode(t, present, 74_000_000, 1_620_000_000)
	defer srv.Close()

	feed := NewAggregator(AggregatorOptions{
		RPCURL:  srv.URL,
		Address: "0x3E7d1eAB13ad0104d2750B8863b489D65364e32D",
		Timeout: time.Second,
	}, zerolog.Nop())

	obs, err := feed.RoundData(context.Background(), present)
	if err != nil {
		t.Fatalf("读取 round 失败: %v", err)
	}
	if obs.Round != present || obs.Answer.Int64() != 74_000_000 || obs.Decimals != 8 {
		t.Fatalf("round 数据不正确: %+v", obs)
	}
	if obs.UpdatedAt.Unix() != 1_620_000_000 {
		t.Fatalf("updatedAt 不正确: %s", obs.UpdatedAt)
	}

	missing, _ := present.Offset(1)
	if _, err := feed.RoundData(context.Background(), missing); !errors.Is(err, ErrNoData) {
		t.Fatalf("revert 应映射为 ErrNoData, 实际 %v", err)
	}

	latest, err := feed.LatestRound(context.Background())
	if err != nil || latest.Round != present {
		t.Fatalf("latestRoundData 不正确: %+v %v", latest, err)
	}
}
