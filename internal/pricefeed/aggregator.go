package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"covermarket/internal/logging"
	"covermarket/internal/roundid"
)

const (
	aggregatorProxyABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint80","name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorProxyABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorProxyABIJSON))
	if err != nil {
		panic("failed to parse aggregator proxy ABI: " + err.Error())
	}
	aggregatorProxyABI = parsed
}

// AggregatorOptions parameterise the on-chain feed reader.
type AggregatorOptions struct {
	RPCURL  string
	Address string
	Timeout time.Duration
}

// Aggregator reads an aggregator proxy over Ethereum RPC.
type Aggregator struct {
	opts      AggregatorOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux sync.Mutex
	decimals    uint8
	hasDecimals bool
}

// NewAggregator builds a feed reader for one proxy contract.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		opts:   opts,
		logger: logging.Component(logger, "aggregator_feed").With().Str("feed", opts.Address).Logger(),
	}
}

// RoundData fetches one historical round. A reverted call or an empty round maps to ErrNoData.
func (a *Aggregator) RoundData(ctx context.Context, round roundid.ID) (Observation, error) {
	out, err := a.call(ctx, "getRoundData", round.Packed())
	if err != nil {
		return Observation{}, err
	}
	return a.decodeRound(ctx, out)
}

// LatestRound fetches the most recent round.
func (a *Aggregator) LatestRound(ctx context.Context) (Observation, error) {
	out, err := a.call(ctx, "latestRoundData")
	if err != nil {
		return Observation{}, err
	}
	return a.decodeRound(ctx, out)
}

// Decimals returns the answer precision, cached after the first successful call.
func (a *Aggregator) Decimals(ctx context.Context) (uint8, error) {
	a.decimalsMux.Lock()
	defer a.decimalsMux.Unlock()
	if a.hasDecimals {
		return a.decimals, nil
	}

	out, err := a.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	value, ok := out[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	a.decimals = value
	a.hasDecimals = true
	return value, nil
}

func (a *Aggregator) decodeRound(ctx context.Context, out []interface{}) (Observation, error) {
	if len(out) != 5 {
		return Observation{}, errors.New("unexpected round data response")
	}
	packed, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	startedAt, ok3 := out[2].(*big.Int)
	updatedAt, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Observation{}, errors.New("failed to decode round data output")
	}
	if updatedAt.Sign() == 0 {
		return Observation{}, ErrNoData
	}

	id, err := roundid.Parse(packed)
	if err != nil {
		return Observation{}, err
	}
	decimals, err := a.Decimals(ctx)
	if err != nil {
		return Observation{}, fmt.Errorf("feed decimals: %w", err)
	}

	return Observation{
		Round:     id,
		Answer:    answer,
		Decimals:  decimals,
		StartedAt: time.Unix(startedAt.Int64(), 0).UTC(),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (a *Aggregator) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if a.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if a.opts.Address == "" {
		return nil, errors.New("price feed address not configured")
	}

	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := a.getClient(ctx)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(a.opts.Address)
	payload, err := aggregatorProxyABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) || strings.Contains(err.Error(), "execution reverted") {
			a.logger.Debug().Str("method", method).Err(err).Msg("feed call reverted")
			return nil, ErrNoData
		}
		return nil, err
	}

	return aggregatorProxyABI.Unpack(method, res)
}

func (a *Aggregator) getClient(ctx context.Context) (*ethclient.Client, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

var _ Feed = (*Aggregator)(nil)
