package currency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ID identifies a settlement currency.
type ID uint8

// Well-known stablecoin ids.
const (
	USDT ID = 0
	USDC ID = 1
	DAI  ID = 2
	// INFI is the utility token listing fees are paid in.
	INFI ID = 3
)

// Kind selects the token variant, which decides the permit scheme used off-core.
type Kind int

const (
	// Native tokens follow EIP-2612 permits.
	Native Kind = iota
	// Child tokens are bridged and use the DAI-style permit.
	Child
)

func (k Kind) String() string {
	if k == Child {
		return "child"
	}
	return "native"
}

// ParseKind maps a config string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native":
		return Native, nil
	case "child", "bridged":
		return Child, nil
	default:
		return Native, fmt.Errorf("currency: unknown kind %q", s)
	}
}

// ErrUnknownCurrency is returned for ids that were never registered.
var ErrUnknownCurrency = errors.New("currency: unknown currency")

// Adapter is the capability set the core needs from a token.
type Adapter interface {
	Currency() ID
	Symbol() string
	Decimals() uint8
	Kind() Kind
	Nonce(ctx context.Context, owner common.Address) (uint64, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// Spec describes one token to register.
type Spec struct {
	ID       ID
	Symbol   string
	Decimals uint8
	Kind     Kind
	// FeedCoin names the price feed quoting this token in USD.
	FeedCoin string
}

// Token is an Adapter backed by shared Accounts.
type Token struct {
	spec     Spec
	accounts Accounts
}

func (t *Token) Currency() ID    { return t.spec.ID }
func (t *Token) Symbol() string  { return t.spec.Symbol }
func (t *Token) Decimals() uint8 { return t.spec.Decimals }
func (t *Token) Kind() Kind      { return t.spec.Kind }

// FeedCoin is the price feed coin id of the token's USD quote.
func (t *Token) FeedCoin() string { return t.spec.FeedCoin }

// Nonce returns the number of transfers authorised by owner.
func (t *Token) Nonce(ctx context.Context, owner common.Address) (uint64, error) {
	return t.accounts.Nonce(ctx, t.spec.ID, owner)
}

// BalanceOf returns owner's balance of the token.
func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	return t.accounts.BalanceOf(ctx, t.spec.ID, owner)
}

// TransferFrom moves amount between two accounts.
func (t *Token) TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return t.accounts.Settle(ctx, []Transfer{{Currency: t.spec.ID, From: from, To: to, Amount: amount}})
}

var _ Adapter = (*Token)(nil)

// Registry resolves currency ids to adapters once, at wiring time.
type Registry struct {
	tokens map[ID]*Token
}

// NewRegistry registers every spec against accounts.
func NewRegistry(accounts Accounts, specs []Spec) (*Registry, error) {
	if accounts == nil {
		return nil, errors.New("currency: accounts are required")
	}
	r := &Registry{tokens: make(map[ID]*Token, len(specs))}
	for _, spec := range specs {
		if _, dup := r.tokens[spec.ID]; dup {
			return nil, fmt.Errorf("currency: duplicate id %d", spec.ID)
		}
		if spec.Decimals > 36 {
			return nil, fmt.Errorf("currency: %s has unsupported decimals %d", spec.Symbol, spec.Decimals)
		}
		r.tokens[spec.ID] = &Token{spec: spec, accounts: accounts}
	}
	return r, nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id ID) (*Token, error) {
	token, ok := r.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCurrency, id)
	}
	return token, nil
}

// IDs lists registered ids in ascending order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DefaultSpecs returns the stablecoins the protocol launched with.
func DefaultSpecs() []Spec {
	return []Spec{
		{ID: USDT, Symbol: "USDT", Decimals: 6, Kind: Native, FeedCoin: "tether"},
		{ID: USDC, Symbol: "USDC", Decimals: 6, Kind: Native, FeedCoin: "usd-coin"},
		{ID: DAI, Symbol: "DAI", Decimals: 18, Kind: Child, FeedCoin: "dai"},
		{ID: INFI, Symbol: "INFI", Decimals: 18, Kind: Child, FeedCoin: "insured-finance"},
	}
}
