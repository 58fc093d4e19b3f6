package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"covermarket/internal/alerting"
	"covermarket/internal/currency"
	"covermarket/internal/feemath"
	"covermarket/internal/logging"
	"covermarket/internal/oracle"
	"covermarket/internal/pricefeed"
	"covermarket/internal/roundid"
	"covermarket/internal/storage"
)

// Config carries the claim windows and the wallets funds move between.
type Config struct {
	DevWallet common.Address
	// Pool escrows premiums and insured sums; every payout and refund leaves from it.
	Pool common.Address
	// MonitoringPeriod runs from the disputed event; pending claims resolve after it.
	MonitoringPeriod time.Duration
	// PayoutPeriod follows the monitoring period; unpaid valid claims are swept after it.
	PayoutPeriod time.Duration
	// DirectPayout pays a confirmed claim in the call that confirms it.
	DirectPayout     bool
	FunderPremiumBps uint64
}

// DefaultConfig returns the launch windows; wallets must still be set.
func DefaultConfig() Config {
	return Config{
		MonitoringPeriod: 72 * time.Hour,
		PayoutPeriod:     7 * 24 * time.Hour,
		DirectPayout:     true,
		FunderPremiumBps: 8000,
	}
}

// Assessor decides whether a round marks a devaluation.
type Assessor interface {
	CheckClaimForDevaluation(ctx context.Context, feed pricefeed.Feed, round roundid.ID) (oracle.Assessment, error)
}

var _ Assessor = (*oracle.Oracle)(nil)

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithNotifier publishes claim events.
func WithNotifier(n alerting.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// Engine runs claims against covers and releases escrowed funds.
type Engine struct {
	cfg        Config
	store      storage.Store
	assessor   Assessor
	feeds      *pricefeed.Registry
	currencies *currency.Registry
	notifier   alerting.Notifier
	logger     zerolog.Logger
	now        func() time.Time
}

// New wires the claim engine.
func New(cfg Config, store storage.Store, assessor Assessor, feeds *pricefeed.Registry, currencies *currency.Registry, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if cfg.DevWallet == (common.Address{}) {
		return nil, fmt.Errorf("claim: dev wallet is required")
	}
	if cfg.Pool == (common.Address{}) {
		return nil, fmt.Errorf("claim: pool address is required")
	}
	if cfg.MonitoringPeriod <= 0 || cfg.PayoutPeriod <= 0 {
		return nil, fmt.Errorf("claim: monitoring and payout periods must be positive")
	}
	if cfg.FunderPremiumBps > feemath.BpsDenominator {
		return nil, fmt.Errorf("claim: funder premium share cannot exceed %d bps", feemath.BpsDenominator)
	}
	if store == nil || assessor == nil || feeds == nil || currencies == nil {
		return nil, fmt.Errorf("claim: missing collaborator")
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		assessor:   assessor,
		feeds:      feeds,
		currencies: currencies,
		logger:     logging.Component(logger, "claim"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Deadline is when a claim's monitoring period ends.
func (e *Engine) Deadline(c storage.Claim) time.Time {
	return c.EventAt.Add(e.cfg.MonitoringPeriod)
}

// PayoutEnd is when a claim's payout period ends.
func (e *Engine) PayoutEnd(c storage.Claim) time.Time {
	return e.Deadline(c).Add(e.cfg.PayoutPeriod)
}

func (e *Engine) assess(ctx context.Context, coinID string, round roundid.ID) (oracle.Assessment, error) {
	feed, err := e.feeds.Lookup(coinID)
	if err != nil {
		return oracle.Assessment{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	a, err := e.assessor.CheckClaimForDevaluation(ctx, feed, round)
	switch {
	case errors.Is(err, pricefeed.ErrNoData):
		return oracle.Assessment{}, fmt.Errorf("%w: %w", ErrRoundNotFound, err)
	case err != nil:
		return oracle.Assessment{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	return a, nil
}

// confirm resolves a pending claim from a complete assessment and pays a valid
// one while its payout period is open. A valid claim past that period stays valid.
func (e *Engine) confirm(c *storage.Claim, a *oracle.Assessment, cover storage.Cover, now time.Time) {
	if c.State == storage.ClaimPending {
		c.AssetPrice = a.AssetPrice
		c.PriceDecimals = a.Decimals
		if a.IsDevalued {
			c.State = storage.ClaimValid
			c.Payout = a.Payout(cover.InsuredSum)
		} else {
			c.State = storage.ClaimInvalid
			c.Payout = new(uint256.Int)
		}
	}
	if c.State == storage.ClaimValid && now.Before(e.PayoutEnd(*c)) {
		c.State = storage.ClaimPaid
	}
	stamp(c, now)
}

func stamp(c *storage.Claim, now time.Time) {
	if c.State != storage.ClaimPending && c.ResolvedAt == nil {
		at := now
		c.ResolvedAt = &at
	}
}

// pay records the payout withdrawal of a paid claim and queues its transfer.
func (e *Engine) pay(ctx context.Context, tx storage.Tx, c storage.Claim, s *settlement, now time.Time) error {
	w := storage.Withdrawal{
		Kind:      storage.WithdrawPayout,
		RefID:     c.ID,
		Account:   c.Holder,
		Currency:  c.PayoutCurrency,
		Amount:    c.Payout,
		DevFee:    new(uint256.Int),
		CreatedAt: now,
	}
	if err := tx.InsertWithdrawal(ctx, &w); err != nil {
		return err
	}
	return s.add(c.PayoutCurrency, c.Holder, c.Payout)
}

// settle applies queued transfers to the balances of tx. It runs last inside
// a unit of work, so the transfers commit or roll back with its records.
func (e *Engine) settle(ctx context.Context, tx storage.Tx, s *settlement) error {
	transfers := s.transfers()
	if len(transfers) == 0 {
		return nil
	}
	if err := currency.Apply(ctx, tx, transfers); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}

type payee struct {
	currency currency.ID
	to       common.Address
}

// settlement folds many releases from one account into one transfer per
// currency and recipient.
type settlement struct {
	from  common.Address
	order []payee
	sums  map[payee]*uint256.Int
}

func newSettlement(from common.Address) *settlement {
	return &settlement{from: from, sums: make(map[payee]*uint256.Int)}
}

func (s *settlement) add(cur currency.ID, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	key := payee{cur, to}
	prev, ok := s.sums[key]
	if !ok {
		s.order = append(s.order, key)
		s.sums[key] = new(uint256.Int).Set(amount)
		return nil
	}
	sum, overflow := new(uint256.Int).AddOverflow(prev, amount)
	if overflow {
		return fmt.Errorf("claim: total for currency %d overflows", cur)
	}
	s.sums[key] = sum
	return nil
}

func (s *settlement) transfers() []currency.Transfer {
	out := make([]currency.Transfer, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, currency.Transfer{Currency: key.currency, From: s.from, To: key.to, Amount: s.sums[key]})
	}
	return out
}

// totals returns what to received per currency.
func (s *settlement) totals(to common.Address) map[currency.ID]*uint256.Int {
	out := make(map[currency.ID]*uint256.Int)
	for _, key := range s.order {
		if key.to == to {
			out[key.currency] = s.sums[key]
		}
	}
	return out
}

func (e *Engine) display(id currency.ID, amount *uint256.Int) (decimal.Decimal, string) {
	if amount == nil {
		amount = new(uint256.Int)
	}
	token, err := e.currencies.Get(id)
	if err != nil {
		return feemath.ToDecimal(amount, 0), fmt.Sprintf("#%d", id)
	}
	return feemath.ToDecimal(amount, token.Decimals()), token.Symbol()
}

func (e *Engine) notifyClaim(ctx context.Context, kind alerting.Kind, c storage.Claim, devaluation decimal.Decimal) {
	amount, symbol := e.display(c.PayoutCurrency, c.Payout)
	e.notify(ctx, alerting.Notification{
		Kind:        kind,
		At:          e.now().UTC(),
		ListingType: c.ListingType.String(),
		ListingID:   c.ListingID,
		CoverID:     c.CoverID,
		ClaimID:     c.ID,
		Account:     c.Holder.Hex(),
		State:       c.State.String(),
		Round:       c.Round.String(),
		Amount:      amount,
		Symbol:      symbol,
		Devaluation: devaluation,
	})
}

func (e *Engine) notify(ctx context.Context, note alerting.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, note); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("notify failed")
	}
}
