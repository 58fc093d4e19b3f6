package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"covermarket/internal/alerting"
	"covermarket/internal/attest"
	"covermarket/internal/claim"
	"covermarket/internal/config"
	"covermarket/internal/currency"
	"covermarket/internal/listing"
	"covermarket/internal/logging"
	"covermarket/internal/oracle"
	"covermarket/internal/pricefeed"
	"covermarket/internal/scheduler"
	"covermarket/internal/service"
	"covermarket/internal/storage"
	"covermarket/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	out   io.Writer
	feeds *pricefeed.Registry
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), out: os.Stdout}
}

func (a *App) stdout() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

// market bundles the engines and the collaborators they share.
type market struct {
	store      storage.Store
	ledger     *storage.Ledger
	currencies *currency.Registry
	feeds      *pricefeed.Registry
	oracle     *oracle.Oracle
	listing    *listing.Engine
	claims     *claim.Engine
	notifier   alerting.Notifier
	close      func()
}

// marketOptions override collaborators for offline runs.
type marketOptions struct {
	store    storage.Store
	feeds    *pricefeed.Registry
	notifier alerting.Notifier
	signer   *attest.Verifier
	now      func() time.Time
}

func (a *App) newCurrencies(accounts currency.Accounts) (*currency.Registry, error) {
	specs := make([]currency.Spec, 0, len(a.Config.Currencies))
	for _, c := range a.Config.Currencies {
		kind, err := currency.ParseKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("currency %s: %w", c.Symbol, err)
		}
		specs = append(specs, currency.Spec{
			ID:       currency.ID(c.ID),
			Symbol:   c.Symbol,
			Decimals: c.Decimals,
			Kind:     kind,
			FeedCoin: c.FeedCoin,
		})
	}
	return currency.NewRegistry(accounts, specs)
}

func (a *App) newFeeds() *pricefeed.Registry {
	if a.feeds != nil {
		return a.feeds
	}
	feeds := pricefeed.NewRegistry()
	for coin := range a.Config.Feeds {
		addr, _ := a.Config.FeedAddress(coin)
		feeds.Add(coin, pricefeed.NewAggregator(pricefeed.AggregatorOptions{
			RPCURL:  a.Config.Ethereum.RPCURL,
			Address: addr.Hex(),
			Timeout: a.Config.Ethereum.RequestTimeout,
		}, a.Logger))
	}
	return feeds
}

func (a *App) domain() attest.Domain {
	cfg := a.Config.Attestation
	return attest.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           a.Config.Ethereum.ChainID,
		VerifyingContract: cfg.VerifyingContract,
	}
}

func (a *App) newOracle() (*oracle.Oracle, error) {
	return oracle.New(oracle.Config{
		Peg:            a.Config.Claim.Peg,
		MaxDevaluation: a.Config.Claim.MaxDevaluation,
		RoundsBefore:   a.Config.Claim.RoundsBefore,
		RoundsAfter:    a.Config.Claim.RoundsAfter,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	fanout := alerting.Fanout{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		fanout = append(fanout, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return fanout
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewPostgresStore(pool, a.Config.Database.WriteLockKey)
	return store, store.Close, nil
}

func (a *App) listingConfig() listing.Config {
	cfg := listing.DefaultConfig()
	cfg.DevWallet = a.Config.Fee.DevWallet
	cfg.Pool = a.Config.Fee.Pool
	cfg.FeeCurrency = currency.ID(a.Config.Fee.CurrencyID)
	if a.Config.Fee.CoinID != "" {
		cfg.FeeCoinID = a.Config.Fee.CoinID
	}
	if a.Config.Fee.BurnAddress != (common.Address{}) {
		cfg.BurnAddress = a.Config.Fee.BurnAddress
	}
	cfg.PartialMinFirstFundingBps = a.Config.Listing.PartialMinFirstFundingBps
	cfg.FunderPremiumBps = a.Config.Listing.FunderPremiumBps
	return cfg
}

func (a *App) claimConfig() claim.Config {
	cfg := claim.DefaultConfig()
	cfg.DevWallet = a.Config.Fee.DevWallet
	cfg.Pool = a.Config.Fee.Pool
	cfg.MonitoringPeriod = a.Config.Claim.MonitoringPeriod
	cfg.PayoutPeriod = a.Config.Claim.PayoutPeriod
	cfg.DirectPayout = a.Config.Claim.DirectPayout
	cfg.FunderPremiumBps = a.Config.Listing.FunderPremiumBps
	return cfg
}

// buildMarket wires both engines against the configured (or overridden) collaborators.
func (a *App) buildMarket(ctx context.Context, opts marketOptions) (*market, error) {
	m := &market{
		store:    opts.store,
		feeds:    opts.feeds,
		notifier: opts.notifier,
		close:    func() {},
	}
	if m.store == nil {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		m.store, m.close = store, closeStore
		m.notifier = a.newNotifier()
	}
	if m.feeds == nil {
		m.feeds = a.newFeeds()
	}

	var err error
	defer func() {
		if err != nil {
			m.close()
		}
	}()

	m.ledger = storage.NewLedger(m.store)
	if m.currencies, err = a.newCurrencies(m.ledger); err != nil {
		return nil, err
	}
	if m.oracle, err = a.newOracle(); err != nil {
		return nil, err
	}

	verifier := opts.signer
	verifierOpts := []attest.Option{attest.WithClockSkew(a.Config.Attestation.ClockSkew)}
	if opts.now != nil {
		verifierOpts = append(verifierOpts, attest.WithClock(opts.now))
	}
	if verifier == nil {
		verifier = attest.NewVerifier(a.domain(), a.Config.Attestation.Signer, a.Config.Attestation.MaxAge, verifierOpts...)
	}

	listingOpts := []listing.Option{listing.WithNotifier(m.notifier)}
	claimOpts := []claim.Option{claim.WithNotifier(m.notifier)}
	if opts.now != nil {
		listingOpts = append(listingOpts, listing.WithClock(opts.now))
		claimOpts = append(claimOpts, claim.WithClock(opts.now))
	}

	if m.listing, err = listing.New(a.listingConfig(), m.store, m.currencies, m.feeds, verifier, a.Logger, listingOpts...); err != nil {
		return nil, err
	}
	if m.claims, err = claim.New(a.claimConfig(), m.store, m.oracle, m.feeds, m.currencies, a.Logger, claimOpts...); err != nil {
		return nil, err
	}
	return m, nil
}

// Run executes the long-running claim keeper.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := a.buildMarket(ctx, marketOptions{})
	if err != nil {
		return err
	}
	defer m.close()

	if len(m.feeds.Coins()) == 0 {
		a.Logger.Warn().Msg("no price feeds configured; pending claims cannot be assessed")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	svc := service.New(a.Config, sched, m.claims, m.store, a.Logger)

	a.Logger.Info().Str("version", version.String()).Strs("feeds", m.feeds.Coins()).Msg("starting claim keeper")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("claim keeper stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; nothing to migrate")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool)
	for _, m := range applied {
		a.Logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration applied")
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
	}
	return nil
}
