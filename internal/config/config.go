package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"covermarket/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Ethereum    EthereumConfig    `mapstructure:"ethereum"`
	Feeds       map[string]string `mapstructure:"feeds"`
	Currencies  []CurrencyConfig  `mapstructure:"currencies"`
	Fee         FeeConfig         `mapstructure:"fee"`
	Listing     ListingConfig     `mapstructure:"listing"`
	Claim       ClaimConfig       `mapstructure:"claim"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// WriteLockKey serializes every state-mutating transaction.
	WriteLockKey int64 `mapstructure:"write_lock_key"`
}

// SchedulerConfig governs the keeper cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ChainID        int64         `mapstructure:"chain_id"`
}

// CurrencyConfig registers one settlement token.
type CurrencyConfig struct {
	ID       uint8  `mapstructure:"id"`
	Symbol   string `mapstructure:"symbol"`
	Decimals uint8  `mapstructure:"decimals"`
	Kind     string `mapstructure:"kind"`
	FeedCoin string `mapstructure:"feed_coin"`
}

// FeeConfig names the protocol wallets and the fee token.
type FeeConfig struct {
	CurrencyID  uint8          `mapstructure:"currency_id"`
	CoinID      string         `mapstructure:"coin_id"`
	DevWallet   common.Address `mapstructure:"dev_wallet"`
	BurnAddress common.Address `mapstructure:"burn_address"`
	Pool        common.Address `mapstructure:"pool"`
}

// ListingConfig tunes the matching engine.
type ListingConfig struct {
	PartialMinFirstFundingBps uint64 `mapstructure:"partial_min_first_funding_bps"`
	FunderPremiumBps          uint64 `mapstructure:"funder_premium_bps"`
}

// ClaimConfig holds the devaluation and claim window policy.
type ClaimConfig struct {
	Peg              decimal.Decimal `mapstructure:"peg"`
	MaxDevaluation   decimal.Decimal `mapstructure:"max_devaluation"`
	RoundsBefore     int             `mapstructure:"rounds_before"`
	RoundsAfter      int             `mapstructure:"rounds_after"`
	MonitoringPeriod time.Duration   `mapstructure:"monitoring_period"`
	PayoutPeriod     time.Duration   `mapstructure:"payout_period"`
	DirectPayout     bool            `mapstructure:"direct_payout"`
}

// AttestationConfig describes the price signer and its EIP-712 domain.
type AttestationConfig struct {
	DomainName        string         `mapstructure:"domain_name"`
	DomainVersion     string         `mapstructure:"domain_version"`
	VerifyingContract common.Address `mapstructure:"verifying_contract"`
	Signer            common.Address `mapstructure:"signer"`
	MaxAge            time.Duration  `mapstructure:"max_age"`
	// ClockSkew bounds how far ahead of local time an attestation may be dated.
	ClockSkew time.Duration `mapstructure:"clock_skew"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COVERMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "covermarket")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.write_lock_key", int64(0x636f7672))

	v.SetDefault("scheduler.interval", "10m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6b656570))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.chain_id", int64(137))

	v.SetDefault("currencies", []map[string]any{
		{"id": 0, "symbol": "USDT", "decimals": 6, "kind": "native", "feed_coin": "tether"},
		{"id": 1, "symbol": "USDC", "decimals": 6, "kind": "native", "feed_coin": "usd-coin"},
		{"id": 2, "symbol": "DAI", "decimals": 18, "kind": "child", "feed_coin": "dai"},
		{"id": 3, "symbol": "INFI", "decimals": 18, "kind": "child", "feed_coin": "insured-finance"},
	})

	v.SetDefault("fee.currency_id", 3)
	v.SetDefault("fee.coin_id", "insured-finance")
	v.SetDefault("fee.burn_address", "0x000000000000000000000000000000000000dEaD")

	v.SetDefault("listing.partial_min_first_funding_bps", 2500)
	v.SetDefault("listing.funder_premium_bps", 8000)

	v.SetDefault("claim.peg", "1")
	v.SetDefault("claim.max_devaluation", "0.25")
	v.SetDefault("claim.rounds_before", 100)
	v.SetDefault("claim.rounds_after", 150)
	v.SetDefault("claim.monitoring_period", "72h")
	v.SetDefault("claim.payout_period", "168h")
	v.SetDefault("claim.direct_payout", true)

	v.SetDefault("attestation.domain_name", "insured-finance")
	v.SetDefault("attestation.domain_version", "v1")
	v.SetDefault("attestation.max_age", "1h")
	v.SetDefault("attestation.clock_skew", "2m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.width", 1200)
	v.SetDefault("export.height", 600)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHook(),
			stringToAddressHook(),
		)
	}
}

func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}

func stringToAddressHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(common.Address{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Currencies) == 0 {
		return fmt.Errorf("currencies must list at least one token")
	}
	feeCurrency := false
	for _, cur := range c.Currencies {
		if cur.Symbol == "" {
			return fmt.Errorf("currencies[%d].symbol is required", cur.ID)
		}
		if cur.ID == c.Fee.CurrencyID {
			feeCurrency = true
		}
	}
	if !feeCurrency {
		return fmt.Errorf("fee.currency_id %d is not a registered currency", c.Fee.CurrencyID)
	}
	if c.Listing.PartialMinFirstFundingBps > 10_000 {
		return fmt.Errorf("listing.partial_min_first_funding_bps cannot exceed 10000")
	}
	if c.Listing.FunderPremiumBps > 10_000 {
		return fmt.Errorf("listing.funder_premium_bps cannot exceed 10000")
	}
	if !c.Claim.Peg.IsPositive() {
		return fmt.Errorf("claim.peg must be positive")
	}
	if c.Claim.MaxDevaluation.IsNegative() || c.Claim.MaxDevaluation.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("claim.max_devaluation must be within [0,1]")
	}
	if c.Claim.RoundsBefore < 0 || c.Claim.RoundsAfter < 0 {
		return fmt.Errorf("claim.rounds_before and claim.rounds_after cannot be negative")
	}
	if c.Claim.MonitoringPeriod <= 0 {
		return fmt.Errorf("claim.monitoring_period must be greater than zero")
	}
	if c.Claim.PayoutPeriod <= 0 {
		return fmt.Errorf("claim.payout_period must be greater than zero")
	}
	if c.Attestation.ClockSkew < 0 {
		return fmt.Errorf("attestation.clock_skew cannot be negative")
	}
	for coin, addr := range c.Feeds {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("feeds.%s: invalid aggregator address %q", coin, addr)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// FeedAddress returns the aggregator proxy configured for coinID.
func (c *Config) FeedAddress(coinID string) (common.Address, bool) {
	addr, ok := c.Feeds[coinID]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}
