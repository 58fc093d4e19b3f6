package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Field keys shared by every market component.
const (
	ComponentKey = "component"
	ChainKey     = "chain_id"
	PoolKey      = "pool"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	// Output is stdout or stderr. Tables printed by the CLI always go to stdout.
	Output string `mapstructure:"output"`
}

// Market identifies the deployment a process serves. Zero fields are omitted.
type Market struct {
	ChainID int64
	Pool    common.Address
}

func (c Config) console() bool {
	return c.PrettyPrint || strings.EqualFold(c.Format, "console")
}

func (c Config) level() zerolog.Level {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}
	return zerolog.InfoLevel
}

func (c Config) stream() io.Writer {
	if strings.EqualFold(c.Output, "stdout") {
		return os.Stdout
	}
	return os.Stderr
}

// writer wraps out for the configured format. Console output drops the market
// fields since a terminal session serves a single deployment.
func (c Config) writer(out io.Writer) io.Writer {
	if !c.console() {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:           out,
		TimeFormat:    zerolog.TimeFieldFormat,
		FieldsExclude: []string{ChainKey, PoolKey},
	}
}

// NewLogger builds the process logger, tagging each record with market.
func NewLogger(cfg Config, market Market) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	return newLogger(cfg, market, cfg.stream())
}

func newLogger(cfg Config, market Market, out io.Writer) zerolog.Logger {
	ctx := zerolog.New(cfg.writer(out)).Level(cfg.level()).With().Timestamp()
	if market.ChainID != 0 {
		ctx = ctx.Int64(ChainKey, market.ChainID)
	}
	if market.Pool != (common.Address{}) {
		ctx = ctx.Str(PoolKey, market.Pool.Hex())
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Component derives the logger of one market component.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str(ComponentKey, name).Logger()
}
