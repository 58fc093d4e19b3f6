package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"covermarket/internal/oracle"
	"covermarket/internal/pricefeed"
	"covermarket/internal/roundid"
)

// ExportOptions select the feed window to export.
type ExportOptions struct {
	Coin  string
	Round roundid.ID
	// Before and After default to the claim window when negative.
	Before    int
	After     int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// exportRow is one observation annotated against the peg.
type exportRow struct {
	Round        roundid.ID
	UpdatedAt    time.Time
	Price        decimal.Decimal
	DeviationPct decimal.Decimal
}

// Export renders the rounds around a disputed round as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Round.IsZero() {
		return errors.New("round is required")
	}
	if opts.Before < 0 {
		opts.Before = a.Config.Claim.RoundsBefore
	}
	if opts.After < 0 {
		opts.After = a.Config.Claim.RoundsAfter
	}

	feeds := a.newFeeds()
	feed, err := feeds.Lookup(opts.Coin)
	if err != nil {
		return err
	}

	window, err := pricefeed.Window(ctx, feed, opts.Round, opts.Before, opts.After)
	if err != nil {
		return err
	}
	rows := a.annotate(window)
	median, err := oracle.Median(answers(window))
	if err != nil {
		return err
	}
	medianPrice := decimal.NewFromBigInt(median, -int32(window[0].Decimals))

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().
		Str("coin", opts.Coin).
		Str("round", opts.Round.String()).
		Int("total", len(rows)).
		Int("exported", len(downsampled)).
		Str("median", medianPrice.String()).
		Msg("exporting feed window")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeRowsPNG(opts.PNGPath, opts.Coin, downsampled, medianPrice); err != nil {
			return err
		}
	}

	return nil
}

func answers(window []pricefeed.Observation) []*big.Int {
	out := make([]*big.Int, 0, len(window))
	for _, obs := range window {
		out = append(out, obs.Answer)
	}
	return out
}

func (a *App) annotate(window []pricefeed.Observation) []exportRow {
	peg := a.Config.Claim.Peg
	rows := make([]exportRow, 0, len(window))
	for _, obs := range window {
		price := decimal.NewFromBigInt(obs.Answer, -int32(obs.Decimals))
		rows = append(rows, exportRow{
			Round:        obs.Round,
			UpdatedAt:    obs.UpdatedAt,
			Price:        price,
			DeviationPct: price.Sub(peg).Div(peg).Mul(decimal.NewFromInt(100)),
		})
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 1 || len(rows) <= max {
		return rows
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"round_id", "phase", "local_round", "updated_at", "price_usd", "deviation_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Round.String(),
			strconv.FormatUint(uint64(row.Round.Phase), 10),
			strconv.FormatUint(row.Round.Local, 10),
			row.UpdatedAt.UTC().Format(time.RFC3339),
			row.Price.String(),
			row.DeviationPct.StringFixed(4),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (a *App) writeRowsPNG(path, coin string, rows []exportRow, median decimal.Decimal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	peg := a.Config.Claim.Peg.InexactFloat64()
	threshold := a.Config.Claim.Peg.Mul(decimal.NewFromInt(1).Sub(a.Config.Claim.MaxDevaluation)).InexactFloat64()

	x := make([]time.Time, len(rows))
	prices := make([]float64, len(rows))
	pegLine := make([]float64, len(rows))
	thresholdLine := make([]float64, len(rows))
	medianLine := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.UpdatedAt
		prices[i] = row.Price.InexactFloat64()
		pegLine[i] = peg
		thresholdLine[i] = threshold
		medianLine[i] = median.InexactFloat64()
	}

	width, height := a.Config.Export.Width, a.Config.Export.Height
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  coin + " feed window",
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Answer", XValues: x, YValues: prices},
			chart.TimeSeries{Name: "Peg", XValues: x, YValues: pegLine},
			chart.TimeSeries{Name: "Claim threshold", XValues: x, YValues: thresholdLine},
			chart.TimeSeries{Name: "Window median", XValues: x, YValues: medianLine},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
