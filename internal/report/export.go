// Package report writes backtest results to disk and to the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"options-backtester/internal/backtest"
	"options-backtester/internal/models"
)

// Output file names inside an export directory.
const (
	EquityCurveFile    = "equity_curve.csv"
	DailyReturnsFile   = "daily_returns.csv"
	TradesFile         = "trades.csv"
	MetricsFile        = "metrics.txt"
	RejectionsFile     = "rejections.yaml"
	ConfigSnapshotFile = "config_snapshot.yaml"
)

const timeLayout = "2006-01-02 15:04:05"

type equityRow struct {
	Timestamp string `csv:"timestamp"`
	Equity    string `csv:"equity"`
}

type dailyRow struct {
	Date string `csv:"date"`
	PnL  string `csv:"pnl"`
}

type tradeRow struct {
	ID          int64  `csv:"id"`
	SignalType  string `csv:"signal_type"`
	Underlying  string `csv:"underlying"`
	EntryTime   string `csv:"entry_time"`
	ExitTime    string `csv:"exit_time"`
	Status      string `csv:"status"`
	ExitReason  string `csv:"exit_reason"`
	PnL         string `csv:"pnl"`
	Commissions string `csv:"commissions"`
	Slippage    string `csv:"slippage"`
	NetPnL      string `csv:"net_pnl"`
	HoldingDays int    `csv:"holding_days"`
}

// money renders a dollar amount rounded half away from zero to cents.
func money(v float64) string {
	return decimal.NewFromFloat(v).Round(2).StringFixed(2)
}

// Export writes every result file into dir, creating it if needed, and
// returns the paths written.
func Export(dir string, res *backtest.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{EquityCurveFile, func(w io.Writer) error { return WriteEquityCurve(w, res.EquityCurve) }},
		{DailyReturnsFile, func(w io.Writer) error { return WriteDailyReturns(w, res) }},
		{TradesFile, func(w io.Writer) error { return WriteTrades(w, res.Trades) }},
		{MetricsFile, func(w io.Writer) error { return writeYAML(w, res.Metrics) }},
		{RejectionsFile, func(w io.Writer) error { return writeYAML(w, res.Rejections) }},
		{ConfigSnapshotFile, func(w io.Writer) error { return writeYAML(w, res.ConfigSnapshot) }},
	}

	paths := make([]string, 0, len(writers))
	for _, fw := range writers {
		path := filepath.Join(dir, fw.name)
		if err := writeFile(path, fw.write); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", fw.name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteEquityCurve writes timestamp,equity rows.
func WriteEquityCurve(w io.Writer, curve []models.EquityPoint) error {
	rows := make([]*equityRow, len(curve))
	for i, p := range curve {
		rows[i] = &equityRow{Timestamp: p.Timestamp.Format(timeLayout), Equity: money(p.Equity)}
	}
	return gocsv.Marshal(rows, w)
}

// WriteDailyReturns writes date,pnl rows.
func WriteDailyReturns(w io.Writer, res *backtest.Result) error {
	rows := make([]*dailyRow, len(res.DailyReturns))
	for i, d := range res.DailyReturns {
		rows[i] = &dailyRow{Date: d.Date.Format("2006-01-02"), PnL: money(d.PnL)}
	}
	return gocsv.Marshal(rows, w)
}

// WriteTrades writes one row per trade. Open trades have an empty exit time.
func WriteTrades(w io.Writer, trades []models.BacktestTrade) error {
	rows := make([]*tradeRow, len(trades))
	for i := range trades {
		t := &trades[i]
		exit := ""
		if t.ExitTime != nil {
			exit = t.ExitTime.Format(timeLayout)
		}
		rows[i] = &tradeRow{
			ID:          t.TradeID,
			SignalType:  string(t.SignalType),
			Underlying:  t.Underlying,
			EntryTime:   t.EntryTime.Format(timeLayout),
			ExitTime:    exit,
			Status:      string(t.Status),
			ExitReason:  string(t.ExitReason),
			PnL:         money(t.PnL),
			Commissions: money(t.Commissions),
			Slippage:    money(t.Slippage),
			NetPnL:      money(t.NetPnL()),
			HoldingDays: t.HoldingDays(),
		}
	}
	return gocsv.Marshal(rows, w)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// RunDir names the export directory for a run under base.
func RunDir(base, strategy, runID string) string {
	return filepath.Join(base, strategy+"_"+runID)
}

// formatFloat is used for plain numeric table cells.
func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
