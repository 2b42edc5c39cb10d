package report

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"options-backtester/internal/backtest"
	"options-backtester/internal/config"
	"options-backtester/internal/metrics"
	"options-backtester/internal/models"
)

func sampleResult() *backtest.Result {
	d0 := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	d1 := d0.AddDate(0, 0, 1)
	d3 := d0.AddDate(0, 0, 3)

	trades := []models.BacktestTrade{
		{TradeID: 1, SignalType: models.SignalSellPutSpread, Underlying: "SPY", EntryTime: d0, ExitTime: &d3,
			Status: models.TradeClosed, ExitReason: models.ExitProfitTarget, PnL: 45, Commissions: 2.6, Slippage: 0.004},
		{TradeID: 2, SignalType: models.SignalShortPut, Underlying: "SPY", EntryTime: d1, ExitTime: &d3,
			Status: models.TradeAssigned, ExitReason: models.ExitAssignment, PnL: -120.5, Commissions: 1.3},
	}
	curve := []models.EquityPoint{
		{Timestamp: d0, Equity: 100000},
		{Timestamp: d1, Equity: 100030},
		{Timestamp: d3, Equity: 99921.6},
	}
	res := &backtest.Result{
		Strategy:       "scripted",
		Start:          d0,
		End:            d3,
		Trades:         trades,
		EquityCurve:    curve,
		ConfigSnapshot: *config.Default(),
		Rejections:     backtest.RejectionStats{Signals: 4, Executed: 2, Risk: 2, ByRule: map[string]int{"max_portfolio_delta": 2}},
	}
	res.DailyReturns = metrics.DailyPnLFromEquity(curve, 100000)
	res.Metrics = metrics.Calculate(metrics.Input{
		InitialCapital: 100000,
		Trades:         trades,
		EquityCurve:    curve,
		DailyPnL:       res.DailyReturns,
	})
	return res
}

func TestExportWritesAllFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	res := sampleResult()

	paths, err := Export(dir, res)
	require.NoError(t, err)
	assert.Len(t, paths, 6)
	for _, p := range paths {
		assert.FileExists(t, p)
	}

	trades, err := os.ReadFile(filepath.Join(dir, TradesFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(trades)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,signal_type,underlying,entry_time,exit_time,status,exit_reason,pnl,commissions,slippage,net_pnl,holding_days", lines[0])
	assert.Equal(t, "1,sell_put_spread,SPY,2024-03-01 16:00:00,2024-03-04 16:00:00,CLOSED,profit_target,45.00,2.60,0.00,42.40,3", lines[1])
	assert.Contains(t, lines[2], ",ASSIGNED,early_assignment,-120.50,1.30,0.00,-121.80,2")

	equity, err := os.ReadFile(filepath.Join(dir, EquityCurveFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(equity), "timestamp,equity\n"))
	assert.Contains(t, string(equity), "2024-03-04 16:00:00,99921.60")

	var m map[string]any
	raw, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &m))
	assert.Equal(t, 2, m["total_trades"])
	assert.Equal(t, 1, m["assigned_trades"])
	assert.Contains(t, m, "sharpe_ratio")

	var snap config.Config
	raw, err = os.ReadFile(filepath.Join(dir, ConfigSnapshotFile))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &snap))
	assert.Equal(t, res.ConfigSnapshot.Backtest.Execution.SlippageModel, snap.Backtest.Execution.SlippageModel)
	assert.Equal(t, res.ConfigSnapshot.Risk.MaxPortfolioDelta, snap.Risk.MaxPortfolioDelta)
}

func TestWriteTrades_OpenTradeHasBlankExit(t *testing.T) {
	var buf bytes.Buffer
	entry := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	require.NoError(t, WriteTrades(&buf, []models.BacktestTrade{
		{TradeID: 7, SignalType: models.SignalLongCall, Underlying: "QQQ", EntryTime: entry, Status: models.TradeOpen},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "7,long_call,QQQ,2024-03-01 16:00:00,,OPEN,,0.00,0.00,0.00,0.00,0", lines[1])
}

func TestMoneyRoundsToCents(t *testing.T) {
	assert.Equal(t, "118.70", money(118.7))
	assert.Equal(t, "-0.01", money(-0.005))
	assert.Equal(t, "0.00", money(0.004))
	assert.Equal(t, "1000000.00", money(1e6))
}

func TestEquityCurveASCII(t *testing.T) {
	res := sampleResult()
	chart := EquityCurveASCII(res.EquityCurve, 20, 5)
	lines := strings.Split(strings.TrimRight(chart, "\n"), "\n")

	require.Len(t, lines, 1+1+5+1)
	assert.True(t, strings.HasPrefix(lines[0], "Equity Curve ("))
	for _, row := range lines[2:7] {
		assert.Equal(t, 22, len([]rune(row)))
	}
	// One plotted point per sample.
	assert.Equal(t, 3, strings.Count(chart, "█"))

	assert.Equal(t, "No data to display\n", EquityCurveASCII(nil, 20, 5))
}

func TestPrinterSummaryWithoutColor(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	res := sampleResult()

	p.Summary(res)
	p.Trades(res.Trades, 1)

	out := buf.String()
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "Backtest: scripted")
	assert.Contains(t, out, "Ending Equity")
	assert.Contains(t, out, "max_portfolio_delta")
	assert.Contains(t, out, "early_assignment")
	assert.NotContains(t, out, "profit_target", "only the last trade is listed")
}

func TestCompareResultsSortedBySharpe(t *testing.T) {
	mk := func(sharpe float64) *backtest.Result {
		return &backtest.Result{Metrics: metrics.Metrics{SharpeRatio: sharpe}}
	}
	rows := CompareResults(map[string]*backtest.Result{
		"b": mk(1.2),
		"a": mk(1.2),
		"c": mk(2.5),
		"d": mk(-0.3),
	})
	var labels []string
	for _, r := range rows {
		labels = append(labels, r.Label)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, labels)
}

func TestComparisonJSONInfiniteProfitFactor(t *testing.T) {
	raw, err := json.Marshal(Comparison{Label: "x", ProfitFactor: math.Inf(1)})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"profit_factor":"inf"`)

	raw, err = json.Marshal(Comparison{Label: "y", ProfitFactor: 1.5})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"profit_factor":1.5`)
	assert.Contains(t, string(raw), `"label":"y"`)
}
