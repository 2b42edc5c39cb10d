package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"options-backtester/internal/backtest"
	"options-backtester/internal/models"
)

// Printer renders results for a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter creates a Printer writing to w. With colorEnabled false no
// escape sequences are written.
func NewPrinter(w io.Writer, colorEnabled bool) *Printer {
	return &Printer{w: w, color: colorEnabled}
}

func (p *Printer) paint(attr color.Attribute, s string) string {
	c := color.New(attr)
	if p.color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

// pnl colors signed dollar amounts.
func (p *Printer) pnl(v float64) string {
	s := fmt.Sprintf("$%.2f", v)
	switch {
	case v > 0:
		return p.paint(color.FgGreen, "+"+s)
	case v < 0:
		return p.paint(color.FgRed, s)
	}
	return s
}

func (p *Printer) pct(v float64) string {
	s := fmt.Sprintf("%.2f%%", v)
	switch {
	case v > 0:
		return p.paint(color.FgGreen, "+"+s)
	case v < 0:
		return p.paint(color.FgRed, s)
	}
	return s
}

func ratio(v float64) string {
	if math.IsInf(v, 1) {
		return "INF"
	}
	return formatFloat(v, 2)
}

// Summary prints headline metrics and rejection counts.
func (p *Printer) Summary(res *backtest.Result) {
	m := res.Metrics
	fmt.Fprintf(p.w, "\n%s  %s → %s\n", p.paint(color.Bold, "Backtest: "+res.Strategy),
		res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))

	table := tablewriter.NewWriter(p.w)
	table.Header("Metric", "Value")
	table.Append("Starting Equity", fmt.Sprintf("$%.2f", m.StartingEquity))
	table.Append("Ending Equity", fmt.Sprintf("$%.2f", m.EndingEquity))
	table.Append("Total Return", p.pnl(m.TotalReturn)+" ("+p.pct(m.TotalReturnPercent)+")")
	table.Append("Annualized Return", p.pct(m.AnnualizedReturnPercent))
	table.Append("Max Drawdown", fmt.Sprintf("$%.2f (%.2f%%)", m.MaxDrawdown, m.MaxDrawdownPercent))
	table.Append("Sharpe / Sortino", ratio(m.SharpeRatio)+" / "+ratio(m.SortinoRatio))
	table.Append("Trades", fmt.Sprintf("%d (W %d / L %d)", m.TotalTrades, m.WinningTrades, m.LosingTrades))
	table.Append("Win Rate", fmt.Sprintf("%.1f%%", m.WinRate))
	table.Append("Profit Factor", ratio(m.ProfitFactor))
	table.Append("Avg Win / Avg Loss", fmt.Sprintf("$%.2f / $%.2f", m.AvgWin, m.AvgLoss))
	table.Append("Largest Win / Loss", fmt.Sprintf("$%.2f / $%.2f", m.LargestWin, m.LargestLoss))
	table.Append("Avg Holding Days", formatFloat(m.AvgHoldingDays, 1))
	table.Append("Closed / Expired / Assigned", fmt.Sprintf("%d / %d / %d", m.ClosedTrades, m.ExpiredTrades, m.AssignedTrades))
	table.Append("Commissions", fmt.Sprintf("$%.2f", m.TotalCommissions))
	table.Append("Slippage", fmt.Sprintf("$%.2f", m.TotalSlippage))
	table.Render()

	r := res.Rejections
	if r.Rejected() == 0 && r.StrategyErrors == 0 {
		return
	}
	fmt.Fprintf(p.w, "\n%s %d signals, %d executed\n", p.paint(color.Bold, "Rejections:"), r.Signals, r.Executed)
	rt := tablewriter.NewWriter(p.w)
	rt.Header("Cause", "Count")
	for _, row := range []struct {
		name  string
		count int
	}{
		{"invalid signal", r.InvalidSignal},
		{"max positions", r.MaxPositions},
		{"buying power", r.BuyingPower},
		{"risk", r.Risk},
		{"liquidity", r.Liquidity},
		{"contract missing", r.ContractMissing},
		{"strategy errors", r.StrategyErrors},
	} {
		if row.count > 0 {
			rt.Append(row.name, fmt.Sprintf("%d", row.count))
		}
	}
	rules := make([]string, 0, len(r.ByRule))
	for rule := range r.ByRule {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	for _, rule := range rules {
		rt.Append("  "+rule, fmt.Sprintf("%d", r.ByRule[rule]))
	}
	rt.Render()
}

// Trades prints the trade log, most recent last. limit <= 0 prints all.
func (p *Printer) Trades(trades []models.BacktestTrade, limit int) {
	if len(trades) == 0 {
		fmt.Fprintln(p.w, "No trades.")
		return
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}

	table := tablewriter.NewWriter(p.w)
	table.Header("#", "Type", "Entry", "Exit", "Status", "Reason", "Net P&L", "Days")
	for i := range trades {
		t := &trades[i]
		exit := "-"
		if t.ExitTime != nil {
			exit = t.ExitTime.Format("2006-01-02")
		}
		table.Append(
			fmt.Sprintf("%d", t.TradeID),
			string(t.SignalType),
			t.EntryTime.Format("2006-01-02"),
			exit,
			string(t.Status),
			string(t.ExitReason),
			p.pnl(t.NetPnL()),
			fmt.Sprintf("%d", t.HoldingDays()),
		)
	}
	table.Render()
}

// EquityCurve prints the ASCII equity chart.
func (p *Printer) EquityCurve(curve []models.EquityPoint, width, height int) {
	fmt.Fprint(p.w, EquityCurveASCII(curve, width, height))
}

// EquityCurveASCII draws curve into a width x height grid with a 5% margin
// above and below the equity range.
func EquityCurveASCII(curve []models.EquityPoint, width, height int) string {
	if len(curve) == 0 || width <= 0 || height <= 0 {
		return "No data to display\n"
	}

	minEquity := curve[0].Equity
	maxEquity := curve[0].Equity
	for _, point := range curve {
		minEquity = math.Min(minEquity, point.Equity)
		maxEquity = math.Max(maxEquity, point.Equity)
	}

	equityRange := maxEquity - minEquity
	if equityRange == 0 {
		equityRange = 1
	}
	minEquity -= equityRange * 0.05
	maxEquity += equityRange * 0.05
	equityRange = maxEquity - minEquity

	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}

	// Columns sample the curve evenly; short curves use fewer columns.
	cols := width
	if len(curve) < cols {
		cols = len(curve)
	}
	for x := 0; x < cols; x++ {
		idx := x * (len(curve) - 1) / max(cols-1, 1)
		y := int((curve[idx].Equity - minEquity) / equityRange * float64(height-1))
		if y >= 0 && y < height {
			grid[height-1-y][x] = '█'
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Equity Curve (%.0f - %.0f)\n", minEquity, maxEquity))
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	for _, row := range grid {
		sb.WriteRune('│')
		sb.WriteString(string(row))
		sb.WriteRune('│')
		sb.WriteRune('\n')
	}
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	return sb.String()
}
