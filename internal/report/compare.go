package report

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/olekukonko/tablewriter"

	"options-backtester/internal/backtest"
)

// Comparison is one row of a side-by-side result comparison.
type Comparison struct {
	Label              string  `json:"label" yaml:"label"`
	TotalReturn        float64 `json:"total_return" yaml:"total_return"`
	TotalReturnPercent float64 `json:"total_return_percent" yaml:"total_return_percent"`
	WinRate            float64 `json:"win_rate" yaml:"win_rate"`
	MaxDrawdownPercent float64 `json:"max_drawdown_percent" yaml:"max_drawdown_percent"`
	SharpeRatio        float64 `json:"sharpe_ratio" yaml:"sharpe_ratio"`
	SortinoRatio       float64 `json:"sortino_ratio" yaml:"sortino_ratio"`
	TotalTrades        int     `json:"total_trades" yaml:"total_trades"`
	ProfitFactor       float64 `json:"profit_factor" yaml:"profit_factor"`
	Rejected           int     `json:"rejected" yaml:"rejected"`
}

// MarshalJSON writes an infinite profit factor as the string "inf", which
// encoding/json cannot represent as a number.
func (c Comparison) MarshalJSON() ([]byte, error) {
	type plain Comparison
	out := struct {
		plain
		ProfitFactor any `json:"profit_factor"`
	}{plain: plain(c), ProfitFactor: c.ProfitFactor}
	if math.IsInf(c.ProfitFactor, 1) {
		out.ProfitFactor = "inf"
	}
	return json.Marshal(out)
}

// NewComparison summarizes res under label.
func NewComparison(label string, res *backtest.Result) Comparison {
	m := res.Metrics
	return Comparison{
		Label:              label,
		TotalReturn:        m.TotalReturn,
		TotalReturnPercent: m.TotalReturnPercent,
		WinRate:            m.WinRate,
		MaxDrawdownPercent: m.MaxDrawdownPercent,
		SharpeRatio:        m.SharpeRatio,
		SortinoRatio:       m.SortinoRatio,
		TotalTrades:        m.TotalTrades,
		ProfitFactor:       m.ProfitFactor,
		Rejected:           res.Rejections.Rejected(),
	}
}

// CompareResults builds comparisons sorted by Sharpe ratio, best first. Ties
// are broken by label so output is stable.
func CompareResults(results map[string]*backtest.Result) []Comparison {
	comparisons := make([]Comparison, 0, len(results))
	for label, res := range results {
		comparisons = append(comparisons, NewComparison(label, res))
	}
	SortBySharpe(comparisons)
	return comparisons
}

// SortBySharpe orders comparisons by Sharpe ratio descending, then label.
func SortBySharpe(comparisons []Comparison) {
	sort.SliceStable(comparisons, func(i, j int) bool {
		if comparisons[i].SharpeRatio != comparisons[j].SharpeRatio {
			return comparisons[i].SharpeRatio > comparisons[j].SharpeRatio
		}
		return comparisons[i].Label < comparisons[j].Label
	})
}

// Comparison prints rows in the order given.
func (p *Printer) Comparison(rows []Comparison) {
	table := tablewriter.NewWriter(p.w)
	table.Header("#", "Parameters", "Return", "Win Rate", "Max DD", "Sharpe", "Sortino", "PF", "Trades", "Rejected")
	for i, c := range rows {
		table.Append(
			fmt.Sprintf("%d", i+1),
			c.Label,
			p.pct(c.TotalReturnPercent),
			fmt.Sprintf("%.1f%%", c.WinRate),
			fmt.Sprintf("%.2f%%", c.MaxDrawdownPercent),
			ratio(c.SharpeRatio),
			ratio(c.SortinoRatio),
			ratio(c.ProfitFactor),
			fmt.Sprintf("%d", c.TotalTrades),
			fmt.Sprintf("%d", c.Rejected),
		)
	}
	table.Render()
}
