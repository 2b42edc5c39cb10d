// Package metrics reduces a finished backtest's trade log and equity history
// to summary statistics.
package metrics

import (
	"math"
	"time"

	"options-backtester/internal/models"
)

const tradingDaysPerYear = 252

// Metrics are the summary statistics of one run. Percent fields are 0-100.
type Metrics struct {
	StartingEquity          float64 `yaml:"starting_equity"`
	EndingEquity            float64 `yaml:"ending_equity"`
	TotalReturn             float64 `yaml:"total_return"`
	TotalReturnPercent      float64 `yaml:"total_return_percent"`
	AnnualizedReturnPercent float64 `yaml:"annualized_return_percent"`

	TotalTrades    int     `yaml:"total_trades"`
	WinningTrades  int     `yaml:"winning_trades"`
	LosingTrades   int     `yaml:"losing_trades"`
	WinRate        float64 `yaml:"win_rate"`
	GrossProfit    float64 `yaml:"gross_profit"`
	GrossLoss      float64 `yaml:"gross_loss"`
	ProfitFactor   float64 `yaml:"profit_factor"`
	AvgWin         float64 `yaml:"avg_win"`
	AvgLoss        float64 `yaml:"avg_loss"`
	LargestWin     float64 `yaml:"largest_win"`
	LargestLoss    float64 `yaml:"largest_loss"`
	AvgHoldingDays float64 `yaml:"avg_holding_days"`

	MaxDrawdown        float64 `yaml:"max_drawdown"`
	MaxDrawdownPercent float64 `yaml:"max_drawdown_percent"`
	SharpeRatio        float64 `yaml:"sharpe_ratio"`
	SortinoRatio       float64 `yaml:"sortino_ratio"`
	TradingDays        int     `yaml:"trading_days"`

	TotalCommissions float64 `yaml:"total_commissions"`
	TotalSlippage    float64 `yaml:"total_slippage"`

	ClosedTrades   int `yaml:"closed_trades"`
	ExpiredTrades  int `yaml:"expired_trades"`
	AssignedTrades int `yaml:"assigned_trades"`
}

// DailyPnL is the equity change over one calendar day.
type DailyPnL struct {
	Date time.Time
	PnL  float64
}

// Input is everything Calculate reads.
type Input struct {
	InitialCapital float64
	Trades         []models.BacktestTrade
	EquityCurve    []models.EquityPoint
	// DailyPnL is derived from EquityCurve when nil.
	DailyPnL []DailyPnL
}

// Calculate computes Metrics. It does not modify in.
func Calculate(in Input) Metrics {
	m := Metrics{
		StartingEquity: in.InitialCapital,
		EndingEquity:   in.InitialCapital,
	}
	if n := len(in.EquityCurve); n > 0 {
		m.EndingEquity = in.EquityCurve[n-1].Equity
	}

	m.TotalReturn = m.EndingEquity - m.StartingEquity
	if m.StartingEquity > 0 {
		m.TotalReturnPercent = m.TotalReturn / m.StartingEquity * 100
	}
	m.AnnualizedReturnPercent = annualizedReturn(in.EquityCurve, m.StartingEquity, m.EndingEquity) * 100

	tradeStats(&m, in.Trades)

	m.MaxDrawdown, m.MaxDrawdownPercent = MaxDrawdown(in.EquityCurve)

	daily := in.DailyPnL
	if daily == nil {
		daily = DailyPnLFromEquity(in.EquityCurve, in.InitialCapital)
	}
	values := make([]float64, len(daily))
	for i, d := range daily {
		values[i] = d.PnL
	}
	m.TradingDays = len(values)
	m.SharpeRatio = Sharpe(values)
	m.SortinoRatio = Sortino(values)

	return m
}

func tradeStats(m *Metrics, trades []models.BacktestTrade) {
	var holding float64
	var closed int

	for i := range trades {
		t := &trades[i]
		m.TotalCommissions += t.Commissions
		m.TotalSlippage += t.Slippage

		switch t.Status {
		case models.TradeClosed:
			m.ClosedTrades++
		case models.TradeExpired:
			m.ExpiredTrades++
		case models.TradeAssigned:
			m.AssignedTrades++
		default:
			continue
		}
		closed++
		holding += float64(t.HoldingDays())

		net := t.NetPnL()
		if net > 0 {
			m.WinningTrades++
			m.GrossProfit += net
			if net > m.LargestWin {
				m.LargestWin = net
			}
		} else {
			m.LosingTrades++
			m.GrossLoss += -net
			if net < m.LargestLoss {
				m.LargestLoss = net
			}
		}
	}

	m.TotalTrades = closed
	if closed == 0 {
		return
	}
	m.WinRate = float64(m.WinningTrades) / float64(closed) * 100
	m.AvgHoldingDays = holding / float64(closed)
	if m.WinningTrades > 0 {
		m.AvgWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = -m.GrossLoss / float64(m.LosingTrades)
	}
	m.ProfitFactor = ProfitFactor(m.GrossProfit, m.GrossLoss, m.WinningTrades)
}

// ProfitFactor is grossProfit/grossLoss, +Inf when there is no loss and at
// least one winner, 0 when there are neither.
func ProfitFactor(grossProfit, grossLoss float64, winners int) float64 {
	if grossLoss == 0 {
		if winners > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return grossProfit / grossLoss
}

// annualizedReturn compounds the total return over the calendar span of the
// curve.
func annualizedReturn(curve []models.EquityPoint, start, end float64) float64 {
	if len(curve) < 2 || start <= 0 || end <= 0 {
		return 0
	}
	days := curve[len(curve)-1].Timestamp.Sub(curve[0].Timestamp).Hours() / 24
	if days <= 0 {
		return 0
	}
	return math.Pow(end/start, 365.25/days) - 1
}

// MaxDrawdown scans the curve once, tracking the running peak, and returns the
// largest peak-to-trough drop in dollars and as a percent of the peak.
func MaxDrawdown(curve []models.EquityPoint) (amount, percent float64) {
	if len(curve) == 0 {
		return 0, 0
	}
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		if dd > amount {
			amount = dd
		}
		if peak > 0 {
			if pct := dd / peak * 100; pct > percent {
				percent = pct
			}
		}
	}
	return amount, math.Min(percent, 100)
}

// DailyPnLFromEquity takes the last equity of each calendar day and
// differences consecutive days, seeding the first difference with initial.
func DailyPnLFromEquity(curve []models.EquityPoint, initial float64) []DailyPnL {
	var out []DailyPnL
	prev := initial
	for i, p := range curve {
		last := i == len(curve)-1 || !models.SameDate(p.Timestamp, curve[i+1].Timestamp)
		if !last {
			continue
		}
		out = append(out, DailyPnL{Date: models.DateOf(p.Timestamp), PnL: p.Equity - prev})
		prev = p.Equity
	}
	return out
}

// Sharpe is mean/stddev of daily P&L annualized by sqrt(252). It is 0 with
// fewer than two samples or no variance.
func Sharpe(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	mean := mean(daily)
	var variance float64
	for _, v := range daily {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(daily) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

// Sortino is Sharpe with only downside deviation in the denominator.
func Sortino(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	var downside float64
	for _, v := range daily {
		if v < 0 {
			downside += v * v
		}
	}
	dd := math.Sqrt(downside / float64(len(daily)))
	if dd == 0 {
		return 0
	}
	return mean(daily) / dd * math.Sqrt(tradingDaysPerYear)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
