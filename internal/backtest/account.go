package backtest

import (
	"time"

	"options-backtester/internal/metrics"
	"options-backtester/internal/models"
	"options-backtester/internal/risk"
)

// Account is the cash ledger of one run. BuyingPower + CollateralInUse always
// equals Cash: reserving collateral moves money between the two without
// changing their sum, and only realized cash flows change Cash.
type Account struct {
	InitialCapital  float64
	Cash            float64
	BuyingPower     float64
	CollateralInUse float64
	Equity          float64
	PeakEquity      float64
	EquityHistory   []models.EquityPoint
	DailyPnL        []metrics.DailyPnL

	day           time.Time // calendar date of the open bucket
	dayOpenEquity float64
}

// NewAccount creates an account holding capital in cash.
func NewAccount(capital float64) *Account {
	return &Account{
		InitialCapital: capital,
		Cash:           capital,
		BuyingPower:    capital,
		Equity:         capital,
		PeakEquity:     capital,
		dayOpenEquity:  capital,
	}
}

// Reserve sets aside collateral from buying power.
func (a *Account) Reserve(amount float64) {
	a.BuyingPower -= amount
	a.CollateralInUse += amount
}

// Release returns collateral to buying power.
func (a *Account) Release(amount float64) {
	a.BuyingPower += amount
	a.CollateralInUse -= amount
}

// ApplyCash books a realized cash flow.
func (a *Account) ApplyCash(amount float64) {
	a.Cash += amount
	a.BuyingPower += amount
}

// IsNewDay reports whether ts falls on a later calendar date than the last
// equity observation. The first tick is not a new day.
func (a *Account) IsNewDay(ts time.Time) bool {
	n := len(a.EquityHistory)
	if n == 0 {
		return false
	}
	return !models.SameDate(a.EquityHistory[n-1].Timestamp, ts)
}

// Mark records equity at ts. A repeated timestamp replaces the last point.
// A date change closes the previous day's P&L bucket.
func (a *Account) Mark(ts time.Time, equity float64) {
	if n := len(a.EquityHistory); n > 0 && a.EquityHistory[n-1].Timestamp.Equal(ts) {
		a.EquityHistory[n-1].Equity = equity
	} else {
		if n > 0 && !models.SameDate(a.day, ts) {
			a.closeDay()
		}
		if a.day.IsZero() || !models.SameDate(a.day, ts) {
			a.day = models.DateOf(ts)
		}
		a.EquityHistory = append(a.EquityHistory, models.EquityPoint{Timestamp: ts, Equity: equity})
	}

	a.Equity = equity
	if equity > a.PeakEquity {
		a.PeakEquity = equity
	}
}

// Finish closes the open day bucket.
func (a *Account) Finish() {
	if len(a.EquityHistory) > 0 {
		a.closeDay()
	}
}

func (a *Account) closeDay() {
	last := a.EquityHistory[len(a.EquityHistory)-1].Equity
	if n := len(a.DailyPnL); n > 0 && a.DailyPnL[n-1].Date.Equal(a.day) {
		return
	}
	a.DailyPnL = append(a.DailyPnL, metrics.DailyPnL{Date: a.day, PnL: last - a.dayOpenEquity})
	a.dayOpenEquity = last
}

// Snapshot is the view the risk gate checks against.
func (a *Account) Snapshot(ts time.Time) risk.AccountSnapshot {
	return risk.AccountSnapshot{
		Timestamp:   ts,
		Cash:        a.Cash,
		BuyingPower: a.BuyingPower,
		Equity:      a.Equity,
		PeakEquity:  a.PeakEquity,
	}
}
