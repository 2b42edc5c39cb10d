package models

import "time"

// TradeStatus is the lifecycle state of a backtest trade.
type TradeStatus string

const (
	TradeOpen     TradeStatus = "OPEN"
	TradeClosed   TradeStatus = "CLOSED"
	TradeExpired  TradeStatus = "EXPIRED"
	TradeAssigned TradeStatus = "ASSIGNED"
)

// IsTerminal reports whether no further transitions are possible.
func (s TradeStatus) IsTerminal() bool {
	return s != TradeOpen
}

// ExitReason records why a trade left the OPEN state.
type ExitReason string

const (
	ExitProfitTarget  ExitReason = "profit_target"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitCloseDTE      ExitReason = "close_dte"
	ExitExpiration    ExitReason = "expiration"
	ExitAssignment    ExitReason = "early_assignment"
	ExitEndOfBacktest ExitReason = "end_of_backtest"
)

// BacktestTrade is a simulated multi-leg position.
type BacktestTrade struct {
	TradeID            int64
	SignalType         SignalType
	Underlying         string
	StrategyName       string
	Legs               []OptionLeg
	EntryTime          time.Time
	EntryPrices        map[string]float64
	ExitTime           *time.Time
	ExitPrices         map[string]float64
	Status             TradeStatus
	ExitReason         ExitReason
	PnL                float64
	Commissions        float64
	Slippage           float64
	EntryPremium       float64
	CollateralRequired float64
	GapAdjustment      float64
	Metadata           map[string]float64
}

// NetPnL is realized P&L after commissions and recorded slippage cost.
func (t *BacktestTrade) NetPnL() float64 {
	return t.PnL - t.Commissions - t.Slippage
}

// HoldingDays returns whole days held, or 0 while open.
func (t *BacktestTrade) HoldingDays() int {
	if t.ExitTime == nil {
		return 0
	}
	return int(t.ExitTime.Sub(t.EntryTime).Hours() / 24)
}

// IsOpen reports whether the trade is still OPEN.
func (t *BacktestTrade) IsOpen() bool {
	return t.Status == TradeOpen
}

// Clone returns a deep copy so results never alias engine state.
func (t *BacktestTrade) Clone() BacktestTrade {
	c := *t
	c.Legs = append([]OptionLeg(nil), t.Legs...)
	c.EntryPrices = cloneFloatMap(t.EntryPrices)
	c.ExitPrices = cloneFloatMap(t.ExitPrices)
	c.Metadata = cloneFloatMap(t.Metadata)
	if t.ExitTime != nil {
		et := *t.ExitTime
		c.ExitTime = &et
	}
	return c
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
