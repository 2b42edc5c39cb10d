package backtest

import (
	"time"

	"options-backtester/internal/config"
	"options-backtester/internal/metrics"
	"options-backtester/internal/models"
)

// RejectionStats counts signals that did not become trades, by cause.
type RejectionStats struct {
	Signals         int            `json:"signals" yaml:"signals"`
	Executed        int            `json:"executed" yaml:"executed"`
	InvalidSignal   int            `json:"invalid_signal" yaml:"invalid_signal"`
	MaxPositions    int            `json:"max_positions" yaml:"max_positions"`
	BuyingPower     int            `json:"buying_power" yaml:"buying_power"`
	Risk            int            `json:"risk" yaml:"risk"`
	Liquidity       int            `json:"liquidity" yaml:"liquidity"`
	ContractMissing int            `json:"contract_missing" yaml:"contract_missing"`
	StrategyErrors  int            `json:"strategy_errors" yaml:"strategy_errors"`
	ByRule          map[string]int `json:"by_rule,omitempty" yaml:"by_rule,omitempty"`
}

// Rejected is the total number of refused signals.
func (r RejectionStats) Rejected() int {
	return r.InvalidSignal + r.MaxPositions + r.BuyingPower + r.Risk + r.Liquidity + r.ContractMissing
}

// Result is the outcome of one Run. It shares no memory with the engine.
type Result struct {
	Strategy       string
	Start          time.Time
	End            time.Time
	Metrics        metrics.Metrics
	Trades         []models.BacktestTrade
	EquityCurve    []models.EquityPoint
	DailyReturns   []metrics.DailyPnL
	ConfigSnapshot config.Config
	Rejections     RejectionStats
}
