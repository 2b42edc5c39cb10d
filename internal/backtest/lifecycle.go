package backtest

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"options-backtester/internal/execution"
	"options-backtester/internal/logging"
	"options-backtester/internal/models"
	"options-backtester/internal/risk"
)

// evaluateOpenTrades advances every open trade one tick. The close decision
// takes the first matching rule (profit target, stop loss, close DTE,
// expiration); early assignment overrides it; gap risk accrues on the first
// tick of each new day whatever else happens.
func (e *Engine) evaluateOpenTrades(ts time.Time, chain *models.OptionChain, contracts map[string]models.OptionContract, newDay bool) {
	log := e.logger
	for _, id := range e.book.openIDs() {
		trade := e.book.get(id)

		status, reason := closeDecision(trade, ts, contracts)
		assigned := e.assignmentCheck(trade, ts, contracts)
		if assigned != "" {
			status, reason = models.TradeAssigned, models.ExitAssignment
		}
		if newDay {
			e.applyGapRisk(log, trade, contracts)
		}

		if status != models.TradeOpen {
			e.closeTrade(log, trade, ts, chain, status, reason, assigned)
			continue
		}
		e.risk.UpdatePosition(id, risk.PositionGreeks(trade.Legs, contracts))
	}
}

// unrealizedPnL marks trade at mid. Legs missing from the chain contribute
// nothing. Accrued gap adjustment is included.
func unrealizedPnL(trade *models.BacktestTrade, contracts map[string]models.OptionContract) float64 {
	pnl := trade.GapAdjustment
	for _, leg := range trade.Legs {
		c, ok := contracts[leg.ContractSymbol]
		if !ok {
			continue
		}
		entry := trade.EntryPrices[leg.ContractSymbol]
		pnl += leg.Side.Sign() * (c.Mid() - entry) * float64(leg.Quantity) * models.ContractMultiplier
	}
	return pnl
}

func closeDecision(trade *models.BacktestTrade, ts time.Time, contracts map[string]models.OptionContract) (models.TradeStatus, models.ExitReason) {
	pnl := unrealizedPnL(trade, contracts)

	if target, ok := trade.Metadata[models.MetaProfitTarget]; ok && target > 0 && pnl >= target {
		return models.TradeClosed, models.ExitProfitTarget
	}
	if stop, ok := trade.Metadata[models.MetaStopLoss]; ok && stop > 0 && pnl <= -stop {
		return models.TradeClosed, models.ExitStopLoss
	}
	if closeDTE, ok := trade.Metadata[models.MetaCloseDTE]; ok {
		for _, leg := range trade.Legs {
			if float64(models.DaysBetween(ts, leg.Expiration)) <= closeDTE {
				return models.TradeClosed, models.ExitCloseDTE
			}
		}
	}
	for _, leg := range trade.Legs {
		if models.DaysBetween(ts, leg.Expiration) <= 0 {
			return models.TradeExpired, models.ExitExpiration
		}
	}
	return models.TradeOpen, ""
}

// assignmentCheck draws once per deep in-the-money short leg, in leg order,
// and returns the first assigned leg's symbol.
func (e *Engine) assignmentCheck(trade *models.BacktestTrade, ts time.Time, contracts map[string]models.OptionContract) string {
	threshold := e.cfg.Backtest.Execution.EarlyAssignmentThreshold
	for _, leg := range trade.Legs {
		if leg.Side != models.OrderSideSell {
			continue
		}
		c, ok := contracts[leg.ContractSymbol]
		if !ok {
			continue
		}
		absDelta := math.Abs(c.Greeks.Delta)
		if absDelta < threshold {
			continue
		}
		if execution.Bernoulli(e.rng, e.assignProb(absDelta, c.DaysToExpiry(ts))) {
			return leg.ContractSymbol
		}
	}
	return ""
}

// applyGapRisk accrues an overnight gap loss: a random fraction of each leg's
// adverse move since entry.
func (e *Engine) applyGapRisk(log zerolog.Logger, trade *models.BacktestTrade, contracts map[string]models.OptionContract) {
	ex := e.cfg.Backtest.Execution
	if !execution.Bernoulli(e.rng, ex.GapRiskProbability) {
		return
	}
	fraction := execution.Uniform(e.rng, ex.GapSeverityMin, ex.GapSeverityMax)

	var adverse float64
	for _, leg := range trade.Legs {
		c, ok := contracts[leg.ContractSymbol]
		if !ok {
			continue
		}
		move := c.Mid() - trade.EntryPrices[leg.ContractSymbol]
		if leg.Side == models.OrderSideBuy {
			move = -move
		}
		adverse += math.Max(0, move) * float64(leg.Quantity) * models.ContractMultiplier
	}
	if adverse == 0 {
		return
	}

	adj := -fraction * adverse
	trade.GapAdjustment += adj
	log.Debug().
		Int64("trade_id", trade.TradeID).
		Float64("fraction", fraction).
		Float64("adjustment", adj).
		Float64("accrued", trade.GapAdjustment).
		Msg("Gap risk applied")
}

// closeTrade settles trade at ts and moves it out of the open index.
// assigned names a short leg settled at no better than intrinsic value.
func (e *Engine) closeTrade(log zerolog.Logger, trade *models.BacktestTrade, ts time.Time, chain *models.OptionChain, status models.TradeStatus, reason models.ExitReason, assigned string) {
	exitPrices := make(map[string]float64, len(trade.Legs))
	var pnl, cashFlow, slippage float64
	contracts := 0

	for _, leg := range trade.Legs {
		price, slip := e.executor.ExitFill(trade, leg, chain)
		if leg.ContractSymbol == assigned {
			if c, ok := chain.Get(leg.ContractSymbol); ok {
				price = math.Max(price, c.IntrinsicValue(chain.UnderlyingPrice))
			}
		}
		exitPrices[leg.ContractSymbol] = price
		qty := float64(leg.Quantity) * models.ContractMultiplier
		pnl += leg.Side.Sign() * (price - trade.EntryPrices[leg.ContractSymbol]) * qty
		cashFlow += leg.Side.Sign() * price * qty
		slippage += slip
		contracts += leg.Quantity
	}

	commission := e.executor.Commission(contracts)
	trade.PnL = pnl + trade.GapAdjustment
	trade.Commissions += commission
	trade.Slippage += slippage
	trade.ExitPrices = exitPrices
	exit := ts
	trade.ExitTime = &exit
	trade.Status = status
	trade.ExitReason = reason

	e.account.ApplyCash(cashFlow - commission + trade.GapAdjustment)
	e.account.Release(trade.CollateralRequired)
	e.book.markClosed(trade.TradeID)
	e.risk.RemovePosition(trade.TradeID)
	e.risk.RecordRealized(ts, trade.NetPnL())

	logging.LogClose(log, trade)
}
