// Package risk implements the pre-trade portfolio risk gate and the
// aggregated Greeks book for open positions.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"options-backtester/internal/config"
	"options-backtester/internal/models"
)

// Rule names reported in violations.
const (
	RuleMaxContracts     = "max_contracts_per_trade"
	RuleMaxDelta         = "max_portfolio_delta"
	RuleMaxGamma         = "max_portfolio_gamma"
	RuleMaxVega          = "max_portfolio_vega"
	RuleMinTheta         = "min_portfolio_theta"
	RuleMaxPositionSize  = "max_single_position_percent"
	RuleDailyLoss        = "daily_loss_limit"
	RuleMaxDrawdown      = "max_drawdown_percent"
	RuleMinDTE           = "min_days_to_expiry"
	RuleMaxDTE           = "max_days_to_expiry"
	RuleMinOpenInterest  = "min_open_interest"
	RuleMaxSpreadPercent = "max_bid_ask_spread_percent"
)

// nakedShortStrikeRatio approximates a naked short's margin as 20% of the
// strike per share: strike x 100 x 0.20 per contract.
const nakedShortStrikeRatio = 20.0

// AccountSnapshot is the account view the gate checks against.
type AccountSnapshot struct {
	Timestamp   time.Time
	Cash        float64
	BuyingPower float64
	Equity      float64
	PeakEquity  float64
}

// Manager evaluates signals against RiskConfig and owns the portfolio Greeks.
// It is not safe for concurrent use; one engine owns one Manager.
type Manager struct {
	cfg     config.RiskConfig
	logger  zerolog.Logger
	account AccountSnapshot

	positions map[int64]models.Greeks
	greeks    models.Greeks

	realized map[time.Time]float64 // calendar date -> realized P&L
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		positions: make(map[int64]models.Greeks),
		realized:  make(map[time.Time]float64),
	}
}

// UpdateAccount replaces the account snapshot.
func (m *Manager) UpdateAccount(s AccountSnapshot) {
	m.account = s
}

// Account returns the last snapshot.
func (m *Manager) Account() AccountSnapshot {
	return m.account
}

// UpdatePosition sets the Greeks contribution of tradeID, replacing any
// previous contribution.
func (m *Manager) UpdatePosition(tradeID int64, g models.Greeks) {
	prev := m.positions[tradeID]
	m.greeks = m.greeks.Sub(prev).Add(g)
	m.positions[tradeID] = g
}

// RemovePosition drops tradeID's contribution.
func (m *Manager) RemovePosition(tradeID int64) {
	prev, ok := m.positions[tradeID]
	if !ok {
		return
	}
	m.greeks = m.greeks.Sub(prev)
	delete(m.positions, tradeID)
}

// Greeks returns the aggregate exposure.
func (m *Manager) Greeks() models.PortfolioGreeks {
	return models.PortfolioGreeks{Greeks: m.greeks, Positions: len(m.positions)}
}

// RecordRealized adds realized P&L to the bucket for at's calendar date.
func (m *Manager) RecordRealized(at time.Time, pnl float64) {
	m.realized[models.DateOf(at)] += pnl
}

// DailyLoss returns the realized loss for the snapshot's date as a
// non-negative number.
func (m *Manager) DailyLoss() float64 {
	return math.Max(0, -m.realized[models.DateOf(m.account.Timestamp)])
}

// Utilization returns |exposure|/limit per Greek.
func (m *Manager) Utilization() map[string]float64 {
	return map[string]float64{
		"delta": ratio(m.greeks.Delta, m.cfg.MaxPortfolioDelta),
		"gamma": ratio(m.greeks.Gamma, m.cfg.MaxPortfolioGamma),
		"vega":  ratio(m.greeks.Vega, m.cfg.MaxPortfolioVega),
		"theta": ratio(m.greeks.Theta, m.cfg.MinPortfolioTheta),
	}
}

func ratio(v, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return math.Abs(v) / math.Abs(limit)
}

// PositionGreeks returns the signed contribution of legs: greek x qty x 100,
// negated for short legs. Legs without a contract contribute nothing.
func PositionGreeks(legs []models.OptionLeg, contracts map[string]models.OptionContract) models.Greeks {
	var total models.Greeks
	for _, leg := range legs {
		c, ok := contracts[leg.ContractSymbol]
		if !ok {
			continue
		}
		total = total.Add(c.Greeks.Scale(leg.Side.Sign() * float64(leg.Quantity) * models.ContractMultiplier))
	}
	return total
}

// CheckSignalRisk runs every pre-trade rule against signal. Liquidity rules
// only warn.
func (m *Manager) CheckSignalRisk(signal *models.OptionSignal, contracts map[string]models.OptionContract) *models.RiskCheckResponse {
	resp := &models.RiskCheckResponse{Result: models.RiskPassed}
	fail := func(rule string, current, limit float64, format string, args ...interface{}) {
		resp.Violations = append(resp.Violations, models.RiskViolation{
			Rule:         rule,
			Message:      fmt.Sprintf(format, args...),
			CurrentValue: current,
			LimitValue:   limit,
			Severity:     models.SeverityError,
		})
	}
	warn := func(rule string, current, limit float64, format string, args ...interface{}) {
		resp.Violations = append(resp.Violations, models.RiskViolation{
			Rule:         rule,
			Message:      fmt.Sprintf(format, args...),
			CurrentValue: current,
			LimitValue:   limit,
			Severity:     models.SeverityWarning,
		})
	}

	// Sizing
	for _, leg := range signal.Legs {
		if leg.Quantity > m.cfg.MaxContractsPerTrade {
			fail(RuleMaxContracts, float64(leg.Quantity), float64(m.cfg.MaxContractsPerTrade),
				"leg %s quantity %d exceeds limit", leg.ContractSymbol, leg.Quantity)
		}
	}

	// Projected Greeks
	projected := m.greeks.Add(PositionGreeks(signal.Legs, contracts))
	if math.Abs(projected.Delta) > m.cfg.MaxPortfolioDelta {
		fail(RuleMaxDelta, projected.Delta, m.cfg.MaxPortfolioDelta, "projected delta %.2f outside +/-%.2f", projected.Delta, m.cfg.MaxPortfolioDelta)
	}
	if math.Abs(projected.Gamma) > m.cfg.MaxPortfolioGamma {
		fail(RuleMaxGamma, projected.Gamma, m.cfg.MaxPortfolioGamma, "projected gamma %.2f outside +/-%.2f", projected.Gamma, m.cfg.MaxPortfolioGamma)
	}
	if math.Abs(projected.Vega) > m.cfg.MaxPortfolioVega {
		fail(RuleMaxVega, projected.Vega, m.cfg.MaxPortfolioVega, "projected vega %.2f outside +/-%.2f", projected.Vega, m.cfg.MaxPortfolioVega)
	}
	if projected.Theta < m.cfg.MinPortfolioTheta {
		fail(RuleMinTheta, projected.Theta, m.cfg.MinPortfolioTheta, "projected theta %.2f below floor %.2f", projected.Theta, m.cfg.MinPortfolioTheta)
	}

	// Position size against equity
	tradeRisk := m.EstimateTradeRisk(signal, contracts)
	maxRisk := m.cfg.MaxSinglePositionPercent * m.account.Equity
	if tradeRisk > maxRisk {
		fail(RuleMaxPositionSize, tradeRisk, maxRisk, "trade risk $%.2f exceeds $%.2f", tradeRisk, maxRisk)
	}

	// Daily loss
	if loss := m.DailyLoss(); loss >= m.cfg.DailyLossLimit {
		fail(RuleDailyLoss, loss, m.cfg.DailyLossLimit, "daily realized loss $%.2f reached limit", loss)
	}

	// Drawdown
	if m.account.PeakEquity > 0 {
		dd := (m.account.PeakEquity - m.account.Equity) / m.account.PeakEquity
		if dd >= m.cfg.MaxDrawdownPercent {
			fail(RuleMaxDrawdown, dd, m.cfg.MaxDrawdownPercent, "drawdown %.1f%% reached limit", dd*100)
		}
	}

	// Expiry window and liquidity
	for _, leg := range signal.Legs {
		asOf := m.account.Timestamp
		c, ok := contracts[leg.ContractSymbol]
		expiration := leg.Expiration
		if ok {
			expiration = c.Expiration
		}
		dte := models.DaysBetween(asOf, expiration)
		if dte < m.cfg.MinDaysToExpiry {
			fail(RuleMinDTE, float64(dte), float64(m.cfg.MinDaysToExpiry), "leg %s expires in %d days", leg.ContractSymbol, dte)
		}
		if dte > m.cfg.MaxDaysToExpiry {
			fail(RuleMaxDTE, float64(dte), float64(m.cfg.MaxDaysToExpiry), "leg %s expires in %d days", leg.ContractSymbol, dte)
		}

		if !ok {
			continue
		}
		if c.OpenInterest < m.cfg.MinOpenInterest {
			warn(RuleMinOpenInterest, float64(c.OpenInterest), float64(m.cfg.MinOpenInterest), "leg %s open interest %d", leg.ContractSymbol, c.OpenInterest)
		}
		if sp := c.SpreadPercent(); sp > m.cfg.MaxBidAskSpreadPercent {
			warn(RuleMaxSpreadPercent, sp, m.cfg.MaxBidAskSpreadPercent, "leg %s spread %.1f%% of mid", leg.ContractSymbol, sp*100)
		}
	}

	if len(resp.Errors()) > 0 {
		resp.Result = models.RiskFailed
	} else if len(resp.Violations) > 0 {
		resp.Result = models.RiskWarning
	}

	if resp.Result != models.RiskPassed {
		m.logger.Debug().
			Str("signal", string(signal.SignalType)).
			Str("result", string(resp.Result)).
			Int("violations", len(resp.Violations)).
			Msg("Risk check")
	}
	return resp
}

// EstimateTradeRisk returns the dollar collateral a signal needs. Legs that
// pair a long and short of the same type are treated as defined-risk spreads:
// the wider of the put and call widths less the net premium. Anything else
// uses a naked heuristic.
func (m *Manager) EstimateTradeRisk(signal *models.OptionSignal, contracts map[string]models.OptionContract) float64 {
	legs := completeLegs(signal.Legs, contracts)
	putWidth, putPaired := spreadWidth(legs, models.OptionTypePut)
	callWidth, callPaired := spreadWidth(legs, models.OptionTypeCall)

	if putPaired || callPaired {
		qty := 0
		premium := 0.0
		for _, leg := range legs {
			if leg.Side == models.OrderSideSell && leg.Quantity > qty {
				qty = leg.Quantity
			}
			c, ok := contracts[leg.ContractSymbol]
			if !ok {
				continue
			}
			price := c.Ask
			if leg.Side == models.OrderSideSell {
				price = c.Bid
			}
			premium += -leg.Side.Sign() * price * float64(leg.Quantity) * models.ContractMultiplier
		}
		width := math.Max(putWidth, callWidth)
		return math.Max(0, width*models.ContractMultiplier*float64(qty)-premium)
	}

	total := 0.0
	for _, leg := range legs {
		qty := float64(leg.Quantity)
		if leg.Side == models.OrderSideBuy {
			if c, ok := contracts[leg.ContractSymbol]; ok {
				total += c.Ask * models.ContractMultiplier * qty
			}
			continue
		}
		total += leg.Strike * nakedShortStrikeRatio * qty
	}
	return total
}

// completeLegs resolves legs that name only a symbol against their contracts.
func completeLegs(legs []models.OptionLeg, contracts map[string]models.OptionContract) []models.OptionLeg {
	out := make([]models.OptionLeg, len(legs))
	for i, leg := range legs {
		if c, ok := contracts[leg.ContractSymbol]; ok {
			leg = leg.Complete(c)
		}
		out[i] = leg
	}
	return out
}

// spreadWidth returns the strike distance between the first short and first
// long leg of typ, and whether such a pair exists.
func spreadWidth(legs []models.OptionLeg, typ models.OptionType) (float64, bool) {
	var short, long *models.OptionLeg
	for i := range legs {
		leg := &legs[i]
		if leg.Type != typ {
			continue
		}
		if leg.Side == models.OrderSideSell && short == nil {
			short = leg
		}
		if leg.Side == models.OrderSideBuy && long == nil {
			long = leg
		}
	}
	if short == nil || long == nil {
		return 0, false
	}
	return math.Abs(short.Strike - long.Strike), true
}
