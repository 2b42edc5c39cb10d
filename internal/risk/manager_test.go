package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-backtester/internal/config"
	"options-backtester/internal/models"
)

var (
	now    = time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	expiry = now.AddDate(0, 0, 28)
)

func newTestManager() *Manager {
	m := NewManager(config.Default().Risk, zerolog.Nop())
	m.UpdateAccount(AccountSnapshot{
		Timestamp:   now,
		Cash:        100000,
		BuyingPower: 100000,
		Equity:      100000,
		PeakEquity:  100000,
	})
	return m
}

func put(symbol string, strike, bid, ask, delta float64) models.OptionContract {
	return models.OptionContract{
		Symbol:       symbol,
		Underlying:   "XYZ",
		Type:         models.OptionTypePut,
		Strike:       strike,
		Expiration:   expiry,
		Bid:          bid,
		Ask:          ask,
		OpenInterest: 1000,
		Greeks:       models.Greeks{Delta: delta, Gamma: 0.01, Theta: -0.02, Vega: 0.05},
		Timestamp:    now,
	}
}

func shortPut(c models.OptionContract, qty int) *models.OptionSignal {
	return &models.OptionSignal{
		SignalType: models.SignalShortPut,
		Underlying: "XYZ",
		Confidence: 0.5,
		Legs: []models.OptionLeg{{
			ContractSymbol: c.Symbol,
			Type:           c.Type,
			Strike:         c.Strike,
			Expiration:     c.Expiration,
			Side:           models.OrderSideSell,
			Quantity:       qty,
		}},
	}
}

func lookup(cs ...models.OptionContract) map[string]models.OptionContract {
	out := make(map[string]models.OptionContract, len(cs))
	for _, c := range cs {
		out[c.Symbol] = c
	}
	return out
}

func TestCheckSignalRisk_Passes(t *testing.T) {
	m := newTestManager()
	c := put("P95", 95, 1.00, 1.05, -0.25)

	resp := m.CheckSignalRisk(shortPut(c, 1), lookup(c))
	assert.Equal(t, models.RiskPassed, resp.Result)
	assert.Empty(t, resp.Violations)
}

func TestCheckSignalRisk_DeltaLimitBlocksSecondSignal(t *testing.T) {
	m := newTestManager()
	c := put("P100", 100, 2.00, 2.05, -0.30)

	// 3 short puts at -0.30 delta: +90 share-delta, 90% of the 100 limit.
	first := shortPut(c, 3)
	resp := m.CheckSignalRisk(first, lookup(c))
	require.True(t, resp.Approved(), "violations: %+v", resp.Violations)
	m.UpdatePosition(1, PositionGreeks(first.Legs, lookup(c)))
	assert.InDelta(t, 90, m.Greeks().Delta, 1e-9)

	resp = m.CheckSignalRisk(shortPut(c, 1), lookup(c))
	assert.Equal(t, models.RiskFailed, resp.Result)
	assert.True(t, resp.HasRule(RuleMaxDelta))

	// The rejected check leaves the book alone.
	assert.InDelta(t, 90, m.Greeks().Delta, 1e-9)
	assert.Equal(t, 1, m.Greeks().Positions)
}

func TestCheckSignalRisk_Rules(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(m *Manager, c *models.OptionContract)
		qty      int
		wantRule string
		wantRes  models.RiskResult
	}{
		{"too many contracts", nil, 11, RuleMaxContracts, models.RiskFailed},
		{"position too large", func(m *Manager, c *models.OptionContract) {
			m.account.Equity = 10000
			m.account.PeakEquity = 10000
		}, 1, RuleMaxPositionSize, models.RiskFailed},
		{"daily loss hit", func(m *Manager, c *models.OptionContract) {
			m.RecordRealized(now.Add(-time.Hour), -2500)
		}, 1, RuleDailyLoss, models.RiskFailed},
		{"drawdown hit", func(m *Manager, c *models.OptionContract) {
			m.account.PeakEquity = 130000
		}, 1, RuleMaxDrawdown, models.RiskFailed},
		{"expiry too close", func(m *Manager, c *models.OptionContract) {
			c.Expiration = now
		}, 1, RuleMinDTE, models.RiskFailed},
		{"expiry too far", func(m *Manager, c *models.OptionContract) {
			c.Expiration = now.AddDate(0, 0, 120)
		}, 1, RuleMaxDTE, models.RiskFailed},
		{"thin open interest only warns", func(m *Manager, c *models.OptionContract) {
			c.OpenInterest = 5
		}, 1, RuleMinOpenInterest, models.RiskWarning},
		{"wide spread only warns", func(m *Manager, c *models.OptionContract) {
			c.Bid, c.Ask = 1.00, 1.50
		}, 1, RuleMaxSpreadPercent, models.RiskWarning},
		{"gamma limit", func(m *Manager, c *models.OptionContract) {
			c.Greeks.Gamma = 0.6
		}, 1, RuleMaxGamma, models.RiskFailed},
		{"theta floor", func(m *Manager, c *models.OptionContract) {
			// Short legs negate theta, so a positive contract theta pushes the book down.
			c.Greeks.Theta = 6
		}, 1, RuleMinTheta, models.RiskFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			c := put("P95", 95, 1.00, 1.05, -0.10)
			if tt.setup != nil {
				tt.setup(m, &c)
			}
			resp := m.CheckSignalRisk(shortPut(c, tt.qty), lookup(c))
			assert.Equal(t, tt.wantRes, resp.Result, "violations: %+v", resp.Violations)
			assert.True(t, resp.HasRule(tt.wantRule), "violations: %+v", resp.Violations)
			assert.Equal(t, tt.wantRes != models.RiskFailed, resp.Approved())
		})
	}
}

func TestEstimateTradeRisk(t *testing.T) {
	m := newTestManager()
	short := put("P400", 400, 2.00, 2.10, -0.30)
	long := put("P395", 395, 0.70, 0.80, -0.20)

	spread := &models.OptionSignal{
		SignalType: models.SignalSellPutSpread,
		Legs: []models.OptionLeg{
			{ContractSymbol: "P400", Type: models.OptionTypePut, Strike: 400, Side: models.OrderSideSell, Quantity: 1},
			{ContractSymbol: "P395", Type: models.OptionTypePut, Strike: 395, Side: models.OrderSideBuy, Quantity: 1},
		},
	}
	// $5 wide x 100 less $120 credit.
	assert.InDelta(t, 380, m.EstimateTradeRisk(spread, lookup(short, long)), 1e-9)

	condor := &models.OptionSignal{
		SignalType: models.SignalIronCondor,
		Legs: []models.OptionLeg{
			{ContractSymbol: "P400", Type: models.OptionTypePut, Strike: 400, Side: models.OrderSideSell, Quantity: 2},
			{ContractSymbol: "P395", Type: models.OptionTypePut, Strike: 395, Side: models.OrderSideBuy, Quantity: 2},
			{ContractSymbol: "C420", Type: models.OptionTypeCall, Strike: 420, Side: models.OrderSideSell, Quantity: 2},
			{ContractSymbol: "C430", Type: models.OptionTypeCall, Strike: 430, Side: models.OrderSideBuy, Quantity: 2},
		},
	}
	// Wider wing is 10; contracts for the call wing are absent so only put
	// premium counts: (2.00-0.80) x 2 x 100 = 240.
	assert.InDelta(t, 10*100*2-240, m.EstimateTradeRisk(condor, lookup(short, long)), 1e-9)

	naked := shortPut(short, 2)
	assert.InDelta(t, 400*20*2, m.EstimateTradeRisk(naked, lookup(short)), 1e-9)

	longPut := shortPut(long, 3)
	longPut.Legs[0].Side = models.OrderSideBuy
	assert.InDelta(t, 0.80*100*3, m.EstimateTradeRisk(longPut, lookup(long)), 1e-9)
}

func TestEstimateTradeRisk_SymbolOnlyLegs(t *testing.T) {
	m := newTestManager()
	short := put("P400", 400, 2.00, 2.10, -0.30)
	long := put("P395", 395, 0.70, 0.80, -0.20)

	spread := &models.OptionSignal{
		SignalType: models.SignalSellPutSpread,
		Confidence: 0.5,
		Legs: []models.OptionLeg{
			{ContractSymbol: "P400", Side: models.OrderSideSell, Quantity: 1},
			{ContractSymbol: "P395", Side: models.OrderSideBuy, Quantity: 1},
		},
	}
	assert.InDelta(t, 380, m.EstimateTradeRisk(spread, lookup(short, long)), 1e-9)
	assert.Empty(t, spread.Legs[0].Type, "caller legs are not modified")

	naked := &models.OptionSignal{
		SignalType: models.SignalShortPut,
		Confidence: 0.5,
		Legs:       []models.OptionLeg{{ContractSymbol: "P400", Side: models.OrderSideSell, Quantity: 2}},
	}
	assert.InDelta(t, 400*20*2, m.EstimateTradeRisk(naked, lookup(short)), 1e-9)

	// 16,000 of naked risk against a 10% x 100,000 cap.
	resp := m.CheckSignalRisk(naked, lookup(short))
	assert.True(t, resp.HasRule(RuleMaxPositionSize), "violations: %+v", resp.Violations)
}

func TestGreeksBook_ReplaceNotAccumulate(t *testing.T) {
	m := newTestManager()
	m.UpdatePosition(1, models.Greeks{Delta: 30, Vega: -10})
	m.UpdatePosition(2, models.Greeks{Delta: -5})
	m.UpdatePosition(1, models.Greeks{Delta: 40, Vega: -12})

	g := m.Greeks()
	assert.InDelta(t, 35, g.Delta, 1e-12)
	assert.InDelta(t, -12, g.Vega, 1e-12)
	assert.Equal(t, 2, g.Positions)

	m.RemovePosition(1)
	m.RemovePosition(1)
	assert.InDelta(t, -5, m.Greeks().Delta, 1e-12)
	assert.Equal(t, 1, m.Greeks().Positions)

	u := m.Utilization()
	assert.InDelta(t, 0.05, u["delta"], 1e-12)
}

func TestDailyLoss_ResetsOnNewDay(t *testing.T) {
	m := newTestManager()
	m.RecordRealized(now, -500)
	m.RecordRealized(now, 200)
	assert.InDelta(t, 300, m.DailyLoss(), 1e-12)

	snap := m.Account()
	snap.Timestamp = now.AddDate(0, 0, 1)
	m.UpdateAccount(snap)
	assert.Zero(t, m.DailyLoss())
}
