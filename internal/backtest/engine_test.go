package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-backtester/internal/config"
	apperrors "options-backtester/internal/errors"
	"options-backtester/internal/execution"
	"options-backtester/internal/models"
	"options-backtester/internal/risk"
)

var (
	t0     = time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	expiry = time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)
)

func day(i int) time.Time { return t0.AddDate(0, 0, i) }

// funcStrategy adapts plain functions to strategy.Strategy.
type funcStrategy struct {
	name        string
	initialized bool
	onChain     func(chain *models.OptionChain) (*models.OptionSignal, error)
	onData      func(data models.MarketData) error
}

func (f *funcStrategy) Name() string                    { return f.name }
func (f *funcStrategy) IsInitialized() bool             { return f.initialized }
func (f *funcStrategy) Initialize(map[string]any) error { f.initialized = true; return nil }

func (f *funcStrategy) OnMarketData(ctx context.Context, data models.MarketData) error {
	if f.onData != nil {
		return f.onData(data)
	}
	return nil
}

func (f *funcStrategy) OnOptionChain(ctx context.Context, chain *models.OptionChain) (*models.OptionSignal, error) {
	if f.onChain != nil {
		return f.onChain(chain)
	}
	return nil, nil
}

// onceAt emits sig on the chain stamped at.
func onceAt(at time.Time, sig func() *models.OptionSignal) *funcStrategy {
	return &funcStrategy{name: "test", onChain: func(chain *models.OptionChain) (*models.OptionSignal, error) {
		if chain.Timestamp.Equal(at) {
			return sig(), nil
		}
		return nil, nil
	}}
}

func putContract(symbol string, strike, bid, ask, delta float64, ts time.Time) models.OptionContract {
	return models.OptionContract{
		Symbol:       symbol,
		Underlying:   "SPY",
		Type:         models.OptionTypePut,
		Strike:       strike,
		Expiration:   expiry,
		Bid:          bid,
		Ask:          ask,
		OpenInterest: 1000,
		Greeks:       models.Greeks{Delta: delta, Gamma: 0.02, Theta: -0.05, Vega: 0.20},
		Timestamp:    ts,
	}
}

func spreadChain(ts time.Time, shortBid, shortAsk, longBid, longAsk, shortDelta float64) *models.OptionChain {
	return &models.OptionChain{
		Underlying:      "SPY",
		UnderlyingPrice: 410,
		Timestamp:       ts,
		Contracts: []models.OptionContract{
			putContract("P400", 400, shortBid, shortAsk, shortDelta, ts),
			putContract("P395", 395, longBid, longAsk, -0.20, ts),
		},
	}
}

func baseChain(ts time.Time) *models.OptionChain {
	return spreadChain(ts, 2.00, 2.10, 0.70, 0.80, -0.30)
}

func putSpread(qty int, meta map[string]float64) *models.OptionSignal {
	return &models.OptionSignal{
		SignalType:   models.SignalSellPutSpread,
		Underlying:   "SPY",
		Confidence:   0.7,
		StrategyName: "test",
		Metadata:     meta,
		Legs: []models.OptionLeg{
			{ContractSymbol: "P400", Side: models.OrderSideSell, Quantity: qty},
			{ContractSymbol: "P395", Side: models.OrderSideBuy, Quantity: qty},
		},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backtest.Execution.SlippageModel = config.SlippageFixed
	cfg.Backtest.Execution.SlippageValue = 0
	cfg.Backtest.Execution.LiquidityRejectionRate = 0
	cfg.Backtest.Execution.GapRiskProbability = 0
	cfg.Backtest.Execution.Seed = 1
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	return e
}

func chainMap(chains ...*models.OptionChain) map[time.Time]*models.OptionChain {
	out := make(map[time.Time]*models.OptionChain, len(chains))
	for _, c := range chains {
		out[c.Timestamp] = c
	}
	return out
}

func TestCreditSpreadEntryCash(t *testing.T) {
	e := newTestEngine(t, testConfig())
	e.reset()
	chain := baseChain(t0)
	e.risk.UpdateAccount(e.account.Snapshot(t0))

	e.handleSignal(e.logger, t0, putSpread(1, nil), chain, chain.BySymbol())

	require.Equal(t, 1, e.book.openCount())
	trade := e.book.get(1)
	assert.InDelta(t, 118.70, trade.EntryPremium-trade.Commissions, 1e-9)
	assert.InDelta(t, 100118.70, e.account.Cash, 1e-9)
	assert.InDelta(t, 380, e.account.CollateralInUse, 1e-9)
	assert.InDelta(t, e.account.Cash, e.account.BuyingPower+e.account.CollateralInUse, 1e-9)

	// Contract terms are filled from the chain.
	assert.Equal(t, expiry, trade.Legs[0].Expiration)
	assert.Equal(t, 400.0, trade.Legs[0].Strike)
}

func TestBuyingPowerRejectionLeavesStateUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.MinBuyingPowerReserve = 99800 // leaves $200 against $380 needed
	e := newTestEngine(t, cfg)
	e.reset()
	chain := baseChain(t0)
	e.risk.UpdateAccount(e.account.Snapshot(t0))

	before := *e.account
	e.handleSignal(e.logger, t0, putSpread(1, nil), chain, chain.BySymbol())

	assert.Equal(t, 0, e.book.openCount())
	assert.Equal(t, before.Cash, e.account.Cash)
	assert.Equal(t, before.Equity, e.account.Equity)
	assert.Equal(t, before.BuyingPower, e.account.BuyingPower)
	assert.Equal(t, before.CollateralInUse, e.account.CollateralInUse)
	assert.Equal(t, 1, e.rejections.BuyingPower)
}

func TestNakedShortSizedFromChainStrike(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.MinBuyingPowerReserve = 95000 // leaves $5,000 against $8,000 needed
	e := newTestEngine(t, cfg)
	e.reset()
	chain := baseChain(t0)
	e.risk.UpdateAccount(e.account.Snapshot(t0))

	naked := &models.OptionSignal{
		SignalType: models.SignalShortPut,
		Underlying: "SPY",
		Confidence: 0.5,
		Legs:       []models.OptionLeg{{ContractSymbol: "P400", Side: models.OrderSideSell, Quantity: 1}},
	}
	e.handleSignal(e.logger, t0, naked, chain, chain.BySymbol())

	assert.Equal(t, 0, e.book.openCount())
	assert.Equal(t, 1, e.rejections.BuyingPower)
	assert.Zero(t, e.account.CollateralInUse)
	assert.Empty(t, naked.Legs[0].Type, "the strategy's signal is not modified")
}

func TestRun_EmptyRange(t *testing.T) {
	e := newTestEngine(t, testConfig())
	_, err := e.Run(context.Background(), &funcStrategy{name: "x"}, nil,
		chainMap(baseChain(t0)), day(10), day(20))

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNoChainData)
	var rangeErr *apperrors.EmptyRangeError
	assert.ErrorAs(t, err, &rangeErr)
}

func TestRun_EarlyAssignmentNextTick(t *testing.T) {
	e := newTestEngine(t, testConfig(), WithAssignmentProbability(func(float64, int) float64 { return 1 }))

	chains := chainMap(
		baseChain(day(0)),
		spreadChain(day(1), 2.00, 2.10, 0.70, 0.80, -0.95),
		baseChain(day(2)),
	)
	res, err := e.Run(context.Background(), onceAt(day(0), func() *models.OptionSignal { return putSpread(1, nil) }),
		nil, chains, day(0), day(2))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, models.TradeAssigned, tr.Status)
	assert.Equal(t, models.ExitAssignment, tr.ExitReason)
	require.NotNil(t, tr.ExitTime)
	assert.Equal(t, day(1), *tr.ExitTime)
	assert.Equal(t, 1, res.Metrics.AssignedTrades)
}

func TestRun_ProfitTargetClose(t *testing.T) {
	e := newTestEngine(t, testConfig())
	chains := chainMap(
		baseChain(day(0)),
		// Spread has decayed: unrealized = 97.5 - 47.5 = 50.
		spreadChain(day(1), 1.00, 1.05, 0.30, 0.35, -0.15),
	)
	meta := map[string]float64{models.MetaProfitTarget: 40}
	res, err := e.Run(context.Background(), onceAt(day(0), func() *models.OptionSignal { return putSpread(1, meta) }),
		nil, chains, day(0), day(1))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, models.TradeClosed, tr.Status)
	assert.Equal(t, models.ExitProfitTarget, tr.ExitReason)
	// Buy back short at 1.05, sell long at 0.30.
	assert.InDelta(t, (2.00-1.05)*100+(0.30-0.80)*100, tr.PnL, 1e-9)
	assert.InDelta(t, 2.60, tr.Commissions, 1e-9)
	assert.InDelta(t, 100000+tr.PnL-tr.Commissions, res.Metrics.EndingEquity, 1e-9)
}

func TestRun_StopLossAndCloseDTE(t *testing.T) {
	tests := []struct {
		name   string
		meta   map[string]float64
		chain  *models.OptionChain
		reason models.ExitReason
	}{
		{
			name:   "stop loss",
			meta:   map[string]float64{models.MetaStopLoss: 100},
			chain:  spreadChain(day(1), 4.00, 4.10, 1.50, 1.60, -0.50),
			reason: models.ExitStopLoss,
		},
		{
			name:   "close dte",
			meta:   map[string]float64{models.MetaCloseDTE: 27},
			chain:  baseChain(day(1)),
			reason: models.ExitCloseDTE,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, testConfig())
			res, err := e.Run(context.Background(),
				onceAt(day(0), func() *models.OptionSignal { return putSpread(1, tt.meta) }),
				nil, chainMap(baseChain(day(0)), tt.chain, baseChain(day(2))), day(0), day(2))
			require.NoError(t, err)
			require.Len(t, res.Trades, 1)
			assert.Equal(t, tt.reason, res.Trades[0].ExitReason)
			assert.Equal(t, day(1), *res.Trades[0].ExitTime)
		})
	}
}

func TestRun_ExpirationAndEndOfBacktest(t *testing.T) {
	e := newTestEngine(t, testConfig())
	expTick := time.Date(2024, 3, 29, 16, 0, 0, 0, time.UTC)
	res, err := e.Run(context.Background(),
		onceAt(day(0), func() *models.OptionSignal { return putSpread(1, nil) }),
		nil, chainMap(baseChain(day(0)), baseChain(expTick)), day(0), expTick)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, models.TradeExpired, res.Trades[0].Status)

	// Without reaching expiry the position is force-closed at the end.
	e = newTestEngine(t, testConfig())
	res, err = e.Run(context.Background(),
		onceAt(day(0), func() *models.OptionSignal { return putSpread(1, nil) }),
		nil, chainMap(baseChain(day(0)), baseChain(day(1))), day(0), day(1))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, models.TradeClosed, res.Trades[0].Status)
	assert.Equal(t, models.ExitEndOfBacktest, res.Trades[0].ExitReason)
}

func TestRun_DeltaLimitRejectsSecondSignal(t *testing.T) {
	chainFor := func(ts time.Time) *models.OptionChain {
		return &models.OptionChain{
			Underlying:      "XYZ",
			UnderlyingPrice: 105,
			Timestamp:       ts,
			Contracts:       []models.OptionContract{putContract("P100", 100, 2.00, 2.05, -0.30, ts)},
		}
	}
	shortPut := func(qty int) *models.OptionSignal {
		return &models.OptionSignal{
			SignalType: models.SignalShortPut,
			Underlying: "XYZ",
			Confidence: 0.5,
			Legs:       []models.OptionLeg{{ContractSymbol: "P100", Side: models.OrderSideSell, Quantity: qty}},
		}
	}
	strat := &funcStrategy{name: "delta", onChain: func(chain *models.OptionChain) (*models.OptionSignal, error) {
		switch {
		case chain.Timestamp.Equal(day(0)):
			return shortPut(3), nil // +90 delta
		case chain.Timestamp.Equal(day(1)):
			return shortPut(1), nil // would reach +120
		}
		return nil, nil
	}}

	cfg := testConfig()
	cfg.Risk.MaxPortfolioGamma = 1000
	cfg.Risk.MaxPortfolioVega = 1000
	e := newTestEngine(t, cfg)
	res, err := e.Run(context.Background(), strat, nil,
		chainMap(chainFor(day(0)), chainFor(day(1)), chainFor(day(2))), day(0), day(2))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rejections.Risk)
	assert.Equal(t, 1, res.Rejections.ByRule[risk.RuleMaxDelta])
	require.Len(t, res.Trades, 1)
	assert.Equal(t, models.ExitEndOfBacktest, res.Trades[0].ExitReason, "first trade stays open until the end")
}

func TestRun_MaxConcurrentPositions(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.MaxConcurrentPositions = 1
	strat := &funcStrategy{name: "greedy", onChain: func(*models.OptionChain) (*models.OptionSignal, error) {
		return putSpread(1, nil), nil
	}}
	e := newTestEngine(t, cfg)
	res, err := e.Run(context.Background(), strat, nil,
		chainMap(baseChain(day(0)), baseChain(day(1)), baseChain(day(2))), day(0), day(2))
	require.NoError(t, err)

	assert.Len(t, res.Trades, 1)
	assert.Equal(t, 2, res.Rejections.MaxPositions)
	assert.Equal(t, 3, res.Rejections.Signals)
}

func TestRun_StrategyErrorsIsolatedPerTick(t *testing.T) {
	calls := 0
	strat := &funcStrategy{name: "flaky", onChain: func(chain *models.OptionChain) (*models.OptionSignal, error) {
		calls++
		switch calls {
		case 1:
			panic("boom")
		case 2:
			return putSpread(1, nil), errors.New("bad tick")
		}
		return nil, nil
	}}
	chains := chainMap(baseChain(day(0)), baseChain(day(1)), baseChain(day(2)))

	e := newTestEngine(t, testConfig())
	res, err := e.Run(context.Background(), strat, nil, chains, day(0), day(2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rejections.StrategyErrors)
	assert.Empty(t, res.Trades, "a signal returned with an error is discarded")
	assert.Len(t, res.EquityCurve, 3)

	cfg := testConfig()
	cfg.Backtest.StrictStrategyErrors = true
	calls = 0
	e = newTestEngine(t, cfg)
	_, err = e.Run(context.Background(), strat, nil, chains, day(0), day(2))
	var serr *apperrors.StrategyError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "on_option_chain", serr.Operation)
}

func TestRun_ForwardFillsBars(t *testing.T) {
	var seen []float64
	strat := &funcStrategy{name: "bars", onData: func(d models.MarketData) error {
		seen = append(seen, d.Close)
		return nil
	}}
	bars := []models.Bar{
		{Timestamp: day(1).Add(-time.Hour), Close: 411},
		{Timestamp: day(0).Add(-time.Hour), Close: 410},
	}
	e := newTestEngine(t, testConfig())
	_, err := e.Run(context.Background(), strat, bars,
		chainMap(baseChain(day(-1)), baseChain(day(0)), baseChain(day(1)), baseChain(day(2))), day(-1), day(2))
	require.NoError(t, err)

	// No bar before the first chain: market data skipped for that tick.
	assert.Equal(t, []float64{410, 411, 411}, seen)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newTestEngine(t, testConfig())
	_, err := e.Run(ctx, &funcStrategy{name: "x"}, nil, chainMap(baseChain(t0)), t0, t0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DeterministicWithSeed(t *testing.T) {
	cfg := testConfig()
	cfg.Backtest.Execution.SlippageModel = config.SlippageRealistic
	cfg.Backtest.Execution.GapRiskProbability = 0.5
	cfg.Backtest.Execution.Seed = 42

	var chains []*models.OptionChain
	for i := 0; i < 10; i++ {
		// Short put creeps up in price so gaps have an adverse move to bite.
		bump := float64(i) * 0.10
		chains = append(chains, spreadChain(day(i), 2.00+bump, 2.10+bump, 0.70, 0.80, -0.30))
	}
	run := func() *Result {
		strat := &funcStrategy{name: "det", onChain: func(*models.OptionChain) (*models.OptionSignal, error) {
			return putSpread(1, nil), nil
		}}
		e := newTestEngine(t, cfg, WithExecutionOptions(execution.WithLiquidityProbabilities(0, 0)))
		res, err := e.Run(context.Background(), strat, nil, chainMap(chains...), day(0), day(9))
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.Trades)
}

// constRandom always draws the same value.
type constRandom float64

func (c constRandom) Float64() float64 { return float64(c) }

func TestRun_GapRiskAccruesDailyAndRealizesAtClose(t *testing.T) {
	cfg := testConfig()
	cfg.Backtest.Execution.GapRiskProbability = 1
	cfg.Backtest.Execution.GapSeverityMin = 0.20
	cfg.Backtest.Execution.GapSeverityMax = 0.50
	e := newTestEngine(t, cfg,
		WithRandomSource(constRandom(0.5)),
		WithExecutionOptions(execution.WithLiquidityProbabilities(0, 0)))

	// Short put rallies from 2.00 entry to 3.05 mid; long put 0.80 entry to
	// 0.75 mid. Adverse move is (1.05 + 0.05) x 100 = 110 per day.
	ticks := []time.Time{day(0), day(1).Add(-time.Hour), day(1), day(2)}
	chains := chainMap(
		baseChain(ticks[0]),
		spreadChain(ticks[1], 3.00, 3.10, 0.70, 0.80, -0.45),
		spreadChain(ticks[2], 3.00, 3.10, 0.70, 0.80, -0.45),
		spreadChain(ticks[3], 3.00, 3.10, 0.70, 0.80, -0.45),
	)

	var gaps, cash []float64
	strat := &funcStrategy{name: "gap", onChain: func(chain *models.OptionChain) (*models.OptionSignal, error) {
		if tr := e.book.get(1); tr != nil {
			gaps = append(gaps, tr.GapAdjustment)
			cash = append(cash, e.account.Cash)
		}
		if chain.Timestamp.Equal(ticks[0]) {
			return putSpread(1, nil), nil
		}
		return nil, nil
	}}

	res, err := e.Run(context.Background(), strat, nil, chains, ticks[0], ticks[3])
	require.NoError(t, err)

	perDay := -(0.20 + 0.30*0.5) * 110
	// First tick of day 1 accrues, the second tick of day 1 does not, day 2
	// accrues again.
	require.Len(t, gaps, 3)
	assert.InDelta(t, perDay, gaps[0], 1e-9)
	assert.InDelta(t, perDay, gaps[1], 1e-9)
	assert.InDelta(t, 2*perDay, gaps[2], 1e-9)

	// Cash only moves at entry until the trade closes.
	for _, c := range cash {
		assert.InDelta(t, 100118.70, c, 1e-9)
	}

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, models.ExitEndOfBacktest, tr.ExitReason)
	assert.InDelta(t, 2*perDay, tr.GapAdjustment, 1e-9)

	legPnL := 0.0
	for _, leg := range tr.Legs {
		legPnL += leg.Side.Sign() * (tr.ExitPrices[leg.ContractSymbol] - tr.EntryPrices[leg.ContractSymbol]) *
			float64(leg.Quantity) * models.ContractMultiplier
	}
	assert.InDelta(t, legPnL+2*perDay, tr.PnL, 1e-9)

	final := res.EquityCurve[len(res.EquityCurve)-1].Equity
	assert.InDelta(t, cfg.Backtest.InitialCapital+tr.NetPnL(), final, 1e-6)
	assert.InDelta(t, e.account.Cash, final, 1e-9)
}
