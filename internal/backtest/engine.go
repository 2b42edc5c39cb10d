// Package backtest replays historical option chains through a strategy,
// simulating fills, risk checks and the lifecycle of every position.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"options-backtester/internal/config"
	apperrors "options-backtester/internal/errors"
	"options-backtester/internal/execution"
	"options-backtester/internal/logging"
	"options-backtester/internal/metrics"
	"options-backtester/internal/models"
	"options-backtester/internal/risk"
	"options-backtester/internal/strategy"
)

// AssignmentProbability returns the per-tick probability that a short leg
// with the given |delta| and days to expiry is assigned early.
type AssignmentProbability func(absDelta float64, dte int) float64

// Engine runs backtests. An Engine is not safe for concurrent use; run
// independent engines in parallel instead.
type Engine struct {
	cfg        *config.Config
	logger     zerolog.Logger
	rng        execution.RandomSource
	execOpts   []execution.Option
	assignProb AssignmentProbability

	executor   *execution.Executor
	risk       *risk.Manager
	account    *Account
	book       *tradeBook
	rejections RejectionStats
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRandomSource replaces the seeded source built from config.
func WithRandomSource(rng execution.RandomSource) Option {
	return func(e *Engine) {
		e.rng = rng
	}
}

// WithAssignmentProbability replaces the early assignment model.
func WithAssignmentProbability(fn AssignmentProbability) Option {
	return func(e *Engine) {
		e.assignProb = fn
	}
}

// WithExecutionOptions passes options through to the executor.
func WithExecutionOptions(opts ...execution.Option) Option {
	return func(e *Engine) {
		e.execOpts = append(e.execOpts, opts...)
	}
}

// New creates an engine for cfg.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = execution.NewRandomSource(cfg.Backtest.Execution.Seed)
	}
	if e.assignProb == nil {
		e.assignProb = DefaultAssignmentProbability(cfg.Backtest.Execution.EarlyAssignmentThreshold)
	}

	executor, err := execution.NewExecutor(cfg.Backtest.Execution, e.rng, e.execOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}
	e.executor = executor
	return e, nil
}

// DefaultAssignmentProbability scales a 2% daily base rate by how far |delta|
// sits above threshold, doubled inside a week and x1.5 inside two weeks.
func DefaultAssignmentProbability(threshold float64) AssignmentProbability {
	return func(absDelta float64, dte int) float64 {
		p := 0.02 * (absDelta - threshold) / (1 - threshold)
		switch {
		case dte < 7:
			p *= 2.0
		case dte < 14:
			p *= 1.5
		}
		return p
	}
}

func (e *Engine) reset() {
	e.account = NewAccount(e.cfg.Backtest.InitialCapital)
	e.risk = risk.NewManager(e.cfg.Risk, e.logger)
	e.book = newTradeBook()
	e.rejections = RejectionStats{ByRule: make(map[string]int)}
}

// Run replays every chain with a timestamp in [start, end] through strat.
// It fails with *errors.EmptyRangeError, before touching any state, when no
// chain falls in range.
func (e *Engine) Run(ctx context.Context, strat strategy.Strategy, bars []models.Bar, chains map[time.Time]*models.OptionChain, start, end time.Time) (*Result, error) {
	timestamps := make([]time.Time, 0, len(chains))
	for ts := range chains {
		if !ts.Before(start) && !ts.After(end) {
			timestamps = append(timestamps, ts)
		}
	}
	if len(timestamps) == 0 {
		return nil, apperrors.NewEmptyRangeError(start, end)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	e.reset()
	log := logging.WithStrategy(e.logger, strat.Name())

	if !strat.IsInitialized() {
		if err := strat.Initialize(e.strategyConfig()); err != nil {
			return nil, apperrors.NewStrategyError(strat.Name(), "initialize", timestamps[0], err)
		}
	}

	series := sortedBars(bars)
	barIdx := -1

	log.Info().
		Int("ticks", len(timestamps)).
		Time("start", timestamps[0]).
		Time("end", timestamps[len(timestamps)-1]).
		Float64("capital", e.account.Cash).
		Msg("Backtest started")

	var last *models.OptionChain
	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chain := chains[ts]
		last = chain
		contracts := chain.BySymbol()

		for barIdx+1 < len(series) && !series[barIdx+1].Timestamp.After(ts) {
			barIdx++
		}

		newDay := e.account.IsNewDay(ts)
		e.risk.UpdateAccount(e.account.Snapshot(ts))
		e.evaluateOpenTrades(ts, chain, contracts, newDay)

		if barIdx >= 0 {
			data := models.MarketDataFromBar(chain.Underlying, ts, series[barIdx])
			err := guard(strat.Name(), "on_market_data", ts, func() error {
				return strat.OnMarketData(ctx, data)
			})
			if err := e.strategyFailed(log, err); err != nil {
				return nil, err
			}
		}

		var signal *models.OptionSignal
		err := guard(strat.Name(), "on_option_chain", ts, func() error {
			var err error
			signal, err = strat.OnOptionChain(ctx, chain)
			return err
		})
		if err := e.strategyFailed(log, err); err != nil {
			return nil, err
		}
		if err != nil {
			signal = nil
		}

		if signal != nil {
			e.handleSignal(log, ts, signal, chain, contracts)
		}

		e.account.Mark(ts, e.account.Cash+e.positionValue(contracts))
	}

	final := timestamps[len(timestamps)-1]
	for _, id := range e.book.openIDs() {
		e.closeTrade(log, e.book.get(id), final, last, models.TradeClosed, models.ExitEndOfBacktest, "")
	}
	e.account.Mark(final, e.account.Cash)
	e.account.Finish()

	result := &Result{
		Strategy:       strat.Name(),
		Start:          timestamps[0],
		End:            final,
		Trades:         e.book.snapshot(),
		EquityCurve:    append([]models.EquityPoint(nil), e.account.EquityHistory...),
		DailyReturns:   append([]metrics.DailyPnL(nil), e.account.DailyPnL...),
		ConfigSnapshot: *e.cfg,
		Rejections:     e.rejections,
	}
	result.Metrics = metrics.Calculate(metrics.Input{
		InitialCapital: e.account.InitialCapital,
		Trades:         result.Trades,
		EquityCurve:    result.EquityCurve,
		DailyPnL:       result.DailyReturns,
	})

	log.Info().
		Int("trades", result.Metrics.TotalTrades).
		Float64("ending_equity", result.Metrics.EndingEquity).
		Float64("return_pct", result.Metrics.TotalReturnPercent).
		Int("rejected", e.rejections.Rejected()).
		Msg("Backtest finished")

	return result, nil
}

// strategyFailed decides what a strategy error means for the run: fatal in
// strict mode, otherwise logged and counted.
func (e *Engine) strategyFailed(log zerolog.Logger, err error) error {
	if err == nil {
		return nil
	}
	if e.cfg.Backtest.StrictStrategyErrors {
		return err
	}
	e.rejections.StrategyErrors++
	log.Error().Err(err).Msg("Strategy callback failed, skipping tick")
	return nil
}

// guard runs a strategy callback, converting errors and panics into
// *errors.StrategyError.
func guard(name, op string, ts time.Time, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = apperrors.NewStrategyError(name, op, ts, err)
		}
	}()
	return fn()
}

func (e *Engine) strategyConfig() map[string]any {
	return map[string]any{
		"initial_capital": e.cfg.Backtest.InitialCapital,
		"underlying":      e.cfg.Data.Underlying,
		"execution":       e.cfg.Backtest.Execution,
		"risk":            e.cfg.Risk,
		"trading":         e.cfg.Trading,
	}
}

// handleSignal gates, sizes and executes one signal.
func (e *Engine) handleSignal(log zerolog.Logger, ts time.Time, signal *models.OptionSignal, chain *models.OptionChain, contracts map[string]models.OptionContract) {
	e.rejections.Signals++

	if err := signal.Validate(); err != nil {
		e.rejections.InvalidSignal++
		logging.LogRejection(log, signal, "invalid_signal", fmt.Errorf("%w: %v", apperrors.ErrInvalidSignal, err))
		return
	}

	if e.book.openCount() >= e.cfg.Trading.MaxConcurrentPositions {
		e.rejections.MaxPositions++
		logging.LogRejection(log, signal, "max_positions", apperrors.ErrMaxPositions)
		return
	}

	legContracts := make(map[string]models.OptionContract, len(signal.Legs))
	for _, leg := range signal.Legs {
		if c, ok := contracts[leg.ContractSymbol]; ok {
			legContracts[leg.ContractSymbol] = c
		}
	}
	signal = completeSignal(signal, legContracts)

	collateral := e.risk.EstimateTradeRisk(signal, legContracts)
	if e.account.BuyingPower-e.cfg.Trading.MinBuyingPowerReserve < collateral {
		e.rejections.BuyingPower++
		logging.LogRejection(log, signal, "buying_power", fmt.Errorf("%w: need $%.2f, available $%.2f",
			apperrors.ErrInsufficientBuyingPower, collateral, e.account.BuyingPower-e.cfg.Trading.MinBuyingPowerReserve))
		return
	}

	resp := e.risk.CheckSignalRisk(signal, legContracts)
	if !resp.Approved() {
		e.rejections.Risk++
		rejected := &apperrors.RiskRejectedError{}
		for _, v := range resp.Errors() {
			e.rejections.ByRule[v.Rule]++
			rejected.Violations = append(rejected.Violations, apperrors.NewRiskError(v.Rule, v.CurrentValue, v.LimitValue, v.Message))
		}
		logging.LogRejection(log, signal, "risk", rejected)
		return
	}

	e.account.Reserve(collateral)
	fill, err := e.executor.Execute(signal, chain, collateral)
	if err != nil {
		e.account.Release(collateral)
		if apperrors.Is(err, apperrors.ErrContractNotFound) {
			e.rejections.ContractMissing++
			logging.LogRejection(log, signal, "contract_missing", err)
		} else {
			e.rejections.Liquidity++
			logging.LogRejection(log, signal, "liquidity", err)
		}
		return
	}

	e.openTrade(log, ts, signal, fill, legContracts)
}

// completeSignal returns a copy of signal whose legs carry the type, strike
// and expiration of their chain contracts, so sizing sees the real structure.
func completeSignal(signal *models.OptionSignal, contracts map[string]models.OptionContract) *models.OptionSignal {
	out := *signal
	out.Legs = make([]models.OptionLeg, len(signal.Legs))
	for i, leg := range signal.Legs {
		if c, ok := contracts[leg.ContractSymbol]; ok {
			leg = leg.Complete(c)
		}
		out.Legs[i] = leg
	}
	return &out
}

// openTrade books a filled signal as an OPEN trade.
func (e *Engine) openTrade(log zerolog.Logger, ts time.Time, signal *models.OptionSignal, fill *execution.Fill, contracts map[string]models.OptionContract) {
	legs := make([]models.OptionLeg, len(signal.Legs))
	copy(legs, signal.Legs)

	meta := make(map[string]float64, len(signal.Metadata))
	for k, v := range signal.Metadata {
		meta[k] = v
	}

	trade := &models.BacktestTrade{
		SignalType:         signal.SignalType,
		Underlying:         signal.Underlying,
		StrategyName:       signal.StrategyName,
		Legs:               legs,
		EntryTime:          ts,
		EntryPrices:        fill.Prices,
		Status:             models.TradeOpen,
		Commissions:        fill.Commission,
		Slippage:           fill.Slippage,
		EntryPremium:       fill.Premium,
		CollateralRequired: fill.Collateral,
		Metadata:           meta,
	}
	id := e.book.add(trade)
	e.account.ApplyCash(fill.Premium - fill.Commission)
	e.risk.UpdatePosition(id, risk.PositionGreeks(legs, contracts))
	e.rejections.Executed++

	logging.LogFill(log, trade)
}

// positionValue is the liquidation value of open positions at mid: long legs
// count +mid, short legs -mid. Missing contracts are carried at entry.
func (e *Engine) positionValue(contracts map[string]models.OptionContract) float64 {
	var total float64
	for _, id := range e.book.openIDs() {
		t := e.book.get(id)
		for _, leg := range t.Legs {
			price := t.EntryPrices[leg.ContractSymbol]
			if c, ok := contracts[leg.ContractSymbol]; ok {
				price = c.Mid()
			}
			total += leg.Side.Sign() * price * float64(leg.Quantity) * models.ContractMultiplier
		}
	}
	return total
}

func sortedBars(bars []models.Bar) []models.Bar {
	out := append([]models.Bar(nil), bars...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
