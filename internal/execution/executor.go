package execution

import (
	"fmt"
	"math"

	"options-backtester/internal/config"
	apperrors "options-backtester/internal/errors"
	"options-backtester/internal/models"
)

// Liquidity gate thresholds.
const (
	wideSpreadPercent     = 0.20
	lowOpenInterest       = 50
	defaultWideSpreadProb = 0.50
	defaultLowOIProb      = 0.30
)

// Fill is the outcome of a successfully executed signal.
type Fill struct {
	Prices map[string]float64 // leg symbol -> fill price
	// Premium is the net cash of the fills: sells minus buys, x qty x 100.
	Premium    float64
	Commission float64
	// Slippage is the dollar cost attributed to slippage across legs.
	Slippage   float64
	Collateral float64
}

// Executor turns signals into simulated fills.
type Executor struct {
	cfg   config.ExecutionConfig
	model SlippageModel
	rng   RandomSource

	wideSpreadProb float64
	lowOIProb      float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithLiquidityProbabilities overrides the rejection probabilities used for
// wide-spread and low open interest contracts.
func WithLiquidityProbabilities(wideSpread, lowOI float64) Option {
	return func(e *Executor) {
		e.wideSpreadProb = wideSpread
		e.lowOIProb = lowOI
	}
}

// WithSlippageModel replaces the configured slippage model.
func WithSlippageModel(m SlippageModel) Option {
	return func(e *Executor) {
		e.model = m
	}
}

// NewExecutor creates an executor for cfg drawing randomness from rng.
func NewExecutor(cfg config.ExecutionConfig, rng RandomSource, opts ...Option) (*Executor, error) {
	model, err := NewSlippageModel(cfg.SlippageModel, cfg.SlippageValue, rng)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:            cfg,
		model:          model,
		rng:            rng,
		wideSpreadProb: defaultWideSpreadProb,
		lowOIProb:      defaultLowOIProb,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Model returns the active slippage model.
func (e *Executor) Model() SlippageModel {
	return e.model
}

// Commission returns the commission for trading contracts contracts.
func (e *Executor) Commission(contracts int) float64 {
	return e.cfg.CommissionPerContract * float64(contracts)
}

// Execute fills every leg of signal against chain or rejects the whole order.
// Rejections are *errors.OrderRejectedError wrapping ErrContractNotFound or
// ErrLiquidityRejected. collateral is carried onto the fill unchanged.
func (e *Executor) Execute(signal *models.OptionSignal, chain *models.OptionChain, collateral float64) (*Fill, error) {
	contracts := chain.BySymbol()

	legContracts := make([]models.OptionContract, len(signal.Legs))
	for i, leg := range signal.Legs {
		c, ok := contracts[leg.ContractSymbol]
		if !ok {
			return nil, apperrors.NewOrderRejectedError(i, leg.ContractSymbol, "contract not in chain", apperrors.ErrContractNotFound)
		}
		if reason, rejected := e.liquidityReject(c); rejected {
			return nil, apperrors.NewOrderRejectedError(i, leg.ContractSymbol, reason, apperrors.ErrLiquidityRejected)
		}
		legContracts[i] = c
	}

	fill := &Fill{
		Prices:     make(map[string]float64, len(signal.Legs)),
		Commission: e.Commission(signal.TotalContracts()),
		Collateral: collateral,
	}
	for i, leg := range signal.Legs {
		price, slip := e.legFill(legContracts[i], leg.Side, leg.Quantity, len(signal.Legs))
		fill.Prices[leg.ContractSymbol] = price
		fill.Slippage += slip * models.ContractMultiplier
		fill.Premium += -leg.Side.Sign() * price * float64(leg.Quantity) * models.ContractMultiplier
	}
	return fill, nil
}

// ExitFill prices closing leg of trade against chain: the opposite side with
// fresh slippage and no rejection. A contract missing from the chain exits at
// its entry price with no slippage.
func (e *Executor) ExitFill(trade *models.BacktestTrade, leg models.OptionLeg, chain *models.OptionChain) (price, slippage float64) {
	c, ok := chain.Get(leg.ContractSymbol)
	if !ok {
		return trade.EntryPrices[leg.ContractSymbol], 0
	}
	price, slip := e.legFill(c, leg.Side.Opposite(), leg.Quantity, len(trade.Legs))
	return price, slip * models.ContractMultiplier
}

// legFill returns the fill price and raw slippage for one leg.
func (e *Executor) legFill(c models.OptionContract, side models.OrderSide, qty, legCount int) (float64, float64) {
	base := c.Ask
	if side == models.OrderSideSell {
		base = c.Bid
	}
	slip := e.model.Slippage(SlippageInput{
		Contract: c,
		Side:     side,
		Quantity: qty,
		LegCount: legCount,
		Price:    base,
	})
	perContract := slip / float64(qty)
	if side == models.OrderSideBuy {
		return base + perContract, slip
	}
	return math.Max(base-perContract, 0), slip
}

// liquidityReject runs the random liquidity gate for one contract.
func (e *Executor) liquidityReject(c models.OptionContract) (string, bool) {
	switch {
	case c.Bid > 0 && c.Ask > 0 && c.SpreadPercent() > wideSpreadPercent:
		if Bernoulli(e.rng, e.wideSpreadProb) {
			return fmt.Sprintf("spread %.1f%% too wide", c.SpreadPercent()*100), true
		}
	case c.OpenInterest < lowOpenInterest:
		if Bernoulli(e.rng, e.lowOIProb) {
			return fmt.Sprintf("open interest %d too low", c.OpenInterest), true
		}
	default:
		if Bernoulli(e.rng, e.cfg.LiquidityRejectionRate) {
			return "no counterparty", true
		}
	}
	return "", false
}
