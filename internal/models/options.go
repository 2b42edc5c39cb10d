package models

import (
	"fmt"
	"math"
	"time"
)

// OptionType is call or put.
type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// Greeks holds option sensitivities.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Add returns g + o.
func (g Greeks) Add(o Greeks) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta,
		Gamma: g.Gamma + o.Gamma,
		Theta: g.Theta + o.Theta,
		Vega:  g.Vega + o.Vega,
		Rho:   g.Rho + o.Rho,
	}
}

// Sub returns g - o.
func (g Greeks) Sub(o Greeks) Greeks {
	return g.Add(o.Scale(-1))
}

// Scale multiplies every sensitivity by f.
func (g Greeks) Scale(f float64) Greeks {
	return Greeks{
		Delta: g.Delta * f,
		Gamma: g.Gamma * f,
		Theta: g.Theta * f,
		Vega:  g.Vega * f,
		Rho:   g.Rho * f,
	}
}

// PortfolioGreeks is the aggregate exposure across open positions.
type PortfolioGreeks struct {
	Greeks
	Positions int
}

// OptionContract is an immutable quote snapshot for one listed option.
type OptionContract struct {
	Symbol            string
	Underlying        string
	Type              OptionType
	Strike            float64
	Expiration        time.Time
	Bid               float64
	Ask               float64
	Last              float64
	Volume            int64
	OpenInterest      int64
	Greeks            Greeks
	ImpliedVolatility float64
	Timestamp         time.Time
}

// Mid returns the bid/ask midpoint.
func (c OptionContract) Mid() float64 {
	return (c.Bid + c.Ask) / 2
}

// Spread returns ask minus bid.
func (c OptionContract) Spread() float64 {
	return c.Ask - c.Bid
}

// SpreadPercent returns the spread as a fraction of mid. A zero mid yields +Inf.
func (c OptionContract) SpreadPercent() float64 {
	mid := c.Mid()
	if mid <= 0 {
		return math.Inf(1)
	}
	return c.Spread() / mid
}

// DaysToExpiry counts calendar days from asOf to expiration.
func (c OptionContract) DaysToExpiry(asOf time.Time) int {
	return DaysBetween(asOf, c.Expiration)
}

// IntrinsicValue returns the exercise value against spot.
func (c OptionContract) IntrinsicValue(spot float64) float64 {
	if c.Type == OptionTypeCall {
		return math.Max(spot-c.Strike, 0)
	}
	return math.Max(c.Strike-spot, 0)
}

// DaysBetween counts whole calendar days from a's date to b's date.
func DaysBetween(a, b time.Time) int {
	from := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(to.Sub(from).Hours() / 24))
}

// OptionChain is the set of contracts observed for an underlying at one instant.
type OptionChain struct {
	Underlying      string
	UnderlyingPrice float64
	Timestamp       time.Time
	Contracts       []OptionContract
}

// BySymbol returns a fresh symbol index. Chains are shared read-only, so the
// index is never cached on the chain itself.
func (oc *OptionChain) BySymbol() map[string]OptionContract {
	idx := make(map[string]OptionContract, len(oc.Contracts))
	for _, c := range oc.Contracts {
		idx[c.Symbol] = c
	}
	return idx
}

// Get looks up a contract by symbol.
func (oc *OptionChain) Get(symbol string) (OptionContract, bool) {
	for _, c := range oc.Contracts {
		if c.Symbol == symbol {
			return c, true
		}
	}
	return OptionContract{}, false
}

// OptionLeg is one leg of a multi-leg order.
type OptionLeg struct {
	ContractSymbol string     `yaml:"symbol"`
	Underlying     string     `yaml:"underlying"`
	Type           OptionType `yaml:"type"`
	Strike         float64    `yaml:"strike"`
	Expiration     time.Time  `yaml:"expiration"`
	Side           OrderSide  `yaml:"side"`
	Quantity       int        `yaml:"quantity"`
	LimitPrice     float64    `yaml:"limit_price"`
}

// Complete fills contract terms the leg left out from c.
func (l OptionLeg) Complete(c OptionContract) OptionLeg {
	if l.Expiration.IsZero() {
		l.Expiration = c.Expiration
	}
	if l.Type == "" {
		l.Type = c.Type
	}
	if l.Strike == 0 {
		l.Strike = c.Strike
	}
	if l.Underlying == "" {
		l.Underlying = c.Underlying
	}
	return l
}

// SignalType names a recognized order shape.
type SignalType string

const (
	SignalSellPutSpread  SignalType = "sell_put_spread"
	SignalSellCallSpread SignalType = "sell_call_spread"
	SignalBuyPutSpread   SignalType = "buy_put_spread"
	SignalBuyCallSpread  SignalType = "buy_call_spread"
	SignalIronCondor     SignalType = "iron_condor"
	SignalShortStrangle  SignalType = "short_strangle"
	SignalLongCall       SignalType = "long_call"
	SignalLongPut        SignalType = "long_put"
	SignalShortPut       SignalType = "short_put"
	SignalShortCall      SignalType = "short_call"
)

// Metadata keys the engine reads from a signal.
const (
	MetaProfitTarget = "profit_target"
	MetaStopLoss     = "stop_loss"
	MetaCloseDTE     = "close_dte"
	MetaCredit       = "credit"
	MetaDebit        = "debit"
)

// OptionSignal is a strategy's request to open a multi-leg position.
type OptionSignal struct {
	SignalType   SignalType         `yaml:"signal_type"`
	Underlying   string             `yaml:"underlying"`
	Legs         []OptionLeg        `yaml:"legs"`
	Confidence   float64            `yaml:"confidence"`
	StrategyName string             `yaml:"strategy_name"`
	Metadata     map[string]float64 `yaml:"metadata"`
}

// Meta returns a metadata value and whether it was set.
func (s *OptionSignal) Meta(key string) (float64, bool) {
	v, ok := s.Metadata[key]
	return v, ok
}

// Validate checks the structural invariants of a signal.
func (s *OptionSignal) Validate() error {
	if len(s.Legs) == 0 {
		return fmt.Errorf("signal %s has no legs", s.SignalType)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal confidence %.3f outside [0,1]", s.Confidence)
	}
	for i, leg := range s.Legs {
		if leg.Quantity <= 0 {
			return fmt.Errorf("leg %d (%s): quantity must be positive", i, leg.ContractSymbol)
		}
		if leg.Side != OrderSideBuy && leg.Side != OrderSideSell {
			return fmt.Errorf("leg %d (%s): invalid side %q", i, leg.ContractSymbol, leg.Side)
		}
	}
	return nil
}

// TotalContracts sums leg quantities.
func (s *OptionSignal) TotalContracts() int {
	n := 0
	for _, leg := range s.Legs {
		n += leg.Quantity
	}
	return n
}
