package pricing

import (
	"options-backtester/internal/models"
)

const minutesPerYear = 365 * 24 * 60

// YearsToExpiry converts the interval from asOf to expiration into years.
func YearsToExpiry(c models.OptionContract, asOf models.OptionChain) float64 {
	mins := c.Expiration.Sub(asOf.Timestamp).Minutes()
	if mins <= 0 {
		return 0
	}
	return mins / minutesPerYear
}

// Enrich returns a copy of chain where contracts lacking an implied
// volatility get one solved from their mid price, along with model Greeks.
// Contracts that already carry an IV, or whose IV cannot be solved, are
// copied unchanged.
func Enrich(chain *models.OptionChain, rate, dividendYield float64) *models.OptionChain {
	out := *chain
	out.Contracts = make([]models.OptionContract, len(chain.Contracts))
	for i, c := range chain.Contracts {
		out.Contracts[i] = c
		if c.ImpliedVolatility > 0 || c.Mid() <= 0 || chain.UnderlyingPrice <= 0 {
			continue
		}
		p := Params{
			Spot:          chain.UnderlyingPrice,
			Strike:        c.Strike,
			TimeToExpiry:  YearsToExpiry(c, *chain),
			RiskFreeRate:  rate,
			DividendYield: dividendYield,
			Type:          c.Type,
		}
		iv, ok := ImpliedVolatility(c.Mid(), p)
		if !ok {
			continue
		}
		p.Volatility = iv
		out.Contracts[i].ImpliedVolatility = iv
		out.Contracts[i].Greeks = AllGreeks(p)
	}
	return &out
}
