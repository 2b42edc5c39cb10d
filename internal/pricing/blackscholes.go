// Package pricing provides Black-Scholes-Merton option pricing, Greeks and an
// implied volatility solver.
package pricing

import (
	"math"

	"options-backtester/internal/models"
)

// Solver limits for ImpliedVolatility.
const (
	ivMaxIterations = 100
	ivPrecision     = 1e-4
	ivMinVega       = 1e-10
	ivMinVol        = 0.001
	ivMaxVol        = 5.0
)

// Params are the inputs shared by every pricing function.
type Params struct {
	Spot          float64
	Strike        float64
	TimeToExpiry  float64 // years
	RiskFreeRate  float64
	Volatility    float64
	DividendYield float64
	Type          models.OptionType
}

func (p Params) expired() bool {
	return p.TimeToExpiry <= 0 || p.Volatility <= 0
}

func (p Params) d1d2() (float64, float64) {
	sqrtT := math.Sqrt(p.TimeToExpiry)
	d1 := (math.Log(p.Spot/p.Strike) + (p.RiskFreeRate-p.DividendYield+0.5*p.Volatility*p.Volatility)*p.TimeToExpiry) /
		(p.Volatility * sqrtT)
	return d1, d1 - p.Volatility*sqrtT
}

func (p Params) intrinsic() float64 {
	if p.Type == models.OptionTypeCall {
		return math.Max(p.Spot-p.Strike, 0)
	}
	return math.Max(p.Strike-p.Spot, 0)
}

// normCDF is the standard normal cumulative distribution.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// Price returns the theoretical option value. At or past expiry it is the
// intrinsic value.
func Price(p Params) float64 {
	if p.expired() {
		return p.intrinsic()
	}
	d1, d2 := p.d1d2()
	dfq := math.Exp(-p.DividendYield * p.TimeToExpiry)
	dfr := math.Exp(-p.RiskFreeRate * p.TimeToExpiry)
	if p.Type == models.OptionTypeCall {
		return p.Spot*dfq*normCDF(d1) - p.Strike*dfr*normCDF(d2)
	}
	return p.Strike*dfr*normCDF(-d2) - p.Spot*dfq*normCDF(-d1)
}

// Delta returns dV/dS. At expiry it degenerates to 0 or +/-1.
func Delta(p Params) float64 {
	if p.expired() {
		switch {
		case p.Type == models.OptionTypeCall && p.Spot > p.Strike:
			return 1
		case p.Type == models.OptionTypePut && p.Spot < p.Strike:
			return -1
		default:
			return 0
		}
	}
	d1, _ := p.d1d2()
	dfq := math.Exp(-p.DividendYield * p.TimeToExpiry)
	if p.Type == models.OptionTypeCall {
		return dfq * normCDF(d1)
	}
	return dfq * (normCDF(d1) - 1)
}

// Gamma returns d2V/dS2.
func Gamma(p Params) float64 {
	if p.expired() {
		return 0
	}
	d1, _ := p.d1d2()
	dfq := math.Exp(-p.DividendYield * p.TimeToExpiry)
	return dfq * normPDF(d1) / (p.Spot * p.Volatility * math.Sqrt(p.TimeToExpiry))
}

// Theta returns the time decay per calendar day.
func Theta(p Params) float64 {
	if p.expired() {
		return 0
	}
	d1, d2 := p.d1d2()
	sqrtT := math.Sqrt(p.TimeToExpiry)
	dfq := math.Exp(-p.DividendYield * p.TimeToExpiry)
	dfr := math.Exp(-p.RiskFreeRate * p.TimeToExpiry)
	decay := -p.Spot * dfq * normPDF(d1) * p.Volatility / (2 * sqrtT)

	var annual float64
	if p.Type == models.OptionTypeCall {
		annual = decay - p.RiskFreeRate*p.Strike*dfr*normCDF(d2) + p.DividendYield*p.Spot*dfq*normCDF(d1)
	} else {
		annual = decay + p.RiskFreeRate*p.Strike*dfr*normCDF(-d2) - p.DividendYield*p.Spot*dfq*normCDF(-d1)
	}
	return annual / 365
}

// Vega returns the value change for a one percentage point volatility move.
func Vega(p Params) float64 {
	return rawVega(p) / 100
}

func rawVega(p Params) float64 {
	if p.expired() {
		return 0
	}
	d1, _ := p.d1d2()
	return p.Spot * math.Exp(-p.DividendYield*p.TimeToExpiry) * normPDF(d1) * math.Sqrt(p.TimeToExpiry)
}

// Rho returns the value change for a one percentage point rate move.
func Rho(p Params) float64 {
	if p.expired() {
		return 0
	}
	_, d2 := p.d1d2()
	dfr := math.Exp(-p.RiskFreeRate * p.TimeToExpiry)
	if p.Type == models.OptionTypeCall {
		return p.Strike * p.TimeToExpiry * dfr * normCDF(d2) / 100
	}
	return -p.Strike * p.TimeToExpiry * dfr * normCDF(-d2) / 100
}

// AllGreeks computes every sensitivity in one call.
func AllGreeks(p Params) models.Greeks {
	return models.Greeks{
		Delta: Delta(p),
		Gamma: Gamma(p),
		Theta: Theta(p),
		Vega:  Vega(p),
		Rho:   Rho(p),
	}
}

// ImpliedVolatility solves for the volatility that reproduces marketPrice
// using Newton-Raphson from a Brenner-Subrahmanyam seed. The Volatility field
// of p is ignored. ok is false when the solver cannot converge.
func ImpliedVolatility(marketPrice float64, p Params) (vol float64, ok bool) {
	if p.TimeToExpiry <= 0 || marketPrice <= 0 || p.Spot <= 0 || p.Strike <= 0 {
		return 0, false
	}

	vol = clampVol(math.Sqrt(2*math.Pi/p.TimeToExpiry) * marketPrice / p.Spot)
	for i := 0; i < ivMaxIterations; i++ {
		p.Volatility = vol
		diff := Price(p) - marketPrice
		if math.Abs(diff) < ivPrecision {
			return vol, true
		}
		v := rawVega(p)
		if v < ivMinVega {
			return 0, false
		}
		vol = clampVol(vol - diff/v)
	}

	p.Volatility = vol
	if math.Abs(Price(p)-marketPrice) < 10*ivPrecision {
		return vol, true
	}
	return 0, false
}

func clampVol(v float64) float64 {
	if math.IsNaN(v) {
		return ivMinVol
	}
	return math.Min(math.Max(v, ivMinVol), ivMaxVol)
}
