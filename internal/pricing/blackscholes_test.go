package pricing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-backtester/internal/models"
)

func atm(t models.OptionType) Params {
	return Params{
		Spot:         100,
		Strike:       100,
		TimeToExpiry: 0.5,
		RiskFreeRate: 0.05,
		Volatility:   0.30,
		Type:         t,
	}
}

func TestPrice_KnownValues(t *testing.T) {
	// Hull, Options Futures and Other Derivatives, example 15.6.
	p := Params{Spot: 42, Strike: 40, TimeToExpiry: 0.5, RiskFreeRate: 0.10, Volatility: 0.20}
	p.Type = models.OptionTypeCall
	assert.InDelta(t, 4.76, Price(p), 0.01)
	p.Type = models.OptionTypePut
	assert.InDelta(t, 0.81, Price(p), 0.01)
}

func TestPutCallParity(t *testing.T) {
	call := atm(models.OptionTypeCall)
	put := atm(models.OptionTypePut)
	call.DividendYield, put.DividendYield = 0.02, 0.02

	lhs := Price(call) - Price(put)
	rhs := call.Spot*math.Exp(-call.DividendYield*call.TimeToExpiry) - call.Strike*math.Exp(-call.RiskFreeRate*call.TimeToExpiry)
	assert.InDelta(t, rhs, lhs, 1e-9)
}

func TestExpiredDegeneratesToIntrinsic(t *testing.T) {
	tests := []struct {
		name      string
		typ       models.OptionType
		spot      float64
		wantPrice float64
		wantDelta float64
	}{
		{"itm call", models.OptionTypeCall, 110, 10, 1},
		{"otm call", models.OptionTypeCall, 90, 0, 0},
		{"itm put", models.OptionTypePut, 90, 10, -1},
		{"otm put", models.OptionTypePut, 110, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{Spot: tt.spot, Strike: 100, TimeToExpiry: 0, Volatility: 0.3, Type: tt.typ}
			assert.Equal(t, tt.wantPrice, Price(p))
			assert.Equal(t, tt.wantDelta, Delta(p))
			assert.Zero(t, Gamma(p))
			assert.Zero(t, Theta(p))
			assert.Zero(t, Vega(p))
		})
	}
}

func TestGreeksSigns(t *testing.T) {
	call := atm(models.OptionTypeCall)
	put := atm(models.OptionTypePut)

	assert.Greater(t, Delta(call), 0.5)
	assert.Less(t, Delta(put), 0.0)
	assert.InDelta(t, Gamma(call), Gamma(put), 1e-12)
	assert.Less(t, Theta(call), 0.0)
	assert.InDelta(t, Vega(call), Vega(put), 1e-12)
	assert.Greater(t, Rho(call), 0.0)
	assert.Less(t, Rho(put), 0.0)
}

func TestVegaIsPerVolPoint(t *testing.T) {
	p := atm(models.OptionTypeCall)
	up := p
	up.Volatility += 0.01
	assert.InDelta(t, Price(up)-Price(p), Vega(p), 1e-3)
}

func TestThetaIsPerDay(t *testing.T) {
	p := atm(models.OptionTypeCall)
	later := p
	later.TimeToExpiry -= 1.0 / 365
	assert.InDelta(t, Price(later)-Price(p), Theta(p), 1e-3)
}

func TestImpliedVolatility_RecoversInputVol(t *testing.T) {
	for _, typ := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
		p := atm(typ)
		price := Price(p)

		iv, ok := ImpliedVolatility(price, p)
		require.True(t, ok, "solver failed for %s", typ)
		assert.InDelta(t, 0.30, iv, 1e-4)
	}
}

func TestImpliedVolatility_Failures(t *testing.T) {
	p := atm(models.OptionTypeCall)

	_, ok := ImpliedVolatility(0, p)
	assert.False(t, ok, "zero price")

	p.TimeToExpiry = 0
	_, ok = ImpliedVolatility(5, p)
	assert.False(t, ok, "expired")

	// Far below intrinsic: no volatility can reproduce it.
	p = atm(models.OptionTypeCall)
	p.Spot = 200
	_, ok = ImpliedVolatility(1, p)
	assert.False(t, ok, "below intrinsic")
}

func TestEnrich_FillsMissingIV(t *testing.T) {
	ts := time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC)
	exp := ts.AddDate(0, 0, 182)
	p := Params{
		Spot:         100,
		Strike:       100,
		TimeToExpiry: exp.Sub(ts).Minutes() / minutesPerYear,
		RiskFreeRate: 0.05,
		Volatility:   0.25,
		Type:         models.OptionTypePut,
	}
	fair := Price(p)

	chain := &models.OptionChain{
		Underlying:      "SPY",
		UnderlyingPrice: 100,
		Timestamp:       ts,
		Contracts: []models.OptionContract{
			{Symbol: "P100", Type: models.OptionTypePut, Strike: 100, Expiration: exp, Bid: fair - 0.05, Ask: fair + 0.05},
			{Symbol: "KEEP", Type: models.OptionTypePut, Strike: 95, Expiration: exp, Bid: 1, Ask: 1.1, ImpliedVolatility: 0.4},
		},
	}

	out := Enrich(chain, 0.05, 0)
	require.Len(t, out.Contracts, 2)
	assert.InDelta(t, 0.25, out.Contracts[0].ImpliedVolatility, 1e-3)
	assert.Less(t, out.Contracts[0].Greeks.Delta, 0.0)
	assert.Equal(t, 0.4, out.Contracts[1].ImpliedVolatility)
	assert.Zero(t, chain.Contracts[0].ImpliedVolatility, "input chain must not be mutated")
}
