// Package execution simulates order fills against historical option chains:
// liquidity rejection, slippage and commission.
package execution

import (
	"math/rand/v2"
	"time"
)

// RandomSource supplies uniform draws in [0, 1). Every stochastic decision in
// a run (liquidity rejection, slippage noise, assignment, gap risk) reads from
// one source so a seeded run is reproducible.
type RandomSource interface {
	Float64() float64
}

// NewRandomSource returns a PCG-backed source. A zero seed is replaced with
// the current time.
func NewRandomSource(seed uint64) RandomSource {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Uniform draws from [lo, hi).
func Uniform(rng RandomSource, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

// Bernoulli reports a success with probability p. p <= 0 never succeeds and
// consumes no draw.
func Bernoulli(rng RandomSource, p float64) bool {
	if p <= 0 {
		return false
	}
	return rng.Float64() < p
}
