// Package models provides domain models for the options backtester.
package models

import (
	"time"
)

// OrderSide represents the side of an option leg.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// Opposite returns the side that closes a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideSell {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ContractMultiplier is the number of shares controlled by one option contract.
const ContractMultiplier = 100.0

// Bar represents OHLCV data for the underlying over one period.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Indicators holds optional technical indicators delivered with market data.
type Indicators struct {
	SMA20  *float64
	SMA50  *float64
	RSI14  *float64
	IVRank *float64
}

// MarketData is the underlying update delivered to a strategy on each tick.
type MarketData struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	Indicators Indicators
}

// MarketDataFromBar builds the strategy payload for a forward-filled bar.
func MarketDataFromBar(symbol string, ts time.Time, bar Bar) MarketData {
	return MarketData{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
	}
}

// EquityPoint is one mark-to-market observation.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// DateOf truncates a timestamp to its calendar date in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDate reports whether a and b fall on the same calendar date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
