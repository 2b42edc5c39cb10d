// Package strategy defines the capability the backtest engine drives and a
// few concrete implementations that need no selection heuristics.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"options-backtester/internal/models"
)

// Strategy receives market data and option chains and may answer a chain
// with a signal. Calls are made sequentially from one goroutine.
type Strategy interface {
	Name() string
	IsInitialized() bool
	Initialize(cfg map[string]any) error
	OnMarketData(ctx context.Context, data models.MarketData) error
	// OnOptionChain returns nil when there is nothing to trade.
	OnOptionChain(ctx context.Context, chain *models.OptionChain) (*models.OptionSignal, error)
}

// Base tracks initialization and carries the config map.
type Base struct {
	name        string
	initialized bool
	Config      map[string]any
}

// NewBase creates a Base.
func NewBase(name string) Base {
	return Base{name: name}
}

func (b *Base) Name() string        { return b.name }
func (b *Base) IsInitialized() bool { return b.initialized }

// Initialize stores cfg. It is idempotent.
func (b *Base) Initialize(cfg map[string]any) error {
	b.Config = cfg
	b.initialized = true
	return nil
}

// Factory builds a strategy from parameters.
type Factory func(params map[string]string) (Strategy, error)

var registry = map[string]Factory{
	"noop": func(map[string]string) (Strategy, error) {
		return NewNoop(), nil
	},
	"scripted": func(params map[string]string) (Strategy, error) {
		path, ok := params["script"]
		if !ok || path == "" {
			return nil, fmt.Errorf("scripted strategy requires script=<path>")
		}
		return LoadScript(path)
	},
}

// New creates the named strategy.
func New(name string, params map[string]string) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s (available: %v)", name, Names())
	}
	return f(params)
}

// Names lists registered strategies.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Noop never trades. Useful for checking data coverage and equity plumbing.
type Noop struct {
	Base
	Ticks int
}

// NewNoop creates a Noop strategy.
func NewNoop() *Noop {
	return &Noop{Base: NewBase("noop")}
}

func (n *Noop) OnMarketData(ctx context.Context, data models.MarketData) error {
	return nil
}

func (n *Noop) OnOptionChain(ctx context.Context, chain *models.OptionChain) (*models.OptionSignal, error) {
	n.Ticks++
	return nil, nil
}
