// Package sweep runs one strategy across a grid of configuration overrides,
// one independent engine per grid point.
package sweep

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"options-backtester/internal/backtest"
	"options-backtester/internal/config"
	"options-backtester/internal/models"
	"options-backtester/internal/report"
	"options-backtester/internal/strategy"
)

// Axis is one swept configuration key and the values it takes.
type Axis struct {
	Key    string
	Values []string
}

// ParseAxis parses "section.field=v1,v2,...".
func ParseAxis(s string) (Axis, error) {
	key, values, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || !strings.Contains(key, ".") {
		return Axis{}, fmt.Errorf("invalid axis %q: want section.field=v1,v2", s)
	}
	axis := Axis{Key: key}
	for _, v := range strings.Split(values, ",") {
		if v = strings.TrimSpace(v); v != "" {
			axis.Values = append(axis.Values, v)
		}
	}
	if len(axis.Values) == 0 {
		return Axis{}, fmt.Errorf("axis %q has no values", key)
	}
	return axis, nil
}

// Param is one key=value assignment of a grid point.
type Param struct {
	Key   string
	Value string
}

// Point is one combination of axis values, in axis order.
type Point struct {
	Index  int
	Params []Param
}

// Label renders the point as "k1=v1 k2=v2".
func (p Point) Label() string {
	parts := make([]string, len(p.Params))
	for i, kv := range p.Params {
		parts[i] = kv.Key + "=" + kv.Value
	}
	return strings.Join(parts, " ")
}

// Apply returns a copy of base with the point's overrides, validated.
func (p Point) Apply(base *config.Config) (*config.Config, error) {
	cfg := base.Clone()
	for _, kv := range p.Params {
		if err := config.Override(cfg, kv.Key, kv.Value); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Grid expands axes into their cartesian product. The last axis varies
// fastest. No axes yields a single empty point.
func Grid(axes []Axis) []Point {
	points := []Point{{}}
	for _, axis := range axes {
		next := make([]Point, 0, len(points)*len(axis.Values))
		for _, p := range points {
			for _, v := range axis.Values {
				params := append(append([]Param(nil), p.Params...), Param{Key: axis.Key, Value: v})
				next = append(next, Point{Params: params})
			}
		}
		points = next
	}
	for i := range points {
		points[i].Index = i
	}
	return points
}

// Outcome is the result of one grid point. Exactly one of Result and Err is
// set.
type Outcome struct {
	Point    Point
	Result   *backtest.Result
	Err      error
	Duration time.Duration
}

// Runner executes a grid.
type Runner struct {
	Base        *config.Config
	NewStrategy func() (strategy.Strategy, error)
	Bars        []models.Bar
	Chains      map[time.Time]*models.OptionChain
	Start       time.Time
	End         time.Time
	Concurrency int
	Logger      zerolog.Logger
	// EngineOpts builds extra engine options for one point. It is called once
	// per point so stateful options such as a random source are never shared
	// between concurrent engines.
	EngineOpts func(Point) []backtest.Option
}

// Run backtests every point on a bounded pool and returns outcomes in grid
// order. A failing point is reported in its Outcome; Run itself fails only
// when ctx is done.
func (r *Runner) Run(ctx context.Context, points []Point) ([]Outcome, error) {
	workers := r.Concurrency
	if workers <= 0 {
		workers = 1
	}

	p := pool.NewWithResults[Outcome]().WithMaxGoroutines(workers)
	for _, pt := range points {
		pt := pt
		p.Go(func() Outcome {
			return r.runPoint(ctx, pt)
		})
	}
	outcomes := p.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Point.Index < outcomes[j].Point.Index })
	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (r *Runner) runPoint(ctx context.Context, pt Point) Outcome {
	out := Outcome{Point: pt}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	started := time.Now()
	log := r.Logger.With().Int("point", pt.Index).Str("params", pt.Label()).Logger()

	cfg, err := pt.Apply(r.Base)
	if err != nil {
		out.Err = err
		log.Warn().Err(err).Msg("Invalid grid point")
		return out
	}
	strat, err := r.NewStrategy()
	if err != nil {
		out.Err = fmt.Errorf("creating strategy: %w", err)
		return out
	}

	opts := []backtest.Option{backtest.WithLogger(log)}
	if r.EngineOpts != nil {
		opts = append(opts, r.EngineOpts(pt)...)
	}
	engine, err := backtest.New(cfg, opts...)
	if err != nil {
		out.Err = err
		return out
	}
	out.Result, out.Err = engine.Run(ctx, strat, r.Bars, r.Chains, r.Start, r.End)
	out.Duration = time.Since(started)

	if out.Err != nil {
		log.Warn().Err(out.Err).Msg("Grid point failed")
	} else {
		log.Debug().
			Float64("sharpe", out.Result.Metrics.SharpeRatio).
			Dur("duration", out.Duration).
			Msg("Grid point finished")
	}
	return out
}

// Rank turns successful outcomes into comparisons sorted by Sharpe ratio.
func Rank(outcomes []Outcome) []report.Comparison {
	rows := make([]report.Comparison, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil || o.Result == nil {
			continue
		}
		rows = append(rows, report.NewComparison(o.Point.Label(), o.Result))
	}
	report.SortBySharpe(rows)
	return rows
}
