package cli

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"options-backtester/internal/logging"
	"options-backtester/internal/report"
	"options-backtester/internal/sweep"
	"options-backtester/pkg/utils"
)

type sweepOptions struct {
	replayOptions
	axes        []string
	concurrency int
	top         int
}

func newSweepCmd(app *App) *cobra.Command {
	opts := &sweepOptions{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Backtest a grid of parameter values",
		Long: `Run the same strategy once per combination of the given axes and rank the
results by Sharpe ratio. Every grid point gets its own engine and random
source, so points are independent and run in parallel.`,
		Example: `  backtester sweep --script signals.yaml \
    --axis risk.max_portfolio_delta=50,100,200 \
    --axis backtest.execution.slippage_model=orats,realistic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, app, opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringArrayVarP(&opts.axes, "axis", "a", nil, "swept key section.field=v1,v2,... (repeatable)")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "j", runtime.NumCPU(), "grid points run in parallel")
	cmd.Flags().IntVar(&opts.top, "top", 0, "print only the best N points (0 for all)")
	return cmd
}

func runSweep(cmd *cobra.Command, app *App, opts *sweepOptions) error {
	ctx := cmd.Context()
	output := NewOutput(cmd)

	axes := make([]sweep.Axis, 0, len(opts.axes))
	for _, a := range opts.axes {
		axis, err := sweep.ParseAxis(a)
		if err != nil {
			return err
		}
		axes = append(axes, axis)
	}
	if len(axes) == 0 {
		return fmt.Errorf("at least one --axis is required")
	}

	cfg, underlying, start, end, err := opts.resolve(app.Config)
	if err != nil {
		return err
	}
	// Fail on a bad strategy before loading data.
	if _, err := opts.newStrategy(); err != nil {
		return err
	}

	runID := utils.NewRunID()
	log := logging.WithRun(app.Logger, runID)
	bars, chains, err := loadMarketData(ctx, cfg, underlying, start, end)
	if err != nil {
		return err
	}

	points := sweep.Grid(axes)
	log.Info().Int("points", len(points)).Int("concurrency", opts.concurrency).Msg("Starting sweep")

	runner := &sweep.Runner{
		Base:        cfg,
		NewStrategy: opts.newStrategy,
		Bars:        bars,
		Chains:      chains,
		Start:       start,
		End:         end,
		Concurrency: opts.concurrency,
		Logger:      log,
	}
	started := time.Now()
	outcomes, err := runner.Run(ctx, points)
	if err != nil {
		return err
	}

	ranked := sweep.Rank(outcomes)
	if opts.top > 0 && len(ranked) > opts.top {
		ranked = ranked[:opts.top]
	}

	var failed []sweepFailure
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, sweepFailure{Params: o.Point.Label(), Error: o.Err.Error()})
		}
	}

	if output.IsJSON() {
		return output.JSON(struct {
			RunID   string              `json:"run_id"`
			Points  int                 `json:"points"`
			Ranked  []report.Comparison `json:"ranked"`
			Failed  []sweepFailure      `json:"failed,omitempty"`
			Elapsed string              `json:"elapsed"`
		}{runID, len(points), ranked, failed, time.Since(started).String()})
	}

	output.Bold("Sweep %s: %d points over %s → %s", runID, len(points), FormatDate(start), FormatDate(end))
	output.Printer().Comparison(ranked)
	for _, f := range failed {
		output.Warning("✗ %s: %s", f.Params, f.Error)
	}
	output.Dim("Finished in %s", FormatDuration(time.Since(started)))
	return nil
}

type sweepFailure struct {
	Params string `json:"params"`
	Error  string `json:"error"`
}
