package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"options-backtester/internal/backtest"
	"options-backtester/internal/config"
	"options-backtester/internal/logging"
	"options-backtester/internal/models"
	"options-backtester/internal/performance"
	"options-backtester/internal/report"
	"options-backtester/internal/store"
	"options-backtester/internal/strategy"
	"options-backtester/pkg/utils"
)

// replayOptions are the flags shared by run and sweep.
type replayOptions struct {
	strategy   string
	script     string
	params     []string
	underlying string
	start      string
	end        string
	set        []string
}

func (o *replayOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.strategy, "strategy", "s", "scripted", fmt.Sprintf("strategy name %v", strategy.Names()))
	cmd.Flags().StringVar(&o.script, "script", "", "signal script for the scripted strategy")
	cmd.Flags().StringArrayVarP(&o.params, "param", "p", nil, "strategy parameter key=value (repeatable)")
	cmd.Flags().StringVarP(&o.underlying, "underlying", "u", "", "underlying symbol (default from config)")
	cmd.Flags().StringVar(&o.start, "start", "", "first day to replay, YYYY-MM-DD (default from config)")
	cmd.Flags().StringVar(&o.end, "end", "", "last day to replay, inclusive (default from config)")
	cmd.Flags().StringArrayVar(&o.set, "set", nil, "config override section.field=value (repeatable)")
}

// strategyParams merges --param pairs and --script.
func (o *replayOptions) strategyParams() (map[string]string, error) {
	params := make(map[string]string, len(o.params)+1)
	for _, kv := range o.params {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", kv)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if o.script != "" {
		params["script"] = config.ExpandPath(o.script)
	}
	return params, nil
}

func (o *replayOptions) newStrategy() (strategy.Strategy, error) {
	params, err := o.strategyParams()
	if err != nil {
		return nil, err
	}
	return strategy.New(o.strategy, params)
}

// resolve applies --set overrides to a copy of base and works out the
// replay window. The end date covers its whole day.
func (o *replayOptions) resolve(base *config.Config) (*config.Config, string, time.Time, time.Time, error) {
	cfg := base.Clone()
	for _, kv := range o.set {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, "", time.Time{}, time.Time{}, fmt.Errorf("invalid --set %q: want section.field=value", kv)
		}
		if err := config.Override(cfg, strings.TrimSpace(k), strings.TrimSpace(v)); err != nil {
			return nil, "", time.Time{}, time.Time{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", time.Time{}, time.Time{}, err
	}

	start, end := cfg.Backtest.DefaultStartDate, cfg.Backtest.DefaultEndDate
	var err error
	if o.start != "" {
		if start, err = time.Parse(config.DateLayout, o.start); err != nil {
			return nil, "", time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if o.end != "" {
		if end, err = time.Parse(config.DateLayout, o.end); err != nil {
			return nil, "", time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
	}
	end = utils.EndOfDay(end.UTC())
	if end.Before(start) {
		return nil, "", time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s", FormatDate(end), FormatDate(start))
	}

	underlying := strings.ToUpper(strings.TrimSpace(o.underlying))
	if underlying == "" {
		underlying = cfg.Data.Underlying
	}
	return cfg, underlying, start.UTC(), end, nil
}

// openStore opens the configured database, retrying while another process
// holds the write lock.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, error) {
	retry := utils.DefaultRetryConfig()
	retry.Retryable = store.IsBusy
	return utils.RetryWithResult(ctx, retry, func() (*store.SQLiteStore, error) {
		return store.NewSQLiteStore(cfg.Data.DatabasePath,
			store.WithPricing(cfg.Data.RiskFreeRate, cfg.Data.DividendYield))
	})
}

// loadMarketData reads bars and chains for the window.
func loadMarketData(ctx context.Context, cfg *config.Config, underlying string, start, end time.Time) ([]models.Bar, map[time.Time]*models.OptionChain, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	defer st.Close()

	chains, err := st.LoadChains(ctx, underlying, start, end)
	if err != nil {
		return nil, nil, err
	}
	bars, err := st.LoadBars(ctx, underlying, start, end)
	if err != nil {
		return nil, nil, err
	}
	return bars, chains, nil
}

type runOptions struct {
	replayOptions
	outputDir string
	noExport  bool
	trades    int
	chart     bool
}

func newRunCmd(app *App) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest",
		Long: `Replay stored option chains through a strategy and report the results.

Results are written to <output>/<strategy>_<run id>/ unless --no-export is set.`,
		Example: `  backtester run --script signals.yaml --start 2024-01-02 --end 2024-03-28
  backtester run -s noop -u QQQ --set backtest.execution.slippage_model=fixed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBacktest(cmd, app, opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVarP(&opts.outputDir, "output", "o", "", "results directory (default from config)")
	cmd.Flags().BoolVar(&opts.noExport, "no-export", false, "skip writing result files")
	cmd.Flags().IntVar(&opts.trades, "trades", 20, "number of most recent trades to print (0 for all)")
	cmd.Flags().BoolVar(&opts.chart, "chart", true, "print the ASCII equity curve")
	return cmd
}

func runBacktest(cmd *cobra.Command, app *App, opts *runOptions) error {
	ctx := cmd.Context()
	output := NewOutput(cmd)

	cfg, underlying, start, end, err := opts.resolve(app.Config)
	if err != nil {
		return err
	}
	strat, err := opts.newStrategy()
	if err != nil {
		return err
	}

	runID := utils.NewRunID()
	log := logging.WithStrategy(logging.WithRun(app.Logger, runID), strat.Name())
	ctx = logging.WithLogger(ctx, log)

	bars, chains, err := loadMarketData(ctx, cfg, underlying, start, end)
	if err != nil {
		return err
	}
	log.Info().
		Str("underlying", underlying).
		Time("start", start).
		Time("end", end).
		Int("chains", len(chains)).
		Int("bars", len(bars)).
		Msg("Starting backtest")

	engine, err := backtest.New(cfg, backtest.WithLogger(log))
	if err != nil {
		return err
	}
	started := time.Now()
	res, err := engine.Run(ctx, strat, bars, chains, start, end)
	if err != nil {
		return err
	}
	elapsed := time.Since(started)
	mem := performance.MemoryStats()
	log.Debug().
		Dur("elapsed", elapsed).
		Str("heap", performance.FormatBytes(mem.HeapAlloc)).
		Uint32("gc", mem.NumGC).
		Msg("Replay finished")

	var dir string
	var files []string
	if !opts.noExport {
		base := opts.outputDir
		if base == "" {
			base = cfg.Output.Directory
		}
		dir = report.RunDir(config.ExpandPath(base), strat.Name(), runID)
		if files, err = report.Export(dir, res); err != nil {
			return err
		}
		log.Info().Str("dir", dir).Int("files", len(files)).Msg("Results exported")
	}

	if output.IsJSON() {
		return output.JSON(runSummary{
			RunID:      runID,
			Underlying: underlying,
			Start:      res.Start,
			End:        res.End,
			Duration:   elapsed.String(),
			OutputDir:  dir,
			Files:      files,
			Summary:    report.NewComparison(strat.Name(), res),
			Rejections: res.Rejections,
		})
	}

	printer := output.Printer()
	printer.Summary(res)
	output.Println()
	printer.Trades(res.Trades, opts.trades)
	if opts.chart && len(res.EquityCurve) > 1 {
		output.Println()
		printer.EquityCurve(res.EquityCurve, 60, 15)
	}
	output.Println()
	output.Dim("Run %s finished in %s", runID, FormatDuration(elapsed))
	if dir != "" {
		output.Info("Results written to %s", dir)
	}
	return nil
}

type runSummary struct {
	RunID      string                  `json:"run_id"`
	Underlying string                  `json:"underlying"`
	Start      time.Time               `json:"start"`
	End        time.Time               `json:"end"`
	Duration   string                  `json:"duration"`
	OutputDir  string                  `json:"output_dir,omitempty"`
	Files      []string                `json:"files,omitempty"`
	Summary    report.Comparison       `json:"summary"`
	Rejections backtest.RejectionStats `json:"rejections"`
}
