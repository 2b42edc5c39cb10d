// Package cli provides the command-line interface for the backtester.
package cli

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"options-backtester/internal/config"
	"options-backtester/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-01-01"
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. A nil cfg is loaded from
// --config (a directory holding backtest.toml, or a file) before any command
// that needs it runs.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "backtester",
		Short: "Options strategy backtester",
		Long: `Backtester replays historical option chain snapshots through a strategy,
simulating fills with slippage and liquidity rejection, enforcing portfolio
risk limits, and managing positions to exit, expiry or early assignment.

Use 'backtester import' to load CSV market data into the local store and
'backtester run' to replay it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] == "" && app.Config == nil {
				path, _ := cmd.Flags().GetString("config")
				loaded, err := loadConfig(path)
				if err != nil {
					return err
				}
				app.Config = loaded
				app.Logger = logging.NewLoggerWithConfig(loaded.Log)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory or file (default: ~/.config/options-backtester)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addDataCommands(rootCmd, app)
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newSweepCmd(app))
	rootCmd.AddCommand(newIVCmd())

	return rootCmd
}

// loadConfig reads a config file when path names one, otherwise
// backtest.toml from the directory.
func loadConfig(path string) (*config.Config, error) {
	path = config.ExpandPath(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".yaml", ".yml", ".json":
		return config.LoadFile(path)
	}
	return config.Load(path)
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Options Backtester v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "Create, view and validate the backtest configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "init [path]",
		Short:       "Write a configuration template",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := filepath.Join(config.DefaultConfigDir(), "backtest.toml")
			if len(args) == 1 {
				path = config.ExpandPath(args[0])
			}
			if err := config.WriteTemplate(path); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Success("✓ Wrote configuration template to %s", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": config.ExpandPath(dir)})
			}
			output.Println(config.ExpandPath(dir))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	bt := cfg.Backtest
	output.Bold("Backtest")
	output.Printf("  Initial Capital:  %s\n", FormatCurrency(bt.InitialCapital))
	output.Printf("  Default Window:   %s → %s\n", FormatDate(bt.DefaultStartDate), FormatDate(bt.DefaultEndDate))
	output.Printf("  Strict Errors:    %v\n", bt.StrictStrategyErrors)
	output.Println()

	ex := bt.Execution
	output.Bold("Execution")
	output.Printf("  Slippage:         %s (%g)\n", ex.SlippageModel, ex.SlippageValue)
	output.Printf("  Commission:       %s / contract\n", FormatCurrency(ex.CommissionPerContract))
	output.Printf("  Gap Risk:         %s, severity %s-%s\n",
		FormatFraction(ex.GapRiskProbability), FormatFraction(ex.GapSeverityMin), FormatFraction(ex.GapSeverityMax))
	output.Printf("  Assignment |Δ| ≥: %.2f\n", ex.EarlyAssignmentThreshold)
	output.Printf("  Liquidity Reject: %s\n", FormatFraction(ex.LiquidityRejectionRate))
	output.Printf("  Seed:             %d\n", ex.Seed)
	output.Println()

	r := cfg.Risk
	output.Bold("Risk")
	output.Printf("  Max Contracts:    %d\n", r.MaxContractsPerTrade)
	output.Printf("  Max |Δ| / Γ / ν:  %g / %g / %g\n", r.MaxPortfolioDelta, r.MaxPortfolioGamma, r.MaxPortfolioVega)
	output.Printf("  Min Θ:            %g\n", r.MinPortfolioTheta)
	output.Printf("  Max Position:     %s of equity\n", FormatFraction(r.MaxSinglePositionPercent))
	output.Printf("  Daily Loss Limit: %s\n", FormatCurrency(r.DailyLossLimit))
	output.Printf("  Max Drawdown:     %s\n", FormatFraction(r.MaxDrawdownPercent))
	output.Printf("  DTE Window:       %d-%d days\n", r.MinDaysToExpiry, r.MaxDaysToExpiry)
	output.Printf("  Min OI / Spread:  %d / %s\n", r.MinOpenInterest, FormatFraction(r.MaxBidAskSpreadPercent))
	output.Println()

	output.Bold("Trading")
	output.Printf("  Max Positions:    %d\n", cfg.Trading.MaxConcurrentPositions)
	output.Printf("  BP Reserve:       %s\n", FormatCurrency(cfg.Trading.MinBuyingPowerReserve))
	output.Println()

	output.Bold("Data")
	output.Printf("  Database:         %s\n", cfg.Data.DatabasePath)
	output.Printf("  Underlying:       %s\n", cfg.Data.Underlying)
	output.Printf("  Rate / Dividend:  %s / %s\n", FormatFraction(cfg.Data.RiskFreeRate), FormatFraction(cfg.Data.DividendYield))
	output.Printf("  Results:          %s\n", cfg.Output.Directory)
}
