// Package config provides configuration management for the backtester.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DateLayout is the layout used for dates in config files and flags.
const DateLayout = "2006-01-02"

// Config holds all application configuration.
type Config struct {
	Backtest BacktestConfig `mapstructure:"backtest" yaml:"backtest"`
	Risk     RiskConfig     `mapstructure:"risk" yaml:"risk"`
	Trading  TradingConfig  `mapstructure:"trading" yaml:"trading"`
	Data     DataConfig     `mapstructure:"data" yaml:"data"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// BacktestConfig holds replay-level configuration.
type BacktestConfig struct {
	InitialCapital   float64   `mapstructure:"initial_capital" yaml:"initial_capital"`
	DefaultStartDate time.Time `mapstructure:"default_start_date" yaml:"default_start_date"`
	DefaultEndDate   time.Time `mapstructure:"default_end_date" yaml:"default_end_date"`
	// StrictStrategyErrors aborts the run on the first strategy failure
	// instead of treating that tick as "no signal".
	StrictStrategyErrors bool            `mapstructure:"strict_strategy_errors" yaml:"strict_strategy_errors"`
	Execution            ExecutionConfig `mapstructure:"execution" yaml:"execution"`
}

// ExecutionConfig holds fill simulation parameters.
type ExecutionConfig struct {
	SlippageModel            string  `mapstructure:"slippage_model" yaml:"slippage_model"` // orats, realistic, percentage, fixed, volatility
	SlippageValue            float64 `mapstructure:"slippage_value" yaml:"slippage_value"`
	CommissionPerContract    float64 `mapstructure:"commission_per_contract" yaml:"commission_per_contract"`
	GapRiskProbability       float64 `mapstructure:"gap_risk_probability" yaml:"gap_risk_probability"`
	GapSeverityMin           float64 `mapstructure:"gap_severity_min" yaml:"gap_severity_min"`
	GapSeverityMax           float64 `mapstructure:"gap_severity_max" yaml:"gap_severity_max"`
	EarlyAssignmentThreshold float64 `mapstructure:"early_assignment_threshold" yaml:"early_assignment_threshold"`
	LiquidityRejectionRate   float64 `mapstructure:"liquidity_rejection_rate" yaml:"liquidity_rejection_rate"`
	// Seed feeds the random source; 0 picks a time-based seed.
	Seed uint64 `mapstructure:"seed" yaml:"seed"`
}

// RiskConfig holds portfolio risk limits. *_percent fields are fractions.
type RiskConfig struct {
	MaxContractsPerTrade     int     `mapstructure:"max_contracts_per_trade" yaml:"max_contracts_per_trade"`
	MaxPortfolioDelta        float64 `mapstructure:"max_portfolio_delta" yaml:"max_portfolio_delta"`
	MaxPortfolioGamma        float64 `mapstructure:"max_portfolio_gamma" yaml:"max_portfolio_gamma"`
	MaxPortfolioVega         float64 `mapstructure:"max_portfolio_vega" yaml:"max_portfolio_vega"`
	MinPortfolioTheta        float64 `mapstructure:"min_portfolio_theta" yaml:"min_portfolio_theta"`
	MaxSinglePositionPercent float64 `mapstructure:"max_single_position_percent" yaml:"max_single_position_percent"`
	DailyLossLimit           float64 `mapstructure:"daily_loss_limit" yaml:"daily_loss_limit"`
	MaxDrawdownPercent       float64 `mapstructure:"max_drawdown_percent" yaml:"max_drawdown_percent"`
	MinDaysToExpiry          int     `mapstructure:"min_days_to_expiry" yaml:"min_days_to_expiry"`
	MaxDaysToExpiry          int     `mapstructure:"max_days_to_expiry" yaml:"max_days_to_expiry"`
	MinOpenInterest          int64   `mapstructure:"min_open_interest" yaml:"min_open_interest"`
	MaxBidAskSpreadPercent   float64 `mapstructure:"max_bid_ask_spread_percent" yaml:"max_bid_ask_spread_percent"`
}

// TradingConfig holds position-count and cash reserve limits.
type TradingConfig struct {
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	MinBuyingPowerReserve  float64 `mapstructure:"min_buying_power_reserve" yaml:"min_buying_power_reserve"`
}

// DataConfig points at pre-fetched market data.
type DataConfig struct {
	DatabasePath  string  `mapstructure:"database_path" yaml:"database_path"`
	Underlying    string  `mapstructure:"underlying" yaml:"underlying"`
	RiskFreeRate  float64 `mapstructure:"risk_free_rate" yaml:"risk_free_rate"`
	DividendYield float64 `mapstructure:"dividend_yield" yaml:"dividend_yield"`
}

// OutputConfig controls result export.
type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Console    bool   `mapstructure:"console" yaml:"console"`
	File       bool   `mapstructure:"file" yaml:"file"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
}

// Slippage model names.
const (
	SlippageORATS      = "orats"
	SlippageRealistic  = "realistic"
	SlippagePercentage = "percentage"
	SlippageFixed      = "fixed"
	SlippageVolatility = "volatility"
)

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-backtester"
	}
	return filepath.Join(home, ".config", "options-backtester")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backtest: BacktestConfig{
			InitialCapital:   100000,
			DefaultStartDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			DefaultEndDate:   time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
			Execution: ExecutionConfig{
				SlippageModel:            SlippageORATS,
				SlippageValue:            0,
				CommissionPerContract:    0.65,
				GapRiskProbability:       0.015,
				GapSeverityMin:           0.20,
				GapSeverityMax:           0.50,
				EarlyAssignmentThreshold: 0.90,
				LiquidityRejectionRate:   0.05,
			},
		},
		Risk: RiskConfig{
			MaxContractsPerTrade:     10,
			MaxPortfolioDelta:        100,
			MaxPortfolioGamma:        50,
			MaxPortfolioVega:         500,
			MinPortfolioTheta:        -500,
			MaxSinglePositionPercent: 0.10,
			DailyLossLimit:           2000,
			MaxDrawdownPercent:       0.20,
			MinDaysToExpiry:          1,
			MaxDaysToExpiry:          90,
			MinOpenInterest:          100,
			MaxBidAskSpreadPercent:   0.10,
		},
		Trading: TradingConfig{
			MaxConcurrentPositions: 5,
			MinBuyingPowerReserve:  5000,
		},
		Data: DataConfig{
			DatabasePath: filepath.Join(DefaultConfigDir(), "market.db"),
			Underlying:   "SPY",
			RiskFreeRate: 0.05,
		},
		Output: OutputConfig{
			Directory: "results",
		},
		Log: LogConfig{
			Level:      "info",
			Console:    true,
			File:       false,
			FilePath:   filepath.Join(DefaultConfigDir(), "logs", "backtester.log"),
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
		},
	}
}

// Load loads configuration from backtest.toml in configDir.
// If configDir is empty, uses the default config directory. A missing file
// is created from the template and reported as an error.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env values become visible to AutomaticEnv; absent file is fine.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	v := newViper()
	v.SetConfigName("backtest")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading backtest.toml: %w", err)
		}
		return nil, createTemplateConfig(configDir, "backtest")
	}

	return decode(v)
}

// LoadFile loads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(DateLayout),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Data.DatabasePath = ExpandPath(cfg.Data.DatabasePath)
	cfg.Log.FilePath = ExpandPath(cfg.Log.FilePath)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backtest.initial_capital", d.Backtest.InitialCapital)
	v.SetDefault("backtest.default_start_date", d.Backtest.DefaultStartDate.Format(DateLayout))
	v.SetDefault("backtest.default_end_date", d.Backtest.DefaultEndDate.Format(DateLayout))
	v.SetDefault("backtest.strict_strategy_errors", d.Backtest.StrictStrategyErrors)

	ex := d.Backtest.Execution
	v.SetDefault("backtest.execution.slippage_model", ex.SlippageModel)
	v.SetDefault("backtest.execution.slippage_value", ex.SlippageValue)
	v.SetDefault("backtest.execution.commission_per_contract", ex.CommissionPerContract)
	v.SetDefault("backtest.execution.gap_risk_probability", ex.GapRiskProbability)
	v.SetDefault("backtest.execution.gap_severity_min", ex.GapSeverityMin)
	v.SetDefault("backtest.execution.gap_severity_max", ex.GapSeverityMax)
	v.SetDefault("backtest.execution.early_assignment_threshold", ex.EarlyAssignmentThreshold)
	v.SetDefault("backtest.execution.liquidity_rejection_rate", ex.LiquidityRejectionRate)
	v.SetDefault("backtest.execution.seed", ex.Seed)

	r := d.Risk
	v.SetDefault("risk.max_contracts_per_trade", r.MaxContractsPerTrade)
	v.SetDefault("risk.max_portfolio_delta", r.MaxPortfolioDelta)
	v.SetDefault("risk.max_portfolio_gamma", r.MaxPortfolioGamma)
	v.SetDefault("risk.max_portfolio_vega", r.MaxPortfolioVega)
	v.SetDefault("risk.min_portfolio_theta", r.MinPortfolioTheta)
	v.SetDefault("risk.max_single_position_percent", r.MaxSinglePositionPercent)
	v.SetDefault("risk.daily_loss_limit", r.DailyLossLimit)
	v.SetDefault("risk.max_drawdown_percent", r.MaxDrawdownPercent)
	v.SetDefault("risk.min_days_to_expiry", r.MinDaysToExpiry)
	v.SetDefault("risk.max_days_to_expiry", r.MaxDaysToExpiry)
	v.SetDefault("risk.min_open_interest", r.MinOpenInterest)
	v.SetDefault("risk.max_bid_ask_spread_percent", r.MaxBidAskSpreadPercent)

	v.SetDefault("trading.max_concurrent_positions", d.Trading.MaxConcurrentPositions)
	v.SetDefault("trading.min_buying_power_reserve", d.Trading.MinBuyingPowerReserve)

	v.SetDefault("data.database_path", d.Data.DatabasePath)
	v.SetDefault("data.underlying", d.Data.Underlying)
	v.SetDefault("data.risk_free_rate", d.Data.RiskFreeRate)
	v.SetDefault("data.dividend_yield", d.Data.DividendYield)

	v.SetDefault("output.directory", d.Output.Directory)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.console", d.Log.Console)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	b := c.Backtest
	if b.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive")
	}
	if !b.DefaultEndDate.IsZero() && b.DefaultEndDate.Before(b.DefaultStartDate) {
		return fmt.Errorf("default_end_date must not be before default_start_date")
	}

	ex := b.Execution
	switch ex.SlippageModel {
	case SlippageORATS, SlippageRealistic, SlippagePercentage, SlippageFixed, SlippageVolatility:
	default:
		return fmt.Errorf("invalid slippage_model: %s (must be one of orats, realistic, percentage, fixed, volatility)", ex.SlippageModel)
	}
	if ex.SlippageValue < 0 {
		return fmt.Errorf("slippage_value must be non-negative")
	}
	if ex.CommissionPerContract < 0 {
		return fmt.Errorf("commission_per_contract must be non-negative")
	}
	for name, p := range map[string]float64{
		"gap_risk_probability":     ex.GapRiskProbability,
		"liquidity_rejection_rate": ex.LiquidityRejectionRate,
		"gap_severity_min":         ex.GapSeverityMin,
		"gap_severity_max":         ex.GapSeverityMax,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}
	if ex.GapSeverityMin > ex.GapSeverityMax {
		return fmt.Errorf("gap_severity_min must not exceed gap_severity_max")
	}
	if ex.EarlyAssignmentThreshold <= 0 || ex.EarlyAssignmentThreshold >= 1 {
		return fmt.Errorf("early_assignment_threshold must be between 0 and 1 (exclusive)")
	}

	r := c.Risk
	if r.MaxContractsPerTrade <= 0 {
		return fmt.Errorf("max_contracts_per_trade must be positive")
	}
	if r.MaxPortfolioDelta <= 0 || r.MaxPortfolioGamma <= 0 || r.MaxPortfolioVega <= 0 {
		return fmt.Errorf("portfolio greek limits must be positive")
	}
	if r.MinPortfolioTheta > 0 {
		return fmt.Errorf("min_portfolio_theta must be zero or negative")
	}
	if r.MaxSinglePositionPercent <= 0 || r.MaxSinglePositionPercent > 1 {
		return fmt.Errorf("max_single_position_percent must be in (0, 1]")
	}
	if r.MaxDrawdownPercent <= 0 || r.MaxDrawdownPercent > 1 {
		return fmt.Errorf("max_drawdown_percent must be in (0, 1]")
	}
	if r.DailyLossLimit <= 0 {
		return fmt.Errorf("daily_loss_limit must be positive")
	}
	if r.MinDaysToExpiry < 0 || r.MaxDaysToExpiry < r.MinDaysToExpiry {
		return fmt.Errorf("days to expiry window is invalid: [%d, %d]", r.MinDaysToExpiry, r.MaxDaysToExpiry)
	}

	if c.Trading.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("max_concurrent_positions must be positive")
	}
	if c.Trading.MinBuyingPowerReserve < 0 {
		return fmt.Errorf("min_buying_power_reserve must be non-negative")
	}

	return nil
}

// Clone returns an independent copy, safe to mutate for parameter sweeps.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
