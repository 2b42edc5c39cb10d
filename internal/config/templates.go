package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Options Backtester Configuration

[backtest]
# Starting cash in USD
initial_capital = 100000.0
# Replay window used when run is called without --start/--end
default_start_date = "2023-01-01"
default_end_date = "2023-12-31"
# Abort the run on the first strategy error instead of skipping that tick
strict_strategy_errors = false

[backtest.execution]
# Slippage model: orats, realistic, percentage, fixed, volatility
slippage_model = "orats"
# Model parameter (fraction for percentage, dollars for fixed)
slippage_value = 0.0
# Commission per contract, charged on entry and exit
commission_per_contract = 0.65
# Probability of an overnight gap per open trade per day
gap_risk_probability = 0.015
# Gap severity range as a fraction of the credit received
gap_severity_min = 0.20
gap_severity_max = 0.50
# |delta| above which a short leg may be assigned early
early_assignment_threshold = 0.90
# Probability a fill is refused for liquidity
liquidity_rejection_rate = 0.05
# Random seed; 0 seeds from the clock
seed = 0

[risk]
max_contracts_per_trade = 10
# Portfolio Greek limits, in share-equivalent units (greek x qty x 100)
max_portfolio_delta = 100.0
max_portfolio_gamma = 50.0
max_portfolio_vega = 500.0
min_portfolio_theta = -500.0
# Fractions of equity
max_single_position_percent = 0.10
max_drawdown_percent = 0.20
# Daily loss limit in USD
daily_loss_limit = 2000.0
min_days_to_expiry = 1
max_days_to_expiry = 90
min_open_interest = 100
# Fraction of mid
max_bid_ask_spread_percent = 0.10

[trading]
max_concurrent_positions = 5
# Cash that must remain uncommitted, in USD
min_buying_power_reserve = 5000.0

[data]
# SQLite database with option_quotes and bars tables
database_path = "~/.config/options-backtester/market.db"
underlying = "SPY"
# Used to solve IV and Greeks for quotes that lack them
risk_free_rate = 0.05
dividend_yield = 0.0

[output]
directory = "results"

[log]
# Log level: debug, info, warn, error
level = "info"
console = true
file = false
file_path = "~/.config/options-backtester/logs/backtester.log"
max_size = 100
max_backups = 7
max_age = 30
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

// WriteTemplate writes the template to path, refusing to overwrite.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(configTemplate), 0644)
}
