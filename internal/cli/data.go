package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"options-backtester/internal/config"
	"options-backtester/internal/models"
	"options-backtester/internal/performance"
	"options-backtester/internal/store"
	"options-backtester/pkg/utils"
)

// importBatchSize is the number of chains written per transaction.
const importBatchSize = 250

// addDataCommands adds import and coverage.
func addDataCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newImportCmd(app))
	rootCmd.AddCommand(newCoverageCmd(app))
}

func newImportCmd(app *App) *cobra.Command {
	var quotesPath, barsPath, underlying string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import option quotes and underlying bars from CSV",
		Long: `Load CSV files into the local SQLite store.

Quote files have one row per contract per snapshot with header
timestamp,underlying,underlying_price,symbol,type,strike,expiration,bid,ask,
last,volume,open_interest,implied_volatility,delta,gamma,theta,vega,rho.
Rows sharing underlying and timestamp form one chain; importing a snapshot
again replaces it.

Bar files have header timestamp,open,high,low,close,volume and are stored
under --underlying.`,
		Example: `  backtester import --quotes spy_2024q1.csv --bars spy_daily.csv -u SPY`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if quotesPath == "" && barsPath == "" {
				return fmt.Errorf("nothing to import: pass --quotes and/or --bars")
			}
			ctx := cmd.Context()
			output := NewOutput(cmd)
			log := app.Logger.With().Str("component", "import").Logger()

			st, err := openStore(ctx, app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			res := importResult{Database: app.Config.Data.DatabasePath}
			if quotesPath != "" {
				chains, err := readQuotes(quotesPath)
				if err != nil {
					return err
				}
				batch := performance.NewBatchProcessor(importBatchSize, func(b []*models.OptionChain) error {
					return saveWithRetry(ctx, func() error { return st.SaveChains(ctx, b) })
				})
				for _, c := range chains {
					if err := batch.Add(c); err != nil {
						return fmt.Errorf("after %d chains: %w", batch.Processed(), err)
					}
				}
				if err := batch.Flush(); err != nil {
					return fmt.Errorf("after %d chains: %w", batch.Processed(), err)
				}
				res.Chains = batch.Processed()
				res.Underlyings = underlyingsOf(chains)
				for _, c := range chains {
					res.Quotes += len(c.Contracts)
				}
				log.Info().Str("file", quotesPath).Int("chains", res.Chains).Int("quotes", res.Quotes).Msg("Imported quotes")
			}

			if barsPath != "" {
				symbol := strings.ToUpper(strings.TrimSpace(underlying))
				if symbol == "" {
					symbol = app.Config.Data.Underlying
				}
				bars, err := readBars(barsPath)
				if err != nil {
					return err
				}
				if err := saveWithRetry(ctx, func() error { return st.SaveBars(ctx, symbol, bars) }); err != nil {
					return err
				}
				res.Bars = len(bars)
				if !contains(res.Underlyings, symbol) {
					res.Underlyings = append(res.Underlyings, symbol)
				}
				log.Info().Str("file", barsPath).Str("underlying", symbol).Int("bars", res.Bars).Msg("Imported bars")
			}

			now := time.Now()
			for _, u := range res.Underlyings {
				if err := st.SetLastImport(u, now); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Success("✓ Imported %d chains (%d quotes) and %d bars for %s",
				res.Chains, res.Quotes, res.Bars, strings.Join(res.Underlyings, ", "))
			output.Dim("Database: %s", res.Database)
			return nil
		},
	}

	cmd.Flags().StringVarP(&quotesPath, "quotes", "q", "", "option quotes CSV")
	cmd.Flags().StringVarP(&barsPath, "bars", "b", "", "underlying bars CSV")
	cmd.Flags().StringVarP(&underlying, "underlying", "u", "", "underlying the bars belong to (default from config)")
	return cmd
}

type importResult struct {
	Database    string   `json:"database"`
	Underlyings []string `json:"underlyings"`
	Chains      int      `json:"chains"`
	Quotes      int      `json:"quotes"`
	Bars        int      `json:"bars"`
}

func readQuotes(path string) ([]*models.OptionChain, error) {
	f, err := os.Open(config.ExpandPath(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return store.LoadQuotesCSV(f)
}

func readBars(path string) ([]models.Bar, error) {
	f, err := os.Open(config.ExpandPath(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return store.LoadBarsCSV(f)
}

func saveWithRetry(ctx context.Context, fn func() error) error {
	retry := utils.DefaultRetryConfig()
	retry.Retryable = store.IsBusy
	return utils.Retry(ctx, retry, fn)
}

func underlyingsOf(chains []*models.OptionChain) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range chains {
		if !seen[c.Underlying] {
			seen[c.Underlying] = true
			out = append(out, c.Underlying)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newCoverageCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "coverage [underlying...]",
		Short: "Show stored data coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			if len(args) == 0 {
				args = []string{app.Config.Data.Underlying}
			}

			st, err := openStore(ctx, app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			type coverageRow struct {
				*store.Coverage
				TradingDays int       `json:"trading_days"`
				LastImport  time.Time `json:"last_import"`
			}
			rows := make([]coverageRow, 0, len(args))
			for _, u := range args {
				cov, err := st.Coverage(ctx, strings.ToUpper(u))
				if err != nil {
					return err
				}
				row := coverageRow{Coverage: cov, LastImport: st.GetLastImport(cov.Underlying)}
				if cov.Chains > 0 {
					row.TradingDays = utils.TradingDaysBetween(cov.First, cov.Last)
				}
				rows = append(rows, row)
			}

			if output.IsJSON() {
				return output.JSON(rows)
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				imported := "-"
				if !r.LastImport.IsZero() {
					imported = r.LastImport.Local().Format("2006-01-02 15:04")
				}
				table = append(table, []string{
					r.Underlying,
					fmt.Sprintf("%d", r.Chains),
					fmt.Sprintf("%d", r.Quotes),
					fmt.Sprintf("%d", r.Bars),
					FormatDate(r.First),
					FormatDate(r.Last),
					fmt.Sprintf("%d", r.TradingDays),
					imported,
				})
			}
			output.Table([]string{"Underlying", "Chains", "Quotes", "Bars", "First", "Last", "Weekdays", "Imported"}, table)
			return nil
		},
	}
}
