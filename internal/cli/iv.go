package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"options-backtester/internal/models"
	"options-backtester/internal/pricing"
)

type ivResult struct {
	Type       models.OptionType `json:"type"`
	Spot       float64           `json:"spot"`
	Strike     float64           `json:"strike"`
	Days       float64           `json:"days"`
	Volatility float64           `json:"volatility"`
	Price      float64           `json:"price"`
	Solved     bool              `json:"solved"`
	Greeks     models.Greeks     `json:"greeks"`
}

func newIVCmd() *cobra.Command {
	var (
		optType string
		p       pricing.Params
		days    float64
		price   float64
	)

	cmd := &cobra.Command{
		Use:   "iv",
		Short: "Price an option or solve its implied volatility",
		Long: `With --price, solve the implied volatility that reproduces the premium.
Otherwise price the option at --vol. Greeks are reported in both cases:
theta per calendar day, vega and rho per 1% move.`,
		Example: `  backtester iv --type put --spot 410 --strike 400 --days 28 --price 2.05
  backtester iv --type call --spot 100 --strike 105 --days 30 --vol 0.25`,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			switch strings.ToLower(optType) {
			case "c", "call":
				p.Type = models.OptionTypeCall
			case "p", "put":
				p.Type = models.OptionTypePut
			default:
				return fmt.Errorf("invalid --type %q: want call or put", optType)
			}
			if p.Spot <= 0 || p.Strike <= 0 || days < 0 {
				return fmt.Errorf("--spot and --strike must be positive and --days non-negative")
			}
			p.TimeToExpiry = days / 365

			res := ivResult{Type: p.Type, Spot: p.Spot, Strike: p.Strike, Days: days}
			if price > 0 {
				vol, ok := pricing.ImpliedVolatility(price, p)
				if !ok {
					return fmt.Errorf("implied volatility did not converge for premium %.4f", price)
				}
				p.Volatility = vol
				res.Solved = true
			} else if p.Volatility <= 0 {
				return fmt.Errorf("pass --price to solve IV or a positive --vol to price")
			}
			res.Volatility = p.Volatility
			res.Price = pricing.Price(p)
			res.Greeks = pricing.AllGreeks(p)

			if output.IsJSON() {
				return output.JSON(res)
			}
			title := fmt.Sprintf("%s %.2f, spot %.2f, %.0f DTE", strings.ToUpper(string(p.Type)), p.Strike, p.Spot, days)
			lines := []string{
				fmt.Sprintf("Price:      %.4f", res.Price),
				fmt.Sprintf("IV:         %s", FormatIV(res.Volatility)),
				FormatGreeks(res.Greeks.Delta, res.Greeks.Gamma, res.Greeks.Theta, res.Greeks.Vega),
				fmt.Sprintf("ρ: %.4f", res.Greeks.Rho),
			}
			if res.Solved {
				lines[1] += " (solved)"
			}
			output.Box(title, lines)
			return nil
		},
	}

	cmd.Flags().StringVarP(&optType, "type", "t", "call", "call or put")
	cmd.Flags().Float64Var(&p.Spot, "spot", 0, "underlying price")
	cmd.Flags().Float64Var(&p.Strike, "strike", 0, "strike price")
	cmd.Flags().Float64Var(&days, "days", 30, "calendar days to expiry")
	cmd.Flags().Float64Var(&p.RiskFreeRate, "rate", 0.05, "risk-free rate")
	cmd.Flags().Float64Var(&p.DividendYield, "dividend", 0, "continuous dividend yield")
	cmd.Flags().Float64Var(&p.Volatility, "vol", 0, "volatility to price at")
	cmd.Flags().Float64Var(&price, "price", 0, "market premium to solve IV from")
	return cmd
}
