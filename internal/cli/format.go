package cli

import (
	"fmt"
	"strings"
	"time"

	"options-backtester/internal/config"
)

// FormatCurrency formats a dollar amount with thousands separators.
func FormatCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	intPart, decPart, _ := strings.Cut(str, ".")

	result := "$" + formatThousands(intPart) + "." + decPart
	if negative && str != "0.00" {
		result = "-" + result
	}
	return result
}

// formatThousands groups an integer string in threes: 1,234,567.
func formatThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	head := n % 3
	var sb strings.Builder
	if head > 0 {
		sb.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

// FormatFraction formats a 0..1 fraction as a percentage.
func FormatFraction(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}

// FormatDate formats a date the way config files and flags take it.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(config.DateLayout)
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatGreeks formats option Greeks.
func FormatGreeks(delta, gamma, theta, vega float64) string {
	return fmt.Sprintf("Δ: %.4f  Γ: %.4f  Θ: %.4f  ν: %.4f", delta, gamma, theta, vega)
}

// FormatIV formats implied volatility.
func FormatIV(iv float64) string {
	return fmt.Sprintf("%.2f%%", iv*100)
}
