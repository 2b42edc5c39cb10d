package store

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	apperrors "options-backtester/internal/errors"
	"options-backtester/internal/models"
)

// timeLayouts are tried in order when parsing CSV timestamps. Values without
// a zone are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// barRow is one line of a bars CSV. Fields stay strings so that blank cells
// and mixed time formats are handled in one place.
type barRow struct {
	Timestamp string `csv:"timestamp"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Volume    string `csv:"volume"`
}

// quoteRow is one line of an option quotes CSV.
type quoteRow struct {
	Timestamp         string `csv:"timestamp"`
	Underlying        string `csv:"underlying"`
	UnderlyingPrice   string `csv:"underlying_price"`
	Symbol            string `csv:"symbol"`
	Type              string `csv:"type"`
	Strike            string `csv:"strike"`
	Expiration        string `csv:"expiration"`
	Bid               string `csv:"bid"`
	Ask               string `csv:"ask"`
	Last              string `csv:"last"`
	Volume            string `csv:"volume"`
	OpenInterest      string `csv:"open_interest"`
	ImpliedVolatility string `csv:"implied_volatility"`
	Delta             string `csv:"delta"`
	Gamma             string `csv:"gamma"`
	Theta             string `csv:"theta"`
	Vega              string `csv:"vega"`
	Rho               string `csv:"rho"`
}

// ParseTime parses a CSV timestamp in any of the accepted layouts.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// fieldParser accumulates the first parse error so rows read linearly.
type fieldParser struct {
	line int
	err  error
}

func (p *fieldParser) float(name, s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("line %d: %s: %w", p.line, name, err)
	}
	return v
}

func (p *fieldParser) int(name, s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || p.err != nil {
		return 0
	}
	// Some vendors write volume as 1234.0.
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("line %d: %s: %w", p.line, name, err)
	}
	return int64(v)
}

func (p *fieldParser) time(name, s string) time.Time {
	if p.err != nil {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		p.err = fmt.Errorf("line %d: %s: %w", p.line, name, err)
	}
	return t
}

// LoadBarsCSV parses bars with header
// timestamp,open,high,low,close,volume. Output is sorted by time.
func LoadBarsCSV(r io.Reader) ([]models.Bar, error) {
	var rows []*barRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, apperrors.NewDataError("bars", "", "failed to read csv", err)
	}

	bars := make([]models.Bar, 0, len(rows))
	for i, row := range rows {
		p := fieldParser{line: i + 2}
		b := models.Bar{
			Timestamp: p.time("timestamp", row.Timestamp),
			Open:      p.float("open", row.Open),
			High:      p.float("high", row.High),
			Low:       p.float("low", row.Low),
			Close:     p.float("close", row.Close),
			Volume:    p.int("volume", row.Volume),
		}
		if p.err != nil {
			return nil, apperrors.NewDataError("bars", "", "invalid row", p.err)
		}
		bars = append(bars, b)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// LoadQuotesCSV parses one quote per row and groups rows into chains by
// underlying and timestamp. Chains are returned oldest first.
func LoadQuotesCSV(r io.Reader) ([]*models.OptionChain, error) {
	var rows []*quoteRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, apperrors.NewDataError("quotes", "", "failed to read csv", err)
	}

	type key struct {
		underlying string
		ts         time.Time
	}
	byKey := make(map[key]*models.OptionChain)
	var chains []*models.OptionChain

	for i, row := range rows {
		p := fieldParser{line: i + 2}
		ts := p.time("timestamp", row.Timestamp)
		spot := p.float("underlying_price", row.UnderlyingPrice)
		c := models.OptionContract{
			Symbol:            strings.TrimSpace(row.Symbol),
			Underlying:        strings.TrimSpace(row.Underlying),
			Strike:            p.float("strike", row.Strike),
			Expiration:        p.time("expiration", row.Expiration),
			Bid:               p.float("bid", row.Bid),
			Ask:               p.float("ask", row.Ask),
			Last:              p.float("last", row.Last),
			Volume:            p.int("volume", row.Volume),
			OpenInterest:      p.int("open_interest", row.OpenInterest),
			ImpliedVolatility: p.float("implied_volatility", row.ImpliedVolatility),
			Greeks: models.Greeks{
				Delta: p.float("delta", row.Delta),
				Gamma: p.float("gamma", row.Gamma),
				Theta: p.float("theta", row.Theta),
				Vega:  p.float("vega", row.Vega),
				Rho:   p.float("rho", row.Rho),
			},
			Timestamp: ts,
		}
		if p.err != nil {
			return nil, apperrors.NewDataError("quotes", c.Symbol, "invalid row", p.err)
		}

		switch strings.ToLower(strings.TrimSpace(row.Type)) {
		case "c", "call":
			c.Type = models.OptionTypeCall
		case "p", "put":
			c.Type = models.OptionTypePut
		default:
			return nil, apperrors.NewDataError("quotes", c.Symbol, fmt.Sprintf("line %d: unknown option type %q", i+2, row.Type), nil)
		}
		if c.Symbol == "" || c.Underlying == "" {
			return nil, apperrors.NewDataError("quotes", c.Symbol, fmt.Sprintf("line %d: symbol and underlying are required", i+2), nil)
		}

		k := key{c.Underlying, ts}
		chain, ok := byKey[k]
		if !ok {
			chain = &models.OptionChain{Underlying: c.Underlying, UnderlyingPrice: spot, Timestamp: ts}
			byKey[k] = chain
			chains = append(chains, chain)
		}
		chain.Contracts = append(chain.Contracts, c)
	}

	sort.SliceStable(chains, func(i, j int) bool { return chains[i].Timestamp.Before(chains[j].Timestamp) })
	return chains, nil
}
