package utils

import (
	"time"
)

// NewYork is the timezone US equity options trade in.
var NewYork *time.Location

func init() {
	var err error
	NewYork, err = time.LoadLocation("America/New_York")
	if err != nil {
		// Fallback to EST without DST
		NewYork = time.FixedZone("EST", -5*60*60)
	}
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are
// not modelled; days without data are simply skipped by the replay.
func IsTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// MarketClose returns the 16:00 New York close on t's calendar date.
func MarketClose(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 16, 0, 0, 0, NewYork)
}

// EndOfDay returns the last nanosecond of t's calendar day in t's location.
func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).
		AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// TradingDaysBetween counts weekdays in [from, to] by calendar date.
func TradingDaysBetween(from, to time.Time) int {
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	n := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d) {
			n++
		}
	}
	return n
}
