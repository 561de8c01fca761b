package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

// Units converts a balance fraction into base-currency units. When the base
// currency is the account currency one unit costs 1, otherwise the quote
// price is used as the per-unit notional.
func Units(balance, fraction, price float64, instrument, accountCurrency string) int64 {
	if balance <= 0 || fraction <= 0 {
		return 0
	}
	notional := balance * fraction
	base, _ := types.SplitInstrument(instrument)
	perUnit := 1.0
	if !strings.EqualFold(base, accountCurrency) {
		if price <= 0 {
			return 0
		}
		perUnit = price
	}
	return int64(math.Floor(notional / perUnit))
}

// window is a daily UTC interval in minutes since midnight. End < start wraps past midnight.
type window struct {
	start, end int
}

func parseWindows(ws []store.Window) ([]window, error) {
	out := make([]window, 0, len(ws))
	for _, w := range ws {
		s, err := time.Parse("15:04", w.Start)
		if err != nil {
			return nil, fmt.Errorf("blackout start %q: %w", w.Start, err)
		}
		e, err := time.Parse("15:04", w.End)
		if err != nil {
			return nil, fmt.Errorf("blackout end %q: %w", w.End, err)
		}
		out = append(out, window{start: s.Hour()*60 + s.Minute(), end: e.Hour()*60 + e.Minute()})
	}
	return out, nil
}

func (w window) contains(minute int) bool {
	if w.start <= w.end {
		return minute >= w.start && minute < w.end
	}
	return minute >= w.start || minute < w.end
}

func inWindows(ws []window, now time.Time) bool {
	u := now.UTC()
	minute := u.Hour()*60 + u.Minute()
	for _, w := range ws {
		if w.contains(minute) {
			return true
		}
	}
	return false
}
