package market

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// ParseInterval validates a Binance kline interval and returns its nominal length.
// "1M" is approximated as 30 days.
func ParseInterval(interval string) (time.Duration, error) {
	d, ok := intervals[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported kline interval %q", interval)
	}
	return d, nil
}

var relativeDate = regexp.MustCompile(`^(\d+)\s+(minute|hour|day|week)s?\s+ago$`)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2 Jan, 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

// ParseDate understands the date strings used in run configuration: "now",
// "N days ago" style offsets, and a handful of absolute layouts. Absolute
// dates without a zone are taken as UTC.
func ParseDate(value string, now time.Time) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, "now") {
		return now.UTC(), nil
	}

	if m := relativeDate.FindStringSubmatch(strings.ToLower(v)); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", value, err)
		}
		unit := map[string]time.Duration{
			"minute": time.Minute,
			"hour":   time.Hour,
			"day":    24 * time.Hour,
			"week":   7 * 24 * time.Hour,
		}[m[2]]
		return now.UTC().Add(-time.Duration(n) * unit), nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
