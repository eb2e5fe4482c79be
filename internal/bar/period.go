package bar

import (
	"fmt"
	"time"
)

// Period is one of the ten supported K-line cadences.
type Period string

const (
	Period1m  Period = "1m"
	Period5m  Period = "5m"
	Period15m Period = "15m"
	Period30m Period = "30m"
	Period1h  Period = "1h"
	Period2h  Period = "2h"
	Period4h  Period = "4h"
	Period1d  Period = "1d"
	Period1w  Period = "1w"
	Period1M  Period = "1M"
)

// AllPeriods enumerates the closed set, ordered from finest to coarsest.
var AllPeriods = []Period{Period1m, Period5m, Period15m, Period30m, Period1h, Period2h, Period4h, Period1d, Period1w, Period1M}

var periodAliases = map[string]Period{
	"DAILY":   Period1d,
	"HOURLY":  Period1h,
	"WEEKLY":  Period1w,
	"MONTHLY": Period1M,
}

// ParsePeriod resolves a period string, including the §6 aliases
// (DAILY/HOURLY/WEEKLY/MONTHLY), to a canonical Period.
func ParsePeriod(s string) (Period, error) {
	if alias, ok := periodAliases[s]; ok {
		return alias, nil
	}
	p := Period(s)
	for _, known := range AllPeriods {
		if known == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("bar: unknown period %q", s)
}

// cadence holds the nominal duration of a period. Month is represented as
// zero here; callers must use Registry.Align/NextBoundary for 1M math since
// calendar months are not a fixed duration.
var cadence = map[Period]time.Duration{
	Period1m:  time.Minute,
	Period5m:  5 * time.Minute,
	Period15m: 15 * time.Minute,
	Period30m: 30 * time.Minute,
	Period1h:  time.Hour,
	Period2h:  2 * time.Hour,
	Period4h:  4 * time.Hour,
	Period1d:  24 * time.Hour,
	Period1w:  7 * 24 * time.Hour,
	Period1M:  0, // calendar month, handled specially
}

// defaultTTL implements the period→TTL table from spec §3.
var defaultTTL = map[Period]time.Duration{
	Period1m:  300 * time.Second,
	Period5m:  900 * time.Second,
	Period15m: 1800 * time.Second,
	Period30m: 3600 * time.Second,
	Period1h:  7200 * time.Second,
	Period2h:  7200 * time.Second,
	Period4h:  14400 * time.Second,
	Period1d:  86400 * time.Second,
	Period1w:  604800 * time.Second,
	Period1M:  2592000 * time.Second,
}

// Registry exposes cadence/TTL/alignment lookups. It carries the exchange
// calendar location used for boundary computation per spec §9 (internal
// timestamps stay UTC; the exchange-local calendar is consulted only to
// compute the boundary, then converted back to UTC).
type Registry struct {
	ExchangeLocation *time.Location
	CloseHour        int // exchange-local close hour used for 1d alignment, e.g. 15 for 15:00
}

// NewRegistry builds a Registry. loc defaults to UTC if nil.
func NewRegistry(loc *time.Location, closeHour int) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{ExchangeLocation: loc, CloseHour: closeHour}
}

// Cadence returns the nominal duration of a period. 1M returns 0; callers
// needing month cadence must use NextBoundary.
func (r *Registry) Cadence(p Period) time.Duration {
	return cadence[p]
}

// DefaultTTL returns the period's configured cache TTL.
func (r *Registry) DefaultTTL(p Period) time.Duration {
	return defaultTTL[p]
}

// Align snaps t to the canonical boundary of period p, per spec §3:
// 1d aligns to exchange close, 1w to Friday, 1M to month-end (calendar-month
// alignment, resolving the Open Question noted in spec §9).
func (r *Registry) Align(p Period, t time.Time) time.Time {
	local := t.In(r.ExchangeLocation)
	switch p {
	case Period1d:
		aligned := time.Date(local.Year(), local.Month(), local.Day(), r.CloseHour, 0, 0, 0, r.ExchangeLocation)
		if !local.Before(aligned) {
			return aligned.UTC()
		}
		return aligned.AddDate(0, 0, -1).UTC()
	case Period1w:
		offset := (int(local.Weekday()) - int(time.Friday) + 7) % 7
		aligned := time.Date(local.Year(), local.Month(), local.Day(), r.CloseHour, 0, 0, 0, r.ExchangeLocation).AddDate(0, 0, -offset)
		if local.Before(aligned) {
			aligned = aligned.AddDate(0, 0, -7)
		}
		return aligned.UTC()
	case Period1M:
		monthEnd := time.Date(local.Year(), local.Month()+1, 1, r.CloseHour, 0, 0, 0, r.ExchangeLocation).AddDate(0, 0, -1)
		if local.Before(monthEnd) {
			monthEnd = time.Date(local.Year(), local.Month(), 1, r.CloseHour, 0, 0, 0, r.ExchangeLocation).AddDate(0, 0, -1)
		}
		return monthEnd.UTC()
	default:
		d := cadence[p]
		truncated := local.Truncate(d)
		return truncated.UTC()
	}
}

// NextBoundary returns the next period boundary strictly after t.
func (r *Registry) NextBoundary(p Period, t time.Time) time.Time {
	if p == Period1M {
		local := r.Align(p, t).In(r.ExchangeLocation)
		return time.Date(local.Year(), local.Month()+2, 1, r.CloseHour, 0, 0, 0, r.ExchangeLocation).AddDate(0, 0, -1).UTC()
	}
	aligned := r.Align(p, t)
	if !aligned.After(t) {
		switch p {
		case Period1d:
			return aligned.AddDate(0, 0, 1)
		case Period1w:
			return aligned.AddDate(0, 0, 7)
		default:
			return aligned.Add(cadence[p])
		}
	}
	return aligned
}
