package source

import (
	"context"
	"math"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
)

// MockSource is a first-class deterministic data source, not an
// exception-handler fallback (Design Note §9). It is suitable for local
// development and tests; it generates a plausible random-walk bar sequence
// seeded by the symbol/period so repeated calls are stable.
type MockSource struct {
	Registry *bar.Registry
}

// NewMockSource builds a MockSource backed by the given period registry.
func NewMockSource(reg *bar.Registry) *MockSource {
	return &MockSource{Registry: reg}
}

// FetchBars generates one synthetic bar per period boundary in [start, end].
func (m *MockSource) FetchBars(ctx context.Context, symbol string, period bar.Period, start, end time.Time) ([]RawRecord, error) {
	if end.Before(start) {
		return nil, ErrSourceProtocol
	}
	seed := hashSeed(symbol)
	var out []RawRecord
	cursor := m.Registry.Align(period, start)
	for !cursor.After(end) {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		price := 10.0 + 5.0*math.Sin(float64(seed)+float64(cursor.Unix())/86400.0)
		open := price
		closeP := price + 0.1
		high := math.Max(open, closeP) + 0.2
		low := math.Min(open, closeP) - 0.2
		out = append(out, RawRecord{
			"timestamp": cursor,
			"open":      open,
			"high":      high,
			"low":       low,
			"close":     closeP,
			"volume":    float64(1000 + seed%500),
			"amount":    closeP * float64(1000+seed%500),
		})
		cursor = m.Registry.NextBoundary(period, cursor)
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

// FetchLatest produces a single synthetic tick/quote record for the realtime
// publisher (C12).
func (m *MockSource) FetchLatest(ctx context.Context, symbol string, dataType string) (RawRecord, error) {
	seed := hashSeed(symbol)
	now := time.Now().UTC()
	price := 10.0 + 5.0*math.Sin(float64(seed)+float64(now.Unix())/30.0)
	return RawRecord{
		"symbol":    symbol,
		"data_type": dataType,
		"timestamp": now,
		"price":     price,
		"volume":    float64(100 + seed%50),
	}, nil
}

func hashSeed(s string) int {
	h := 0
	for _, r := range s {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}
