// Package normalize converts loose, heterogeneous source records into
// canonical bar.Bar values (spec §4.2). Column-name resolution uses an
// explicit synonym table rather than reflection (Design Note §9).
package normalize

import (
	"fmt"
	"math"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
	"github.com/quantarc/marketfeed/internal/source"
)

// ErrMissingRequiredField is returned with the list of fields still
// missing after synonym resolution.
type ErrMissingRequiredField struct {
	Fields []string
}

func (e *ErrMissingRequiredField) Error() string {
	return fmt.Sprintf("normalize: missing required fields: %v", e.Fields)
}

// ErrMalformedValue is returned when a present field cannot be coerced to
// its target type.
type ErrMalformedValue struct {
	Field string
	Value any
}

func (e *ErrMalformedValue) Error() string {
	return fmt.Sprintf("normalize: malformed value for %q: %v", e.Field, e.Value)
}

// synonyms maps canonical field name to every accepted column alias,
// matching spec §4.2's o/open/OPEN/opening_price style table.
var synonyms = map[string][]string{
	"open":      {"open", "o", "OPEN", "Open", "opening_price"},
	"high":      {"high", "h", "HIGH", "High", "highest_price"},
	"low":       {"low", "l", "LOW", "Low", "lowest_price"},
	"close":     {"close", "c", "CLOSE", "Close", "closing_price"},
	"volume":    {"volume", "v", "VOLUME", "Volume", "vol"},
	"amount":    {"amount", "a", "AMOUNT", "Amount", "turnover"},
	"timestamp": {"timestamp", "time", "ts", "date", "datetime"},
}

// Normalizer converts records for one symbol into canonical bars.
type Normalizer struct {
	// ExchangeLocation is applied to naive local timestamps before
	// converting to UTC, per spec §4.2.
	ExchangeLocation *time.Location
}

// NewNormalizer builds a Normalizer. loc defaults to UTC.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{ExchangeLocation: loc}
}

func lookup(rec source.RawRecord, canonical string) (any, bool) {
	for _, alias := range synonyms[canonical] {
		if v, ok := rec[alias]; ok {
			return v, true
		}
	}
	return nil, false
}

// Normalize converts one raw record into a canonical bar for symbol.
func (n *Normalizer) Normalize(symbol string, rec source.RawRecord) (bar.Bar, error) {
	var missing []string
	for _, field := range []string{"open", "high", "low", "close", "volume"} {
		if _, ok := lookup(rec, field); !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return bar.Bar{}, &ErrMissingRequiredField{Fields: missing}
	}

	open, err := toFloat(rec, "open")
	if err != nil {
		return bar.Bar{}, err
	}
	high, err := toFloat(rec, "high")
	if err != nil {
		return bar.Bar{}, err
	}
	low, err := toFloat(rec, "low")
	if err != nil {
		return bar.Bar{}, err
	}
	closeP, err := toFloat(rec, "close")
	if err != nil {
		return bar.Bar{}, err
	}
	volume, err := toVolume(rec)
	if err != nil {
		return bar.Bar{}, err
	}
	amount := 0.0
	if _, ok := lookup(rec, "amount"); ok {
		amount, err = toFloat(rec, "amount")
		if err != nil {
			return bar.Bar{}, err
		}
	}

	ts, err := n.toUTCTimestamp(rec)
	if err != nil {
		return bar.Bar{}, err
	}

	b := bar.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      bar.PriceToFixed(open),
		High:      bar.PriceToFixed(high),
		Low:       bar.PriceToFixed(low),
		Close:     bar.PriceToFixed(closeP),
		Volume:    volume,
		Amount:    bar.AmountToFixed(amount),
	}

	if err := b.CheckOHLC(); err != nil {
		b.QualityScore = 0.7
	} else {
		b.QualityScore = 1.0
	}
	return b, nil
}

// NormalizeAll normalizes a batch, skipping no records: invalid-OHLC bars
// are always retained with a reduced QualityScore, and no configuration
// option drops them (spec §9 Open Question).
func (n *Normalizer) NormalizeAll(symbol string, recs []source.RawRecord) ([]bar.Bar, error) {
	out := make([]bar.Bar, 0, len(recs))
	for _, rec := range recs {
		b, err := n.Normalize(symbol, rec)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

func toFloat(rec source.RawRecord, canonical string) (float64, error) {
	v, _ := lookup(rec, canonical)
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) {
			return 0, &ErrMalformedValue{Field: canonical, Value: v}
		}
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%f", &f); err != nil {
			return 0, &ErrMalformedValue{Field: canonical, Value: v}
		}
		return f, nil
	default:
		return 0, &ErrMalformedValue{Field: canonical, Value: v}
	}
}

// toVolume coerces volume to a non-negative integer; NaN coerces to 0 per
// spec §4.2.
func toVolume(rec source.RawRecord) (uint64, error) {
	v, _ := lookup(rec, "volume")
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) {
			return 0, nil
		}
		if t < 0 {
			return 0, &ErrMalformedValue{Field: "volume", Value: v}
		}
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, &ErrMalformedValue{Field: "volume", Value: v}
		}
		return uint64(t), nil
	case int64:
		if t < 0 {
			return 0, &ErrMalformedValue{Field: "volume", Value: v}
		}
		return uint64(t), nil
	default:
		f, err := toFloat(rec, "volume")
		if err != nil {
			return 0, err
		}
		if f < 0 {
			return 0, &ErrMalformedValue{Field: "volume", Value: v}
		}
		return uint64(f), nil
	}
}

func (n *Normalizer) toUTCTimestamp(rec source.RawRecord) (time.Time, error) {
	v, ok := lookup(rec, "timestamp")
	if !ok {
		return time.Time{}, &ErrMissingRequiredField{Fields: []string{"timestamp"}}
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.ParseInLocation(time.RFC3339, t, n.ExchangeLocation)
		if err != nil {
			parsed, err = time.ParseInLocation("2006-01-02", t, n.ExchangeLocation)
			if err != nil {
				return time.Time{}, &ErrMalformedValue{Field: "timestamp", Value: v}
			}
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, &ErrMalformedValue{Field: "timestamp", Value: v}
	}
}

