// Package bar defines the canonical OHLCV bar record and the period
// registry shared by the historical engine and its callers.
package bar

import (
	"errors"
	"fmt"
	"time"
)

// PriceScale and AmountScale are the fixed-point multipliers used to avoid
// floating-point drift in price/amount arithmetic. A price of 12.3456
// is stored as the int64 123456.
const (
	PriceScale  = 10000 // 4 fractional decimals
	AmountScale = 100   // 2 fractional decimals
)

var (
	ErrInvalidPrice  = errors.New("bar: price must be positive")
	ErrInvalidVolume = errors.New("bar: volume must be non-negative")
	ErrInvalidOHLC   = errors.New("bar: low <= min(open,close) <= max(open,close) <= high violated")
)

// Bar is the canonical aggregated OHLCV record for one period boundary.
// Open/High/Low/Close are fixed-point integers scaled by PriceScale; Amount
// is scaled by AmountScale. Timestamp is always a UTC instant aligned to the
// bar's period boundary.
type Bar struct {
	Symbol       string    `json:"symbol"`
	Timestamp    time.Time `json:"timestamp"`
	Open         int64     `json:"-"`
	High         int64     `json:"-"`
	Low          int64     `json:"-"`
	Close        int64     `json:"-"`
	Volume       uint64    `json:"volume"`
	Amount       int64     `json:"-"`
	QualityScore float64   `json:"quality_score"`
}

// CheckOHLC validates the OHLC logical invariant described in spec §3. It
// does not mutate the bar; callers decide whether to flag or drop.
func (b Bar) CheckOHLC() error {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return ErrInvalidPrice
	}
	lo := min64(b.Open, b.Close)
	hi := max64(b.Open, b.Close)
	if b.Low > lo || lo > hi || hi > b.High {
		return ErrInvalidOHLC
	}
	return nil
}

// OpenFloat and friends convert the fixed-point fields back to float64 at
// the JSON/display boundary. Internal logic should stay on the integer
// representation.
func (b Bar) OpenFloat() float64  { return float64(b.Open) / PriceScale }
func (b Bar) HighFloat() float64  { return float64(b.High) / PriceScale }
func (b Bar) LowFloat() float64   { return float64(b.Low) / PriceScale }
func (b Bar) CloseFloat() float64 { return float64(b.Close) / PriceScale }
func (b Bar) AmountFloat() float64 {
	return float64(b.Amount) / AmountScale
}

// PriceToFixed converts a float price to the fixed-point representation
// using round-half-to-even (banker's rounding), matching the normalizer's
// coercion rule in spec §4.2.
func PriceToFixed(v float64) int64 {
	return roundBankers(v * PriceScale)
}

// AmountToFixed converts a float amount to its fixed-point representation.
func AmountToFixed(v float64) int64 {
	return roundBankers(v * AmountScale)
}

func roundBankers(v float64) int64 {
	floor := int64(v)
	frac := v - float64(floor)
	switch {
	case frac < 0.5:
		return floor
	case frac > 0.5:
		return floor + 1
	default:
		if floor%2 == 0 {
			return floor
		}
		return floor + 1
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// JSONBar is the wire representation described in spec §6.
type JSONBar struct {
	Timestamp    string  `json:"timestamp"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       uint64  `json:"volume"`
	Amount       float64 `json:"amount"`
	QualityScore float64 `json:"quality_score"`
}

// ToJSON converts a Bar to its wire representation.
func (b Bar) ToJSON() JSONBar {
	return JSONBar{
		Timestamp:    b.Timestamp.UTC().Format(time.RFC3339),
		Open:         b.OpenFloat(),
		High:         b.HighFloat(),
		Low:          b.LowFloat(),
		Close:        b.CloseFloat(),
		Volume:       b.Volume,
		Amount:       b.AmountFloat(),
		QualityScore: b.QualityScore,
	}
}

// Key builds the cache/lookup key for a (symbol, period, range) triple, per
// spec §3's CacheEntry.key grammar.
func Key(symbol string, period Period, start, end time.Time) string {
	return fmt.Sprintf("kline:%s:%s:%s:%s", symbol, period, start.Format("2006-01-02"), end.Format("2006-01-02"))
}

// QualityKey builds the cache key for a standalone quality report.
func QualityKey(symbol string, period Period) string {
	return fmt.Sprintf("quality:%s:%s", symbol, period)
}
