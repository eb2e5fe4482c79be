package source

import (
	"context"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
)

// NativeClient is the minimal surface the adapter needs from the injected
// low-level library (the xtquant-equivalent, deliberately out of scope per
// spec §1). A primary call path and a simpler fallback call path are both
// attempted in order, matching the upstream source's documented behavior.
type NativeClient interface {
	// Loaded reports whether the underlying native library is available in
	// this process. When false, FetchBars/FetchLatest fail fast.
	Loaded() bool
	// QueryHistory is the primary call surface: richer, but more likely to
	// fail on exotic symbols or date ranges.
	QueryHistory(ctx context.Context, symbol, period, startDate, endDate string) ([]RawRecord, error)
	// QuerySimple is the fallback call surface: a narrower, more reliable
	// query that the adapter tries when QueryHistory errors.
	QuerySimple(ctx context.Context, symbol, period string) ([]RawRecord, error)
	QueryLatest(ctx context.Context, symbol, dataType string) (RawRecord, error)
}

// NativeAdapter wraps a NativeClient behind the BarSource/TickSource
// interfaces. It performs no retry/timeout/circuit-breaking of its own;
// internal/resilience imposes that at the query-engine entry point.
type NativeAdapter struct {
	client NativeClient
}

// NewNativeAdapter builds an adapter over an injected native client.
func NewNativeAdapter(client NativeClient) *NativeAdapter {
	return &NativeAdapter{client: client}
}

// FetchBars honors the source's native date format (day precision) on the
// caller's behalf and returns UTC-aware timestamps. It attempts the primary
// query, then falls back to the simpler call surface before giving up.
func (a *NativeAdapter) FetchBars(ctx context.Context, symbol string, period bar.Period, start, end time.Time) ([]RawRecord, error) {
	if !a.client.Loaded() {
		return nil, ErrSourceUnavailable
	}

	startDate := start.Format("2006-01-02")
	endDate := end.Format("2006-01-02")

	records, err := a.client.QueryHistory(ctx, symbol, string(period), startDate, endDate)
	if err == nil {
		if len(records) == 0 {
			return nil, ErrNoData
		}
		return toUTC(records), nil
	}
	if ctx.Err() != nil {
		return nil, ErrSourceTimeout
	}

	records, fallbackErr := a.client.QuerySimple(ctx, symbol, string(period))
	if fallbackErr != nil {
		if ctx.Err() != nil {
			return nil, ErrSourceTimeout
		}
		return nil, ErrSourceProtocol
	}
	if len(records) == 0 {
		return nil, ErrNoData
	}
	return toUTC(records), nil
}

// FetchLatest implements TickSource for the realtime publisher.
func (a *NativeAdapter) FetchLatest(ctx context.Context, symbol string, dataType string) (RawRecord, error) {
	if !a.client.Loaded() {
		return nil, ErrSourceUnavailable
	}
	rec, err := a.client.QueryLatest(ctx, symbol, dataType)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrSourceTimeout
		}
		return nil, ErrSourceProtocol
	}
	return rec, nil
}

// toUTC normalizes every record's "timestamp" field to a UTC time.Time,
// accepting either a time.Time or an RFC3339/epoch-seconds value, since
// heterogeneous source-response shapes are flattened here before handoff
// (Design Note §9) rather than leaking into the normalizer.
func toUTC(records []RawRecord) []RawRecord {
	out := make([]RawRecord, 0, len(records))
	for _, rec := range records {
		clone := RawRecord{}
		for k, v := range rec {
			clone[k] = v
		}
		if ts, ok := clone["timestamp"].(time.Time); ok {
			clone["timestamp"] = ts.UTC()
		}
		out = append(out, clone)
	}
	return out
}
