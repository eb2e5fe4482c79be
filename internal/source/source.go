// Package source defines the BarSource boundary (spec §4.1) and its two
// first-class implementations: a mock generator and an adapter over an
// injected native client. Retry, timeout, and circuit-breaking are imposed
// externally by internal/resilience; this package performs neither.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
)

var (
	ErrSourceUnavailable = errors.New("source: underlying library not loadable")
	ErrNoData            = errors.New("source: no data for requested range")
	ErrSourceTimeout     = errors.New("source: upstream timeout")
	ErrSourceProtocol    = errors.New("source: unparseable upstream response")
)

// BarSource fetches raw bars for a symbol/period/date-range. Implementations
// return UTC-aware timestamps regardless of the source's native timezone.
type BarSource interface {
	FetchBars(ctx context.Context, symbol string, period bar.Period, start, end time.Time) ([]RawRecord, error)
}

// RawRecord is the loose, heterogeneous shape a source hands back before
// normalization. Field presence/casing varies by provider; internal/normalize
// resolves synonyms.
type RawRecord map[string]any

// TickSource is the realtime counterpart used by the data publisher (C12)
// for quote/trade/depth/tick data. It intentionally mirrors BarSource's
// call shape so both can share the same adapter-selection and resilience
// wrapping.
type TickSource interface {
	FetchLatest(ctx context.Context, symbol string, dataType string) (RawRecord, error)
}
