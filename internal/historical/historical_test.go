package historical

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/marketfeed/internal/bar"
	"github.com/quantarc/marketfeed/internal/histcache"
	"github.com/quantarc/marketfeed/internal/normalize"
	"github.com/quantarc/marketfeed/internal/quality"
	"github.com/quantarc/marketfeed/internal/resilience"
	"github.com/quantarc/marketfeed/internal/source"
)

type fakeSource struct {
	mu         sync.Mutex
	calls      int
	periodCall map[bar.Period]int
	recs       func(symbol string) []source.RawRecord
	failPeriod bar.Period
	failErr    error
}

func (f *fakeSource) FetchBars(ctx context.Context, symbol string, period bar.Period, start, end time.Time) ([]source.RawRecord, error) {
	f.mu.Lock()
	f.calls++
	if f.periodCall == nil {
		f.periodCall = make(map[bar.Period]int)
	}
	f.periodCall[period]++
	f.mu.Unlock()

	if f.failErr != nil && period == f.failPeriod {
		return nil, f.failErr
	}
	return f.recs(symbol), nil
}

func hourlyRecords(symbol string, n int, base time.Time) []source.RawRecord {
	out := make([]source.RawRecord, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		out = append(out, source.RawRecord{
			"open": 10.0 + float64(i), "high": 11.0 + float64(i), "low": 9.0 + float64(i), "close": 10.5 + float64(i),
			"volume": 100, "timestamp": ts.Format(time.RFC3339),
		})
	}
	return out
}

func newTestEngine(src source.BarSource) *Engine {
	reg := bar.NewRegistry(time.UTC, 15)
	cache := histcache.New(0, nil)
	handler := resilience.NewHandler(nil, nil)
	return New(src, normalize.NewNormalizer(time.UTC), reg, cache, handler, quality.DefaultConfig())
}

func TestGetBarsCachesOnSecondCall(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{recs: func(symbol string) []source.RawRecord { return hourlyRecords(symbol, 24, base) }}
	e := newTestEngine(src)

	req := Request{Symbol: "AAPL", Period: bar.Period1h, Start: base, End: base.Add(24 * time.Hour), UseCache: true}

	res1, err := e.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res1.Cached)
	assert.Len(t, res1.Bars, 24)

	res2, err := e.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res2.Cached)
	assert.Equal(t, 1, src.calls, "second call must be served from cache")
}

func TestGetBarsRejectsInvalidRange(t *testing.T) {
	e := newTestEngine(&fakeSource{recs: func(string) []source.RawRecord { return nil }})
	now := time.Now()
	_, err := e.GetBars(context.Background(), Request{Symbol: "AAPL", Period: bar.Period1h, Start: now, End: now.Add(-time.Hour)})
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestGetMultiPeriodFetchesEveryPeriodIndependently(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{recs: func(symbol string) []source.RawRecord { return hourlyRecords(symbol, 48, base) }}
	e := newTestEngine(src)

	results, err := e.GetMultiPeriod(context.Background(), "AAPL", []bar.Period{bar.Period1h, bar.Period4h}, base, base.Add(48*time.Hour), false)
	require.NoError(t, err)
	require.Contains(t, results, bar.Period1h)
	require.Contains(t, results, bar.Period4h)
	assert.NoError(t, results[bar.Period1h].Err)
	assert.NoError(t, results[bar.Period4h].Err)
	assert.NotEmpty(t, results[bar.Period1h].Result.Bars)
	assert.NotEmpty(t, results[bar.Period4h].Result.Bars)
	assert.Equal(t, 1, src.periodCall[bar.Period1h], "each requested period must be fetched independently via GetBars")
	assert.Equal(t, 1, src.periodCall[bar.Period4h], "each requested period must be fetched independently via GetBars")
}

func TestGetMultiPeriodIsolatesPerPeriodErrors(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		recs:       func(symbol string) []source.RawRecord { return hourlyRecords(symbol, 48, base) },
		failPeriod: bar.Period4h,
		failErr:    assert.AnError,
	}
	e := newTestEngine(src)

	results, err := e.GetMultiPeriod(context.Background(), "AAPL", []bar.Period{bar.Period1h, bar.Period4h}, base, base.Add(48*time.Hour), false)
	require.NoError(t, err, "a single period's failure must not abort the whole call")
	require.Contains(t, results, bar.Period1h)
	require.Contains(t, results, bar.Period4h)
	assert.NoError(t, results[bar.Period1h].Err)
	assert.NotEmpty(t, results[bar.Period1h].Result.Bars)
	assert.Error(t, results[bar.Period4h].Err)
}

func TestGetBarsSkipsCacheWhenUseCacheFalse(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{recs: func(symbol string) []source.RawRecord { return hourlyRecords(symbol, 24, base) }}
	e := newTestEngine(src)

	req := Request{Symbol: "AAPL", Period: bar.Period1h, Start: base, End: base.Add(24 * time.Hour)}

	res1, err := e.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res1.Cached)

	res2, err := e.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res2.Cached, "UseCache=false must never read the cache")
	assert.Equal(t, 2, src.calls, "UseCache=false must re-fetch on every call")
}

func TestGetBarsTruncatesToMaxRecords(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{recs: func(symbol string) []source.RawRecord { return hourlyRecords(symbol, 24, base) }}
	e := newTestEngine(src)

	req := Request{Symbol: "AAPL", Period: bar.Period1h, Start: base, End: base.Add(24 * time.Hour), MaxRecords: 5}
	res, err := e.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Bars, 5)
	assert.True(t, res.Bars[len(res.Bars)-1].Timestamp.After(res.Bars[0].Timestamp))
	assert.Equal(t, base.Add(19*time.Hour), res.Bars[0].Timestamp, "truncation keeps the most recent records")
}

func TestGetBarsSkipsQualityWhenNotRequested(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{recs: func(symbol string) []source.RawRecord { return hourlyRecords(symbol, 24, base) }}
	e := newTestEngine(src)

	req := Request{Symbol: "AAPL", Period: bar.Period1h, Start: base, End: base.Add(24 * time.Hour)}
	res, err := e.GetBars(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, res.Quality.OverallScore, "quality report must stay zero-value when Quality is false")
}

type fakeQualitySink struct {
	mu      sync.Mutex
	calls   int
	symbol  string
	period  string
	waiters chan struct{}
}

func (f *fakeQualitySink) QualityIssue(symbol, period string, report quality.Report) {
	f.mu.Lock()
	f.calls++
	f.symbol, f.period = symbol, period
	f.mu.Unlock()
	if f.waiters != nil {
		f.waiters <- struct{}{}
	}
}

func TestGetBarsEmitsQualityIssueBelowEightyWhenSinkConfigured(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{recs: func(symbol string) []source.RawRecord {
		return []source.RawRecord{{
			"open": 10.0, "high": 9.0, "low": 8.0, "close": 9.5, "volume": 100,
			"timestamp": base.Format(time.RFC3339),
		}}
	}}
	e := newTestEngine(src)
	sink := &fakeQualitySink{waiters: make(chan struct{}, 1)}
	e.SetQualitySink(sink)

	req := Request{Symbol: "AAPL", Period: bar.Period1h, Start: base, End: base.Add(time.Hour), Quality: true}
	res, err := e.GetBars(context.Background(), req)
	require.NoError(t, err)
	require.Less(t, res.Quality.OverallScore, 80.0)

	select {
	case <-sink.waiters:
	case <-time.After(time.Second):
		t.Fatal("quality issue sink was never called")
	}
	assert.Equal(t, "AAPL", sink.symbol)
}

func TestGetBatchIsolatesPerSymbolErrors(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{recs: func(symbol string) []source.RawRecord {
		if symbol == "BAD" {
			return []source.RawRecord{{"open": "not-a-number"}}
		}
		return hourlyRecords(symbol, 5, base)
	}}
	e := newTestEngine(src)

	items, err := e.GetBatch(context.Background(), []string{"GOOD", "BAD"}, bar.Period1h, base, base.Add(5*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, items, 2)

	bySymbol := make(map[string]BatchItem, len(items))
	for _, it := range items {
		bySymbol[it.Symbol] = it
	}
	assert.NoError(t, bySymbol["GOOD"].Err)
	assert.NotEmpty(t, bySymbol["GOOD"].Result.Bars)
	assert.Error(t, bySymbol["BAD"].Err)
}
