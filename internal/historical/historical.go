// Package historical implements the historical query engine of spec §4.7,
// orchestrating the source adapter (C2), normalizer (C3), quality monitor
// (C4), period processor (C5), two-tier cache (C6), and resilience handler
// (C14) behind three operations: GetBars, GetMultiPeriod, and GetBatch.
// Grounded on the teacher's handler-orchestrates-services wiring in
// ws/internal/server, generalized from per-connection handlers to a
// standalone query engine.
package historical

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
	"github.com/quantarc/marketfeed/internal/histcache"
	"github.com/quantarc/marketfeed/internal/normalize"
	"github.com/quantarc/marketfeed/internal/quality"
	"github.com/quantarc/marketfeed/internal/resilience"
	"github.com/quantarc/marketfeed/internal/source"
)

var (
	ErrInvalidRange  = errors.New("historical: start must be before end")
	ErrTooManySymbols = errors.New("historical: batch request exceeds symbol limit")
)

const maxBatchSymbols = 50

// defaultMultiPeriodConcurrency bounds how many of a GetMultiPeriod call's
// per-period GetBars calls run at once, matching spec §4.7's "concurrency
// capped, default k".
const defaultMultiPeriodConcurrency = 5

// Request is one GetBars call as described in spec §4.7/§6.
type Request struct {
	Symbol string
	Period bar.Period
	Start  time.Time
	End    time.Time

	// Normalize is the request schema's normalize_data flag. Normalization
	// via C3 is unconditional in spec §4.7 step 4 (there is no canonical
	// Bar without it), so this field only round-trips the caller's stated
	// intent rather than gating a behavior.
	Normalize bool
	// Quality gates step 5: when true, C4 runs and Result.Quality is a real
	// report; when false, Result.Quality is the zero value and the C4 pass
	// is skipped entirely.
	Quality bool
	// UseCache gates steps 2 and 7: when false, GetBars neither reads nor
	// writes the cache for this call.
	UseCache bool
	// MaxRecords, when > 0, tail-truncates the returned bars to the most
	// recent MaxRecords entries (step 6), applied before the (optional)
	// cache write so a cached entry reflects the same truncation.
	MaxRecords int
}

// Result bundles the bars returned with the quality report computed over
// them, matching the /historical-data response shape of spec §6.
type Result struct {
	Symbol  string
	Period  bar.Period
	Bars    []bar.Bar
	Quality quality.Report
	Cached  bool
}

// cacheEnvelope is the serialized cache payload; quality reports are cached
// alongside bars so repeated GetBars calls skip re-analysis.
type cacheEnvelope struct {
	Bars    []bar.Bar      `json:"bars"`
	Quality quality.Report `json:"quality"`
}

// Engine is the historical query engine of spec §4.7.
// AccessRecorder observes cache hit/miss outcomes; implemented by
// internal/cachestrategy.Strategy (C7). A nil recorder disables hot-pattern
// tracking without otherwise changing GetBars' behavior.
type AccessRecorder interface {
	RecordAccess(symbol, period string, hit bool)
}

// QualityIssueSink receives a fire-and-forget notification whenever a
// GetBars call's quality report scores below 80 (spec §4.7 step 8). A nil
// sink (the default) disables the notification path entirely; wiring one
// is optional per the spec's "if a background sink is configured" wording.
type QualityIssueSink interface {
	QualityIssue(symbol, period string, report quality.Report)
}

type Engine struct {
	source      source.BarSource
	normalizer  *normalize.Normalizer
	registry    *bar.Registry
	cache       *histcache.Cache
	resilience  *resilience.Handler
	qualityCfg  quality.Config
	recorder    AccessRecorder
	qualitySink QualityIssueSink
}

// New builds an Engine from its collaborators. None of the collaborators'
// background loops (cache sweeper, cache-strategy evaluator) are started
// here; callers start/stop those explicitly per Design Note §9.
func New(src source.BarSource, normalizer *normalize.Normalizer, registry *bar.Registry, cache *histcache.Cache, handler *resilience.Handler, qualityCfg quality.Config) *Engine {
	return &Engine{
		source:     src,
		normalizer: normalizer,
		registry:   registry,
		cache:      cache,
		resilience: handler,
		qualityCfg: qualityCfg,
	}
}

// SetAccessRecorder wires an AccessRecorder into the engine after
// construction, matching the optional-setter idiom used by internal/perf's
// WithMetrics — a nil-safe no-op when never called.
func (e *Engine) SetAccessRecorder(recorder AccessRecorder) {
	e.recorder = recorder
}

// SetQualitySink wires an optional QualityIssueSink after construction,
// matching the optional-setter idiom used by SetAccessRecorder.
func (e *Engine) SetQualitySink(sink QualityIssueSink) {
	e.qualitySink = sink
}

func (e *Engine) recordAccess(symbol string, period bar.Period, hit bool) {
	if e.recorder != nil {
		e.recorder.RecordAccess(symbol, string(period), hit)
	}
}

// GetBars implements spec §4.7's primary operation: cache lookup, miss-path
// fetch through the resilience handler (category "source", scoped to the
// symbol), normalize, quality-analyze, cache, return.
func (e *Engine) GetBars(ctx context.Context, req Request) (Result, error) {
	if !req.Start.Before(req.End) {
		return Result{}, ErrInvalidRange
	}

	key := bar.Key(req.Symbol, req.Period, req.Start, req.End)
	if req.UseCache {
		if raw, ok := e.cache.Get(key); ok {
			var env cacheEnvelope
			if err := json.Unmarshal(raw, &env); err == nil {
				e.recordAccess(req.Symbol, req.Period, true)
				return Result{Symbol: req.Symbol, Period: req.Period, Bars: env.Bars, Quality: env.Quality, Cached: true}, nil
			}
		}
		e.recordAccess(req.Symbol, req.Period, false)
	}

	bars, err := e.fetchAndNormalize(ctx, req.Symbol, req.Period, req.Start, req.End)
	if err != nil {
		return Result{}, err
	}

	var report quality.Report
	if req.Quality {
		report = quality.Analyze(bars, e.registry.Cadence(req.Period), e.qualityCfg)
	}

	if req.MaxRecords > 0 && len(bars) > req.MaxRecords {
		bars = bars[len(bars)-req.MaxRecords:]
	}

	if req.UseCache {
		env := cacheEnvelope{Bars: bars, Quality: report}
		if payload, err := json.Marshal(env); err == nil {
			e.cache.Put(key, req.Symbol, string(req.Period), "kline", payload, e.registry.DefaultTTL(req.Period))
		}
	}

	if req.Quality && report.OverallScore < 80 && e.qualitySink != nil {
		sink, symbol, period := e.qualitySink, req.Symbol, string(req.Period)
		go sink.QualityIssue(symbol, period, report)
	}

	return Result{Symbol: req.Symbol, Period: req.Period, Bars: bars, Quality: report, Cached: false}, nil
}

// fetchAndNormalize runs the source fetch under the resilience handler's
// "source" category policy, scoped per symbol so one misbehaving symbol's
// breaker does not affect others, then normalizes the raw records.
func (e *Engine) fetchAndNormalize(ctx context.Context, symbol string, period bar.Period, start, end time.Time) ([]bar.Bar, error) {
	var raw []source.RawRecord
	err := e.resilience.Execute(ctx, resilience.CategorySource, symbol, func(ctx context.Context) error {
		records, ferr := e.source.FetchBars(ctx, symbol, period, start, end)
		if ferr != nil {
			return ferr
		}
		raw = records
		return nil
	})
	if err != nil {
		return nil, err
	}

	bars, err := e.normalizer.NormalizeAll(symbol, raw)
	if err != nil {
		return bars, err
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// MultiPeriodItem is one period's outcome within a GetMultiPeriod call.
type MultiPeriodItem struct {
	Result Result
	Err    error
}

// GetMultiPeriod implements spec §4.7: runs one GetBars per requested period
// with bounded concurrency (default defaultMultiPeriodConcurrency). Each
// sub-result is independent — one period's source/resilience failure is
// reported only against that period and does not abort the others.
// includeQuality maps to the /multi-period route's include_quality_metrics
// flag; caching is always enabled since spec §6's multi-period endpoint has
// no use_cache override.
func (e *Engine) GetMultiPeriod(ctx context.Context, symbol string, periods []bar.Period, start, end time.Time, includeQuality bool) (map[bar.Period]MultiPeriodItem, error) {
	if len(periods) == 0 {
		return nil, nil
	}

	concurrency := defaultMultiPeriodConcurrency
	if len(periods) < concurrency {
		concurrency = len(periods)
	}

	type outcome struct {
		period bar.Period
		item   MultiPeriodItem
	}
	resultCh := make(chan outcome, len(periods))
	sem := make(chan struct{}, concurrency)

	for _, p := range periods {
		p := p
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			res, err := e.GetBars(ctx, Request{Symbol: symbol, Period: p, Start: start, End: end, Quality: includeQuality, UseCache: true})
			resultCh <- outcome{period: p, item: MultiPeriodItem{Result: res, Err: err}}
		}()
	}

	out := make(map[bar.Period]MultiPeriodItem, len(periods))
	for range periods {
		o := <-resultCh
		out[o.period] = o.item
	}
	return out, nil
}

// BatchItem is one symbol's outcome within a GetBatch call.
type BatchItem struct {
	Symbol string
	Result Result
	Err    error
}

// GetBatch implements spec §4.7's bounded-concurrency batch fetch across
// symbols, matching the /batch-data route of spec §6. One symbol's error
// does not fail the others.
func (e *Engine) GetBatch(ctx context.Context, symbols []string, period bar.Period, start, end time.Time, concurrency int) ([]BatchItem, error) {
	if len(symbols) > maxBatchSymbols {
		return nil, ErrTooManySymbols
	}
	if concurrency <= 0 {
		concurrency = 10
	}

	results := make([]BatchItem, len(symbols))
	sem := make(chan struct{}, concurrency)
	done := make(chan struct{}, len(symbols))

	for i, symbol := range symbols {
		i, symbol := i, symbol
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			res, err := e.GetBars(ctx, Request{Symbol: symbol, Period: period, Start: start, End: end, UseCache: true})
			results[i] = BatchItem{Symbol: symbol, Result: res, Err: err}
		}()
	}
	for range symbols {
		<-done
	}
	return results, nil
}

// Prewarm implements cachestrategy.PrewarmFetcher: fetch and cache the last
// lastNDays of data for a hot (symbol, period) pair.
func (e *Engine) Prewarm(ctx context.Context, symbol, period string, lastNDays int) error {
	p, err := bar.ParsePeriod(period)
	if err != nil {
		return err
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -lastNDays)
	_, err = e.GetBars(ctx, Request{Symbol: symbol, Period: p, Start: start, End: end, UseCache: true})
	return err
}
