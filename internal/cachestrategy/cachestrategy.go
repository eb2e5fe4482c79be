// Package cachestrategy implements the intelligent cache strategy of spec
// §4.6: hot-key access tracking, scheduled prewarm, and adaptive TTL based
// on recent hit rate.
package cachestrategy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HotPattern mirrors spec §3's record of the same name.
type HotPattern struct {
	Symbol               string
	Period               string
	AccessCount          int64
	LastAccess           time.Time
	AccessFrequencyPerHr float64
	PriorityScore        float64
}

const (
	pruneAge          = 7 * 24 * time.Hour
	hotThreshold      = 10
	topN              = 20
	evaluationCadence = 10 * time.Minute
)

// PrewarmFetcher fetches and caches the last N days of data for a hot
// (symbol, period) pair; implemented by the historical query engine (C8).
type PrewarmFetcher interface {
	Prewarm(ctx context.Context, symbol, period string, lastNDays int) error
}

// Strategy owns the HotPattern map and the per-period adaptive TTL factor
// table. All mutations are guarded by a single mutex, matching spec §4.6's
// "C7 owns the map" ownership note.
type Strategy struct {
	mu       sync.Mutex
	patterns map[string]*HotPattern // key: symbol|period
	hits     map[string]int         // rolling per-period hit count since last evaluation
	misses   map[string]int
	factors  map[string]float64 // per-period TTL adjustment factor

	prewarmSem chan struct{}
	fetcher    PrewarmFetcher

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Strategy with a default prewarm concurrency of 5 (spec §4.6).
func New(fetcher PrewarmFetcher) *Strategy {
	return &Strategy{
		patterns:   make(map[string]*HotPattern),
		hits:       make(map[string]int),
		misses:     make(map[string]int),
		factors:    make(map[string]float64),
		prewarmSem: make(chan struct{}, 5),
		fetcher:    fetcher,
		stop:       make(chan struct{}),
	}
}

func key(symbol, period string) string { return symbol + "|" + period }

// RecordAccess observes one cache lookup, updating the hot-pattern map and
// the rolling hit/miss counters used for adaptive TTL.
func (s *Strategy) RecordAccess(symbol, period string, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(symbol, period)
	p, ok := s.patterns[k]
	if !ok {
		p = &HotPattern{Symbol: symbol, Period: period}
		s.patterns[k] = p
	}
	p.AccessCount++
	p.LastAccess = time.Now()

	if hit {
		s.hits[period]++
	} else {
		s.misses[period]++
	}
}

// Factor returns the current TTL adjustment factor for a period,
// implementing histcache.TTLAdjuster. Defaults to 1.0 for unseen periods.
func (s *Strategy) Factor(period string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.factors[period]; ok {
		return f
	}
	return 1.0
}

// Start launches the 10-minute evaluation loop (prune, identify hot keys,
// schedule prewarm, recompute adaptive TTL factors). Must be paired with
// Stop; no background work starts from the constructor.
func (s *Strategy) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(evaluationCadence)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evaluate(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (s *Strategy) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Strategy) evaluate(ctx context.Context) {
	s.pruneOld()
	hot := s.topHotPatterns()
	s.adjustTTLFactors()
	if s.fetcher != nil {
		s.prewarm(ctx, hot)
	}
}

func (s *Strategy) pruneOld() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, p := range s.patterns {
		if now.Sub(p.LastAccess) > pruneAge {
			delete(s.patterns, k)
		}
	}
}

// topHotPatterns selects patterns with access_count >= hotThreshold,
// computes their priority score, and returns the top 20 by score.
func (s *Strategy) topHotPatterns() []HotPattern {
	s.mu.Lock()
	now := time.Now()
	candidates := make([]HotPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if p.AccessCount < hotThreshold {
			continue
		}
		hoursSince := now.Sub(p.LastAccess).Hours()
		recencyWeight := 1 - hoursSince/24
		if recencyWeight < 0 {
			recencyWeight = 0
		}
		hoursElapsed := now.Sub(p.LastAccess).Hours()
		if hoursElapsed <= 0 {
			hoursElapsed = 1
		}
		freq := float64(p.AccessCount) / hoursElapsed
		pattern := *p
		pattern.AccessFrequencyPerHr = freq
		pattern.PriorityScore = freq * (1 + recencyWeight)
		candidates = append(candidates, pattern)
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PriorityScore > candidates[j].PriorityScore
	})
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates
}

// adjustTTLFactors recomputes, per period, the rolling hit rate since the
// last evaluation and nudges that period's TTL factor per spec §4.6.
func (s *Strategy) adjustTTLFactors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for period, hits := range s.hits {
		misses := s.misses[period]
		total := hits + misses
		if total == 0 {
			continue
		}
		hitRate := float64(hits) / float64(total)
		factor := s.factors[period]
		if factor == 0 {
			factor = 1.0
		}
		switch {
		case hitRate > 0.9:
			factor *= 1.1
			if factor > 2.0 {
				factor = 2.0
			}
		case hitRate < 0.5:
			factor *= 0.9
			if factor < 0.5 {
				factor = 0.5
			}
		}
		s.factors[period] = factor
	}
	s.hits = make(map[string]int)
	s.misses = make(map[string]int)
}

func (s *Strategy) prewarm(ctx context.Context, hot []HotPattern) {
	var wg sync.WaitGroup
	for _, p := range hot {
		p := p
		select {
		case s.prewarmSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.prewarmSem }()
			_ = s.fetcher.Prewarm(ctx, p.Symbol, p.Period, 7)
		}()
	}
	wg.Wait()
}
