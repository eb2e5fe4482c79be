package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/marketfeed/internal/histcache"
	"github.com/quantarc/marketfeed/internal/resilience"
)

type fakeCache struct {
	stats histcache.Stats
}

func (f *fakeCache) Stats() histcache.Stats { return f.stats }

type fakeConns struct {
	count int
}

func (f *fakeConns) Count() int { return f.count }

func TestRunHealthChecksExcellentWhenAllHealthy(t *testing.T) {
	cache := &fakeCache{stats: histcache.Stats{HitRate: 0.95, MemoryMB: 100, Requests: 1000, Evictions: 0}}
	conns := &fakeConns{count: 5}
	tel := New(DefaultThresholds(), cache, conns, nil)

	report := tel.RunHealthChecks()
	assert.Equal(t, StatusExcellent, report.Overall)
	assert.Greater(t, report.Score, 0.85)
}

func TestRunHealthChecksCriticalWhenHitRateVeryLow(t *testing.T) {
	cache := &fakeCache{stats: histcache.Stats{HitRate: 0.1, MemoryMB: 100, Requests: 1000, Evictions: 0}}
	conns := &fakeConns{count: 5}
	tel := New(DefaultThresholds(), cache, conns, nil)

	report := tel.RunHealthChecks()
	assert.Equal(t, StatusCritical, report.Overall)

	var hitRateCheck HealthCheck
	for _, c := range report.Checks {
		if c.Name == "hit_rate" {
			hitRateCheck = c
		}
	}
	assert.Equal(t, StatusCritical, hitRateCheck.Status)
}

func TestRunHealthChecksWarningWhenThreeChecksWarn(t *testing.T) {
	thresholds := DefaultThresholds()
	cache := &fakeCache{stats: histcache.Stats{
		HitRate:   thresholds.HitRateMin * 0.9,
		MemoryMB:  thresholds.MemoryUsageMax * 0.85,
		Requests:  1000,
		Evictions: int64(thresholds.EvictionRateMax * 0.7 * 1000),
	}}
	conns := &fakeConns{count: 5}
	tel := New(thresholds, cache, conns, nil)

	report := tel.RunHealthChecks()
	assert.Equal(t, StatusWarning, report.Overall)
}

func TestCriticalAlertRecordsEvent(t *testing.T) {
	tel := New(DefaultThresholds(), nil, nil, nil)
	tel.CriticalAlert(resilience.CategorySystem, "global", errors.New("boom"))

	events := tel.CriticalEvents()
	require.Len(t, events, 1)
	assert.Equal(t, resilience.CategorySystem, events[0].Category)
	assert.Equal(t, "boom", events[0].Message)
}

func TestDetectPatternsFiresWhenCategoryExceedsThreshold(t *testing.T) {
	handler := resilience.NewHandler(nil, nil)
	tel := New(DefaultThresholds(), nil, nil, handler)

	// Use a distinct scope per call so each (category, scope) breaker only
	// ever sees a single failure and never trips open, letting every
	// attempt reach the bounded error log.
	for i := 0; i < 12; i++ {
		scope := fmt.Sprintf("client%d", i)
		handler.Execute(context.Background(), resilience.CategoryAuth, scope, func(_ context.Context) error {
			return errors.New("auth failed")
		})
	}

	alerts := tel.DetectPatterns()
	require.NotEmpty(t, alerts)
	assert.Equal(t, resilience.CategoryAuth, alerts[0].Category)
	assert.GreaterOrEqual(t, alerts[0].Count, patternThresholds[resilience.CategoryAuth])
}

func TestSnapshotComposesCountersWithCacheAndConnStats(t *testing.T) {
	cache := &fakeCache{stats: histcache.Stats{HitRate: 0.8, Requests: 50, L1Size: 3, L2Size: 7}}
	conns := &fakeConns{count: 4}
	tel := New(DefaultThresholds(), cache, conns, nil)

	tel.RecordMessageIn(100)
	tel.RecordMessageIn(50)
	tel.RecordMessageOut(200)

	snap := tel.Snapshot()
	assert.Equal(t, int64(2), snap["messages_in"])
	assert.Equal(t, int64(1), snap["messages_out"])
	assert.Equal(t, int64(150), snap["bytes_in"])
	assert.Equal(t, int64(200), snap["bytes_out"])
	assert.Equal(t, 4, snap["connections"])
	assert.Equal(t, 0.8, snap["cache_hit_rate"])
}

func TestObserveResponseTimeFeedsPercentile(t *testing.T) {
	tel := New(DefaultThresholds(), nil, nil, nil)
	for i := 0; i < 100; i++ {
		tel.ObserveResponseTime(time.Duration(i) * time.Millisecond)
	}
	check := tel.checkResponseTime()
	assert.Equal(t, "response", check.Name)
	assert.Greater(t, check.Metrics["p95_ms"], 0.0)
}
