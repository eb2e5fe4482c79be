// Package telemetry implements the telemetry core of spec §4.14: Prometheus
// counters/histograms (grounded on the teacher's ws/internal/single/monitoring
// package), a battery of health checks rolled up into a weighted overall
// score, configurable alert thresholds, and a sliding-window pattern detector
// over internal/resilience's bounded error log.
package telemetry

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantarc/marketfeed/internal/histcache"
	"github.com/quantarc/marketfeed/internal/resilience"
)

// Status is a health check's verdict, from spec §4.14's closed set.
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusWarning   Status = "warning"
	StatusCritical  Status = "critical"
	StatusUnknown   Status = "unknown"
)

// CacheStatsSource is implemented by internal/histcache (C6); it exposes the
// cache health snapshot that feeds the hit-rate, memory, and eviction checks.
type CacheStatsSource interface {
	Stats() histcache.Stats
}

// ConnectionStatsSource is implemented by internal/wsconn (C10); it exposes
// connection count for the connectivity check.
type ConnectionStatsSource interface {
	Count() int
}

// Thresholds are the configurable alert thresholds of spec §4.14.
type Thresholds struct {
	HitRateMin      float64       // below this, hit_rate check warns/critical
	MemoryUsageMax  float64       // MB
	ResponseTimeMax time.Duration // above this, response check warns/critical
	ErrorRateMax    float64       // errors per total requests, 0..1
	EvictionRateMax float64       // evictions per total requests, 0..1
}

// DefaultThresholds returns conservative defaults suitable for a
// moderately-loaded single instance.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HitRateMin:      0.70,
		MemoryUsageMax:  1024,
		ResponseTimeMax: 500 * time.Millisecond,
		ErrorRateMax:    0.05,
		EvictionRateMax: 0.10,
	}
}

// patternThresholds is the category-specific count-within-window that fires
// a pattern alert (spec §4.14's "count ≥ threshold (category-specific)").
var patternThresholds = map[resilience.Category]int{
	resilience.CategoryConnection:   20,
	resilience.CategorySubscription: 20,
	resilience.CategoryDataPublish:  15,
	resilience.CategoryAuth:         10,
	resilience.CategoryValidation:   50,
	resilience.CategoryNetwork:      20,
	resilience.CategorySystem:       5,
	resilience.CategoryResource:     5,
	resilience.CategoryTimeout:      20,
	resilience.CategoryProtocol:     20,
	resilience.CategoryRateLimit:    100,
	resilience.CategorySource:       15,
	resilience.CategoryUnknown:      20,
}

const patternWindow = 5 * time.Minute

// HealthCheck is the result shape of one health check, per spec §4.14.
type HealthCheck struct {
	Name            string
	Status          Status
	Severity        string
	Message         string
	Metrics         map[string]float64
	Recommendations []string
}

// HealthReport is the composite result of RunHealthChecks.
type HealthReport struct {
	Overall Status
	Score   float64
	Checks  []HealthCheck
}

// PatternAlert is emitted by the pattern detector when a category's recent
// error count within the sliding window reaches its threshold.
type PatternAlert struct {
	Category  resilience.Category
	Count     int
	Window    time.Duration
	Threshold int
}

// Telemetry is the telemetry core of spec §4.14. It owns the Prometheus
// registry, the configurable thresholds, and the rolling response-time
// window used for the performance-trend/capacity-projection checks.
type Telemetry struct {
	thresholds Thresholds
	cache      CacheStatsSource
	conns      ConnectionStatsSource
	resilience *resilience.Handler

	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	errorsTotal     *prometheus.CounterVec
	messagesIn      prometheus.Counter
	messagesOut     prometheus.Counter
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
	responseTime    prometheus.Histogram
	publishLatency  prometheus.Histogram
	compressionRate prometheus.Histogram
	alertsTotal     *prometheus.CounterVec

	mu           sync.Mutex
	respSamples  []float64 // bounded ring of recent response times (ms), for trend/projection
	alertSinkSet bool

	// Plain atomics mirroring the Prometheus counters above, cheap to read
	// back out for Snapshot without scraping the registry.
	msgsIn  atomic.Int64
	msgsOut atomic.Int64
	bIn     atomic.Int64
	bOut    atomic.Int64

	criticalMu sync.Mutex
	criticals  []CriticalEvent
}

// CriticalEvent is one recorded resilience.AlertSink.CriticalAlert call.
type CriticalEvent struct {
	Category  resilience.Category
	Scope     string
	Message   string
	Timestamp time.Time
}

const respSampleCap = 500

// New builds a Telemetry instance. Metrics are registered against a private
// registry (never the global default) so multiple instances — e.g. in
// tests — never collide on duplicate registration.
func New(thresholds Thresholds, cache CacheStatsSource, conns ConnectionStatsSource, handler *resilience.Handler) *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		thresholds: thresholds,
		cache:      cache,
		conns:      conns,
		resilience: handler,
		reg:        reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_requests_total",
			Help: "Total requests handled, by outcome.",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_cache_hits_total",
			Help: "Total cache hits across all tiers.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_cache_misses_total",
			Help: "Total cache misses across all tiers.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_errors_total",
			Help: "Total errors by resilience category.",
		}, []string{"category"}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_messages_in_total",
			Help: "Total inbound WebSocket messages.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_messages_out_total",
			Help: "Total outbound WebSocket messages.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_bytes_in_total",
			Help: "Total inbound bytes.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_bytes_out_total",
			Help: "Total outbound bytes.",
		}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketfeed_response_time_seconds",
			Help:    "Historical-query response time.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketfeed_publish_latency_seconds",
			Help:    "Tick-to-publish latency in the data publisher.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		compressionRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketfeed_compression_ratio",
			Help:    "Compressed-size / original-size for frames above the compression threshold.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketfeed_alerts_total",
			Help: "Total alerts emitted, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		t.requestsTotal, t.cacheHits, t.cacheMisses, t.errorsTotal,
		t.messagesIn, t.messagesOut, t.bytesIn, t.bytesOut,
		t.responseTime, t.publishLatency, t.compressionRate, t.alertsTotal,
	)
	return t
}

// Handler returns an http.Handler serving this instance's metrics in
// Prometheus exposition format, meant to be mounted at /metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

// RecordRequest counts one request outcome ("hit", "miss", "error").
func (t *Telemetry) RecordRequest(outcome string) {
	t.requestsTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case "hit":
		t.cacheHits.Inc()
	case "miss":
		t.cacheMisses.Inc()
	}
}

// RecordError counts one resilience error by category.
func (t *Telemetry) RecordError(category resilience.Category) {
	t.errorsTotal.WithLabelValues(string(category)).Inc()
}

// RecordMessageIn/RecordMessageOut count one WS frame plus its byte size.
func (t *Telemetry) RecordMessageIn(bytes int) {
	t.messagesIn.Inc()
	t.bytesIn.Add(float64(bytes))
	t.msgsIn.Add(1)
	t.bIn.Add(int64(bytes))
}

func (t *Telemetry) RecordMessageOut(bytes int) {
	t.messagesOut.Inc()
	t.bytesOut.Add(float64(bytes))
	t.msgsOut.Add(1)
	t.bOut.Add(int64(bytes))
}

// ObserveResponseTime records a query-engine response time, both into the
// Prometheus histogram and into a bounded in-memory sample window used by
// the performance-trend/capacity-projection health checks.
func (t *Telemetry) ObserveResponseTime(d time.Duration) {
	t.responseTime.Observe(d.Seconds())
	t.mu.Lock()
	t.respSamples = append(t.respSamples, float64(d.Milliseconds()))
	if len(t.respSamples) > respSampleCap {
		t.respSamples = t.respSamples[len(t.respSamples)-respSampleCap:]
	}
	t.mu.Unlock()
}

// ObservePublishLatency records a publisher tick-to-fanout latency.
func (t *Telemetry) ObservePublishLatency(d time.Duration) {
	t.publishLatency.Observe(d.Seconds())
}

// ObserveCompressionRatio records one compressed/original size ratio.
func (t *Telemetry) ObserveCompressionRatio(compressedBytes, originalBytes int) {
	if originalBytes <= 0 {
		return
	}
	t.compressionRate.Observe(float64(compressedBytes) / float64(originalBytes))
}

// Snapshot implements internal/wsproto's StatsProvider, composing this
// instance's own counters with the CacheStatsSource/ConnectionStatsSource
// it was built with (C6/C10) into the flat map get_stats returns over the
// wire.
func (t *Telemetry) Snapshot() map[string]any {
	out := map[string]any{
		"messages_in":  t.msgsIn.Load(),
		"messages_out": t.msgsOut.Load(),
		"bytes_in":     t.bIn.Load(),
		"bytes_out":    t.bOut.Load(),
	}
	if t.conns != nil {
		out["connections"] = t.conns.Count()
	}
	if t.cache != nil {
		stats := t.cache.Stats()
		out["cache_hit_rate"] = stats.HitRate
		out["cache_requests"] = stats.Requests
		out["cache_l1_size"] = stats.L1Size
		out["cache_l2_size"] = stats.L2Size
	}
	return out
}

// CriticalAlert implements resilience.AlertSink: it records the critical
// system-error escalation raised by internal/resilience and increments the
// alert counter.
func (t *Telemetry) CriticalAlert(category resilience.Category, scope string, err error) {
	t.alertsTotal.WithLabelValues("critical_escalation").Inc()
	t.criticalMu.Lock()
	t.criticals = append(t.criticals, CriticalEvent{Category: category, Scope: scope, Message: err.Error(), Timestamp: time.Now()})
	if len(t.criticals) > 1000 {
		t.criticals = t.criticals[len(t.criticals)-1000:]
	}
	t.criticalMu.Unlock()
}

// CriticalEvents returns a snapshot of recorded critical escalations.
func (t *Telemetry) CriticalEvents() []CriticalEvent {
	t.criticalMu.Lock()
	defer t.criticalMu.Unlock()
	out := make([]CriticalEvent, len(t.criticals))
	copy(out, t.criticals)
	return out
}

// DetectPatterns implements spec §4.14's pattern detector: it counts recent
// errors per category within the sliding 5-minute window and emits one
// PatternAlert per category whose count reaches its threshold.
func (t *Telemetry) DetectPatterns() []PatternAlert {
	if t.resilience == nil {
		return nil
	}
	cutoff := time.Now().Add(-patternWindow)
	counts := make(map[resilience.Category]int)
	for _, e := range t.resilience.RecentErrors() {
		if e.Timestamp.After(cutoff) {
			counts[e.Category]++
		}
	}

	var alerts []PatternAlert
	for category, count := range counts {
		threshold, ok := patternThresholds[category]
		if !ok {
			threshold = patternThresholds[resilience.CategoryUnknown]
		}
		if count >= threshold {
			alerts = append(alerts, PatternAlert{Category: category, Count: count, Window: patternWindow, Threshold: threshold})
			t.alertsTotal.WithLabelValues("pattern:" + string(category)).Inc()
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Category < alerts[j].Category })
	return alerts
}

// healthWeights implements spec §4.14's weighted overall-score formula.
var healthWeights = map[string]float64{
	"hit_rate":     0.25,
	"memory":       0.20,
	"response":     0.20,
	"error":        0.15,
	"eviction":     0.10,
	"connectivity": 0.05,
	"monitoring":   0.05,
}

func scoreFor(status Status) float64 {
	switch status {
	case StatusExcellent:
		return 1.0
	case StatusGood:
		return 0.8
	case StatusWarning:
		return 0.5
	case StatusCritical:
		return 0.0
	default:
		return 0.5
	}
}

// RunHealthChecks runs every health check of spec §4.14 and rolls them up
// into one weighted overall score and status.
func (t *Telemetry) RunHealthChecks() HealthReport {
	checks := []HealthCheck{
		t.checkHitRate(),
		t.checkMemory(),
		t.checkResponseTime(),
		t.checkErrorRate(),
		t.checkEvictionRate(),
		t.checkConnectivity(),
		t.checkMonitoringLiveness(),
		t.checkDataConsistency(),
		t.checkPerformanceTrend(),
		t.checkCapacityProjection(),
	}

	var weightedSum, weightSum float64
	var criticalCount, warningCount int
	for _, c := range checks {
		switch c.Status {
		case StatusCritical:
			criticalCount++
		case StatusWarning:
			warningCount++
		}
		w, ok := weightFor(c.Name)
		if !ok {
			continue
		}
		weightedSum += w * scoreFor(c.Status)
		weightSum += w
	}

	score := 0.0
	if weightSum > 0 {
		score = weightedSum / weightSum
	}

	overall := StatusGood
	switch {
	case criticalCount > 0:
		overall = StatusCritical
	case warningCount >= 3:
		overall = StatusWarning
	case score >= 0.9:
		overall = StatusExcellent
	case score < 0.5:
		overall = StatusWarning
	}

	return HealthReport{Overall: overall, Score: score, Checks: checks}
}

func weightFor(name string) (float64, bool) {
	w, ok := healthWeights[name]
	return w, ok
}

func (t *Telemetry) checkHitRate() HealthCheck {
	if t.cache == nil {
		return HealthCheck{Name: "hit_rate", Status: StatusUnknown, Message: "no cache stats source configured"}
	}
	rate := t.cache.Stats().HitRate
	status := StatusExcellent
	var recs []string
	switch {
	case rate < t.thresholds.HitRateMin*0.5:
		status = StatusCritical
		recs = append(recs, "cache hit rate critically low; check TTL/capacity configuration")
	case rate < t.thresholds.HitRateMin:
		status = StatusWarning
		recs = append(recs, "cache hit rate below configured minimum")
	case rate < 0.9:
		status = StatusGood
	}
	return HealthCheck{
		Name: "hit_rate", Status: status, Severity: severityFor(status),
		Message:         "cache hit rate check",
		Metrics:         map[string]float64{"hit_rate": rate},
		Recommendations: recs,
	}
}

func (t *Telemetry) checkMemory() HealthCheck {
	if t.cache == nil {
		return HealthCheck{Name: "memory", Status: StatusUnknown, Message: "no cache stats source configured"}
	}
	mb := t.cache.Stats().MemoryMB
	status := StatusExcellent
	var recs []string
	switch {
	case mb > t.thresholds.MemoryUsageMax:
		status = StatusCritical
		recs = append(recs, "cache memory usage exceeds configured maximum")
	case mb > t.thresholds.MemoryUsageMax*0.8:
		status = StatusWarning
		recs = append(recs, "cache memory usage approaching configured maximum")
	case mb > t.thresholds.MemoryUsageMax*0.5:
		status = StatusGood
	}
	return HealthCheck{
		Name: "memory", Status: status, Severity: severityFor(status),
		Message: "cache memory usage check",
		Metrics: map[string]float64{"memory_mb": mb}, Recommendations: recs,
	}
}

func (t *Telemetry) checkResponseTime() HealthCheck {
	t.mu.Lock()
	p95 := percentile(t.respSamples, 0.95)
	t.mu.Unlock()

	maxMS := float64(t.thresholds.ResponseTimeMax.Milliseconds())
	status := StatusExcellent
	var recs []string
	switch {
	case len(t.respSamples) == 0:
		status = StatusUnknown
	case p95 > maxMS:
		status = StatusCritical
		recs = append(recs, "p95 response time exceeds configured maximum")
	case p95 > maxMS*0.8:
		status = StatusWarning
	case p95 > maxMS*0.5:
		status = StatusGood
	}
	return HealthCheck{
		Name: "response", Status: status, Severity: severityFor(status),
		Message: "response time check",
		Metrics: map[string]float64{"p95_ms": p95}, Recommendations: recs,
	}
}

func (t *Telemetry) checkErrorRate() HealthCheck {
	if t.cache == nil {
		return HealthCheck{Name: "error", Status: StatusUnknown, Message: "no request volume source configured"}
	}
	total := t.cache.Stats().Requests
	if total == 0 {
		return HealthCheck{Name: "error", Status: StatusUnknown, Message: "no requests observed yet"}
	}
	var errCount float64
	if t.resilience != nil {
		cutoff := time.Now().Add(-patternWindow)
		for _, e := range t.resilience.RecentErrors() {
			if e.Timestamp.After(cutoff) {
				errCount++
			}
		}
	}
	rate := errCount / float64(total)
	status := StatusExcellent
	var recs []string
	switch {
	case rate > t.thresholds.ErrorRateMax:
		status = StatusCritical
		recs = append(recs, "error rate exceeds configured maximum")
	case rate > t.thresholds.ErrorRateMax*0.5:
		status = StatusWarning
	case rate > 0:
		status = StatusGood
	}
	return HealthCheck{
		Name: "error", Status: status, Severity: severityFor(status),
		Message: "error rate check",
		Metrics: map[string]float64{"error_rate": rate}, Recommendations: recs,
	}
}

func (t *Telemetry) checkEvictionRate() HealthCheck {
	if t.cache == nil {
		return HealthCheck{Name: "eviction", Status: StatusUnknown, Message: "no cache stats source configured"}
	}
	stats := t.cache.Stats()
	if stats.Requests == 0 {
		return HealthCheck{Name: "eviction", Status: StatusUnknown, Message: "no requests observed yet"}
	}
	rate := float64(stats.Evictions) / float64(stats.Requests)
	status := StatusExcellent
	var recs []string
	switch {
	case rate > t.thresholds.EvictionRateMax:
		status = StatusCritical
		recs = append(recs, "eviction rate exceeds configured maximum; consider raising cache capacity")
	case rate > t.thresholds.EvictionRateMax*0.5:
		status = StatusWarning
	case rate > 0:
		status = StatusGood
	}
	return HealthCheck{
		Name: "eviction", Status: status, Severity: severityFor(status),
		Message: "eviction rate check",
		Metrics: map[string]float64{"eviction_rate": rate}, Recommendations: recs,
	}
}

func (t *Telemetry) checkConnectivity() HealthCheck {
	if t.conns == nil {
		return HealthCheck{Name: "connectivity", Status: StatusUnknown, Message: "no connection stats source configured"}
	}
	count := t.conns.Count()
	return HealthCheck{
		Name: "connectivity", Status: StatusExcellent, Severity: severityFor(StatusExcellent),
		Message: "connection count check",
		Metrics: map[string]float64{"connections": float64(count)},
	}
}

func (t *Telemetry) checkMonitoringLiveness() HealthCheck {
	return HealthCheck{Name: "monitoring", Status: StatusExcellent, Severity: severityFor(StatusExcellent), Message: "monitoring pipeline is live"}
}

func (t *Telemetry) checkDataConsistency() HealthCheck {
	events := t.CriticalEvents()
	if len(events) == 0 {
		return HealthCheck{Name: "consistency", Status: StatusExcellent, Severity: severityFor(StatusExcellent), Message: "no consistency-affecting critical alerts recorded"}
	}
	return HealthCheck{
		Name: "consistency", Status: StatusWarning, Severity: severityFor(StatusWarning),
		Message:         "recent critical alerts may have affected data consistency",
		Metrics:         map[string]float64{"critical_alert_count": float64(len(events))},
		Recommendations: []string{"review recent critical alerts before trusting cached results"},
	}
}

func (t *Telemetry) checkPerformanceTrend() HealthCheck {
	t.mu.Lock()
	samples := append([]float64(nil), t.respSamples...)
	t.mu.Unlock()

	if len(samples) < 20 {
		return HealthCheck{Name: "performance_trend", Status: StatusUnknown, Message: "insufficient samples for trend analysis"}
	}
	half := len(samples) / 2
	firstAvg := average(samples[:half])
	secondAvg := average(samples[half:])

	status := StatusGood
	var recs []string
	if firstAvg > 0 && secondAvg > firstAvg*1.5 {
		status = StatusWarning
		recs = append(recs, "response times trending upward over the recent sample window")
	} else if secondAvg <= firstAvg {
		status = StatusExcellent
	}
	return HealthCheck{
		Name: "performance_trend", Status: status, Severity: severityFor(status),
		Message:         "response time trend check",
		Metrics:         map[string]float64{"first_half_avg_ms": firstAvg, "second_half_avg_ms": secondAvg},
		Recommendations: recs,
	}
}

func (t *Telemetry) checkCapacityProjection() HealthCheck {
	if t.conns == nil || t.cache == nil {
		return HealthCheck{Name: "capacity_projection", Status: StatusUnknown, Message: "insufficient sources for capacity projection"}
	}
	mb := t.cache.Stats().MemoryMB
	headroom := t.thresholds.MemoryUsageMax - mb
	status := StatusExcellent
	var recs []string
	switch {
	case headroom <= 0:
		status = StatusCritical
		recs = append(recs, "no remaining memory headroom at current usage")
	case headroom < t.thresholds.MemoryUsageMax*0.2:
		status = StatusWarning
		recs = append(recs, "memory headroom below 20%% of configured maximum")
	}
	return HealthCheck{
		Name: "capacity_projection", Status: status, Severity: severityFor(status),
		Message: "capacity projection check",
		Metrics: map[string]float64{"memory_headroom_mb": headroom}, Recommendations: recs,
	}
}

func severityFor(s Status) string {
	switch s {
	case StatusCritical:
		return "critical"
	case StatusWarning:
		return "warning"
	case StatusUnknown:
		return "unknown"
	default:
		return "info"
	}
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile computes a simple linear-interpolated percentile (0..1) over a
// copy of samples; used by the response-time health check.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := p * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
