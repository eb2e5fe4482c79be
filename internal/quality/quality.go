// Package quality runs the five check families of spec §4.3 over an
// ordered bar sequence and produces a Report. All functions here are pure;
// the package performs no I/O.
package quality

import (
	"math"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
)

// Severity classifies one detected issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is one finding from any of the five check families.
type Issue struct {
	Family   string   `json:"family"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Index    int      `json:"index,omitempty"`
}

// Report is the quality report described in spec §3.
type Report struct {
	Completeness      float64 `json:"completeness"`
	Accuracy          float64 `json:"accuracy"`
	Consistency       float64 `json:"consistency"`
	Timeliness        float64 `json:"timeliness"`
	AnomalyCount      int     `json:"anomaly_count"`
	InvalidOHLCCount  int     `json:"invalid_ohlc_count"`
	TotalRecords      int     `json:"total_records"`
	MissingRecords    int     `json:"missing_records"`
	OverallScore      float64 `json:"overall_score"`
	Issues            []Issue `json:"issues,omitempty"`
}

// Config carries the tunable thresholds used by the check families,
// grounded on sawpanic-cryptorun's validator.go config-driven approach.
type Config struct {
	SanityPriceCeiling float64 // default 10000, spec §4.3 Accuracy
	ZScoreThreshold    float64 // default 3, spec §4.3 Validity
	VolumeSpikeK       float64 // default 5, spec §4.3 Validity
	RollingWindow      int     // bars considered for z-score/volume-spike windows
}

// DefaultConfig returns the spec's documented default thresholds.
func DefaultConfig() Config {
	return Config{
		SanityPriceCeiling: 10000,
		ZScoreThreshold:    3,
		VolumeSpikeK:       5,
		RollingWindow:      20,
	}
}

// Analyze runs all five check families over bars for one (symbol, period)
// and produces the overall report, per spec §4.3.
func Analyze(bars []bar.Bar, cadence time.Duration, cfg Config) Report {
	report := Report{TotalRecords: len(bars)}
	if len(bars) == 0 {
		return report
	}

	completenessIssues, missing := checkCompleteness(bars, cadence)
	accuracyIssues := checkAccuracy(bars, cfg)
	consistencyIssues, invalidOHLC := checkConsistency(bars)
	validityIssues, anomalies := checkValidity(bars, cfg)

	report.MissingRecords = missing
	report.InvalidOHLCCount = invalidOHLC
	report.AnomalyCount = anomalies

	expected := missing + len(bars)
	if expected > 0 {
		report.Completeness = 1 - float64(missing)/float64(expected)
	} else {
		report.Completeness = 1
	}
	report.Accuracy = scoreFromIssueCount(len(accuracyIssues), len(bars))
	report.Consistency = scoreFromIssueCount(len(consistencyIssues), len(bars))
	// Validity issues are reported in Issues but change no dimension score
	// or the overall score; Timeliness is computed from the most recent bar.
	report.Timeliness = freshness(bars[len(bars)-1].Timestamp)

	report.Issues = append(report.Issues, completenessIssues...)
	report.Issues = append(report.Issues, accuracyIssues...)
	report.Issues = append(report.Issues, consistencyIssues...)
	report.Issues = append(report.Issues, validityIssues...)

	report.OverallScore = overallScore(report)
	return report
}

func scoreFromIssueCount(issues, total int) float64 {
	if total == 0 {
		return 1
	}
	ratio := float64(issues) / float64(total)
	score := 1 - ratio
	if score < 0 {
		score = 0
	}
	return score
}

func freshness(last time.Time) float64 {
	hours := time.Since(last).Hours()
	f := 1 - hours/24
	if f < 0 {
		f = 0
	}
	return f
}

func checkCompleteness(bars []bar.Bar, cadence time.Duration) ([]Issue, int) {
	var issues []Issue
	missing := 0
	if cadence <= 0 || len(bars) < 2 {
		return issues, missing
	}
	for i := 1; i < len(bars); i++ {
		gap := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		expectedSteps := int(gap / cadence)
		if expectedSteps > 1 {
			missed := expectedSteps - 1
			missing += missed
			issues = append(issues, Issue{
				Family:   "completeness",
				Severity: severityForGap(missed),
				Message:  "time-series gap detected",
				Index:    i,
			})
		}
	}
	return issues, missing
}

func severityForGap(missed int) Severity {
	switch {
	case missed >= 10:
		return SeverityCritical
	case missed >= 5:
		return SeverityHigh
	case missed >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func checkAccuracy(bars []bar.Bar, cfg Config) []Issue {
	var issues []Issue
	ceiling := bar.PriceToFixed(cfg.SanityPriceCeiling)
	for i, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			issues = append(issues, Issue{Family: "accuracy", Severity: SeverityCritical, Message: "non-positive price", Index: i})
		}
		if b.High > ceiling {
			issues = append(issues, Issue{Family: "accuracy", Severity: SeverityHigh, Message: "price exceeds sanity ceiling", Index: i})
		}
	}
	return issues
}

func checkConsistency(bars []bar.Bar) ([]Issue, int) {
	var issues []Issue
	invalid := 0
	seen := make(map[int64]struct{}, len(bars))
	for i, b := range bars {
		if err := b.CheckOHLC(); err != nil {
			invalid++
			issues = append(issues, Issue{Family: "consistency", Severity: SeverityHigh, Message: "OHLC invariant violated", Index: i})
		}
		key := b.Timestamp.Unix()
		if _, ok := seen[key]; ok {
			issues = append(issues, Issue{Family: "consistency", Severity: SeverityMedium, Message: "duplicate timestamp", Index: i})
		}
		seen[key] = struct{}{}
	}
	return issues, invalid
}

func checkValidity(bars []bar.Bar, cfg Config) ([]Issue, int) {
	var issues []Issue
	anomalies := 0
	window := cfg.RollingWindow
	if window <= 0 {
		window = 20
	}
	for i := range bars {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		if i-lo < 2 {
			continue
		}
		closes := make([]float64, 0, i-lo)
		volumes := make([]float64, 0, i-lo)
		for j := lo; j < i; j++ {
			closes = append(closes, bars[j].CloseFloat())
			volumes = append(volumes, float64(bars[j].Volume))
		}
		mean, std := meanStd(closes)
		if std > 0 {
			z := (bars[i].CloseFloat() - mean) / std
			if math.Abs(z) > cfg.ZScoreThreshold {
				anomalies++
				issues = append(issues, Issue{Family: "validity", Severity: SeverityMedium, Message: "close price z-score outlier", Index: i})
			}
		}
		vMean, vStd := meanStd(volumes)
		if vStd > 0 && float64(bars[i].Volume) > vMean+cfg.VolumeSpikeK*vStd {
			anomalies++
			issues = append(issues, Issue{Family: "validity", Severity: SeverityLow, Message: "volume spike", Index: i})
		}
	}
	return issues, anomalies
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

// overallScore averages the four dimensions to 0-100, then penalizes 20 per
// critical and 10 per high issue, clamped to [0,100], per spec §4.3.
func overallScore(r Report) float64 {
	avg := (r.Completeness + r.Accuracy + r.Consistency + r.Timeliness) / 4
	score := avg * 100
	for _, issue := range r.Issues {
		switch issue.Severity {
		case SeverityCritical:
			score -= 20
		case SeverityHigh:
			score -= 10
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
