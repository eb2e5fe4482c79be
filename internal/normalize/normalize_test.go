package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/quantarc/marketfeed/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSynonyms(t *testing.T) {
	n := NewNormalizer(time.UTC)
	rec := source.RawRecord{
		"OPEN":      10.0,
		"HIGH":      11.0,
		"LOW":       9.5,
		"Close":     10.5,
		"vol":       1000.0,
		"timestamp": time.Date(2023, 12, 1, 15, 0, 0, 0, time.UTC),
	}
	b, err := n.Normalize("600519.SH", rec)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), b.Open)
	assert.Equal(t, uint64(1000), b.Volume)
	assert.Equal(t, 1.0, b.QualityScore)
}

func TestNormalizeMissingField(t *testing.T) {
	n := NewNormalizer(time.UTC)
	rec := source.RawRecord{"open": 10.0, "high": 11.0}
	_, err := n.Normalize("AAA", rec)
	var missing *ErrMissingRequiredField
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, missing.Fields, "low")
}

func TestNormalizeNaNVolumeBecomesZero(t *testing.T) {
	n := NewNormalizer(time.UTC)
	rec := source.RawRecord{
		"open": 10.0, "high": 11.0, "low": 9.0, "close": 10.0,
		"volume":    math.NaN(),
		"timestamp": time.Now().UTC(),
	}
	b, err := n.Normalize("AAA", rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.Volume)
}

func TestNormalizeFlagsBrokenOHLC(t *testing.T) {
	n := NewNormalizer(time.UTC)
	rec := source.RawRecord{
		"open": 10.0, "high": 9.0, "low": 8.0, "close": 9.5,
		"volume":    100.0,
		"timestamp": time.Now().UTC(),
	}
	b, err := n.Normalize("AAA", rec)
	require.NoError(t, err)
	assert.LessOrEqual(t, b.QualityScore, 0.7)
}
