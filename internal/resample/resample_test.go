package resample

import (
	"testing"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathDirect(t *testing.T) {
	path, err := Path(bar.Period1h, bar.Period1d)
	require.NoError(t, err)
	assert.Equal(t, []bar.Period{bar.Period1d}, path)
}

func TestPathChained(t *testing.T) {
	path, err := Path(bar.Period1m, bar.Period1w)
	require.NoError(t, err)
	assert.Equal(t, []bar.Period{bar.Period1d, bar.Period1w}, path)
}

func TestResampleVolumeConservation(t *testing.T) {
	reg := bar.NewRegistry(time.UTC, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []bar.Bar{
		{Symbol: "AAA", Timestamp: base, Open: 100, High: 110, Low: 90, Close: 105, Volume: 10, Amount: 1000},
		{Symbol: "AAA", Timestamp: base.Add(time.Minute), Open: 105, High: 108, Low: 100, Close: 106, Volume: 20, Amount: 2000},
		{Symbol: "AAA", Timestamp: base.Add(2 * time.Minute), Open: 106, High: 112, Low: 104, Close: 110, Volume: 30, Amount: 3000},
	}
	out, err := Resample(bars, bar.Period1m, bar.Period5m, reg, Options{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(60), out[0].Volume)
	assert.Equal(t, int64(6000), out[0].Amount)
	assert.Equal(t, int64(100), out[0].Open)
	assert.Equal(t, int64(110), out[0].Close)
	assert.Equal(t, int64(112), out[0].High)
	assert.Equal(t, int64(90), out[0].Low)
}

func TestResampleGapFillFlatBars(t *testing.T) {
	reg := bar.NewRegistry(time.UTC, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []bar.Bar{
		{Symbol: "AAA", Timestamp: base, Open: 100, High: 110, Low: 90, Close: 105, Volume: 10},
		{Symbol: "AAA", Timestamp: base.Add(5 * time.Hour), Open: 105, High: 108, Low: 100, Close: 106, Volume: 20},
	}
	out, err := Resample(bars, bar.Period1h, bar.Period2h, reg, Options{GapFill: true})
	require.NoError(t, err)
	// boundary 0 aggregates the first bar, then a synthetic flat bar at +2h
	// is inserted before the bar at +5h's 4h boundary.
	require.GreaterOrEqual(t, len(out), 2)
	for _, b := range out[1 : len(out)-1] {
		assert.Equal(t, uint64(0), b.Volume)
		assert.Equal(t, b.Open, b.Close)
	}
}

func TestResampleOutputTimestampIsBoundaryAligned(t *testing.T) {
	reg := bar.NewRegistry(time.UTC, 0)
	// First bar of the group sits 17 minutes into its 1h boundary, so the
	// output bar's timestamp must be the aligned boundary, not the first
	// bar's own (unaligned) timestamp.
	base := time.Date(2024, 1, 1, 9, 17, 0, 0, time.UTC)
	bars := []bar.Bar{
		{Symbol: "AAA", Timestamp: base, Open: 100, High: 110, Low: 90, Close: 105, Volume: 10},
		{Symbol: "AAA", Timestamp: base.Add(20 * time.Minute), Open: 105, High: 108, Low: 100, Close: 106, Volume: 20},
	}
	out, err := Resample(bars, bar.Period1m, bar.Period1h, reg, Options{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, reg.Align(bar.Period1h, base), out[0].Timestamp)
	assert.NotEqual(t, base, out[0].Timestamp)
}

func TestIdenticalFromToRejected(t *testing.T) {
	reg := bar.NewRegistry(time.UTC, 0)
	_, err := Resample([]bar.Bar{{Timestamp: time.Now()}}, bar.Period1h, bar.Period1h, reg, Options{})
	require.Error(t, err)
}
