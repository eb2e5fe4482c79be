package bar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOHLC(t *testing.T) {
	valid := Bar{Open: 100000, High: 110000, Low: 90000, Close: 105000, Volume: 10}
	require.NoError(t, valid.CheckOHLC())

	broken := Bar{Open: 100000, High: 90000, Low: 80000, Close: 95000, Volume: 10}
	require.ErrorIs(t, broken.CheckOHLC(), ErrInvalidOHLC)

	negative := Bar{Open: -1, High: 1, Low: -1, Close: 1}
	require.ErrorIs(t, negative.CheckOHLC(), ErrInvalidPrice)
}

func TestPriceToFixedBankersRounding(t *testing.T) {
	assert.Equal(t, int64(123456), PriceToFixed(12.3456))
	// 0.5 ties round to even
	assert.Equal(t, int64(2), roundBankers(2.5))
	assert.Equal(t, int64(4), roundBankers(3.5))
}

func TestParsePeriodAliases(t *testing.T) {
	p, err := ParsePeriod("DAILY")
	require.NoError(t, err)
	assert.Equal(t, Period1d, p)

	_, err = ParsePeriod("3m")
	require.Error(t, err)
}

func TestRegistryAlignDaily(t *testing.T) {
	r := NewRegistry(time.UTC, 15)
	ts := time.Date(2023, 12, 1, 16, 0, 0, 0, time.UTC)
	aligned := r.Align(Period1d, ts)
	assert.Equal(t, time.Date(2023, 12, 1, 15, 0, 0, 0, time.UTC), aligned)

	earlier := time.Date(2023, 12, 1, 10, 0, 0, 0, time.UTC)
	aligned2 := r.Align(Period1d, earlier)
	assert.Equal(t, time.Date(2023, 11, 30, 15, 0, 0, 0, time.UTC), aligned2)
}

func TestRegistryDefaultTTL(t *testing.T) {
	r := NewRegistry(nil, 15)
	assert.Equal(t, 300*time.Second, r.DefaultTTL(Period1m))
	assert.Equal(t, 2592000*time.Second, r.DefaultTTL(Period1M))
}
