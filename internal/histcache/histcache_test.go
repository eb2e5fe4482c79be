package histcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(0, nil)
	c.Put("kline:AAA:1d:x:y", "AAA", "1d", "kline", []byte("payload"), time.Hour)
	v, ok := c.Get("kline:AAA:1d:x:y")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v)
}

func TestGetMissIncrementsStats(t *testing.T) {
	c := New(0, nil)
	_, ok := c.Get("missing")
	require.False(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Requests)
}

func TestInvalidateSymbolRemovesAllTiers(t *testing.T) {
	c := New(0, nil)
	c.Put("kline:AAA:1d:x:y", "AAA", "1d", "kline", []byte("p1"), time.Hour)
	c.Put("kline:AAA:1h:x:y", "AAA", "1h", "kline", []byte("p2"), time.Hour)
	c.InvalidateSymbol("AAA")

	_, ok1 := c.Get("kline:AAA:1d:x:y")
	_, ok2 := c.Get("kline:AAA:1h:x:y")
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestExpiredEntryNotReturned(t *testing.T) {
	c := New(0, nil)
	c.Put("k", "AAA", "1m", "kline", []byte("v"), -time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

type fixedAdjuster struct{ factor float64 }

func (f fixedAdjuster) Factor(period string) float64 { return f.factor }

func TestAdjusterScalesTTL(t *testing.T) {
	c := New(0, fixedAdjuster{factor: 0})
	c.Put("k", "AAA", "1m", "kline", []byte("v"), time.Hour)
	_, ok := c.Get("k")
	assert.False(t, ok, "zero TTL factor should expire immediately")
}

func TestSetTTLAdjusterAppliesToSubsequentPuts(t *testing.T) {
	c := New(0, nil)
	c.Put("k", "AAA", "1m", "kline", []byte("v"), time.Hour)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry put before an adjuster is wired uses its own TTL unscaled")

	c.SetTTLAdjuster(fixedAdjuster{factor: 0})
	c.Put("k2", "AAA", "1m", "kline", []byte("v"), time.Hour)
	_, ok = c.Get("k2")
	assert.False(t, ok, "entry put after SetTTLAdjuster must use the wired adjuster's factor")
}

func TestStartStopSweeperLifecycle(t *testing.T) {
	c := New(0, nil)
	c.Start()
	c.Stop()
}
