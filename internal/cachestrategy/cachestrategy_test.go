package cachestrategy

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingFetcher struct {
	calls int32
}

func (f *countingFetcher) Prewarm(ctx context.Context, symbol, period string, lastNDays int) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

func TestFactorDefaultsToOne(t *testing.T) {
	s := New(nil)
	assert.Equal(t, 1.0, s.Factor("1d"))
}

func TestAdjustTTLFactorsIncreasesOnHighHitRate(t *testing.T) {
	s := New(nil)
	for i := 0; i < 19; i++ {
		s.RecordAccess("AAA", "1d", true)
	}
	s.RecordAccess("AAA", "1d", false)
	s.adjustTTLFactors()
	assert.InDelta(t, 1.1, s.Factor("1d"), 0.001)
}

func TestAdjustTTLFactorsDecreasesOnLowHitRate(t *testing.T) {
	s := New(nil)
	for i := 0; i < 9; i++ {
		s.RecordAccess("AAA", "1d", false)
	}
	s.RecordAccess("AAA", "1d", true)
	s.adjustTTLFactors()
	assert.InDelta(t, 0.9, s.Factor("1d"), 0.001)
}

func TestTopHotPatternsRequiresThreshold(t *testing.T) {
	s := New(nil)
	for i := 0; i < 5; i++ {
		s.RecordAccess("AAA", "1d", true)
	}
	hot := s.topHotPatterns()
	assert.Empty(t, hot)

	for i := 0; i < 10; i++ {
		s.RecordAccess("BBB", "1h", true)
	}
	hot = s.topHotPatterns()
	assert.Len(t, hot, 1)
	assert.Equal(t, "BBB", hot[0].Symbol)
}

func TestPrewarmInvokesFetcherForHotPatterns(t *testing.T) {
	fetcher := &countingFetcher{}
	s := New(fetcher)
	for i := 0; i < 10; i++ {
		s.RecordAccess("AAA", "1d", true)
	}
	hot := s.topHotPatterns()
	s.prewarm(context.Background(), hot)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
}
