package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func strategiesWithThreshold(n int) map[Category]Strategy {
	s := DefaultStrategies()
	strat := s[CategorySource]
	strat.CircuitThreshold = n
	strat.MaxRetries = 0
	s[CategorySource] = strat
	return s
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	h := NewHandler(strategiesWithThreshold(5), nil)
	ctx := context.Background()
	var calls int32

	fail := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errBoom
	}

	for i := 0; i < 5; i++ {
		_ = h.Execute(ctx, CategorySource, "AAA.SH", fail)
	}

	err := h.Execute(ctx, CategorySource, "AAA.SH", fail)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "breaker must fail fast without invoking fn")
}

func TestCircuitScopedIndependently(t *testing.T) {
	h := NewHandler(strategiesWithThreshold(2), nil)
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errBoom }

	_ = h.Execute(ctx, CategorySource, "AAA", fail)
	_ = h.Execute(ctx, CategorySource, "AAA", fail)
	errA := h.Execute(ctx, CategorySource, "AAA", fail)
	require.ErrorIs(t, errA, ErrCircuitOpen)

	// A different scope's breaker must be unaffected.
	errB := h.Execute(ctx, CategorySource, "BBB", fail)
	assert.ErrorIs(t, errB, errBoom)
}

func TestExecuteSucceedsWithoutRetryOnFirstTry(t *testing.T) {
	h := NewHandler(nil, nil)
	err := h.Execute(context.Background(), CategoryNetwork, "", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

type countingSink struct{ alerts int32 }

func (c *countingSink) CriticalAlert(category Category, scope string, err error) {
	atomic.AddInt32(&c.alerts, 1)
}

func TestSystemErrorsEscalateAfterThreeConsecutive(t *testing.T) {
	sink := &countingSink{}
	strategies := DefaultStrategies()
	strat := strategies[CategorySystem]
	strat.CircuitThreshold = 100 // keep the breaker closed for this test
	strat.MaxRetries = 0
	strategies[CategorySystem] = strat
	h := NewHandler(strategies, sink)

	fail := func(ctx context.Context) error { return errBoom }
	for i := 0; i < 3; i++ {
		_ = h.Execute(context.Background(), CategorySystem, "", fail)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.alerts))
}

func TestResourceCategorySetsDegradedFlag(t *testing.T) {
	h := NewHandler(nil, nil)
	assert.False(t, h.Degraded())
	_ = h.Execute(context.Background(), CategoryResource, "", func(ctx context.Context) error { return errBoom })
	assert.True(t, h.Degraded())
}
